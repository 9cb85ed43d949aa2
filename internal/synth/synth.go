// Package synth turns an analyzed cluster into a structured requirement.
package synth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"sieve/internal/config"
	"sieve/internal/keylock"
	"sieve/internal/logging"
	"sieve/internal/router"
	"sieve/internal/services"
	"sieve/internal/stage"
	"sieve/internal/store"
	"sieve/internal/textutil"
)

const excerptRunes = 280

// Completer runs a validated synthesis call. *router.Router satisfies it.
type Completer interface {
	Synthesize(ctx context.Context, req router.SynthesisRequest) (router.SynthesisResult, error)
}

// Action describes what Synthesize did for a cluster.
type Action string

const (
	ActionSynthesized Action = "synthesized"
	ActionUnchanged   Action = "unchanged"
	ActionReview      Action = "review"
	ActionSkipped     Action = "skipped"
)

// Outcome reports one synthesis.
type Outcome struct {
	ClusterID     int64
	RequirementID int64
	Action        Action
	Superseded    int64
	Cached        bool
	Cost          float64
}

// Synthesizer is safe for concurrent use. Calls for the same cluster are
// serialized so only one draft exists per membership snapshot.
type Synthesizer struct {
	store       *store.Store
	completer   Completer
	template    Template
	maxExcerpts int
	concurrency int
	logger      *slog.Logger
	clusters    *keylock.Map
	review      *stage.ReviewQueue
}

// Option customizes a Synthesizer.
type Option func(*Synthesizer)

// WithReviewQueue sends review entries through q so the operator hears about
// them.
func WithReviewQueue(q *stage.ReviewQueue) Option {
	return func(s *Synthesizer) {
		if q != nil {
			s.review = q
		}
	}
}

// New builds a synthesizer using the configured template.
func New(cfg *config.Config, st *store.Store, completer Completer, logger *slog.Logger, opts ...Option) (*Synthesizer, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	catalog, err := LoadCatalog(cfg.Synthesis.TemplatesPath)
	if err != nil {
		return nil, err
	}
	tmpl, err := catalog.Get(cfg.Synthesis.Template)
	if err != nil {
		return nil, err
	}
	concurrency := cfg.Synthesis.BatchConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	s := &Synthesizer{
		store:       st,
		completer:   completer,
		template:    tmpl,
		maxExcerpts: cfg.Synthesis.MaxMemberExcerpts,
		concurrency: concurrency,
		logger:      logging.NewComponentLogger(logger, "synth"),
		clusters:    keylock.New(),
		review:      stage.NewReviewQueue(st, nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Template returns the active template.
func (s *Synthesizer) Template() Template { return s.template }

// Fingerprint identifies a membership snapshot by its sorted item ids.
func Fingerprint(ids []int64) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, id := range sorted {
		parts[i] = strconv.FormatInt(id, 10)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}

// Synthesize produces the requirement for the cluster's committed membership.
// A requirement already synthesized for the same membership is left alone.
// Output that stays malformed after the strict retry routes the requirement
// to manual review and is not an error.
func (s *Synthesizer) Synthesize(ctx context.Context, clusterID int64) (Outcome, error) {
	unlock := s.clusters.Lock(strconv.FormatInt(clusterID, 10))
	defer unlock()

	outcome := Outcome{ClusterID: clusterID}
	cluster, err := s.store.GetCluster(ctx, clusterID)
	if err != nil {
		return outcome, err
	}
	if cluster == nil {
		return outcome, services.Wrap(services.ErrNotFound, "synth", "load cluster", fmt.Sprintf("cluster %d", clusterID), nil)
	}
	if err := s.ensureLive(ctx, cluster.WorkspaceID); err != nil {
		return outcome, err
	}
	if cluster.Status != store.ClusterActive {
		outcome.Action = ActionSkipped
		return outcome, nil
	}
	members, err := s.store.ClusterMembers(ctx, clusterID)
	if err != nil {
		return outcome, err
	}
	if len(members) == 0 {
		outcome.Action = ActionSkipped
		return outcome, nil
	}
	ids := make([]int64, len(members))
	for i, m := range members {
		ids[i] = m.ItemID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fingerprint := Fingerprint(ids)

	current, err := s.store.CurrentRequirement(ctx, clusterID)
	if err != nil {
		return outcome, err
	}
	var requirementID int64
	switch {
	case current != nil && current.MemberFingerprint == fingerprint &&
		(current.Status == store.RequirementSynthesized || current.Status == store.RequirementExported):
		outcome.RequirementID = current.ID
		outcome.Action = ActionUnchanged
		return outcome, nil
	case current != nil && current.MemberFingerprint == fingerprint:
		requirementID = current.ID
	default:
		requirementID, err = s.store.InsertDraftRequirement(ctx, store.Requirement{
			WorkspaceID:       cluster.WorkspaceID,
			ClusterID:         clusterID,
			PriorityScore:     cluster.PriorityScore,
			PriorityBucket:    cluster.PriorityBucket,
			SourceFeedbackIDs: ids,
			MemberFingerprint: fingerprint,
			Template:          s.template.Name,
		})
		if err != nil {
			return outcome, err
		}
		if current != nil && (current.Status == store.RequirementDraft || current.Status == store.RequirementReview) {
			if err := s.store.SupersedeRequirement(ctx, current.ID, requirementID); err != nil {
				return outcome, err
			}
		}
	}
	var supersedes int64
	previous, err := s.store.LatestPublishedRequirement(ctx, clusterID, requirementID)
	if err != nil {
		return outcome, err
	}
	if previous != nil {
		supersedes = previous.ID
	}
	outcome.RequirementID = requirementID

	analysis, err := s.store.ActiveAnalysis(ctx, clusterID)
	if err != nil {
		return outcome, err
	}
	prompt := s.buildPrompt(cluster, members, analysis)

	var draft Draft
	result, err := s.completer.Synthesize(ctx, router.SynthesisRequest{
		WorkspaceID:  cluster.WorkspaceID,
		ClusterID:    clusterID,
		System:       s.template.System,
		Prompt:       prompt,
		StrictPrompt: prompt + "\n\n" + strings.TrimSpace(s.template.StrictSuffix),
		Decode: func(content string) error {
			d, err := ParseDraft(content, s.template.MaxAcceptanceCriteria)
			if err != nil {
				return err
			}
			draft = d
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, services.ErrMalformedOutput) {
			return s.routeToReview(ctx, cluster, outcome, err)
		}
		if ferr := s.store.SetRequirementFailure(ctx, requirementID, err.Error()); ferr != nil {
			s.logger.Warn("record requirement failure", logging.Error(ferr))
		}
		return outcome, err
	}
	outcome.Cached = result.Cached
	outcome.Cost = result.Cost

	// Deleting the workspace mid-call discards the result.
	if err := s.ensureLive(ctx, cluster.WorkspaceID); err != nil {
		return outcome, err
	}
	if err := s.store.MarkRequirementSynthesized(ctx, requirementID, store.RequirementContent{
		Title:              draft.Title,
		UserStory:          draft.UserStory,
		AcceptanceCriteria: draft.AcceptanceCriteria,
		PriorityScore:      cluster.PriorityScore,
		PriorityBucket:     cluster.PriorityBucket,
		Template:           s.template.Name,
	}, supersedes); err != nil {
		return outcome, err
	}
	outcome.Action = ActionSynthesized
	outcome.Superseded = supersedes
	s.logger.Info("requirement synthesized",
		logging.String(logging.FieldWorkspaceID, cluster.WorkspaceID),
		logging.ClusterID(clusterID),
		logging.RequirementID(requirementID),
		logging.String("title", draft.Title),
		logging.Bool("cached", result.Cached),
		logging.Bool("strict_retry", result.Strict),
	)
	return outcome, nil
}

func (s *Synthesizer) routeToReview(ctx context.Context, cluster *store.Cluster, outcome Outcome, cause error) (Outcome, error) {
	reason := "malformed model output: " + cause.Error()
	if err := s.store.MarkRequirementReview(ctx, outcome.RequirementID, reason); err != nil {
		return outcome, err
	}
	if _, err := s.review.Add(ctx, store.ReviewEntry{
		WorkspaceID:   cluster.WorkspaceID,
		ClusterID:     cluster.ID,
		RequirementID: outcome.RequirementID,
		Reason:        reason,
	}); err != nil {
		return outcome, err
	}
	logging.WarnWithContext(s.logger, "requirement routed to manual review", "synthesis_review",
		logging.String(logging.FieldWorkspaceID, cluster.WorkspaceID),
		logging.ClusterID(cluster.ID),
		logging.RequirementID(outcome.RequirementID),
		logging.String(logging.FieldErrorHint, "inspect with `sieve review list` and resolve to retry"),
		logging.Error(cause),
	)
	outcome.Action = ActionReview
	return outcome, nil
}

func (s *Synthesizer) ensureLive(ctx context.Context, workspaceID string) error {
	live, err := s.store.WorkspaceActive(ctx, workspaceID)
	if err != nil {
		return err
	}
	if !live {
		return services.Wrap(services.ErrCancelled, "synth", "workspace", "workspace "+workspaceID+" is deleted", nil)
	}
	return nil
}

func (s *Synthesizer) buildPrompt(cluster *store.Cluster, members []store.ClusterMember, analysis *store.AnalysisResult) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.template.Instructions))
	fmt.Fprintf(&b, "\n\nTone: %s\nStyle: %s\nAt most %d acceptance criteria.\n",
		s.template.Tone, s.template.Style, s.template.MaxAcceptanceCriteria)

	representative := members[0]
	for _, m := range members {
		if m.ItemID == cluster.RepresentativeItemID {
			representative = m
			break
		}
	}
	fmt.Fprintf(&b, "\nRepresentative feedback (%d reports in total):\n%s\n", len(members), representative.Content)

	excerpts := 0
	for _, m := range members {
		if excerpts >= s.maxExcerpts {
			break
		}
		if m.ItemID == representative.ItemID {
			continue
		}
		if excerpts == 0 {
			b.WriteString("\nOther reports:\n")
		}
		fmt.Fprintf(&b, "- %s\n", textutil.Truncate(strings.Join(strings.Fields(m.Content), " "), excerptRunes))
		excerpts++
	}

	if analysis != nil {
		if len(analysis.Themes) > 0 {
			fmt.Fprintf(&b, "\nThemes: %s\n", strings.Join(analysis.Themes, ", "))
		}
		fmt.Fprintf(&b, "Average sentiment: %.2f\n", analysis.Sentiment)
		if analysis.Summary != "" {
			fmt.Fprintf(&b, "Summary: %s\n", analysis.Summary)
		}
	}
	b.WriteString("\nReturn a JSON object with keys \"title\", \"userStory\", and \"acceptanceCriteria\".")
	return b.String()
}

// BatchResult collects per-cluster results of SynthesizeBatch. Deferred
// lists clusters left for a later invocation by the limit.
type BatchResult struct {
	Outcomes map[int64]Outcome
	Errors   map[int64]error
	Deferred []int64
}

// SynthesizeBatch synthesizes up to limit clusters of a workspace
// concurrently, bounded by the configured batch concurrency. With no ids it
// takes the workspace's active clusters in priority order. A limit of zero or
// less means no cap. One cluster failing does not stop the others; ids that
// are not clusters of the workspace are reported as ErrNotFound and do not
// count against the limit.
func (s *Synthesizer) SynthesizeBatch(ctx context.Context, workspaceID string, clusterIDs []int64, limit int) (BatchResult, error) {
	result := BatchResult{Outcomes: make(map[int64]Outcome), Errors: make(map[int64]error)}
	if err := s.ensureLive(ctx, workspaceID); err != nil {
		return result, err
	}
	if len(clusterIDs) == 0 {
		clusters, err := s.store.ListClusters(ctx, workspaceID, false)
		if err != nil {
			return result, err
		}
		for _, c := range clusters {
			clusterIDs = append(clusterIDs, c.ID)
		}
	}

	selected := make([]int64, 0, len(clusterIDs))
	seen := make(map[int64]bool, len(clusterIDs))
	for _, id := range clusterIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		cluster, err := s.store.GetCluster(ctx, id)
		if err != nil {
			return result, err
		}
		if cluster == nil || cluster.WorkspaceID != workspaceID {
			result.Errors[id] = services.Wrap(services.ErrNotFound, "synth", "batch",
				fmt.Sprintf("cluster %d is not in workspace %s", id, workspaceID), nil)
			continue
		}
		if limit > 0 && len(selected) >= limit {
			result.Deferred = append(result.Deferred, id)
			continue
		}
		selected = append(selected, id)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range selected {
		g.Go(func() error {
			outcome, err := s.Synthesize(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[id] = err
				return nil
			}
			result.Outcomes[id] = outcome
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info("synthesis batch finished",
		logging.String(logging.FieldWorkspaceID, workspaceID),
		logging.Int("synthesized", len(result.Outcomes)),
		logging.Int("failed", len(result.Errors)),
		logging.Int("deferred", len(result.Deferred)),
	)
	return result, nil
}
