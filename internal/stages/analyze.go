package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"sieve/internal/logging"
	"sieve/internal/router"
	"sieve/internal/services"
	"sieve/internal/stage"
	"sieve/internal/store"
	"sieve/internal/textutil"
)

const analysisExcerptRunes = 400

// Analyzer is the routing call the analyze stage needs. *router.Router
// satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, req router.AnalyzeRequest) (router.AnalysisResult, error)
}

// Analyze reads sentiment and themes for a cluster's committed membership and
// schedules synthesis. Output the router could not validate twice puts the
// cluster on the manual review queue.
type Analyze struct {
	store       *store.Store
	analyzer    Analyzer
	review      *stage.ReviewQueue
	maxExcerpts int
	logger      *slog.Logger
}

// NewAnalyze builds the analyze handler.
func NewAnalyze(st *store.Store, analyzer Analyzer, review *stage.ReviewQueue, maxExcerpts int, logger *slog.Logger) *Analyze {
	if logger == nil {
		logger = logging.NewNop()
	}
	if review == nil {
		review = stage.NewReviewQueue(st, nil)
	}
	return &Analyze{
		store:       st,
		analyzer:    analyzer,
		review:      review,
		maxExcerpts: maxExcerpts,
		logger:      logging.NewComponentLogger(logger, "analyze"),
	}
}

// Execute implements stage.Handler. Dissolved clusters are skipped.
func (h *Analyze) Execute(ctx context.Context, job *store.Job) error {
	if err := stage.RequireEntity(job); err != nil {
		return err
	}
	cluster, err := h.store.GetCluster(ctx, job.EntityID)
	if err != nil {
		return err
	}
	if cluster == nil {
		return services.Wrap(services.ErrNotFound, "analyze", "load cluster", fmt.Sprintf("cluster %d", job.EntityID), nil)
	}
	if err := stage.EnsureLive(ctx, h.store, "analyze", cluster.WorkspaceID); err != nil {
		return err
	}
	if cluster.Status != store.ClusterActive {
		logging.WithContext(ctx, h.logger).Debug("skipping inactive cluster", logging.ClusterID(cluster.ID))
		return nil
	}
	members, err := h.store.ClusterMembers(ctx, cluster.ID)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}

	res, err := h.analyzer.Analyze(ctx, router.AnalyzeRequest{
		WorkspaceID: cluster.WorkspaceID,
		ClusterID:   cluster.ID,
		Content:     ClusterContent(cluster, members, h.maxExcerpts),
	})
	if errors.Is(err, services.ErrMalformedOutput) {
		return h.routeToReview(ctx, cluster, err)
	}
	if err != nil {
		return err
	}
	if err := stage.EnsureLive(ctx, h.store, "analyze", cluster.WorkspaceID); err != nil {
		return err
	}
	if _, err := h.store.SaveAnalysis(ctx, store.AnalysisResult{
		ClusterID: cluster.ID,
		Tier:      res.Tier,
		Sentiment: res.Sentiment,
		Themes:    res.Themes,
		Summary:   res.Summary,
		CacheKey:  res.CacheKey,
		Cached:    res.Cached,
		Cost:      res.Cost,
	}); err != nil {
		return err
	}
	if _, err := h.store.Enqueue(ctx, store.NewJob{
		WorkspaceID: cluster.WorkspaceID,
		Stage:       store.StageSynthesize,
		EntityID:    cluster.ID,
	}); err != nil {
		return err
	}

	logging.WithContext(ctx, h.logger).Info("cluster analyzed",
		logging.String(logging.FieldEventType, "cluster_analyzed"),
		logging.ClusterID(cluster.ID),
		logging.Int("size", len(members)),
		logging.Tier(res.Tier),
		logging.String("requested_tier", res.RequestedTier),
		logging.Bool("cached", res.Cached),
		logging.Cost(res.Cost),
	)
	return nil
}

func (h *Analyze) routeToReview(ctx context.Context, cluster *store.Cluster, cause error) error {
	if err := stage.EnsureLive(ctx, h.store, "analyze", cluster.WorkspaceID); err != nil {
		return err
	}
	reason := "analysis failed validation: " + cause.Error()
	id, err := h.review.Add(ctx, store.ReviewEntry{
		WorkspaceID: cluster.WorkspaceID,
		ClusterID:   cluster.ID,
		Reason:      reason,
	})
	if err != nil {
		return err
	}
	if err := h.store.SetClusterFailure(ctx, cluster.ID, reason); err != nil {
		return err
	}
	logging.WarnWithContext(logging.WithContext(ctx, h.logger), "cluster routed to manual review", "analysis_review",
		logging.ClusterID(cluster.ID),
		logging.Int64("review_id", id),
		logging.String(logging.FieldErrorHint, "inspect with `sieve review list` and resolve to resynthesize"),
		logging.Error(cause),
	)
	return nil
}

// RecordFailure implements stage.FailureRecorder.
func (h *Analyze) RecordFailure(ctx context.Context, job *store.Job, reason string) error {
	return h.store.SetClusterFailure(ctx, job.EntityID, reason)
}

// HealthCheck implements stage.Handler.
func (h *Analyze) HealthCheck(context.Context) stage.Health {
	if h.analyzer == nil {
		return stage.Missing(store.StageAnalyze, "router")
	}
	return stage.Healthy(store.StageAnalyze)
}

// ClusterContent renders the text a cluster is analyzed on: the
// representative item in full, then up to maxExcerpts other members in id
// order as single-line excerpts. The result only changes when membership or
// member content does, which keeps cache keys stable.
func ClusterContent(cluster *store.Cluster, members []store.ClusterMember, maxExcerpts int) string {
	sorted := append([]store.ClusterMember(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ItemID < sorted[j].ItemID })

	representative := sorted[0]
	for _, m := range sorted {
		if m.ItemID == cluster.RepresentativeItemID {
			representative = m
			break
		}
	}
	var b strings.Builder
	b.WriteString(representative.Content)
	added := 0
	for _, m := range sorted {
		if added >= maxExcerpts {
			break
		}
		if m.ItemID == representative.ItemID {
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(textutil.Truncate(strings.Join(strings.Fields(m.Content), " "), analysisExcerptRunes))
		added++
	}
	return b.String()
}
