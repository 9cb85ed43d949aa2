package synth_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sieve/internal/config"
	"sieve/internal/dedup"
	"sieve/internal/ratelimit"
	"sieve/internal/router"
	"sieve/internal/services"
	"sieve/internal/store"
	"sieve/internal/synth"
	"sieve/internal/testsupport"
)

const validDraft = `{"title": "faster csv exports.", "userStory": "As an analyst, I want CSV exports to finish quickly so that my reports go out on time", "acceptanceCriteria": ["Exports of 10k rows finish in 5 seconds", "Progress is shown", "Failures are reported", "Large exports stream", "Exports can be cancelled", "Exports are logged", "Exports are audited"]}`

type fixture struct {
	cfg     *config.Config
	store   *store.Store
	engine  *dedup.Engine
	premium *testsupport.FakeProvider
	synth   *synth.Synthesizer
}

func newFixture(t *testing.T, premium *testsupport.FakeProvider) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.MustWorkspace(t, st, "acme")
	providers := map[string]router.Provider{
		router.TierCheap:   testsupport.FailingProvider("cheap", errors.New("cheap tier must not be used")),
		router.TierMid:     testsupport.FailingProvider("mid", errors.New("mid tier must not be used")),
		router.TierPremium: premium,
	}
	r, err := router.New(cfg, providers, st, testsupport.MustOpenCache(t, cfg), ratelimit.NewRegistry(time.Second), nil,
		router.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	s, err := synth.New(cfg, st, r, nil)
	if err != nil {
		t.Fatalf("synth.New: %v", err)
	}
	return &fixture{cfg: cfg, store: st, engine: dedup.NewEngine(cfg, st, nil), premium: premium, synth: s}
}

func (f *fixture) addItem(t *testing.T, externalID, content string, vector []float32) *store.FeedbackItem {
	t.Helper()
	item := testsupport.MustFeedback(t, f.store, store.NewFeedback{
		WorkspaceID:  "acme",
		SourceSystem: "survey",
		ExternalID:   externalID,
		Content:      content,
	})
	testsupport.MustEmbedding(t, f.store, item, vector)
	outcome, err := f.engine.Assign(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	item.ClusterID = outcome.ClusterID
	return item
}

func TestSynthesizeWritesRequirement(t *testing.T) {
	f := newFixture(t, testsupport.StaticProvider("premium", validDraft, 100, 100))
	ctx := context.Background()
	first := f.addItem(t, "a", "CSV export takes forever", []float32{1, 0, 0})
	f.addItem(t, "b", "exporting to csv is very slow", []float32{0.99, 0.05, 0})

	outcome, err := f.synth.Synthesize(ctx, first.ClusterID)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if outcome.Action != synth.ActionSynthesized {
		t.Fatalf("action = %s, want synthesized", outcome.Action)
	}
	req, err := f.store.GetRequirement(ctx, outcome.RequirementID)
	if err != nil || req == nil {
		t.Fatalf("GetRequirement: %v %v", req, err)
	}
	if req.Status != store.RequirementSynthesized {
		t.Fatalf("status = %s", req.Status)
	}
	if req.Title != "Faster csv exports" {
		t.Fatalf("title = %q", req.Title)
	}
	if len(req.AcceptanceCriteria) != 5 {
		t.Fatalf("expected criteria truncated to 5, got %d", len(req.AcceptanceCriteria))
	}
	if len(req.SourceFeedbackIDs) != 2 {
		t.Fatalf("expected 2 source ids, got %v", req.SourceFeedbackIDs)
	}
	if req.Template != "user-story" {
		t.Fatalf("template = %q", req.Template)
	}
	prompts := f.premium.Prompts()
	if len(prompts) != 1 || !strings.Contains(prompts[0], "CSV export takes forever") {
		t.Fatalf("prompt missing representative content: %v", prompts)
	}
}

func TestSynthesizeUnchangedMembershipIsNoop(t *testing.T) {
	f := newFixture(t, testsupport.StaticProvider("premium", validDraft, 100, 100))
	ctx := context.Background()
	item := f.addItem(t, "a", "CSV export takes forever", []float32{1, 0, 0})

	first, err := f.synth.Synthesize(ctx, item.ClusterID)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	second, err := f.synth.Synthesize(ctx, item.ClusterID)
	if err != nil {
		t.Fatalf("Synthesize again: %v", err)
	}
	if second.Action != synth.ActionUnchanged || second.RequirementID != first.RequirementID {
		t.Fatalf("expected unchanged %d, got %+v", first.RequirementID, second)
	}
	if f.premium.Calls() != 1 {
		t.Fatalf("expected 1 provider call, got %d", f.premium.Calls())
	}
}

func TestMalformedOutputRoutesToReview(t *testing.T) {
	f := newFixture(t, testsupport.StaticProvider("premium", `{"title": "Slow exports", "userStory": "exports are slow"}`, 50, 50))
	ctx := context.Background()
	item := f.addItem(t, "a", "CSV export takes forever", []float32{1, 0, 0})

	outcome, err := f.synth.Synthesize(ctx, item.ClusterID)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if outcome.Action != synth.ActionReview {
		t.Fatalf("action = %s, want review", outcome.Action)
	}
	if f.premium.Calls() != 2 {
		t.Fatalf("expected original and strict call, got %d", f.premium.Calls())
	}
	if prompts := f.premium.Prompts(); !strings.Contains(prompts[1], "Return ONLY a JSON object") {
		t.Fatalf("second call did not use the strict prompt: %q", prompts[1])
	}
	req, err := f.store.GetRequirement(ctx, outcome.RequirementID)
	if err != nil || req == nil {
		t.Fatalf("GetRequirement: %v %v", req, err)
	}
	if req.Status != store.RequirementReview {
		t.Fatalf("status = %s, want review", req.Status)
	}
	entries, err := f.store.ListReviewEntries(ctx, "acme", false)
	if err != nil {
		t.Fatalf("ListReviewEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].RequirementID != req.ID {
		t.Fatalf("expected one review entry for %d, got %+v", req.ID, entries)
	}
	synthesized, err := f.store.ListRequirements(ctx, "acme", store.RequirementSynthesized)
	if err != nil {
		t.Fatalf("ListRequirements: %v", err)
	}
	if len(synthesized) != 0 {
		t.Fatalf("expected no synthesized requirement, got %d", len(synthesized))
	}
}

func TestMembershipChangeSupersedes(t *testing.T) {
	f := newFixture(t, testsupport.StaticProvider("premium", validDraft, 100, 100))
	ctx := context.Background()
	item := f.addItem(t, "a", "CSV export takes forever", []float32{1, 0, 0})

	first, err := f.synth.Synthesize(ctx, item.ClusterID)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	f.addItem(t, "b", "exporting to csv is very slow", []float32{0.99, 0.05, 0})

	second, err := f.synth.Synthesize(ctx, item.ClusterID)
	if err != nil {
		t.Fatalf("Synthesize after merge: %v", err)
	}
	if second.Action != synth.ActionSynthesized || second.RequirementID == first.RequirementID {
		t.Fatalf("expected a new requirement, got %+v", second)
	}
	if second.Superseded != first.RequirementID {
		t.Fatalf("superseded = %d, want %d", second.Superseded, first.RequirementID)
	}
	old, err := f.store.GetRequirement(ctx, first.RequirementID)
	if err != nil {
		t.Fatalf("GetRequirement: %v", err)
	}
	if old.SupersededBy != second.RequirementID {
		t.Fatalf("old requirement superseded_by = %d, want %d", old.SupersededBy, second.RequirementID)
	}
	if old.Status != store.RequirementSynthesized {
		t.Fatalf("old requirement changed status to %s", old.Status)
	}
}

func TestSynthesizeDeletedWorkspaceIsCancelled(t *testing.T) {
	f := newFixture(t, testsupport.StaticProvider("premium", validDraft, 100, 100))
	ctx := context.Background()
	item := f.addItem(t, "a", "CSV export takes forever", []float32{1, 0, 0})
	if _, err := f.store.DeleteWorkspace(ctx, "acme"); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}
	_, err := f.synth.Synthesize(ctx, item.ClusterID)
	if !errors.Is(err, services.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if f.premium.Calls() != 0 {
		t.Fatalf("expected no provider call, got %d", f.premium.Calls())
	}
}

func TestSynthesizeBatchCollectsErrors(t *testing.T) {
	premium := testsupport.NewFakeProvider("premium", func(_ context.Context, _ int, _, user string) (services.Completion, error) {
		if strings.Contains(user, "billing") {
			return services.Completion{}, services.Wrap(services.ErrFatalConfig, "test", "complete", "bad key", nil)
		}
		return services.Completion{Content: validDraft, Model: "premium-model", PromptTokens: 10, CompletionTokens: 10}, nil
	})
	f := newFixture(t, premium)
	ctx := context.Background()
	a := f.addItem(t, "a", "CSV export takes forever", []float32{1, 0, 0})
	b := f.addItem(t, "b", "billing page crashes", []float32{0, 1, 0})
	c := f.addItem(t, "c", "dark mode please", []float32{0, 0, 1})

	result, err := f.synth.SynthesizeBatch(ctx, "acme", []int64{a.ClusterID, b.ClusterID, c.ClusterID}, 0)
	if err != nil {
		t.Fatalf("SynthesizeBatch: %v", err)
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(result.Outcomes))
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(result.Errors))
	}
	if !errors.Is(result.Errors[b.ClusterID], services.ErrFatalConfig) {
		t.Fatalf("expected fatal error for billing cluster, got %v", result.Errors[b.ClusterID])
	}
	for _, id := range []int64{a.ClusterID, c.ClusterID} {
		if result.Outcomes[id].Action != synth.ActionSynthesized {
			t.Fatalf("cluster %d: action = %s", id, result.Outcomes[id].Action)
		}
	}
}

func TestSynthesizeBatchHonorsLimit(t *testing.T) {
	f := newFixture(t, testsupport.StaticProvider("premium", validDraft, 10, 10))
	ctx := context.Background()
	f.addItem(t, "a", "CSV export takes forever", []float32{1, 0, 0})
	f.addItem(t, "b", "billing page crashes", []float32{0, 1, 0})
	f.addItem(t, "c", "dark mode please", []float32{0, 0, 1})

	tests := []struct {
		name         string
		ids          []int64
		limit        int
		wantDone     int
		wantDeferred int
		wantErrors   int
	}{
		{name: "cap applies to the workspace", limit: 2, wantDone: 2, wantDeferred: 1},
		{name: "unknown ids do not use the cap", ids: []int64{999}, limit: 1, wantErrors: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.premium.Calls()
			result, err := f.synth.SynthesizeBatch(ctx, "acme", tt.ids, tt.limit)
			if err != nil {
				t.Fatalf("SynthesizeBatch: %v", err)
			}
			if len(result.Outcomes) != tt.wantDone || len(result.Deferred) != tt.wantDeferred || len(result.Errors) != tt.wantErrors {
				t.Fatalf("got %d outcomes, %d deferred, %d errors", len(result.Outcomes), len(result.Deferred), len(result.Errors))
			}
			if calls := f.premium.Calls() - before; calls != tt.wantDone {
				t.Fatalf("premium called %d times, want %d", calls, tt.wantDone)
			}
			for id, err := range result.Errors {
				if !errors.Is(err, services.ErrNotFound) {
					t.Fatalf("cluster %d: expected ErrNotFound, got %v", id, err)
				}
			}
		})
	}
}

func TestSynthesizeBatchRejectsDeletedWorkspace(t *testing.T) {
	f := newFixture(t, testsupport.StaticProvider("premium", validDraft, 10, 10))
	if _, err := f.synth.SynthesizeBatch(context.Background(), "ghost", nil, 5); !errors.Is(err, services.ErrCancelled) {
		t.Fatalf("expected ErrCancelled for an unknown workspace, got %v", err)
	}
}

func TestUnknownTemplateIsFatal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Synthesis.Template = "haiku"
	st := testsupport.MustOpenStore(t, cfg)
	_, err := synth.New(cfg, st, nil, nil)
	if !errors.Is(err, services.ErrFatalConfig) {
		t.Fatalf("expected ErrFatalConfig, got %v", err)
	}
}

func TestLoadCatalogOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	body := `templates:
  - name: epic
    style: user-story
    max_acceptance_criteria: 8
    system: Write epics.
    instructions: Write one epic.
  - name: bug-report
    style: bug-report
    max_acceptance_criteria: 2
    system: Write bugs.
    instructions: Write one bug.
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write templates: %v", err)
	}
	catalog, err := synth.LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if got := fmt.Sprint(catalog.Names()); got != "[bug-report epic user-story]" {
		t.Fatalf("names = %s", got)
	}
	bug, err := catalog.Get("bug-report")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if bug.MaxAcceptanceCriteria != 2 {
		t.Fatalf("override not applied: %+v", bug)
	}
}

func TestLoadCatalogRejectsUnknownStyle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	if err := os.WriteFile(path, []byte("templates:\n  - name: x\n    style: poem\n"), 0o644); err != nil {
		t.Fatalf("write templates: %v", err)
	}
	if _, err := synth.LoadCatalog(path); !errors.Is(err, services.ErrFatalConfig) {
		t.Fatalf("expected ErrFatalConfig, got %v", err)
	}
	if _, err := synth.LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, services.ErrFatalConfig) {
		t.Fatalf("expected ErrFatalConfig for missing file, got %v", err)
	}
}

func TestFingerprintIgnoresOrder(t *testing.T) {
	if synth.Fingerprint([]int64{3, 1, 2}) != synth.Fingerprint([]int64{1, 2, 3}) {
		t.Fatal("fingerprint depends on order")
	}
	if synth.Fingerprint([]int64{1, 2}) == synth.Fingerprint([]int64{1, 2, 3}) {
		t.Fatal("fingerprint ignores membership")
	}
}
