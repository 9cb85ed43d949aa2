package pipeline_test

import (
	"context"
	"fmt"
	"testing"

	"sieve/internal/config"
	"sieve/internal/dispatch"
	"sieve/internal/pipeline"
	"sieve/internal/router"
	"sieve/internal/services"
	"sieve/internal/source"
	"sieve/internal/store"
	"sieve/internal/testsupport"
)

const (
	validAnalysis = `{"sentiment": -0.5, "themes": ["exports"], "summary": "CSV exports are slow"}`
	validDraft    = `{"title": "Faster CSV exports", "userStory": "As an analyst, I want CSV exports to finish quickly so that my reports go out on time", "acceptanceCriteria": ["Exports of 10k rows finish in 5 seconds", "Progress is shown", "Failures are reported"]}`
)

type harness struct {
	cfg      *config.Config
	store    *store.Store
	embedder *testsupport.FakeEmbedder
	cheap    *testsupport.FakeProvider
	premium  *testsupport.FakeProvider
	notifier *testsupport.RecordingNotifier
	pipe     *pipeline.Pipeline
}

func newHarness(t *testing.T, premium *testsupport.FakeProvider, adapters ...dispatch.Adapter) *harness {
	t.Helper()
	return newTieredHarness(t,
		testsupport.StaticProvider("cheap", validAnalysis, 300, 200),
		testsupport.StaticProvider("mid", validAnalysis, 300, 200),
		premium, adapters...)
}

func newTieredHarness(t *testing.T, cheap, mid, premium *testsupport.FakeProvider, adapters ...dispatch.Adapter) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.QueuePollInterval = 0
	cfg.Workflow.RetryBaseSeconds = 0
	cfg.Workflow.RetryMaxSeconds = 0
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.MustWorkspace(t, st, "acme")

	h := &harness{
		cfg:      cfg,
		store:    st,
		embedder: testsupport.NewFakeEmbedder(3),
		cheap:    cheap,
		premium:  premium,
		notifier: &testsupport.RecordingNotifier{},
	}
	opts := []pipeline.Option{
		pipeline.WithEmbedder(h.embedder),
		pipeline.WithProviders(map[string]router.Provider{
			router.TierCheap:   cheap,
			router.TierMid:     mid,
			router.TierPremium: premium,
		}),
		pipeline.WithCache(testsupport.MustOpenCache(t, cfg)),
		pipeline.WithNotifier(h.notifier),
	}
	if len(adapters) > 0 {
		opts = append(opts, pipeline.WithAdapters(adapters...))
	}
	p, err := pipeline.Build(cfg, st, nil, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	h.pipe = p
	return h
}

func (h *harness) submit(t *testing.T, workspace string, items ...source.RawFeedback) {
	t.Helper()
	if err := source.Enqueue(context.Background(), h.store, workspace, events(items)...); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	if _, err := h.pipe.Manager.Drain(context.Background(), true); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func (h *harness) requirements(t *testing.T, workspace string) []*store.Requirement {
	t.Helper()
	reqs, err := h.store.ListRequirements(context.Background(), workspace)
	if err != nil {
		t.Fatalf("ListRequirements: %v", err)
	}
	return reqs
}

func TestSimilarItemsBecomeOneExportedRequirement(t *testing.T) {
	h := newHarness(t, testsupport.StaticProvider("premium", validDraft, 500, 500))
	contents := []string{"CSV export is slow", "Exporting CSV takes forever", "The CSV export is far too slow"}
	vectors := [][]float32{{1, 0, 0}, {0.99, 0.05, 0}, {0.98, 0, 0.06}}
	for i, content := range contents {
		h.embedder.Set(content, vectors[i])
	}
	// Submission order differs from the vector order.
	order := []int{2, 0, 1}
	items := make([]source.RawFeedback, 0, len(order))
	for _, i := range order {
		items = append(items, source.RawFeedback{ExternalID: fmt.Sprintf("s-%d", i), Content: contents[i]})
	}
	h.submit(t, "acme", items...)
	h.drain(t)

	clusters, err := h.store.ListClusters(context.Background(), "acme", false)
	if err != nil {
		t.Fatalf("ListClusters: %v", err)
	}
	if len(clusters) != 1 || clusters[0].Size != 3 {
		t.Fatalf("expected one cluster of three, got %+v", clusters)
	}
	reqs := h.requirements(t, "acme")
	if len(reqs) != 1 {
		t.Fatalf("expected one requirement, got %d", len(reqs))
	}
	req := reqs[0]
	if len(req.SourceFeedbackIDs) != 3 || req.ClusterID != clusters[0].ID {
		t.Fatalf("requirement does not reference all members: %+v", req)
	}
	if req.Status != store.RequirementExported {
		t.Fatalf("requirement status = %s, want exported", req.Status)
	}

	exports, err := dispatch.ReadExports(h.cfg.Sync.Targets[0].Path)
	if err != nil {
		t.Fatalf("ReadExports: %v", err)
	}
	if len(exports) != 1 || len(exports[0].Requirement.SourceFeedbackIDs) != 3 {
		t.Fatalf("expected one export with three sources, got %+v", exports)
	}
	if h.premium.Calls() != 1 {
		t.Fatalf("expected a single synthesis call, got %d", h.premium.Calls())
	}

	counts, err := h.store.JobCounts(context.Background())
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts[store.JobFailed] != 0 || counts[store.JobPending] != 0 {
		t.Fatalf("unexpected leftover jobs %v", counts)
	}
}

func TestMalformedSynthesisLandsInReview(t *testing.T) {
	adapter := testsupport.NewFakeAdapter("tracker", func(context.Context, int, dispatch.ExportPayload, string) (dispatch.ExternalRef, error) {
		return "ISSUE-1", nil
	})
	h := newHarness(t, testsupport.StaticProvider("premium", `{"title": "missing the rest"`, 100, 100), adapter)
	h.submit(t, "acme", source.RawFeedback{ExternalID: "b-1", Content: "Search results are wrong"})
	h.drain(t)

	if h.premium.Calls() != 2 {
		t.Fatalf("expected the strict retry, got %d premium calls", h.premium.Calls())
	}
	reqs := h.requirements(t, "acme")
	if len(reqs) != 1 || reqs[0].Status != store.RequirementReview {
		t.Fatalf("expected one requirement in review, got %+v", reqs)
	}
	entries, err := h.store.ListReviewEntries(context.Background(), "acme", false)
	if err != nil {
		t.Fatalf("ListReviewEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].ClusterID != reqs[0].ClusterID {
		t.Fatalf("expected a review entry for the cluster, got %+v", entries)
	}
	if adapter.Calls() != 0 {
		t.Fatalf("review requirement must not be exported, got %d pushes", adapter.Calls())
	}
	if got := h.notifier.Reviews(); len(got) != 1 || got[0].ID != entries[0].ID {
		t.Fatalf("expected one review notification, got %+v", got)
	}
}

func TestMalformedAnalysisLandsInReview(t *testing.T) {
	h := newTieredHarness(t,
		testsupport.StaticProvider("cheap", "not json at all", 100, 100),
		testsupport.StaticProvider("mid", "not json at all", 100, 100),
		testsupport.StaticProvider("premium", validDraft, 100, 100))
	h.submit(t, "acme", source.RawFeedback{ExternalID: "m-1", Content: "Export is slow"})
	h.drain(t)

	if h.cheap.Calls() != 2 {
		t.Fatalf("expected the strict retry on the cheap tier, got %d calls", h.cheap.Calls())
	}
	clusters, err := h.store.ListClusters(context.Background(), "acme", false)
	if err != nil || len(clusters) != 1 {
		t.Fatalf("ListClusters: %v %+v", err, clusters)
	}
	entries, err := h.store.ListReviewEntries(context.Background(), "acme", false)
	if err != nil {
		t.Fatalf("ListReviewEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].ClusterID != clusters[0].ID || entries[0].RequirementID != 0 {
		t.Fatalf("expected a cluster review entry, got %+v", entries)
	}
	if got := h.notifier.Reviews(); len(got) != 1 || got[0].ClusterID != clusters[0].ID {
		t.Fatalf("expected one review notification, got %+v", got)
	}
	if reqs := h.requirements(t, "acme"); len(reqs) != 0 {
		t.Fatalf("no requirement expected before review, got %+v", reqs)
	}
	counts, err := h.store.JobCounts(context.Background())
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts[store.JobFailed] != 0 || counts[store.JobPending] != 0 {
		t.Fatalf("analyze job should complete once reviewed, got %v", counts)
	}
}

func TestPremiumOutageSpendsOneRetryBudget(t *testing.T) {
	outage := services.Wrap(services.ErrTransient, "premium", "call", "503", nil)
	h := newHarness(t, testsupport.FailingProvider("premium", outage))
	h.submit(t, "acme", source.RawFeedback{ExternalID: "o-1", Content: "Billing page is slow"})
	h.drain(t)

	if h.premium.Calls() != h.cfg.Router.MaxAttempts {
		t.Fatalf("premium called %d times, want %d (workflow max attempts %d)",
			h.premium.Calls(), h.cfg.Router.MaxAttempts, h.cfg.Workflow.MaxAttempts)
	}
	counts, err := h.store.JobCounts(context.Background())
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts[store.JobFailed] != 1 || counts[store.JobPending] != 0 {
		t.Fatalf("expected the synthesize job to fail once, got %v", counts)
	}
	alerts, err := h.store.ListAlerts(context.Background(), "acme", 10)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Kind != "job_exhausted" {
		t.Fatalf("expected one job_exhausted alert, got %+v", alerts)
	}
}

func TestSyncRecoversLostCreateResponse(t *testing.T) {
	adapter := testsupport.NewFakeAdapter("tracker", func(_ context.Context, call int, _ dispatch.ExportPayload, _ string) (dispatch.ExternalRef, error) {
		if call == 1 {
			return "", services.Wrap(services.ErrTransient, "tracker", "request", "timeout", context.DeadlineExceeded)
		}
		return "ISSUE-9", services.Wrap(services.ErrDuplicatePush, "tracker", "request", "already exists", nil)
	})
	h := newHarness(t, testsupport.StaticProvider("premium", validDraft, 100, 100), adapter)
	h.submit(t, "acme", source.RawFeedback{ExternalID: "c-1", Content: "Dark mode please"})
	h.drain(t)

	reqs := h.requirements(t, "acme")
	if len(reqs) != 1 {
		t.Fatalf("expected one requirement, got %d", len(reqs))
	}
	records, err := h.store.ListSyncRecords(context.Background(), reqs[0].ID)
	if err != nil {
		t.Fatalf("ListSyncRecords: %v", err)
	}
	if len(records) != 1 || records[0].State != store.SyncSucceeded || records[0].ExternalRef != "ISSUE-9" {
		t.Fatalf("unexpected sync records %+v", records)
	}
	if adapter.Calls() != 2 {
		t.Fatalf("expected two pushes, got %d", adapter.Calls())
	}
}

func TestRepeatedContentIsAnalyzedFromCache(t *testing.T) {
	h := newHarness(t, testsupport.StaticProvider("premium", validDraft, 100, 100))
	testsupport.MustWorkspace(t, h.store, "beta")
	item := source.RawFeedback{ExternalID: "d-1", Content: "Login is slow"}
	h.submit(t, "acme", item)
	h.drain(t)
	h.submit(t, "beta", item)
	h.drain(t)

	if h.cheap.Calls() != 1 {
		t.Fatalf("expected one cheap-tier call, got %d", h.cheap.Calls())
	}
	for _, ws := range []string{"acme", "beta"} {
		clusters, err := h.store.ListClusters(context.Background(), ws, false)
		if err != nil || len(clusters) != 1 {
			t.Fatalf("ListClusters(%s): %v %+v", ws, err, clusters)
		}
		analysis, err := h.store.ActiveAnalysis(context.Background(), clusters[0].ID)
		if err != nil || analysis == nil {
			t.Fatalf("ActiveAnalysis(%s): %v", ws, err)
		}
		if analysis.Tier != router.TierCheap {
			t.Fatalf("%s analyzed on tier %s, want cheap", ws, analysis.Tier)
		}
		wantCached := ws == "beta"
		if analysis.Cached != wantCached {
			t.Fatalf("%s cached = %v, want %v", ws, analysis.Cached, wantCached)
		}
		if wantCached && analysis.Cost != 0 {
			t.Fatalf("cache hit cost %v, want 0", analysis.Cost)
		}
	}
}

func TestBuildFailsWithoutPremiumTier(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithoutTier(router.TierPremium))
	st := testsupport.MustOpenStore(t, cfg)
	_, err := pipeline.Build(cfg, st, nil, pipeline.WithEmbedder(testsupport.NewFakeEmbedder(3)),
		pipeline.WithCache(testsupport.MustOpenCache(t, cfg)))
	if err == nil {
		t.Fatalf("expected build error without a premium tier")
	}
}

func events(items []source.RawFeedback) []source.Event {
	out := make([]source.Event, 0, len(items))
	for _, item := range items {
		out = append(out, source.Event{Source: "survey", Item: item})
	}
	return out
}
