package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sieve/internal/config"
	"sieve/internal/dispatch"
	"sieve/internal/ratelimit"
	"sieve/internal/services"
	"sieve/internal/store"
	"sieve/internal/testsupport"
)

type fixture struct {
	cfg    *config.Config
	store  *store.Store
	req    *store.Requirement
	sleeps []time.Duration
	mu     sync.Mutex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.MustWorkspace(t, st, "acme")
	return &fixture{cfg: cfg, store: st, req: testsupport.MustRequirement(t, st, "acme")}
}

func (f *fixture) dispatcher(adapters ...dispatch.Adapter) *dispatch.Dispatcher {
	return dispatch.New(f.cfg, f.store, adapters, ratelimit.NewRegistry(time.Second), nil,
		dispatch.WithSleeper(func(ctx context.Context, d time.Duration) error {
			f.mu.Lock()
			f.sleeps = append(f.sleeps, d)
			f.mu.Unlock()
			return ctx.Err()
		}))
}

func (f *fixture) record(t *testing.T, target string) *store.SyncRecord {
	t.Helper()
	rec, err := f.store.GetSyncRecord(context.Background(), dispatch.IdempotencyKey(f.req.ID, target))
	if err != nil {
		t.Fatalf("GetSyncRecord: %v", err)
	}
	return rec
}

func TestDispatchCreatesOnceAndReusesReference(t *testing.T) {
	f := newFixture(t)
	adapter := testsupport.NewFakeAdapter("tracker", func(context.Context, int, dispatch.ExportPayload, string) (dispatch.ExternalRef, error) {
		return "ISSUE-7", nil
	})
	d := f.dispatcher(adapter)
	ctx := context.Background()

	first, err := d.Dispatch(ctx, f.req.ID, "tracker")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if first.Action != dispatch.ActionCreated || first.ExternalRef != "ISSUE-7" {
		t.Fatalf("unexpected first outcome %+v", first)
	}
	second, err := d.Dispatch(ctx, f.req.ID, "tracker")
	if err != nil {
		t.Fatalf("Dispatch again: %v", err)
	}
	if second.Action != dispatch.ActionExisting || second.ExternalRef != "ISSUE-7" {
		t.Fatalf("unexpected second outcome %+v", second)
	}
	if adapter.Calls() != 1 {
		t.Fatalf("expected 1 adapter call, got %d", adapter.Calls())
	}
	req, _ := f.store.GetRequirement(ctx, f.req.ID)
	if req.Status != store.RequirementExported {
		t.Fatalf("requirement status = %s, want exported", req.Status)
	}
}

func TestDispatchAcceptsAlreadyExistsAfterLostResponse(t *testing.T) {
	f := newFixture(t)
	var created atomic.Int32
	adapter := testsupport.NewFakeAdapter("tracker", func(_ context.Context, call int, _ dispatch.ExportPayload, _ string) (dispatch.ExternalRef, error) {
		if call == 1 {
			created.Add(1)
			return "", services.Wrap(services.ErrTransient, "tracker", "request", "timeout", context.DeadlineExceeded)
		}
		return "ISSUE-1", services.Wrap(services.ErrDuplicatePush, "tracker", "request", "already exists", nil)
	})
	d := f.dispatcher(adapter)

	outcome, err := d.Dispatch(context.Background(), f.req.ID, "tracker")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome.Action != dispatch.ActionExisting || outcome.ExternalRef != "ISSUE-1" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if created.Load() != 1 || adapter.Calls() != 2 {
		t.Fatalf("expected one creation across two calls, got created=%d calls=%d", created.Load(), adapter.Calls())
	}
	rec := f.record(t, "tracker")
	if rec.State != store.SyncSucceeded || rec.ExternalRef != "ISSUE-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.AttemptCount != 1 {
		t.Fatalf("expected one claim, got %d", rec.AttemptCount)
	}
}

func TestDispatchGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	adapter := testsupport.NewFakeAdapter("tracker", func(context.Context, int, dispatch.ExportPayload, string) (dispatch.ExternalRef, error) {
		return "", services.StatusError("tracker", 503, 0, nil)
	})
	d := f.dispatcher(adapter)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, f.req.ID, "tracker")
	if !errors.Is(err, services.ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if adapter.Calls() != f.cfg.Sync.MaxAttempts {
		t.Fatalf("expected %d calls, got %d", f.cfg.Sync.MaxAttempts, adapter.Calls())
	}
	if len(f.sleeps) != f.cfg.Sync.MaxAttempts-1 {
		t.Fatalf("expected %d backoff sleeps, got %d", f.cfg.Sync.MaxAttempts-1, len(f.sleeps))
	}
	rec := f.record(t, "tracker")
	if rec.State != store.SyncFailed || rec.FailureReason == "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	alerts, err := f.store.ListAlerts(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Kind != "sync_failed" {
		t.Fatalf("expected one sync alert, got %+v", alerts)
	}
	req, _ := f.store.GetRequirement(ctx, f.req.ID)
	if req.Status != store.RequirementSynthesized {
		t.Fatalf("requirement status = %s, want synthesized", req.Status)
	}
}

func TestDispatchHonorsRetryAfter(t *testing.T) {
	f := newFixture(t)
	adapter := testsupport.NewFakeAdapter("tracker", func(_ context.Context, call int, _ dispatch.ExportPayload, _ string) (dispatch.ExternalRef, error) {
		if call == 1 {
			return "", services.StatusError("tracker", 429, 4*time.Second, nil)
		}
		return "ISSUE-2", nil
	})
	d := f.dispatcher(adapter)
	if _, err := d.Dispatch(context.Background(), f.req.ID, "tracker"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(f.sleeps) != 1 || f.sleeps[0] != 4*time.Second {
		t.Fatalf("expected one 4s sleep, got %v", f.sleeps)
	}
}

func TestDispatchRejectsPermanentFailureWithoutRetry(t *testing.T) {
	f := newFixture(t)
	adapter := testsupport.NewFakeAdapter("tracker", func(context.Context, int, dispatch.ExportPayload, string) (dispatch.ExternalRef, error) {
		return "", services.StatusError("tracker", 422, 0, nil)
	})
	d := f.dispatcher(adapter)
	_, err := d.Dispatch(context.Background(), f.req.ID, "tracker")
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if adapter.Calls() != 1 {
		t.Fatalf("expected a single call, got %d", adapter.Calls())
	}
	if rec := f.record(t, "tracker"); rec.State != store.SyncFailed {
		t.Fatalf("state = %s, want failed", rec.State)
	}
}

func TestDispatchRequiresSynthesizedRequirement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draftID, err := f.store.InsertDraftRequirement(ctx, store.Requirement{
		WorkspaceID:       "acme",
		ClusterID:         f.req.ClusterID,
		MemberFingerprint: "draft",
	})
	if err != nil {
		t.Fatalf("InsertDraftRequirement: %v", err)
	}
	adapter := testsupport.NewFakeAdapter("tracker", func(context.Context, int, dispatch.ExportPayload, string) (dispatch.ExternalRef, error) {
		return "X", nil
	})
	d := f.dispatcher(adapter)
	if _, err := d.Dispatch(ctx, draftID, "tracker"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := d.Dispatch(ctx, f.req.ID, "nowhere"); !errors.Is(err, services.ErrFatalConfig) {
		t.Fatalf("expected ErrFatalConfig, got %v", err)
	}
	if _, err := d.Dispatch(ctx, 9999, "tracker"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if adapter.Calls() != 0 {
		t.Fatalf("expected no adapter calls, got %d", adapter.Calls())
	}
}

func TestConcurrentDispatchCreatesOneIssue(t *testing.T) {
	f := newFixture(t)
	var created atomic.Int32
	adapter := testsupport.NewFakeAdapter("tracker", func(context.Context, int, dispatch.ExportPayload, string) (dispatch.ExternalRef, error) {
		created.Add(1)
		time.Sleep(5 * time.Millisecond)
		return "ISSUE-9", nil
	})
	d := f.dispatcher(adapter)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []dispatch.Outcome
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := d.Dispatch(context.Background(), f.req.ID, "tracker")
			if err != nil {
				t.Errorf("Dispatch: %v", err)
				return
			}
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Fatalf("expected exactly one issue, got %d", created.Load())
	}
	creates := 0
	for _, o := range outcomes {
		if o.Action == dispatch.ActionCreated {
			creates++
		}
		if o.Action != dispatch.ActionInProgress && o.ExternalRef != "ISSUE-9" {
			t.Fatalf("unexpected reference in %+v", o)
		}
	}
	if creates != 1 {
		t.Fatalf("expected one created outcome, got %d", creates)
	}
	n, err := f.store.CountSucceeded(context.Background(), f.req.ID, "tracker")
	if err != nil {
		t.Fatalf("CountSucceeded: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one succeeded record, got %d", n)
	}
}

func TestSecondDispatcherSeesInProgressClaim(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	adapter := testsupport.NewFakeAdapter("tracker", func(context.Context, int, dispatch.ExportPayload, string) (dispatch.ExternalRef, error) {
		close(started)
		<-release
		return "ISSUE-3", nil
	})
	other := testsupport.NewFakeAdapter("tracker", func(context.Context, int, dispatch.ExportPayload, string) (dispatch.ExternalRef, error) {
		return "DUPLICATE", nil
	})
	first := f.dispatcher(adapter)
	second := f.dispatcher(other)
	ctx := context.Background()

	done := make(chan dispatch.Outcome, 1)
	go func() {
		outcome, err := first.Dispatch(ctx, f.req.ID, "tracker")
		if err != nil {
			t.Errorf("first Dispatch: %v", err)
		}
		done <- outcome
	}()
	<-started

	outcome, err := second.Dispatch(ctx, f.req.ID, "tracker")
	if err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}
	if outcome.Action != dispatch.ActionInProgress {
		t.Fatalf("expected in-progress, got %+v", outcome)
	}
	close(release)
	if got := <-done; got.Action != dispatch.ActionCreated || got.ExternalRef != "ISSUE-3" {
		t.Fatalf("unexpected first outcome %+v", got)
	}
	if other.Calls() != 0 {
		t.Fatalf("second dispatcher must not push, got %d calls", other.Calls())
	}
}

func TestDispatchAllCoversEveryTarget(t *testing.T) {
	f := newFixture(t)
	a := testsupport.NewFakeAdapter("alpha", func(context.Context, int, dispatch.ExportPayload, string) (dispatch.ExternalRef, error) {
		return "A-1", nil
	})
	b := testsupport.NewFakeAdapter("beta", func(context.Context, int, dispatch.ExportPayload, string) (dispatch.ExternalRef, error) {
		return "", services.StatusError("beta", 401, 0, nil)
	})
	d := f.dispatcher(a, b)
	outcomes, err := d.DispatchAll(context.Background(), f.req.ID)
	if !errors.Is(err, services.ErrFatalConfig) {
		t.Fatalf("expected fatal error from beta, got %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Target != "alpha" {
		t.Fatalf("unexpected outcomes %+v", outcomes)
	}
}

func TestDispatchDeletedWorkspaceIsCancelled(t *testing.T) {
	f := newFixture(t)
	adapter := testsupport.NewFakeAdapter("tracker", func(context.Context, int, dispatch.ExportPayload, string) (dispatch.ExternalRef, error) {
		return "X", nil
	})
	d := f.dispatcher(adapter)
	if _, err := f.store.DeleteWorkspace(context.Background(), "acme"); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}
	if _, err := d.Dispatch(context.Background(), f.req.ID, "tracker"); !errors.Is(err, services.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if adapter.Calls() != 0 {
		t.Fatalf("expected no push, got %d", adapter.Calls())
	}
}

func TestPayloadAndKey(t *testing.T) {
	req := &store.Requirement{
		ID:                 4,
		Title:              "Faster exports",
		UserStory:          "As a user, I want x so that y",
		AcceptanceCriteria: []string{"a"},
		PriorityBucket:     "high",
		SourceFeedbackIDs:  []int64{10, 11},
	}
	payload := dispatch.PayloadFor(req)
	if payload.Priority != "high" || len(payload.SourceFeedbackIDs) != 2 || payload.SourceFeedbackIDs[1] != "11" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	req.PriorityBucket = ""
	if got := dispatch.PayloadFor(req).Priority; got != "low" {
		t.Fatalf("priority default = %q", got)
	}
	if dispatch.IdempotencyKey(4, "a") == dispatch.IdempotencyKey(4, "b") {
		t.Fatal("keys must differ per target")
	}
	if len(dispatch.IdempotencyKey(4, "a")) != 64 {
		t.Fatal("expected hex sha256 key")
	}
}
