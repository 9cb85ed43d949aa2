package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"sieve/internal/store"
	"sieve/internal/testsupport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestEnqueueCoalescesPendingJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	clock := newFakeClock()
	st.SetClock(clock.Now)
	ctx := context.Background()

	job := store.NewJob{WorkspaceID: "acme", Stage: store.StageEmbed, EntityID: 7}
	first, err := st.Enqueue(ctx, job)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := st.Enqueue(ctx, job)
	if err != nil {
		t.Fatalf("Enqueue again: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same pending row, got %d and %d", first, second)
	}

	other, err := st.Enqueue(ctx, store.NewJob{WorkspaceID: "acme", Stage: store.StageDedup, EntityID: 7})
	if err != nil {
		t.Fatalf("Enqueue other stage: %v", err)
	}
	if other == first {
		t.Fatal("jobs for different stages must not coalesce")
	}
}

func TestEnqueueKeepsEarliestAvailability(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	clock := newFakeClock()
	st.SetClock(clock.Now)
	ctx := context.Background()

	later := clock.Now().Add(time.Minute)
	id, err := st.Enqueue(ctx, store.NewJob{WorkspaceID: "acme", Stage: store.StageAnalyze, EntityID: 1, AvailableAt: later})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := st.Enqueue(ctx, store.NewJob{WorkspaceID: "acme", Stage: store.StageAnalyze, EntityID: 1}); err != nil {
		t.Fatalf("Enqueue now: %v", err)
	}
	job, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !job.AvailableAt.Equal(clock.Now()) {
		t.Fatalf("expected availability pulled forward to now, got %s", job.AvailableAt)
	}
}

func TestEnqueueDebouncedPushesBack(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	clock := newFakeClock()
	st.SetClock(clock.Now)
	ctx := context.Background()

	enqueue := func(at time.Time) int64 {
		t.Helper()
		var id int64
		err := st.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			id, err = tx.EnqueueDebounced(ctx, store.NewJob{
				WorkspaceID: "acme", Stage: store.StageAnalyze, EntityID: 3, AvailableAt: at,
			})
			return err
		})
		if err != nil {
			t.Fatalf("EnqueueDebounced: %v", err)
		}
		return id
	}

	first := enqueue(clock.Now().Add(30 * time.Second))
	second := enqueue(clock.Now().Add(90 * time.Second))
	if first != second {
		t.Fatalf("expected one pending analyze job, got %d and %d", first, second)
	}
	job, err := st.GetJob(ctx, first)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if want := clock.Now().Add(90 * time.Second); !job.AvailableAt.Equal(want) {
		t.Fatalf("available_at = %s, want %s", job.AvailableAt, want)
	}
}

func TestClaimNextRespectsAvailabilityAndOrder(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	clock := newFakeClock()
	st.SetClock(clock.Now)
	ctx := context.Background()

	future, err := st.Enqueue(ctx, store.NewJob{WorkspaceID: "acme", Stage: store.StageEmbed, EntityID: 1, AvailableAt: clock.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ready, err := st.Enqueue(ctx, store.NewJob{WorkspaceID: "acme", Stage: store.StageEmbed, EntityID: 2})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, err := st.ClaimNext(ctx, store.StageEmbed)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job == nil || job.ID != ready {
		t.Fatalf("expected job %d, got %#v", ready, job)
	}
	if job.Status != store.JobRunning || job.Attempts != 1 || job.HeartbeatAt == nil {
		t.Fatalf("unexpected claimed job %#v", job)
	}

	none, err := st.ClaimNext(ctx, store.StageEmbed)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if none != nil {
		t.Fatalf("expected no available job, got %#v", none)
	}

	clock.Advance(2 * time.Hour)
	later, err := st.ClaimNext(ctx, store.StageEmbed)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if later == nil || later.ID != future {
		t.Fatalf("expected deferred job %d, got %#v", future, later)
	}
}

func TestClaimNextSkipsDeletedWorkspaces(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.MustWorkspace(t, st, "gone")
	if _, err := st.DeleteWorkspace(ctx, "gone"); err != nil {
		t.Fatalf("DeleteWorkspace: %v", err)
	}
	if _, err := st.Enqueue(ctx, store.NewJob{WorkspaceID: "gone", Stage: store.StageIngest, Payload: "{}"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := st.ClaimNext(ctx, store.StageIngest)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no claim for deleted workspace, got %#v", job)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	const jobs = 20
	for i := int64(1); i <= jobs; i++ {
		if _, err := st.Enqueue(ctx, store.NewJob{WorkspaceID: "acme", Stage: store.StageDedup, EntityID: i}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := st.ClaimNext(ctx, store.StageDedup)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("expected %d distinct claims, got %d", jobs, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("job %d claimed %d times", id, n)
		}
	}
}

func TestRequeueFoldsDuplicatePending(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	clock := newFakeClock()
	st.SetClock(clock.Now)
	ctx := context.Background()

	job := store.NewJob{WorkspaceID: "acme", Stage: store.StageSync, EntityID: 4, Payload: "local"}
	if _, err := st.Enqueue(ctx, job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	running, err := st.ClaimNext(ctx, store.StageSync)
	if err != nil || running == nil {
		t.Fatalf("ClaimNext: %v %#v", err, running)
	}
	duplicate, err := st.Enqueue(ctx, job)
	if err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}
	if duplicate == running.ID {
		t.Fatal("running job must not absorb a new pending enqueue")
	}

	retryAt := clock.Now().Add(time.Minute)
	if err := st.RequeueJob(ctx, running.ID, retryAt, "timeout"); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}
	pending, err := st.ListJobs(ctx, store.JobFilter{Stage: store.StageSync, Statuses: []store.JobStatus{store.JobPending}})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != running.ID {
		t.Fatalf("expected only the requeued job pending, got %#v", pending)
	}
	if pending[0].LastError != "timeout" || pending[0].Attempts != 1 || !pending[0].AvailableAt.Equal(retryAt) {
		t.Fatalf("unexpected requeued job %#v", pending[0])
	}
}

func TestCompleteAndFailJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	for i := int64(1); i <= 2; i++ {
		if _, err := st.Enqueue(ctx, store.NewJob{WorkspaceID: "acme", Stage: store.StageEmbed, EntityID: i}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	a, _ := st.ClaimNext(ctx, store.StageEmbed)
	b, _ := st.ClaimNext(ctx, store.StageEmbed)
	if a == nil || b == nil {
		t.Fatal("expected two claims")
	}
	if err := st.CompleteJob(ctx, a.ID); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := st.FailJob(ctx, b.ID, "validation: empty content"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	counts, err := st.JobCounts(ctx)
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts[store.JobDone] != 1 || counts[store.JobFailed] != 1 {
		t.Fatalf("unexpected counts %#v", counts)
	}

	retried, err := st.RetryFailedJobs(ctx, "acme")
	if err != nil {
		t.Fatalf("RetryFailedJobs: %v", err)
	}
	if retried != 1 {
		t.Fatalf("expected 1 retried, got %d", retried)
	}
	job, err := st.GetJob(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != store.JobPending || job.Attempts != 0 || job.LastError != "" {
		t.Fatalf("unexpected retried job %#v", job)
	}
}

func TestReclaimStaleJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	clock := newFakeClock()
	st.SetClock(clock.Now)
	ctx := context.Background()

	for i := int64(1); i <= 2; i++ {
		if _, err := st.Enqueue(ctx, store.NewJob{WorkspaceID: "acme", Stage: store.StageAnalyze, EntityID: i}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	stale, _ := st.ClaimNext(ctx, store.StageAnalyze)
	clock.Advance(10 * time.Minute)
	fresh, _ := st.ClaimNext(ctx, store.StageAnalyze)
	if stale == nil || fresh == nil {
		t.Fatal("expected two claims")
	}
	if err := st.UpdateHeartbeat(ctx, fresh.ID); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}

	reclaimed, err := st.ReclaimStaleJobs(ctx, clock.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStaleJobs: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", reclaimed)
	}
	job, _ := st.GetJob(ctx, stale.ID)
	if job.Status != store.JobPending || job.HeartbeatAt != nil {
		t.Fatalf("expected stale job pending without heartbeat, got %#v", job)
	}
	job, _ = st.GetJob(ctx, fresh.ID)
	if job.Status != store.JobRunning {
		t.Fatalf("expected fresh job still running, got %s", job.Status)
	}
}
