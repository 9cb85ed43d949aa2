package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"sieve/internal/store"
	"sieve/internal/testsupport"
)

func TestSyncRecordClaimIsExclusive(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	clusterID, items := seedCluster(t, st)
	reqID, err := st.InsertDraftRequirement(ctx, store.Requirement{
		WorkspaceID: "acme", ClusterID: clusterID, SourceFeedbackIDs: []int64{items[0].ID}, MemberFingerprint: "fp",
	})
	if err != nil {
		t.Fatalf("InsertDraftRequirement: %v", err)
	}

	rec, err := st.EnsureSyncRecord(ctx, reqID, "local", "key-1")
	if err != nil {
		t.Fatalf("EnsureSyncRecord: %v", err)
	}
	again, err := st.EnsureSyncRecord(ctx, reqID, "local", "key-1")
	if err != nil || again.ID != rec.ID {
		t.Fatalf("expected the same record, got %#v %v", again, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	stale := time.Now().Add(-time.Hour)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.ClaimSyncRecord(ctx, "key-1", stale)
			if err != nil {
				t.Errorf("ClaimSyncRecord: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one claim to win, got %d", wins)
	}

	if err := st.CompleteSyncRecord(ctx, "key-1", "ISSUE-1"); err != nil {
		t.Fatalf("CompleteSyncRecord: %v", err)
	}
	if err := st.CompleteSyncRecord(ctx, "key-1", "ISSUE-2"); err == nil {
		t.Fatal("completing a succeeded record must fail")
	}
	ok, err := st.ClaimSyncRecord(ctx, "key-1", time.Now().Add(time.Hour))
	if err != nil || ok {
		t.Fatalf("succeeded record must not be claimable: %v %v", ok, err)
	}

	got, _ := st.GetSyncRecord(ctx, "key-1")
	if got.State != store.SyncSucceeded || got.ExternalRef != "ISSUE-1" || got.AttemptCount != 1 {
		t.Fatalf("unexpected record %#v", got)
	}
	n, err := st.CountSucceeded(ctx, reqID, "local")
	if err != nil || n != 1 {
		t.Fatalf("CountSucceeded = %d %v", n, err)
	}
}

func TestSyncRecordReleaseAndStaleReclaim(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	clock := newFakeClock()
	st.SetClock(clock.Now)
	ctx := context.Background()
	clusterID, items := seedCluster(t, st)
	reqID, _ := st.InsertDraftRequirement(ctx, store.Requirement{
		WorkspaceID: "acme", ClusterID: clusterID, SourceFeedbackIDs: []int64{items[0].ID}, MemberFingerprint: "fp",
	})
	if _, err := st.EnsureSyncRecord(ctx, reqID, "hook", "key-2"); err != nil {
		t.Fatalf("EnsureSyncRecord: %v", err)
	}

	if ok, _ := st.ClaimSyncRecord(ctx, "key-2", clock.Now().Add(-time.Minute)); !ok {
		t.Fatal("expected first claim")
	}
	if ok, _ := st.ClaimSyncRecord(ctx, "key-2", clock.Now().Add(-time.Minute)); ok {
		t.Fatal("fresh in-flight record must not be claimable")
	}
	clock.Advance(5 * time.Minute)
	if ok, _ := st.ClaimSyncRecord(ctx, "key-2", clock.Now().Add(-time.Minute)); !ok {
		t.Fatal("stale in-flight record should be reclaimable")
	}

	if err := st.ReleaseSyncRecord(ctx, "key-2", "gateway timeout", false); err != nil {
		t.Fatalf("ReleaseSyncRecord: %v", err)
	}
	rec, _ := st.GetSyncRecord(ctx, "key-2")
	if rec.State != store.SyncPending || rec.FailureReason != "gateway timeout" || rec.AttemptCount != 2 {
		t.Fatalf("unexpected record %#v", rec)
	}

	if ok, _ := st.ClaimSyncRecord(ctx, "key-2", clock.Now().Add(-time.Minute)); !ok {
		t.Fatal("expected claim after release")
	}
	if err := st.ReleaseSyncRecord(ctx, "key-2", "attempts exhausted", true); err != nil {
		t.Fatalf("ReleaseSyncRecord: %v", err)
	}
	records, err := st.ListSyncRecords(ctx, reqID)
	if err != nil || len(records) != 1 || records[0].State != store.SyncFailed {
		t.Fatalf("unexpected records %#v %v", records, err)
	}
}
