package testsupport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"sieve/internal/config"
	"sieve/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// MustWorkspace ensures a workspace exists for tests.
func MustWorkspace(t testing.TB, st *store.Store, id string) *store.Workspace {
	t.Helper()

	ws, err := st.EnsureWorkspace(context.Background(), id)
	if err != nil {
		t.Fatalf("store.EnsureWorkspace: %v", err)
	}
	return ws
}

// MustFeedback upserts a feedback item directly, bypassing normalization.
func MustFeedback(t testing.TB, st *store.Store, in store.NewFeedback) *store.FeedbackItem {
	t.Helper()

	if in.ContentHash == "" {
		in.ContentHash = in.Content
	}
	var item *store.FeedbackItem
	err := st.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		item, _, err = tx.UpsertFeedback(context.Background(), in)
		return err
	})
	if err != nil {
		t.Fatalf("UpsertFeedback: %v", err)
	}
	return item
}

// MustEmbedding stores a vector for an item.
func MustEmbedding(t testing.TB, st *store.Store, item *store.FeedbackItem, vector []float32) {
	t.Helper()

	if err := st.SaveEmbedding(context.Background(), store.Embedding{
		FeedbackItemID: item.ID,
		Vector:         vector,
		Model:          "test",
		ContentHash:    item.ContentHash,
	}); err != nil {
		t.Fatalf("SaveEmbedding: %v", err)
	}
}

// MustRequirement creates a two-item cluster in workspace and a synthesized
// requirement for it.
func MustRequirement(t testing.TB, st *store.Store, workspace string) *store.Requirement {
	t.Helper()

	ctx := context.Background()
	var ids []int64
	for i := 0; i < 2; i++ {
		item := MustFeedback(t, st, store.NewFeedback{
			WorkspaceID:  workspace,
			SourceSystem: "survey",
			ExternalID:   fmt.Sprintf("req-seed-%d-%d", time.Now().UnixNano(), i),
			Content:      fmt.Sprintf("exports are slow %d", i),
		})
		ids = append(ids, item.ID)
	}
	var clusterID int64
	if err := st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		if clusterID, err = tx.InsertCluster(ctx, workspace, ids[0], []float32{1, 0, 0}); err != nil {
			return err
		}
		return tx.AddMember(ctx, clusterID, ids[1])
	}); err != nil {
		t.Fatalf("seed cluster: %v", err)
	}
	id, err := st.InsertDraftRequirement(ctx, store.Requirement{
		WorkspaceID:       workspace,
		ClusterID:         clusterID,
		SourceFeedbackIDs: ids,
		MemberFingerprint: fmt.Sprintf("fp-%d", clusterID),
	})
	if err != nil {
		t.Fatalf("InsertDraftRequirement: %v", err)
	}
	if err := st.MarkRequirementSynthesized(ctx, id, store.RequirementContent{
		Title:              "Faster exports",
		UserStory:          "As an analyst, I want faster exports so that reports ship on time",
		AcceptanceCriteria: []string{"Exports of 10k rows finish in 5 seconds"},
		PriorityScore:      3.1,
		PriorityBucket:     "medium",
	}, 0); err != nil {
		t.Fatalf("MarkRequirementSynthesized: %v", err)
	}
	req, err := st.GetRequirement(ctx, id)
	if err != nil || req == nil {
		t.Fatalf("GetRequirement: %v", err)
	}
	return req
}
