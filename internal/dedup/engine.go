// Package dedup assigns embedded feedback items to clusters of semantically
// equivalent items using nearest-centroid cosine similarity.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"sieve/internal/config"
	"sieve/internal/embedding"
	"sieve/internal/keylock"
	"sieve/internal/logging"
	"sieve/internal/priority"
	"sieve/internal/services"
	"sieve/internal/store"
)

// Action describes what Assign did with an item.
type Action string

const (
	ActionCreated   Action = "created"
	ActionMerged    Action = "merged"
	ActionUnchanged Action = "unchanged"
	ActionSkipped   Action = "skipped"
)

// Outcome reports an assignment.
type Outcome struct {
	ClusterID    int64
	Action       Action
	Similarity   float64
	DetachedFrom int64
}

// Engine performs cluster assignment. It is safe for concurrent use by the
// dedup lane workers of one process.
type Engine struct {
	store     *store.Store
	scorer    priority.Scorer
	threshold float64
	settle    time.Duration
	clusters  *keylock.Map
	creates   *keylock.Map
	logger    *slog.Logger
}

// NewEngine builds an engine from configuration.
func NewEngine(cfg *config.Config, st *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Engine{
		store:     st,
		scorer:    priority.NewScorer(cfg.Priority),
		threshold: cfg.Dedup.SimilarityThreshold,
		settle:    time.Duration(cfg.Dedup.SettleDelaySeconds) * time.Second,
		clusters:  keylock.New(),
		creates:   keylock.New(),
		logger:    logging.NewComponentLogger(logger, "dedup"),
	}
}

// Threshold returns the merge similarity threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// Assign places an item into the nearest live cluster or a new singleton.
// Running it again for an item whose embedding has not changed is a no-op.
// An item whose embedding is missing or stale is skipped; the pending
// re-embed schedules another assignment.
func (e *Engine) Assign(ctx context.Context, itemID int64) (Outcome, error) {
	item, err := e.store.GetFeedback(ctx, itemID)
	if err != nil {
		return Outcome{}, err
	}
	if item == nil {
		return Outcome{}, services.Wrap(services.ErrNotFound, "dedup", "assign", fmt.Sprintf("feedback item %d", itemID), nil)
	}
	if err := e.ensureLive(ctx, item.WorkspaceID); err != nil {
		return Outcome{}, err
	}
	emb, err := e.store.GetEmbedding(ctx, itemID)
	if err != nil {
		return Outcome{}, err
	}
	if emb == nil || emb.ContentHash != item.ContentHash || len(emb.Vector) == 0 {
		return Outcome{Action: ActionSkipped}, nil
	}

	var (
		currentCluster int64
		assignedHash   string
	)
	if err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		currentCluster, assignedHash, err = tx.Membership(ctx, itemID)
		return err
	}); err != nil {
		return Outcome{}, err
	}
	if currentCluster != 0 && assignedHash == emb.ContentHash {
		return Outcome{ClusterID: currentCluster, Action: ActionUnchanged}, nil
	}

	var detached int64
	if currentCluster != 0 {
		if err := e.detach(ctx, item, currentCluster); err != nil {
			return Outcome{}, err
		}
		detached = currentCluster
	}

	out, err := e.place(ctx, item, emb)
	if err != nil {
		return Outcome{}, err
	}
	out.DetachedFrom = detached
	e.logger.Debug("item assigned",
		logging.String(logging.FieldWorkspaceID, item.WorkspaceID),
		logging.Int64("item_id", item.ID),
		logging.ClusterID(out.ClusterID),
		logging.String("action", string(out.Action)),
		logging.Float64("similarity", out.Similarity),
	)
	return out, nil
}

// place finds the nearest live cluster and merges into it, or creates a
// singleton under the workspace create lock after a re-scan.
func (e *Engine) place(ctx context.Context, item *store.FeedbackItem, emb *store.Embedding) (Outcome, error) {
	for {
		best, sim, err := e.nearest(ctx, item.WorkspaceID, emb.Vector)
		if err != nil {
			return Outcome{}, err
		}
		if best != 0 && sim >= e.threshold {
			out, retry, err := e.merge(ctx, item, emb, best)
			if err != nil {
				return Outcome{}, err
			}
			if retry {
				continue
			}
			out.Similarity = sim
			return out, nil
		}

		unlock := e.creates.Lock(item.WorkspaceID)
		best, sim, err = e.nearest(ctx, item.WorkspaceID, emb.Vector)
		if err != nil {
			unlock()
			return Outcome{}, err
		}
		if best != 0 && sim >= e.threshold {
			unlock()
			continue
		}
		out, err := e.create(ctx, item, emb)
		unlock()
		return out, err
	}
}

func (e *Engine) nearest(ctx context.Context, workspaceID string, vector []float32) (int64, float64, error) {
	clusters, err := e.store.ActiveClusters(ctx, workspaceID)
	if err != nil {
		return 0, 0, err
	}
	var (
		bestID  int64
		bestSim = math.Inf(-1)
	)
	for _, c := range clusters {
		sim := embedding.Cosine(vector, c.Centroid)
		if sim > bestSim {
			bestID, bestSim = c.ID, sim
		}
	}
	if bestID == 0 {
		return 0, 0, nil
	}
	return bestID, bestSim, nil
}

// merge adds the item to clusterID. retry is true when the cluster was
// dissolved between the scan and the lock.
func (e *Engine) merge(ctx context.Context, item *store.FeedbackItem, emb *store.Embedding, clusterID int64) (Outcome, bool, error) {
	unlock := e.clusters.Lock(clusterKey(clusterID))
	defer unlock()

	var (
		out   Outcome
		retry bool
	)
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		out, retry = Outcome{}, false
		if err := e.ensureLiveTx(ctx, tx, item.WorkspaceID); err != nil {
			return err
		}
		existing, _, err := tx.Membership(ctx, item.ID)
		if err != nil {
			return err
		}
		if existing != 0 {
			out = Outcome{ClusterID: existing, Action: ActionUnchanged}
			return nil
		}
		cluster, err := tx.Cluster(ctx, clusterID)
		if err != nil {
			return err
		}
		if cluster == nil || cluster.Status != store.ClusterActive {
			retry = true
			return nil
		}
		if err := tx.AddMember(ctx, clusterID, item.ID); err != nil {
			return err
		}
		members, err := tx.ClusterMembers(ctx, clusterID)
		if err != nil {
			return err
		}
		state := store.ClusterState{
			ID:                   clusterID,
			Centroid:             embedding.RunningMean(cluster.Centroid, emb.Vector, cluster.Size),
			Size:                 len(members),
			RepresentativeItemID: Representative(members),
			Status:               store.ClusterActive,
		}
		if err := tx.SaveClusterState(ctx, state); err != nil {
			return err
		}
		if err := e.afterChange(ctx, tx, item.WorkspaceID, clusterID, members); err != nil {
			return err
		}
		out = Outcome{ClusterID: clusterID, Action: ActionMerged}
		return nil
	})
	if err != nil {
		return Outcome{}, false, err
	}
	return out, retry, nil
}

func (e *Engine) create(ctx context.Context, item *store.FeedbackItem, emb *store.Embedding) (Outcome, error) {
	var out Outcome
	err := e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := e.ensureLiveTx(ctx, tx, item.WorkspaceID); err != nil {
			return err
		}
		existing, _, err := tx.Membership(ctx, item.ID)
		if err != nil {
			return err
		}
		if existing != 0 {
			out = Outcome{ClusterID: existing, Action: ActionUnchanged}
			return nil
		}
		clusterID, err := tx.InsertCluster(ctx, item.WorkspaceID, item.ID, emb.Vector)
		if err != nil {
			return err
		}
		members, err := tx.ClusterMembers(ctx, clusterID)
		if err != nil {
			return err
		}
		if err := e.afterChange(ctx, tx, item.WorkspaceID, clusterID, members); err != nil {
			return err
		}
		out = Outcome{ClusterID: clusterID, Action: ActionCreated, Similarity: 1}
		return nil
	})
	return out, err
}

// detach removes the item from its old cluster and recomputes that cluster
// from the remaining member vectors. An emptied cluster is dissolved and keeps
// its last centroid.
func (e *Engine) detach(ctx context.Context, item *store.FeedbackItem, clusterID int64) error {
	unlock := e.clusters.Lock(clusterKey(clusterID))
	defer unlock()

	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := e.ensureLiveTx(ctx, tx, item.WorkspaceID); err != nil {
			return err
		}
		left, err := tx.RemoveMember(ctx, item.ID)
		if err != nil || left == 0 {
			return err
		}
		cluster, err := tx.Cluster(ctx, left)
		if err != nil || cluster == nil {
			return err
		}
		members, err := tx.ClusterMembers(ctx, left)
		if err != nil {
			return err
		}
		state := store.ClusterState{ID: left, Size: len(members), Centroid: cluster.Centroid}
		if len(members) == 0 {
			state.Status = store.ClusterDissolved
			return tx.SaveClusterState(ctx, state)
		}
		vectors := make([][]float32, 0, len(members))
		for _, m := range members {
			vectors = append(vectors, m.Vector)
		}
		if mean := embedding.Mean(vectors); mean != nil {
			state.Centroid = mean
		}
		state.RepresentativeItemID = Representative(members)
		state.Status = store.ClusterActive
		if err := tx.SaveClusterState(ctx, state); err != nil {
			return err
		}
		return e.afterChange(ctx, tx, item.WorkspaceID, left, members)
	})
}

// afterChange rescores the cluster and schedules a debounced analysis.
func (e *Engine) afterChange(ctx context.Context, tx *store.Tx, workspaceID string, clusterID int64, members []store.ClusterMember) error {
	score, bucket := e.scorer.Score(priority.InputFromMembers(members), tx.Now())
	if err := tx.SetClusterPriority(ctx, clusterID, score, bucket); err != nil {
		return err
	}
	_, err := tx.EnqueueDebounced(ctx, store.NewJob{
		WorkspaceID: workspaceID,
		Stage:       store.StageAnalyze,
		EntityID:    clusterID,
		AvailableAt: tx.Now().Add(e.settle),
	})
	return err
}

func (e *Engine) ensureLive(ctx context.Context, workspaceID string) error {
	live, err := e.store.WorkspaceActive(ctx, workspaceID)
	if err != nil {
		return err
	}
	if !live {
		return services.Wrap(services.ErrCancelled, "dedup", "assign", "workspace deleted", nil)
	}
	return nil
}

func (e *Engine) ensureLiveTx(ctx context.Context, tx *store.Tx, workspaceID string) error {
	live, err := tx.WorkspaceActive(ctx, workspaceID)
	if err != nil {
		return err
	}
	if !live {
		return services.Wrap(services.ErrCancelled, "dedup", "assign", "workspace deleted", nil)
	}
	return nil
}

// Representative picks the member with the strongest sentiment, then the
// newest, then the lowest id.
func Representative(members []store.ClusterMember) int64 {
	var best *store.ClusterMember
	for i := range members {
		m := &members[i]
		if best == nil || betterRepresentative(m, best) {
			best = m
		}
	}
	if best == nil {
		return 0
	}
	return best.ItemID
}

func betterRepresentative(a, b *store.ClusterMember) bool {
	ca, cb := confidence(a.Sentiment), confidence(b.Sentiment)
	if ca != cb {
		return ca > cb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ItemID < b.ItemID
}

func confidence(sentiment *float64) float64 {
	if sentiment == nil {
		return 0
	}
	return math.Abs(*sentiment)
}

func clusterKey(id int64) string { return strconv.FormatInt(id, 10) }
