package stage

import (
	"context"

	"sieve/internal/notifications"
	"sieve/internal/store"
)

// ReviewQueue records manual review entries and pings the operator.
type ReviewQueue struct {
	store    *store.Store
	notifier notifications.Service
}

// NewReviewQueue builds a review queue. A nil notifier records silently.
func NewReviewQueue(st *store.Store, notifier notifications.Service) *ReviewQueue {
	return &ReviewQueue{store: st, notifier: notifier}
}

// Add stores the entry, then sends a best-effort notification. The returned
// error only reflects the store write.
func (q *ReviewQueue) Add(ctx context.Context, entry store.ReviewEntry) (int64, error) {
	id, err := q.store.AddReviewEntry(ctx, entry)
	if err != nil {
		return 0, err
	}
	entry.ID = id
	if q.notifier != nil {
		_ = q.notifier.NotifyReview(context.WithoutCancel(ctx), entry)
	}
	return id, nil
}
