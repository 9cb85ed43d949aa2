package testsupport

import (
	"context"
	"sync"
	"time"

	"sieve/internal/store"
)

// RecordingNotifier keeps every notification it is asked to send.
type RecordingNotifier struct {
	mu      sync.Mutex
	alerts  []store.OperatorAlert
	reviews []store.ReviewEntry
	drained int
}

func (n *RecordingNotifier) NotifyAlert(_ context.Context, alert store.OperatorAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return nil
}

func (n *RecordingNotifier) NotifyReview(_ context.Context, entry store.ReviewEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reviews = append(n.reviews, entry)
	return nil
}

func (n *RecordingNotifier) NotifyDrained(context.Context, int, int, time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drained++
	return nil
}

func (n *RecordingNotifier) TestNotification(context.Context) error { return nil }

// Alerts returns the alerts sent so far.
func (n *RecordingNotifier) Alerts() []store.OperatorAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]store.OperatorAlert(nil), n.alerts...)
}

// Reviews returns the review entries announced so far.
func (n *RecordingNotifier) Reviews() []store.ReviewEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]store.ReviewEntry(nil), n.reviews...)
}
