package source

import (
	"context"
	"encoding/json"
	"fmt"

	"sieve/internal/services"
	"sieve/internal/store"
)

// Event is the payload of an ingest job: one raw record tagged with the
// source that delivered it.
type Event struct {
	Source string      `json:"source"`
	Item   RawFeedback `json:"item"`
}

// Encode renders the job payload.
func (e Event) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(data), nil
}

// DecodeEvent parses an ingest job payload.
func DecodeEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, services.Wrap(services.ErrValidation, "ingest", "decode event", "", err)
	}
	if ev.Source == "" {
		return Event{}, services.Wrap(services.ErrValidation, "ingest", "decode event", "event has no source", nil)
	}
	return ev, nil
}

// Enqueue stores events as ingest jobs in one transaction.
func Enqueue(ctx context.Context, st *store.Store, workspaceID string, events ...Event) error {
	return st.WithTx(ctx, func(tx *store.Tx) error {
		return enqueueTx(ctx, tx, workspaceID, events)
	})
}

func enqueueTx(ctx context.Context, tx *store.Tx, workspaceID string, events []Event) error {
	for _, ev := range events {
		payload, err := ev.Encode()
		if err != nil {
			return err
		}
		if _, err := tx.Enqueue(ctx, store.NewJob{
			WorkspaceID: workspaceID,
			Stage:       store.StageIngest,
			Payload:     payload,
		}); err != nil {
			return err
		}
	}
	return nil
}
