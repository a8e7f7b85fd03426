// Package notify delivers swap notifications. The engine writes them to a
// SQLite outbox; a dispatcher drains the outbox into webhook and websocket
// sinks with retry and backoff.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/barter/internal/storage"
	"github.com/klingon-exchange/barter/internal/swap"
)

// Outbox is the engine's Notifier. It only queues; delivery happens in the
// Dispatcher.
type Outbox struct {
	store *storage.Storage
}

// NewOutbox creates a Notifier backed by the storage outbox table.
func NewOutbox(store *storage.Storage) *Outbox {
	return &Outbox{store: store}
}

var _ swap.Notifier = (*Outbox)(nil)

// Notify queues n. A notification whose ID is already queued is dropped.
func (o *Outbox) Notify(ctx context.Context, n *swap.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification %s: %w", n.ID, err)
	}

	_, err = o.store.EnqueueNotification(ctx, &storage.OutboxMessage{
		MessageID:  n.ID,
		Event:      string(n.Event),
		RequestID:  n.Data.RequestID,
		Recipients: n.Recipients,
		Payload:    payload,
		CreatedAt:  n.CreatedAt,
	})
	return err
}
