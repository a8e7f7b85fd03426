package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/klingon-exchange/barter/pkg/logging"
)

// EventType names a notification.
type EventType string

const (
	EventSwapProposed          EventType = "swap_proposed"
	EventSwapAccepted          EventType = "swap_accepted"
	EventSwapRejected          EventType = "swap_rejected"
	EventSwapCancelled         EventType = "swap_cancelled"
	EventSwapCompleted         EventType = "swap_completed"
	EventSwapExpired           EventType = "swap_expired"
	EventContractSigned        EventType = "contract_signed"
	EventCounterOfferProposed  EventType = "counter_offer_proposed"
	EventCounterOfferAccepted  EventType = "counter_offer_accepted"
	EventSwapDisputed          EventType = "swap_disputed"
	EventDisputeResolved       EventType = "dispute_resolved"
	EventSwapRefundedOnTimeout EventType = "swap_refunded_on_timeout"
)

// Notification is one message for one or more users. ID is deterministic
// per event and entity, so re-emitting it is deduplicated downstream.
type Notification struct {
	ID         string           `json:"id"`
	Event      EventType        `json:"event"`
	Recipients []string         `json:"recipients"`
	Data       NotificationData `json:"data"`
	CreatedAt  time.Time        `json:"created_at"`
}

// NotificationData is the payload delivered with a notification.
type NotificationData struct {
	RequestID      string     `json:"request_id"`
	Status         Status     `json:"status,omitempty"`
	CounterOfferID string     `json:"counter_offer_id,omitempty"`
	DisputeID      string     `json:"dispute_id,omitempty"`
	Resolution     Resolution `json:"resolution,omitempty"`
	ActorID        string     `json:"actor_id,omitempty"`
}

// notifier wraps the Notifier port. Failures are logged and never surface
// to the caller: the operation that emitted the event has already committed.
type notifier struct {
	port Notifier
	now  func() time.Time
	log  *logging.Logger
}

func (n *notifier) send(ctx context.Context, event EventType, entityID string, recipients []string, data NotificationData) {
	if n.port == nil {
		return
	}
	msg := &Notification{
		ID:         fmt.Sprintf("%s:%s", event, entityID),
		Event:      event,
		Recipients: recipients,
		Data:       data,
		CreatedAt:  n.now(),
	}
	if err := n.port.Notify(ctx, msg); err != nil {
		n.log.Warn("Failed to queue notification", "event", event, "id", msg.ID, "error", err)
	}
}
