package storage

import (
	"context"
	"testing"
	"time"
)

func newTestNotification(id, requestID string, at time.Time) *OutboxMessage {
	return &OutboxMessage{
		MessageID:  id,
		Event:      "swap_proposed",
		RequestID:  requestID,
		Recipients: []string{"bob"},
		Payload:    []byte(`{"id":"` + id + `"}`),
		CreatedAt:  at,
	}
}

func TestEnqueueNotificationDeduplicates(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	added, err := store.EnqueueNotification(ctx, newTestNotification("swap_proposed:req-1", "req-1", testNow))
	if err != nil {
		t.Fatalf("EnqueueNotification() error = %v", err)
	}
	if !added {
		t.Error("first EnqueueNotification() reported no row added")
	}

	added, err = store.EnqueueNotification(ctx, newTestNotification("swap_proposed:req-1", "req-1", testNow))
	if err != nil {
		t.Fatalf("EnqueueNotification() duplicate error = %v", err)
	}
	if added {
		t.Error("duplicate EnqueueNotification() added a row")
	}

	msgs, err := store.ListNotifications(ctx, "req-1")
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("ListNotifications() = %d, want 1", len(msgs))
	}
	if len(msgs[0].Recipients) != 1 || msgs[0].Recipients[0] != "bob" {
		t.Errorf("Recipients = %v, want [bob]", msgs[0].Recipients)
	}
	if msgs[0].Status != OutboxStatusPending {
		t.Errorf("Status = %s, want pending", msgs[0].Status)
	}
}

func TestGetDueNotifications(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	store.EnqueueNotification(ctx, newTestNotification("a", "req-1", testNow))
	store.EnqueueNotification(ctx, newTestNotification("b", "req-1", testNow.Add(time.Minute)))

	due, err := store.GetDueNotifications(ctx, testNow, 10)
	if err != nil {
		t.Fatalf("GetDueNotifications() error = %v", err)
	}
	if len(due) != 1 || due[0].MessageID != "a" {
		t.Errorf("GetDueNotifications() = %v, want only a", due)
	}

	due, _ = store.GetDueNotifications(ctx, testNow.Add(time.Hour), 1)
	if len(due) != 1 {
		t.Errorf("limit not applied: got %d", len(due))
	}
}

func TestNotificationRetryLifecycle(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	store.EnqueueNotification(ctx, newTestNotification("a", "req-1", testNow))

	next := testNow.Add(10 * time.Second)
	if err := store.ScheduleNotificationRetry(ctx, "a", testNow, next, "webhook: 503"); err != nil {
		t.Fatalf("ScheduleNotificationRetry() error = %v", err)
	}

	due, _ := store.GetDueNotifications(ctx, testNow, 10)
	if len(due) != 0 {
		t.Errorf("notification due before its retry time")
	}

	msg, err := store.GetNotification(ctx, "a")
	if err != nil || msg == nil {
		t.Fatalf("GetNotification() = %v, %v", msg, err)
	}
	if msg.RetryCount != 1 || msg.ErrorMessage != "webhook: 503" || !msg.NextRetryAt.Equal(next) {
		t.Errorf("after retry: count=%d err=%q next=%v", msg.RetryCount, msg.ErrorMessage, msg.NextRetryAt)
	}

	if err := store.MarkNotificationDelivered(ctx, "a", next); err != nil {
		t.Fatalf("MarkNotificationDelivered() error = %v", err)
	}
	msg, _ = store.GetNotification(ctx, "a")
	if msg.Status != OutboxStatusDelivered || msg.DeliveredAt == nil || msg.ErrorMessage != "" {
		t.Errorf("after delivery: status=%s delivered_at=%v err=%q", msg.Status, msg.DeliveredAt, msg.ErrorMessage)
	}

	missing, err := store.GetNotification(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetNotification(nope) = %v, %v; want nil, nil", missing, err)
	}
}

func TestCleanupNotifications(t *testing.T) {
	store, cleanup := setupTestStorage(t)
	defer cleanup()
	ctx := context.Background()

	for _, id := range []string{"delivered", "failed", "pending"} {
		store.EnqueueNotification(ctx, newTestNotification(id, "req-1", testNow))
	}
	store.MarkNotificationDelivered(ctx, "delivered", testNow)
	store.MarkNotificationFailed(ctx, "failed", testNow, "gave up")

	stats, err := store.GetOutboxStats(ctx)
	if err != nil {
		t.Fatalf("GetOutboxStats() error = %v", err)
	}
	if stats[OutboxStatusDelivered] != 1 || stats[OutboxStatusFailed] != 1 || stats[OutboxStatusPending] != 1 {
		t.Errorf("GetOutboxStats() = %v", stats)
	}

	n, err := store.CleanupNotifications(ctx, testNow.Add(time.Hour))
	if err != nil {
		t.Fatalf("CleanupNotifications() error = %v", err)
	}
	if n != 2 {
		t.Errorf("CleanupNotifications() removed %d, want 2", n)
	}

	msgs, _ := store.ListNotifications(ctx, "req-1")
	if len(msgs) != 1 || msgs[0].MessageID != "pending" {
		t.Errorf("remaining = %v, want only pending", msgs)
	}
}
