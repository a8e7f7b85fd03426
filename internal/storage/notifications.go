package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// Outbox Status Constants
// =============================================================================

// OutboxStatus represents the delivery status of a queued notification.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"   // Awaiting delivery
	OutboxStatusDelivered OutboxStatus = "delivered" // Accepted by every sink
	OutboxStatusFailed    OutboxStatus = "failed"    // Gave up after max attempts
)

// OutboxMessage represents a notification in the outbound queue.
type OutboxMessage struct {
	ID            int64        `json:"id"`
	MessageID     string       `json:"message_id"`
	Event         string       `json:"event"`
	RequestID     string       `json:"request_id"`
	Recipients    []string     `json:"recipients"`
	Payload       []byte       `json:"payload"`
	CreatedAt     time.Time    `json:"created_at"`
	RetryCount    int          `json:"retry_count"`
	LastAttemptAt *time.Time   `json:"last_attempt_at,omitempty"`
	NextRetryAt   time.Time    `json:"next_retry_at"`
	DeliveredAt   *time.Time   `json:"delivered_at,omitempty"`
	Status        OutboxStatus `json:"status"`
	ErrorMessage  string       `json:"error_message,omitempty"`
}

const outboxColumns = `id, message_id, event, request_id, recipients, payload, created_at,
		retry_count, last_attempt_at, next_retry_at, delivered_at, status, error_message`

// =============================================================================
// Outbox Operations
// =============================================================================

// EnqueueNotification adds a notification to the outbox. A message ID that
// is already queued is ignored; the returned bool reports whether a row was
// added.
func (s *Storage) EnqueueNotification(ctx context.Context, msg *OutboxMessage) (bool, error) {
	recipients, err := json.Marshal(msg.Recipients)
	if err != nil {
		return false, fmt.Errorf("failed to encode recipients: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notification_outbox (
			message_id, event, request_id, recipients, payload,
			created_at, retry_count, next_retry_at, status
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, 'pending')
	`,
		msg.MessageID, msg.Event, msg.RequestID, string(recipients), msg.Payload,
		toMillis(msg.CreatedAt), toMillis(msg.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue notification: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetDueNotifications returns pending notifications due for delivery.
func (s *Storage) GetDueNotifications(ctx context.Context, now time.Time, limit int) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM notification_outbox
		WHERE status = 'pending' AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, id ASC
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due notifications: %w", err)
	}
	defer rows.Close()

	return scanOutboxMessages(rows)
}

// ListNotifications returns every notification queued for a request.
func (s *Storage) ListNotifications(ctx context.Context, requestID string) ([]*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM notification_outbox
		WHERE request_id = ?
		ORDER BY id ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	return scanOutboxMessages(rows)
}

// GetNotification retrieves a single notification by message ID.
func (s *Storage) GetNotification(ctx context.Context, messageID string) (*OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outboxColumns+` FROM notification_outbox WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanOutboxMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[0], nil
}

// MarkNotificationDelivered marks a notification as delivered.
func (s *Storage) MarkNotificationDelivered(ctx context.Context, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = 'delivered', delivered_at = ?, last_attempt_at = ?,
		    retry_count = retry_count + 1, error_message = NULL
		WHERE message_id = ?
	`, toMillis(at), toMillis(at), messageID)

	return err
}

// MarkNotificationFailed marks a notification as permanently failed.
func (s *Storage) MarkNotificationFailed(ctx context.Context, messageID string, at time.Time, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = 'failed', last_attempt_at = ?, retry_count = retry_count + 1, error_message = ?
		WHERE message_id = ?
	`, toMillis(at), errorMsg, messageID)

	return err
}

// ScheduleNotificationRetry records a failed attempt and schedules the next.
func (s *Storage) ScheduleNotificationRetry(ctx context.Context, messageID string, at, nextRetryAt time.Time, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status = 'pending', last_attempt_at = ?, next_retry_at = ?,
		    retry_count = retry_count + 1, error_message = ?
		WHERE message_id = ?
	`, toMillis(at), toMillis(nextRetryAt), errorMsg, messageID)

	return err
}

// CleanupNotifications removes delivered and failed notifications created
// before olderThan.
func (s *Storage) CleanupNotifications(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_outbox
		WHERE status IN ('delivered', 'failed')
		  AND created_at < ?
	`, toMillis(olderThan))
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// GetOutboxStats returns the number of notifications per status.
func (s *Storage) GetOutboxStats(ctx context.Context) (map[OutboxStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) as count
		FROM notification_outbox
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[OutboxStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[OutboxStatus(status)] = count
	}

	return stats, rows.Err()
}

func scanOutboxMessages(rows *sql.Rows) ([]*OutboxMessage, error) {
	var messages []*OutboxMessage
	for rows.Next() {
		var (
			msg                        OutboxMessage
			recipients, status         string
			createdAt, nextRetryAt     int64
			lastAttemptAt, deliveredAt sql.NullInt64
			errorMsg                   sql.NullString
		)
		if err := rows.Scan(
			&msg.ID, &msg.MessageID, &msg.Event, &msg.RequestID, &recipients, &msg.Payload,
			&createdAt, &msg.RetryCount, &lastAttemptAt, &nextRetryAt, &deliveredAt,
			&status, &errorMsg,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recipients), &msg.Recipients); err != nil {
			return nil, fmt.Errorf("failed to decode recipients of %s: %w", msg.MessageID, err)
		}
		msg.CreatedAt = fromMillis(createdAt)
		msg.NextRetryAt = fromMillis(nextRetryAt)
		msg.LastAttemptAt = timePtr(lastAttemptAt)
		msg.DeliveredAt = timePtr(deliveredAt)
		msg.Status = OutboxStatus(status)
		msg.ErrorMessage = errorMsg.String
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}
