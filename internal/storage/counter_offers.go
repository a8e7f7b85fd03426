package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-exchange/barter/internal/swap"
)

const counterColumns = `id, request_id, counter_initiator_id, terms, status, expires_at, created_at, responded_at`

// CreateCounterOffer inserts a counter-offer.
func (s *Storage) CreateCounterOffer(ctx context.Context, co *swap.CounterOffer) error {
	terms, err := json.Marshal(co.Terms)
	if err != nil {
		return fmt.Errorf("failed to encode terms: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO counter_offers (`+counterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		co.ID, co.RequestID, co.CounterInitiatorID, string(terms), string(co.Status),
		toMillis(co.ExpiresAt), toMillis(co.CreatedAt), nullMillis(co.RespondedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert counter-offer: %w", err)
	}
	return nil
}

// GetCounterOffer retrieves a counter-offer by ID.
func (s *Storage) GetCounterOffer(ctx context.Context, id string) (*swap.CounterOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+counterColumns+` FROM counter_offers WHERE id = ?`, id)
	co, err := scanCounterOffer(row)
	if err == sql.ErrNoRows {
		return nil, notFound("counter-offer", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get counter-offer: %w", err)
	}
	return co, nil
}

// ListCounterOffers returns a request's counter-offers, oldest first.
func (s *Storage) ListCounterOffers(ctx context.Context, requestID string) ([]*swap.CounterOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+counterColumns+`
		FROM counter_offers
		WHERE request_id = ?
		ORDER BY created_at ASC, id ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query counter-offers: %w", err)
	}
	defer rows.Close()

	return scanCounterOffers(rows)
}

// TransitionCounterOffer moves a counter-offer from one status to another.
// Moving back to pending clears the response time.
func (s *Storage) TransitionCounterOffer(ctx context.Context, id string, from, to swap.CounterStatus, at time.Time) error {
	respondedAt := sql.NullInt64{Int64: toMillis(at), Valid: true}
	if to == swap.CounterPending {
		respondedAt = sql.NullInt64{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE counter_offers SET status = ?, responded_at = ?
		WHERE id = ? AND status = ?
	`, string(to), respondedAt, id, string(from))
	if err != nil {
		return fmt.Errorf("failed to update counter-offer: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM counter_offers WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return notFound("counter-offer", id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: counter-offer %s is %s", swap.ErrStaleStatus, id, current)
}

// SupersedePending marks every other pending counter-offer of a request as
// superseded.
func (s *Storage) SupersedePending(ctx context.Context, requestID, exceptID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE counter_offers SET status = 'superseded', responded_at = ?
		WHERE request_id = ? AND id != ? AND status = 'pending'
	`, toMillis(at), requestID, exceptID)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede counter-offers: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// ListExpiredCounterOffers returns pending counter-offers past expiry.
func (s *Storage) ListExpiredCounterOffers(ctx context.Context, now time.Time, limit int) ([]*swap.CounterOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+counterColumns+`
		FROM counter_offers
		WHERE status = 'pending' AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired counter-offers: %w", err)
	}
	defer rows.Close()

	return scanCounterOffers(rows)
}

func scanCounterOffer(row rowScanner) (*swap.CounterOffer, error) {
	var (
		co                   swap.CounterOffer
		terms, status        string
		expiresAt, createdAt int64
		respondedAt          sql.NullInt64
	)
	err := row.Scan(&co.ID, &co.RequestID, &co.CounterInitiatorID, &terms, &status,
		&expiresAt, &createdAt, &respondedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(terms), &co.Terms); err != nil {
		return nil, fmt.Errorf("failed to decode terms of counter-offer %s: %w", co.ID, err)
	}
	co.Status = swap.CounterStatus(status)
	co.ExpiresAt = fromMillis(expiresAt)
	co.CreatedAt = fromMillis(createdAt)
	co.RespondedAt = timePtr(respondedAt)
	return &co, nil
}

func scanCounterOffers(rows *sql.Rows) ([]*swap.CounterOffer, error) {
	var out []*swap.CounterOffer
	for rows.Next() {
		co, err := scanCounterOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan counter-offer: %w", err)
		}
		out = append(out, co)
	}
	return out, rows.Err()
}
