package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-exchange/barter/internal/swap"
)

const disputeColumns = `id, request_id, disputer_id, disputed_id, reason, prior_status, status,
		resolution, resolver_id, raised_at, deadline, resolved_at, settled_at`

// CreateDispute inserts an open dispute. The partial unique index on open
// disputes turns a second open dispute for a request into ErrOpenDispute.
func (s *Storage) CreateDispute(ctx context.Context, d *swap.Dispute) error {
	reason, err := json.Marshal(d.Reason)
	if err != nil {
		return fmt.Errorf("failed to encode dispute reason: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, request_id, disputer_id, disputed_id, reason, prior_status, status,
			raised_at, deadline
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.RequestID, d.DisputerID, d.DisputedID, string(reason),
		string(d.PriorStatus), string(d.Status), toMillis(d.RaisedAt), toMillis(d.Deadline),
	)
	if isUniqueViolation(err) {
		return swap.ErrOpenDispute
	}
	if err != nil {
		return fmt.Errorf("failed to insert dispute: %w", err)
	}
	return nil
}

// GetDispute retrieves a dispute by ID.
func (s *Storage) GetDispute(ctx context.Context, id string) (*swap.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, notFound("dispute", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return d, nil
}

// GetOpenDispute returns the open dispute of a request.
func (s *Storage) GetOpenDispute(ctx context.Context, requestID string) (*swap.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE request_id = ? AND status = 'open'`, requestID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, notFound("open dispute for swap request", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open dispute: %w", err)
	}
	return d, nil
}

// ListDisputes returns every dispute of a request, oldest first.
func (s *Storage) ListDisputes(ctx context.Context, requestID string) ([]*swap.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE request_id = ?
		ORDER BY raised_at ASC, id ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query disputes: %w", err)
	}
	defer rows.Close()

	return scanDisputes(rows)
}

// ClaimDispute moves an open dispute to resolved.
func (s *Storage) ClaimDispute(ctx context.Context, id string, resolution swap.Resolution, resolverID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET status = 'resolved', resolution = ?, resolver_id = ?, resolved_at = ?
		WHERE id = ? AND status = 'open'
	`, string(resolution), resolverID, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to claim dispute: %w", err)
	}
	return s.checkDisputeUpdate(ctx, result, id)
}

// ReopenDispute returns a resolved but unsettled dispute to open.
func (s *Storage) ReopenDispute(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET status = 'open', resolution = NULL, resolver_id = NULL, resolved_at = NULL
		WHERE id = ? AND status = 'resolved' AND settled_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("failed to reopen dispute: %w", err)
	}
	return s.checkDisputeUpdate(ctx, result, id)
}

// MarkDisputeSettled records that a resolution's side effects finished.
func (s *Storage) MarkDisputeSettled(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET settled_at = COALESCE(settled_at, ?)
		WHERE id = ? AND status = 'resolved'
	`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark dispute settled: %w", err)
	}
	return s.checkDisputeUpdate(ctx, result, id)
}

// ListOverdueDisputes returns open disputes whose deadline has passed.
func (s *Storage) ListOverdueDisputes(ctx context.Context, now time.Time, limit int) ([]*swap.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'open' AND deadline <= ?
		ORDER BY deadline ASC
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue disputes: %w", err)
	}
	defer rows.Close()

	return scanDisputes(rows)
}

// ListUnsettledDisputes returns disputes resolved before resolvedBefore
// whose settlement never finished.
func (s *Storage) ListUnsettledDisputes(ctx context.Context, resolvedBefore time.Time, limit int) ([]*swap.Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'resolved' AND settled_at IS NULL AND resolved_at < ?
		ORDER BY resolved_at ASC
		LIMIT ?
	`, toMillis(resolvedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsettled disputes: %w", err)
	}
	defer rows.Close()

	return scanDisputes(rows)
}

// checkDisputeUpdate turns a zero-row update into NotFound or
// ErrStaleStatus. Caller holds s.mu.
func (s *Storage) checkDisputeUpdate(ctx context.Context, result sql.Result, id string) error {
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM disputes WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return notFound("dispute", id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: dispute %s is %s", swap.ErrStaleStatus, id, status)
}

func scanDispute(row rowScanner) (*swap.Dispute, error) {
	var (
		d                           swap.Dispute
		reason, priorStatus, status string
		resolution, resolverID      sql.NullString
		raisedAt, deadline          int64
		resolvedAt, settledAt       sql.NullInt64
	)
	err := row.Scan(
		&d.ID, &d.RequestID, &d.DisputerID, &d.DisputedID, &reason, &priorStatus, &status,
		&resolution, &resolverID, &raisedAt, &deadline, &resolvedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(reason), &d.Reason); err != nil {
		return nil, fmt.Errorf("failed to decode reason of dispute %s: %w", d.ID, err)
	}
	d.PriorStatus = swap.Status(priorStatus)
	d.Status = swap.DisputeStatus(status)
	d.Resolution = swap.Resolution(resolution.String)
	d.ResolverID = resolverID.String
	d.RaisedAt = fromMillis(raisedAt)
	d.Deadline = fromMillis(deadline)
	d.ResolvedAt = timePtr(resolvedAt)
	d.Settled = settledAt.Valid
	return &d, nil
}

func scanDisputes(rows *sql.Rows) ([]*swap.Dispute, error) {
	var out []*swap.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispute: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
