package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/barter/internal/swap"
)

const requestColumns = `id, initiator_id, target_id, listing_id, terms, terms_version, status,
		expires_at, accepted_at, completed_at, created_at, updated_at`

// CreateRequest inserts a swap request and its assets in one transaction.
func (s *Storage) CreateRequest(ctx context.Context, req *swap.SwapRequest, assets []*swap.SwapAsset) error {
	terms, err := json.Marshal(req.Terms)
	if err != nil {
		return fmt.Errorf("failed to encode terms: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO swap_requests (
				id, initiator_id, target_id, listing_id, mode, terms, terms_version, status,
				expires_at, accepted_at, completed_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			req.ID, req.InitiatorID, req.TargetID, nullString(req.ListingID),
			string(req.Terms.Mode), string(terms), req.TermsVersion, string(req.Status),
			toMillis(req.ExpiresAt), nullMillis(req.AcceptedAt), nullMillis(req.CompletedAt),
			toMillis(req.CreatedAt), toMillis(req.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert swap request: %w", err)
		}
		return insertAssets(ctx, tx, assets)
	})
}

func insertAssets(ctx context.Context, tx *sql.Tx, assets []*swap.SwapAsset) error {
	for _, a := range assets {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO swap_assets (
				id, request_id, side, asset_type, asset_ref, owner_id, description, value, transferred_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			a.ID, a.RequestID, string(a.Side), string(a.AssetType), a.AssetRef, a.OwnerID,
			a.Description, decimalString(a.Value), nullMillis(a.TransferredAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert %s asset: %w", a.Side, err)
		}
	}
	return nil
}

// GetRequest retrieves a swap request by ID.
func (s *Storage) GetRequest(ctx context.Context, id string) (*swap.SwapRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM swap_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, notFound("swap request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get swap request: %w", err)
	}
	return req, nil
}

// ListRequests returns requests matching filter, newest first.
func (s *Storage) ListRequests(ctx context.Context, filter swap.RequestFilter) ([]*swap.SwapRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM swap_requests
		WHERE (? = '' OR initiator_id = ? OR target_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY created_at DESC, id ASC
		LIMIT ? OFFSET ?
	`,
		filter.UserID, filter.UserID, filter.UserID,
		string(filter.Status), string(filter.Status),
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list swap requests: %w", err)
	}
	defer rows.Close()

	return scanRequests(rows)
}

// ListAssets returns a request's assets, offering side first. Locked is set
// when the asset's lock row belongs to the request.
func (s *Storage) ListAssets(ctx context.Context, requestID string) ([]*swap.SwapAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.request_id, a.side, a.asset_type, a.asset_ref, a.owner_id,
		       a.description, a.value, a.transferred_at, l.locked_at
		FROM swap_assets a
		LEFT JOIN asset_locks l ON l.asset_ref = a.asset_ref AND l.request_id = a.request_id
		WHERE a.request_id = ?
		ORDER BY a.side ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []*swap.SwapAsset
	for rows.Next() {
		var (
			a                       swap.SwapAsset
			side, assetType         string
			value                   decimal.NullDecimal
			transferredAt, lockedAt sql.NullInt64
		)
		if err := rows.Scan(
			&a.ID, &a.RequestID, &side, &assetType, &a.AssetRef, &a.OwnerID,
			&a.Description, &value, &transferredAt, &lockedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		a.Side = swap.Side(side)
		a.AssetType = swap.AssetType(assetType)
		if value.Valid {
			v := value.Decimal
			a.Value = &v
		}
		a.TransferredAt = timePtr(transferredAt)
		a.LockedAt = timePtr(lockedAt)
		a.Locked = lockedAt.Valid
		assets = append(assets, &a)
	}
	return assets, rows.Err()
}

// TransitionRequest moves a request to status to if it is currently in one
// of from. Accepted and completed transitions stamp their timestamp.
func (s *Storage) TransitionRequest(ctx context.Context, id string, from []swap.Status, to swap.Status, at time.Time) error {
	if len(from) == 0 {
		return fmt.Errorf("transition to %s needs at least one source status", to)
	}

	set := "status = ?, updated_at = ?"
	args := []interface{}{string(to), toMillis(at)}
	switch to {
	case swap.StatusAccepted:
		set += ", accepted_at = ?"
		args = append(args, toMillis(at))
	case swap.StatusCompleted:
		set += ", completed_at = ?"
		args = append(args, toMillis(at))
	}
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE swap_requests SET `+set+` WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to update swap request status: %w", err)
	}
	return s.checkTransition(ctx, result, id, to)
}

// RevertRequest moves a request from from back to to during compensation,
// clearing the timestamp the forward transition stamped.
func (s *Storage) RevertRequest(ctx context.Context, id string, from, to swap.Status, at time.Time) error {
	set := "status = ?, updated_at = ?"
	switch from {
	case swap.StatusAccepted:
		set += ", accepted_at = NULL"
	case swap.StatusCompleted:
		set += ", completed_at = NULL"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE swap_requests SET `+set+` WHERE id = ? AND status = ?`,
		string(to), toMillis(at), id, string(from))
	if err != nil {
		return fmt.Errorf("failed to revert swap request status: %w", err)
	}
	return s.checkTransition(ctx, result, id, to)
}

// checkTransition turns a zero-row status update into NotFound or
// ErrStaleStatus. Caller holds s.mu.
func (s *Storage) checkTransition(ctx context.Context, result sql.Result, id string, to swap.Status) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM swap_requests WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return notFound("swap request", id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: swap request %s is %s, cannot move to %s", swap.ErrStaleStatus, id, current, to)
}

// ReplaceTerms swaps in new terms and asset rows if the stored version and
// status still match what the caller read.
func (s *Storage) ReplaceTerms(ctx context.Context, req *swap.SwapRequest, assets []*swap.SwapAsset, expectVersion int, at time.Time) error {
	terms, err := json.Marshal(req.Terms)
	if err != nil {
		return fmt.Errorf("failed to encode terms: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE swap_requests
			SET terms = ?, mode = ?, terms_version = ?, updated_at = ?
			WHERE id = ? AND terms_version = ? AND status = ?
		`,
			string(terms), string(req.Terms.Mode), req.TermsVersion, toMillis(at),
			req.ID, expectVersion, string(req.Status),
		)
		if err != nil {
			return fmt.Errorf("failed to update terms: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			var version int
			var status string
			err := tx.QueryRowContext(ctx,
				`SELECT terms_version, status FROM swap_requests WHERE id = ?`, req.ID).Scan(&version, &status)
			switch {
			case err == sql.ErrNoRows:
				return notFound("swap request", req.ID)
			case err != nil:
				return err
			case status != string(req.Status):
				return fmt.Errorf("%w: swap request %s is now %s", swap.ErrStaleStatus, req.ID, status)
			default:
				return fmt.Errorf("%w: expected terms version %d, found %d", swap.ErrStaleTerms, expectVersion, version)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM swap_assets WHERE request_id = ?`, req.ID); err != nil {
			return fmt.Errorf("failed to delete old assets: %w", err)
		}
		return insertAssets(ctx, tx, assets)
	})
}

// ListExpiredRequests returns pending requests whose expiry has passed.
func (s *Storage) ListExpiredRequests(ctx context.Context, now time.Time, limit int) ([]*swap.SwapRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM swap_requests
		WHERE status = 'pending' AND expires_at <= ?
		ORDER BY expires_at ASC
		LIMIT ?
	`, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired requests: %w", err)
	}
	defer rows.Close()

	return scanRequests(rows)
}

func scanRequest(row rowScanner) (*swap.SwapRequest, error) {
	var (
		req                     swap.SwapRequest
		listingID               sql.NullString
		terms, status           string
		expiresAt               int64
		acceptedAt, completedAt sql.NullInt64
		createdAt, updatedAt    int64
	)
	err := row.Scan(
		&req.ID, &req.InitiatorID, &req.TargetID, &listingID, &terms, &req.TermsVersion, &status,
		&expiresAt, &acceptedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(terms), &req.Terms); err != nil {
		return nil, fmt.Errorf("failed to decode terms of %s: %w", req.ID, err)
	}
	req.ListingID = listingID.String
	req.Status = swap.Status(status)
	req.ExpiresAt = fromMillis(expiresAt)
	req.AcceptedAt = timePtr(acceptedAt)
	req.CompletedAt = timePtr(completedAt)
	req.CreatedAt = fromMillis(createdAt)
	req.UpdatedAt = fromMillis(updatedAt)
	return &req, nil
}

func scanRequests(rows *sql.Rows) ([]*swap.SwapRequest, error) {
	var out []*swap.SwapRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan swap request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func decimalString(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
