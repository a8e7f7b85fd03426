package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klingon-exchange/barter/internal/swap"
)

// AcquireLock locks assetRef for requestID with a single conditional upsert.
// The conflict branch only touches the row when the same request already
// holds it, so a lock held by another request leaves zero rows affected.
func (s *Storage) AcquireLock(ctx context.Context, assetRef, requestID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_locks (asset_ref, request_id, locked_at) VALUES (?, ?, ?)
		ON CONFLICT(asset_ref) DO UPDATE SET locked_at = asset_locks.locked_at
		WHERE asset_locks.request_id = excluded.request_id
	`, assetRef, requestID, toMillis(at))
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return swap.ErrAssetLocked
	}
	return nil
}

// ReleaseLock deletes requestID's lock on assetRef. Missing rows are fine.
func (s *Storage) ReleaseLock(ctx context.Context, assetRef, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM asset_locks WHERE asset_ref = ? AND request_id = ?`, assetRef, requestID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// LockHolder returns the request holding assetRef, or "" when it is free.
func (s *Storage) LockHolder(ctx context.Context, assetRef string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var requestID string
	err := s.db.QueryRowContext(ctx,
		`SELECT request_id FROM asset_locks WHERE asset_ref = ?`, assetRef).Scan(&requestID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query lock holder: %w", err)
	}
	return requestID, nil
}

// ListStaleLocks returns locks held by terminal requests, and locks older
// than orphanedBefore whose request does not exist.
func (s *Storage) ListStaleLocks(ctx context.Context, orphanedBefore time.Time, limit int) ([]*swap.AssetLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.asset_ref, l.request_id, l.locked_at
		FROM asset_locks l
		LEFT JOIN swap_requests r ON r.id = l.request_id
		WHERE (r.id IS NULL AND l.locked_at < ?)
		   OR r.status IN ('completed', 'rejected', 'cancelled', 'expired', 'refunded')
		ORDER BY l.locked_at ASC
		LIMIT ?
	`, toMillis(orphanedBefore), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale locks: %w", err)
	}
	defer rows.Close()

	var locks []*swap.AssetLock
	for rows.Next() {
		var l swap.AssetLock
		var lockedAt int64
		if err := rows.Scan(&l.AssetRef, &l.RequestID, &lockedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		l.LockedAt = fromMillis(lockedAt)
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}
