package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/barter/internal/swap"
)

// RecordTransfers appends ledger entries for a request, stamps its assets as
// transferred and drops its locks in one transaction. An entry for a
// (request, asset) pair already in the ledger is left untouched.
func (s *Storage) RecordTransfers(ctx context.Context, requestID string, transfers []*swap.OwnershipTransfer, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, t := range transfers {
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO ownership_transfers (
					id, request_id, asset_ref, asset_type, from_id, to_id,
					transfer_type, amount, chain_ref, completed_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				t.ID, t.RequestID, t.AssetRef, string(t.AssetType), t.FromID, t.ToID,
				string(t.TransferType), decimalString(t.Amount), nullString(t.ChainRef), toMillis(t.CompletedAt),
			)
			if err != nil {
				return fmt.Errorf("failed to insert transfer for %s: %w", t.AssetRef, err)
			}

			_, err = tx.ExecContext(ctx, `
				UPDATE swap_assets SET transferred_at = COALESCE(transferred_at, ?)
				WHERE request_id = ? AND asset_ref = ?
			`, toMillis(at), requestID, t.AssetRef)
			if err != nil {
				return fmt.Errorf("failed to stamp asset %s: %w", t.AssetRef, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM asset_locks WHERE request_id = ?`, requestID); err != nil {
			return fmt.Errorf("failed to release locks: %w", err)
		}
		return nil
	})
}

// ListTransfers returns a request's ledger entries.
func (s *Storage) ListTransfers(ctx context.Context, requestID string) ([]*swap.OwnershipTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, asset_ref, asset_type, from_id, to_id,
		       transfer_type, amount, chain_ref, completed_at
		FROM ownership_transfers
		WHERE request_id = ?
		ORDER BY completed_at ASC, asset_ref ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	var out []*swap.OwnershipTransfer
	for rows.Next() {
		var (
			t                       swap.OwnershipTransfer
			assetType, transferType string
			amount                  decimal.NullDecimal
			chainRef                sql.NullString
			completedAt             int64
		)
		if err := rows.Scan(
			&t.ID, &t.RequestID, &t.AssetRef, &assetType, &t.FromID, &t.ToID,
			&transferType, &amount, &chainRef, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		t.AssetType = swap.AssetType(assetType)
		t.TransferType = swap.TransferType(transferType)
		if amount.Valid {
			v := amount.Decimal
			t.Amount = &v
		}
		t.ChainRef = chainRef.String
		t.CompletedAt = fromMillis(completedAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}
