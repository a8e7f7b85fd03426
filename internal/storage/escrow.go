package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/barter/internal/swap"
)

// SaveHold inserts or updates an escrow hold keyed by (request, attempt).
func (s *Storage) SaveHold(ctx context.Context, h *swap.EscrowHold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_holds (
			request_id, attempt, terms_version, payer_id, payee_id, amount,
			gateway_ref, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id, attempt) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`,
		h.RequestID, h.Attempt, h.TermsVersion, h.PayerID, h.PayeeID, h.Amount.String(),
		h.GatewayRef, string(h.Status), toMillis(h.CreatedAt), toMillis(h.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save escrow hold: %w", err)
	}
	return nil
}

// GetHold returns the latest escrow hold of a request.
func (s *Storage) GetHold(ctx context.Context, requestID string) (*swap.EscrowHold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		h                    swap.EscrowHold
		amount, status       string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, attempt, terms_version, payer_id, payee_id, amount,
		       gateway_ref, status, created_at, updated_at
		FROM escrow_holds
		WHERE request_id = ?
		ORDER BY attempt DESC
		LIMIT 1
	`, requestID).Scan(
		&h.RequestID, &h.Attempt, &h.TermsVersion, &h.PayerID, &h.PayeeID, &amount,
		&h.GatewayRef, &status, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, notFound("escrow hold for swap request", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get escrow hold: %w", err)
	}

	h.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow amount %q: %w", amount, err)
	}
	h.Status = swap.EscrowStatus(status)
	h.CreatedAt = fromMillis(createdAt)
	h.UpdatedAt = fromMillis(updatedAt)
	return &h, nil
}
