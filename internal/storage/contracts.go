package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/klingon-exchange/barter/internal/swap"
)

// SaveContract inserts or replaces a request's contract. Replacing clears
// both signatures.
func (s *Storage) SaveContract(ctx context.Context, c *swap.SwapContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swap_contracts (
			request_id, terms_hash, terms_version, terms_snapshot,
			initiator_signature, initiator_signed_at, target_signature, target_signed_at, created_at
		) VALUES (?, ?, ?, ?, NULL, NULL, NULL, NULL, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			terms_hash = excluded.terms_hash,
			terms_version = excluded.terms_version,
			terms_snapshot = excluded.terms_snapshot,
			initiator_signature = NULL,
			initiator_signed_at = NULL,
			target_signature = NULL,
			target_signed_at = NULL,
			created_at = excluded.created_at
	`, c.RequestID, c.TermsHash, c.TermsVersion, c.TermsSnapshot, toMillis(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save contract: %w", err)
	}
	return nil
}

// GetContract retrieves the contract of a request.
func (s *Storage) GetContract(ctx context.Context, requestID string) (*swap.SwapContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c                             swap.SwapContract
		initiatorSig, targetSig       sql.NullString
		initiatorSigned, targetSigned sql.NullInt64
		createdAt                     int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, terms_hash, terms_version, terms_snapshot,
		       initiator_signature, initiator_signed_at, target_signature, target_signed_at, created_at
		FROM swap_contracts
		WHERE request_id = ?
	`, requestID).Scan(
		&c.RequestID, &c.TermsHash, &c.TermsVersion, &c.TermsSnapshot,
		&initiatorSig, &initiatorSigned, &targetSig, &targetSigned, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, notFound("contract for swap request", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contract: %w", err)
	}

	c.InitiatorSignature = initiatorSig.String
	c.InitiatorSignedAt = timePtr(initiatorSigned)
	c.TargetSignature = targetSig.String
	c.TargetSignedAt = timePtr(targetSigned)
	c.CreatedAt = fromMillis(createdAt)
	return &c, nil
}

// SetSignature writes one side's signature if the stored hash is still
// termsHash and the slot is empty.
func (s *Storage) SetSignature(ctx context.Context, requestID string, side swap.Side, termsHash, signature string, at time.Time) error {
	sigCol, atCol := "initiator_signature", "initiator_signed_at"
	if side == swap.SideRequesting {
		sigCol, atCol = "target_signature", "target_signed_at"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE swap_contracts
		SET `+sigCol+` = ?, `+atCol+` = ?
		WHERE request_id = ? AND terms_hash = ? AND `+sigCol+` IS NULL
	`, signature, toMillis(at), requestID, termsHash)
	if err != nil {
		return fmt.Errorf("failed to store signature: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: contract of %s changed or %s side already signed", swap.ErrStaleTerms, requestID, side)
	}
	return nil
}
