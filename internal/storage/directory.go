package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klingon-exchange/barter/internal/swap"
)

// The profile and listing tables are read models fed by the marketplace.
// The engine only reads them; Put methods exist for the feed and tests.

// PutProfile inserts or replaces a profile.
func (s *Storage) PutProfile(ctx context.Context, p *swap.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, reputation, verified, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			reputation = excluded.reputation,
			verified = excluded.verified,
			updated_at = excluded.updated_at
	`, p.UserID, p.Reputation, boolToInt(p.Verified), toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// GetProfile retrieves a profile by user ID.
func (s *Storage) GetProfile(ctx context.Context, userID string) (*swap.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p swap.Profile
	var verified int
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, reputation, verified FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Reputation, &verified)
	if err == sql.ErrNoRows {
		return nil, notFound("profile", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p.Verified = verified == 1
	return &p, nil
}

// PutListing inserts or replaces a listing's swap settings.
func (s *Storage) PutListing(ctx context.Context, l *swap.Listing) error {
	swapTypes, err := json.Marshal(l.AcceptedSwapTypes)
	if err != nil {
		return err
	}
	assetTypes, err := json.Marshal(l.AcceptedAssetTypes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO listings (
			id, owner_id, swap_enabled, accepted_swap_types, accepted_asset_types,
			minimum_reputation, require_verified, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			swap_enabled = excluded.swap_enabled,
			accepted_swap_types = excluded.accepted_swap_types,
			accepted_asset_types = excluded.accepted_asset_types,
			minimum_reputation = excluded.minimum_reputation,
			require_verified = excluded.require_verified,
			updated_at = excluded.updated_at
	`,
		l.ID, l.OwnerID, boolToInt(l.SwapEnabled), string(swapTypes), string(assetTypes),
		l.MinimumReputation, boolToInt(l.RequireVerified), toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save listing: %w", err)
	}
	return nil
}

// GetListing retrieves a listing's swap settings.
func (s *Storage) GetListing(ctx context.Context, listingID string) (*swap.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		l                     swap.Listing
		swapEnabled, verified int
		swapTypes, assetTypes sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, swap_enabled, accepted_swap_types, accepted_asset_types,
		       minimum_reputation, require_verified
		FROM listings
		WHERE id = ?
	`, listingID).Scan(
		&l.ID, &l.OwnerID, &swapEnabled, &swapTypes, &assetTypes,
		&l.MinimumReputation, &verified,
	)
	if err == sql.ErrNoRows {
		return nil, notFound("listing", listingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}

	if swapTypes.Valid && swapTypes.String != "" {
		if err := json.Unmarshal([]byte(swapTypes.String), &l.AcceptedSwapTypes); err != nil {
			return nil, fmt.Errorf("failed to decode accepted swap types: %w", err)
		}
	}
	if assetTypes.Valid && assetTypes.String != "" {
		if err := json.Unmarshal([]byte(assetTypes.String), &l.AcceptedAssetTypes); err != nil {
			return nil, fmt.Errorf("failed to decode accepted asset types: %w", err)
		}
	}
	l.SwapEnabled = swapEnabled == 1
	l.RequireVerified = verified == 1
	return &l, nil
}
