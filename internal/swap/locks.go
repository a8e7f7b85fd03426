package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/barter/pkg/logging"
)

// LockRegistry guarantees a concrete asset is committed to at most one live
// swap request at a time.
type LockRegistry struct {
	store LockStore
	now   func() time.Time
	log   *logging.Logger
}

// NewLockRegistry creates a lock registry over store.
func NewLockRegistry(store LockStore, now func() time.Time) *LockRegistry {
	if now == nil {
		now = time.Now
	}
	return &LockRegistry{
		store: store,
		now:   now,
		log:   logging.GetDefault().Component("locks"),
	}
}

// TryLock locks assetRef for requestID. Locking an asset the request already
// holds succeeds. Contention returns an error wrapping ErrConflict.
func (r *LockRegistry) TryLock(ctx context.Context, assetRef, requestID string) error {
	err := r.store.AcquireLock(ctx, assetRef, requestID, r.now())
	if errors.Is(err, ErrAssetLocked) {
		return fmt.Errorf("%w: %s", ErrAssetLocked, assetRef)
	}
	if err != nil {
		return fmt.Errorf("failed to lock asset %s: %w", assetRef, err)
	}
	return nil
}

// Unlock releases requestID's lock on assetRef. Releasing a lock that is not
// held is a no-op.
func (r *LockRegistry) Unlock(ctx context.Context, assetRef, requestID string) error {
	if err := r.store.ReleaseLock(ctx, assetRef, requestID); err != nil {
		return fmt.Errorf("failed to unlock asset %s: %w", assetRef, err)
	}
	return nil
}

// Holder returns the request holding assetRef, or "" when it is free.
func (r *LockRegistry) Holder(ctx context.Context, assetRef string) (string, error) {
	return r.store.LockHolder(ctx, assetRef)
}

// releaseAll unlocks every asset of a request. Failures are logged; the
// expiry sweep reconciles locks left behind by terminal requests.
func (r *LockRegistry) releaseAll(ctx context.Context, requestID string, assets []*SwapAsset) {
	for _, a := range assets {
		if err := r.Unlock(ctx, a.AssetRef, requestID); err != nil {
			r.log.Warn("Failed to release asset lock", "request_id", requestID, "asset", a.AssetRef, "error", err)
		}
	}
}

// orphanGrace is how long a lock may exist without its request before the
// sweep treats it as left behind by a failed proposal.
const orphanGrace = 5 * time.Minute

// releaseStale drops locks held by terminal or missing requests and returns
// how many were released.
func (r *LockRegistry) releaseStale(ctx context.Context, now time.Time, limit int) (int, error) {
	stale, err := r.store.ListStaleLocks(ctx, now.Add(-orphanGrace), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale locks: %w", err)
	}
	released := 0
	for _, l := range stale {
		if err := r.Unlock(ctx, l.AssetRef, l.RequestID); err != nil {
			r.log.Warn("Failed to release stale lock", "asset", l.AssetRef, "request_id", l.RequestID, "error", err)
			continue
		}
		released++
	}
	return released, nil
}
