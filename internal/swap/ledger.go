package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/klingon-exchange/barter/pkg/logging"
)

// TransferLedger appends ownership-transfer entries when a swap completes.
// Entries are never updated; recording a request twice leaves the first
// entries in place. A dispute refunded after completion moves the request to
// refunded and returns the escrow, but the entries stay as the record of
// what changed hands; readers pair them with the request status.
type TransferLedger struct {
	store TransferStore
	now   func() time.Time
	log   *logging.Logger
}

// Record writes one entry per asset of req, moving it from its owner to the
// counterparty, and releases the asset locks in the same transaction.
// chainRefs optionally attaches a settlement transaction hash to a side.
func (l *TransferLedger) Record(ctx context.Context, req *SwapRequest, assets []*SwapAsset, chainRefs map[Side]string) ([]*OwnershipTransfer, error) {
	if err := ValidateChainRefs(chainRefs); err != nil {
		return nil, err
	}

	now := l.now()
	kind := TransferTypeFor(req.Terms.Mode)
	transfers := make([]*OwnershipTransfer, 0, len(assets))
	for _, a := range assets {
		to := req.Counterparty(a.OwnerID)
		if to == "" {
			return nil, fmt.Errorf("asset %s owner %s is not a party to %s", a.AssetRef, a.OwnerID, req.ID)
		}
		transfers = append(transfers, &OwnershipTransfer{
			ID:           uuid.New().String(),
			RequestID:    req.ID,
			AssetRef:     a.AssetRef,
			AssetType:    a.AssetType,
			FromID:       a.OwnerID,
			ToID:         to,
			TransferType: kind,
			Amount:       a.Value,
			ChainRef:     chainRefs[a.Side],
			CompletedAt:  now,
		})
	}

	if err := l.store.RecordTransfers(ctx, req.ID, transfers, now); err != nil {
		return nil, fmt.Errorf("failed to record ownership transfers: %w", err)
	}

	recorded, err := l.store.ListTransfers(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	l.log.Info("Ownership transferred", "request_id", req.ID, "entries", len(recorded), "type", kind)
	return recorded, nil
}

// List returns the ledger entries of a request.
func (l *TransferLedger) List(ctx context.Context, requestID string) ([]*OwnershipTransfer, error) {
	return l.store.ListTransfers(ctx, requestID)
}

// ValidateChainRefs checks that every reference is a 0x-prefixed 32-byte
// transaction hash on a known side.
func ValidateChainRefs(refs map[Side]string) error {
	for side, ref := range refs {
		if side != SideOffering && side != SideRequesting {
			return validationf("unknown side %q for chain reference", side)
		}
		if ref == "" {
			continue
		}
		b, err := hexutil.Decode(ref)
		if err != nil {
			return validationf("%s chain reference: %v", side, err)
		}
		if len(b) != 32 {
			return validationf("%s chain reference must be 32 bytes, got %d", side, len(b))
		}
	}
	return nil
}
