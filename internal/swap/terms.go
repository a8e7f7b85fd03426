package swap

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// Terms is the negotiable part of a swap request. Counter-offers carry a
// full replacement Terms.
type Terms struct {
	Mode            Mode             `json:"mode"`
	Offering        AssetDescriptor  `json:"offering"`
	Requesting      AssetDescriptor  `json:"requesting"`
	PriceDifference *decimal.Decimal `json:"price_difference,omitempty"`
	ContractDays    int              `json:"contract_days,omitempty"`
	EscrowRequired  bool             `json:"escrow_required"`
	EscrowAmount    decimal.Decimal  `json:"escrow_amount"`
}

// Descriptor returns the descriptor for a side.
func (t *Terms) Descriptor(side Side) AssetDescriptor {
	if side == SideOffering {
		return t.Offering
	}
	return t.Requesting
}

// Validate checks the terms on their own, without listing or identity data.
func (t *Terms) Validate() error {
	if !t.Mode.Valid() {
		return validationf("unknown swap mode %q", t.Mode)
	}
	if err := t.Offering.Validate(); err != nil {
		return fmt.Errorf("offering: %w", err)
	}
	if err := t.Requesting.Validate(); err != nil {
		return fmt.Errorf("requesting: %w", err)
	}
	if t.Offering.AssetID != "" && t.Offering.AssetID == t.Requesting.AssetID {
		return validationf("offering and requesting name the same asset %s", t.Offering.AssetID)
	}
	if t.ContractDays < 0 {
		return validationf("contract days must not be negative")
	}

	switch t.Mode {
	case ModeValueDifference:
		if t.PriceDifference == nil || t.PriceDifference.IsZero() {
			return validationf("value_difference swaps need a non-zero price difference")
		}
	case ModeContractBased, ModeTimeBased:
		if t.ContractDays == 0 {
			return validationf("%s swaps need a contract duration", t.Mode)
		}
	case ModeEquityBased:
		if t.Offering.Type != AssetEquity && t.Requesting.Type != AssetEquity {
			return validationf("equity_based swaps need an equity asset on one side")
		}
	case ModeLicenseBased:
		if t.Offering.Type != AssetLicense && t.Requesting.Type != AssetLicense {
			return validationf("license_based swaps need a license asset on one side")
		}
	}

	if t.EscrowRequired {
		if !t.EscrowAmount.IsPositive() {
			return validationf("escrow amount must be positive when escrow is required")
		}
	} else if !t.EscrowAmount.IsZero() {
		return validationf("escrow amount given without escrow_required")
	}
	return nil
}

// canonicalContract is the hashed form of a request's terms. Field order is
// fixed by the struct, decimals marshal in normalized form.
type canonicalContract struct {
	RequestID   string `json:"request_id"`
	InitiatorID string `json:"initiator_id"`
	TargetID    string `json:"target_id"`
	Terms       Terms  `json:"terms"`
}

// CanonicalTerms returns the canonical JSON and its BLAKE2b-256 hex digest
// for the request's current terms.
func CanonicalTerms(req *SwapRequest) ([]byte, string, error) {
	data, err := json.Marshal(canonicalContract{
		RequestID:   req.ID,
		InitiatorID: req.InitiatorID,
		TargetID:    req.TargetID,
		Terms:       req.Terms,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode terms: %w", err)
	}
	sum := blake2b.Sum256(data)
	return data, hex.EncodeToString(sum[:]), nil
}
