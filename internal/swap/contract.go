package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/klingon-exchange/barter/pkg/logging"
)

// ContractNegotiator materializes a request's terms into a contract and
// collects both parties' signatures over the terms hash.
type ContractNegotiator struct {
	store    ContractStore
	requests RequestStore
	notify   *notifier
	now      func() time.Time
	log      *logging.Logger
}

// Materialize stores a contract for the request's current terms. If the
// stored contract already covers identical terms it is kept with its
// signatures; otherwise it is replaced and both signatures are cleared.
func (c *ContractNegotiator) Materialize(ctx context.Context, req *SwapRequest) (*SwapContract, error) {
	snapshot, hash, err := CanonicalTerms(req)
	if err != nil {
		return nil, err
	}

	existing, err := c.store.GetContract(ctx, req.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load contract: %w", err)
	}
	if existing != nil && existing.TermsHash == hash {
		return existing, nil
	}

	contract := &SwapContract{
		RequestID:     req.ID,
		TermsHash:     hash,
		TermsVersion:  req.TermsVersion,
		TermsSnapshot: snapshot,
		CreatedAt:     c.now(),
	}
	if err := c.store.SaveContract(ctx, contract); err != nil {
		return nil, fmt.Errorf("failed to save contract: %w", err)
	}

	c.log.Debug("Contract materialized", "request_id", req.ID, "hash", hash[:16], "version", req.TermsVersion)
	return contract, nil
}

// Get returns the contract of a request.
func (c *ContractNegotiator) Get(ctx context.Context, requestID string) (*SwapContract, error) {
	return c.store.GetContract(ctx, requestID)
}

// Sign records actorID's signature. termsHash is the hash the signer signed
// over; it must equal both the stored hash and a fresh hash of the current
// terms, otherwise the call fails with ErrConflict. Re-submitting the same
// signature is a no-op.
func (c *ContractNegotiator) Sign(ctx context.Context, requestID, actorID, termsHash, signature string) (*SwapContract, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, validationf("signature is required")
	}

	req, err := c.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	side, ok := req.SideOf(actorID)
	if !ok {
		return nil, unauthorizedf("%s is not a party to swap request %s", actorID, requestID)
	}
	if req.Status != StatusAccepted {
		return nil, statef("contract can only be signed while the request is accepted, not %s", req.Status)
	}

	contract, err := c.store.GetContract(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		return nil, statef("swap request %s has no contract", requestID)
	}
	if err != nil {
		return nil, err
	}

	_, current, err := CanonicalTerms(req)
	if err != nil {
		return nil, err
	}
	if contract.TermsHash != current {
		return nil, fmt.Errorf("%w: stored contract does not match current terms", ErrStaleTerms)
	}
	if termsHash != current {
		return nil, fmt.Errorf("%w: signed hash %s is not the current terms hash", ErrStaleTerms, shortHash(termsHash))
	}

	if prev := contract.Signature(side); prev != "" {
		if prev == signature {
			return contract, nil
		}
		return nil, fmt.Errorf("%w: %s side already signed", ErrConflict, side)
	}

	now := c.now()
	if err := c.store.SetSignature(ctx, requestID, side, current, signature, now); err != nil {
		return nil, err
	}

	signed, err := c.store.GetContract(ctx, requestID)
	if err != nil {
		return nil, err
	}

	c.log.Info("Contract signed", "request_id", requestID, "side", side)
	c.notify.send(ctx, EventContractSigned, fmt.Sprintf("%s:%s:%s", requestID, current[:16], side),
		[]string{req.Counterparty(actorID)},
		NotificationData{RequestID: requestID, Status: req.Status, ActorID: actorID})

	return signed, nil
}

// IsFullySigned reports whether both signatures are present over a hash
// that still matches the request's current terms.
func (c *ContractNegotiator) IsFullySigned(ctx context.Context, req *SwapRequest) (bool, error) {
	contract, err := c.store.GetContract(ctx, req.ID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if contract.InitiatorSignature == "" || contract.TargetSignature == "" {
		return false, nil
	}

	_, current, err := CanonicalTerms(req)
	if err != nil {
		return false, err
	}
	return contract.TermsHash == current, nil
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
