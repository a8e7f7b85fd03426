package swap_test

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/barter/internal/payment"
	"github.com/klingon-exchange/barter/internal/swap"
)

func TestTalentForHostingEndToEnd(t *testing.T) {
	h := newHarness(t)

	req := h.propose(t, "alice", talentForHosting())
	require.Equal(t, swap.StatusPending, req.Status)
	require.Equal(t, 1, req.TermsVersion)
	require.True(t, req.ExpiresAt.Equal(epoch.Add(swap.DefaultProposalTTL)))
	require.Equal(t, req.ID, h.holder(t, "talent-alice-logo"))
	require.Empty(t, h.holder(t, "hosting-bob-3m"))
	require.Equal(t, 1, h.notes.count("swap_proposed:"+req.ID))

	req, err := h.m.Respond(h.ctx, req.ID, "bob", swap.ActionAccept)
	require.NoError(t, err)
	require.Equal(t, swap.StatusAccepted, req.Status)
	require.NotNil(t, req.AcceptedAt)

	assets, err := h.m.Assets(h.ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	for _, a := range assets {
		require.True(t, a.Locked, "asset %s should be locked", a.AssetRef)
	}

	contract := h.signBoth(t, req.ID)
	require.Equal(t, "sig-alice", contract.InitiatorSignature)
	require.Equal(t, "sig-bob", contract.TargetSignature)
	require.Len(t, h.notes.events(swap.EventContractSigned), 2)

	h.clock.Advance(3 * 24 * time.Hour)
	done, transfers, err := h.m.Complete(h.ctx, req.ID, "bob", swap.CompleteParams{})
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	require.Len(t, transfers, 2)
	byRef := map[string]*swap.OwnershipTransfer{}
	for _, tr := range transfers {
		require.Equal(t, swap.TransferSwap, tr.TransferType)
		byRef[tr.AssetRef] = tr
	}
	require.Equal(t, "alice", byRef["talent-alice-logo"].FromID)
	require.Equal(t, "bob", byRef["talent-alice-logo"].ToID)
	require.Equal(t, "bob", byRef["hosting-bob-3m"].FromID)
	require.Equal(t, "alice", byRef["hosting-bob-3m"].ToID)
	require.True(t, byRef["talent-alice-logo"].Amount.Equal(*talentForHosting().Offering.Value))

	require.Empty(t, h.holder(t, "talent-alice-logo"))
	require.Empty(t, h.holder(t, "hosting-bob-3m"))
	require.Equal(t, 1, h.notes.count("swap_completed:"+req.ID))

	// Completing twice is a state error and adds no ledger rows.
	_, _, err = h.m.Complete(h.ctx, req.ID, "bob", swap.CompleteParams{})
	require.ErrorIs(t, err, swap.ErrState)
	stored, err := h.m.Transfers(h.ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

func TestProposeBelowMinimumReputation(t *testing.T) {
	h := newHarness(t)

	_, err := h.m.Propose(h.ctx, swap.ProposeParams{
		InitiatorID: "carol",
		TargetID:    "bob",
		ListingID:   hostingListing,
		Terms:       talentForHosting(),
	})
	require.ErrorIs(t, err, swap.ErrValidation)
	require.Equal(t, swap.KindValidation, swap.KindOf(err))

	list, err := h.m.List(h.ctx, swap.RequestFilter{UserID: "carol"})
	require.NoError(t, err)
	require.Empty(t, list)
	require.Empty(t, h.holder(t, "talent-alice-logo"))
	require.Empty(t, h.notes.events(swap.EventSwapProposed))
}

func TestProposeValidation(t *testing.T) {
	h := newHarness(t)
	past := epoch.Add(-time.Minute)

	unlisted := talentForHosting()
	unlisted.Offering.Type = swap.AssetIdea
	unlisted.Offering.Details = &swap.IdeaDetails{Category: "branding"}

	equity := talentForHosting()
	equity.Mode = swap.ModeEquityBased

	tests := []struct {
		name   string
		params swap.ProposeParams
		kind   swap.Kind
	}{
		{"self swap", swap.ProposeParams{InitiatorID: "bob", TargetID: "bob", Terms: talentForHosting()}, swap.KindValidation},
		{"missing target", swap.ProposeParams{InitiatorID: "alice", Terms: talentForHosting()}, swap.KindValidation},
		{"expiry in the past", swap.ProposeParams{InitiatorID: "alice", TargetID: "bob", Terms: talentForHosting(), ExpiresAt: &past}, swap.KindValidation},
		{"unknown target", swap.ProposeParams{InitiatorID: "alice", TargetID: "zed", Terms: talentForHosting()}, swap.KindNotFound},
		{"asset type not accepted", swap.ProposeParams{InitiatorID: "alice", TargetID: "bob", ListingID: hostingListing, Terms: unlisted}, swap.KindValidation},
		{"mode rules", swap.ProposeParams{InitiatorID: "alice", TargetID: "bob", Terms: equity}, swap.KindValidation},
		{"listing of someone else", swap.ProposeParams{InitiatorID: "bob", TargetID: "alice", ListingID: hostingListing, Terms: talentForHosting()}, swap.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.m.Propose(h.ctx, tt.params)
			require.Error(t, err)
			require.Equal(t, tt.kind, swap.KindOf(err), "error: %v", err)
		})
	}

	list, err := h.m.List(h.ctx, swap.RequestFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestConcurrentProposalsLockOfferedAssetOnce(t *testing.T) {
	h := newHarness(t)

	const contenders = 12
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.m.Propose(h.ctx, swap.ProposeParams{
				InitiatorID: "alice",
				TargetID:    "bob",
				Terms:       talentForHosting(),
			})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		require.ErrorIs(t, err, swap.ErrAssetLocked)
		require.Equal(t, swap.KindConflict, swap.KindOf(err))
	}
	require.Equal(t, 1, won)

	list, err := h.m.List(h.ctx, swap.RequestFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, list[0].ID, h.holder(t, "talent-alice-logo"))
}

func TestConcurrentAcceptsContendForRequestedAsset(t *testing.T) {
	h := newHarness(t)

	fromAlice := h.propose(t, "alice", talentForHosting())
	daveTerms := talentForHosting()
	daveTerms.Offering.AssetID = "talent-dave-illustration"
	fromDave := h.propose(t, "dave", daveTerms)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{fromAlice.ID, fromDave.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = h.m.Respond(h.ctx, id, "bob", swap.ActionAccept)
		}(i, id)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			require.ErrorIs(t, err, swap.ErrAssetLocked)
		}
	}
	require.Equal(t, 1, failed)

	winner := h.holder(t, "hosting-bob-3m")
	require.Contains(t, []string{fromAlice.ID, fromDave.ID}, winner)

	for _, id := range []string{fromAlice.ID, fromDave.ID} {
		req, err := h.m.Get(h.ctx, id)
		require.NoError(t, err)
		if id == winner {
			require.Equal(t, swap.StatusAccepted, req.Status)
		} else {
			require.Equal(t, swap.StatusPending, req.Status)
		}
	}
}

func TestEscrowFailureLeavesRequestPending(t *testing.T) {
	h := newHarness(t)
	req := h.propose(t, "alice", withEscrow(talentForHosting(), 100))

	h.gw.FailNext(payment.OpAuthorize, errors.New("card declined"))
	_, err := h.m.Respond(h.ctx, req.ID, "bob", swap.ActionAccept)
	require.ErrorIs(t, err, swap.ErrPayment)
	require.Equal(t, swap.KindPayment, swap.KindOf(err))

	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusPending, stored.Status)
	require.Nil(t, stored.AcceptedAt)
	require.Empty(t, h.holder(t, "hosting-bob-3m"))
	require.Equal(t, req.ID, h.holder(t, "talent-alice-logo"))

	_, err = h.m.Contracts().Get(h.ctx, req.ID)
	require.ErrorIs(t, err, swap.ErrNotFound)
	_, err = h.m.Escrow().Get(h.ctx, req.ID)
	require.ErrorIs(t, err, swap.ErrNotFound)
	require.Empty(t, h.notes.events(swap.EventSwapAccepted))

	// The gateway recovers and the same request can be accepted.
	accepted, err := h.m.Respond(h.ctx, req.ID, "bob", swap.ActionAccept)
	require.NoError(t, err)
	require.Equal(t, swap.StatusAccepted, accepted.Status)
	require.Equal(t, swap.EscrowHeld, h.hold(t, req.ID).Status)
	require.Equal(t, 1, h.gw.Authorizations())
}

func TestEscrowHoldUsesVersionedIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	req := h.accepted(t, withEscrow(talentForHosting(), 100))

	hold := h.hold(t, req.ID)
	auth, ok := h.gw.Authorization(hold.GatewayRef)
	require.True(t, ok)
	require.Equal(t, req.ID+"/v1/1", auth.Request.IdempotencyKey)
	require.Equal(t, "alice", auth.Request.PayerID)
	require.Equal(t, "bob", auth.Request.PayeeID)
	require.True(t, auth.Request.Amount.Equal(hold.Amount))
}

func TestRespondRules(t *testing.T) {
	h := newHarness(t)
	req := h.propose(t, "alice", talentForHosting())

	_, err := h.m.Respond(h.ctx, req.ID, "alice", swap.ActionAccept)
	require.ErrorIs(t, err, swap.ErrAuthorization)

	_, err = h.m.Respond(h.ctx, req.ID, "bob", swap.Action("maybe"))
	require.ErrorIs(t, err, swap.ErrValidation)

	_, err = h.m.Respond(h.ctx, "missing", "bob", swap.ActionAccept)
	require.ErrorIs(t, err, swap.ErrNotFound)

	rejected, err := h.m.Respond(h.ctx, req.ID, "bob", swap.ActionReject)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRejected, rejected.Status)
	require.Empty(t, h.holder(t, "talent-alice-logo"))
	require.Equal(t, 1, h.notes.count("swap_rejected:"+req.ID))

	_, err = h.m.Respond(h.ctx, req.ID, "bob", swap.ActionAccept)
	require.ErrorIs(t, err, swap.ErrState)
}

func TestRespondAfterExpiryBeforeSweep(t *testing.T) {
	h := newHarness(t)
	expires := epoch.Add(time.Hour)
	req, err := h.m.Propose(h.ctx, swap.ProposeParams{
		InitiatorID: "alice",
		TargetID:    "bob",
		Terms:       talentForHosting(),
		ExpiresAt:   &expires,
	})
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	_, err = h.m.Respond(h.ctx, req.ID, "bob", swap.ActionAccept)
	require.ErrorIs(t, err, swap.ErrState)
}

func TestCounterOfferCannotRescueExpiredRequest(t *testing.T) {
	h := newHarness(t)
	expires := epoch.Add(time.Hour)
	req, err := h.m.Propose(h.ctx, swap.ProposeParams{
		InitiatorID: "alice",
		TargetID:    "bob",
		Terms:       talentForHosting(),
		ExpiresAt:   &expires,
	})
	require.NoError(t, err)

	counterExpiry := epoch.Add(48 * time.Hour)
	co, err := h.m.CounterOffers().Propose(h.ctx, req.ID, "bob", talentForHosting(), &counterExpiry)
	require.NoError(t, err)

	now := h.clock.Advance(2 * time.Hour)
	_, err = h.m.CounterOffers().Accept(h.ctx, co.ID, "alice")
	require.ErrorIs(t, err, swap.ErrState)
	_, err = h.m.CounterOffers().Propose(h.ctx, req.ID, "alice", talentForHosting(), nil)
	require.ErrorIs(t, err, swap.ErrState)

	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusPending, stored.Status)
	require.Equal(t, 1, stored.TermsVersion)

	res, err := h.m.SweepExpired(h.ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, res.Expired)
	stored, err = h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusExpired, stored.Status)
}

func TestCancelAcceptedRefundsEscrow(t *testing.T) {
	h := newHarness(t)
	req := h.accepted(t, withEscrow(talentForHosting(), 100))
	ref := h.hold(t, req.ID).GatewayRef

	_, err := h.m.Cancel(h.ctx, req.ID, "carol")
	require.ErrorIs(t, err, swap.ErrAuthorization)

	cancelled, err := h.m.Cancel(h.ctx, req.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, swap.StatusCancelled, cancelled.Status)
	require.Equal(t, swap.EscrowRefunded, h.hold(t, req.ID).Status)
	auth, _ := h.gw.Authorization(ref)
	require.Equal(t, payment.AuthRefunded, auth.Status)
	require.Empty(t, h.holder(t, "talent-alice-logo"))
	require.Empty(t, h.holder(t, "hosting-bob-3m"))
	require.Equal(t, 1, h.notes.count("swap_cancelled:"+req.ID))

	_, err = h.m.Cancel(h.ctx, req.ID, "alice")
	require.ErrorIs(t, err, swap.ErrState)
}

func TestCancelKeepsStatusWhenRefundFails(t *testing.T) {
	h := newHarness(t)
	req := h.accepted(t, withEscrow(talentForHosting(), 100))

	h.gw.FailNext(payment.OpRefund, errors.New("gateway timeout"))
	_, err := h.m.Cancel(h.ctx, req.ID, "bob")
	require.ErrorIs(t, err, swap.ErrPayment)

	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusAccepted, stored.Status)
	require.Equal(t, swap.EscrowHeld, h.hold(t, req.ID).Status)
	require.Equal(t, req.ID, h.holder(t, "hosting-bob-3m"))
}

func TestCompleteRequiresBothSignatures(t *testing.T) {
	h := newHarness(t)
	req := h.accepted(t, talentForHosting())

	c, err := h.m.Contracts().Get(h.ctx, req.ID)
	require.NoError(t, err)
	_, err = h.m.Sign(h.ctx, req.ID, "alice", c.TermsHash, "sig-alice")
	require.NoError(t, err)

	_, _, err = h.m.Complete(h.ctx, req.ID, "alice", swap.CompleteParams{})
	require.ErrorIs(t, err, swap.ErrState)

	_, err = h.m.Sign(h.ctx, req.ID, "carol", c.TermsHash, "sig-carol")
	require.ErrorIs(t, err, swap.ErrAuthorization)

	// Re-submitting the same signature is a no-op; a different one conflicts.
	_, err = h.m.Sign(h.ctx, req.ID, "alice", c.TermsHash, "sig-alice")
	require.NoError(t, err)
	_, err = h.m.Sign(h.ctx, req.ID, "alice", c.TermsHash, "sig-other")
	require.ErrorIs(t, err, swap.ErrConflict)

	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusAccepted, stored.Status)
}

func TestCompleteCapturesEscrowAndRecordsChainRefs(t *testing.T) {
	h := newHarness(t)
	req := h.accepted(t, withEscrow(talentForHosting(), 100))
	h.signBoth(t, req.ID)

	_, _, err := h.m.Complete(h.ctx, req.ID, "alice", swap.CompleteParams{
		ChainRefs: map[swap.Side]string{swap.SideOffering: "0x1234"},
	})
	require.ErrorIs(t, err, swap.ErrValidation)

	txHash := "0xab" + strings.Repeat("0", 62)
	done, transfers, err := h.m.Complete(h.ctx, req.ID, "alice", swap.CompleteParams{
		ChainRefs: map[swap.Side]string{swap.SideRequesting: txHash},
	})
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleted, done.Status)

	hold := h.hold(t, req.ID)
	require.Equal(t, swap.EscrowReleased, hold.Status)
	auth, _ := h.gw.Authorization(hold.GatewayRef)
	require.Equal(t, payment.AuthCaptured, auth.Status)

	for _, tr := range transfers {
		if tr.AssetRef == "hosting-bob-3m" {
			require.Equal(t, txHash, tr.ChainRef)
		} else {
			require.Empty(t, tr.ChainRef)
		}
	}
}

func TestCompleteKeepsStatusWhenCaptureFails(t *testing.T) {
	h := newHarness(t)
	req := h.accepted(t, withEscrow(talentForHosting(), 100))
	h.signBoth(t, req.ID)

	h.gw.FailNext(payment.OpCapture, errors.New("processor unavailable"))
	_, _, err := h.m.Complete(h.ctx, req.ID, "alice", swap.CompleteParams{})
	require.ErrorIs(t, err, swap.ErrPayment)

	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusAccepted, stored.Status)
	transfers, err := h.m.Transfers(h.ctx, req.ID)
	require.NoError(t, err)
	require.Empty(t, transfers)

	done, _, err := h.m.Complete(h.ctx, req.ID, "alice", swap.CompleteParams{})
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleted, done.Status)
}

func TestGatewayCallsPrecedeStatusWrites(t *testing.T) {
	h := newHarness(t)
	status := func(id string) swap.Status {
		req, err := h.m.Get(h.ctx, id)
		require.NoError(t, err)
		return req.Status
	}

	completing := h.accepted(t, withEscrow(talentForHosting(), 100))
	h.signBoth(t, completing.ID)

	other := talentForHosting()
	other.Offering.AssetID = "talent-dave-illustration"
	other.Requesting.AssetID = "hosting-bob-6m"
	cancelling, err := h.m.Propose(h.ctx, swap.ProposeParams{
		InitiatorID: "dave",
		TargetID:    "bob",
		ListingID:   hostingListing,
		Terms:       withEscrow(other, 50),
	})
	require.NoError(t, err)
	_, err = h.m.Respond(h.ctx, cancelling.ID, "bob", swap.ActionAccept)
	require.NoError(t, err)

	var atCapture, atRefund swap.Status
	gw := &hookedGateway{
		Sandbox:       h.gw,
		beforeCapture: func() { atCapture = status(completing.ID) },
		beforeRefund:  func() { atRefund = status(cancelling.ID) },
	}
	m := h.manager(t, gw)

	done, _, err := m.Complete(h.ctx, completing.ID, "alice", swap.CompleteParams{})
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleted, done.Status)
	require.Equal(t, swap.StatusAccepted, atCapture)

	cancelled, err := m.Cancel(h.ctx, cancelling.ID, "dave")
	require.NoError(t, err)
	require.Equal(t, swap.StatusCancelled, cancelled.Status)
	require.Equal(t, swap.StatusAccepted, atRefund)
}

func TestFailedCaptureDuringConcurrentDispute(t *testing.T) {
	h := newHarness(t)
	req := h.accepted(t, withEscrow(talentForHosting(), 100))
	h.signBoth(t, req.ID)

	// Another instance opens a dispute while this one is capturing.
	var disputeID string
	gw := &hookedGateway{
		Sandbox: h.gw,
		beforeCapture: func() {
			d, err := h.m.RaiseDispute(h.ctx, req.ID, "bob", swap.DisputeReason{Code: swap.DisputeNonPayment})
			require.NoError(t, err)
			disputeID = d.ID
		},
	}
	m := h.manager(t, gw)

	h.gw.FailNext(payment.OpCapture, errors.New("processor unavailable"))
	_, _, err := m.Complete(h.ctx, req.ID, "alice", swap.CompleteParams{})
	require.ErrorIs(t, err, swap.ErrPayment)

	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusDisputed, stored.Status)
	require.Equal(t, swap.EscrowHeld, h.hold(t, req.ID).Status)
	transfers, err := h.m.Transfers(h.ctx, req.ID)
	require.NoError(t, err)
	require.Empty(t, transfers)

	_, err = h.m.Disputes().Resolve(h.ctx, disputeID, "moderator-1", swap.ResolutionRefunded)
	require.NoError(t, err)
	stored, err = h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRefunded, stored.Status)
	require.Equal(t, swap.EscrowRefunded, h.hold(t, req.ID).Status)
}

func TestSweepExpiredIsIdempotent(t *testing.T) {
	h := newHarness(t)
	expires := epoch.Add(time.Hour)
	req, err := h.m.Propose(h.ctx, swap.ProposeParams{
		InitiatorID: "alice",
		TargetID:    "bob",
		Terms:       talentForHosting(),
		ExpiresAt:   &expires,
	})
	require.NoError(t, err)
	live := h.propose(t, "dave", func() swap.Terms {
		terms := talentForHosting()
		terms.Offering.AssetID = "talent-dave-illustration"
		return terms
	}())

	res, err := h.m.SweepExpired(h.ctx, epoch.Add(30*time.Minute))
	require.NoError(t, err)
	require.Zero(t, res.Expired)

	now := h.clock.Advance(2 * time.Hour)
	res, err = h.m.SweepExpired(h.ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, res.Expired)
	require.Zero(t, res.Failed)

	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusExpired, stored.Status)
	require.Empty(t, h.holder(t, "talent-alice-logo"))
	require.Equal(t, live.ID, h.holder(t, "talent-dave-illustration"))

	res, err = h.m.SweepExpired(h.ctx, now)
	require.NoError(t, err)
	require.Zero(t, res.Expired)
	require.Equal(t, 1, h.notes.count("swap_expired:"+req.ID))
}

func TestSweepReleasesOrphanedLocks(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.store.AcquireLock(h.ctx, "nft:ethereum:0xabc:1", "never-stored", epoch))

	res, err := h.m.SweepExpired(h.ctx, epoch.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, res.LocksReleased)

	res, err = h.m.SweepExpired(h.ctx, epoch.Add(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, res.LocksReleased)
	require.Empty(t, h.holder(t, "nft:ethereum:0xabc:1"))
}

func TestListValidatesStatus(t *testing.T) {
	h := newHarness(t)
	h.propose(t, "alice", talentForHosting())

	_, err := h.m.List(h.ctx, swap.RequestFilter{Status: "bogus"})
	require.ErrorIs(t, err, swap.ErrValidation)

	list, err := h.m.List(h.ctx, swap.RequestFilter{UserID: "bob", Status: swap.StatusPending})
	require.NoError(t, err)
	require.Len(t, list, 1)
}
