package swap_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/barter/internal/payment"
	"github.com/klingon-exchange/barter/internal/swap"
)

var notDelivered = swap.DisputeReason{
	Code:     swap.DisputeNotDelivered,
	Details:  "hosting account was never provisioned",
	Evidence: []string{"ipfs://bafy-support-ticket"},
}

func TestDisputeOnCompletedSwapRefunds(t *testing.T) {
	h := newHarness(t)
	req, transfers := h.completed(t, withEscrow(talentForHosting(), 100))
	require.Len(t, transfers, 2)
	ref := h.hold(t, req.ID).GatewayRef

	h.clock.Advance(24 * time.Hour)
	d, err := h.m.RaiseDispute(h.ctx, req.ID, "alice", notDelivered)
	require.NoError(t, err)
	require.Equal(t, swap.DisputeOpen, d.Status)
	require.Equal(t, swap.StatusCompleted, d.PriorStatus)
	require.Equal(t, "bob", d.DisputedID)
	require.True(t, d.Deadline.Equal(h.clock.Now().Add(swap.DefaultDisputeGrace)))

	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusDisputed, stored.Status)
	require.Equal(t, 1, h.notes.count("swap_disputed:"+d.ID))

	_, err = h.m.Disputes().Resolve(h.ctx, d.ID, "bob", swap.ResolutionCompleted)
	require.ErrorIs(t, err, swap.ErrAuthorization)

	resolved, err := h.m.Disputes().Resolve(h.ctx, d.ID, "moderator-1", swap.ResolutionRefunded)
	require.NoError(t, err)
	require.Equal(t, swap.DisputeResolved, resolved.Status)
	require.Equal(t, swap.ResolutionRefunded, resolved.Resolution)
	require.Equal(t, "moderator-1", resolved.ResolverID)
	require.True(t, resolved.Settled)

	stored, err = h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRefunded, stored.Status)

	// Ledger rows of the completed swap are history and stay in place.
	after, err := h.m.Transfers(h.ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	for _, tr := range after {
		require.True(t, tr.CompletedAt.Before(resolved.RaisedAt))
	}

	require.Equal(t, swap.EscrowRefunded, h.hold(t, req.ID).Status)
	auth, _ := h.gw.Authorization(ref)
	require.Equal(t, payment.AuthRefunded, auth.Status)
	require.Equal(t, 1, h.notes.count("dispute_resolved:"+d.ID))

	_, err = h.m.Disputes().Resolve(h.ctx, d.ID, "moderator-2", swap.ResolutionCompleted)
	require.ErrorIs(t, err, swap.ErrState)
}

func TestDisputeResolvedCompletedTransfersOwnership(t *testing.T) {
	h := newHarness(t)
	req := h.accepted(t, withEscrow(talentForHosting(), 100))

	d, err := h.m.RaiseDispute(h.ctx, req.ID, "bob", swap.DisputeReason{Code: swap.DisputeNonPayment})
	require.NoError(t, err)
	require.Equal(t, swap.StatusAccepted, d.PriorStatus)

	_, err = h.m.Disputes().Resolve(h.ctx, d.ID, "moderator-1", swap.ResolutionCompleted)
	require.NoError(t, err)

	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	transfers, err := h.m.Transfers(h.ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	require.Equal(t, swap.EscrowReleased, h.hold(t, req.ID).Status)
	require.Empty(t, h.holder(t, "talent-alice-logo"))
	require.Empty(t, h.holder(t, "hosting-bob-3m"))
}

func TestResolvedDisputeIsFinal(t *testing.T) {
	h := newHarness(t)
	req := h.accepted(t, withEscrow(talentForHosting(), 100))

	d, err := h.m.RaiseDispute(h.ctx, req.ID, "alice", notDelivered)
	require.NoError(t, err)
	_, err = h.m.Disputes().Resolve(h.ctx, d.ID, "moderator-1", swap.ResolutionCompleted)
	require.NoError(t, err)

	_, err = h.m.RaiseDispute(h.ctx, req.ID, "alice", notDelivered)
	require.ErrorIs(t, err, swap.ErrState)
	_, err = h.m.RaiseDispute(h.ctx, req.ID, "bob", swap.DisputeReason{Code: swap.DisputeNonPayment})
	require.ErrorIs(t, err, swap.ErrState)

	res, err := h.m.Disputes().SweepTimeouts(h.ctx, h.clock.Advance(swap.DefaultDisputeGrace+time.Minute))
	require.NoError(t, err)
	require.Zero(t, res.Refunded)

	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusCompleted, stored.Status)
	require.Equal(t, swap.EscrowReleased, h.hold(t, req.ID).Status)

	disputes, err := h.m.Disputes().List(h.ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, disputes, 1)
}

func TestDisputeTimeoutRefundsOnce(t *testing.T) {
	h := newHarness(t)
	req := h.accepted(t, withEscrow(talentForHosting(), 100))
	raisedAt := h.clock.Now()

	d, err := h.m.RaiseDispute(h.ctx, req.ID, "alice", notDelivered)
	require.NoError(t, err)

	res, err := h.m.Disputes().SweepTimeouts(h.ctx, raisedAt.Add(swap.DefaultDisputeGrace-time.Second))
	require.NoError(t, err)
	require.Zero(t, res.Refunded)

	now := h.clock.Advance(swap.DefaultDisputeGrace + time.Millisecond)
	res, err = h.m.Disputes().SweepTimeouts(h.ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, res.Refunded)
	require.Zero(t, res.Failed)

	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRefunded, stored.Status)
	require.Equal(t, swap.EscrowRefunded, h.hold(t, req.ID).Status)
	require.Empty(t, h.holder(t, "talent-alice-logo"))
	require.Empty(t, h.holder(t, "hosting-bob-3m"))

	timedOut, err := h.m.Disputes().Get(h.ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, swap.TimeoutResolver, timedOut.ResolverID)
	require.Equal(t, swap.ResolutionRefunded, timedOut.Resolution)
	require.True(t, timedOut.Settled)

	notice := "swap_refunded_on_timeout:" + d.ID
	require.Equal(t, 1, h.notes.count(notice))

	res, err = h.m.Disputes().SweepTimeouts(h.ctx, h.clock.Advance(time.Hour))
	require.NoError(t, err)
	require.Zero(t, res.Refunded)
	require.Zero(t, res.Recovered)
	require.Equal(t, 1, h.notes.count(notice))

	_, err = h.m.Disputes().Resolve(h.ctx, d.ID, "moderator-1", swap.ResolutionCompleted)
	require.ErrorIs(t, err, swap.ErrState)
}

func TestRaiseDisputeRules(t *testing.T) {
	h := newHarness(t)
	pending := h.propose(t, "alice", talentForHosting())

	_, err := h.m.RaiseDispute(h.ctx, pending.ID, "alice", notDelivered)
	require.ErrorIs(t, err, swap.ErrState)

	dave := talentForHosting()
	dave.Offering.AssetID = "talent-dave-illustration"
	dave.Requesting.AssetID = "hosting-bob-6m"
	req := h.propose(t, "dave", dave)
	_, err = h.m.Respond(h.ctx, req.ID, "bob", swap.ActionAccept)
	require.NoError(t, err)

	_, err = h.m.RaiseDispute(h.ctx, req.ID, "carol", notDelivered)
	require.ErrorIs(t, err, swap.ErrAuthorization)

	_, err = h.m.RaiseDispute(h.ctx, req.ID, "dave", swap.DisputeReason{Code: swap.DisputeOther})
	require.ErrorIs(t, err, swap.ErrValidation)

	_, err = h.m.RaiseDispute(h.ctx, req.ID, "dave", notDelivered)
	require.NoError(t, err)
	_, err = h.m.RaiseDispute(h.ctx, req.ID, "bob", notDelivered)
	require.ErrorIs(t, err, swap.ErrOpenDispute)
	require.Equal(t, swap.KindConflict, swap.KindOf(err))

	disputes, err := h.m.Disputes().List(h.ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, disputes, 1)
}

func TestResolveReopensDisputeWhenRefundFails(t *testing.T) {
	h := newHarness(t)
	req := h.accepted(t, withEscrow(talentForHosting(), 100))
	d, err := h.m.RaiseDispute(h.ctx, req.ID, "alice", notDelivered)
	require.NoError(t, err)

	h.gw.FailNext(payment.OpRefund, errors.New("gateway timeout"))
	_, err = h.m.Disputes().Resolve(h.ctx, d.ID, "moderator-1", swap.ResolutionRefunded)
	require.ErrorIs(t, err, swap.ErrPayment)

	open, err := h.m.Disputes().Get(h.ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, swap.DisputeOpen, open.Status)
	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusDisputed, stored.Status)

	resolved, err := h.m.Disputes().Resolve(h.ctx, d.ID, "moderator-1", swap.ResolutionRefunded)
	require.NoError(t, err)
	require.True(t, resolved.Settled)
}

func TestSweepFinishesUnsettledResolution(t *testing.T) {
	h := newHarness(t)
	req := h.accepted(t, withEscrow(talentForHosting(), 100))
	d, err := h.m.RaiseDispute(h.ctx, req.ID, "alice", notDelivered)
	require.NoError(t, err)

	// A resolver claimed the dispute and stopped before settling it.
	claimedAt := h.clock.Now()
	require.NoError(t, h.store.ClaimDispute(h.ctx, d.ID, swap.ResolutionRefunded, "moderator-1", claimedAt))

	res, err := h.m.Disputes().SweepTimeouts(h.ctx, claimedAt.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, res.Recovered)

	res, err = h.m.Disputes().SweepTimeouts(h.ctx, h.clock.Advance(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, res.Recovered)

	stored, err := h.m.Get(h.ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, swap.StatusRefunded, stored.Status)
	require.Equal(t, swap.EscrowRefunded, h.hold(t, req.ID).Status)

	settled, err := h.m.Disputes().Get(h.ctx, d.ID)
	require.NoError(t, err)
	require.True(t, settled.Settled)
}
