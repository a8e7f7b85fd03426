package swap_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/barter/internal/payment"
	"github.com/klingon-exchange/barter/internal/storage"
	"github.com/klingon-exchange/barter/internal/swap"
	"github.com/klingon-exchange/barter/pkg/logging"
)

const hostingListing = "listing-hosting"

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// clock is a settable time source shared by the engine and the test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// recorder is a Notifier that keeps every notification it is handed.
type recorder struct {
	mu   sync.Mutex
	sent []*swap.Notification
}

func (r *recorder) Notify(_ context.Context, n *swap.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.ID == id {
			n++
		}
	}
	return n
}

func (r *recorder) events(event swap.EventType) []*swap.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*swap.Notification
	for _, s := range r.sent {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

type harness struct {
	ctx   context.Context
	store *storage.Storage
	gw    *payment.Sandbox
	notes *recorder
	clock *clock
	m     *swap.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, p := range []*swap.Profile{
		{UserID: "alice", Reputation: 80, Verified: true},
		{UserID: "bob", Reputation: 60, Verified: true},
		{UserID: "carol", Reputation: 10},
		{UserID: "dave", Reputation: 70},
	} {
		require.NoError(t, store.PutProfile(ctx, p))
	}
	require.NoError(t, store.PutListing(ctx, &swap.Listing{
		ID:                 hostingListing,
		OwnerID:            "bob",
		SwapEnabled:        true,
		AcceptedSwapTypes:  []swap.Mode{swap.ModeDirectSwap, swap.ModeValueDifference},
		AcceptedAssetTypes: []swap.AssetType{swap.AssetTalent, swap.AssetService},
		MinimumReputation:  50,
	}))

	h := &harness{
		ctx:   ctx,
		store: store,
		gw:    payment.NewSandbox(),
		notes: &recorder{},
		clock: &clock{now: epoch},
	}
	h.m = h.manager(t, h.gw)
	return h
}

// manager builds another engine over the harness store, standing in for a
// second instance of the service.
func (h *harness) manager(t *testing.T, gw swap.PaymentGateway) *swap.Manager {
	t.Helper()
	m, err := swap.NewManager(swap.Config{
		Stores:   h.store.SwapStores(),
		Payments: gw,
		Notifier: h.notes,
		Profiles: h.store,
		Listings: h.store,
		Now:      h.clock.Now,
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	return m
}

// hookedGateway runs a callback before forwarding capture and refund calls.
type hookedGateway struct {
	*payment.Sandbox
	beforeCapture func()
	beforeRefund  func()
}

func (g *hookedGateway) Capture(ctx context.Context, ref string) error {
	if g.beforeCapture != nil {
		g.beforeCapture()
	}
	return g.Sandbox.Capture(ctx, ref)
}

func (g *hookedGateway) Refund(ctx context.Context, ref string) error {
	if g.beforeRefund != nil {
		g.beforeRefund()
	}
	return g.Sandbox.Refund(ctx, ref)
}

// talentForHosting is a logo-design job offered for three months of the
// target's hosting credit.
func talentForHosting() swap.Terms {
	value := decimal.NewFromInt(450)
	return swap.Terms{
		Mode: swap.ModeDirectSwap,
		Offering: swap.AssetDescriptor{
			Type:        swap.AssetTalent,
			Description: "logo design",
			Value:       &value,
			AssetID:     "talent-alice-logo",
			Details:     &swap.TalentDetails{Skill: "logo design", Hours: 20, DeliveryDays: 14},
		},
		Requesting: swap.AssetDescriptor{
			Type:        swap.AssetService,
			Description: "3 months hosting credit",
			AssetID:     "hosting-bob-3m",
			Details:     &swap.ServiceDetails{Provider: "bobhost", Quantity: 3, Unit: "month"},
		},
	}
}

func withEscrow(t swap.Terms, amount int64) swap.Terms {
	t.EscrowRequired = true
	t.EscrowAmount = decimal.NewFromInt(amount)
	return t
}

func (h *harness) propose(t *testing.T, initiator string, terms swap.Terms) *swap.SwapRequest {
	t.Helper()
	req, err := h.m.Propose(h.ctx, swap.ProposeParams{
		InitiatorID: initiator,
		TargetID:    "bob",
		ListingID:   hostingListing,
		Terms:       terms,
	})
	require.NoError(t, err)
	return req
}

func (h *harness) accepted(t *testing.T, terms swap.Terms) *swap.SwapRequest {
	t.Helper()
	req := h.propose(t, "alice", terms)
	req, err := h.m.Respond(h.ctx, req.ID, "bob", swap.ActionAccept)
	require.NoError(t, err)
	require.Equal(t, swap.StatusAccepted, req.Status)
	return req
}

func (h *harness) signBoth(t *testing.T, requestID string) *swap.SwapContract {
	t.Helper()
	c, err := h.m.Contracts().Get(h.ctx, requestID)
	require.NoError(t, err)
	_, err = h.m.Sign(h.ctx, requestID, "alice", c.TermsHash, "sig-alice")
	require.NoError(t, err)
	c, err = h.m.Sign(h.ctx, requestID, "bob", c.TermsHash, "sig-bob")
	require.NoError(t, err)
	return c
}

func (h *harness) completed(t *testing.T, terms swap.Terms) (*swap.SwapRequest, []*swap.OwnershipTransfer) {
	t.Helper()
	req := h.accepted(t, terms)
	h.signBoth(t, req.ID)
	done, transfers, err := h.m.Complete(h.ctx, req.ID, "alice", swap.CompleteParams{})
	require.NoError(t, err)
	return done, transfers
}

func (h *harness) holder(t *testing.T, assetRef string) string {
	t.Helper()
	holder, err := h.m.Locks().Holder(h.ctx, assetRef)
	require.NoError(t, err)
	return holder
}

func (h *harness) hold(t *testing.T, requestID string) *swap.EscrowHold {
	t.Helper()
	hold, err := h.m.Escrow().Get(h.ctx, requestID)
	require.NoError(t, err)
	return hold
}
