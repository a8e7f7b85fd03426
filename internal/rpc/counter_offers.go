package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/klingon-exchange/barter/internal/swap"
)

// ========================================
// Counter-offer handlers
// ========================================

// CounterProposeParams is the request for counter_propose.
type CounterProposeParams struct {
	RequestID string     `json:"request_id"`
	ActorID   string     `json:"actor_id"`
	Terms     swap.Terms `json:"terms"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) counterPropose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CounterProposeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("request_id", p.RequestID, "actor_id", p.ActorID); err != nil {
		return nil, err
	}
	return s.manager.CounterOffers().Propose(ctx, p.RequestID, p.ActorID, p.Terms, p.ExpiresAt)
}

// CounterActionParams names a counter-offer and the user answering it.
type CounterActionParams struct {
	CounterOfferID string `json:"counter_offer_id"`
	ActorID        string `json:"actor_id"`
}

func (s *Server) counterAccept(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CounterActionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("counter_offer_id", p.CounterOfferID, "actor_id", p.ActorID); err != nil {
		return nil, err
	}
	return s.manager.CounterOffers().Accept(ctx, p.CounterOfferID, p.ActorID)
}

func (s *Server) counterReject(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CounterActionParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("counter_offer_id", p.CounterOfferID, "actor_id", p.ActorID); err != nil {
		return nil, err
	}
	return s.manager.CounterOffers().Reject(ctx, p.CounterOfferID, p.ActorID)
}

// CounterListParams is the request for counter_list.
type CounterListParams struct {
	RequestID string `json:"request_id"`
}

func (s *Server) counterList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CounterListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("request_id", p.RequestID); err != nil {
		return nil, err
	}
	offers, err := s.manager.CounterOffers().List(ctx, p.RequestID)
	if err != nil {
		return nil, err
	}
	if offers == nil {
		offers = []*swap.CounterOffer{}
	}
	return offers, nil
}
