package rpc

import (
	"context"
	"encoding/json"

	"github.com/klingon-exchange/barter/internal/swap"
)

// ========================================
// Dispute handlers
// ========================================

// DisputeRaiseParams is the request for dispute_raise.
type DisputeRaiseParams struct {
	RequestID string             `json:"request_id"`
	ActorID   string             `json:"actor_id"`
	Reason    swap.DisputeReason `json:"reason"`
}

func (s *Server) disputeRaise(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p DisputeRaiseParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("request_id", p.RequestID, "actor_id", p.ActorID); err != nil {
		return nil, err
	}
	return s.manager.RaiseDispute(ctx, p.RequestID, p.ActorID, p.Reason)
}

// DisputeResolveParams is the request for dispute_resolve.
type DisputeResolveParams struct {
	DisputeID  string          `json:"dispute_id"`
	ResolverID string          `json:"resolver_id"`
	Resolution swap.Resolution `json:"resolution"`
}

func (s *Server) disputeResolve(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p DisputeResolveParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("dispute_id", p.DisputeID, "resolver_id", p.ResolverID); err != nil {
		return nil, err
	}
	return s.manager.Disputes().Resolve(ctx, p.DisputeID, p.ResolverID, p.Resolution)
}

// DisputeGetParams is the request for dispute_get. Exactly one of the ids
// is expected; a request id returns every dispute of that request.
type DisputeGetParams struct {
	DisputeID string `json:"dispute_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) disputeGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p DisputeGetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.DisputeID != "" {
		return s.manager.Disputes().Get(ctx, p.DisputeID)
	}
	if err := required("dispute_id or request_id", p.RequestID); err != nil {
		return nil, err
	}
	disputes, err := s.manager.Disputes().List(ctx, p.RequestID)
	if err != nil {
		return nil, err
	}
	if disputes == nil {
		disputes = []*swap.Dispute{}
	}
	return disputes, nil
}
