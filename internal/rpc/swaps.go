package rpc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/klingon-exchange/barter/internal/swap"
)

// ========================================
// Swap request handlers
// ========================================

func (s *Server) swapPropose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p swap.ProposeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return s.manager.Propose(ctx, p)
}

// SwapRespondParams is the request for swap_respond.
type SwapRespondParams struct {
	RequestID string      `json:"request_id"`
	ActorID   string      `json:"actor_id"`
	Action    swap.Action `json:"action"`
}

func (s *Server) swapRespond(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapRespondParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("request_id", p.RequestID, "actor_id", p.ActorID); err != nil {
		return nil, err
	}
	return s.manager.Respond(ctx, p.RequestID, p.ActorID, p.Action)
}

// SwapActorParams names a request and the user acting on it.
type SwapActorParams struct {
	RequestID string `json:"request_id"`
	ActorID   string `json:"actor_id"`
}

func (s *Server) swapCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapActorParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("request_id", p.RequestID, "actor_id", p.ActorID); err != nil {
		return nil, err
	}
	return s.manager.Cancel(ctx, p.RequestID, p.ActorID)
}

// SwapCompleteParams is the request for swap_complete.
type SwapCompleteParams struct {
	RequestID string               `json:"request_id"`
	ActorID   string               `json:"actor_id"`
	ChainRefs map[swap.Side]string `json:"chain_refs,omitempty"`
}

// SwapCompleteResult is the response for swap_complete.
type SwapCompleteResult struct {
	Request   *swap.SwapRequest         `json:"request"`
	Transfers []*swap.OwnershipTransfer `json:"transfers"`
}

func (s *Server) swapComplete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapCompleteParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("request_id", p.RequestID, "actor_id", p.ActorID); err != nil {
		return nil, err
	}
	req, transfers, err := s.manager.Complete(ctx, p.RequestID, p.ActorID, swap.CompleteParams{ChainRefs: p.ChainRefs})
	if err != nil {
		return nil, err
	}
	return &SwapCompleteResult{Request: req, Transfers: transfers}, nil
}

// SwapSignParams is the request for swap_sign.
type SwapSignParams struct {
	RequestID string `json:"request_id"`
	ActorID   string `json:"actor_id"`
	TermsHash string `json:"terms_hash"`
	Signature string `json:"signature"`
}

func (s *Server) swapSign(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapSignParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("request_id", p.RequestID, "actor_id", p.ActorID, "terms_hash", p.TermsHash, "signature", p.Signature); err != nil {
		return nil, err
	}
	return s.manager.Sign(ctx, p.RequestID, p.ActorID, p.TermsHash, p.Signature)
}

// SwapGetParams is the request for swap_get.
type SwapGetParams struct {
	RequestID string `json:"request_id"`
}

// SwapDetail is the response for swap_get.
type SwapDetail struct {
	Request   *swap.SwapRequest         `json:"request"`
	Assets    []*swap.SwapAsset         `json:"assets"`
	Contract  *swap.SwapContract        `json:"contract,omitempty"`
	Escrow    *swap.EscrowHold          `json:"escrow,omitempty"`
	Transfers []*swap.OwnershipTransfer `json:"transfers,omitempty"`
	Disputes  []*swap.Dispute           `json:"disputes,omitempty"`
}

func (s *Server) swapGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapGetParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := required("request_id", p.RequestID); err != nil {
		return nil, err
	}

	req, err := s.manager.Get(ctx, p.RequestID)
	if err != nil {
		return nil, err
	}
	detail := &SwapDetail{Request: req}

	if detail.Assets, err = s.manager.Assets(ctx, req.ID); err != nil {
		return nil, err
	}
	if detail.Contract, err = s.manager.Contracts().Get(ctx, req.ID); err != nil && !errors.Is(err, swap.ErrNotFound) {
		return nil, err
	}
	if detail.Escrow, err = s.manager.Escrow().Get(ctx, req.ID); err != nil && !errors.Is(err, swap.ErrNotFound) {
		return nil, err
	}
	if detail.Transfers, err = s.manager.Transfers(ctx, req.ID); err != nil {
		return nil, err
	}
	if detail.Disputes, err = s.manager.Disputes().List(ctx, req.ID); err != nil {
		return nil, err
	}
	return detail, nil
}

// SwapListParams is the request for swap_list.
type SwapListParams struct {
	UserID string      `json:"user_id,omitempty"`
	Status swap.Status `json:"status,omitempty"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	reqs, err := s.manager.List(ctx, swap.RequestFilter{
		UserID: p.UserID,
		Status: p.Status,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []*swap.SwapRequest{}
	}
	return reqs, nil
}
