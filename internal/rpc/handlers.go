package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/klingon-exchange/barter/internal/storage"
	"github.com/klingon-exchange/barter/internal/swap"
)

// Version of the daemon.
const Version = "0.1.0-dev"

// required fails with a validation error when any named value is blank.
func required(fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if strings.TrimSpace(fields[i+1]) == "" {
			return fmt.Errorf("%w: %s is required", swap.ErrValidation, fields[i])
		}
	}
	return nil
}

// ========================================
// Node handlers
// ========================================

// NodeStatusResult is the response for node_status.
type NodeStatusResult struct {
	Running   bool                         `json:"running"`
	Version   string                       `json:"version"`
	Uptime    string                       `json:"uptime"`
	WSClients int                          `json:"ws_clients"`
	Outbox    map[storage.OutboxStatus]int `json:"outbox"`
}

func (s *Server) nodeStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	wsClients := 0
	if s.hub != nil {
		wsClients = s.hub.ClientCount()
	}

	outbox := map[storage.OutboxStatus]int{}
	if s.store != nil {
		stats, err := s.store.GetOutboxStats(ctx)
		if err == nil {
			outbox = stats
		}
	}

	return &NodeStatusResult{
		Running:   true,
		Version:   Version,
		Uptime:    s.now().Sub(s.started).Round(time.Second).String(),
		WSClients: wsClients,
		Outbox:    outbox,
	}, nil
}

// ========================================
// Sweep handlers
// ========================================

func (s *Server) sweepExpired(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.manager.SweepExpired(ctx, s.now())
}

func (s *Server) sweepDisputes(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.manager.Disputes().SweepTimeouts(ctx, s.now())
}
