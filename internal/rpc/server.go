// Package rpc provides the JSON-RPC 2.0 server of the barter daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/barter/internal/metrics"
	"github.com/klingon-exchange/barter/internal/storage"
	"github.com/klingon-exchange/barter/internal/swap"
	"github.com/klingon-exchange/barter/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	manager *swap.Manager
	store   *storage.Storage
	hub     *WSHub
	log     *logging.Logger

	metricsEnabled bool
	started        time.Time
	now            func() time.Time

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes, one per engine error kind.
const (
	ValidationError    = -32001
	AuthorizationError = -32002
	ConflictError      = -32003
	StateError         = -32004
	PaymentError       = -32005
	NotFoundError      = -32006
)

// Options configures a Server.
type Options struct {
	// Hub receives /ws connections. Nil disables the endpoint.
	Hub *WSHub

	// MetricsEnabled serves Prometheus metrics on /metrics.
	MetricsEnabled bool

	Logger *logging.Logger
	Now    func() time.Time
}

// NewServer creates a new JSON-RPC server.
func NewServer(m *swap.Manager, store *storage.Storage, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.GetDefault()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		manager:        m,
		store:          store,
		hub:            opts.Hub,
		log:            log.Component("rpc"),
		metricsEnabled: opts.MetricsEnabled,
		started:        now(),
		now:            now,
		handlers:       make(map[string]Handler),
	}

	s.registerHandlers()

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_status"] = s.nodeStatus

	// Swap request methods
	s.handlers["swap_propose"] = s.swapPropose
	s.handlers["swap_respond"] = s.swapRespond
	s.handlers["swap_cancel"] = s.swapCancel
	s.handlers["swap_complete"] = s.swapComplete
	s.handlers["swap_sign"] = s.swapSign
	s.handlers["swap_get"] = s.swapGet
	s.handlers["swap_list"] = s.swapList

	// Counter-offer methods
	s.handlers["counter_propose"] = s.counterPropose
	s.handlers["counter_accept"] = s.counterAccept
	s.handlers["counter_reject"] = s.counterReject
	s.handlers["counter_list"] = s.counterList

	// Dispute methods
	s.handlers["dispute_raise"] = s.disputeRaise
	s.handlers["dispute_resolve"] = s.disputeResolve
	s.handlers["dispute_get"] = s.disputeGet

	// Sweeps
	s.handlers["sweep_expired"] = s.sweepExpired
	s.handlers["sweep_disputes"] = s.sweepDisputes
}

// Handler returns the HTTP handler serving JSON-RPC, /ws and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.handleWS)
		mux.HandleFunc("GET /ws/", s.handleWS)
	}
	if s.metricsEnabled {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", s.hub != nil, "metrics", s.metricsEnabled)
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code, data := errorCode(err)
		if code == InternalError {
			s.log.Error("RPC method failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, code, err.Error(), data)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorCode maps a handler error to its JSON-RPC code and error data.
func errorCode(err error) (int, interface{}) {
	var pe *paramsError
	if errors.As(err, &pe) {
		return InvalidParams, nil
	}

	kind := swap.KindOf(err)
	data := map[string]string{"kind": string(kind)}
	switch kind {
	case swap.KindValidation:
		return ValidationError, data
	case swap.KindAuthorization:
		return AuthorizationError, data
	case swap.KindConflict:
		return ConflictError, data
	case swap.KindState:
		return StateError, data
	case swap.KindPayment:
		return PaymentError, data
	case swap.KindNotFound:
		return NotFoundError, data
	default:
		return InternalError, nil
	}
}

// paramsError reports params that could not be decoded.
type paramsError struct {
	err error
}

func (e *paramsError) Error() string { return "invalid params: " + e.err.Error() }

func (e *paramsError) Unwrap() error { return e.err }

// decodeParams decodes params into v. Missing params decode as an empty
// object.
func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &paramsError{err: err}
	}
	return nil
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
