package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/klingon-exchange/barter/internal/swap"
	"github.com/klingon-exchange/barter/pkg/logging"
)

// Breaker thresholds: trip once more than MaxFailingRequests calls were made
// in the current window and at least FailingRatio of them failed.
var (
	MaxFailingRequests uint32 = 10
	FailingRatio              = 0.6
)

// Gateway service error code for a reference it does not know.
const codeUnknownRef = -32004

// RPCError is an error object returned by the gateway service.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// HTTPGateway talks JSON-RPC 2.0 to a processor-agnostic payment gateway
// service. Calls go through a circuit breaker; while it is open every call
// fails fast with ErrUnavailable.
type HTTPGateway struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	requestID  atomic.Uint64
	log        *logging.Logger
}

// NewHTTPGateway creates a gateway client for endpoint.
func NewHTTPGateway(endpoint, apiKey string, timeout time.Duration, log *logging.Logger) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = logging.GetDefault()
	}
	g := &HTTPGateway{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.Component("payment"),
	}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "payment-gateway",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests > MaxFailingRequests && ratio >= FailingRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			switch {
			case to == gobreaker.StateOpen:
				g.log.Warn("Payment gateway seems down, stop allowing requests")
			case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
				g.log.Info("Checking payment gateway status")
			case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
				g.log.Info("Payment gateway seems ok, allowing requests again")
			}
		},
	})
	return g
}

// Authorize places a hold and returns the gateway reference.
func (g *HTTPGateway) Authorize(ctx context.Context, req swap.AuthorizeRequest) (string, error) {
	result, err := g.call(ctx, "payment_authorize", req)
	if err != nil {
		return "", err
	}
	var out struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("failed to parse authorize result: %w", err)
	}
	if out.Ref == "" {
		return "", fmt.Errorf("gateway returned an empty reference")
	}
	return out.Ref, nil
}

// Capture settles a hold to the payee.
func (g *HTTPGateway) Capture(ctx context.Context, ref string) error {
	_, err := g.call(ctx, "payment_capture", map[string]string{"ref": ref})
	return err
}

// Refund voids a hold or returns a captured payment.
func (g *HTTPGateway) Refund(ctx context.Context, ref string) error {
	_, err := g.call(ctx, "payment_refund", map[string]string{"ref": ref})
	return err
}

// rpcResponse is the decoded body of a gateway reply.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// call runs one request through the breaker. A JSON-RPC error object means
// the service is up, so it is returned as a value and does not count as a
// breaker failure.
func (g *HTTPGateway) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.do(ctx, method, params)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err != nil {
		return nil, err
	}

	response := out.(*rpcResponse)
	if rpcErr := response.Error; rpcErr != nil {
		if rpcErr.Code == codeUnknownRef {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRef, rpcErr.Message)
		}
		return nil, rpcErr
	}
	return response.Result, nil
}

func (g *HTTPGateway) do(ctx context.Context, method string, params interface{}) (*rpcResponse, error) {
	id := g.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", g.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var response rpcResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	g.log.Debug("Gateway call", "method", method, "id", id, "error", response.Error != nil)
	return &response, nil
}

var _ swap.PaymentGateway = (*HTTPGateway)(nil)
