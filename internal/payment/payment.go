// Package payment provides Payment Gateway adapters for the swap engine: a
// JSON-RPC client for an external gateway service and an in-memory sandbox.
package payment

import (
	"errors"
	"fmt"

	"github.com/klingon-exchange/barter/internal/config"
	"github.com/klingon-exchange/barter/internal/swap"
	"github.com/klingon-exchange/barter/pkg/logging"
)

// Gateway operations, used for failure injection and metrics labels.
const (
	OpAuthorize = "authorize"
	OpCapture   = "capture"
	OpRefund    = "refund"
)

var (
	// ErrUnknownRef is returned for a capture or refund of a reference the
	// gateway never issued.
	ErrUnknownRef = errors.New("unknown payment reference")

	// ErrAlreadyRefunded is returned by the sandbox when capturing a
	// refunded authorization.
	ErrAlreadyRefunded = errors.New("payment already refunded")

	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("payment gateway unavailable")
)

// New builds the gateway selected by cfg.Mode.
func New(cfg config.PaymentConfig, log *logging.Logger) (swap.PaymentGateway, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	switch cfg.Mode {
	case config.PaymentModeSandbox, "":
		log.Component("payment").Warn("Using sandbox payment gateway, no money will move")
		return NewSandbox(), nil
	case config.PaymentModeHTTP:
		return NewHTTPGateway(cfg.Endpoint, cfg.APIKey, cfg.Timeout, log), nil
	default:
		return nil, fmt.Errorf("unknown payment mode %q", cfg.Mode)
	}
}
