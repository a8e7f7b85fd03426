// Package config provides centralized configuration for the barter daemon.
// Engine policy defaults (expiry windows, dispute grace period, batch sizes)
// are defined here and nowhere else.
package config

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Engine Policy Defaults
// =============================================================================

const (
	// DefaultProposalTTL is how long a pending swap request stays open when
	// the proposer does not supply an expiry.
	DefaultProposalTTL = 7 * 24 * time.Hour

	// DefaultCounterOfferTTL is how long a pending counter-offer stays open.
	DefaultCounterOfferTTL = 48 * time.Hour

	// DefaultDisputeGrace is how long a dispute may stay open before the
	// timeout sweep refunds the swap.
	DefaultDisputeGrace = 7 * 24 * time.Hour

	// DefaultSweepBatchSize caps the rows a single sweep pass loads.
	DefaultSweepBatchSize = 100
)

// =============================================================================
// Payment Gateway Modes
// =============================================================================

// PaymentMode selects the Payment Gateway adapter.
type PaymentMode string

const (
	PaymentModeSandbox PaymentMode = "sandbox" // In-memory gateway, no money moves
	PaymentModeHTTP    PaymentMode = "http"    // Processor-agnostic HTTP gateway service
)

// =============================================================================
// Configuration Sections
// =============================================================================

// Config holds all configuration for the daemon.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	RPC     RPCConfig     `yaml:"rpc"`
	Engine  EngineConfig  `yaml:"engine"`
	Payment PaymentConfig `yaml:"payment"`
	Notify  NotifyConfig  `yaml:"notify"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the database and config file.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the line format (text, json, logfmt).
	Format string `yaml:"format"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// RPCConfig holds JSON-RPC server settings.
type RPCConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// MetricsEnabled exposes /metrics on the RPC listener.
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// EngineConfig holds swap engine policy.
type EngineConfig struct {
	ProposalTTL     time.Duration `yaml:"proposal_ttl"`
	CounterOfferTTL time.Duration `yaml:"counter_offer_ttl"`
	DisputeGrace    time.Duration `yaml:"dispute_grace"`
	SweepBatchSize  int           `yaml:"sweep_batch_size"`
}

// PaymentConfig holds Payment Gateway settings.
type PaymentConfig struct {
	Mode     PaymentMode   `yaml:"mode"`
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// NotifyConfig holds notification delivery settings.
type NotifyConfig struct {
	// WebhookURL is a comma-separated list of endpoints that each receive
	// every notification as a JSON POST. Empty disables webhooks.
	WebhookURL string `yaml:"webhook_url"`

	// WebhookSecret signs an HS256 bearer token on each POST. Empty sends none.
	WebhookSecret string `yaml:"webhook_secret"`

	PollInterval    time.Duration `yaml:"poll_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	BatchSize       int           `yaml:"batch_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RatePerSecond   int           `yaml:"rate_per_second"`
	RetentionPeriod time.Duration `yaml:"retention_period"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.barter",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RPC: RPCConfig{
			ListenAddr:     "127.0.0.1:8480",
			MetricsEnabled: true,
		},
		Engine: EngineConfig{
			ProposalTTL:     DefaultProposalTTL,
			CounterOfferTTL: DefaultCounterOfferTTL,
			DisputeGrace:    DefaultDisputeGrace,
			SweepBatchSize:  DefaultSweepBatchSize,
		},
		Payment: PaymentConfig{
			Mode:    PaymentModeSandbox,
			Timeout: 30 * time.Second,
		},
		Notify: NotifyConfig{
			PollInterval:    5 * time.Second,
			CleanupInterval: time.Hour,
			BatchSize:       50,
			MaxAttempts:     12,
			RatePerSecond:   20,
			RetentionPeriod: 7 * 24 * time.Hour,
		},
	}
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.Engine.ProposalTTL <= 0 {
		return fmt.Errorf("%w: engine.proposal_ttl must be positive", ErrInvalidConfig)
	}
	if c.Engine.CounterOfferTTL <= 0 {
		return fmt.Errorf("%w: engine.counter_offer_ttl must be positive", ErrInvalidConfig)
	}
	if c.Engine.DisputeGrace <= 0 {
		return fmt.Errorf("%w: engine.dispute_grace must be positive", ErrInvalidConfig)
	}
	if c.Engine.SweepBatchSize <= 0 {
		return fmt.Errorf("%w: engine.sweep_batch_size must be positive", ErrInvalidConfig)
	}

	switch c.Logging.Format {
	case "", "text", "json", "logfmt":
	default:
		return fmt.Errorf("%w: unknown logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}

	switch c.Payment.Mode {
	case PaymentModeSandbox:
	case PaymentModeHTTP:
		if c.Payment.Endpoint == "" {
			return fmt.Errorf("%w: payment.endpoint is required in http mode", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown payment.mode %q", ErrInvalidConfig, c.Payment.Mode)
	}

	if c.Notify.MaxAttempts <= 0 {
		return fmt.Errorf("%w: notify.max_attempts must be positive", ErrInvalidConfig)
	}
	if c.Notify.PollInterval <= 0 {
		return fmt.Errorf("%w: notify.poll_interval must be positive", ErrInvalidConfig)
	}
	return nil
}
