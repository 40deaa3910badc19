package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Node           NodeConfig           `yaml:"node"`
	Protocol       ProtocolConfig       `yaml:"protocol"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	Jobs           JobsConfig           `yaml:"jobs"`
	Webhooks       WebhooksConfig       `yaml:"webhooks"`
	Storage        StorageConfig        `yaml:"storage"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics (empty disables protection)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// NodeConfig holds Zcash full node JSON-RPC configuration.
type NodeConfig struct {
	RPCURL      string   `yaml:"rpc_url"`      // host:port of the zcashd RPC interface
	RPCUser     string   `yaml:"rpc_user"`     // rpcuser from zcash.conf
	RPCPassword string   `yaml:"rpc_password"` // rpcpassword from zcash.conf
	Timeout     Duration `yaml:"timeout"`      // per-call timeout (default: 10s)
}

// ProtocolConfig holds 402 protocol configuration.
type ProtocolConfig struct {
	Network               string   `yaml:"network"`                // "mainnet" or "testnet"
	PayToAddress          string   `yaml:"pay_to_address"`         // default receiving t-address
	SigningSecret         string   `yaml:"signing_secret"`         // HMAC key for challenge signatures
	ChallengeTTL          Duration `yaml:"challenge_ttl"`          // challenge validity window (default: 1h)
	MaxChallengeTTL       Duration `yaml:"max_challenge_ttl"`      // upper bound on caller-supplied TTLs (default: 24h)
	TimestampTolerance    Duration `yaml:"timestamp_tolerance"`    // accepted authorization timestamp age (default: 1h)
	RequiredConfirmations int      `yaml:"required_confirmations"` // global default, merchants may override (default: 6)
	AcceptUnconfirmed     bool     `yaml:"accept_unconfirmed"`     // allow mempool detection to mark intents awaiting confirmation
}

// MonitorConfig holds blockchain monitor configuration.
type MonitorConfig struct {
	BlockScanInterval Duration `yaml:"block_scan_interval"` // default: 30s (Zcash target spacing is 75s)
	MempoolInterval   Duration `yaml:"mempool_interval"`    // default: 10s
	ReorgInterval     Duration `yaml:"reorg_interval"`      // default: 60s
	MaxBlocksPerScan  int      `yaml:"max_blocks_per_scan"` // default: 100
	ReorgSafetyDepth  int      `yaml:"reorg_safety_depth"`  // extra blocks re-checked below confirmed height (default: 10)
	MempoolBatch      int      `yaml:"mempool_batch"`       // max verbose tx fetches per mempool tick (default: 256)
	StartHeight       int64    `yaml:"start_height"`        // first block to scan when no cursor exists (0 = current tip)
	EventBuffer       int      `yaml:"event_buffer"`        // monitor event channel capacity (default: 256)
}

// JobsConfig holds scheduled job cadences.
type JobsConfig struct {
	ExpiryInterval     Duration `yaml:"expiry_interval"`      // default: 60s
	AutoSettleInterval Duration `yaml:"auto_settle_interval"` // default: 5m
	ReverifyInterval   Duration `yaml:"reverify_interval"`    // default: 2m
	AutoSettleEnabled  bool     `yaml:"auto_settle_enabled"`  // default: true
	ArchivalEnabled    bool     `yaml:"archival_enabled"`     // archive tx records of old terminal intents
	ArchivalRetention  Duration `yaml:"archival_retention"`   // default: 2160h (90 days)
	ArchivalInterval   Duration `yaml:"archival_interval"`    // default: 24h
}

// WebhooksConfig holds webhook delivery configuration.
type WebhooksConfig struct {
	DispatchInterval Duration `yaml:"dispatch_interval"` // queue poll cadence (default: 10s)
	BatchSize        int      `yaml:"batch_size"`        // deliveries claimed per poll (default: 10)
	Timeout          Duration `yaml:"timeout"`           // per-request timeout (default: 10s)
	MaxAttempts      int      `yaml:"max_attempts"`      // delivery attempts before terminal failure (default: 5)
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // default: 25
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // default: 5
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // default: 5m
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend      string             `yaml:"backend"`       // "memory" or "postgres"
	PostgresURL  string             `yaml:"postgres_url"`  // PostgreSQL connection string
	PostgresPool PostgresPoolConfig `yaml:"postgres_pool"` // connection pool settings
}

// RateLimitConfig holds rate limiting configuration for the merchant API.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// MonitoringConfig holds low-balance alerting for watched receiving
// addresses. Disabled unless an alert URL is configured.
type MonitoringConfig struct {
	Addresses           []string          `yaml:"addresses"`             // watched t-addresses (default: protocol pay_to_address)
	CheckInterval       Duration          `yaml:"check_interval"`        // default: 10m
	LowBalanceThreshold string            `yaml:"low_balance_threshold"` // in ZEC, e.g. "0.5" (default: "0")
	AlertURL            string            `yaml:"alert_url"`             // webhook target; empty disables the monitor
	BodyTemplate        string            `yaml:"body_template"`         // optional custom alert body template
	Headers             map[string]string `yaml:"headers"`               // extra headers on alert requests
	Timeout             Duration          `yaml:"timeout"`               // alert request timeout (default: 10s)
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled   bool                 `yaml:"enabled"`    // default: true
	ZcashdRPC BreakerServiceConfig `yaml:"zcashd_rpc"` // node RPC circuit breaker
	Webhook   BreakerServiceConfig `yaml:"webhook"`    // webhook delivery circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // minimum requests before checking ratio (default: 10)
}
