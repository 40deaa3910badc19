package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		c.Server.ShutdownTimeout = Duration{Duration: 30 * time.Second}
	}
	if c.Node.Timeout.Duration <= 0 {
		c.Node.Timeout = Duration{Duration: 10 * time.Second}
	}
	if c.Protocol.ChallengeTTL.Duration <= 0 {
		c.Protocol.ChallengeTTL = Duration{Duration: 1 * time.Hour}
	}
	if c.Protocol.MaxChallengeTTL.Duration <= 0 {
		c.Protocol.MaxChallengeTTL = Duration{Duration: 24 * time.Hour}
	}
	if c.Protocol.TimestampTolerance.Duration <= 0 {
		c.Protocol.TimestampTolerance = Duration{Duration: 1 * time.Hour}
	}
	if c.Protocol.RequiredConfirmations <= 0 {
		c.Protocol.RequiredConfirmations = 6
	}
	if c.Monitor.BlockScanInterval.Duration <= 0 {
		c.Monitor.BlockScanInterval = Duration{Duration: 30 * time.Second}
	}
	if c.Monitor.MempoolInterval.Duration <= 0 {
		c.Monitor.MempoolInterval = Duration{Duration: 10 * time.Second}
	}
	if c.Monitor.ReorgInterval.Duration <= 0 {
		c.Monitor.ReorgInterval = Duration{Duration: 60 * time.Second}
	}
	if c.Monitor.MaxBlocksPerScan <= 0 {
		c.Monitor.MaxBlocksPerScan = 100
	}
	if c.Monitor.ReorgSafetyDepth <= 0 {
		c.Monitor.ReorgSafetyDepth = 10
	}
	if c.Monitor.MempoolBatch <= 0 {
		c.Monitor.MempoolBatch = 256
	}
	if c.Monitor.EventBuffer <= 0 {
		c.Monitor.EventBuffer = 256
	}
	if c.Jobs.ExpiryInterval.Duration <= 0 {
		c.Jobs.ExpiryInterval = Duration{Duration: 60 * time.Second}
	}
	if c.Jobs.AutoSettleInterval.Duration <= 0 {
		c.Jobs.AutoSettleInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Jobs.ReverifyInterval.Duration <= 0 {
		c.Jobs.ReverifyInterval = Duration{Duration: 2 * time.Minute}
	}
	if c.Jobs.ArchivalRetention.Duration <= 0 {
		c.Jobs.ArchivalRetention = Duration{Duration: 90 * 24 * time.Hour}
	}
	if c.Jobs.ArchivalInterval.Duration <= 0 {
		c.Jobs.ArchivalInterval = Duration{Duration: 24 * time.Hour}
	}
	if c.Webhooks.DispatchInterval.Duration <= 0 {
		c.Webhooks.DispatchInterval = Duration{Duration: 10 * time.Second}
	}
	if c.Webhooks.BatchSize <= 0 {
		c.Webhooks.BatchSize = 10
	}
	if c.Webhooks.Timeout.Duration <= 0 {
		c.Webhooks.Timeout = Duration{Duration: 10 * time.Second}
	}
	if c.Webhooks.MaxAttempts <= 0 {
		c.Webhooks.MaxAttempts = 5
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Protocol.Network {
	case "mainnet", "testnet":
	default:
		errs = append(errs, fmt.Sprintf("protocol.network must be \"mainnet\" or \"testnet\", got %q", c.Protocol.Network))
	}

	if c.Protocol.SigningSecret == "" {
		errs = append(errs, "protocol.signing_secret is required (ZECPAY_SIGNING_SECRET)")
	} else if len(c.Protocol.SigningSecret) < 32 {
		errs = append(errs, "protocol.signing_secret must be at least 32 bytes")
	}

	if c.Node.RPCURL == "" {
		errs = append(errs, "node.rpc_url is required")
	}
	if c.Node.RPCUser == "" || c.Node.RPCPassword == "" {
		errs = append(errs, "node.rpc_user and node.rpc_password are required (ZECPAY_NODE_RPC_USER / ZECPAY_NODE_RPC_PASSWORD)")
	}

	switch c.Storage.Backend {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be \"memory\" or \"postgres\", got %q", c.Storage.Backend))
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		errs = append(errs, "storage.postgres_url is required when storage.backend is \"postgres\"")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
