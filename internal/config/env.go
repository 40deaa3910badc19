package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the ZECPAY_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "ZECPAY_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "ZECPAY_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "ZECPAY_ADMIN_METRICS_API_KEY")

	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "ZECPAY_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "ZECPAY_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "ZECPAY_ENVIRONMENT")

	// Node config
	setIfEnv(&c.Node.RPCURL, "ZECPAY_NODE_RPC_URL")
	setIfEnv(&c.Node.RPCUser, "ZECPAY_NODE_RPC_USER")
	setIfEnv(&c.Node.RPCPassword, "ZECPAY_NODE_RPC_PASSWORD")
	setDurationIfEnv(&c.Node.Timeout, "ZECPAY_NODE_TIMEOUT")

	// Protocol config
	setIfEnv(&c.Protocol.Network, "ZECPAY_NETWORK")
	setIfEnv(&c.Protocol.PayToAddress, "ZECPAY_PAY_TO_ADDRESS")
	setIfEnv(&c.Protocol.SigningSecret, "ZECPAY_SIGNING_SECRET")
	setDurationIfEnv(&c.Protocol.ChallengeTTL, "ZECPAY_CHALLENGE_TTL")
	setDurationIfEnv(&c.Protocol.TimestampTolerance, "ZECPAY_TIMESTAMP_TOLERANCE")
	setIntIfEnv(&c.Protocol.RequiredConfirmations, "ZECPAY_REQUIRED_CONFIRMATIONS")
	setBoolIfEnv(&c.Protocol.AcceptUnconfirmed, "ZECPAY_ACCEPT_UNCONFIRMED")
	setDurationIfEnv(&c.Protocol.MaxChallengeTTL, "ZECPAY_MAX_CHALLENGE_TTL")

	// Monitor config
	setDurationIfEnv(&c.Monitor.BlockScanInterval, "ZECPAY_MONITOR_BLOCK_SCAN_INTERVAL")
	setDurationIfEnv(&c.Monitor.MempoolInterval, "ZECPAY_MONITOR_MEMPOOL_INTERVAL")
	setDurationIfEnv(&c.Monitor.ReorgInterval, "ZECPAY_MONITOR_REORG_INTERVAL")
	setIntIfEnv(&c.Monitor.ReorgSafetyDepth, "ZECPAY_MONITOR_REORG_SAFETY_DEPTH")
	setIntIfEnv(&c.Monitor.MempoolBatch, "ZECPAY_MONITOR_MEMPOOL_BATCH")
	setInt64IfEnv(&c.Monitor.StartHeight, "ZECPAY_MONITOR_START_HEIGHT")

	// Jobs config
	setDurationIfEnv(&c.Jobs.ExpiryInterval, "ZECPAY_JOBS_EXPIRY_INTERVAL")
	setDurationIfEnv(&c.Jobs.AutoSettleInterval, "ZECPAY_JOBS_AUTO_SETTLE_INTERVAL")
	setDurationIfEnv(&c.Jobs.ReverifyInterval, "ZECPAY_JOBS_REVERIFY_INTERVAL")
	setBoolIfEnv(&c.Jobs.AutoSettleEnabled, "ZECPAY_JOBS_AUTO_SETTLE_ENABLED")
	setBoolIfEnv(&c.Jobs.ArchivalEnabled, "ZECPAY_JOBS_ARCHIVAL_ENABLED")

	// Webhooks config
	setDurationIfEnv(&c.Webhooks.DispatchInterval, "ZECPAY_WEBHOOKS_DISPATCH_INTERVAL")
	setIntIfEnv(&c.Webhooks.BatchSize, "ZECPAY_WEBHOOKS_BATCH_SIZE")
	setDurationIfEnv(&c.Webhooks.Timeout, "ZECPAY_WEBHOOKS_TIMEOUT")
	setIntIfEnv(&c.Webhooks.MaxAttempts, "ZECPAY_WEBHOOKS_MAX_ATTEMPTS")

	// Storage config
	setIfEnv(&c.Storage.Backend, "ZECPAY_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "ZECPAY_STORAGE_POSTGRES_URL")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimSuffix(prefix, "/")
}
