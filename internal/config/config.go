package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     Duration{Duration: 15 * time.Second},
			WriteTimeout:    Duration{Duration: 15 * time.Second},
			IdleTimeout:     Duration{Duration: 60 * time.Second},
			ShutdownTimeout: Duration{Duration: 30 * time.Second},
		},
		Node: NodeConfig{
			RPCURL:  "127.0.0.1:8232",
			Timeout: Duration{Duration: 10 * time.Second},
		},
		Protocol: ProtocolConfig{
			Network:               "mainnet",
			ChallengeTTL:          Duration{Duration: 1 * time.Hour},
			MaxChallengeTTL:       Duration{Duration: 24 * time.Hour},
			TimestampTolerance:    Duration{Duration: 1 * time.Hour},
			RequiredConfirmations: 6,
			AcceptUnconfirmed:     true,
		},
		Monitor: MonitorConfig{
			BlockScanInterval: Duration{Duration: 30 * time.Second},
			MempoolInterval:   Duration{Duration: 10 * time.Second},
			ReorgInterval:     Duration{Duration: 60 * time.Second},
			MaxBlocksPerScan:  100,
			ReorgSafetyDepth:  10,
			MempoolBatch:      256,
			EventBuffer:       256,
		},
		Jobs: JobsConfig{
			ExpiryInterval:     Duration{Duration: 60 * time.Second},
			AutoSettleInterval: Duration{Duration: 5 * time.Minute},
			ReverifyInterval:   Duration{Duration: 2 * time.Minute},
			AutoSettleEnabled:  true,
			ArchivalRetention:  Duration{Duration: 90 * 24 * time.Hour},
			ArchivalInterval:   Duration{Duration: 24 * time.Hour},
		},
		Webhooks: WebhooksConfig{
			DispatchInterval: Duration{Duration: 10 * time.Second},
			BatchSize:        10,
			Timeout:          Duration{Duration: 10 * time.Second},
			MaxAttempts:      5,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		RateLimit: RateLimitConfig{
			// Generous limits to keep abuse out without throttling merchants.
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    120,
			PerIPWindow:   Duration{Duration: 1 * time.Minute},
		},
		Monitoring: MonitoringConfig{
			CheckInterval:       Duration{Duration: 10 * time.Minute},
			LowBalanceThreshold: "0",
			Timeout:             Duration{Duration: 10 * time.Second},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			ZcashdRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
