package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvOverrides(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name:    "ZECPAY_SERVER_ADDRESS overrides default",
			envVars: map[string]string{"ZECPAY_SERVER_ADDRESS": ":3000"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name:    "ZECPAY_ROUTE_PREFIX is normalized",
			envVars: map[string]string{"ZECPAY_ROUTE_PREFIX": "api/"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.RoutePrefix != "/api" {
					t.Errorf("expected /api, got %s", cfg.Server.RoutePrefix)
				}
			},
		},
		{
			name:    "ZECPAY_NODE_RPC_URL override",
			envVars: map[string]string{"ZECPAY_NODE_RPC_URL": "10.0.0.5:18232"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Node.RPCURL != "10.0.0.5:18232" {
					t.Errorf("expected custom RPC URL, got %s", cfg.Node.RPCURL)
				}
			},
		},
		{
			name:    "ZECPAY_NETWORK override",
			envVars: map[string]string{"ZECPAY_NETWORK": "testnet"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Protocol.Network != "testnet" {
					t.Errorf("expected testnet, got %s", cfg.Protocol.Network)
				}
			},
		},
		{
			name:    "ZECPAY_REQUIRED_CONFIRMATIONS integer override",
			envVars: map[string]string{"ZECPAY_REQUIRED_CONFIRMATIONS": "12"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Protocol.RequiredConfirmations != 12 {
					t.Errorf("expected 12, got %d", cfg.Protocol.RequiredConfirmations)
				}
			},
		},
		{
			name:    "ZECPAY_ACCEPT_UNCONFIRMED boolean (1)",
			envVars: map[string]string{"ZECPAY_ACCEPT_UNCONFIRMED": "1"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.Protocol.AcceptUnconfirmed {
					t.Error("expected AcceptUnconfirmed true with '1'")
				}
			},
		},
		{
			name:    "ZECPAY_ACCEPT_UNCONFIRMED boolean (false)",
			envVars: map[string]string{"ZECPAY_ACCEPT_UNCONFIRMED": "false"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Protocol.AcceptUnconfirmed {
					t.Error("expected AcceptUnconfirmed false")
				}
			},
		},
		{
			name:    "ZECPAY_CHALLENGE_TTL duration override",
			envVars: map[string]string{"ZECPAY_CHALLENGE_TTL": "120s"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Protocol.ChallengeTTL.Duration != 120*time.Second {
					t.Errorf("expected 120s, got %v", cfg.Protocol.ChallengeTTL.Duration)
				}
			},
		},
		{
			name:    "ZECPAY_MONITOR_START_HEIGHT int64 override",
			envVars: map[string]string{"ZECPAY_MONITOR_START_HEIGHT": "2500000"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Monitor.StartHeight != 2500000 {
					t.Errorf("expected 2500000, got %d", cfg.Monitor.StartHeight)
				}
			},
		},
		{
			name:    "ZECPAY_STORAGE_BACKEND override",
			envVars: map[string]string{"ZECPAY_STORAGE_BACKEND": "postgres"},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Storage.Backend != "postgres" {
					t.Errorf("expected postgres, got %s", cfg.Storage.Backend)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}
