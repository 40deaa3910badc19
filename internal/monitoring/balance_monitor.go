// Package monitoring watches the facilitator's receiving addresses and
// raises an alert when one drops below a configured ZEC balance.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ZecPay/facilitator/internal/config"
	"github.com/ZecPay/facilitator/internal/httputil"
	"github.com/ZecPay/facilitator/internal/logger"
	"github.com/ZecPay/facilitator/internal/money"
)

// alertCooldown is how long a watched address stays silenced after an alert.
const alertCooldown = 24 * time.Hour

// BalanceSource answers balance queries for watched addresses.
type BalanceSource interface {
	AddressBalance(ctx context.Context, addr string) (money.Zatoshi, error)
}

// BalanceMonitor periodically checks receiving address balances and posts an
// alert webhook when one is low. Each address alerts at most once per
// cooldown window; a recovered balance resets the window.
type BalanceMonitor struct {
	cfg        config.MonitoringConfig
	source     BalanceSource
	addresses  []string
	threshold  money.Zatoshi
	httpClient *http.Client

	mu      sync.Mutex
	alerted map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// BalanceAlert is the data an alert body is rendered from.
type BalanceAlert struct {
	Address      string    `json:"address"`
	BalanceZEC   string    `json:"balanceZec"`
	ThresholdZEC string    `json:"thresholdZec"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewBalanceMonitor creates a monitor over the configured addresses.
func NewBalanceMonitor(cfg config.MonitoringConfig, source BalanceSource) (*BalanceMonitor, error) {
	threshold, err := money.FromZEC(cfg.LowBalanceThreshold)
	if err != nil {
		return nil, fmt.Errorf("low balance threshold: %w", err)
	}

	return &BalanceMonitor{
		cfg:        cfg,
		source:     source,
		addresses:  cfg.Addresses,
		threshold:  threshold,
		httpClient: httputil.NewClient(cfg.Timeout.Duration),
		alerted:    make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}, nil
}

// Start begins the monitoring loop. A monitor with no alert URL or no
// addresses stays idle.
func (m *BalanceMonitor) Start(ctx context.Context) {
	if m.cfg.AlertURL == "" {
		log.Info().Msg("balance_monitor.disabled_no_url")
		return
	}
	if len(m.addresses) == 0 {
		log.Info().Msg("balance_monitor.no_addresses")
		return
	}

	log.Info().
		Int("address_count", len(m.addresses)).
		Dur("check_interval", m.cfg.CheckInterval.Duration).
		Str("threshold_zec", m.threshold.ZEC()).
		Msg("balance_monitor.started")

	m.wg.Add(1)
	go m.monitorLoop(ctx)
}

// Stop gracefully stops the monitoring loop.
func (m *BalanceMonitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	log.Info().Msg("balance_monitor.stopped")
}

func (m *BalanceMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval.Duration)
	defer ticker.Stop()

	m.checkBalances(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkBalances(ctx)
		}
	}
}

func (m *BalanceMonitor) checkBalances(ctx context.Context) {
	for _, addr := range m.addresses {
		balance, err := m.source.AddressBalance(ctx, addr)
		if err != nil {
			log.Error().
				Err(err).
				Str("address", logger.TruncateAddress(addr)).
				Msg("balance_monitor.fetch_error")
			continue
		}

		log.Debug().
			Str("address", logger.TruncateAddress(addr)).
			Str("balance_zec", balance.ZEC()).
			Msg("balance_monitor.balance_checked")

		if balance < m.threshold {
			if m.shouldAlert(addr) {
				m.sendAlert(ctx, addr, balance)
			}
		} else {
			m.clearAlert(addr)
		}
	}
}

func (m *BalanceMonitor) shouldAlert(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, exists := m.alerted[addr]
	if !exists {
		return true
	}
	return time.Since(last) > alertCooldown
}

func (m *BalanceMonitor) clearAlert(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.alerted, addr)
}

func (m *BalanceMonitor) sendAlert(ctx context.Context, addr string, balance money.Zatoshi) {
	alert := BalanceAlert{
		Address:      addr,
		BalanceZEC:   balance.ZEC(),
		ThresholdZEC: m.threshold.ZEC(),
		Timestamp:    time.Now().UTC(),
	}

	var body []byte
	var err error
	if m.cfg.BodyTemplate != "" {
		body, err = m.renderTemplate(alert)
	} else {
		// Default body doubles as a Discord/Slack compatible payload.
		body, err = json.Marshal(map[string]any{
			"content": fmt.Sprintf(
				"Low balance alert: address %s holds %s ZEC, below the %s ZEC threshold.",
				addr, alert.BalanceZEC, alert.ThresholdZEC,
			),
			"alert": alert,
		})
	}
	if err != nil {
		log.Error().
			Err(err).
			Str("address", logger.TruncateAddress(addr)).
			Msg("balance_monitor.body_error")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.AlertURL, bytes.NewReader(body))
	if err != nil {
		log.Error().
			Err(err).
			Str("address", logger.TruncateAddress(addr)).
			Msg("balance_monitor.request_error")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range m.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		log.Error().
			Err(err).
			Str("address", logger.TruncateAddress(addr)).
			Msg("balance_monitor.send_error")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Info().
			Str("address", logger.TruncateAddress(addr)).
			Str("balance_zec", alert.BalanceZEC).
			Int("status_code", resp.StatusCode).
			Msg("balance_monitor.alert_sent")
		m.mu.Lock()
		m.alerted[addr] = time.Now()
		m.mu.Unlock()
	} else {
		log.Warn().
			Str("address", logger.TruncateAddress(addr)).
			Int("status_code", resp.StatusCode).
			Msg("balance_monitor.alert_failed")
	}
}

func (m *BalanceMonitor) renderTemplate(alert BalanceAlert) ([]byte, error) {
	tmpl, err := template.New("alert").Parse(m.cfg.BodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse alert template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, alert); err != nil {
		return nil, fmt.Errorf("execute alert template: %w", err)
	}
	return buf.Bytes(), nil
}
