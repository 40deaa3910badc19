package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ZecPay/facilitator/internal/circuitbreaker"
	"github.com/ZecPay/facilitator/internal/config"
	"github.com/ZecPay/facilitator/internal/httputil"
	"github.com/ZecPay/facilitator/internal/metrics"
	"github.com/ZecPay/facilitator/internal/storage"
)

// backoffSchedule is the fixed retry spacing, indexed by attempt number.
// Attempts past the schedule reuse the last entry.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// processTimeout bounds a single queue pass.
const processTimeout = 2 * time.Minute

// Options configures the delivery worker.
type Options struct {
	Store    storage.Store
	Config   config.WebhooksConfig
	Breakers *circuitbreaker.Manager
	Metrics  *metrics.Metrics
	// Client overrides the HTTP client, for tests. Built from Config.Timeout
	// when nil.
	Client *http.Client
}

// Worker drains the webhook delivery queue on a fixed cadence and POSTs
// signed payloads to merchant endpoints. Deliveries to the same merchant
// endpoint are dispatched serially; distinct endpoints run concurrently.
type Worker struct {
	store    storage.Store
	cfg      config.WebhooksConfig
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	client   *http.Client

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewWorker creates a delivery worker. Call Start to begin processing.
func NewWorker(opts Options) *Worker {
	client := opts.Client
	if client == nil {
		client = httputil.NewClient(opts.Config.Timeout.Duration)
	}
	return &Worker{
		store:    opts.Store,
		cfg:      opts.Config,
		breakers: opts.Breakers,
		metrics:  opts.Metrics,
		client:   client,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the background processing loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the loop to exit and waits for the in-flight pass to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	<-w.doneChan
}

func (w *Worker) run() {
	defer close(w.doneChan)

	log.Info().
		Dur("dispatch_interval", w.cfg.DispatchInterval.Duration).
		Int("batch_size", w.cfg.BatchSize).
		Msg("webhooks.worker_started")

	ticker := time.NewTicker(w.cfg.DispatchInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			log.Info().Msg("webhooks.worker_stopped")
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
			w.processQueue(ctx)
			cancel()
		}
	}
}

// processQueue claims one batch of due deliveries and dispatches it. Ordering
// within one merchant endpoint is preserved; a delivery that fails does not
// block later events to the same endpoint beyond this pass.
func (w *Worker) processQueue(ctx context.Context) {
	deliveries, err := w.store.DequeueWebhooks(ctx, w.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("webhooks.dequeue_failed")
		return
	}
	if len(deliveries) == 0 {
		return
	}

	groups := make(map[string][]storage.WebhookDelivery)
	var order []string
	for _, d := range deliveries {
		key := d.MerchantID + "\x00" + d.URL
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], d)
	}

	var wg sync.WaitGroup
	for _, key := range order {
		batch := groups[key]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, d := range batch {
				w.deliver(ctx, d)
			}
		}()
	}
	wg.Wait()
}

// deliver performs a single attempt. The attempt is counted before the POST
// so a crash mid-dispatch cannot produce unrecorded sends.
func (w *Worker) deliver(ctx context.Context, d storage.WebhookDelivery) {
	merchant, err := w.store.GetMerchant(ctx, d.MerchantID)
	if err != nil {
		log.Error().Err(err).
			Str("delivery_id", d.ID).
			Str("merchant_id", d.MerchantID).
			Msg("webhooks.merchant_lookup_failed")
		return
	}

	if err := w.store.MarkWebhookAttempt(ctx, d.ID); err != nil {
		log.Error().Err(err).Str("delivery_id", d.ID).Msg("webhooks.mark_attempt_failed")
		return
	}
	attempt := d.Attempts + 1

	start := time.Now()
	var code int
	send := func() (interface{}, error) {
		c, err := w.send(ctx, d, merchant.WebhookSecret)
		code = c
		return nil, err
	}
	if w.breakers != nil {
		_, err = w.breakers.Execute(circuitbreaker.ServiceWebhook, send)
	} else {
		_, err = send()
	}
	duration := time.Since(start)

	if err != nil {
		w.handleFailure(ctx, d, attempt, code, err, duration)
		return
	}

	if err := w.store.MarkWebhookSuccess(ctx, d.ID, code); err != nil {
		log.Error().Err(err).Str("delivery_id", d.ID).Msg("webhooks.mark_success_failed")
		return
	}
	w.observe(d.EventType, "sent", duration, attempt, false)
	log.Info().
		Str("delivery_id", d.ID).
		Str("event_type", d.EventType).
		Str("payment_intent_id", d.PaymentIntentID).
		Int("attempt", attempt).
		Int("http_code", code).
		Msg("webhooks.delivered")
}

// send signs and POSTs the payload. Only a 2xx response counts as delivered.
func (w *Worker) send(ctx context.Context, d storage.WebhookDelivery, secret string) (int, error) {
	timestamp := time.Now().Unix()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(secret, timestamp, d.Payload))
	req.Header.Set("X-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-Event-Type", d.EventType)
	req.Header.Set("X-Delivery-Id", d.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// handleFailure schedules a retry, or fails the delivery terminally. A 4xx
// other than 429 means the endpoint rejected the payload outright, so after
// two attempts further retries are pointless and the delivery is cut short of
// the full schedule.
func (w *Worker) handleFailure(ctx context.Context, d storage.WebhookDelivery, attempt, code int, sendErr error, duration time.Duration) {
	rejected := code >= 400 && code < 500 && code != http.StatusTooManyRequests
	terminal := attempt >= d.MaxAttempts || (rejected && attempt >= 2)

	next := time.Now().Add(backoffFor(attempt))
	if err := w.store.MarkWebhookFailed(ctx, d.ID, sendErr.Error(), code, next, rejected && attempt >= 2); err != nil {
		log.Error().Err(err).Str("delivery_id", d.ID).Msg("webhooks.mark_failed_failed")
		return
	}

	status := "retrying"
	if terminal {
		status = "failed"
	}
	w.observe(d.EventType, status, duration, attempt, terminal)
	log.Warn().
		Err(sendErr).
		Str("delivery_id", d.ID).
		Str("event_type", d.EventType).
		Str("payment_intent_id", d.PaymentIntentID).
		Int("attempt", attempt).
		Int("max_attempts", d.MaxAttempts).
		Int("http_code", code).
		Bool("terminal", terminal).
		Msg("webhooks.delivery_failed")
}

func (w *Worker) observe(eventType, status string, duration time.Duration, attempt int, terminal bool) {
	if w.metrics != nil {
		w.metrics.ObserveWebhook(eventType, status, duration, attempt, terminal)
	}
}

// backoffFor returns the delay before the attempt after this one.
func backoffFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}
