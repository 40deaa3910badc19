package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ZecPay/facilitator/internal/config"
	"github.com/ZecPay/facilitator/internal/metrics"
	"github.com/ZecPay/facilitator/internal/storage"
)

// sweepBatch bounds the intents touched per tick. Leftovers are picked up
// on the next pass.
const sweepBatch = 500

// Job lock names. Each sweep holds its lock for the duration of one pass so
// multiple facilitator instances do not run the same sweep concurrently.
const (
	lockExpiry     = "jobs.expiry_sweep"
	lockAutoSettle = "jobs.auto_settle"
	lockReverify   = "jobs.reverify"
	lockArchival   = "jobs.archival"
)

// Scanner forces a confirmation refresh of one intent against the node. The
// blockchain monitor implements it.
type Scanner interface {
	ScanPaymentIntent(ctx context.Context, intentID string) error
}

// Options configures the periodic job runner.
type Options struct {
	Store   storage.Store
	Scanner Scanner
	Config  config.JobsConfig
	// ScanInterval is the monitor's block scan cadence. An awaiting intent
	// untouched for twice this long is considered stalled and re-verified.
	ScanInterval time.Duration
	Metrics      *metrics.Metrics
}

// Runner owns the periodic sweeps: expiring stale intents, settling intents
// whose confirmations have crossed the threshold, re-verifying stalled
// intents, and archiving transaction records of old terminal intents. Every
// sweep is idempotent; a tick that overlaps monitor activity loses its
// transitions benignly.
type Runner struct {
	store   storage.Store
	scanner Scanner
	cfg     config.JobsConfig
	metrics *metrics.Metrics

	reverifyAfter time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a job runner. Call Start to launch the sweeps.
func New(opts Options) *Runner {
	reverifyAfter := 2 * opts.ScanInterval
	if reverifyAfter <= 0 {
		reverifyAfter = time.Minute
	}
	return &Runner{
		store:         opts.Store,
		scanner:       opts.Scanner,
		cfg:           opts.Config,
		metrics:       opts.Metrics,
		reverifyAfter: reverifyAfter,
		stopCh:        make(chan struct{}),
	}
}

// Start launches one goroutine per enabled sweep.
func (r *Runner) Start(ctx context.Context) {
	r.loop(ctx, r.cfg.ExpiryInterval.Duration, r.sweepExpired)
	if r.cfg.AutoSettleEnabled {
		r.loop(ctx, r.cfg.AutoSettleInterval.Duration, r.sweepAutoSettle)
	}
	r.loop(ctx, r.cfg.ReverifyInterval.Duration, r.sweepReverify)
	if r.cfg.ArchivalEnabled {
		r.loop(ctx, r.cfg.ArchivalInterval.Duration, r.sweepArchival)
	}

	log.Info().
		Dur("expiry_interval", r.cfg.ExpiryInterval.Duration).
		Bool("auto_settle", r.cfg.AutoSettleEnabled).
		Bool("archival", r.cfg.ArchivalEnabled).
		Msg("jobs.started")
}

// Stop signals all sweeps to exit and waits for in-flight passes.
func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
}

// withLock runs fn while holding the named job lock, skipping the pass when
// another instance has it.
func (r *Runner) withLock(ctx context.Context, name string, fn func(context.Context)) {
	release, acquired, err := r.store.AcquireJobLock(ctx, name)
	if err != nil {
		log.Error().Err(err).Str("lock", name).Msg("jobs.lock_failed")
		return
	}
	if !acquired {
		return
	}
	defer release()
	fn(ctx)
}

// sweepExpired moves open intents past their deadline to Expired. An intent
// with an observed transaction is left alone: the payer has paid, and the
// monitor decides its fate.
func (r *Runner) sweepExpired(ctx context.Context) {
	r.withLock(ctx, lockExpiry, func(ctx context.Context) {
		now := time.Now().UTC()
		intents, err := r.store.ListPaymentIntents(ctx, storage.IntentFilter{
			States:        storage.OpenStates,
			ExpiredBefore: now,
			Limit:         sweepBatch,
		})
		if err != nil {
			log.Error().Err(err).Msg("jobs.expiry_list_failed")
			return
		}

		expired := 0
		for _, intent := range intents {
			if intent.ObservedTxid != "" {
				continue
			}
			err := r.store.TryTransition(ctx, intent.ID, intent.State, storage.StateExpired, storage.IntentPatch{})
			if err != nil {
				if benignErr(err) {
					continue
				}
				log.Error().Err(err).Str("intent_id", intent.ID).Msg("jobs.expire_failed")
				continue
			}
			expired++
			if r.metrics != nil {
				r.metrics.ObserveTransition(string(intent.State), string(storage.StateExpired))
			}
			log.Info().
				Str("intent_id", intent.ID).
				Str("merchant_id", intent.MerchantID).
				Time("expires_at", intent.ExpiresAt).
				Msg("jobs.intent_expired")
		}
		if expired > 0 {
			log.Info().Int("count", expired).Msg("jobs.expiry_sweep_done")
		}
	})
}

// sweepAutoSettle refreshes every Verified intent once against the node. The
// scan drives the Settled transition when the confirmation threshold is met.
func (r *Runner) sweepAutoSettle(ctx context.Context) {
	r.withLock(ctx, lockAutoSettle, func(ctx context.Context) {
		r.rescanByFilter(ctx, storage.IntentFilter{
			States: []storage.IntentState{storage.StateVerified},
			Limit:  sweepBatch,
		}, "jobs.auto_settle_failed")
	})
}

// sweepReverify re-scans awaiting intents the monitor has not touched for
// two scan cycles, catching payments whose confirmations went stale during
// monitor downtime.
func (r *Runner) sweepReverify(ctx context.Context) {
	r.withLock(ctx, lockReverify, func(ctx context.Context) {
		r.rescanByFilter(ctx, storage.IntentFilter{
			States:         []storage.IntentState{storage.StateAwaitingConfirmation},
			UntouchedSince: time.Now().UTC().Add(-r.reverifyAfter),
			Limit:          sweepBatch,
		}, "jobs.reverify_failed")
	})
}

func (r *Runner) rescanByFilter(ctx context.Context, filter storage.IntentFilter, errEvent string) {
	intents, err := r.store.ListPaymentIntents(ctx, filter)
	if err != nil {
		log.Error().Err(err).Msg(errEvent)
		return
	}
	for _, intent := range intents {
		if intent.ObservedTxid == "" {
			continue
		}
		if err := r.scanner.ScanPaymentIntent(ctx, intent.ID); err != nil && !benignErr(err) {
			log.Warn().Err(err).Str("intent_id", intent.ID).Msg(errEvent)
		}
	}
}

// sweepArchival removes transaction records of terminal intents older than
// the retention cutoff.
func (r *Runner) sweepArchival(ctx context.Context) {
	r.withLock(ctx, lockArchival, func(ctx context.Context) {
		cutoff := time.Now().UTC().Add(-r.cfg.ArchivalRetention.Duration)
		n, err := r.store.ArchiveTxRecords(ctx, cutoff)
		if err != nil {
			log.Error().Err(err).Msg("jobs.archival_failed")
			return
		}
		if r.metrics != nil {
			r.metrics.ObserveArchival(n)
		}
		log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("jobs.archival_done")
	})
}

func benignErr(err error) bool {
	return errors.Is(err, storage.ErrStaleState) ||
		errors.Is(err, storage.ErrAlreadyTerminal) ||
		errors.Is(err, storage.ErrNotFound)
}
