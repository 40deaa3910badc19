package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ZecPay/facilitator/internal/config"
	"github.com/ZecPay/facilitator/internal/metrics"
	"github.com/ZecPay/facilitator/internal/money"
	"github.com/ZecPay/facilitator/internal/storage"
	"github.com/ZecPay/facilitator/internal/zcashd"
)

// watchStates are the intent states the monitor keeps refreshing.
var watchStates = []storage.IntentState{
	storage.StateCreated,
	storage.StateAwaitingConfirmation,
	storage.StateVerified,
}

// Monitor observes the Zcash node so that every open payment intent is
// matched to at most one on-chain transaction and its confirmation count
// tracks the chain. Three loops run independently: block scan, mempool scan,
// and the reorg check.
type Monitor struct {
	cfg      config.MonitorConfig
	protocol config.ProtocolConfig
	node     zcashd.NodeClient
	store    storage.Store
	metrics  *metrics.Metrics

	// scanMu serializes block scan, reorg handling, and force-scans so the
	// cursor only moves under one writer.
	scanMu sync.Mutex
	cursor int64

	// seenMempool tracks txids already fetched from the mempool, pruned to
	// the node's current mempool each pass.
	seenMempool map[string]struct{}

	events chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a monitor. Start must be called before events flow.
func New(cfg config.MonitorConfig, protocol config.ProtocolConfig, node zcashd.NodeClient, store storage.Store, m *metrics.Metrics) *Monitor {
	return &Monitor{
		cfg:         cfg,
		protocol:    protocol,
		node:        node,
		store:       store,
		metrics:     m,
		seenMempool: make(map[string]struct{}),
		events:      make(chan Event, cfg.EventBuffer),
		stopCh:      make(chan struct{}),
	}
}

// Events exposes the monitor's event stream. The channel is buffered; events
// are dropped, not blocked on, when no consumer keeps up.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Start recovers the scan cursor and launches the three loops.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.recoverCursor(ctx); err != nil {
		return fmt.Errorf("recover cursor: %w", err)
	}

	log.Info().
		Int64("cursor", m.cursor).
		Dur("block_scan_interval", m.cfg.BlockScanInterval.Duration).
		Dur("mempool_interval", m.cfg.MempoolInterval.Duration).
		Dur("reorg_interval", m.cfg.ReorgInterval.Duration).
		Msg("monitor.started")

	m.wg.Add(3)
	go m.loop(ctx, m.cfg.BlockScanInterval.Duration, m.scanBlocks)
	go m.loop(ctx, m.cfg.MempoolInterval.Duration, m.scanMempool)
	go m.loop(ctx, m.cfg.ReorgInterval.Duration, m.checkReorg)
	return nil
}

// Stop gracefully stops all loops.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	log.Info().Msg("monitor.stopped")
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, tick func(context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// recoverCursor restores the scan position: the persisted cursor if present,
// else the highest confirmed record height, else the configured start height,
// else the node's current tip.
func (m *Monitor) recoverCursor(ctx context.Context) error {
	cursor, err := m.store.GetMonitorCursor(ctx)
	switch {
	case err == nil:
		m.cursor = cursor.LastScannedHeight
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	height, err := m.store.MaxConfirmedTxHeight(ctx)
	if err != nil {
		return err
	}
	if height == 0 {
		if m.cfg.StartHeight > 0 {
			height = m.cfg.StartHeight - 1
		} else {
			tip, err := m.node.BlockCount(ctx)
			if err != nil {
				return err
			}
			height = tip
		}
	}
	m.cursor = height
	return m.store.SetMonitorCursor(ctx, height)
}

func (m *Monitor) advanceCursor(ctx context.Context, height int64) {
	m.cursor = height
	if err := m.store.SetMonitorCursor(ctx, height); err != nil {
		log.Error().Err(err).Int64("height", height).Msg("monitor.cursor_save_failed")
	}
	if m.metrics != nil {
		m.metrics.MonitorCursorHeight.Set(float64(height))
	}
}

// scanBlocks walks new blocks from cursor+1 to the tip, capped at
// MaxBlocksPerScan behind the tip. The cursor only advances past a height
// after it was fully processed.
func (m *Monitor) scanBlocks(ctx context.Context) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	tip, err := m.node.BlockCount(ctx)
	if err != nil {
		m.emitError(fmt.Errorf("get tip: %w", err))
		return
	}
	if tip <= m.cursor {
		return
	}

	start := m.cursor + 1
	if floor := tip - int64(m.cfg.MaxBlocksPerScan); start < floor {
		log.Warn().
			Int64("cursor", m.cursor).
			Int64("tip", tip).
			Int64("start", floor).
			Msg("monitor.scan_gap_skipped")
		start = floor
	}

	open, err := m.openIntents(ctx)
	if err != nil {
		m.emitError(fmt.Errorf("list open intents: %w", err))
		return
	}

	for h := start; h <= tip; h++ {
		block, err := m.node.BlockByHeight(ctx, h)
		if err != nil {
			m.emitError(fmt.Errorf("get block %d: %w", h, err))
			return
		}
		m.processBlock(ctx, block, open)
		m.advanceCursor(ctx, h)
		if m.metrics != nil {
			m.metrics.BlocksScannedTotal.Inc()
		}
		log.Debug().Int64("height", h).Int("tx_count", len(block.Tx)).Msg("monitor.block_scanned")
	}
}

func (m *Monitor) openIntents(ctx context.Context) ([]storage.PaymentIntent, error) {
	return m.store.ListPaymentIntents(ctx, storage.IntentFilter{States: watchStates})
}

// processBlock refreshes intents bound to transactions in the block and
// matches unbound intents against the block's outputs.
func (m *Monitor) processBlock(ctx context.Context, block *zcashd.Block, open []storage.PaymentIntent) {
	for i := range block.Tx {
		tx := &block.Tx[i]

		bound, err := m.store.FindIntentByTxID(ctx, tx.TxID)
		switch {
		case err == nil:
			m.applyConfirmations(ctx, bound, tx)
			continue
		case !errors.Is(err, storage.ErrNotFound):
			m.emitError(err)
			continue
		}

		m.matchTx(ctx, tx, open, "block")
	}
}

// matchTx binds the transaction to the first unbound intent it pays:
// same recipient, amount within one zatoshi, txid not already bound.
func (m *Monitor) matchTx(ctx context.Context, tx *zcashd.Transaction, open []storage.PaymentIntent, source string) {
	for i := range open {
		intent := &open[i]
		if intent.State != storage.StateCreated || intent.ObservedTxid != "" {
			continue
		}
		if intent.Scheme != "transparent" {
			// Shielded payments are invisible in transparent outputs; they
			// bind through the client-presented authorization.
			continue
		}
		paid := tx.OutputsTo(intent.PayToAddress)
		if paid == 0 || !paid.WithinTolerance(intent.Amount, 1) {
			continue
		}

		if m.bindIntent(ctx, intent, tx, paid, source) {
			intent.ObservedTxid = tx.TxID
			intent.State = storage.StateAwaitingConfirmation
			return
		}
	}
}

func (m *Monitor) bindIntent(ctx context.Context, intent *storage.PaymentIntent, tx *zcashd.Transaction, paid money.Zatoshi, source string) bool {
	now := time.Now().UTC()
	conf := int(tx.Confirmations)
	from := m.resolveSender(ctx, tx)
	patch := storage.IntentPatch{
		ObservedTxid:  &tx.TxID,
		Confirmations: &conf,
		ObservedAt:    &now,
	}
	if from != "" {
		patch.ObservedFrom = &from
	}
	err := m.store.TryTransition(ctx, intent.ID, storage.StateCreated, storage.StateAwaitingConfirmation, patch)
	if err != nil {
		if errors.Is(err, storage.ErrStaleState) || errors.Is(err, storage.ErrAlreadyTerminal) {
			return false
		}
		m.emitError(fmt.Errorf("bind intent %s: %w", intent.ID, err))
		return false
	}

	m.upsertRecord(ctx, intent, tx, paid, from)

	if m.metrics != nil {
		m.metrics.PaymentsDetectedTotal.WithLabelValues(source).Inc()
	}
	log.Info().
		Str("intent_id", intent.ID).
		Str("txid", tx.TxID).
		Int64("amount_zat", int64(paid)).
		Str("source", source).
		Msg("monitor.payment_detected")
	m.emit(Event{
		Type:          EventPaymentDetected,
		IntentID:      intent.ID,
		TxID:          tx.TxID,
		Amount:        paid,
		BlockHeight:   tx.Height,
		Confirmations: conf,
	})

	if conf > 0 {
		m.driveConfirmations(ctx, intent.ID, intent.RequiredConfirmations, conf)
	}
	return true
}

func (m *Monitor) upsertRecord(ctx context.Context, intent *storage.PaymentIntent, tx *zcashd.Transaction, paid money.Zatoshi, from string) {
	required := m.effectiveRequired(intent.RequiredConfirmations)
	rec := storage.TxRecord{
		TxID:          tx.TxID,
		IntentID:      intent.ID,
		Amount:        paid,
		ToAddress:     intent.PayToAddress,
		FromAddress:   from,
		BlockHeight:   tx.Height,
		Confirmations: int(tx.Confirmations),
		Status:        txStatus(int(tx.Confirmations), required),
	}
	if err := m.store.UpsertTxRecord(ctx, rec); err != nil {
		m.emitError(fmt.Errorf("upsert tx record %s: %w", tx.TxID, err))
	}
}

// resolveSender derives the sending address from the funding output of the
// first transparent input. Coinbase and fully shielded transactions have no
// transparent inputs; the sender stays empty then, as it does when the
// funding transaction cannot be fetched.
func (m *Monitor) resolveSender(ctx context.Context, tx *zcashd.Transaction) string {
	for _, in := range tx.Vin {
		if in.TxID == "" {
			continue
		}
		funding, err := m.node.TransactionByID(ctx, in.TxID)
		if err != nil {
			log.Debug().Err(err).Str("txid", tx.TxID).Msg("monitor.sender_unresolved")
			return ""
		}
		for _, out := range funding.Vout {
			if out.N == in.OutputIdx && len(out.ScriptPubKey.Addresses) > 0 {
				return out.ScriptPubKey.Addresses[0]
			}
		}
		return ""
	}
	return ""
}

func txStatus(confirmations, required int) storage.TxStatus {
	switch {
	case confirmations <= 0:
		return storage.TxStatusMempool
	case confirmations < required:
		return storage.TxStatusConfirming
	default:
		return storage.TxStatusConfirmed
	}
}

// applyConfirmations refreshes the record and drives the intent's state for
// a transaction already bound to an intent.
func (m *Monitor) applyConfirmations(ctx context.Context, intent storage.PaymentIntent, tx *zcashd.Transaction) {
	if intent.State.IsTerminal() {
		return
	}
	paid := tx.OutputsTo(intent.PayToAddress)
	if paid == 0 {
		paid = intent.Amount
	}
	m.upsertRecord(ctx, &intent, tx, paid, intent.ObservedFrom)
	m.driveConfirmations(ctx, intent.ID, intent.RequiredConfirmations, int(tx.Confirmations))
}

// driveConfirmations applies the confirmation-triggered transitions:
// AwaitingConfirmation to Verified at one confirmation, Verified to Settled
// at the required depth. Transitions already applied are no-ops.
func (m *Monitor) driveConfirmations(ctx context.Context, intentID string, intentRequired, confirmations int) {
	if confirmations < 1 {
		return
	}

	conf := confirmations
	err := m.store.TryTransition(ctx, intentID, storage.StateAwaitingConfirmation, storage.StateVerified,
		storage.IntentPatch{Confirmations: &conf})
	if err != nil && !m.benignTransitionErr(err) {
		m.emitError(fmt.Errorf("verify intent %s: %w", intentID, err))
		return
	}

	required := m.effectiveRequired(intentRequired)
	if confirmations < required {
		return
	}

	now := time.Now().UTC()
	err = m.store.TryTransition(ctx, intentID, storage.StateVerified, storage.StateSettled,
		storage.IntentPatch{Confirmations: &conf, SettledAt: &now})
	if err != nil {
		if !m.benignTransitionErr(err) {
			m.emitError(fmt.Errorf("settle intent %s: %w", intentID, err))
		}
		return
	}

	log.Info().
		Str("intent_id", intentID).
		Int("confirmations", confirmations).
		Msg("monitor.payment_confirmed")
	m.emit(Event{
		Type:          EventPaymentConfirmed,
		IntentID:      intentID,
		Confirmations: confirmations,
	})
}

// benignTransitionErr filters the races inherent to three loops and the
// jobs driving the same intents: someone else already moved it.
func (m *Monitor) benignTransitionErr(err error) bool {
	return errors.Is(err, storage.ErrStaleState) ||
		errors.Is(err, storage.ErrAlreadyTerminal) ||
		errors.Is(err, storage.ErrNotFound)
}

// effectiveRequired resolves the per-merchant override against the global
// default. AcceptUnconfirmed lowers the threshold to the minimum the state
// machine admits.
func (m *Monitor) effectiveRequired(override int) int {
	required := override
	if required <= 0 {
		required = m.protocol.RequiredConfirmations
	}
	if m.protocol.AcceptUnconfirmed {
		required = 1
	}
	if required < 1 {
		required = 1
	}
	return required
}

// scanMempool refreshes zero-confirmation bound intents and matches unbound
// intents against transactions newly seen in the mempool.
func (m *Monitor) scanMempool(ctx context.Context) {
	open, err := m.openIntents(ctx)
	if err != nil {
		m.emitError(fmt.Errorf("list open intents: %w", err))
		return
	}
	if m.metrics != nil {
		m.metrics.MempoolScansTotal.Inc()
	}

	var haveUnbound bool
	for i := range open {
		intent := open[i]
		if intent.ObservedTxid == "" {
			if intent.State == storage.StateCreated && intent.Scheme == "transparent" {
				haveUnbound = true
			}
			continue
		}
		if intent.Confirmations == 0 {
			m.refreshIntent(ctx, intent)
		}
	}
	if !haveUnbound {
		return
	}

	txids, err := m.node.MempoolTxIDs(ctx)
	if err != nil {
		m.emitError(fmt.Errorf("get mempool: %w", err))
		return
	}

	seen := make(map[string]struct{}, len(txids))
	fetched := 0
	for _, txid := range txids {
		if _, ok := m.seenMempool[txid]; ok {
			seen[txid] = struct{}{}
			continue
		}
		if fetched >= m.cfg.MempoolBatch {
			// Leave the rest unseen; the next pass picks them up.
			continue
		}
		fetched++
		seen[txid] = struct{}{}

		tx, err := m.node.TransactionByID(ctx, txid)
		if err != nil {
			if !errors.Is(err, zcashd.ErrTxNotFound) {
				m.emitError(fmt.Errorf("get mempool tx %s: %w", txid, err))
			}
			continue
		}
		m.matchTx(ctx, tx, open, "mempool")
	}
	m.seenMempool = seen
}

// checkReorg re-queries every record within the safety depth of the tip.
// Vanished transactions are marked lost and their intents revert to Created;
// moved transactions get their position recomputed. On any change the cursor
// rewinds so the block scan re-walks the window.
func (m *Monitor) checkReorg(ctx context.Context) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	tip, err := m.node.BlockCount(ctx)
	if err != nil {
		m.emitError(fmt.Errorf("get tip: %w", err))
		return
	}
	floor := tip - int64(m.cfg.ReorgSafetyDepth)
	if floor < 1 {
		floor = 1
	}

	records, err := m.store.ListTxRecordsFromHeight(ctx, floor)
	if err != nil {
		m.emitError(fmt.Errorf("list tx records: %w", err))
		return
	}

	var changed bool
	for _, rec := range records {
		if rec.Status == storage.TxStatusMempool {
			continue
		}
		tx, err := m.node.TransactionByID(ctx, rec.TxID)
		if err != nil {
			if errors.Is(err, zcashd.ErrTxNotFound) {
				m.handleLostTx(ctx, rec)
				changed = true
				continue
			}
			m.emitError(fmt.Errorf("recheck tx %s: %w", rec.TxID, err))
			continue
		}
		if tx.Confirmations < 0 {
			m.handleLostTx(ctx, rec)
			changed = true
			continue
		}
		if tx.Height != rec.BlockHeight {
			changed = true
		}

		intent, err := m.store.GetPaymentIntent(ctx, rec.IntentID)
		if err != nil {
			m.emitError(fmt.Errorf("get intent %s: %w", rec.IntentID, err))
			continue
		}
		m.applyConfirmations(ctx, intent, tx)
	}

	if changed {
		m.advanceCursor(ctx, floor)
		if m.metrics != nil {
			m.metrics.ReorgsHandledTotal.Inc()
		}
		log.Warn().Int64("rewound_to", floor).Msg("monitor.reorg_handled")
		m.emit(Event{Type: EventReorgHandled, BlockHeight: floor})
	}
}

// handleLostTx marks the record lost and reverts its intent to Created,
// clearing the observed bindings. The reversion emits no webhook.
func (m *Monitor) handleLostTx(ctx context.Context, rec storage.TxRecord) {
	if err := m.store.MarkTxLost(ctx, rec.TxID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.emitError(fmt.Errorf("mark tx lost %s: %w", rec.TxID, err))
	}

	intent, err := m.store.GetPaymentIntent(ctx, rec.IntentID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.emitError(fmt.Errorf("get intent %s: %w", rec.IntentID, err))
		}
		return
	}
	if intent.State != storage.StateAwaitingConfirmation && intent.State != storage.StateVerified {
		return
	}

	err = m.store.TryTransition(ctx, intent.ID, intent.State, storage.StateCreated,
		storage.IntentPatch{ClearBindings: true})
	if err != nil && !m.benignTransitionErr(err) {
		m.emitError(fmt.Errorf("revert intent %s: %w", intent.ID, err))
		return
	}

	if m.metrics != nil {
		m.metrics.TransactionsLostTotal.Inc()
	}
	log.Warn().
		Str("intent_id", intent.ID).
		Str("txid", rec.TxID).
		Msg("monitor.transaction_lost")
	m.emit(Event{Type: EventTransactionLost, IntentID: intent.ID, TxID: rec.TxID})
}

// refreshIntent re-queries the bound transaction and drives the intent.
func (m *Monitor) refreshIntent(ctx context.Context, intent storage.PaymentIntent) {
	tx, err := m.node.TransactionByID(ctx, intent.ObservedTxid)
	if err != nil {
		if errors.Is(err, zcashd.ErrTxNotFound) {
			m.handleLostTx(ctx, storage.TxRecord{TxID: intent.ObservedTxid, IntentID: intent.ID})
			return
		}
		m.emitError(fmt.Errorf("refresh tx %s: %w", intent.ObservedTxid, err))
		return
	}
	if tx.Confirmations < 0 {
		m.handleLostTx(ctx, storage.TxRecord{TxID: intent.ObservedTxid, IntentID: intent.ID})
		return
	}
	m.applyConfirmations(ctx, intent, tx)
}

// ScanPaymentIntent synchronously re-scans one intent, used to accelerate
// detection after a client presents an authorization.
func (m *Monitor) ScanPaymentIntent(ctx context.Context, id string) error {
	intent, err := m.store.GetPaymentIntent(ctx, id)
	if err != nil {
		return err
	}
	if intent.ObservedTxid == "" || intent.State.IsTerminal() {
		return nil
	}
	m.refreshIntent(ctx, intent)
	return nil
}

func (m *Monitor) emit(ev Event) {
	ev.At = time.Now().UTC()
	select {
	case m.events <- ev:
	default:
		log.Warn().Str("event", string(ev.Type)).Msg("monitor.event_dropped")
	}
}

func (m *Monitor) emitError(err error) {
	log.Error().Err(err).Msg("monitor.error")
	m.emit(Event{Type: EventError, Err: err})
}
