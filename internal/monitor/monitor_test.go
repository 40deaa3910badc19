package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ZecPay/facilitator/internal/config"
	"github.com/ZecPay/facilitator/internal/money"
	"github.com/ZecPay/facilitator/internal/storage"
	"github.com/ZecPay/facilitator/internal/zcashd"
)

// fakeNode is an in-memory zcashd.NodeClient.
type fakeNode struct {
	tip     int64
	blocks  map[int64]*zcashd.Block
	txs     map[string]*zcashd.Transaction
	mempool []string
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		blocks: make(map[int64]*zcashd.Block),
		txs:    make(map[string]*zcashd.Transaction),
	}
}

func (f *fakeNode) BlockCount(context.Context) (int64, error) { return f.tip, nil }

func (f *fakeNode) BlockHash(_ context.Context, height int64) (string, error) {
	if b, ok := f.blocks[height]; ok {
		return b.Hash, nil
	}
	return "", errors.New("block not found")
}

func (f *fakeNode) BlockByHeight(_ context.Context, height int64) (*zcashd.Block, error) {
	b, ok := f.blocks[height]
	if !ok {
		return nil, errors.New("block not found")
	}
	return b, nil
}

func (f *fakeNode) TransactionByID(_ context.Context, txid string) (*zcashd.Transaction, error) {
	tx, ok := f.txs[txid]
	if !ok {
		return nil, zcashd.ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeNode) MempoolTxIDs(context.Context) ([]string, error) { return f.mempool, nil }

func (f *fakeNode) ValidateAddress(_ context.Context, addr string) (*zcashd.AddressInfo, error) {
	return &zcashd.AddressInfo{IsValid: true, Address: addr}, nil
}

func (f *fakeNode) ZValidateAddress(_ context.Context, addr string) (*zcashd.AddressInfo, error) {
	return &zcashd.AddressInfo{IsValid: true, Address: addr}, nil
}

func (f *fakeNode) AddressBalance(context.Context, string) (money.Zatoshi, error) { return 0, nil }

func (f *fakeNode) Ping(context.Context) error { return nil }

// addBlock registers a block and its transactions at the given height.
func (f *fakeNode) addBlock(height int64, txs ...zcashd.Transaction) {
	confirmations := f.tip - height + 1
	if f.tip < height {
		f.tip = height
		confirmations = 1
	}
	block := &zcashd.Block{
		Hash:          "hash_" + time.Now().Format("150405.000000000"),
		Height:        height,
		Confirmations: confirmations,
		Tx:            txs,
	}
	for i := range block.Tx {
		block.Tx[i].Height = height
		block.Tx[i].BlockHash = block.Hash
		if block.Tx[i].Confirmations == 0 {
			block.Tx[i].Confirmations = confirmations
		}
		txCopy := block.Tx[i]
		f.txs[txCopy.TxID] = &txCopy
	}
	f.blocks[height] = block
}

func payingTx(txid, to string, amount int64) zcashd.Transaction {
	return zcashd.Transaction{
		TxID: txid,
		Vout: []zcashd.Vout{
			{N: 0, ValueZat: amount, ScriptPubKey: zcashd.ScriptPubKey{Addresses: []string{to}, Type: "pubkeyhash"}},
		},
	}
}

func monitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		BlockScanInterval: config.Duration{Duration: time.Hour},
		MempoolInterval:   config.Duration{Duration: time.Hour},
		ReorgInterval:     config.Duration{Duration: time.Hour},
		MaxBlocksPerScan:  100,
		ReorgSafetyDepth:  10,
		MempoolBatch:      256,
		EventBuffer:       64,
	}
}

func protocolConfig() config.ProtocolConfig {
	return config.ProtocolConfig{
		Network:               "testnet",
		RequiredConfirmations: 3,
	}
}

func newTestMonitor(t *testing.T, node *fakeNode) (*Monitor, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.CreateMerchant(context.Background(), storage.Merchant{
		ID:           "m_1",
		Name:         "Test Merchant",
		PayToAddress: "tmMerchant",
		WebhookURL:   "https://merchant.example/hooks",
	}); err != nil {
		t.Fatalf("create merchant: %v", err)
	}
	return New(monitorConfig(), protocolConfig(), node, store, nil), store
}

func openIntent(t *testing.T, store *storage.MemoryStore, id string, amount int64) {
	t.Helper()
	err := store.CreatePaymentIntent(context.Background(), storage.PaymentIntent{
		ID:           id,
		MerchantID:   "m_1",
		Resource:     "/premium",
		Scheme:       "transparent",
		Network:      "testnet",
		Amount:       money.Zatoshi(amount),
		PayToAddress: "tmMerchant",
		State:        storage.StateCreated,
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create intent %s: %v", id, err)
	}
}

func drainEvents(m *Monitor) []Event {
	var out []Event
	for {
		select {
		case ev := <-m.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBlockScanMatchesIntent(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	m, store := newTestMonitor(t, node)

	openIntent(t, store, "pi_1", 100000)

	node.addBlock(100, payingTx("aa11", "tmMerchant", 100000))
	m.cursor = 99

	m.scanBlocks(ctx)

	intent, err := store.GetPaymentIntent(ctx, "pi_1")
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.State != storage.StateVerified {
		t.Errorf("expected verified at 1 confirmation, got %s", intent.State)
	}
	if intent.ObservedTxid != "aa11" {
		t.Errorf("expected bound txid aa11, got %q", intent.ObservedTxid)
	}
	if m.cursor != 100 {
		t.Errorf("cursor should advance to 100, got %d", m.cursor)
	}

	rec, err := store.GetTxRecord(ctx, "aa11")
	if err != nil {
		t.Fatalf("get tx record: %v", err)
	}
	if rec.IntentID != "pi_1" || rec.Status != storage.TxStatusConfirming {
		t.Errorf("unexpected record: %+v", rec)
	}

	events := drainEvents(m)
	if len(events) == 0 || events[0].Type != EventPaymentDetected {
		t.Errorf("expected payment_detected first, got %+v", events)
	}
}

func TestBlockScanAmountTolerance(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	m, store := newTestMonitor(t, node)

	openIntent(t, store, "pi_short", 100000)

	// One zatoshi short still matches; two do not.
	node.addBlock(100, payingTx("aa11", "tmMerchant", 99999))
	m.cursor = 99
	m.scanBlocks(ctx)

	intent, _ := store.GetPaymentIntent(ctx, "pi_short")
	if intent.ObservedTxid != "aa11" {
		t.Errorf("one-zatoshi shortfall should match, got %q", intent.ObservedTxid)
	}

	openIntent(t, store, "pi_far", 100000)
	node.addBlock(101, payingTx("bb22", "tmMerchant", 99998))
	m.scanBlocks(ctx)

	far, _ := store.GetPaymentIntent(ctx, "pi_far")
	if far.ObservedTxid != "" {
		t.Errorf("two-zatoshi shortfall must not match, got %q", far.ObservedTxid)
	}

	// A transaction paying the address nothing never matches, even when the
	// intent amount is inside the tolerance of zero.
	openIntent(t, store, "pi_tiny", 1)
	node.addBlock(102, payingTx("cc33", "tmElsewhere", 500000))
	m.scanBlocks(ctx)

	tiny, _ := store.GetPaymentIntent(ctx, "pi_tiny")
	if tiny.ObservedTxid != "" {
		t.Errorf("zero paid must not match, got %q", tiny.ObservedTxid)
	}
}

func TestBlockScanResolvesSender(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	m, store := newTestMonitor(t, node)

	// The funding transaction's spent output carries the sender address.
	funding := zcashd.Transaction{
		TxID: "fund01",
		Vout: []zcashd.Vout{
			{N: 0, ValueZat: 5000000, ScriptPubKey: zcashd.ScriptPubKey{Addresses: []string{"tmChange"}, Type: "pubkeyhash"}},
			{N: 1, ValueZat: 200000, ScriptPubKey: zcashd.ScriptPubKey{Addresses: []string{"tmSender"}, Type: "pubkeyhash"}},
		},
	}
	node.txs["fund01"] = &funding

	openIntent(t, store, "pi_1", 100000)
	pay := payingTx("aa11", "tmMerchant", 100000)
	pay.Vin = []zcashd.Vin{{TxID: "fund01", OutputIdx: 1}}
	node.addBlock(100, pay)
	m.cursor = 99

	m.scanBlocks(ctx)

	intent, err := store.GetPaymentIntent(ctx, "pi_1")
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.ObservedFrom != "tmSender" {
		t.Errorf("expected sender tmSender, got %q", intent.ObservedFrom)
	}
	rec, err := store.GetTxRecord(ctx, "aa11")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.FromAddress != "tmSender" {
		t.Errorf("expected record sender tmSender, got %q", rec.FromAddress)
	}

	// A coinbase payment has no funding transaction; the sender stays empty.
	openIntent(t, store, "pi_cb", 100000)
	coinbase := payingTx("bb22", "tmMerchant", 100000)
	coinbase.Vin = []zcashd.Vin{{}}
	node.addBlock(101, coinbase)
	m.scanBlocks(ctx)

	cb, _ := store.GetPaymentIntent(ctx, "pi_cb")
	if cb.ObservedTxid != "bb22" {
		t.Fatalf("coinbase payment should still bind, got %q", cb.ObservedTxid)
	}
	if cb.ObservedFrom != "" {
		t.Errorf("coinbase sender should stay empty, got %q", cb.ObservedFrom)
	}
}

func TestConfirmationsDriveSettlement(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	m, store := newTestMonitor(t, node)

	openIntent(t, store, "pi_1", 100000)

	node.addBlock(100, payingTx("aa11", "tmMerchant", 100000))
	m.cursor = 99
	m.scanBlocks(ctx)

	// Three more blocks put the payment at the required depth.
	node.addBlock(101)
	node.addBlock(102)
	node.addBlock(103)
	node.txs["aa11"].Confirmations = 4
	m.scanBlocks(ctx)

	// The tx is in block 100, outside the new scan range; a refresh pass
	// picks up the new depth.
	if err := m.ScanPaymentIntent(ctx, "pi_1"); err != nil {
		t.Fatalf("force scan: %v", err)
	}

	intent, _ := store.GetPaymentIntent(ctx, "pi_1")
	if intent.State != storage.StateSettled {
		t.Fatalf("expected settled at 4 >= 3 confirmations, got %s", intent.State)
	}
	if intent.SettledAt == nil {
		t.Error("settledAt should be set")
	}

	hooks, _ := store.ListWebhooksForIntent(ctx, "pi_1")
	var events []string
	for _, h := range hooks {
		events = append(events, h.EventType)
	}
	want := []string{storage.EventPaymentPending, storage.EventPaymentVerified, storage.EventPaymentSettled}
	if len(events) != len(want) {
		t.Fatalf("expected webhooks %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("webhook %d: expected %s, got %s", i, want[i], events[i])
		}
	}
}

func TestMempoolScanMatches(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	m, store := newTestMonitor(t, node)

	openIntent(t, store, "pi_1", 100000)

	tx := payingTx("aa11", "tmMerchant", 100000)
	node.txs["aa11"] = &tx
	node.mempool = []string{"aa11"}

	m.scanMempool(ctx)

	intent, _ := store.GetPaymentIntent(ctx, "pi_1")
	if intent.State != storage.StateAwaitingConfirmation {
		t.Errorf("expected awaiting_confirmation, got %s", intent.State)
	}
	if intent.Confirmations != 0 {
		t.Errorf("mempool match should have 0 confirmations, got %d", intent.Confirmations)
	}

	rec, err := store.GetTxRecord(ctx, "aa11")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != storage.TxStatusMempool {
		t.Errorf("expected mempool status, got %s", rec.Status)
	}

	// A second pass does not rebind or error: the txid is cached as seen.
	m.scanMempool(ctx)
	again, _ := store.GetPaymentIntent(ctx, "pi_1")
	if again.State != storage.StateAwaitingConfirmation {
		t.Errorf("second pass changed state to %s", again.State)
	}
}

func TestReorgRevertsIntent(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	m, store := newTestMonitor(t, node)

	openIntent(t, store, "pi_1", 100000)

	node.addBlock(100, payingTx("aa11", "tmMerchant", 100000))
	m.cursor = 99
	m.scanBlocks(ctx)

	intent, _ := store.GetPaymentIntent(ctx, "pi_1")
	if intent.State != storage.StateVerified {
		t.Fatalf("setup: expected verified, got %s", intent.State)
	}
	drainEvents(m)

	// The transaction vanishes from the chain.
	delete(node.txs, "aa11")
	node.tip = 105

	m.checkReorg(ctx)

	intent, _ = store.GetPaymentIntent(ctx, "pi_1")
	if intent.State != storage.StateCreated {
		t.Errorf("expected revert to created, got %s", intent.State)
	}
	if intent.ObservedTxid != "" || intent.Confirmations != 0 {
		t.Errorf("bindings not cleared: %+v", intent)
	}

	rec, err := store.GetTxRecord(ctx, "aa11")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec.Status != storage.TxStatusLost {
		t.Errorf("expected lost record, got %s", rec.Status)
	}

	if m.cursor != 95 {
		t.Errorf("cursor should rewind to tip-safetyDepth=95, got %d", m.cursor)
	}

	var sawLost, sawReorg bool
	for _, ev := range drainEvents(m) {
		switch ev.Type {
		case EventTransactionLost:
			sawLost = true
		case EventReorgHandled:
			sawReorg = true
		}
	}
	if !sawLost || !sawReorg {
		t.Errorf("expected transaction_lost and reorg_handled events (lost=%v reorg=%v)", sawLost, sawReorg)
	}

	// The re-broadcast payment matches again without a duplicate webhook.
	for h := int64(96); h <= 105; h++ {
		if _, ok := node.blocks[h]; !ok {
			node.addBlock(h)
		}
	}
	node.addBlock(106, payingTx("aa11", "tmMerchant", 100000))
	m.scanBlocks(ctx)

	intent, _ = store.GetPaymentIntent(ctx, "pi_1")
	if intent.State != storage.StateVerified {
		t.Errorf("expected re-verified after rematch, got %s", intent.State)
	}
	hooks, _ := store.ListWebhooksForIntent(ctx, "pi_1")
	counts := make(map[string]int)
	for _, h := range hooks {
		counts[h.EventType]++
	}
	if counts[storage.EventPaymentPending] != 1 || counts[storage.EventPaymentVerified] != 1 {
		t.Errorf("reorg replay duplicated webhooks: %v", counts)
	}
}

func TestCursorRecovery(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	node.tip = 500

	t.Run("from confirmed records", func(t *testing.T) {
		m, store := newTestMonitor(t, node)
		if err := store.UpsertTxRecord(ctx, storage.TxRecord{
			TxID: "aa11", IntentID: "pi_1", Amount: 1, ToAddress: "tmMerchant",
			BlockHeight: 480, Status: storage.TxStatusConfirmed,
		}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := m.recoverCursor(ctx); err != nil {
			t.Fatalf("recover: %v", err)
		}
		if m.cursor != 480 {
			t.Errorf("expected cursor 480, got %d", m.cursor)
		}
	})

	t.Run("from tip when no records", func(t *testing.T) {
		m, _ := newTestMonitor(t, node)
		if err := m.recoverCursor(ctx); err != nil {
			t.Fatalf("recover: %v", err)
		}
		if m.cursor != 500 {
			t.Errorf("expected cursor at tip 500, got %d", m.cursor)
		}
	})

	t.Run("from persisted cursor", func(t *testing.T) {
		m, store := newTestMonitor(t, node)
		if err := store.SetMonitorCursor(ctx, 490); err != nil {
			t.Fatalf("set cursor: %v", err)
		}
		if err := m.recoverCursor(ctx); err != nil {
			t.Fatalf("recover: %v", err)
		}
		if m.cursor != 490 {
			t.Errorf("expected cursor 490, got %d", m.cursor)
		}
	})
}

func TestScanPaymentIntentLostTx(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	m, store := newTestMonitor(t, node)

	openIntent(t, store, "pi_1", 100000)

	tx := payingTx("aa11", "tmMerchant", 100000)
	node.txs["aa11"] = &tx
	node.mempool = []string{"aa11"}
	m.scanMempool(ctx)

	// The mempool evicts the transaction before it confirms.
	delete(node.txs, "aa11")

	if err := m.ScanPaymentIntent(ctx, "pi_1"); err != nil {
		t.Fatalf("force scan: %v", err)
	}

	intent, _ := store.GetPaymentIntent(ctx, "pi_1")
	if intent.State != storage.StateCreated {
		t.Errorf("expected revert to created after eviction, got %s", intent.State)
	}
}

func TestScanGapCapped(t *testing.T) {
	ctx := context.Background()
	node := newFakeNode()
	m, _ := newTestMonitor(t, node)

	for h := int64(1); h <= 250; h++ {
		node.addBlock(h)
	}
	m.cursor = 0

	m.scanBlocks(ctx)

	// Only the trailing MaxBlocksPerScan window is walked.
	if m.cursor != 250 {
		t.Errorf("cursor should land on tip, got %d", m.cursor)
	}
}
