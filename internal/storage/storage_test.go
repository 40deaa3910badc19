package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ZecPay/facilitator/internal/money"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to IntentState }{
		{StateCreated, StateAwaitingConfirmation},
		{StateCreated, StateExpired},
		{StateCreated, StateFailed},
		{StateAwaitingConfirmation, StateVerified},
		{StateAwaitingConfirmation, StateCreated},
		{StateAwaitingConfirmation, StateFailed},
		{StateVerified, StateSettled},
		{StateVerified, StateCreated},
		{StateVerified, StateFailed},
		{StateSettled, StateRefunded},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to IntentState }{
		{StateCreated, StateVerified},
		{StateCreated, StateSettled},
		{StateAwaitingConfirmation, StateSettled},
		{StateSettled, StateCreated},
		{StateSettled, StateFailed},
		{StateExpired, StateCreated},
		{StateRefunded, StateSettled},
		{StateFailed, StateCreated},
		{StateExpired, StateFailed},
		{IntentState("bogus"), StateCreated},
		{StateCreated, IntentState("bogus")},
	}
	for _, tc := range denied {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be denied", tc.from, tc.to)
		}
	}
}

func TestWebhookEventForTransition(t *testing.T) {
	cases := []struct {
		from, to IntentState
		event    string
		ok       bool
	}{
		{StateCreated, StateAwaitingConfirmation, EventPaymentPending, true},
		{StateAwaitingConfirmation, StateVerified, EventPaymentVerified, true},
		{StateVerified, StateSettled, EventPaymentSettled, true},
		{StateCreated, StateExpired, EventPaymentExpired, true},
		{StateSettled, StateRefunded, EventPaymentRefunded, true},
		{StateCreated, StateFailed, EventPaymentFailed, true},
		{StateAwaitingConfirmation, StateCreated, "", false},
	}
	for _, tc := range cases {
		event, ok := WebhookEventForTransition(tc.from, tc.to)
		if ok != tc.ok || event != tc.event {
			t.Errorf("%s -> %s: got (%q, %v), want (%q, %v)", tc.from, tc.to, event, ok, tc.event, tc.ok)
		}
	}
}

func testIntent(id string) PaymentIntent {
	return PaymentIntent{
		ID:                    id,
		MerchantID:            "m_1",
		Resource:              "/premium/report",
		Scheme:                "transparent",
		Network:               "mainnet",
		Amount:                money.Zatoshi(100000),
		PayToAddress:          "t1MerchantAddr",
		State:                 StateCreated,
		Nonce:                 "deadbeefdeadbeefdeadbeefdeadbeef",
		ChallengeSignature:    "sig",
		RequiredConfirmations: 6,
		ExpiresAt:             time.Now().Add(time.Hour),
	}
}

func testMerchant() Merchant {
	return Merchant{
		ID:            "m_1",
		Name:          "Test Merchant",
		APIKeyHash:    "hash1",
		PayToAddress:  "t1MerchantAddr",
		WebhookURL:    "https://merchant.example/hooks",
		WebhookSecret: "whsec_test",
	}
}

func newStoreWithMerchant(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	if err := store.CreateMerchant(context.Background(), testMerchant()); err != nil {
		t.Fatalf("create merchant: %v", err)
	}
	return store
}

func TestCreateAndGetPaymentIntent(t *testing.T) {
	store := newStoreWithMerchant(t)
	ctx := context.Background()

	if err := store.CreatePaymentIntent(ctx, testIntent("pi_1")); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if err := store.CreatePaymentIntent(ctx, testIntent("pi_1")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	intent, err := store.GetPaymentIntent(ctx, "pi_1")
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if intent.State != StateCreated || intent.Amount != 100000 {
		t.Errorf("unexpected intent: %+v", intent)
	}

	if _, err := store.GetPaymentIntent(ctx, "pi_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTryTransition_HappyPathEnqueuesWebhooks(t *testing.T) {
	store := newStoreWithMerchant(t)
	ctx := context.Background()

	if err := store.CreatePaymentIntent(ctx, testIntent("pi_1")); err != nil {
		t.Fatalf("create intent: %v", err)
	}

	txid := "aa11"
	from := "t1Payer"
	conf := 0
	now := time.Now().UTC()
	err := store.TryTransition(ctx, "pi_1", StateCreated, StateAwaitingConfirmation, IntentPatch{
		ObservedTxid:  &txid,
		ObservedFrom:  &from,
		Confirmations: &conf,
		ObservedAt:    &now,
	})
	if err != nil {
		t.Fatalf("transition to awaiting: %v", err)
	}

	intent, _ := store.GetPaymentIntent(ctx, "pi_1")
	if intent.State != StateAwaitingConfirmation || intent.ObservedTxid != "aa11" {
		t.Errorf("unexpected intent after match: %+v", intent)
	}

	one := 1
	if err := store.TryTransition(ctx, "pi_1", StateAwaitingConfirmation, StateVerified, IntentPatch{Confirmations: &one}); err != nil {
		t.Fatalf("transition to verified: %v", err)
	}
	six := 6
	settledAt := time.Now().UTC()
	if err := store.TryTransition(ctx, "pi_1", StateVerified, StateSettled, IntentPatch{Confirmations: &six, SettledAt: &settledAt}); err != nil {
		t.Fatalf("transition to settled: %v", err)
	}

	hooks, err := store.ListWebhooksForIntent(ctx, "pi_1")
	if err != nil {
		t.Fatalf("list webhooks: %v", err)
	}
	if len(hooks) != 3 {
		t.Fatalf("expected 3 enqueued webhooks, got %d", len(hooks))
	}
	wantEvents := []string{EventPaymentPending, EventPaymentVerified, EventPaymentSettled}
	for i, want := range wantEvents {
		if hooks[i].EventType != want {
			t.Errorf("webhook %d: expected %s, got %s", i, want, hooks[i].EventType)
		}
		if hooks[i].Status != WebhookStatusPending {
			t.Errorf("webhook %d: expected pending, got %s", i, hooks[i].Status)
		}
	}

	// The bound txid resolves back to the intent.
	found, err := store.FindIntentByTxID(ctx, "aa11")
	if err != nil || found.ID != "pi_1" {
		t.Errorf("FindIntentByTxID: got (%v, %v)", found.ID, err)
	}
}

func TestTryTransition_Idempotent(t *testing.T) {
	store := newStoreWithMerchant(t)
	ctx := context.Background()

	if err := store.CreatePaymentIntent(ctx, testIntent("pi_1")); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	txid := "aa11"
	if err := store.TryTransition(ctx, "pi_1", StateCreated, StateAwaitingConfirmation, IntentPatch{ObservedTxid: &txid}); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// Re-applying the same transition is a no-op success and does not
	// enqueue a second webhook.
	if err := store.TryTransition(ctx, "pi_1", StateCreated, StateAwaitingConfirmation, IntentPatch{ObservedTxid: &txid}); err != nil {
		t.Fatalf("idempotent re-apply: %v", err)
	}

	hooks, _ := store.ListWebhooksForIntent(ctx, "pi_1")
	if len(hooks) != 1 {
		t.Errorf("expected 1 webhook, got %d", len(hooks))
	}
}

func TestTryTransition_Guards(t *testing.T) {
	store := newStoreWithMerchant(t)
	ctx := context.Background()

	if err := store.CreatePaymentIntent(ctx, testIntent("pi_1")); err != nil {
		t.Fatalf("create intent: %v", err)
	}

	// Skipping states is rejected.
	if err := store.TryTransition(ctx, "pi_1", StateCreated, StateSettled, IntentPatch{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	// Wrong source state.
	if err := store.TryTransition(ctx, "pi_1", StateVerified, StateSettled, IntentPatch{}); !errors.Is(err, ErrStaleState) {
		t.Errorf("expected ErrStaleState, got %v", err)
	}

	if err := store.TryTransition(ctx, "pi_missing", StateCreated, StateExpired, IntentPatch{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Drive to Expired; terminal states only admit Settled -> Refunded.
	if err := store.TryTransition(ctx, "pi_1", StateCreated, StateExpired, IntentPatch{}); err != nil {
		t.Fatalf("expire: %v", err)
	}
	if err := store.TryTransition(ctx, "pi_1", StateExpired, StateFailed, IntentPatch{}); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestTryTransition_RefundGuard(t *testing.T) {
	store := newStoreWithMerchant(t)
	ctx := context.Background()

	intent := testIntent("pi_1")
	intent.State = StateSettled
	if err := store.CreatePaymentIntent(ctx, intent); err != nil {
		t.Fatalf("create intent: %v", err)
	}

	tooMuch := money.Zatoshi(100001)
	err := store.TryTransition(ctx, "pi_1", StateSettled, StateRefunded, IntentPatch{RefundAmount: &tooMuch})
	if !errors.Is(err, ErrRefundExceedsAmount) {
		t.Errorf("expected ErrRefundExceedsAmount, got %v", err)
	}

	exact := money.Zatoshi(100000)
	if err := store.TryTransition(ctx, "pi_1", StateSettled, StateRefunded, IntentPatch{RefundAmount: &exact}); err != nil {
		t.Fatalf("refund: %v", err)
	}

	got, _ := store.GetPaymentIntent(ctx, "pi_1")
	if got.State != StateRefunded || got.RefundAmount != exact {
		t.Errorf("unexpected intent after refund: %+v", got)
	}
}

func TestTryTransition_ReorgRevertClearsBindings(t *testing.T) {
	store := newStoreWithMerchant(t)
	ctx := context.Background()

	if err := store.CreatePaymentIntent(ctx, testIntent("pi_1")); err != nil {
		t.Fatalf("create intent: %v", err)
	}
	txid := "aa11"
	from := "t1Payer"
	one := 1
	if err := store.TryTransition(ctx, "pi_1", StateCreated, StateAwaitingConfirmation, IntentPatch{ObservedTxid: &txid, ObservedFrom: &from}); err != nil {
		t.Fatalf("match: %v", err)
	}
	if err := store.TryTransition(ctx, "pi_1", StateAwaitingConfirmation, StateVerified, IntentPatch{Confirmations: &one}); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// Reorg loses the transaction.
	if err := store.TryTransition(ctx, "pi_1", StateVerified, StateCreated, IntentPatch{ClearBindings: true}); err != nil {
		t.Fatalf("revert: %v", err)
	}

	intent, _ := store.GetPaymentIntent(ctx, "pi_1")
	if intent.ObservedTxid != "" || intent.ObservedFrom != "" || intent.Confirmations != 0 {
		t.Errorf("bindings not cleared: %+v", intent)
	}
	if _, err := store.FindIntentByTxID(ctx, "aa11"); !errors.Is(err, ErrNotFound) {
		t.Errorf("txid binding should be released, got %v", err)
	}

	// The reversion itself emits no webhook.
	hooks, _ := store.ListWebhooksForIntent(ctx, "pi_1")
	if len(hooks) != 2 {
		t.Errorf("expected 2 webhooks (pending, verified), got %d", len(hooks))
	}

	// If the tx re-appears the cycle resumes, and the dedupe key prevents a
	// duplicate payment.pending delivery.
	if err := store.TryTransition(ctx, "pi_1", StateCreated, StateAwaitingConfirmation, IntentPatch{ObservedTxid: &txid, ObservedFrom: &from}); err != nil {
		t.Fatalf("re-match: %v", err)
	}
	hooks, _ = store.ListWebhooksForIntent(ctx, "pi_1")
	if len(hooks) != 2 {
		t.Errorf("reorg replay should not duplicate webhooks, got %d", len(hooks))
	}
}

func TestListPaymentIntents_Filters(t *testing.T) {
	store := newStoreWithMerchant(t)
	ctx := context.Background()

	a := testIntent("pi_a")
	b := testIntent("pi_b")
	b.ExpiresAt = time.Now().Add(-time.Minute)
	c := testIntent("pi_c")
	c.MerchantID = "m_2"
	for _, intent := range []PaymentIntent{a, b, c} {
		if err := store.CreatePaymentIntent(ctx, intent); err != nil {
			t.Fatalf("create %s: %v", intent.ID, err)
		}
	}

	byMerchant, err := store.ListPaymentIntents(ctx, IntentFilter{MerchantID: "m_1"})
	if err != nil {
		t.Fatalf("list by merchant: %v", err)
	}
	if len(byMerchant) != 2 {
		t.Errorf("expected 2 intents for m_1, got %d", len(byMerchant))
	}

	expired, err := store.ListPaymentIntents(ctx, IntentFilter{
		States:        []IntentState{StateCreated, StateAwaitingConfirmation},
		ExpiredBefore: time.Now(),
	})
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "pi_b" {
		t.Errorf("expected only pi_b expired, got %+v", expired)
	}
}

func TestTxRecords(t *testing.T) {
	store := newStoreWithMerchant(t)
	ctx := context.Background()

	rec := TxRecord{
		TxID:        "aa11",
		IntentID:    "pi_1",
		Amount:      100000,
		ToAddress:   "t1MerchantAddr",
		BlockHeight: 0,
		Status:      TxStatusMempool,
	}
	if err := store.UpsertTxRecord(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rec.BlockHeight = 100
	rec.Confirmations = 3
	rec.Status = TxStatusConfirmed
	if err := store.UpsertTxRecord(ctx, rec); err != nil {
		t.Fatalf("upsert refresh: %v", err)
	}

	got, err := store.GetTxRecord(ctx, "aa11")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.BlockHeight != 100 || got.Confirmations != 3 || got.Status != TxStatusConfirmed {
		t.Errorf("unexpected record: %+v", got)
	}

	max, err := store.MaxConfirmedTxHeight(ctx)
	if err != nil || max != 100 {
		t.Errorf("MaxConfirmedTxHeight: got (%d, %v)", max, err)
	}

	inWindow, err := store.ListTxRecordsFromHeight(ctx, 95)
	if err != nil || len(inWindow) != 1 {
		t.Errorf("ListTxRecordsFromHeight(95): got (%d, %v)", len(inWindow), err)
	}
	above, err := store.ListTxRecordsFromHeight(ctx, 101)
	if err != nil || len(above) != 0 {
		t.Errorf("ListTxRecordsFromHeight(101): got (%d, %v)", len(above), err)
	}

	if err := store.MarkTxLost(ctx, "aa11"); err != nil {
		t.Fatalf("mark lost: %v", err)
	}
	afterLost, _ := store.ListTxRecordsFromHeight(ctx, 0)
	if len(afterLost) != 0 {
		t.Errorf("lost records should be excluded, got %d", len(afterLost))
	}
}

func TestTxRecords_BindingIsWriteOnce(t *testing.T) {
	store := newStoreWithMerchant(t)
	ctx := context.Background()

	if err := store.UpsertTxRecord(ctx, TxRecord{
		TxID:     "aa11",
		IntentID: "pi_first",
		Amount:   100000,
		Status:   TxStatusMempool,
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A later upsert naming another intent refreshes status fields but must
	// not rebind the txid.
	if err := store.UpsertTxRecord(ctx, TxRecord{
		TxID:          "aa11",
		IntentID:      "pi_second",
		Amount:        100000,
		BlockHeight:   100,
		Confirmations: 1,
		Status:        TxStatusConfirming,
	}); err != nil {
		t.Fatalf("upsert refresh: %v", err)
	}

	got, err := store.GetTxRecord(ctx, "aa11")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IntentID != "pi_first" {
		t.Errorf("expected binding to stay on pi_first, got %q", got.IntentID)
	}
	if got.Status != TxStatusConfirming || got.BlockHeight != 100 {
		t.Errorf("status fields should refresh: %+v", got)
	}
}

func TestArchiveTxRecords(t *testing.T) {
	store := newStoreWithMerchant(t)
	ctx := context.Background()

	settled := testIntent("pi_settled")
	settled.State = StateSettled
	open := testIntent("pi_open")
	for _, intent := range []PaymentIntent{settled, open} {
		if err := store.CreatePaymentIntent(ctx, intent); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	old := time.Now().Add(-48 * time.Hour)
	for _, rec := range []TxRecord{
		{TxID: "t_old_settled", IntentID: "pi_settled", Amount: 1, ToAddress: "a", Status: TxStatusConfirmed, FirstSeenAt: old, LastCheckedAt: old},
		{TxID: "t_old_open", IntentID: "pi_open", Amount: 1, ToAddress: "a", Status: TxStatusConfirmed, FirstSeenAt: old, LastCheckedAt: old},
		{TxID: "t_new_settled", IntentID: "pi_settled", Amount: 1, ToAddress: "a", Status: TxStatusConfirmed},
	} {
		if err := store.UpsertTxRecord(ctx, rec); err != nil {
			t.Fatalf("upsert %s: %v", rec.TxID, err)
		}
	}

	count, err := store.ArchiveTxRecords(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 archived record, got %d", count)
	}
	if _, err := store.GetTxRecord(ctx, "t_old_settled"); !errors.Is(err, ErrNotFound) {
		t.Error("old settled record should be archived")
	}
	if _, err := store.GetTxRecord(ctx, "t_old_open"); err != nil {
		t.Error("record of an open intent must survive archival")
	}
}

func TestMonitorCursor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.GetMonitorCursor(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for fresh cursor, got %v", err)
	}

	if err := store.SetMonitorCursor(ctx, 2500000); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	cursor, err := store.GetMonitorCursor(ctx)
	if err != nil || cursor.LastScannedHeight != 2500000 {
		t.Errorf("cursor: got (%d, %v)", cursor.LastScannedHeight, err)
	}
}

func TestMerchants(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	m := testMerchant()
	if err := store.CreateMerchant(ctx, m); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateMerchant(ctx, m); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	byKey, err := store.GetMerchantByAPIKeyHash(ctx, "hash1")
	if err != nil || byKey.ID != "m_1" {
		t.Errorf("lookup by key hash: got (%s, %v)", byKey.ID, err)
	}
	if _, err := store.GetMerchantByAPIKeyHash(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAcquireJobLock(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	release, acquired, err := store.AcquireJobLock(ctx, "expiry")
	if err != nil || !acquired {
		t.Fatalf("first acquire: (%v, %v)", acquired, err)
	}

	_, second, err := store.AcquireJobLock(ctx, "expiry")
	if err != nil || second {
		t.Errorf("second acquire should fail: (%v, %v)", second, err)
	}

	// Unrelated locks are independent.
	otherRelease, other, err := store.AcquireJobLock(ctx, "auto_settle")
	if err != nil || !other {
		t.Errorf("unrelated lock: (%v, %v)", other, err)
	}
	otherRelease()

	release()
	release() // double release is safe

	_, again, err := store.AcquireJobLock(ctx, "expiry")
	if err != nil || !again {
		t.Errorf("re-acquire after release: (%v, %v)", again, err)
	}
}
