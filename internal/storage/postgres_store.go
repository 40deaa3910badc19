package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ZecPay/facilitator/internal/config"
	"github.com/ZecPay/facilitator/internal/dbpool"
	"github.com/ZecPay/facilitator/internal/money"
	"github.com/lib/pq"
)

// queryTimeout bounds individual store queries so a stalled database cannot
// wedge the monitor or the HTTP surface.
const queryTimeout = 5 * time.Second

func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, queryTimeout)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	pool   *dbpool.SharedPool // nil when the store runs on a borrowed pool
	ownsDB bool
}

// NewPostgresStore creates a new PostgreSQL-backed store on its own shared
// connection pool.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresStore, error) {
	pool, err := dbpool.NewSharedPool(connectionString, poolConfig)
	if err != nil {
		return nil, err
	}

	store := &PostgresStore{db: pool.DB(), pool: pool, ownsDB: true}
	if err := store.createTables(); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store on an existing
// connection pool.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

// Close closes the connection pool if this store owns it.
func (s *PostgresStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	if s.pool != nil {
		return s.pool.Close()
	}
	return s.db.Close()
}

func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS payment_intents (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			scheme TEXT NOT NULL,
			network TEXT NOT NULL,
			amount BIGINT NOT NULL,
			pay_to_address TEXT NOT NULL,
			state TEXT NOT NULL,
			nonce TEXT NOT NULL,
			challenge_signature TEXT NOT NULL,
			required_confirmations INTEGER NOT NULL,
			observed_txid TEXT,
			observed_from TEXT,
			confirmations INTEGER NOT NULL DEFAULT 0,
			observed_at TIMESTAMPTZ,
			settled_at TIMESTAMPTZ,
			refund_amount BIGINT NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tx_records (
			txid TEXT PRIMARY KEY,
			intent_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			to_address TEXT NOT NULL,
			from_address TEXT NOT NULL DEFAULT '',
			block_height BIGINT NOT NULL DEFAULT 0,
			confirmations INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			first_seen_at TIMESTAMPTZ NOT NULL,
			last_checked_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS monitor_cursor (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			last_scanned_height BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS merchants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key_hash TEXT NOT NULL,
			pay_to_address TEXT NOT NULL,
			webhook_url TEXT NOT NULL DEFAULT '',
			webhook_secret TEXT NOT NULL DEFAULT '',
			required_confirmations INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS webhook_queue (
			id TEXT PRIMARY KEY,
			merchant_id TEXT NOT NULL,
			payment_intent_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			url TEXT NOT NULL,
			payload JSONB NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			last_http_code INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			last_attempt_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			delivered_at TIMESTAMPTZ,
			UNIQUE (payment_intent_id, event_type)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_payment_intents_observed_txid
			ON payment_intents(observed_txid) WHERE observed_txid IS NOT NULL AND observed_txid != '';
		CREATE INDEX IF NOT EXISTS idx_payment_intents_state ON payment_intents(state);
		CREATE INDEX IF NOT EXISTS idx_payment_intents_merchant ON payment_intents(merchant_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_payment_intents_expires
			ON payment_intents(expires_at) WHERE state IN ('created', 'awaiting_confirmation');
		CREATE INDEX IF NOT EXISTS idx_tx_records_height ON tx_records(block_height) WHERE status != 'lost';
		CREATE INDEX IF NOT EXISTS idx_tx_records_intent ON tx_records(intent_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_merchants_api_key ON merchants(api_key_hash);
		CREATE INDEX IF NOT EXISTS idx_webhook_queue_due
			ON webhook_queue(next_attempt_at) WHERE status IN ('pending', 'retrying');
		CREATE INDEX IF NOT EXISTS idx_webhook_queue_status ON webhook_queue(status, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_webhook_queue_intent ON webhook_queue(payment_intent_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

const intentColumns = `id, merchant_id, resource, scheme, network, amount, pay_to_address,
	state, nonce, challenge_signature, required_confirmations,
	COALESCE(observed_txid, ''), COALESCE(observed_from, ''), confirmations,
	observed_at, settled_at, refund_amount, failure_reason, metadata,
	expires_at, created_at, updated_at`

// CreatePaymentIntent stores a new intent.
func (s *PostgresStore) CreatePaymentIntent(ctx context.Context, intent PaymentIntent) error {
	if intent.ID == "" {
		return fmt.Errorf("intent id is required")
	}
	if !intent.State.IsValid() {
		return fmt.Errorf("invalid intent state %q", intent.State)
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}

	var metadata []byte
	if intent.Metadata != nil {
		var err error
		metadata, err = json.Marshal(intent.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_intents (
			id, merchant_id, resource, scheme, network, amount, pay_to_address,
			state, nonce, challenge_signature, required_confirmations,
			observed_txid, observed_from, confirmations, observed_at, settled_at,
			refund_amount, failure_reason, metadata, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`,
		intent.ID, intent.MerchantID, intent.Resource, intent.Scheme, intent.Network,
		int64(intent.Amount), intent.PayToAddress, string(intent.State), intent.Nonce,
		intent.ChallengeSignature, intent.RequiredConfirmations,
		nullString(intent.ObservedTxid), nullString(intent.ObservedFrom),
		intent.Confirmations, nullTimePtr(intent.ObservedAt), nullTimePtr(intent.SettledAt),
		int64(intent.RefundAmount), intent.FailureReason, metadata,
		intent.ExpiresAt.UTC(), intent.CreatedAt.UTC(), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert payment intent: %w", err)
	}
	return nil
}

// GetPaymentIntent retrieves an intent by ID.
func (s *PostgresStore) GetPaymentIntent(ctx context.Context, id string) (PaymentIntent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
	return scanIntent(row)
}

// FindIntentByTxID returns the intent a txid is bound to.
func (s *PostgresStore) FindIntentByTxID(ctx context.Context, txid string) (PaymentIntent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE observed_txid = $1`, txid)
	return scanIntent(row)
}

// ListPaymentIntents returns intents matching the filter, newest first.
func (s *PostgresStore) ListPaymentIntents(ctx context.Context, filter IntentFilter) ([]PaymentIntent, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.MerchantID != "" {
		query += ` AND merchant_id = ` + arg(filter.MerchantID)
	}
	if len(filter.States) > 0 {
		query += ` AND state IN (`
		for i, st := range filter.States {
			if i > 0 {
				query += ", "
			}
			query += arg(string(st))
		}
		query += `)`
	}
	if !filter.UntouchedSince.IsZero() {
		query += ` AND updated_at <= ` + arg(filter.UntouchedSince.UTC())
	}
	if !filter.ExpiredBefore.IsZero() {
		query += ` AND expires_at <= ` + arg(filter.ExpiredBefore.UTC())
	}
	if !filter.CreatedBefore.IsZero() {
		query += ` AND created_at < ` + arg(filter.CreatedBefore.UTC())
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payment intents: %w", err)
	}
	defer rows.Close()

	var out []PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

// TryTransition applies a compare-and-set state change. The patch and the
// webhook enqueue commit in the same transaction as the state mutation;
// a crash leaves either both or neither.
func (s *PostgresStore) TryTransition(ctx context.Context, id string, from, to IntentState, patch IntentPatch) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1 FOR UPDATE`, id)
	intent, err := scanIntent(row)
	if err != nil {
		return err
	}

	if intent.State == to {
		// Idempotent re-application, nothing to write.
		return tx.Commit()
	}
	if err := validateTransition(intent, from, to, patch); err != nil {
		return err
	}

	now := time.Now().UTC()
	applyPatch(&intent, patch)
	intent.State = to
	intent.UpdatedAt = now

	res, err := tx.ExecContext(ctx, `
		UPDATE payment_intents SET
			state = $1, observed_txid = $2, observed_from = $3, confirmations = $4,
			observed_at = $5, settled_at = $6, refund_amount = $7, failure_reason = $8,
			updated_at = $9
		WHERE id = $10 AND state = $11
	`,
		string(to), nullString(intent.ObservedTxid), nullString(intent.ObservedFrom),
		intent.Confirmations, nullTimePtr(intent.ObservedAt), nullTimePtr(intent.SettledAt),
		int64(intent.RefundAmount), intent.FailureReason, now, id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update payment intent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		// The row is locked, so this only happens if the state changed
		// between our read and the CAS, which FOR UPDATE excludes. Treat
		// defensively as a concurrent change.
		return ErrStaleState
	}

	if eventType, ok := WebhookEventForTransition(from, to); ok {
		if err := s.enqueueTransitionWebhookTx(ctx, tx, intent, eventType, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// enqueueTransitionWebhookTx writes a pending delivery inside the transition
// transaction. The (payment_intent_id, event_type) unique key makes replayed
// transitions a no-op.
func (s *PostgresStore) enqueueTransitionWebhookTx(ctx context.Context, tx *sql.Tx, intent PaymentIntent, eventType string, now time.Time) error {
	var webhookURL string
	err := tx.QueryRowContext(ctx, `SELECT webhook_url FROM merchants WHERE id = $1`, intent.MerchantID).Scan(&webhookURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("query merchant webhook url: %w", err)
	}
	if webhookURL == "" {
		return nil
	}

	deliveryID := newDeliveryID()
	payload, err := BuildWebhookPayload(deliveryID, eventType, intent, now)
	if err != nil {
		return fmt.Errorf("build webhook payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO webhook_queue (
			id, merchant_id, payment_intent_id, event_type, url, payload,
			status, attempts, max_attempts, next_attempt_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
		ON CONFLICT (payment_intent_id, event_type) DO NOTHING
	`,
		deliveryID, intent.MerchantID, intent.ID, eventType, webhookURL, payload,
		string(WebhookStatusPending), defaultWebhookMaxAttempts, now, now,
	)
	if err != nil {
		return fmt.Errorf("enqueue transition webhook: %w", err)
	}
	return nil
}

// UpsertTxRecord creates or refreshes a transaction record. The intent
// binding is write-once: a conflicting upsert refreshes status, height, and
// confirmations but keeps the intent the txid was first bound to.
func (s *PostgresStore) UpsertTxRecord(ctx context.Context, rec TxRecord) error {
	if rec.TxID == "" {
		return fmt.Errorf("txid is required")
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = now
	}
	if rec.LastCheckedAt.IsZero() {
		rec.LastCheckedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tx_records (txid, intent_id, amount, to_address, from_address,
			block_height, confirmations, status, first_seen_at, last_checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (txid) DO UPDATE SET
			intent_id = COALESCE(NULLIF(tx_records.intent_id, ''), EXCLUDED.intent_id),
			block_height = EXCLUDED.block_height,
			confirmations = EXCLUDED.confirmations,
			status = EXCLUDED.status,
			last_checked_at = EXCLUDED.last_checked_at
	`,
		rec.TxID, rec.IntentID, int64(rec.Amount), rec.ToAddress, rec.FromAddress,
		rec.BlockHeight, rec.Confirmations, string(rec.Status),
		rec.FirstSeenAt.UTC(), rec.LastCheckedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert tx record: %w", err)
	}
	return nil
}

// GetTxRecord retrieves a transaction record.
func (s *PostgresStore) GetTxRecord(ctx context.Context, txid string) (TxRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT txid, intent_id, amount, to_address, from_address, block_height,
			confirmations, status, first_seen_at, last_checked_at
		FROM tx_records WHERE txid = $1
	`, txid)
	return scanTxRecord(row)
}

// ListTxRecordsFromHeight returns non-lost records at or above the height.
func (s *PostgresStore) ListTxRecordsFromHeight(ctx context.Context, height int64) ([]TxRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT txid, intent_id, amount, to_address, from_address, block_height,
			confirmations, status, first_seen_at, last_checked_at
		FROM tx_records
		WHERE status != $1 AND block_height >= $2
		ORDER BY block_height ASC
	`, string(TxStatusLost), height)
	if err != nil {
		return nil, fmt.Errorf("query tx records: %w", err)
	}
	defer rows.Close()

	var out []TxRecord
	for rows.Next() {
		rec, err := scanTxRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkTxLost flags a record as dropped from the chain.
func (s *PostgresStore) MarkTxLost(ctx context.Context, txid string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tx_records SET status = $1, last_checked_at = $2 WHERE txid = $3
	`, string(TxStatusLost), time.Now().UTC(), txid)
	if err != nil {
		return fmt.Errorf("mark tx lost: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveTxRecords deletes records of terminal intents older than the cutoff.
func (s *PostgresStore) ArchiveTxRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tx_records t
		WHERE t.first_seen_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM payment_intents p
			WHERE p.id = t.intent_id AND p.state NOT IN ('settled', 'expired', 'refunded', 'failed')
		  )
	`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("archive tx records: %w", err)
	}
	return res.RowsAffected()
}

// MaxConfirmedTxHeight returns the highest confirmed block height, 0 if none.
func (s *PostgresStore) MaxConfirmedTxHeight(ctx context.Context) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var max int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(block_height), 0) FROM tx_records WHERE status = $1
	`, string(TxStatusConfirmed)).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max confirmed height: %w", err)
	}
	return max, nil
}

// GetMonitorCursor returns the singleton scan cursor.
func (s *PostgresStore) GetMonitorCursor(ctx context.Context) (MonitorCursor, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var cursor MonitorCursor
	err := s.db.QueryRowContext(ctx, `
		SELECT last_scanned_height, updated_at FROM monitor_cursor WHERE id = 1
	`).Scan(&cursor.LastScannedHeight, &cursor.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MonitorCursor{}, ErrNotFound
		}
		return MonitorCursor{}, fmt.Errorf("query monitor cursor: %w", err)
	}
	return cursor, nil
}

// SetMonitorCursor stores the scan cursor.
func (s *PostgresStore) SetMonitorCursor(ctx context.Context, height int64) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitor_cursor (id, last_scanned_height, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET
			last_scanned_height = EXCLUDED.last_scanned_height,
			updated_at = EXCLUDED.updated_at
	`, height, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set monitor cursor: %w", err)
	}
	return nil
}

// CreateMerchant stores a new merchant.
func (s *PostgresStore) CreateMerchant(ctx context.Context, m Merchant) error {
	if m.ID == "" {
		return fmt.Errorf("merchant id is required")
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merchants (id, name, api_key_hash, pay_to_address, webhook_url,
			webhook_secret, required_confirmations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		m.ID, m.Name, m.APIKeyHash, m.PayToAddress, m.WebhookURL,
		m.WebhookSecret, m.RequiredConfirmations, m.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert merchant: %w", err)
	}
	return nil
}

const merchantColumns = `id, name, api_key_hash, pay_to_address, webhook_url,
	webhook_secret, required_confirmations, created_at`

// GetMerchant retrieves a merchant by ID.
func (s *PostgresStore) GetMerchant(ctx context.Context, id string) (Merchant, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE id = $1`, id)
	return scanMerchant(row)
}

// GetMerchantByAPIKeyHash looks a merchant up by the hash of its API key.
func (s *PostgresStore) GetMerchantByAPIKeyHash(ctx context.Context, hash string) (Merchant, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE api_key_hash = $1`, hash)
	return scanMerchant(row)
}

// UpdateMerchantWebhook replaces the merchant's webhook endpoint and secret.
func (s *PostgresStore) UpdateMerchantWebhook(ctx context.Context, merchantID, url, secret string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE merchants SET webhook_url = $2, webhook_secret = $3 WHERE id = $1
	`, merchantID, url, secret)
	if err != nil {
		return fmt.Errorf("update merchant webhook: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMerchants returns all merchants.
func (s *PostgresStore) ListMerchants(ctx context.Context) ([]Merchant, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+merchantColumns+` FROM merchants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query merchants: %w", err)
	}
	defer rows.Close()

	var out []Merchant
	for rows.Next() {
		m, err := scanMerchant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AcquireJobLock takes a Postgres advisory lock on a dedicated connection so
// periodic jobs run on a single instance at a time.
func (s *PostgresStore) AcquireJobLock(ctx context.Context, name string) (func(), bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return func() {}, false, fmt.Errorf("acquire lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&acquired); err != nil {
		_ = conn.Close()
		return func() {}, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return func() {}, false, nil
	}

	release := func() {
		// Unlock on the same session, then return the connection.
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, name)
		_ = conn.Close()
	}
	return release, true, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIntent(sc scanner) (PaymentIntent, error) {
	var intent PaymentIntent
	var amount, refundAmount int64
	var state string
	var observedAt, settledAt sql.NullTime
	var metadata []byte

	err := sc.Scan(
		&intent.ID, &intent.MerchantID, &intent.Resource, &intent.Scheme, &intent.Network,
		&amount, &intent.PayToAddress, &state, &intent.Nonce, &intent.ChallengeSignature,
		&intent.RequiredConfirmations, &intent.ObservedTxid, &intent.ObservedFrom,
		&intent.Confirmations, &observedAt, &settledAt, &refundAmount,
		&intent.FailureReason, &metadata, &intent.ExpiresAt, &intent.CreatedAt, &intent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PaymentIntent{}, ErrNotFound
		}
		return PaymentIntent{}, fmt.Errorf("scan payment intent: %w", err)
	}

	intent.Amount = money.Zatoshi(amount)
	intent.RefundAmount = money.Zatoshi(refundAmount)
	intent.State = IntentState(state)
	if observedAt.Valid {
		intent.ObservedAt = &observedAt.Time
	}
	if settledAt.Valid {
		intent.SettledAt = &settledAt.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &intent.Metadata); err != nil {
			return PaymentIntent{}, fmt.Errorf("unmarshal intent metadata: %w", err)
		}
	}
	return intent, nil
}

func scanTxRecord(sc scanner) (TxRecord, error) {
	var rec TxRecord
	var amount int64
	var status string

	err := sc.Scan(
		&rec.TxID, &rec.IntentID, &amount, &rec.ToAddress, &rec.FromAddress,
		&rec.BlockHeight, &rec.Confirmations, &status, &rec.FirstSeenAt, &rec.LastCheckedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TxRecord{}, ErrNotFound
		}
		return TxRecord{}, fmt.Errorf("scan tx record: %w", err)
	}
	rec.Amount = money.Zatoshi(amount)
	rec.Status = TxStatus(status)
	return rec, nil
}

func scanMerchant(sc scanner) (Merchant, error) {
	var m Merchant
	err := sc.Scan(
		&m.ID, &m.Name, &m.APIKeyHash, &m.PayToAddress, &m.WebhookURL,
		&m.WebhookSecret, &m.RequiredConfirmations, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Merchant{}, ErrNotFound
		}
		return Merchant{}, fmt.Errorf("scan merchant: %w", err)
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
