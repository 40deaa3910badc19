package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const webhookColumns = `id, merchant_id, payment_intent_id, event_type, url, payload,
	status, attempts, max_attempts, last_http_code, last_error,
	last_attempt_at, next_attempt_at, created_at, delivered_at`

// EnqueueWebhook adds a delivery to the queue directly, outside of a
// transition. Used for manual re-sends.
func (s *PostgresStore) EnqueueWebhook(ctx context.Context, delivery WebhookDelivery) (string, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if delivery.ID == "" {
		delivery.ID = newDeliveryID()
	}
	if delivery.Status == "" {
		delivery.Status = WebhookStatusPending
	}
	now := time.Now().UTC()
	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = now
	}
	if delivery.NextAttemptAt.IsZero() {
		delivery.NextAttemptAt = now
	}
	if delivery.MaxAttempts == 0 {
		delivery.MaxAttempts = defaultWebhookMaxAttempts
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_queue (id, merchant_id, payment_intent_id, event_type, url,
			payload, status, attempts, max_attempts, last_http_code, last_error,
			last_attempt_at, next_attempt_at, created_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		delivery.ID, delivery.MerchantID, delivery.PaymentIntentID, delivery.EventType,
		delivery.URL, delivery.Payload, string(delivery.Status), delivery.Attempts,
		delivery.MaxAttempts, delivery.LastHTTPCode, delivery.LastError,
		nullTime(delivery.LastAttemptAt), delivery.NextAttemptAt.UTC(),
		delivery.CreatedAt.UTC(), nullTimePtr(delivery.DeliveredAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrDuplicate
		}
		return "", fmt.Errorf("insert webhook: %w", err)
	}
	return delivery.ID, nil
}

// DequeueWebhooks returns due deliveries, at most one per intent: the head
// of each intent's queue in enqueue order, and only when that head is due.
// A later event never overtakes an earlier one that sits in backoff.
func (s *PostgresStore) DequeueWebhooks(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+webhookColumns+`
		FROM webhook_queue w
		WHERE w.status IN ($1, $2) AND w.next_attempt_at <= $3
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_queue e
			WHERE e.payment_intent_id = w.payment_intent_id
			  AND e.status IN ($1, $2)
			  AND (e.created_at < w.created_at
			       OR (e.created_at = w.created_at AND e.id < w.id))
		  )
		ORDER BY w.next_attempt_at ASC, w.created_at ASC
		LIMIT $4
	`, string(WebhookStatusPending), string(WebhookStatusRetrying), time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due webhooks: %w", err)
	}
	defer rows.Close()

	var out []WebhookDelivery
	for rows.Next() {
		d, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkWebhookAttempt counts an attempt before dispatch.
func (s *PostgresStore) MarkWebhookAttempt(ctx context.Context, deliveryID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_queue SET attempts = attempts + 1, last_attempt_at = $1 WHERE id = $2
	`, time.Now().UTC(), deliveryID)
	if err != nil {
		return fmt.Errorf("mark webhook attempt: %w", err)
	}
	return checkAffected(res)
}

// MarkWebhookSuccess records a completed delivery. The row is kept as the
// delivery log.
func (s *PostgresStore) MarkWebhookSuccess(ctx context.Context, deliveryID string, httpCode int) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_queue
		SET status = $1, last_http_code = $2, last_error = '', delivered_at = $3
		WHERE id = $4
	`, string(WebhookStatusSent), httpCode, now, deliveryID)
	if err != nil {
		return fmt.Errorf("mark webhook success: %w", err)
	}
	return checkAffected(res)
}

// MarkWebhookFailed records a failed attempt, scheduling a retry or marking
// the delivery terminally failed when attempts are exhausted or the caller
// forces it.
func (s *PostgresStore) MarkWebhookFailed(ctx context.Context, deliveryID string, errorMsg string, httpCode int, nextAttemptAt time.Time, terminal bool) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_queue
		SET status = CASE WHEN $1 OR attempts >= max_attempts THEN $2 ELSE $3 END,
			last_error = $4,
			last_http_code = $5,
			last_attempt_at = $6,
			next_attempt_at = CASE WHEN $1 OR attempts >= max_attempts THEN next_attempt_at ELSE $7 END
		WHERE id = $8
	`, terminal, string(WebhookStatusFailed), string(WebhookStatusRetrying),
		errorMsg, httpCode, now, nextAttemptAt.UTC(), deliveryID)
	if err != nil {
		return fmt.Errorf("mark webhook failed: %w", err)
	}
	return checkAffected(res)
}

// GetWebhook retrieves a delivery by ID.
func (s *PostgresStore) GetWebhook(ctx context.Context, deliveryID string) (WebhookDelivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM webhook_queue WHERE id = $1`, deliveryID)
	return scanWebhook(row)
}

// ListWebhooks lists deliveries with an optional status filter, newest first.
func (s *PostgresStore) ListWebhooks(ctx context.Context, status WebhookStatus, limit int) ([]WebhookDelivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+webhookColumns+` FROM webhook_queue ORDER BY created_at DESC LIMIT $1
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+webhookColumns+` FROM webhook_queue WHERE status = $1 ORDER BY created_at DESC LIMIT $2
		`, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query webhooks: %w", err)
	}
	defer rows.Close()

	var out []WebhookDelivery
	for rows.Next() {
		d, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListWebhooksForIntent returns the delivery log of one intent, oldest first.
func (s *PostgresStore) ListWebhooksForIntent(ctx context.Context, intentID string) ([]WebhookDelivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+webhookColumns+` FROM webhook_queue
		WHERE payment_intent_id = $1
		ORDER BY created_at ASC
	`, intentID)
	if err != nil {
		return nil, fmt.Errorf("query intent webhooks: %w", err)
	}
	defer rows.Close()

	var out []WebhookDelivery
	for rows.Next() {
		d, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RetryWebhook resets a delivery for manual retry. Attempts are kept; the
// retried delivery gets one more dispatch before the exhaustion check
// applies again.
func (s *PostgresStore) RetryWebhook(ctx context.Context, deliveryID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_queue
		SET status = $1, next_attempt_at = $2, last_error = '', delivered_at = NULL
		WHERE id = $3
	`, string(WebhookStatusPending), time.Now().UTC(), deliveryID)
	if err != nil {
		return fmt.Errorf("retry webhook: %w", err)
	}
	return checkAffected(res)
}

// DeleteWebhook removes a delivery from the queue.
func (s *PostgresStore) DeleteWebhook(ctx context.Context, deliveryID string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM webhook_queue WHERE id = $1`, deliveryID)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return checkAffected(res)
}

func scanWebhook(sc scanner) (WebhookDelivery, error) {
	var d WebhookDelivery
	var status string
	var lastAttemptAt, deliveredAt sql.NullTime

	err := sc.Scan(
		&d.ID, &d.MerchantID, &d.PaymentIntentID, &d.EventType, &d.URL, &d.Payload,
		&status, &d.Attempts, &d.MaxAttempts, &d.LastHTTPCode, &d.LastError,
		&lastAttemptAt, &d.NextAttemptAt, &d.CreatedAt, &deliveredAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WebhookDelivery{}, ErrNotFound
		}
		return WebhookDelivery{}, fmt.Errorf("scan webhook: %w", err)
	}
	d.Status = WebhookStatus(status)
	if lastAttemptAt.Valid {
		d.LastAttemptAt = lastAttemptAt.Time
	}
	if deliveredAt.Valid {
		d.DeliveredAt = &deliveredAt.Time
	}
	return d, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func checkAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
