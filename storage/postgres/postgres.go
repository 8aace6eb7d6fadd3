// Package postgres provides a PostgreSQL implementation of the billing.Store
// interface. Idempotent writes use INSERT ... ON CONFLICT DO NOTHING; the
// single-active-subscription invariant is enforced inside a transaction.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Store implements billing.Store using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL store configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool:   pool,
		config: config,
	}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the billing tables if they do not exist. Intended for
// development and tests; production deployments manage migrations separately.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS billing_webhook_events (
			event_id    TEXT PRIMARY KEY,
			kind        TEXT NOT NULL,
			payload     BYTEA,
			received_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS billing_subscriptions (
			subscription_id      TEXT PRIMARY KEY,
			account_id           TEXT NOT NULL,
			customer_id          TEXT NOT NULL DEFAULT '',
			plan                 TEXT NOT NULL,
			status               TEXT NOT NULL,
			current_period_end   TIMESTAMPTZ,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			trial_end            TIMESTAMPTZ,
			updated_at           TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS billing_subscriptions_account_idx
			ON billing_subscriptions (account_id)`,
		`CREATE TABLE IF NOT EXISTS billing_payments (
			invoice_id      TEXT PRIMARY KEY,
			account_id      TEXT NOT NULL,
			subscription_id TEXT NOT NULL DEFAULT '',
			amount          DOUBLE PRECISION NOT NULL,
			currency        TEXT NOT NULL,
			status          TEXT NOT NULL,
			payment_method  TEXT NOT NULL DEFAULT '',
			invoice_url     TEXT NOT NULL DEFAULT '',
			invoice_pdf     TEXT NOT NULL DEFAULT '',
			failure_reason  TEXT NOT NULL DEFAULT '',
			paid_at         TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS billing_payments_account_idx
			ON billing_payments (account_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS billing_customer_mappings (
			account_id  TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL UNIQUE,
			email       TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// RecordEvent implements billing.Store
func (s *Store) RecordEvent(ctx context.Context, event *billing.WebhookEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid webhook event")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO billing_webhook_events (event_id, kind, payload, received_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, string(event.Kind), event.Payload, event.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// HasEvent implements billing.Store
func (s *Store) HasEvent(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM billing_webhook_events WHERE event_id = $1)`,
		eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return exists, nil
}

// UpsertSubscription implements billing.Store. The upsert and the demotion of
// any other active subscription for the account run in one transaction.
func (s *Store) UpsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.SubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx,
		`INSERT INTO billing_subscriptions
			(subscription_id, account_id, customer_id, plan, status,
			 current_period_end, cancel_at_period_end, trial_end, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (subscription_id) DO UPDATE SET
				account_id = EXCLUDED.account_id,
				customer_id = EXCLUDED.customer_id,
				plan = EXCLUDED.plan,
				status = EXCLUDED.status,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				trial_end = EXCLUDED.trial_end,
				updated_at = EXCLUDED.updated_at`,
		sub.SubscriptionID, sub.AccountID, sub.CustomerID, sub.Plan, sub.Status,
		nullableTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd, sub.TrialEnd, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if sub.Active() {
		_, err = tx.Exec(ctx,
			`UPDATE billing_subscriptions
				SET status = $1, updated_at = $2
				WHERE account_id = $3
				  AND subscription_id <> $4
				  AND status IN ($5, $6)`,
			billing.SubscriptionStatusCanceled, sub.UpdatedAt,
			sub.AccountID, sub.SubscriptionID,
			billing.SubscriptionStatusActive, billing.SubscriptionStatusTrialing)
		if err != nil {
			return fmt.Errorf("failed to demote stale subscriptions: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetSubscription implements billing.Store
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT subscription_id, account_id, customer_id, plan, status,
				current_period_end, cancel_at_period_end, trial_end, updated_at
			FROM billing_subscriptions WHERE subscription_id = $1`,
		subscriptionID)
	return scanSubscription(row)
}

// GetSubscriptionForAccount implements billing.Store. Prefers an active or
// trialing subscription; falls back to the most recently updated row.
func (s *Store) GetSubscriptionForAccount(ctx context.Context, accountID string) (*billing.Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT subscription_id, account_id, customer_id, plan, status,
				current_period_end, cancel_at_period_end, trial_end, updated_at
			FROM billing_subscriptions
			WHERE account_id = $1
			ORDER BY (status IN ($2, $3)) DESC, updated_at DESC
			LIMIT 1`,
		accountID, billing.SubscriptionStatusActive, billing.SubscriptionStatusTrialing)
	return scanSubscription(row)
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	var periodEnd *time.Time

	err := row.Scan(
		&sub.SubscriptionID,
		&sub.AccountID,
		&sub.CustomerID,
		&sub.Plan,
		&sub.Status,
		&periodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.TrialEnd,
		&sub.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	if periodEnd != nil {
		sub.CurrentPeriodEnd = *periodEnd
	}
	return &sub, nil
}

// InsertPayment implements billing.Store
func (s *Store) InsertPayment(ctx context.Context, payment *billing.PaymentRecord) (bool, error) {
	if payment == nil || payment.InvoiceID == "" {
		return false, fmt.Errorf("invalid payment record")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO billing_payments
			(invoice_id, account_id, subscription_id, amount, currency, status,
			 payment_method, invoice_url, invoice_pdf, failure_reason, paid_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (invoice_id) DO NOTHING`,
		payment.InvoiceID, payment.AccountID, payment.SubscriptionID,
		payment.Amount, payment.Currency, payment.Status,
		payment.PaymentMethod, payment.InvoiceURL, payment.InvoicePDF,
		payment.FailureReason, payment.PaidAt, payment.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ListPayments implements billing.Store
func (s *Store) ListPayments(ctx context.Context, accountID string, limit int) ([]*billing.PaymentRecord, error) {
	query := `SELECT invoice_id, account_id, subscription_id, amount, currency, status,
				payment_method, invoice_url, invoice_pdf, failure_reason, paid_at, created_at
			FROM billing_payments
			WHERE account_id = $1
			ORDER BY created_at DESC`
	args := []interface{}{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*billing.PaymentRecord
	for rows.Next() {
		var p billing.PaymentRecord
		if err := rows.Scan(
			&p.InvoiceID,
			&p.AccountID,
			&p.SubscriptionID,
			&p.Amount,
			&p.Currency,
			&p.Status,
			&p.PaymentMethod,
			&p.InvoiceURL,
			&p.InvoicePDF,
			&p.FailureReason,
			&p.PaidAt,
			&p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return out, nil
}

// CreateCustomerMapping implements billing.Store
func (s *Store) CreateCustomerMapping(ctx context.Context, mapping *billing.CustomerMapping) (bool, error) {
	if mapping == nil || mapping.AccountID == "" || mapping.CustomerID == "" {
		return false, fmt.Errorf("invalid customer mapping")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO billing_customer_mappings (account_id, customer_id, email, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_id) DO NOTHING`,
		mapping.AccountID, mapping.CustomerID, mapping.Email, mapping.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to create customer mapping: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// GetCustomerMapping implements billing.Store
func (s *Store) GetCustomerMapping(ctx context.Context, accountID string) (*billing.CustomerMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT account_id, customer_id, email, created_at
			FROM billing_customer_mappings WHERE account_id = $1`,
		accountID)
	return scanMapping(row)
}

// GetCustomerMappingByCustomerID implements billing.Store
func (s *Store) GetCustomerMappingByCustomerID(ctx context.Context, customerID string) (*billing.CustomerMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT account_id, customer_id, email, created_at
			FROM billing_customer_mappings WHERE customer_id = $1`,
		customerID)
	return scanMapping(row)
}

func scanMapping(row pgx.Row) (*billing.CustomerMapping, error) {
	var m billing.CustomerMapping
	err := row.Scan(&m.AccountID, &m.CustomerID, &m.Email, &m.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, billing.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer mapping: %w", err)
	}
	return &m, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
