package billing

import "time"

// Subscription status values mirrored from the payment provider.
const (
	SubscriptionStatusTrialing   = "trialing"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusPastDue    = "past_due"
	SubscriptionStatusCanceled   = "canceled"
	SubscriptionStatusIncomplete = "incomplete"
)

// Payment status values for recorded invoice outcomes.
const (
	PaymentStatusPaid    = "paid"
	PaymentStatusPending = "pending"
	PaymentStatusFailed  = "failed"
)

// WebhookEvent is an idempotency ledger entry: one row per provider event ID,
// written once after the event's side effects have been applied. The ledger is
// append-only; entries are never updated or deleted.
type WebhookEvent struct {
	// EventID is the provider-issued event identifier (unique across all time)
	EventID string `json:"event_id"`

	// Kind is the normalized event kind
	Kind EventKind `json:"kind"`

	// Payload is the raw webhook body as delivered by the provider
	Payload []byte `json:"payload,omitempty"`

	// ReceivedAt is when the event was received
	ReceivedAt time.Time `json:"received_at"`
}

// Subscription mirrors the provider's authoritative subscription state for an
// account. Rows are keyed by SubscriptionID and mutated only by the
// synchronizer's upsert; cancellation is a status transition, not a delete.
type Subscription struct {
	// AccountID is the internal account identifier
	AccountID string `json:"account_id"`

	// SubscriptionID is the provider-issued subscription identifier (unique)
	SubscriptionID string `json:"subscription_id"`

	// CustomerID is the provider-issued customer identifier
	CustomerID string `json:"customer_id"`

	// Plan is the internal plan name resolved from the provider price
	Plan string `json:"plan"`

	// Status is one of the SubscriptionStatus* constants
	Status string `json:"status"`

	// CurrentPeriodEnd is the end of the current billing period
	CurrentPeriodEnd time.Time `json:"current_period_end"`

	// CancelAtPeriodEnd reports whether the subscription ends at period end
	CancelAtPeriodEnd bool `json:"cancel_at_period_end"`

	// TrialEnd is when the trial ends (nil if not trialing)
	TrialEnd *time.Time `json:"trial_end,omitempty"`

	// UpdatedAt is when this row was last written
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the subscription currently grants the plan.
func (s *Subscription) Active() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusTrialing
}

// PaymentRecord is a normalized record of one invoice outcome. Records are
// keyed by InvoiceID and written at most once; re-delivered invoice events are
// absorbed by the insert-if-absent guard, never updated in place.
type PaymentRecord struct {
	// AccountID is the internal account identifier
	AccountID string `json:"account_id"`

	// SubscriptionID is the provider subscription the invoice belongs to
	// (empty for one-off invoices)
	SubscriptionID string `json:"subscription_id,omitempty"`

	// InvoiceID is the provider-issued invoice identifier (unique)
	InvoiceID string `json:"invoice_id"`

	// Amount is the invoice amount in major currency units (e.g. 29.90)
	Amount float64 `json:"amount"`

	// Currency is the upper-case ISO 4217 currency code (e.g. "USD")
	Currency string `json:"currency"`

	// Status is one of the PaymentStatus* constants
	Status string `json:"status"`

	// PaymentMethod is a short label for the payment method used
	PaymentMethod string `json:"payment_method,omitempty"`

	// InvoiceURL is the hosted invoice page (empty if not provided)
	InvoiceURL string `json:"invoice_url,omitempty"`

	// InvoicePDF is the invoice document link (empty if not provided)
	InvoicePDF string `json:"invoice_pdf,omitempty"`

	// FailureReason describes why the payment failed (empty on success)
	FailureReason string `json:"failure_reason,omitempty"`

	// PaidAt is when the invoice was paid (nil if unpaid)
	PaidAt *time.Time `json:"paid_at,omitempty"`

	// CreatedAt is when this record was written
	CreatedAt time.Time `json:"created_at"`
}

// CustomerMapping links an internal account to its provider customer, 1:1.
// Created lazily on first checkout or portal request and immutable once set:
// an account never changes its provider customer in this design.
type CustomerMapping struct {
	// AccountID is the internal account identifier
	AccountID string `json:"account_id"`

	// CustomerID is the provider-issued customer identifier
	CustomerID string `json:"customer_id"`

	// Email is the billing email the customer was created with
	Email string `json:"email,omitempty"`

	// CreatedAt is when the mapping was first persisted
	CreatedAt time.Time `json:"created_at"`
}
