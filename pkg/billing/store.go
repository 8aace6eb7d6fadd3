package billing

import "context"

// Store defines the persistence interface for billing reconciliation.
// Implementations must provide atomic insert-if-absent semantics for
// RecordEvent, InsertPayment and CreateCustomerMapping: under concurrent calls
// with the same key, exactly one call observes created=true. A separate
// exists-then-insert sequence is not acceptable.
type Store interface {
	// RecordEvent inserts an idempotency ledger entry keyed by EventID.
	// Returns true if the entry is new, false if the event was already
	// recorded. Duplicate inserts are not an error.
	RecordEvent(ctx context.Context, event *WebhookEvent) (bool, error)

	// HasEvent reports whether an event ID is already in the ledger.
	// Used as the cheap duplicate fast path before any handler runs.
	HasEvent(ctx context.Context, eventID string) (bool, error)

	// UpsertSubscription inserts or updates a subscription keyed by its
	// provider subscription ID. When the written status is active or
	// trialing, any other active/trialing subscription of the same account
	// is demoted to canceled in the same atomic step, preserving the
	// at-most-one-active-subscription-per-account invariant.
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// GetSubscription returns the subscription with the given provider
	// subscription ID, or ErrSubscriptionNotFound.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// GetSubscriptionForAccount returns the account's active or trialing
	// subscription if one exists, otherwise the most recently updated one,
	// otherwise ErrSubscriptionNotFound.
	GetSubscriptionForAccount(ctx context.Context, accountID string) (*Subscription, error)

	// InsertPayment inserts a payment record keyed by its provider invoice
	// ID. Returns true if inserted, false if a record for the invoice
	// already exists (the existing record is left untouched).
	InsertPayment(ctx context.Context, payment *PaymentRecord) (bool, error)

	// ListPayments returns up to limit payment records for the account,
	// newest first. limit <= 0 means no limit.
	ListPayments(ctx context.Context, accountID string, limit int) ([]*PaymentRecord, error)

	// CreateCustomerMapping persists an account-to-customer mapping.
	// Returns false if a mapping for the account already exists; the
	// existing mapping wins and is left untouched.
	CreateCustomerMapping(ctx context.Context, mapping *CustomerMapping) (bool, error)

	// GetCustomerMapping returns the mapping for an account, or
	// ErrMappingNotFound.
	GetCustomerMapping(ctx context.Context, accountID string) (*CustomerMapping, error)

	// GetCustomerMappingByCustomerID is the reverse lookup, used to resolve
	// the account for webhook payloads that only carry a customer ID.
	GetCustomerMappingByCustomerID(ctx context.Context, customerID string) (*CustomerMapping, error)
}
