package billing

import (
	"context"
	"time"
)

// EventKind is the closed set of webhook event kinds this subsystem reacts to.
// Providers translate their own event type strings into one of these; anything
// else maps to EventKindUnknown and is acknowledged without side effects.
type EventKind string

const (
	// EventKindCheckoutCompleted signals a completed checkout session
	EventKindCheckoutCompleted EventKind = "checkout_completed"

	// EventKindSubscriptionUpdated signals a subscription create/update
	EventKindSubscriptionUpdated EventKind = "subscription_updated"

	// EventKindSubscriptionDeleted signals a subscription cancellation
	EventKindSubscriptionDeleted EventKind = "subscription_deleted"

	// EventKindInvoicePaid signals a successful invoice payment
	EventKindInvoicePaid EventKind = "invoice_paid"

	// EventKindInvoicePaymentFailed signals a failed invoice payment
	EventKindInvoicePaymentFailed EventKind = "invoice_payment_failed"

	// EventKindTrialWillEnd signals a trial ending soon (notification-only,
	// no state mutation)
	EventKindTrialWillEnd EventKind = "trial_will_end"

	// EventKindUnknown is the fallback for unrecognized provider event types
	EventKindUnknown EventKind = "unknown"
)

// Event describes a state change that was successfully applied. It is passed
// to the EventCallback after storage has been updated; this is the seam where
// an application hooks in user notifications (e.g. payment receipt or
// cancellation emails). Delivery of such notifications is the application's
// concern, not this library's.
type Event struct {
	// AccountID is the internal account the change applies to
	AccountID string

	// Kind is the normalized event kind that triggered the change
	Kind EventKind

	// Provider is the billing provider name (e.g. "stripe")
	Provider string

	// OccurredAt is the provider-side event timestamp
	OccurredAt time.Time

	// Subscription is the stored subscription state after the change
	// (nil for pure payment events)
	Subscription *Subscription

	// Payment is the recorded payment (nil for subscription-only events)
	Payment *PaymentRecord
}

// EventCallback is invoked after an event's side effects have been committed.
// Callbacks must not block for long; the provider's webhook deadline is still
// ticking while they run.
type EventCallback func(ctx context.Context, e *Event)
