package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a billing backend must implement. The application
// wires exactly one Provider; all provider-specific wire formats and API calls
// stay behind it.
type Provider interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that receives provider
	// webhook deliveries. The handler verifies authenticity, suppresses
	// duplicates via the idempotency ledger and applies state changes.
	WebhookHandler() http.Handler

	// SyncSubscription re-fetches the subscription from the provider and
	// upserts the local record. Always reads provider-side truth, so
	// repeated or out-of-order calls converge to the same final state.
	SyncSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// SyncAccount reconciles every subscription the provider knows for the
	// account. Used for "restore purchases" flows and nightly
	// reconciliation jobs.
	SyncAccount(ctx context.Context, accountID string) error

	// CheckoutURL creates a provider checkout session for the plan and
	// returns its URL.
	CheckoutURL(ctx context.Context, accountID, email, plan, successURL, cancelURL string) (string, error)

	// PortalURL creates a self-service billing portal session and returns
	// its URL. The email is used to create the provider customer lazily
	// when the account has none yet.
	PortalURL(ctx context.Context, accountID, email, returnURL string) (string, error)
}
