package billing

import "net/http"

// Config defines the provider-independent configuration every billing
// provider accepts. Providers embed it in their own Config and validate it
// once at construction; nothing reads secrets or environment variables after
// that point.
type Config struct {
	// Store persists the ledger, subscriptions, payments and customer
	// mappings (required).
	Store Store

	// PlanMapping maps provider price/product IDs to internal plan names.
	// For example: map[string]string{"price_1N...": "pro_monthly"}.
	// A price without a mapping is a configuration error, not a silent
	// fallback.
	PlanMapping map[string]string

	// WebhookSecret verifies inbound webhook signatures (required for the
	// webhook handler).
	WebhookSecret string

	// APIKey authenticates outbound API calls to the provider.
	APIKey string

	// HTTPClient is an optional HTTP client for provider API calls.
	// If nil, a default client with a 10s timeout is used.
	HTTPClient *http.Client

	// Logger receives structured logs. If nil, logging is a no-op.
	Logger Logger

	// Metrics receives operational metrics. If nil, metrics are a no-op.
	Metrics Metrics

	// OnEvent, if set, is called after each successfully applied state
	// change. This is where applications trigger user notifications.
	OnEvent EventCallback
}
