// Package stripe implements the billing.Provider interface for Stripe.
//
// The webhook handler is the reconciliation entry point: it verifies the
// delivery signature, suppresses duplicates through the idempotency ledger
// and routes each new event to the subscription synchronizer and/or the
// payment recorder. Handlers are idempotent on their own; the ledger entry is
// committed only after a handler succeeds, so a crash mid-handling leaves the
// event unrecorded and the provider's redelivery repairs it.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/internal"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
	metadataAccountID        = "account_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Store, PlanMapping, etc.)

	// Stripe-specific; fall back to the base APIKey/WebhookSecret when empty
	StripeAPIKey        string
	StripeWebhookSecret string

	// APIBaseURL overrides the Stripe API endpoint. Tests point this at a
	// local server; leave empty in production.
	APIBaseURL string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	store         billing.Store
	config        Config
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	planMapping   map[string]string // Price/Product ID -> plan name
	webhookSecret []byte
	apiKey        string
	client        *stripe.Client
	logger        billing.Logger
	metrics       billing.Metrics
	onEvent       billing.EventCallback

	// resolveGroup collapses concurrent in-process customer resolutions
	// for the same account into a single provider call
	resolveGroup singleflight.Group
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	// Create Stripe client (new API in v82+), optionally pointed at an
	// alternate backend for tests
	var clientOpts []stripe.ClientOption
	if config.APIBaseURL != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:        stripe.String(config.APIBaseURL),
			HTTPClient: httpClient,
		})
		clientOpts = append(clientOpts, stripe.WithBackends(&stripe.Backends{
			API:     backend,
			Connect: backend,
			Uploads: backend,
		}))
	}
	client := stripe.NewClient(apiKey, clientOpts...)

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	planMapping := make(map[string]string, len(config.PlanMapping))
	for priceID, plan := range config.PlanMapping {
		planMapping[strings.TrimSpace(priceID)] = plan
	}

	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		store:         config.Store,
		config:        config,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		planMapping:   planMapping,
		webhookSecret: []byte(webhookSecret),
		apiKey:        apiKey,
		client:        client,
		logger:        logger,
		metrics:       metrics,
		onEvent:       config.OnEvent,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	return p.rateLimiter.Middleware(handler)
}

// planForPrice maps a Stripe price or product ID to an internal plan name.
// An unmapped price is a configuration error, never a silent fallback.
func (p *Provider) planForPrice(priceID string) (string, error) {
	if plan, ok := p.planMapping[strings.TrimSpace(priceID)]; ok {
		return plan, nil
	}
	return "", billing.ErrPlanNotConfigured
}

// priceIDForPlan returns the Stripe price ID configured for a plan name.
// This is the reverse of planForPrice.
//
// Note: if multiple price IDs map to the same plan (e.g. monthly and yearly),
// the first match wins. Map billing cycles as distinct plans
// (e.g. "pro_monthly", "pro_yearly") if that distinction matters.
func (p *Provider) priceIDForPlan(plan string) string {
	for priceID, mapped := range p.planMapping {
		if mapped == plan {
			return priceID
		}
	}
	return ""
}

// fireEvent invokes the configured event callback, if any.
func (p *Provider) fireEvent(ctx context.Context, e *billing.Event) {
	if p.onEvent == nil || e == nil {
		return
	}
	e.Provider = providerName
	p.onEvent(ctx, e)
}
