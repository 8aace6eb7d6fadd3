package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/pkg/billing/internal"
)

// parseEventKind translates a Stripe event type into the closed set of kinds
// this subsystem reacts to. Anything else is EventKindUnknown.
func parseEventKind(t stripe.EventType) billing.EventKind {
	switch t {
	case "checkout.session.completed":
		return billing.EventKindCheckoutCompleted
	case "customer.subscription.created", "customer.subscription.updated":
		return billing.EventKindSubscriptionUpdated
	case "customer.subscription.deleted":
		return billing.EventKindSubscriptionDeleted
	case "invoice.payment_succeeded", "invoice.paid":
		return billing.EventKindInvoicePaid
	case "invoice.payment_failed":
		return billing.EventKindInvoicePaymentFailed
	case "customer.subscription.trial_will_end":
		return billing.EventKindTrialWillEnd
	default:
		return billing.EventKindUnknown
	}
}

// handleWebhook processes incoming Stripe webhook deliveries.
//
// Order matters: the raw body stays unparsed until the signature is verified,
// the ledger is only consulted for verified events, and the ledger entry is
// committed after the handlers succeed. Handlers are idempotent, so a
// redelivery that races the ledger commit is harmless.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-r.Context().Done():
		http.Error(w, "request timeout", http.StatusRequestTimeout)
		return
	default:
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		writeError(w, billing.HTTPStatus(billing.ErrInvalidSignature), "missing signature")
		return
	}

	// Verify webhook signature against the raw body (v83 uses
	// stripe.ConstructEvent directly)
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		p.logger.Warn("webhook signature verification failed",
			billing.Field{Key: "error", Value: err.Error()})
		writeError(w, billing.HTTPStatus(billing.ErrInvalidSignature), "invalid signature")
		return
	}

	kind := parseEventKind(event.Type)
	ctx := r.Context()

	// Ledger fast path: a previously committed event is acknowledged
	// without re-running any handler.
	seen, err := p.store.HasEvent(ctx, event.ID)
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "ledger_error")
		writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}
	if seen {
		p.logger.Debug("duplicate webhook event suppressed",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "kind", Value: string(kind)})
		p.metrics.RecordWebhookEvent(providerName, string(kind), "duplicate")
		_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err := p.dispatch(ctx, kind, &event); err != nil {
		status := billing.HTTPStatus(err)
		p.metrics.RecordWebhookEvent(providerName, string(kind), "error")
		p.metrics.RecordWebhookError(providerName, "handler_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, string(kind), time.Since(startTime))
		p.logger.Error("webhook handler failed",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "kind", Value: string(kind)},
			billing.Field{Key: "error", Value: err.Error()})
		writeError(w, status, "failed to process webhook")
		return
	}

	// Commit the ledger entry only after the side effects succeeded.
	// A duplicate insert here means a concurrent delivery won the race;
	// both applied idempotent handlers, so either outcome is fine.
	if _, err := p.store.RecordEvent(ctx, &billing.WebhookEvent{
		EventID:    event.ID,
		Kind:       kind,
		Payload:    body,
		ReceivedAt: time.Unix(event.Created, 0).UTC(),
	}); err != nil {
		p.metrics.RecordWebhookError(providerName, "ledger_error")
		writeError(w, http.StatusInternalServerError, "ledger unavailable")
		return
	}

	p.metrics.RecordWebhookEvent(providerName, string(kind), "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, string(kind), time.Since(startTime))
	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// dispatch routes a verified, first-seen event to its handler combination.
// The switch is exhaustive over billing.EventKind.
func (p *Provider) dispatch(ctx context.Context, kind billing.EventKind, event *stripe.Event) error {
	switch kind {
	case billing.EventKindCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, event)

	case billing.EventKindSubscriptionUpdated:
		return p.handleSubscriptionEvent(ctx, event, kind)

	case billing.EventKindSubscriptionDeleted:
		return p.handleSubscriptionEvent(ctx, event, kind)

	case billing.EventKindInvoicePaid:
		_, err := p.recordInvoice(ctx, event, kind)
		return err

	case billing.EventKindInvoicePaymentFailed:
		return p.handleInvoicePaymentFailed(ctx, event)

	case billing.EventKindTrialWillEnd:
		// Notification-only: no state mutation belongs here.
		p.logger.Info("trial ending soon",
			billing.Field{Key: "event_id", Value: event.ID})
		return nil

	case billing.EventKindUnknown:
		p.logger.Info("unrecognized webhook event kind acknowledged",
			billing.Field{Key: "event_id", Value: event.ID},
			billing.Field{Key: "type", Value: string(event.Type)})
		return nil
	}
	return nil
}

// checkoutSessionPayload is the slice of a checkout.session object this
// subsystem needs.
type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	Customer          resourceID        `json:"customer"`
	Subscription      resourceID        `json:"subscription"`
}

// handleCheckoutCompleted processes checkout.session.completed events.
// Only subscription-mode checkouts mutate state; the subscription's
// account_id metadata is patched first so later webhooks can resolve the
// account without a stored mapping.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) error {
	var session checkoutSessionPayload
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: checkout session: %v", billing.ErrInvalidPayload, err)
	}

	subscriptionID := session.Subscription.String()
	if session.Mode != "subscription" || subscriptionID == "" {
		// One-time payment checkout: nothing to reconcile here.
		return nil
	}

	accountID := session.Metadata[metadataAccountID]
	if accountID == "" {
		accountID = session.ClientReferenceID
	}

	sub, err := p.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return fmt.Errorf("%w: retrieve subscription %s: %v", billing.ErrProviderUnavailable, subscriptionID, err)
	}

	if accountID != "" && (sub.Metadata == nil || sub.Metadata[metadataAccountID] == "") {
		params := &stripe.SubscriptionUpdateParams{}
		params.AddMetadata(metadataAccountID, accountID)
		sub, err = p.client.V1Subscriptions.Update(ctx, subscriptionID, params)
		if err != nil {
			return fmt.Errorf("%w: patch subscription metadata: %v", billing.ErrProviderUnavailable, err)
		}
	}

	local, err := p.applySubscription(ctx, sub)
	if err != nil {
		if errors.Is(err, billing.ErrAccountNotLinked) {
			// No account to attribute the checkout to; retrying cannot
			// link it, same as the other handlers.
			p.logger.Warn("checkout for unlinked account ignored",
				billing.Field{Key: "session_id", Value: session.ID},
				billing.Field{Key: "subscription_id", Value: subscriptionID})
			return nil
		}
		return err
	}

	p.fireEvent(ctx, &billing.Event{
		AccountID:    local.AccountID,
		Kind:         billing.EventKindCheckoutCompleted,
		OccurredAt:   time.Unix(event.Created, 0).UTC(),
		Subscription: local,
	})
	return nil
}

// handleSubscriptionEvent processes subscription created/updated/deleted
// events. The embedded snapshot is never trusted: only the subscription ID is
// taken from the payload, the state itself comes from a fresh provider read,
// so stale or out-of-order deliveries self-correct.
func (p *Provider) handleSubscriptionEvent(ctx context.Context, event *stripe.Event, kind billing.EventKind) error {
	subscriptionID, err := eventObjectID(event.Data.Raw)
	if err != nil || subscriptionID == "" {
		return fmt.Errorf("%w: subscription event without id", billing.ErrInvalidPayload)
	}

	local, err := p.SyncSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrAccountNotLinked) {
			// Subscription belongs to no account we know. Acknowledge:
			// retrying cannot link it.
			p.logger.Warn("subscription event for unlinked account ignored",
				billing.Field{Key: "subscription_id", Value: subscriptionID})
			return nil
		}
		return err
	}

	if kind == billing.EventKindSubscriptionDeleted {
		p.fireEvent(ctx, &billing.Event{
			AccountID:    local.AccountID,
			Kind:         kind,
			OccurredAt:   time.Unix(event.Created, 0).UTC(),
			Subscription: local,
		})
	}
	return nil
}

// handleInvoicePaymentFailed records the failed payment and, when the invoice
// references a subscription, re-syncs it (payment failures move subscriptions
// to past_due on the provider side).
func (p *Provider) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	record, err := p.recordInvoice(ctx, event, billing.EventKindInvoicePaymentFailed)
	if err != nil {
		return err
	}
	if record == nil || record.SubscriptionID == "" {
		return nil
	}

	if _, err := p.SyncSubscription(ctx, record.SubscriptionID); err != nil {
		if errors.Is(err, billing.ErrAccountNotLinked) {
			return nil
		}
		return err
	}
	return nil
}

// Helper functions

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	_ = internal.WriteJSON(w, code, map[string]string{"error": msg})
}
