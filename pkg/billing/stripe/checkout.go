package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// CheckoutURL creates a Stripe Checkout session for the plan and returns its
// URL. The account is stamped into the session, the future subscription's
// metadata and the client reference ID so every later webhook can attribute
// the subscription without guessing.
func (p *Provider) CheckoutURL(ctx context.Context, accountID, email, plan, successURL, cancelURL string) (string, error) {
	priceID := p.priceIDForPlan(plan)
	if priceID == "" {
		return "", fmt.Errorf("%w: plan %q", billing.ErrPlanNotConfigured, plan)
	}

	customerID, err := p.resolveCustomer(ctx, accountID, email)
	if err != nil {
		return "", err
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(customerID),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(accountID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionCreateSubscriptionDataParams{},
	}
	params.AddMetadata(metadataAccountID, accountID)
	params.SubscriptionData.AddMetadata(metadataAccountID, accountID)

	startTime := time.Now()
	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "checkout_session_create", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "checkout_session_create", "error")
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderUnavailable, err)
	}
	p.metrics.RecordAPICall(providerName, "checkout_session_create", "success")

	p.logger.Info("checkout session created",
		billing.Field{Key: "account_id", Value: accountID},
		billing.Field{Key: "plan", Value: plan},
		billing.Field{Key: "session_id", Value: session.ID})
	return session.URL, nil
}

// PortalURL creates a Stripe billing portal session and returns its URL. The
// customer is created lazily for accounts that reach the portal before ever
// checking out.
func (p *Provider) PortalURL(ctx context.Context, accountID, email, returnURL string) (string, error) {
	customerID, err := p.resolveCustomer(ctx, accountID, email)
	if err != nil {
		return "", err
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	startTime := time.Now()
	session, err := p.client.V1BillingPortalSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "portal_session_create", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "portal_session_create", "error")
		return "", fmt.Errorf("%w: create portal session: %v", billing.ErrProviderUnavailable, err)
	}
	p.metrics.RecordAPICall(providerName, "portal_session_create", "success")

	p.logger.Info("portal session created",
		billing.Field{Key: "account_id", Value: accountID},
		billing.Field{Key: "session_id", Value: session.ID})
	return session.URL, nil
}
