package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// SyncSubscription re-fetches the subscription from Stripe and upserts the
// local record. The provider read is the source of truth; callers may invoke
// this any number of times and in any order and converge to the same state.
func (p *Provider) SyncSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	startTime := time.Now()

	sub, err := p.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		p.metrics.RecordSubscriptionSync(providerName, "provider_error")
		return nil, fmt.Errorf("%w: retrieve subscription %s: %v", billing.ErrProviderUnavailable, subscriptionID, err)
	}

	local, err := p.applySubscription(ctx, sub)
	if err != nil {
		p.metrics.RecordSubscriptionSync(providerName, "error")
		return nil, err
	}

	p.metrics.RecordSubscriptionSync(providerName, "success")
	p.metrics.RecordSubscriptionSyncDuration(providerName, time.Since(startTime))
	return local, nil
}

// SyncAccount reconciles every subscription Stripe knows for the account.
// Requires an existing customer mapping; an account that never went through
// checkout has nothing to reconcile.
func (p *Provider) SyncAccount(ctx context.Context, accountID string) error {
	mapping, err := p.store.GetCustomerMapping(ctx, accountID)
	if err != nil {
		return err
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(mapping.CustomerID),
		Status:   stripe.String("all"),
	}

	var synced int
	for sub, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return fmt.Errorf("%w: list subscriptions for %s: %v", billing.ErrProviderUnavailable, mapping.CustomerID, err)
		}
		if _, err := p.applySubscription(ctx, sub); err != nil {
			return err
		}
		synced++
	}

	p.logger.Info("account subscriptions reconciled",
		billing.Field{Key: "account_id", Value: accountID},
		billing.Field{Key: "count", Value: synced})
	return nil
}

// applySubscription translates a provider subscription into the local model
// and upserts it. This is the single write path for subscription rows.
func (p *Provider) applySubscription(ctx context.Context, sub *stripe.Subscription) (*billing.Subscription, error) {
	accountID, err := p.accountIDForSubscription(ctx, sub)
	if err != nil {
		return nil, err
	}

	plan, err := p.planForSubscription(sub)
	if err != nil {
		return nil, fmt.Errorf("%w: subscription %s", err, sub.ID)
	}

	var customerID string
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	local := &billing.Subscription{
		AccountID:         accountID,
		SubscriptionID:    sub.ID,
		CustomerID:        customerID,
		Plan:              plan,
		Status:            mapSubscriptionStatus(sub.Status),
		CurrentPeriodEnd:  subscriptionPeriodEnd(sub),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		UpdatedAt:         time.Now().UTC(),
	}
	if sub.TrialEnd > 0 {
		trialEnd := time.Unix(sub.TrialEnd, 0).UTC()
		local.TrialEnd = &trialEnd
	}

	if err := p.store.UpsertSubscription(ctx, local); err != nil {
		return nil, fmt.Errorf("%w: upsert subscription %s: %v", billing.ErrStoreUnavailable, sub.ID, err)
	}

	p.logger.Info("subscription synced",
		billing.Field{Key: "account_id", Value: accountID},
		billing.Field{Key: "subscription_id", Value: sub.ID},
		billing.Field{Key: "plan", Value: plan},
		billing.Field{Key: "status", Value: local.Status})
	return local, nil
}

// accountIDForSubscription resolves the internal account a provider
// subscription belongs to. Resolution order: subscription metadata, then
// customer metadata, then the stored customer mapping.
func (p *Provider) accountIDForSubscription(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if id := sub.Metadata[metadataAccountID]; id != "" {
		return id, nil
	}

	if sub.Customer == nil || sub.Customer.ID == "" {
		return "", billing.ErrAccountNotLinked
	}

	cust, err := p.client.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
	if err == nil && cust.Metadata[metadataAccountID] != "" {
		return cust.Metadata[metadataAccountID], nil
	}

	mapping, mapErr := p.store.GetCustomerMappingByCustomerID(ctx, sub.Customer.ID)
	if mapErr == nil {
		return mapping.AccountID, nil
	}

	return "", billing.ErrAccountNotLinked
}

// planForSubscription resolves the internal plan name from the first mapped
// price on the subscription.
func (p *Provider) planForSubscription(sub *stripe.Subscription) (string, error) {
	if sub.Items == nil {
		return "", billing.ErrPlanNotConfigured
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		if plan, err := p.planForPrice(item.Price.ID); err == nil {
			return plan, nil
		}
		if item.Price.Product != nil {
			if plan, err := p.planForPrice(item.Price.Product.ID); err == nil {
				return plan, nil
			}
		}
	}
	return "", billing.ErrPlanNotConfigured
}

// mapSubscriptionStatus collapses Stripe's status vocabulary onto the local
// one. Unknown future statuses default to canceled, the safe direction for an
// entitlement check.
func mapSubscriptionStatus(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusTrialing:
		return billing.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusActive:
		return billing.SubscriptionStatusActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
		return billing.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return billing.SubscriptionStatusCanceled
	case stripe.SubscriptionStatusIncomplete:
		return billing.SubscriptionStatusIncomplete
	default:
		return billing.SubscriptionStatusCanceled
	}
}

// subscriptionPeriodEnd extracts the billing period end. Stripe moved
// current_period_end to the subscription item level; a subscription can in
// principle carry items on different schedules, so take the latest.
func subscriptionPeriodEnd(sub *stripe.Subscription) time.Time {
	var max int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > max {
				max = item.CurrentPeriodEnd
			}
		}
	}
	if max == 0 {
		return time.Time{}
	}
	return time.Unix(max, 0).UTC()
}

// normalizeCurrency returns the upper-case ISO 4217 code.
func normalizeCurrency(c stripe.Currency) string {
	return strings.ToUpper(string(c))
}
