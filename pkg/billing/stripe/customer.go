package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// resolveCustomer returns the Stripe customer ID for an account, creating the
// customer and the stored mapping on first use.
//
// Concurrent in-process calls for the same account collapse into one via
// singleflight. Across processes a race can still create two provider
// customers; the first persisted mapping wins and the loser is logged as an
// anomaly, leaving an orphaned customer on the provider with no local state
// attached.
func (p *Provider) resolveCustomer(ctx context.Context, accountID, email string) (string, error) {
	if accountID == "" {
		return "", fmt.Errorf("%w: empty account id", billing.ErrInvalidPayload)
	}

	v, err, _ := p.resolveGroup.Do(accountID, func() (interface{}, error) {
		return p.resolveCustomerOnce(ctx, accountID, email)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Provider) resolveCustomerOnce(ctx context.Context, accountID, email string) (string, error) {
	mapping, err := p.store.GetCustomerMapping(ctx, accountID)
	if err == nil {
		return mapping.CustomerID, nil
	}
	if !errors.Is(err, billing.ErrMappingNotFound) {
		return "", fmt.Errorf("%w: read customer mapping: %v", billing.ErrStoreUnavailable, err)
	}

	startTime := time.Now()
	params := &stripe.CustomerCreateParams{}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(metadataAccountID, accountID)

	cust, err := p.client.V1Customers.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "customer_create", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "customer_create", "error")
		return "", fmt.Errorf("%w: create customer: %v", billing.ErrProviderUnavailable, err)
	}
	p.metrics.RecordAPICall(providerName, "customer_create", "success")

	created, err := p.store.CreateCustomerMapping(ctx, &billing.CustomerMapping{
		AccountID:  accountID,
		CustomerID: cust.ID,
		Email:      email,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("%w: persist customer mapping: %v", billing.ErrStoreUnavailable, err)
	}
	if !created {
		// Another process won the creation race. Use its mapping; the
		// customer created here stays orphaned on the provider side.
		winner, err := p.store.GetCustomerMapping(ctx, accountID)
		if err != nil {
			return "", fmt.Errorf("%w: re-read customer mapping: %v", billing.ErrStoreUnavailable, err)
		}
		p.logger.Warn("customer creation race lost, orphaned provider customer",
			billing.Field{Key: "account_id", Value: accountID},
			billing.Field{Key: "orphaned_customer_id", Value: cust.ID},
			billing.Field{Key: "customer_id", Value: winner.CustomerID})
		return winner.CustomerID, nil
	}

	p.logger.Info("customer created",
		billing.Field{Key: "account_id", Value: accountID},
		billing.Field{Key: "customer_id", Value: cust.ID})
	return cust.ID, nil
}
