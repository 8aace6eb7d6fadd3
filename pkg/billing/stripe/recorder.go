package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// invoicePayload is the slice of an invoice object the recorder needs. The
// subscription reference moved under parent.subscription_details in recent API
// versions; both locations are read.
type invoicePayload struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	AmountPaid       int64      `json:"amount_paid"`
	AmountDue        int64      `json:"amount_due"`
	Currency         string     `json:"currency"`
	HostedInvoiceURL string     `json:"hosted_invoice_url"`
	InvoicePDF       string     `json:"invoice_pdf"`
	Customer         resourceID `json:"customer"`
	Subscription     resourceID `json:"subscription"`
	Parent           *struct {
		SubscriptionDetails *struct {
			Subscription resourceID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
	PaymentSettings struct {
		PaymentMethodTypes []string `json:"payment_method_types"`
	} `json:"payment_settings"`
}

func (inv *invoicePayload) subscriptionID() string {
	if id := inv.Subscription.String(); id != "" {
		return id
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Subscription.String()
	}
	return ""
}

// recordInvoice normalizes an invoice event into a PaymentRecord and inserts
// it. The insert is keyed by invoice ID and absent-only, so a redelivered
// event writes nothing; the event callback fires only for the first insert.
//
// Returns the record even when it already existed so callers can chain
// follow-up work off the subscription reference.
func (p *Provider) recordInvoice(ctx context.Context, event *stripe.Event, kind billing.EventKind) (*billing.PaymentRecord, error) {
	var inv invoicePayload
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidPayload, err)
	}
	if inv.ID == "" {
		return nil, fmt.Errorf("%w: invoice without id", billing.ErrInvalidPayload)
	}

	accountID, err := p.accountIDForInvoice(ctx, &inv)
	if err != nil {
		if errors.Is(err, billing.ErrAccountNotLinked) {
			// An invoice we cannot attribute is not a processing failure;
			// acknowledging avoids an endless redelivery loop.
			p.logger.Warn("invoice for unlinked account ignored",
				billing.Field{Key: "invoice_id", Value: inv.ID},
				billing.Field{Key: "customer_id", Value: inv.Customer.String()})
			return nil, nil
		}
		return nil, err
	}

	record := &billing.PaymentRecord{
		AccountID:      accountID,
		SubscriptionID: inv.subscriptionID(),
		InvoiceID:      inv.ID,
		Amount:         invoiceAmount(&inv),
		Currency:       normalizeCurrency(stripe.Currency(inv.Currency)),
		Status:         invoiceStatus(&inv, kind),
		PaymentMethod:  invoicePaymentMethod(&inv),
		InvoiceURL:     inv.HostedInvoiceURL,
		InvoicePDF:     inv.InvoicePDF,
		CreatedAt:      time.Now().UTC(),
	}
	if inv.StatusTransitions.PaidAt > 0 {
		paidAt := time.Unix(inv.StatusTransitions.PaidAt, 0).UTC()
		record.PaidAt = &paidAt
	}
	if record.Status == billing.PaymentStatusFailed && inv.LastFinalizationError != nil {
		record.FailureReason = inv.LastFinalizationError.Message
	}

	inserted, err := p.store.InsertPayment(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("%w: insert payment %s: %v", billing.ErrStoreUnavailable, inv.ID, err)
	}
	if !inserted {
		p.logger.Debug("payment already recorded",
			billing.Field{Key: "invoice_id", Value: inv.ID})
		return record, nil
	}

	p.metrics.RecordPayment(providerName, record.Status)
	p.logger.Info("payment recorded",
		billing.Field{Key: "account_id", Value: accountID},
		billing.Field{Key: "invoice_id", Value: inv.ID},
		billing.Field{Key: "status", Value: record.Status},
		billing.Field{Key: "amount", Value: record.Amount},
		billing.Field{Key: "currency", Value: record.Currency})

	p.fireEvent(ctx, &billing.Event{
		AccountID:  accountID,
		Kind:       kind,
		OccurredAt: time.Unix(event.Created, 0).UTC(),
		Payment:    record,
	})
	return record, nil
}

// accountIDForInvoice resolves the account an invoice belongs to: stored
// customer mapping first, then the subscription's metadata as fallback.
func (p *Provider) accountIDForInvoice(ctx context.Context, inv *invoicePayload) (string, error) {
	if customerID := inv.Customer.String(); customerID != "" {
		if mapping, err := p.store.GetCustomerMappingByCustomerID(ctx, customerID); err == nil {
			return mapping.AccountID, nil
		}
	}

	subscriptionID := inv.subscriptionID()
	if subscriptionID == "" {
		return "", billing.ErrAccountNotLinked
	}

	sub, err := p.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return "", fmt.Errorf("%w: retrieve subscription %s: %v", billing.ErrProviderUnavailable, subscriptionID, err)
	}
	return p.accountIDForSubscription(ctx, sub)
}

// invoiceAmount converts the invoice amount from minor to major currency
// units. Paid invoices report amount_paid; unpaid ones only amount_due.
func invoiceAmount(inv *invoicePayload) float64 {
	minor := inv.AmountPaid
	if minor == 0 {
		minor = inv.AmountDue
	}
	return float64(minor) / 100
}

// invoiceStatus maps the invoice status onto the local payment vocabulary. A
// payment_failed event forces failed regardless of the invoice snapshot.
func invoiceStatus(inv *invoicePayload, kind billing.EventKind) string {
	if kind == billing.EventKindInvoicePaymentFailed {
		return billing.PaymentStatusFailed
	}
	switch inv.Status {
	case "paid":
		return billing.PaymentStatusPaid
	case "open", "draft":
		return billing.PaymentStatusPending
	case "uncollectible", "void":
		return billing.PaymentStatusFailed
	default:
		return billing.PaymentStatusPending
	}
}

func invoicePaymentMethod(inv *invoicePayload) string {
	if len(inv.PaymentSettings.PaymentMethodTypes) > 0 {
		return inv.PaymentSettings.PaymentMethodTypes[0]
	}
	return "card"
}
