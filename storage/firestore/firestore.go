// Package firestore provides a Firestore implementation of the billing.Store
// interface. Insert-if-absent writes use document Create, which fails with
// AlreadyExists on conflict; the subscription upsert runs in a transaction so
// the demotion of stale active subscriptions is atomic with the write.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Store implements billing.Store using Google Cloud Firestore
type Store struct {
	client                  *firestore.Client
	eventsCollection        string
	subscriptionsCollection string
	paymentsCollection      string
	mappingsCollection      string
}

// Config holds Firestore store configuration
type Config struct {
	// EventsCollection is the Firestore collection for the webhook event
	// ledger. Default: "billing_webhook_events"
	EventsCollection string

	// SubscriptionsCollection is the Firestore collection for subscriptions
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// PaymentsCollection is the Firestore collection for payment records
	// Default: "billing_payments"
	PaymentsCollection string

	// MappingsCollection is the Firestore collection for customer mappings
	// Default: "billing_customer_mappings"
	MappingsCollection string
}

// New creates a new Firestore store
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_webhook_events"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.PaymentsCollection == "" {
		config.PaymentsCollection = "billing_payments"
	}
	if config.MappingsCollection == "" {
		config.MappingsCollection = "billing_customer_mappings"
	}

	return &Store{
		client:                  client,
		eventsCollection:        config.EventsCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		paymentsCollection:      config.PaymentsCollection,
		mappingsCollection:      config.MappingsCollection,
	}, nil
}

// RecordEvent implements billing.Store
func (s *Store) RecordEvent(ctx context.Context, event *billing.WebhookEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid webhook event")
	}

	doc := s.client.Collection(s.eventsCollection).Doc(event.EventID)
	_, err := doc.Create(ctx, map[string]interface{}{
		"kind":       string(event.Kind),
		"payload":    event.Payload,
		"receivedAt": event.ReceivedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return true, nil
}

// HasEvent implements billing.Store
func (s *Store) HasEvent(ctx context.Context, eventID string) (bool, error) {
	doc := s.client.Collection(s.eventsCollection).Doc(eventID)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return snap.Exists(), nil
}

// UpsertSubscription implements billing.Store
func (s *Store) UpsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.SubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(sub.SubscriptionID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// Reads must come before writes in a Firestore transaction, so the
		// stale-active query runs first.
		var staleRefs []*firestore.DocumentRef
		if sub.Active() {
			query := s.client.Collection(s.subscriptionsCollection).
				Where("accountId", "==", sub.AccountID).
				Where("status", "in", []string{
					billing.SubscriptionStatusActive,
					billing.SubscriptionStatusTrialing,
				})
			iter := tx.Documents(query)
			defer iter.Stop()
			for {
				snap, err := iter.Next()
				if err == iterator.Done {
					break
				}
				if err != nil {
					// A failed query must abort the transaction: skipping
					// the demotion would leave two active subscriptions.
					return err
				}
				if snap.Ref.ID == sub.SubscriptionID {
					continue
				}
				staleRefs = append(staleRefs, snap.Ref)
			}
		}

		if err := tx.Set(doc, subscriptionDoc(sub)); err != nil {
			return err
		}

		for _, ref := range staleRefs {
			if err := tx.Update(ref, []firestore.Update{
				{Path: "status", Value: billing.SubscriptionStatusCanceled},
				{Path: "updatedAt", Value: sub.UpdatedAt},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription implements billing.Store
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	doc := s.client.Collection(s.subscriptionsCollection).Doc(subscriptionID)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrSubscriptionNotFound
	}
	return subscriptionFromDoc(snap.Ref.ID, snap.Data()), nil
}

// GetSubscriptionForAccount implements billing.Store
func (s *Store) GetSubscriptionForAccount(ctx context.Context, accountID string) (*billing.Subscription, error) {
	query := s.client.Collection(s.subscriptionsCollection).
		Where("accountId", "==", accountID)
	iter := query.Documents(ctx)
	defer iter.Stop()

	var latest *billing.Subscription
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		sub := subscriptionFromDoc(snap.Ref.ID, snap.Data())
		if sub.Active() {
			return sub, nil
		}
		if latest == nil || sub.UpdatedAt.After(latest.UpdatedAt) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	return latest, nil
}

// InsertPayment implements billing.Store
func (s *Store) InsertPayment(ctx context.Context, payment *billing.PaymentRecord) (bool, error) {
	if payment == nil || payment.InvoiceID == "" {
		return false, fmt.Errorf("invalid payment record")
	}

	doc := s.client.Collection(s.paymentsCollection).Doc(payment.InvoiceID)
	data := map[string]interface{}{
		"accountId":      payment.AccountID,
		"subscriptionId": payment.SubscriptionID,
		"amount":         payment.Amount,
		"currency":       payment.Currency,
		"status":         payment.Status,
		"paymentMethod":  payment.PaymentMethod,
		"invoiceUrl":     payment.InvoiceURL,
		"invoicePdf":     payment.InvoicePDF,
		"failureReason":  payment.FailureReason,
		"createdAt":      payment.CreatedAt,
	}
	if payment.PaidAt != nil {
		data["paidAt"] = *payment.PaidAt
	}

	_, err := doc.Create(ctx, data)
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}
	return true, nil
}

// ListPayments implements billing.Store
func (s *Store) ListPayments(ctx context.Context, accountID string, limit int) ([]*billing.PaymentRecord, error) {
	query := s.client.Collection(s.paymentsCollection).
		Where("accountId", "==", accountID).
		OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []*billing.PaymentRecord
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list payments: %w", err)
		}
		data := snap.Data()
		p := &billing.PaymentRecord{
			InvoiceID:      snap.Ref.ID,
			AccountID:      getString(data, "accountId"),
			SubscriptionID: getString(data, "subscriptionId"),
			Amount:         getFloat(data, "amount"),
			Currency:       getString(data, "currency"),
			Status:         getString(data, "status"),
			PaymentMethod:  getString(data, "paymentMethod"),
			InvoiceURL:     getString(data, "invoiceUrl"),
			InvoicePDF:     getString(data, "invoicePdf"),
			FailureReason:  getString(data, "failureReason"),
			CreatedAt:      getTime(data, "createdAt"),
		}
		if paidAt, ok := data["paidAt"].(time.Time); ok {
			p.PaidAt = &paidAt
		}
		out = append(out, p)
	}
	return out, nil
}

// CreateCustomerMapping implements billing.Store
func (s *Store) CreateCustomerMapping(ctx context.Context, mapping *billing.CustomerMapping) (bool, error) {
	if mapping == nil || mapping.AccountID == "" || mapping.CustomerID == "" {
		return false, fmt.Errorf("invalid customer mapping")
	}

	doc := s.client.Collection(s.mappingsCollection).Doc(mapping.AccountID)
	_, err := doc.Create(ctx, map[string]interface{}{
		"customerId": mapping.CustomerID,
		"email":      mapping.Email,
		"createdAt":  mapping.CreatedAt,
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create customer mapping: %w", err)
	}
	return true, nil
}

// GetCustomerMapping implements billing.Store
func (s *Store) GetCustomerMapping(ctx context.Context, accountID string) (*billing.CustomerMapping, error) {
	doc := s.client.Collection(s.mappingsCollection).Doc(accountID)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrMappingNotFound
		}
		return nil, fmt.Errorf("failed to get customer mapping: %w", err)
	}
	if !snap.Exists() {
		return nil, billing.ErrMappingNotFound
	}
	return mappingFromDoc(snap.Ref.ID, snap.Data()), nil
}

// GetCustomerMappingByCustomerID implements billing.Store
func (s *Store) GetCustomerMappingByCustomerID(ctx context.Context, customerID string) (*billing.CustomerMapping, error) {
	query := s.client.Collection(s.mappingsCollection).
		Where("customerId", "==", customerID).
		Limit(1)
	iter := query.Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, billing.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up customer mapping: %w", err)
	}
	return mappingFromDoc(snap.Ref.ID, snap.Data()), nil
}

func subscriptionDoc(sub *billing.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"accountId":         sub.AccountID,
		"customerId":        sub.CustomerID,
		"plan":              sub.Plan,
		"status":            sub.Status,
		"currentPeriodEnd":  sub.CurrentPeriodEnd,
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		"updatedAt":         sub.UpdatedAt,
	}
	if sub.TrialEnd != nil {
		data["trialEnd"] = *sub.TrialEnd
	}
	return data
}

func subscriptionFromDoc(id string, data map[string]interface{}) *billing.Subscription {
	sub := &billing.Subscription{
		SubscriptionID:    id,
		AccountID:         getString(data, "accountId"),
		CustomerID:        getString(data, "customerId"),
		Plan:              getString(data, "plan"),
		Status:            getString(data, "status"),
		CurrentPeriodEnd:  getTime(data, "currentPeriodEnd"),
		CancelAtPeriodEnd: getBool(data, "cancelAtPeriodEnd"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
	if trialEnd, ok := data["trialEnd"].(time.Time); ok && !trialEnd.IsZero() {
		sub.TrialEnd = &trialEnd
	}
	return sub
}

func mappingFromDoc(accountID string, data map[string]interface{}) *billing.CustomerMapping {
	return &billing.CustomerMapping{
		AccountID:  accountID,
		CustomerID: getString(data, "customerId"),
		Email:      getString(data, "email"),
		CreatedAt:  getTime(data, "createdAt"),
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getFloat(data map[string]interface{}, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
