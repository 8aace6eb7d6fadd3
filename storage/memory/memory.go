// Package memory provides an in-memory implementation of the billing.Store
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Store implements billing.Store using in-memory maps.
type Store struct {
	mu            sync.RWMutex
	events        map[string]*billing.WebhookEvent    // event ID -> ledger entry
	subscriptions map[string]*billing.Subscription    // subscription ID -> row
	payments      map[string]*billing.PaymentRecord   // invoice ID -> record
	mappings      map[string]*billing.CustomerMapping // account ID -> mapping
	byCustomer    map[string]string                   // customer ID -> account ID
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		events:        make(map[string]*billing.WebhookEvent),
		subscriptions: make(map[string]*billing.Subscription),
		payments:      make(map[string]*billing.PaymentRecord),
		mappings:      make(map[string]*billing.CustomerMapping),
		byCustomer:    make(map[string]string),
	}
}

// RecordEvent implements billing.Store
func (s *Store) RecordEvent(ctx context.Context, event *billing.WebhookEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid webhook event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.EventID]; exists {
		return false, nil
	}

	evCopy := *event
	evCopy.Payload = append([]byte(nil), event.Payload...)
	s.events[event.EventID] = &evCopy
	return true, nil
}

// HasEvent implements billing.Store
func (s *Store) HasEvent(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.events[eventID]
	return exists, nil
}

// EventCount returns the number of ledger entries. Test helper.
func (s *Store) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// UpsertSubscription implements billing.Store
func (s *Store) UpsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.SubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := *sub
	s.subscriptions[sub.SubscriptionID] = &subCopy

	// Preserve the at-most-one-active-subscription-per-account invariant.
	if subCopy.Active() {
		for id, other := range s.subscriptions {
			if id != sub.SubscriptionID && other.AccountID == sub.AccountID && other.Active() {
				demoted := *other
				demoted.Status = billing.SubscriptionStatusCanceled
				demoted.UpdatedAt = sub.UpdatedAt
				s.subscriptions[id] = &demoted
			}
		}
	}
	return nil
}

// GetSubscription implements billing.Store
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[subscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}

	subCopy := *sub
	return &subCopy, nil
}

// GetSubscriptionForAccount implements billing.Store
func (s *Store) GetSubscriptionForAccount(ctx context.Context, accountID string) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *billing.Subscription
	for _, sub := range s.subscriptions {
		if sub.AccountID != accountID {
			continue
		}
		if sub.Active() {
			subCopy := *sub
			return &subCopy, nil
		}
		if latest == nil || sub.UpdatedAt.After(latest.UpdatedAt) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, billing.ErrSubscriptionNotFound
	}

	subCopy := *latest
	return &subCopy, nil
}

// InsertPayment implements billing.Store
func (s *Store) InsertPayment(ctx context.Context, payment *billing.PaymentRecord) (bool, error) {
	if payment == nil || payment.InvoiceID == "" {
		return false, fmt.Errorf("invalid payment record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[payment.InvoiceID]; exists {
		return false, nil
	}

	payCopy := *payment
	s.payments[payment.InvoiceID] = &payCopy
	return true, nil
}

// ListPayments implements billing.Store
func (s *Store) ListPayments(ctx context.Context, accountID string, limit int) ([]*billing.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billing.PaymentRecord
	for _, p := range s.payments {
		if p.AccountID == accountID {
			payCopy := *p
			out = append(out, &payCopy)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateCustomerMapping implements billing.Store
func (s *Store) CreateCustomerMapping(ctx context.Context, mapping *billing.CustomerMapping) (bool, error) {
	if mapping == nil || mapping.AccountID == "" || mapping.CustomerID == "" {
		return false, fmt.Errorf("invalid customer mapping")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.mappings[mapping.AccountID]; exists {
		return false, nil
	}

	mapCopy := *mapping
	s.mappings[mapping.AccountID] = &mapCopy
	s.byCustomer[mapping.CustomerID] = mapping.AccountID
	return true, nil
}

// GetCustomerMapping implements billing.Store
func (s *Store) GetCustomerMapping(ctx context.Context, accountID string) (*billing.CustomerMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[accountID]
	if !ok {
		return nil, billing.ErrMappingNotFound
	}

	mapCopy := *m
	return &mapCopy, nil
}

// GetCustomerMappingByCustomerID implements billing.Store
func (s *Store) GetCustomerMappingByCustomerID(ctx context.Context, customerID string) (*billing.CustomerMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accountID, ok := s.byCustomer[customerID]
	if !ok {
		return nil, billing.ErrMappingNotFound
	}

	m, ok := s.mappings[accountID]
	if !ok {
		return nil, billing.ErrMappingNotFound
	}

	mapCopy := *m
	return &mapCopy, nil
}
