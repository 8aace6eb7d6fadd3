// Package redis provides a Redis implementation of the billing.Store
// interface. Insert-if-absent writes use SET NX; the subscription upsert and
// its demotion side effect run in a single Lua script for atomicity.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Store implements billing.Store using Redis
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis store configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gobilling:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gobilling:",
	}
}

// New creates a new Redis store
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gobilling:"
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Store) loadScripts() {
	// Upsert a subscription and demote any other active subscription of the
	// same account to canceled. Keys: subscription, account set. Args:
	// subscription ID, serialized row, active flag, demote timestamp.
	s.scripts["upsertSub"] = redis.NewScript(`
		local subKey = KEYS[1]
		local accountSetKey = KEYS[2]
		local keyPrefix = ARGV[1]
		local subID = ARGV[2]
		local data = ARGV[3]
		local isActive = ARGV[4]
		local updatedAt = ARGV[5]

		redis.call('HSET', subKey, 'data', data, 'active', isActive)
		redis.call('SADD', accountSetKey, subID)

		if isActive == '1' then
			local members = redis.call('SMEMBERS', accountSetKey)
			for _, other in ipairs(members) do
				if other ~= subID then
					local otherKey = keyPrefix .. 'sub:' .. other
					if redis.call('HGET', otherKey, 'active') == '1' then
						local raw = redis.call('HGET', otherKey, 'data')
						if raw then
							local row = cjson.decode(raw)
							row['status'] = 'canceled'
							row['updated_at'] = updatedAt
							redis.call('HSET', otherKey, 'data', cjson.encode(row), 'active', '0')
						end
					end
				end
			end
		end

		return 'ok'
	`)

	// Insert a payment record and index it in the account's sorted set in
	// one atomic step, so a record can never exist without being listable.
	// Keys: payment, account payment index. Args: serialized record, score,
	// invoice ID.
	s.scripts["insertPayment"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('SET', KEYS[1], ARGV[1])
		redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
		return 1
	`)
}

func (s *Store) key(parts ...string) string {
	key := s.config.KeyPrefix
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

// RecordEvent implements billing.Store
func (s *Store) RecordEvent(ctx context.Context, event *billing.WebhookEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid webhook event")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event: %w", err)
	}

	inserted, err := s.client.SetNX(ctx, s.key("event", event.EventID), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return inserted, nil
}

// HasEvent implements billing.Store
func (s *Store) HasEvent(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key("event", eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n > 0, nil
}

// UpsertSubscription implements billing.Store
func (s *Store) UpsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	if sub == nil || sub.SubscriptionID == "" {
		return fmt.Errorf("invalid subscription")
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription: %w", err)
	}

	active := "0"
	if sub.Active() {
		active = "1"
	}

	keys := []string{
		s.key("sub", sub.SubscriptionID),
		s.key("accsubs", sub.AccountID),
	}
	_, err = s.scripts["upsertSub"].Run(ctx, s.client, keys,
		s.config.KeyPrefix, sub.SubscriptionID, string(data), active,
		sub.UpdatedAt.Format(time.RFC3339Nano)).Result()
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// GetSubscription implements billing.Store
func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	raw, err := s.client.HGet(ctx, s.key("sub", subscriptionID), "data").Result()
	if err == redis.Nil {
		return nil, billing.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub billing.Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}
	return &sub, nil
}

// GetSubscriptionForAccount implements billing.Store
func (s *Store) GetSubscriptionForAccount(ctx context.Context, accountID string) (*billing.Subscription, error) {
	ids, err := s.client.SMembers(ctx, s.key("accsubs", accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list account subscriptions: %w", err)
	}

	var latest *billing.Subscription
	for _, id := range ids {
		sub, err := s.GetSubscription(ctx, id)
		if err == billing.ErrSubscriptionNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
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

	data, err := json.Marshal(payment)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payment: %w", err)
	}

	keys := []string{
		s.key("payment", payment.InvoiceID),
		s.key("accpayments", payment.AccountID),
	}
	// Newest-first listing comes from the per-account sorted set scored by
	// creation time; the script writes record and index atomically.
	res, err := s.scripts["insertPayment"].Run(ctx, s.client, keys,
		string(data), float64(payment.CreatedAt.UnixNano()), payment.InvoiceID).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to insert payment: %w", err)
	}
	return res == 1, nil
}

// ListPayments implements billing.Store
func (s *Store) ListPayments(ctx context.Context, accountID string, limit int) ([]*billing.PaymentRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	ids, err := s.client.ZRevRange(ctx, s.key("accpayments", accountID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}

	var out []*billing.PaymentRecord
	for _, id := range ids {
		raw, err := s.client.Get(ctx, s.key("payment", id)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get payment: %w", err)
		}
		var p billing.PaymentRecord
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment: %w", err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// CreateCustomerMapping implements billing.Store
func (s *Store) CreateCustomerMapping(ctx context.Context, mapping *billing.CustomerMapping) (bool, error) {
	if mapping == nil || mapping.AccountID == "" || mapping.CustomerID == "" {
		return false, fmt.Errorf("invalid customer mapping")
	}

	data, err := json.Marshal(mapping)
	if err != nil {
		return false, fmt.Errorf("failed to marshal mapping: %w", err)
	}

	inserted, err := s.client.SetNX(ctx, s.key("mapping", mapping.AccountID), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to create customer mapping: %w", err)
	}
	if !inserted {
		return false, nil
	}

	if err := s.client.Set(ctx, s.key("mapping_rev", mapping.CustomerID), mapping.AccountID, 0).Err(); err != nil {
		return false, fmt.Errorf("failed to index customer mapping: %w", err)
	}
	return true, nil
}

// GetCustomerMapping implements billing.Store
func (s *Store) GetCustomerMapping(ctx context.Context, accountID string) (*billing.CustomerMapping, error) {
	raw, err := s.client.Get(ctx, s.key("mapping", accountID)).Result()
	if err == redis.Nil {
		return nil, billing.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer mapping: %w", err)
	}

	var m billing.CustomerMapping
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal customer mapping: %w", err)
	}
	return &m, nil
}

// GetCustomerMappingByCustomerID implements billing.Store
func (s *Store) GetCustomerMappingByCustomerID(ctx context.Context, customerID string) (*billing.CustomerMapping, error) {
	accountID, err := s.client.Get(ctx, s.key("mapping_rev", customerID)).Result()
	if err == redis.Nil {
		return nil, billing.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer mapping: %w", err)
	}
	return s.GetCustomerMapping(ctx, accountID)
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
