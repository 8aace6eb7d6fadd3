package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/memory"
)

const (
	testAPIKey        = "sk_test_dummy"
	testWebhookSecret = "whsec_test_secret"
	testAccountID     = "acct_1"
	testCustomerID    = "cus_123"
	testSubID         = "sub_123"
	testPricePro      = "price_pro"
)

// stripeStub is a fake Stripe API backend. Handlers are keyed by
// "METHOD /path"; unmatched requests return 404.
type stripeStub struct {
	server   *httptest.Server
	mux      *http.ServeMux
	requests atomic.Int64
}

func newStripeStub(t *testing.T) *stripeStub {
	t.Helper()
	stub := &stripeStub{mux: http.NewServeMux()}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.requests.Add(1)
		stub.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func (s *stripeStub) handle(pattern string, status int, body string) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	})
}

func subscriptionJSON(status string, periodEnd int64) string {
	return fmt.Sprintf(`{
		"id": %q, "object": "subscription", "status": %q,
		"cancel_at_period_end": false,
		"customer": %q,
		"metadata": {"account_id": %q},
		"items": {"object": "list", "data": [
			{"id": "si_1", "object": "subscription_item",
			 "current_period_end": %d,
			 "price": {"id": %q, "object": "price"}}
		]}
	}`, testSubID, status, testCustomerID, testAccountID, periodEnd, testPricePro)
}

func newTestProvider(t *testing.T, store *memory.Store, stub *stripeStub) *Provider {
	t.Helper()
	cfg := Config{
		Config: billing.Config{
			Store: store,
			PlanMapping: map[string]string{
				testPricePro: "pro",
			},
		},
		StripeAPIKey:        testAPIKey,
		StripeWebhookSecret: testWebhookSecret,
	}
	if stub != nil {
		cfg.APIBaseURL = stub.server.URL
	}
	provider, err := NewProvider(cfg)
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return provider
}

// signedRequest builds a webhook POST with a valid Stripe-Signature header.
func signedRequest(t *testing.T, payload string) *http.Request {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	sig := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	return req
}

func eventJSON(eventID, eventType, object string) string {
	return fmt.Sprintf(`{
		"id": %q, "object": "event", "type": %q, "created": %d,
		"api_version": %q,
		"data": {"object": %s}
	}`, eventID, eventType, time.Now().Unix(), stripe.APIVersion, object)
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	provider := newTestProvider(t, memory.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/webhook", http.NoBody)
	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestWebhook_MissingSignature(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if store.EventCount() != 0 {
		t.Errorf("Ledger must stay empty for unverified requests, got %d entries", store.EventCount())
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, nil)

	payload := eventJSON("evt_sig", "customer.subscription.updated", `{"id": "sub_123"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=12345,v1=deadbeef")
	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
	if store.EventCount() != 0 {
		t.Errorf("Ledger must stay empty for tampered payloads, got %d entries", store.EventCount())
	}
}

func TestWebhook_SubscriptionUpdated(t *testing.T) {
	store := memory.New()
	stub := newStripeStub(t)
	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	stub.handle("GET /v1/subscriptions/"+testSubID, http.StatusOK, subscriptionJSON("active", periodEnd))

	provider := newTestProvider(t, store, stub)

	payload := eventJSON("evt_1", "customer.subscription.updated",
		fmt.Sprintf(`{"id": %q, "object": "subscription"}`, testSubID))
	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, signedRequest(t, payload))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	sub, err := store.GetSubscription(t.Context(), testSubID)
	if err != nil {
		t.Fatalf("Expected subscription to be stored: %v", err)
	}
	if sub.AccountID != testAccountID {
		t.Errorf("Expected account %q, got %q", testAccountID, sub.AccountID)
	}
	if sub.Plan != "pro" {
		t.Errorf("Expected plan pro, got %q", sub.Plan)
	}
	if sub.Status != billing.SubscriptionStatusActive {
		t.Errorf("Expected status active, got %q", sub.Status)
	}
	if sub.CurrentPeriodEnd.Unix() != periodEnd {
		t.Errorf("Expected period end %d, got %d", periodEnd, sub.CurrentPeriodEnd.Unix())
	}
	if store.EventCount() != 1 {
		t.Errorf("Expected 1 ledger entry, got %d", store.EventCount())
	}
}

func TestWebhook_DuplicateDeliverySkipsHandlers(t *testing.T) {
	store := memory.New()
	stub := newStripeStub(t)
	stub.handle("GET /v1/subscriptions/"+testSubID, http.StatusOK,
		subscriptionJSON("active", time.Now().Add(time.Hour).Unix()))

	provider := newTestProvider(t, store, stub)

	payload := eventJSON("evt_dup", "customer.subscription.updated",
		fmt.Sprintf(`{"id": %q}`, testSubID))

	w1 := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w1, signedRequest(t, payload))
	if w1.Code != http.StatusOK {
		t.Fatalf("First delivery: expected 200, got %d", w1.Code)
	}
	callsAfterFirst := stub.requests.Load()

	w2 := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w2, signedRequest(t, payload))
	if w2.Code != http.StatusOK {
		t.Fatalf("Redelivery: expected 200, got %d", w2.Code)
	}

	if stub.requests.Load() != callsAfterFirst {
		t.Errorf("Redelivery must not call the provider API again")
	}
	if store.EventCount() != 1 {
		t.Errorf("Expected 1 ledger entry, got %d", store.EventCount())
	}
}

func TestWebhook_InvoicePaidRecordsPayment(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, nil)

	_, err := store.CreateCustomerMapping(t.Context(), &billing.CustomerMapping{
		AccountID:  testAccountID,
		CustomerID: testCustomerID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to create mapping: %v", err)
	}

	paidAt := time.Now().Unix()
	invoice := fmt.Sprintf(`{
		"id": "in_1", "object": "invoice", "status": "paid",
		"amount_paid": 2990, "amount_due": 2990, "currency": "usd",
		"customer": %q, "subscription": %q,
		"hosted_invoice_url": "https://invoice.example/in_1",
		"status_transitions": {"paid_at": %d},
		"payment_settings": {"payment_method_types": ["card"]}
	}`, testCustomerID, testSubID, paidAt)
	payload := eventJSON("evt_inv1", "invoice.paid", invoice)

	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, signedRequest(t, payload))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	payments, err := store.ListPayments(t.Context(), testAccountID, 0)
	if err != nil {
		t.Fatalf("Failed to list payments: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("Expected 1 payment, got %d", len(payments))
	}

	p := payments[0]
	if p.Amount != 29.90 {
		t.Errorf("Expected amount 29.90, got %v", p.Amount)
	}
	if p.Currency != "USD" {
		t.Errorf("Expected currency USD, got %q", p.Currency)
	}
	if p.Status != billing.PaymentStatusPaid {
		t.Errorf("Expected status paid, got %q", p.Status)
	}
	if p.SubscriptionID != testSubID {
		t.Errorf("Expected subscription %q, got %q", testSubID, p.SubscriptionID)
	}
	if p.PaidAt == nil || p.PaidAt.Unix() != paidAt {
		t.Errorf("Expected paid_at %d, got %v", paidAt, p.PaidAt)
	}
}

func TestWebhook_InvoiceRedeliveryWritesOnePayment(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, nil)

	_, _ = store.CreateCustomerMapping(t.Context(), &billing.CustomerMapping{
		AccountID:  testAccountID,
		CustomerID: testCustomerID,
		CreatedAt:  time.Now().UTC(),
	})

	invoice := fmt.Sprintf(`{
		"id": "in_2", "object": "invoice", "status": "paid",
		"amount_paid": 1000, "currency": "eur", "customer": %q
	}`, testCustomerID)

	// Same invoice delivered under two distinct event IDs: the ledger does
	// not help here, the invoice-keyed insert must absorb the second write.
	for _, eventID := range []string{"evt_inv2a", "evt_inv2b"} {
		w := httptest.NewRecorder()
		provider.WebhookHandler().ServeHTTP(w, signedRequest(t, eventJSON(eventID, "invoice.paid", invoice)))
		if w.Code != http.StatusOK {
			t.Fatalf("Event %s: expected 200, got %d", eventID, w.Code)
		}
	}

	payments, _ := store.ListPayments(t.Context(), testAccountID, 0)
	if len(payments) != 1 {
		t.Fatalf("Expected exactly 1 payment after redelivery, got %d", len(payments))
	}
}

func TestWebhook_UnknownEventAcknowledged(t *testing.T) {
	store := memory.New()
	provider := newTestProvider(t, store, nil)

	payload := eventJSON("evt_unknown", "payment_intent.succeeded", `{"id": "pi_1"}`)
	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, signedRequest(t, payload))

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for unknown event kind, got %d", w.Code)
	}
	if store.EventCount() != 1 {
		t.Errorf("Unknown events still get a ledger entry, got %d", store.EventCount())
	}
}

func TestWebhook_HandlerFailureLeavesLedgerEmpty(t *testing.T) {
	store := memory.New()
	stub := newStripeStub(t)
	stub.handle("GET /v1/subscriptions/"+testSubID, http.StatusInternalServerError, `{"error": {"type": "api_error"}}`)

	provider := newTestProvider(t, store, stub)

	payload := eventJSON("evt_fail", "customer.subscription.updated",
		fmt.Sprintf(`{"id": %q}`, testSubID))
	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, signedRequest(t, payload))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", w.Code)
	}
	if store.EventCount() != 0 {
		t.Errorf("Failed events must not be committed to the ledger, got %d entries", store.EventCount())
	}
}

func TestWebhook_SubscriptionDeletedFiresCallback(t *testing.T) {
	store := memory.New()
	stub := newStripeStub(t)
	stub.handle("GET /v1/subscriptions/"+testSubID, http.StatusOK,
		subscriptionJSON("canceled", time.Now().Unix()))

	var events []*billing.Event
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Store:       store,
			PlanMapping: map[string]string{testPricePro: "pro"},
			OnEvent: func(_ context.Context, e *billing.Event) {
				events = append(events, e)
			},
		},
		StripeAPIKey:        testAPIKey,
		StripeWebhookSecret: testWebhookSecret,
		APIBaseURL:          stub.server.URL,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	payload := eventJSON("evt_del", "customer.subscription.deleted",
		fmt.Sprintf(`{"id": %q}`, testSubID))
	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, signedRequest(t, payload))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	if len(events) != 1 {
		t.Fatalf("Expected 1 callback event, got %d", len(events))
	}
	if events[0].Kind != billing.EventKindSubscriptionDeleted {
		t.Errorf("Expected deletion event, got %q", events[0].Kind)
	}

	sub, err := store.GetSubscription(t.Context(), testSubID)
	if err != nil {
		t.Fatalf("Expected subscription row to remain: %v", err)
	}
	if sub.Status != billing.SubscriptionStatusCanceled {
		t.Errorf("Expected status canceled, got %q", sub.Status)
	}
}

func TestWebhook_EventOrderConverges(t *testing.T) {
	// Checkout-completed and subscription-updated events for the same
	// subscription must leave the stored row at the provider's latest truth
	// regardless of delivery order, because every handler re-fetches instead
	// of trusting the embedded snapshot.
	subJSON := func(status, price string, periodEnd int64) string {
		return fmt.Sprintf(`{
			"id": %q, "object": "subscription", "status": %q,
			"cancel_at_period_end": false,
			"customer": %q,
			"metadata": {"account_id": %q},
			"items": {"object": "list", "data": [
				{"id": "si_1", "object": "subscription_item",
				 "current_period_end": %d,
				 "price": {"id": %q, "object": "price"}}
			]}
		}`, testSubID, status, testCustomerID, testAccountID, periodEnd, price)
	}

	checkoutPayload := fmt.Sprintf(`{
		"id": "cs_1", "object": "checkout.session", "mode": "subscription",
		"subscription": %q, "metadata": {"account_id": %q}
	}`, testSubID, testAccountID)
	updatePayload := fmt.Sprintf(`{"id": %q, "object": "subscription"}`, testSubID)

	orders := []struct {
		name   string
		first  [2]string // event type, payload
		second [2]string
	}{
		{"checkout then update",
			[2]string{"checkout.session.completed", checkoutPayload},
			[2]string{"customer.subscription.updated", updatePayload}},
		{"update then checkout",
			[2]string{"customer.subscription.updated", updatePayload},
			[2]string{"checkout.session.completed", checkoutPayload}},
	}

	for _, tt := range orders {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			stub := newStripeStub(t)

			firstEnd := time.Now().Add(24 * time.Hour).Unix()
			finalEnd := time.Now().Add(30 * 24 * time.Hour).Unix()

			var mu sync.Mutex
			current := subJSON("trialing", testPricePro, firstEnd)
			stub.mux.HandleFunc("GET /v1/subscriptions/"+testSubID, func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				defer mu.Unlock()
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, current)
			})

			provider, err := NewProvider(Config{
				Config: billing.Config{
					Store: store,
					PlanMapping: map[string]string{
						testPricePro: "pro",
						"price_team": "team",
					},
				},
				StripeAPIKey:        testAPIKey,
				StripeWebhookSecret: testWebhookSecret,
				APIBaseURL:          stub.server.URL,
			})
			if err != nil {
				t.Fatalf("Failed to create provider: %v", err)
			}

			w1 := httptest.NewRecorder()
			provider.WebhookHandler().ServeHTTP(w1,
				signedRequest(t, eventJSON("evt_order_1", tt.first[0], tt.first[1])))
			if w1.Code != http.StatusOK {
				t.Fatalf("First delivery: expected 200, got %d: %s", w1.Code, w1.Body.String())
			}

			// Provider truth moves on before the second event arrives.
			mu.Lock()
			current = subJSON("active", "price_team", finalEnd)
			mu.Unlock()

			w2 := httptest.NewRecorder()
			provider.WebhookHandler().ServeHTTP(w2,
				signedRequest(t, eventJSON("evt_order_2", tt.second[0], tt.second[1])))
			if w2.Code != http.StatusOK {
				t.Fatalf("Second delivery: expected 200, got %d: %s", w2.Code, w2.Body.String())
			}

			sub, err := store.GetSubscription(t.Context(), testSubID)
			if err != nil {
				t.Fatalf("Expected subscription to be stored: %v", err)
			}
			if sub.Status != billing.SubscriptionStatusActive {
				t.Errorf("Expected final status active, got %q", sub.Status)
			}
			if sub.Plan != "team" {
				t.Errorf("Expected final plan team, got %q", sub.Plan)
			}
			if sub.CurrentPeriodEnd.Unix() != finalEnd {
				t.Errorf("Expected final period end %d, got %d", finalEnd, sub.CurrentPeriodEnd.Unix())
			}
		})
	}
}

func TestWebhook_CheckoutForUnlinkedAccountAcknowledged(t *testing.T) {
	store := memory.New()
	stub := newStripeStub(t)
	// Subscription without account metadata, no mapping stored, and the
	// customer lookup 404s: nothing can link this checkout to an account.
	stub.handle("GET /v1/subscriptions/"+testSubID, http.StatusOK, fmt.Sprintf(`{
		"id": %q, "object": "subscription", "status": "active",
		"customer": %q,
		"items": {"object": "list", "data": [
			{"id": "si_1", "object": "subscription_item",
			 "price": {"id": %q, "object": "price"}}
		]}
	}`, testSubID, testCustomerID, testPricePro))

	provider := newTestProvider(t, store, stub)

	payload := eventJSON("evt_unlinked", "checkout.session.completed",
		fmt.Sprintf(`{"id": "cs_1", "object": "checkout.session", "mode": "subscription", "subscription": %q}`, testSubID))
	w := httptest.NewRecorder()
	provider.WebhookHandler().ServeHTTP(w, signedRequest(t, payload))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if store.EventCount() != 1 {
		t.Errorf("Unlinkable checkouts still get a ledger entry, got %d", store.EventCount())
	}
	if _, err := store.GetSubscription(t.Context(), testSubID); err != billing.ErrSubscriptionNotFound {
		t.Errorf("No subscription row should be written, got %v", err)
	}
}
