package stripe

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mihaimyh/gobilling/pkg/billing"
	"github.com/mihaimyh/gobilling/storage/memory"
)

func TestCheckoutURL(t *testing.T) {
	store := memory.New()
	stub := newStripeStub(t)
	stub.handle("POST /v1/customers", 200, `{"id": "cus_new", "object": "customer"}`)
	stub.handle("POST /v1/checkout/sessions", 200,
		`{"id": "cs_1", "object": "checkout.session", "url": "https://checkout.stripe.com/c/cs_1"}`)

	provider := newTestProvider(t, store, stub)

	url, err := provider.CheckoutURL(t.Context(), testAccountID, "user@example.com", "pro",
		"https://app.example.com/ok", "https://app.example.com/cancel")
	if err != nil {
		t.Fatalf("CheckoutURL failed: %v", err)
	}
	if url != "https://checkout.stripe.com/c/cs_1" {
		t.Errorf("Unexpected session URL: %q", url)
	}

	// The checkout flow must have persisted the customer mapping
	mapping, err := store.GetCustomerMapping(t.Context(), testAccountID)
	if err != nil {
		t.Fatalf("Expected customer mapping to exist: %v", err)
	}
	if mapping.CustomerID != "cus_new" {
		t.Errorf("Expected cus_new, got %q", mapping.CustomerID)
	}
}

func TestCheckoutURL_UnmappedPlan(t *testing.T) {
	provider := newTestProvider(t, memory.New(), nil)

	_, err := provider.CheckoutURL(t.Context(), testAccountID, "user@example.com", "enterprise",
		"https://app.example.com/ok", "https://app.example.com/cancel")
	if err == nil {
		t.Fatal("Expected error for unmapped plan")
	}
	if billing.HTTPStatus(err) != 500 {
		t.Errorf("Plan misconfiguration should map to 500, got %d", billing.HTTPStatus(err))
	}
}

func TestPortalURL_LazyCustomerCreation(t *testing.T) {
	store := memory.New()
	stub := newStripeStub(t)
	stub.handle("POST /v1/customers", 200, `{"id": "cus_portal", "object": "customer"}`)
	stub.handle("POST /v1/billing_portal/sessions", 200,
		`{"id": "bps_1", "object": "billing_portal.session", "url": "https://billing.stripe.com/p/bps_1"}`)

	provider := newTestProvider(t, store, stub)

	url, err := provider.PortalURL(t.Context(), testAccountID, "user@example.com",
		"https://app.example.com/account")
	if err != nil {
		t.Fatalf("PortalURL failed: %v", err)
	}
	if url != "https://billing.stripe.com/p/bps_1" {
		t.Errorf("Unexpected portal URL: %q", url)
	}

	if _, err := store.GetCustomerMapping(t.Context(), testAccountID); err != nil {
		t.Errorf("Portal request should have created the mapping: %v", err)
	}
}

func TestResolveCustomer_ExistingMappingSkipsAPI(t *testing.T) {
	store := memory.New()
	stub := newStripeStub(t)

	_, err := store.CreateCustomerMapping(t.Context(), &billing.CustomerMapping{
		AccountID:  testAccountID,
		CustomerID: testCustomerID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Failed to create mapping: %v", err)
	}

	provider := newTestProvider(t, store, stub)

	customerID, err := provider.resolveCustomer(t.Context(), testAccountID, "user@example.com")
	if err != nil {
		t.Fatalf("resolveCustomer failed: %v", err)
	}
	if customerID != testCustomerID {
		t.Errorf("Expected %q, got %q", testCustomerID, customerID)
	}
	if stub.requests.Load() != 0 {
		t.Errorf("Existing mapping must not trigger an API call, saw %d", stub.requests.Load())
	}
}

func TestResolveCustomer_ConcurrentCallsCollapse(t *testing.T) {
	store := memory.New()
	stub := newStripeStub(t)
	// Slow handler so every goroutine joins the same in-flight resolution
	stub.mux.HandleFunc("POST /v1/customers", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": "cus_single", "object": "customer"}`)
	})

	provider := newTestProvider(t, store, stub)

	const workers = 8
	results := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = provider.resolveCustomer(t.Context(), testAccountID, "user@example.com")
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("Worker %d failed: %v", i, errs[i])
		}
		if results[i] != "cus_single" {
			t.Errorf("Worker %d got %q, want cus_single", i, results[i])
		}
	}
	if got := stub.requests.Load(); got != 1 {
		t.Errorf("Expected exactly 1 customer creation call, got %d", got)
	}
}
