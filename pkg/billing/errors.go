package billing

import (
	"errors"
	"net/http"
)

var (
	// ErrProviderNotConfigured is returned when a provider is missing required
	// configuration (store, API key, webhook secret)
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidSignature is returned when webhook signature verification
	// fails or the signature header is missing
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidPayload is returned when a webhook body cannot be parsed
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrDuplicateEvent marks an event already present in the idempotency
	// ledger. Not a failure: duplicates are acknowledged with 200.
	ErrDuplicateEvent = errors.New("webhook event already processed")

	// ErrPlanNotConfigured is returned when a provider price ID has no entry
	// in the plan mapping
	ErrPlanNotConfigured = errors.New("price not mapped to a plan")

	// ErrCustomerNotFound is returned when a customer cannot be found in the
	// billing provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrAccountNotLinked is returned when no internal account can be resolved
	// for a provider customer or subscription
	ErrAccountNotLinked = errors.New("no account linked to billing customer")

	// ErrSubscriptionNotFound is returned by stores when no subscription row
	// matches the lookup
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrMappingNotFound is returned by stores when no customer mapping exists
	ErrMappingNotFound = errors.New("customer mapping not found")

	// ErrProviderUnavailable wraps transient provider API failures. Surfaced
	// as 500 so the provider's retry mechanism redelivers the event.
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrStoreUnavailable wraps storage failures. Surfaced as 500 for the
	// same redelivery reason.
	ErrStoreUnavailable = errors.New("billing store unavailable")
)

// HTTPStatus maps the billing error taxonomy to an HTTP status code. This is
// the single place the mapping lives; handlers call it at the boundary instead
// of choosing codes inline.
//
// Duplicate events map to 200: suppression is an acknowledgement, not a
// failure. Transient provider/store errors map to 500 so the caller (the
// payment provider's webhook delivery) retries with backoff.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrDuplicateEvent):
		return http.StatusOK
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, ErrCustomerNotFound),
		errors.Is(err, ErrAccountNotLinked),
		errors.Is(err, ErrSubscriptionNotFound),
		errors.Is(err, ErrMappingNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrProviderNotConfigured):
		return http.StatusServiceUnavailable
	default:
		// ErrPlanNotConfigured, ErrProviderUnavailable, ErrStoreUnavailable
		// and anything unclassified: server-side, retryable.
		return http.StatusInternalServerError
	}
}
