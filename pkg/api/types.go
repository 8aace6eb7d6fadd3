package api

import "github.com/mihaimyh/gobilling/pkg/billing"

// CheckoutRequest is the request body for creating a checkout session
type CheckoutRequest struct {
	Plan       string `json:"plan"`
	Email      string `json:"email,omitempty"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// PortalRequest is the request body for creating a billing portal session
type PortalRequest struct {
	Email     string `json:"email,omitempty"`
	ReturnURL string `json:"return_url"`
}

// SessionResponse carries the URL of a created checkout or portal session
type SessionResponse struct {
	URL string `json:"url"`
}

// SubscriptionResponse is the response body for the subscription endpoint
type SubscriptionResponse struct {
	Subscription *billing.Subscription `json:"subscription"`
}

// PaymentsResponse is the response body for the payments endpoint
type PaymentsResponse struct {
	Payments []*billing.PaymentRecord `json:"payments"`
}

// ErrorResponse is the standard error body
type ErrorResponse struct {
	Error string `json:"error"`
}
