// Package api provides ready-to-mount HTTP endpoints for the billing
// subsystem: the provider webhook, checkout and portal session creation, and
// read access to the reconciled subscription and payment state.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

const (
	maxAccountIDLen  = 255
	maxRequestBodyKB = 16
	defaultPageSize  = 50
)

// Handler provides HTTP endpoints for the billing subsystem
type Handler struct {
	config Config
}

// Mux returns an http.ServeMux with all billing endpoints mounted under the
// given prefix (e.g. "/billing"). Callers who need framework-specific routing
// can mount the individual handler methods instead.
func (h *Handler) Mux(prefix string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(prefix+"/webhook", h.config.Provider.WebhookHandler())
	mux.HandleFunc(prefix+"/checkout", h.CreateCheckoutSession)
	mux.HandleFunc(prefix+"/portal", h.CreatePortalSession)
	mux.HandleFunc(prefix+"/subscription", h.GetSubscription)
	mux.HandleFunc(prefix+"/payments", h.ListPayments)
	return mux
}

// CreateCheckoutSession creates a provider checkout session for the
// authenticated account and returns its URL.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.Plan == "" || req.SuccessURL == "" || req.CancelURL == "" {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("plan, success_url and cancel_url are required"))
		return
	}

	email := req.Email
	if email == "" && h.config.GetEmail != nil {
		email = h.config.GetEmail(r)
	}

	url, err := h.config.Provider.CheckoutURL(r.Context(), accountID, email, req.Plan, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, SessionResponse{URL: url})
}

// CreatePortalSession creates a provider billing portal session for the
// authenticated account and returns its URL.
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	var req PortalRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if req.ReturnURL == "" {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("return_url is required"))
		return
	}

	email := req.Email
	if email == "" && h.config.GetEmail != nil {
		email = h.config.GetEmail(r)
	}

	url, err := h.config.Provider.PortalURL(r.Context(), accountID, email, req.ReturnURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, SessionResponse{URL: url})
}

// GetSubscription returns the account's current subscription, preferring an
// active or trialing one.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	sub, err := h.config.Store.GetSubscriptionForAccount(r.Context(), accountID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, SubscriptionResponse{Subscription: sub})
}

// ListPayments returns the account's payment history, newest first.
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}

	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}

	payments, err := h.config.Store.ListPayments(r.Context(), accountID, defaultPageSize)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if payments == nil {
		payments = []*billing.PaymentRecord{}
	}

	h.writeJSON(w, http.StatusOK, PaymentsResponse{Payments: payments})
}

func (h *Handler) accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID := h.config.GetAccountID(r)
	if accountID == "" {
		h.writeError(w, r, http.StatusUnauthorized, fmt.Errorf("account ID not found"))
		return "", false
	}
	if len(accountID) > maxAccountIDLen {
		h.writeError(w, r, http.StatusBadRequest, fmt.Errorf("invalid account ID format"))
		return "", false
	}
	return accountID, true
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyKB*1024)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid request body")
	}
	return nil
}

// handleError maps domain errors onto HTTP status codes via
// billing.HTTPStatus, keeping the boundary mapping in one place.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := billing.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("billing API request failed",
			billing.Field{Key: "path", Value: r.URL.Path},
			billing.Field{Key: "error", Value: err.Error()})
	}
	h.writeError(w, r, status, publicError(err, status))
}

// publicError hides internal details for server-side failures.
func publicError(err error, status int) error {
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("internal error")
	}
	if errors.Is(err, billing.ErrSubscriptionNotFound) {
		return fmt.Errorf("no subscription found")
	}
	return err
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // Response already committed; encoding errors are unrecoverable
	_ = json.NewEncoder(w).Encode(v)
}
