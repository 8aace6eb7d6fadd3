package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/gobilling/pkg/billing"
)

// Config holds configuration for the billing API handler
type Config struct {
	// Provider is the billing provider instance (required)
	Provider billing.Provider

	// Store is the billing store, used for read endpoints (required)
	Store billing.Store

	// GetAccountID extracts the authenticated account ID from an HTTP
	// request (required). The webhook endpoint does not use it.
	GetAccountID func(*http.Request) string

	// GetEmail extracts the billing email from an HTTP request. Optional;
	// checkout and portal requests may also carry the email in the body.
	GetEmail func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional; defaults to a no-op logger
	Logger billing.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetAccountID == nil {
		return fmt.Errorf("getAccountID is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &billing.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common AccountID extraction patterns

// FromHeader returns a GetAccountID function that extracts the account ID
// from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetAccountID function that extracts the account ID
// from the request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}
