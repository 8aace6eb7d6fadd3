package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// All methods are optional - providers gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a processed webhook event.
	// status: "success", "duplicate" or "error"
	RecordWebhookEvent(provider, kind, status string)

	// RecordWebhookProcessingDuration records how long a webhook took
	// end to end.
	RecordWebhookProcessingDuration(provider, kind string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: e.g. "auth_failed", "invalid_payload", "handler_error"
	RecordWebhookError(provider, errorType string)

	// RecordSubscriptionSync records a subscription synchronization.
	// status: "success" or "error"
	RecordSubscriptionSync(provider, status string)

	// RecordSubscriptionSyncDuration records how long a sync took.
	RecordSubscriptionSyncDuration(provider string, duration time.Duration)

	// RecordPayment records a payment record write.
	// status: the payment status ("paid", "pending", "failed")
	RecordPayment(provider, status string)

	// RecordAPICall records an outbound API call to the provider.
	// status: HTTP-ish outcome label ("success", "error", ...)
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordSubscriptionSync(_, _ string)                           {}
func (n *NoopMetrics) RecordSubscriptionSyncDuration(_ string, _ time.Duration)     {}
func (n *NoopMetrics) RecordPayment(_, _ string)                                    {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
