package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Conversation controller metrics
	ConversationTaskCompleted(outcome string, duration time.Duration)
	ConversationQueuesSet(n int)

	// Session manager metrics
	SessionStateChanged(from, to string)
	ReconnectScheduled(reason string)
	SessionsLiveSet(n int)

	// Outbound queue metrics
	JobEnqueued()
	JobAttemptCompleted(outcome string, duration time.Duration)
	QueueDepthSet(queued, active, dead int)

	// Webhook metrics
	WebhookAttemptCompleted(statusClass string, duration time.Duration)
	WebhookOutcome(outcome string)
	WebhookDeduplicated()
	NotifyDropped()
	NotifyBufferSizeUpdate(size int)

	// EventBus metrics
	BufferSizeUpdate(size int)
	EmitError()

	// Reconciler metrics
	ReconcileCycleCompleted(redelivered, requeued, purged int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for conversation tasks.
const (
	TaskOK        = "ok"
	TaskError     = "error"
	TaskContended = "contended"
)

// Outcome constants for JobAttemptCompleted and WebhookOutcome.
const (
	OutcomeSuccess     = "success"
	OutcomeRetry       = "retry"
	OutcomeDead        = "dead"
	OutcomeExhausted   = "exhausted"
	OutcomeCircuitOpen = "circuit_open"
)

// StatusClass constants for WebhookAttemptCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassThrottled       = "throttled"
	StatusClassTimeout         = "timeout"
	StatusClassCanceled        = "canceled"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a webhook attempt's status code and transport error to
// a status class. 408 and 429 are reported apart from other 4xx because
// they are retried.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		return classifyError(err)
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests:
		return StatusClassThrottled
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}

func classifyError(err error) string {
	if errors.Is(err, context.Canceled) {
		return StatusClassCanceled
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return StatusClassTimeout
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
		return StatusClassConnectionError
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "timeout") {
		return StatusClassTimeout
	}
	for _, s := range []string{"connection refused", "connection reset", "no such host", "network is unreachable", "dial"} {
		if strings.Contains(errStr, s) {
			return StatusClassConnectionError
		}
	}
	return StatusClassOtherError
}
