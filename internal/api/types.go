package api

import (
	"encoding/json"
	"time"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeBadRequest   = "bad_request"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeNotConnected = "not_connected"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal_error"
)

type ErrorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

type DeadLetterResponse struct {
	ID        string          `json:"id"`
	JobID     string          `json:"job_id"`
	SessionID string          `json:"session_id"`
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error"`
	Stack     string          `json:"stack,omitempty"`
	FailedAt  string          `json:"failed_at"`
}

type ListDeadLettersResponse struct {
	DeadLetters []DeadLetterResponse `json:"dead_letters"`
}

type WebhookDeliveryResponse struct {
	ID             string  `json:"id"`
	WebhookID      string  `json:"webhook_id"`
	Event          string  `json:"event"`
	Status         string  `json:"status"`
	Attempts       int     `json:"attempts"`
	NextAttemptAt  *string `json:"next_attempt_at,omitempty"`
	ResponseStatus int     `json:"response_status,omitempty"`
	ResponseBody   string  `json:"response_body,omitempty"`
	LastError      string  `json:"last_error,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

type SessionResponse struct {
	ID                   string `json:"id"`
	TenantID             string `json:"tenant_id"`
	State                string `json:"state"`
	LastActive           string `json:"last_active"`
	AutoReconnect        bool   `json:"auto_reconnect"`
	ManuallyDisconnected bool   `json:"manually_disconnected"`
}

type CreateSessionRequest struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	AutoReconnect *bool  `json:"auto_reconnect,omitempty"` // default true
}

type SendMessageRequest struct {
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
	Urgent    bool            `json:"urgent,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func toDeadLetterResponse(dl domain.DeadLetter) DeadLetterResponse {
	return DeadLetterResponse{
		ID:        dl.ID.String(),
		JobID:     dl.Job.ID.String(),
		SessionID: dl.Job.SessionID,
		Recipient: dl.Job.Recipient,
		Payload:   dl.Job.Payload,
		Attempts:  dl.Job.Attempts,
		Error:     dl.Error,
		Stack:     dl.Stack,
		FailedAt:  formatTime(dl.FailedAt),
	}
}

func toDeliveryResponse(d domain.WebhookDelivery) WebhookDeliveryResponse {
	resp := WebhookDeliveryResponse{
		ID:             d.ID.String(),
		WebhookID:      d.WebhookID.String(),
		Event:          string(d.Event),
		Status:         string(d.Status),
		Attempts:       d.Attempts,
		ResponseStatus: d.ResponseStatus,
		ResponseBody:   d.ResponseBody,
		LastError:      d.LastError,
		CreatedAt:      formatTime(d.CreatedAt),
		UpdatedAt:      formatTime(d.UpdatedAt),
	}
	if d.NextAttemptAt != nil {
		s := formatTime(*d.NextAttemptAt)
		resp.NextAttemptAt = &s
	}
	return resp
}

func toSessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:                   s.ID,
		TenantID:             s.TenantID,
		State:                string(s.State),
		LastActive:           formatTime(s.LastActive),
		AutoReconnect:        s.AutoReconnect,
		ManuallyDisconnected: s.ManuallyDisconnected,
	}
}
