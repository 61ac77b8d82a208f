package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateDead      JobState = "dead"
)

// DeliveryJob is one outbound message waiting to be sent through a session.
// Payload is immutable once enqueued; Attempts counts finished send attempts.
type DeliveryJob struct {
	ID        uuid.UUID
	TenantID  string
	SessionID string
	Recipient string
	Payload   json.RawMessage

	Priority    int
	Attempts    int
	MaxAttempts int

	State     JobState
	LastError string
	Result    *SendResult
	NextRunAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsTerminal reports whether the job left the retry cycle.
func (j DeliveryJob) IsTerminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateDead
}

// DeadLetter keeps an exhausted job verbatim plus failure metadata so it can
// be inspected and requeued by an operator.
type DeadLetter struct {
	ID       uuid.UUID
	Job      DeliveryJob
	Error    string
	Stack    string
	FailedAt time.Time
}
