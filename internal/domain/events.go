package domain

import (
	"time"

	"github.com/google/uuid"
)

// AgentEventType enumerates inbound agent notifications from the session
// subsystem.
type AgentEventType string

const (
	AgentEventLogin        AgentEventType = "login"
	AgentEventLogout       AgentEventType = "logout"
	AgentEventStatusChange AgentEventType = "status_change"
)

// AgentEvent is one agent status-change notification.
type AgentEvent struct {
	Type       AgentEventType
	AgentID    uuid.UUID
	CampaignID *uuid.UUID
	Status     AgentStatus
	OccurredAt time.Time
}

// CallEventType enumerates provider lifecycle webhook events.
type CallEventType string

const (
	CallEventInitiated       CallEventType = "initiated"
	CallEventRinging         CallEventType = "ringing"
	CallEventAnswered        CallEventType = "answered"
	CallEventCompleted       CallEventType = "completed"
	CallEventFailed          CallEventType = "failed"
	CallEventMachineDetected CallEventType = "machine_detected"
)

// CallEvent is one provider lifecycle notification mapped onto a queue entry.
type CallEvent struct {
	Type           CallEventType
	EntryID        uuid.UUID
	CampaignID     uuid.UUID
	AgentID        *uuid.UUID
	ProviderCallID string
	Outcome        string
	Duration       time.Duration
	OccurredAt     time.Time
}
