package queue

import (
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/domain"
)

// DispatchRecord is published after a call placement is accepted by the
// telephony provider. Downstream consumers use it for auditing and for
// correlating provider call legs back to queue entries.
type DispatchRecord struct {
	EntryID      uuid.UUID       `json:"entry_id"`
	CampaignID   uuid.UUID       `json:"campaign_id"`
	ContactID    uuid.UUID       `json:"contact_id"`
	PhoneNumber  string          `json:"phone_number"`
	Mode         domain.DialMode `json:"mode"`
	ProviderRef  string          `json:"provider_ref"`
	DispatchedAt time.Time       `json:"dispatched_at"`
}

// CallEventMessage is the wire form of a call lifecycle event consumed by
// the call status worker.
type CallEventMessage struct {
	Type           domain.CallEventType `json:"type"`
	EntryID        uuid.UUID            `json:"entry_id"`
	CampaignID     uuid.UUID            `json:"campaign_id"`
	AgentID        *uuid.UUID           `json:"agent_id,omitempty"`
	ProviderCallID string               `json:"provider_call_id,omitempty"`
	Outcome        string               `json:"outcome,omitempty"`
	DurationSec    int                  `json:"duration_sec,omitempty"`
	OccurredAt     time.Time            `json:"occurred_at"`
}

// AgentEventMessage is the wire form of an agent presence event consumed by
// the agent events worker.
type AgentEventMessage struct {
	Type       domain.AgentEventType `json:"type"`
	AgentID    uuid.UUID             `json:"agent_id"`
	CampaignID *uuid.UUID            `json:"campaign_id,omitempty"`
	Status     domain.AgentStatus    `json:"status,omitempty"`
	OccurredAt time.Time             `json:"occurred_at"`
}

func (m CallEventMessage) ToDomain() domain.CallEvent {
	return domain.CallEvent{
		Type:           m.Type,
		EntryID:        m.EntryID,
		CampaignID:     m.CampaignID,
		AgentID:        m.AgentID,
		ProviderCallID: m.ProviderCallID,
		Outcome:        m.Outcome,
		Duration:       time.Duration(m.DurationSec) * time.Second,
		OccurredAt:     m.OccurredAt,
	}
}

func (m AgentEventMessage) ToDomain() domain.AgentEvent {
	return domain.AgentEvent{
		Type:       m.Type,
		AgentID:    m.AgentID,
		CampaignID: m.CampaignID,
		Status:     m.Status,
		OccurredAt: m.OccurredAt,
	}
}
