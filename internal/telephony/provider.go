package telephony

import (
	"context"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/domain"
)

// PlaceCallRequest carries everything a provider needs to originate one
// outbound leg for a claimed queue entry.
type PlaceCallRequest struct {
	EntryID     uuid.UUID
	CampaignID  uuid.UUID
	ContactID   uuid.UUID
	AgentID     *uuid.UUID
	PhoneNumber string
	Mode        domain.DialMode
}

// Result captures the provider's answer to a placement request. Accepted
// means the provider took the call; lifecycle events for the leg arrive
// asynchronously afterwards.
type Result struct {
	Accepted       bool
	ProviderCallID string
	Retryable      bool
	Error          string
}

// Provider abstracts the telephony integration.
type Provider interface {
	PlaceCall(ctx context.Context, req PlaceCallRequest) (Result, error)
}
