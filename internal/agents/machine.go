package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/repository"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
	"github.com/acme/predictive-dialer/pkg/logger"
)

// DefaultACWDuration applies when configuration leaves after-call work
// unset.
const DefaultACWDuration = 5 * time.Second

// validTransitions is the availability state graph. Every logged-in state may
// reach AWAY, BREAK and OFFLINE; the rest is explicit.
var validTransitions = map[domain.AgentStatus][]domain.AgentStatus{
	domain.AgentStatusOffline:   {domain.AgentStatusAvailable},
	domain.AgentStatusAvailable: {domain.AgentStatusOnCall, domain.AgentStatusAway, domain.AgentStatusBreak, domain.AgentStatusOffline},
	domain.AgentStatusOnCall:    {domain.AgentStatusACW, domain.AgentStatusAway, domain.AgentStatusBreak, domain.AgentStatusOffline},
	domain.AgentStatusACW:       {domain.AgentStatusAvailable, domain.AgentStatusAway, domain.AgentStatusBreak, domain.AgentStatusOffline},
	domain.AgentStatusAway:      {domain.AgentStatusAvailable, domain.AgentStatusBreak, domain.AgentStatusOffline},
	domain.AgentStatusBreak:     {domain.AgentStatusAvailable, domain.AgentStatusAway, domain.AgentStatusOffline},
}

func transitionAllowed(from, to domain.AgentStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine serializes availability transitions per agent and drives
// agent-triggered dialing. ACW timers and held-entry bookkeeping are process
// local; persisted state lives in the agent repository.
type Machine struct {
	agents      repository.AgentStateRepository
	campaigns   repository.CampaignRepository
	queue       ClaimReleaser
	dispatcher  CallDispatcher
	acwDuration time.Duration
	log         *logger.Logger

	mu     sync.Mutex
	locks  map[uuid.UUID]*sync.Mutex
	timers map[uuid.UUID]*time.Timer
	held   map[uuid.UUID]uuid.UUID
}

// ClaimReleaser is the slice of the dial queue service the machine needs.
type ClaimReleaser interface {
	Claim(ctx context.Context, agentID uuid.UUID, campaignIDs []uuid.UUID) (*domain.DialQueueEntry, error)
	Release(ctx context.Context, entryID uuid.UUID, reason string) (*domain.DialQueueEntry, error)
}

// CallDispatcher places calls for claimed entries.
type CallDispatcher interface {
	Dispatch(ctx context.Context, entry *domain.DialQueueEntry, mode domain.DialMode, maxInFlight int) error
}

// NewMachine constructs the agent availability state machine.
func NewMachine(
	agents repository.AgentStateRepository,
	campaigns repository.CampaignRepository,
	queue ClaimReleaser,
	dispatcher CallDispatcher,
	acwDuration time.Duration,
	log *logger.Logger,
) *Machine {
	if acwDuration <= 0 {
		acwDuration = DefaultACWDuration
	}
	return &Machine{
		agents:      agents,
		campaigns:   campaigns,
		queue:       queue,
		dispatcher:  dispatcher,
		acwDuration: acwDuration,
		log:         log,
		locks:       make(map[uuid.UUID]*sync.Mutex),
		timers:      make(map[uuid.UUID]*time.Timer),
		held:        make(map[uuid.UUID]uuid.UUID),
	}
}

// HandleEvent maps one agent session event onto the state machine.
func (m *Machine) HandleEvent(ctx context.Context, ev domain.AgentEvent) error {
	switch ev.Type {
	case domain.AgentEventLogin:
		return m.Login(ctx, ev.AgentID, ev.CampaignID)
	case domain.AgentEventLogout:
		return m.Logout(ctx, ev.AgentID)
	case domain.AgentEventStatusChange:
		return m.SetStatus(ctx, ev.AgentID, ev.Status)
	default:
		return fmt.Errorf("%w: unknown agent event %q", apperrors.ErrValidation, ev.Type)
	}
}

// Login brings an agent online and, when their campaign autodials, triggers
// an immediate claim.
func (m *Machine) Login(ctx context.Context, agentID uuid.UUID, campaignID *uuid.UUID) error {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.loadOrInit(ctx, agentID)
	if err != nil {
		return err
	}
	if state.Status != domain.AgentStatusOffline {
		return fmt.Errorf("%w: agent %s login from %s", apperrors.ErrInvalidTransition, agentID, state.Status)
	}

	now := time.Now().UTC()
	state.Status = domain.AgentStatusAvailable
	state.CurrentCampaignID = campaignID
	state.LastStatusChange = now
	state.SessionStartTime = &now
	state.DialCount = 0
	if err := m.agents.Upsert(ctx, state); err != nil {
		return err
	}

	m.maybeDialLocked(ctx, state)
	return nil
}

// Logout takes an agent offline from any state, cancelling a pending ACW
// timer and returning a held dialing entry to the queue.
func (m *Machine) Logout(ctx context.Context, agentID uuid.UUID) error {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	m.cancelTimer(agentID)

	state, err := m.agents.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	m.releaseHeldLocked(ctx, agentID, "agent logout")

	state.Status = domain.AgentStatusOffline
	state.CurrentCampaignID = nil
	state.CurrentContactID = nil
	state.SessionStartTime = nil
	state.LastStatusChange = time.Now().UTC()
	return m.agents.Upsert(ctx, state)
}

// SetStatus applies a self-service status change (AVAILABLE, AWAY, BREAK and
// the OFFLINE shorthand). ON_CALL and ACW are driven by call lifecycle, not
// by this path.
func (m *Machine) SetStatus(ctx context.Context, agentID uuid.UUID, status domain.AgentStatus) error {
	if status == domain.AgentStatusOffline {
		return m.Logout(ctx, agentID)
	}

	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.agents.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !transitionAllowed(state.Status, status) {
		return fmt.Errorf("%w: agent %s %s -> %s", apperrors.ErrInvalidTransition, agentID, state.Status, status)
	}

	if status == domain.AgentStatusAway || status == domain.AgentStatusBreak {
		m.cancelTimer(agentID)
		if state.Status == domain.AgentStatusOnCall {
			// Stepping away mid-call abandons the leg; return the held
			// entry the same way logout does.
			m.releaseHeldLocked(ctx, agentID, "agent unavailable")
			state.CurrentContactID = nil
		}
	}

	state.Status = status
	state.LastStatusChange = time.Now().UTC()
	if err := m.agents.Upsert(ctx, state); err != nil {
		return err
	}

	if status == domain.AgentStatusAvailable {
		m.maybeDialLocked(ctx, state)
	}
	return nil
}

// CallConnected binds an answered call to an available agent.
func (m *Machine) CallConnected(ctx context.Context, agentID, contactID uuid.UUID) error {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.agents.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !transitionAllowed(state.Status, domain.AgentStatusOnCall) {
		return fmt.Errorf("%w: agent %s %s -> %s", apperrors.ErrInvalidTransition, agentID, state.Status, domain.AgentStatusOnCall)
	}

	state.Status = domain.AgentStatusOnCall
	state.CurrentContactID = &contactID
	state.LastStatusChange = time.Now().UTC()
	return m.agents.Upsert(ctx, state)
}

// CallEnded moves the agent into after-call work and schedules the return to
// AVAILABLE.
func (m *Machine) CallEnded(ctx context.Context, agentID uuid.UUID) error {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.agents.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if !transitionAllowed(state.Status, domain.AgentStatusACW) {
		return fmt.Errorf("%w: agent %s %s -> %s", apperrors.ErrInvalidTransition, agentID, state.Status, domain.AgentStatusACW)
	}

	m.mu.Lock()
	delete(m.held, agentID)
	m.mu.Unlock()

	state.Status = domain.AgentStatusACW
	state.CurrentContactID = nil
	state.LastStatusChange = time.Now().UTC()
	if err := m.agents.Upsert(ctx, state); err != nil {
		return err
	}

	m.scheduleACWExpiry(agentID)
	return nil
}

// TriggerDial attempts one agent-initiated claim. An agent already on a call
// is rejected without side effects.
func (m *Machine) TriggerDial(ctx context.Context, agentID uuid.UUID) error {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	state, err := m.agents.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if state.Status == domain.AgentStatusOnCall {
		return fmt.Errorf("%w: agent %s is on a call", apperrors.ErrConflict, agentID)
	}
	if state.Status != domain.AgentStatusAvailable {
		return fmt.Errorf("%w: agent %s is %s", apperrors.ErrConflict, agentID, state.Status)
	}

	m.maybeDialLocked(ctx, state)
	return nil
}

func (m *Machine) scheduleACWExpiry(agentID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[agentID]; ok {
		t.Stop()
	}
	m.timers[agentID] = time.AfterFunc(m.acwDuration, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.SetStatus(ctx, agentID, domain.AgentStatusAvailable); err != nil {
			if !apperrors.Is(err, apperrors.ErrInvalidTransition) {
				m.log.Warn("agents: acw expiry", zap.Error(err),
					zap.String("agent_id", agentID.String()))
			}
		}
	})
}

func (m *Machine) cancelTimer(agentID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[agentID]; ok {
		t.Stop()
		delete(m.timers, agentID)
	}
}

// maybeDialLocked claims and dispatches one entry for an available agent on
// an active autodial campaign. Caller holds the agent lock.
func (m *Machine) maybeDialLocked(ctx context.Context, state *domain.AgentState) {
	if state.CurrentCampaignID == nil {
		return
	}
	campaign, err := m.campaigns.Get(ctx, *state.CurrentCampaignID)
	if err != nil {
		m.log.Warn("agents: load campaign", zap.Error(err),
			zap.String("agent_id", state.AgentID.String()))
		return
	}
	if !campaign.Active || !campaign.AutodialEnabled {
		return
	}

	entry, err := m.queue.Claim(ctx, state.AgentID, []uuid.UUID{campaign.ID})
	if err != nil {
		m.log.Warn("agents: claim", zap.Error(err),
			zap.String("agent_id", state.AgentID.String()))
		return
	}
	if entry == nil {
		return
	}

	m.mu.Lock()
	m.held[state.AgentID] = entry.ID
	m.mu.Unlock()

	state.DialCount++
	if err := m.agents.Upsert(ctx, state); err != nil {
		m.log.Warn("agents: bump dial count", zap.Error(err),
			zap.String("agent_id", state.AgentID.String()))
	}

	if err := m.dispatcher.Dispatch(ctx, entry, campaign.Mode, campaign.MaxInFlightDispatches); err != nil {
		m.log.Error("agents: dispatch", zap.Error(err),
			zap.String("entry_id", entry.ID.String()))
	}
}

// releaseHeldLocked returns the agent's held dialing entry, if any. Caller
// holds the agent lock.
func (m *Machine) releaseHeldLocked(ctx context.Context, agentID uuid.UUID, reason string) {
	m.mu.Lock()
	entryID, ok := m.held[agentID]
	delete(m.held, agentID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if _, err := m.queue.Release(ctx, entryID, reason); err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			m.log.Warn("agents: release held entry", zap.Error(err),
				zap.String("entry_id", entryID.String()))
		}
	}
}

func (m *Machine) loadOrInit(ctx context.Context, agentID uuid.UUID) (*domain.AgentState, error) {
	state, err := m.agents.GetAgent(ctx, agentID)
	if err == nil {
		return state, nil
	}
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return &domain.AgentState{
			AgentID: agentID,
			Status:  domain.AgentStatusOffline,
		}, nil
	}
	return nil, err
}

func (m *Machine) agentLock(agentID uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[agentID] = lock
	}
	return lock
}
