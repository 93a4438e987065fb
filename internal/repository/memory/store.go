package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/repository"
)

// Store is a mutex-guarded in-memory implementation of the persistence
// interfaces with the same conditional-update semantics as the PostgreSQL
// backend. It serves tests and local development; it is not a substitute for
// the durable store in multi-process deployments.
type Store struct {
	mu        sync.Mutex
	campaigns map[uuid.UUID]*domain.Campaign
	entries   map[uuid.UUID]*domain.DialQueueEntry
	agents    map[uuid.UUID]*domain.AgentState
	outcomes  map[uuid.UUID][]domain.CallOutcome

	// EligibleContacts feeds GenerateForCampaign per campaign.
	eligible map[uuid.UUID][]domain.DialQueueEntry
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		campaigns: make(map[uuid.UUID]*domain.Campaign),
		entries:   make(map[uuid.UUID]*domain.DialQueueEntry),
		agents:    make(map[uuid.UUID]*domain.AgentState),
		outcomes:  make(map[uuid.UUID][]domain.CallOutcome),
		eligible:  make(map[uuid.UUID][]domain.DialQueueEntry),
	}
}

// PutCampaign stores a campaign definition.
func (s *Store) PutCampaign(campaign *domain.Campaign) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *campaign
	s.campaigns[campaign.ID] = &c
}

// SeedEligibleContacts registers contacts that GenerateForCampaign will turn
// into queued entries.
func (s *Store) SeedEligibleContacts(campaignID uuid.UUID, entries []domain.DialQueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eligible[campaignID] = append(s.eligible[campaignID], entries...)
}

// PutEntry stores a queue entry directly, for tests.
func (s *Store) PutEntry(entry *domain.DialQueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *entry
	s.entries[entry.ID] = &e
}

// LoadActiveCampaign implements repository.CampaignRepository.
func (s *Store) LoadActiveCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !campaign.Active {
		return nil, repository.ErrNotFound
	}
	return campaign, nil
}

// Get implements repository.CampaignRepository.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	campaign, ok := s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *campaign
	return &c, nil
}

// ListActive implements repository.CampaignRepository.
func (s *Store) ListActive(ctx context.Context, limit int) ([]*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []*domain.Campaign
	for _, campaign := range s.campaigns {
		if campaign.Active {
			c := *campaign
			results = append(results, &c)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].UpdatedAt.Before(results[j].UpdatedAt) })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// UpdateMode implements repository.CampaignRepository.
func (s *Store) UpdateMode(ctx context.Context, id uuid.UUID, mode domain.DialMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	campaign, ok := s.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	campaign.Mode = mode
	campaign.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdatePacing implements repository.CampaignRepository.
func (s *Store) UpdatePacing(ctx context.Context, id uuid.UUID, update repository.PacingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	campaign, ok := s.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	if update.TargetAbandonmentRate != nil {
		campaign.TargetAbandonmentRate = *update.TargetAbandonmentRate
	}
	if update.MinDialRatio != nil {
		campaign.MinDialRatio = *update.MinDialRatio
	}
	if update.MaxDialRatio != nil {
		campaign.MaxDialRatio = *update.MaxDialRatio
	}
	if update.PacingInterval != nil {
		campaign.PacingInterval = *update.PacingInterval
	}
	if update.MaxInFlightDispatches != nil {
		campaign.MaxInFlightDispatches = *update.MaxInFlightDispatches
	}
	campaign.UpdatedAt = time.Now().UTC()
	return nil
}

// SetActive implements repository.CampaignRepository.
func (s *Store) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	campaign, ok := s.campaigns[id]
	if !ok {
		return repository.ErrNotFound
	}
	campaign.Active = active
	campaign.UpdatedAt = time.Now().UTC()
	return nil
}

// GenerateForCampaign implements repository.DialQueueRepository.
func (s *Store) GenerateForCampaign(ctx context.Context, campaignID uuid.UUID, maxRecords int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxRecords <= 0 {
		maxRecords = 100
	}

	for id, entry := range s.entries {
		if entry.CampaignID == campaignID && entry.Status == domain.EntryStatusQueued {
			delete(s.entries, id)
		}
	}

	nonTerminal := make(map[uuid.UUID]bool)
	for _, entry := range s.entries {
		if !entry.Status.Terminal() {
			nonTerminal[entry.ContactID] = true
		}
	}

	created := 0
	for _, candidate := range s.eligible[campaignID] {
		if created >= maxRecords {
			break
		}
		if nonTerminal[candidate.ContactID] {
			continue
		}
		entry := candidate
		entry.ID = uuid.New()
		entry.CampaignID = campaignID
		entry.Status = domain.EntryStatusQueued
		entry.QueuedAt = time.Now().UTC()
		entry.AssignedAgentID = nil
		entry.RetryCount = 0
		s.entries[entry.ID] = &entry
		nonTerminal[entry.ContactID] = true
		created++
	}
	return created, nil
}

// ClaimNext implements repository.DialQueueRepository with the same
// select-and-transition atomicity as the SQL backend: the check and the
// status flip happen under one lock.
func (s *Store) ClaimNext(ctx context.Context, agentID uuid.UUID, campaignIDs []uuid.UUID) (*domain.DialQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make(map[uuid.UUID]bool, len(campaignIDs))
	for _, id := range campaignIDs {
		eligible[id] = true
	}

	var best *domain.DialQueueEntry
	for _, entry := range s.entries {
		if entry.Status != domain.EntryStatusQueued || entry.AssignedAgentID != nil || !eligible[entry.CampaignID] {
			continue
		}
		if best == nil || entry.Priority > best.Priority ||
			(entry.Priority == best.Priority && entry.QueuedAt.Before(best.QueuedAt)) {
			best = entry
		}
	}
	if best == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	best.Status = domain.EntryStatusDialing
	if agentID != uuid.Nil {
		agent := agentID
		best.AssignedAgentID = &agent
	}
	best.DialedAt = &now

	claimed := *best
	return &claimed, nil
}

// Release implements repository.DialQueueRepository.
func (s *Store) Release(ctx context.Context, entryID uuid.UUID, reason string, maxRetries int) (*domain.DialQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok || entry.Status != domain.EntryStatusDialing {
		return nil, repository.ErrNotFound
	}

	entry.RetryCount++
	entry.AssignedAgentID = nil
	entry.DialedAt = nil
	if entry.RetryCount > maxRetries {
		now := time.Now().UTC()
		entry.Status = domain.EntryStatusFailed
		entry.CompletedAt = &now
		entry.Outcome = reason
	} else {
		entry.Status = domain.EntryStatusQueued
		entry.CompletedAt = nil
	}

	released := *entry
	return &released, nil
}

// Complete implements repository.DialQueueRepository.
func (s *Store) Complete(ctx context.Context, entryID uuid.UUID, status domain.QueueEntryStatus, outcome string) (*domain.DialQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if entry.Status != domain.EntryStatusDialing && entry.Status != domain.EntryStatusConnected {
		return nil, repository.ErrNotFound
	}

	now := time.Now().UTC()
	entry.Status = status
	entry.Outcome = outcome
	entry.CompletedAt = &now

	completed := *entry
	return &completed, nil
}

// MarkConnected implements repository.DialQueueRepository.
func (s *Store) MarkConnected(ctx context.Context, entryID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok || entry.Status != domain.EntryStatusDialing {
		return repository.ErrNotFound
	}
	entry.Status = domain.EntryStatusConnected
	return nil
}

// GetEntry fetches an entry by id.
func (s *Store) GetEntry(ctx context.Context, entryID uuid.UUID) (*domain.DialQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	e := *entry
	return &e, nil
}

// Metrics implements repository.DialQueueRepository.
func (s *Store) Metrics(ctx context.Context, campaignID uuid.UUID, window time.Duration) (*domain.QueueMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	metrics := &domain.QueueMetrics{CampaignID: campaignID}
	var latencySum time.Duration
	var latencyCount int

	for _, entry := range s.entries {
		if entry.CampaignID != campaignID {
			continue
		}
		switch entry.Status {
		case domain.EntryStatusQueued:
			metrics.QueuedCount++
			if wait := now.Sub(entry.QueuedAt); wait > metrics.OldestQueuedWait {
				metrics.OldestQueuedWait = wait
			}
		case domain.EntryStatusDialing, domain.EntryStatusConnected:
			metrics.DialingCount++
		case domain.EntryStatusCompleted, domain.EntryStatusAbandoned:
			if entry.CompletedAt != nil && entry.DialedAt != nil && entry.CompletedAt.After(now.Add(-window)) {
				latencySum += entry.CompletedAt.Sub(*entry.DialedAt)
				latencyCount++
			}
		}
	}
	if latencyCount > 0 {
		metrics.MeanDialLatency = latencySum / time.Duration(latencyCount)
	}
	return metrics, nil
}

// ArchiveTerminal implements repository.DialQueueRepository.
func (s *Store) ArchiveTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	archived := 0
	for id, entry := range s.entries {
		if entry.Status.Terminal() && entry.CompletedAt != nil && entry.CompletedAt.Before(olderThan) {
			delete(s.entries, id)
			archived++
		}
	}
	return archived, nil
}

// Upsert implements repository.AgentStateRepository.
func (s *Store) Upsert(ctx context.Context, state *domain.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *state
	s.agents[state.AgentID] = &copied
	return nil
}

// GetAgent fetches an agent state.
func (s *Store) GetAgent(ctx context.Context, agentID uuid.UUID) (*domain.AgentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.agents[agentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *state
	return &copied, nil
}

// Delete implements repository.AgentStateRepository.
func (s *Store) Delete(ctx context.Context, agentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
	return nil
}

// CountByStatus implements repository.AgentStateRepository.
func (s *Store) CountByStatus(ctx context.Context, campaignID uuid.UUID, status domain.AgentStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, agent := range s.agents {
		if agent.Status == status && agent.CurrentCampaignID != nil && *agent.CurrentCampaignID == campaignID {
			count++
		}
	}
	return count, nil
}

// CountsByStatus implements repository.AgentStateRepository.
func (s *Store) CountsByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.AgentStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.AgentStatus]int)
	for _, agent := range s.agents {
		if agent.CurrentCampaignID != nil && *agent.CurrentCampaignID == campaignID {
			counts[agent.Status]++
		}
	}
	return counts, nil
}

// Append implements repository.OutcomeStore.
func (s *Store) Append(ctx context.Context, outcome domain.CallOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome.CampaignID] = append(s.outcomes[outcome.CampaignID], outcome)
	return nil
}

// RecentOutcomes implements repository.OutcomeStore.
func (s *Store) RecentOutcomes(ctx context.Context, campaignID uuid.UUID, since time.Time) ([]domain.CallOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recent []domain.CallOutcome
	for _, outcome := range s.outcomes[campaignID] {
		if !outcome.OccurredAt.Before(since) {
			recent = append(recent, outcome)
		}
	}
	return recent, nil
}

// DecisionLog is the in-memory counterpart of the Redis decision log,
// newest first and capped at the same depth.
type DecisionLog struct {
	mu        sync.Mutex
	decisions map[uuid.UUID][]domain.DialingDecision
}

// NewDecisionLog constructs an empty decision log.
func NewDecisionLog() *DecisionLog {
	return &DecisionLog{decisions: make(map[uuid.UUID][]domain.DialingDecision)}
}

// Append implements repository.DecisionLog.
func (l *DecisionLog) Append(ctx context.Context, decision domain.DialingDecision) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := append([]domain.DialingDecision{decision}, l.decisions[decision.CampaignID]...)
	if len(log) > 100 {
		log = log[:100]
	}
	l.decisions[decision.CampaignID] = log
	return nil
}

// Recent implements repository.DecisionLog.
func (l *DecisionLog) Recent(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.DialingDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.decisions[campaignID]
	if limit > 0 && len(log) > limit {
		log = log[:limit]
	}
	out := make([]domain.DialingDecision, len(log))
	copy(out, log)
	return out, nil
}
