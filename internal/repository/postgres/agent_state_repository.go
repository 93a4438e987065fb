package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/repository"
)

// AgentStateRepository implements repository.AgentStateRepository on
// PostgreSQL. Serialization of transitions per agent is the state machine's
// job; this layer only persists the current state row.
type AgentStateRepository struct {
	db *sqlx.DB
}

// NewAgentStateRepository constructs the repository.
func NewAgentStateRepository(db *sqlx.DB) *AgentStateRepository {
	return &AgentStateRepository{db: db}
}

// Upsert writes the agent's current state.
func (r *AgentStateRepository) Upsert(ctx context.Context, state *domain.AgentState) error {
	q := `INSERT INTO agent_states (
		agent_id, status, current_campaign_id, current_contact_id,
		last_status_change, session_start_time, dial_count
	) VALUES (:agent_id, :status, :current_campaign_id, :current_contact_id,
		:last_status_change, :session_start_time, :dial_count)
	ON CONFLICT (agent_id) DO UPDATE SET
		status = EXCLUDED.status,
		current_campaign_id = EXCLUDED.current_campaign_id,
		current_contact_id = EXCLUDED.current_contact_id,
		last_status_change = EXCLUDED.last_status_change,
		session_start_time = EXCLUDED.session_start_time,
		dial_count = EXCLUDED.dial_count`

	params := map[string]any{
		"agent_id":            state.AgentID,
		"status":              state.Status,
		"current_campaign_id": state.CurrentCampaignID,
		"current_contact_id":  state.CurrentContactID,
		"last_status_change":  state.LastStatusChange,
		"session_start_time":  state.SessionStartTime,
		"dial_count":          state.DialCount,
	}

	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("agent states: upsert: %w", err)
	}
	return nil
}

// GetAgent fetches an agent's state.
func (r *AgentStateRepository) GetAgent(ctx context.Context, agentID uuid.UUID) (*domain.AgentState, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT agent_id, status, current_campaign_id,
		current_contact_id, last_status_change, session_start_time, dial_count
		FROM agent_states WHERE agent_id = $1`, agentID)

	var rec agentRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("agent states: get: %w", err)
	}

	state := rec.toDomain()
	return &state, nil
}

// Delete clears an agent's state row at logout.
func (r *AgentStateRepository) Delete(ctx context.Context, agentID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM agent_states WHERE agent_id = $1`, agentID); err != nil {
		return fmt.Errorf("agent states: delete: %w", err)
	}
	return nil
}

// CountByStatus counts agents in the given status assigned to the campaign.
func (r *AgentStateRepository) CountByStatus(ctx context.Context, campaignID uuid.UUID, status domain.AgentStatus) (int, error) {
	var count int
	err := r.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM agent_states WHERE current_campaign_id = $1 AND status = $2`,
		campaignID, status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("agent states: count by status: %w", err)
	}
	return count, nil
}

// CountsByStatus returns agent counts grouped by status for a campaign.
func (r *AgentStateRepository) CountsByStatus(ctx context.Context, campaignID uuid.UUID) (map[domain.AgentStatus]int, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) AS count FROM agent_states WHERE current_campaign_id = $1 GROUP BY status`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("agent states: counts by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.AgentStatus]int)
	for rows.Next() {
		var row struct {
			Status string `db:"status"`
			Count  int    `db:"count"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("agent states: scan: %w", err)
		}
		counts[domain.AgentStatus(row.Status)] = row.Count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agent states: rows err: %w", err)
	}
	return counts, nil
}

type agentRecord struct {
	AgentID           uuid.UUID    `db:"agent_id"`
	Status            string       `db:"status"`
	CurrentCampaignID *uuid.UUID   `db:"current_campaign_id"`
	CurrentContactID  *uuid.UUID   `db:"current_contact_id"`
	LastStatusChange  time.Time    `db:"last_status_change"`
	SessionStartTime  sql.NullTime `db:"session_start_time"`
	DialCount         int          `db:"dial_count"`
}

func (r agentRecord) toDomain() domain.AgentState {
	state := domain.AgentState{
		AgentID:           r.AgentID,
		Status:            domain.AgentStatus(r.Status),
		CurrentCampaignID: r.CurrentCampaignID,
		CurrentContactID:  r.CurrentContactID,
		LastStatusChange:  r.LastStatusChange,
		DialCount:         r.DialCount,
	}
	if r.SessionStartTime.Valid {
		t := r.SessionStartTime.Time
		state.SessionStartTime = &t
	}
	return state
}
