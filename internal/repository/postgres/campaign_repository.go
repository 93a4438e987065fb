package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/repository"
)

const campaignColumns = `id, name, mode, active, autodial_enabled, target_abandonment_rate,
	min_dial_ratio, max_dial_ratio, pacing_interval_seconds, max_in_flight_dispatches,
	max_retries, created_at, updated_at`

// CampaignRepository implements repository.CampaignRepository on PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs the repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// LoadActiveCampaign fetches a campaign, requiring it to be active.
func (r *CampaignRepository) LoadActiveCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	campaign, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !campaign.Active {
		return nil, repository.ErrNotFound
	}
	return campaign, nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)

	var rec campaignRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}

	campaign := rec.toDomain()
	return &campaign, nil
}

// ListActive returns active campaigns for the pacing loop.
func (r *CampaignRepository) ListActive(ctx context.Context, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryxContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE active ORDER BY updated_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: list active: %w", err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var rec campaignRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign := rec.toDomain()
		results = append(results, &campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

// UpdateMode changes the pacing mode at runtime.
func (r *CampaignRepository) UpdateMode(ctx context.Context, id uuid.UUID, mode domain.DialMode) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET mode = $1, updated_at = NOW() WHERE id = $2`, mode, id)
	if err != nil {
		return fmt.Errorf("campaign repo: update mode: %w", err)
	}
	return requireRow(res)
}

// UpdatePacing applies administrative pacing-parameter changes.
func (r *CampaignRepository) UpdatePacing(ctx context.Context, id uuid.UUID, update repository.PacingUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := map[string]any{"id": id}

	if update.TargetAbandonmentRate != nil {
		sets = append(sets, "target_abandonment_rate = :target_abandonment_rate")
		args["target_abandonment_rate"] = *update.TargetAbandonmentRate
	}
	if update.MinDialRatio != nil {
		sets = append(sets, "min_dial_ratio = :min_dial_ratio")
		args["min_dial_ratio"] = *update.MinDialRatio
	}
	if update.MaxDialRatio != nil {
		sets = append(sets, "max_dial_ratio = :max_dial_ratio")
		args["max_dial_ratio"] = *update.MaxDialRatio
	}
	if update.PacingInterval != nil {
		sets = append(sets, "pacing_interval_seconds = :pacing_interval_seconds")
		args["pacing_interval_seconds"] = int(update.PacingInterval.Seconds())
	}
	if update.MaxInFlightDispatches != nil {
		sets = append(sets, "max_in_flight_dispatches = :max_in_flight_dispatches")
		args["max_in_flight_dispatches"] = *update.MaxInFlightDispatches
	}

	q := `UPDATE campaigns SET ` + strings.Join(sets, ", ") + ` WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, q, args)
	if err != nil {
		return fmt.Errorf("campaign repo: update pacing: %w", err)
	}
	return requireRow(res)
}

// SetActive pauses or resumes a campaign.
func (r *CampaignRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE campaigns SET active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return fmt.Errorf("campaign repo: set active: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type campaignRecord struct {
	ID                    uuid.UUID    `db:"id"`
	Name                  string       `db:"name"`
	Mode                  string       `db:"mode"`
	Active                bool         `db:"active"`
	AutodialEnabled       bool         `db:"autodial_enabled"`
	TargetAbandonmentRate float64      `db:"target_abandonment_rate"`
	MinDialRatio          float64      `db:"min_dial_ratio"`
	MaxDialRatio          float64      `db:"max_dial_ratio"`
	PacingIntervalSeconds int          `db:"pacing_interval_seconds"`
	MaxInFlight           int          `db:"max_in_flight_dispatches"`
	MaxRetries            int          `db:"max_retries"`
	CreatedAt             sql.NullTime `db:"created_at"`
	UpdatedAt             sql.NullTime `db:"updated_at"`
}

func (r campaignRecord) toDomain() domain.Campaign {
	return domain.Campaign{
		ID:                    r.ID,
		Name:                  r.Name,
		Mode:                  domain.DialMode(r.Mode),
		Active:                r.Active,
		AutodialEnabled:       r.AutodialEnabled,
		TargetAbandonmentRate: r.TargetAbandonmentRate,
		MinDialRatio:          r.MinDialRatio,
		MaxDialRatio:          r.MaxDialRatio,
		PacingInterval:        time.Duration(r.PacingIntervalSeconds) * time.Second,
		MaxInFlightDispatches: r.MaxInFlight,
		MaxRetries:            r.MaxRetries,
		CreatedAt:             r.CreatedAt.Time,
		UpdatedAt:             r.UpdatedAt.Time,
	}
}
