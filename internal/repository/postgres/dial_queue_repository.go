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

const entryColumns = `id, campaign_id, contact_id, phone_number, priority, status,
	queued_at, assigned_agent_id, dialed_at, completed_at, outcome, retry_count`

// DialQueueRepository implements repository.DialQueueRepository on PostgreSQL.
// Claims and releases are single conditional statements so that concurrent
// callers, in-process or across processes, never observe the same entry.
type DialQueueRepository struct {
	db *sqlx.DB
}

// NewDialQueueRepository constructs the repository.
func NewDialQueueRepository(db *sqlx.DB) *DialQueueRepository {
	return &DialQueueRepository{db: db}
}

// GenerateForCampaign regenerates queued entries for the campaign from
// eligible contacts. The stale-clear and the guarded insert run in one
// transaction, so concurrent generation for the same campaign cannot
// duplicate a contact.
func (r *DialQueueRepository) GenerateForCampaign(ctx context.Context, campaignID uuid.UUID, maxRecords int) (int, error) {
	if maxRecords <= 0 {
		maxRecords = 100
	}

	var inserted int64
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dial_queue_entries WHERE campaign_id = $1 AND status = 'queued'`,
			campaignID,
		); err != nil {
			return fmt.Errorf("dial queue: clear stale queued: %w", err)
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO dial_queue_entries (
			id, campaign_id, contact_id, phone_number, priority, status, queued_at, retry_count
		)
		SELECT gen_random_uuid(), c.campaign_id, c.id, c.phone_number, c.priority, 'queued', NOW(), 0
		FROM campaign_contacts c
		WHERE c.campaign_id = $1
		  AND NOT c.locked
		  AND c.attempt_count < c.max_attempts
		  AND (c.next_attempt_at IS NULL OR c.next_attempt_at <= NOW())
		  AND NOT EXISTS (
			SELECT 1 FROM dial_queue_entries e
			WHERE e.contact_id = c.id
			  AND e.status NOT IN ('completed', 'failed', 'abandoned')
		  )
		ORDER BY (c.last_attempt_at IS NULL) DESC, c.attempt_count ASC
		LIMIT $2`, campaignID, maxRecords)
		if err != nil {
			return fmt.Errorf("dial queue: insert eligible contacts: %w", err)
		}

		inserted, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("dial queue: rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(inserted), nil
}

// ClaimNext claims the highest-priority, oldest queued entry among the
// eligible campaigns. A nil agent id leaves the entry unassigned, the shape
// predictive dispatch uses. Losing racers get (nil, nil), never an error.
func (r *DialQueueRepository) ClaimNext(ctx context.Context, agentID uuid.UUID, campaignIDs []uuid.UUID) (*domain.DialQueueEntry, error) {
	if len(campaignIDs) == 0 {
		return nil, nil
	}

	row := r.db.QueryRowxContext(ctx, `UPDATE dial_queue_entries
		SET status = 'dialing', assigned_agent_id = NULLIF($1, '00000000-0000-0000-0000-000000000000'::uuid), dialed_at = NOW()
		WHERE id = (
			SELECT id FROM dial_queue_entries
			WHERE status = 'queued' AND assigned_agent_id IS NULL AND campaign_id = ANY($2)
			ORDER BY priority DESC, queued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns, agentID, campaignIDs)

	var rec entryRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("dial queue: claim next: %w", err)
	}

	entry := rec.toDomain()
	return &entry, nil
}

// Release reverts a dialing entry to queued, incrementing its retry count;
// past maxRetries the entry is marked failed with the release reason as
// outcome.
func (r *DialQueueRepository) Release(ctx context.Context, entryID uuid.UUID, reason string, maxRetries int) (*domain.DialQueueEntry, error) {
	row := r.db.QueryRowxContext(ctx, `UPDATE dial_queue_entries SET
			retry_count = retry_count + 1,
			assigned_agent_id = NULL,
			dialed_at = NULL,
			status = CASE WHEN retry_count + 1 > $2 THEN 'failed' ELSE 'queued' END,
			completed_at = CASE WHEN retry_count + 1 > $2 THEN NOW() ELSE NULL END,
			outcome = CASE WHEN retry_count + 1 > $2 THEN $3 ELSE outcome END
		WHERE id = $1 AND status = 'dialing'
		RETURNING `+entryColumns, entryID, maxRetries, reason)

	var rec entryRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("dial queue: release: %w", err)
	}

	entry := rec.toDomain()
	return &entry, nil
}

// Complete transitions a dialing or connected entry to a terminal status.
func (r *DialQueueRepository) Complete(ctx context.Context, entryID uuid.UUID, status domain.QueueEntryStatus, outcome string) (*domain.DialQueueEntry, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("dial queue: complete with non-terminal status %s", status)
	}

	row := r.db.QueryRowxContext(ctx, `UPDATE dial_queue_entries
		SET status = $2, outcome = $3, completed_at = NOW()
		WHERE id = $1 AND status IN ('dialing', 'connected')
		RETURNING `+entryColumns, entryID, status, outcome)

	var rec entryRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("dial queue: complete: %w", err)
	}

	entry := rec.toDomain()
	return &entry, nil
}

// MarkConnected moves a dialing entry to connected.
func (r *DialQueueRepository) MarkConnected(ctx context.Context, entryID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE dial_queue_entries SET status = 'connected' WHERE id = $1 AND status = 'dialing'`,
		entryID)
	if err != nil {
		return fmt.Errorf("dial queue: mark connected: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("dial queue: rows affected: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetEntry fetches an entry by id.
func (r *DialQueueRepository) GetEntry(ctx context.Context, entryID uuid.UUID) (*domain.DialQueueEntry, error) {
	row := r.db.QueryRowxContext(ctx,
		`SELECT `+entryColumns+` FROM dial_queue_entries WHERE id = $1`, entryID)

	var rec entryRecord
	if err := row.StructScan(&rec); err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("dial queue: get: %w", err)
	}

	entry := rec.toDomain()
	return &entry, nil
}

// Metrics aggregates queue counts, oldest queued wait, and mean
// dial-to-completion latency over the trailing window.
func (r *DialQueueRepository) Metrics(ctx context.Context, campaignID uuid.UUID, window time.Duration) (*domain.QueueMetrics, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT
			COUNT(*) FILTER (WHERE status = 'queued') AS queued_count,
			COUNT(*) FILTER (WHERE status IN ('dialing', 'connected')) AS dialing_count,
			COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(queued_at) FILTER (WHERE status = 'queued')), 0) AS oldest_wait_sec,
			COALESCE(EXTRACT(EPOCH FROM AVG(completed_at - dialed_at) FILTER (
				WHERE status IN ('completed', 'abandoned') AND completed_at > NOW() - $2::interval
			)), 0) AS mean_latency_sec
		FROM dial_queue_entries
		WHERE campaign_id = $1`, campaignID, window.String())

	var agg struct {
		QueuedCount    int     `db:"queued_count"`
		DialingCount   int     `db:"dialing_count"`
		OldestWaitSec  float64 `db:"oldest_wait_sec"`
		MeanLatencySec float64 `db:"mean_latency_sec"`
	}
	if err := row.StructScan(&agg); err != nil {
		return nil, fmt.Errorf("dial queue: metrics: %w", err)
	}

	return &domain.QueueMetrics{
		CampaignID:       campaignID,
		QueuedCount:      agg.QueuedCount,
		DialingCount:     agg.DialingCount,
		OldestQueuedWait: time.Duration(agg.OldestWaitSec * float64(time.Second)),
		MeanDialLatency:  time.Duration(agg.MeanLatencySec * float64(time.Second)),
	}, nil
}

// ArchiveTerminal moves terminal entries past the retention window into the
// archive table and deletes them from the live queue.
func (r *DialQueueRepository) ArchiveTerminal(ctx context.Context, olderThan time.Time) (int, error) {
	var archived int64
	err := withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `WITH moved AS (
				DELETE FROM dial_queue_entries
				WHERE status IN ('completed', 'failed', 'abandoned') AND completed_at < $1
				RETURNING `+entryColumns+`
			)
			INSERT INTO dial_queue_archive SELECT * FROM moved`, olderThan)
		if err != nil {
			return fmt.Errorf("dial queue: archive terminal: %w", err)
		}
		archived, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("dial queue: rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(archived), nil
}

type entryRecord struct {
	ID              uuid.UUID      `db:"id"`
	CampaignID      uuid.UUID      `db:"campaign_id"`
	ContactID       uuid.UUID      `db:"contact_id"`
	PhoneNumber     string         `db:"phone_number"`
	Priority        int            `db:"priority"`
	Status          string         `db:"status"`
	QueuedAt        time.Time      `db:"queued_at"`
	AssignedAgentID *uuid.UUID     `db:"assigned_agent_id"`
	DialedAt        sql.NullTime   `db:"dialed_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
	Outcome         sql.NullString `db:"outcome"`
	RetryCount      int            `db:"retry_count"`
}

func (r entryRecord) toDomain() domain.DialQueueEntry {
	entry := domain.DialQueueEntry{
		ID:              r.ID,
		CampaignID:      r.CampaignID,
		ContactID:       r.ContactID,
		PhoneNumber:     r.PhoneNumber,
		Priority:        r.Priority,
		Status:          domain.QueueEntryStatus(r.Status),
		QueuedAt:        r.QueuedAt,
		AssignedAgentID: r.AssignedAgentID,
		Outcome:         r.Outcome.String,
		RetryCount:      r.RetryCount,
	}
	if r.DialedAt.Valid {
		t := r.DialedAt.Time
		entry.DialedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		entry.CompletedAt = &t
	}
	return entry
}
