package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/domain"
)

// OutcomeStore persists terminal call outcomes in Scylla, partitioned per
// campaign and day so trailing-window reads stay bounded.
type OutcomeStore struct {
	session *gocql.Session
}

// NewOutcomeStore creates a new outcome store.
func NewOutcomeStore(session *gocql.Session) *OutcomeStore {
	return &OutcomeStore{session: session}
}

// Append inserts one call outcome.
func (s *OutcomeStore) Append(ctx context.Context, outcome domain.CallOutcome) error {
	bucket := bucketDate(outcome.OccurredAt)
	durationMs := int64(outcome.Duration / time.Millisecond)

	if err := s.session.Query(`INSERT INTO call_outcomes_by_campaign
		(campaign_id, bucket, occurred_at, entry_id, contact_id, outcome, answered, abandoned, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.CampaignID.String(), bucket, outcome.OccurredAt, outcome.EntryID.String(),
		outcome.ContactID.String(), outcome.Outcome, outcome.Answered, outcome.Abandoned, durationMs,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("outcome store: insert: %w", err)
	}
	return nil
}

// RecentOutcomes returns outcomes since the given time, oldest first. It
// walks day buckets from `since` to now so the read never scans outside the
// window.
func (s *OutcomeStore) RecentOutcomes(ctx context.Context, campaignID uuid.UUID, since time.Time) ([]domain.CallOutcome, error) {
	var outcomes []domain.CallOutcome

	now := time.Now().UTC()
	for bucket := bucketDate(since); !bucket.After(bucketDate(now)); bucket = bucket.AddDate(0, 0, 1) {
		iter := s.session.Query(`SELECT occurred_at, entry_id, contact_id, outcome, answered, abandoned, duration_ms
			FROM call_outcomes_by_campaign
			WHERE campaign_id = ? AND bucket = ? AND occurred_at >= ?`,
			campaignID.String(), bucket, since,
		).WithContext(ctx).Iter()

		var (
			occurredAt time.Time
			entryIDStr string
			contactStr string
			outcome    string
			answered   bool
			abandoned  bool
			durationMs int64
		)

		for iter.Scan(&occurredAt, &entryIDStr, &contactStr, &outcome, &answered, &abandoned, &durationMs) {
			entryID, err := uuid.Parse(entryIDStr)
			if err != nil {
				continue
			}
			contactID, err := uuid.Parse(contactStr)
			if err != nil {
				continue
			}
			outcomes = append(outcomes, domain.CallOutcome{
				CampaignID: campaignID,
				EntryID:    entryID,
				ContactID:  contactID,
				Outcome:    outcome,
				Answered:   answered,
				Abandoned:  abandoned,
				Duration:   time.Duration(durationMs) * time.Millisecond,
				OccurredAt: occurredAt,
			})
		}

		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("outcome store: iter close: %w", err)
		}
	}

	return outcomes, nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
