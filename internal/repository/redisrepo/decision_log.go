package redisrepo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/acme/predictive-dialer/internal/domain"
)

// DecisionLog keeps the bounded per-campaign audit log of dialing decisions
// as a Redis list, newest first, trimmed to maxEntries.
type DecisionLog struct {
	client     *redis.Client
	maxEntries int
}

// NewDecisionLog constructs the log.
func NewDecisionLog(client *redis.Client, maxEntries int) *DecisionLog {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	return &DecisionLog{client: client, maxEntries: maxEntries}
}

// Append records a decision, trimming the log to its bound.
func (l *DecisionLog) Append(ctx context.Context, decision domain.DialingDecision) error {
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("decision log: marshal: %w", err)
	}

	key := l.key(decision.CampaignID)
	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(l.maxEntries-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("decision log: append: %w", err)
	}
	return nil
}

// Recent returns up to limit decisions, newest first.
func (l *DecisionLog) Recent(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.DialingDecision, error) {
	if limit <= 0 || limit > l.maxEntries {
		limit = l.maxEntries
	}

	raw, err := l.client.LRange(ctx, l.key(campaignID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("decision log: range: %w", err)
	}

	decisions := make([]domain.DialingDecision, 0, len(raw))
	for _, item := range raw {
		var decision domain.DialingDecision
		if err := json.Unmarshal([]byte(item), &decision); err != nil {
			continue
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

func (l *DecisionLog) key(campaignID uuid.UUID) string {
	return fmt.Sprintf("dialer:campaign:%s:decisions", campaignID.String())
}
