package redisrepo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// StopFlags exposes campaign emergency-stop flags with cross-process
// visibility. A set flag fences new claims and dispatches immediately;
// completion handlers consult it to self-release entries of stopped
// campaigns.
type StopFlags struct {
	client *redis.Client
}

// NewStopFlags constructs the flag store.
func NewStopFlags(client *redis.Client) *StopFlags {
	return &StopFlags{client: client}
}

// Set raises the stop flag for the campaign.
func (f *StopFlags) Set(ctx context.Context, campaignID uuid.UUID) error {
	if err := f.client.Set(ctx, f.key(campaignID), "1", 0).Err(); err != nil {
		return fmt.Errorf("stop flags: set: %w", err)
	}
	return nil
}

// Clear lowers the stop flag, used on resume.
func (f *StopFlags) Clear(ctx context.Context, campaignID uuid.UUID) error {
	if err := f.client.Del(ctx, f.key(campaignID)).Err(); err != nil {
		return fmt.Errorf("stop flags: clear: %w", err)
	}
	return nil
}

// IsStopped reports whether the campaign is emergency-stopped.
func (f *StopFlags) IsStopped(ctx context.Context, campaignID uuid.UUID) (bool, error) {
	n, err := f.client.Exists(ctx, f.key(campaignID)).Result()
	if err != nil {
		return false, fmt.Errorf("stop flags: check: %w", err)
	}
	return n > 0, nil
}

func (f *StopFlags) key(campaignID uuid.UUID) string {
	return fmt.Sprintf("dialer:campaign:%s:stopped", campaignID.String())
}
