package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/predictive-dialer/internal/config"
	"github.com/acme/predictive-dialer/internal/dialqueue"
	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/queue"
	"github.com/acme/predictive-dialer/internal/telephony"
	"github.com/acme/predictive-dialer/pkg/logger"
)

// SlotLimiter caps concurrent in-flight dispatches per campaign.
type SlotLimiter interface {
	Acquire(ctx context.Context, campaignID uuid.UUID, limit int) (bool, error)
	Release(ctx context.Context, campaignID uuid.UUID) error
	InFlight(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// DispatchRecorder publishes accepted dispatches for the call worker fleet.
type DispatchRecorder interface {
	PublishDispatch(ctx context.Context, rec queue.DispatchRecord) error
}

// Dispatcher turns claimed queue entries into outbound call legs. Placement
// runs asynchronously so the pacer never waits on carrier latency; failures
// release the entry back to the queue.
type Dispatcher struct {
	provider  telephony.Provider
	limiter   SlotLimiter
	queue     *dialqueue.Service
	stops     dialqueue.StopGuard
	publisher DispatchRecorder
	timeout   time.Duration
	log       *logger.Logger

	wg sync.WaitGroup
}

// NewDispatcher constructs a call dispatcher.
func NewDispatcher(
	provider telephony.Provider,
	limiter SlotLimiter,
	queueSvc *dialqueue.Service,
	stops dialqueue.StopGuard,
	publisher DispatchRecorder,
	cfg config.DispatchConfig,
	log *logger.Logger,
) *Dispatcher {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		provider:  provider,
		limiter:   limiter,
		queue:     queueSvc,
		stops:     stops,
		publisher: publisher,
		timeout:   timeout,
		log:       log,
	}
}

// Dispatch launches one async call placement for a claimed entry. The entry
// must be in dialing status. Returns immediately; the goroutine releases the
// entry on any failure along the way.
func (d *Dispatcher) Dispatch(ctx context.Context, entry *domain.DialQueueEntry, mode domain.DialMode, maxInFlight int) error {
	if entry == nil || entry.Status != domain.EntryStatusDialing {
		return fmt.Errorf("dispatch: entry must be dialing")
	}

	ok, err := d.limiter.Acquire(ctx, entry.CampaignID, maxInFlight)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if !ok {
		d.releaseEntry(ctx, entry, "in-flight limit reached")
		return nil
	}

	d.wg.Add(1)
	go d.place(context.WithoutCancel(ctx), entry, mode)
	return nil
}

// ReleaseSlot frees the campaign's in-flight slot once its call leg ends.
// Completion handlers call this when a lifecycle event closes the call.
func (d *Dispatcher) ReleaseSlot(ctx context.Context, campaignID uuid.UUID) {
	if err := d.limiter.Release(ctx, campaignID); err != nil {
		d.log.Warn("dispatch: release slot", zap.Error(err),
			zap.String("campaign_id", campaignID.String()))
	}
}

// InFlight reports the campaign's current in-flight dispatch count.
func (d *Dispatcher) InFlight(ctx context.Context, campaignID uuid.UUID) (int, error) {
	return d.limiter.InFlight(ctx, campaignID)
}

// Wait blocks until all launched placements have finished. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) place(ctx context.Context, entry *domain.DialQueueEntry, mode domain.DialMode) {
	defer d.wg.Done()

	stopped, err := d.stops.IsStopped(ctx, entry.CampaignID)
	if err != nil {
		d.log.Warn("dispatch: stop check", zap.Error(err),
			zap.String("campaign_id", entry.CampaignID.String()))
	}
	if stopped {
		d.ReleaseSlot(ctx, entry.CampaignID)
		d.releaseEntry(ctx, entry, "campaign stopped")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	result, err := d.provider.PlaceCall(callCtx, telephony.PlaceCallRequest{
		EntryID:     entry.ID,
		CampaignID:  entry.CampaignID,
		ContactID:   entry.ContactID,
		AgentID:     entry.AssignedAgentID,
		PhoneNumber: entry.PhoneNumber,
		Mode:        mode,
	})
	if err != nil || !result.Accepted {
		reason := result.Error
		if err != nil {
			reason = err.Error()
		}
		d.log.Info("dispatch: placement rejected",
			zap.String("entry_id", entry.ID.String()),
			zap.String("reason", reason))
		d.ReleaseSlot(ctx, entry.CampaignID)
		d.releaseEntry(ctx, entry, reason)
		return
	}

	rec := queue.DispatchRecord{
		EntryID:      entry.ID,
		CampaignID:   entry.CampaignID,
		ContactID:    entry.ContactID,
		PhoneNumber:  entry.PhoneNumber,
		Mode:         mode,
		ProviderRef:  result.ProviderCallID,
		DispatchedAt: time.Now().UTC(),
	}
	if err := d.publisher.PublishDispatch(ctx, rec); err != nil {
		d.log.Error("dispatch: publish record", zap.Error(err),
			zap.String("entry_id", entry.ID.String()))
	}
}

func (d *Dispatcher) releaseEntry(ctx context.Context, entry *domain.DialQueueEntry, reason string) {
	if _, err := d.queue.Release(ctx, entry.ID, reason); err != nil {
		d.log.Error("dispatch: release entry", zap.Error(err),
			zap.String("entry_id", entry.ID.String()))
	}
}
