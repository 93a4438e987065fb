package handlers

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/domain"
	"github.com/acme/predictive-dialer/internal/repository"
	apperrors "github.com/acme/predictive-dialer/pkg/errors"
)

type pacingStateResponse struct {
	CampaignID       uuid.UUID               `json:"campaign_id"`
	Mode             domain.DialMode         `json:"mode"`
	CurrentDialRatio float64                 `json:"current_dial_ratio"`
	Active           bool                    `json:"active"`
	Degraded         bool                    `json:"degraded"`
	LastEvaluatedAt  *time.Time              `json:"last_evaluated_at,omitempty"`
	LastDecision     *domain.DialingDecision `json:"last_decision,omitempty"`
}

type queueMetricsResponse struct {
	CampaignID         uuid.UUID `json:"campaign_id"`
	QueuedCount        int       `json:"queued_count"`
	DialingCount       int       `json:"dialing_count"`
	OldestQueuedWaitMS int64     `json:"oldest_queued_wait_ms"`
	MeanDialLatencyMS  int64     `json:"mean_dial_latency_ms"`
}

type updateModeRequest struct {
	Mode string `json:"mode"`
}

type pacingConfigRequest struct {
	TargetAbandonmentRate *float64 `json:"target_abandonment_rate"`
	MinDialRatio          *float64 `json:"min_dial_ratio"`
	MaxDialRatio          *float64 `json:"max_dial_ratio"`
	PacingIntervalSec     *int     `json:"pacing_interval_sec"`
	MaxInFlightDispatches *int     `json:"max_in_flight_dispatches"`
}

func (h *HandlerSet) campaignID(ctx *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "invalid campaign id")
	}
	return id, nil
}

func (h *HandlerSet) getPacing(ctx *fiber.Ctx) error {
	id, err := h.campaignID(ctx)
	if err != nil {
		return err
	}

	campaign, err := h.container.Repositories().Campaign.Get(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	resp := pacingStateResponse{
		CampaignID: id,
		Mode:       campaign.Mode,
		Active:     campaign.Active,
	}
	if state, ok := h.container.Services().Tracker.Snapshot(id); ok {
		resp.Mode = state.Mode
		resp.CurrentDialRatio = state.CurrentDialRatio
		resp.Active = state.Active
		resp.Degraded = state.Degraded
		resp.LastDecision = state.LastDecision
		if !state.LastEvaluatedAt.IsZero() {
			t := state.LastEvaluatedAt
			resp.LastEvaluatedAt = &t
		}
	}
	return ctx.JSON(resp)
}

func (h *HandlerSet) getDecisions(ctx *fiber.Ctx) error {
	id, err := h.campaignID(ctx)
	if err != nil {
		return err
	}

	limit := ctx.QueryInt("limit", 100)
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	decisions, err := h.container.Repositories().Decisions.Recent(ctx.Context(), id, limit)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"campaign_id": id, "decisions": decisions})
}

func (h *HandlerSet) getQueueMetrics(ctx *fiber.Ctx) error {
	id, err := h.campaignID(ctx)
	if err != nil {
		return err
	}

	window := h.container.Config.Engine.MetricsWindow
	metrics, err := h.container.Services().DialQueue.Metrics(ctx.Context(), id, window)
	if err != nil {
		return translateError(err)
	}
	return ctx.JSON(queueMetricsResponse{
		CampaignID:         metrics.CampaignID,
		QueuedCount:        metrics.QueuedCount,
		DialingCount:       metrics.DialingCount,
		OldestQueuedWaitMS: metrics.OldestQueuedWait.Milliseconds(),
		MeanDialLatencyMS:  metrics.MeanDialLatency.Milliseconds(),
	})
}

func (h *HandlerSet) getAgentCounts(ctx *fiber.Ctx) error {
	id, err := h.campaignID(ctx)
	if err != nil {
		return err
	}

	counts, err := h.container.Repositories().Agents.CountsByStatus(ctx.Context(), id)
	if err != nil {
		return translateError(err)
	}

	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	return ctx.JSON(fiber.Map{"campaign_id": id, "agents": byStatus})
}

func (h *HandlerSet) updateMode(ctx *fiber.Ctx) error {
	id, err := h.campaignID(ctx)
	if err != nil {
		return err
	}

	var req updateModeRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	mode := domain.DialMode(req.Mode)
	if !mode.Valid() {
		return translateError(fmt.Errorf("%w: unknown dial mode %q", apperrors.ErrValidation, req.Mode))
	}

	if err := h.container.Repositories().Campaign.UpdateMode(ctx.Context(), id, mode); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"campaign_id": id, "mode": mode})
}

func (h *HandlerSet) updatePacingConfig(ctx *fiber.Ctx) error {
	id, err := h.campaignID(ctx)
	if err != nil {
		return err
	}

	var req pacingConfigRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	update := repository.PacingUpdate{
		TargetAbandonmentRate: req.TargetAbandonmentRate,
		MinDialRatio:          req.MinDialRatio,
		MaxDialRatio:          req.MaxDialRatio,
		MaxInFlightDispatches: req.MaxInFlightDispatches,
	}
	if req.PacingIntervalSec != nil {
		interval := time.Duration(*req.PacingIntervalSec) * time.Second
		update.PacingInterval = &interval
	}
	if err := validatePacingUpdate(update); err != nil {
		return translateError(err)
	}

	if err := h.container.Repositories().Campaign.UpdatePacing(ctx.Context(), id, update); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(fiber.StatusNoContent)
}

func (h *HandlerSet) pauseCampaign(ctx *fiber.Ctx) error {
	id, err := h.campaignID(ctx)
	if err != nil {
		return err
	}
	if err := h.container.Repositories().Campaign.SetActive(ctx.Context(), id, false); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"campaign_id": id, "active": false})
}

func (h *HandlerSet) resumeCampaign(ctx *fiber.Ctx) error {
	id, err := h.campaignID(ctx)
	if err != nil {
		return err
	}
	if err := h.container.Repositories().Campaign.SetActive(ctx.Context(), id, true); err != nil {
		return translateError(err)
	}
	if err := h.container.Services().Pacer.Resume(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"campaign_id": id, "active": true})
}

func (h *HandlerSet) emergencyStop(ctx *fiber.Ctx) error {
	id, err := h.campaignID(ctx)
	if err != nil {
		return err
	}
	if _, err := h.container.Repositories().Campaign.Get(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	if err := h.container.Services().Pacer.EmergencyStop(ctx.Context(), id); err != nil {
		return translateError(err)
	}
	return ctx.JSON(fiber.Map{"campaign_id": id, "stopped": true})
}

func validatePacingUpdate(update repository.PacingUpdate) error {
	if update.TargetAbandonmentRate != nil {
		if *update.TargetAbandonmentRate <= 0 || *update.TargetAbandonmentRate >= 1 {
			return fmt.Errorf("%w: target abandonment rate must be in (0, 1)", apperrors.ErrValidation)
		}
	}
	if update.MinDialRatio != nil && *update.MinDialRatio < 1 {
		return fmt.Errorf("%w: min dial ratio must be at least 1", apperrors.ErrValidation)
	}
	if update.MaxDialRatio != nil && *update.MaxDialRatio < 1 {
		return fmt.Errorf("%w: max dial ratio must be at least 1", apperrors.ErrValidation)
	}
	if update.MinDialRatio != nil && update.MaxDialRatio != nil && *update.MinDialRatio > *update.MaxDialRatio {
		return fmt.Errorf("%w: min dial ratio exceeds max", apperrors.ErrValidation)
	}
	if update.PacingInterval != nil {
		if *update.PacingInterval < 5*time.Second || *update.PacingInterval > 30*time.Second {
			return fmt.Errorf("%w: pacing interval must be between 5s and 30s", apperrors.ErrValidation)
		}
	}
	if update.MaxInFlightDispatches != nil && *update.MaxInFlightDispatches < 0 {
		return fmt.Errorf("%w: max in-flight dispatches must not be negative", apperrors.ErrValidation)
	}
	return nil
}
