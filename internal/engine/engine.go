// Package engine implements the predictive pacing decision. Decide is a pure
// function of a metrics snapshot, the recent sample history, and campaign
// configuration; it never touches storage or the clock beyond stamping the
// decision.
package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/acme/predictive-dialer/internal/domain"
)

// Config holds the engine's calibratable heuristics. The tolerance
// multipliers and the smoothing split came out of operational tuning, not
// first principles, so deployments may override any of them.
type Config struct {
	SafetyBuffer        float64
	MinDialRatio        float64
	MaxDialRatio        float64
	CurrentSampleWeight float64
	SmoothingWindow     int

	// PredictedAbandonTolerance scales the target rate when judging the
	// engine's own forecast; ObservedAbandonTolerance scales it when judging
	// the measured rate.
	PredictedAbandonTolerance float64
	ObservedAbandonTolerance  float64
}

// DefaultConfig returns the documented default calibration.
func DefaultConfig() Config {
	return Config{
		SafetyBuffer:              0.85,
		MinDialRatio:              1.1,
		MaxDialRatio:              3.0,
		CurrentSampleWeight:       0.3,
		SmoothingWindow:           10,
		PredictedAbandonTolerance: 1.2,
		ObservedAbandonTolerance:  1.5,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.SafetyBuffer <= 0 {
		c.SafetyBuffer = d.SafetyBuffer
	}
	if c.MinDialRatio <= 0 {
		c.MinDialRatio = d.MinDialRatio
	}
	if c.MaxDialRatio < c.MinDialRatio {
		c.MaxDialRatio = d.MaxDialRatio
	}
	if c.CurrentSampleWeight <= 0 || c.CurrentSampleWeight >= 1 {
		c.CurrentSampleWeight = d.CurrentSampleWeight
	}
	if c.SmoothingWindow <= 0 {
		c.SmoothingWindow = d.SmoothingWindow
	}
	if c.PredictedAbandonTolerance <= 0 {
		c.PredictedAbandonTolerance = d.PredictedAbandonTolerance
	}
	if c.ObservedAbandonTolerance <= 0 {
		c.ObservedAbandonTolerance = d.ObservedAbandonTolerance
	}
	return c
}

// Decide computes the dialing decision for one campaign. Campaign bounds
// (min/max ratio, target abandonment) override the config defaults when set.
func Decide(campaign *domain.Campaign, sample domain.PredictiveMetricsSample, history []domain.PredictiveMetricsSample, cfg Config) domain.DialingDecision {
	cfg = cfg.normalized()

	minRatio := cfg.MinDialRatio
	if campaign.MinDialRatio > 0 {
		minRatio = campaign.MinDialRatio
	}
	maxRatio := cfg.MaxDialRatio
	if campaign.MaxDialRatio > 0 {
		maxRatio = campaign.MaxDialRatio
	}
	target := campaign.TargetAbandonmentRate
	if target <= 0 {
		target = 0.03
	}

	smoothed := smooth(sample, history, cfg)

	rawRatio := rawRatioForMode(campaign.Mode, smoothed, target)
	dialRatio := clamp(rawRatio*cfg.SafetyBuffer, minRatio, maxRatio)

	callsToPlace := 0
	if smoothed.AvailableAgents > 0 {
		queueFactor := math.Min(1.5, float64(smoothed.QueueDepth)/(float64(smoothed.AvailableAgents)*10))
		activeFactor := math.Max(0.5, 1-float64(smoothed.ActiveCalls)/(float64(smoothed.AvailableAgents)*2))
		callsToPlace = int(math.Floor(float64(smoothed.AvailableAgents) * dialRatio * queueFactor * activeFactor))
	}

	expectedAnswers := float64(callsToPlace) * smoothed.AnswerRate
	expectedAbandonments := math.Max(0, expectedAnswers-float64(smoothed.AvailableAgents))

	predictedAbandonRate := 0.0
	if expectedAnswers > 0 {
		predictedAbandonRate = expectedAbandonments / expectedAnswers
	}

	utilizationImpact := 0.0
	if smoothed.AvailableAgents > 0 {
		utilizationImpact = expectedAnswers / float64(smoothed.AvailableAgents)
	}

	shouldDial := true
	reasoning := fmt.Sprintf("normal operation: placing %d calls at ratio %.2f (%s mode, answer rate %.2f)",
		callsToPlace, dialRatio, campaign.Mode, smoothed.AnswerRate)

	switch {
	case smoothed.AvailableAgents == 0:
		shouldDial = false
		reasoning = "no agents available to receive calls"
	case smoothed.QueueDepth == 0:
		shouldDial = false
		reasoning = "dial queue is empty"
	case callsToPlace == 0:
		shouldDial = false
		reasoning = "computed call volume is zero under current load"
	case predictedAbandonRate > target*cfg.PredictedAbandonTolerance:
		shouldDial = false
		reasoning = fmt.Sprintf("abandonment risk: predicted rate %.3f exceeds tolerance %.3f",
			predictedAbandonRate, target*cfg.PredictedAbandonTolerance)
	case smoothed.AbandonmentRate > target*cfg.ObservedAbandonTolerance:
		shouldDial = false
		reasoning = fmt.Sprintf("abandonment risk: observed rate %.3f exceeds tolerance %.3f",
			smoothed.AbandonmentRate, target*cfg.ObservedAbandonTolerance)
	}

	if !shouldDial {
		callsToPlace = 0
	}

	return domain.DialingDecision{
		CampaignID:   campaign.ID,
		ShouldDial:   shouldDial,
		DialRatio:    dialRatio,
		CallsToPlace: callsToPlace,
		Mode:         campaign.Mode,
		Reasoning:    reasoning,
		PredictedOutcome: domain.PredictedOutcome{
			ExpectedAnswers:      expectedAnswers,
			ExpectedAbandonments: expectedAbandonments,
			UtilizationImpact:    utilizationImpact,
		},
		Timestamp: time.Now().UTC(),
	}
}

// smooth blends the current sample with up to SmoothingWindow historical
// samples: CurrentSampleWeight on the live reading, the remainder spread
// across history with linearly increasing weight toward the most recent.
// Integer signals (agents, queue depth, active calls) are taken live; a dial
// decision must not act on agents that have since gone off shift.
func smooth(sample domain.PredictiveMetricsSample, history []domain.PredictiveMetricsSample, cfg Config) domain.PredictiveMetricsSample {
	if len(history) == 0 {
		return sample
	}

	window := history
	if len(window) > cfg.SmoothingWindow {
		window = window[len(window)-cfg.SmoothingWindow:]
	}

	// Linear weights 1..n, oldest to newest, scaled into the history share.
	historyShare := 1 - cfg.CurrentSampleWeight
	totalWeight := 0.0
	for i := range window {
		totalWeight += float64(i + 1)
	}

	var answerRate, duration, utilization, abandonment float64
	for i, h := range window {
		w := float64(i+1) / totalWeight * historyShare
		answerRate += h.AnswerRate * w
		duration += h.AverageCallDuration.Seconds() * w
		utilization += h.AgentUtilization * w
		abandonment += h.AbandonmentRate * w
	}

	cw := cfg.CurrentSampleWeight
	smoothed := sample
	smoothed.AnswerRate = sample.AnswerRate*cw + answerRate
	smoothed.AverageCallDuration = time.Duration((sample.AverageCallDuration.Seconds()*cw + duration) * float64(time.Second))
	smoothed.AgentUtilization = sample.AgentUtilization*cw + utilization
	smoothed.AbandonmentRate = sample.AbandonmentRate*cw + abandonment
	return smoothed
}

func rawRatioForMode(mode domain.DialMode, m domain.PredictiveMetricsSample, target float64) float64 {
	switch mode {
	case domain.DialModeProgressive:
		return 1.0
	case domain.DialModePower:
		return predictiveRatio(m, target) * 1.5
	default:
		return predictiveRatio(m, target)
	}
}

func predictiveRatio(m domain.PredictiveMetricsSample, target float64) float64 {
	answerRate := m.AnswerRate
	if answerRate <= 0 {
		answerRate = 0.3
	}

	utilizationFactor := clamp(m.AgentUtilization*1.2, 0.5, 1.5)
	abandonmentFactor := math.Min(1.2, target/math.Max(0.001, m.AbandonmentRate))

	avgDuration := m.AverageCallDuration.Seconds()
	if avgDuration <= 0 {
		avgDuration = 180
	}
	durationFactor := clamp(120/avgDuration, 0.8, 1.3)

	return (1 / answerRate) * utilizationFactor * abandonmentFactor * durationFactor
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
