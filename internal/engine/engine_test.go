package engine

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/acme/predictive-dialer/internal/domain"
)

func testCampaign(mode domain.DialMode) *domain.Campaign {
	return &domain.Campaign{
		ID:                    uuid.New(),
		Mode:                  mode,
		Active:                true,
		TargetAbandonmentRate: 0.05,
	}
}

func sample(agents, queueDepth, active int, answerRate, util, abandon float64, avgDur time.Duration) domain.PredictiveMetricsSample {
	return domain.PredictiveMetricsSample{
		Timestamp:           time.Now().UTC(),
		AnswerRate:          answerRate,
		AverageCallDuration: avgDur,
		AgentUtilization:    util,
		AbandonmentRate:     abandon,
		AvailableAgents:     agents,
		ActiveCalls:         active,
		QueueDepth:          queueDepth,
	}
}

func TestDecideRatioAlwaysWithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	samples := []domain.PredictiveMetricsSample{
		sample(1, 1, 0, 0.01, 0, 0.5, time.Second),
		sample(50, 1000, 40, 0.95, 1, 0, time.Hour),
		sample(10, 100, 5, 0.5, 0.8, 0.02, 2*time.Minute),
		sample(3, 10, 1, 0.1, 0.99, 0.001, 30*time.Second),
	}

	for _, mode := range []domain.DialMode{domain.DialModeProgressive, domain.DialModePredictive, domain.DialModePower} {
		for _, s := range samples {
			d := Decide(testCampaign(mode), s, nil, cfg)
			if d.DialRatio < cfg.MinDialRatio || d.DialRatio > cfg.MaxDialRatio {
				t.Errorf("mode %s: dial ratio %.3f outside [%.2f, %.2f]", mode, d.DialRatio, cfg.MinDialRatio, cfg.MaxDialRatio)
			}
		}
	}
}

func TestDecideNoAgents(t *testing.T) {
	d := Decide(testCampaign(domain.DialModePredictive), sample(0, 100, 0, 0.5, 0, 0, time.Minute), nil, DefaultConfig())
	if d.ShouldDial {
		t.Fatal("expected shouldDial=false with no agents")
	}
	if d.CallsToPlace != 0 {
		t.Fatalf("expected zero calls, got %d", d.CallsToPlace)
	}
	if !strings.Contains(d.Reasoning, "no agents") {
		t.Fatalf("unexpected reasoning: %s", d.Reasoning)
	}
}

func TestDecideEmptyQueue(t *testing.T) {
	d := Decide(testCampaign(domain.DialModePredictive), sample(10, 0, 0, 0.5, 0.8, 0, time.Minute), nil, DefaultConfig())
	if d.ShouldDial {
		t.Fatal("expected shouldDial=false with empty queue")
	}
	if !strings.Contains(d.Reasoning, "empty") {
		t.Fatalf("unexpected reasoning: %s", d.Reasoning)
	}
}

func TestDecideZeroVolumeUnderLoad(t *testing.T) {
	// One queued entry for ten agents shrinks the queue factor until the
	// computed volume floors to zero.
	d := Decide(testCampaign(domain.DialModePredictive), sample(10, 1, 0, 0.5, 0.8, 0.02, 2*time.Minute), nil, DefaultConfig())
	if d.ShouldDial {
		t.Fatal("expected shouldDial=false when volume floors to zero")
	}
	if !strings.Contains(d.Reasoning, "zero") {
		t.Fatalf("unexpected reasoning: %s", d.Reasoning)
	}
}

func TestDecideObservedAbandonmentExceedsTolerance(t *testing.T) {
	campaign := testCampaign(domain.DialModePredictive)
	campaign.TargetAbandonmentRate = 0.03

	// Observed 0.06 > 0.03 * 1.5 while the forecast itself stays clean.
	d := Decide(campaign, sample(10, 50, 0, 0.5, 0.5, 0.06, 3*time.Minute), nil, DefaultConfig())
	if d.ShouldDial {
		t.Fatal("expected shouldDial=false when observed abandonment exceeds tolerance")
	}
	if !strings.Contains(d.Reasoning, "observed rate") {
		t.Fatalf("unexpected reasoning: %s", d.Reasoning)
	}
}

func TestDecidePredictiveScenario(t *testing.T) {
	campaign := testCampaign(domain.DialModePredictive)
	d := Decide(campaign, sample(10, 100, 5, 0.5, 0.8, 0.02, 2*time.Minute), nil, DefaultConfig())

	if !d.ShouldDial {
		t.Fatalf("expected shouldDial=true, reasoning: %s", d.Reasoning)
	}
	// raw = (1/0.5) * clamp(0.8*1.2) * min(1.2, 0.05/0.02) * clamp(120/120)
	//     = 2 * 0.96 * 1.2 * 1 = 2.304; buffered = 1.9584
	if math.Abs(d.DialRatio-1.9584) > 1e-9 {
		t.Errorf("dial ratio = %.6f, want 1.9584", d.DialRatio)
	}
	// floor(10 * 1.9584 * queueFactor 1.0 * activeFactor 0.75) = 14
	if d.CallsToPlace != 14 {
		t.Errorf("calls to place = %d, want 14", d.CallsToPlace)
	}
	if d.PredictedOutcome.ExpectedAnswers != 7 {
		t.Errorf("expected answers = %.2f, want 7", d.PredictedOutcome.ExpectedAnswers)
	}
	if d.PredictedOutcome.ExpectedAbandonments != 0 {
		t.Errorf("expected abandonments = %.2f, want 0", d.PredictedOutcome.ExpectedAbandonments)
	}
}

func TestDecidePowerModeClampsToMax(t *testing.T) {
	campaign := testCampaign(domain.DialModePower)
	d := Decide(campaign, sample(5, 100, 0, 0.2, 0.9, 0.01, 2*time.Minute), nil, DefaultConfig())

	// Predictive raw 6.48 * 1.5 * 0.85 = 8.26, clamped to the 3.0 ceiling.
	if d.DialRatio != 3.0 {
		t.Fatalf("dial ratio = %.4f, want 3.0", d.DialRatio)
	}
}

func TestDecideCampaignBoundsOverrideConfig(t *testing.T) {
	campaign := testCampaign(domain.DialModeProgressive)
	campaign.MinDialRatio = 1.0
	campaign.MaxDialRatio = 2.0

	d := Decide(campaign, sample(10, 100, 0, 0.5, 0.8, 0.02, 2*time.Minute), nil, DefaultConfig())
	// Progressive raw 1.0 * 0.85 clamps up to the campaign floor, not the
	// config floor of 1.1.
	if d.DialRatio != 1.0 {
		t.Fatalf("dial ratio = %.4f, want campaign min 1.0", d.DialRatio)
	}
}

func TestDecideSmoothsAnswerRateWithHistory(t *testing.T) {
	campaign := testCampaign(domain.DialModeProgressive)
	current := sample(10, 200, 0, 0.5, 0.8, 0.02, 2*time.Minute)
	history := []domain.PredictiveMetricsSample{
		sample(10, 200, 0, 0.2, 0.8, 0.02, 2*time.Minute),
	}

	d := Decide(campaign, current, history, DefaultConfig())
	if !d.ShouldDial {
		t.Fatalf("expected shouldDial=true, reasoning: %s", d.Reasoning)
	}
	// Progressive ratio clamps to 1.1; queue factor caps at 1.5:
	// floor(10 * 1.1 * 1.5) = 16 calls. Smoothed answer rate is
	// 0.5*0.3 + 0.2*0.7 = 0.29, so 16 * 0.29 = 4.64 expected answers.
	if d.CallsToPlace != 16 {
		t.Fatalf("calls to place = %d, want 16", d.CallsToPlace)
	}
	if math.Abs(d.PredictedOutcome.ExpectedAnswers-4.64) > 1e-9 {
		t.Errorf("expected answers = %.4f, want 4.64", d.PredictedOutcome.ExpectedAnswers)
	}
}
