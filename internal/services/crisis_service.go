package services

import (
	"log"
	"time"

	"github.com/stoaworks/stoa/internal/models"
)

// DefaultLatencyBudget is the detection-time contract. Exceeding it is
// logged as a defect; the decision is still returned.
const DefaultLatencyBudget = 200 * time.Millisecond

// CrisisService classifies score results against the fixed escalation
// thresholds. Detection is pure computation and cannot fail; only the
// side effects downstream of a decision can, and those are wrapped by
// the resilience guard, never the detection itself.
type CrisisService struct {
	instruments   *InstrumentSet
	latencyBudget time.Duration
	now           func() time.Time
}

// NewCrisisService builds a detector with the given latency budget;
// zero or negative falls back to DefaultLatencyBudget.
func NewCrisisService(instruments *InstrumentSet, latencyBudget time.Duration) *CrisisService {
	if latencyBudget <= 0 {
		latencyBudget = DefaultLatencyBudget
	}
	return &CrisisService{
		instruments:   instruments,
		latencyBudget: latencyBudget,
		now:           time.Now,
	}
}

// Detect produces the risk decision for one score result.
//
// The aggregate level comes from the instrument's risk bands; a
// positive response on the designated high-risk item overrides the
// level to crisis unconditionally. LatencyMs is stamped against the
// submission instant using the monotonic clock carried by submittedAt.
func (s *CrisisService) Detect(res *models.ScoreResult, submittedAt time.Time) models.RiskDecision {
	decision := models.RiskDecision{
		ScoreID:    res.ID,
		Instrument: res.Instrument,
		Level:      models.RiskNone,
	}
	spec, ok := s.instruments.Spec(res.Instrument)
	if ok {
		if level, found := spec.LevelFor(res.TotalScore); found {
			decision.Level = level
		}
		if spec.HighRiskItem != "" && res.ItemScores[spec.HighRiskItem] > 0 {
			// Hard override, not a weighted input.
			decision.Level = models.RiskCrisis
			decision.SpecialFlag = models.FlagSelfHarmItem
		}
	}
	// Keep the monotonic reading for the subtraction; only the stamp
	// is normalized to UTC.
	now := s.now()
	decision.DecidedAt = now.UTC()
	latency := now.Sub(submittedAt)
	if latency < 0 {
		latency = 0
	}
	decision.LatencyMs = latency.Milliseconds()
	if latency > s.latencyBudget {
		log.Printf("crisis detector: detection took %v, budget %v (score %s)", latency, s.latencyBudget, res.ID)
	}
	return decision
}
