package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/stoaworks/stoa/internal/models"
)

// DefaultRuminationCeiling is the anti-rumination time box. The source
// practice literature treats unsupervised dwelling on obstacles beyond
// two minutes as counterproductive; by default exceeding the ceiling is
// a soft nudge (flag plus opt-out offer), configurable to a hard block.
const DefaultRuminationCeiling = 120 * time.Second

// DefaultFreshnessWindow bounds how old the most recent risk decision
// may be before the gate demands a re-screen.
const DefaultFreshnessWindow = 24 * time.Hour

// DefaultMaxObstacles caps obstacle entries per practice session.
const DefaultMaxObstacles = 2

// AlternativeGratitude is offered whenever the practice is blocked.
const AlternativeGratitude = "gratitude"

// defaultAnxietyMarkers is the curated marker list for the soft
// free-text scan. Matching biases the UI toward the opt-out without
// blocking.
var defaultAnxietyMarkers = []string{
	"panic",
	"can't breathe",
	"cant breathe",
	"terrified",
	"hopeless",
	"spiraling",
	"can't stop thinking",
	"cant stop thinking",
	"what if",
	"worst case",
}

// GateSettings parameterizes the safety gate.
type GateSettings struct {
	FreshnessWindow   time.Duration
	RuminationCeiling time.Duration
	// HardTimeBox turns the rumination ceiling into a hard block
	// instead of the default soft nudge.
	HardTimeBox    bool
	MaxObstacles   int
	AnxietyMarkers []string
}

func DefaultGateSettings() GateSettings {
	return GateSettings{
		FreshnessWindow:   DefaultFreshnessWindow,
		RuminationCeiling: DefaultRuminationCeiling,
		HardTimeBox:       false,
		MaxObstacles:      DefaultMaxObstacles,
		AnxietyMarkers:    defaultAnxietyMarkers,
	}
}

// DecisionSource supplies the most recent risk decision. Within a
// session the gate always sees the decision that session produced
// (read-your-own-write through the decision cache).
type DecisionSource interface {
	Latest() *models.RiskDecision
}

// GateContext is the per-invocation input to an evaluation.
type GateContext struct {
	SessionElapsed time.Duration
	FreeTextSoFar  string
}

// PracticeCompletion is the payload a session submits to finish the
// exercise. The obstacle cap and the mandatory self-compassion note are
// data-completeness invariants, not UI niceties.
type PracticeCompletion struct {
	Obstacles      []string
	CompassionNote string
	SessionElapsed time.Duration
	OptedOut       bool
}

// SafetyGateService decides whether the negative-visualization practice
// may proceed, given the latest risk state and the session so far.
type SafetyGateService struct {
	settings  GateSettings
	decisions DecisionSource
	now       func() time.Time
}

func NewSafetyGateService(settings GateSettings, decisions DecisionSource) *SafetyGateService {
	if settings.RuminationCeiling <= 0 {
		settings.RuminationCeiling = DefaultRuminationCeiling
	}
	if settings.FreshnessWindow <= 0 {
		settings.FreshnessWindow = DefaultFreshnessWindow
	}
	if settings.MaxObstacles <= 0 {
		settings.MaxObstacles = DefaultMaxObstacles
	}
	if len(settings.AnxietyMarkers) == 0 {
		settings.AnxietyMarkers = defaultAnxietyMarkers
	}
	return &SafetyGateService{
		settings:  settings,
		decisions: decisions,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate applies the gate rules in order: recent risk (or no fresh
// screen) blocks with an alternative and a re-screen offer; exceeding
// the rumination ceiling flags (or, configured hard, blocks) the
// session; anxiety markers in the free text set a soft bias flag;
// otherwise the practice proceeds.
func (s *SafetyGateService) Evaluate(gc GateContext) models.GateOutcome {
	outcome := models.GateOutcome{
		Allowed:   true,
		Reason:    models.GateReasonClear,
		ElapsedMs: gc.SessionElapsed.Milliseconds(),
	}

	latest := s.decisions.Latest()
	if latest == nil || s.now().Sub(latest.DecidedAt) > s.settings.FreshnessWindow || latest.Level.Escalates() {
		outcome.Allowed = false
		outcome.Reason = models.GateReasonRecentRisk
		outcome.AlternativeOffered = AlternativeGratitude
		outcome.OfferRescreen = true
		return outcome
	}

	if gc.SessionElapsed > s.settings.RuminationCeiling {
		outcome.RuminationFlag = true
		outcome.OfferOptOut = true
		if s.settings.HardTimeBox {
			outcome.Allowed = false
			outcome.Reason = models.GateReasonTimeBoxExceeded
			outcome.AlternativeOffered = AlternativeGratitude
			return outcome
		}
	}

	if s.scanForMarkers(gc.FreeTextSoFar) {
		outcome.AnxietyMarkerHit = true
		outcome.OfferOptOut = true
	}
	return outcome
}

// ValidateCompletion enforces the session's structural invariants:
// at most MaxObstacles obstacle entries, and a non-empty
// self-compassion note whenever any obstacle entry is present.
func (s *SafetyGateService) ValidateCompletion(pc PracticeCompletion) error {
	if pc.OptedOut {
		return nil
	}
	obstacles := 0
	for _, o := range pc.Obstacles {
		if strings.TrimSpace(o) != "" {
			obstacles++
		}
	}
	if obstacles > s.settings.MaxObstacles {
		return NewInvalidInputError(fmt.Sprintf("at most %d obstacle entries per session, got %d", s.settings.MaxObstacles, obstacles))
	}
	if obstacles > 0 && strings.TrimSpace(pc.CompassionNote) == "" {
		return NewInvalidInputError("a self-compassion note is required when obstacle entries are present")
	}
	return nil
}

func (s *SafetyGateService) scanForMarkers(text string) bool {
	if text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	for _, marker := range s.settings.AnxietyMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
