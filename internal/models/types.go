package models

import "time"

// Instrument identifies one of the fixed screening questionnaires.
type Instrument string

const (
	// InstrumentPHQ9 is the 9-item depression screen (scores 0-27).
	InstrumentPHQ9 Instrument = "phq9"
	// InstrumentGAD7 is the 7-item anxiety screen (scores 0-21).
	InstrumentGAD7 Instrument = "gad7"
)

// Validate reports whether the instrument is one of the known screens.
func (i Instrument) Validate() bool {
	switch i {
	case InstrumentPHQ9, InstrumentGAD7:
		return true
	default:
		return false
	}
}

// Answer is a single item response. Responses are small non-negative
// integers from the instrument's fixed response set.
type Answer struct {
	ItemID   string
	Response int
}

// Questionnaire is an ordered, completed set of answers for one
// instrument. Immutable once submitted.
type Questionnaire struct {
	Instrument  Instrument
	Answers     []Answer
	SubmittedAt time.Time
}

// SeverityBucket is a named screening category derived from the total
// score via fixed non-overlapping ranges.
type SeverityBucket string

const (
	SeverityMinimal          SeverityBucket = "minimal"
	SeverityMild             SeverityBucket = "mild"
	SeverityModerate         SeverityBucket = "moderate"
	SeverityModeratelySevere SeverityBucket = "moderately_severe"
	SeveritySevere           SeverityBucket = "severe"
)

// ScoreResult is the outcome of scoring one questionnaire.
// TotalScore always equals the sum of ItemScores.
type ScoreResult struct {
	ID         string
	Instrument Instrument
	TotalScore int
	ItemScores map[string]int
	Severity   SeverityBucket
	ComputedAt time.Time
}

// RiskLevel classifies a score against the escalation thresholds.
type RiskLevel string

const (
	RiskNone         RiskLevel = "none"
	RiskSupport      RiskLevel = "support"
	RiskIntervention RiskLevel = "intervention"
	RiskCrisis       RiskLevel = "crisis"
)

// Escalates reports whether the level requires the emergency resource path.
func (l RiskLevel) Escalates() bool {
	return l == RiskIntervention || l == RiskCrisis
}

// FlagSelfHarmItem marks a positive response on the designated
// high-risk item. Its presence forces RiskCrisis regardless of the
// aggregate score.
const FlagSelfHarmItem = "self-harm-item-positive"

// RiskDecision is the detector's verdict for one ScoreResult.
type RiskDecision struct {
	ScoreID     string
	Instrument  Instrument
	Level       RiskLevel
	SpecialFlag string // empty or FlagSelfHarmItem
	DecidedAt   time.Time
	LatencyMs   int64
}

// CrisisResource is one entry of the embedded, offline-available
// emergency descriptor set. Never fetched over the network.
type CrisisResource struct {
	Name         string `json:"name"`
	Phone        string `json:"phone,omitempty"`
	SMSShortcode string `json:"sms_shortcode,omitempty"`
	Order        int    `json:"order"`
	Available247 bool   `json:"available_24_7"`
}

// GateReason explains a SafetyGate outcome.
type GateReason string

const (
	GateReasonClear           GateReason = "clear"
	GateReasonRecentRisk      GateReason = "recent-risk-detected"
	GateReasonTimeBoxExceeded GateReason = "time-box-exceeded"
)

// GateOutcome is produced fresh on every gate evaluation and never
// persisted beyond the session except as an anonymized telemetry event.
type GateOutcome struct {
	Allowed            bool
	Reason             GateReason
	AlternativeOffered string
	OfferRescreen      bool
	OfferOptOut        bool
	AnxietyMarkerHit   bool
	ElapsedMs          int64
	RuminationFlag     bool
}

// GateSession holds the ephemeral per-session practice counters the
// store keeps while a practice session is in flight.
type GateSession struct {
	ID            string
	StartedAt     time.Time
	ObstacleCount int
	ElapsedMs     int64
	OptedOut      bool
}

// TelemetryEvent is the only shape that leaves the privacy boundary.
// Buckets holds coarse labels only: no raw counts, raw scores,
// free text, or stable identifiers.
type TelemetryEvent struct {
	EventType string            `json:"event_type"`
	Buckets   map[string]string `json:"buckets"`
	SessionID string            `json:"session_id"`
	Timestamp time.Time         `json:"timestamp"`
}

// AuditEntry records an operator-relevant action (escalation dispatch,
// fallback activation, history purge).
type AuditEntry struct {
	Time   time.Time
	Actor  string
	Action string
	Target string
	Note   string
}
