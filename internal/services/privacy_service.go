package services

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stoaworks/stoa/internal/models"
)

// EventKind is the closed set of telemetry event types. Every kind
// carries a fixed allow-listed field set, checked at construction time
// rather than at serialization time.
type EventKind string

const (
	EventScoreRecorded     EventKind = "score_recorded"
	EventRiskDecided       EventKind = "risk_decided"
	EventEscalationServed  EventKind = "escalation_served"
	EventGateEvaluated     EventKind = "gate_evaluated"
	EventPracticeCompleted EventKind = "practice_completed"
)

// eventAllowLists enumerates, per kind, the only fields that may leave
// the privacy boundary. Anything else is stripped on record.
var eventAllowLists = map[EventKind][]string{
	EventScoreRecorded:     {"instrument", "severity"},
	EventRiskDecided:       {"instrument", "level", "special_flag", "latency"},
	EventEscalationServed:  {"delivery"},
	EventGateEvaluated:     {"allowed", "reason", "rumination", "marker_hit"},
	EventPracticeCompleted: {"duration", "obstacles", "opted_out", "practice_days"},
}

// RawEvent is an internal event before the privacy transform. Build
// these through the New*Event constructors; hand-rolled field maps are
// stripped down to the allow-list on record.
type RawEvent struct {
	Kind   EventKind
	Fields map[string]string
}

// NewScoreRecordedEvent carries the instrument and the severity bucket
// label, never the numeric score.
func NewScoreRecordedEvent(res *models.ScoreResult) RawEvent {
	return RawEvent{Kind: EventScoreRecorded, Fields: map[string]string{
		"instrument": string(res.Instrument),
		"severity":   string(res.Severity),
	}}
}

// NewRiskDecidedEvent carries the level, whether the special flag was
// set, and the bucketed detection latency.
func NewRiskDecidedEvent(d models.RiskDecision) RawEvent {
	flag := "absent"
	if d.SpecialFlag != "" {
		flag = "present"
	}
	return RawEvent{Kind: EventRiskDecided, Fields: map[string]string{
		"instrument":   string(d.Instrument),
		"level":        string(d.Level),
		"special_flag": flag,
		"latency":      LatencyBucket(d.LatencyMs),
	}}
}

// NewEscalationServedEvent records whether the escalation was carried
// by the dispatcher or by the embedded fallback. Recorded only after
// the user-visible escalation action has been dispatched.
func NewEscalationServedEvent(degraded bool) RawEvent {
	delivery := "dispatched"
	if degraded {
		delivery = "embedded_fallback"
	}
	return RawEvent{Kind: EventEscalationServed, Fields: map[string]string{
		"delivery": delivery,
	}}
}

// NewGateEvaluatedEvent records the gate verdict shape, never the
// session's free text.
func NewGateEvaluatedEvent(outcome models.GateOutcome) RawEvent {
	return RawEvent{Kind: EventGateEvaluated, Fields: map[string]string{
		"allowed":    boolLabel(outcome.Allowed),
		"reason":     string(outcome.Reason),
		"rumination": boolLabel(outcome.RuminationFlag),
		"marker_hit": boolLabel(outcome.AnxietyMarkerHit),
	}}
}

// NewPracticeCompletedEvent buckets the session duration, the obstacle
// presence, and the caller-supplied practice-day streak.
func NewPracticeCompletedEvent(pc PracticeCompletion, practiceDays int) RawEvent {
	obstacles := "none"
	if len(pc.Obstacles) > 0 {
		obstacles = "present"
	}
	return RawEvent{Kind: EventPracticeCompleted, Fields: map[string]string{
		"duration":      SessionDurationBucket(pc.SessionElapsed),
		"obstacles":     obstacles,
		"opted_out":     boolLabel(pc.OptedOut),
		"practice_days": PracticeDaysBucket(practiceDays),
	}}
}

func boolLabel(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// LatencyBucket coarsens a detection latency in milliseconds.
func LatencyBucket(ms int64) string {
	switch {
	case ms < 50:
		return "<50ms"
	case ms <= 200:
		return "50-200ms"
	default:
		return ">200ms"
	}
}

// PracticeDaysBucket coarsens a practice-day count.
func PracticeDaysBucket(days int) string {
	switch {
	case days < 7:
		return "<7"
	case days <= 14:
		return "7-14"
	case days <= 30:
		return "15-30"
	default:
		return ">30"
	}
}

// SessionDurationBucket coarsens a practice session duration.
func SessionDurationBucket(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "<1m"
	case d <= 2*time.Minute:
		return "1-2m"
	default:
		return ">2m"
	}
}

// orderedBucketLabels lists, for fields whose labels form a scale, the
// merge order used by k-anonymity suppression. Fields absent here are
// categorical: below-threshold rows are dropped, not merged.
var orderedBucketLabels = map[string][]string{
	"latency":       {"<50ms", "50-200ms", ">200ms"},
	"practice_days": {"<7", "7-14", "15-30", ">30"},
	"duration":      {"<1m", "1-2m", ">2m"},
}

// DefaultEpsilon is the differential-privacy budget applied to
// aggregate counts.
const DefaultEpsilon = 0.1

// DefaultKThreshold is the k-anonymity floor for aggregate buckets.
const DefaultKThreshold = 5

// PrivacySettings parameterizes the telemetry transform.
type PrivacySettings struct {
	Epsilon    float64
	KThreshold int
}

func DefaultPrivacySettings() PrivacySettings {
	return PrivacySettings{Epsilon: DefaultEpsilon, KThreshold: DefaultKThreshold}
}

// ReportRow is one noised, k-anonymous aggregate.
type ReportRow struct {
	EventType  string `json:"event_type"`
	Field      string `json:"field"`
	Bucket     string `json:"bucket"`
	NoisyCount int    `json:"noisy_count"`
}

// UsageReport is the only aggregate view the engine exposes.
type UsageReport struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Epsilon     float64     `json:"epsilon"`
	K           int         `json:"k"`
	Rows        []ReportRow `json:"rows"`
}

// PrivacyService transforms internal events into bucketed, noised,
// k-anonymous telemetry. Record is fire-and-forget and cheap (a mutexed
// append); Flush drains the pending batch for the transport the engine
// does not own.
type PrivacyService struct {
	settings PrivacySettings
	now      func() time.Time
	newID    func() string

	mu         sync.Mutex
	pending    []models.TelemetryEvent
	counts     map[EventKind]map[string]map[string]int
	sessionID  string
	sessionDay string
	rng        *rand.Rand
}

func NewPrivacyService(settings PrivacySettings) (*PrivacyService, error) {
	if settings.Epsilon <= 0 {
		return nil, NewConfigurationError(fmt.Sprintf("privacy epsilon must be positive, got %v", settings.Epsilon))
	}
	if settings.KThreshold < 2 {
		return nil, NewConfigurationError(fmt.Sprintf("privacy k threshold must be at least 2, got %d", settings.KThreshold))
	}
	return &PrivacyService{
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		counts:   make(map[EventKind]map[string]map[string]int),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Record applies the allow-list strip and queues the event. Unknown
// kinds are rejected; unknown fields are silently dropped.
func (s *PrivacyService) Record(ev RawEvent) error {
	allow, ok := eventAllowLists[ev.Kind]
	if !ok {
		return NewInvalidInputError(fmt.Sprintf("unknown event kind %q", ev.Kind))
	}
	buckets := make(map[string]string, len(allow))
	for _, field := range allow {
		if v, present := ev.Fields[field]; present && v != "" {
			buckets[field] = v
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.rotateSessionLocked(now)
	s.pending = append(s.pending, models.TelemetryEvent{
		EventType: string(ev.Kind),
		Buckets:   buckets,
		SessionID: s.sessionID,
		Timestamp: now,
	})
	for field, label := range buckets {
		if s.counts[ev.Kind] == nil {
			s.counts[ev.Kind] = make(map[string]map[string]int)
		}
		if s.counts[ev.Kind][field] == nil {
			s.counts[ev.Kind][field] = make(map[string]int)
		}
		s.counts[ev.Kind][field][label]++
	}
	return nil
}

// Flush drains and returns the pending batch. Flushing twice without
// new events in between yields an empty second batch.
func (s *PrivacyService) Flush() []models.TelemetryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// Report builds the noised aggregate view. Buckets below the
// k-anonymity floor are first merged into the nearest lower bucket on
// ordered scales; anything still below the floor is dropped. Surviving
// counts get Laplace noise calibrated by the epsilon budget.
func (s *PrivacyService) Report() *UsageReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	report := &UsageReport{
		GeneratedAt: s.now(),
		Epsilon:     s.settings.Epsilon,
		K:           s.settings.KThreshold,
	}
	kinds := make([]EventKind, 0, len(s.counts))
	for kind := range s.counts {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, kind := range kinds {
		fields := make([]string, 0, len(s.counts[kind]))
		for field := range s.counts[kind] {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		for _, field := range fields {
			for _, row := range s.suppressLocked(field, s.counts[kind][field]) {
				report.Rows = append(report.Rows, ReportRow{
					EventType:  string(kind),
					Field:      field,
					Bucket:     row.label,
					NoisyCount: s.noisyLocked(row.count),
				})
			}
		}
	}
	return report
}

type bucketRow struct {
	label string
	count int
}

// suppressLocked applies the k-anonymity floor to one field's buckets.
func (s *PrivacyService) suppressLocked(field string, counts map[string]int) []bucketRow {
	k := s.settings.KThreshold
	order, ordered := orderedBucketLabels[field]
	if !ordered {
		labels := make([]string, 0, len(counts))
		for label := range counts {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		out := make([]bucketRow, 0, len(labels))
		for _, label := range labels {
			if counts[label] >= k {
				out = append(out, bucketRow{label: label, count: counts[label]})
			}
		}
		return out
	}
	// Walk the scale from the top; a bucket below the floor folds into
	// the next lower bucket so the scale's shape survives where the
	// data supports it.
	rows := make([]bucketRow, 0, len(order))
	for _, label := range order {
		if c, ok := counts[label]; ok {
			rows = append(rows, bucketRow{label: label, count: c})
		}
	}
	for i := len(rows) - 1; i > 0; i-- {
		if rows[i].count < k {
			rows[i-1].count += rows[i].count
			rows = append(rows[:i], rows[i+1:]...)
		}
	}
	if len(rows) > 0 && rows[0].count < k {
		rows = rows[1:]
	}
	return rows
}

// noisyLocked adds Laplace noise with scale 1/epsilon, clamped at zero.
func (s *PrivacyService) noisyLocked(count int) int {
	noisy := count + int(math.Round(s.laplaceLocked(1.0/s.settings.Epsilon)))
	if noisy < 0 {
		return 0
	}
	return noisy
}

// laplaceLocked samples Laplace(0, scale) by inverse CDF.
func (s *PrivacyService) laplaceLocked(scale float64) float64 {
	u := s.rng.Float64() - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}

// rotateSessionLocked regenerates the session identifier at the daily
// cadence. The identifier is random, never derived from user identity.
func (s *PrivacyService) rotateSessionLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != s.sessionDay || s.sessionID == "" {
		s.sessionDay = day
		s.sessionID = s.newID()
	}
}
