package services

import (
	"fmt"

	"github.com/stoaworks/stoa/internal/models"
)

// SeverityBand maps a closed score interval to a severity bucket.
type SeverityBand struct {
	Min    int
	Max    int
	Bucket models.SeverityBucket
}

// RiskBand maps a closed score interval to a risk level.
type RiskBand struct {
	Min   int
	Max   int
	Level models.RiskLevel
}

// InstrumentSpec is the fixed scoring table for one instrument.
// Tables are validated once at startup; a malformed table prevents the
// engine from serving any score.
type InstrumentSpec struct {
	Instrument   models.Instrument
	ItemIDs      []string
	ResponseMin  int
	ResponseMax  int
	Severity     []SeverityBand
	Risk         []RiskBand
	HighRiskItem string // empty when the instrument has no single-item override
}

// MaxTotal is the highest reachable aggregate score.
func (s *InstrumentSpec) MaxTotal() int {
	return len(s.ItemIDs) * s.ResponseMax
}

// Validate checks that the bands cover [0, MaxTotal] with no gaps and
// no overlaps and that the override item belongs to the instrument.
func (s *InstrumentSpec) Validate() error {
	if len(s.ItemIDs) == 0 {
		return NewConfigurationError(fmt.Sprintf("%s: no items", s.Instrument))
	}
	if s.ResponseMin != 0 || s.ResponseMax < s.ResponseMin+1 {
		return NewConfigurationError(fmt.Sprintf("%s: invalid response range [%d, %d]", s.Instrument, s.ResponseMin, s.ResponseMax))
	}
	if err := checkBandCoverage(s.Instrument, "severity", severityIntervals(s.Severity), s.MaxTotal()); err != nil {
		return err
	}
	if err := checkBandCoverage(s.Instrument, "risk", riskIntervals(s.Risk), s.MaxTotal()); err != nil {
		return err
	}
	if s.HighRiskItem != "" && !s.hasItem(s.HighRiskItem) {
		return NewConfigurationError(fmt.Sprintf("%s: high-risk item %q not in instrument", s.Instrument, s.HighRiskItem))
	}
	return nil
}

func (s *InstrumentSpec) hasItem(id string) bool {
	for _, it := range s.ItemIDs {
		if it == id {
			return true
		}
	}
	return false
}

// BucketFor returns the severity bucket for a total score. ok is false
// only if the table is malformed, which Validate rules out at startup.
func (s *InstrumentSpec) BucketFor(total int) (models.SeverityBucket, bool) {
	for _, b := range s.Severity {
		if total >= b.Min && total <= b.Max {
			return b.Bucket, true
		}
	}
	return "", false
}

// LevelFor returns the aggregate-score risk level for a total score.
func (s *InstrumentSpec) LevelFor(total int) (models.RiskLevel, bool) {
	for _, b := range s.Risk {
		if total >= b.Min && total <= b.Max {
			return b.Level, true
		}
	}
	return "", false
}

type interval struct{ min, max int }

func severityIntervals(bands []SeverityBand) []interval {
	out := make([]interval, 0, len(bands))
	for _, b := range bands {
		out = append(out, interval{b.Min, b.Max})
	}
	return out
}

func riskIntervals(bands []RiskBand) []interval {
	out := make([]interval, 0, len(bands))
	for _, b := range bands {
		out = append(out, interval{b.Min, b.Max})
	}
	return out
}

func checkBandCoverage(instr models.Instrument, kind string, bands []interval, max int) error {
	if len(bands) == 0 {
		return NewConfigurationError(fmt.Sprintf("%s: no %s bands", instr, kind))
	}
	// Bands must be declared in ascending order; each band must start
	// exactly where the previous one ended.
	next := 0
	for i, b := range bands {
		if b.min != next {
			return NewConfigurationError(fmt.Sprintf("%s: %s band %d starts at %d, want %d", instr, kind, i, b.min, next))
		}
		if b.max < b.min {
			return NewConfigurationError(fmt.Sprintf("%s: %s band %d is empty", instr, kind, i))
		}
		next = b.max + 1
	}
	if next != max+1 {
		return NewConfigurationError(fmt.Sprintf("%s: %s bands end at %d, want %d", instr, kind, next-1, max))
	}
	return nil
}

// InstrumentSet holds the validated tables for all supported instruments.
type InstrumentSet struct {
	specs map[models.Instrument]*InstrumentSpec
}

// NewInstrumentSet validates every table and fails on the first
// malformed one. Call once at startup.
func NewInstrumentSet(specs ...*InstrumentSpec) (*InstrumentSet, error) {
	set := &InstrumentSet{specs: make(map[models.Instrument]*InstrumentSpec, len(specs))}
	for _, s := range specs {
		if !s.Instrument.Validate() {
			return nil, NewConfigurationError(fmt.Sprintf("unknown instrument %q", s.Instrument))
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := set.specs[s.Instrument]; dup {
			return nil, NewConfigurationError(fmt.Sprintf("duplicate instrument %q", s.Instrument))
		}
		set.specs[s.Instrument] = s
	}
	return set, nil
}

// DefaultInstrumentSet returns the published PHQ-9 and GAD-7 tables.
func DefaultInstrumentSet() (*InstrumentSet, error) {
	return NewInstrumentSet(phq9Spec(), gad7Spec())
}

// Spec looks up the table for an instrument.
func (set *InstrumentSet) Spec(instr models.Instrument) (*InstrumentSpec, bool) {
	s, ok := set.specs[instr]
	return s, ok
}

// Instruments lists the supported instruments.
func (set *InstrumentSet) Instruments() []models.Instrument {
	out := make([]models.Instrument, 0, len(set.specs))
	for instr := range set.specs {
		out = append(out, instr)
	}
	return out
}

func phq9Spec() *InstrumentSpec {
	items := make([]string, 9)
	for i := range items {
		items[i] = fmt.Sprintf("phq9_%d", i+1)
	}
	return &InstrumentSpec{
		Instrument:  models.InstrumentPHQ9,
		ItemIDs:     items,
		ResponseMin: 0,
		ResponseMax: 3,
		Severity: []SeverityBand{
			{0, 4, models.SeverityMinimal},
			{5, 9, models.SeverityMild},
			{10, 14, models.SeverityModerate},
			{15, 19, models.SeverityModeratelySevere},
			{20, 27, models.SeveritySevere},
		},
		Risk: []RiskBand{
			{0, 9, models.RiskNone},
			{10, 14, models.RiskSupport},
			{15, 27, models.RiskIntervention},
		},
		// Item 9 asks about thoughts of self-harm; any positive
		// response overrides the aggregate level.
		HighRiskItem: "phq9_9",
	}
}

func gad7Spec() *InstrumentSpec {
	items := make([]string, 7)
	for i := range items {
		items[i] = fmt.Sprintf("gad7_%d", i+1)
	}
	return &InstrumentSpec{
		Instrument:  models.InstrumentGAD7,
		ItemIDs:     items,
		ResponseMin: 0,
		ResponseMax: 3,
		Severity: []SeverityBand{
			{0, 4, models.SeverityMinimal},
			{5, 9, models.SeverityMild},
			{10, 14, models.SeverityModerate},
			{15, 21, models.SeveritySevere},
		},
		Risk: []RiskBand{
			{0, 9, models.RiskNone},
			{10, 14, models.RiskSupport},
			{15, 21, models.RiskIntervention},
		},
	}
}
