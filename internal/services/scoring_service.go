package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stoaworks/stoa/internal/models"
)

// ScoringService turns completed questionnaires into score results.
// Scoring is pure integer arithmetic against the validated instrument
// tables; a malformed questionnaire is rejected before any scoring, it
// is never silently defaulted.
type ScoringService struct {
	instruments *InstrumentSet
	now         func() time.Time
	idGenerator func() string
}

func NewScoringService(instruments *InstrumentSet) *ScoringService {
	return &ScoringService{
		instruments: instruments,
		now:         func() time.Time { return time.Now().UTC() },
		idGenerator: uuid.NewString,
	}
}

// Score validates and scores one questionnaire. Same input always
// yields the same total, item scores, and severity bucket.
func (s *ScoringService) Score(q *models.Questionnaire) (*models.ScoreResult, error) {
	if q == nil {
		return nil, NewInvalidInputError("questionnaire required")
	}
	spec, ok := s.instruments.Spec(q.Instrument)
	if !ok {
		return nil, NewInvalidInputError(fmt.Sprintf("unknown instrument %q", q.Instrument))
	}
	itemScores, err := validateAnswers(spec, q.Answers)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, v := range itemScores {
		total += v
	}
	bucket, ok := spec.BucketFor(total)
	if !ok {
		// Unreachable with a validated table; treated as a table bug.
		return nil, NewConfigurationError(fmt.Sprintf("%s: total %d has no severity band", spec.Instrument, total))
	}
	return &models.ScoreResult{
		ID:         s.idGenerator(),
		Instrument: q.Instrument,
		TotalScore: total,
		ItemScores: itemScores,
		Severity:   bucket,
		ComputedAt: s.now(),
	}, nil
}

// validateAnswers enforces exactly one in-range response per item.
func validateAnswers(spec *InstrumentSpec, answers []models.Answer) (map[string]int, error) {
	if len(answers) != len(spec.ItemIDs) {
		return nil, NewInvalidInputError(fmt.Sprintf("%s expects %d answers, got %d", spec.Instrument, len(spec.ItemIDs), len(answers)))
	}
	scores := make(map[string]int, len(answers))
	for _, a := range answers {
		if !spec.hasItem(a.ItemID) {
			return nil, NewInvalidInputError(fmt.Sprintf("unknown item %q", a.ItemID))
		}
		if _, dup := scores[a.ItemID]; dup {
			return nil, NewInvalidInputError(fmt.Sprintf("duplicate answer for item %q", a.ItemID))
		}
		if a.Response < spec.ResponseMin || a.Response > spec.ResponseMax {
			return nil, NewInvalidInputError(fmt.Sprintf("item %q response %d outside [%d, %d]", a.ItemID, a.Response, spec.ResponseMin, spec.ResponseMax))
		}
		scores[a.ItemID] = a.Response
	}
	for _, id := range spec.ItemIDs {
		if _, ok := scores[id]; !ok {
			return nil, NewInvalidInputError(fmt.Sprintf("missing answer for item %q", id))
		}
	}
	return scores, nil
}
