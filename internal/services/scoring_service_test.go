package services

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/stoaworks/stoa/internal/models"
)

func mustInstrumentSet(t *testing.T) *InstrumentSet {
	t.Helper()
	set, err := DefaultInstrumentSet()
	if err != nil {
		t.Fatalf("DefaultInstrumentSet: %v", err)
	}
	return set
}

func phq9Questionnaire(responses [9]int) *models.Questionnaire {
	q := &models.Questionnaire{Instrument: models.InstrumentPHQ9}
	for i, r := range responses {
		q.Answers = append(q.Answers, models.Answer{ItemID: fmt.Sprintf("phq9_%d", i+1), Response: r})
	}
	return q
}

func gad7Questionnaire(responses [7]int) *models.Questionnaire {
	q := &models.Questionnaire{Instrument: models.InstrumentGAD7}
	for i, r := range responses {
		q.Answers = append(q.Answers, models.Answer{ItemID: fmt.Sprintf("gad7_%d", i+1), Response: r})
	}
	return q
}

func TestScoreTotalsAndBuckets(t *testing.T) {
	svc := NewScoringService(mustInstrumentSet(t))
	cases := []struct {
		name   string
		q      *models.Questionnaire
		total  int
		bucket models.SeverityBucket
	}{
		{"phq9 all zero", phq9Questionnaire([9]int{}), 0, models.SeverityMinimal},
		{"phq9 mild", phq9Questionnaire([9]int{1, 1, 1, 1, 1, 0, 0, 0, 0}), 5, models.SeverityMild},
		{"phq9 moderate", phq9Questionnaire([9]int{2, 2, 2, 2, 2, 0, 0, 0, 0}), 10, models.SeverityModerate},
		{"phq9 moderately severe", phq9Questionnaire([9]int{3, 3, 3, 3, 3, 0, 0, 0, 0}), 15, models.SeverityModeratelySevere},
		{"phq9 severe", phq9Questionnaire([9]int{3, 3, 3, 3, 3, 3, 3, 1, 0}), 22, models.SeveritySevere},
		{"phq9 max", phq9Questionnaire([9]int{3, 3, 3, 3, 3, 3, 3, 3, 3}), 27, models.SeveritySevere},
		{"gad7 minimal", gad7Questionnaire([7]int{1, 1, 1, 1, 0, 0, 0}), 4, models.SeverityMinimal},
		{"gad7 severe", gad7Questionnaire([7]int{3, 3, 3, 3, 3, 0, 0}), 15, models.SeveritySevere},
		{"gad7 max", gad7Questionnaire([7]int{3, 3, 3, 3, 3, 3, 3}), 21, models.SeveritySevere},
	}
	for _, c := range cases {
		res, err := svc.Score(c.q)
		if err != nil {
			t.Fatalf("%s: Score: %v", c.name, err)
		}
		if res.TotalScore != c.total {
			t.Fatalf("%s: total=%d, want %d", c.name, res.TotalScore, c.total)
		}
		if res.Severity != c.bucket {
			t.Fatalf("%s: severity=%s, want %s", c.name, res.Severity, c.bucket)
		}
		sum := 0
		for _, v := range res.ItemScores {
			sum += v
		}
		if sum != res.TotalScore {
			t.Fatalf("%s: item scores sum to %d, total is %d", c.name, sum, res.TotalScore)
		}
	}
}

func TestScoreDeterministic(t *testing.T) {
	svc := NewScoringService(mustInstrumentSet(t))
	q := phq9Questionnaire([9]int{2, 1, 3, 0, 2, 1, 0, 3, 1})
	first, err := svc.Score(q)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	for i := 0; i < 50; i++ {
		res, err := svc.Score(q)
		if err != nil {
			t.Fatalf("Score run %d: %v", i, err)
		}
		if res.TotalScore != first.TotalScore || res.Severity != first.Severity {
			t.Fatalf("run %d: got (%d, %s), want (%d, %s)", i, res.TotalScore, res.Severity, first.TotalScore, first.Severity)
		}
		if !reflect.DeepEqual(res.ItemScores, first.ItemScores) {
			t.Fatalf("run %d: item scores differ", i)
		}
	}
}

func TestEveryScoreHasExactlyOneBucket(t *testing.T) {
	set := mustInstrumentSet(t)
	for _, instr := range set.Instruments() {
		spec, _ := set.Spec(instr)
		for total := 0; total <= spec.MaxTotal(); total++ {
			hits := 0
			for _, b := range spec.Severity {
				if total >= b.Min && total <= b.Max {
					hits++
				}
			}
			if hits != 1 {
				t.Fatalf("%s: total %d matched %d severity bands, want exactly 1", instr, total, hits)
			}
			hits = 0
			for _, b := range spec.Risk {
				if total >= b.Min && total <= b.Max {
					hits++
				}
			}
			if hits != 1 {
				t.Fatalf("%s: total %d matched %d risk bands, want exactly 1", instr, total, hits)
			}
		}
	}
}

func TestScoreRejectsMalformedQuestionnaires(t *testing.T) {
	svc := NewScoringService(mustInstrumentSet(t))

	cases := []struct {
		name string
		q    *models.Questionnaire
	}{
		{"nil questionnaire", nil},
		{"unknown instrument", &models.Questionnaire{Instrument: "phq2"}},
		{"too few answers", &models.Questionnaire{
			Instrument: models.InstrumentPHQ9,
			Answers:    []models.Answer{{ItemID: "phq9_1", Response: 1}},
		}},
		{"unknown item", func() *models.Questionnaire {
			q := phq9Questionnaire([9]int{})
			q.Answers[3].ItemID = "phq9_99"
			return q
		}()},
		{"duplicate item", func() *models.Questionnaire {
			q := phq9Questionnaire([9]int{})
			q.Answers[1].ItemID = "phq9_1"
			return q
		}()},
		{"response above range", func() *models.Questionnaire {
			q := phq9Questionnaire([9]int{})
			q.Answers[0].Response = 4
			return q
		}()},
		{"negative response", func() *models.Questionnaire {
			q := phq9Questionnaire([9]int{})
			q.Answers[0].Response = -1
			return q
		}()},
	}
	for _, c := range cases {
		res, err := svc.Score(c.q)
		if err == nil {
			t.Fatalf("%s: expected error, got result %+v", c.name, res)
		}
		se, ok := AsServiceError(err)
		if !ok || se.Code != ErrorInvalidInput {
			t.Fatalf("%s: expected invalid_input, got %v", c.name, err)
		}
	}
}

func TestInstrumentSetRejectsMalformedTables(t *testing.T) {
	base := phq9Spec()

	gapped := *base
	gapped.Severity = []SeverityBand{
		{0, 4, models.SeverityMinimal},
		{6, 27, models.SeveritySevere}, // gap at 5
	}
	if _, err := NewInstrumentSet(&gapped); err == nil {
		t.Fatal("expected gapped severity table to be rejected")
	}

	overlapping := *base
	overlapping.Severity = []SeverityBand{
		{0, 10, models.SeverityMinimal},
		{10, 27, models.SeveritySevere}, // overlap at 10
	}
	if _, err := NewInstrumentSet(&overlapping); err == nil {
		t.Fatal("expected overlapping severity table to be rejected")
	}

	short := *base
	short.Severity = []SeverityBand{
		{0, 20, models.SeverityMinimal}, // stops before 27
	}
	if _, err := NewInstrumentSet(&short); err == nil {
		t.Fatal("expected short severity table to be rejected")
	}

	badItem := *base
	badItem.HighRiskItem = "gad7_1"
	if _, err := NewInstrumentSet(&badItem); err == nil {
		t.Fatal("expected foreign high-risk item to be rejected")
	}

	if _, err := NewInstrumentSet(phq9Spec(), phq9Spec()); err == nil {
		t.Fatal("expected duplicate instrument to be rejected")
	}
}
