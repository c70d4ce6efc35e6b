package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/stoaworks/stoa/internal/middleware"
	"github.com/stoaworks/stoa/internal/models"
	"github.com/stoaworks/stoa/internal/services"
)

type submitAnswer struct {
	ItemID   string `json:"item_id"`
	Response int    `json:"response"`
}

type submitRequest struct {
	Instrument string         `json:"instrument"`
	Answers    []submitAnswer `json:"answers"`
}

type scorePayload struct {
	ID         string         `json:"id"`
	Instrument string         `json:"instrument"`
	TotalScore int            `json:"total_score"`
	Severity   string         `json:"severity"`
	ItemScores map[string]int `json:"item_scores"`
	ComputedAt time.Time      `json:"computed_at"`
}

type decisionPayload struct {
	Level       string    `json:"level"`
	SpecialFlag string    `json:"special_flag,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
	LatencyMs   int64     `json:"latency_ms"`
}

type submitResponse struct {
	Score               scorePayload            `json:"score"`
	Decision            decisionPayload         `json:"decision"`
	Resources           []models.CrisisResource `json:"resources,omitempty"`
	DegradedEscalation  bool                    `json:"degraded_escalation,omitempty"`
	HistoryWriteSkipped bool                    `json:"history_write_skipped,omitempty"`
}

// POST /api/questionnaires
//
// Scores, detects, persists, and escalates in that order. The
// submission instant is captured before scoring so the decision's
// latency stamp covers the whole detect path. Telemetry for the crisis
// path is recorded only after the escalation action has been served.
func (rt *Router) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	submittedAt := time.Now()
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeServiceError(w, services.NewInvalidInputError("invalid json: "+err.Error()))
		return
	}
	q := &models.Questionnaire{
		Instrument:  models.Instrument(req.Instrument),
		SubmittedAt: submittedAt,
	}
	for _, a := range req.Answers {
		q.Answers = append(q.Answers, models.Answer{ItemID: a.ItemID, Response: a.Response})
	}

	res, err := rt.scoring.Score(q)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	decision := rt.detector.Detect(res, submittedAt)

	// The cache write must land before this session can evaluate the
	// practice gate (read-your-own-write).
	rt.decisions.Put(decision)

	out := submitResponse{
		Score: scorePayload{
			ID:         res.ID,
			Instrument: string(res.Instrument),
			TotalScore: res.TotalScore,
			Severity:   string(res.Severity),
			ItemScores: res.ItemScores,
			ComputedAt: res.ComputedAt,
		},
		Decision: decisionPayload{
			Level:       string(decision.Level),
			SpecialFlag: decision.SpecialFlag,
			DecidedAt:   decision.DecidedAt,
			LatencyMs:   decision.LatencyMs,
		},
	}

	// A storage failure degrades, it never blocks the decision path.
	if err := rt.store.AppendScoreHistory(r.Context(), res); err != nil {
		log.Printf("api: append score history: %v", err)
		out.HistoryWriteSkipped = true
	}

	if decision.Level.Escalates() {
		resources, degraded := rt.escalation.Escalate(r.Context(), decision)
		out.Resources = resources
		out.DegradedEscalation = degraded
		rt.record(services.NewEscalationServedEvent(degraded))
	}
	rt.record(services.NewScoreRecordedEvent(res))
	rt.record(services.NewRiskDecidedEvent(decision))

	writeJSON(w, http.StatusOK, out)
}

// GET /api/resources
//
// The embedded descriptor set; served from memory, reachable with every
// dependency down.
func (rt *Router) handleResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": rt.escalation.Resources()})
}

type evaluateRequest struct {
	SessionID        string `json:"session_id"`
	SessionElapsedMs int64  `json:"session_elapsed_ms"`
	FreeTextSoFar    string `json:"free_text_so_far"`
	ObstacleCount    int    `json:"obstacle_count"`
	OptedOut         bool   `json:"opted_out"`
}

type evaluateResponse struct {
	Allowed            bool   `json:"allowed"`
	Reason             string `json:"reason"`
	AlternativeOffered string `json:"alternative_offered,omitempty"`
	OfferRescreen      bool   `json:"offer_rescreen,omitempty"`
	OfferOptOut        bool   `json:"offer_opt_out,omitempty"`
	AnxietyMarkerHit   bool   `json:"anxiety_marker_hit,omitempty"`
	ElapsedMs          int64  `json:"elapsed_ms"`
	RuminationFlag     bool   `json:"rumination_flag"`
}

// POST /api/practice/evaluate
func (rt *Router) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeServiceError(w, services.NewInvalidInputError("invalid json: "+err.Error()))
		return
	}
	rt.warmDecisionCache(r)
	outcome := rt.gate.Evaluate(services.GateContext{
		SessionElapsed: time.Duration(req.SessionElapsedMs) * time.Millisecond,
		FreeTextSoFar:  req.FreeTextSoFar,
	})

	if req.SessionID != "" {
		gs := &models.GateSession{
			ID:            req.SessionID,
			StartedAt:     rt.now().Add(-time.Duration(req.SessionElapsedMs) * time.Millisecond),
			ElapsedMs:     req.SessionElapsedMs,
			ObstacleCount: req.ObstacleCount,
			OptedOut:      req.OptedOut,
		}
		if prev, err := rt.store.GetGateSession(r.Context(), req.SessionID); err == nil && prev != nil {
			gs.StartedAt = prev.StartedAt
			// A session that opted out stays opted out, and entered
			// obstacles are never un-counted by a later poll.
			if prev.ObstacleCount > gs.ObstacleCount {
				gs.ObstacleCount = prev.ObstacleCount
			}
			gs.OptedOut = gs.OptedOut || prev.OptedOut
		}
		if err := rt.store.PutGateSession(r.Context(), gs); err != nil {
			log.Printf("api: put gate session: %v", err)
		}
	}
	rt.record(services.NewGateEvaluatedEvent(outcome))

	writeJSON(w, http.StatusOK, evaluateResponse{
		Allowed:            outcome.Allowed,
		Reason:             string(outcome.Reason),
		AlternativeOffered: outcome.AlternativeOffered,
		OfferRescreen:      outcome.OfferRescreen,
		OfferOptOut:        outcome.OfferOptOut,
		AnxietyMarkerHit:   outcome.AnxietyMarkerHit,
		ElapsedMs:          outcome.ElapsedMs,
		RuminationFlag:     outcome.RuminationFlag,
	})
}

// warmDecisionCache rebuilds the most-recent-decision cache from stored
// scores after a cold start, so the gate's freshness rule works across
// process restarts.
func (rt *Router) warmDecisionCache(r *http.Request) {
	if rt.decisions.Latest() != nil {
		return
	}
	for _, instr := range []models.Instrument{models.InstrumentPHQ9, models.InstrumentGAD7} {
		res, err := rt.store.GetMostRecentScore(r.Context(), instr)
		if err != nil {
			log.Printf("api: warm decision cache: %v", err)
			continue
		}
		if res == nil {
			continue
		}
		decision := rt.detector.Detect(res, time.Now())
		// Keep the original decision instant so the freshness window
		// measures questionnaire age, not cache-warm time. The score's
		// age is not a detection latency, so the stamp stays zero.
		decision.DecidedAt = res.ComputedAt
		decision.LatencyMs = 0
		rt.decisions.Put(decision)
	}
}

type completeRequest struct {
	SessionID        string   `json:"session_id"`
	Obstacles        []string `json:"obstacles"`
	CompassionNote   string   `json:"compassion_note"`
	SessionElapsedMs int64    `json:"session_elapsed_ms"`
	OptedOut         bool     `json:"opted_out"`
	PracticeDays     int      `json:"practice_days"`
}

// POST /api/practice/complete
func (rt *Router) handleComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeServiceError(w, services.NewInvalidInputError("invalid json: "+err.Error()))
		return
	}
	pc := services.PracticeCompletion{
		Obstacles:      req.Obstacles,
		CompassionNote: req.CompassionNote,
		SessionElapsed: time.Duration(req.SessionElapsedMs) * time.Millisecond,
		OptedOut:       req.OptedOut,
	}
	if err := rt.gate.ValidateCompletion(pc); err != nil {
		writeServiceError(w, err)
		return
	}
	if req.SessionID != "" {
		// The per-session counters are ephemeral; discard them at end.
		if err := rt.store.DeleteGateSession(r.Context(), req.SessionID); err != nil {
			log.Printf("api: delete gate session: %v", err)
		}
	}
	rt.record(services.NewPracticeCompletedEvent(pc, req.PracticeDays))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// GET /api/telemetry/flush (admin)
func (rt *Router) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	batch := rt.privacy.Flush()
	writeJSON(w, http.StatusOK, map[string]any{"events": batch})
}

// GET /api/telemetry/report (admin)
func (rt *Router) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, rt.privacy.Report())
}

// GET /api/audit (admin)
func (rt *Router) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": rt.store.ListAudit()})
}

// DELETE /api/scores (admin)
func (rt *Router) handlePurgeScores(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	removed, err := rt.store.DeleteScoreHistory(r.Context())
	if err != nil {
		writeServiceError(w, services.NewDependencyFailureError(err.Error()))
		return
	}
	actor, _ := middleware.AdminFromContext(r.Context())
	rt.store.AddAudit(models.AuditEntry{
		Time:   rt.now(),
		Actor:  actor,
		Action: "purge_scores",
		Note:   strconv.Itoa(removed),
	})
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
