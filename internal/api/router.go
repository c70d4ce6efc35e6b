package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/stoaworks/stoa/internal/middleware"
	"github.com/stoaworks/stoa/internal/models"
	"github.com/stoaworks/stoa/internal/services"
)

// Store is the persistence surface the HTTP layer needs.
type Store interface {
	AppendScoreHistory(ctx context.Context, res *models.ScoreResult) error
	GetMostRecentScore(ctx context.Context, instr models.Instrument) (*models.ScoreResult, error)
	DeleteScoreHistory(ctx context.Context) (int, error)
	PutGateSession(ctx context.Context, gs *models.GateSession) error
	GetGateSession(ctx context.Context, id string) (*models.GateSession, error)
	DeleteGateSession(ctx context.Context, id string) error
	AddAudit(entry models.AuditEntry)
	ListAudit() []models.AuditEntry
}

// Router wires the engine's services onto the HTTP surface.
type Router struct {
	scoring    *services.ScoringService
	detector   *services.CrisisService
	escalation *services.EscalationService
	gate       *services.SafetyGateService
	privacy    *services.PrivacyService
	decisions  *services.DecisionCache
	store      Store
	auth       *middleware.Auth
	now        func() time.Time
}

func NewRouter(
	scoring *services.ScoringService,
	detector *services.CrisisService,
	escalation *services.EscalationService,
	gate *services.SafetyGateService,
	privacy *services.PrivacyService,
	decisions *services.DecisionCache,
	store Store,
	auth *middleware.Auth,
) *Router {
	return &Router{
		scoring:    scoring,
		detector:   detector,
		escalation: escalation,
		gate:       gate,
		privacy:    privacy,
		decisions:  decisions,
		store:      store,
		auth:       auth,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/questionnaires", rt.handleSubmit)         // POST
	mux.HandleFunc("/api/resources", rt.handleResources)           // GET
	mux.HandleFunc("/api/practice/evaluate", rt.handleEvaluate)    // POST
	mux.HandleFunc("/api/practice/complete", rt.handleComplete)    // POST
	mux.Handle("/api/telemetry/flush", rt.admin(rt.handleFlush))   // GET
	mux.Handle("/api/telemetry/report", rt.admin(rt.handleReport)) // GET
	mux.Handle("/api/audit", rt.admin(rt.handleAudit))             // GET
	mux.Handle("/api/scores", rt.admin(rt.handlePurgeScores))      // DELETE
}

func (rt *Router) admin(h http.HandlerFunc) http.Handler {
	return rt.auth.WithAuth(middleware.RequireAdmin(h))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	se, ok := services.AsServiceError(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal", "message": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch se.Code {
	case services.ErrorInvalidInput:
		status = http.StatusBadRequest
	case services.ErrorNotFound:
		status = http.StatusNotFound
	case services.ErrorUnauthorized:
		status = http.StatusUnauthorized
	case services.ErrorDependencyFailure:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": string(se.Code), "message": se.Message})
}

// record is fire-and-forget; a telemetry defect never disturbs the
// caller's path.
func (rt *Router) record(ev services.RawEvent) {
	if err := rt.privacy.Record(ev); err != nil {
		log.Printf("api: telemetry record: %v", err)
	}
}
