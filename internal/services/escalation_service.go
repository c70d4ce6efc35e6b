package services

import (
	"context"
	"log"
	"time"

	"github.com/stoaworks/stoa/internal/models"
)

// embeddedResources is the guaranteed last resort. It is compiled into
// the binary so the crisis path needs no network and no storage read,
// even with the breaker's own state unavailable.
var embeddedResources = []models.CrisisResource{
	{Name: "988 Suicide & Crisis Lifeline", Phone: "988", Order: 1, Available247: true},
	{Name: "Crisis Text Line", SMSShortcode: "741741", Order: 2, Available247: true},
	{Name: "Emergency Services", Phone: "911", Order: 3, Available247: true},
}

// EscalationNotifier is the downstream side effect dispatched when a
// decision escalates (e.g., surfacing the emergency sheet and notifying
// the host application). It is the only part of the crisis path that
// can fail, so it is the part the breaker wraps.
type EscalationNotifier interface {
	Notify(ctx context.Context, decision models.RiskDecision) error
}

// EscalationAuditStore records escalation dispatches and fallback
// activations. Audit writes are best effort and never gate the
// user-visible escalation.
type EscalationAuditStore interface {
	AddAudit(entry models.AuditEntry)
}

// EscalationService serves emergency resources for escalating risk
// decisions. Its one hard rule: a dependency failure must never leave
// the user seeing nothing.
type EscalationService struct {
	notifier EscalationNotifier
	breaker  *Breaker
	audit    EscalationAuditStore
	now      func() time.Time
}

// DefaultEscalationBreakerSettings opens on the first failure: a crisis
// dispatch gets no second chance to fail quietly.
func DefaultEscalationBreakerSettings() BreakerSettings {
	return BreakerSettings{
		Name:             "crisis-escalation",
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Second,
		CallTimeout:      2 * time.Second,
	}
}

func NewEscalationService(notifier EscalationNotifier, breaker *Breaker, audit EscalationAuditStore) *EscalationService {
	return &EscalationService{
		notifier: notifier,
		breaker:  breaker,
		audit:    audit,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Resources returns a copy of the embedded descriptor set.
func (s *EscalationService) Resources() []models.CrisisResource {
	out := make([]models.CrisisResource, len(embeddedResources))
	copy(out, embeddedResources)
	return out
}

// Escalate dispatches the escalation side effect through the breaker
// and returns the resource list the caller must surface. degraded is
// true when the dispatch failed and the embedded fallback carried the
// escalation on its own; the resource list is valid either way.
func (s *EscalationService) Escalate(ctx context.Context, decision models.RiskDecision) (resources []models.CrisisResource, degraded bool) {
	resources = s.Resources()
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.notifier.Notify(ctx, decision)
	})
	if err != nil {
		log.Printf("escalation: dispatch failed, serving embedded resources: %v", err)
		s.addAudit("escalation_fallback", decision.ScoreID, err.Error())
		return resources, true
	}
	s.addAudit("escalation_dispatched", decision.ScoreID, string(decision.Level))
	return resources, false
}

// LogNotifier is the default dispatcher when the host application has
// not supplied one: the escalation is logged so the surrounding app can
// tail it. Real hosts inject their own notifier.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, decision models.RiskDecision) error {
	log.Printf("escalation: level=%s flag=%q score=%s", decision.Level, decision.SpecialFlag, decision.ScoreID)
	return nil
}

func (s *EscalationService) addAudit(action, target, note string) {
	if s.audit == nil {
		return
	}
	s.audit.AddAudit(models.AuditEntry{
		Time:   s.now(),
		Actor:  "engine",
		Action: action,
		Target: target,
		Note:   note,
	})
}
