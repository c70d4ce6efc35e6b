package services

import (
	"sync"

	"github.com/stoaworks/stoa/internal/models"
)

// DecisionCache holds the most recent risk decision per instrument.
// One authoritative record per instrument, replaced atomically as a
// whole, never patched field-by-field: a reader can never observe a
// partially written decision. Single writer (the session that produced
// the decision), many readers.
type DecisionCache struct {
	mu      sync.RWMutex
	byInstr map[models.Instrument]models.RiskDecision
}

func NewDecisionCache() *DecisionCache {
	return &DecisionCache{byInstr: make(map[models.Instrument]models.RiskDecision)}
}

// Put replaces the authoritative record for the decision's instrument.
func (c *DecisionCache) Put(decision models.RiskDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byInstr[decision.Instrument] = decision
}

// Latest returns the most recently decided record across instruments,
// or nil when no decision has been recorded.
func (c *DecisionCache) Latest() *models.RiskDecision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var latest *models.RiskDecision
	for instr := range c.byInstr {
		d := c.byInstr[instr]
		if latest == nil || d.DecidedAt.After(latest.DecidedAt) {
			latest = &d
		}
	}
	if latest == nil {
		return nil
	}
	out := *latest
	return &out
}

// ForInstrument returns the record for one instrument, or nil.
func (c *DecisionCache) ForInstrument(instr models.Instrument) *models.RiskDecision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byInstr[instr]
	if !ok {
		return nil
	}
	out := d
	return &out
}
