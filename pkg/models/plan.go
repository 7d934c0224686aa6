package models

// PhaseStatus tracks a phase's progress within a plan.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
)

// Phase is an ordered unit of work within a plan. Capabilities is the set of
// tool names the agent may call while the phase is active.
type Phase struct {
	ID           string      `json:"id"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Capabilities []string    `json:"capabilities"`
	Status       PhaseStatus `json:"status"`
}

// Plan is owned by exactly one run and is treated as a value: every change
// produces a new Plan.
type Plan struct {
	Goal           string  `json:"goal"`
	Phases         []Phase `json:"phases"`
	CurrentPhaseID string  `json:"current_phase_id"`
	Version        int     `json:"version"`
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	c.Phases = make([]Phase, len(p.Phases))
	for i, ph := range p.Phases {
		ph.Capabilities = append([]string(nil), ph.Capabilities...)
		c.Phases[i] = ph
	}
	return &c
}

func (p *Plan) phaseIndex(id string) int {
	for i := range p.Phases {
		if p.Phases[i].ID == id {
			return i
		}
	}
	return -1
}

// CurrentPhase returns the phase named by CurrentPhaseID.
func (p *Plan) CurrentPhase() *Phase {
	i := p.phaseIndex(p.CurrentPhaseID)
	if i < 0 {
		return nil
	}
	return &p.Phases[i]
}

// Phase looks a phase up by id.
func (p *Plan) Phase(id string) *Phase {
	i := p.phaseIndex(id)
	if i < 0 {
		return nil
	}
	return &p.Phases[i]
}

// HasNextPhase reports whether a phase follows the current one.
func (p *Plan) HasNextPhase() bool {
	i := p.phaseIndex(p.CurrentPhaseID)
	return i >= 0 && i+1 < len(p.Phases)
}

// Allows reports whether tool is in the current phase's capability set.
func (p *Plan) Allows(tool string) bool {
	ph := p.CurrentPhase()
	if ph == nil {
		return false
	}
	for _, c := range ph.Capabilities {
		if c == tool {
			return true
		}
	}
	return false
}

// Start returns a copy with the first phase active.
func (p *Plan) Start() *Plan {
	c := p.Clone()
	if len(c.Phases) == 0 {
		return c
	}
	c.Phases[0].Status = PhaseActive
	c.CurrentPhaseID = c.Phases[0].ID
	return c
}

// CompleteCurrent returns a copy with the current phase completed and the
// next one active. The second result is false when no phase remains.
func (p *Plan) CompleteCurrent() (*Plan, bool) {
	c := p.Clone()
	i := c.phaseIndex(c.CurrentPhaseID)
	if i < 0 {
		return c, false
	}
	c.Phases[i].Status = PhaseCompleted
	if i+1 >= len(c.Phases) {
		return c, false
	}
	c.Phases[i+1].Status = PhaseActive
	c.CurrentPhaseID = c.Phases[i+1].ID
	return c, true
}

// CompletedPhases returns the phases already completed, in order.
func (p *Plan) CompletedPhases() []Phase {
	var out []Phase
	for _, ph := range p.Phases {
		if ph.Status == PhaseCompleted {
			out = append(out, ph)
		}
	}
	return out
}

// PlanRevision is one entry of a run's append-only plan history.
type PlanRevision struct {
	RunID   string `json:"run_id"`
	Version int    `json:"version"`
	Reason  string `json:"reason"`
	Plan    *Plan  `json:"plan"`
}
