// Package gears implements the mode state machine governing what the agent
// may do next. The machine is an explicit closed transition table over
// {ACTIVE, PATROL, SCOUT, YOLO}; the ACTIVE->PATROL edge is gated by the
// quality gate, and an unrecognized requested transition is rejected as a
// caller defect with the state left unchanged.
package gears

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gearbox/internal/gate"
	"gearbox/internal/logging"
	"gearbox/internal/types"
)

// ErrInvalidTransition reports a requested edge outside the transition table.
// This is the machine's only fatal-class error and indicates a bug in the
// invoking layer, not a defect in the agent's data.
var ErrInvalidTransition = errors.New("invalid gear transition")

// Signals carries the per-turn inputs from external collaborators.
type Signals struct {
	// Candidate is the zero-or-one candidate objective supplied by
	// scout/brainstorm producers this cycle. Nil means no actionable
	// finding.
	Candidate *types.Objective

	// ResearchOutstanding is the research collaborator's blocking signal,
	// consulted only on PATROL->SCOUT.
	ResearchOutstanding bool
}

// Decision describes the single transition attempted this invocation.
// From == To means the machine stayed put (self-loop or soft denial).
type Decision struct {
	From   types.Gear `json:"from"`
	To     types.Gear `json:"to"`
	Reason string     `json:"reason"`

	// Gate holds the gate verdict when the edge consulted it. On a soft
	// denial the failures are the caller's actionable blockers.
	Gate *gate.Result `json:"gate,omitempty"`

	// NextStep is the step to execute on an ACTIVE/YOLO self-loop.
	NextStep *types.Step `json:"next_step,omitempty"`

	// Promoted is set when a scouting finding became the new objective.
	Promoted *types.Objective `json:"promoted,omitempty"`
}

// Machine drives gear transitions. It owns no state; the working copy is
// passed in and mutated only when a transition fires.
type Machine struct {
	gate *gate.Evaluator
	now  func() time.Time
}

// New creates a machine gated by the given evaluator.
func New(evaluator *gate.Evaluator) *Machine {
	return &Machine{gate: evaluator, now: time.Now}
}

// Initial returns the gear for a fresh or resumed session: ACTIVE when a
// current objective exists, PATROL otherwise.
func Initial(state *types.WorkingState) types.Gear {
	if state != nil && state.Objective != nil {
		return types.GearActive
	}
	return types.GearPatrol
}

type edge struct {
	from, to types.Gear
}

// guard reports whether the edge may fire and annotates the decision. A
// false return is a soft denial: the state stays put and d.Reason (plus
// d.Gate, when consulted) explains why.
type guard func(m *Machine, state *types.WorkingState, sig Signals, d *Decision) bool

// transitions is the closed transition table. Any edge not listed here is
// unreachable and rejected with ErrInvalidTransition.
var transitions = map[edge]guard{
	{types.GearActive, types.GearActive}: guardSelfLoop,
	{types.GearActive, types.GearPatrol}: guardGatePassage,
	{types.GearActive, types.GearYolo}:   guardTrustElevation,

	{types.GearYolo, types.GearYolo}:   guardSelfLoop,
	{types.GearYolo, types.GearActive}: guardTrustDeElevation,
	{types.GearYolo, types.GearPatrol}: guardGatePassage,

	{types.GearPatrol, types.GearActive}: guardObjectiveSet,
	{types.GearPatrol, types.GearScout}:  guardScoutEntry,

	{types.GearScout, types.GearActive}: guardFindingPromoted,
	{types.GearScout, types.GearPatrol}: guardScoutExhausted,
}

// Shift attempts one explicit transition to target. An edge outside the
// table returns ErrInvalidTransition with the state unchanged; an edge whose
// guard denies returns a Decision that stays put with the reasons attached
// (soft failure, the caller retries after addressing them).
func (m *Machine) Shift(state *types.WorkingState, target types.Gear, sig Signals) (Decision, error) {
	log := logging.Get(logging.CategoryGears)

	d := Decision{From: state.Gear, To: target}
	g, ok := transitions[edge{state.Gear, target}]
	if !ok {
		// Caller defect: logged distinctly from data inconsistencies.
		log.Errorf("caller requested unreachable transition %s -> %s", state.Gear, target)
		d.To = state.Gear
		d.Reason = "INVALID_TRANSITION"
		return d, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state.Gear, target)
	}

	if !g(m, state, sig, &d) {
		d.To = state.Gear
		log.Infof("transition %s -> %s denied: %s", state.Gear, target, d.Reason)
		return d, nil
	}

	m.apply(state, &d, target)
	log.Infof("transition %s -> %s: %s", d.From, d.To, d.Reason)
	return d, nil
}

// Advance performs the machine's own single-step decision for this turn,
// applying the tie-break rule: progress on an existing objective (ACTIVE
// self-loop, PATROL->ACTIVE) is preferred over exploration (->SCOUT).
func (m *Machine) Advance(state *types.WorkingState, sig Signals) Decision {
	switch state.Gear {
	case types.GearActive, types.GearYolo:
		if state.HasOpenSteps() {
			d, _ := m.Shift(state, state.Gear, sig)
			return d
		}
		d, _ := m.Shift(state, types.GearPatrol, sig)
		return d

	case types.GearPatrol:
		if state.Objective != nil || sig.Candidate != nil {
			d, _ := m.Shift(state, types.GearActive, sig)
			return d
		}
		if !sig.ResearchOutstanding {
			d, _ := m.Shift(state, types.GearScout, sig)
			return d
		}
		return Decision{From: state.Gear, To: state.Gear, Reason: "blocking research outstanding, staying idle"}

	case types.GearScout:
		if sig.Candidate != nil {
			d, _ := m.Shift(state, types.GearActive, sig)
			return d
		}
		d, _ := m.Shift(state, types.GearPatrol, sig)
		return d
	}

	// Unrecognized persisted gear: report, never invent a transition.
	logging.Get(logging.CategoryGears).Errorf("advance called with unrecognized gear %q", state.Gear)
	return Decision{From: state.Gear, To: state.Gear, Reason: "INVALID_TRANSITION"}
}

// AllowedTargets returns the gears reachable from the given gear, sorted.
func AllowedTargets(from types.Gear) []types.Gear {
	var out []types.Gear
	for e := range transitions {
		if e.from == from {
			out = append(out, e.to)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// apply commits a fired transition to the working copy.
func (m *Machine) apply(state *types.WorkingState, d *Decision, target types.Gear) {
	d.To = target

	if d.Promoted != nil {
		state.Objective = d.Promoted
	}

	switch {
	case target == types.GearYolo && state.Gear != types.GearYolo:
		state.Trust = types.TrustElevated
	case state.Gear == types.GearYolo && target != types.GearYolo:
		state.Trust = types.TrustStandard
	}

	// Passing the gate concludes the objective: PATROL is the idle gear
	// and holds no current objective.
	if target == types.GearPatrol && (state.Gear == types.GearActive || state.Gear == types.GearYolo) {
		state.Objective = nil
		state.Steps = nil
		state.Verifications = nil
		state.Mismatches = nil
	}

	state.Gear = target

	if d.NextStep != nil && d.NextStep.Status == types.StepPending {
		step := state.StepByID(d.NextStep.ID)
		step.Status = types.StepInProgress
		step.UpdatedAt = m.now()
		d.NextStep = step
	}
}

// =============================================================================
// GUARDS
// =============================================================================

// guardSelfLoop keeps ACTIVE/YOLO working while steps remain.
func guardSelfLoop(m *Machine, state *types.WorkingState, _ Signals, d *Decision) bool {
	if state.Objective == nil {
		d.Reason = "no current objective"
		return false
	}
	if s := state.InProgressStep(); s != nil {
		d.NextStep = s
		d.Reason = fmt.Sprintf("continuing step %s", s.ID)
		return true
	}
	if s := state.NextPendingStep(); s != nil {
		d.NextStep = s
		d.Reason = fmt.Sprintf("starting step %s", s.ID)
		return true
	}
	d.Reason = "no pending steps remain"
	return false
}

// guardGatePassage permits ->PATROL only when the quality gate passes.
func guardGatePassage(m *Machine, state *types.WorkingState, _ Signals, d *Decision) bool {
	res := m.gate.Evaluate(state)
	d.Gate = &res
	if !res.Passed {
		d.Reason = fmt.Sprintf("quality gate denied with %d blocker(s)", len(res.Failures))
		logging.Get(logging.CategoryGate).Infof("gate denied %s -> PATROL: %v", state.Gear, res.Failures)
		return false
	}
	d.Reason = "quality gate passed, objective concluded"
	return true
}

// guardTrustElevation enters YOLO on explicit request.
func guardTrustElevation(m *Machine, state *types.WorkingState, _ Signals, d *Decision) bool {
	if state.Objective == nil {
		d.Reason = "no current objective to work under elevated trust"
		return false
	}
	d.Reason = "trust elevated"
	return true
}

// guardTrustDeElevation leaves YOLO on explicit request.
func guardTrustDeElevation(m *Machine, _ *types.WorkingState, _ Signals, d *Decision) bool {
	d.Reason = "trust de-elevated"
	return true
}

// guardObjectiveSet enters ACTIVE from idle when an objective exists or a
// candidate is promoted.
func guardObjectiveSet(m *Machine, state *types.WorkingState, sig Signals, d *Decision) bool {
	if state.Objective != nil {
		d.Reason = fmt.Sprintf("objective %s set, engaging", state.Objective.ID)
		return true
	}
	if sig.Candidate != nil {
		d.Promoted = sig.Candidate
		d.Reason = fmt.Sprintf("candidate objective %s promoted", sig.Candidate.ID)
		return true
	}
	d.Reason = "no objective to engage"
	return false
}

// guardScoutEntry allows exploration only when idle with no blocking
// research outstanding.
func guardScoutEntry(m *Machine, state *types.WorkingState, sig Signals, d *Decision) bool {
	if state.Objective != nil {
		d.Reason = "objective in flight, progress beats exploration"
		return false
	}
	if sig.ResearchOutstanding {
		d.Reason = "blocking research outstanding"
		return false
	}
	d.Reason = "idle with nothing blocking, scouting"
	return true
}

// guardFindingPromoted promotes a scouting finding to the new objective.
func guardFindingPromoted(m *Machine, state *types.WorkingState, sig Signals, d *Decision) bool {
	if sig.Candidate == nil {
		d.Reason = "no actionable finding"
		return false
	}
	d.Promoted = sig.Candidate
	d.Reason = fmt.Sprintf("finding promoted to objective %s", sig.Candidate.ID)
	return true
}

// guardScoutExhausted returns to idle when scouting found nothing.
func guardScoutExhausted(m *Machine, _ *types.WorkingState, sig Signals, d *Decision) bool {
	if sig.Candidate != nil {
		d.Reason = "actionable finding present, promote it instead"
		return false
	}
	d.Reason = "scouting pass complete, no actionable finding"
	return true
}
