// Package gate implements the objective-completion quality gate: a pure
// evaluator over the working state that decides whether the current objective
// may be declared done. The gate never mutates state and is total over any
// well-formed objective; malformed references come back as failures, never as
// errors or panics.
package gate

import (
	"fmt"
	"sort"

	"gearbox/internal/config"
	"gearbox/internal/types"
)

// FailureCode identifies a class of gate denial.
type FailureCode string

const (
	MissingProof         FailureCode = "MISSING_PROOF"
	DanglingInProgress   FailureCode = "DANGLING_IN_PROGRESS"
	UntestedVerification FailureCode = "UNTESTED_VERIFICATION"
	UnresolvedMismatch   FailureCode = "UNRESOLVED_MISMATCH"
)

// Failure is one itemized reason for gate denial. SubjectID names the step or
// mismatch at fault so the caller can act on it.
type Failure struct {
	Code      FailureCode `json:"code"`
	SubjectID string      `json:"subject_id"`
	Detail    string      `json:"detail"`
}

func (f Failure) String() string {
	return fmt.Sprintf("%s(%s): %s", f.Code, f.SubjectID, f.Detail)
}

// Result is the gate verdict: pass, or an ordered sequence of failures.
type Result struct {
	Passed   bool      `json:"passed"`
	Failures []Failure `json:"failures,omitempty"`
}

// ProofResolver resolves a proof reference to an existing artifact.
type ProofResolver interface {
	ResolveProof(proof types.ProofRecord) bool
}

// ResultProvider reports whether an executed test result matches a
// verification reference.
type ResultProvider interface {
	HasMatchingResult(resultRef string) bool
}

// Default weights for non-strict mode; unlisted codes weigh 1.0. The gate
// denies once the weighted total reaches 1.0, so with defaults a single
// untested verification warns rather than blocks.
var defaultWeights = map[string]float64{
	string(UntestedVerification): 0.5,
}

// Evaluator evaluates objectives against the four gate checks.
type Evaluator struct {
	proofs  ProofResolver
	results ResultProvider
	cfg     config.GateConfig
}

// New creates an evaluator. A nil ProofResolver degrades to a structural
// check (non-empty reference passes); a nil ResultProvider treats every
// verification as untested.
func New(proofs ProofResolver, results ResultProvider, cfg config.GateConfig) *Evaluator {
	return &Evaluator{proofs: proofs, results: results, cfg: cfg}
}

// Evaluate runs all four checks over the current objective. Each check is
// independent; failures are reported in check order, steps in sequence order.
// With no current objective the gate passes trivially.
func (e *Evaluator) Evaluate(state *types.WorkingState) Result {
	if state == nil || state.Objective == nil {
		return Result{Passed: true}
	}

	obj := state.Objective
	var failures []Failure

	steps := stepsFor(state, obj.ID)

	// Check 1: proof completeness.
	for _, s := range steps {
		if s.Status != types.StepCompleted {
			continue
		}
		if s.Proof.Empty() {
			failures = append(failures, Failure{
				Code:      MissingProof,
				SubjectID: s.ID,
				Detail:    "completed step has no proof record",
			})
			continue
		}
		if !e.resolveProof(*s.Proof) {
			failures = append(failures, Failure{
				Code:      MissingProof,
				SubjectID: s.ID,
				Detail:    fmt.Sprintf("proof %s does not resolve to an existing artifact", s.Proof.Path),
			})
		}
	}

	// Check 2: no dangling in_progress at a completion boundary.
	for _, s := range steps {
		if s.Status == types.StepInProgress {
			failures = append(failures, Failure{
				Code:      DanglingInProgress,
				SubjectID: s.ID,
				Detail:    "step still in progress at completion boundary",
			})
		}
	}

	// Check 3: verification coverage.
	for i := range state.Verifications {
		v := &state.Verifications[i]
		if !belongsTo(steps, v.StepID) {
			// Orphaned verification: a data defect, reported, never fatal.
			failures = append(failures, Failure{
				Code:      UntestedVerification,
				SubjectID: v.StepID,
				Detail:    fmt.Sprintf("verification %s references unknown step", v.ID),
			})
			continue
		}
		if v.ResultRef == "" || e.results == nil || !e.results.HasMatchingResult(v.ResultRef) {
			failures = append(failures, Failure{
				Code:      UntestedVerification,
				SubjectID: v.StepID,
				Detail:    fmt.Sprintf("verification %s has no matching executed test result", v.ID),
			})
		}
	}

	// Check 4: no unresolved mismatches tied to the objective.
	for i := range state.Mismatches {
		m := &state.Mismatches[i]
		if m.ObjectiveID != "" && m.ObjectiveID != obj.ID {
			continue
		}
		if !m.Resolved {
			failures = append(failures, Failure{
				Code:      UnresolvedMismatch,
				SubjectID: m.ID,
				Detail:    fmt.Sprintf("expected %q, observed %q", m.Expected, m.Observed),
			})
		}
	}

	return Result{Passed: e.passes(failures), Failures: failures}
}

// resolveProof consults the resolver, falling back to a structural check.
func (e *Evaluator) resolveProof(p types.ProofRecord) bool {
	if e.proofs == nil {
		return !p.Empty()
	}
	return e.proofs.ResolveProof(p)
}

// passes applies strict or weighted denial to the collected failures.
func (e *Evaluator) passes(failures []Failure) bool {
	if len(failures) == 0 {
		return true
	}
	if e.cfg.StrictMode {
		return false
	}
	total := 0.0
	for _, f := range failures {
		total += e.weight(f.Code)
	}
	return total < 1.0
}

func (e *Evaluator) weight(code FailureCode) float64 {
	if w, ok := e.cfg.Weights[string(code)]; ok {
		return w
	}
	if w, ok := defaultWeights[string(code)]; ok {
		return w
	}
	return 1.0
}

func stepsFor(state *types.WorkingState, objectiveID string) []types.Step {
	var out []types.Step
	for _, s := range state.Steps {
		if s.ObjectiveID == objectiveID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func belongsTo(steps []types.Step, stepID string) bool {
	for _, s := range steps {
		if s.ID == stepID {
			return true
		}
	}
	return false
}
