package gate

import (
	"testing"
	"time"

	"gearbox/internal/config"
	"gearbox/internal/types"
)

// fixedResolver resolves proofs against a set of known paths.
type fixedResolver struct {
	known map[string]bool
}

func (r *fixedResolver) ResolveProof(p types.ProofRecord) bool {
	return r.known[p.Path]
}

// fixedResults reports matches against a set of known result refs.
type fixedResults struct {
	known map[string]bool
}

func (r *fixedResults) HasMatchingResult(ref string) bool {
	return r.known[ref]
}

func strictEvaluator(resolver ProofResolver, results ResultProvider) *Evaluator {
	return New(resolver, results, config.GateConfig{StrictMode: true})
}

func stateWithObjective() *types.WorkingState {
	ws := types.NewWorkingState("demo")
	ws.Gear = types.GearActive
	ws.Objective = &types.Objective{ID: "obj-1", Description: "ship the parser", CreatedAt: time.Now()}
	return ws
}

func completedStep(id string, seq int, path string) types.Step {
	return types.Step{
		ID:          id,
		ObjectiveID: "obj-1",
		Seq:         seq,
		Status:      types.StepCompleted,
		Proof:       &types.ProofRecord{Hash: "h-" + id, Path: path, CreatedAt: time.Now()},
	}
}

func TestEvaluate_NoObjectivePassesTrivially(t *testing.T) {
	t.Parallel()

	e := strictEvaluator(nil, nil)

	res := e.Evaluate(types.NewWorkingState("demo"))
	if !res.Passed {
		t.Error("no objective should pass trivially")
	}
	if len(res.Failures) != 0 {
		t.Errorf("expected no failures, got %v", res.Failures)
	}

	res = e.Evaluate(nil)
	if !res.Passed {
		t.Error("nil state should pass trivially")
	}
}

// Gate totality: passed=true implies zero failures, passed=false implies at
// least one, never both (strict mode).
func TestEvaluate_Totality(t *testing.T) {
	t.Parallel()

	resolver := &fixedResolver{known: map[string]bool{"good.txt": true}}
	e := strictEvaluator(resolver, &fixedResults{})

	states := []*types.WorkingState{
		types.NewWorkingState("demo"),
		stateWithObjective(),
	}

	broken := stateWithObjective()
	broken.Steps = []types.Step{
		{ID: "s1", ObjectiveID: "obj-1", Seq: 1, Status: types.StepCompleted}, // no proof
		{ID: "s2", ObjectiveID: "obj-1", Seq: 2, Status: types.StepInProgress},
	}
	broken.Verifications = []types.Verification{{ID: "v1", StepID: "ghost", ResultRef: "r1"}}
	broken.Mismatches = []types.Mismatch{{ID: "m1", ObjectiveID: "obj-1"}}
	states = append(states, broken)

	for _, ws := range states {
		res := e.Evaluate(ws)
		if res.Passed && len(res.Failures) > 0 {
			t.Errorf("passed with failures: %v", res.Failures)
		}
		if !res.Passed && len(res.Failures) == 0 {
			t.Error("denied with no failure reasons")
		}
	}
}

// Gate soundness: a completed step without a proof record always yields
// MISSING_PROOF and never passes.
func TestEvaluate_MissingProofNeverPasses(t *testing.T) {
	t.Parallel()

	e := strictEvaluator(&fixedResolver{known: map[string]bool{}}, nil)

	ws := stateWithObjective()
	ws.Steps = []types.Step{
		{ID: "s1", ObjectiveID: "obj-1", Seq: 1, Status: types.StepCompleted},
	}

	res := e.Evaluate(ws)
	if res.Passed {
		t.Fatal("completed step without proof must not pass")
	}
	if len(res.Failures) != 1 || res.Failures[0].Code != MissingProof || res.Failures[0].SubjectID != "s1" {
		t.Fatalf("failures = %v, want single MISSING_PROOF(s1)", res.Failures)
	}
}

func TestEvaluate_ProofMustResolve(t *testing.T) {
	t.Parallel()

	resolver := &fixedResolver{known: map[string]bool{"exists.txt": true}}
	e := strictEvaluator(resolver, nil)

	ws := stateWithObjective()
	ws.Steps = []types.Step{
		completedStep("s1", 1, "exists.txt"),
		completedStep("s2", 2, "deleted.txt"),
	}

	res := e.Evaluate(ws)
	if res.Passed {
		t.Fatal("dangling proof path must not pass")
	}
	if len(res.Failures) != 1 || res.Failures[0].SubjectID != "s2" {
		t.Fatalf("failures = %v, want MISSING_PROOF(s2)", res.Failures)
	}
}

// Scenario: 3 steps, 2 completed with valid proofs, 1 in_progress -> exactly
// one DANGLING_IN_PROGRESS failure.
func TestEvaluate_DanglingInProgressScenario(t *testing.T) {
	t.Parallel()

	resolver := &fixedResolver{known: map[string]bool{"a.txt": true, "b.txt": true}}
	e := strictEvaluator(resolver, nil)

	ws := stateWithObjective()
	ws.Steps = []types.Step{
		completedStep("s1", 1, "a.txt"),
		completedStep("s2", 2, "b.txt"),
		{ID: "s3", ObjectiveID: "obj-1", Seq: 3, Status: types.StepInProgress},
	}

	res := e.Evaluate(ws)
	if res.Passed {
		t.Fatal("in-progress step must not pass")
	}
	if len(res.Failures) != 1 {
		t.Fatalf("failures = %v, want exactly one", res.Failures)
	}
	f := res.Failures[0]
	if f.Code != DanglingInProgress || f.SubjectID != "s3" {
		t.Fatalf("failure = %v, want DANGLING_IN_PROGRESS(s3)", f)
	}
}

func TestEvaluate_UntestedVerification(t *testing.T) {
	t.Parallel()

	resolver := &fixedResolver{known: map[string]bool{"a.txt": true}}
	results := &fixedResults{known: map[string]bool{"run-1": true}}
	e := strictEvaluator(resolver, results)

	ws := stateWithObjective()
	ws.Steps = []types.Step{completedStep("s1", 1, "a.txt")}
	ws.Verifications = []types.Verification{
		{ID: "v1", StepID: "s1", Claim: "parses empty input", ResultRef: "run-1"},
		{ID: "v2", StepID: "s1", Claim: "handles unicode", ResultRef: "run-2"},
	}

	res := e.Evaluate(ws)
	if res.Passed {
		t.Fatal("untested verification must not pass")
	}
	if len(res.Failures) != 1 || res.Failures[0].Code != UntestedVerification {
		t.Fatalf("failures = %v, want single UNTESTED_VERIFICATION", res.Failures)
	}
}

func TestEvaluate_OrphanedVerificationIsFailureNotPanic(t *testing.T) {
	t.Parallel()

	e := strictEvaluator(nil, &fixedResults{known: map[string]bool{"run-1": true}})

	ws := stateWithObjective()
	ws.Verifications = []types.Verification{
		{ID: "v1", StepID: "no-such-step", ResultRef: "run-1"},
	}

	res := e.Evaluate(ws)
	if res.Passed {
		t.Fatal("orphaned verification must not pass")
	}
	if res.Failures[0].Code != UntestedVerification {
		t.Fatalf("failure = %v, want UNTESTED_VERIFICATION", res.Failures[0])
	}
}

// Transition safety half: an unresolved mismatch always yields
// UNRESOLVED_MISMATCH (the gears package asserts the state stays ACTIVE).
func TestEvaluate_UnresolvedMismatch(t *testing.T) {
	t.Parallel()

	e := strictEvaluator(nil, nil)

	ws := stateWithObjective()
	ws.Mismatches = []types.Mismatch{
		{ID: "m1", ObjectiveID: "obj-1", Expected: "exit 0", Observed: "exit 1"},
		{ID: "m2", ObjectiveID: "obj-1", Expected: "x", Observed: "y", Resolved: true},
		{ID: "m3", ObjectiveID: "other-obj", Expected: "a", Observed: "b"},
	}

	res := e.Evaluate(ws)
	if res.Passed {
		t.Fatal("unresolved mismatch must not pass")
	}
	if len(res.Failures) != 1 || res.Failures[0].Code != UnresolvedMismatch || res.Failures[0].SubjectID != "m1" {
		t.Fatalf("failures = %v, want single UNRESOLVED_MISMATCH(m1)", res.Failures)
	}
}

func TestEvaluate_FailureOrderIsDeterministic(t *testing.T) {
	t.Parallel()

	e := strictEvaluator(&fixedResolver{known: map[string]bool{}}, nil)

	ws := stateWithObjective()
	// Steps deliberately out of sequence order.
	ws.Steps = []types.Step{
		{ID: "s2", ObjectiveID: "obj-1", Seq: 2, Status: types.StepCompleted},
		{ID: "s1", ObjectiveID: "obj-1", Seq: 1, Status: types.StepCompleted},
		{ID: "s3", ObjectiveID: "obj-1", Seq: 3, Status: types.StepInProgress},
	}
	ws.Mismatches = []types.Mismatch{{ID: "m1", ObjectiveID: "obj-1"}}

	res := e.Evaluate(ws)
	want := []struct {
		code    FailureCode
		subject string
	}{
		{MissingProof, "s1"},
		{MissingProof, "s2"},
		{DanglingInProgress, "s3"},
		{UnresolvedMismatch, "m1"},
	}
	if len(res.Failures) != len(want) {
		t.Fatalf("failures = %v, want %d entries", res.Failures, len(want))
	}
	for i, w := range want {
		if res.Failures[i].Code != w.code || res.Failures[i].SubjectID != w.subject {
			t.Errorf("failure[%d] = %v, want %s(%s)", i, res.Failures[i], w.code, w.subject)
		}
	}
}

func TestEvaluate_WeightedMode(t *testing.T) {
	t.Parallel()

	results := &fixedResults{known: map[string]bool{}}

	ws := stateWithObjective()
	ws.Steps = []types.Step{
		{ID: "s1", ObjectiveID: "obj-1", Seq: 1, Status: types.StepCompleted, Proof: &types.ProofRecord{Hash: "h", Path: "a.txt"}},
	}
	ws.Verifications = []types.Verification{
		{ID: "v1", StepID: "s1", ResultRef: "never-ran"},
	}

	t.Run("single untested verification warns under default weights", func(t *testing.T) {
		e := New(&fixedResolver{known: map[string]bool{"a.txt": true}}, results, config.GateConfig{StrictMode: false})
		res := e.Evaluate(ws)
		if !res.Passed {
			t.Errorf("weighted gate should pass at total 0.5, failures: %v", res.Failures)
		}
		if len(res.Failures) != 1 {
			t.Errorf("failure should still be reported, got %v", res.Failures)
		}
	})

	t.Run("two untested verifications deny", func(t *testing.T) {
		ws2 := stateWithObjective()
		ws2.Steps = ws.Steps
		ws2.Verifications = []types.Verification{
			{ID: "v1", StepID: "s1", ResultRef: "never-ran"},
			{ID: "v2", StepID: "s1", ResultRef: "also-never-ran"},
		}
		e := New(&fixedResolver{known: map[string]bool{"a.txt": true}}, results, config.GateConfig{StrictMode: false})
		res := e.Evaluate(ws2)
		if res.Passed {
			t.Error("weighted total 1.0 should deny")
		}
	})

	t.Run("strict mode denies on any failure", func(t *testing.T) {
		e := New(&fixedResolver{known: map[string]bool{"a.txt": true}}, results, config.GateConfig{StrictMode: true})
		res := e.Evaluate(ws)
		if res.Passed {
			t.Error("strict gate must deny on a single failure")
		}
	})

	t.Run("configured weights override defaults", func(t *testing.T) {
		e := New(&fixedResolver{known: map[string]bool{"a.txt": true}}, results, config.GateConfig{
			StrictMode: false,
			Weights:    map[string]float64{string(UntestedVerification): 1.0},
		})
		res := e.Evaluate(ws)
		if res.Passed {
			t.Error("weight 1.0 should deny on one failure")
		}
	})
}

func TestEvaluate_DoesNotMutateState(t *testing.T) {
	t.Parallel()

	e := strictEvaluator(nil, nil)

	ws := stateWithObjective()
	ws.Steps = []types.Step{
		{ID: "s1", ObjectiveID: "obj-1", Seq: 1, Status: types.StepInProgress},
	}
	before := *ws.Objective
	stepBefore := ws.Steps[0]

	_ = e.Evaluate(ws)

	if *ws.Objective != before {
		t.Error("objective mutated by Evaluate")
	}
	if ws.Steps[0] != stepBefore {
		t.Error("step mutated by Evaluate")
	}
}
