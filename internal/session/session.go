// Package session orchestrates a single governed turn: load working state,
// apply one operation through the gate, machine and memory engine, then save
// atomically. Revision conflicts from concurrent invocations are retried
// against fresh state.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gearbox/internal/config"
	"gearbox/internal/gate"
	"gearbox/internal/gears"
	"gearbox/internal/logging"
	"gearbox/internal/memory"
	"gearbox/internal/proof"
	"gearbox/internal/store"
	"gearbox/internal/types"
)

// saveAttempts bounds conflict retries per operation.
const saveAttempts = 3

var (
	// ErrStepNotFound reports an operation against an unknown step ID.
	ErrStepNotFound = errors.New("step not found")

	// ErrMismatchNotFound reports a resolution against an unknown mismatch.
	ErrMismatchNotFound = errors.New("mismatch not found")

	// ErrStepConflict reports a start while another step is in progress.
	ErrStepConflict = errors.New("another step is already in progress")

	// ErrBadStatus reports an operation applied to a step in the wrong
	// lifecycle state.
	ErrBadStatus = errors.New("step status does not allow this operation")
)

// Session binds a project to its store, gear machine and memory engine.
type Session struct {
	project   string
	store     *store.Store
	machine   *gears.Machine
	evaluator *gate.Evaluator
	engine    *memory.Engine
	cfg       *config.Config
}

// storeResults adapts the test result table to the gate's provider
// interface. Lookup errors deny the match; the gate then reports the
// verification as untested, which is the safe direction.
type storeResults struct {
	store   *store.Store
	project string
}

func (r *storeResults) HasMatchingResult(resultRef string) bool {
	if resultRef == "" {
		return false
	}
	ok, err := r.store.HasTestResult(r.project, resultRef)
	if err != nil {
		logging.Get(logging.CategorySession).Warnf("result lookup for %s failed: %v", resultRef, err)
		return false
	}
	return ok
}

// New creates a session for a project.
func New(st *store.Store, cfg *config.Config) *Session {
	project := cfg.Project
	evaluator := gate.New(
		&proof.FileResolver{},
		&storeResults{store: st, project: project},
		cfg.Gate,
	)
	return &Session{
		project:   project,
		store:     st,
		machine:   gears.New(evaluator),
		evaluator: evaluator,
		engine:    memory.NewEngine(cfg.Memory),
		cfg:       cfg,
	}
}

// Reload swaps in a new configuration, rebuilding the gate and machine with
// the new thresholds. Called by the config watcher.
func (s *Session) Reload(cfg *config.Config) {
	evaluator := gate.New(
		&proof.FileResolver{},
		&storeResults{store: s.store, project: s.project},
		cfg.Gate,
	)
	s.machine = gears.New(evaluator)
	s.evaluator = evaluator
	s.engine.SetConfig(cfg.Memory)
	s.cfg = cfg
	logging.Get(logging.CategorySession).Infof("configuration reloaded for %s", s.project)
}

// update runs one load-mutate-save cycle, retrying on revision conflicts
// with freshly loaded state so the mutation reapplies rather than clobbers.
func (s *Session) update(fn func(*types.WorkingState) error) (*types.WorkingState, error) {
	log := logging.Get(logging.CategorySession)

	var lastErr error
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		state, err := s.store.LoadOrCreate(s.project)
		if err != nil {
			return nil, err
		}
		if err := fn(state); err != nil {
			return nil, err
		}
		err = s.store.Save(state)
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		lastErr = err
		log.Warnf("save conflict on attempt %d, retrying", attempt)
	}
	return nil, fmt.Errorf("gave up after %d attempts: %w", saveAttempts, lastErr)
}

// Status returns the current working state without modifying it.
func (s *Session) Status() (*types.WorkingState, error) {
	return s.store.LoadOrCreate(s.project)
}

// =============================================================================
// OBJECTIVE AND STEP OPERATIONS
// =============================================================================

// SetObjective installs a new current objective and shifts to ACTIVE. Any
// prior objective's working set is concluded first through the normal gated
// path only if it is already clear; otherwise the existing objective stays
// and the call fails.
func (s *Session) SetObjective(description string) (*types.Objective, error) {
	obj := &types.Objective{
		ID:          uuid.NewString(),
		Description: description,
		CreatedAt:   time.Now(),
	}
	_, err := s.update(func(state *types.WorkingState) error {
		if state.Objective != nil {
			return fmt.Errorf("objective %s is still current; conclude it first", state.Objective.ID)
		}
		state.Objective = obj
		state.Gear = gears.Initial(state)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Get(logging.CategorySession).Infof("objective %s set: %s", obj.ID, description)
	return obj, nil
}

// AddStep appends a step to the current objective's plan.
func (s *Session) AddStep(description string) (*types.Step, error) {
	var step types.Step
	_, err := s.update(func(state *types.WorkingState) error {
		if state.Objective == nil {
			return errors.New("no current objective")
		}
		seq := 0
		for _, existing := range state.Steps {
			if existing.Seq > seq {
				seq = existing.Seq
			}
		}
		now := time.Now()
		step = types.Step{
			ID:          uuid.NewString(),
			ObjectiveID: state.Objective.ID,
			Seq:         seq + 1,
			Description: description,
			Status:      types.StepPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		state.Steps = append(state.Steps, step)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// StartStep marks a pending step in progress. At most one step may be in
// progress at a time.
func (s *Session) StartStep(id string) error {
	_, err := s.update(func(state *types.WorkingState) error {
		step := state.StepByID(id)
		if step == nil {
			return fmt.Errorf("%w: %s", ErrStepNotFound, id)
		}
		if current := state.InProgressStep(); current != nil && current.ID != id {
			return fmt.Errorf("%w: %s", ErrStepConflict, current.ID)
		}
		if step.Status != types.StepPending && step.Status != types.StepBlocked {
			return fmt.Errorf("%w: %s is %s", ErrBadStatus, id, step.Status)
		}
		step.Status = types.StepInProgress
		step.UpdatedAt = time.Now()
		return nil
	})
	return err
}

// CompleteStep marks an in-progress step completed, attaching a proof record
// hashed from the given artifact path. A step cannot complete without proof.
func (s *Session) CompleteStep(id, artifactPath string) error {
	record, err := proof.NewRecord(artifactPath)
	if err != nil {
		return fmt.Errorf("failed to capture proof: %w", err)
	}
	_, err = s.update(func(state *types.WorkingState) error {
		step := state.StepByID(id)
		if step == nil {
			return fmt.Errorf("%w: %s", ErrStepNotFound, id)
		}
		if step.Status != types.StepInProgress {
			return fmt.Errorf("%w: %s is %s", ErrBadStatus, id, step.Status)
		}
		step.Status = types.StepCompleted
		step.Proof = record
		step.UpdatedAt = time.Now()
		return nil
	})
	return err
}

// BlockStep marks a step blocked.
func (s *Session) BlockStep(id string) error {
	_, err := s.update(func(state *types.WorkingState) error {
		step := state.StepByID(id)
		if step == nil {
			return fmt.Errorf("%w: %s", ErrStepNotFound, id)
		}
		step.Status = types.StepBlocked
		step.UpdatedAt = time.Now()
		return nil
	})
	return err
}

// =============================================================================
// VERIFICATION AND MISMATCH OPERATIONS
// =============================================================================

// AddVerification records a claim about a step, referencing an executed test
// result by name.
func (s *Session) AddVerification(stepID, claim, resultRef string) (*types.Verification, error) {
	var v types.Verification
	_, err := s.update(func(state *types.WorkingState) error {
		if state.StepByID(stepID) == nil {
			return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
		}
		v = types.Verification{
			ID:        uuid.NewString(),
			StepID:    stepID,
			Claim:     claim,
			ResultRef: resultRef,
			CreatedAt: time.Now(),
		}
		state.Verifications = append(state.Verifications, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// RecordTestResult stores an executed result so verifications referencing it
// resolve at the gate.
func (s *Session) RecordTestResult(resultRef string, passed bool) error {
	return s.store.RecordTestResult(s.project, resultRef, passed)
}

// TestResult returns the recorded outcome for a result reference. The gate
// only requires that a result was executed; the pass/fail outcome is for
// display.
func (s *Session) TestResult(resultRef string) (passed, found bool, err error) {
	if resultRef == "" {
		return false, false, nil
	}
	return s.store.TestResult(s.project, resultRef)
}

// RecordMismatch logs an expectation-versus-observation divergence against
// the current objective.
func (s *Session) RecordMismatch(expected, observed string) (*types.Mismatch, error) {
	var m types.Mismatch
	_, err := s.update(func(state *types.WorkingState) error {
		objectiveID := ""
		if state.Objective != nil {
			objectiveID = state.Objective.ID
		}
		m = types.Mismatch{
			ID:          uuid.NewString(),
			ObjectiveID: objectiveID,
			Expected:    expected,
			Observed:    observed,
			CreatedAt:   time.Now(),
		}
		state.Mismatches = append(state.Mismatches, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ResolveMismatch closes a mismatch with a resolution note.
func (s *Session) ResolveMismatch(id, resolution string) error {
	_, err := s.update(func(state *types.WorkingState) error {
		m := state.MismatchByID(id)
		if m == nil {
			return fmt.Errorf("%w: %s", ErrMismatchNotFound, id)
		}
		m.Resolved = true
		m.Resolution = resolution
		now := time.Now()
		m.ResolvedAt = &now
		return nil
	})
	return err
}

// =============================================================================
// GATE AND GEAR OPERATIONS
// =============================================================================

// Gate evaluates the quality gate against the current state without changing
// anything.
func (s *Session) Gate() (gate.Result, error) {
	state, err := s.store.LoadOrCreate(s.project)
	if err != nil {
		return gate.Result{}, err
	}
	return s.evaluator.Evaluate(state), nil
}

// Shift requests an explicit gear change. Guard denials come back in the
// decision with the state unchanged; invalid edges are errors.
func (s *Session) Shift(target types.Gear, sig gears.Signals) (gears.Decision, error) {
	var decision gears.Decision
	_, err := s.update(func(state *types.WorkingState) error {
		var shiftErr error
		decision, shiftErr = s.machine.Shift(state, target, sig)
		return shiftErr
	})
	if err != nil {
		return decision, err
	}
	return decision, nil
}

// Turn runs one autonomous cycle: the machine picks the best edge for the
// current state and signals.
func (s *Session) Turn(sig gears.Signals) (gears.Decision, error) {
	var decision gears.Decision
	_, err := s.update(func(state *types.WorkingState) error {
		decision = s.machine.Advance(state, sig)
		return nil
	})
	return decision, err
}

// =============================================================================
// MEMORY OPERATIONS
// =============================================================================

// AddLesson admits a lesson into the pool, consolidating near-duplicates,
// then prunes if the admission breached the entropy threshold. Evictions are
// archived in the same save.
func (s *Session) AddLesson(trigger, lesson, source string) (types.LessonItem, error) {
	var admitted types.LessonItem
	_, err := s.update(func(state *types.WorkingState) error {
		admitted = s.engine.Admit(state, types.LessonItem{
			Trigger: trigger,
			Lesson:  lesson,
			Source:  source,
		})
		s.engine.PruneIfNeeded(state)
		return nil
	})
	return admitted, err
}

// ReinforceLesson bumps a lesson's reinforcement count.
func (s *Session) ReinforceLesson(id string) error {
	_, err := s.update(func(state *types.WorkingState) error {
		return s.engine.Reinforce(state, id)
	})
	return err
}

// Entropy reports the pool's entropy against its thresholds.
func (s *Session) Entropy() (memory.EntropyReport, error) {
	state, err := s.store.LoadOrCreate(s.project)
	if err != nil {
		return memory.EntropyReport{}, err
	}
	return s.engine.CheckEntropy(state), nil
}

// Prune forces an entropy check and drain regardless of what triggered it.
// Returns the evicted entries, already archived.
func (s *Session) Prune() ([]types.ArchiveEntry, error) {
	var evicted []types.ArchiveEntry
	_, err := s.update(func(state *types.WorkingState) error {
		evicted = s.engine.PruneIfNeeded(state)
		return nil
	})
	return evicted, err
}

// Recall opens a paged search over the lesson archive.
func (s *Session) Recall(q types.ArchiveQuery, pageSize int) *memory.Cursor {
	return memory.NewCursor(s.store, s.project, q, pageSize)
}
