// Package types defines the shared data model for gearbox: the current
// objective and its steps, proof and verification records, mismatches, the
// lesson pool, and the working-state snapshot that every operation loads,
// mutates, and writes back atomically.
package types

import (
	"fmt"
	"time"
)

// =============================================================================
// OBJECTIVE AND STEP TYPES
// =============================================================================

// Objective is a unit of work. At most one objective is current at a time.
type Objective struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// StepStatus tracks the lifecycle of a step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepBlocked    StepStatus = "blocked"
)

// Valid reports whether the status is one of the recognized values.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepInProgress, StepCompleted, StepBlocked:
		return true
	}
	return false
}

// Step belongs to exactly one objective. A completed step must reference a
// ProofRecord; at most one step per objective may be in progress at a time.
type Step struct {
	ID          string       `json:"id"`
	ObjectiveID string       `json:"objective_id"`
	Seq         int          `json:"seq"`
	Description string       `json:"description"`
	Status      StepStatus   `json:"status"`
	Proof       *ProofRecord `json:"proof,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ProofRecord is an immutable evidence artifact reference produced when a
// step completes.
type ProofRecord struct {
	Hash      string    `json:"hash"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Empty reports whether the record carries no usable reference.
func (p *ProofRecord) Empty() bool {
	return p == nil || (p.Hash == "" && p.Path == "")
}

// Verification is an optional claim attached to a step asserting a testable
// property. It is satisfied only when a matching executed test result exists
// for ResultRef.
type Verification struct {
	ID        string    `json:"id"`
	StepID    string    `json:"step_id"`
	Claim     string    `json:"claim"`
	ResultRef string    `json:"result_ref"`
	CreatedAt time.Time `json:"created_at"`
}

// Mismatch records a discrepancy between expected and observed outcome.
// Unresolved mismatches block gate passage.
type Mismatch struct {
	ID          string     `json:"id"`
	ObjectiveID string     `json:"objective_id"`
	Expected    string     `json:"expected"`
	Observed    string     `json:"observed"`
	Resolved    bool       `json:"resolved"`
	Resolution  string     `json:"resolution,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// =============================================================================
// LESSON AND ARCHIVE TYPES
// =============================================================================

// LessonItem is a learned trigger->lesson pair retained in working memory.
// Reinforcement bumps the count and refreshes UpdatedAt; consolidation merges
// near-duplicates into one item.
type LessonItem struct {
	ID             string    `json:"id"`
	Trigger        string    `json:"trigger"`
	Lesson         string    `json:"lesson"`
	Reinforcements int       `json:"reinforcements"`
	Source         string    `json:"source,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PruneReason explains why a lesson left the working pool.
type PruneReason string

// PruneEntropyThreshold marks evictions triggered by the entropy high-water
// breach.
const PruneEntropyThreshold PruneReason = "ENTROPY_THRESHOLD"

// ArchiveEntry wraps a pruned LessonItem. The archive is append-only and
// never rewritten in place.
type ArchiveEntry struct {
	ID         int64       `json:"id"`
	Lesson     LessonItem  `json:"lesson"`
	Reason     PruneReason `json:"reason"`
	ArchivedAt time.Time   `json:"archived_at"`
}

// ArchiveQuery selects archived entries by trigger/lesson substring and
// archival time range. Zero fields match everything.
type ArchiveQuery struct {
	Text string    `json:"text,omitempty"`
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// =============================================================================
// GEAR AND TRUST TYPES
// =============================================================================

// Gear is the agent's current operating mode.
type Gear string

const (
	GearActive Gear = "ACTIVE"
	GearPatrol Gear = "PATROL"
	GearScout  Gear = "SCOUT"
	GearYolo   Gear = "YOLO"
)

// Valid reports whether the gear is one of the recognized modes.
func (g Gear) Valid() bool {
	switch g {
	case GearActive, GearPatrol, GearScout, GearYolo:
		return true
	}
	return false
}

// TrustLevel modulates which actions in ACTIVE/YOLO require explicit
// confirmation. It does not gate the transition graph itself.
type TrustLevel string

const (
	TrustStandard TrustLevel = "standard"
	TrustElevated TrustLevel = "elevated"
)

// =============================================================================
// WORKING STATE
// =============================================================================

// WorkingState is the in-memory working copy of a project's persisted record
// set. It is loaded once per invocation, operated on, and written back as one
// atomic replace. There is no process-wide mutable session state; callers own
// the load -> operate -> save lifecycle.
type WorkingState struct {
	Project  string     `json:"project"`
	Revision int64      `json:"revision"`
	Gear     Gear       `json:"gear"`
	Trust    TrustLevel `json:"trust"`

	Objective     *Objective     `json:"objective,omitempty"`
	Steps         []Step         `json:"steps"`
	Verifications []Verification `json:"verifications"`
	Lessons       []LessonItem   `json:"lessons"`
	Mismatches    []Mismatch     `json:"mismatches"`

	// PendingArchive holds lessons evicted during this invocation. Save
	// appends them to the archive log in the same transaction that removes
	// them from the pool, so a crash can never record one side only.
	PendingArchive []ArchiveEntry `json:"-"`
}

// NewWorkingState returns an empty state for a project, idle in PATROL.
func NewWorkingState(project string) *WorkingState {
	return &WorkingState{
		Project: project,
		Gear:    GearPatrol,
		Trust:   TrustStandard,
	}
}

// StepByID returns the step with the given ID, or nil.
func (w *WorkingState) StepByID(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// LessonByID returns the lesson with the given ID, or nil.
func (w *WorkingState) LessonByID(id string) *LessonItem {
	for i := range w.Lessons {
		if w.Lessons[i].ID == id {
			return &w.Lessons[i]
		}
	}
	return nil
}

// MismatchByID returns the mismatch with the given ID, or nil.
func (w *WorkingState) MismatchByID(id string) *Mismatch {
	for i := range w.Mismatches {
		if w.Mismatches[i].ID == id {
			return &w.Mismatches[i]
		}
	}
	return nil
}

// InProgressStep returns the step currently in progress, or nil.
func (w *WorkingState) InProgressStep() *Step {
	for i := range w.Steps {
		if w.Steps[i].Status == StepInProgress {
			return &w.Steps[i]
		}
	}
	return nil
}

// NextPendingStep returns the lowest-sequence pending step, or nil.
func (w *WorkingState) NextPendingStep() *Step {
	var next *Step
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.Status != StepPending {
			continue
		}
		if next == nil || s.Seq < next.Seq {
			next = s
		}
	}
	return next
}

// HasOpenSteps reports whether any step is still pending or in progress.
func (w *WorkingState) HasOpenSteps() bool {
	for i := range w.Steps {
		switch w.Steps[i].Status {
		case StepPending, StepInProgress:
			return true
		}
	}
	return false
}

// Validate checks structural invariants at load time and returns a list of
// human-readable issues. Issues are reported, not fatal: an inconsistent
// record set is still usable and the quality gate surfaces the same defects
// as failures.
func (w *WorkingState) Validate() []string {
	var issues []string

	if !w.Gear.Valid() {
		issues = append(issues, fmt.Sprintf("unrecognized gear %q", w.Gear))
	}

	inProgress := 0
	for i := range w.Steps {
		s := &w.Steps[i]
		if !s.Status.Valid() {
			issues = append(issues, fmt.Sprintf("step %s: unrecognized status %q", s.ID, s.Status))
		}
		if w.Objective == nil {
			issues = append(issues, fmt.Sprintf("step %s: no current objective", s.ID))
		} else if s.ObjectiveID != w.Objective.ID {
			issues = append(issues, fmt.Sprintf("step %s: references objective %s, current is %s", s.ID, s.ObjectiveID, w.Objective.ID))
		}
		if s.Status == StepInProgress {
			inProgress++
		}
		if s.Status == StepCompleted && s.Proof.Empty() {
			issues = append(issues, fmt.Sprintf("step %s: completed without proof record", s.ID))
		}
	}
	if inProgress > 1 {
		issues = append(issues, fmt.Sprintf("%d steps in progress, at most one allowed", inProgress))
	}

	for i := range w.Verifications {
		v := &w.Verifications[i]
		if w.StepByID(v.StepID) == nil {
			issues = append(issues, fmt.Sprintf("verification %s: references unknown step %s", v.ID, v.StepID))
		}
	}

	for i := range w.Mismatches {
		m := &w.Mismatches[i]
		if w.Objective != nil && m.ObjectiveID != "" && m.ObjectiveID != w.Objective.ID {
			issues = append(issues, fmt.Sprintf("mismatch %s: references objective %s, current is %s", m.ID, m.ObjectiveID, w.Objective.ID))
		}
	}

	return issues
}
