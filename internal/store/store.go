// Package store persists working state and the lesson archive in SQLite.
// Working state saves are full-replace transactions guarded by a per-project
// revision counter; the archive table is append-only.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gearbox/internal/logging"
	"gearbox/internal/types"
)

// ErrConflict reports a save against a stale revision. Callers reload and
// reapply their change.
var ErrConflict = errors.New("working state revision conflict")

// ErrNotFound reports a project with no persisted state.
var ErrNotFound = errors.New("project not found")

// Store manages the gearbox state database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// New creates or opens the state store under the gearbox directory.
func New(gearboxDir string) (*Store, error) {
	dbPath := filepath.Join(gearboxDir, "state.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// _txlock=immediate makes write transactions take the lock up front so
	// two concurrent saves serialize instead of deadlocking at commit.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// initSchema creates the database schema.
func (s *Store) initSchema() error {
	schema := `
	-- Per-project envelope: revision drives optimistic concurrency
	CREATE TABLE IF NOT EXISTS projects (
		name TEXT PRIMARY KEY,
		revision INTEGER NOT NULL DEFAULT 0,
		gear TEXT NOT NULL,
		trust TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS objectives (
		project TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		description TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		objective_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		proof_hash TEXT,
		proof_path TEXT,
		proof_created_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_steps_project ON steps(project, seq);

	CREATE TABLE IF NOT EXISTS verifications (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		step_id TEXT NOT NULL,
		claim TEXT NOT NULL,
		result_ref TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_verifications_project ON verifications(project);

	CREATE TABLE IF NOT EXISTS mismatches (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		objective_id TEXT,
		expected TEXT NOT NULL,
		observed TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolution TEXT,
		resolved_at DATETIME,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mismatches_project ON mismatches(project, resolved);

	CREATE TABLE IF NOT EXISTS lessons (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL,
		trigger TEXT NOT NULL,
		lesson TEXT NOT NULL,
		reinforcements INTEGER NOT NULL DEFAULT 0,
		source TEXT,
		confidence REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lessons_project ON lessons(project);

	-- Append-only archive log: rows are inserted, never updated or deleted
	CREATE TABLE IF NOT EXISTS archive (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project TEXT NOT NULL,
		lesson_id TEXT NOT NULL,
		trigger TEXT NOT NULL,
		lesson TEXT NOT NULL,
		reinforcements INTEGER NOT NULL DEFAULT 0,
		source TEXT,
		confidence REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		reason TEXT NOT NULL,
		archived_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_archive_project ON archive(project, archived_at);

	CREATE TABLE IF NOT EXISTS test_results (
		project TEXT NOT NULL,
		result_ref TEXT NOT NULL,
		passed INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME NOT NULL,
		PRIMARY KEY (project, result_ref)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// WORKING STATE OPERATIONS
// =============================================================================

// Load reads the full working state of a project. Returns ErrNotFound when
// the project has never been saved.
func (s *Store) Load(project string) (*types.WorkingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := types.NewWorkingState(project)

	var gear, trust string
	err := s.db.QueryRow(`
		SELECT revision, gear, trust FROM projects WHERE name = ?
	`, project).Scan(&state.Revision, &gear, &trust)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, project)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	state.Gear = types.Gear(gear)
	state.Trust = types.TrustLevel(trust)

	if err := s.loadObjective(state); err != nil {
		return nil, err
	}
	if err := s.loadSteps(state); err != nil {
		return nil, err
	}
	if err := s.loadVerifications(state); err != nil {
		return nil, err
	}
	if err := s.loadMismatches(state); err != nil {
		return nil, err
	}
	if err := s.loadLessons(state); err != nil {
		return nil, err
	}

	if issues := state.Validate(); len(issues) > 0 {
		log := logging.Get(logging.CategoryStore)
		for _, issue := range issues {
			log.Warnf("loaded state for %s has issue: %s", project, issue)
		}
	}

	return state, nil
}

// LoadOrCreate reads a project's state, or returns a fresh idle state when
// none has been saved yet.
func (s *Store) LoadOrCreate(project string) (*types.WorkingState, error) {
	state, err := s.Load(project)
	if errors.Is(err, ErrNotFound) {
		return types.NewWorkingState(project), nil
	}
	return state, err
}

func (s *Store) loadObjective(state *types.WorkingState) error {
	var obj types.Objective
	err := s.db.QueryRow(`
		SELECT id, description, created_at FROM objectives WHERE project = ?
	`, state.Project).Scan(&obj.ID, &obj.Description, &obj.CreatedAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load objective: %w", err)
	}
	state.Objective = &obj
	return nil
}

func (s *Store) loadSteps(state *types.WorkingState) error {
	rows, err := s.db.Query(`
		SELECT id, objective_id, seq, description, status,
			proof_hash, proof_path, proof_created_at, created_at, updated_at
		FROM steps WHERE project = ? ORDER BY seq
	`, state.Project)
	if err != nil {
		return fmt.Errorf("failed to load steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var step types.Step
		var proofHash, proofPath sql.NullString
		var proofCreated sql.NullTime
		if err := rows.Scan(&step.ID, &step.ObjectiveID, &step.Seq, &step.Description,
			&step.Status, &proofHash, &proofPath, &proofCreated,
			&step.CreatedAt, &step.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan step: %w", err)
		}
		if proofHash.Valid && proofHash.String != "" {
			step.Proof = &types.ProofRecord{
				Hash:      proofHash.String,
				Path:      proofPath.String,
				CreatedAt: proofCreated.Time,
			}
		}
		state.Steps = append(state.Steps, step)
	}
	return rows.Err()
}

func (s *Store) loadVerifications(state *types.WorkingState) error {
	rows, err := s.db.Query(`
		SELECT id, step_id, claim, result_ref, created_at
		FROM verifications WHERE project = ? ORDER BY created_at
	`, state.Project)
	if err != nil {
		return fmt.Errorf("failed to load verifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v types.Verification
		var resultRef sql.NullString
		if err := rows.Scan(&v.ID, &v.StepID, &v.Claim, &resultRef, &v.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan verification: %w", err)
		}
		v.ResultRef = resultRef.String
		state.Verifications = append(state.Verifications, v)
	}
	return rows.Err()
}

func (s *Store) loadMismatches(state *types.WorkingState) error {
	rows, err := s.db.Query(`
		SELECT id, objective_id, expected, observed, resolved, resolution, resolved_at, created_at
		FROM mismatches WHERE project = ? ORDER BY created_at
	`, state.Project)
	if err != nil {
		return fmt.Errorf("failed to load mismatches: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m types.Mismatch
		var objectiveID, resolution sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&m.ID, &objectiveID, &m.Expected, &m.Observed,
			&m.Resolved, &resolution, &resolvedAt, &m.CreatedAt); err != nil {
			return fmt.Errorf("failed to scan mismatch: %w", err)
		}
		m.ObjectiveID = objectiveID.String
		m.Resolution = resolution.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			m.ResolvedAt = &t
		}
		state.Mismatches = append(state.Mismatches, m)
	}
	return rows.Err()
}

func (s *Store) loadLessons(state *types.WorkingState) error {
	rows, err := s.db.Query(`
		SELECT id, trigger, lesson, reinforcements, source, confidence, created_at, updated_at
		FROM lessons WHERE project = ? ORDER BY created_at
	`, state.Project)
	if err != nil {
		return fmt.Errorf("failed to load lessons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item types.LessonItem
		var source sql.NullString
		if err := rows.Scan(&item.ID, &item.Trigger, &item.Lesson, &item.Reinforcements,
			&source, &item.Confidence, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan lesson: %w", err)
		}
		item.Source = source.String
		state.Lessons = append(state.Lessons, item)
	}
	return rows.Err()
}

// Save writes the full working state in one transaction. The project's
// stored revision must match state.Revision or the save fails with
// ErrConflict and nothing changes. On success the revision is bumped,
// state.Revision is updated in place, and any staged archive entries are
// appended and cleared.
func (s *Store) Save(state *types.WorkingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRow(`SELECT revision FROM projects WHERE name = ?`, state.Project).Scan(&stored)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read revision: %w", err)
	}
	if err == nil && stored != state.Revision {
		return fmt.Errorf("%w: have %d, stored %d", ErrConflict, state.Revision, stored)
	}

	next := state.Revision + 1
	now := time.Now()

	_, err = tx.Exec(`
		INSERT INTO projects (name, revision, gear, trust, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			revision = excluded.revision,
			gear = excluded.gear,
			trust = excluded.trust,
			updated_at = excluded.updated_at
	`, state.Project, next, string(state.Gear), string(state.Trust), now)
	if err != nil {
		return fmt.Errorf("failed to save project: %w", err)
	}

	for _, table := range []string{"objectives", "steps", "verifications", "mismatches", "lessons"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE project = ?`, state.Project); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if state.Objective != nil {
		_, err = tx.Exec(`
			INSERT INTO objectives (project, id, description, created_at)
			VALUES (?, ?, ?, ?)
		`, state.Project, state.Objective.ID, state.Objective.Description, state.Objective.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save objective: %w", err)
		}
	}

	for _, step := range state.Steps {
		var proofHash, proofPath sql.NullString
		var proofCreated sql.NullTime
		if !step.Proof.Empty() {
			proofHash = sql.NullString{String: step.Proof.Hash, Valid: true}
			proofPath = sql.NullString{String: step.Proof.Path, Valid: true}
			proofCreated = sql.NullTime{Time: step.Proof.CreatedAt, Valid: true}
		}
		_, err = tx.Exec(`
			INSERT INTO steps (id, project, objective_id, seq, description, status,
				proof_hash, proof_path, proof_created_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, step.ID, state.Project, step.ObjectiveID, step.Seq, step.Description,
			string(step.Status), proofHash, proofPath, proofCreated,
			step.CreatedAt, step.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save step %s: %w", step.ID, err)
		}
	}

	for _, v := range state.Verifications {
		_, err = tx.Exec(`
			INSERT INTO verifications (id, project, step_id, claim, result_ref, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, v.ID, state.Project, v.StepID, v.Claim, v.ResultRef, v.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save verification %s: %w", v.ID, err)
		}
	}

	for _, m := range state.Mismatches {
		var resolvedAt sql.NullTime
		if m.ResolvedAt != nil {
			resolvedAt = sql.NullTime{Time: *m.ResolvedAt, Valid: true}
		}
		_, err = tx.Exec(`
			INSERT INTO mismatches (id, project, objective_id, expected, observed,
				resolved, resolution, resolved_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, state.Project, m.ObjectiveID, m.Expected, m.Observed,
			m.Resolved, m.Resolution, resolvedAt, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save mismatch %s: %w", m.ID, err)
		}
	}

	for _, item := range state.Lessons {
		_, err = tx.Exec(`
			INSERT INTO lessons (id, project, trigger, lesson, reinforcements,
				source, confidence, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, item.ID, state.Project, item.Trigger, item.Lesson, item.Reinforcements,
			item.Source, item.Confidence, item.CreatedAt, item.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save lesson %s: %w", item.ID, err)
		}
	}

	// Evictions ride the same transaction as the pool rewrite, so a lesson
	// is never both gone from the pool and missing from the archive.
	for _, entry := range state.PendingArchive {
		_, err = tx.Exec(`
			INSERT INTO archive (project, lesson_id, trigger, lesson, reinforcements,
				source, confidence, created_at, updated_at, reason, archived_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, state.Project, entry.Lesson.ID, entry.Lesson.Trigger, entry.Lesson.Lesson,
			entry.Lesson.Reinforcements, entry.Lesson.Source, entry.Lesson.Confidence,
			entry.Lesson.CreatedAt, entry.Lesson.UpdatedAt,
			string(entry.Reason), entry.ArchivedAt)
		if err != nil {
			return fmt.Errorf("failed to archive lesson %s: %w", entry.Lesson.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit save: %w", err)
	}

	state.Revision = next
	state.PendingArchive = nil

	logging.Get(logging.CategoryStore).Debugf("saved %s at revision %d", state.Project, next)
	return nil
}

// =============================================================================
// ARCHIVE OPERATIONS
// =============================================================================

// SearchArchive returns archived lessons matching the query in archival
// order, paged by offset and limit. Implements memory.ArchiveSearcher.
func (s *Store) SearchArchive(project string, q types.ArchiveQuery, offset, limit int) ([]types.ArchiveEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, lesson_id, trigger, lesson, reinforcements, source, confidence,
			created_at, updated_at, reason, archived_at
		FROM archive WHERE project = ?`
	args := []interface{}{project}

	if q.Text != "" {
		query += ` AND (trigger LIKE ? OR lesson LIKE ?)`
		pattern := "%" + q.Text + "%"
		args = append(args, pattern, pattern)
	}
	if !q.From.IsZero() {
		query += ` AND archived_at >= ?`
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		query += ` AND archived_at <= ?`
		args = append(args, q.To)
	}

	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search archive: %w", err)
	}
	defer rows.Close()

	var entries []types.ArchiveEntry
	for rows.Next() {
		var entry types.ArchiveEntry
		var source sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Lesson.ID, &entry.Lesson.Trigger,
			&entry.Lesson.Lesson, &entry.Lesson.Reinforcements, &source,
			&entry.Lesson.Confidence, &entry.Lesson.CreatedAt, &entry.Lesson.UpdatedAt,
			&entry.Reason, &entry.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive entry: %w", err)
		}
		entry.Lesson.Source = source.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ArchiveCount returns the number of archived lessons for a project.
func (s *Store) ArchiveCount(project string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM archive WHERE project = ?`, project).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count archive: %w", err)
	}
	return count, nil
}

// =============================================================================
// TEST RESULT OPERATIONS
// =============================================================================

// RecordTestResult stores the outcome referenced by a verification.
func (s *Store) RecordTestResult(project, resultRef string, passed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO test_results (project, result_ref, passed, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project, result_ref) DO UPDATE SET
			passed = excluded.passed,
			recorded_at = excluded.recorded_at
	`, project, resultRef, passed, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record test result: %w", err)
	}
	return nil
}

// HasTestResult reports whether a result reference resolves to a recorded
// outcome.
func (s *Store) HasTestResult(project, resultRef string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM test_results WHERE project = ? AND result_ref = ?
	`, project, resultRef).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to look up test result: %w", err)
	}
	return count > 0, nil
}

// TestResult returns the recorded outcome for a result reference. found is
// false when nothing has been recorded under the reference.
func (s *Store) TestResult(project, resultRef string) (passed, found bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err = s.db.QueryRow(`
		SELECT passed FROM test_results WHERE project = ? AND result_ref = ?
	`, project, resultRef).Scan(&passed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to look up test result: %w", err)
	}
	return passed, true, nil
}
