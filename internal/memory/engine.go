// Package memory maintains the bounded lesson pool: deduplication by
// construction on admit, reinforcement, an entropy metric with two-threshold
// hysteresis, and threshold-triggered pruning into the append-only archive.
// Bounded memory applies strictly to the working pool; the archive is
// unbounded by design and everything pruned stays retrievable through search.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"gearbox/internal/config"
	"gearbox/internal/logging"
	"gearbox/internal/types"
)

// ErrLessonNotFound reports a reinforcement against an unknown lesson ID.
var ErrLessonNotFound = errors.New("lesson not found")

// EntropyReport describes the pool against its thresholds.
type EntropyReport struct {
	Metric    config.EntropyMetric `json:"metric"`
	Value     int                  `json:"value"`
	HighWater int                  `json:"high_water"`
	LowWater  int                  `json:"low_water"`
	Breached  bool                 `json:"breached"`
}

// Engine operates on the lesson pool inside a working state. It owns no
// state of its own; every method is a synchronous, total function over the
// working copy passed in.
type Engine struct {
	cfg        config.MemoryConfig
	similarity Similarity
	now        func() time.Time
	newID      func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithSimilarity replaces the default token-overlap similarity policy.
func WithSimilarity(fn Similarity) Option {
	return func(e *Engine) { e.similarity = fn }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine with the given thresholds.
func NewEngine(cfg config.MemoryConfig, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		similarity: TokenOverlap,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetConfig swaps thresholds at runtime (config reload).
func (e *Engine) SetConfig(cfg config.MemoryConfig) {
	e.cfg = cfg
}

// Admit inserts a lesson candidate, or merges it into the most similar
// existing lesson when similarity reaches the consolidation threshold. This
// is deduplication by construction, not a cleanup pass. Returns the
// resulting pool item.
func (e *Engine) Admit(state *types.WorkingState, candidate types.LessonItem) types.LessonItem {
	log := logging.Get(logging.CategoryMemory)

	now := e.now()
	if candidate.ID == "" {
		candidate.ID = e.newID()
	}
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = now
	}
	if candidate.UpdatedAt.IsZero() {
		candidate.UpdatedAt = now
	}

	best := -1
	bestScore := 0.0
	for i := range state.Lessons {
		score := e.similarity(state.Lessons[i], candidate)
		if score > bestScore {
			best = i
			bestScore = score
		}
	}

	if best >= 0 && bestScore >= e.cfg.ConsolidationThreshold {
		merged := e.merge(&state.Lessons[best], candidate, now)
		log.Infof("consolidated lesson %s into %s (similarity %.2f)", candidate.ID, merged.ID, bestScore)
		return merged
	}

	state.Lessons = append(state.Lessons, candidate)
	log.Debugf("admitted lesson %s (pool size %d)", candidate.ID, len(state.Lessons))
	return candidate
}

// merge folds a candidate into an existing item: earliest creation time
// wins, reinforcement counts sum, and distinguishing detail is concatenated
// when not already substring-present.
func (e *Engine) merge(existing *types.LessonItem, candidate types.LessonItem, now time.Time) types.LessonItem {
	if candidate.CreatedAt.Before(existing.CreatedAt) {
		existing.CreatedAt = candidate.CreatedAt
	}
	existing.Reinforcements += candidate.Reinforcements
	if candidate.Lesson != "" &&
		!strings.Contains(strings.ToLower(existing.Lesson), strings.ToLower(candidate.Lesson)) {
		existing.Lesson = existing.Lesson + "; " + candidate.Lesson
	}
	if candidate.Confidence > existing.Confidence {
		existing.Confidence = candidate.Confidence
	}
	existing.UpdatedAt = now
	return *existing
}

// Reinforce records that a lesson proved useful again: count bumped,
// timestamp refreshed.
func (e *Engine) Reinforce(state *types.WorkingState, id string) error {
	item := state.LessonByID(id)
	if item == nil {
		return fmt.Errorf("%w: %s", ErrLessonNotFound, id)
	}
	item.Reinforcements++
	item.UpdatedAt = e.now()
	logging.Get(logging.CategoryMemory).Debugf("reinforced lesson %s (count %d)", id, item.Reinforcements)
	return nil
}

// CheckEntropy measures the pool against the configured thresholds.
func (e *Engine) CheckEntropy(state *types.WorkingState) EntropyReport {
	value := e.entropyValue(state.Lessons)
	return EntropyReport{
		Metric:    e.cfg.EntropyMetric,
		Value:     value,
		HighWater: e.cfg.EntropyHighWater,
		LowWater:  e.cfg.EntropyLowWater,
		Breached:  value >= e.cfg.EntropyHighWater,
	}
}

func (e *Engine) entropyValue(pool []types.LessonItem) int {
	switch e.cfg.EntropyMetric {
	case config.MetricContentBytes:
		total := 0
		for i := range pool {
			total += len(pool[i].Trigger) + len(pool[i].Lesson)
		}
		return total
	default:
		return len(pool)
	}
}

// PruneIfNeeded evicts lowest-value lessons into the archive when the
// high-water threshold is breached, draining the pool to the low-water
// target. Eviction is the engine's only destructive operation on the pool
// and is never destructive on the archive: every evicted lesson is staged on
// state.PendingArchive so the store appends and removes in one transaction.
func (e *Engine) PruneIfNeeded(state *types.WorkingState) []types.ArchiveEntry {
	report := e.CheckEntropy(state)
	if !report.Breached {
		return nil
	}

	log := logging.Get(logging.CategoryMemory)
	log.Infof("entropy %d breached high water %d, pruning to %d",
		report.Value, report.HighWater, report.LowWater)

	// Ascending value: unreinforced and old goes first. Ties break on ID
	// so eviction order is deterministic.
	pool := make([]types.LessonItem, len(state.Lessons))
	copy(pool, state.Lessons)
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Reinforcements != pool[j].Reinforcements {
			return pool[i].Reinforcements < pool[j].Reinforcements
		}
		if !pool[i].UpdatedAt.Equal(pool[j].UpdatedAt) {
			return pool[i].UpdatedAt.Before(pool[j].UpdatedAt)
		}
		return pool[i].ID < pool[j].ID
	})

	now := e.now()
	var entries []types.ArchiveEntry
	evicted := make(map[string]bool)

	for _, item := range pool {
		if e.entropyValue(remaining(state.Lessons, evicted)) <= e.cfg.EntropyLowWater {
			break
		}
		evicted[item.ID] = true
		entries = append(entries, types.ArchiveEntry{
			Lesson:     item,
			Reason:     types.PruneEntropyThreshold,
			ArchivedAt: now,
		})
		log.Infof("evicting lesson %s (reinforcements %d)", item.ID, item.Reinforcements)
	}

	state.Lessons = remaining(state.Lessons, evicted)
	state.PendingArchive = append(state.PendingArchive, entries...)
	return entries
}

// remaining filters the pool preserving admission order.
func remaining(pool []types.LessonItem, evicted map[string]bool) []types.LessonItem {
	if len(evicted) == 0 {
		return pool
	}
	out := make([]types.LessonItem, 0, len(pool))
	for _, item := range pool {
		if !evicted[item.ID] {
			out = append(out, item)
		}
	}
	return out
}
