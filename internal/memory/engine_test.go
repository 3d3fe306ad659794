package memory

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gearbox/internal/config"
	"gearbox/internal/types"
)

func testMemoryConfig() config.MemoryConfig {
	return config.MemoryConfig{
		ConsolidationThreshold: 0.8,
		EntropyHighWater:       5,
		EntropyLowWater:        3,
		EntropyMetric:          config.MetricItemCount,
	}
}

func testClock() func() time.Time {
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestAdmitAssignsIdentity(t *testing.T) {
	t.Parallel()

	e := NewEngine(testMemoryConfig(), WithClock(testClock()))
	state := types.NewWorkingState("demo")

	got := e.Admit(state, types.LessonItem{Trigger: "build fails", Lesson: "run tidy"})
	require.NotEmpty(t, got.ID)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Len(t, state.Lessons, 1)
}

func TestAdmitIsIdempotent(t *testing.T) {
	t.Parallel()

	e := NewEngine(testMemoryConfig(), WithClock(testClock()))
	state := types.NewWorkingState("demo")

	first := e.Admit(state, types.LessonItem{Trigger: "build fails", Lesson: "run tidy first"})
	second := e.Admit(state, types.LessonItem{Trigger: "build fails", Lesson: "run tidy first"})

	require.Len(t, state.Lessons, 1, "identical lesson must merge, not duplicate")
	assert.Equal(t, first.ID, second.ID)
}

func TestAdmitKeepsDistinctLessons(t *testing.T) {
	t.Parallel()

	e := NewEngine(testMemoryConfig(), WithClock(testClock()))
	state := types.NewWorkingState("demo")

	e.Admit(state, types.LessonItem{Trigger: "build fails", Lesson: "run tidy"})
	e.Admit(state, types.LessonItem{Trigger: "network timeout", Lesson: "retry with backoff"})

	assert.Len(t, state.Lessons, 2)
}

func TestAdmitMergeSumsReinforcements(t *testing.T) {
	t.Parallel()

	e := NewEngine(testMemoryConfig(), WithClock(testClock()))
	state := types.NewWorkingState("demo")

	e.Admit(state, types.LessonItem{Trigger: "build fails", Lesson: "run tidy first", Reinforcements: 3})
	merged := e.Admit(state, types.LessonItem{Trigger: "build fails", Lesson: "run tidy first", Reinforcements: 2})

	require.Len(t, state.Lessons, 1)
	assert.Equal(t, 5, merged.Reinforcements, "reinforcement counts must sum exactly on merge")
}

func TestAdmitMergeKeepsEarliestCreation(t *testing.T) {
	t.Parallel()

	e := NewEngine(testMemoryConfig(), WithClock(testClock()))
	state := types.NewWorkingState("demo")

	old := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e.Admit(state, types.LessonItem{Trigger: "build fails", Lesson: "run tidy first"})
	merged := e.Admit(state, types.LessonItem{
		Trigger:   "build fails",
		Lesson:    "run tidy first",
		CreatedAt: old,
		UpdatedAt: old,
	})

	assert.True(t, merged.CreatedAt.Equal(old), "earliest creation time wins")
	assert.True(t, merged.UpdatedAt.After(old), "merge refreshes the update time")
}

func TestAdmitMergeConcatenatesNewDetail(t *testing.T) {
	t.Parallel()

	cfg := testMemoryConfig()
	cfg.ConsolidationThreshold = 0.5
	e := NewEngine(cfg, WithClock(testClock()))
	state := types.NewWorkingState("demo")

	e.Admit(state, types.LessonItem{Trigger: "build fails on linux", Lesson: "check cgo flags first"})
	merged := e.Admit(state, types.LessonItem{Trigger: "build fails on linux", Lesson: "check cgo flags first and CC env"})

	require.Len(t, state.Lessons, 1)
	assert.Contains(t, merged.Lesson, "CC env")
}

func TestAdmitMergeSkipsRedundantDetail(t *testing.T) {
	t.Parallel()

	e := NewEngine(testMemoryConfig(), WithClock(testClock()))
	state := types.NewWorkingState("demo")

	e.Admit(state, types.LessonItem{Trigger: "build fails", Lesson: "Run Tidy First"})
	merged := e.Admit(state, types.LessonItem{Trigger: "build fails", Lesson: "run tidy first"})

	assert.Equal(t, "Run Tidy First", merged.Lesson, "substring-present detail must not be appended")
}

func TestReinforce(t *testing.T) {
	t.Parallel()

	e := NewEngine(testMemoryConfig(), WithClock(testClock()))
	state := types.NewWorkingState("demo")
	item := e.Admit(state, types.LessonItem{Trigger: "build fails", Lesson: "run tidy"})

	require.NoError(t, e.Reinforce(state, item.ID))
	require.NoError(t, e.Reinforce(state, item.ID))
	assert.Equal(t, 2, state.LessonByID(item.ID).Reinforcements)
}

func TestReinforceUnknownID(t *testing.T) {
	t.Parallel()

	e := NewEngine(testMemoryConfig())
	state := types.NewWorkingState("demo")

	err := e.Reinforce(state, "nope")
	assert.ErrorIs(t, err, ErrLessonNotFound)
}

func TestCheckEntropyItemCount(t *testing.T) {
	t.Parallel()

	e := NewEngine(testMemoryConfig())
	state := types.NewWorkingState("demo")
	for i := 0; i < 4; i++ {
		state.Lessons = append(state.Lessons, types.LessonItem{ID: fmt.Sprintf("l%d", i)})
	}

	report := e.CheckEntropy(state)
	assert.Equal(t, 4, report.Value)
	assert.False(t, report.Breached)

	state.Lessons = append(state.Lessons, types.LessonItem{ID: "l4"})
	report = e.CheckEntropy(state)
	assert.Equal(t, 5, report.Value)
	assert.True(t, report.Breached, "reaching the high water is a breach")
}

func TestCheckEntropyContentBytes(t *testing.T) {
	t.Parallel()

	cfg := testMemoryConfig()
	cfg.EntropyMetric = config.MetricContentBytes
	cfg.EntropyHighWater = 20
	cfg.EntropyLowWater = 10
	e := NewEngine(cfg)

	state := types.NewWorkingState("demo")
	state.Lessons = []types.LessonItem{
		{ID: "a", Trigger: "12345", Lesson: "12345"},      // 10 bytes
		{ID: "b", Trigger: "1234567890", Lesson: "12345"}, // 15 bytes
	}

	report := e.CheckEntropy(state)
	assert.Equal(t, 25, report.Value)
	assert.True(t, report.Breached)
}

func TestPruneIfNeededBelowThresholdIsNoop(t *testing.T) {
	t.Parallel()

	e := NewEngine(testMemoryConfig())
	state := types.NewWorkingState("demo")
	state.Lessons = []types.LessonItem{{ID: "a"}, {ID: "b"}}

	assert.Nil(t, e.PruneIfNeeded(state))
	assert.Len(t, state.Lessons, 2)
	assert.Empty(t, state.PendingArchive)
}

// The canonical drain: high water 5, low water 3, five lessons with
// reinforcement counts 0,0,0,3,5. The two lowest-value zero-count lessons
// leave; the survivor set is pool size 3 and both evictees are staged for
// the archive.
func TestPruneIfNeededDrainsToLowWater(t *testing.T) {
	t.Parallel()

	e := NewEngine(testMemoryConfig(), WithClock(testClock()))
	state := types.NewWorkingState("demo")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	counts := []int{0, 0, 0, 3, 5}
	for i, c := range counts {
		state.Lessons = append(state.Lessons, types.LessonItem{
			ID:             fmt.Sprintf("l%d", i),
			Trigger:        fmt.Sprintf("trigger %d", i),
			Lesson:         fmt.Sprintf("lesson %d", i),
			Reinforcements: c,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
	}

	evicted := e.PruneIfNeeded(state)

	require.Len(t, evicted, 2)
	assert.Equal(t, "l0", evicted[0].Lesson.ID, "oldest unreinforced lesson leaves first")
	assert.Equal(t, "l1", evicted[1].Lesson.ID)
	for _, entry := range evicted {
		assert.Equal(t, types.PruneEntropyThreshold, entry.Reason)
		assert.False(t, entry.ArchivedAt.IsZero())
	}

	require.Len(t, state.Lessons, 3)
	assert.NotNil(t, state.LessonByID("l2"))
	assert.NotNil(t, state.LessonByID("l3"))
	assert.NotNil(t, state.LessonByID("l4"))
	assert.Len(t, state.PendingArchive, 2, "evictions must be staged for the archive transaction")
}

// Hysteresis: once drained to the low water, adding a single lesson does not
// immediately trigger another prune.
func TestPruneIfNeededDoesNotThrash(t *testing.T) {
	t.Parallel()

	e := NewEngine(testMemoryConfig(), WithClock(testClock()))
	state := types.NewWorkingState("demo")
	for i := 0; i < 5; i++ {
		state.Lessons = append(state.Lessons, types.LessonItem{ID: fmt.Sprintf("l%d", i)})
	}

	require.Len(t, e.PruneIfNeeded(state), 2)
	require.Len(t, state.Lessons, 3)

	e.Admit(state, types.LessonItem{Trigger: "fresh", Lesson: "different entirely"})
	assert.Nil(t, e.PruneIfNeeded(state), "one admission above low water must not re-trigger pruning")
	assert.Len(t, state.Lessons, 4)
}

// Every evicted lesson appears in the returned archive entries, content
// intact. Nothing is dropped silently.
func TestPruneArchiveCompleteness(t *testing.T) {
	t.Parallel()

	cfg := testMemoryConfig()
	cfg.EntropyHighWater = 4
	cfg.EntropyLowWater = 1
	e := NewEngine(cfg, WithClock(testClock()))
	state := types.NewWorkingState("demo")

	before := map[string]types.LessonItem{}
	for i := 0; i < 4; i++ {
		item := types.LessonItem{
			ID:      fmt.Sprintf("l%d", i),
			Trigger: fmt.Sprintf("trigger %d", i),
			Lesson:  fmt.Sprintf("lesson %d", i),
		}
		state.Lessons = append(state.Lessons, item)
		before[item.ID] = item
	}

	evicted := e.PruneIfNeeded(state)
	require.Len(t, evicted, 3)

	seen := map[string]bool{}
	for _, entry := range evicted {
		orig, ok := before[entry.Lesson.ID]
		require.True(t, ok, "evicted an unknown lesson %s", entry.Lesson.ID)
		assert.Equal(t, orig.Trigger, entry.Lesson.Trigger)
		assert.Equal(t, orig.Lesson, entry.Lesson.Lesson)
		seen[entry.Lesson.ID] = true
	}
	assert.Len(t, seen, 3)
	assert.Len(t, state.Lessons, 1)
}

func TestPruneContentBytesMetric(t *testing.T) {
	t.Parallel()

	cfg := testMemoryConfig()
	cfg.EntropyMetric = config.MetricContentBytes
	cfg.EntropyHighWater = 30
	cfg.EntropyLowWater = 15
	e := NewEngine(cfg, WithClock(testClock()))

	state := types.NewWorkingState("demo")
	state.Lessons = []types.LessonItem{
		{ID: "a", Trigger: "aaaaa", Lesson: "aaaaa", Reinforcements: 0}, // 10 bytes
		{ID: "b", Trigger: "bbbbb", Lesson: "bbbbb", Reinforcements: 1}, // 10 bytes
		{ID: "c", Trigger: "ccccc", Lesson: "ccccc", Reinforcements: 2}, // 10 bytes
	}

	evicted := e.PruneIfNeeded(state)
	require.Len(t, evicted, 2, "must evict until byte total is at or below low water")
	assert.Equal(t, "a", evicted[0].Lesson.ID)
	assert.Equal(t, "b", evicted[1].Lesson.ID)
	assert.Equal(t, 10, e.CheckEntropy(state).Value)
}
