package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, Dir), 0755))
	require.NoError(t, DefaultConfig().Save(ws))

	var mu sync.Mutex
	var got *Config
	reloaded := make(chan struct{}, 1)

	w, err := NewWatcher(ws, func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	cfg := DefaultConfig()
	cfg.Memory.EntropyHighWater = 99
	cfg.Memory.EntropyLowWater = 50
	require.NoError(t, cfg.Save(ws))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	require.Equal(t, 99, got.Memory.EntropyHighWater)
}

func TestWatcher_BurstWriteAppliesSettledConfig(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, Dir), 0755))
	require.NoError(t, DefaultConfig().Save(ws))

	var mu sync.Mutex
	var got *Config
	reloaded := make(chan struct{}, 1)

	w, err := NewWatcher(ws, func(cfg *Config) {
		mu.Lock()
		got = cfg
		mu.Unlock()
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Editors save as a burst: a truncated partial write first, then the
	// settled content shortly after. The settled values must win.
	require.NoError(t, os.WriteFile(Path(ws), []byte("memory: ["), 0644))
	time.Sleep(100 * time.Millisecond)

	cfg := DefaultConfig()
	cfg.Memory.EntropyHighWater = 99
	cfg.Memory.EntropyLowWater = 50
	require.NoError(t, cfg.Save(ws))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for settled config to apply")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	require.Equal(t, 99, got.Memory.EntropyHighWater)
	require.Equal(t, 50, got.Memory.EntropyLowWater)
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, Dir), 0755))
	require.NoError(t, DefaultConfig().Save(ws))

	reloaded := make(chan struct{}, 1)
	w, err := NewWatcher(ws, func(cfg *Config) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	other := filepath.Join(ws, Dir, "scratch.txt")
	require.NoError(t, os.WriteFile(other, []byte("noise"), 0644))

	select {
	case <-reloaded:
		t.Fatal("unrelated file should not trigger reload")
	case <-time.After(750 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, Dir), 0755))

	w, err := NewWatcher(ws, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
