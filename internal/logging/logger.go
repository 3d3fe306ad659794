// Package logging provides config-driven categorized file logging for
// gearbox. Logs are written to .gearbox/logs/ with one file per category and
// only when debug mode is enabled; in production the loggers are no-ops.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot    Category = "boot"    // Startup and initialization
	CategoryGears   Category = "gears"   // Gear transitions and decisions
	CategoryGate    Category = "gate"    // Quality gate evaluations
	CategoryMemory  Category = "memory"  // Lesson pool, consolidation, pruning
	CategoryStore   Category = "store"   // State store operations
	CategorySession Category = "session" // Turn orchestration
	CategoryConfig  Category = "config"  // Config loading and reloads
)

// Options mirrors config.LoggingConfig to avoid a circular import.
type Options struct {
	DebugMode  bool
	Level      string
	Categories map[string]bool
}

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*zap.SugaredLogger)
	opts    Options
	logsDir string
	ready   bool
	nop     = zap.NewNop().Sugar()
)

// Initialize sets up the logging directory. Call once at startup with the
// workspace path. A no-op when debug mode is disabled.
func Initialize(workspace string, o Options) error {
	mu.Lock()
	defer mu.Unlock()

	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	opts = o
	logsDir = filepath.Join(workspace, ".gearbox", "logs")
	loggers = make(map[Category]*zap.SugaredLogger)

	if !opts.DebugMode {
		ready = false
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	ready = true

	boot := getLocked(CategoryBoot)
	boot.Infof("=== gearbox logging initialized ===")
	boot.Infof("logs directory: %s", logsDir)
	boot.Infof("level: %s", opts.Level)
	return nil
}

// Get returns the logger for a category. Disabled categories (and all
// categories in production mode) get a no-op logger.
func Get(category Category) *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return getLocked(category)
}

func getLocked(category Category) *zap.SugaredLogger {
	if !ready {
		return nop
	}
	if len(opts.Categories) > 0 {
		if enabled, ok := opts.Categories[string(category)]; ok && !enabled {
			return nop
		}
	}
	if lg, ok := loggers[category]; ok {
		return lg
	}

	path := filepath.Join(logsDir, fmt.Sprintf("%s.log", category))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] cannot open %s: %v\n", path, err)
		return nop
	}

	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(file), level)
	lg := zap.New(core).Named(string(category)).Sugar()
	loggers[category] = lg
	return lg
}

// IsDebugMode reports whether debug logging is enabled.
func IsDebugMode() bool {
	mu.RLock()
	defer mu.RUnlock()
	return ready
}

// Sync flushes all category loggers.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, lg := range loggers {
		_ = lg.Sync()
	}
}
