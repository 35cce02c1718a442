// Package logging provides config-driven categorized file logging for nerdwf.
// Each category writes to its own file under <dataDir>/logs/, backed by zap.
// Logging is gated by debug_mode in the loaded Config - when false, loggers
// are no-ops so hot paths (phase loop, store writes) avoid I/O by default.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem; one file per category.
type Category string

const (
	CategoryOrchestrator  Category = "orchestrator"
	CategoryEngine        Category = "engine"
	CategoryRunner        Category = "runner"
	CategoryPolicy        Category = "policy"
	CategoryApproval      Category = "approval"
	CategoryStore         Category = "store"
	CategoryRetrieval     Category = "retrieval"
	CategoryConsolidation Category = "consolidation"
	CategoryHealth        Category = "health"
	CategoryScheduler     Category = "scheduler"
	CategoryRetention     Category = "retention"
	CategoryGuardrail     Category = "guardrail"
	CategoryExport        Category = "export"
	CategoryBoot          Category = "boot"
)

var allCategories = []Category{
	CategoryOrchestrator, CategoryEngine, CategoryRunner, CategoryPolicy,
	CategoryApproval, CategoryStore, CategoryRetrieval, CategoryConsolidation,
	CategoryHealth, CategoryScheduler, CategoryRetention, CategoryGuardrail,
	CategoryExport, CategoryBoot,
}

// Settings controls how loggers behave; mirrors config.LoggingConfig.
type Settings struct {
	DebugMode  bool
	Categories map[string]bool // empty/nil means all enabled when DebugMode is true
	JSONFormat bool
}

type state struct {
	mu       sync.RWMutex
	dataDir  string
	settings Settings
	loggers  map[Category]*Logger
}

var global = &state{loggers: make(map[Category]*Logger)}

// Initialize sets up the logging directory for dataDir and applies settings.
// Safe to call multiple times (e.g. on config reload).
func Initialize(dataDir string, settings Settings) error {
	global.mu.Lock()
	defer global.mu.Unlock()

	global.dataDir = dataDir
	global.settings = settings
	// Drop cached loggers so they're rebuilt against the new settings.
	for _, l := range global.loggers {
		l.sync()
	}
	global.loggers = make(map[Category]*Logger)

	if !settings.DebugMode {
		return nil
	}
	logsDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("create logs directory: %w", err)
	}
	return nil
}

// CloseAll flushes and closes every open category logger.
func CloseAll() {
	global.mu.Lock()
	defer global.mu.Unlock()
	for _, l := range global.loggers {
		l.sync()
	}
	global.loggers = make(map[Category]*Logger)
}

func categoryEnabled(settings Settings, category Category) bool {
	if !settings.DebugMode {
		return false
	}
	if len(settings.Categories) == 0 {
		return true
	}
	enabled, exists := settings.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Logger wraps a zap logger scoped to one category; nil-safe (no-op) when disabled.
type Logger struct {
	category Category
	zl       *zap.Logger
	file     *os.File
}

// Get returns (or lazily creates) the logger for category.
func Get(category Category) *Logger {
	global.mu.RLock()
	dataDir := global.dataDir
	settings := global.settings
	if l, ok := global.loggers[category]; ok {
		global.mu.RUnlock()
		return l
	}
	global.mu.RUnlock()

	if !categoryEnabled(settings, category) || dataDir == "" {
		return &Logger{category: category}
	}

	global.mu.Lock()
	defer global.mu.Unlock()
	if l, ok := global.loggers[category]; ok {
		return l
	}

	logsDir := filepath.Join(dataDir, "logs")
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", category, date))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: could not open %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if settings.JSONFormat {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(file), zapcore.DebugLevel)
	zl := zap.New(core).With(zap.String("category", string(category)))

	l := &Logger{category: category, zl: zl, file: file}
	global.loggers[category] = l
	return l
}

func (l *Logger) sync() {
	if l.zl != nil {
		_ = l.zl.Sync()
	}
	if l.file != nil {
		_ = l.file.Close()
	}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.log(zapcore.DebugLevel, format, args) }
func (l *Logger) Info(format string, args ...interface{})  { l.log(zapcore.InfoLevel, format, args) }
func (l *Logger) Warn(format string, args ...interface{})  { l.log(zapcore.WarnLevel, format, args) }
func (l *Logger) Error(format string, args ...interface{}) { l.log(zapcore.ErrorLevel, format, args) }

func (l *Logger) log(level zapcore.Level, format string, args []interface{}) {
	if l.zl == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case zapcore.DebugLevel:
		l.zl.Debug(msg)
	case zapcore.InfoLevel:
		l.zl.Info(msg)
	case zapcore.WarnLevel:
		l.zl.Warn(msg)
	default:
		l.zl.Error(msg)
	}
}

// Timer measures an operation's duration and logs it on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation under category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer, logging at debug level, and returns the elapsed duration.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if elapsed exceeds threshold, debug otherwise.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
