// Package logging provides categorized structured logging for pic4k.
// Each category gets a named zap logger; the printf-style helpers keep call
// sites short. Until Initialize is called every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup, flag parsing
	CategoryConfig   Category = "config"   // Config load/save, env overrides
	CategoryEdit     Category = "edit"     // Remote image edit API calls
	CategoryDownload Category = "download" // Result and weight downloads
	CategoryUpscale  Category = "upscale"  // Super-resolution subprocess
	CategoryPipeline Category = "pipeline" // Stage orchestration
	CategoryHistory  Category = "history"  // Run journal
	CategoryWatch    Category = "watch"    // Directory watcher
	CategoryModels   Category = "models"   // Weight catalogue
)

// Options configures the root logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console, json
	File   string // empty means stderr
}

// Logger is a category-scoped printf logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*Logger)
	sink    *os.File
)

// Initialize builds the root zap logger. It may be called again to
// reconfigure; cached category loggers are dropped.
func Initialize(opts Options) error {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "", "console", "text":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return fmt.Errorf("unknown log format %q", opts.Format)
	}

	var (
		ws   zapcore.WriteSyncer
		file *os.File
	)
	if opts.File != "" {
		file, err = os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		ws = zapcore.AddSync(file)
	} else {
		ws = zapcore.Lock(os.Stderr)
	}

	install(zap.New(zapcore.NewCore(encoder, ws, level)), file)
	return nil
}

// UseLogger installs an already-built zap logger. Tests use this with
// zaptest/observer cores.
func UseLogger(l *zap.Logger) {
	install(l, nil)
}

func install(l *zap.Logger, file *os.File) {
	mu.Lock()
	defer mu.Unlock()
	_ = root.Sync()
	if sink != nil {
		_ = sink.Close()
	}
	root = l
	sink = file
	loggers = make(map[Category]*Logger)
}

// ParseLevel maps a config level name to a zap level. Empty means warn.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zapcore.WarnLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.WarnLevel, fmt.Errorf("unknown log level %q", s)
}

// Root returns the root zap logger.
func Root() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Sync flushes buffered entries and closes the log file, if any.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = root.Sync()
	if sink != nil {
		_ = sink.Close()
		sink = nil
	}
}

// Get returns the logger for a category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := &Logger{
		category: category,
		sugar:    root.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

// With returns a child logger carrying structured fields (key/value pairs).
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }

func Config(format string, args ...interface{})     { Get(CategoryConfig).Info(format, args...) }
func ConfigWarn(format string, args ...interface{}) { Get(CategoryConfig).Warn(format, args...) }

func Edit(format string, args ...interface{})      { Get(CategoryEdit).Info(format, args...) }
func EditDebug(format string, args ...interface{}) { Get(CategoryEdit).Debug(format, args...) }
func EditError(format string, args ...interface{}) { Get(CategoryEdit).Error(format, args...) }

func Download(format string, args ...interface{})      { Get(CategoryDownload).Info(format, args...) }
func DownloadDebug(format string, args ...interface{}) { Get(CategoryDownload).Debug(format, args...) }
func DownloadWarn(format string, args ...interface{})  { Get(CategoryDownload).Warn(format, args...) }

func Upscale(format string, args ...interface{})      { Get(CategoryUpscale).Info(format, args...) }
func UpscaleDebug(format string, args ...interface{}) { Get(CategoryUpscale).Debug(format, args...) }
func UpscaleError(format string, args ...interface{}) { Get(CategoryUpscale).Error(format, args...) }

func Pipeline(format string, args ...interface{})      { Get(CategoryPipeline).Info(format, args...) }
func PipelineDebug(format string, args ...interface{}) { Get(CategoryPipeline).Debug(format, args...) }
func PipelineWarn(format string, args ...interface{})  { Get(CategoryPipeline).Warn(format, args...) }

func History(format string, args ...interface{})     { Get(CategoryHistory).Info(format, args...) }
func HistoryWarn(format string, args ...interface{}) { Get(CategoryHistory).Warn(format, args...) }

func Watch(format string, args ...interface{})      { Get(CategoryWatch).Info(format, args...) }
func WatchDebug(format string, args ...interface{}) { Get(CategoryWatch).Debug(format, args...) }
func WatchError(format string, args ...interface{}) { Get(CategoryWatch).Error(format, args...) }

func Models(format string, args ...interface{}) { Get(CategoryModels).Info(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures an operation's duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if the duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
