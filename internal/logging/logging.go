// Package logging provides a category-based logger for the build and query
// pipelines. Output goes to stderr by default and can be redirected to a
// per-process log file. The CLI layer uses zap; this logger serves the
// pipeline internals that need cheap leveled, categorized output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Category identifies a pipeline subsystem.
type Category string

const (
	CategoryBuild  Category = "BUILD"
	CategorySignal Category = "SIGNAL"
	CategoryThread Category = "THREAD"
	CategoryAgent  Category = "AGENT"
	CategoryStore  Category = "STORE"
	CategoryLLM    Category = "LLM"
)

// Level controls verbosity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu      sync.RWMutex
	level   = LevelInfo
	out     io.Writer = os.Stderr
	file    *os.File
	loggers = map[Category]*Logger{}
)

// Logger writes leveled messages for one category.
type Logger struct {
	cat Category
}

// Init configures the global level and, when dir is non-empty, redirects
// output to an append-only file under dir.
func Init(dir, levelName string) error {
	mu.Lock()
	defer mu.Unlock()

	level = parseLevel(levelName)

	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "narrarc.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if file != nil {
		file.Close()
	}
	file = f
	out = f
	return nil
}

// Close releases the log file if one is open.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
		out = os.Stderr
	}
}

func parseLevel(name string) Level {
	switch strings.ToLower(name) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Get returns the logger for a category.
func Get(cat Category) *Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := &Logger{cat: cat}
	loggers[cat] = l
	return l
}

func (l *Logger) write(lv Level, tag, format string, args ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	if lv < level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(out, "%s [%s] %-6s %s\n", time.Now().Format("2006-01-02 15:04:05.000"), tag, l.cat, msg)
}

func (l *Logger) Debug(format string, args ...interface{}) { l.write(LevelDebug, "DEBUG", format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.write(LevelInfo, "INFO", format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.write(LevelWarn, "WARN", format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.write(LevelError, "ERROR", format, args...) }

// Convenience helpers for the hot categories.

func Build(format string, args ...interface{})       { Get(CategoryBuild).Info(format, args...) }
func BuildDebug(format string, args ...interface{})  { Get(CategoryBuild).Debug(format, args...) }
func Signal(format string, args ...interface{})      { Get(CategorySignal).Info(format, args...) }
func SignalDebug(format string, args ...interface{}) { Get(CategorySignal).Debug(format, args...) }
func Thread(format string, args ...interface{})      { Get(CategoryThread).Info(format, args...) }
func ThreadDebug(format string, args ...interface{}) { Get(CategoryThread).Debug(format, args...) }
func Agent(format string, args ...interface{})       { Get(CategoryAgent).Info(format, args...) }
func AgentDebug(format string, args ...interface{})  { Get(CategoryAgent).Debug(format, args...) }
func StoreDebug(format string, args ...interface{})  { Get(CategoryStore).Debug(format, args...) }
func LLMDebug(format string, args ...interface{})    { Get(CategoryLLM).Debug(format, args...) }

// Timer measures one named operation.
type Timer struct {
	cat   Category
	op    string
	start time.Time
}

// StartTimer begins timing an operation; Stop logs the elapsed time at
// debug level.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{cat: cat, op: op, start: time.Now()}
}

// Stop logs the operation duration.
func (t *Timer) Stop() {
	Get(t.cat).Debug("%s completed in %v", t.op, time.Since(t.start))
}
