// Package log provides logging utilities for the allocation tracker.
package log

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"
)

// Logger implementations are able to log given messages that the tracker might
// output. The default logger adapts the standard library logger to this
// interface (see defaultLogger); RecordLogger, used in tests, implements it too.
type Logger interface {
	Log(msg string)
}

// Level specifies the logging level that the log package prints at.
type Level int

const (
	// LevelDebug represents debug level messages.
	LevelDebug Level = iota
	// LevelInfo represents informational messages.
	LevelInfo
	// LevelWarn represents warning and errors.
	LevelWarn
)

const prefixMsg = "go-alloctracker"

var (
	mu             sync.RWMutex // guards below fields
	levelThreshold = LevelWarn
	logger         Logger = &defaultLogger{l: log.New(os.Stderr, "", log.LstdFlags)}
)

// UseLogger sets l as the active logger.
func UseLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

// SetLevel sets the given lvl for logging.
func SetLevel(lvl Level) {
	mu.Lock()
	defer mu.Unlock()
	levelThreshold = lvl
}

// DebugEnabled reports whether debug-level logging is currently active.
func DebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return levelThreshold == LevelDebug
}

// Debug prints the given message if the level is LevelDebug.
func Debug(format string, a ...interface{}) {
	mu.RLock()
	lvl := levelThreshold
	mu.RUnlock()
	if lvl != LevelDebug {
		return
	}
	printMsg("DEBUG", format, a...)
}

// Info prints the given message if the level is LevelDebug or LevelInfo.
func Info(format string, a ...interface{}) {
	mu.RLock()
	lvl := levelThreshold
	mu.RUnlock()
	if lvl == LevelWarn {
		return
	}
	printMsg("INFO", format, a...)
}

// Warn prints a warning message.
func Warn(format string, a ...interface{}) {
	printMsg("WARN", format, a...)
}

var (
	errmu   sync.RWMutex                // guards below fields
	erragg  = map[string]*errorReport{} // aggregated errors
	errrate time.Duration               // the rate at which errors are reported
	erron   bool                        // true if errors are being aggregated
)

func init() {
	errrate = time.Minute
	if v, ok := os.LookupEnv("ALLOCTRACKER_LOGGING_RATE"); ok {
		setLoggingRate(v)
	}
}

func setLoggingRate(v string) {
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil || sec < 0 {
		Warn("invalid value for ALLOCTRACKER_LOGGING_RATE: %q", v)
		errrate = time.Minute
		return
	}
	errrate = time.Duration(sec) * time.Second
}

type errorReport struct {
	err   error
	count uint64
}

// defaultErrorLimit specifies the maximum number of errors gathered in a report.
const defaultErrorLimit = 50

// Error aggregates errors under the given key. The aggregated errors are printed
// once per errrate (immediately when errrate is zero), so a burst of identical failures on the allocation hot path
// (e.g. repeated ring buffer commit failures) produces one log line, not one per
// event.
func Error(key, format string, a ...interface{}) {
	if reachedLimit(key) {
		return
	}
	errmu.Lock()
	defer errmu.Unlock()
	report, ok := erragg[key]
	if !ok {
		erragg[key] = &errorReport{err: fmt.Errorf(format, a...)}
		report = erragg[key]
	}
	report.count++
	if errrate == 0 {
		flushLocked()
		return
	}
	if !erron {
		erron = true
		time.AfterFunc(errrate, Flush)
	}
}

// reachedLimit reports whether the maximum count has been reached for this key.
func reachedLimit(key string) bool {
	errmu.RLock()
	e, ok := erragg[key]
	errmu.RUnlock()
	return ok && e.count > defaultErrorLimit
}

// Flush flushes and resets all aggregated errors to the logger.
func Flush() {
	errmu.Lock()
	defer errmu.Unlock()
	flushLocked()
}

// flushLocked is Flush for callers that already hold errmu.
func flushLocked() {
	for _, report := range erragg {
		msg := fmt.Sprintf("%v", report.err)
		if report.count > defaultErrorLimit {
			msg += fmt.Sprintf(", %d+ additional messages skipped", defaultErrorLimit)
		} else if report.count > 1 {
			msg += fmt.Sprintf(", %d additional messages skipped", report.count-1)
		}
		printMsg("ERROR", msg)
	}
	for k := range erragg {
		delete(erragg, k)
	}
	erron = false
}

func printMsg(lvl, format string, a ...interface{}) {
	msg := fmt.Sprintf("%s %s: %s", prefixMsg, lvl, fmt.Sprintf(format, a...))
	mu.RLock()
	logger.Log(msg)
	mu.RUnlock()
}

type defaultLogger struct{ l *log.Logger }

func (p *defaultLogger) Log(msg string) { p.l.Print(msg) }

// DiscardLogger drops every message it receives. Useful in benchmarks and in
// hosts that want the tracker fully silent.
type DiscardLogger struct{}

// Log implements Logger.
func (DiscardLogger) Log(string) {}

// RecordLogger is a Logger that records messages in memory, for use in tests.
// Lines whose text contains one of the ignored substrings are dropped, the way
// a host might want to filter out a noisy subsystem while still observing the
// rest.
type RecordLogger struct {
	mu      sync.Mutex
	lines   []string
	ignored []string
}

// Log implements Logger.
func (r *RecordLogger) Log(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.ignored {
		if containsSubstring(msg, s) {
			return
		}
	}
	r.lines = append(r.lines, msg)
}

// Ignore causes future Log calls containing the given substring to be dropped.
func (r *RecordLogger) Ignore(substr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ignored = append(r.ignored, substr)
}

// Logs returns the messages recorded so far.
func (r *RecordLogger) Logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// Reset clears recorded messages and ignore rules.
func (r *RecordLogger) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
	r.ignored = nil
}

func containsSubstring(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// LoggerFile is the filename used by OpenFileAtPath.
const LoggerFile = "alloctracker.log"

// FileLogger is a Logger that writes to a file on disk, closing it exactly
// once even under concurrent Close calls.
type FileLogger struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// OpenFileAtPath creates (or truncates) LoggerFile inside dir and returns a
// FileLogger writing to it.
func OpenFileAtPath(dir string) (*FileLogger, error) {
	f, err := os.Create(dir + "/" + LoggerFile)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: f}, nil
}

// Log implements Logger.
func (f *FileLogger) Log(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	fmt.Fprintln(f.file, msg)
}

// Close closes the underlying file. Safe to call more than once concurrently.
func (f *FileLogger) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.file.Close()
}
