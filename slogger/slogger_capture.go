package slogger

import "sync"

// Entry is one captured log record.
type Entry struct {
	Level   string
	Message string
	Keys    []any
}

// CaptureLogger records log entries in memory. Intended for tests that
// assert on what a component logged.
type CaptureLogger struct {
	mu      sync.Mutex
	bound   []any
	entries *[]Entry
}

// NewCaptureLogger returns a new CaptureLogger instance
func NewCaptureLogger() *CaptureLogger {
	return &CaptureLogger{entries: &[]Entry{}}
}

// Entries returns a snapshot of the captured records.
func (l *CaptureLogger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), *l.entries...)
}

// Messages returns the captured messages for the given level, or all
// messages when level is empty.
func (l *CaptureLogger) Messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range *l.entries {
		if level == "" || e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

func (l *CaptureLogger) record(level, msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := append(append([]any(nil), l.bound...), keysAndValues...)
	*l.entries = append(*l.entries, Entry{Level: level, Message: msg, Keys: keys})
}

func (l *CaptureLogger) Debug(msg string, keysAndValues ...any) {
	l.record("debug", msg, keysAndValues...)
}

func (l *CaptureLogger) Info(msg string, keysAndValues ...any) {
	l.record("info", msg, keysAndValues...)
}

func (l *CaptureLogger) Warn(msg string, keysAndValues ...any) {
	l.record("warn", msg, keysAndValues...)
}

func (l *CaptureLogger) Error(msg string, keysAndValues ...any) {
	l.record("error", msg, keysAndValues...)
}

func (l *CaptureLogger) With(keysAndValues ...any) Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &CaptureLogger{
		bound:   append(append([]any(nil), l.bound...), keysAndValues...),
		entries: l.entries,
	}
}
