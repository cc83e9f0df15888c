// Package errors holds the build failure types shared by the cache, the
// compiler and the HTTP layer, plus the HTML overlay used to show them.
package errors

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// BuildError is a single diagnostic line reported by a compiler.
type BuildError struct {
	File      string        `json:"file"`
	Line      int           `json:"line,omitempty"`
	Column    int           `json:"column,omitempty"`
	Message   string        `json:"message"`
	Severity  ErrorSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`
}

// ErrorSeverity represents the severity of an error
type ErrorSeverity int

const (
	ErrorSeverityInfo ErrorSeverity = iota
	ErrorSeverityWarning
	ErrorSeverityError
)

// String returns the string representation of the severity
func (s ErrorSeverity) String() string {
	switch s {
	case ErrorSeverityInfo:
		return "info"
	case ErrorSeverityWarning:
		return "warning"
	case ErrorSeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText renders the severity by name in JSON output.
func (s ErrorSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Error implements the error interface
func (be *BuildError) Error() string {
	if be.File == "" {
		return fmt.Sprintf("%s: %s", be.Severity, be.Message)
	}
	if be.Line == 0 {
		return fmt.Sprintf("%s: %s: %s", be.File, be.Severity, be.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s: %s", be.File, be.Line, be.Column, be.Severity, be.Message)
}

// CompileError is returned when the compiler reports failure for an entry.
// Nothing is cached for a failed compile.
type CompileError struct {
	Entry string
	Logs  []BuildError
	Cause error
}

// NewCompileError builds a CompileError for entry from compiler logs.
func NewCompileError(entry string, logs []BuildError, cause error) *CompileError {
	return &CompileError{Entry: entry, Logs: logs, Cause: cause}
}

func (ce *CompileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compile %s failed", ce.Entry)
	if ce.Cause != nil {
		fmt.Fprintf(&b, ": %v", ce.Cause)
	}
	for i := range ce.Logs {
		if ce.Logs[i].Severity < ErrorSeverityError {
			continue
		}
		b.WriteString("\n  ")
		b.WriteString(ce.Logs[i].Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any.
func (ce *CompileError) Unwrap() error {
	return ce.Cause
}

// ErrorCollector keeps the most recent build errors per entry so failures
// without a synchronous caller (watcher rebuilds) can still be inspected.
type ErrorCollector struct {
	byEntry map[string][]BuildError
	mutex   sync.RWMutex
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{byEntry: make(map[string][]BuildError)}
}

// Record replaces the errors stored for an entry. A nil slice clears it.
func (ec *ErrorCollector) Record(entry string, errs []BuildError) {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	if len(errs) == 0 {
		delete(ec.byEntry, entry)
		return
	}
	now := time.Now()
	stored := make([]BuildError, len(errs))
	for i, e := range errs {
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		stored[i] = e
	}
	ec.byEntry[entry] = stored
}

// Get returns a copy of the errors recorded for entry.
func (ec *ErrorCollector) Get(entry string) []BuildError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	errs := ec.byEntry[entry]
	out := make([]BuildError, len(errs))
	copy(out, errs)
	return out
}

// All returns a snapshot of every recorded entry.
func (ec *ErrorCollector) All() map[string][]BuildError {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	out := make(map[string][]BuildError, len(ec.byEntry))
	for entry, errs := range ec.byEntry {
		cp := make([]BuildError, len(errs))
		copy(cp, errs)
		out[entry] = cp
	}
	return out
}

// HasErrors returns true if there are any errors
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	return len(ec.byEntry) > 0
}

// Clear clears all errors
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.byEntry = make(map[string][]BuildError)
}
