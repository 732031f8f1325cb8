// Package retry provides the error taxonomy shared across the pipeline
// and the backoff loop wrapped around destination writes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// Category classifies a failure for routing: retry, DLQ, quarantine or
// process exit.
type Category uint8

const (
	// CategoryTransient failures are retried with backoff up to the
	// attempt cap.
	CategoryTransient Category = iota
	// CategoryTerminal failures go to the DLQ without further attempts.
	CategoryTerminal
	// CategorySchemaIncompatible marks events a destination cannot
	// represent under the current schema. Routed to the DLQ.
	CategorySchemaIncompatible
	// CategoryQuarantine marks per-table latched failures (DDL could not
	// be applied); writes stay blocked until an operator clears it.
	CategoryQuarantine
	// CategoryFatal failures break delivery invariants (DLQ or offset
	// write failed); the process must exit.
	CategoryFatal
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "Transient"
	case CategoryTerminal:
		return "Terminal"
	case CategorySchemaIncompatible:
		return "SchemaIncompatible"
	case CategoryQuarantine:
		return "Quarantine"
	case CategoryFatal:
		return "Fatal"
	default:
		return fmt.Sprintf("Category(%d)", c)
	}
}

// Error attaches a category to an underlying error.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with a category. Returns nil for a nil err.
func Wrap(category Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Err: err}
}

// Wrapf tags a formatted error with a category.
func Wrapf(category Category, format string, args ...interface{}) error {
	return &Error{Category: category, Err: fmt.Errorf(format, args...)}
}

// Classify returns the category of err. Explicitly tagged errors keep
// their tag; recognizable infrastructure failures are Transient;
// permission and constraint failures are Terminal. Unknown errors
// default to Transient so the attempt cap, not a guess, decides their
// fate.
func Classify(err error) Category {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Category
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return CategoryTransient
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg,
		"timeout", "timed out", "broken pipe", "connection refused",
		"connection reset", "too many connections", "deadlock",
		"lock contention", "could not serialize", "write conflict",
		"temporarily unavailable"):
		return CategoryTransient
	case containsAny(msg,
		"permission denied", "authentication failed", "violates",
		"constraint", "does not exist", "unknown column", "no such table",
		"syntax error", "invalid input syntax", "datatype mismatch"):
		return CategoryTerminal
	}

	return CategoryTransient
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
