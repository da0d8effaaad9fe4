// Package cuminerrors defines the single error family cumin uses across
// the query, target selection, and execution subsystems, so callers can
// match the whole family with one errors.As call while still switching on
// the semantic Kind.
package cuminerrors

import (
	"errors"
	"fmt"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Kind is a semantic error category. Kinds are not Go types: every cumin
// error is a *Error carrying one of these.
type Kind string

const (
	// ConfigError marks malformed configuration, fatal at startup.
	ConfigError Kind = "config_error"
	// ParseError marks a syntactic error in a query or alias.
	ParseError Kind = "parse_error"
	// CyclicAlias marks an alias that refers to itself, directly or
	// transitively.
	CyclicAlias Kind = "cyclic_alias"
	// UnknownAlias marks an alias name absent from the alias table.
	UnknownAlias Kind = "unknown_alias"
	// InvalidQuery marks a payload a backend's own grammar rejects.
	InvalidQuery Kind = "invalid_query"
	// BackendUnreachable marks a transient I/O failure resolving a
	// backend query; fatal for the run, never a partial host list.
	BackendUnreachable Kind = "backend_unreachable"
	// BackendAuth marks a credential rejected by a backend.
	BackendAuth Kind = "backend_auth"
	// WorkerError marks executor misuse: no hosts, no commands.
	WorkerError Kind = "worker_error"
	// HostFailure marks a per-host terminal failure, aggregated into
	// the run's threshold and never propagated directly.
	HostFailure Kind = "host_failure"
	// HostTimeout marks a per-host terminal timeout.
	HostTimeout Kind = "host_timeout"
	// ThresholdNotMet marks an aborted run: the success share fell
	// below the configured threshold.
	ThresholdNotMet Kind = "threshold_not_met"
	// Cancelled marks a user-initiated cancellation.
	Cancelled Kind = "cancelled"
)

// Error is cumin's single root error type. Every error surfaced by the
// query or executor packages is an *Error, so callers can do
// `var cerr *cuminerrors.Error; errors.As(err, &cerr)` once and then
// switch on Kind.
type Error struct {
	Kind    Kind
	Message string
	Pos     *lexer.Position // set for ParseError; nil otherwise
	Wrapped error
}

func (e *Error) Error() string {
	if e.Pos != nil {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Pos, e.Message)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New creates an *Error of the given kind with no position.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, wrapped error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: wrapped}
}

// AtPos creates a ParseError positioned at pos.
func AtPos(pos lexer.Position, format string, args ...any) *Error {
	p := pos
	return &Error{Kind: ParseError, Message: fmt.Sprintf(format, args...), Pos: &p}
}

// FromParticipleError converts a participle grammar's parse failure into
// a ParseError, extracting the offending lexer.Position when err carries
// one so it surfaces to the caller instead of being stringified away. context
// is prepended to the message (e.g. the backend or grammar name).
func FromParticipleError(err error, context string) *Error {
	var perr participle.Error
	if errors.As(err, &perr) {
		return AtPos(perr.Position(), "%s: %s", context, perr.Message())
	}
	return New(ParseError, "%s: %v", context, err)
}

// Is reports whether err is a cumin *Error of the given kind.
func Is(err error, kind Kind) bool {
	var cerr *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			cerr = ce
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return cerr != nil && cerr.Kind == kind
}
