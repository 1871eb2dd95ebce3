// Package apperrors defines the engine's error taxonomy as a closed kind
// enum rather than a type hierarchy.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is one of the engine's error kinds. Callers branch on Kind
// with errors.Is against the sentinel below, never on a concrete type.
type Kind int

const (
	// PrecisionMissing is fatal: halt the bot, asset precision cannot be defaulted.
	PrecisionMissing Kind = iota
	// AmountOutOfRange means reject at op build: skip the order and log.
	AmountOutOfRange
	// StaleOrder is benign: treat as an already-cancelled race, fast-path exit.
	StaleOrder
	// IllegalOrderState triggers immediate recovery sync + one-tick maintenance cooldown.
	IllegalOrderState
	// ChainRpcTransient is retried with exponential backoff, then surfaced.
	ChainRpcTransient
	// CommitStaleBase aborts a commit, logs, and keeps master unchanged.
	CommitStaleBase
	// CommitEmptyDelta aborts a commit because the overlay produced no change.
	CommitEmptyDelta
	// AccountingDrift requests a sync; blocks new plans if it persists.
	AccountingDrift
	// ConfigInvalid is a startup failure.
	ConfigInvalid
)

func (k Kind) String() string {
	switch k {
	case PrecisionMissing:
		return "PrecisionMissing"
	case AmountOutOfRange:
		return "AmountOutOfRange"
	case StaleOrder:
		return "StaleOrder"
	case IllegalOrderState:
		return "IllegalOrderState"
	case ChainRpcTransient:
		return "ChainRpcTransient"
	case CommitStaleBase:
		return "CommitStaleBase"
	case CommitEmptyDelta:
		return "CommitEmptyDelta"
	case AccountingDrift:
		return "AccountingDrift"
	case ConfigInvalid:
		return "ConfigInvalid"
	default:
		return "Unknown"
	}
}

type sentinel struct{ kind Kind }

func (s sentinel) Error() string { return s.kind.String() }

var sentinels = map[Kind]error{
	PrecisionMissing:  sentinel{PrecisionMissing},
	AmountOutOfRange:  sentinel{AmountOutOfRange},
	StaleOrder:        sentinel{StaleOrder},
	IllegalOrderState: sentinel{IllegalOrderState},
	ChainRpcTransient: sentinel{ChainRpcTransient},
	CommitStaleBase:   sentinel{CommitStaleBase},
	CommitEmptyDelta:  sentinel{CommitEmptyDelta},
	AccountingDrift:   sentinel{AccountingDrift},
	ConfigInvalid:     sentinel{ConfigInvalid},
}

// GridError wraps an underlying error with a Kind and the failing Op, so a
// caller can branch on Kind with errors.Is while still keeping the original
// cause for logs.
type GridError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *GridError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *GridError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, otherGridError) and errors.Is(err, kind.Sentinel())
// match purely on Kind.
func (e *GridError) Is(target error) bool {
	if s, ok := target.(sentinel); ok {
		return e.Kind == s.kind
	}
	var other *GridError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds a GridError for op, wrapping err.
func New(kind Kind, op string, err error) *GridError {
	return &GridError{Kind: kind, Op: op, Err: err}
}

// Sentinel returns a comparison value for errors.Is(err, kind.Sentinel()).
func (k Kind) Sentinel() error { return sentinels[k] }

// Is reports whether err carries the given kind, at any wrap depth.
func Is(err error, kind Kind) bool {
	var ge *GridError
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}
