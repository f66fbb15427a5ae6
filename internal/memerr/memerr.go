// Package memerr defines the error kinds returned by the decision memory.
//
// Every failure surfaced by the core carries one Kind so callers can branch
// with errors.Is against the package sentinels instead of matching strings:
//
//	if errors.Is(err, memerr.ErrImmutableLayer) {
//	    // write a superseding coordinate instead
//	}
package memerr

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindCoordinateValidation
	KindImmutableLayer
	KindConcurrency
	KindStorage
	KindQuery
	KindInvalidRecord
)

func (k Kind) String() string {
	switch k {
	case KindCoordinateValidation:
		return "invalid coordinate"
	case KindImmutableLayer:
		return "immutable layer"
	case KindConcurrency:
		return "lock timeout"
	case KindStorage:
		return "storage failure"
	case KindQuery:
		return "invalid query"
	case KindInvalidRecord:
		return "invalid record"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type of the core.
type Error struct {
	Kind  Kind
	Op    string // operation, e.g. "store.put"
	Coord string // coordinate or location involved, if any
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Coord != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(e.Coord)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind. A sentinel is an *Error with only Kind set.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Coord == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrCoordinateValidation = &Error{Kind: KindCoordinateValidation}
	ErrImmutableLayer       = &Error{Kind: KindImmutableLayer}
	ErrConcurrency          = &Error{Kind: KindConcurrency}
	ErrStorage              = &Error{Kind: KindStorage}
	ErrQuery                = &Error{Kind: KindQuery}
	ErrInvalidRecord        = &Error{Kind: KindInvalidRecord}
)

// E builds an *Error.
func E(kind Kind, op, coord string, err error) *Error {
	return &Error{Kind: kind, Op: op, Coord: coord, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, coord, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Coord: coord, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether retrying the same call can succeed.
// Only lock timeouts are retryable.
func Retryable(err error) bool {
	return KindOf(err) == KindConcurrency
}
