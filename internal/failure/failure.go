// Package failure defines the error kinds shared by every stage of the
// sleep-staging pipeline and the per-recording failure records built from them.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error produced by the pipeline wraps exactly one of these
// so callers can branch with errors.Is.
var (
	// ErrMalformedInput: signal or annotation file could not be parsed. Fatal for the recording.
	ErrMalformedInput = errors.New("malformed input")
	// ErrRateMismatch: channels inside one group disagree on sample rate. Recovered by resampling.
	ErrRateMismatch = errors.New("rate mismatch")
	// ErrNoAnnotationsFound: annotation file holds no stage events. Fatal only in training mode.
	ErrNoAnnotationsFound = errors.New("no annotations found")
	// ErrIncompleteEpoch: a slice runs past the stored signal. Recovered by dropping the epoch.
	ErrIncompleteEpoch = errors.New("incomplete epoch")
	// ErrCacheCorruption: a cached payload is unreadable. Recovered as a cache miss.
	ErrCacheCorruption = errors.New("cache corruption")
	// ErrUnsupportedIteration: no strategy registered for the iteration/stage. Fatal for the run.
	ErrUnsupportedIteration = errors.New("not implemented for iteration")
)

// Error carries one error kind plus the location it occurred at.
type Error struct {
	Kind     error
	RecordID string
	Stage    string
	Key      string
	Msg      string
	Cause    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	var loc []string
	if e.RecordID != "" {
		loc = append(loc, "record="+e.RecordID)
	}
	if e.Stage != "" {
		loc = append(loc, "stage="+e.Stage)
	}
	if e.Key != "" {
		loc = append(loc, "key="+e.Key)
	}
	if len(loc) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(loc, " "))
		b.WriteString(")")
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// New returns an Error of the given kind.
func New(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind around cause.
func Wrap(kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// WithRecord attaches a record id to err. Existing *Error values are copied,
// not mutated; other errors are classified as malformed input.
func WithRecord(err error, recordID string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		if cp.RecordID == "" {
			cp.RecordID = recordID
		}
		return &cp
	}
	return &Error{Kind: ErrMalformedInput, RecordID: recordID, Cause: err}
}

// WithStage attaches stage and cache key context to err.
func WithStage(err error, stage, key string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		cp := *fe
		if cp.Stage == "" {
			cp.Stage = stage
		}
		if cp.Key == "" {
			cp.Key = key
		}
		return &cp
	}
	return &Error{Kind: kindOf(err), Stage: stage, Key: key, Cause: err}
}

// IsRecoverable reports whether err is one of the kinds the pipeline recovers from locally.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRateMismatch) ||
		errors.Is(err, ErrIncompleteEpoch) ||
		errors.Is(err, ErrCacheCorruption)
}

// IsConfiguration reports whether err must abort the whole run rather than one recording.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrUnsupportedIteration)
}

func kindOf(err error) error {
	for _, k := range []error{
		ErrMalformedInput,
		ErrRateMismatch,
		ErrNoAnnotationsFound,
		ErrIncompleteEpoch,
		ErrCacheCorruption,
		ErrUnsupportedIteration,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return errStage
}

// errStage marks stage errors that are not one of the structural kinds,
// e.g. a classifier that cannot fit.
var errStage = errors.New("stage failed")
