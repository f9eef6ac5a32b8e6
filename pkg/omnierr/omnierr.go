// Package omnierr defines the closed error-kind taxonomy every omnipkgd
// component surfaces through. Each error carries a Kind, a one-line
// human message, and (usually) a wrapped cause, so a caller can branch
// on Kind with errors.As while still getting fmt.Errorf-style causal
// chains out of Error().
package omnierr

import "fmt"

// Kind identifies one of the closed set of error kinds omnipkgd
// components surface.
type Kind string

const (
	SpecInvalid        Kind = "SpecInvalid"
	NotInstalled       Kind = "NotInstalled"
	BuildFailed        Kind = "BuildFailed"
	CacheBackendError  Kind = "CacheBackendError"
	ActivationFailed   Kind = "ActivationFailed"
	ActivationCorrupt  Kind = "ActivationCorrupt"
	WorkerLaunchFailed Kind = "WorkerLaunchFailed"
	WorkerDied         Kind = "WorkerDied"
	WorkerTimeout      Kind = "WorkerTimeout"
	ProtocolError      Kind = "ProtocolError"
)

// BuildSub further qualifies a BuildFailed error.
type BuildSub string

const (
	BuildInstall  BuildSub = "Install"
	BuildDisk     BuildSub = "Disk"
	BuildPerm     BuildSub = "Permission"
	BuildNetwork  BuildSub = "Network"
	BuildChecksum BuildSub = "Checksum"
)

// ActivationStage further qualifies an ActivationFailed error.
type ActivationStage string

const (
	StagePreparing         ActivationStage = "Preparing"
	StageCacheInvalidation ActivationStage = "CacheInvalidation"
)

// Error is the concrete error type every component returns.
type Error struct {
	Kind    Kind
	Message string
	Sub     string // BuildSub or ActivationStage, when applicable
	// Unrestored lists cloak entries that could not be restored, set
	// only on ActivationCorrupt.
	Unrestored []string
	Cause      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Sub != "" {
		msg += "(" + e.Sub + ")"
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Build wraps a build failure with its subcategory.
func Build(sub BuildSub, message string, cause error) *Error {
	return &Error{Kind: BuildFailed, Sub: string(sub), Message: message, Cause: cause}
}

// Activation wraps an activation failure with its stage.
func Activation(stage ActivationStage, message string, cause error) *Error {
	return &Error{Kind: ActivationFailed, Sub: string(stage), Message: message, Cause: cause}
}

// Corrupt builds an ActivationCorrupt error naming the cloak entries
// that could not be restored. Never retry an error of this kind; the
// calling context must be treated as tainted.
func Corrupt(unrestored []string, cause error) *Error {
	return &Error{
		Kind:       ActivationCorrupt,
		Message:    fmt.Sprintf("%d entries not restored", len(unrestored)),
		Unrestored: unrestored,
		Cause:      cause,
	}
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if oe, ok := err.(*Error); ok {
			e = oe
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// ExitCode maps a Kind to the process exit code named in the spec. The
// kind is found by walking the cause chain, so a wrapped *Error still
// maps to its own code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	for inner := err; inner != nil; {
		if oe, ok := inner.(*Error); ok {
			e = oe
			break
		}
		u, ok := inner.(interface{ Unwrap() error })
		if !ok {
			break
		}
		inner = u.Unwrap()
	}
	if e == nil {
		return 1
	}
	switch e.Kind {
	case SpecInvalid, NotInstalled:
		return 2
	case ActivationCorrupt:
		return 3
	default:
		return 1
	}
}
