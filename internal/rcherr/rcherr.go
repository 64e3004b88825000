// Package rcherr implements the fixed error taxonomy from the design: each
// error carries a stable code, an operator-facing summary, structured
// context, a remediation hint, and a documentation slug.
package rcherr

import (
	"errors"
	"fmt"
)

// Range identifies which hundred-block a Code falls in.
type Range string

const (
	RangeConfig  Range = "configuration"
	RangeNetwork Range = "network"
	RangeWorker  Range = "worker"
	RangeBuild   Range = "build"
	RangeDaemon  Range = "daemon"
	RangeInternal Range = "internal"
)

// Code is a fixed numeric error code, per spec §7:
//
//	001-099 configuration
//	100-199 network/SSH
//	200-299 worker
//	300-399 build
//	400-499 daemon
//	500-599 internal
type Code int

const (
	CodeConfigUnparseable Code = 1
	CodeConfigMissingField Code = 2
	CodeConfigInvalidWorker Code = 3

	CodeNetworkUnreachable Code = 100
	CodeNetworkAuthFailed  Code = 101
	CodeNetworkTimeout     Code = 102
	CodeNetworkDiskFull    Code = 103

	CodeWorkerFull      Code = 200
	CodeWorkerDisabled  Code = 201
	CodeWorkerCircuitOpen Code = 202
	CodeWorkerUnknown   Code = 203
	CodeWorkerTopologyFailed Code = 204

	CodeBuildFailedRemote  Code = 300
	CodeBuildQueueTimeout  Code = 301
	CodeBuildCanceled      Code = 302
	CodeBuildTransferFailed Code = 303

	CodeDaemonSocketBind  Code = 400
	CodeDaemonShuttingDown Code = 401

	CodeInternal Code = 500
)

func (c Code) rangeOf() Range {
	switch {
	case c < 100:
		return RangeConfig
	case c < 200:
		return RangeNetwork
	case c < 300:
		return RangeWorker
	case c < 400:
		return RangeBuild
	case c < 500:
		return RangeDaemon
	default:
		return RangeInternal
	}
}

// Error is the taxonomy error type. It wraps an optional underlying cause.
type Error struct {
	Code        Code
	Summary     string
	Context     map[string]string
	Remediation string
	DocSlug     string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s-%03d] %s: %v", rangeAbbrev(e.Code.rangeOf()), e.Code, e.Summary, e.Cause)
	}
	return fmt.Sprintf("[%s-%03d] %s", rangeAbbrev(e.Code.rangeOf()), e.Code, e.Summary)
}

func (e *Error) Unwrap() error { return e.Cause }

func rangeAbbrev(r Range) string {
	switch r {
	case RangeConfig:
		return "CFG"
	case RangeNetwork:
		return "NET"
	case RangeWorker:
		return "WRK"
	case RangeBuild:
		return "BLD"
	case RangeDaemon:
		return "DMN"
	default:
		return "INT"
	}
}

// New builds an Error with the given code and summary.
func New(code Code, summary string) *Error {
	return &Error{Code: code, Summary: summary}
}

// Wrap builds an Error around cause.
func Wrap(code Code, summary string, cause error) *Error {
	return &Error{Code: code, Summary: summary, Cause: cause}
}

// WithContext attaches operator context (worker id, host, command, ...).
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithRemediation attaches a suggested remediation.
func (e *Error) WithRemediation(hint, docSlug string) *Error {
	e.Remediation = hint
	e.DocSlug = docSlug
	return e
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}
