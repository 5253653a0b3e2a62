package driven

import (
	"errors"
	"fmt"
)

// ErrorKind classifies how a gateway call failed.
type ErrorKind int

const (
	// KindTransport means no HTTP response was received (network, TLS, context).
	KindTransport ErrorKind = iota
	// KindRemoteRejected means the host answered with a non-success status.
	KindRemoteRejected
	// KindMalformedResponse means the host answered with a success status but
	// the body could not be decoded into the expected shape.
	KindMalformedResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport error"
	case KindRemoteRejected:
		return "remote rejected"
	case KindMalformedResponse:
		return "malformed response"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Operation names the gateway call that failed.
type Operation string

const (
	OpFetchStatus       Operation = "fetch status"
	OpFetchWorkflowJobs Operation = "fetch workflow jobs"
	OpApprove           Operation = "approve"
)

// Kind sentinels, matched by errors.Is against any *GatewayError of that kind.
var (
	ErrTransport         = errors.New("transport error")
	ErrRemoteRejected    = errors.New("remote rejected")
	ErrMalformedResponse = errors.New("malformed response")
)

// Operation sentinels. ErrStatusFetchFailed and ErrJobFetchFailed match
// transport and rejection failures of their operation; a malformed body is
// reported through ErrMalformedResponse only. ErrApprovalFailed matches any
// approve failure.
var (
	ErrStatusFetchFailed = errors.New("status fetch failed")
	ErrJobFetchFailed    = errors.New("workflow job fetch failed")
	ErrApprovalFailed    = errors.New("approval failed")
)

// GatewayError is returned by every StatusReader and WorkflowClient method.
type GatewayError struct {
	Op         Operation
	Kind       ErrorKind
	StatusCode int // Zero when Kind is KindTransport.
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Is matches the kind and operation sentinels declared in this package.
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrRemoteRejected:
		return e.Kind == KindRemoteRejected
	case ErrMalformedResponse:
		return e.Kind == KindMalformedResponse
	case ErrStatusFetchFailed:
		return e.Op == OpFetchStatus && e.Kind != KindMalformedResponse
	case ErrJobFetchFailed:
		return e.Op == OpFetchWorkflowJobs && e.Kind != KindMalformedResponse
	case ErrApprovalFailed:
		return e.Op == OpApprove
	}
	return false
}

// ClassifyHTTP builds a GatewayError from the outcome of an HTTP exchange.
// statusCode is 0 when no response was received.
func ClassifyHTTP(op Operation, statusCode int, err error) *GatewayError {
	ge := &GatewayError{Op: op, StatusCode: statusCode, Err: err}
	switch {
	case statusCode == 0:
		ge.Kind = KindTransport
	case statusCode >= 200 && statusCode < 300:
		ge.Kind = KindMalformedResponse
	default:
		ge.Kind = KindRemoteRejected
	}
	return ge
}
