// Package errclass maps every failure the core can produce onto a closed
// taxonomy of kinds, each with a severity and a recommended recovery action.
//
// Classification is a pure table lookup. The classifier never retries or
// recovers; callers act on Recovery.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Kind identifies an error category. The set is closed.
type Kind string

const (
	KindInvalidStatus          Kind = "InvalidStatus"
	KindIllegalGraphTransition Kind = "IllegalGraphTransition"
	KindRoleNotPermitted       Kind = "RoleNotPermitted"
	KindOwnershipViolation     Kind = "OwnershipViolation"
	KindAffinityViolation      Kind = "AffinityViolation"
	KindNotFound               Kind = "NotFound"
	KindRemoteRejection        Kind = "RemoteRejection"
	KindTransportError         Kind = "TransportError"
	KindInvalidIdentifier      Kind = "InvalidIdentifier"

	// KindUnknown covers failures no rule recognizes. Never retried.
	KindUnknown Kind = "Unknown"
)

// Recovery is the action a caller should take after a failure.
type Recovery string

const (
	RecoveryNone          Recovery = "none"
	RecoveryRetry         Recovery = "retry"
	RecoveryRefreshList   Recovery = "refreshList"
	RecoveryRefreshEntity Recovery = "refreshEntity"
)

// Severity grades how a failure should be presented.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type rule struct {
	severity Severity
	recovery Recovery
}

var table = map[Kind]rule{
	KindInvalidStatus:          {SeverityError, RecoveryNone},
	KindIllegalGraphTransition: {SeverityWarning, RecoveryNone},
	KindRoleNotPermitted:       {SeverityWarning, RecoveryNone},
	KindOwnershipViolation:     {SeverityWarning, RecoveryNone},
	KindAffinityViolation:      {SeverityWarning, RecoveryNone},
	KindNotFound:               {SeverityWarning, RecoveryRefreshList},
	KindRemoteRejection:        {SeverityError, RecoveryRefreshEntity},
	KindTransportError:         {SeverityError, RecoveryRetry},
	KindInvalidIdentifier:      {SeverityError, RecoveryNone},
	KindUnknown:                {SeverityError, RecoveryNone},
}

// Kinds returns every kind in the taxonomy.
func Kinds() []Kind {
	return []Kind{
		KindInvalidStatus,
		KindIllegalGraphTransition,
		KindRoleNotPermitted,
		KindOwnershipViolation,
		KindAffinityViolation,
		KindNotFound,
		KindRemoteRejection,
		KindTransportError,
		KindInvalidIdentifier,
		KindUnknown,
	}
}

// IsValidation reports whether k is produced by local transition validation.
func (k Kind) IsValidation() bool {
	switch k {
	case KindInvalidStatus, KindIllegalGraphTransition, KindRoleNotPermitted,
		KindOwnershipViolation, KindAffinityViolation:
		return true
	}
	return false
}

// Error is the only error shape surfaced to consumers.
type Error struct {
	Kind     Kind     `json:"kind"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Recovery Recovery `json:"recovery_action"`

	Err error `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	r, ok := table[kind]
	if !ok {
		kind = KindUnknown
		r = table[KindUnknown]
	}
	return &Error{
		Kind:     kind,
		Message:  message,
		Severity: r.severity,
		Recovery: r.recovery,
		Err:      cause,
	}
}

// Kinded is implemented by domain errors that already know their kind.
type Kinded interface {
	ErrorKind() Kind
}

// Classify maps err onto the taxonomy. Returns nil for a nil error.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var kinded Kinded
	if errors.As(err, &kinded) {
		return New(kinded.ErrorKind(), err.Error(), err)
	}

	if errors.Is(err, ErrNotFound) {
		return New(KindNotFound, "dossier not found", err)
	}

	if isTransport(err) {
		return New(KindTransportError, err.Error(), err)
	}

	return New(KindUnknown, err.Error(), err)
}

// KindOf is shorthand for Classify(err).Kind; empty for nil.
func KindOf(err error) Kind {
	if c := Classify(err); c != nil {
		return c.Kind
	}
	return ""
}

// Retryable reports whether err may be retried automatically. Mutations are
// only retried when the failure is known to have happened before dispatch.
func Retryable(err error, mutation bool) bool {
	if err == nil || KindOf(err) != KindTransportError {
		return false
	}
	if !mutation {
		return true
	}
	var tf *TransportFailure
	if errors.As(err, &tf) {
		return !tf.InFlight
	}
	// Without the dispatch marker the failure is ambiguous.
	return false
}

func isTransport(err error) bool {
	var tf *TransportFailure
	if errors.As(err, &tf) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
