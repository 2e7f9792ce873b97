package errclass

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by collaborators when an entity is absent or not
// visible to the caller. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("not found")

// RemoteRejection is the remote authority refusing an otherwise locally valid
// request. It is authoritative.
type RemoteRejection struct {
	Code    string
	Message string
}

func (e *RemoteRejection) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote rejected request: %s", e.Message)
	}
	return fmt.Sprintf("remote rejected request (%s): %s", e.Code, e.Message)
}

func (e *RemoteRejection) ErrorKind() Kind { return KindRemoteRejection }

// TransportFailure marks a failure to get a response from a collaborator.
// InFlight is true when the request may have reached the remote side, which
// makes a retry of a mutation unsafe.
type TransportFailure struct {
	Op       string
	Err      error
	InFlight bool
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportFailure) Unwrap() error {
	return e.Err
}

func (e *TransportFailure) ErrorKind() Kind { return KindTransportError }

// InvalidIdentifierError reports a reference that resolved to no key.
type InvalidIdentifierError struct {
	Ref any
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("cannot resolve identifier from %T", e.Ref)
}

func (e *InvalidIdentifierError) ErrorKind() Kind { return KindInvalidIdentifier }

// Rejection codes used by the bundled authorities.
const (
	CodeUnknownStatus     = "unknown_status"
	CodeIllegalTransition = "illegal_transition"
	CodeConflict          = "conflict"
	CodeExists            = "exists"
	CodeInjected          = "rejected"
)
