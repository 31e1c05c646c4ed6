package wifi

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a gateway failure by how the caller should react.
type Kind int

const (
	// KindUnknown is reported for errors not produced by this package.
	KindUnknown Kind = iota
	// KindAuth means the stored credential is invalid. The user must
	// reconfigure.
	KindAuth
	// KindTransient is a network or cloud outage; retrying later is
	// expected to succeed.
	KindTransient
	// KindSessionExpired means the authenticated session must be
	// rebuilt from the refresh credential.
	KindSessionExpired
	// KindProtocol is a response with an unexpected shape.
	KindProtocol
	// KindUnsupportedDevice is a station entry this client cannot
	// interpret.
	KindUnsupportedDevice
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	case KindSessionExpired:
		return "session_expired"
	case KindProtocol:
		return "protocol"
	case KindUnsupportedDevice:
		return "unsupported_device"
	default:
		return "unknown"
	}
}

// Error is a gateway failure tagged with its Kind.
type Error struct {
	Kind Kind
	Op   string // e.g. "get systems"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain. Context
// cancellation and deadline errors outside an *Error are transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindUnknown
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

func newError(k Kind, op string, err error) *Error {
	return &Error{Kind: k, Op: op, Err: err}
}
