package predict

import (
	"errors"
	"fmt"
)

// ErrorKind classifies client-caused failures so the message boundary can decide
// what to report back to the originating connection.
type ErrorKind int

const (
	// KindValidation indicates malformed or out-of-range fields, a violated wager
	// invariant, or the wrong state for the requested transition.
	KindValidation ErrorKind = iota
	// KindAuth indicates the caller is unauthenticated or lacks admin rights.
	KindAuth
	// KindNotFound indicates a reference to an unknown option index.
	KindNotFound
)

// String returns a human-readable name for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// ClientError is an error caused by a client message. It carries an explicit kind
// rather than relying on a type hierarchy; handlers report Message verbatim to the
// originating connection and nothing else.
type ClientError struct {
	Kind    ErrorKind
	Message string
}

func (e *ClientError) Error() string { return e.Message }

// Errorf builds a ClientError with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *ClientError {
	return &ClientError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsClientError unwraps err into a *ClientError if it is one.
func AsClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
