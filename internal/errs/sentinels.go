// Package errs contains the error taxonomy shared by the transport, the session and the
// messaging controller, plus sentinels for stable error mapping across layers.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way callers need to react to it.
type Kind int

const (
	// KindUnknown is the zero value; never produced by the transport.
	KindUnknown Kind = iota
	// KindUnauthenticated means no valid session; the user must sign in again.
	KindUnauthenticated
	// KindNotPermitted means the tier or consultation window forbids the operation.
	KindNotPermitted
	// KindNotFound means the referenced expert or conversation does not exist.
	KindNotFound
	// KindInvalidInput means the request was malformed (empty message, bad id).
	KindInvalidInput
	// KindRateLimited means 429 persisted after the retry budget was spent.
	KindRateLimited
	// KindServerError means the backend answered 5xx.
	KindServerError
	// KindNetworkError means the request never produced an HTTP response.
	KindNetworkError
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindNotPermitted:
		return "not_permitted"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindRateLimited:
		return "rate_limited"
	case KindServerError:
		return "server_error"
	case KindNetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// Action is the recovery the UI should offer for a failure.
type Action string

const (
	ActionNone    Action = ""
	ActionLogin   Action = "login"
	ActionUpgrade Action = "upgrade"
	ActionBook    Action = "book"
	ActionRebook  Action = "rebook"
)

// Error is a classified failure with a user-facing message.
type Error struct {
	Kind       Kind
	Message    string
	Status     int    // HTTP status when the failure came from a response
	Action     Action // suggested recovery
	RedirectTo string // navigation target for the recovery, if any
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// New builds an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Err: cause}
}

// KindOf reports the kind of err, or KindUnknown if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As extracts the classified error from err.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// Kind sentinels, usable with errors.Is.
var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrNotPermitted    = &Error{Kind: KindNotPermitted}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrInvalidInput    = &Error{Kind: KindInvalidInput}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrServer          = &Error{Kind: KindServerError}
	ErrNetwork         = &Error{Kind: KindNetworkError}
)

// Plain sentinels.
var (
	// ErrSuperseded marks a response that arrived after the user moved on; it is discarded.
	ErrSuperseded = errors.New("superseded by a newer request")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoSession indicates no stored credentials are available.
	ErrNoSession = errors.New("no session (login required)")
)
