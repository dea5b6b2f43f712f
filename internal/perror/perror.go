// Package perror defines the typed error taxonomy used across pgagroal-go's
// core: auth, protocol, resource, timeout, and configuration failures each
// map to a distinct PostgreSQL error response or supervisor action (see
// spec.md §7).
package perror

import "errors"

// Kind classifies an error for the purposes of §7's error taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindResource
	KindProtocol
	KindAuth
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindResource:
		return "resource"
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind so callers can classify
// failures without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// Sentinel auth outcomes, per spec.md §4.2 "Failure taxonomy".
var (
	ErrBadPassword = errors.New("bad password")
	ErrAuthError   = errors.New("authentication error")
	ErrPoolFull    = errors.New("pool full")
	ErrHBAReject   = errors.New("hba rejected")
	ErrDisabledDB  = errors.New("database disabled")
	ErrGraceful    = errors.New("pool draining")
)
