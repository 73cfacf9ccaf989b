package opctx

import "errors"

// Sentinel errors for the operational context. Callers classify failures with
// errors.Is or the Is*Err helpers; the detail is added by wrapping with %w.
//
// The HTTP layer (or any other caller) maps these kinds to status codes. This
// package never retries.
var (
	// ErrContext is returned when an operation is used outside of its allowed
	// operational context, most commonly when a mutation is reached from a
	// query root.
	ErrContext = errors.New("opctx: context error")

	// ErrNoContext is returned when a request scope is required but none has
	// been established. It wraps ErrContext.
	ErrNoContext = &wrappedError{msg: "opctx: no active context", kind: ErrContext}

	// ErrUnauthorized is returned when a predicate rejects the current
	// identity, or when a mutating statement is about to run (or was rejected
	// by the database) outside of a mutate root.
	ErrUnauthorized = errors.New("opctx: unauthorized")

	// ErrClient marks malformed input, such as an undecodable Snapshot.
	ErrClient = errors.New("opctx: client error")

	// ErrServer marks unclassified failures.
	ErrServer = errors.New("opctx: server error")
)

type wrappedError struct {
	msg  string
	kind error
}

func (e *wrappedError) Error() string { return e.msg }
func (e *wrappedError) Unwrap() error { return e.kind }

// IsContextErr returns true if err is or wraps ErrContext.
func IsContextErr(err error) bool {
	return errors.Is(err, ErrContext)
}

// IsNoContextErr returns true if err is or wraps ErrNoContext.
func IsNoContextErr(err error) bool {
	return errors.Is(err, ErrNoContext)
}

// IsUnauthorizedErr returns true if err is or wraps ErrUnauthorized.
func IsUnauthorizedErr(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsClientErr returns true if err is or wraps ErrClient.
func IsClientErr(err error) bool {
	return errors.Is(err, ErrClient)
}

// IsServerErr returns true if err is or wraps ErrServer.
func IsServerErr(err error) bool {
	return errors.Is(err, ErrServer)
}
