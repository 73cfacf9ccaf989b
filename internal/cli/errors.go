// Package cli provides shared configuration and utilities for the opctx CLI.
package cli

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes returned by the opctx commands.
const (
	ExitSuccess = 0
	// ExitGeneral covers failures with no more specific code.
	ExitGeneral = 1
	// ExitConfig means opctx.yaml or the OPCTX_* environment could not be
	// loaded or failed validation.
	ExitConfig = 2
	// ExitCheckFailed means doctor ran and at least one check failed.
	ExitCheckFailed = 3
	// ExitDBConnect means the reader/writer pools or the job queue could
	// not be reached.
	ExitDBConnect = 4
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitWithError prints the error and exits with the appropriate code.
func ExitWithError(err error) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		os.Exit(exitErr.Code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(ExitGeneral)
}

// ConfigError creates an ExitError with ExitConfig code.
func ConfigError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Err: err}
}

// CheckFailedError creates an ExitError with ExitCheckFailed code.
func CheckFailedError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitCheckFailed, Message: msg, Err: err}
}

// DBConnectError creates an ExitError with ExitDBConnect code.
func DBConnectError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitDBConnect, Message: msg, Err: err}
}

// GeneralError creates an ExitError with ExitGeneral code.
func GeneralError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitGeneral, Message: msg, Err: err}
}
