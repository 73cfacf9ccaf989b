package opctx_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pthm/opctx"
)

func TestErrorHelpers(t *testing.T) {
	t.Run("IsContextErr", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", opctx.ErrContext)
		if !opctx.IsContextErr(err) {
			t.Error("IsContextErr should return true for wrapped ErrContext")
		}
		if opctx.IsContextErr(errors.New("other error")) {
			t.Error("IsContextErr should return false for other errors")
		}
	})

	t.Run("IsNoContextErr", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", opctx.ErrNoContext)
		if !opctx.IsNoContextErr(err) {
			t.Error("IsNoContextErr should return true for wrapped ErrNoContext")
		}
		if !opctx.IsContextErr(err) {
			t.Error("ErrNoContext should also be a context error")
		}
		if opctx.IsNoContextErr(opctx.ErrContext) {
			t.Error("IsNoContextErr should return false for a plain ErrContext")
		}
	})

	t.Run("IsUnauthorizedErr", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", opctx.ErrUnauthorized)
		if !opctx.IsUnauthorizedErr(err) {
			t.Error("IsUnauthorizedErr should return true for wrapped ErrUnauthorized")
		}
		if opctx.IsUnauthorizedErr(errors.New("other error")) {
			t.Error("IsUnauthorizedErr should return false for other errors")
		}
	})

	t.Run("IsClientErr", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", opctx.ErrClient)
		if !opctx.IsClientErr(err) {
			t.Error("IsClientErr should return true for wrapped ErrClient")
		}
		if opctx.IsClientErr(opctx.ErrServer) {
			t.Error("IsClientErr should return false for ErrServer")
		}
	})

	t.Run("IsServerErr", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", opctx.ErrServer)
		if !opctx.IsServerErr(err) {
			t.Error("IsServerErr should return true for wrapped ErrServer")
		}
		if opctx.IsServerErr(opctx.ErrClient) {
			t.Error("IsServerErr should return false for ErrClient")
		}
	})
}

func TestSentinelErrors(t *testing.T) {
	for _, err := range []error{
		opctx.ErrContext,
		opctx.ErrNoContext,
		opctx.ErrUnauthorized,
		opctx.ErrClient,
		opctx.ErrServer,
	} {
		t.Run(err.Error(), func(t *testing.T) {
			if err.Error() == "" {
				t.Error("error message should not be empty")
			}
		})
	}
}
