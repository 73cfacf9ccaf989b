package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/opctx"
	"github.com/pthm/opctx/pkg/jobs"
)

type seen struct {
	identity   opctx.Identity
	tenant     opctx.Tenant
	global     opctx.Mode
	entrypoint string
	vars       map[string]any
	arg        string
}

func newRunner(t *testing.T) (*jobs.Runner, *jobs.MemoryQueue) {
	t.Helper()
	q := jobs.NewMemoryQueue(16)
	t.Cleanup(func() { _ = q.Close() })
	return jobs.NewRunner(q, jobs.WithLogger(slog.New(slog.DiscardHandler))), q
}

func pop(t *testing.T, q *jobs.MemoryQueue) []byte {
	t.Helper()
	payload, err := q.Pop(t.Context())
	require.NoError(t, err)
	return payload
}

func callerCtx(t *testing.T, claims map[string]int) context.Context {
	t.Helper()
	ctx := opctx.Begin(t.Context(), opctx.WithCaller(
		opctx.NewIdentity("user-1", "Ada", opctx.WithClaims(claims)),
		&opctx.Tenant{ID: "tenant-1", DisplayName: "Acme"},
	))
	ctx = opctx.WithVar(ctx, "request", "r-1")
	ctx, err := opctx.Enter(ctx, false, "users.View", opctx.Unrestricted)
	require.NoError(t, err)
	return ctx
}

func TestEnqueueAndProcess(t *testing.T) {
	runner, q := newRunner(t)

	var got seen
	task, err := jobs.Register(runner, "users.SendWelcome", opctx.IsAuthenticated, func(ctx context.Context, arg string) error {
		s := opctx.From(ctx)
		got = seen{
			identity:   s.Identity(),
			tenant:     s.Tenant(),
			global:     s.Global(),
			entrypoint: s.Entrypoint(),
			vars:       s.Vars(),
			arg:        arg,
		}
		return nil
	})
	require.NoError(t, err)

	// Enqueued from a query root; the worker still runs as a mutation.
	id, err := task.Enqueue(callerCtx(t, nil), "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, q.Len())

	require.NoError(t, runner.Process(t.Context(), pop(t, q)))

	assert.Equal(t, "user-1", got.identity.ID)
	assert.True(t, got.identity.IsAuthenticated())
	assert.Equal(t, "tenant-1", got.tenant.ID)
	assert.Equal(t, opctx.ModeMutate, got.global)
	assert.Equal(t, "users.SendWelcome", got.entrypoint)
	assert.Equal(t, "hello", got.arg)
	assert.Equal(t, "r-1", got.vars["request"])
	assert.Equal(t, "users.SendWelcome", got.vars["job"])
	assert.Equal(t, id, got.vars["job_id"])
}

func TestEnvelope(t *testing.T) {
	runner, q := newRunner(t)
	require.NoError(t, runner.Register("reports.Build", opctx.Unrestricted, func(context.Context, json.RawMessage) error { return nil }))

	id, err := runner.Enqueue(callerCtx(t, nil), "reports.Build", map[string]int{"year": 2026})
	require.NoError(t, err)

	var env jobs.Envelope
	require.NoError(t, json.Unmarshal(pop(t, q), &env))
	assert.Equal(t, id, env.ID)
	assert.Equal(t, "reports.Build", env.Name)
	assert.JSONEq(t, `{"year":2026}`, string(env.Args))
	assert.Equal(t, "user-1", env.Snapshot.Identity.ID)
	assert.False(t, env.EnqueuedAt.IsZero())
}

func TestProcess_PredicateUsesMutateTier(t *testing.T) {
	tests := []struct {
		name    string
		claims  map[string]int
		wantErr error
	}{
		{name: "write tier", claims: map[string]int{"admin": 1}},
		{name: "read tier only", claims: map[string]int{"admin": 0}, wantErr: opctx.ErrUnauthorized},
		{name: "no claim", claims: nil, wantErr: opctx.ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner, q := newRunner(t)
			called := false
			task, err := jobs.Register(runner, "admin.Purge", opctx.Claim("admin"), func(context.Context, struct{}) error {
				called = true
				return nil
			})
			require.NoError(t, err)

			_, err = task.Enqueue(callerCtx(t, tt.claims), struct{}{})
			require.NoError(t, err)

			err = runner.Process(t.Context(), pop(t, q))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.False(t, called)
				return
			}
			require.NoError(t, err)
			assert.True(t, called)
		})
	}
}

func TestProcess_Errors(t *testing.T) {
	runner, q := newRunner(t)
	boom := errors.New("boom")
	require.NoError(t, runner.Register("fails", opctx.Unrestricted, func(context.Context, json.RawMessage) error { return boom }))
	require.NoError(t, runner.Register("panics", opctx.Unrestricted, func(context.Context, json.RawMessage) error { panic("oops") }))

	t.Run("handler error", func(t *testing.T) {
		_, err := runner.Enqueue(t.Context(), "fails", nil)
		require.NoError(t, err)
		require.ErrorIs(t, runner.Process(t.Context(), pop(t, q)), boom)
	})

	t.Run("panic", func(t *testing.T) {
		_, err := runner.Enqueue(t.Context(), "panics", nil)
		require.NoError(t, err)
		err = runner.Process(t.Context(), pop(t, q))
		require.ErrorIs(t, err, opctx.ErrServer)
		assert.Contains(t, err.Error(), "oops")
	})

	t.Run("malformed payload", func(t *testing.T) {
		require.ErrorIs(t, runner.Process(t.Context(), []byte("{not json")), opctx.ErrClient)
	})

	t.Run("unknown job", func(t *testing.T) {
		require.ErrorIs(t, runner.Process(t.Context(), []byte(`{"id":"1","name":"missing"}`)), jobs.ErrUnknownJob)
	})

	t.Run("enqueue unknown job", func(t *testing.T) {
		_, err := runner.Enqueue(t.Context(), "missing", nil)
		require.ErrorIs(t, err, jobs.ErrUnknownJob)
		assert.Equal(t, 0, q.Len())
	})
}

func TestRegister_Duplicate(t *testing.T) {
	runner, _ := newRunner(t)
	noop := func(context.Context, json.RawMessage) error { return nil }

	require.NoError(t, runner.Register("a", opctx.Unrestricted, noop))
	require.ErrorIs(t, runner.Register("a", opctx.Unrestricted, noop), jobs.ErrDuplicateJob)
	require.Error(t, runner.Register("", opctx.Unrestricted, noop))
	require.Error(t, runner.Register("b", opctx.Unrestricted, nil))
}

func TestDeclare(t *testing.T) {
	q := jobs.NewMemoryQueue(4)
	t.Cleanup(func() { _ = q.Close() })
	logger := jobs.WithLogger(slog.New(slog.DiscardHandler))
	producer := jobs.NewRunner(q, logger)
	worker := jobs.NewRunner(q, logger)

	welcome, err := jobs.Declare[string](producer, "users.SendWelcome")
	require.NoError(t, err)
	_, err = welcome.Enqueue(callerCtx(t, nil), "user-1")
	require.NoError(t, err)

	// The producer cannot run what it only declared.
	payload := pop(t, q)
	require.ErrorIs(t, producer.Process(t.Context(), payload), jobs.ErrUnknownJob)

	var got string
	_, err = jobs.Register(worker, "users.SendWelcome", opctx.Unrestricted, func(_ context.Context, userID string) error {
		got = userID
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, worker.Process(t.Context(), payload))
	assert.Equal(t, "user-1", got)

	// A declared name can still be registered once.
	noop := func(context.Context, json.RawMessage) error { return nil }
	require.NoError(t, producer.Register("users.SendWelcome", opctx.Unrestricted, noop))
	require.ErrorIs(t, producer.Register("users.SendWelcome", opctx.Unrestricted, noop), jobs.ErrDuplicateJob)
	require.NoError(t, producer.Declare("users.SendWelcome"))
	require.Error(t, producer.Declare(""))
}

func TestRun(t *testing.T) {
	runner, _ := newRunner(t)
	done := make(chan string, 3)

	task, err := jobs.Register(runner, "echo", opctx.Unrestricted, func(ctx context.Context, msg string) error {
		if msg == "bad" {
			return errors.New("rejected")
		}
		done <- msg
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	errc := make(chan error, 1)
	go func() { errc <- runner.Run(ctx, 2) }()

	for _, msg := range []string{"one", "bad", "two"} {
		_, err := task.Enqueue(t.Context(), msg)
		require.NoError(t, err)
	}

	var got []string
	for range 2 {
		select {
		case msg := <-done:
			got = append(got, msg)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
	assert.ElementsMatch(t, []string{"one", "two"}, got, "a failing job must not stop the workers")

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRun_StopsWhenQueueClosed(t *testing.T) {
	runner, q := newRunner(t)
	require.NoError(t, q.Close())
	require.NoError(t, runner.Run(t.Context(), 3))
}

func TestMemoryQueue(t *testing.T) {
	q := jobs.NewMemoryQueue(1)
	ctx := t.Context()

	require.NoError(t, q.Push(ctx, []byte("a")))

	full, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Push(full, []byte("b")), context.DeadlineExceeded)

	require.NoError(t, q.Close())
	require.ErrorIs(t, q.Push(ctx, []byte("c")), jobs.ErrQueueClosed)

	// Buffered jobs drain before the closed state is reported.
	p, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), p)

	_, err = q.Pop(ctx)
	require.ErrorIs(t, err, jobs.ErrQueueClosed)
}
