// Package jobs hands work to background workers together with the caller's
// operational context.
//
// Enqueue captures a snapshot of the caller (identity, tenant and scoped
// vars) into a JSON envelope and pushes it to a Queue. A worker restores
// the snapshot, enters a mutate root named after the job with the
// registered predicate, and runs the handler. The worker never inherits the
// caller's mode or database connection.
//
//	runner := jobs.NewRunner(queue)
//	sendWelcome, _ := jobs.Register(runner, "users.SendWelcome", opctx.IsAuthenticated,
//	    func(ctx context.Context, userID string) error { ... })
//
//	// in a request:
//	id, err := sendWelcome.Enqueue(ctx, user.ID)
//
//	// in the worker process:
//	err := runner.Run(ctx, 4)
//
// A process that only produces jobs declares the names it enqueues instead
// of registering their handlers:
//
//	sendWelcome, _ := jobs.Declare[string](producer, "users.SendWelcome")
//
// Handler failures are logged and do not stop the worker.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pthm/opctx"
)

var (
	// ErrNoJob is returned by Queue.Pop when no job arrived within the poll
	// timeout.
	ErrNoJob = errors.New("jobs: no job available")

	// ErrQueueClosed is returned by a closed queue.
	ErrQueueClosed = errors.New("jobs: queue closed")

	// ErrUnknownJob is returned for a job name that was neither registered
	// nor declared, and by Process for a job with no handler in this
	// process.
	ErrUnknownJob = errors.New("jobs: unknown job")

	// ErrDuplicateJob is returned when a name is registered twice.
	ErrDuplicateJob = errors.New("jobs: job already registered")
)

// Queue transports encoded envelopes between processes.
type Queue interface {
	// Push appends a payload.
	Push(ctx context.Context, payload []byte) error
	// Pop blocks until a payload is available, the poll timeout elapses
	// (ErrNoJob) or ctx is done.
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// Envelope is the wire form of a job.
type Envelope struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Snapshot   opctx.Snapshot  `json:"context"`
	Args       json.RawMessage `json:"args,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler runs one job. args is the JSON encoding of the value passed to
// Enqueue.
type Handler func(ctx context.Context, args json.RawMessage) error

// Config configures workers.
type Config struct {
	// RedisURL is the redis:// URL of the queue server.
	RedisURL string
	// Queue is the Redis list holding pending jobs.
	Queue string
	// Workers is the number of concurrent workers.
	Workers int
	// PollTimeout bounds each blocking pop so workers notice shutdown.
	PollTimeout time.Duration
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		RedisURL:    "redis://localhost:6379",
		Queue:       "opctx:jobs",
		Workers:     4,
		PollTimeout: 5 * time.Second,
	}
}

// registration is a handler, or a declared name when fn is nil.
type registration struct {
	pred opctx.Predicate
	fn   Handler
}

// Runner registers job handlers, enqueues jobs and runs workers.
type Runner struct {
	queue  Queue
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]registration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for job failures and worker events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// NewRunner returns a Runner on q.
func NewRunner(q Queue, opts ...Option) *Runner {
	r := &Runner{
		queue:    q,
		logger:   slog.Default(),
		now:      time.Now,
		handlers: make(map[string]registration),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds the handler for name. The predicate is checked in the
// worker against the restored identity, as for a mutate operation.
func (r *Runner) Register(name string, pred opctx.Predicate, fn Handler) error {
	if name == "" || fn == nil {
		return fmt.Errorf("jobs: name and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, exists := r.handlers[name]; exists && reg.fn != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	r.handlers[name] = registration{pred: pred, fn: fn}
	return nil
}

// Declare allows Enqueue for name without a handler in this process. The
// job runs wherever a worker registered it. Declaring a registered name is
// a no-op.
func (r *Runner) Declare(name string) error {
	if name == "" {
		return fmt.Errorf("jobs: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; !exists {
		r.handlers[name] = registration{}
	}
	return nil
}

func (r *Runner) lookup(name string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	return reg, ok
}

// Enqueue captures the context of ctx and pushes a job for name with args
// encoded as JSON. It returns the job ID.
func (r *Runner) Enqueue(ctx context.Context, name string, args any) (string, error) {
	if _, ok := r.lookup(name); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding %s args: %w", name, err)
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Name:       name,
		Snapshot:   opctx.Capture(ctx),
		Args:       raw,
		EnqueuedAt: r.now().UTC(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encoding %s envelope: %w", name, err)
	}
	if err := r.queue.Push(ctx, payload); err != nil {
		return "", fmt.Errorf("enqueueing %s: %w", name, err)
	}
	r.logger.DebugContext(ctx, "job enqueued", "job", name, "job_id", env.ID)
	return env.ID, nil
}

// Process runs one encoded job. The handler runs in a context restored from
// the envelope, inside a mutate root named after the job. A panicking
// handler is reported as opctx.ErrServer.
func (r *Runner) Process(ctx context.Context, payload []byte) (err error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("%w: decoding job: %v", opctx.ErrClient, err)
	}
	reg, ok := r.lookup(env.Name)
	if !ok || reg.fn == nil {
		return fmt.Errorf("%w: no handler for %s", ErrUnknownJob, env.Name)
	}

	jctx := opctx.Restore(ctx, env.Snapshot)
	jctx = opctx.WithVars(jctx, map[string]any{"job": env.Name, "job_id": env.ID})

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: job %s panicked: %v", opctx.ErrServer, env.Name, p)
		}
	}()
	return opctx.Run(jctx, true, env.Name, reg.pred, func(ctx context.Context) error {
		return reg.fn(ctx, env.Args)
	})
}

// Run starts workers and blocks until ctx is done or the queue is closed.
// Job failures are logged; only queue failures that persist past ctx are
// returned.
func (r *Runner) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range workers {
		g.Go(func() error {
			return r.work(ctx, i)
		})
	}
	return g.Wait()
}

// retryDelay is the pause after a queue error.
const retryDelay = time.Second

func (r *Runner) work(ctx context.Context, worker int) error {
	log := r.logger.With("worker", worker)
	log.DebugContext(ctx, "worker started")
	for {
		payload, err := r.queue.Pop(ctx)
		switch {
		case ctx.Err() != nil, errors.Is(err, ErrQueueClosed):
			log.DebugContext(ctx, "worker stopped")
			return nil
		case errors.Is(err, ErrNoJob):
			continue
		case err != nil:
			log.ErrorContext(ctx, "queue pop failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}

		start := time.Now()
		if err := r.Process(ctx, payload); err != nil {
			log.ErrorContext(ctx, "job failed", "error", err, "duration", time.Since(start))
			continue
		}
		log.DebugContext(ctx, "job done", "duration", time.Since(start))
	}
}

// Task is a typed handle on a registered job.
type Task[T any] struct {
	runner *Runner
	name   string
}

// Register adds a typed handler: args are decoded into T before fn runs.
func Register[T any](r *Runner, name string, pred opctx.Predicate, fn func(ctx context.Context, arg T) error) (*Task[T], error) {
	err := r.Register(name, pred, func(ctx context.Context, raw json.RawMessage) error {
		var arg T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &arg); err != nil {
				return fmt.Errorf("%w: decoding %s args: %v", opctx.ErrClient, name, err)
			}
		}
		return fn(ctx, arg)
	})
	if err != nil {
		return nil, err
	}
	return &Task[T]{runner: r, name: name}, nil
}

// Declare returns a typed handle for enqueueing name from a process that
// does not run it.
func Declare[T any](r *Runner, name string) (*Task[T], error) {
	if err := r.Declare(name); err != nil {
		return nil, err
	}
	return &Task[T]{runner: r, name: name}, nil
}

// Name returns the job name.
func (t *Task[T]) Name() string { return t.name }

// Enqueue pushes a job carrying arg and the context of ctx.
func (t *Task[T]) Enqueue(ctx context.Context, arg T) (string, error) {
	return t.runner.Enqueue(ctx, t.name, arg)
}
