package opctx

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/google/uuid"
)

// stateKey is the context key for the operational state.
type stateKey struct{}

// frame is one immutable layer of operational state. Every scope derives a
// new frame and a new context.Context, so leaving the scope (by return,
// error, panic or cancellation) restores the previous frame for free.
type frame struct {
	id         string
	identity   Identity
	tenant     Tenant
	global     Mode
	local      Mode
	entrypoint string
	vars       *varFrame
	task       *Task
}

// Task identifies one unit of work for resources scoped to it, such as a
// checked-out connection. Restore starts a new task; every other scope
// inherits the task of its parent.
type Task struct{ _ byte }

// varFrame is one entry of the copy-on-write vars stack. values holds the
// full merged view at this depth and is never written after creation.
type varFrame struct {
	parent *varFrame
	values map[string]any
	depth  int
}

var emptyFrame = &frame{
	identity: Anonymous(),
	tenant:   DefaultTenant(""),
	vars:     &varFrame{values: map[string]any{}},
}

func lookup(ctx context.Context) (*frame, bool) {
	if ctx == nil {
		return nil, false
	}
	f, ok := ctx.Value(stateKey{}).(*frame)
	return f, ok
}

func current(ctx context.Context) *frame {
	if f, ok := lookup(ctx); ok {
		return f
	}
	return emptyFrame
}

func (f *frame) clone() *frame {
	c := *f
	return &c
}

func with(ctx context.Context, f *frame) context.Context {
	return context.WithValue(ctx, stateKey{}, f)
}

// State is a read-only view of the operational state carried by a context.
type State struct {
	f *frame
}

// From returns the operational state carried by ctx. A context without
// state yields the anonymous, null-tenant state with mode Unset; the first
// Begin or Enter on such a context creates the state.
func From(ctx context.Context) State {
	return State{f: current(ctx)}
}

// Current is like From but fails with ErrNoContext when ctx carries no
// state. Use it where silently running as anonymous would be a bug.
func Current(ctx context.Context) (State, error) {
	f, ok := lookup(ctx)
	if !ok {
		return State{}, ErrNoContext
	}
	return State{f: f}, nil
}

// ID returns the request identifier, empty until Begin or the first Enter.
func (s State) ID() string { return s.f.id }

// Identity returns the caller.
func (s State) Identity() Identity { return s.f.identity }

// Tenant returns the tenant the work is bound to.
func (s State) Tenant() Tenant { return s.f.tenant }

// Global returns the mode fixed by the root operation.
func (s State) Global() Mode { return s.f.global }

// Local returns the declared mode of the innermost operation.
func (s State) Local() Mode { return s.f.local }

// Entrypoint returns the name of the root operation.
func (s State) Entrypoint() string { return s.f.entrypoint }

// Task returns the task the state belongs to, nil outside a restored
// context.
func (s State) Task() *Task { return s.f.task }

// Var returns a scoped variable.
func (s State) Var(key string) (any, bool) {
	v, ok := s.f.vars.values[key]
	return v, ok
}

// Vars returns a copy of every visible scoped variable.
func (s State) Vars() map[string]any {
	return maps.Clone(s.f.vars.values)
}

// Keys returns the visible scoped variable names, sorted.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s.f.vars.values))
	for k := range s.f.vars.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Depth returns the number of WithVars scopes entered.
func (s State) Depth() int { return s.f.vars.depth }

// BeginOption configures Begin.
type BeginOption func(*frame)

// WithOrigin sets the default tenant from the request origin. It is
// overridden by WithCaller when the caller resolves a tenant.
func WithOrigin(origin string) BeginOption {
	return func(f *frame) {
		f.tenant = DefaultTenant(origin)
	}
}

// WithCaller sets the identity and, when non-nil, the tenant.
func WithCaller(id Identity, tenant *Tenant) BeginOption {
	return func(f *frame) {
		f.identity = id
		if tenant != nil {
			f.tenant = *tenant
		}
	}
}

// Begin starts a request scope: it assigns a fresh context ID and applies
// the options. Identity, tenant and vars already in ctx are inherited.
func Begin(ctx context.Context, opts ...BeginOption) context.Context {
	f := current(ctx).clone()
	f.id = uuid.NewString()
	for _, opt := range opts {
		opt(f)
	}
	return with(ctx, f)
}

// Enter performs the checks of an operation declared with the given mode
// and returns the context the operation body must run with.
//
// The first operation entered on a context is the root: it fixes the global
// mode and the entrypoint for everything it calls. Every operation sets the
// local mode to its own declared mode. The predicate is evaluated against
// the current identity with the local mode applied; a rejection returns
// ErrUnauthorized. A mutation entered below a query root returns ErrContext
// regardless of depth and even when the predicate accepted.
//
// On error the returned context is ctx unchanged and the body must not run.
func Enter(ctx context.Context, mutation bool, name string, pred Predicate) (context.Context, error) {
	f := current(ctx).clone()
	if f.id == "" {
		f.id = uuid.NewString()
	}
	mode := ModeOf(mutation)
	if f.global == ModeUnset {
		f.global = mode
		f.entrypoint = name
	}
	f.local = mode

	if !Evaluate(pred, f.identity, f.local) {
		return ctx, fmt.Errorf("%w: %s is not authorized to call %s", ErrUnauthorized, describe(f.identity), name)
	}
	if f.global == ModeQuery && mutation {
		return ctx, fmt.Errorf("%w: cannot mutate within a query root: %s (root %s)", ErrContext, name, f.entrypoint)
	}
	return with(ctx, f), nil
}

// WithIdentity replaces the identity, and the tenant when tenant is
// non-nil, for the returned context.
func WithIdentity(ctx context.Context, id Identity, tenant *Tenant) context.Context {
	f := current(ctx).clone()
	f.identity = id
	if tenant != nil {
		f.tenant = *tenant
	}
	return with(ctx, f)
}

// WithTenant replaces only the tenant.
func WithTenant(ctx context.Context, tenant Tenant) context.Context {
	f := current(ctx).clone()
	f.tenant = tenant
	return with(ctx, f)
}

// WithVars pushes a copy-on-write frame of scoped variables. The values are
// visible to nested scopes and to the log handler; keys starting with
// HiddenPrefix are kept out of logs.
func WithVars(ctx context.Context, vars map[string]any) context.Context {
	f := current(ctx).clone()
	merged := maps.Clone(f.vars.values)
	if merged == nil {
		merged = make(map[string]any, len(vars))
	}
	maps.Copy(merged, vars)
	f.vars = &varFrame{parent: f.vars, values: merged, depth: f.vars.depth + 1}
	return with(ctx, f)
}

// WithVar pushes a single scoped variable.
func WithVar(ctx context.Context, key string, value any) context.Context {
	return WithVars(ctx, map[string]any{key: value})
}

// AsSystem runs the returned context as the system identity with both
// modes forced to Mutate. It is the escape hatch for maintenance work that
// must write from inside a query root; the tenant defaults to the current
// one when nil.
func AsSystem(ctx context.Context, tenant *Tenant) context.Context {
	f := current(ctx).clone()
	if tenant != nil {
		f.tenant = *tenant
	}
	f.identity = SystemIdentity(f.tenant.ID)
	f.global = ModeMutate
	f.local = ModeMutate
	if f.id == "" {
		f.id = uuid.NewString()
	}
	return with(ctx, f)
}
