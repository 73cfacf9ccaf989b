package opctx

import (
	"context"
	"reflect"
	"runtime"
	"strings"
)

// Operation is a business function declared as a query or a mutation.
//
// It stores the predicate, the declared mode and the function, and performs
// the Enter checks around every call. Build operations once, at package
// level, and call them like functions:
//
//	var GetUser = opctx.Query("users.GetUser", opctx.IsAuthenticated,
//	    func(ctx context.Context, id string) (*User, error) { ... })
//
//	u, err := GetUser.Call(ctx, "42")
type Operation[In, Out any] struct {
	name      string
	mutation  bool
	predicate Predicate
	fn        func(context.Context, In) (Out, error)
}

// Query declares a read-only operation. An empty name is replaced by the
// qualified name of fn.
func Query[In, Out any](name string, pred Predicate, fn func(context.Context, In) (Out, error)) *Operation[In, Out] {
	return newOperation(name, false, pred, fn)
}

// Mutate declares a read-write operation. An empty name is replaced by the
// qualified name of fn.
func Mutate[In, Out any](name string, pred Predicate, fn func(context.Context, In) (Out, error)) *Operation[In, Out] {
	return newOperation(name, true, pred, fn)
}

func newOperation[In, Out any](name string, mutation bool, pred Predicate, fn func(context.Context, In) (Out, error)) *Operation[In, Out] {
	if fn == nil {
		panic("opctx: nil operation function")
	}
	if name == "" {
		name = FuncName(fn)
	}
	return &Operation[In, Out]{name: name, mutation: mutation, predicate: pred, fn: fn}
}

// Name returns the qualified name used as entrypoint and in errors.
func (o *Operation[In, Out]) Name() string { return o.name }

// IsMutation reports whether the operation was declared with Mutate.
func (o *Operation[In, Out]) IsMutation() bool { return o.mutation }

// Predicate returns the operation's authorization predicate.
func (o *Operation[In, Out]) Predicate() Predicate { return o.predicate }

// Call checks the caller and the mode, then runs the function. When a check
// fails the function is not run and the zero Out is returned.
func (o *Operation[In, Out]) Call(ctx context.Context, in In) (Out, error) {
	ctx, err := Enter(ctx, o.mutation, o.name, o.predicate)
	if err != nil {
		var zero Out
		return zero, err
	}
	return o.fn(ctx, in)
}

// Run enters an anonymous operation around fn. It is the no-argument form
// of Operation for one-off blocks, e.g. in tests and job handlers.
func Run(ctx context.Context, mutation bool, name string, pred Predicate, fn func(context.Context) error) error {
	ctx, err := Enter(ctx, mutation, name, pred)
	if err != nil {
		return err
	}
	return fn(ctx)
}

// FuncName returns the qualified name of a function value, trimmed to
// "pkg.Func" form, e.g. "users.GetUser" or "users.(*Repo).Get".
func FuncName(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	rf := runtime.FuncForPC(v.Pointer())
	if rf == nil {
		return ""
	}
	return TrimFuncName(rf.Name())
}

// TrimFuncName drops the import path from a runtime function name and the
// "-fm" suffix the compiler adds to method values.
func TrimFuncName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSuffix(name, "-fm")
}
