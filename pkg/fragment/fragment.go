// Package fragment composes SQL from deferred, reusable pieces.
//
// A Fragment is a SQL template with positional placeholders ($1, $2, ...).
// Each trailing constructor argument fills the placeholder of the same
// number: a *Fragment becomes a dependency and is rendered as a named CTE,
// anything else is passed to the driver as a parameter.
//
//	func usersByDomain(ctx context.Context, domain string) *fragment.Fragment {
//	    return fragment.Fetch(ctx, `select * from users where email like '%@' || $1`, domain)
//	}
//
//	func someUsersByDomain(ctx context.Context, domain string, n int) *fragment.Fragment {
//	    return fragment.Fetch(ctx, `select id, email from $1 order by random() limit $2`,
//	        usersByDomain(ctx, domain), n)
//	}
//
// renders as
//
//	WITH fragment_test__usersbydomain__1 AS (
//	    select * from users where email like '%@' || $1
//	)
//	-- fragment_test__someusersbydomain__1
//	select id, email from fragment_test__usersbydomain__1 order by random() limit $2
//
// Blocks are labelled after the function that built them. Two fragments
// built by the same function that render to the same SQL (after
// substituting parameter values) collapse into a single block.
//
// A fragment built inside a mutate operation, or by Exec, is a mutation.
// Executing a statement containing a mutation outside a mutate root fails
// with opctx.ErrUnauthorized before any database call.
package fragment

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strconv"

	"github.com/pthm/opctx"
)

// Kind is the terminal operation a fragment was built with. It selects the
// driver call used when the fragment is executed directly.
type Kind int

const (
	// KindFetch returns every row.
	KindFetch Kind = iota
	// KindFetchRow returns the first row, or none.
	KindFetchRow
	// KindExec runs an effectful statement and returns its command tag.
	KindExec
	// KindIterate streams rows.
	KindIterate
)

func (k Kind) String() string {
	switch k {
	case KindFetch:
		return "fetch"
	case KindFetchRow:
		return "fetchrow"
	case KindExec:
		return "exec"
	case KindIterate:
		return "iterate"
	default:
		return "unknown"
	}
}

// placeholder matches $N positional markers.
var placeholder = regexp.MustCompile(`\$(\d+)`)

// Fragment is an immutable description of one SQL block and the blocks it
// depends on. It owns no resources.
type Fragment struct {
	template string
	params   map[int]any
	deps     map[int]*Fragment
	path     string
	mutation bool
	kind     Kind
	err      error
}

// Fetch builds a fragment returning all rows.
func Fetch(ctx context.Context, template string, args ...any) *Fragment {
	return build(ctx, KindFetch, callerPath(), template, args)
}

// FetchRow builds a fragment returning the first row.
func FetchRow(ctx context.Context, template string, args ...any) *Fragment {
	return build(ctx, KindFetchRow, callerPath(), template, args)
}

// Exec builds an effectful fragment. It is always a mutation.
func Exec(ctx context.Context, template string, args ...any) *Fragment {
	return build(ctx, KindExec, callerPath(), template, args)
}

// Iterate builds a fragment whose rows are streamed.
func Iterate(ctx context.Context, template string, args ...any) *Fragment {
	return build(ctx, KindIterate, callerPath(), template, args)
}

// callerPath returns the qualified name of the function that called the
// exported constructor.
func callerPath() string {
	var pcs [4]uintptr
	n := runtime.Callers(3, pcs[:])
	if n == 0 {
		return "fragment"
	}
	frame, _ := runtime.CallersFrames(pcs[:n]).Next()
	if frame.Function == "" {
		return "fragment"
	}
	return opctx.TrimFuncName(frame.Function)
}

func build(ctx context.Context, kind Kind, path, template string, args []any) *Fragment {
	f := &Fragment{
		template: template,
		params:   make(map[int]any),
		deps:     make(map[int]*Fragment),
		path:     path,
		kind:     kind,
		mutation: kind == KindExec || opctx.From(ctx).Local() == opctx.ModeMutate,
	}
	for i, arg := range args {
		pos := i + 1
		if dep, ok := arg.(*Fragment); ok {
			if dep == nil {
				f.err = fmt.Errorf("fragment %s: nil dependency for $%d", path, pos)
				return f
			}
			f.deps[pos] = dep
			continue
		}
		f.params[pos] = arg
	}

	used := make(map[int]bool, len(args))
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(args) {
			f.err = fmt.Errorf("fragment %s: placeholder %s has no argument (%d given)", path, m[0], len(args))
			return f
		}
		used[n] = true
	}
	for pos := 1; pos <= len(args); pos++ {
		if !used[pos] {
			f.err = fmt.Errorf("fragment %s: argument %d is not referenced by the template", path, pos)
			return f
		}
	}
	return f
}

// Named returns a copy of f labelled after name instead of the function that
// built it. Fragments built in loops or closures use it to get stable labels.
func (f *Fragment) Named(name string) *Fragment {
	c := *f
	c.path = name
	return &c
}

// Path returns the name blocks built from f are labelled after.
func (f *Fragment) Path() string { return f.path }

// Kind returns the terminal operation f was built with.
func (f *Fragment) Kind() Kind { return f.kind }

// IsMutation reports whether f itself writes. Dependencies are not
// considered; see Statement.Mutation.
func (f *Fragment) IsMutation() bool { return f.mutation }

// Err returns the construction error, if any. It is also returned by
// Render.
func (f *Fragment) Err() error { return f.err }
