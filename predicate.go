package opctx

import (
	"context"
	"fmt"
	"strings"
)

type predicateKind uint8

const (
	kindUnrestricted predicateKind = iota
	kindAuthenticated
	kindClaim
	kindAnd
	kindOr
	kindNot
)

// Predicate is an immutable boolean expression over an Identity.
//
// Leaves are Unrestricted, IsAuthenticated and Claim; interior nodes are
// built with And, Or and Not. The zero value is Unrestricted.
//
//	var Editors = opctx.Or(opctx.Claim("editor"), opctx.Claim("admin"))
//
// Claim depends on the mode of the operation being checked, so evaluation
// always takes the mode explicitly (see Evaluate).
type Predicate struct {
	kind predicateKind
	name string
	args []Predicate
}

var (
	// Unrestricted accepts every identity, authenticated or not.
	Unrestricted = Predicate{kind: kindUnrestricted}

	// IsAuthenticated accepts any authenticated identity.
	IsAuthenticated = Predicate{kind: kindAuthenticated}
)

// Claim accepts an authenticated identity holding the named claim at a tier
// high enough for the mode being evaluated.
func Claim(name string) Predicate {
	return Predicate{kind: kindClaim, name: name}
}

// And accepts when every operand accepts. Operands are evaluated left to
// right and evaluation stops at the first rejection.
func And(a, b Predicate, more ...Predicate) Predicate {
	return Predicate{kind: kindAnd, args: append([]Predicate{a, b}, more...)}
}

// Or accepts when any operand accepts, stopping at the first acceptance.
func Or(a, b Predicate, more ...Predicate) Predicate {
	return Predicate{kind: kindOr, args: append([]Predicate{a, b}, more...)}
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return Predicate{kind: kindNot, args: []Predicate{p}}
}

// Evaluate reports whether id satisfies p for an operation running in mode.
func Evaluate(p Predicate, id Identity, mode Mode) bool {
	switch p.kind {
	case kindUnrestricted:
		return true
	case kindAuthenticated:
		return id.IsAuthenticated()
	case kindClaim:
		if !id.IsAuthenticated() {
			return false
		}
		tier, ok := id.Claim(p.name)
		return ok && tier >= mode.RequiredTier()
	case kindAnd:
		for _, arg := range p.args {
			if !Evaluate(arg, id, mode) {
				return false
			}
		}
		return true
	case kindOr:
		for _, arg := range p.args {
			if Evaluate(arg, id, mode) {
				return true
			}
		}
		return false
	case kindNot:
		return !Evaluate(p.args[0], id, mode)
	default:
		return false
	}
}

// Authorize evaluates p against the identity and local mode held by ctx.
// It returns an error wrapping ErrUnauthorized when p rejects.
//
// Use it to guard code paths that are not themselves operations:
//
//	func exportAll(ctx context.Context) error {
//	    if err := opctx.Authorize(ctx, opctx.Claim("admin")); err != nil {
//	        return err
//	    }
//	    ...
//	}
func Authorize(ctx context.Context, p Predicate) error {
	st := From(ctx)
	if !Evaluate(p, st.Identity(), st.Local()) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnauthorized, describe(st.Identity()), p)
	}
	return nil
}

// String renders p in a compact prefix form, used in error messages.
func (p Predicate) String() string {
	switch p.kind {
	case kindUnrestricted:
		return "unrestricted"
	case kindAuthenticated:
		return "authenticated"
	case kindClaim:
		return "claim(" + p.name + ")"
	case kindAnd, kindOr:
		op := "and"
		if p.kind == kindOr {
			op = "or"
		}
		parts := make([]string, len(p.args))
		for i, arg := range p.args {
			parts[i] = arg.String()
		}
		return op + "(" + strings.Join(parts, ", ") + ")"
	case kindNot:
		return "not(" + p.args[0].String() + ")"
	default:
		return "invalid"
	}
}

func describe(id Identity) string {
	if !id.IsAuthenticated() {
		return "unauthenticated caller"
	}
	if id.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", id.DisplayName, id.ID)
	}
	return id.ID
}
