// Package opctx provides request-scoped operational context for
// PostgreSQL-backed services.
//
// # Core Concepts
//
// Every unit of work is either a query (read-only) or a mutation
// (read-write). The first operation entered on a context is the root and
// fixes the mode for everything it calls:
//
//	var ListUsers = opctx.Query("users.List", opctx.IsAuthenticated, listUsers)
//	var DeleteUser = opctx.Mutate("users.Delete", opctx.Claim("admin"), deleteUser)
//
// A mutation reached from a query root fails with ErrContext before it runs,
// however deep the call chain. The same rule is enforced again when a
// composed SQL statement is executed (package fragment) and a third time by
// the database, because query roots run on a reader role (package pool).
//
// # Identity and Tenant
//
// The caller and the row-level-security tenant travel in the context.
// Authentication is a collaborator: it produces an Identity and optionally a
// Tenant, and Schemes.Authenticate begins the request scope with them.
//
//	ctx, err := schemes.Authenticate(r.Context(), "bearer", token, r.Host)
//
// Tests simulate callers with WithIdentity.
//
// # Predicates
//
// Authorization rules are Predicate values built from Unrestricted,
// IsAuthenticated and Claim with And, Or and Not. Claims are integer tiers:
// a tier of 0 allows queries, a tier of 1 or more also allows mutations.
//
//	opctx.Or(opctx.Claim("editor"), opctx.Claim("admin"))
//
// # Scoped Variables
//
// WithVars attaches key/values to the context for nested code and for
// structured logs. Keys starting with HiddenPrefix are never logged.
//
// # Background Work
//
// Capture produces a JSON-serialisable Snapshot of identity, tenant and
// vars; Restore turns it back into a context with no mode set. Package jobs
// uses this to run handlers in a fresh mutate root.
//
// # Logging
//
// NewLogHandler wraps any slog.Handler and adds a "context" and a "user"
// group to records logged with a context.
package opctx
