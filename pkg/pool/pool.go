// Package pool routes database work to a reader or writer connection pool
// according to the operational mode, and binds every checked-out connection
// to the current tenant for row-level security.
//
// # Roles
//
// A Manager owns two pools, dialled lazily on first use:
//
//   - the reader pool (QueryURI), used when the root operation is a query;
//   - the writer pool (MutateURI), used for mutate roots and for work that
//     never entered an operation.
//
// Point QueryURI at a role without write grants (ideally a read replica):
// the database then rejects a mutation even if application checks are
// bypassed, and package fragment reports it as opctx.ErrUnauthorized.
//
// # Tenant Binding
//
// Every connection handed out has had
//
//	SET rls.tenant = '<tenant id>'
//
// issued on it (the setting name is configurable). Row-level-security
// policies read it with current_setting('rls.tenant').
//
// # Nesting
//
// Do stores the checked-out connection in the context it passes on, so
// nested Do calls in the same task reuse it instead of taking a second
// connection. A nested call for a different tenant switches the session
// setting for its duration and switches it back on exit.
//
//	err := mgr.Do(ctx, func(ctx context.Context, conn pool.Conn) error {
//	    // nested calls on ctx share conn
//	    return mgr.Do(ctx, func(ctx context.Context, same pool.Conn) error { ... })
//	})
//
// A context that carries a connection must not be used from two goroutines
// at once. Call Detach before handing it to a new goroutine.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pthm/opctx"
)

// Sentinel errors for pool configuration and lifecycle.
var (
	// ErrMissingDSN is returned by New when a role has no connection string.
	// It is a startup error: a Manager is never built without both roles.
	ErrMissingDSN = errors.New("pool: database DSN not configured")

	// ErrInvalidSetting is returned by New when the tenant setting name is
	// not a valid (optionally prefixed) configuration parameter name.
	ErrInvalidSetting = errors.New("pool: invalid tenant setting name")

	// ErrClosed is returned by Do after Close.
	ErrClosed = errors.New("pool: manager closed")
)

// DefaultTenantSetting is the session setting the tenant is bound to.
const DefaultTenantSetting = "rls.tenant"

// Conn is the driver contract used to run statements on a checked-out
// connection. It is satisfied by *pgxpool.Conn, *pgx.Conn and pgx.Tx.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Handle is a connection checked out of a Pool.
type Handle interface {
	Conn
	Release()
}

// Pool is a source of connections for a single role.
type Pool interface {
	Acquire(ctx context.Context) (Handle, error)
	Ping(ctx context.Context) error
	Close()
}

// Role selects the reader or the writer pool.
type Role int

const (
	// RoleWriter is the read-write pool.
	RoleWriter Role = iota
	// RoleReader is the read-only pool.
	RoleReader
)

func (r Role) String() string {
	switch r {
	case RoleWriter:
		return "writer"
	case RoleReader:
		return "reader"
	default:
		return "unknown"
	}
}

// Config configures a Manager.
type Config struct {
	// QueryURI is the reader DSN.
	QueryURI string
	// MutateURI is the writer DSN.
	MutateURI string

	// TenantSetting is the session parameter holding the tenant ID.
	// Defaults to DefaultTenantSetting.
	TenantSetting string

	ReaderMinConns int32
	ReaderMaxConns int32
	WriterMinConns int32
	WriterMaxConns int32

	// CommandTimeout bounds every statement (statement_timeout).
	// Zero leaves the server default.
	CommandTimeout time.Duration
}

// DefaultConfig returns pool sizes suited to a small service: three
// reader connections kept warm, a single writer.
func DefaultConfig() Config {
	return Config{
		TenantSetting:  DefaultTenantSetting,
		ReaderMinConns: 3,
		ReaderMaxConns: 10,
		WriterMinConns: 1,
		WriterMaxConns: 4,
		CommandTimeout: 60 * time.Second,
	}
}

// DSN returns the connection string for role.
func (c Config) DSN(role Role) string {
	if role == RoleReader {
		return c.QueryURI
	}
	return c.MutateURI
}

// settingName matches "name" or "prefix.name" parameter names.
var settingName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

// Validate checks that both roles are configured and the tenant setting is
// a safe identifier.
func (c Config) Validate() error {
	if c.MutateURI == "" {
		return fmt.Errorf("%w: %s (mutate_uri)", ErrMissingDSN, RoleWriter)
	}
	if c.QueryURI == "" {
		return fmt.Errorf("%w: %s (query_uri)", ErrMissingDSN, RoleReader)
	}
	if c.TenantSetting != "" && !settingName.MatchString(c.TenantSetting) {
		return fmt.Errorf("%w: %q", ErrInvalidSetting, c.TenantSetting)
	}
	return nil
}

// Dialer opens the pool for a role.
type Dialer func(ctx context.Context, role Role, cfg Config) (Pool, error)

// Manager hands out tenant-bound connections from the pool matching the
// operational mode of the context. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	roles [2]struct {
		mu   sync.Mutex
		pool Pool
	}

	mu     sync.Mutex
	closed bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the pgxpool dialer, e.g. with fakes in tests.
func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dial = d
	}
}

// WithLogger sets the logger for connection lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// New validates cfg and returns a Manager. No connection is opened until
// the first Do for each role.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.TenantSetting == "" {
		cfg.TenantSetting = DefaultTenantSetting
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:    cfg,
		dial:   DialPGX,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Config returns the configuration the Manager was built with.
func (m *Manager) Config() Config {
	return m.cfg
}

// Select returns the role for ctx: the reader for query roots, the writer
// for mutate roots and for contexts that never entered an operation.
func (m *Manager) Select(ctx context.Context) Role {
	if opctx.From(ctx).Global() == opctx.ModeQuery {
		return RoleReader
	}
	return RoleWriter
}

// pool returns the pool for role, dialling it on first use.
func (m *Manager) pool(ctx context.Context, role Role) (Pool, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	r := &m.roles[role]
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool != nil {
		return r.pool, nil
	}
	p, err := m.dial(ctx, role, m.cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s pool: %w", role, err)
	}
	m.logger.InfoContext(ctx, "database pool opened", "role", role.String())
	r.pool = p
	return p, nil
}

// Ping checks connectivity of the pool for role, dialling it if needed.
func (m *Manager) Ping(ctx context.Context, role Role) error {
	p, err := m.pool(ctx, role)
	if err != nil {
		return err
	}
	return p.Ping(ctx)
}

// Close closes every pool that was opened. Subsequent Do calls fail with
// ErrClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for i := range m.roles {
		r := &m.roles[i]
		r.mu.Lock()
		if r.pool != nil {
			r.pool.Close()
			r.pool = nil
		}
		r.mu.Unlock()
	}
}
