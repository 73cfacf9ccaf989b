// Package doctor provides health checks for an opctx deployment.
//
// The doctor command validates that the reader and writer pools are
// configured, reachable, and enforce what the runtime relies on: read-only
// reader sessions, a writable tenant setting, and row-level-security
// policies that the connecting roles cannot bypass.
//
// Example usage:
//
//	d := doctor.New(cfg)
//	report, err := d.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	report.Print(os.Stdout, true) // verbose=true
package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pthm/opctx"
	"github.com/pthm/opctx/pkg/jobs"
	"github.com/pthm/opctx/pkg/pool"
)

// Status represents the result of a health check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical issue that will cause failures.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns a status indicator symbol for terminal output.
func (s Status) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "⚠"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

// CheckResult represents the outcome of a single health check.
type CheckResult struct {
	// Category groups related checks (e.g., "Connectivity", "Security").
	Category string

	// Name is a short identifier for the check.
	Name string

	// Status is the check outcome.
	Status Status

	// Message is a human-readable description of the result.
	Message string

	// Details provides additional information for verbose output.
	Details string

	// FixHint suggests how to resolve issues.
	FixHint string
}

// Report contains all health check results.
type Report struct {
	Checks []CheckResult

	// Summary counts.
	Passed   int
	Warnings int
	Errors   int
}

// AddCheck adds a check result and updates summary counts.
func (r *Report) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

// Print writes the report to the given writer.
func (r *Report) Print(w io.Writer, verbose bool) {
	// Group checks by category
	categories := make(map[string][]CheckResult)
	var categoryOrder []string
	for _, check := range r.Checks {
		if _, exists := categories[check.Category]; !exists {
			categoryOrder = append(categoryOrder, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	// Print each category
	for _, cat := range categoryOrder {
		_, _ = fmt.Fprintf(w, "\n%s\n", cat)
		for _, check := range categories[cat] {
			_, _ = fmt.Fprintf(w, "  %s %s\n", check.Status.Symbol(), check.Message)
			if verbose && check.Details != "" {
				// Indent details
				for _, line := range strings.Split(check.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if check.Status != StatusPass && check.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      Fix: %s\n", check.FixHint)
			}
		}
	}

	// Print summary
	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n",
		r.Passed, r.Warnings, r.Errors)
}

// HasErrors returns true if any check failed.
func (r *Report) HasErrors() bool {
	return r.Errors > 0
}

// Find returns the first check with the given category and name.
func (r *Report) Find(category, name string) (CheckResult, bool) {
	for _, c := range r.Checks {
		if c.Category == category && c.Name == name {
			return c, true
		}
	}
	return CheckResult{}, false
}

// probeTenant is bound during the tenant round-trip check.
const probeTenant = "opctx-doctor"

const (
	catConfig       = "Configuration"
	catConnectivity = "Connectivity"
	catSession      = "Session"
	catSecurity     = "Security"
	catJobs         = "Jobs"
)

// rlsTablesQuery lists user tables with row-level security enabled.
const rlsTablesQuery = `
SELECT n.nspname || '.' || c.relname
FROM pg_class c
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'p')
  AND c.relrowsecurity
  AND n.nspname NOT IN ('pg_catalog', 'information_schema')
ORDER BY 1`

const roleAttrsQuery = `SELECT rolsuper, rolbypassrls FROM pg_roles WHERE rolname = current_user`

// QueueProbe reports the backlog of the job queue.
type QueueProbe func(ctx context.Context) (int64, error)

// Doctor performs health checks on the reader and writer pools.
type Doctor struct {
	cfg    pool.Config
	dial   pool.Dialer
	queue  QueueProbe
	logger *slog.Logger
}

// Option configures a Doctor.
type Option func(*Doctor)

// WithDialer replaces the pgxpool dialer.
func WithDialer(dial pool.Dialer) Option {
	return func(d *Doctor) { d.dial = dial }
}

// WithQueue enables the job queue check.
func WithQueue(probe QueueProbe) Option {
	return func(d *Doctor) { d.queue = probe }
}

// WithRedis enables the job queue check against the Redis queue in cfg.
func WithRedis(cfg jobs.Config) Option {
	return WithQueue(func(ctx context.Context) (int64, error) {
		q, err := jobs.NewRedisQueue(ctx, cfg)
		if err != nil {
			return 0, err
		}
		defer func() { _ = q.Close() }()
		return q.Len(ctx)
	})
}

// New creates a new Doctor instance.
func New(cfg pool.Config, opts ...Option) *Doctor {
	d := &Doctor{
		cfg:    cfg,
		dial:   pool.DialPGX,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes all health checks and returns a report. Check failures are
// recorded in the report; the error is non-nil only when ctx ends first.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	mgr, ok := d.checkConfig(report)
	if !ok {
		return report, nil
	}
	defer mgr.Close()

	var reachable []pool.Role
	for _, role := range []pool.Role{pool.RoleWriter, pool.RoleReader} {
		if d.checkConnectivity(ctx, mgr, role, report) {
			reachable = append(reachable, role)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, role := range reachable {
		switch role {
		case pool.RoleReader:
			d.checkReadOnly(ctx, mgr, report)
		case pool.RoleWriter:
			d.checkTenantSetting(ctx, mgr, report)
			d.checkRLSTables(ctx, mgr, report)
		}
		d.checkRoleAttributes(ctx, mgr, role, report)
	}

	if d.queue != nil {
		d.checkQueue(ctx, report)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return report, nil
}

// as runs fn on a connection from role's pool, bound to tenant.
func as(ctx context.Context, mgr *pool.Manager, role pool.Role, tenant string, fn func(context.Context, pool.Conn) error) error {
	if tenant != "" {
		ctx = opctx.WithTenant(ctx, opctx.NewTenant(tenant, "doctor", nil))
	}
	return opctx.Run(ctx, role == pool.RoleWriter, "doctor."+role.String(), opctx.Unrestricted, func(ctx context.Context) error {
		return mgr.Do(ctx, fn)
	})
}

func (d *Doctor) checkConfig(report *Report) (*pool.Manager, bool) {
	mgr, err := pool.New(d.cfg, pool.WithDialer(d.dial), pool.WithLogger(d.logger))
	if err != nil {
		report.AddCheck(CheckResult{
			Category: catConfig,
			Name:     "valid",
			Status:   StatusFail,
			Message:  "Database configuration is invalid",
			Details:  err.Error(),
			FixHint:  "Set database.query_uri and database.mutate_uri (or OPCTX_DATABASE_QUERY_URI / OPCTX_DATABASE_MUTATE_URI)",
		})
		return nil, false
	}

	cfg := mgr.Config()
	report.AddCheck(CheckResult{
		Category: catConfig,
		Name:     "valid",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Reader and writer DSNs configured (tenant setting %s)", cfg.TenantSetting),
	})

	if cfg.QueryURI == cfg.MutateURI {
		report.AddCheck(CheckResult{
			Category: catConfig,
			Name:     "separate_roles",
			Status:   StatusWarn,
			Message:  "Reader and writer share one DSN",
			Details:  "Writes from query roots are only refused by read-only sessions, not by grants",
			FixHint:  "Point database.query_uri at a role without write grants or at a replica",
		})
	} else {
		report.AddCheck(CheckResult{
			Category: catConfig,
			Name:     "separate_roles",
			Status:   StatusPass,
			Message:  "Reader and writer use separate DSNs",
		})
	}
	return mgr, true
}

func (d *Doctor) checkConnectivity(ctx context.Context, mgr *pool.Manager, role pool.Role, report *Report) bool {
	if err := mgr.Ping(ctx, role); err != nil {
		report.AddCheck(CheckResult{
			Category: catConnectivity,
			Name:     role.String(),
			Status:   StatusFail,
			Message:  fmt.Sprintf("Cannot connect to the %s database", role),
			Details:  err.Error(),
			FixHint:  "Check the DSN, credentials and network access",
		})
		return false
	}
	report.AddCheck(CheckResult{
		Category: catConnectivity,
		Name:     role.String(),
		Status:   StatusPass,
		Message:  fmt.Sprintf("Connected to the %s database", role),
	})
	return true
}

func (d *Doctor) checkReadOnly(ctx context.Context, mgr *pool.Manager, report *Report) {
	var setting string
	err := as(ctx, mgr, pool.RoleReader, "", func(ctx context.Context, conn pool.Conn) error {
		return conn.QueryRow(ctx, "SHOW default_transaction_read_only").Scan(&setting)
	})
	switch {
	case err != nil:
		report.AddCheck(CheckResult{
			Category: catSession,
			Name:     "reader_read_only",
			Status:   StatusFail,
			Message:  "Could not read the reader session mode",
			Details:  err.Error(),
		})
	case setting != "on":
		report.AddCheck(CheckResult{
			Category: catSession,
			Name:     "reader_read_only",
			Status:   StatusWarn,
			Message:  "Reader sessions accept writes",
			Details:  "default_transaction_read_only = " + setting,
			FixHint:  "ALTER ROLE <reader> SET default_transaction_read_only = on",
		})
	default:
		report.AddCheck(CheckResult{
			Category: catSession,
			Name:     "reader_read_only",
			Status:   StatusPass,
			Message:  "Reader sessions are read-only",
		})
	}
}

func (d *Doctor) checkTenantSetting(ctx context.Context, mgr *pool.Manager, report *Report) {
	setting := mgr.Config().TenantSetting
	var got string
	err := as(ctx, mgr, pool.RoleWriter, probeTenant, func(ctx context.Context, conn pool.Conn) error {
		return conn.QueryRow(ctx, "SELECT current_setting($1, true)", setting).Scan(&got)
	})
	switch {
	case err != nil:
		report.AddCheck(CheckResult{
			Category: catSession,
			Name:     "tenant_setting",
			Status:   StatusFail,
			Message:  fmt.Sprintf("Cannot bind %s", setting),
			Details:  err.Error(),
			FixHint:  "Custom settings need a dotted name, e.g. rls.tenant",
		})
	case got != probeTenant:
		report.AddCheck(CheckResult{
			Category: catSession,
			Name:     "tenant_setting",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%s did not keep the bound tenant", setting),
			Details:  fmt.Sprintf("bound %q, read back %q", probeTenant, got),
		})
	default:
		report.AddCheck(CheckResult{
			Category: catSession,
			Name:     "tenant_setting",
			Status:   StatusPass,
			Message:  fmt.Sprintf("Tenant binding via %s works", setting),
		})
	}
}

func (d *Doctor) checkRLSTables(ctx context.Context, mgr *pool.Manager, report *Report) {
	var tables []string
	err := as(ctx, mgr, pool.RoleWriter, "", func(ctx context.Context, conn pool.Conn) error {
		rows, err := conn.Query(ctx, rlsTablesQuery)
		if err != nil {
			return err
		}
		tables, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	switch {
	case err != nil:
		report.AddCheck(CheckResult{
			Category: catSecurity,
			Name:     "rls_tables",
			Status:   StatusFail,
			Message:  "Could not list row-level-security tables",
			Details:  err.Error(),
		})
	case len(tables) == 0:
		report.AddCheck(CheckResult{
			Category: catSecurity,
			Name:     "rls_tables",
			Status:   StatusWarn,
			Message:  "No tables have row-level security enabled",
			FixHint:  "ALTER TABLE <t> ENABLE ROW LEVEL SECURITY and add a policy on current_setting('" + mgr.Config().TenantSetting + "')",
		})
	default:
		report.AddCheck(CheckResult{
			Category: catSecurity,
			Name:     "rls_tables",
			Status:   StatusPass,
			Message:  fmt.Sprintf("%d tables have row-level security enabled", len(tables)),
			Details:  strings.Join(tables, "\n"),
		})
	}
}

func (d *Doctor) checkRoleAttributes(ctx context.Context, mgr *pool.Manager, role pool.Role, report *Report) {
	var super, bypass bool
	err := as(ctx, mgr, role, "", func(ctx context.Context, conn pool.Conn) error {
		return conn.QueryRow(ctx, roleAttrsQuery).Scan(&super, &bypass)
	})
	name := role.String() + "_role"
	switch {
	case err != nil:
		report.AddCheck(CheckResult{
			Category: catSecurity,
			Name:     name,
			Status:   StatusFail,
			Message:  fmt.Sprintf("Could not read %s role attributes", role),
			Details:  err.Error(),
		})
	case super || bypass:
		report.AddCheck(CheckResult{
			Category: catSecurity,
			Name:     name,
			Status:   StatusWarn,
			Message:  fmt.Sprintf("The %s role bypasses row-level security", role),
			Details:  fmt.Sprintf("superuser=%t bypassrls=%t", super, bypass),
			FixHint:  "Connect as a role with NOSUPERUSER NOBYPASSRLS",
		})
	default:
		report.AddCheck(CheckResult{
			Category: catSecurity,
			Name:     name,
			Status:   StatusPass,
			Message:  fmt.Sprintf("The %s role is subject to row-level security", role),
		})
	}
}

func (d *Doctor) checkQueue(ctx context.Context, report *Report) {
	n, err := d.queue(ctx)
	if err != nil {
		report.AddCheck(CheckResult{
			Category: catJobs,
			Name:     "queue",
			Status:   StatusFail,
			Message:  "Cannot reach the job queue",
			Details:  err.Error(),
			FixHint:  "Check jobs.redis_url",
		})
		return
	}
	report.AddCheck(CheckResult{
		Category: catJobs,
		Name:     "queue",
		Status:   StatusPass,
		Message:  fmt.Sprintf("Job queue reachable (%d pending)", n),
	})
}
