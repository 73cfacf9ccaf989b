// Package pgtest provides in-memory stand-ins for pgx connections and
// pools, for unit tests that must observe the statements a component
// issues without a database.
package pgtest

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pthm/opctx/pkg/pool"
)

// Call is one statement received by a Conn.
type Call struct {
	Method string
	SQL    string
	Args   []any
}

// Conn records every statement and answers with the configured funcs.
// A nil QueryFunc returns no rows; a nil ExecFunc returns an empty tag.
type Conn struct {
	ID int

	QueryFunc func(sql string, args []any) (pgx.Rows, error)
	ExecFunc  func(sql string, args []any) (pgconn.CommandTag, error)

	mu       sync.Mutex
	calls    []Call
	released int
	pool     *Pool
}

var _ pool.Handle = (*Conn)(nil)

func (c *Conn) record(method, sql string, args []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Method: method, SQL: sql, Args: args})
}

// Query implements pool.Conn.
func (c *Conn) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	c.record("query", sql, args)
	if c.QueryFunc != nil {
		return c.QueryFunc(sql, args)
	}
	return NewRows(nil), nil
}

// QueryRow implements pool.Conn.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := c.Query(ctx, sql, args...)
	return &row{rows: rows, err: err}
}

// Exec implements pool.Conn.
func (c *Conn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.record("exec", sql, args)
	if c.ExecFunc != nil {
		return c.ExecFunc(sql, args)
	}
	verb, _, _ := strings.Cut(strings.TrimSpace(sql), " ")
	return pgconn.NewCommandTag(strings.ToUpper(verb)), nil
}

// Release implements pool.Handle.
func (c *Conn) Release() {
	c.mu.Lock()
	c.released++
	p := c.pool
	c.mu.Unlock()
	if p != nil {
		p.put(c)
	}
}

// Calls returns the statements received so far.
func (c *Conn) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Statements returns the SQL of the calls received so far.
func (c *Conn) Statements() []string {
	calls := c.Calls()
	out := make([]string, len(calls))
	for i, call := range calls {
		out[i] = call.SQL
	}
	return out
}

// Released returns how many times Release was called.
func (c *Conn) Released() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

// Pool hands out Conns, reusing released ones first.
type Pool struct {
	// New customises fresh connections. Optional.
	New func(c *Conn)
	// AcquireErr fails every Acquire when set.
	AcquireErr error

	mu       sync.Mutex
	idle     []*Conn
	all      []*Conn
	acquired int
	closed   bool
}

var _ pool.Pool = (*Pool)(nil)

// Acquire implements pool.Pool.
func (p *Pool) Acquire(ctx context.Context) (pool.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	if p.closed {
		return nil, fmt.Errorf("pgtest: pool closed")
	}
	p.acquired++
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return c, nil
	}
	c := &Conn{ID: len(p.all) + 1, pool: p}
	if p.New != nil {
		p.New(c)
	}
	p.all = append(p.all, c)
	return c, nil
}

func (p *Pool) put(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle = append(p.idle, c)
}

// Ping implements pool.Pool.
func (p *Pool) Ping(context.Context) error {
	return p.AcquireErr
}

// Close implements pool.Pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Closed reports whether Close was called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Acquired returns how many connections were handed out.
func (p *Pool) Acquired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

// Conns returns every connection created so far.
func (p *Pool) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.all...)
}

// Idle returns how many connections are back in the pool.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Dialer returns a pool.Dialer serving reader and writer from the given
// fakes and counting dials per role.
func Dialer(reader, writer *Pool, dials map[pool.Role]int) pool.Dialer {
	var mu sync.Mutex
	return func(_ context.Context, role pool.Role, _ pool.Config) (pool.Pool, error) {
		mu.Lock()
		defer mu.Unlock()
		if dials != nil {
			dials[role]++
		}
		if role == pool.RoleReader {
			return reader, nil
		}
		return writer, nil
	}
}

// Rows is an in-memory pgx.Rows.
type Rows struct {
	columns []string
	data    [][]any
	pos     int
	err     error
	closed  bool
}

var _ pgx.Rows = (*Rows)(nil)

// NewRows returns rows with the given column names and values. Each entry of
// data is one row, in column order.
func NewRows(columns []string, data ...[]any) *Rows {
	return &Rows{columns: columns, data: data}
}

// WithErr makes the rows report err after the last row.
func (r *Rows) WithErr(err error) *Rows {
	r.err = err
	return r
}

func (r *Rows) Close()                        { r.closed = true }
func (r *Rows) Err() error                    { return r.err }
func (r *Rows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", len(r.data))) }
func (r *Rows) RawValues() [][]byte           { return nil }
func (r *Rows) Conn() *pgx.Conn               { return nil }

func (r *Rows) FieldDescriptions() []pgconn.FieldDescription {
	fds := make([]pgconn.FieldDescription, len(r.columns))
	for i, c := range r.columns {
		fds[i] = pgconn.FieldDescription{Name: c}
	}
	return fds
}

func (r *Rows) Next() bool {
	if r.closed || r.pos >= len(r.data) {
		r.closed = true
		return false
	}
	r.pos++
	return true
}

func (r *Rows) Values() ([]any, error) {
	if r.pos == 0 || r.pos > len(r.data) {
		return nil, fmt.Errorf("pgtest: no current row")
	}
	return r.data[r.pos-1], nil
}

// Scan supports pgx.RowScanner destinations (used by pgx.RowToMap and
// friends) and plain pointers of matching types.
func (r *Rows) Scan(dest ...any) error {
	if len(dest) == 1 {
		if rs, ok := dest[0].(pgx.RowScanner); ok {
			return rs.ScanRow(r)
		}
	}
	values, err := r.Values()
	if err != nil {
		return err
	}
	if len(dest) != len(values) {
		return fmt.Errorf("pgtest: %d destinations for %d columns", len(dest), len(values))
	}
	for i, d := range dest {
		if d == nil {
			continue
		}
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("pgtest: destination %d is not a pointer", i)
		}
		if values[i] == nil {
			dv.Elem().SetZero()
			continue
		}
		v := reflect.ValueOf(values[i])
		if !v.Type().AssignableTo(dv.Elem().Type()) {
			return fmt.Errorf("pgtest: cannot scan %T into %s", values[i], dv.Elem().Type())
		}
		dv.Elem().Set(v)
	}
	return nil
}

type row struct {
	rows pgx.Rows
	err  error
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return pgx.ErrNoRows
	}
	return r.rows.Scan(dest...)
}
