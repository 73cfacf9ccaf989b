package fragment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/pthm/opctx"
	"github.com/pthm/opctx/pkg/pool"
)

// Database runs work on a connection chosen for the context. It is
// implemented by *pool.Manager.
type Database interface {
	Do(ctx context.Context, fn func(ctx context.Context, conn pool.Conn) error) error
}

var _ Database = (*pool.Manager)(nil)

// Result is the outcome of Run. Which field is set depends on the kind of
// the fragment: Rows for Fetch and Iterate, Row for FetchRow (nil when no
// row matched), Tag for Exec.
type Result struct {
	Rows []map[string]any
	Row  map[string]any
	Tag  pgconn.CommandTag
}

// Run renders f, checks it against the operational mode of ctx and executes
// it with the driver call selected by its kind.
func (f *Fragment) Run(ctx context.Context, db Database) (*Result, error) {
	st, err := Render(ctx, f)
	if err != nil {
		return nil, err
	}
	sql := st.SQL()

	res := &Result{}
	err = db.Do(ctx, func(ctx context.Context, conn pool.Conn) error {
		switch f.kind {
		case KindExec:
			tag, err := conn.Exec(ctx, sql, st.Args...)
			res.Tag = tag
			return err
		case KindFetchRow:
			rows, err := conn.Query(ctx, sql, st.Args...)
			if err != nil {
				return err
			}
			row, err := pgx.CollectOneRow(rows, pgx.RowToMap)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			res.Row = row
			return err
		default:
			rows, err := conn.Query(ctx, sql, st.Args...)
			if err != nil {
				return err
			}
			res.Rows, err = pgx.CollectRows(rows, pgx.RowToMap)
			return err
		}
	})
	if err != nil {
		return nil, translate(err)
	}
	return res, nil
}

// Stream executes f and calls fn for each row as it is read. Returning an
// error from fn stops the iteration and is returned unchanged.
func (f *Fragment) Stream(ctx context.Context, db Database, fn func(row map[string]any) error) error {
	st, err := Render(ctx, f)
	if err != nil {
		return err
	}
	var fnErr error
	err = db.Do(ctx, func(ctx context.Context, conn pool.Conn) error {
		rows, err := conn.Query(ctx, st.SQL(), st.Args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			row, err := pgx.RowToMap(rows)
			if err != nil {
				return err
			}
			if fnErr = fn(row); fnErr != nil {
				return fnErr
			}
		}
		return rows.Err()
	})
	if fnErr != nil {
		return fnErr
	}
	return translate(err)
}

// Collect executes f and scans every row with scan, e.g.
// pgx.RowToStructByName[User].
func Collect[T any](ctx context.Context, db Database, f *Fragment, scan pgx.RowToFunc[T]) ([]T, error) {
	st, err := Render(ctx, f)
	if err != nil {
		return nil, err
	}
	var out []T
	err = db.Do(ctx, func(ctx context.Context, conn pool.Conn) error {
		rows, err := conn.Query(ctx, st.SQL(), st.Args...)
		if err != nil {
			return err
		}
		out, err = pgx.CollectRows(rows, scan)
		return err
	})
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// SQLSTATE codes for writes the database refused.
const (
	codeInsufficientPrivilege = "42501"
	codeReadOnlyTransaction   = "25006"
)

// translate maps a database refusal to write into opctx.ErrUnauthorized.
// Every other error is returned unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch sqlState(err) {
	case codeInsufficientPrivilege, codeReadOnlyTransaction:
		return fmt.Errorf("%w: %w", opctx.ErrUnauthorized, err)
	}
	return err
}

// sqlState extracts the SQLSTATE code from a driver error.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	// Try SQLState() method (other wrappers)
	type sqlStateErr interface{ SQLState() string }
	var e sqlStateErr
	if errors.As(err, &e) {
		return e.SQLState()
	}

	// Fallback: "... (SQLSTATE 42501)"
	errStr := err.Error()
	if idx := strings.Index(errStr, "SQLSTATE "); idx >= 0 {
		start := idx + len("SQLSTATE ")
		if start+5 <= len(errStr) {
			return errStr[start : start+5]
		}
	}
	return ""
}
