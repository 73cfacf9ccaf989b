package pgtest

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Env holds the connection strings of the provisioned test database.
type Env struct {
	// AdminDSN connects as the container superuser.
	AdminDSN string
	// ReaderDSN connects as app_reader, which may only SELECT.
	ReaderDSN string
	// WriterDSN connects as app_writer.
	WriterDSN string
}

// schemaSQL creates a tenant-partitioned table and the two application
// roles. Both roles are subject to row-level security.
const schemaSQL = `
CREATE TABLE notes (
    id        serial PRIMARY KEY,
    tenant_id text NOT NULL DEFAULT current_setting('rls.tenant'),
    body      text NOT NULL
);
ALTER TABLE notes ENABLE ROW LEVEL SECURITY;
ALTER TABLE notes FORCE ROW LEVEL SECURITY;
CREATE POLICY notes_tenant ON notes
    USING (tenant_id = current_setting('rls.tenant', true))
    WITH CHECK (tenant_id = current_setting('rls.tenant', true));

CREATE ROLE app_reader LOGIN PASSWORD 'reader';
CREATE ROLE app_writer LOGIN PASSWORD 'writer';
GRANT SELECT ON notes TO app_reader;
GRANT SELECT, INSERT, UPDATE, DELETE ON notes TO app_writer;
GRANT USAGE ON SEQUENCE notes_id_seq TO app_writer;
`

var (
	singletonOnce sync.Once
	singletonEnv  Env
	singletonErr  error
)

// ensureSingleton lazily starts the PostgreSQL container and provisions it.
// Safe for concurrent access via sync.Once.
func ensureSingleton() (Env, error) {
	singletonOnce.Do(func() {
		ctx := context.Background()

		container, err := postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("postgres"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			singletonErr = fmt.Errorf("failed to start PostgreSQL container: %w", err)
			return
		}

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			_ = container.Terminate(ctx)
			singletonErr = fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
			return
		}

		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			singletonErr = fmt.Errorf("failed to connect to PostgreSQL: %w", err)
			return
		}
		defer conn.Close(ctx)
		if _, err := conn.Exec(ctx, schemaSQL); err != nil {
			singletonErr = fmt.Errorf("failed to provision schema: %w", err)
			return
		}

		env := Env{AdminDSN: dsn}
		if env.ReaderDSN, err = withUser(dsn, "app_reader", "reader"); err != nil {
			singletonErr = err
			return
		}
		if env.WriterDSN, err = withUser(dsn, "app_writer", "writer"); err != nil {
			singletonErr = err
			return
		}
		singletonEnv = env
		// Container is not stored - ryuk will handle cleanup automatically
	})
	return singletonEnv, singletonErr
}

func withUser(dsn, user, password string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse DSN: %w", err)
	}
	u.User = url.UserPassword(user, password)
	return u.String(), nil
}

// Database returns the shared test database, starting it on first use.
// Tests sharing it must use distinct tenant IDs.
func Database(tb testing.TB) Env {
	tb.Helper()
	env, err := ensureSingleton()
	if err != nil {
		tb.Fatalf("test database: %v", err)
	}
	return env
}
