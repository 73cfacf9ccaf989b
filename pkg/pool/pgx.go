package pool

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxPool adapts *pgxpool.Pool to Pool.
type pgxPool struct {
	*pgxpool.Pool
}

func (p pgxPool) Acquire(ctx context.Context) (Handle, error) {
	return p.Pool.Acquire(ctx)
}

// ParseConfig builds the pgxpool configuration for role.
//
// Reader sessions default to read-only transactions, so a write that slips
// past the mode checks is still refused by the server.
func ParseConfig(role Role, cfg Config) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN(role))
	if err != nil {
		return nil, fmt.Errorf("parsing %s DSN: %w", role, err)
	}

	minConns, maxConns := cfg.WriterMinConns, cfg.WriterMaxConns
	if role == RoleReader {
		minConns, maxConns = cfg.ReaderMinConns, cfg.ReaderMaxConns
	}
	if maxConns > 0 {
		pc.MaxConns = maxConns
	}
	if minConns > 0 {
		pc.MinConns = min(minConns, pc.MaxConns)
	}

	params := pc.ConnConfig.RuntimeParams
	if cfg.CommandTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(cfg.CommandTimeout.Milliseconds(), 10)
	}
	if role == RoleReader {
		params["default_transaction_read_only"] = "on"
	}
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = "opctx-" + role.String()
	}
	return pc, nil
}

// DialPGX is the default Dialer. It opens a pgxpool for role and pings it.
func DialPGX(ctx context.Context, role Role, cfg Config) (Pool, error) {
	pc, err := ParseConfig(role, cfg)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("creating %s pool: %w", role, err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("connecting %s pool: %w", role, err)
	}
	return pgxPool{Pool: p}, nil
}
