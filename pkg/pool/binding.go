package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lib/pq"

	"github.com/pthm/opctx"
)

// bindingKey identifies the connection a task holds on one role of one
// Manager.
type bindingKey struct {
	m    *Manager
	role Role
}

// epochKey marks the context a binding is valid in. Detach starts a new
// epoch, hiding every binding made before it.
type epochKey struct{}

type epoch struct{}

// binding is a connection checked out by the outermost Do of a task,
// together with the tenant currently set on it.
type binding struct {
	mu     sync.Mutex
	conn   Handle
	tenant string
	epoch  *epoch
	task   *opctx.Task
}

func epochOf(ctx context.Context) *epoch {
	e, _ := ctx.Value(epochKey{}).(*epoch)
	return e
}

// Detach returns a context that carries no connection binding, so a
// goroutine started with it takes its own connection on its first Do.
// Operational state (identity, tenant, mode) is kept. A context built by
// opctx.Restore is detached already.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, epochKey{}, &epoch{})
}

func (m *Manager) bound(ctx context.Context, role Role) *binding {
	b, ok := ctx.Value(bindingKey{m: m, role: role}).(*binding)
	if !ok || b.epoch != epochOf(ctx) || b.task != opctx.From(ctx).Task() {
		return nil
	}
	return b
}

// tenantOf returns the tenant ID to bind for ctx.
func tenantOf(ctx context.Context) string {
	id := opctx.From(ctx).Tenant().ID
	if id == "" {
		return opctx.NullID
	}
	return id
}

// Do runs fn with a connection from the pool selected for ctx, bound to the
// tenant of ctx.
//
// The outermost Do of a task acquires a connection, sets the tenant and
// releases the connection when fn returns. Nested Do calls on the context
// passed to fn reuse that connection; if the nested tenant differs, the
// setting is switched for the nested call and switched back on exit, so
// exactly one SET is issued each way.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context, conn Conn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	role := m.Select(ctx)
	tenant := tenantOf(ctx)

	if b := m.bound(ctx, role); b != nil {
		return m.reuse(ctx, b, tenant, fn)
	}

	p, err := m.pool(ctx, role)
	if err != nil {
		return err
	}
	h, err := p.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring %s connection: %w", role, err)
	}
	defer h.Release()

	if err := m.setTenant(ctx, h, tenant); err != nil {
		return err
	}
	m.logger.DebugContext(ctx, "connection acquired", "role", role.String(), "tenant", tenant)

	b := &binding{conn: h, tenant: tenant, epoch: epochOf(ctx), task: opctx.From(ctx).Task()}
	return fn(context.WithValue(ctx, bindingKey{m: m, role: role}, b), h)
}

func (m *Manager) reuse(ctx context.Context, b *binding, tenant string, fn func(context.Context, Conn) error) (err error) {
	b.mu.Lock()
	prev := b.tenant
	if prev != tenant {
		if err := m.setTenant(ctx, b.conn, tenant); err != nil {
			b.mu.Unlock()
			return err
		}
		b.tenant = tenant
		m.logger.DebugContext(ctx, "connection tenant switched", "from", prev, "to", tenant)
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.tenant == prev {
			return
		}
		// Restore even when ctx was cancelled: the outer scope still owns
		// the connection.
		if rerr := m.setTenant(context.WithoutCancel(ctx), b.conn, prev); rerr != nil {
			m.logger.ErrorContext(ctx, "restoring connection tenant failed", "tenant", prev, "error", rerr)
			err = errors.Join(err, rerr)
			return
		}
		b.tenant = prev
	}()

	return fn(ctx, b.conn)
}

func (m *Manager) setTenant(ctx context.Context, c Conn, tenant string) error {
	if _, err := c.Exec(ctx, m.SetTenantSQL(tenant)); err != nil {
		return fmt.Errorf("binding tenant %s: %w", tenant, err)
	}
	return nil
}

// SetTenantSQL returns the statement that binds a session to tenant.
func (m *Manager) SetTenantSQL(tenant string) string {
	return "SET " + m.cfg.TenantSetting + " = " + pq.QuoteLiteral(tenant)
}
