package fragment_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/opctx"
	"github.com/pthm/opctx/internal/pgtest"
	"github.com/pthm/opctx/pkg/fragment"
	"github.com/pthm/opctx/pkg/pool"
)

// fakeDB runs every call on a single fake connection.
type fakeDB struct {
	conn  *pgtest.Conn
	calls int
}

func newFakeDB() *fakeDB {
	return &fakeDB{conn: &pgtest.Conn{}}
}

func (d *fakeDB) Do(ctx context.Context, fn func(context.Context, pool.Conn) error) error {
	d.calls++
	return fn(ctx, d.conn)
}

func randomUser(ctx context.Context) *fragment.Fragment {
	return fragment.FetchRow(ctx, `select * from users order by random() limit 1`)
}

func usersByEmailDomain(ctx context.Context, domain string) *fragment.Fragment {
	return fragment.Fetch(ctx, `select * from users where email like '%@' || $1`, domain)
}

func someUsersByEmailDomain(ctx context.Context, domain string, n int) *fragment.Fragment {
	return fragment.Fetch(ctx, `select id, email from $1 order by random() limit $2`,
		usersByEmailDomain(ctx, domain), n)
}

func deleteUser(ctx context.Context, id int) *fragment.Fragment {
	return fragment.Exec(ctx, `delete from users where id = $1`, id)
}

func queryCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, err := opctx.Enter(t.Context(), false, "users.List", opctx.Unrestricted)
	require.NoError(t, err)
	return ctx
}

func mutateCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, err := opctx.Enter(t.Context(), true, "users.Delete", opctx.Unrestricted)
	require.NoError(t, err)
	return ctx
}

func TestRender_SingleBlock(t *testing.T) {
	st, err := fragment.Render(queryCtx(t), randomUser(t.Context()))
	require.NoError(t, err)

	require.Len(t, st.Blocks, 1)
	assert.Equal(t, "fragment_test__randomuser__1", st.Blocks[0].Label)
	assert.Equal(t, "select * from users order by random() limit 1", st.SQL())
	assert.NotContains(t, st.SQL(), "WITH")
	assert.Empty(t, st.Args)
	assert.False(t, st.Mutation)
}

func TestRender_Dependency(t *testing.T) {
	ctx := queryCtx(t)
	st, err := fragment.Render(ctx, someUsersByEmailDomain(ctx, "example.com", 5))
	require.NoError(t, err)

	want := strings.Join([]string{
		"WITH fragment_test__usersbyemaildomain__1 AS (",
		"    select * from users where email like '%@' || $1",
		")",
		"-- fragment_test__someusersbyemaildomain__1",
		"select id, email from fragment_test__usersbyemaildomain__1 order by random() limit $2",
	}, "\n")
	assert.Equal(t, want, st.SQL())
	assert.Equal(t, []any{"example.com", 5}, st.Args)
}

func bothDomains(ctx context.Context, a, b string) *fragment.Fragment {
	return fragment.Fetch(ctx, `select * from $1 union select * from $2`,
		usersByEmailDomain(ctx, a), usersByEmailDomain(ctx, b))
}

func TestRender_Dedup(t *testing.T) {
	ctx := queryCtx(t)

	t.Run("identical calls collapse", func(t *testing.T) {
		st, err := fragment.Render(ctx, bothDomains(ctx, "example.com", "example.com"))
		require.NoError(t, err)

		require.Len(t, st.Blocks, 2)
		assert.Equal(t, []any{"example.com"}, st.Args)
		assert.Equal(t,
			"select * from fragment_test__usersbyemaildomain__1 union select * from fragment_test__usersbyemaildomain__1",
			st.Blocks[1].SQL)
	})

	t.Run("different literals stay apart", func(t *testing.T) {
		st, err := fragment.Render(ctx, bothDomains(ctx, "example.com", "example.org"))
		require.NoError(t, err)

		require.Len(t, st.Blocks, 3)
		assert.Equal(t, "fragment_test__usersbyemaildomain__1", st.Blocks[0].Label)
		assert.Equal(t, "fragment_test__usersbyemaildomain__2", st.Blocks[1].Label)
		assert.Equal(t, []any{"example.com", "example.org"}, st.Args)
		assert.Equal(t, "select * from users where email like '%@' || $2", st.Blocks[1].SQL)
	})

	t.Run("same fragment reused", func(t *testing.T) {
		dep := usersByEmailDomain(ctx, "example.com")
		f := fragment.Fetch(ctx, `select count(*) from $1 join $2 using (id)`, dep, dep)
		st, err := fragment.Render(ctx, f)
		require.NoError(t, err)
		assert.Len(t, st.Blocks, 2)
	})

	t.Run("different paths do not collapse", func(t *testing.T) {
		a := usersByEmailDomain(ctx, "example.com")
		b := usersByEmailDomain(ctx, "example.com").Named("audit.Users")
		st, err := fragment.Render(ctx, fragment.Fetch(ctx, `select * from $1, $2`, a, b))
		require.NoError(t, err)

		require.Len(t, st.Blocks, 3)
		assert.Equal(t, "audit__users__1", st.Blocks[1].Label)
		assert.Equal(t, []any{"example.com", "example.com"}, st.Args)
	})
}

func TestRender_ArgumentNumbering(t *testing.T) {
	ctx := queryCtx(t)

	t.Run("repeated placeholder binds once", func(t *testing.T) {
		st, err := fragment.Render(ctx, fragment.Fetch(ctx, `select $1::text as a, $1::text as b`, "x"))
		require.NoError(t, err)
		assert.Equal(t, "select $1::text as a, $1::text as b", st.SQL())
		assert.Equal(t, []any{"x"}, st.Args)
	})

	t.Run("two digit placeholders", func(t *testing.T) {
		args := make([]any, 10)
		parts := make([]string, 10)
		for i := range args {
			args[i] = i + 1
			parts[i] = fmt.Sprintf("$%d", i+1)
		}
		st, err := fragment.Render(ctx, fragment.Fetch(ctx, "select "+strings.Join(parts, ", "), args...))
		require.NoError(t, err)
		assert.Equal(t, "select $1, $2, $3, $4, $5, $6, $7, $8, $9, $10", st.SQL())
		assert.Equal(t, args, st.Args)
	})

	t.Run("dependency args come first", func(t *testing.T) {
		f := fragment.Fetch(ctx, `select * from $2 where id > $1`, 7, usersByEmailDomain(ctx, "example.com"))
		st, err := fragment.Render(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, []any{"example.com", 7}, st.Args)
		assert.Equal(t, "select * from fragment_test__usersbyemaildomain__1 where id > $2", st.Blocks[1].SQL)
	})
}

func TestRender_CleansTemplate(t *testing.T) {
	ctx := queryCtx(t)
	f := fragment.Fetch(ctx, `
		select id
		from users

		where active
	`)
	st, err := fragment.Render(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, "select id\nfrom users\nwhere active", st.SQL())
}

func TestRender_ConstructionErrors(t *testing.T) {
	ctx := queryCtx(t)
	var missing *fragment.Fragment

	tests := []struct {
		name string
		f    *fragment.Fragment
		want string
	}{
		{
			name: "placeholder without argument",
			f:    fragment.Fetch(ctx, `select $1, $2`, 1),
			want: "placeholder $2 has no argument",
		},
		{
			name: "unreferenced argument",
			f:    fragment.Fetch(ctx, `select $1`, 1, 2),
			want: "argument 2 is not referenced",
		},
		{
			name: "nil dependency",
			f:    fragment.Fetch(ctx, `select * from $1`, missing),
			want: "nil dependency for $1",
		},
		{
			name: "error in dependency",
			f:    fragment.Fetch(ctx, `select * from $1`, fragment.Fetch(ctx, `select $3`)),
			want: "placeholder $3 has no argument",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fragment.Render(ctx, tt.f)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMutationFlag(t *testing.T) {
	assert.True(t, deleteUser(t.Context(), 1).IsMutation(), "exec is always a mutation")
	assert.False(t, usersByEmailDomain(queryCtx(t), "x").IsMutation())
	assert.True(t, usersByEmailDomain(mutateCtx(t), "x").IsMutation(), "built inside a mutate operation")
	assert.Equal(t, fragment.KindExec, deleteUser(t.Context(), 1).Kind())
}

func TestRender_MutationUnderQueryRoot(t *testing.T) {
	deleteAndList := func(ctx context.Context) *fragment.Fragment {
		return fragment.Fetch(ctx, `select * from users where id not in (select id from $1)`,
			deleteUser(ctx, 1))
	}

	tests := []struct {
		name string
		ctx  context.Context
	}{
		{name: "query root", ctx: queryCtx(t)},
		{name: "no operation", ctx: t.Context()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newFakeDB()
			_, err := deleteAndList(tt.ctx).Run(tt.ctx, db)
			require.ErrorIs(t, err, opctx.ErrUnauthorized)
			assert.Equal(t, 0, db.calls, "no database call may be issued")
			assert.Empty(t, db.conn.Calls())
		})
	}

	t.Run("mutate root", func(t *testing.T) {
		ctx := mutateCtx(t)
		st, err := fragment.Render(ctx, deleteAndList(ctx))
		require.NoError(t, err)
		assert.True(t, st.Mutation)
		assert.True(t, st.Blocks[0].Mutation)
	})

	t.Run("system scope", func(t *testing.T) {
		ctx := opctx.AsSystem(queryCtx(t), nil)
		_, err := fragment.Render(ctx, deleteUser(ctx, 1))
		require.NoError(t, err)
	})
}

func TestRun(t *testing.T) {
	t.Run("fetch", func(t *testing.T) {
		db := newFakeDB()
		db.conn.QueryFunc = func(string, []any) (pgx.Rows, error) {
			return pgtest.NewRows([]string{"id", "email"},
				[]any{int32(1), "a@example.com"},
				[]any{int32(2), "b@example.com"},
			), nil
		}
		ctx := queryCtx(t)

		res, err := someUsersByEmailDomain(ctx, "example.com", 2).Run(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, []map[string]any{
			{"id": int32(1), "email": "a@example.com"},
			{"id": int32(2), "email": "b@example.com"},
		}, res.Rows)

		calls := db.conn.Calls()
		require.Len(t, calls, 1)
		assert.True(t, strings.HasPrefix(calls[0].SQL, "WITH fragment_test__usersbyemaildomain__1 AS ("))
		assert.Equal(t, []any{"example.com", 2}, calls[0].Args)
	})

	t.Run("fetch row", func(t *testing.T) {
		db := newFakeDB()
		db.conn.QueryFunc = func(string, []any) (pgx.Rows, error) {
			return pgtest.NewRows([]string{"id"}, []any{int32(9)}, []any{int32(10)}), nil
		}
		ctx := queryCtx(t)

		res, err := randomUser(ctx).Run(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"id": int32(9)}, res.Row)
	})

	t.Run("fetch row without rows", func(t *testing.T) {
		db := newFakeDB()
		ctx := queryCtx(t)

		res, err := randomUser(ctx).Run(ctx, db)
		require.NoError(t, err)
		assert.Nil(t, res.Row)
	})

	t.Run("exec", func(t *testing.T) {
		db := newFakeDB()
		db.conn.ExecFunc = func(string, []any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("DELETE 1"), nil
		}
		ctx := mutateCtx(t)

		res, err := deleteUser(ctx, 42).Run(ctx, db)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Tag.RowsAffected())
		assert.Equal(t, []pgtest.Call{{Method: "exec", SQL: "delete from users where id = $1", Args: []any{42}}}, db.conn.Calls())
	})
}

func TestRun_PrivilegeErrors(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		unauthorized bool
	}{
		{name: "pgx insufficient privilege", err: &pgconn.PgError{Code: "42501", Message: "permission denied for table users"}, unauthorized: true},
		{name: "pgx read only transaction", err: &pgconn.PgError{Code: "25006", Message: "cannot execute DELETE in a read-only transaction"}, unauthorized: true},
		{name: "pq insufficient privilege", err: &pq.Error{Code: "42501", Message: "permission denied"}, unauthorized: true},
		{name: "wrapped", err: fmt.Errorf("query failed: %w", &pgconn.PgError{Code: "42501"}), unauthorized: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}},
		{name: "plain error", err: errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newFakeDB()
			db.conn.ExecFunc = func(string, []any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, tt.err
			}
			ctx := mutateCtx(t)

			_, err := deleteUser(ctx, 1).Run(ctx, db)
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.unauthorized, opctx.IsUnauthorizedErr(err))
		})
	}
}

func TestStream(t *testing.T) {
	rows := func(string, []any) (pgx.Rows, error) {
		return pgtest.NewRows([]string{"n"}, []any{1}, []any{2}, []any{3}), nil
	}

	t.Run("all rows", func(t *testing.T) {
		db := newFakeDB()
		db.conn.QueryFunc = rows
		ctx := queryCtx(t)

		var got []any
		err := fragment.Iterate(ctx, `select n from generate_series(1, 3) n`).Stream(ctx, db, func(row map[string]any) error {
			got = append(got, row["n"])
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []any{1, 2, 3}, got)
	})

	t.Run("stop early", func(t *testing.T) {
		db := newFakeDB()
		db.conn.QueryFunc = rows
		ctx := queryCtx(t)
		stop := errors.New("stop")

		seen := 0
		err := fragment.Iterate(ctx, `select n from generate_series(1, 3) n`).Stream(ctx, db, func(map[string]any) error {
			seen++
			return stop
		})
		require.ErrorIs(t, err, stop)
		assert.Equal(t, 1, seen)
	})
}

func TestCollect(t *testing.T) {
	db := newFakeDB()
	db.conn.QueryFunc = func(string, []any) (pgx.Rows, error) {
		return pgtest.NewRows([]string{"email"}, []any{"a@example.com"}, []any{"b@example.com"}), nil
	}
	ctx := queryCtx(t)

	emails, err := fragment.Collect(ctx, db, fragment.Fetch(ctx, `select email from users`), pgx.RowTo[string])
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, emails)
}

func TestLabel(t *testing.T) {
	tests := []struct {
		path string
		n    int
		want string
	}{
		{path: "users.GetByID", n: 1, want: "users__getbyid__1"},
		{path: "users.(*Repo).Get", n: 2, want: "users__repo__get__2"},
		{path: "users.List.func1", n: 1, want: "users__list__func1__1"},
		{path: "9lives.Cat", n: 1, want: "f_9lives__cat__1"},
		{path: "", n: 1, want: "fragment__1"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, fragment.Label(tt.path, tt.n))
		})
	}

	t.Run("long paths are truncated", func(t *testing.T) {
		long := "reports." + strings.Repeat("VeryLongFunctionName", 5)
		a := fragment.Label(long, 1)
		b := fragment.Label(long+"X", 1)
		assert.Len(t, a, 63)
		assert.True(t, strings.HasSuffix(a, "__1"))
		assert.NotEqual(t, a, b)
	})
}
