package opctx_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pthm/opctx"
)

func bearer(tokens map[string]opctx.Identity) opctx.Authenticator {
	return opctx.AuthenticatorFunc(func(_ context.Context, token string) (opctx.Identity, *opctx.Tenant, error) {
		if token == "broken" {
			return opctx.Identity{}, nil, errors.New("token store unavailable")
		}
		id, ok := tokens[token]
		if !ok {
			return opctx.Anonymous(), nil, nil
		}
		tenant := opctx.NewTenant(id.TenantID, "Acme", nil)
		return id, &tenant, nil
	})
}

func TestSchemes_Register(t *testing.T) {
	var s opctx.Schemes
	a := bearer(nil)

	require.NoError(t, s.Register("Bearer", a))
	require.Error(t, s.Register("bearer", a), "names are case-insensitive")
	require.Error(t, s.Register(" ", a))

	_, ok := s.Lookup("BEARER")
	assert.True(t, ok)
	_, ok = s.Lookup("basic")
	assert.False(t, ok)
}

func TestSchemes_Authenticate(t *testing.T) {
	ada := opctx.NewIdentity("u1", "Ada", opctx.WithTenantID("t1"))
	var s opctx.Schemes
	require.NoError(t, s.Register("bearer", bearer(map[string]opctx.Identity{"good": ada})))

	tests := []struct {
		name       string
		scheme     string
		credential string
		wantUser   string
		wantTenant string
		wantErr    bool
	}{
		{name: "valid token", scheme: "Bearer", credential: "good", wantUser: "u1", wantTenant: "t1"},
		{name: "unknown token", scheme: "bearer", credential: "bad", wantUser: opctx.NullID, wantTenant: opctx.NullID},
		{name: "no credential", scheme: "bearer", wantUser: opctx.NullID, wantTenant: opctx.NullID},
		{name: "unknown scheme", scheme: "cookie", credential: "good", wantUser: opctx.NullID, wantTenant: opctx.NullID},
		{name: "authenticator failure", scheme: "bearer", credential: "broken", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, err := s.Authenticate(t.Context(), tt.scheme, tt.credential, "acme.example.com")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			st, err := opctx.Current(ctx)
			require.NoError(t, err)
			assert.NotEmpty(t, st.ID())
			assert.Equal(t, tt.wantUser, st.Identity().ID)
			assert.Equal(t, tt.wantTenant, st.Tenant().ID)
			if tt.wantTenant == opctx.NullID {
				assert.Equal(t, "acme.example.com", st.Tenant().DisplayName)
			}
		})
	}
}
