package opctx

import (
	"encoding/json"
	"maps"
)

// NullID is the well-known identifier of the anonymous identity and of the
// null tenant.
const NullID = "00000000-0000-0000-0000-000000000000"

// systemDisplayName is the display name of SystemIdentity.
const systemDisplayName = "__system__"

// Identity is the caller a unit of work runs on behalf of.
//
// Identities are values: they are built once by an Authenticator (or by
// tests) and then replaced, never mutated, by context scoping. The maps
// passed to the constructors are copied; callers must treat the maps
// exposed on the struct as read-only.
//
// Claims hold integer tiers. A claim tier of 0 grants read access, 1 or more
// grants write access. See Claim.
type Identity struct {
	ID          string
	DisplayName string
	TenantID    string
	Properties  map[string]any
	Claims      map[string]int

	authenticated bool
}

// IdentityOption configures an Identity at construction.
type IdentityOption func(*Identity)

// WithClaims sets the identity's claim tiers.
func WithClaims(claims map[string]int) IdentityOption {
	return func(i *Identity) {
		i.Claims = maps.Clone(claims)
	}
}

// WithProperties sets free-form identity properties (email, username...).
// Properties are included in structured logs.
func WithProperties(props map[string]any) IdentityOption {
	return func(i *Identity) {
		i.Properties = maps.Clone(props)
	}
}

// WithTenantID sets the tenant the identity belongs to.
func WithTenantID(id string) IdentityOption {
	return func(i *Identity) {
		i.TenantID = id
	}
}

// NewIdentity returns an authenticated identity.
func NewIdentity(id, displayName string, opts ...IdentityOption) Identity {
	i := Identity{
		ID:            id,
		DisplayName:   displayName,
		TenantID:      NullID,
		authenticated: true,
	}
	for _, opt := range opts {
		opt(&i)
	}
	return i.normalize()
}

// Anonymous returns the unauthenticated identity. It never carries claims,
// so only Unrestricted and Not(IsAuthenticated) predicates accept it.
func Anonymous() Identity {
	return Identity{
		ID:       NullID,
		TenantID: NullID,
	}.normalize()
}

// UnauthenticatedIdentity returns an unauthenticated identity that still
// carries a display name and properties, e.g. a caller whose credential
// was recognised but rejected. Claims are always dropped.
func UnauthenticatedIdentity(id, displayName string, opts ...IdentityOption) Identity {
	i := Identity{ID: id, DisplayName: displayName, TenantID: NullID}
	for _, opt := range opts {
		opt(&i)
	}
	i.Claims = nil
	return i.normalize()
}

// SystemIdentity returns the authenticated identity used by AsSystem.
func SystemIdentity(tenantID string) Identity {
	if tenantID == "" {
		tenantID = NullID
	}
	return Identity{
		ID:            NullID,
		DisplayName:   systemDisplayName,
		TenantID:      tenantID,
		authenticated: true,
	}.normalize()
}

func (i Identity) normalize() Identity {
	if i.Properties == nil {
		i.Properties = map[string]any{}
	}
	if i.Claims == nil {
		i.Claims = map[string]int{}
	}
	return i
}

// IsAuthenticated reports whether the identity was produced by a successful
// authentication.
func (i Identity) IsAuthenticated() bool {
	return i.authenticated
}

// IsSystem reports whether the identity is the system identity.
func (i Identity) IsSystem() bool {
	return i.authenticated && i.ID == NullID && i.DisplayName == systemDisplayName
}

// Claim returns the tier of the named claim and whether it is present.
func (i Identity) Claim(name string) (int, bool) {
	tier, ok := i.Claims[name]
	return tier, ok
}

// Property returns the named property and whether it is present.
func (i Identity) Property(key string) (any, bool) {
	v, ok := i.Properties[key]
	return v, ok
}

type identityJSON struct {
	ID            string         `json:"id"`
	DisplayName   string         `json:"display_name"`
	TenantID      string         `json:"tenant_id"`
	Properties    map[string]any `json:"properties"`
	Claims        map[string]int `json:"claims"`
	Authenticated bool           `json:"authenticated"`
}

// MarshalJSON includes the authenticated flag so snapshots survive a
// round trip through a job queue.
func (i Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(identityJSON{
		ID:            i.ID,
		DisplayName:   i.DisplayName,
		TenantID:      i.TenantID,
		Properties:    i.Properties,
		Claims:        i.Claims,
		Authenticated: i.authenticated,
	})
}

// UnmarshalJSON restores an identity written by MarshalJSON.
func (i *Identity) UnmarshalJSON(data []byte) error {
	var raw identityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = Identity{
		ID:            raw.ID,
		DisplayName:   raw.DisplayName,
		TenantID:      raw.TenantID,
		Properties:    raw.Properties,
		Claims:        raw.Claims,
		authenticated: raw.Authenticated,
	}
	if !i.authenticated {
		i.Claims = nil
	}
	*i = i.normalize()
	return nil
}

// Tenant is the row-level-security partition a unit of work is bound to.
type Tenant struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	Properties  map[string]any `json:"properties"`
}

// NewTenant returns a tenant. The properties map is copied.
func NewTenant(id, displayName string, props map[string]any) Tenant {
	t := Tenant{ID: id, DisplayName: displayName, Properties: maps.Clone(props)}
	if t.Properties == nil {
		t.Properties = map[string]any{}
	}
	return t
}

// DefaultTenant returns the null tenant for a request that did not resolve
// a tenant. The origin (usually the request host) is kept as the display
// name so logs still show where the request came from.
func DefaultTenant(origin string) Tenant {
	return NewTenant(NullID, origin, nil)
}

// IsNull reports whether t is a null tenant.
func (t Tenant) IsNull() bool {
	return t.ID == "" || t.ID == NullID
}
