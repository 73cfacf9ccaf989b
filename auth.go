package opctx

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Authenticator resolves a credential into a caller.
//
// The credential is whatever the transport extracted for the scheme: a
// bearer token, a basic-auth payload or a cookie value. A nil tenant means
// the caller did not resolve one; the request then runs on the null tenant
// of its origin. An unknown credential should return Anonymous() and no
// error; errors are reserved for failures of the authenticator itself.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Identity, *Tenant, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, credential string) (Identity, *Tenant, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, credential string) (Identity, *Tenant, error) {
	return f(ctx, credential)
}

// Schemes maps authentication scheme names ("bearer", "basic", "cookie")
// to authenticators. Scheme names are case-insensitive. The zero value is
// ready to use and safe for concurrent use.
type Schemes struct {
	mu      sync.RWMutex
	schemes map[string]Authenticator
}

// Register adds an authenticator for scheme. Registering a scheme twice is
// an error.
func (s *Schemes) Register(scheme string, a Authenticator) error {
	key := strings.ToLower(strings.TrimSpace(scheme))
	if key == "" {
		return fmt.Errorf("opctx: empty authentication scheme")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemes == nil {
		s.schemes = make(map[string]Authenticator)
	}
	if _, exists := s.schemes[key]; exists {
		return fmt.Errorf("opctx: authentication scheme %q already registered", scheme)
	}
	s.schemes[key] = a
	return nil
}

// Lookup returns the authenticator registered for scheme.
func (s *Schemes) Lookup(scheme string) (Authenticator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.schemes[strings.ToLower(strings.TrimSpace(scheme))]
	return a, ok
}

// Authenticate resolves the credential with the scheme's authenticator and
// begins a request scope for the result. A request without a credential,
// or with an unregistered scheme, begins an anonymous scope on the origin's
// null tenant; authorization is then left to the operations' predicates.
func (s *Schemes) Authenticate(ctx context.Context, scheme, credential, origin string) (context.Context, error) {
	ctx = Begin(ctx, WithOrigin(origin), WithCaller(Anonymous(), nil))
	if credential == "" {
		return ctx, nil
	}
	a, ok := s.Lookup(scheme)
	if !ok {
		return ctx, nil
	}
	id, tenant, err := a.Authenticate(ctx, credential)
	if err != nil {
		return ctx, fmt.Errorf("authenticating %s credential: %w", strings.ToLower(scheme), err)
	}
	return WithIdentity(ctx, id, tenant), nil
}
