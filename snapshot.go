package opctx

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/google/uuid"
)

// Snapshot is a serialisable copy of the identity, tenant and scoped vars of
// a context. It is how work is handed to another goroutine or process, for
// example a background job: the snapshot carries no mode, no pool binding
// and no link to the originating request.
type Snapshot struct {
	ID         string         `json:"id"`
	Entrypoint string         `json:"entrypoint,omitempty"`
	Identity   Identity       `json:"identity"`
	Tenant     Tenant         `json:"tenant"`
	Vars       map[string]any `json:"vars,omitempty"`
}

// Capture returns a snapshot of ctx.
func Capture(ctx context.Context) Snapshot {
	f := current(ctx)
	return Snapshot{
		ID:         f.id,
		Entrypoint: f.entrypoint,
		Identity:   f.identity,
		Tenant:     f.tenant,
		Vars:       maps.Clone(f.vars.values),
	}
}

// Restore returns a context carrying the snapshot's identity, tenant and
// vars on top of parent. The result is a fresh root: both modes are Unset,
// so the first operation entered decides the mode again. The vars are
// restored as a single frame.
//
// The result also starts a new Task, so a connection bound in parent is
// not reused by work running on it.
func Restore(parent context.Context, s Snapshot) context.Context {
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	vars := maps.Clone(s.Vars)
	if vars == nil {
		vars = map[string]any{}
	}
	depth := 0
	if len(vars) > 0 {
		depth = 1
	}
	return with(parent, &frame{
		id:       id,
		identity: s.Identity,
		tenant:   s.Tenant,
		vars:     &varFrame{values: vars, depth: depth},
		task:     &Task{},
	})
}

// Marshal encodes the snapshot as JSON.
func (s Snapshot) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot decodes a snapshot written by Marshal.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decoding snapshot: %v", ErrClient, err)
	}
	if s.Tenant.Properties == nil {
		s.Tenant.Properties = map[string]any{}
	}
	return s, nil
}
