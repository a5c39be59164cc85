// Package registry holds the schema registry: the ordered set of schema
// definitions that gives every schema name a fixed u16 index, plus the
// protocol version, the update lock and the RPC method bindings.
//
// Readers never lock. The registry publishes an immutable State through an
// atomic pointer; writers serialize on a mutex, copy the current State,
// modify the copy and swap it in:
//
//	writer:  mu.Lock -> clone -> modify -> validate -> state.Store -> mu.Unlock
//	reader:  state.Load -> use the snapshot for the whole call
//
// A protocol upgrade received from a peer is a single pointer swap, so a
// failed upgrade leaves the registry untouched.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"utp/protocol"
	"utp/schema"
)

// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	state atomic.Pointer[State]
}

// New returns a registry holding the bootstrap schemas at version 1,
// locked.
func New() *Registry {
	r := &Registry{}
	r.state.Store(bootstrapState())
	return r
}

// State returns the current snapshot.
func (r *Registry) State() *State {
	return r.state.Load()
}

// update runs fn on a copy of the current state and publishes the copy if
// fn succeeds.
func (r *Registry) update(fn func(s *State) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.state.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	r.state.Store(next)
	return nil
}

// AddSchema appends a schema at the next free index. The name must be
// unused and every schema the fields reference must already exist.
func (r *Registry) AddSchema(name string, fields []schema.Field) error {
	return r.AddSchemas(schema.Definition{Name: name, Fields: fields})
}

// AddSchemas appends several schemas in the given order. Schemas may
// reference each other. Either all of them are added or none.
func (r *Registry) AddSchemas(defs ...schema.Definition) error {
	err := r.update(func(s *State) error {
		for _, d := range defs {
			if err := d.Validate(); err != nil {
				return err
			}
			if _, dup := s.index[d.Name]; dup {
				return fmt.Errorf("%w: schema %q already in use", protocol.ErrInvalidInputDataValue, d.Name)
			}
			if len(s.schemas) >= maxSchemas {
				return fmt.Errorf("%w: registry is full", protocol.ErrInvalidInputDataValue)
			}
			s.append(copyDefinition(d))
		}
		return s.check()
	})
	if err != nil {
		return err
	}
	for _, d := range defs {
		log.Info().Str("schema", d.Name).Int("fields", len(d.Fields)).Msg("schema added")
	}
	return nil
}

// RegisterRPC binds method to an existing schema.
func (r *Registry) RegisterRPC(method, schemaName string) error {
	err := r.update(func(s *State) error {
		if method == "" {
			return fmt.Errorf("%w: empty rpc method", protocol.ErrInvalidInputDataValue)
		}
		if bound, ok := s.rpc[method]; ok {
			return fmt.Errorf("%w: method %q already bound to %q", protocol.ErrInvalidInputDataValue, method, bound)
		}
		if _, ok := s.index[schemaName]; !ok {
			return fmt.Errorf("%w: %q", protocol.ErrSchemaNotFound, schemaName)
		}
		s.rpc[method] = schemaName
		return nil
	})
	if err != nil {
		return err
	}
	log.Info().Str("method", method).Str("schema", schemaName).Msg("rpc method bound")
	return nil
}

// Lookup resolves a schema name to its index and definition.
func (r *Registry) Lookup(name string) (uint16, schema.Definition, error) {
	i, d, ok := r.State().Lookup(name)
	if !ok {
		return 0, d, fmt.Errorf("%w: %q", protocol.ErrSchemaNotFound, name)
	}
	return i, d, nil
}

// LookupIndex returns the definition at index i.
func (r *Registry) LookupIndex(i uint16) (schema.Definition, error) {
	d, ok := r.State().Schema(i)
	if !ok {
		return d, fmt.Errorf("%w: index %d", protocol.ErrSchemaNotFound, i)
	}
	return d, nil
}

// Type returns the layout of a type by name.
func (r *Registry) Type(name string) (schema.Descriptor, bool) {
	d, ok := r.State().types[name]
	return d, ok
}

// SetLock sets whether incoming PROTO packets are ignored.
func (r *Registry) SetLock(locked bool) {
	_ = r.update(func(s *State) error {
		s.locked = locked
		return nil
	})
	log.Debug().Bool("locked", locked).Msg("protocol lock changed")
}

// Locked reports whether incoming PROTO packets are ignored.
func (r *Registry) Locked() bool {
	return r.State().locked
}

// SetVersion sets the protocol version.
func (r *Registry) SetVersion(v uint32) {
	_ = r.update(func(s *State) error {
		s.version = v
		return nil
	})
	log.Debug().Uint32("version", v).Msg("protocol version changed")
}

// Version returns the protocol version.
func (r *Registry) Version() uint32 {
	return r.State().version
}

// Definitions returns the current protocol in the shape of PROTO packet
// data.
func (r *Registry) Definitions() map[string]any {
	return r.State().Definitions()
}

// Methods returns the bound RPC methods, sorted.
func (r *Registry) Methods() []string {
	return r.State().Methods()
}

// Describe renders a schema on one line.
func (r *Registry) Describe(name string) (string, error) {
	_, d, err := r.Lookup(name)
	if err != nil {
		return "", err
	}
	return schema.Describe(d), nil
}

// Upgrade replaces the protocol with proto if the registry is unlocked and
// proto carries a newer version. It reports whether the upgrade happened.
// A malformed proto fails with ErrInvalidInputData and changes nothing.
func (r *Registry) Upgrade(proto map[string]any) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.state.Load()
	if cur.locked {
		return false, nil
	}
	next, err := parseProto(proto, cur)
	if err != nil {
		log.Warn().Err(err).Msg("rejected protocol upgrade")
		return false, err
	}
	if next.version <= cur.version {
		return false, nil
	}
	r.state.Store(next)
	log.Info().
		Uint32("from", cur.version).
		Uint32("to", next.version).
		Int("schemas", len(next.schemas)).
		Msg("protocol upgraded")
	return true, nil
}

// Replace installs proto unconditionally, ignoring the lock and version.
func (r *Registry) Replace(proto map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := parseProto(proto, r.state.Load())
	if err != nil {
		return err
	}
	r.state.Store(next)
	log.Info().Uint32("version", next.version).Int("schemas", len(next.schemas)).Msg("protocol replaced")
	return nil
}

func copyDefinition(d schema.Definition) schema.Definition {
	out := schema.Definition{Name: d.Name, Fields: make([]schema.Field, len(d.Fields))}
	for i := range d.Fields {
		out.Fields[i] = copyField(d.Fields[i])
	}
	return out
}

func copyField(f schema.Field) schema.Field {
	if f.List != nil {
		f.List = append([]string(nil), f.List...)
	}
	if f.Items != nil {
		items := copyField(*f.Items)
		f.Items = &items
	}
	return f
}
