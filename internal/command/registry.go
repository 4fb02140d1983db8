package command

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Mode selects what happens when a command is registered twice.
type Mode int

const (
	// Strict rejects a second registration with ErrDuplicateCommand.
	Strict Mode = iota
	// HotSwap replaces the previous handler.
	HotSwap
)

type entry struct {
	id Id
	h  Handler
}

// Registry maps command names to handlers. It is safe for concurrent use.
type Registry struct {
	mode Mode

	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry(mode Mode) *Registry {
	return &Registry{mode: mode, entries: make(map[string]entry)}
}

func (r *Registry) Mode() Mode { return r.mode }

func check(id Id, h Handler) error {
	if !h.valid() {
		return errors.Errorf("command: %s: empty handler", id.name)
	}
	if h.Arity() != id.Arity() {
		return errors.Wrapf(ErrArityMismatch, "%s: handler takes %d", id, h.Arity())
	}
	for i, c := range id.params {
		if !h.probes[i](c.Zero()) {
			return errors.Wrapf(ErrParamType, "%s: parameter %d (%s)", id, i, c.Name())
		}
	}
	return nil
}

// Add binds h to id after checking arity and parameter types.
func (r *Registry) Add(id Id, h Handler) error {
	if err := check(id, h); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id.name]; ok && r.mode == Strict {
		return errors.Wrapf(ErrDuplicateCommand, "%s", id.name)
	}
	r.entries[id.name] = entry{id: id, h: h}
	return nil
}

// MustAdd is like Add but panics on error.
func (r *Registry) MustAdd(id Id, h Handler) {
	if err := r.Add(id, h); err != nil {
		panic(err)
	}
}

// Clear replaces id's handler with one that does nothing. The entry stays,
// so later calls still decode and succeed.
func (r *Registry) Clear(id Id) {
	r.mu.Lock()
	r.entries[id.name] = entry{id: id, h: noop(id.Arity())}
	r.mu.Unlock()
}

// Lookup returns the Id registered under name.
func (r *Registry) Lookup(name string) (Id, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	return e.id, ok
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Encode builds a payload for the registered command name.
func (r *Registry) Encode(name string, args ...any) ([]byte, error) {
	id, ok := r.Lookup(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCommand, "%q", name)
	}
	return Encode(id, args...)
}

// Dispatch decodes payload with the schema registered under name and runs
// the handler. Nothing is invoked if decoding fails. The decoded arguments
// are returned so callers can record them.
func (r *Registry) Dispatch(ctx Context, name string, payload []byte) (Args, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownCommand, "%q", name)
	}

	args, err := Decode(e.id, payload)
	if err != nil {
		return nil, err
	}
	e.h.call(ctx, args)
	return args, nil
}
