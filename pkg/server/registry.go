package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Action handles one named action of a component type.
type Action interface {
	Invoke(ctx *ActionContext, payload json.RawMessage) (any, error)
}

// ActionFunc adapts a function to Action. The payload is passed through
// undecoded.
type ActionFunc func(ctx *ActionContext, payload json.RawMessage) (any, error)

// Invoke calls f.
func (f ActionFunc) Invoke(ctx *ActionContext, payload json.RawMessage) (any, error) {
	return f(ctx, payload)
}

// ErrInvalidPayload is returned when an action payload does not match the
// handler's payload type.
var ErrInvalidPayload = errors.New("server: invalid action payload")

// TypedAction builds an Action whose payload is decoded into P before fn
// runs. Unknown fields are rejected; an absent payload decodes to the zero P.
func TypedAction[P any](fn func(ctx *ActionContext, payload P) (any, error)) Action {
	return ActionFunc(func(ctx *ActionContext, raw json.RawMessage) (any, error) {
		var p P
		if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&p); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
			}
		}
		return fn(ctx, p)
	})
}

// ComponentType describes a mountable component.
type ComponentType struct {
	// Name is the stable logical type clients mount by.
	Name string

	// Init builds the initial state from mount props. If nil, the props are
	// used as the initial state.
	Init func(props map[string]any) (map[string]any, error)

	// Actions maps action names to handlers.
	Actions map[string]Action

	// OnMount runs on the session loop after mount or rehydration.
	OnMount func(ctx *ActionContext)

	// OnUnmount runs on the session loop before the session is discarded.
	OnUnmount func(ctx *ActionContext)
}

func (t *ComponentType) validate() error {
	if t.Name == "" {
		return errors.New("server: component name required")
	}
	for name, action := range t.Actions {
		if name == "" {
			return fmt.Errorf("server: component %s: empty action name", t.Name)
		}
		if action == nil {
			return fmt.Errorf("server: component %s: action %s has no handler", t.Name, name)
		}
	}
	return nil
}

func (t *ComponentType) initialState(props map[string]any) (map[string]any, error) {
	if t.Init == nil {
		return cloneState(props), nil
	}
	state, err := t.Init(cloneState(props))
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = map[string]any{}
	}
	return state, nil
}

// Registry maps component names to types. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*ComponentType
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*ComponentType)}
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t ComponentType) error {
	if err := t.validate(); err != nil {
		return err
	}
	actions := make(map[string]Action, len(t.Actions))
	for name, a := range t.Actions {
		actions[name] = a
	}
	t.Actions = actions

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateComponent, t.Name)
	}
	r.types[t.Name] = &t
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(t ComponentType) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (*ComponentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// cloneState deep-copies JSON-shaped values.
func cloneState(state map[string]any) map[string]any {
	if state == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneState(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return val
	}
}
