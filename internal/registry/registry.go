// Package registry tracks the execution contexts that currently exist:
// ephemeral UI surfaces, per-document page contexts, and the single
// long-lived background context. It is the only component that owns
// Context records.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names an execution context class.
type Kind string

const (
	KindUI         Kind = "ui"
	KindPage       Kind = "page"
	KindBackground Kind = "background"
)

// State is a context's lifecycle state.
type State string

const (
	StateStarting   State = "starting"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

// Context is an execution context record. Records are owned by the
// Registry; callers always receive copies.
type Context struct {
	Kind         Kind
	InstanceID   string
	SurfaceID    string // owning surface: popup window, tab, etc. Empty for background.
	State        State
	RegisteredAt time.Time
}

// Selector addresses zero or more live contexts. Fields combine with AND;
// zero-value fields match anything. An InstanceID selector ignores the rest.
type Selector struct {
	InstanceID string
	Kind       Kind
	SurfaceID  string
}

// Background selects the background singleton.
func Background() Selector {
	return Selector{Kind: KindBackground}
}

// PageOn selects the page context associated with a surface.
func PageOn(surfaceID string) Selector {
	return Selector{Kind: KindPage, SurfaceID: surfaceID}
}

// Instance selects one concrete context by ID.
func Instance(id string) Selector {
	return Selector{InstanceID: id}
}

func (s Selector) matches(c *Context) bool {
	if s.InstanceID != "" {
		return c.InstanceID == s.InstanceID
	}
	if s.Kind != "" && c.Kind != s.Kind {
		return false
	}
	if s.SurfaceID != "" && c.SurfaceID != s.SurfaceID {
		return false
	}
	return true
}

// DeregisterHook is invoked after a context has been removed from the
// registry. Hooks run outside the registry lock, in registration order.
type DeregisterHook func(instanceID string)

// Registry tracks live contexts and resolves selectors against them.
type Registry struct {
	mu       sync.RWMutex
	contexts map[string]*Context
	hooks    []DeregisterHook
	logger   *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		contexts: make(map[string]*Context),
		logger:   logger,
	}
}

// OnDeregister adds a hook fired whenever a context is deregistered.
// The message bus uses this to fail in-flight requests addressed to the
// terminated context.
func (r *Registry) OnDeregister(hook DeregisterHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register records a new context in state starting and returns its copy.
// An empty InstanceID is assigned a fresh one. At most one background
// context may exist at a time.
func (r *Registry) Register(c Context) (Context, error) {
	switch c.Kind {
	case KindUI, KindPage, KindBackground:
	default:
		return Context{}, fmt.Errorf("unknown context kind %q", c.Kind)
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	c.State = StateStarting
	c.RegisteredAt = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.contexts[c.InstanceID]; exists {
		return Context{}, fmt.Errorf("context %q already registered", c.InstanceID)
	}
	if c.Kind == KindBackground {
		for _, other := range r.contexts {
			if other.Kind == KindBackground {
				return Context{}, fmt.Errorf("background context %q already registered", other.InstanceID)
			}
		}
	}
	stored := c
	r.contexts[c.InstanceID] = &stored

	r.logger.Info("context registered",
		"instance_id", c.InstanceID, "kind", c.Kind, "surface_id", c.SurfaceID)
	return c, nil
}

// Activate transitions a starting context to active, making it resolvable.
func (r *Registry) Activate(instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contexts[instanceID]
	if !ok {
		return fmt.Errorf("context %q not registered", instanceID)
	}
	if c.State != StateStarting {
		return fmt.Errorf("context %q is %s, cannot activate", instanceID, c.State)
	}
	c.State = StateActive
	return nil
}

// Deregister removes a context. Idempotent: deregistering an unknown or
// already-removed instance is a no-op.
func (r *Registry) Deregister(instanceID string) {
	r.mu.Lock()
	c, ok := r.contexts[instanceID]
	if ok {
		c.State = StateTerminated
		delete(r.contexts, instanceID)
	}
	hooks := make([]DeregisterHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.logger.Info("context deregistered", "instance_id", instanceID, "kind", c.Kind)
	for _, hook := range hooks {
		hook(instanceID)
	}
}

// Resolve returns copies of all live (active) contexts matching the
// selector, reflecting registry state atomically at call time.
func (r *Registry) Resolve(sel Selector) []Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Context
	for _, c := range r.contexts {
		if c.State != StateActive {
			continue
		}
		if sel.matches(c) {
			out = append(out, *c)
		}
	}
	return out
}

// Lookup returns the context record for an instance ID in any live state.
func (r *Registry) Lookup(instanceID string) (Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[instanceID]
	if !ok {
		return Context{}, false
	}
	return *c, true
}

// Count returns the number of registered contexts in any live state.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}
