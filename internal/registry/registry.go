package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Agent executes a task prompt with the results of the task's dependencies.
// Implementations must be safe for concurrent use and should return promptly
// once ctx is done.
type Agent interface {
	Invoke(ctx context.Context, prompt string, upstream map[string]json.RawMessage) (json.RawMessage, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, prompt string, upstream map[string]json.RawMessage) (json.RawMessage, error)

func (f AgentFunc) Invoke(ctx context.Context, prompt string, upstream map[string]json.RawMessage) (json.RawMessage, error) {
	return f(ctx, prompt, upstream)
}

// Describer is implemented by agents that can report their kind and purpose.
type Describer interface {
	Describe() Descriptor
}

// Descriptor is the catalog entry for a registered agent.
type Descriptor struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

var (
	ErrDuplicateAgent = errors.New("agent already registered")
	ErrAgentNotFound  = errors.New("agent not found")
)

type DuplicateAgentError struct {
	Name string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("agent %q already registered", e.Name)
}

func (e *DuplicateAgentError) Unwrap() error { return ErrDuplicateAgent }

type AgentNotFoundError struct {
	Name string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent %q not found", e.Name)
}

func (e *AgentNotFoundError) Unwrap() error { return ErrAgentNotFound }

// Registry maps agent names to agents. Registration happens at startup;
// lookups are safe from any goroutine.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func New() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

func (r *Registry) Register(name string, a Agent) error {
	if name == "" {
		return fmt.Errorf("register agent: empty name")
	}
	if a == nil {
		return fmt.Errorf("register agent %s: nil agent", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[name]; ok {
		return &DuplicateAgentError{Name: name}
	}
	r.agents[name] = a
	return nil
}

func (r *Registry) Resolve(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, &AgentNotFoundError{Name: name}
	}
	return a, nil
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Descriptors returns a catalog entry per agent, sorted by name. Agents that
// don't implement Describer are reported with kind "custom".
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.agents))
	for name, a := range r.agents {
		d := Descriptor{Kind: "custom"}
		if desc, ok := a.(Describer); ok {
			d = desc.Describe()
		}
		d.Name = name
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Descriptor) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}
