// Package agent builds the concrete agents named in the configuration and
// registers them with the engine's registry.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/config"
	"github.com/mtzanidakis/flowmesh/internal/container"
	"github.com/mtzanidakis/flowmesh/internal/natsbus"
	"github.com/mtzanidakis/flowmesh/internal/registry"
	"github.com/mtzanidakis/flowmesh/internal/vault"
)

const (
	KindEcho      = "echo"
	KindHTTP      = "http"
	KindNATS      = "nats"
	KindContainer = "container"
)

// Request is the payload sent to remote agents.
type Request struct {
	Prompt   string                     `json:"prompt"`
	Upstream map[string]json.RawMessage `json:"upstream"`
}

// Reply is what a remote agent answers with. A non-empty Error fails the
// task.
type Reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Deps carries the shared clients agents are built on. Fields may be nil
// when no configured agent needs them.
type Deps struct {
	NATS      *natsbus.Client
	Container *container.Runner
	Secrets   *vault.Resolver
}

// Build creates the agent described by def.
func Build(name string, def config.AgentDefinition, deps Deps) (registry.Agent, error) {
	var a registry.Agent
	switch def.Kind {
	case KindEcho:
		a = &Echo{Description: def.Description}
	case KindHTTP:
		headers, err := deps.Secrets.ResolveMap(def.Headers)
		if err != nil {
			return nil, fmt.Errorf("agent %s headers: %w", name, err)
		}
		a = NewHTTP(def.URL, def.Method, headers, def.Description)
	case KindNATS:
		if deps.NATS == nil {
			return nil, fmt.Errorf("agent %s: nats client not available", name)
		}
		subject := def.Subject
		if subject == "" {
			subject = natsbus.TopicAgentInvoke(name)
		}
		a = &NATS{client: deps.NATS, subject: subject, description: def.Description}
	case KindContainer:
		if deps.Container == nil {
			return nil, fmt.Errorf("agent %s: container runtime not available", name)
		}
		env, err := deps.Secrets.ResolveMap(def.Env)
		if err != nil {
			return nil, fmt.Errorf("agent %s env: %w", name, err)
		}
		a = &Container{
			name:        name,
			runner:      deps.Container,
			image:       def.Image,
			command:     def.Command,
			env:         env,
			description: def.Description,
		}
	default:
		return nil, fmt.Errorf("agent %s: unknown kind %q", name, def.Kind)
	}

	if def.Timeout > 0 {
		a = withTimeout(a, def.Timeout)
	}
	return a, nil
}

// RegisterAll builds every configured agent in name order and registers it.
func RegisterAll(reg *registry.Registry, defs map[string]config.AgentDefinition, deps Deps) error {
	for _, name := range slices.Sorted(maps.Keys(defs)) {
		a, err := Build(name, defs[name], deps)
		if err != nil {
			return err
		}
		if err := reg.Register(name, a); err != nil {
			return err
		}
		slog.Info("agent registered", "agent", name, "kind", defs[name].Kind)
	}
	return nil
}

// NeedsContainer reports whether any definition uses the container kind.
func NeedsContainer(defs map[string]config.AgentDefinition) bool {
	for _, d := range defs {
		if d.Kind == KindContainer {
			return true
		}
	}
	return false
}

type timeoutAgent struct {
	registry.Agent
	timeout time.Duration
}

// withTimeout bounds every call of a, on top of the engine-wide task timeout.
func withTimeout(a registry.Agent, d time.Duration) registry.Agent {
	return &timeoutAgent{Agent: a, timeout: d}
}

func (t *timeoutAgent) Invoke(ctx context.Context, prompt string, upstream map[string]json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.Agent.Invoke(ctx, prompt, upstream)
}

func (t *timeoutAgent) Describe() registry.Descriptor {
	if d, ok := t.Agent.(registry.Describer); ok {
		return d.Describe()
	}
	return registry.Descriptor{Kind: "custom"}
}

// asJSON keeps raw output as-is when it is valid JSON and wraps it as a
// JSON string otherwise.
func asJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
