package agent

import (
	"context"
	"encoding/json"

	"github.com/mtzanidakis/flowmesh/internal/registry"
)

// Echo returns its input. It is used for dry runs of workflow definitions.
type Echo struct {
	Description string
}

func (e *Echo) Invoke(ctx context.Context, prompt string, upstream map[string]json.RawMessage) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if upstream == nil {
		upstream = map[string]json.RawMessage{}
	}
	return json.Marshal(Request{Prompt: prompt, Upstream: upstream})
}

func (e *Echo) Describe() registry.Descriptor {
	return registry.Descriptor{Kind: KindEcho, Description: e.Description}
}
