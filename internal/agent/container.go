package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/mtzanidakis/flowmesh/internal/container"
	"github.com/mtzanidakis/flowmesh/internal/registry"
)

const stderrTail = 2048

// Container runs each task in a fresh container. The prompt is passed in
// TASK_PROMPT, upstream results in container.UpstreamFile, and stdout
// becomes the result.
type Container struct {
	name        string
	runner      *container.Runner
	image       string
	command     []string
	env         map[string]string
	description string
}

func (c *Container) Invoke(ctx context.Context, prompt string, upstream map[string]json.RawMessage) (json.RawMessage, error) {
	payload, err := json.Marshal(upstream)
	if err != nil {
		return nil, fmt.Errorf("encode upstream: %w", err)
	}

	env := maps.Clone(c.env)
	if env == nil {
		env = make(map[string]string, 1)
	}
	env["TASK_PROMPT"] = prompt

	res, err := c.runner.Run(ctx, container.RunOpts{
		Task:     c.name,
		Image:    c.image,
		Command:  c.command,
		Env:      env,
		Upstream: payload,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("exit code %d: %s", res.ExitCode, container.Tail(res.Stderr, stderrTail))
	}
	return asJSON(bytes.TrimSpace(res.Stdout)), nil
}

func (c *Container) Describe() registry.Descriptor {
	return registry.Descriptor{Kind: KindContainer, Description: c.description}
}
