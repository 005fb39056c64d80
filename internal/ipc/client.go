package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/engine"
	"github.com/mtzanidakis/flowmesh/internal/graph"
	"github.com/mtzanidakis/flowmesh/internal/natsbus"
	"github.com/mtzanidakis/flowmesh/internal/registry"
	"github.com/mtzanidakis/flowmesh/internal/state"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

const DefaultTimeout = 10 * time.Second

// RemoteError is an error reported by the server. It matches the engine
// sentinel its code stands for under errors.Is.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case CodeInvalid:
		return target == graph.ErrInvalidGraph
	case CodeNotFound:
		return target == state.ErrNotFound
	case CodeFinished:
		return target == engine.ErrAlreadyFinished
	case CodeShutdown:
		return target == engine.ErrShutdown
	}
	return false
}

// Client sends IPC commands to a running server.
type Client struct {
	bus     *natsbus.Client
	timeout time.Duration
}

// NewClient wraps a bus connection. timeout bounds requests whose context
// carries no deadline.
func NewClient(bus *natsbus.Client, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{bus: bus, timeout: timeout}
}

// RunWorkflow submits def. With wait the reply is the final view, otherwise
// the initial snapshot.
func (c *Client) RunWorkflow(ctx context.Context, def *workflow.Definition, wait bool) (*workflow.View, error) {
	resp, err := c.call(ctx, CmdRunWorkflow, runPayload{Definition: *def, Wait: wait})
	if err != nil {
		return nil, err
	}
	return resp.Workflow, nil
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (*workflow.View, error) {
	resp, err := c.call(ctx, CmdGetWorkflow, idPayload{ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Workflow, nil
}

func (c *Client) ListWorkflows(ctx context.Context) ([]workflow.Summary, error) {
	resp, err := c.call(ctx, CmdListWorkflows, nil)
	if err != nil {
		return nil, err
	}
	return resp.Workflows, nil
}

// Cancel stops a workflow and returns its view after cancellation.
func (c *Client) Cancel(ctx context.Context, id string) (*workflow.View, error) {
	resp, err := c.call(ctx, CmdCancelWorkflow, idPayload{ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Workflow, nil
}

func (c *Client) Agents(ctx context.Context) ([]registry.Descriptor, error) {
	resp, err := c.call(ctx, CmdListAgents, nil)
	if err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

func (c *Client) call(ctx context.Context, typ string, payload any) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := Command{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		cmd.Payload = data
	}

	var resp Response
	if err := c.bus.RequestJSON(ctx, natsbus.TopicIPC, cmd, &resp); err != nil {
		return nil, fmt.Errorf("ipc %s: %w", typ, err)
	}
	if resp.Error != "" {
		return nil, &RemoteError{Code: resp.Code, Message: resp.Error}
	}
	return &resp, nil
}
