package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/flowmesh/internal/natsbus"
	"github.com/mtzanidakis/flowmesh/internal/registry"
	"github.com/nats-io/nats.go"
)

// NATS invokes a remote worker with request/reply on a subject.
type NATS struct {
	client      *natsbus.Client
	subject     string
	description string
}

func (n *NATS) Invoke(ctx context.Context, prompt string, upstream map[string]json.RawMessage) (json.RawMessage, error) {
	var reply Reply
	if err := n.client.RequestJSON(ctx, n.subject, Request{Prompt: prompt, Upstream: upstream}, &reply); err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no worker listening on %s", n.subject)
		}
		return nil, err
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return reply.Result, nil
}

func (n *NATS) Describe() registry.Descriptor {
	return registry.Descriptor{Kind: KindNATS, Description: n.description}
}

// Serve answers invocations on subject with a. Workers in the same queue
// group share the load.
func Serve(client *natsbus.Client, subject string, a registry.Agent) (*nats.Subscription, error) {
	return client.QueueSubscribe(subject, "workers", func(msg *nats.Msg) {
		var req Request
		var reply Reply
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply.Error = fmt.Sprintf("decode request: %v", err)
		} else if res, err := a.Invoke(context.Background(), req.Prompt, req.Upstream); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Result = res
		}

		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			slog.Warn("agent reply failed", "subject", subject, "error", err)
		}
	})
}
