package natsbus

import (
	"log/slog"

	"github.com/mtzanidakis/flowmesh/internal/sink"
)

// EventForwarder returns a sink handler that publishes every event on the
// workflow's events subject. Publish only buffers in the client, so the
// handler never blocks the dispatcher on the network.
func EventForwarder(c *Client) sink.Handler {
	return func(ev sink.Event) {
		if err := c.PublishJSON(TopicWorkflowEvents(ev.WorkflowID), ev); err != nil {
			slog.Warn("publish workflow event failed", "workflow", ev.WorkflowID, "type", ev.Type, "error", err)
		}
	}
}
