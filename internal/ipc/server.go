// Package ipc serves engine commands over NATS request/reply on host.ipc.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mtzanidakis/flowmesh/internal/engine"
	"github.com/mtzanidakis/flowmesh/internal/graph"
	"github.com/mtzanidakis/flowmesh/internal/natsbus"
	"github.com/mtzanidakis/flowmesh/internal/registry"
	"github.com/mtzanidakis/flowmesh/internal/state"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
	"github.com/nats-io/nats.go"
)

const (
	CmdRunWorkflow    = "run_workflow"
	CmdGetWorkflow    = "get_workflow"
	CmdListWorkflows  = "list_workflows"
	CmdCancelWorkflow = "cancel_workflow"
	CmdListAgents     = "list_agents"
)

// Error codes carried in Response.Code.
const (
	CodeInvalid  = "invalid"
	CodeNotFound = "not_found"
	CodeFinished = "finished"
	CodeShutdown = "shutdown"
	CodeInternal = "internal"
	CodeUnknown  = "unknown_command"
)

type Engine interface {
	RunWorkflow(ctx context.Context, name, description string, specs []workflow.TaskSpec) (workflow.View, error)
	Submit(name, description string, specs []workflow.TaskSpec) (workflow.View, error)
	GetWorkflowStatus(id string) (workflow.View, error)
	ListWorkflows() ([]workflow.Summary, error)
	Cancel(id string) error
	Agents() []registry.Descriptor
}

type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	OK        bool                  `json:"ok,omitempty"`
	Error     string                `json:"error,omitempty"`
	Code      string                `json:"code,omitempty"`
	Workflow  *workflow.View        `json:"workflow,omitempty"`
	Workflows []workflow.Summary    `json:"workflows,omitempty"`
	Agents    []registry.Descriptor `json:"agents,omitempty"`
}

type runPayload struct {
	Definition workflow.Definition `json:"definition"`
	Wait       bool                `json:"wait,omitempty"`
}

type idPayload struct {
	ID string `json:"id"`
}

// Server answers IPC commands against an engine. Commands that wait for a
// workflow to finish are handled on their own goroutine so they do not hold
// up the subscription.
type Server struct {
	client *natsbus.Client
	engine Engine

	mu     sync.Mutex
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(client *natsbus.Client, eng Engine) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{client: client, engine: eng, ctx: ctx, cancel: cancel}
}

func (s *Server) Start() error {
	sub, err := s.client.Subscribe(natsbus.TopicIPC, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	slog.Info("ipc server listening", "subject", natsbus.TopicIPC)
	return nil
}

// Stop unsubscribes and abandons waits in flight. Their workflows keep
// running in the engine.
func (s *Server) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Server) handle(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respond(msg, Response{Error: "invalid command", Code: CodeInvalid})
		return
	}
	slog.Debug("IPC command received", "type", cmd.Type)

	switch cmd.Type {
	case CmdRunWorkflow:
		s.runWorkflow(msg, cmd.Payload)
	case CmdGetWorkflow:
		s.getWorkflow(msg, cmd.Payload)
	case CmdListWorkflows:
		s.listWorkflows(msg)
	case CmdCancelWorkflow:
		s.cancelWorkflow(msg, cmd.Payload)
	case CmdListAgents:
		respond(msg, Response{OK: true, Agents: s.engine.Agents()})
	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		respond(msg, Response{Error: "unknown command: " + cmd.Type, Code: CodeUnknown})
	}
}

func (s *Server) runWorkflow(msg *nats.Msg, payload json.RawMessage) {
	var req runPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		respond(msg, Response{Error: "invalid payload", Code: CodeInvalid})
		return
	}
	def := req.Definition
	if def.Name == "" {
		respond(msg, Response{Error: "definition name is required", Code: CodeInvalid})
		return
	}

	if !req.Wait {
		v, err := s.engine.Submit(def.Name, def.Description, def.Tasks)
		if err != nil {
			respondErr(msg, err)
			return
		}
		slog.Info("workflow submitted via IPC", "workflow", v.ID, "name", def.Name)
		respond(msg, Response{OK: true, Workflow: &v})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		v, err := s.engine.RunWorkflow(s.ctx, def.Name, def.Description, def.Tasks)
		if err != nil {
			respondErr(msg, err)
			return
		}
		respond(msg, Response{OK: true, Workflow: &v})
	}()
}

func (s *Server) getWorkflow(msg *nats.Msg, payload json.RawMessage) {
	id, ok := parseID(msg, payload)
	if !ok {
		return
	}
	v, err := s.engine.GetWorkflowStatus(id)
	if err != nil {
		respondErr(msg, err)
		return
	}
	respond(msg, Response{OK: true, Workflow: &v})
}

func (s *Server) listWorkflows(msg *nats.Msg) {
	list, err := s.engine.ListWorkflows()
	if err != nil {
		respondErr(msg, err)
		return
	}
	respond(msg, Response{OK: true, Workflows: list})
}

func (s *Server) cancelWorkflow(msg *nats.Msg, payload json.RawMessage) {
	id, ok := parseID(msg, payload)
	if !ok {
		return
	}
	if err := s.engine.Cancel(id); err != nil {
		respondErr(msg, err)
		return
	}
	slog.Info("workflow cancelled via IPC", "workflow", id)
	v, err := s.engine.GetWorkflowStatus(id)
	if err != nil {
		respondErr(msg, err)
		return
	}
	respond(msg, Response{OK: true, Workflow: &v})
}

func parseID(msg *nats.Msg, payload json.RawMessage) (string, bool) {
	var req idPayload
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		respond(msg, Response{Error: "id is required", Code: CodeInvalid})
		return "", false
	}
	return req.ID, true
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, graph.ErrInvalidGraph):
		return CodeInvalid
	case errors.Is(err, state.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, engine.ErrAlreadyFinished):
		return CodeFinished
	case errors.Is(err, engine.ErrShutdown):
		return CodeShutdown
	default:
		return CodeInternal
	}
}

func respondErr(msg *nats.Msg, err error) {
	respond(msg, Response{Error: err.Error(), Code: codeFor(err)})
}

func respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}
