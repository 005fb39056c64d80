package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mtzanidakis/flowmesh/internal/config"
	"github.com/mtzanidakis/flowmesh/internal/ipc"
	"github.com/mtzanidakis/flowmesh/internal/natsbus"
	"github.com/mtzanidakis/flowmesh/internal/registry"
	"github.com/mtzanidakis/flowmesh/internal/state"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want map[string]string
	}{
		{
			name: "empty",
			args: []string{},
			want: map[string]string{},
		},
		{
			name: "single flag",
			args: []string{"--id", "wf-1"},
			want: map[string]string{"id": "wf-1"},
		},
		{
			name: "boolean flag between valued flags",
			args: []string{"--file", "wf.yaml", "--wait", "--timeout", "1m"},
			want: map[string]string{"file": "wf.yaml", "wait": "true", "timeout": "1m"},
		},
		{
			name: "trailing boolean flag",
			args: []string{"--wait"},
			want: map[string]string{"wait": "true"},
		},
		{
			name: "non-flag args ignored",
			args: []string{"positional", "--id", "x"},
			want: map[string]string{"id": "x"},
		},
		{
			name: "short prefix not treated as flag",
			args: []string{"-n", "test"},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs(tt.args)
			if len(got) != len(tt.want) {
				t.Errorf("parseArgs(%v) returned %d entries, want %d", tt.args, len(got), len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("parseArgs(%v)[%q] = %q, want %q", tt.args, k, got[k], v)
				}
			}
		})
	}
}

// startResponder runs a fake server answering every IPC command with the
// response respond builds for it.
func startResponder(t *testing.T, respond func(cmd ipc.Command) ipc.Response) *ipc.Client {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: natsserver.RANDOM_PORT, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(bus.Close)

	conn, err := nats.Connect(bus.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	_, err = conn.Subscribe(natsbus.TopicIPC, func(msg *nats.Msg) {
		var cmd ipc.Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			t.Errorf("unmarshal command: %v", err)
			return
		}
		data, _ := json.Marshal(respond(cmd))
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(client.Close)
	return ipc.NewClient(client, 0)
}

func writeDefinition(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wf.yaml")
	def := "name: demo\ntasks:\n  - id: a\n    agent: echo\n    prompt: hi\n"
	if err := os.WriteFile(path, []byte(def), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunSubmits(t *testing.T) {
	client := startResponder(t, func(cmd ipc.Command) ipc.Response {
		if cmd.Type != ipc.CmdRunWorkflow {
			t.Errorf("expected %s, got %s", ipc.CmdRunWorkflow, cmd.Type)
		}
		var req struct {
			Definition workflow.Definition `json:"definition"`
			Wait       bool                `json:"wait"`
		}
		if err := json.Unmarshal(cmd.Payload, &req); err != nil {
			t.Errorf("unmarshal payload: %v", err)
		}
		if req.Wait || req.Definition.Name != "demo" || len(req.Definition.Tasks) != 1 {
			t.Errorf("unexpected payload: %+v", req)
		}
		return ipc.Response{OK: true, Workflow: &workflow.View{ID: "wf-123", Status: workflow.StatusCreated}}
	})

	var out bytes.Buffer
	err := execute(context.Background(), client, "run", map[string]string{"file": writeDefinition(t)}, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "wf-123") {
		t.Errorf("expected workflow id in output, got %q", out.String())
	}
}

func TestRunWaitReportsFailure(t *testing.T) {
	client := startResponder(t, func(cmd ipc.Command) ipc.Response {
		return ipc.Response{OK: true, Workflow: &workflow.View{ID: "wf-1", Status: workflow.StatusFailed}}
	})

	var out bytes.Buffer
	err := execute(context.Background(), client, "run", map[string]string{"file": writeDefinition(t), "wait": "true"}, &out)
	if !errors.Is(err, errIncomplete) {
		t.Fatalf("expected incomplete error, got %v", err)
	}
	var v workflow.View
	if err := json.Unmarshal(out.Bytes(), &v); err != nil {
		t.Fatalf("output is not a view: %v", err)
	}
	if v.Status != workflow.StatusFailed {
		t.Errorf("expected failed view, got %s", v.Status)
	}
}

func TestList(t *testing.T) {
	client := startResponder(t, func(cmd ipc.Command) ipc.Response {
		if cmd.Type != ipc.CmdListWorkflows {
			t.Errorf("expected %s, got %s", ipc.CmdListWorkflows, cmd.Type)
		}
		return ipc.Response{OK: true, Workflows: []workflow.Summary{
			{ID: "w1", Name: "one", Status: workflow.StatusCompleted, TaskCount: 2},
			{ID: "w2", Name: "two", Status: workflow.StatusRunning, TaskCount: 1},
		}}
	})

	var out bytes.Buffer
	if err := execute(context.Background(), client, "list", nil, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], "w1") || !strings.Contains(lines[1], "w2") {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestStatusNotFound(t *testing.T) {
	client := startResponder(t, func(cmd ipc.Command) ipc.Response {
		return ipc.Response{Error: "workflow nope: not found", Code: ipc.CodeNotFound}
	})

	err := execute(context.Background(), client, "status", map[string]string{"id": "nope"}, &bytes.Buffer{})
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelAndAgents(t *testing.T) {
	client := startResponder(t, func(cmd ipc.Command) ipc.Response {
		switch cmd.Type {
		case ipc.CmdCancelWorkflow:
			return ipc.Response{OK: true, Workflow: &workflow.View{ID: "wf-9", Counts: workflow.Counts{Skipped: 3}}}
		case ipc.CmdListAgents:
			return ipc.Response{OK: true, Agents: []registry.Descriptor{{Name: "summarize", Kind: "http", Description: "LLM"}}}
		}
		return ipc.Response{Error: "unexpected", Code: ipc.CodeUnknown}
	})

	var out bytes.Buffer
	if err := execute(context.Background(), client, "cancel", map[string]string{"id": "wf-9"}, &out); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out.String(), "3 skipped") {
		t.Errorf("unexpected cancel output: %q", out.String())
	}

	out.Reset()
	if err := execute(context.Background(), client, "agents", nil, &out); err != nil {
		t.Fatalf("agents: %v", err)
	}
	if !strings.Contains(out.String(), "summarize") || !strings.Contains(out.String(), "http") {
		t.Errorf("unexpected agents output: %q", out.String())
	}
}

func TestMissingFlags(t *testing.T) {
	for _, cmd := range []string{"run", "status", "cancel"} {
		if err := execute(context.Background(), nil, cmd, map[string]string{}, &bytes.Buffer{}); err == nil {
			t.Errorf("%s: expected error without flags", cmd)
		}
	}
}
