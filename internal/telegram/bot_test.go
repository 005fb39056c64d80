package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/sink"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
)

func TestChunkMessage(t *testing.T) {
	if chunks := chunkMessage("hello", 4096); len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	if chunks := chunkMessage(strings.Repeat("a", 4096), 4096); len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	if chunks := chunkMessage(strings.Repeat("a", 8192), 4096); len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	msg := []byte(strings.Repeat("a", 5000))
	msg[3000] = '\n'
	chunks := chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 {
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}
}

type fakeWorkflows struct {
	views map[string]workflow.View
}

func (f *fakeWorkflows) GetWorkflowStatus(id string) (workflow.View, error) {
	v, ok := f.views[id]
	if !ok {
		return workflow.View{}, errors.New("workflow not found")
	}
	return v, nil
}

func (f *fakeWorkflows) ListWorkflows() ([]workflow.Summary, error) {
	var out []workflow.Summary
	for _, v := range f.views {
		out = append(out, v.Summary())
	}
	return out, nil
}

func sampleView() workflow.View {
	return workflow.View{
		ID:     "wf-1",
		Name:   "digest",
		Status: workflow.StatusPartiallyFailed,
		Order:  []string{"fetch", "summarize"},
		Tasks: map[string]workflow.TaskView{
			"fetch":     {ID: "fetch", Status: workflow.TaskSucceeded},
			"summarize": {ID: "summarize", Status: workflow.TaskFailed, Error: &workflow.TaskError{Kind: workflow.ErrKindTimeout}},
		},
		Counts:    workflow.Counts{Total: 2, Succeeded: 1, Failed: 1},
		CreatedAt: time.Now(),
	}
}

func TestCommands(t *testing.T) {
	b := &Bot{workflows: &fakeWorkflows{views: map[string]workflow.View{"wf-1": sampleView()}}}

	got := b.command("/status wf-1")
	for _, want := range []string{"digest: partially failed", "- fetch [succeeded]", "- summarize [failed] timeout"} {
		if !strings.Contains(got, want) {
			t.Errorf("status reply missing %q:\n%s", want, got)
		}
	}
	if got := b.command("/status"); !strings.HasPrefix(got, "Usage") {
		t.Errorf("expected usage, got %q", got)
	}
	if got := b.command("/status nope"); !strings.HasPrefix(got, "Error") {
		t.Errorf("expected error reply, got %q", got)
	}
	if got := b.command("/workflows@flowmesh_bot"); !strings.Contains(got, "wf-1  digest  partially_failed") {
		t.Errorf("unexpected list reply %q", got)
	}
	if got := b.command("hello there"); got != "" {
		t.Errorf("expected no reply to chatter, got %q", got)
	}
}

func TestHandleEventQueuesTerminalOnly(t *testing.T) {
	b := &Bot{chatID: 42, outbox: make(chan string, 4)}

	b.HandleEvent(sink.Event{Type: sink.EventTaskStatus, WorkflowID: "wf"})
	b.HandleEvent(sink.Event{Type: sink.EventWorkflowStatus, WorkflowID: "wf", WorkflowStatus: workflow.StatusRunning})
	b.HandleEvent(sink.Event{Type: sink.EventWorkflowStatus, WorkflowID: "wf", WorkflowName: "nightly",
		WorkflowStatus: workflow.StatusCompleted, Cancelled: true})

	if len(b.outbox) != 1 {
		t.Fatalf("expected one notification, got %d", len(b.outbox))
	}
	if msg := <-b.outbox; msg != "Workflow \"nightly\" cancelled\nid: wf" {
		t.Errorf("unexpected notification %q", msg)
	}
}

func TestFormatListLimit(t *testing.T) {
	list := make([]workflow.Summary, 12)
	for i := range list {
		list[i] = workflow.Summary{ID: "id", Name: "n", Status: workflow.StatusCompleted}
	}
	if got := formatList(list, 10); !strings.HasSuffix(got, "... and 2 more") {
		t.Errorf("expected truncation note, got %q", got)
	}
	if formatList(nil, 10) != "No workflows." {
		t.Error("expected empty message")
	}
}
