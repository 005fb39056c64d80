package workflow

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to TaskStatus }{
		{TaskPending, TaskReady},
		{TaskPending, TaskSkipped},
		{TaskReady, TaskRunning},
		{TaskReady, TaskSkipped},
		{TaskRunning, TaskSucceeded},
		{TaskRunning, TaskFailed},
		{TaskRunning, TaskSkipped},
	}
	for _, tt := range allowed {
		if !CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be allowed", tt.from, tt.to)
		}
	}

	denied := []struct{ from, to TaskStatus }{
		{TaskPending, TaskRunning},
		{TaskPending, TaskSucceeded},
		{TaskReady, TaskFailed},
		{TaskSucceeded, TaskRunning},
		{TaskFailed, TaskSkipped},
		{TaskSkipped, TaskReady},
		{TaskSucceeded, TaskSucceeded},
	}
	for _, tt := range denied {
		if CanTransition(tt.from, tt.to) {
			t.Errorf("expected %s -> %s to be rejected", tt.from, tt.to)
		}
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		started  bool
		statuses []TaskStatus
		want     Status
	}{
		{"not started", false, []TaskStatus{TaskPending}, StatusCreated},
		{"running", true, []TaskStatus{TaskSucceeded, TaskRunning}, StatusRunning},
		{"ready counts as running", true, []TaskStatus{TaskReady, TaskFailed}, StatusRunning},
		{"all succeeded", true, []TaskStatus{TaskSucceeded, TaskSucceeded}, StatusCompleted},
		{"empty workflow", true, nil, StatusCompleted},
		{"all failed or skipped", true, []TaskStatus{TaskFailed, TaskSkipped}, StatusFailed},
		{"mixed", true, []TaskStatus{TaskSucceeded, TaskFailed, TaskSkipped}, StatusPartiallyFailed},
		{"cancelled before anything ran", true, []TaskStatus{TaskSkipped, TaskSkipped}, StatusFailed},
	}
	for _, tt := range tests {
		if got := DeriveStatus(tt.started, tt.statuses); got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, got)
		}
	}
}

func TestDeriveStatusOrderIndependent(t *testing.T) {
	a := []TaskStatus{TaskSucceeded, TaskFailed, TaskSkipped}
	b := []TaskStatus{TaskSkipped, TaskSucceeded, TaskFailed}
	if DeriveStatus(true, a) != DeriveStatus(true, b) {
		t.Fatal("expected status to be independent of task order")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	now := time.Now()
	wf := New("wf-1", "demo", "", []TaskSpec{
		{ID: "a", Name: "A", AgentName: "echo"},
		{ID: "b", Name: "B", AgentName: "echo", Dependencies: []string{"a", "a"}},
	}, now)

	if got := len(wf.Tasks["b"].Dependencies); got != 1 {
		t.Fatalf("expected duplicate dependency to be collapsed, got %d", got)
	}

	wf.Tasks["a"].Result = json.RawMessage(`{"v":1}`)
	v := wf.Snapshot()

	wf.Tasks["a"].Result[6] = '2'
	wf.Tasks["a"].Status = TaskFailed

	if string(v.Tasks["a"].Result) != `{"v":1}` {
		t.Errorf("snapshot result changed with the workflow: %s", v.Tasks["a"].Result)
	}
	if v.Tasks["a"].Status != TaskPending {
		t.Errorf("expected snapshot status pending, got %s", v.Tasks["a"].Status)
	}
	if len(v.Order) != 2 || v.Order[0] != "a" {
		t.Errorf("expected declaration order preserved, got %v", v.Order)
	}
	if v.Counts.Total != 2 {
		t.Errorf("expected total 2, got %d", v.Counts.Total)
	}
}

func TestParseDefinitionYAML(t *testing.T) {
	data := []byte(`
name: video-to-posts
description: analyze a video then draft posts
tasks:
  - id: analyze
    agent: video
    prompt: summarize the talk
  - id: tweet
    name: Draft tweet
    agent: social
    prompt: write a tweet
    depends_on: [analyze]
`)
	def, err := ParseDefinition(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Name != "video-to-posts" {
		t.Errorf("expected name video-to-posts, got %s", def.Name)
	}
	if len(def.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(def.Tasks))
	}
	if def.Tasks[0].Name != "analyze" {
		t.Errorf("expected name to default to id, got %q", def.Tasks[0].Name)
	}
	if def.Tasks[1].AgentName != "social" || def.Tasks[1].Dependencies[0] != "analyze" {
		t.Errorf("unexpected second task: %+v", def.Tasks[1])
	}
}

func TestParseDefinitionJSON(t *testing.T) {
	def, err := ParseDefinition([]byte(`{"name":"n","tasks":[{"id":"a","agent":"echo","prompt":"p"}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(def.Tasks) != 1 || def.Tasks[0].AgentName != "echo" {
		t.Errorf("unexpected tasks: %+v", def.Tasks)
	}
}

func TestParseDefinitionRequiresName(t *testing.T) {
	if _, err := ParseDefinition([]byte(`tasks: []`)); err == nil {
		t.Fatal("expected error for missing name")
	}
}
