package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/flowmesh/internal/agent"
	"github.com/mtzanidakis/flowmesh/internal/config"
	"github.com/mtzanidakis/flowmesh/internal/engine"
	"github.com/mtzanidakis/flowmesh/internal/metrics"
	"github.com/mtzanidakis/flowmesh/internal/registry"
	"github.com/mtzanidakis/flowmesh/internal/scheduler"
	"github.com/mtzanidakis/flowmesh/internal/sink"
	"github.com/mtzanidakis/flowmesh/internal/state"
	"github.com/mtzanidakis/flowmesh/internal/store"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
)

type testServer struct {
	srv  *Server
	http *httptest.Server
	orch *engine.Orchestrator
	disp *sink.Dispatcher
}

func newTestServer(t *testing.T, auth string) *testServer {
	t.Helper()

	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "web.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	if err := reg.Register("echo", &agent.Echo{Description: "test"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	block := registry.AgentFunc(func(ctx context.Context, _ string, _ map[string]json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err := reg.Register("block", block); err != nil {
		t.Fatalf("register: %v", err)
	}

	promReg := prometheus.NewRegistry()
	disp := sink.NewDispatcher(64)
	orch := engine.New(state.New(disp, st), reg, engine.Options{
		History: st,
		Metrics: metrics.New(promReg),
	})
	sched := scheduler.New(st, orch, nil, config.SchedulerConfig{})

	srv := NewServer(config.WebConfig{Auth: auth}, Options{
		Engine:    orch,
		Scheduler: sched,
		Schedules: st,
		Gatherer:  promReg,
		Version:   "test",
	})
	disp.Subscribe(srv.HandleEvent)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.hub.Run(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = orch.Shutdown(shutdownCtx)
		disp.Close()
	})
	return &testServer{srv: srv, http: ts, orch: orch, disp: disp}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

const yamlDefinition = `
name: greet
tasks:
  - id: hello
    agent: echo
    prompt: hi
  - id: world
    agent: echo
    prompt: there
    depends_on: [hello]
`

func TestCreateWorkflowWait(t *testing.T) {
	ts := newTestServer(t, "")

	resp := ts.do(t, http.MethodPost, "/api/workflows?wait=true", yamlDefinition)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	v := decode[workflow.View](t, resp)
	if v.Status != workflow.StatusCompleted || v.Counts.Succeeded != 2 {
		t.Fatalf("unexpected view %+v", v)
	}

	resp = ts.do(t, http.MethodGet, "/api/workflows/"+v.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[workflow.View](t, resp)
	if got.Tasks["world"].Status != workflow.TaskSucceeded {
		t.Errorf("expected world succeeded, got %s", got.Tasks["world"].Status)
	}

	resp = ts.do(t, http.MethodGet, "/api/workflows", "")
	list := decode[[]workflow.Summary](t, resp)
	if len(list) != 1 || list[0].ID != v.ID {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestCreateWorkflowInvalid(t *testing.T) {
	ts := newTestServer(t, "")

	cyclic := `{"name":"loop","tasks":[{"id":"x","agent":"echo","depends_on":["x"]}]}`
	if resp := ts.do(t, http.MethodPost, "/api/workflows", cyclic); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for cycle, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodPost, "/api/workflows", `{"tasks":[]}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing name, got %d", resp.StatusCode)
	}
	if resp := ts.do(t, http.MethodGet, "/api/workflows/missing", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCreateWorkflowTooLarge(t *testing.T) {
	ts := newTestServer(t, "")

	body := `{"name":"big","tasks":[{"id":"a","agent":"echo","prompt":"` +
		strings.Repeat("x", maxDefinitionSize) + `"}]}`
	resp := ts.do(t, http.MethodPost, "/api/workflows", body)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", resp.StatusCode)
	}
}

func TestSubmitAndCancel(t *testing.T) {
	ts := newTestServer(t, "")

	resp := ts.do(t, http.MethodPost, "/api/workflows", `{"name":"slow","tasks":[{"id":"a","agent":"block"}]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	v := decode[workflow.View](t, resp)
	if resp.Header.Get("Location") != "/api/workflows/"+v.ID {
		t.Errorf("unexpected location %q", resp.Header.Get("Location"))
	}

	resp = ts.do(t, http.MethodPost, "/api/workflows/"+v.ID+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[workflow.View](t, resp)
	if !got.Cancelled || got.Tasks["a"].Status != workflow.TaskSkipped {
		t.Fatalf("expected cancelled workflow, got %+v", got)
	}

	resp = ts.do(t, http.MethodPost, "/api/workflows/"+v.ID+"/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 on second cancel, got %d", resp.StatusCode)
	}
}

func TestSchedulesAPI(t *testing.T) {
	ts := newTestServer(t, "")

	body := `{"schedule":"every 1h","definition":{"name":"hourly","tasks":[{"id":"a","agent":"echo"}]}}`
	resp := ts.do(t, http.MethodPost, "/api/schedules", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	sw := decode[store.ScheduledWorkflow](t, resp)
	if sw.Name != "hourly" || sw.NextRunAt == nil {
		t.Errorf("unexpected schedule %+v", sw)
	}

	list := decode[[]store.ScheduledWorkflow](t, ts.do(t, http.MethodGet, "/api/schedules", ""))
	if len(list) != 1 {
		t.Fatalf("expected one schedule, got %d", len(list))
	}

	bad := `{"schedule":"whenever","definition":{"name":"x","tasks":[{"id":"a","agent":"echo"}]}}`
	if resp := ts.do(t, http.MethodPost, "/api/schedules", bad); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad schedule, got %d", resp.StatusCode)
	}

	if resp := ts.do(t, http.MethodDelete, "/api/schedules/"+sw.ID, ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	list = decode[[]store.ScheduledWorkflow](t, ts.do(t, http.MethodGet, "/api/schedules", ""))
	if len(list) != 0 {
		t.Errorf("expected no schedules, got %d", len(list))
	}
}

func TestAgentsStatusAndMetrics(t *testing.T) {
	ts := newTestServer(t, "")
	ts.do(t, http.MethodPost, "/api/workflows?wait=true", yamlDefinition)

	agents := decode[[]registry.Descriptor](t, ts.do(t, http.MethodGet, "/api/agents", ""))
	if len(agents) != 2 || agents[0].Name != "block" || agents[1].Kind != "echo" {
		t.Errorf("unexpected agents %+v", agents)
	}

	status := decode[map[string]any](t, ts.do(t, http.MethodGet, "/api/status", ""))
	if status["version"] != "test" {
		t.Errorf("unexpected status %v", status)
	}

	resp := ts.do(t, http.MethodGet, "/metrics", "")
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(data), "flowmesh_workflows_total") {
		t.Errorf("expected workflow counter in metrics output")
	}
}

func TestBasicAuth(t *testing.T) {
	ts := newTestServer(t, "s3cret")

	if resp := ts.do(t, http.MethodGet, "/api/workflows", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.http.URL+"/api/workflows", nil)
	req.SetBasicAuth("admin", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d", resp.StatusCode)
	}
}

func TestWebSocketReceivesEvents(t *testing.T) {
	ts := newTestServer(t, "")

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.hub.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ts.do(t, http.MethodPost, "/api/workflows?wait=true", yamlDefinition)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev struct {
			Type    string     `json:"type"`
			Payload sink.Event `json:"payload"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Payload.Terminal() {
			if ev.Payload.WorkflowStatus != workflow.StatusCompleted {
				t.Errorf("expected completed, got %s", ev.Payload.WorkflowStatus)
			}
			return
		}
	}
}
