package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/config"
	"github.com/mtzanidakis/flowmesh/internal/natsbus"
	"github.com/mtzanidakis/flowmesh/internal/registry"
	"github.com/mtzanidakis/flowmesh/internal/sink"
	"github.com/mtzanidakis/flowmesh/internal/store"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine is the workflow API the server exposes.
type Engine interface {
	RunWorkflow(ctx context.Context, name, description string, specs []workflow.TaskSpec) (workflow.View, error)
	Submit(name, description string, specs []workflow.TaskSpec) (workflow.View, error)
	GetWorkflowStatus(id string) (workflow.View, error)
	ListWorkflows() ([]workflow.Summary, error)
	Cancel(id string) error
	Agents() []registry.Descriptor
}

// Scheduler validates and stores new scheduled workflows.
type Scheduler interface {
	Add(name, raw string, def *workflow.Definition) (*store.ScheduledWorkflow, error)
}

// ScheduleStore lists and removes stored schedules.
type ScheduleStore interface {
	ListSchedules() ([]store.ScheduledWorkflow, error)
	DeleteSchedule(id string) error
}

type Options struct {
	Engine    Engine
	Scheduler Scheduler
	Schedules ScheduleStore
	// NATS, when set, feeds the websocket hub from the event topics.
	NATS *natsbus.Client
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
	Version  string
}

type Server struct {
	engine    Engine
	scheduler Scheduler
	schedules ScheduleStore
	nats      *natsbus.Client
	gatherer  prometheus.Gatherer
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(cfg config.WebConfig, opts Options) *Server {
	return &Server{
		engine:    opts.Engine,
		scheduler: opts.Scheduler,
		schedules: opts.Schedules,
		nats:      opts.NATS,
		gatherer:  opts.Gatherer,
		hub:       NewHub(),
		cfg:       cfg,
		version:   opts.Version,
		startedAt: time.Now(),
	}
}

// Handler returns the full HTTP handler, including auth.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.withMiddleware(mux)
}

// HandleEvent forwards an engine event to websocket clients. It is used
// when events do not travel over NATS.
func (s *Server) HandleEvent(ev sink.Event) {
	s.hub.Broadcast(Event{Type: string(ev.Type), Payload: ev})
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if err := s.subscribeEvents(); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if s.cfg.Auth != "" && (strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/metrics") {
			if !s.checkAuth(r) {
				w.Header().Set("WWW-Authenticate", `Basic realm="flowmesh"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkAuth(r *http.Request) bool {
	_, pass, ok := r.BasicAuth()
	return ok && subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

func (s *Server) subscribeEvents() error {
	if s.nats == nil {
		return nil
	}
	_, err := s.nats.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var ev sink.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.WorkflowID == "" {
			// Not an engine event, forward as-is.
			s.hub.Broadcast(Event{Type: msg.Subject, Payload: json.RawMessage(msg.Data)})
			return
		}
		s.HandleEvent(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	return nil
}
