package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/flowmesh/internal/agent"
	"github.com/mtzanidakis/flowmesh/internal/config"
	"github.com/mtzanidakis/flowmesh/internal/container"
	"github.com/mtzanidakis/flowmesh/internal/engine"
	"github.com/mtzanidakis/flowmesh/internal/ipc"
	"github.com/mtzanidakis/flowmesh/internal/metrics"
	"github.com/mtzanidakis/flowmesh/internal/natsbus"
	"github.com/mtzanidakis/flowmesh/internal/registry"
	"github.com/mtzanidakis/flowmesh/internal/scheduler"
	"github.com/mtzanidakis/flowmesh/internal/sink"
	"github.com/mtzanidakis/flowmesh/internal/state"
	"github.com/mtzanidakis/flowmesh/internal/store"
	"github.com/mtzanidakis/flowmesh/internal/telegram"
	"github.com/mtzanidakis/flowmesh/internal/vault"
	"github.com/mtzanidakis/flowmesh/internal/web"
	"github.com/mtzanidakis/flowmesh/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

// errIncomplete makes `run` exit non-zero after printing the final view.
var errIncomplete = errors.New("workflow did not complete")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("flowmesh %s\n", version)
	case "serve":
		if err = runServe(); err != nil {
			slog.Error("server failed", "error", err)
		}
	case "run":
		if err = runLocal(os.Args[2:]); err != nil && !errors.Is(err, errIncomplete) {
			slog.Error("run failed", "error", err)
		}
	case "backup":
		if err = runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
		}
	case "restore":
		if err = runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
		}
	case "secret":
		if err = runSecret(os.Args[2:]); err != nil {
			slog.Error("secret command failed", "error", err)
		}
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: flowmesh <command>

Commands:
  serve                  Start the workflow server
  run -f <file>          Run a workflow definition locally and print the result
  backup -f <file>       Archive the database to a .tar.zst file
  restore -f <file>      Restore the database from an archive
  secret <command>       Manage agent secrets
  version                Print version
`)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting flowmesh", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// NATS, embedded unless an external server is configured
	client, closeBus, err := connectBus(cfg.NATS)
	if err != nil {
		return err
	}
	defer closeBus()

	// Event fan-out
	events := sink.NewDispatcher(cfg.Engine.EventBuffer)
	events.Subscribe(natsbus.EventForwarder(client))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)
	metrics.RegisterDropped(promReg, events.Dropped)

	// Agents
	agents, closeAgents, err := buildAgents(ctx, cfg, db, client)
	if err != nil {
		return err
	}
	defer closeAgents()

	// Engine
	orch := engine.New(state.New(events, db), agents, engine.Options{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		TaskTimeout:    cfg.Engine.TaskTimeout,
		History:        db,
		Metrics:        m,
	})
	slog.Info("engine ready", "agents", len(agents.Names()), "max_concurrency", cfg.Engine.MaxConcurrency)

	// Scheduler
	sched := scheduler.New(db, orch, client, cfg.Scheduler)
	events.Subscribe(sched.HandleEvent)
	go sched.Start(ctx)
	slog.Info("scheduler started")

	// IPC
	ipcSrv := ipc.NewServer(client, orch)
	if err := ipcSrv.Start(); err != nil {
		return err
	}
	defer ipcSrv.Stop()

	// Telegram bot
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, orch)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		events.Subscribe(bot.HandleEvent)
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, bot disabled")
	}

	// Web UI
	if cfg.Web.Enabled {
		srv := web.NewServer(cfg.Web, web.Options{
			Engine:    orch,
			Scheduler: sched,
			Schedules: db,
			NATS:      client,
			Gatherer:  promReg,
			Version:   version,
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	// Cleanup
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("workflows still running at shutdown", "error", err)
	}
	events.Close()
	if err := client.Flush(); err != nil {
		slog.Warn("flush nats", "error", err)
	}
	return nil
}

// runLocal executes one definition file in-process and prints the final
// view as JSON.
func runLocal(args []string) error {
	var file string
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" && i+1 < len(args) {
			i++
			file = args[i]
		}
	}
	if file == "" {
		fmt.Fprintf(os.Stderr, "Usage: flowmesh run -f <workflow.yaml>\n")
		return fmt.Errorf("missing -f flag")
	}

	def, err := workflow.LoadDefinition(file)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	var client *natsbus.Client
	if cfg.NATS.URL != "" {
		if client, err = natsbus.NewClientFromURL(cfg.NATS.URL); err != nil {
			return err
		}
		defer client.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agents, closeAgents, err := buildAgents(ctx, cfg, db, client)
	if err != nil {
		return err
	}
	defer closeAgents()

	orch := engine.New(state.New(nil, db), agents, engine.Options{
		MaxConcurrency: cfg.Engine.MaxConcurrency,
		TaskTimeout:    cfg.Engine.TaskTimeout,
	})
	v, err := orch.RunWorkflow(ctx, def.Name, def.Description, def.Tasks)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(out))
	if v.Status != workflow.StatusCompleted {
		return errIncomplete
	}
	return nil
}

func connectBus(cfg config.NATSConfig) (*natsbus.Client, func(), error) {
	if cfg.URL != "" {
		client, err := natsbus.NewClientFromURL(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("connected to nats", "url", cfg.URL)
		return client, client.Close, nil
	}

	bus, err := natsbus.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init nats: %w", err)
	}
	client, err := natsbus.NewClient(bus)
	if err != nil {
		bus.Close()
		return nil, nil, err
	}
	slog.Info("nats started", "port", bus.Port())
	return client, func() {
		client.Close()
		bus.Close()
	}, nil
}

// buildAgents registers every configured agent. The container runner is
// only created when a container agent exists, and secrets resolve only when
// a vault passphrase is set.
func buildAgents(ctx context.Context, cfg *config.Config, db *store.Store, client *natsbus.Client) (*registry.Registry, func(), error) {
	deps := agent.Deps{NATS: client}
	if cfg.Vault.Passphrase != "" {
		deps.Secrets = vault.NewResolver(vault.New(cfg.Vault.Passphrase), db)
	}

	cleanup := func() {}
	if agent.NeedsContainer(cfg.Agents) {
		runner, err := container.NewRunner(cfg.Container.Network)
		if err != nil {
			return nil, nil, fmt.Errorf("init container runner: %w", err)
		}
		if err := runner.CleanupStale(ctx); err != nil {
			slog.Warn("cleanup stale containers", "error", err)
		}
		deps.Container = runner
		cleanup = func() {
			if err := runner.Close(); err != nil {
				slog.Warn("close container runner", "error", err)
			}
		}
	}

	reg := registry.New()
	if err := agent.RegisterAll(reg, cfg.Agents, deps); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("register agents: %w", err)
	}
	return reg, cleanup, nil
}
