package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Engine    EngineConfig               `yaml:"engine"`
	NATS      NATSConfig                 `yaml:"nats"`
	Store     StoreConfig                `yaml:"store"`
	Web       WebConfig                  `yaml:"web"`
	Scheduler SchedulerConfig            `yaml:"scheduler"`
	Telegram  TelegramConfig             `yaml:"telegram"`
	Container ContainerConfig            `yaml:"container"`
	Vault     VaultConfig                `yaml:"vault"`
	Agents    map[string]AgentDefinition `yaml:"agents"`
}

type EngineConfig struct {
	// MaxConcurrency bounds in-flight agent calls per workflow run.
	MaxConcurrency int `yaml:"max_concurrency"`
	// TaskTimeout fails a task whose agent call exceeds it. Zero disables it.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	EventBuffer int           `yaml:"event_buffer"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
	// URL connects to an external server instead of the embedded one.
	URL string `yaml:"url"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type ContainerConfig struct {
	Network string `yaml:"network"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// AgentDefinition configures one named agent. Which fields apply depends on
// Kind: echo, http, nats or container.
type AgentDefinition struct {
	Kind        string            `yaml:"kind"`
	Description string            `yaml:"description"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method"`
	Headers     map[string]string `yaml:"headers"`
	Subject     string            `yaml:"subject"`
	Image       string            `yaml:"image"`
	Env         map[string]string `yaml:"env"`
	Command     []string          `yaml:"command"`
	Timeout     time.Duration     `yaml:"timeout"`
}

func defaults() Config {
	return Config{
		Engine: EngineConfig{
			MaxConcurrency: 4,
			EventBuffer:    256,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/flowmesh.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("FLOWMESH_CONFIG")
	if path == "" {
		path = "config/flowmesh.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrency < 1 {
		return fmt.Errorf("engine.max_concurrency must be at least 1, got %d", c.Engine.MaxConcurrency)
	}
	if c.Engine.TaskTimeout < 0 {
		return fmt.Errorf("engine.task_timeout must not be negative")
	}
	if c.Engine.EventBuffer < 1 {
		c.Engine.EventBuffer = defaults().Engine.EventBuffer
	}
	for name, def := range c.Agents {
		switch def.Kind {
		case "echo", "nats":
		case "http":
			if def.URL == "" {
				return fmt.Errorf("agent %s: url is required for http agents", name)
			}
		case "container":
			if def.Image == "" {
				return fmt.Errorf("agent %s: image is required for container agents", name)
			}
		case "":
			return fmt.Errorf("agent %s: kind is required", name)
		default:
			return fmt.Errorf("agent %s: unknown kind %q", name, def.Kind)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FLOWMESH_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxConcurrency = n
		}
	}
	if v := os.Getenv("FLOWMESH_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.TaskTimeout = d
		}
	}
	if v := os.Getenv("FLOWMESH_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("FLOWMESH_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("FLOWMESH_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("FLOWMESH_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FLOWMESH_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FLOWMESH_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("FLOWMESH_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("FLOWMESH_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
}
