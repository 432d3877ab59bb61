package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Round     RoundConfig     `yaml:"round"`
	CrossTalk CrossTalkConfig `yaml:"crosstalk"`
	Bus       BusConfig       `yaml:"bus"`
	Restart   RestartConfig   `yaml:"restart"`
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Web       WebConfig       `yaml:"web"`
	Agents    []AgentConfig   `yaml:"agents"`
}

// RelayConfig bounds supervisor-initiated relays.
type RelayConfig struct {
	MaxDepth   int           `yaml:"max_depth"`
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
	Timeout    time.Duration `yaml:"timeout"` // per-worker relay timeout
}

// RoundConfig tunes the delegation barrier.
type RoundConfig struct {
	DelegateTimeout time.Duration `yaml:"delegate_timeout"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	MaxCrossTalk    int           `yaml:"max_cross_talk"`
}

// CrossTalkConfig tunes mute clearing per worker process kind.
type CrossTalkConfig struct {
	StreamMuteClear time.Duration `yaml:"stream_mute_clear"`
	SpawnMuteMin    time.Duration `yaml:"spawn_mute_min"`
}

type BusConfig struct {
	HistoryLimit int `yaml:"history_limit"`
}

// RestartConfig controls how much bus history is summarized into the
// supervisor's briefing across a restart.
type RestartConfig struct {
	SummaryMessages int `yaml:"summary_messages"`
	BodyCap         int `yaml:"body_cap"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

// AgentConfig describes one member of the closed identity set and the adapter
// that backs it. Adapter is one of "nats", "proc", "stream".
type AgentConfig struct {
	Name       string   `yaml:"name"`
	Supervisor bool     `yaml:"supervisor"`
	Adapter    string   `yaml:"adapter"`
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	ResumeFlag string   `yaml:"resume_flag"`
	Prompt     string   `yaml:"prompt"` // stream adapter: idle prompt marker
	Fallbacks  []string `yaml:"fallbacks"`
}

func defaults() Config {
	return Config{
		Relay: RelayConfig{
			MaxDepth:   5,
			RateLimit:  10,
			RateWindow: time.Minute,
			Timeout:    2 * time.Minute,
		},
		Round: RoundConfig{
			DelegateTimeout: 3 * time.Minute,
			GracePeriod:     3 * time.Second,
			MaxCrossTalk:    10,
		},
		CrossTalk: CrossTalkConfig{
			StreamMuteClear: 3 * time.Second,
			SpawnMuteMin:    2 * time.Second,
		},
		Bus: BusConfig{
			HistoryLimit: 500,
		},
		Restart: RestartConfig{
			SummaryMessages: 30,
			BodyCap:         200,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/fedi.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("FEDI_CONFIG")
	if path == "" {
		path = "config/fedi.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FEDI_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FEDI_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("FEDI_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("FEDI_WEB_AUTH"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("FEDI_RELAY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Relay.RateLimit = n
		}
	}
	if v := os.Getenv("FEDI_RELAY_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Relay.RateWindow = d
		}
	}
	if v := os.Getenv("FEDI_DELEGATE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Round.DelegateTimeout = d
		}
	}
}
