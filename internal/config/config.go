package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Analyzer    AnalyzerConfig    `yaml:"analyzer"`
	NATS        NATSConfig        `yaml:"nats"`
	Store       StoreConfig       `yaml:"store"`
	Web         WebConfig         `yaml:"web"`
}

type CoordinatorConfig struct {
	MaxMembers        int           `yaml:"max_members"`
	VoteWindow        time.Duration `yaml:"vote_window"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DissolutionGrace  time.Duration `yaml:"dissolution_grace"`
}

type AnalyzerConfig struct {
	// Sweep is an optional cron expression for a periodic behavior-analysis
	// pass over all live swarms, in addition to the completion-triggered
	// runs. Empty disables the sweep.
	Sweep string `yaml:"sweep"`
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

func defaults() Config {
	return Config{
		Coordinator: CoordinatorConfig{
			MaxMembers:        10,
			VoteWindow:        30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			DissolutionGrace:  10 * time.Second,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/apiary.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("APIARY_CONFIG")
	if path == "" {
		path = "config/apiary.yaml"
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

	// Environment variable overrides
	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("APIARY_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("APIARY_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("APIARY_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("APIARY_WEB_AUTH"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("APIARY_ANALYZER_SWEEP"); v != "" {
		cfg.Analyzer.Sweep = v
	}
}

func validate(cfg *Config) error {
	if cfg.Coordinator.MaxMembers < 1 {
		return fmt.Errorf("coordinator.max_members must be at least 1")
	}
	if cfg.Coordinator.VoteWindow <= 0 {
		return fmt.Errorf("coordinator.vote_window must be positive")
	}
	if cfg.Coordinator.HeartbeatInterval <= 0 {
		return fmt.Errorf("coordinator.heartbeat_interval must be positive")
	}
	if cfg.Analyzer.Sweep != "" && !gronx.New().IsValid(cfg.Analyzer.Sweep) {
		return fmt.Errorf("analyzer.sweep: invalid cron expression: %s", cfg.Analyzer.Sweep)
	}
	return nil
}
