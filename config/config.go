// Package config loads beacon's YAML configuration and applies BEACON_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/yirzhou/beacon"
)

type Config struct {
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Agent        Agent        `yaml:"agent"`
	Log          Log          `yaml:"log"`
}

type Orchestrator struct {
	Listen       string        `yaml:"listen"`
	APIToken     string        `yaml:"api_token"`
	JobStaleTime time.Duration `yaml:"job_stale_time"`
	UpdateBuffer int           `yaml:"update_buffer"`
	Store        Store         `yaml:"store"`
}

type Store struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

type Agent struct {
	AgentID           string            `yaml:"agent_id"`
	OrchestratorURL   string            `yaml:"orchestrator_url"`
	APIToken          string            `yaml:"api_token"`
	Capacity          int               `yaml:"capacity"`
	PollInterval      time.Duration     `yaml:"poll_interval"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval"`
	StopTimeout       time.Duration     `yaml:"stop_timeout"`
	RequestTimeout    time.Duration     `yaml:"request_timeout"`
	Capabilities      map[string]string `yaml:"capabilities"`
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Orchestrator: Orchestrator{
			Listen:       ":8080",
			JobStaleTime: beacon.DefaultJobStaleTime,
			UpdateBuffer: 1,
			Store:        Store{Kind: "file", Path: "jobs.json"},
		},
		Agent: Agent{
			OrchestratorURL:   "http://localhost:8080",
			Capacity:          1,
			PollInterval:      beacon.DefaultPollInterval,
			HeartbeatInterval: beacon.DefaultHeartbeatInterval,
			StopTimeout:       beacon.DefaultStopTimeout,
			RequestTimeout:    10 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getenv(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	return v, v != ""
}

func (c *Config) applyEnv() error {
	if v, ok := getenv("BEACON_LISTEN"); ok {
		c.Orchestrator.Listen = v
	}
	if v, ok := getenv("BEACON_API_TOKEN"); ok {
		c.Orchestrator.APIToken = v
		c.Agent.APIToken = v
	}
	if v, ok := getenv("BEACON_STORE_KIND"); ok {
		c.Orchestrator.Store.Kind = v
	}
	if v, ok := getenv("BEACON_STORE_PATH"); ok {
		c.Orchestrator.Store.Path = v
	}
	if v, ok := getenv("BEACON_JOB_STALE_TIME"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BEACON_JOB_STALE_TIME: %w", err)
		}
		c.Orchestrator.JobStaleTime = d
	}
	if v, ok := getenv("BEACON_UPDATE_BUFFER"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BEACON_UPDATE_BUFFER: %w", err)
		}
		c.Orchestrator.UpdateBuffer = n
	}
	if v, ok := getenv("BEACON_AGENT_ID"); ok {
		c.Agent.AgentID = v
	}
	if v, ok := getenv("BEACON_ORCHESTRATOR_URL"); ok {
		c.Agent.OrchestratorURL = v
	}
	if v, ok := getenv("BEACON_CAPACITY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BEACON_CAPACITY: %w", err)
		}
		c.Agent.Capacity = n
	}
	if v, ok := getenv("BEACON_CAPABILITIES"); ok {
		caps, err := ParseCapabilities(v)
		if err != nil {
			return fmt.Errorf("BEACON_CAPABILITIES: %w", err)
		}
		c.Agent.Capabilities = caps
	}
	if v, ok := getenv("BEACON_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	return nil
}

// ParseCapabilities parses "k=v,k2=v2".
func ParseCapabilities(raw string) (map[string]string, error) {
	caps := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("capability %q is not key=value", part)
		}
		caps[k] = strings.TrimSpace(v)
	}
	return caps, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Orchestrator.JobStaleTime <= 0 {
		errs = append(errs, errors.New("orchestrator.job_stale_time must be positive"))
	}
	if c.Orchestrator.UpdateBuffer < 0 {
		errs = append(errs, errors.New("orchestrator.update_buffer must not be negative"))
	}
	if c.Agent.Capacity <= 0 {
		errs = append(errs, errors.New("agent.capacity must be positive"))
	}
	if c.Agent.PollInterval <= 0 || c.Agent.HeartbeatInterval <= 0 || c.Agent.StopTimeout <= 0 {
		errs = append(errs, errors.New("agent intervals must be positive"))
	}
	if c.Agent.HeartbeatInterval >= c.Orchestrator.JobStaleTime {
		errs = append(errs, fmt.Errorf("agent.heartbeat_interval %s must be shorter than orchestrator.job_stale_time %s",
			c.Agent.HeartbeatInterval, c.Orchestrator.JobStaleTime))
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger described by c.
func (c Log) NewLogger(name string) hclog.Logger {
	level := hclog.LevelFromString(c.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		JSONFormat: c.JSON,
		Output:     os.Stderr,
	})
}
