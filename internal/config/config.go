// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Runner implementations selectable via the RUNNER variable.
const (
	RunnerExec   = "exec"
	RunnerDocker = "docker"
)

// Config holds all application configuration.
type Config struct {
	Port      string
	Workspace string
	DBPath    string

	// Concurrency bounds of the run scheduler.
	MaxRuns       int
	MaxJobsPerRun int

	// Sessions idle for longer than this are force-expired; the sweeper
	// checks every SweepInterval.
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration

	// Analyzer execution.
	Runner       string
	AnalyzerBin  string
	DockerImage  string
	CheckersFile string

	// Shared secret for the access check; empty disables it.
	APISecret string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8701"),
		Workspace:          getEnv("WORKSPACE", "./data/workspace"),
		DBPath:             getEnv("DB_PATH", "./data/checkrelay.db"),
		MaxRuns:            getEnvInt("MAX_RUNS", 10),
		MaxJobsPerRun:      getEnvInt("MAX_JOBS_PER_RUN", 1),
		SessionIdleTimeout: getEnvDuration("SESSION_IDLE_TIMEOUT", 10*time.Minute),
		SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 30*time.Second),
		Runner:             getEnv("RUNNER", RunnerExec),
		AnalyzerBin:        getEnv("ANALYZER_BIN", "checkrelay-analyze"),
		DockerImage:        getEnv("DOCKER_IMAGE", "checkrelay/analyzer:latest"),
		CheckersFile:       getEnv("CHECKERS_FILE", ""),
		APISecret:          getEnv("API_SECRET", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Workspace == "" {
		return fmt.Errorf("WORKSPACE cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.MaxRuns < 1 {
		return fmt.Errorf("MAX_RUNS must be >= 1")
	}
	if c.MaxJobsPerRun < 1 {
		return fmt.Errorf("MAX_JOBS_PER_RUN must be >= 1")
	}
	if c.SessionIdleTimeout <= 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.Runner != RunnerExec && c.Runner != RunnerDocker {
		return fmt.Errorf("RUNNER must be %q or %q", RunnerExec, RunnerDocker)
	}
	if c.Runner == RunnerExec && c.AnalyzerBin == "" {
		return fmt.Errorf("ANALYZER_BIN cannot be empty with the exec runner")
	}
	if c.Runner == RunnerDocker && c.DockerImage == "" {
		return fmt.Errorf("DOCKER_IMAGE cannot be empty with the docker runner")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
