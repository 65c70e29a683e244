// Package config provides configuration loading for the orchestration
// engine. Adapted from the teacher's config package (same BurntSushi/toml
// loading style, same New()/LoadFile() shape) but trimmed of the agent
// package-manager sections (profiles, MCP, skills, embeddings) that have no
// counterpart in this engine, and expanded with one table per core
// component so every tunable spec.md names has a home.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the engine's full tunable surface.
type Config struct {
	Agent      AgentConfig      `toml:"agent"`
	Executor   ExecutorConfig   `toml:"executor"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Verifier   VerifierConfig   `toml:"verifier"`
	Recovery   RecoveryConfig   `toml:"recovery"`
	State      StateConfig      `toml:"state"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
}

// AgentConfig identifies the external agent subprocess.
type AgentConfig struct {
	Command      string `toml:"command"`        // e.g. "claude"
	WorkerModel  string `toml:"worker_model"`
	PlannerModel string `toml:"planner_model"`
	SupervisorModel string `toml:"supervisor_model"`
	FallbackModel string `toml:"fallback_model"`
}

// ExecutorConfig tunes the control loop (spec.md §4.2).
type ExecutorConfig struct {
	MaxWorkers           int    `toml:"max_workers"`             // parallel step batch size, default 3
	ParallelEnabled      bool   `toml:"parallel_enabled"`
	SlowStepThreshold    string `toml:"slow_step_threshold"`     // duration before decomposition is offered, default "10m"
	MinDelay             string `toml:"min_delay"`               // adaptive delay floor, default "2s"
	MaxDelay             string `toml:"max_delay"`               // adaptive delay ceiling, default "30s"
	MaxOuterCycles       int    `toml:"max_outer_cycles"`        // safety counter, default 10
	ProgressCheckEvery   int    `toml:"progress_check_every"`    // outer cycles between mid-run goal verification passes
	GoalReminderEvery    int    `toml:"goal_reminder_every"`     // turns between goal reminders
	MaxFalseClaims       int    `toml:"max_false_claims"`        // consecutive false completion claims before escalation
}

// SupervisorConfig tunes the escalation ladder (spec.md §4.3).
type SupervisorConfig struct {
	ContinueThreshold int `toml:"continue_threshold"` // score >=, default 70
	RemindThreshold   int `toml:"remind_threshold"`   // score >=, default 50
	CorrectThreshold  int `toml:"correct_threshold"`  // score >=, default 30
	CriticalAt        int `toml:"critical_at"`        // consecutiveIssues >=, default 4
	AbortAt           int `toml:"abort_at"`           // consecutiveIssues >=, default 5
	CacheTTL          string `toml:"cache_ttl"`        // default "10m"
	CacheSize         int    `toml:"cache_size"`       // default 256
}

// VerifierConfig tunes completion-claim enforcement (spec.md §4.4).
type VerifierConfig struct {
	MaxValidationCommands int    `toml:"max_validation_commands"` // default 2
	CommandTimeout        string `toml:"command_timeout"`         // default "2m"
	MissingFractionFail   float64 `toml:"missing_fraction_fail"`  // default 0.5
}

// RecoveryConfig tunes ErrorRecovery (spec.md §4.7).
type RecoveryConfig struct {
	MaxRetries          int    `toml:"max_retries"`           // default 5
	BaseBackoff         string `toml:"base_backoff"`          // default "1s"
	MaxBackoff          string `toml:"max_backoff"`           // default "60s"
	ExtendedMaxBackoff  string `toml:"extended_max_backoff"`  // default "5m"
	CircuitThreshold    int    `toml:"circuit_threshold"`     // consecutive failures to trip, default 5
	CircuitResetWindow  string `toml:"circuit_reset_window"`  // default "2m"
	CircuitCooldown     string `toml:"circuit_cooldown"`      // default "30s"
}

// StateConfig tunes StatePersistence (spec.md §4.8).
type StateConfig struct {
	Dir                string `toml:"dir"`                 // default ".claude-runner"
	AutoSaveInterval    string `toml:"auto_save_interval"`  // default "15s"
	CheckpointRetention int    `toml:"checkpoint_retention"` // default 20
	ResumableWindow     string `toml:"resumable_window"`    // default "24h"
	CacheTTL            string `toml:"cache_ttl"`           // default "1h"
	CacheSize           int    `toml:"cache_size"`          // default 512
}

// TelemetryConfig controls OpenTelemetry tracing of turns/phases.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// New returns a Config populated with the engine's defaults.
func New() *Config {
	return &Config{
		Agent: AgentConfig{Command: "claude"},
		Executor: ExecutorConfig{
			MaxWorkers:         3,
			ParallelEnabled:    true,
			SlowStepThreshold:  "10m",
			MinDelay:           "2s",
			MaxDelay:           "30s",
			MaxOuterCycles:     10,
			ProgressCheckEvery: 5,
			GoalReminderEvery:  8,
			MaxFalseClaims:     3,
		},
		Supervisor: SupervisorConfig{
			ContinueThreshold: 70,
			RemindThreshold:   50,
			CorrectThreshold:  30,
			CriticalAt:        4,
			AbortAt:           5,
			CacheTTL:          "10m",
			CacheSize:         256,
		},
		Verifier: VerifierConfig{
			MaxValidationCommands: 2,
			CommandTimeout:        "2m",
			MissingFractionFail:   0.5,
		},
		Recovery: RecoveryConfig{
			MaxRetries:         5,
			BaseBackoff:        "1s",
			MaxBackoff:         "60s",
			ExtendedMaxBackoff: "5m",
			CircuitThreshold:   5,
			CircuitResetWindow: "2m",
			CircuitCooldown:    "30s",
		},
		State: StateConfig{
			Dir:                 ".claude-runner",
			AutoSaveInterval:    "15s",
			CheckpointRetention: 20,
			ResumableWindow:     "24h",
			CacheTTL:            "1h",
			CacheSize:           512,
		},
	}
}

// Default is an alias for New, matching the teacher's naming.
func Default() *Config { return New() }

// LoadFile loads configuration from a TOML file, starting from defaults so
// a partial file only overrides what it names.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads orchestrator.toml from the current directory, falling
// back to defaults if the file does not exist.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, "orchestrator.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// Duration parses a config duration string, falling back to def on error or
// empty input.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
