package rfpflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the Dispatcher and the subsystems the
// engine builds around it.
type Config struct {
	// Concurrency is the maximum number of workflow jobs executed
	// concurrently. Kept small to bound generation-backend spend.
	Concurrency int

	// PollInterval is how often idle workers poll for queued jobs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before in-flight runs are cancelled.
	ShutdownTimeout time.Duration

	// InvokeTimeout is the upper bound on a single generation call.
	// Expiry is surfaced as a GenerationError.
	InvokeTimeout time.Duration

	// MaxRunDuration is the watchdog bound on a whole workflow run.
	// Running jobs older than this are failed by the reaper so pollers
	// never observe a job stuck in "running" indefinitely. Zero disables
	// the watchdog.
	MaxRunDuration time.Duration

	// LogLimit is the number of most-recent log entries retained per job.
	LogLimit int

	// ParallelMatch runs the compliance and experience steps concurrently.
	// Both must succeed before drafting begins; either failure fails the
	// run. Off by default — sequential execution is the baseline behavior.
	ParallelMatch bool

	// RejectConcurrentRuns rejects StartFullWorkflow while a run is
	// already queued or running for the same subject. Off by default:
	// concurrent runs for one subject are permitted and serialize through
	// the result store's version counters.
	RejectConcurrentRuns bool

	// StatusTTL is the retention applied to job status records by
	// backends that support expiry (Redis). Zero means no expiry.
	StatusTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:     2,
		PollInterval:    time.Second,
		ShutdownTimeout: 30 * time.Second,
		InvokeTimeout:   120 * time.Second,
		MaxRunDuration:  30 * time.Minute,
		LogLimit:        20,
		StatusTTL:       24 * time.Hour,
	}
}

// fileConfig mirrors Config with durations as strings, since YAML has no
// native duration type. Values use time.ParseDuration syntax ("250ms",
// "2m"). Pointer fields distinguish absent keys from zero values.
type fileConfig struct {
	Concurrency          *int    `yaml:"concurrency"`
	PollInterval         *string `yaml:"poll_interval"`
	ShutdownTimeout      *string `yaml:"shutdown_timeout"`
	InvokeTimeout        *string `yaml:"invoke_timeout"`
	MaxRunDuration       *string `yaml:"max_run_duration"`
	LogLimit             *int    `yaml:"log_limit"`
	ParallelMatch        *bool   `yaml:"parallel_match"`
	RejectConcurrentRuns *bool   `yaml:"reject_concurrent_runs"`
	StatusTTL            *string `yaml:"status_ttl"`
}

// LoadConfig reads a YAML config file and overlays it on DefaultConfig.
// Fields absent from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("rfpflow: read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("rfpflow: parse config %s: %w", path, err)
	}

	if fc.Concurrency != nil {
		cfg.Concurrency = *fc.Concurrency
	}
	if fc.LogLimit != nil {
		cfg.LogLimit = *fc.LogLimit
	}
	if fc.ParallelMatch != nil {
		cfg.ParallelMatch = *fc.ParallelMatch
	}
	if fc.RejectConcurrentRuns != nil {
		cfg.RejectConcurrentRuns = *fc.RejectConcurrentRuns
	}

	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"poll_interval", fc.PollInterval, &cfg.PollInterval},
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"invoke_timeout", fc.InvokeTimeout, &cfg.InvokeTimeout},
		{"max_run_duration", fc.MaxRunDuration, &cfg.MaxRunDuration},
		{"status_ttl", fc.StatusTTL, &cfg.StatusTTL},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return cfg, fmt.Errorf("rfpflow: config %s: %s: %w", path, d.name, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}
