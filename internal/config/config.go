package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file discovered by walking up
// from the current directory.
const LocalConfigName = ".hpc-orch.toml"

// Config holds all orchestrator configuration
type Config struct {
	General       GeneralConfig              `toml:"general"`
	Retry         RetryConfig                `toml:"retry"`
	Schedulers    map[string]SchedulerConfig `toml:"schedulers"`
	Feed          FeedConfig                 `toml:"feed"`
	Periodic      []PeriodicEntry            `toml:"periodic"`
	Notifications NotificationsConfig        `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	WorkingDir         string `toml:"working_dir"`
	MaxParallelSubmits int    `toml:"max_parallel_submits"`
	LogLevel           string `toml:"log_level"`
}

// RetryConfig holds the retry ceilings and backoff tunables for the
// allocator, the status log, and scheduler polling. These are operational
// knobs, never hard-coded by callers.
type RetryConfig struct {
	AllocCeiling          int `toml:"alloc_ceiling"`
	AppendAttempts        int `toml:"append_attempts"`
	AppendBackoffMS       int `toml:"append_backoff_ms"`
	PollIntervalSeconds   int `toml:"poll_interval_seconds"`
	PollBackoffSeconds    int `toml:"poll_backoff_seconds"`
	PollFailureCeiling    int `toml:"poll_failure_ceiling"`
	CommandTimeoutSeconds int `toml:"command_timeout_seconds"`
}

// PollInterval returns the scheduler poll interval as a duration.
func (r RetryConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

// PollBackoff returns the initial backoff after a transient poll failure.
func (r RetryConfig) PollBackoff() time.Duration {
	return time.Duration(r.PollBackoffSeconds) * time.Second
}

// AppendBackoff returns the delay between status append retries.
func (r RetryConfig) AppendBackoff() time.Duration {
	return time.Duration(r.AppendBackoffMS) * time.Millisecond
}

// CommandTimeout returns the timeout for scheduler backend commands.
func (r RetryConfig) CommandTimeout() time.Duration {
	return time.Duration(r.CommandTimeoutSeconds) * time.Second
}

// SchedulerConfig describes one scheduler backend. Type "local" runs jobs on
// the current host; type "queue" shells out to the configured batch commands.
// Command templates may reference {job_id} and {script}.
type SchedulerConfig struct {
	Type          string   `toml:"type"`
	SubmitCommand string   `toml:"submit_command"`
	StatusCommand string   `toml:"status_command"`
	CancelCommand string   `toml:"cancel_command"`
	JobIDPattern  string   `toml:"job_id_pattern"`
	PendingStates []string `toml:"pending_states"`
	RunningStates []string `toml:"running_states"`
}

// FeedConfig holds the status feed server settings
type FeedConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// PeriodicEntry schedules a series for repeated submission on a cron
// expression.
type PeriodicEntry struct {
	Name     string   `toml:"name"`
	Schedule string   `toml:"schedule"`
	Specs    []string `toml:"specs"`
}

// NotificationsConfig holds series-completion notification settings
type NotificationsConfig struct {
	Desktop bool   `toml:"desktop"`
	Webhook string `toml:"webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			WorkingDir:         filepath.Join(home, ".hpc-orch"),
			MaxParallelSubmits: 4,
			LogLevel:           "info",
		},
		Retry: RetryConfig{
			AllocCeiling:          8,
			AppendAttempts:        3,
			AppendBackoffMS:       250,
			PollIntervalSeconds:   5,
			PollBackoffSeconds:    2,
			PollFailureCeiling:    5,
			CommandTimeoutSeconds: 30,
		},
		Schedulers: map[string]SchedulerConfig{
			"local": {
				Type: "local",
			},
			"slurm": {
				Type:          "queue",
				SubmitCommand: "sbatch {script}",
				StatusCommand: "squeue -h -o %T -j {job_id}",
				CancelCommand: "scancel {job_id}",
				JobIDPattern:  `(\d+)`,
				PendingStates: []string{"PENDING", "CONFIGURING", "REQUEUED"},
				RunningStates: []string{"RUNNING", "COMPLETING"},
			},
		},
		Feed: FeedConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.WorkingDir = ExpandPath(cfg.General.WorkingDir)

	return cfg, nil
}

// LoadWithLocalFallback loads the explicit path when given, otherwise a
// local config found by walking up from the current directory, otherwise
// the default location.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for a local
// config file. Returns "" when none exists.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "hpc-orch", "config.toml")
}
