package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.General.MaxParallelSubmits != 4 {
		t.Errorf("MaxParallelSubmits = %d, want 4", cfg.General.MaxParallelSubmits)
	}
	if cfg.Retry.AllocCeiling != 8 {
		t.Errorf("AllocCeiling = %d, want 8", cfg.Retry.AllocCeiling)
	}
	if cfg.Feed.Port != 8080 {
		t.Errorf("Feed.Port = %d, want 8080", cfg.Feed.Port)
	}
	if cfg.Feed.Host != "127.0.0.1" {
		t.Errorf("Feed.Host = %q, want 127.0.0.1", cfg.Feed.Host)
	}
}

func TestLoad_SchedulerDefaults(t *testing.T) {
	cfg := Default()

	local, ok := cfg.Schedulers["local"]
	if !ok {
		t.Fatal("local scheduler missing from defaults")
	}
	if local.Type != "local" {
		t.Errorf("local.Type = %q, want local", local.Type)
	}

	slurm, ok := cfg.Schedulers["slurm"]
	if !ok {
		t.Fatal("slurm scheduler missing from defaults")
	}
	if slurm.Type != "queue" {
		t.Errorf("slurm.Type = %q, want queue", slurm.Type)
	}
	if slurm.SubmitCommand != "sbatch {script}" {
		t.Errorf("slurm.SubmitCommand = %q, want sbatch {script}", slurm.SubmitCommand)
	}
	if len(slurm.PendingStates) == 0 {
		t.Error("slurm.PendingStates should not be empty")
	}
}

func TestLoad_FromFile(t *testing.T) {
	content := `
[general]
working_dir = "/scratch/tests"
max_parallel_submits = 16

[retry]
poll_interval_seconds = 30
poll_failure_ceiling = 10

[feed]
port = 9000
`
	path := writeTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.WorkingDir != "/scratch/tests" {
		t.Errorf("WorkingDir = %q, want /scratch/tests", cfg.General.WorkingDir)
	}
	if cfg.General.MaxParallelSubmits != 16 {
		t.Errorf("MaxParallelSubmits = %d, want 16", cfg.General.MaxParallelSubmits)
	}
	if cfg.Retry.PollIntervalSeconds != 30 {
		t.Errorf("PollIntervalSeconds = %d, want 30", cfg.Retry.PollIntervalSeconds)
	}
	if cfg.Retry.PollFailureCeiling != 10 {
		t.Errorf("PollFailureCeiling = %d, want 10", cfg.Retry.PollFailureCeiling)
	}
	if cfg.Feed.Port != 9000 {
		t.Errorf("Feed.Port = %d, want 9000", cfg.Feed.Port)
	}
	// Sections absent from the file keep their defaults.
	if cfg.Retry.AppendAttempts != 3 {
		t.Errorf("AppendAttempts = %d, want 3", cfg.Retry.AppendAttempts)
	}
}

func TestLoad_CustomScheduler(t *testing.T) {
	content := `
[schedulers.pbs]
type = "queue"
submit_command = "qsub {script}"
status_command = "qstat -f {job_id}"
cancel_command = "qdel {job_id}"
job_id_pattern = '(\d+)\.\w+'
pending_states = ["Q", "H"]
running_states = ["R", "E"]
`
	path := writeTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	pbs, ok := cfg.Schedulers["pbs"]
	if !ok {
		t.Fatal("pbs scheduler not loaded")
	}
	if pbs.SubmitCommand != "qsub {script}" {
		t.Errorf("SubmitCommand = %q, want qsub {script}", pbs.SubmitCommand)
	}
	if len(pbs.PendingStates) != 2 || pbs.PendingStates[0] != "Q" {
		t.Errorf("PendingStates = %v, want [Q H]", pbs.PendingStates)
	}
}

func TestLoad_PeriodicEntries(t *testing.T) {
	content := `
[[periodic]]
name = "nightly"
schedule = "0 2 * * *"
specs = ["suites/smoke.yaml", "suites/perf.yaml"]
`
	path := writeTempConfig(t, content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Periodic) != 1 {
		t.Fatalf("Periodic length = %d, want 1", len(cfg.Periodic))
	}
	if cfg.Periodic[0].Name != "nightly" {
		t.Errorf("Name = %q, want nightly", cfg.Periodic[0].Name)
	}
	if cfg.Periodic[0].Schedule != "0 2 * * *" {
		t.Errorf("Schedule = %q, want 0 2 * * *", cfg.Periodic[0].Schedule)
	}
	if len(cfg.Periodic[0].Specs) != 2 {
		t.Errorf("Specs length = %d, want 2", len(cfg.Periodic[0].Specs))
	}
}

func TestRetryConfig_Durations(t *testing.T) {
	r := RetryConfig{
		AppendBackoffMS:       250,
		PollIntervalSeconds:   5,
		PollBackoffSeconds:    2,
		CommandTimeoutSeconds: 30,
	}

	if r.AppendBackoff() != 250*time.Millisecond {
		t.Errorf("AppendBackoff() = %v, want 250ms", r.AppendBackoff())
	}
	if r.PollInterval() != 5*time.Second {
		t.Errorf("PollInterval() = %v, want 5s", r.PollInterval())
	}
	if r.PollBackoff() != 2*time.Second {
		t.Errorf("PollBackoff() = %v, want 2s", r.PollBackoff())
	}
	if r.CommandTimeout() != 30*time.Second {
		t.Errorf("CommandTimeout() = %v, want 30s", r.CommandTimeout())
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/tests", filepath.Join(home, "tests")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("[general]\nworking_dir = \"/local\""), 0644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(subdir); err != nil {
		t.Fatal(err)
	}

	found := FindLocalConfig()
	// Resolve symlinks before comparing; temp dirs may be linked on some hosts.
	want, _ := filepath.EvalSymlinks(localConfig)
	got, _ := filepath.EvalSymlinks(found)
	if got != want {
		t.Errorf("FindLocalConfig() = %q, want %q", found, localConfig)
	}
}

func TestFindLocalConfig_NotFound(t *testing.T) {
	root := t.TempDir()

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(root); err != nil {
		t.Fatal(err)
	}

	found := FindLocalConfig()
	if found != "" {
		t.Errorf("FindLocalConfig() = %q, want empty string", found)
	}
}

func TestLoadWithLocalFallback_ExplicitPath(t *testing.T) {
	content := `[general]
working_dir = "/explicit"
`
	path := writeTempConfig(t, content)

	cfg, err := LoadWithLocalFallback(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.WorkingDir != "/explicit" {
		t.Errorf("WorkingDir = %q, want /explicit", cfg.General.WorkingDir)
	}
}

func TestLoadWithLocalFallback_LocalConfig(t *testing.T) {
	root := t.TempDir()
	localConfig := filepath.Join(root, LocalConfigName)

	content := `[general]
working_dir = "/from-local"
`
	if err := os.WriteFile(localConfig, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(root); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.WorkingDir != "/from-local" {
		t.Errorf("WorkingDir = %q, want /from-local", cfg.General.WorkingDir)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
