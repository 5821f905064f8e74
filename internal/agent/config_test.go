package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ListenAddr != ":8090" || cfg.MaxJobs != 16 || cfg.Retention != 15*time.Minute {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Runner.Name != "agent" || cfg.Runner.Interpreter != "/bin/sh" {
		t.Errorf("runner = %+v", cfg.Runner)
	}
	if cfg.Pulsar.URL != "" || cfg.Pulsar.Subscription != "jobengine-status" {
		t.Errorf("pulsar = %+v", cfg.Pulsar)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "key")
	if err := os.WriteFile(key, []byte("agent-key\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "agent.yaml")
	yaml := "max_jobs: 4\nrunner:\n  kill_grace: 1s\npulsar:\n  url: pulsar://mq:6650\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENT_API_KEY_FILE", key)
	t.Setenv("AGENT_POLL_INTERVAL", "250ms")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MaxJobs != 4 || cfg.Runner.KillGrace != time.Second || cfg.Pulsar.URL != "pulsar://mq:6650" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.APIKey != "agent-key" || cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("env values not applied: key %q poll %v", cfg.APIKey, cfg.PollInterval)
	}
	opts := cfg.Options()
	if opts.MaxJobs != 4 || opts.PollInterval != 250*time.Millisecond {
		t.Errorf("options = %+v", opts)
	}
}

func TestLoadConfigRejectsNonPositiveMaxJobs(t *testing.T) {
	t.Setenv("AGENT_MAX_JOBS", "0")
	if _, err := LoadConfig(""); err == nil {
		t.Fatal("expected error")
	}
}
