package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default config to validate: %v", err)
	}
	if cfg.Jobs.Env["DOCKER_BUILDKIT"] != "1" || cfg.Jobs.Env["COMPOSE_DOCKER_CLI_BUILD"] != "1" {
		t.Fatalf("expected buildkit env overrides in defaults, got %v", cfg.Jobs.Env)
	}
}

func TestLoadConfigRoundTripsYAMLAndJSON(t *testing.T) {
	tmpDir := t.TempDir()
	for _, name := range []string{"config.yaml", "config.json"} {
		path := filepath.Join(tmpDir, "nested", name)
		if err := SaveDefault(path); err != nil {
			t.Fatalf("save default config %s: %v", name, err)
		}
		cfg, loadedPath, err := Load(path)
		if err != nil {
			t.Fatalf("load config %s: %v", name, err)
		}
		if loadedPath != path {
			t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
		}
		if cfg.Jobs.HeartbeatInterval.Std() != 15*time.Second {
			t.Fatalf("expected heartbeat interval 15s from %s, got %s", name, cfg.Jobs.HeartbeatInterval.Std())
		}
	}
}

func TestLoadConfigParsesDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := strings.Join([]string{
		"version: 1",
		"workspace:",
		"  root: /srv/ws",
		"  project_dir: stack",
		"jobs:",
		"  buffer_capacity: 10",
		"  heartbeat_interval: 2s",
		"  drain_timeout: 1m",
		"mirror:",
		"  driver: memory",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Jobs.HeartbeatInterval.Std() != 2*time.Second || cfg.Jobs.DrainTimeout.Std() != time.Minute {
		t.Fatalf("unexpected durations %s %s", cfg.Jobs.HeartbeatInterval.Std(), cfg.Jobs.DrainTimeout.Std())
	}
	if cfg.EffectiveBufferCapacity() != MinBufferCapacity {
		t.Fatalf("expected buffer floor %d, got %d", MinBufferCapacity, cfg.EffectiveBufferCapacity())
	}
	root, projectDir, err := cfg.ResolvedPaths()
	if err != nil {
		t.Fatalf("resolve paths: %v", err)
	}
	if root != "/srv/ws" || projectDir != "/srv/ws/stack" {
		t.Fatalf("unexpected resolved paths %q %q", root, projectDir)
	}
	if cfg.Mirror.Topic == "" {
		t.Fatalf("expected default mirror topic to survive partial file")
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SaveDefault(path); err != nil {
		t.Fatalf("save default config: %v", err)
	}
	t.Setenv("DOCKYARD_ADDR", "0.0.0.0:9000")
	t.Setenv("DOCKYARD_API_KEY", "secret")
	t.Setenv("DOCKYARD_HEARTBEAT_INTERVAL", "3s")
	t.Setenv("DOCKYARD_MIRROR_DRIVER", "redis")
	t.Setenv("DOCKYARD_MIRROR_REDIS_URL", "redis://localhost:6379/0")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" || cfg.Server.APIKey != "secret" {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Jobs.HeartbeatInterval.Std() != 3*time.Second {
		t.Fatalf("expected heartbeat override, got %s", cfg.Jobs.HeartbeatInterval.Std())
	}
	if cfg.Mirror.Driver != MirrorDriverRedis || cfg.Mirror.RedisURL == "" {
		t.Fatalf("expected mirror overrides, got %+v", cfg.Mirror)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	cfg, loadedPath, err := Load(path)
	if err != nil {
		t.Fatalf("load config with missing file: %v", err)
	}
	if loadedPath != path {
		t.Fatalf("expected loaded path %q, got %q", path, loadedPath)
	}
	if cfg.Version != 1 {
		t.Fatalf("expected default version 1, got %d", cfg.Version)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"redis without url":     func(c *Config) { c.Mirror.Driver = MirrorDriverRedis },
		"unknown driver":        func(c *Config) { c.Mirror.Driver = "kafka" },
		"zero heartbeat":        func(c *Config) { c.Jobs.HeartbeatInterval = 0 },
		"bad log level":         func(c *Config) { c.Log.Level = "loud" },
		"retention w/o sweep":   func(c *Config) { c.Retention.SweepInterval = 0 },
		"empty workspace root":  func(c *Config) { c.Workspace.Root = " " },
		"zero subscriber queue": func(c *Config) { c.Jobs.SubscriberBuffer = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("expected %s to fail validation", name)
		}
	}
}

func TestConfigBuildsCommandPolicy(t *testing.T) {
	cfg := Default()
	cfg.Workspace.Root = "/ws"
	cfg.Workspace.ProjectDir = "compose"
	policy, err := cfg.NewCommandPolicy()
	if err != nil {
		t.Fatalf("new command policy: %v", err)
	}
	if policy.Workspace() != "/ws" || policy.ProjectDir() != "/ws/compose" {
		t.Fatalf("unexpected policy paths %q %q", policy.Workspace(), policy.ProjectDir())
	}
}
