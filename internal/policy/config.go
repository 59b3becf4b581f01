package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = ".dockyard/config.yaml"
	EnvPrefix         = "DOCKYARD_"

	MinBufferCapacity = 100
)

// Duration is a time.Duration that reads and writes Go duration strings in
// YAML, JSON and environment variables.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Version   int             `json:"version" yaml:"version"`
	Workspace WorkspaceConfig `json:"workspace" yaml:"workspace"`
	Jobs      JobsConfig      `json:"jobs" yaml:"jobs"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Mirror    MirrorConfig    `json:"mirror" yaml:"mirror"`
	Retention RetentionConfig `json:"retention" yaml:"retention"`
}

type WorkspaceConfig struct {
	Root string `json:"root" yaml:"root" env:"WORKSPACE_ROOT"`
	// ProjectDir is the compose project directory; relative values resolve
	// under Root.
	ProjectDir string `json:"project_dir" yaml:"project_dir" env:"PROJECT_DIR"`
	// HostProjectDir is set when the docker daemon sees the project under a
	// different (host) path than this process does.
	HostProjectDir string `json:"host_project_dir,omitempty" yaml:"host_project_dir,omitempty" env:"HOST_PROJECT_DIR"`
}

type JobsConfig struct {
	BufferCapacity    int               `json:"buffer_capacity" yaml:"buffer_capacity" env:"BUFFER_CAPACITY"`
	HeartbeatInterval Duration          `json:"heartbeat_interval" yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	DrainTimeout      Duration          `json:"drain_timeout" yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	SubscriberBuffer  int               `json:"subscriber_buffer" yaml:"subscriber_buffer" env:"SUBSCRIBER_BUFFER"`
	Env               map[string]string `json:"env,omitempty" yaml:"env,omitempty" env:"JOB_ENV"`
}

type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr" env:"ADDR"`
	APIKey          string   `json:"api_key,omitempty" yaml:"api_key,omitempty" env:"API_KEY"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level" env:"LOG_LEVEL"`
}

type MirrorConfig struct {
	Driver   string `json:"driver" yaml:"driver" env:"MIRROR_DRIVER"`
	Topic    string `json:"topic" yaml:"topic" env:"MIRROR_TOPIC"`
	Buffer   int    `json:"buffer" yaml:"buffer" env:"MIRROR_BUFFER"`
	RedisURL string `json:"redis_url,omitempty" yaml:"redis_url,omitempty" env:"MIRROR_REDIS_URL"`
	// ConnectAttempts bounds the startup ping loop for networked drivers.
	ConnectAttempts int `json:"connect_attempts" yaml:"connect_attempts" env:"MIRROR_CONNECT_ATTEMPTS"`
}

type RetentionConfig struct {
	MaxAge        Duration `json:"max_age" yaml:"max_age" env:"RETENTION_MAX_AGE"`
	SweepInterval Duration `json:"sweep_interval" yaml:"sweep_interval" env:"RETENTION_SWEEP_INTERVAL"`
}

const (
	MirrorDriverNone   = "none"
	MirrorDriverMemory = "memory"
	MirrorDriverRedis  = "redis"
)

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Workspace.Root = "."
	cfg.Workspace.ProjectDir = "compose"
	cfg.Jobs.BufferCapacity = 2000
	cfg.Jobs.HeartbeatInterval = Duration(15 * time.Second)
	cfg.Jobs.DrainTimeout = Duration(10 * time.Second)
	cfg.Jobs.SubscriberBuffer = 256
	cfg.Jobs.Env = map[string]string{
		"DOCKER_BUILDKIT":          "1",
		"COMPOSE_DOCKER_CLI_BUILD": "1",
	}
	cfg.Server.Addr = "127.0.0.1:3474"
	cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	cfg.Log.Level = "info"
	cfg.Mirror.Driver = MirrorDriverNone
	cfg.Mirror.Topic = "dockyard.job-events"
	cfg.Mirror.Buffer = 1024
	cfg.Mirror.ConnectAttempts = 5
	cfg.Retention.MaxAge = Duration(24 * time.Hour)
	cfg.Retention.SweepInterval = Duration(5 * time.Minute)
	return cfg
}

// Load reads the config file at path (YAML unless the extension is .json),
// applies DOCKYARD_* environment overrides and validates the result. A
// missing file yields defaults plus overrides.
func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultConfigPath
	}

	b, err := os.ReadFile(finalPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, finalPath, fmt.Errorf("read config %s: %w", finalPath, err)
	default:
		if err := unmarshalConfig(finalPath, b, &cfg); err != nil {
			return cfg, finalPath, fmt.Errorf("parse config %s: %w", finalPath, err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return cfg, finalPath, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate config %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("apply %s environment: %w", EnvPrefix, err)
	}
	return nil
}

func SaveDefault(path string) error {
	b, err := marshalConfig(path, Default())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if strings.TrimSpace(cfg.Workspace.Root) == "" {
		return fmt.Errorf("workspace.root cannot be empty")
	}
	if strings.TrimSpace(cfg.Workspace.ProjectDir) == "" {
		return fmt.Errorf("workspace.project_dir cannot be empty")
	}
	if cfg.Jobs.BufferCapacity <= 0 {
		return fmt.Errorf("jobs.buffer_capacity must be > 0")
	}
	if cfg.Jobs.HeartbeatInterval <= 0 || cfg.Jobs.DrainTimeout <= 0 {
		return fmt.Errorf("jobs.heartbeat_interval and jobs.drain_timeout must be > 0")
	}
	if cfg.Jobs.SubscriberBuffer <= 0 {
		return fmt.Errorf("jobs.subscriber_buffer must be > 0")
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return fmt.Errorf("server.addr cannot be empty")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug|info|warn|error")
	}
	switch cfg.Mirror.Driver {
	case MirrorDriverNone, MirrorDriverMemory:
	case MirrorDriverRedis:
		if strings.TrimSpace(cfg.Mirror.RedisURL) == "" {
			return fmt.Errorf("mirror.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("mirror.driver must be none|memory|redis")
	}
	if cfg.Mirror.Driver != MirrorDriverNone {
		if strings.TrimSpace(cfg.Mirror.Topic) == "" {
			return fmt.Errorf("mirror.topic cannot be empty")
		}
		if cfg.Mirror.Buffer <= 0 {
			return fmt.Errorf("mirror.buffer must be > 0")
		}
	}
	if cfg.Retention.MaxAge < 0 || cfg.Retention.SweepInterval < 0 {
		return fmt.Errorf("retention durations must be >= 0")
	}
	if cfg.Retention.MaxAge > 0 && cfg.Retention.SweepInterval == 0 {
		return fmt.Errorf("retention.sweep_interval must be > 0 when retention.max_age is set")
	}
	return nil
}

// EffectiveBufferCapacity applies the ring buffer floor.
func (c Config) EffectiveBufferCapacity() int {
	if c.Jobs.BufferCapacity < MinBufferCapacity {
		return MinBufferCapacity
	}
	return c.Jobs.BufferCapacity
}

// ResolvedPaths returns the absolute workspace root and project directory.
func (c Config) ResolvedPaths() (string, string, error) {
	root, err := filepath.Abs(strings.TrimSpace(c.Workspace.Root))
	if err != nil {
		return "", "", fmt.Errorf("resolve workspace.root: %w", err)
	}
	projectDir := strings.TrimSpace(c.Workspace.ProjectDir)
	if !filepath.IsAbs(projectDir) {
		projectDir = filepath.Join(root, projectDir)
	}
	return root, filepath.Clean(projectDir), nil
}

// NewCommandPolicy builds the command policy for this configuration.
func (c Config) NewCommandPolicy() (*CommandPolicy, error) {
	root, projectDir, err := c.ResolvedPaths()
	if err != nil {
		return nil, err
	}
	return NewCommandPolicy(CommandPolicyOptions{
		Workspace:      root,
		ProjectDir:     projectDir,
		HostProjectDir: strings.TrimSpace(c.Workspace.HostProjectDir),
	})
}

func isJSONPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

func unmarshalConfig(path string, b []byte, cfg *Config) error {
	if isJSONPath(path) {
		return json.Unmarshal(b, cfg)
	}
	return yaml.Unmarshal(b, cfg)
}

func marshalConfig(path string, cfg Config) ([]byte, error) {
	if isJSONPath(path) {
		return json.MarshalIndent(cfg, "", "  ")
	}
	return yaml.Marshal(cfg)
}
