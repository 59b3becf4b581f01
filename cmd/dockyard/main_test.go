package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"dockyard/internal/model"
	"dockyard/internal/policy"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	rootCmd, err := newRootCommand()
	if err != nil {
		t.Fatalf("new root command: %v", err)
	}
	for _, name := range []string{"serve", "config-init", "validate", "run", "status", "watch", "cancel", "jobs"} {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == nil || cmd.Name() != name {
			t.Fatalf("expected %s command to be registered (err=%v)", name, err)
		}
	}
}

func TestRunJobFollowsUntilSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/v1/run":
			var payload map[string]string
			if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
				t.Errorf("decode run payload: %v", err)
			}
			if payload["command"] != "docker compose up -d" {
				t.Errorf("unexpected command %q", payload["command"])
			}
			if req.Header.Get("X-Request-Id") == "" {
				t.Errorf("expected request id header")
			}
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"jobId":"job-1","runId":"run-1"}`))
		case "/v1/jobs/job-1/events":
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("id: 1\nevent: log\ndata: {\"type\":\"log\",\"stream\":\"stdout\",\"message\":\"Container web Started\",\"ts\":\"2026-01-01T00:00:00Z\"}\n\n"))
			_, _ = w.Write([]byte("id: 2\nevent: terminalSummary\ndata: {\"type\":\"terminalSummary\",\"ts\":\"2026-01-01T00:00:01Z\",\"summary\":{\"jobId\":\"job-1\",\"status\":\"SUCCEEDED\",\"exitCode\":0,\"createdAt\":\"2026-01-01T00:00:00Z\"}}\n\n"))
		default:
			t.Errorf("unexpected path %s", req.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	var out bytes.Buffer
	err := runJob(context.Background(), []string{"--server", server.URL, "--run-id", "run-1", "--follow", "docker", "compose", "up", "-d"}, &out)
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	output := out.String()
	for _, want := range []string{"Job ID: job-1", "Run ID: run-1", "Container web Started", "== job job-1 SUCCEEDED exit=0"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output:\n%s", want, output)
		}
	}
}

func TestRunJobReportsFailedJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/v1/run" {
			_, _ = w.Write([]byte(`{"jobId":"job-2"}`))
			return
		}
		_, _ = w.Write([]byte("data: {\"type\":\"terminalSummary\",\"ts\":\"2026-01-01T00:00:01Z\",\"summary\":{\"jobId\":\"job-2\",\"status\":\"FAILED\",\"exitCode\":1,\"createdAt\":\"2026-01-01T00:00:00Z\"}}\n\n"))
	}))
	defer server.Close()

	err := runJob(context.Background(), []string{"--server", server.URL, "--follow", "docker", "compose", "build"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "finished FAILED") {
		t.Fatalf("expected failed job error, got %v", err)
	}
}

func TestRunJobRequiresCommand(t *testing.T) {
	if err := runJob(context.Background(), []string{"--server", "http://127.0.0.1:1"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for missing command")
	}
}

func TestJoinCommandArgsKeepsArgumentBoundaries(t *testing.T) {
	cases := []struct {
		args []string
		want []string
	}{
		{
			args: []string{"docker", "compose", "--profile", "a b", "up"},
			want: []string{"docker", "compose", "--profile", "a b", "up"},
		},
		{
			args: []string{"docker", "compose", "--env-file", `say "hi" \ it's`, "ps"},
			want: []string{"docker", "compose", "--env-file", `say "hi" \ it's`, "ps"},
		},
		{
			args: []string{"docker", "compose", "-f", `C:\stack\compose.yml`, "ps"},
			want: []string{"docker", "compose", "-f", `C:\stack\compose.yml`, "ps"},
		},
		{
			args: []string{"docker compose --profile 'a b' up"},
			want: []string{"docker", "compose", "--profile", "a b", "up"},
		},
	}
	for _, tc := range cases {
		got := policy.Tokenize(joinCommandArgs(tc.args))
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("expected %q to tokenize to %q, got %q", tc.args, tc.want, got)
		}
	}
}

func TestValidateLocally(t *testing.T) {
	cfg := policy.Default()
	cfg.Workspace.Root = t.TempDir()
	result, err := validateLocally(cfg, "docker compose ps")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	projectDir := filepath.Join(cfg.Workspace.Root, "compose")
	if result.ProjectDir != projectDir {
		t.Fatalf("expected project dir %s, got %s", projectDir, result.ProjectDir)
	}
	if len(result.Argv) < 3 || result.Argv[0] != "docker" || result.Argv[1] != "compose" || result.Argv[2] != "--project-directory" {
		t.Fatalf("unexpected argv %v", result.Argv)
	}

	if _, err := validateLocally(cfg, "docker ps | sh"); err == nil {
		t.Fatalf("expected metacharacter rejection")
	}
	if _, err := validateLocally(cfg, "   "); err == nil {
		t.Fatalf("expected missing command error")
	}
}

func TestLoadServeConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := policy.SaveDefault(path); err != nil {
		t.Fatalf("save default: %v", err)
	}
	cfg, err := loadServeConfig(&serveSettings{
		ConfigPath:      path,
		Addr:            "127.0.0.1:9999",
		ShutdownTimeout: "3s",
		LogLevel:        "debug",
	})
	if err != nil {
		t.Fatalf("load serve config: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Fatalf("expected addr override, got %s", cfg.Server.Addr)
	}
	if cfg.Server.ShutdownTimeout.Std().Seconds() != 3 {
		t.Fatalf("expected 3s shutdown timeout, got %s", cfg.Server.ShutdownTimeout.Std())
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected debug log level, got %s", cfg.Log.Level)
	}

	if _, err := loadServeConfig(&serveSettings{ConfigPath: path, ShutdownTimeout: "soon"}); err == nil {
		t.Fatalf("expected invalid shutdown timeout error")
	}
}

func TestFormatEvent(t *testing.T) {
	code := 0
	cases := []struct {
		event model.JobEvent
		want  string
	}{
		{event: model.LogEvent(model.StreamStdout, "hello"), want: "hello"},
		{event: model.LogEvent(model.StreamStderr, "warn"), want: "! warn"},
		{event: model.StatusEvent("RUNNING"), want: "[RUNNING]"},
		{event: model.StatusEvent(": heartbeat #1 uptimeMs=15000"), want: ""},
		{event: model.SummaryEvent(model.JobSnapshot{JobID: "j"}), want: ""},
		{event: model.TerminalSummaryEvent(model.JobSnapshot{JobID: "j", Status: model.JobStatusSucceeded, ExitCode: &code}), want: "== job j SUCCEEDED exit=0"},
	}
	for _, tc := range cases {
		if got := formatEvent(tc.event); got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, got)
		}
	}
}
