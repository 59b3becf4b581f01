package runner

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dockyard/internal/model"
)

type recordingSink struct {
	mu     sync.Mutex
	events []model.JobEvent
}

func (s *recordingSink) sink(event model.JobEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) lines(stream string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []string{}
	for _, event := range s.events {
		if event.Type == model.EventTypeLog && event.Stream == stream {
			out = append(out, event.Message)
		}
	}
	return out
}

func requireShell(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func TestProcessRunnerStreamsBothStreams(t *testing.T) {
	sh := requireShell(t)
	workspace := t.TempDir()
	rec := &recordingSink{}
	r := NewProcessRunner(ProcessRunnerOptions{})

	result, err := r.Run(context.Background(), []string{sh, "-c", "echo out1; echo err1 >&2; printf tail; pwd"}, workspace, nil, rec.sink)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", result.ExitCode)
	}
	if result.FinishedAt.IsZero() {
		t.Fatalf("expected finished timestamp")
	}
	stdout := rec.lines(model.StreamStdout)
	if len(stdout) != 2 || stdout[0] != "out1" || !strings.HasPrefix(stdout[1], "tail") {
		t.Fatalf("unexpected stdout lines %q", stdout)
	}
	if !strings.HasSuffix(stdout[1], filepath.Base(workspace)) {
		t.Fatalf("expected process to run in workspace %q, got %q", workspace, stdout[1])
	}
	if stderr := rec.lines(model.StreamStderr); len(stderr) != 1 || stderr[0] != "err1" {
		t.Fatalf("unexpected stderr lines %q", stderr)
	}
	if first := rec.events[0]; first.Type != model.EventTypeStatus || !strings.HasPrefix(first.Message, "EXEC "+sh) {
		t.Fatalf("expected EXEC status first, got %+v", first)
	}
}

func TestProcessRunnerReportsExitCode(t *testing.T) {
	sh := requireShell(t)
	r := NewProcessRunner(ProcessRunnerOptions{})
	result, err := r.Run(context.Background(), []string{sh, "-c", "exit 3"}, t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
}

func TestProcessRunnerEnvOverridesDoNotClobber(t *testing.T) {
	sh := requireShell(t)
	t.Setenv("DOCKYARD_TEST_PRESET", "from-env")
	rec := &recordingSink{}
	r := NewProcessRunner(ProcessRunnerOptions{})
	env := map[string]string{
		"DOCKYARD_TEST_PRESET": "override",
		"DOCKYARD_TEST_NEW":    "added",
	}
	if _, err := r.Run(context.Background(), []string{sh, "-c", "echo $DOCKYARD_TEST_PRESET $DOCKYARD_TEST_NEW"}, t.TempDir(), env, rec.sink); err != nil {
		t.Fatalf("run: %v", err)
	}
	if stdout := rec.lines(model.StreamStdout); len(stdout) != 1 || stdout[0] != "from-env added" {
		t.Fatalf("unexpected env output %q", stdout)
	}
}

func TestProcessRunnerCancelKillsProcess(t *testing.T) {
	sh := requireShell(t)
	r := NewProcessRunner(ProcessRunnerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	started := time.Now()
	result, err := r.Run(ctx, []string{sh, "-c", "exec sleep 30"}, t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if time.Since(started) > 10*time.Second {
		t.Fatalf("expected cancel to stop the process promptly")
	}
	if result.ExitCode == 0 {
		t.Fatalf("expected non-zero exit code for killed process")
	}
}

func TestProcessRunnerStartFailure(t *testing.T) {
	r := NewProcessRunner(ProcessRunnerOptions{})
	if _, err := r.Run(context.Background(), []string{"/nonexistent/docker"}, t.TempDir(), nil, nil); err == nil {
		t.Fatalf("expected start failure")
	}
	if _, err := r.Run(context.Background(), nil, t.TempDir(), nil, nil); err == nil {
		t.Fatalf("expected empty argv failure")
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "x", "C": "3"})
	want := []string{"A=1", "B=2", "C=3"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
