package runner

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"dockyard/internal/logging"
	"dockyard/internal/model"
)

const DefaultDrainTimeout = 10 * time.Second

// Sink receives events produced while a command runs. It may be called from
// several goroutines at once.
type Sink func(model.JobEvent)

type ExecutionResult struct {
	ExitCode   int
	FinishedAt time.Time
}

// CommandRunner executes an argument vector and streams its output.
type CommandRunner interface {
	Run(ctx context.Context, argv []string, workspace string, env map[string]string, sink Sink) (ExecutionResult, error)
}

type ProcessRunnerOptions struct {
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// ProcessRunner runs commands as child processes. Canceling ctx kills the
// process.
type ProcessRunner struct {
	drainTimeout time.Duration
	logger       *slog.Logger
}

var _ CommandRunner = (*ProcessRunner)(nil)

func NewProcessRunner(options ProcessRunnerOptions) *ProcessRunner {
	if options.DrainTimeout <= 0 {
		options.DrainTimeout = DefaultDrainTimeout
	}
	return &ProcessRunner{
		drainTimeout: options.DrainTimeout,
		logger:       logging.OrDiscard(options.Logger).With("component", "runner"),
	}
}

func (r *ProcessRunner) Run(ctx context.Context, argv []string, workspace string, env map[string]string, sink Sink) (ExecutionResult, error) {
	if len(argv) == 0 {
		return ExecutionResult{}, errors.New("empty argv")
	}
	if sink == nil {
		sink = func(model.JobEvent) {}
	}
	sink(model.StatusEvent("EXEC " + strings.Join(argv, " ")))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = workspace
	cmd.Env = mergeEnv(os.Environ(), env)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return ExecutionResult{}, errors.Wrap(err, "create stdout pipe")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return ExecutionResult{}, errors.Wrap(err, "create stderr pipe")
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return ExecutionResult{}, errors.Wrapf(err, "start %s", argv[0])
	}
	// The child holds its own copies; closing ours lets readers see EOF.
	closeAll(stdoutW, stderrW)
	r.logger.Debug("process started", "pid", cmd.Process.Pid, "argv", argv, "dir", workspace)

	var group errgroup.Group
	group.Go(func() error { return pumpLines(stdoutR, model.StreamStdout, sink) })
	group.Go(func() error { return pumpLines(stderrR, model.StreamStderr, sink) })

	waitErr := cmd.Wait()
	finishedAt := time.Now().UTC()

	drained := make(chan error, 1)
	go func() {
		drained <- group.Wait()
	}()

	timer := time.NewTimer(r.drainTimeout)
	defer timer.Stop()
	select {
	case err := <-drained:
		closeAll(stdoutR, stderrR)
		if err != nil {
			return ExecutionResult{}, errors.Wrap(err, "read process output")
		}
	case <-timer.C:
		// A grandchild can keep the pipes open after the process exits.
		closeAll(stdoutR, stderrR)
		<-drained
		return ExecutionResult{}, errors.Errorf("output drain exceeded %s after process exit", r.drainTimeout)
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return ExecutionResult{}, errors.Wrapf(waitErr, "wait for %s", argv[0])
		}
		exitCode = exitErr.ExitCode()
	}
	r.logger.Debug("process exited", "pid", cmd.Process.Pid, "exit_code", exitCode)
	return ExecutionResult{ExitCode: exitCode, FinishedAt: finishedAt}, nil
}

func pumpLines(reader io.Reader, stream string, sink Sink) error {
	buffered := bufio.NewReader(reader)
	for {
		line, err := buffered.ReadString('\n')
		if line != "" {
			sink(model.LogEvent(stream, strings.TrimRight(line, "\r\n")))
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}

// mergeEnv adds overrides that are not already present in base.
func mergeEnv(base []string, overrides map[string]string) []string {
	present := make(map[string]bool, len(base))
	for _, entry := range base {
		if key, _, ok := strings.Cut(entry, "="); ok {
			present[key] = true
		}
	}
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := append([]string(nil), base...)
	for _, key := range keys {
		if present[key] {
			continue
		}
		out = append(out, key+"="+overrides[key])
	}
	return out
}

func closeAll(files ...*os.File) {
	for _, file := range files {
		_ = file.Close()
	}
}
