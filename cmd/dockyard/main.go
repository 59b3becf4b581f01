package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dockyard/internal/model"
	"dockyard/internal/reqid"
	"dockyard/internal/serviceapi"
)

const (
	defaultServerURL = "http://127.0.0.1:3474"
	requestTimeout   = 15 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := executeCLI(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// clientFlags are shared by every command that talks to a server.
type clientFlags struct {
	server string
	apiKey string
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.server, "server", envOr("DOCKYARD_SERVER", defaultServerURL), "dockyard server base URL")
	fs.StringVar(&c.apiKey, "api-key", os.Getenv("DOCKYARD_API_KEY"), "Bearer token for mutating requests")
}

func (c *clientFlags) core() *serviceapi.RemoteCore {
	return serviceapi.NewRemoteCore(c.server, c.apiKey, requestTimeout)
}

func runCommand(ctx context.Context, args []string) error {
	return runJob(ctx, args, os.Stdout)
}

func runJob(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var client clientFlags
	var runID string
	var follow bool
	client.register(fs)
	fs.StringVar(&runID, "run-id", "", "Run identifier to bind the job to (optional)")
	fs.BoolVar(&follow, "follow", false, "Stream job events until the job finishes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	command := strings.TrimSpace(joinCommandArgs(fs.Args()))
	if command == "" {
		return fmt.Errorf("command is required, e.g. dockyard run docker compose ps")
	}

	ctx = reqid.WithRequestID(ctx, reqid.New())
	core := client.core()
	result, err := core.Submit(ctx, command, runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Job ID: %s\n", result.JobID)
	if result.RunID != "" {
		fmt.Fprintf(out, "Run ID: %s\n", result.RunID)
	}
	fmt.Fprintf(out, "Request ID: %s\n", reqid.FromContext(ctx))
	if !follow {
		return nil
	}
	return followJob(ctx, core, result.JobID, result.RunID, "", out)
}

func statusCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	var client clientFlags
	var runID string
	client.register(fs)
	fs.StringVar(&runID, "run-id", "", "Expected run identifier (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	jobID, err := requireJobID(fs.Args())
	if err != nil {
		return err
	}
	snapshot, err := client.core().Status(ctx, jobID, runID)
	if err != nil {
		return err
	}
	printSnapshot(os.Stdout, snapshot)
	return nil
}

func watchCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var client clientFlags
	var runID string
	var after string
	client.register(fs)
	fs.StringVar(&runID, "run-id", "", "Expected run identifier (optional)")
	fs.StringVar(&after, "after", "", "Resume after this event id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	jobID, err := requireJobID(fs.Args())
	if err != nil {
		return err
	}
	return followJob(ctx, client.core(), jobID, runID, after, os.Stdout)
}

func cancelCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	var client clientFlags
	client.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	jobID, err := requireJobID(fs.Args())
	if err != nil {
		return err
	}
	snapshot, err := client.core().Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	printSnapshot(os.Stdout, snapshot)
	return nil
}

func jobsCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	var client clientFlags
	client.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	jobs, err := client.core().List(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return nil
	}
	for _, job := range jobs {
		fmt.Printf("%s  %-9s  %s  %s\n", job.JobID, job.Status, job.CreatedAt.Format(time.RFC3339), job.LastLine)
	}
	return nil
}

// followJob prints events until the stream ends and fails unless the job
// succeeded.
func followJob(ctx context.Context, core serviceapi.Core, jobID string, runID string, after string, out io.Writer) error {
	events, detach, err := core.Events(ctx, jobID, runID, after)
	if err != nil {
		return err
	}
	defer detach()

	var final *model.JobSnapshot
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				if final == nil {
					return fmt.Errorf("event stream for job %s ended before completion", jobID)
				}
				if final.Status != model.JobStatusSucceeded {
					return fmt.Errorf("job %s finished %s", jobID, final.Status)
				}
				return nil
			}
			if line := formatEvent(event); line != "" {
				fmt.Fprintln(out, line)
			}
			if event.Type == model.EventTypeTerminalSummary && event.Summary != nil {
				summary := event.Summary.Clone()
				final = &summary
			}
		}
	}
}

func formatEvent(event model.JobEvent) string {
	switch event.Type {
	case model.EventTypeLog:
		if event.Stream == model.StreamStderr {
			return "! " + event.Message
		}
		return event.Message
	case model.EventTypeStatus:
		if strings.HasPrefix(event.Message, ": heartbeat") {
			return ""
		}
		return "[" + event.Message + "]"
	case model.EventTypeTerminalSummary:
		if event.Summary == nil {
			return ""
		}
		exit := "-"
		if event.Summary.ExitCode != nil {
			exit = fmt.Sprintf("%d", *event.Summary.ExitCode)
		}
		return fmt.Sprintf("== job %s %s exit=%s", event.Summary.JobID, event.Summary.Status, exit)
	default:
		return ""
	}
}

func printSnapshot(out io.Writer, snapshot model.JobSnapshot) {
	fmt.Fprintf(out, "Job: %s\n", snapshot.JobID)
	fmt.Fprintf(out, "Status: %s\n", snapshot.Status)
	if snapshot.RunID != "" {
		fmt.Fprintf(out, "Run: %s\n", snapshot.RunID)
	}
	fmt.Fprintf(out, "Created: %s\n", snapshot.CreatedAt.Format(time.RFC3339))
	if snapshot.StartedAt != nil {
		fmt.Fprintf(out, "Started: %s\n", snapshot.StartedAt.Format(time.RFC3339))
	}
	if snapshot.FinishedAt != nil {
		fmt.Fprintf(out, "Finished: %s\n", snapshot.FinishedAt.Format(time.RFC3339))
	}
	if snapshot.ExitCode != nil {
		fmt.Fprintf(out, "Exit code: %d\n", *snapshot.ExitCode)
	}
	if snapshot.LastLine != "" {
		fmt.Fprintf(out, "Last line: %s\n", snapshot.LastLine)
	}
}

// joinCommandArgs rebuilds a command line from shell-split arguments. A
// single argument is taken as the whole command line; otherwise arguments
// holding whitespace or quotes are double-quoted so they tokenize back to
// one argument.
func joinCommandArgs(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == "" {
			continue
		}
		if !strings.ContainsAny(arg, " \t\n\r\f\v'\"") {
			parts = append(parts, arg)
			continue
		}
		escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(arg)
		parts = append(parts, `"`+escaped+`"`)
	}
	return strings.Join(parts, " ")
}

func requireJobID(args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("exactly one job id is required")
	}
	return strings.TrimSpace(args[0]), nil
}

func envOr(key string, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "dockyard - run allow-listed docker commands as observable jobs")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Server:")
	fmt.Fprintln(out, "  dockyard serve [--config .dockyard/config.yaml] [--addr 127.0.0.1:3474]")
	fmt.Fprintln(out, "  dockyard config-init [--path .dockyard/config.yaml]")
	fmt.Fprintln(out, "  dockyard validate --command \"docker compose up -d\"")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Client:")
	fmt.Fprintln(out, "  dockyard run [--server URL] [--run-id ID] [--follow] docker compose up -d")
	fmt.Fprintln(out, "  dockyard status [--run-id ID] JOB_ID")
	fmt.Fprintln(out, "  dockyard watch [--after EVENT_ID] JOB_ID")
	fmt.Fprintln(out, "  dockyard cancel JOB_ID")
	fmt.Fprintln(out, "  dockyard jobs")
}
