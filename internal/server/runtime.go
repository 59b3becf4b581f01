package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"dockyard/internal/eventbus"
	"dockyard/internal/logging"
	"dockyard/internal/orchestrator"
	"dockyard/internal/policy"
	"dockyard/internal/runner"
	"dockyard/internal/serviceapi"
	"dockyard/internal/store"
)

const (
	defaultAddr            = "127.0.0.1:3474"
	defaultShutdownTimeout = 10 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

type Options struct {
	Config policy.Config
	Logger *slog.Logger
	// Runner replaces the process runner, mainly for tests.
	Runner runner.CommandRunner
}

// Runtime is the composition root of the dockyard server: it owns the job
// store, the worker, the optional event mirror and the HTTP listener.
type Runtime struct {
	cfg       policy.Config
	logger    *slog.Logger
	store     *store.MemoryStore
	manager   *orchestrator.JobManager
	janitor   *orchestrator.Janitor
	mirror    *eventbus.Mirror
	core      *serviceapi.LocalCore
	handler   http.Handler
	server    *http.Server
	startedAt time.Time

	streamCtx    context.Context
	streamCancel context.CancelFunc
}

func NewRuntime(ctx context.Context, options Options) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := normalizeConfig(options.Config)
	logger := logging.OrDiscard(options.Logger)

	commandPolicy, err := cfg.NewCommandPolicy()
	if err != nil {
		return nil, err
	}
	mirror, err := eventbus.Open(ctx, cfg.Mirror, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open event mirror")
	}

	jobStore := store.NewMemoryStore(store.Options{SubscriberBuffer: cfg.Jobs.SubscriberBuffer})
	if mirror != nil {
		jobStore.Observe(mirror.Observe)
	}
	commandRunner := options.Runner
	if commandRunner == nil {
		commandRunner = runner.NewProcessRunner(runner.ProcessRunnerOptions{
			DrainTimeout: cfg.Jobs.DrainTimeout.Std(),
			Logger:       logger,
		})
	}
	manager := orchestrator.NewJobManager(jobStore, commandRunner, orchestrator.NewSingleFlight(), orchestrator.TickerScheduler{}, orchestrator.Options{
		BufferCapacity:    cfg.EffectiveBufferCapacity(),
		HeartbeatInterval: cfg.Jobs.HeartbeatInterval.Std(),
		Env:               cfg.Jobs.Env,
		Logger:            logger,
	})
	// A zero max age keeps completed jobs until restart.
	var janitor *orchestrator.Janitor
	if cfg.Retention.MaxAge > 0 {
		janitor = orchestrator.NewJanitor(jobStore, orchestrator.JanitorOptions{
			MaxAge:   cfg.Retention.MaxAge.Std(),
			Interval: cfg.Retention.SweepInterval.Std(),
			Logger:   logger,
		})
	}
	core := serviceapi.NewLocalCore(commandPolicy, manager, mirror, janitor)
	handler := NewRouter(core, RouterOptions{
		APIKey: cfg.Server.APIKey,
		Logger: logger,
	})

	streamCtx, streamCancel := context.WithCancel(context.Background())
	runtime := &Runtime{
		cfg:          cfg,
		logger:       logger.With("component", "runtime"),
		store:        jobStore,
		manager:      manager,
		janitor:      janitor,
		mirror:       mirror,
		core:         core,
		handler:      handler,
		startedAt:    time.Now().UTC(),
		streamCtx:    streamCtx,
		streamCancel: streamCancel,
	}
	runtime.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return streamCtx },
	}
	return runtime, nil
}

func (r *Runtime) Handler() http.Handler {
	return r.handler
}

func (r *Runtime) Core() serviceapi.Core {
	return r.core
}

// Run serves HTTP on the configured address until ctx is canceled or the
// listener fails.
func (r *Runtime) Run(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	listener, err := net.Listen("tcp", r.cfg.Server.Addr)
	if err != nil {
		r.closeMirror()
		return errors.Wrapf(err, "listen on %s", r.cfg.Server.Addr)
	}
	return r.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (r *Runtime) Serve(ctx context.Context, listener net.Listener) error {
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	r.manager.Start(workerCtx)
	if r.janitor != nil {
		r.janitor.Start(workerCtx)
	}
	if r.mirror != nil {
		r.mirror.Start(workerCtx)
	}
	r.logger.Info("dockyard listening",
		"addr", listener.Addr().String(),
		"workspace", r.cfg.Workspace.Root,
		"auth", strings.TrimSpace(r.cfg.Server.APIKey) != "",
		"mirror", r.cfg.Mirror.Driver,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := r.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	timeout := r.cfg.Server.ShutdownTimeout.Std()
	workerCancel()
	if !r.manager.Wait(timeout) {
		r.logger.Warn("job worker did not stop in time", "timeout", timeout.String())
	}
	if r.janitor != nil {
		_ = r.janitor.Wait(timeout)
	}
	r.streamCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := r.server.Shutdown(shutdownCtx)
	r.closeMirror()
	r.logger.Info("dockyard stopped")
	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

func (r *Runtime) closeMirror() {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Close(); err != nil {
		r.logger.Warn("close event mirror", "error", err.Error())
	}
}

func normalizeConfig(cfg policy.Config) policy.Config {
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = defaultAddr
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = policy.Duration(defaultShutdownTimeout)
	}
	return cfg
}
