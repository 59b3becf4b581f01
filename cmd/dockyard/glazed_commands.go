package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"

	"dockyard/internal/logging"
	"dockyard/internal/policy"
	"dockyard/internal/server"
	"dockyard/internal/serviceapi"
)

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	ConfigPath      string `glazed.parameter:"config"`
	Addr            string `glazed.parameter:"addr"`
	ShutdownTimeout string `glazed.parameter:"shutdown-timeout"`
	LogLevel        string `glazed.parameter:"log-level"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	return &serveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the dockyard job server"),
			cmds.WithLong("Start the HTTP API and the job worker. Flags override the config file and DOCKYARD_* environment."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"config",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to config file (YAML, or JSON with a .json extension)"),
					parameters.WithDefault(policy.DefaultConfigPath),
				),
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("HTTP listen address (defaults to server.addr)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"shutdown-timeout",
					parameters.ParameterTypeString,
					parameters.WithHelp("Graceful shutdown timeout (defaults to server.shutdown_timeout)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"log-level",
					parameters.ParameterTypeString,
					parameters.WithHelp("debug|info|warn|error (defaults to log.level)"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	cfg, err := loadServeConfig(settings)
	if err != nil {
		return err
	}

	logger := logging.New(os.Stderr, cfg.Log.Level)
	runtime, err := server.NewRuntime(ctx, server.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	fmt.Printf("dockyard serve listening on %s\n", cfg.Server.Addr)
	return runtime.Run(ctx)
}

func loadServeConfig(settings *serveSettings) (policy.Config, error) {
	cfg, _, err := policy.Load(settings.ConfigPath)
	if err != nil {
		return policy.Config{}, err
	}
	if addr := strings.TrimSpace(settings.Addr); addr != "" {
		cfg.Server.Addr = addr
	}
	if raw := strings.TrimSpace(settings.ShutdownTimeout); raw != "" {
		var timeout policy.Duration
		if err := timeout.UnmarshalText([]byte(raw)); err != nil {
			return policy.Config{}, fmt.Errorf("invalid --shutdown-timeout: %w", err)
		}
		cfg.Server.ShutdownTimeout = timeout
	}
	if level := strings.TrimSpace(settings.LogLevel); level != "" {
		cfg.Log.Level = level
	}
	if err := policy.Validate(cfg); err != nil {
		return policy.Config{}, err
	}
	return cfg, nil
}

var _ cmds.BareCommand = &serveGlazedCommand{}

type configInitGlazedCommand struct {
	*cmds.CommandDescription
}

type configInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newConfigInitGlazedCommand() (*configInitGlazedCommand, error) {
	return &configInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"config-init",
			cmds.WithShort("Write a default config file"),
			cmds.WithLong("Create a default dockyard config file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to config file"),
					parameters.WithDefault(policy.DefaultConfigPath),
				),
			),
		),
	}, nil
}

func (c *configInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &configInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &configInitGlazedCommand{}

type validateGlazedCommand struct {
	*cmds.CommandDescription
}

type validateSettings struct {
	ConfigPath string `glazed.parameter:"config"`
	Command    string `glazed.parameter:"command"`
}

func newValidateGlazedCommand() (*validateGlazedCommand, error) {
	return &validateGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"validate",
			cmds.WithShort("Check a command against the local policy"),
			cmds.WithLong("Tokenize and validate a docker command with the configured workspace, printing the argv that would run."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"config",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to config file"),
					parameters.WithDefault(policy.DefaultConfigPath),
				),
				parameters.NewParameterDefinition(
					"command",
					parameters.ParameterTypeString,
					parameters.WithHelp("Raw command, e.g. \"docker compose up -d\""),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *validateGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &validateSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	cfg, _, err := policy.Load(settings.ConfigPath)
	if err != nil {
		return err
	}
	result, err := validateLocally(cfg, settings.Command)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func validateLocally(cfg policy.Config, command string) (serviceapi.ValidateResult, error) {
	if strings.TrimSpace(command) == "" {
		return serviceapi.ValidateResult{}, fmt.Errorf("--command is required")
	}
	commandPolicy, err := cfg.NewCommandPolicy()
	if err != nil {
		return serviceapi.ValidateResult{}, err
	}
	validated, err := commandPolicy.Validate(command)
	if err != nil {
		return serviceapi.ValidateResult{}, err
	}
	return serviceapi.ValidateResult{
		Argv:       validated.Argv(),
		Workspace:  validated.Workspace(),
		ProjectDir: validated.ProjectDir(),
	}, nil
}

var _ cmds.BareCommand = &validateGlazedCommand{}
