package main

import (
	"context"
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

type passthroughCommand struct {
	Use     string
	Short   string
	Aliases []string
	Run     func(ctx context.Context, args []string) error
}

func executeCLI(ctx context.Context, args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "dockyard",
		Short:         "run allow-listed docker commands as observable jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage(cmd.OutOrStdout())
			return fmt.Errorf("command is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == rootCmd {
			printUsage(cmd.OutOrStdout())
			return
		}
		defaultHelpFunc(cmd, args)
	})

	glazedCommands := []cmds.Command{}
	serveCmd, err := newServeGlazedCommand()
	if err != nil {
		return nil, err
	}
	glazedCommands = append(glazedCommands, serveCmd)

	configInitCmd, err := newConfigInitGlazedCommand()
	if err != nil {
		return nil, err
	}
	glazedCommands = append(glazedCommands, configInitCmd)

	validateCmd, err := newValidateGlazedCommand()
	if err != nil {
		return nil, err
	}
	glazedCommands = append(glazedCommands, validateCmd)

	for _, command := range glazedCommands {
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}

	clientCommands := []passthroughCommand{
		{Use: "run", Short: "Submit a command to a dockyard server", Run: runCommand},
		{Use: "status", Short: "Show a job's status", Run: statusCommand},
		{Use: "watch", Short: "Follow a job's event stream", Aliases: []string{"logs"}, Run: watchCommand},
		{Use: "cancel", Short: "Cancel a queued or running job", Run: cancelCommand},
		{Use: "jobs", Short: "List known jobs", Run: jobsCommand},
	}
	for _, client := range clientCommands {
		addPassthroughCommand(rootCmd, client)
	}
	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(
		command,
		cli.WithParserConfig(cli.CobraParserConfig{
			ShortHelpLayers: []string{layers.DefaultSlug},
			MiddlewaresFunc: cli.CobraCommandDefaultMiddlewares,
		}),
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}

func addPassthroughCommand(rootCmd *cobra.Command, command passthroughCommand) {
	cmd := &cobra.Command{
		Use:                command.Use,
		Short:              command.Short,
		Aliases:            command.Aliases,
		DisableFlagParsing: true,
		Args:               cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return command.Run(cmd.Context(), args)
		},
	}
	rootCmd.AddCommand(cmd)
}
