// Package cli wires the cobra command surface to the supervisor.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pocketwalk/pocketwalk/internal/application"
	"github.com/pocketwalk/pocketwalk/internal/infrastructure/cancellation"
	"github.com/pocketwalk/pocketwalk/internal/infrastructure/config"
	"github.com/pocketwalk/pocketwalk/internal/infrastructure/contextengine"
	"github.com/pocketwalk/pocketwalk/internal/infrastructure/logger"
	"github.com/pocketwalk/pocketwalk/internal/infrastructure/statusserver"
	"github.com/pocketwalk/pocketwalk/internal/infrastructure/toolrunner"
	"github.com/pocketwalk/pocketwalk/internal/infrastructure/vcs"
)

const version = "1.0.0"

// NewRootCommand builds the pocketwalk command. rawArgs is the raw
// argument list (os.Args[1:]), needed for the dynamic per-tool flags
// cobra cannot declare ahead of the config read. The supervisor's exit
// code lands in *exitCode so main can os.Exit after deferred cleanup
// has run.
func NewRootCommand(rawArgs []string, exitCode *int) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pocketwalk",
		Short: "pocketwalk — run static analysis tools on change, commit on pass",
		Long: "pocketwalk supervises a configured set of static-analysis tools,\n" +
			"re-running each when its inputs change, replaying cached results when\n" +
			"they have not, and committing the tree when the full set passes.",
		Args: cobra.ArbitraryArgs,
		// unknown flags are the per-tool overrides, parsed from rawArgs
		FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, rawArgs, exitCode)
		},
	}

	rootCmd.Flags().StringP("config", "c", config.DefaultPath, "config file path")
	rootCmd.Flags().BoolP("once", "1", false, "run every tool once and exit")
	rootCmd.Flags().StringSlice("tools", nil, "restrict the active tool set")
	rootCmd.Flags().Bool("no-vcs", false, "disable the commit step")
	rootCmd.Flags().String("status-addr", "", "serve /status and /ws on this address")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().String("log-output", logger.DefaultOutputPath, "log destination (stderr or a file; stdout is reserved for tool output)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pocketwalk v%s\n", version)
		},
	})

	return rootCmd
}

func run(cmd *cobra.Command, rawArgs []string, exitCode *int) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logOutput, _ := cmd.Flags().GetString("log-output")
	log, err := logger.NewLogger(logger.Config{
		Level:      logLevel,
		Format:     "json",
		OutputPath: logOutput,
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	configPath, _ := cmd.Flags().GetString("config")
	once, _ := cmd.Flags().GetBool("once")
	tools, _ := cmd.Flags().GetStringSlice("tools")
	noVCS, _ := cmd.Flags().GetBool("no-vcs")
	statusAddr, _ := cmd.Flags().GetString("status-addr")

	overrides := config.Overrides{
		ConfigPath: configPath,
		Once:       once,
		NoVCS:      noVCS,
	}
	if cmd.Flags().Changed("tools") {
		overrides.Tools = tools
	}

	source := config.New(log, overrides)
	interrupt := cancellation.New(log)

	// the per-tool override flags need the configured tool names, so
	// the first config read happens before the overlay is attached
	cfg, err := source.EffectiveConfig(interrupt.Context())
	if err != nil {
		return err
	}
	overrides.PerTool = config.ParsePerToolFlags(rawArgs, source.Tools(cfg))
	source.SetOverrides(overrides)
	cfg, err = source.EffectiveConfig(interrupt.Context())
	if err != nil {
		return err
	}

	engine := contextengine.New(log, cfg.CacheDir)
	runner := toolrunner.New(log, cfg.CacheDir)
	controller := vcs.New(log)

	var publisher application.StatusPublisher
	if statusAddr != "" {
		server := statusserver.NewServer(statusAddr, log)
		server.Start(interrupt.Context())
		defer server.Stop()
		publisher = server
	}

	supervisor := application.New(log, source, engine, runner, controller, interrupt, publisher)
	*exitCode = supervisor.Run()
	return nil
}
