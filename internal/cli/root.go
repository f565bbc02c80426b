// Package cli holds the mozarex-cache command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mozarex-cache/internal/config"
	"mozarex-cache/pkg/logging/logging"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

const (
	ExitSuccess      = 0
	ExitUsageError   = 2
	ExitRuntimeError = 4
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mozarex-cache",
		Short:         "Content cache and generation service",
		Long:          "mozarex-cache serves generated blog content behind a fingerprinted cache with a per-domain latest pointer.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default $"+config.PathEnv+")")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newCacheCmd())
	root.AddCommand(versionCmd)
	return root
}

// Run executes the command tree and returns a process exit code.
func Run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return ExitRuntimeError
	}
	return ExitSuccess
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print mozarex-cache version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "mozarex-cache version %s\n", Version)
	},
}

// setup loads configuration and installs the process logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(logging.Options{Env: cfg.Log.Env, Level: cfg.Log.Level})
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	logging.SetDefault(logger)
	return cfg, logger, nil
}
