// Package cli implements the buildfs command-line interface.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/albertocavalcante/buildfs/internal/log"
	"github.com/albertocavalcante/buildfs/internal/telemetry"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

// globalFlags holds persistent flags that apply to all commands
var globalFlags struct {
	verbosity int
	logFormat string
	dir       string
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "buildfs",
	Short: "Incremental build dirty-file tracker",
	Long: `Buildfs tracks which source files of a workspace must be recompiled.

It compares every source file against the modification stamp recorded by the
last successful compilation, hands the dirty files to your compiler, and
records new stamps once the compilation is confirmed.

Targets are read from buildfs.toml, or detected from src/main/<language> and
src/test/<language> layouts when none are declared.`,
	SilenceUsage: true,
	// Default behavior: show help
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "buildfs %s (%s)\n", Version, GitCommit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	// Global flags (persistent across all commands)
	rootCmd.PersistentFlags().IntVarP(&globalFlags.verbosity, "verbosity", "v", 1,
		"Verbosity level (0=error, 1=warn, 2=info, 3=debug, 4=trace)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.logFormat, "log-format", "text",
		"Log format (text, json)")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.dir, "dir", "C", "",
		"Run as if started in this directory")

	// Hook to apply flags before command runs
	cobra.OnInitialize(initLogging)
}

// initLogging applies CLI flags to the logger.
// This runs after flags are parsed but before command execution.
func initLogging() {
	log.Init(globalFlags.verbosity, globalFlags.logFormat)
}

// Execute runs the root command.
func Execute() {
	ctx := context.Background()
	if err := telemetry.Init(ctx, "buildfs", Version); err != nil {
		log.Warn("telemetry disabled", "error", err)
	}

	err := rootCmd.ExecuteContext(ctx)
	telemetry.Shutdown(ctx)
	if err != nil {
		os.Exit(1)
	}
}

// RootCmd returns the root command for testing.
func RootCmd() *cobra.Command {
	return rootCmd
}

// workingDir returns the directory commands start from.
func workingDir() (string, error) {
	if globalFlags.dir != "" {
		return globalFlags.dir, nil
	}
	return os.Getwd()
}
