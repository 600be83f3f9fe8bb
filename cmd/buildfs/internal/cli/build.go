package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/albertocavalcante/buildfs/pkg/build"
	"github.com/albertocavalcante/buildfs/pkg/roots"
)

var buildFlags struct {
	maxRounds int
	verbose   bool
}

var buildCmd = &cobra.Command{
	Use:   "build [target...]",
	Short: "Compile dirty source files",
	Long: `Scans the targets, hands their dirty files to the configured compiler
chunk by chunk, and records stamps for the files the compilation confirmed.

The compiler is the [build] command of buildfs.toml (or BUILDFS_BUILD_COMMAND).
It receives the files of one round as arguments and the environment variables
BUILDFS_CHUNK, BUILDFS_ROUND and BUILDFS_DELETED. Lines it prints starting with
"buildfs:dirty " name files it wants compiled in another round.

Without arguments every target is built.`,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().IntVar(&buildFlags.maxRounds, "max-rounds", 0,
		"Maximum compilation rounds per chunk (default from config)")
	buildCmd.Flags().BoolVar(&buildFlags.verbose, "verbose", false,
		"Show compiler output")

	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	targets, err := s.resolveTargets(args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	compilerOut := io.Discard
	if buildFlags.verbose {
		compilerOut = out
	}
	driver, err := s.driver(compilerOut, cmd.ErrOrStderr(), buildFlags.maxRounds)
	if err != nil {
		return err
	}

	start := time.Now()
	report, err := s.build(cmd.Context(), driver, targets)
	printReport(out, report)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "compiled %d files in %s\n", report.Compiled(), time.Since(start).Round(time.Millisecond))
	return nil
}

// driver creates a build driver for the configured compile command.
func (s *session) driver(stdout, stderr io.Writer, maxRounds int) (*build.Driver, error) {
	compiler := build.NewExecCompiler(s.cfg.Build.Command,
		build.WithWorkDir(s.root), build.WithOutput(stdout, stderr))
	if _, err := compiler.FindBinary(); err != nil {
		if errors.Is(err, build.ErrCompilerNotConfigured) {
			return nil, fmt.Errorf("%w: set [build] command in buildfs.toml", err)
		}
		return nil, err
	}
	if maxRounds <= 0 {
		maxRounds = s.cfg.Build.MaxRounds
	}
	return build.NewDriver(s.index, s.state, s.store, compiler, build.Options{MaxRounds: maxRounds}), nil
}

// build scans targets not scanned yet and builds them.
func (s *session) build(ctx context.Context, driver *build.Driver, targets []*roots.Target) (*build.Report, error) {
	if _, err := s.scanner.Scan(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return driver.Build(ctx, nil, targets...)
}

func printReport(w io.Writer, report *build.Report) {
	if report == nil {
		return
	}
	for _, c := range report.Chunks {
		if c.Rounds == 0 {
			fmt.Fprintf(w, "%s: up to date\n", c.Chunk)
			continue
		}
		fmt.Fprintf(w, "%s: %d files in %d rounds\n", c.Chunk, c.Compiled, c.Rounds)
	}
}
