package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/albertocavalcante/buildfs/cmd/buildfs/internal/watch"
)

var watchFlags struct {
	debounce int
	build    bool
	verbose  bool
	json     bool
	noColor  bool
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Track source changes and optionally rebuild",
	Long: `Watches the source roots of the workspace and keeps the dirty state
current from filesystem events. With --build (or [watch] build_on_change) the
configured compiler runs after every burst of changes.

Example output:

  $ buildfs watch --build --verbose

  buildfs: watching 42 directories of 3 targets in /path/to/workspace
  buildfs: ready

  [14:32:15] ~ app/src/main/java/com/shop/Cart.java
  [14:32:15] building after change to app/src/main/java/com/shop/Cart.java...
  [14:32:16] ✓ compiled 1 files in 812ms

Press Ctrl+C to stop watching.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().IntVar(&watchFlags.debounce, "debounce", 0,
		"Debounce window in milliseconds (default from config)")
	watchCmd.Flags().BoolVar(&watchFlags.build, "build", false,
		"Build after each batch of changes")
	watchCmd.Flags().BoolVar(&watchFlags.verbose, "verbose", false,
		"Show file-level changes")
	watchCmd.Flags().BoolVar(&watchFlags.json, "json", false,
		"Stream JSON events (for tooling integration)")
	watchCmd.Flags().BoolVar(&watchFlags.noColor, "no-color", false,
		"Disable colored output")

	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}

	// Setup signal handling for graceful shutdown
	// Include SIGHUP to handle terminal hangup
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	debounce := s.cfg.Debounce()
	if watchFlags.debounce > 0 {
		debounce = time.Duration(watchFlags.debounce) * time.Millisecond
	}

	var buildFn watch.BuildFunc
	if watchFlags.build || s.cfg.BuildOnChange() {
		driver, err := s.driver(io.Discard, cmd.ErrOrStderr(), 0)
		if err != nil {
			return err
		}
		buildFn = func(ctx context.Context, _ []string) (int, error) {
			report, err := driver.Build(ctx, nil)
			if err != nil {
				return 0, err
			}
			return report.Compiled(), nil
		}
	}

	// Establish the baseline before events arrive.
	if _, err := s.scanner.Scan(ctx, nil); err != nil {
		return fmt.Errorf("failed to scan: %w", err)
	}

	w, err := watch.New(watch.Config{
		Index:      s.index,
		State:      s.state,
		Store:      s.store,
		IgnoreDirs: s.cfg.Tracker.IgnoreDirs,
		Debounce:   debounce,
		Build:      buildFn,
		Output: watch.LoggerConfig{
			Writer:  cmd.OutOrStdout(),
			Verbose: watchFlags.verbose,
			NoColor: watchFlags.noColor,
			JSON:    watchFlags.json,
		},
	})
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	if buildFn != nil && s.hasWork() {
		if _, err := buildFn(ctx, nil); err != nil {
			w.Logger().Error(fmt.Errorf("initial build failed: %w", err))
		}
	}

	// Run watch loop
	return w.Run(ctx)
}

// hasWork reports whether any target has dirty or deleted files.
func (s *session) hasWork() bool {
	for _, t := range s.index.Targets() {
		if s.state.HasWorkToDo(t) {
			return true
		}
	}
	return false
}
