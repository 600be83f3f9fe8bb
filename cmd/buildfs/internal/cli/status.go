package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var statusFlags struct {
	verbose bool
	json    bool
}

var statusCmd = &cobra.Command{
	Use:   "status [target...]",
	Short: "Show which source files need recompiling",
	Long: `Shows the dirty state of the workspace targets.

Every source file is compared against the stamp recorded by the last
confirmed compilation. Files without an up-to-date stamp are dirty; stamped
files that no longer exist are deleted. Nothing is written.

The --verbose flag lists individual files.
The --json flag outputs the result as JSON for scripting.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusFlags.verbose, "verbose", false,
		"List dirty and deleted files")
	statusCmd.Flags().BoolVar(&statusFlags.json, "json", false,
		"Output as JSON")

	rootCmd.AddCommand(statusCmd)
}

// StatusOutput is the JSON output format for buildfs status.
type StatusOutput struct {
	Stale     bool           `json:"stale"`
	HasStamps bool           `json:"has_stamps"`
	Targets   []TargetStatus `json:"targets"`
}

// TargetStatus is the dirty state of one target.
type TargetStatus struct {
	Target  string   `json:"target"`
	Files   int      `json:"files"`
	Dirty   []string `json:"dirty,omitempty"`
	Deleted []string `json:"deleted,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	targets, err := s.resolveTargets(args)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		targets = s.index.Targets()
	}

	results, err := s.scanner.Rescan(cmd.Context(), nil, targets...)
	if err != nil {
		return fmt.Errorf("failed to scan: %w", err)
	}

	output := StatusOutput{HasStamps: s.store.Exists()}
	for _, res := range results {
		ts := TargetStatus{Target: res.Target.ID(), Files: res.Files}
		for _, f := range res.Dirty {
			ts.Dirty = append(ts.Dirty, s.rel(f))
		}
		for _, f := range res.Deleted {
			ts.Deleted = append(ts.Deleted, s.rel(f))
		}
		if len(ts.Dirty) > 0 || len(ts.Deleted) > 0 {
			output.Stale = true
		}
		output.Targets = append(output.Targets, ts)
	}

	out := cmd.OutOrStdout()
	if statusFlags.json {
		return outputJSON(out, output)
	}

	if !output.HasStamps {
		fmt.Fprintln(out, "No stamps found. Run 'buildfs build' to record the first compilation.")
	}
	if !output.Stale {
		fmt.Fprintln(out, "All targets are up to date")
		return nil
	}

	for _, ts := range output.Targets {
		if len(ts.Dirty) == 0 && len(ts.Deleted) == 0 {
			continue
		}
		fmt.Fprintf(out, "%s: %d dirty, %d deleted (of %d files)\n",
			ts.Target, len(ts.Dirty), len(ts.Deleted), ts.Files)
		if !statusFlags.verbose {
			continue
		}
		for _, f := range ts.Dirty {
			fmt.Fprintf(out, "  ~ %s\n", f)
		}
		for _, f := range ts.Deleted {
			fmt.Fprintf(out, "  - %s\n", f)
		}
	}

	fmt.Fprintln(out, "\nRun 'buildfs build' to recompile")
	return nil
}

func outputJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
