package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/albertocavalcante/buildfs/cmd/buildfs/internal/detect"
	"github.com/albertocavalcante/buildfs/internal/langs"
	"github.com/albertocavalcante/buildfs/pkg/config"
)

var initFlags struct {
	command []string
	dryRun  bool
	force   bool
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a buildfs.toml for the detected targets",
	Long: `Detects the targets of a workspace from src/main/<language> and
src/test/<language> layouts and writes them to buildfs.toml, where they can
be edited and grouped into chunks.

Use --dry-run to preview the file without writing it.

Known languages: ` + strings.Join(langs.Known(), ", "),
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringSliceVar(&initFlags.command, "command", nil,
		"Compile command to record (comma-separated arguments)")
	initCmd.Flags().BoolVar(&initFlags.dryRun, "dry-run", false,
		"Show the file without writing it")
	initCmd.Flags().BoolVar(&initFlags.force, "force", false,
		"Overwrite an existing buildfs.toml")

	rootCmd.AddCommand(initCmd)
}

// initFile is the layout written by init; empty sections are omitted.
type initFile struct {
	Build   *initBuild   `toml:"build,omitempty"`
	Targets []initTarget `toml:"targets"`
}

type initBuild struct {
	Command []string `toml:"command"`
}

type initTarget struct {
	Name           string   `toml:"name"`
	Kind           string   `toml:"kind,omitempty"`
	Languages      []string `toml:"languages,omitempty"`
	Roots          []string `toml:"roots"`
	GeneratedRoots []string `toml:"generated_roots,omitempty"`
}

func runInit(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) > 0 {
		path = args[0]
	} else if globalFlags.dir != "" {
		path = globalFlags.dir
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	targets, err := detect.Targets(absPath, nil)
	if err != nil {
		return fmt.Errorf("failed to detect targets: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(targets) == 0 {
		fmt.Fprintln(out, "No source roots detected. Declare [[targets]] in buildfs.toml manually.")
		return nil
	}

	content, err := renderInitFile(targets, initFlags.command)
	if err != nil {
		return err
	}

	if initFlags.dryRun {
		fmt.Fprint(out, string(content))
		return nil
	}

	file := filepath.Join(absPath, config.ConfigFileName)
	if _, err := os.Stat(file); err == nil && !initFlags.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", file)
	}
	if err := os.WriteFile(file, content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	fmt.Fprintf(out, "Wrote %s with %d targets\n", file, len(targets))
	return nil
}

func renderInitFile(targets []config.TargetConfig, command []string) ([]byte, error) {
	f := initFile{}
	if len(command) > 0 {
		f.Build = &initBuild{Command: command}
	}
	for _, t := range targets {
		f.Targets = append(f.Targets, initTarget{
			Name:           t.Name,
			Kind:           t.Kind,
			Languages:      t.Languages,
			Roots:          t.Roots,
			GeneratedRoots: t.GeneratedRoots,
		})
	}

	var buf bytes.Buffer
	buf.WriteString("# Generated by buildfs init.\n\n")
	if err := toml.NewEncoder(&buf).Encode(f); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}
