package build

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/albertocavalcante/buildfs/pkg/roots"
)

// ErrCompilerNotConfigured is returned when no compile command is set.
var ErrCompilerNotConfigured = errors.New("compile command not configured")

// ErrCompilerNotFound is returned when the compile command cannot be located.
var ErrCompilerNotFound = errors.New("compiler binary not found")

// DirtyPrefix marks compiler output lines naming files to compile in another
// round, e.g. sources generated by an annotation processor.
const DirtyPrefix = "buildfs:dirty "

// SourceFile is one file handed to the compiler.
type SourceFile struct {
	Target *roots.Target
	Root   *roots.Root
	Path   string
}

// Request describes one compilation round of a chunk.
type Request struct {
	Chunk   *roots.Chunk
	Round   int
	Files   []SourceFile
	Deleted []string // removed sources whose outputs should go away
}

// Paths returns the file paths of the request.
func (r *Request) Paths() []string {
	paths := make([]string, len(r.Files))
	for i, f := range r.Files {
		paths[i] = f.Path
	}
	return paths
}

// Response is the outcome of a successful round.
type Response struct {
	// Dirty lists files that must be compiled in a further round.
	Dirty []string
}

// Compiler compiles the files of one round.
type Compiler interface {
	Compile(ctx context.Context, req *Request) (*Response, error)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(ctx context.Context, req *Request) (*Response, error)

// Compile implements Compiler.
func (f CompilerFunc) Compile(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ExecCompiler runs an external command with the round's files appended as
// arguments. Output lines starting with DirtyPrefix request another round.
type ExecCompiler struct {
	command        []string
	dir            string
	stdout         io.Writer
	stderr         io.Writer
	executablePath string // Path to buildfs executable (for finding siblings)
}

// ExecOption configures an ExecCompiler.
type ExecOption func(*ExecCompiler)

// WithWorkDir sets the working directory of the compiler process.
func WithWorkDir(dir string) ExecOption {
	return func(c *ExecCompiler) {
		c.dir = dir
	}
}

// WithOutput sets where compiler output is copied.
func WithOutput(stdout, stderr io.Writer) ExecOption {
	return func(c *ExecCompiler) {
		c.stdout = stdout
		c.stderr = stderr
	}
}

// WithExecutablePath sets the path to the buildfs executable.
// Used primarily for testing.
func WithExecutablePath(path string) ExecOption {
	return func(c *ExecCompiler) {
		c.executablePath = path
	}
}

// NewExecCompiler creates a compiler running command.
func NewExecCompiler(command []string, opts ...ExecOption) *ExecCompiler {
	c := &ExecCompiler{
		command: command,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindBinary locates the compiler using the following search order:
// 1. Absolute or relative path as given
// 2. Sibling binary next to the buildfs executable
// 3. PATH lookup
func (c *ExecCompiler) FindBinary() (string, error) {
	if len(c.command) == 0 {
		return "", ErrCompilerNotConfigured
	}
	name := c.command[0]

	if strings.ContainsRune(name, filepath.Separator) {
		path := name
		if !filepath.IsAbs(path) && c.dir != "" {
			path = filepath.Join(c.dir, path)
		}
		if fileExists(path) {
			return path, nil
		}
		return "", fmt.Errorf("%w: %s", ErrCompilerNotFound, name)
	}

	if path := c.findSibling(name); path != "" {
		return path, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("%w: %s", ErrCompilerNotFound, name)
}

// findSibling looks for name next to the buildfs binary.
func (c *ExecCompiler) findSibling(name string) string {
	exe := c.executablePath
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return ""
		}
	}
	sibling := filepath.Join(filepath.Dir(exe), name)
	if fileExists(sibling) {
		return sibling
	}
	return ""
}

// Compile implements Compiler.
func (c *ExecCompiler) Compile(ctx context.Context, req *Request) (*Response, error) {
	bin, err := c.FindBinary()
	if err != nil {
		return nil, err
	}

	args := append([]string{}, c.command[1:]...)
	args = append(args, req.Paths()...)

	var captured bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = c.dir
	cmd.Stdout = io.MultiWriter(c.stdout, &captured)
	cmd.Stderr = c.stderr
	cmd.Env = append(os.Environ(),
		"BUILDFS_CHUNK="+req.Chunk.Name(),
		fmt.Sprintf("BUILDFS_ROUND=%d", req.Round),
		"BUILDFS_DELETED="+strings.Join(req.Deleted, string(os.PathListSeparator)),
	)

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("compiler failed: %w", err)
	}
	return &Response{Dirty: parseDirty(&captured, c.dir)}, nil
}

// parseDirty extracts DirtyPrefix lines; relative paths are resolved against dir.
func parseDirty(r io.Reader, dir string) []string {
	var dirty []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, DirtyPrefix) {
			continue
		}
		path := strings.TrimSpace(strings.TrimPrefix(line, DirtyPrefix))
		if path == "" {
			continue
		}
		if !filepath.IsAbs(path) && dir != "" {
			path = filepath.Join(dir, path)
		}
		dirty = append(dirty, filepath.Clean(path))
	}
	return dirty
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
