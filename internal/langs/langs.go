// Package langs maps language names to source file extensions and lists the
// directories never treated as source roots.
//
// Root filters, the initial scanner, the watcher and root detection all use
// this package so that a file counts as a source in exactly the same cases
// everywhere.
package langs

import (
	"path/filepath"
	"slices"
	"strings"
)

// Extensions maps language names to their file extensions.
var Extensions = map[string][]string{
	"java":   {".java"},
	"kotlin": {".kt", ".kts"},
	"groovy": {".groovy", ".gvy", ".gy", ".gsh"},
	"scala":  {".scala", ".sc"},
	"go":     {".go"},
	"python": {".py"},
	"proto":  {".proto"},
	"cc":     {".cc", ".cpp", ".cxx", ".c", ".h", ".hpp", ".hxx"},
	"rust":   {".rs"},
}

// IgnoredDirs contains directory name prefixes skipped while scanning and watching.
//
// Prefix matching means "bazel-" matches "bazel-out", "bazel-bin", etc.
var IgnoredDirs = []string{
	"bazel-",       // Bazel output directories
	".",            // Hidden directories, including .buildfs state
	"node_modules", // Node.js dependencies
	"__pycache__",  // Python cache
	"vendor",       // Vendored deps
	"target",       // Maven/Rust output
	"build",        // Gradle/generic build output
	"out",          // Generic output
	"dist",         // Distribution output
}

// ExtensionSet returns the extensions of the given languages. An empty list
// selects every known language.
func ExtensionSet(languages []string) map[string]bool {
	extensions := make(map[string]bool)

	if len(languages) == 0 {
		for _, exts := range Extensions {
			for _, ext := range exts {
				extensions[ext] = true
			}
		}
		return extensions
	}

	for _, lang := range languages {
		for _, ext := range Extensions[lang] {
			extensions[ext] = true
		}
	}
	return extensions
}

// LanguageOf returns the language of a file by extension, or "" if unknown.
func LanguageOf(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return ""
	}
	for _, lang := range Known() {
		if slices.Contains(Extensions[lang], ext) {
			return lang
		}
	}
	return ""
}

// Known returns the sorted list of known language names.
func Known() []string {
	names := make([]string, 0, len(Extensions))
	for name := range Extensions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// IsIgnoredDir reports whether a directory name matches an ignored prefix.
// The workspace root "." itself is never ignored.
func IsIgnoredDir(name string, additional []string) bool {
	if name == "." {
		return false
	}
	for _, prefix := range IgnoredDirs {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	for _, prefix := range additional {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
