// Package detect derives build targets from conventional source layouts.
//
// # Detection Algorithm
//
// Detection is DETERMINISTIC: given the same directory contents, it always
// produces the same targets in the same order. The algorithm:
//
//  1. Walk the workspace, skipping ignored directories (see langs.IgnoredDirs)
//  2. Every directory matching <module>/src/<set>/<language> is a source root,
//     where <set> is "main" or "test" and <language> is a known language name
//  3. Roots of the same module and set form one target; "main" yields a
//     production target and "test" a test target
//  4. Annotation processor output directories of Gradle and Maven become
//     generated roots of the matching target when they exist
//
// Target names are module paths relative to the workspace, with the workspace
// directory name standing in for the root module.
package detect

import (
	"cmp"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/albertocavalcante/buildfs/internal/langs"
	"github.com/albertocavalcante/buildfs/pkg/config"
	"github.com/albertocavalcante/buildfs/pkg/roots"
)

// sourceSets maps the directory under src/ to the target kind it produces.
var sourceSets = map[string]roots.Kind{
	"main": roots.KindProduction,
	"test": roots.KindTest,
}

// generatedDirs lists generated source directories per source set, relative
// to the module.
var generatedDirs = map[string][]string{
	"main": {
		"build/generated/sources/annotationProcessor/java/main",
		"build/generated/source/kapt/main",
		"target/generated-sources/annotations",
	},
	"test": {
		"build/generated/sources/annotationProcessor/java/test",
		"build/generated/source/kapt/test",
		"target/generated-test-sources/test-annotations",
	},
}

type key struct {
	module string
	set    string
}

// Targets detects the targets of a workspace. ignoreDirs lists extra
// directory name prefixes to skip.
func Targets(workspace string, ignoreDirs []string) ([]config.TargetConfig, error) {
	found := make(map[key]*config.TargetConfig)

	err := filepath.WalkDir(workspace, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != workspace && langs.IsIgnoredDir(d.Name(), ignoreDirs) {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(workspace, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		module, set, lang, ok := splitSourceRoot(rel)
		if !ok {
			return nil
		}

		k := key{module: module, set: set}
		t, exists := found[k]
		if !exists {
			t = &config.TargetConfig{
				Name: targetName(workspace, module),
				Kind: string(sourceSets[set]),
			}
			found[k] = t
		}
		t.Roots = append(t.Roots, rel)

		detected, err := Languages(p)
		if err != nil {
			return err
		}
		if len(detected) == 0 {
			detected = []string{lang}
		}
		for _, l := range detected {
			if !slices.Contains(t.Languages, l) {
				t.Languages = append(t.Languages, l)
			}
		}
		// Roots do not nest below a language directory.
		return filepath.SkipDir
	})
	if err != nil {
		return nil, err
	}

	targets := make([]config.TargetConfig, 0, len(found))
	for k, t := range found {
		for _, dir := range generatedDirs[k.set] {
			rel := path.Join(k.module, dir)
			if isDir(filepath.Join(workspace, filepath.FromSlash(rel))) {
				t.GeneratedRoots = append(t.GeneratedRoots, rel)
			}
		}
		slices.Sort(t.Roots)
		slices.Sort(t.Languages)
		targets = append(targets, *t)
	}
	slices.SortFunc(targets, func(a, b config.TargetConfig) int {
		// Production before test within a module.
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.Kind, b.Kind))
	})
	return targets, nil
}

// splitSourceRoot recognizes <module>/src/<set>/<language>.
func splitSourceRoot(rel string) (module, set, lang string, ok bool) {
	lang = path.Base(rel)
	if _, known := langs.Extensions[lang]; !known {
		return "", "", "", false
	}
	setDir := path.Dir(rel)
	set = path.Base(setDir)
	if _, known := sourceSets[set]; !known {
		return "", "", "", false
	}
	srcDir := path.Dir(setDir)
	if path.Base(srcDir) != "src" {
		return "", "", "", false
	}
	return path.Dir(srcDir), set, lang, true
}

func targetName(workspace, module string) string {
	if module == "." {
		return filepath.Base(workspace)
	}
	return module
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// Languages detects programming languages used in the given directory.
//
// Detection is based purely on file extensions, not file contents. Returns a
// sorted slice of language identifiers (e.g., ["java", "kotlin"]).
func Languages(root string) ([]string, error) {
	found := make(map[string]bool)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && langs.IsIgnoredDir(d.Name(), nil) {
				return filepath.SkipDir
			}
			return nil
		}
		if lang := langs.LanguageOf(p); lang != "" {
			found[lang] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]string, 0, len(found))
	for lang := range found {
		result = append(result, lang)
	}
	slices.Sort(result)
	return result, nil
}
