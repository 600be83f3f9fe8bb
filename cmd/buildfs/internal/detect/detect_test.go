package detect_test

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/albertocavalcante/buildfs/cmd/buildfs/internal/detect"
	"github.com/albertocavalcante/buildfs/pkg/config"
)

func createFile(t *testing.T, root, rel string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestTargets_Empty(t *testing.T) {
	targets, err := detect.Targets(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}
	if len(targets) != 0 {
		t.Errorf("Targets() = %v, want empty", targets)
	}
}

func TestTargets_MultiModule(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "shop")
	createFile(t, ws, "app/src/main/java/com/shop/App.java")
	createFile(t, ws, "app/src/main/kotlin/com/shop/Ext.kt")
	createFile(t, ws, "app/src/test/java/com/shop/AppTest.java")
	createFile(t, ws, "libs/core/src/main/java/com/shop/Core.java")
	createFile(t, ws, "app/build/generated/sources/annotationProcessor/java/main/Gen.java")
	createFile(t, ws, "app/src/main/resources/app.properties")

	targets, err := detect.Targets(ws, nil)
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}

	want := []config.TargetConfig{
		{
			Name:           "app",
			Kind:           "production",
			Languages:      []string{"java", "kotlin"},
			Roots:          []string{"app/src/main/java", "app/src/main/kotlin"},
			GeneratedRoots: []string{"app/build/generated/sources/annotationProcessor/java/main"},
		},
		{
			Name:      "app",
			Kind:      "test",
			Languages: []string{"java"},
			Roots:     []string{"app/src/test/java"},
		},
		{
			Name:      "libs/core",
			Kind:      "production",
			Languages: []string{"java"},
			Roots:     []string{"libs/core/src/main/java"},
		},
	}
	if len(targets) != len(want) {
		t.Fatalf("Targets() = %+v, want %d targets", targets, len(want))
	}
	for i := range want {
		got, w := targets[i], want[i]
		if got.Name != w.Name || got.Kind != w.Kind {
			t.Errorf("targets[%d] = %s:%s, want %s:%s", i, got.Name, got.Kind, w.Name, w.Kind)
		}
		if !slices.Equal(got.Roots, w.Roots) {
			t.Errorf("targets[%d].Roots = %v, want %v", i, got.Roots, w.Roots)
		}
		if !slices.Equal(got.Languages, w.Languages) {
			t.Errorf("targets[%d].Languages = %v, want %v", i, got.Languages, w.Languages)
		}
		if !slices.Equal(got.GeneratedRoots, w.GeneratedRoots) {
			t.Errorf("targets[%d].GeneratedRoots = %v, want %v", i, got.GeneratedRoots, w.GeneratedRoots)
		}
	}
}

func TestTargets_RootModuleUsesWorkspaceName(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "single")
	createFile(t, ws, "src/main/kotlin/Main.kt")

	targets, err := detect.Targets(ws, nil)
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}
	if len(targets) != 1 || targets[0].Name != "single" {
		t.Fatalf("Targets() = %+v, want one target named single", targets)
	}
	if !slices.Equal(targets[0].Roots, []string{"src/main/kotlin"}) {
		t.Errorf("Roots = %v, want [src/main/kotlin]", targets[0].Roots)
	}
}

func TestTargets_EmptyRootKeepsDirectoryLanguage(t *testing.T) {
	ws := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ws, "svc", "src", "main", "scala"), 0o755); err != nil {
		t.Fatal(err)
	}

	targets, err := detect.Targets(ws, nil)
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}
	if len(targets) != 1 || !slices.Equal(targets[0].Languages, []string{"scala"}) {
		t.Errorf("Targets() = %+v, want scala target", targets)
	}
}

func TestTargets_SkipsIgnoredDirs(t *testing.T) {
	ws := t.TempDir()
	createFile(t, ws, "node_modules/pkg/src/main/java/X.java")
	createFile(t, ws, "bazel-out/src/main/java/X.java")
	createFile(t, ws, "third_party/lib/src/main/java/Y.java")
	createFile(t, ws, "app/src/main/java/A.java")

	targets, err := detect.Targets(ws, []string{"third_party"})
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}
	if len(targets) != 1 || targets[0].Name != "app" {
		t.Errorf("Targets() = %+v, want only app", targets)
	}
}

func TestTargets_UnknownLayoutsIgnored(t *testing.T) {
	ws := t.TempDir()
	createFile(t, ws, "app/src/main/resources/x.java")
	createFile(t, ws, "app/source/main/java/A.java")
	createFile(t, ws, "app/src/integration/java/A.java")

	targets, err := detect.Targets(ws, nil)
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}
	if len(targets) != 0 {
		t.Errorf("Targets() = %+v, want none", targets)
	}
}

func TestTargets_Deterministic(t *testing.T) {
	ws := t.TempDir()
	for _, m := range []string{"c", "a", "b"} {
		createFile(t, ws, m+"/src/main/java/X.java")
		createFile(t, ws, m+"/src/test/java/XTest.java")
	}

	first, err := detect.Targets(ws, nil)
	if err != nil {
		t.Fatal(err)
	}
	for range 5 {
		again, err := detect.Targets(ws, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(again) != len(first) {
			t.Fatalf("got %d targets, want %d", len(again), len(first))
		}
		for i := range first {
			if again[i].Name != first[i].Name || again[i].Kind != first[i].Kind {
				t.Errorf("order changed at %d: %s:%s vs %s:%s", i,
					again[i].Name, again[i].Kind, first[i].Name, first[i].Kind)
			}
		}
	}
	if first[0].Name != "a" || first[0].Kind != "production" || first[1].Kind != "test" {
		t.Errorf("Targets() order = %+v", first)
	}
}

func TestLanguages(t *testing.T) {
	tmpDir := t.TempDir()
	createFile(t, tmpDir, "Main.kt")
	createFile(t, tmpDir, "pkg/Util.java")
	createFile(t, tmpDir, "README.md")
	createFile(t, tmpDir, "node_modules/x/index.py")

	got, err := detect.Languages(tmpDir)
	if err != nil {
		t.Fatalf("Languages() error = %v", err)
	}
	if want := []string{"java", "kotlin"}; !slices.Equal(got, want) {
		t.Errorf("Languages() = %v, want %v", got, want)
	}
}
