package repos

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLocalPathDeterministic(t *testing.T) {
	w := NewWorkspace("/home/hub")
	a := w.LocalPath("https://github.com/acme/widgets")
	b := w.LocalPath("https://github.com/acme/widgets")
	if a != b {
		t.Fatalf("paths differ: %q vs %q", a, b)
	}
	if filepath.Base(a) != "widgets" {
		t.Fatalf("path = %q", a)
	}
}

func TestFileTreeExcludes(t *testing.T) {
	home := t.TempDir()
	w := NewWorkspace(home)
	repo := "https://r/a"
	root := w.LocalPath(repo)

	mustWrite := func(rel string, data []byte) {
		t.Helper()
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("lib/present.ex", []byte("defmodule Present do end"))
	mustWrite("README.md", []byte("hello"))
	mustWrite(".git/config", []byte("x"))
	mustWrite("node_modules/pkg/index.js", []byte("x"))
	mustWrite("bin/tool", []byte{0x7f, 0x00, 0x01, 0x02})

	tree, err := w.FileTree(repo)
	if err != nil {
		t.Fatalf("FileTree: %v", err)
	}
	if len(tree) != 2 {
		t.Fatalf("tree = %v", tree)
	}
	if !w.HasFile(repo, "lib/present.ex") {
		t.Fatal("lib/present.ex should be present")
	}
	if w.HasFile(repo, "lib/absent.ex") {
		t.Fatal("lib/absent.ex should be absent")
	}
}

func TestFileTreeMissingRepo(t *testing.T) {
	w := NewWorkspace(t.TempDir())
	tree, err := w.FileTree("https://r/missing")
	if err != nil {
		t.Fatalf("FileTree on missing checkout: %v", err)
	}
	if len(tree) != 0 {
		t.Fatalf("tree = %v, want empty", tree)
	}
}
