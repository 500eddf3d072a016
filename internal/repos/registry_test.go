package repos

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/agentcom/internal/store"
)

func newRegistry(t *testing.T, defaultRepo string) (*Registry, *store.Store) {
	t.Helper()
	kv, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	r, err := New(context.Background(), kv, defaultRepo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, kv
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/widgets.git": "github.com/acme/widgets",
		"https://git.example.com/a/b":         "git.example.com/a/b",
		"https://example.com":                 "example.com",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Fatalf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAddIsIdempotent(t *testing.T) {
	r, _ := newRegistry(t, "")
	ctx := context.Background()
	first, err := r.Add(ctx, "https://github.com/acme/widgets", "widgets")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, err := r.Add(ctx, "https://github.com/acme/widgets", "other-name")
	if err != nil {
		t.Fatalf("Add again: %v", err)
	}
	if first.ID != second.ID || len(r.List()) != 1 {
		t.Fatalf("idempotent add broke: %#v vs %#v", first, second)
	}
}

func TestReorderIsAtomicSingleKey(t *testing.T) {
	r, kv := newRegistry(t, "")
	ctx := context.Background()
	_, _ = r.Add(ctx, "https://r/a", "a")
	_, _ = r.Add(ctx, "https://r/b", "b")
	_, _ = r.Add(ctx, "https://r/c", "c")

	if err := r.MoveUp(ctx, Slug("https://r/c")); err != nil {
		t.Fatalf("MoveUp: %v", err)
	}
	list := r.List()
	if list[1].Name != "c" || list[2].Name != "b" {
		t.Fatalf("order = %v", list)
	}
	// Priority indexes are renumbered on persist.
	for i, e := range list {
		if e.PriorityIndex != i {
			t.Fatalf("entry %d has priority_index %d", i, e.PriorityIndex)
		}
	}
	// The whole list lives under one key.
	n, err := kv.Count(ctx, store.TableRepos)
	if err != nil || n != 1 {
		t.Fatalf("repo table keys = %d, %v; want 1", n, err)
	}
	// MoveUp at the top is a no-op, not an error.
	if err := r.MoveUp(ctx, list[0].ID); err != nil {
		t.Fatalf("MoveUp at top: %v", err)
	}
}

func TestTopActiveRegistryWinsOverDefault(t *testing.T) {
	r, _ := newRegistry(t, "https://fallback/repo")
	ctx := context.Background()

	// Empty registry: config default is the bootstrap fallback.
	url, ok := r.TopActive()
	if !ok || url != "https://fallback/repo" {
		t.Fatalf("TopActive = %q, %v", url, ok)
	}

	_, _ = r.Add(ctx, "https://r/a", "a")
	url, ok = r.TopActive()
	if !ok || url != "https://r/a" {
		t.Fatalf("TopActive = %q, %v", url, ok)
	}

	// Pausing the only entry falls back again.
	if err := r.SetStatus(ctx, Slug("https://r/a"), StatusPaused); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	url, _ = r.TopActive()
	if url != "https://fallback/repo" {
		t.Fatalf("TopActive with paused entry = %q", url)
	}
	if !r.IsPaused("https://r/a") {
		t.Fatal("IsPaused should report paused entry")
	}
	if r.IsPaused("https://unknown/repo") {
		t.Fatal("unregistered repos are never paused")
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	kv, err := store.Open(filepath.Join(t.TempDir(), "hub.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer kv.Close()
	ctx := context.Background()

	r, _ := New(ctx, kv, "")
	_, _ = r.Add(ctx, "https://r/a", "a")
	_, _ = r.Add(ctx, "https://r/b", "b")
	_ = r.SetStatus(ctx, Slug("https://r/b"), StatusPaused)

	reloaded, err := New(ctx, kv, "")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	list := reloaded.List()
	if len(list) != 2 || list[1].Status != StatusPaused {
		t.Fatalf("reloaded list = %#v", list)
	}
}

func TestRemoveUnknown(t *testing.T) {
	r, _ := newRegistry(t, "")
	if err := r.Remove(context.Background(), "nope"); err != ErrNotRegistered {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}
