// Package repos maintains the ordered list of source repositories and
// resolves repo URLs to local workspace paths.
package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/basket/agentcom/internal/store"
)

// listKey is the single key the whole ordered list lives under, so a
// reorder is one atomic write.
const listKey = "list"

// EntryStatus marks a repo as schedulable or paused.
type EntryStatus string

const (
	StatusActive EntryStatus = "active"
	StatusPaused EntryStatus = "paused"
)

// Entry is one registered repository.
type Entry struct {
	ID            string      `json:"id"`
	URL           string      `json:"url"`
	Name          string      `json:"name"`
	Status        EntryStatus `json:"status"`
	PriorityIndex int         `json:"priority_index"`
}

// ErrNotRegistered is returned for operations on unknown repo IDs.
var ErrNotRegistered = errors.New("repos: not registered")

// Registry owns the ordered repo list. DefaultRepo is the bootstrap
// fallback consulted only when the registry holds no active entry.
type Registry struct {
	mu          sync.RWMutex
	kv          *store.Store
	list        []Entry
	defaultRepo string
}

// New loads the registry from the KV store.
func New(ctx context.Context, kv *store.Store, defaultRepo string) (*Registry, error) {
	r := &Registry{kv: kv, defaultRepo: defaultRepo}
	data, err := kv.Get(ctx, store.TableRepos, listKey)
	if errors.Is(err, store.ErrNotFound) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &r.list); err != nil {
		return nil, fmt.Errorf("decode repo list: %w", err)
	}
	return r, nil
}

// Slug derives a stable registry ID from a repo URL.
func Slug(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.Trim(strings.ReplaceAll(rawURL, "://", "/"), "/")
	}
	path := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	if path == "" {
		return u.Host
	}
	return u.Host + "/" + path
}

func (r *Registry) persist(ctx context.Context) error {
	for i := range r.list {
		r.list[i].PriorityIndex = i
	}
	data, err := json.Marshal(r.list)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, store.TableRepos, listKey, data)
}

// Add registers a repo at the end of the priority order. Adding an
// already-registered URL is idempotent.
func (r *Registry) Add(ctx context.Context, rawURL, name string) (Entry, error) {
	if rawURL == "" {
		return Entry{}, fmt.Errorf("repos: url required")
	}
	id := Slug(rawURL)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.list {
		if e.ID == id {
			return e, nil
		}
	}
	if name == "" {
		name = id
	}
	entry := Entry{ID: id, URL: rawURL, Name: name, Status: StatusActive, PriorityIndex: len(r.list)}
	r.list = append(r.list, entry)
	if err := r.persist(ctx); err != nil {
		r.list = r.list[:len(r.list)-1]
		return Entry{}, err
	}
	return entry, nil
}

// Remove deletes a repo from the list.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexOf(id)
	if idx < 0 {
		return ErrNotRegistered
	}
	old := r.list
	r.list = append(append([]Entry{}, old[:idx]...), old[idx+1:]...)
	if err := r.persist(ctx); err != nil {
		r.list = old
		return err
	}
	return nil
}

// MoveUp raises a repo one position in priority order.
func (r *Registry) MoveUp(ctx context.Context, id string) error {
	return r.swap(ctx, id, -1)
}

// MoveDown lowers a repo one position in priority order.
func (r *Registry) MoveDown(ctx context.Context, id string) error {
	return r.swap(ctx, id, +1)
}

func (r *Registry) swap(ctx context.Context, id string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexOf(id)
	if idx < 0 {
		return ErrNotRegistered
	}
	other := idx + delta
	if other < 0 || other >= len(r.list) {
		return nil
	}
	r.list[idx], r.list[other] = r.list[other], r.list[idx]
	if err := r.persist(ctx); err != nil {
		r.list[idx], r.list[other] = r.list[other], r.list[idx]
		return err
	}
	return nil
}

// SetStatus pauses or unpauses a repo.
func (r *Registry) SetStatus(ctx context.Context, id string, status EntryStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexOf(id)
	if idx < 0 {
		return ErrNotRegistered
	}
	prev := r.list[idx].Status
	r.list[idx].Status = status
	if err := r.persist(ctx); err != nil {
		r.list[idx].Status = prev
		return err
	}
	return nil
}

func (r *Registry) indexOf(id string) int {
	for i, e := range r.list {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// List returns the ordered entries.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.list))
	copy(out, r.list)
	return out
}

// Get returns the entry for a URL, if registered.
func (r *Registry) Get(rawURL string) (Entry, bool) {
	id := Slug(rawURL)
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.indexOf(id)
	if idx < 0 {
		return Entry{}, false
	}
	return r.list[idx], true
}

// IsPaused reports whether a URL belongs to a paused repo. Unregistered
// repos are never paused.
func (r *Registry) IsPaused(rawURL string) bool {
	entry, ok := r.Get(rawURL)
	return ok && entry.Status == StatusPaused
}

// TopActive returns the highest-priority active repo URL. The registry
// wins whenever it has an active entry; the configured default repo is
// a bootstrap fallback only.
func (r *Registry) TopActive() (string, bool) {
	r.mu.RLock()
	for _, e := range r.list {
		if e.Status == StatusActive {
			r.mu.RUnlock()
			return e.URL, true
		}
	}
	r.mu.RUnlock()
	if r.defaultRepo != "" {
		return r.defaultRepo, true
	}
	return "", false
}
