package repos

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Workspace resolves repo URLs to local checkout paths and caches
// bounded file trees for the goal decomposer.
type Workspace struct {
	root string

	mu    sync.RWMutex
	trees map[string][]string // repo URL -> relative file paths
}

// NewWorkspace roots checkouts under <homeDir>/workspace.
func NewWorkspace(homeDir string) *Workspace {
	return &Workspace{
		root:  filepath.Join(homeDir, "workspace"),
		trees: make(map[string][]string),
	}
}

// LocalPath maps a repo URL to its checkout path deterministically:
// <root>/<host>/<path>.
func (w *Workspace) LocalPath(repoURL string) string {
	return filepath.Join(w.root, filepath.FromSlash(Slug(repoURL)))
}

// Directories and file kinds excluded from gathered trees.
var excludedDirs = map[string]bool{
	"_build":       true,
	"deps":         true,
	"node_modules": true,
	".git":         true,
}

const (
	maxTreeFiles    = 2000
	binaryProbeSize = 512
)

// FileTree returns the cached file listing for a repo, scanning on
// first use. The listing is bounded and excludes build output,
// dependency dirs, and binary files.
func (w *Workspace) FileTree(repoURL string) ([]string, error) {
	w.mu.RLock()
	tree, ok := w.trees[repoURL]
	w.mu.RUnlock()
	if ok {
		return tree, nil
	}
	return w.Rescan(repoURL)
}

// Rescan rebuilds the cached file tree for a repo.
func (w *Workspace) Rescan(repoURL string) ([]string, error) {
	root := w.LocalPath(repoURL)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if excludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= maxTreeFiles {
			return filepath.SkipAll
		}
		if isBinary(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			files = nil
		} else {
			return nil, err
		}
	}
	sort.Strings(files)

	w.mu.Lock()
	w.trees[repoURL] = files
	w.mu.Unlock()
	return files, nil
}

// HasFile reports whether a relative path exists in the repo's tree.
func (w *Workspace) HasFile(repoURL, rel string) bool {
	tree, err := w.FileTree(repoURL)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, f := range tree {
		if f == rel {
			return true
		}
	}
	return false
}

// isBinary sniffs the first bytes of a file for NUL.
func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, binaryProbeSize)
	n, _ := f.Read(buf)
	return strings.ContainsRune(string(buf[:n]), 0)
}
