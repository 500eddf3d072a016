package repos

import (
	"context"
	"log/slog"
)

// Scanner refreshes the cached file trees for all active repos. It is
// triggered manually via the admin API or unattended on a maintenance
// schedule.
type Scanner struct {
	registry  *Registry
	workspace *Workspace
	logger    *slog.Logger
}

func NewScanner(registry *Registry, workspace *Workspace, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{registry: registry, workspace: workspace, logger: logger}
}

// Scan walks every active repo. Errors are logged per repo, not fatal.
func (s *Scanner) Scan(ctx context.Context) int {
	scanned := 0
	for _, entry := range s.registry.List() {
		if entry.Status != StatusActive {
			continue
		}
		if ctx.Err() != nil {
			return scanned
		}
		files, err := s.workspace.Rescan(entry.URL)
		if err != nil {
			s.logger.Warn("repo scan failed", "repo", entry.ID, "error", err)
			continue
		}
		scanned++
		s.logger.Info("repo scanned", "repo", entry.ID, "files", len(files))
	}
	return scanned
}
