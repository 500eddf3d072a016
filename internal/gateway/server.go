// Package gateway exposes the hub's HTTP surface: goal and task
// submission, admin registries, hub control, metrics, and the agent
// WebSocket endpoint.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/agentcom/internal/auth"
	"github.com/basket/agentcom/internal/endpoints"
	"github.com/basket/agentcom/internal/goal"
	"github.com/basket/agentcom/internal/hub"
	"github.com/basket/agentcom/internal/queue"
	"github.com/basket/agentcom/internal/repos"
	"github.com/basket/agentcom/internal/store"
	"github.com/basket/agentcom/internal/task"
)

// Config wires the gateway.
type Config struct {
	Queue      *queue.Queue
	Backlog    *goal.Backlog
	Repos      *repos.Registry
	Scanner    *repos.Scanner
	Endpoints  *endpoints.Registry
	Hub        *hub.FSM
	Store      *store.Store
	Auth       *auth.Store
	WSHandler  http.HandlerFunc
	AdminToken string
	RatePerMin int
	BackupDir  string
	Logger     *slog.Logger

	AgentCount func() int
}

// Server is the HTTP surface.
type Server struct {
	cfg     Config
	limiter *RateLimiter
}

// NewServer builds the gateway.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, limiter: NewRateLimiter(cfg.RatePerMin)}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	if s.cfg.WSHandler != nil {
		mux.HandleFunc("/ws", s.cfg.WSHandler)
	}

	mux.HandleFunc("POST /goals", s.handleGoalSubmit)
	mux.HandleFunc("GET /goals", s.handleGoalList)
	mux.HandleFunc("GET /goals/{id}", s.handleGoalGet)
	mux.HandleFunc("DELETE /goals/{id}", s.handleGoalDelete)

	mux.HandleFunc("POST /tasks", s.handleTaskSubmit)
	mux.HandleFunc("GET /tasks", s.handleTaskList)
	mux.HandleFunc("GET /tasks/{id}", s.handleTaskGet)

	mux.HandleFunc("POST /api/admin/repo-registry", s.admin(s.handleRepoAdd))
	mux.HandleFunc("DELETE /api/admin/repo-registry/{id...}", s.admin(s.handleRepoRemove))
	// Repo IDs contain slashes, so the action verb rides at the end of
	// the wildcard: PUT /api/admin/repo-registry/<id>/move-up etc.
	mux.HandleFunc("PUT /api/admin/repo-registry/{id...}", s.admin(s.handleRepoAction))
	mux.HandleFunc("GET /api/admin/repo-registry", s.admin(s.handleRepoList))

	mux.HandleFunc("POST /api/admin/llm-registry", s.admin(s.handleEndpointAdd))
	mux.HandleFunc("DELETE /api/admin/llm-registry/{id}", s.admin(s.handleEndpointRemove))
	mux.HandleFunc("GET /api/admin/llm-registry", s.admin(s.handleEndpointList))
	mux.HandleFunc("GET /api/llm-registry/snapshot", s.handleEndpointSnapshot)

	mux.HandleFunc("POST /api/admin/backup", s.admin(s.handleBackup))
	mux.HandleFunc("POST /api/admin/repo-scanner/scan", s.admin(s.handleScan))

	mux.HandleFunc("GET /api/admin/dead-letters", s.admin(s.handleDeadLetters))
	mux.HandleFunc("POST /api/admin/dead-letters/{id}/retry", s.admin(s.handleDeadLetterRetry))

	mux.HandleFunc("GET /api/hub/state", s.handleHubState)
	mux.HandleFunc("POST /api/hub/pause", s.admin(s.handleHubPause))
	mux.HandleFunc("POST /api/hub/resume", s.admin(s.handleHubResume))
	mux.HandleFunc("GET /api/hub/history", s.handleHubHistory)

	return s.authenticate(mux)
}

// authenticate wraps the mux with bearer auth and per-identity rate
// limiting. /healthz, /metrics, and /ws pass through (/ws does its own
// identify handshake).
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/metrics", "/ws":
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		identity, ok := s.identify(token)
		if !ok {
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}
		if !s.limiter.Allow(identity) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// identify resolves a token to an agent ID or the admin identity.
func (s *Server) identify(token string) (string, bool) {
	if s.cfg.AdminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) == 1 {
		return "admin", true
	}
	if s.cfg.Auth != nil {
		if agentID, ok := s.cfg.Auth.Resolve(token); ok {
			return agentID, true
		}
	}
	return "", false
}

// admin guards a handler behind the admin token.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if s.cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusForbidden, "admin token required")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- health and metrics ---

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	counts := s.cfg.Queue.Counts()
	fmt.Fprintf(w, "# HELP agentcom_tasks Tasks by status.\n")
	fmt.Fprintf(w, "# TYPE agentcom_tasks gauge\n")
	for status, n := range counts {
		fmt.Fprintf(w, "agentcom_tasks{status=%q} %d\n", status, n)
	}
	if s.cfg.AgentCount != nil {
		fmt.Fprintf(w, "# HELP agentcom_agents_connected Connected agents.\n")
		fmt.Fprintf(w, "# TYPE agentcom_agents_connected gauge\n")
		fmt.Fprintf(w, "agentcom_agents_connected %d\n", s.cfg.AgentCount())
	}
	if s.cfg.Endpoints != nil {
		fmt.Fprintf(w, "# HELP agentcom_endpoints_healthy Healthy LLM endpoints.\n")
		fmt.Fprintf(w, "# TYPE agentcom_endpoints_healthy gauge\n")
		fmt.Fprintf(w, "agentcom_endpoints_healthy %d\n", s.cfg.Endpoints.HealthyCount())
	}
	if s.cfg.Hub != nil {
		status := s.cfg.Hub.Status()
		fmt.Fprintf(w, "# HELP agentcom_hub_cycles Completed executing cycles.\n")
		fmt.Fprintf(w, "# TYPE agentcom_hub_cycles counter\n")
		fmt.Fprintf(w, "agentcom_hub_cycles %d\n", status.CycleCount)
	}
}

// --- goals ---

type goalSubmitRequest struct {
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	SuccessCriteria []string          `json:"success_criteria"`
	Priority        string            `json:"priority"`
	Repo            string            `json:"repo"`
	Metadata        map[string]string `json:"metadata"`
}

func (s *Server) handleGoalSubmit(w http.ResponseWriter, r *http.Request) {
	var req goalSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	g, err := s.cfg.Backlog.Submit(r.Context(), goal.SubmitParams{
		Title:           req.Title,
		Description:     req.Description,
		SuccessCriteria: req.SuccessCriteria,
		Priority:        task.Priority(req.Priority),
		Source:          goal.SourceAPI,
		Repo:            req.Repo,
		Metadata:        req.Metadata,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGoalList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"goals": s.cfg.Backlog.List(),
		"stats": s.cfg.Backlog.CountByStatus(),
	})
}

func (s *Server) handleGoalGet(w http.ResponseWriter, r *http.Request) {
	g, ok := s.cfg.Backlog.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "goal not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleGoalDelete(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Backlog.Delete(r.Context(), r.PathValue("id"))
	if errors.Is(err, goal.ErrNotFound) {
		writeError(w, http.StatusNotFound, "goal not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// --- tasks ---

type taskSubmitRequest struct {
	Description       string                  `json:"description"`
	Repo              string                  `json:"repo"`
	Branch            string                  `json:"branch"`
	DependsOn         []string                `json:"depends_on"`
	FileHints         []task.FileHint         `json:"file_hints"`
	SuccessCriteria   []string                `json:"success_criteria"`
	VerificationSteps []task.VerificationStep `json:"verification_steps"`
	RequiredCaps      []string                `json:"required_caps"`
	ComplexityTier    string                  `json:"complexity_tier"`
	Priority          string                  `json:"priority"`
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	var req taskSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.cfg.Queue.Submit(r.Context(), task.SubmitParams{
		Description:       req.Description,
		Repo:              req.Repo,
		Branch:            req.Branch,
		DependsOn:         req.DependsOn,
		FileHints:         req.FileHints,
		SuccessCriteria:   req.SuccessCriteria,
		VerificationSteps: req.VerificationSteps,
		RequiredCaps:      req.RequiredCaps,
		ComplexityTier:    task.Tier(req.ComplexityTier),
		Priority:          task.Priority(req.Priority),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"task":     res.Task,
		"warnings": res.Warnings,
	})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	filter := queue.Filter{
		Status:   task.Status(r.URL.Query().Get("status")),
		GoalID:   r.URL.Query().Get("goal_id"),
		Priority: task.Priority(r.URL.Query().Get("priority")),
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.cfg.Queue.List(filter)})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.cfg.Queue.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- repo registry ---

func (s *Server) handleRepoAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	entry, err := s.cfg.Repos.Add(r.Context(), req.URL, req.Name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRepoList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"repos": s.cfg.Repos.List()})
}

func (s *Server) handleRepoRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Repos.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

// handleRepoAction splits "<repo-id>/<action>" out of the wildcard and
// dispatches move-up, move-down, pause, and unpause.
func (s *Server) handleRepoAction(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	slash := strings.LastIndex(raw, "/")
	if slash < 0 {
		writeError(w, http.StatusBadRequest, "action required")
		return
	}
	id, action := raw[:slash], raw[slash+1:]

	var err error
	switch action {
	case "move-up":
		err = s.cfg.Repos.MoveUp(r.Context(), id)
	case "move-down":
		err = s.cfg.Repos.MoveDown(r.Context(), id)
	case "pause":
		err = s.cfg.Repos.SetStatus(r.Context(), id, repos.StatusPaused)
	case "unpause":
		err = s.cfg.Repos.SetStatus(r.Context(), id, repos.StatusActive)
	default:
		writeError(w, http.StatusBadRequest, "unknown action "+action)
		return
	}
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": s.cfg.Repos.List()})
}

// --- llm registry ---

func (s *Server) handleEndpointAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	e, err := s.cfg.Endpoints.Add(r.Context(), req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleEndpointRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Endpoints.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleEndpointList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": s.cfg.Endpoints.List()})
}

func (s *Server) handleEndpointSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Endpoints.Snapshot())
}

// --- maintenance ---

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	dest := filepath.Join(s.cfg.BackupDir, fmt.Sprintf("hub-%s.db", time.Now().UTC().Format("20060102-150405")))
	if err := s.cfg.Store.Backup(r.Context(), dest); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"backup": dest})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	scanned := s.cfg.Scanner.Scan(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"scanned": scanned})
}

// --- dead letters ---

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dls, err := s.cfg.Queue.DeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls})
}

func (s *Server) handleDeadLetterRetry(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Queue.RetryDeadLetter(r.Context(), r.PathValue("id"))
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// --- hub control ---

func (s *Server) handleHubState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Hub.Status())
}

func (s *Server) handleHubPause(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Hub.Pause()
	writeJSON(w, http.StatusOK, s.cfg.Hub.Status())
}

func (s *Server) handleHubResume(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Hub.Resume()
	writeJSON(w, http.StatusOK, s.cfg.Hub.Status())
}

func (s *Server) handleHubHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"history": s.cfg.Hub.History()})
}

// Serve runs the HTTP server until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
