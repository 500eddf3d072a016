package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentcom/internal/agents"
	"github.com/basket/agentcom/internal/endpoints"
	"github.com/basket/agentcom/internal/presence"
	"github.com/basket/agentcom/internal/shared"
	"github.com/basket/agentcom/internal/task"
)

// TokenResolver maps a bearer token to an agent ID.
type TokenResolver interface {
	Resolve(token string) (string, bool)
}

// Requeuer is the queue surface used for reconnect recovery.
type Requeuer interface {
	Requeue(ctx context.Context, taskID, reason string) error
}

// Config wires a session's collaborators.
type Config struct {
	Auth            TokenResolver
	Registry        *agents.Registry
	Presence        *presence.Tracker
	Queue           Requeuer
	Endpoints       *endpoints.Registry
	Resources       *endpoints.ResourceTable
	Logger          *slog.Logger
	ProtocolVersion int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	IdentifyTimeout time.Duration
}

// Server accepts agent WebSocket connections.
type Server struct {
	cfg Config
}

// NewServer builds the WS server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.IdentifyTimeout <= 0 {
		cfg.IdentifyTimeout = 10 * time.Second
	}
	return &Server{cfg: cfg}
}

// Handler returns the http handler for the /ws endpoint.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		sess := &Session{cfg: s.cfg, conn: conn}
		sess.run(r.Context())
	}
}

// Session is one agent connection.
type Session struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex
	agent   *agents.Agent

	lastSeenMu sync.Mutex
	lastSeen   time.Time
}

// write serializes concurrent sends onto the connection. Back-pressure
// on this socket never blocks another session.
func (s *Session) write(ctx context.Context, msg Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsjson.Write(ctx, s.conn, msg)
}

// SendTaskAssign implements agents.Sender.
func (s *Session) SendTaskAssign(t task.Task) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.write(ctx, AssignMessage(t, s.cfg.ProtocolVersion))
}

func (s *Session) touch() {
	s.lastSeenMu.Lock()
	s.lastSeen = time.Now()
	s.lastSeenMu.Unlock()
}

func (s *Session) sinceLastSeen() time.Duration {
	s.lastSeenMu.Lock()
	defer s.lastSeenMu.Unlock()
	return time.Since(s.lastSeen)
}

// run drives the session: identify handshake, then the message loop
// with a heartbeat supervisor.
func (s *Session) run(ctx context.Context) {
	logger := s.cfg.Logger
	defer func() {
		if s.agent != nil {
			s.cfg.Registry.Remove(context.Background(), s.agent.ID, "connection_closed")
			s.cfg.Presence.Forget(s.agent.ID)
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The first message must be identify.
	identCtx, cancel := context.WithTimeout(ctx, s.cfg.IdentifyTimeout)
	var ident Message
	err := wsjson.Read(identCtx, s.conn, &ident)
	cancel()
	if err != nil || ident.Type != TypeIdentify {
		logger.Warn("ws: handshake failed", "error", err)
		_ = s.conn.Close(websocket.StatusPolicyViolation, "identify required")
		return
	}
	if ident.ProtocolVersion != s.cfg.ProtocolVersion {
		logger.Warn("ws: protocol mismatch", "agent_id", ident.AgentID, "got", ident.ProtocolVersion, "want", s.cfg.ProtocolVersion)
		_ = s.conn.Close(websocket.StatusPolicyViolation, "unsupported_protocol")
		return
	}
	agentID, ok := s.cfg.Auth.Resolve(ident.Token)
	if !ok {
		logger.Warn("ws: invalid token", "claimed_agent_id", ident.AgentID)
		_ = s.conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}
	if ident.AgentID != "" && ident.AgentID != agentID {
		logger.Warn("ws: agent id does not match token", "claimed", ident.AgentID, "resolved", agentID)
		_ = s.conn.Close(websocket.StatusPolicyViolation, "agent id mismatch")
		return
	}

	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	logger = logger.With("agent_id", agentID, "trace_id", traceID)

	s.agent = s.cfg.Registry.Bind(ctx, agentID, ident.Capabilities, ident.ProtocolVersion, s)
	s.touch()
	s.cfg.Presence.Heartbeat(agentID, map[string]string{"client_type": ident.ClientType, "name": ident.Name})
	logger.Info("ws: agent identified", "client_type", ident.ClientType)

	// Heartbeat supervisor: ping on a cadence, kill the connection when
	// the peer goes silent past the pong deadline.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go s.heartbeatLoop(hbCtx, logger)

	for {
		var msg Message
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			logger.Info("ws: read loop ended", "error", err)
			return
		}
		s.touch()
		s.cfg.Presence.Heartbeat(agentID, nil)
		s.dispatch(ctx, logger, msg)
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.sinceLastSeen() > s.cfg.PingInterval+s.cfg.PongTimeout {
				logger.Warn("ws: heartbeat lost, closing connection")
				_ = s.conn.Close(websocket.StatusPolicyViolation, "heartbeat lost")
				return
			}
			if err := s.write(ctx, Message{Type: TypePing, ProtocolVersion: s.cfg.ProtocolVersion}); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound message. Unknown types are logged and
// dropped, never fatal.
func (s *Session) dispatch(ctx context.Context, logger *slog.Logger, msg Message) {
	switch msg.Type {
	case TypePing:
		_ = s.write(ctx, Message{Type: TypePong, ProtocolVersion: s.cfg.ProtocolVersion})
	case TypePong:
		// touch already recorded it
	case TypeTaskAccepted:
		s.agent.OnAccepted(ctx, msg.TaskID)
	case TypeTaskRejected:
		s.agent.OnRejected(ctx, msg.TaskID, msg.Reason)
	case TypeTaskProgress:
		s.agent.OnProgress(ctx, msg.TaskID)
	case TypeTaskComplete:
		s.agent.OnComplete(ctx, msg.TaskID, msg.Generation, msg.Result)
	case TypeTaskFailed:
		s.agent.OnFailed(ctx, msg.TaskID, msg.Generation, msg.Reason)
	case TypeTaskRecovering:
		// Recovery policy: always reassign. The stale generation fences
		// out any late result from the previous attempt.
		logger.Info("ws: task recovering, reassigning", "task_id", msg.TaskID, "last_status", msg.LastStatus)
		_ = s.cfg.Queue.Requeue(ctx, msg.TaskID, "reconnect_recovery")
		_ = s.write(ctx, Message{Type: TypeTaskReassign, ProtocolVersion: s.cfg.ProtocolVersion, TaskID: msg.TaskID})
	case TypeOllamaReport:
		if s.cfg.Endpoints != nil && msg.URL != "" {
			if _, err := s.cfg.Endpoints.Add(ctx, msg.URL); err != nil {
				logger.Warn("ws: ollama report rejected", "url", msg.URL, "error", err)
			}
		}
	case TypeResourceReport:
		if s.cfg.Resources != nil && msg.Resources != nil {
			host := msg.Host
			if host == "" {
				host = s.agent.ID
			}
			s.cfg.Resources.Report(host, *msg.Resources)
		}
	default:
		logger.Warn("ws: unknown message type dropped", "type", msg.Type)
	}
}

// IsCloseError reports whether err carries a websocket close frame, of
// any status code.
func IsCloseError(err error) bool {
	var closeErr websocket.CloseError
	return errors.As(err, &closeErr)
}
