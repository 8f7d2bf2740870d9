package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// StreamableServer implements the modern transport pattern: one endpoint
// multiplexed by HTTP method. POST carries JSON-RPC requests (the handshake when
// no session header is present), GET attaches the server-to-client notification
// stream as SSE, and DELETE terminates the session. The minted session identifier
// travels in the Mcp-Session-Id header both ways.
//
// The returned handlers are framework-agnostic http.Handlers and can be mounted
// on any router. Instances should be created with NewStreamableServer and shut
// down with Shutdown when no longer needed.
type StreamableServer struct {
	logger   *slog.Logger
	registry *sessionRegistry
}

// ServerOption represents the options for the transport servers.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger            *slog.Logger
	instructions      string
	toolServer        ToolServer
	toolServerFactory func() ToolServer
}

// WithToolServer configures a single shared ToolServer executed by every session.
// State the handler keeps is visible across sessions, and the handler outlives
// them all: the registry never closes it.
func WithToolServer(srv ToolServer) ServerOption {
	return func(o *serverOptions) {
		o.toolServer = srv
	}
}

// WithToolServerFactory configures a fresh ToolServer per session. Each instance
// is exclusively owned by its session and released (via io.Closer, when
// implemented) during session teardown. Takes precedence over WithToolServer
// when both are set.
func WithToolServerFactory(factory func() ToolServer) ServerOption {
	return func(o *serverOptions) {
		o.toolServerFactory = factory
	}
}

// WithInstructions returns a ServerOption that configures the instructions
// returned in the handshake result.
func WithInstructions(instructions string) ServerOption {
	return func(o *serverOptions) {
		o.instructions = instructions
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

func buildRegistry(info Info, component string, options []ServerOption) (*sessionRegistry, *slog.Logger) {
	opts := serverOptions{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&opts)
	}

	logger := opts.logger.With(
		slog.String("package", "mcp"),
		slog.String("component", component),
	)

	newToolServer := func() (ToolServer, bool) {
		if opts.toolServerFactory != nil {
			return opts.toolServerFactory(), true
		}
		if opts.toolServer != nil {
			return opts.toolServer, false
		}
		return noopToolServer{}, false
	}

	registry := newSessionRegistry(registryConfig{
		logger:        logger,
		serverInfo:    info,
		instructions:  opts.instructions,
		newToolServer: newToolServer,
		generateID:    uuid.NewString,
	})

	return registry, logger
}

// NewStreamableServer creates a streamable HTTP server for the given server info.
// The server is immediately operational; mount Handler on the serving endpoint
// and close the server with Shutdown when done.
func NewStreamableServer(info Info, options ...ServerOption) *StreamableServer {
	registry, logger := buildRegistry(info, "streamable", options)

	return &StreamableServer{
		logger:   logger,
		registry: registry,
	}
}

// Handler returns the http.Handler for the single multiplexed endpoint.
func (s *StreamableServer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				// The boundary converts anything unexpected into an opaque
				// failure; internals never leak into the response.
				s.logger.Error("panic while handling request", "recovered", rec)
				writeJSONRPCError(w, http.StatusInternalServerError,
					errorMessage("", jsonRPCInternalErrorCode, errMsgInternalError, nil))
			}
		}()

		switch r.Method {
		case http.MethodPost:
			s.handlePost(w, r)
		case http.MethodGet:
			s.handleGet(w, r)
		case http.MethodDelete:
			s.handleDelete(w, r)
		default:
			w.Header().Set("Allow", "POST, GET, DELETE")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

// handlePost routes one JSON-RPC request. The three-way split is deliberate and
// ordered: a session identifier always wins over handshake detection, and a
// missing identifier is only acceptable on an initialize request.
func (s *StreamableServer) handlePost(w http.ResponseWriter, r *http.Request) {
	var msg JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
		writeJSONRPCError(w, http.StatusBadRequest,
			errorMessage("", jsonRPCParseErrorCode, errMsgInvalidJSON, nil))
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID != "" {
		sess, ok := s.registry.get(sessionID)
		if !ok {
			writeSessionNotFound(w, msg.ID)
			return
		}
		s.dispatch(w, r, sess, msg, sessionID)
		return
	}

	if msg.Method != methodInitialize {
		writeJSONRPCError(w, http.StatusBadRequest,
			errorMessage(msg.ID, jsonRPCInvalidRequestCode, errMsgInitializeRequired, nil))
		return
	}

	sess := s.registry.createSession()
	s.dispatch(w, r, sess, msg, "")
}

func (s *StreamableServer) dispatch(w http.ResponseWriter, r *http.Request, sess *serverSession, msg JSONRPCMessage, sessionID string) {
	resp, err := sess.handleMessage(r.Context(), msg)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			writeSessionNotFound(w, msg.ID)
			return
		}
		s.logger.Error("failed to handle message", slog.String("err", err.Error()))
		writeJSONRPCError(w, http.StatusInternalServerError,
			errorMessage(msg.ID, jsonRPCInternalErrorCode, errMsgInternalError, nil))
		return
	}

	// Notifications have no response body.
	if resp.JSONRPC == "" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Echo the identifier back; on a successful handshake this is where the
	// client learns it.
	if id := sess.ID(); id != "" && resp.Error == nil {
		w.Header().Set(SessionIDHeader, id)
	} else if sessionID != "" {
		w.Header().Set(SessionIDHeader, sessionID)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to write response", slog.String("err", err.Error()))
	}
}

// handleGet attaches the session's notification stream. A Last-Event-ID header
// makes the attach replay every logged event after it before any live event.
func (s *StreamableServer) handleGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		http.Error(w, errMsgInitializeRequired, http.StatusBadRequest)
		return
	}

	sess, ok := s.registry.get(sessionID)
	if !ok {
		http.Error(w, errMsgSessionNotFound, http.StatusNotFound)
		return
	}

	if err := sess.attachStream(w, r); err != nil {
		switch {
		case errors.Is(err, ErrSessionNotFound):
			http.Error(w, errMsgSessionNotFound, http.StatusNotFound)
		case errors.Is(err, ErrStreamAlreadyAttached):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			s.logger.Error("failed to serve stream", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
		}
	}
}

func (s *StreamableServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		http.Error(w, errMsgInitializeRequired, http.StatusBadRequest)
		return
	}

	if _, ok := s.registry.get(sessionID); !ok {
		http.Error(w, errMsgSessionNotFound, http.StatusNotFound)
		return
	}

	s.registry.closeSession(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleHealth returns a read-only http.Handler reporting the live session count
// and minimal per-session metadata.
func (s *StreamableServer) HandleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HealthResult{
			Sessions:    s.registry.count(),
			SessionInfo: s.registry.sessionInfo(),
		})
	})
}

// Shutdown closes every live session and blocks until cleanup finishes or the
// context expires.
func (s *StreamableServer) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.registry.closeAll()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to shut down streamable server: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func writeSessionNotFound(w http.ResponseWriter, msgID MustString) {
	writeJSONRPCError(w, http.StatusNotFound,
		errorMessage(msgID, jsonRPCSessionNotFoundCode, errMsgSessionNotFound, nil))
}

func writeJSONRPCError(w http.ResponseWriter, status int, msg JSONRPCMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}

// noopToolServer is the default handler when none is configured: no tools, and
// every call fails as unknown.
type noopToolServer struct{}

func (noopToolServer) ListTools(context.Context, ListToolsParams, ProgressReporter) (ListToolsResult, error) {
	return ListToolsResult{Tools: []Tool{}}, nil
}

func (noopToolServer) CallTool(_ context.Context, params CallToolParams, _ ProgressReporter) (CallToolResult, error) {
	return CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
}
