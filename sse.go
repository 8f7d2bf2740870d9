package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tmaxmax/go-sse"
)

// SSEServer implements the legacy two-endpoint transport pattern: a GET endpoint
// that performs the handshake and carries the server-to-client event stream, and
// a POST endpoint for client-to-server messages. On connect the server mints a
// session identifier, announces the message endpoint through an "endpoint" event
// carrying a ?sessionID= URL, and then serves the session's notification stream
// over the open response. Responses to POSTed requests are delivered over the
// same stream.
//
// Unlike the streamable variant, the GET stream is the session's lifeline here:
// when it drops, the binding self-reports closure and the session is destroyed.
//
// The handlers are framework-agnostic and can be mounted on any router.
// Instances should be created with NewSSEServer and shut down with Close when no
// longer needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger
	registry   *sessionRegistry
}

// NewSSEServer creates a legacy SSE server that directs clients to post messages
// at messageURL. The server is immediately operational; shut it down with
// Shutdown when no longer needed.
func NewSSEServer(info Info, messageURL string, options ...ServerOption) *SSEServer {
	registry, logger := buildRegistry(info, "sse", options)

	return &SSEServer{
		messageURL: messageURL,
		logger:     logger,
		registry:   registry,
	}
}

// HandleSSE returns an http.Handler for the handshake/stream endpoint. Each GET
// establishes a new session: the handler registers the session, tells the client
// its message endpoint, and keeps the connection open serving notifications until
// the client disconnects or the session is closed.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := s.registry.createSession()

		// Register before the endpoint event is flushed, so the first POST the
		// client fires cannot miss the session.
		sessionID := sess.bind()

		greet := func(stream *sse.Session) error {
			msg := sse.Message{
				Type: sse.Type("endpoint"),
			}
			msg.AppendData(fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessionID))
			if err := stream.Send(&msg); err != nil {
				return fmt.Errorf("failed to write endpoint event: %w", err)
			}
			if err := stream.Flush(); err != nil {
				return fmt.Errorf("failed to flush endpoint event: %w", err)
			}
			return nil
		}

		err := sess.attachStreamWith(w, r, greet)

		// The stream is this session's only channel. Its death, for whatever
		// reason, ends the session; the registry learns about it through the
		// binding's self-report.
		sess.close()

		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			s.logger.Error("failed to serve SSE stream",
				slog.String("sessionID", sessionID), slog.String("err", err.Error()))
			http.Error(w, errMsgInternalError, http.StatusInternalServerError)
		}
	})
}

// HandleMessage returns an http.Handler for the message endpoint. It expects a
// sessionID query parameter and a JSON-encoded message body; responses travel
// back over the session's event stream, so a routed request is acknowledged with
// 202 Accepted.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("sessionID")
		if sessionID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			writeJSONRPCError(w, http.StatusBadRequest,
				errorMessage("", jsonRPCParseErrorCode, errMsgInvalidJSON, nil))
			return
		}

		sess, ok := s.registry.get(sessionID)
		if !ok {
			writeSessionNotFound(w, msg.ID)
			return
		}

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

		if resp.JSONRPC != "" {
			sess.push(resp)
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

// HandleHealth returns a read-only http.Handler reporting the live session count
// and minimal per-session metadata.
func (s *SSEServer) HandleHealth() http.Handler {
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
func (s *SSEServer) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.registry.closeAll()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to shut down SSE server: %w", ctx.Err())
	case <-done:
		return nil
	}
}
