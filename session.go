package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

type sessionState int

const (
	stateUnbound sessionState = iota
	stateBound
	stateClosed
)

// serverSession binds one logical session to its transport. It owns the handshake
// that mints the session identifier, dispatches bound requests to the ToolServer,
// and funnels every outbound notification through the session's event log so a
// reconnecting client can replay what it missed.
//
// State machine: unbound (only initialize accepted) -> bound -> closed (terminal).
// A closed session rejects all traffic with ErrSessionNotFound on its own, without
// relying on the registry having already removed its map entry.
type serverSession struct {
	createdAt time.Time
	logger    *slog.Logger

	serverInfo   Info
	instructions string

	toolServer     ToolServer
	ownsToolServer bool
	events         *eventStore
	generateID     func() string

	// Lifecycle callbacks supplied by the registry at construction time. onBound
	// runs synchronously once the handshake mints an identifier, before the
	// handshake response is returned; onClosed is the session's self-report when
	// it shuts down.
	onBound  func(sess *serverSession)
	onClosed func(sessionID string)

	mu       sync.Mutex
	state    sessionState
	id       string
	logLevel LogLevel

	// streamID scopes this session's notifications in the event log. One logical
	// stream per session; minted before the session identifier exists.
	streamID string

	// streamMu serializes replay, stream attachment, and live writes. Holding it
	// across a replay is what guarantees no event is delivered live before the
	// catch-up completes.
	streamMu sync.Mutex
	stream   *sse.Session

	requests sync.Map // map[MustString]context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
}

type sessionConfig struct {
	logger         *slog.Logger
	serverInfo     Info
	instructions   string
	toolServer     ToolServer
	ownsToolServer bool
	generateID     func() string
	onBound        func(sess *serverSession)
	onClosed       func(sessionID string)
}

func newServerSession(cfg sessionConfig) *serverSession {
	return &serverSession{
		createdAt:      time.Now(),
		logger:         cfg.logger,
		serverInfo:     cfg.serverInfo,
		instructions:   cfg.instructions,
		toolServer:     cfg.toolServer,
		ownsToolServer: cfg.ownsToolServer,
		events:         newEventStore(),
		generateID:     cfg.generateID,
		onBound:        cfg.onBound,
		onClosed:       cfg.onClosed,
		logLevel:       LogLevelInfo,
		streamID:       cfg.generateID(),
		done:           make(chan struct{}),
	}
}

// ID returns the session identifier, or the empty string before the handshake
// has completed.
func (s *serverSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.id
}

// CreatedAt returns the session creation timestamp.
func (s *serverSession) CreatedAt() time.Time {
	return s.createdAt
}

// handleMessage executes one inbound JSON-RPC message against this session and
// returns the response. Notifications produce a zero JSONRPCMessage (no response
// body). It returns ErrSessionNotFound when the session is closed; every other
// failure, domain failures included, is converted into a JSON-RPC error response
// scoped to this one call and never tears the session down.
func (s *serverSession) handleMessage(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == stateClosed {
		return JSONRPCMessage{}, ErrSessionNotFound
	}

	if state == stateUnbound && msg.Method != methodInitialize {
		return errorMessage(msg.ID, jsonRPCInvalidRequestCode, errMsgInitializeRequired, nil), nil
	}

	switch msg.Method {
	case methodInitialize:
		return s.handleInitialize(msg)
	case methodPing:
		return resultMessage(msg.ID, struct{}{})
	case methodNotificationsInitialized:
		return JSONRPCMessage{}, nil
	case MethodToolsList:
		return s.handleToolsList(ctx, msg)
	case MethodToolsCall:
		return s.handleToolsCall(ctx, msg)
	case MethodLoggingSetLevel:
		return s.handleSetLogLevel(msg)
	default:
		return errorMessage(msg.ID, jsonRPCMethodNotFoundCode, fmt.Sprintf("method not found: %s", msg.Method), nil), nil
	}
}

func (s *serverSession) handleInitialize(msg JSONRPCMessage) (JSONRPCMessage, error) {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorMessage(msg.ID, jsonRPCInvalidParamsCode, errMsgInvalidJSON, map[string]any{"error": err.Error()}), nil
		}
	}

	if params.ProtocolVersion != protocolVersion {
		nErr := fmt.Errorf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion)
		s.logger.Warn("initialize rejected", "err", nErr)
		return errorMessage(msg.ID, jsonRPCInvalidParamsCode, errMsgUnsupportedProtocol, map[string]any{"error": nErr.Error()}), nil
	}

	id := s.bind()

	s.logger.Info("session initialized", slog.String("sessionID", id), slog.String("client", params.ClientInfo.Name))

	return resultMessage(msg.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: ServerCapabilities{
			Tools:   &ToolsCapability{},
			Logging: &LoggingCapability{},
		},
		ServerInfo:   s.serverInfo,
		Instructions: s.instructions,
	})
}

// bind mints the session identifier and registers the session. The on-bound
// callback runs synchronously before bind returns: the registry must be able to
// find the session by the time the handshake response carrying the identifier is
// flushed, or an immediately reconnecting client could race the registry. Calling
// bind on an already bound session returns the existing identifier; the legacy
// transport binds at connect time and later feeds the initialize request through
// handleMessage like any other.
func (s *serverSession) bind() string {
	s.mu.Lock()
	if s.state != stateUnbound {
		id := s.id
		s.mu.Unlock()
		return id
	}
	s.id = s.generateID()
	s.state = stateBound
	id := s.id
	s.mu.Unlock()

	if s.onBound != nil {
		s.onBound(s)
	}

	return id
}

func (s *serverSession) handleToolsList(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	var params ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorMessage(msg.ID, jsonRPCInvalidParamsCode, errMsgInvalidJSON, map[string]any{"error": err.Error()}), nil
		}
	}

	cCtx, cancel := s.requestContext(ctx, msg.ID)
	defer cancel()

	result, err := s.toolServer.ListTools(cCtx, params, s.progressReporter(params.Meta.ProgressToken))
	if err != nil {
		return errorMessage(msg.ID, jsonRPCInternalErrorCode, errMsgInternalError, map[string]any{"error": err.Error()}), nil
	}

	return resultMessage(msg.ID, result)
}

func (s *serverSession) handleToolsCall(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return errorMessage(msg.ID, jsonRPCInvalidParamsCode, errMsgInvalidJSON, map[string]any{"error": err.Error()}), nil
	}

	cCtx, cancel := s.requestContext(ctx, msg.ID)
	defer cancel()

	s.notifyLog(LogLevelDebug, fmt.Sprintf("calling tool %s", params.Name))

	result, err := s.toolServer.CallTool(cCtx, params, s.progressReporter(params.Meta.ProgressToken))
	if err != nil {
		// Domain failure stays scoped to this call.
		s.notifyLog(LogLevelError, fmt.Sprintf("tool %s failed: %v", params.Name, err))
		return errorMessage(msg.ID, jsonRPCInternalErrorCode, errMsgInternalError, map[string]any{"error": err.Error()}), nil
	}

	return resultMessage(msg.ID, result)
}

func (s *serverSession) handleSetLogLevel(msg JSONRPCMessage) (JSONRPCMessage, error) {
	var params setLogLevelParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return errorMessage(msg.ID, jsonRPCInvalidParamsCode, errMsgInvalidJSON, map[string]any{"error": err.Error()}), nil
	}

	s.mu.Lock()
	s.logLevel = params.Level
	s.mu.Unlock()

	if setter, ok := s.toolServer.(LogLevelSetter); ok {
		setter.SetLogLevel(params.Level)
	}

	return resultMessage(msg.ID, struct{}{})
}

// requestContext derives a per-request context registered in the pending-request
// table so an in-flight call is cancelled when the session closes.
func (s *serverSession) requestContext(ctx context.Context, msgID MustString) (context.Context, context.CancelFunc) {
	cCtx, cancel := context.WithCancel(ctx)

	s.requests.Store(msgID, context.CancelFunc(cancel))

	return cCtx, func() {
		s.requests.Delete(msgID)
		cancel()
	}
}

func (s *serverSession) progressReporter(token MustString) ProgressReporter {
	if token == "" {
		return func(ProgressParams) {}
	}
	return func(progress ProgressParams) {
		progress.ProgressToken = token
		s.notify(methodNotificationsProgress, progress)
	}
}

// notify pushes a notification onto the session's stream: appended to the event
// log first, then written to the live channel if one is attached. Notifying a
// closed session is a no-op.
func (s *serverSession) notify(method string, params any) {
	data, err := json.Marshal(params)
	if err != nil {
		s.logger.Error("failed to marshal notification params", "err", err)
		return
	}

	s.push(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  data,
	})
}

// notifyLog emits a notifications/message push, filtered by the level the client
// configured via logging/setLevel.
func (s *serverSession) notifyLog(level LogLevel, text string) {
	s.mu.Lock()
	minLevel := s.logLevel
	s.mu.Unlock()

	if level < minLevel {
		return
	}

	data, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		return
	}

	s.notify(methodNotificationsMessage, LogParams{
		Level:  level,
		Logger: "session",
		Data:   data,
	})
}

// push appends msg to the event log and delivers it to the attached live stream,
// if any. It returns the generated event identifier. When no stream is attached,
// the event is retained in the log only, awaiting replay.
func (s *serverSession) push(msg JSONRPCMessage) string {
	select {
	case <-s.done:
		return ""
	default:
	}

	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	eventID := s.events.append(s.streamID, msg)

	if s.stream == nil {
		return eventID
	}

	if err := writeEvent(s.stream, eventID, msg); err != nil {
		s.logger.Warn("failed to write event to live stream, detaching",
			slog.String("sessionID", s.id), slog.String("err", err.Error()))
		s.stream = nil
	}

	return eventID
}

// attachStream upgrades the request to an SSE stream and serves this session's
// notifications over it until the client disconnects or the session closes. When
// lastEventID names a known event, every logged event strictly after it is
// replayed, in creation order, before any live event is delivered; an unknown
// identifier means an empty catch-up, never an error.
func (s *serverSession) attachStream(w http.ResponseWriter, r *http.Request) error {
	return s.attachStreamWith(w, r, nil)
}

// attachStreamWith is attachStream with a greet hook that runs right after the
// SSE upgrade, before the replay and before the stream goes live. The legacy
// transport uses it to announce the message endpoint on the fresh stream.
func (s *serverSession) attachStreamWith(w http.ResponseWriter, r *http.Request, greet func(stream *sse.Session) error) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.mu.Unlock()

	s.streamMu.Lock()
	if s.stream != nil {
		s.streamMu.Unlock()
		return ErrStreamAlreadyAttached
	}

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		s.streamMu.Unlock()
		return fmt.Errorf("failed to upgrade stream: %w", err)
	}

	if greet != nil {
		if err := greet(stream); err != nil {
			s.streamMu.Unlock()
			return err
		}
	}

	if lastEventID := r.Header.Get(LastEventIDHeader); lastEventID != "" {
		_, _, err := s.events.replayAfter(lastEventID, func(eventID string, msg JSONRPCMessage) error {
			return writeEvent(stream, eventID, msg)
		})
		if err != nil {
			s.streamMu.Unlock()
			return err
		}
	}

	s.stream = stream
	s.streamMu.Unlock()

	select {
	case <-r.Context().Done():
	case <-s.done:
	}

	s.streamMu.Lock()
	if s.stream == stream {
		s.stream = nil
	}
	s.streamMu.Unlock()

	return nil
}

// close transitions the session to its terminal state: cancels in-flight requests,
// detaches the live stream, and self-reports to the registry via the on-closed
// callback. Idempotent.
func (s *serverSession) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = stateClosed
		id := s.id
		s.mu.Unlock()

		close(s.done)

		s.requests.Range(func(key, value any) bool {
			if cancel, ok := value.(context.CancelFunc); ok {
				cancel()
			}
			s.requests.Delete(key)
			return true
		})

		s.streamMu.Lock()
		s.stream = nil
		s.streamMu.Unlock()

		if id != "" && s.onClosed != nil {
			s.onClosed(id)
		}

		s.logger.Debug("session closed", slog.String("sessionID", id))
	})
}

// closeToolServer releases the session's domain handler. Shared handlers outlive
// every session and are never closed here.
func (s *serverSession) closeToolServer() error {
	if !s.ownsToolServer {
		return nil
	}
	closer, ok := s.toolServer.(io.Closer)
	if !ok {
		return nil
	}
	if err := closer.Close(); err != nil {
		return fmt.Errorf("failed to close tool server: %w", err)
	}
	return nil
}

func writeEvent(stream *sse.Session, eventID string, msg JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ev := &sse.Message{
		ID:   sse.ID(eventID),
		Type: sse.Type("message"),
	}
	ev.AppendData(string(data))

	if err := stream.Send(ev); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

func resultMessage(msgID MustString, result any) (JSONRPCMessage, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return errorMessage(msgID, jsonRPCInternalErrorCode, errMsgInternalError, nil), nil
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Result:  data,
	}, nil
}

func errorMessage(msgID MustString, code int, message string, data map[string]any) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
