package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/tmaxmax/go-sse"
)

// StreamableClient talks to a StreamableServer endpoint: requests go out as HTTP
// POSTs carrying the session identifier header, the notification stream comes in
// over a GET upgraded to SSE, and termination is a DELETE. The client retains a
// single piece of state between calls, the session identifier minted by
// Initialize. Instances should be created using NewStreamableClient.
type StreamableClient struct {
	httpClient *http.Client
	endpoint   string
	logger     *slog.Logger

	clientInfo Info

	sessionID atomic.Value // string
	nextID    atomic.Int64
}

// StreamableClientOption represents the options for the StreamableClient.
type StreamableClientOption func(*StreamableClient)

// WithStreamableClientLogger sets the logger for the client.
func WithStreamableClientLogger(logger *slog.Logger) StreamableClientOption {
	return func(c *StreamableClient) {
		c.logger = logger
	}
}

// StreamEvent is one message received on the notification stream, together with
// the event identifier a client echoes back as Last-Event-ID when reattaching.
type StreamEvent struct {
	EventID string
	Message JSONRPCMessage
}

// NewStreamableClient creates a client for the streamable endpoint at the given
// URL. The optional httpClient parameter allows custom HTTP client configuration;
// if nil, the default HTTP client is used.
func NewStreamableClient(endpoint string, httpClient *http.Client, options ...StreamableClientOption) *StreamableClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &StreamableClient{
		httpClient: cli,
		endpoint:   endpoint,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Initialize performs the handshake and retains the minted session identifier for
// every subsequent call.
func (c *StreamableClient) Initialize(ctx context.Context, clientInfo Info) error {
	c.clientInfo = clientInfo

	resp, header, err := c.post(ctx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo,
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize failed: %w", *resp.Error)
	}

	sessionID := header.Get(SessionIDHeader)
	if sessionID == "" {
		return errors.New("server did not return a session identifier")
	}
	c.sessionID.Store(sessionID)

	return nil
}

// SessionID returns the identifier minted during Initialize, or the empty string
// before the handshake.
func (c *StreamableClient) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// ListTools retrieves the tools the server exposes.
func (c *StreamableClient) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	if err := c.call(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// CallTool invokes a tool on the server.
func (c *StreamableClient) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// Ping checks that the session is still alive on the server.
func (c *StreamableClient) Ping(ctx context.Context) error {
	var result struct{}
	return c.call(ctx, methodPing, struct{}{}, &result)
}

// SetLogLevel configures the minimum severity for log notifications the server
// pushes onto the stream.
func (c *StreamableClient) SetLogLevel(ctx context.Context, level LogLevel) error {
	var result struct{}
	return c.call(ctx, MethodLoggingSetLevel, setLogLevelParams{Level: level}, &result)
}

// ListenEvents attaches the notification stream and returns an iterator over the
// messages the server pushes. A non-empty lastEventID asks the server to replay
// every event logged after it before delivering live events. The stream stays
// open until the context is cancelled or the server closes the session.
func (c *StreamableClient) ListenEvents(ctx context.Context, lastEventID string) (iter.Seq2[StreamEvent, error], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionIDHeader, c.SessionID())
	if lastEventID != "" {
		req.Header.Set(LastEventIDHeader, lastEventID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to attach stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return c.listenStream(resp.Body), nil
}

func (c *StreamableClient) listenStream(body io.ReadCloser) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		defer body.Close()

		for ev, err := range sse.Read(body, nil) {
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					yield(StreamEvent{}, fmt.Errorf("failed to read stream: %w", err))
				}
				return
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				c.logger.Error("failed to unmarshal stream message", "err", err)
				continue
			}

			if !yield(StreamEvent{EventID: ev.LastEventID, Message: msg}, nil) {
				return
			}
		}
	}
}

// Terminate explicitly closes the session on the server.
func (c *StreamableClient) Terminate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(SessionIDHeader, c.SessionID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to terminate session: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return ErrSessionNotFound
	default:
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

func (c *StreamableClient) call(ctx context.Context, method string, params, result any) error {
	resp, _, err := c.post(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		if resp.Error.Code == jsonRPCSessionNotFoundCode {
			return fmt.Errorf("%s: %w", method, ErrSessionNotFound)
		}
		return fmt.Errorf("%s: %w", method, *resp.Error)
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

func (c *StreamableClient) post(ctx context.Context, method string, params any) (JSONRPCMessage, http.Header, error) {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(strconv.FormatInt(c.nextID.Add(1), 10)),
		Method:  method,
		Params:  paramsBs,
	}
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return JSONRPCMessage{}, nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(msgBs))
	if err != nil {
		return JSONRPCMessage{}, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if id := c.SessionID(); id != "" {
		req.Header.Set(SessionIDHeader, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JSONRPCMessage{}, nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	var rpcResp JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return JSONRPCMessage{}, nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}

	return rpcResp, resp.Header, nil
}
