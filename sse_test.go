package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"

	mcp "github.com/yigitkonur/example-mcp-server-sse"
	"github.com/yigitkonur/example-mcp-server-sse/servers/calculator"
)

func newSSETestServer(t *testing.T, options ...mcp.ServerOption) (*httptest.Server, *mcp.SSEServer) {
	t.Helper()

	srv := mcp.NewSSEServer(mcp.Info{Name: "calculator-test", Version: "1.0.0"}, "/message", options...)

	mux := http.NewServeMux()
	mux.Handle("/sse", srv.HandleSSE())
	mux.Handle("/message", srv.HandleMessage())
	mux.Handle("/healthz", srv.HandleHealth())

	testServer := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
		testServer.Close()
	})

	return testServer, srv
}

// connectSSE opens the handshake stream and returns the announced message URL
// plus a channel of every subsequent stream event.
func connectSSE(t *testing.T, testServer *httptest.Server, ctx context.Context) (string, <-chan sse.Event) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, testServer.URL+"/sse", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := testServer.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("got status %d, want %d", resp.StatusCode, http.StatusOK)
	}

	events := make(chan sse.Event, 32)
	go func() {
		defer resp.Body.Close()
		defer close(events)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			events <- ev
		}
	}()

	var endpoint sse.Event
	select {
	case endpoint = <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for endpoint event")
	}
	if endpoint.Type != "endpoint" {
		t.Fatalf("got first event type %q, want %q", endpoint.Type, "endpoint")
	}
	if !strings.Contains(endpoint.Data, "sessionID=") {
		t.Fatalf("endpoint event carries no session identifier: %q", endpoint.Data)
	}

	return testServer.URL + endpoint.Data, events
}

func postSSEMessage(t *testing.T, testServer *httptest.Server, messageURL string, msg mcp.JSONRPCMessage) *http.Response {
	t.Helper()

	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := testServer.Client().Post(messageURL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to post message: %v", err)
	}
	resp.Body.Close()
	return resp
}

func waitResponse(t *testing.T, events <-chan sse.Event, msgID mcp.MustString) mcp.JSONRPCMessage {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("stream closed while waiting for response")
			}
			var msg mcp.JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				t.Fatalf("failed to unmarshal stream message: %v", err)
			}
			// Notifications interleave with responses on the one stream.
			if msg.ID != msgID {
				continue
			}
			return msg
		case <-deadline:
			t.Fatalf("timeout waiting for response to %q", msgID)
		}
	}
}

func TestSSEServerSessionFlow(t *testing.T) {
	testServer, _ := newSSETestServer(t, mcp.WithToolServerFactory(func() mcp.ToolServer {
		return calculator.NewServer()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messageURL, events := connectSSE(t, testServer, ctx)

	// The handshake travels over POST like any other request; its response comes
	// back on the stream.
	resp := postSSEMessage(t, testServer, messageURL, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "1",
		Method:  "initialize",
		Params:  json.RawMessage(`{"protocolVersion":"2024-11-05","clientInfo":{"name":"test-client","version":"0.1.0"}}`),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("initialize: got status %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	initResp := waitResponse(t, events, "1")
	if initResp.Error != nil {
		t.Fatalf("initialize failed: %v", initResp.Error)
	}
	var initResult struct {
		ServerInfo mcp.Info `json:"serverInfo"`
	}
	if err := json.Unmarshal(initResp.Result, &initResult); err != nil {
		t.Fatalf("failed to unmarshal initialize result: %v", err)
	}
	if initResult.ServerInfo.Name != "calculator-test" {
		t.Errorf("got server name %q, want %q", initResult.ServerInfo.Name, "calculator-test")
	}

	resp = postSSEMessage(t, testServer, messageURL, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "2",
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"add","arguments":{"a":19,"b":23}}`),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("tools/call: got status %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	callResp := waitResponse(t, events, "2")
	if callResp.Error != nil {
		t.Fatalf("tools/call failed: %v", callResp.Error)
	}
	var callResult mcp.CallToolResult
	if err := json.Unmarshal(callResp.Result, &callResult); err != nil {
		t.Fatalf("failed to unmarshal call result: %v", err)
	}
	if got := callResult.Content[0].Text; got != "42" {
		t.Errorf("got %q, want %q", got, "42")
	}
}

func TestSSEServerBindsAtConnect(t *testing.T) {
	testServer, _ := newSSETestServer(t, mcp.WithToolServerFactory(func() mcp.ToolServer {
		return calculator.NewServer()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messageURL, events := connectSSE(t, testServer, ctx)

	// The connect itself is the handshake here: the session is bound the moment
	// the endpoint event is announced, so regular requests work right away.
	resp := postSSEMessage(t, testServer, messageURL, mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      "1",
		Method:  "tools/list",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("got status %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	listResp := waitResponse(t, events, "1")
	if listResp.Error != nil {
		t.Fatalf("tools/list failed: %v", listResp.Error)
	}
	var listResult mcp.ListToolsResult
	if err := json.Unmarshal(listResp.Result, &listResult); err != nil {
		t.Fatalf("failed to unmarshal list result: %v", err)
	}
	if len(listResult.Tools) == 0 {
		t.Error("bound session returned no tools")
	}
}

func TestSSEServerMessageRouting(t *testing.T) {
	testServer, _ := newSSETestServer(t)

	// Missing sessionID query parameter.
	resp, err := testServer.Client().Post(testServer.URL+"/message", "application/json",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":"1","method":"ping"}`)))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing sessionID: got status %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}

	// Session identifier that was never issued.
	resp, err = testServer.Client().Post(testServer.URL+"/message?sessionID=never-issued", "application/json",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":"1","method":"ping"}`)))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: got status %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if msg.Error == nil || msg.Error.Code != -32001 {
		t.Errorf("unknown session: got %+v, want code -32001", msg.Error)
	}
}

func TestSSEServerDisconnectDestroysSession(t *testing.T) {
	testServer, _ := newSSETestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	messageURL, _ := connectSSE(t, testServer, ctx)

	sessionCount := func() int {
		resp, err := testServer.Client().Get(testServer.URL + "/healthz")
		if err != nil {
			t.Fatalf("health request failed: %v", err)
		}
		defer resp.Body.Close()
		var health mcp.HealthResult
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			t.Fatalf("failed to decode health: %v", err)
		}
		return health.Sessions
	}

	if got := sessionCount(); got != 1 {
		t.Fatalf("got %d sessions, want 1", got)
	}

	// Dropping the stream is how a legacy client leaves; the binding
	// self-reports and the registry forgets the session.
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for sessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session survived its stream")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The announced message endpoint is dead with it.
	resp, err := testServer.Client().Post(messageURL, "application/json",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":"9","method":"ping"}`)))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestSSEServerConcurrentSessions(t *testing.T) {
	testServer, _ := newSSETestServer(t, mcp.WithToolServerFactory(func() mcp.ToolServer {
		return calculator.NewServer()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	firstURL, _ := connectSSE(t, testServer, ctx)
	secondURL, _ := connectSSE(t, testServer, ctx)

	if firstURL == secondURL {
		t.Fatalf("two connections share a session: %q", firstURL)
	}

	resp, err := testServer.Client().Get(testServer.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	var health mcp.HealthResult
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode health: %v", err)
	}
	if health.Sessions != 2 {
		t.Errorf("got %d sessions, want 2", health.Sessions)
	}
}
