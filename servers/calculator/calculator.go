// Package calculator implements a small arithmetic ToolServer used by the demo
// binaries. It keeps one memory register, so running it shared across sessions
// versus per session makes the two handler lifetime policies observable.
package calculator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qri-io/jsonschema"

	mcp "github.com/yigitkonur/example-mcp-server-sse"
)

var binaryOpSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "a": { "type": "number" },
    "b": { "type": "number" }
  },
  "required": ["a", "b"]
}`)

var memoryStoreSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "value": { "type": "number" }
  },
  "required": ["value"]
}`)

var countdownSchema = jsonschema.Must(`{
  "type": "object",
  "properties": {
    "duration": { "type": "number", "default": 1 },
    "steps": { "type": "number", "default": 5 }
  }
}`)

var toolList = []mcp.Tool{
	{
		Name:        "add",
		Description: "Adds two numbers",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
	},
	{
		Name:        "subtract",
		Description: "Subtracts b from a",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
	},
	{
		Name:        "multiply",
		Description: "Multiplies two numbers",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
	},
	{
		Name:        "divide",
		Description: "Divides a by b",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
	},
	{
		Name:        "memory_store",
		Description: "Stores a value in the calculator memory",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"value":{"type":"number"}},"required":["value"]}`),
	},
	{
		Name:        "memory_recall",
		Description: "Recalls the value stored in the calculator memory",
	},
	{
		Name:        "countdown",
		Description: "Counts down over the given duration, reporting progress at each step",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"duration":{"type":"number"},"steps":{"type":"number"}}}`),
	},
}

// Server implements mcp.ToolServer with basic arithmetic, a memory register, and
// a progress-reporting countdown. A Server is safe for concurrent use; the
// transport releases per-session instances through Close.
type Server struct {
	mu     sync.Mutex
	memory float64
	closed bool

	logLevel mcp.LogLevel
}

// NewServer creates a calculator with an empty memory register.
func NewServer() *Server {
	return &Server{
		logLevel: mcp.LogLevelInfo,
	}
}

// ListTools implements mcp.ToolServer interface.
func (s *Server) ListTools(context.Context, mcp.ListToolsParams, mcp.ProgressReporter) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{
		Tools: toolList,
	}, nil
}

// CallTool implements mcp.ToolServer interface.
func (s *Server) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return mcp.CallToolResult{}, fmt.Errorf("calculator is closed")
	}

	switch params.Name {
	case "add":
		return s.callBinaryOp(ctx, params, func(a, b float64) float64 { return a + b })
	case "subtract":
		return s.callBinaryOp(ctx, params, func(a, b float64) float64 { return a - b })
	case "multiply":
		return s.callBinaryOp(ctx, params, func(a, b float64) float64 { return a * b })
	case "divide":
		return s.callDivide(ctx, params)
	case "memory_store":
		return s.callMemoryStore(ctx, params)
	case "memory_recall":
		return s.callMemoryRecall(ctx)
	case "countdown":
		return s.callCountdown(ctx, params, progress)
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

// SetLogLevel implements mcp.LogLevelSetter interface.
func (s *Server) SetLogLevel(level mcp.LogLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logLevel = level
}

// Close releases the calculator. Further calls fail.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func (s *Server) callBinaryOp(
	ctx context.Context,
	params mcp.CallToolParams,
	op func(a, b float64) float64,
) (mcp.CallToolResult, error) {
	a, b, err := binaryArgs(ctx, params.Arguments)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	return textResult(fmt.Sprintf("%g", op(a, b))), nil
}

func (s *Server) callDivide(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	a, b, err := binaryArgs(ctx, params.Arguments)
	if err != nil {
		return mcp.CallToolResult{}, err
	}

	if b == 0 {
		// In-band failure: the call is answered, the session is untouched.
		return mcp.CallToolResult{
			Content: []mcp.Content{
				{
					Type: mcp.ContentTypeText,
					Text: "division by zero",
				},
			},
			IsError: true,
		}, nil
	}

	return textResult(fmt.Sprintf("%g", a/b)), nil
}

func (s *Server) callMemoryStore(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if err := validate(ctx, memoryStoreSchema, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}

	var args struct {
		Value float64 `json:"value"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	s.mu.Lock()
	s.memory = args.Value
	s.mu.Unlock()

	return textResult(fmt.Sprintf("stored %g", args.Value)), nil
}

func (s *Server) callMemoryRecall(context.Context) (mcp.CallToolResult, error) {
	s.mu.Lock()
	value := s.memory
	s.mu.Unlock()

	return textResult(fmt.Sprintf("%g", value)), nil
}

func (s *Server) callCountdown(
	ctx context.Context,
	params mcp.CallToolParams,
	progress mcp.ProgressReporter,
) (mcp.CallToolResult, error) {
	if err := validate(ctx, countdownSchema, params.Arguments); err != nil {
		return mcp.CallToolResult{}, err
	}

	args := struct {
		Duration float64 `json:"duration"`
		Steps    float64 `json:"steps"`
	}{Duration: 1, Steps: 5}
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
	}
	if args.Steps < 1 {
		args.Steps = 1
	}

	stepDuration := time.Duration(args.Duration / args.Steps * float64(time.Second))

	for i := 0; i < int(args.Steps); i++ {
		select {
		case <-ctx.Done():
			return mcp.CallToolResult{}, ctx.Err()
		case <-time.After(stepDuration):
		}

		progress(mcp.ProgressParams{
			Progress: float64(i + 1),
			Total:    args.Steps,
		})
	}

	return textResult(fmt.Sprintf("countdown finished after %g seconds", args.Duration)), nil
}

func binaryArgs(ctx context.Context, arguments json.RawMessage) (float64, float64, error) {
	if err := validate(ctx, binaryOpSchema, arguments); err != nil {
		return 0, 0, err
	}

	var args struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return 0, 0, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	return args.A, args.B, nil
}

func validate(ctx context.Context, schema *jsonschema.Schema, arguments json.RawMessage) error {
	if len(arguments) == 0 {
		arguments = json.RawMessage(`{}`)
	}

	keyErrs, err := schema.ValidateBytes(ctx, arguments)
	if err != nil {
		return fmt.Errorf("params validation failed: %w", err)
	}
	if len(keyErrs) > 0 {
		var errStr []string
		for _, keyErr := range keyErrs {
			errStr = append(errStr, keyErr.Message)
		}
		return fmt.Errorf("params validation failed: %s", strings.Join(errStr, ", "))
	}
	return nil
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{
			{
				Type: mcp.ContentTypeText,
				Text: text,
			},
		},
		IsError: false,
	}
}
