package mcp

import (
	"context"
	"errors"
)

// ToolServer is the domain handler contract consumed by the transport layer. The
// transport never inspects tool semantics: it routes each call to the ToolServer
// bound to the originating session and propagates the result or failure verbatim.
type ToolServer interface {
	// ListTools returns a paginated list of available tools. The ProgressReporter
	// can be used to push progress notifications onto the session's stream.
	// Returns error if the operation fails or the context is cancelled.
	ListTools(context.Context, ListToolsParams, ProgressReporter) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. The ProgressReporter
	// can be used to push progress notifications onto the session's stream.
	// Returns error if the tool is not found, arguments are invalid, execution fails,
	// or the context is cancelled.
	CallTool(context.Context, CallToolParams, ProgressReporter) (CallToolResult, error)
}

// LogLevelSetter is an optional interface a ToolServer may implement to honor
// logging/setLevel requests. Servers that don't implement it accept the request
// as a no-op.
type LogLevelSetter interface {
	SetLogLevel(level LogLevel)
}

// ProgressReporter is a function type used to report progress updates for long-running
// operations. Tool implementations use this callback to push progress notifications to
// the client that issued the call. When Total is non-zero in the params, progress
// percentage can be calculated as (Progress/Total)*100.
//
// Reporting progress on a session that has since closed is a no-op, never an error:
// the transport drops the notification rather than surfacing a failure into the tool.
type ProgressReporter func(progress ProgressParams)

// ErrSessionNotFound reports that a request referenced a session identifier that was
// never issued, has expired, or has been terminated. It is the signal routers use to
// produce a client-visible "session not found" response, distinguishable from any
// internal failure.
var ErrSessionNotFound = errors.New("session not found")

// ErrStreamAlreadyAttached reports that a session already has a live notification
// stream. All traffic for one session is serialized through exactly one stream at a
// time; a second concurrent attach is a protocol error on the client's side.
var ErrStreamAlreadyAttached = errors.New("notification stream already attached")
