package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/freitascorp/browserclaw/pkg/mcp"
	"github.com/freitascorp/browserclaw/pkg/wire"
)

// endpointTool describes one upstream tool backed by an endpoint command.
type endpointTool struct {
	command     string
	description string
	async       bool // returns {operationId} immediately, completes via milestones
	needsTab    bool
}

// endpointTools is the upstream catalog of commands forwarded to the
// endpoint. Long-running page work is async; everything else waits inline.
var endpointTools = []endpointTool{
	{command: "debug_echo", description: "Echo text back through the endpoint, exercising the full relay path."},
	{command: "reload_endpoint", description: "Reload the endpoint's browser attachment."},
	{command: "get_endpoint_logs", description: "Fetch the tail of the endpoint's log file."},
	{command: "set_debug_logging", description: "Toggle the endpoint's debug log level."},
	{command: "debug_snapshot", description: "Report a tab's lock, capture, debugger, and observer state.", needsTab: true},

	{command: "attach_debugger", description: "Attach a debug session to a tab.", needsTab: true},
	{command: "detach_debugger", description: "Detach the tab's debug session.", needsTab: true},
	{command: "execute_script", description: "Run a script in a tab's page context.", needsTab: true},
	{command: "get_dom", description: "Fetch elements matching a selector from a tab.", needsTab: true},
	{command: "start_network_capture", description: "Start buffering a tab's network events.", needsTab: true},
	{command: "stop_network_capture", description: "Stop the tab's network capture.", needsTab: true},
	{command: "get_captured_events", description: "Return a tab's buffered network events, oldest first.", needsTab: true},

	{command: "create_tab", description: "Open a tab, optionally injecting the page observer."},
	{command: "list_tabs", description: "List open tabs."},
	{command: "close_tab", description: "Close a tab. force skips unload prompts.", needsTab: true},
	{command: "send_message", description: "Type a message into a tab's composer and await the page's response.", async: true, needsTab: true},
	{command: "fetch_response", description: "Fetch the most recent response text from a tab.", needsTab: true},
	{command: "get_response_status", description: "Probe whether a tab's response is still streaming.", needsTab: true},
	{command: "forward_response", description: "Send one tab's latest response into another tab.", async: true, needsTab: true},
	{command: "extract_elements", description: "Extract structured conversation elements from a tab.", needsTab: true},
	{command: "export_conversation", description: "Export a tab's conversation as structured text.", async: true, needsTab: true},
	{command: "batch", description: "Run several tab commands sequentially under one operation.", async: true, needsTab: true},

	{command: "list_conversations", description: "List conversations through the target API.", needsTab: true},
	{command: "search_conversations", description: "Search conversations through the target API.", needsTab: true},
	{command: "get_conversation_metadata", description: "Fetch a conversation's metadata by id.", needsTab: true},
	{command: "delete_conversation", description: "Delete a conversation by id.", needsTab: true},
	{command: "get_conversation_url", description: "Resolve a conversation id to its URL.", needsTab: true},
}

// registerTools builds the upstream tool catalog: endpoint passthroughs plus
// the tool-server's own system tools.
func (s *Server) registerTools() {
	for _, spec := range endpointTools {
		spec := spec
		s.mcp.Register(mcp.Tool{
			Name:        spec.command,
			Description: spec.description,
			InputSchema: passthroughSchema(spec),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return s.callEndpoint(ctx, spec, args)
			},
		})
	}

	s.mcp.Register(mcp.Tool{
		Name:        "health_report",
		Description: "Report relay, endpoint, and client connection health.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			report, err := s.HealthReport(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"report": report,
				"self":   s.client.Health(),
			}, nil
		},
	})

	s.mcp.Register(mcp.Tool{
		Name:        "wait_for_operation",
		Description: "Block until an operation reaches a terminal status.",
		InputSchema: objectSchema(map[string]any{
			"operationId": map[string]any{"type": "string"},
			"timeoutMs":   map[string]any{"type": "number"},
		}, "operationId"),
		Handler: s.handleWaitForOperation,
	})

	s.mcp.Register(mcp.Tool{
		Name:        "get_operation",
		Description: "Fetch an operation record with its milestones.",
		InputSchema: objectSchema(map[string]any{
			"operationId": map[string]any{"type": "string"},
		}, "operationId"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id, _ := args["operationId"].(string)
			op, ok := s.manager.Get(id)
			if !ok {
				return nil, &OpError{Code: wire.ErrResourceMissing, Message: fmt.Sprintf("no operation %s", id)}
			}
			return op, nil
		},
	})

	s.mcp.Register(mcp.Tool{
		Name:        "cancel_operation",
		Description: "Request a best-effort cancel of an in-flight operation.",
		InputSchema: objectSchema(map[string]any{
			"operationId": map[string]any{"type": "string"},
		}, "operationId"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id, _ := args["operationId"].(string)
			if _, ok := s.manager.Get(id); !ok {
				return nil, &OpError{Code: wire.ErrResourceMissing, Message: fmt.Sprintf("no operation %s", id)}
			}
			s.Cancel(id)
			return map[string]any{"operationId": id, "cancelRequested": true}, nil
		},
	})

	s.mcp.Register(mcp.Tool{
		Name:        "force_relay_takeover",
		Description: "Drop the relay connection and race to rebind the port.",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			s.client.ForceTakeover()
			return map[string]any{"requested": true}, nil
		},
	})

	s.mcp.Register(mcp.Tool{
		Name:        "set_log_level",
		Description: "Set this tool-server's log level (debug, info, warn, error).",
		InputSchema: objectSchema(map[string]any{
			"level": map[string]any{"type": "string"},
		}, "level"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			name, _ := args["level"].(string)
			level, err := parseLevel(name)
			if err != nil {
				return nil, &OpError{Code: wire.ErrValidation, Message: err.Error()}
			}
			s.log.LevelVar.Set(level)
			return map[string]any{"level": name}, nil
		},
	})
}

// callEndpoint translates tool args into a dispatched command.
func (s *Server) callEndpoint(ctx context.Context, spec endpointTool, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	tabID := 0
	if n, ok := args["tabId"].(float64); ok {
		tabID = int(n)
	}
	if spec.needsTab && tabID == 0 {
		return nil, &OpError{Code: wire.ErrValidation, Message: spec.command + " needs tabId"}
	}

	var timeout *time.Duration
	if n, ok := args["timeoutMs"].(float64); ok {
		d := time.Duration(n) * time.Millisecond
		timeout = &d
	}

	params := make(map[string]any, len(args))
	for k, v := range args {
		if k == "tabId" || k == "timeoutMs" {
			continue
		}
		params[k] = v
	}

	return s.Dispatch(ctx, spec.command, tabID, params, timeout, !spec.async)
}

func (s *Server) handleWaitForOperation(ctx context.Context, args map[string]any) (any, error) {
	id, _ := args["operationId"].(string)
	if id == "" {
		return nil, &OpError{Code: wire.ErrValidation, Message: "wait_for_operation needs operationId"}
	}
	if n, ok := args["timeoutMs"].(float64); ok && n > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(n)*time.Millisecond)
		defer cancel()
	}
	return s.await(ctx, id)
}

// ------------------------------------------------------------------
// Schema helpers
// ------------------------------------------------------------------

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func passthroughSchema(spec endpointTool) map[string]any {
	props := map[string]any{
		"timeoutMs": map[string]any{"type": "number", "description": "Operation deadline override in milliseconds."},
	}
	var required []string
	if spec.needsTab {
		props["tabId"] = map[string]any{"type": "number", "description": "Target tab id."}
		props["maxWaitMs"] = map[string]any{"type": "number", "description": "Max time to queue for the tab lock; 0 never queues."}
		required = append(required, "tabId")
	}
	return objectSchema(props, required...)
}

func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", name)
}
