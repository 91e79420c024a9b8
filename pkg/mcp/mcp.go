// Package mcp implements the stdio tool-protocol surface a tool-server
// exposes to its upstream agent: JSON-RPC 2.0, one message per line, requests
// on stdin and responses plus progress notifications on stdout.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
)

const protocolVersion = "2024-11-05"

// maxLineSize bounds a single inbound JSON-RPC line.
const maxLineSize = 8 << 20

// ------------------------------------------------------------------
// Wire types
// ------------------------------------------------------------------

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// ------------------------------------------------------------------
// Tools
// ------------------------------------------------------------------

// ToolHandler executes one tool call. The returned value is serialized as the
// tool's text content; an error becomes an isError result with the message.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool describes one entry in the tool catalog.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     ToolHandler `json:"-"`
}

// ------------------------------------------------------------------
// Server
// ------------------------------------------------------------------

// Server is the stdio JSON-RPC endpoint. Writes are serialized; tool calls
// run sequentially in stdin order, matching upstream expectations.
type Server struct {
	name    string
	version string
	logger  *slog.Logger

	in  io.Reader
	out io.Writer

	outMu sync.Mutex
	tools map[string]Tool
}

// NewServer creates a tool server speaking on in/out (normally stdin/stdout).
func NewServer(name, version string, in io.Reader, out io.Writer, logger *slog.Logger) *Server {
	return &Server{
		name:    name,
		version: version,
		logger:  logger,
		in:      in,
		out:     out,
		tools:   make(map[string]Tool),
	}
}

// Register adds a tool to the catalog. Must happen before Serve.
func (s *Server) Register(tool Tool) {
	s.tools[tool.Name] = tool
}

// Serve reads requests until EOF or ctx cancellation.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(nil, codeParseError, fmt.Sprintf("parse request: %v", err))
			continue
		}
		s.dispatch(ctx, req)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req request) {
	switch req.Method {
	case "initialize":
		s.writeResult(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		})
	case "notifications/initialized":
		// client-side ack, nothing to answer
	case "ping":
		s.writeResult(req.ID, map[string]any{})
	case "tools/list":
		s.writeResult(req.ID, map[string]any{"tools": s.catalog()})
	case "tools/call":
		s.handleCall(ctx, req)
	default:
		if req.ID != nil {
			s.writeError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
		}
	}
}

func (s *Server) catalog() []map[string]any {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		tool := s.tools[name]
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": schema,
		})
	}
	return out
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Meta      struct {
		ProgressToken any `json:"progressToken"`
	} `json:"_meta"`
}

func (s *Server) handleCall(ctx context.Context, req request) {
	var params callParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.writeError(req.ID, codeInvalidParams, fmt.Sprintf("decode call params: %v", err))
		return
	}
	tool, ok := s.tools[params.Name]
	if !ok {
		s.writeError(req.ID, codeMethodNotFound, fmt.Sprintf("unknown tool %q", params.Name))
		return
	}

	if params.Meta.ProgressToken != nil {
		ctx = withProgressToken(ctx, params.Meta.ProgressToken)
	}

	result, err := tool.Handler(ctx, params.Arguments)
	if err != nil {
		s.writeResult(req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": err.Error()}},
			"isError": true,
		})
		return
	}

	text, merr := json.Marshal(result)
	if merr != nil {
		s.writeError(req.ID, codeInternalError, fmt.Sprintf("encode result: %v", merr))
		return
	}
	s.writeResult(req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
	})
}

// ------------------------------------------------------------------
// Progress notifications
// ------------------------------------------------------------------

type progressTokenKey struct{}

func withProgressToken(ctx context.Context, token any) context.Context {
	return context.WithValue(ctx, progressTokenKey{}, token)
}

// ProgressToken extracts the caller's progress token, if the call carried
// one.
func ProgressToken(ctx context.Context) (any, bool) {
	token := ctx.Value(progressTokenKey{})
	return token, token != nil
}

// Progress emits a notifications/progress message for a token.
func (s *Server) Progress(token any, progress, total float64, message string) {
	params := map[string]any{
		"progressToken": token,
		"progress":      progress,
	}
	if total > 0 {
		params["total"] = total
	}
	if message != "" {
		params["message"] = message
	}
	s.write(notification{JSONRPC: "2.0", Method: "notifications/progress", Params: params})
}

// ------------------------------------------------------------------
// Output
// ------------------------------------------------------------------

func (s *Server) writeResult(id json.RawMessage, result any) {
	s.write(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(id json.RawMessage, code int, message string) {
	s.write(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

// write serializes one message per line. The mutex keeps responses and
// progress notifications from interleaving.
func (s *Server) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal outbound message failed", "error", err)
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("write outbound message failed", "error", err)
	}
}
