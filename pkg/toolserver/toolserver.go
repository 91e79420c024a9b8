// Package toolserver embeds the relay client and the operation manager
// behind the tool surface an upstream agent calls. It mints operation ids,
// dispatches commands to the endpoint, tracks milestones, and surfaces
// progress notifications.
package toolserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freitascorp/browserclaw/pkg/logger"
	"github.com/freitascorp/browserclaw/pkg/mcp"
	"github.com/freitascorp/browserclaw/pkg/ops"
	"github.com/freitascorp/browserclaw/pkg/relay"
	"github.com/freitascorp/browserclaw/pkg/wire"
)

// Config configures one tool-server process.
type Config struct {
	Port    int
	Name    string
	Version string
	PID     int

	// DefaultTimeout bounds operations whose caller names no deadline.
	DefaultTimeout time.Duration
}

// Server is the tool-server client: one relay connection, one operation
// manager, one upstream tool surface.
type Server struct {
	config  Config
	log     *logger.Logger
	client  *relay.Client
	manager *ops.Manager
	mcp     *mcp.Server

	mu     sync.Mutex
	tokens map[string]any // operationID -> upstream progress token
}

// New wires the tool-server. mcpServer may be nil for embedded use (tests,
// the ops CLI).
func New(config Config, manager *ops.Manager, mcpServer *mcp.Server, log *logger.Logger) *Server {
	s := &Server{
		config:  config,
		log:     log,
		manager: manager,
		mcp:     mcpServer,
		tokens:  make(map[string]any),
	}
	s.client = relay.NewClient(relay.ClientConfig{
		Port: config.Port,
		Identity: wire.Identify{
			Type:    wire.ClientToolServer,
			Name:    config.Name,
			Version: config.Version,
			PID:     config.PID,
		},
		Election: true,
	}, s.onFrame, log.Logger.With("component", "relay-client"))

	// Deadline expiry sends a best-effort cancel downstream.
	manager.OnTimeout = func(op ops.Operation) { s.Cancel(op.ID) }

	if mcpServer != nil {
		s.registerTools()
	}
	return s
}

// Run drives the relay connection until ctx is done.
func (s *Server) Run(ctx context.Context) error { return s.client.Run(ctx) }

// Client exposes the relay client (health snapshots, takeover).
func (s *Server) Client() *relay.Client { return s.client }

// Manager exposes the operation manager (ops CLI).
func (s *Server) Manager() *ops.Manager { return s.manager }

// onFrame handles inbound relay traffic: milestones feed the operation
// manager; everything else is informational.
func (s *Server) onFrame(frame wire.Frame) {
	switch frame.Type {
	case wire.FrameMilestone:
		var ms wire.Milestone
		if err := frame.Decode(&ms); err != nil {
			s.log.Warn("malformed milestone dropped", "from", frame.From, "error", err)
			return
		}
		if err := s.manager.ApplyMilestone(ms); err != nil {
			return // unknown operation, already logged by the manager
		}
		s.notifyProgress(ms)
	case wire.FrameRosterUpdate:
		var ru wire.RosterUpdate
		if err := frame.Decode(&ru); err == nil {
			s.log.Debug("roster updated", "clients", len(ru.Clients))
		}
	case wire.FrameRelayReady:
		var rr wire.RelayReady
		if err := frame.Decode(&rr); err == nil {
			s.log.Info("relay ready", "router_id", rr.RouterID)
		}
	}
}

// notifyProgress forwards a milestone upstream as a progress notification
// when the originating tool call carried a progress token.
func (s *Server) notifyProgress(ms wire.Milestone) {
	if s.mcp == nil {
		return
	}
	s.mu.Lock()
	token, ok := s.tokens[ms.OperationID]
	if ok && wire.Terminal(ms.Name) {
		delete(s.tokens, ms.OperationID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	op, found := s.manager.Get(ms.OperationID)
	progress := 1.0
	if found {
		progress = float64(len(op.Milestones))
	}
	s.mcp.Progress(token, progress, 0, ms.Name)
}

// ------------------------------------------------------------------
// Dispatch
// ------------------------------------------------------------------

// OpError is a taxonomy-coded failure surfaced to the upstream caller.
type OpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *OpError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Dispatch creates an operation and sends its command to the endpoint.
// Synchronous dispatch waits for the terminal milestone and returns the
// result; asynchronous dispatch returns {operationId, status} immediately.
func (s *Server) Dispatch(ctx context.Context, command string, tabID int, params map[string]any, timeout *time.Duration, synchronous bool) (map[string]any, error) {
	if timeout == nil && s.config.DefaultTimeout > 0 {
		timeout = &s.config.DefaultTimeout
	}
	op, err := s.manager.Create(ops.CreateRequest{
		Command: command,
		TabID:   tabID,
		Params:  params,
		Timeout: timeout,
	})
	if err != nil {
		return nil, &OpError{Code: wire.ErrValidation, Message: err.Error()}
	}
	if op.Status.Terminal() {
		// Zero deadline: timed out before any dispatch.
		return nil, &OpError{Code: wire.ErrObserverTimeout, Message: "operation deadline was zero"}
	}

	if token, ok := mcp.ProgressToken(ctx); ok {
		s.mu.Lock()
		s.tokens[op.ID] = token
		s.mu.Unlock()
	}

	frame := wire.MustNew(wire.FrameCommand, "", string(wire.ClientEndpoint), uuid.NewString(), wire.Command{
		OperationID: op.ID,
		Command:     command,
		TabID:       tabID,
		Params:      params,
	})
	if _, err := s.client.Request(ctx, frame); err != nil {
		// Request refuses outright when there is no connection; queue the
		// frame so the post-identify flush delivers it. The exact sentinel
		// matters: a wrapped ErrNotConnected means the frame already left
		// and resending would run the command twice.
		if err == relay.ErrNotConnected {
			s.client.Send(frame)
		}
		// Either way the operation rides until its deadline; the endpoint
		// may reappear and the milestones catch up.
		s.log.Warn("command dispatch unconfirmed", "operation_id", op.ID, "error", err)
	}

	if !synchronous {
		return map[string]any{"operationId": op.ID, "status": string(ops.StatusQueued)}, nil
	}
	return s.await(ctx, op.ID)
}

// await blocks until the operation finishes and converts the terminal state
// into a result or an OpError.
func (s *Server) await(ctx context.Context, operationID string) (map[string]any, error) {
	done, ok := s.manager.Done(operationID)
	if !ok {
		return nil, &OpError{Code: wire.ErrInternal, Message: "operation vanished"}
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, &OpError{Code: wire.ErrCancelled, Message: "caller abandoned the operation"}
	}

	op, _ := s.manager.Get(operationID)
	return operationResult(op)
}

// operationResult maps a terminal operation onto the upstream contract.
func operationResult(op ops.Operation) (map[string]any, error) {
	switch op.Status {
	case ops.StatusCompleted:
		result := map[string]any{"operationId": op.ID, "status": string(op.Status)}
		if last := lastMilestone(op); last != nil && last.Data != nil {
			result["result"] = last.Data
		}
		return result, nil
	case ops.StatusTimedOut:
		return nil, &OpError{Code: wire.ErrObserverTimeout, Message: "operation deadline elapsed"}
	case ops.StatusCancelled:
		return nil, &OpError{Code: wire.ErrCancelled, Message: "operation cancelled"}
	default:
		code := op.Error
		if code == "" {
			code = wire.ErrInternal
		}
		message := "operation failed"
		if last := lastMilestone(op); last != nil {
			if m, ok := last.Data["message"].(string); ok {
				message = m
			}
		}
		return nil, &OpError{Code: code, Message: message}
	}
}

func lastMilestone(op ops.Operation) *wire.Milestone {
	if len(op.Milestones) == 0 {
		return nil
	}
	return &op.Milestones[len(op.Milestones)-1]
}

// Cancel sends a best-effort cancel for an in-flight operation.
func (s *Server) Cancel(operationID string) {
	s.client.Send(wire.MustNew(wire.FrameCancel, "", string(wire.ClientEndpoint), "", wire.Cancel{
		OperationID: operationID,
	}))
}

// HealthReport asks the active router for its aggregated health view.
func (s *Server) HealthReport(ctx context.Context) (wire.HealthReport, error) {
	frame := wire.MustNew(wire.FrameHealthReport, "", "relay", uuid.NewString(), nil)
	resp, err := s.client.Request(ctx, frame)
	if err != nil {
		return wire.HealthReport{}, fmt.Errorf("health report: %w", err)
	}
	var report wire.HealthReport
	if err := resp.Decode(&report); err != nil {
		return wire.HealthReport{}, err
	}
	return report, nil
}
