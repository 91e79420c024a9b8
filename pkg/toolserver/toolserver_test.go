package toolserver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/freitascorp/browserclaw/pkg/logger"
	"github.com/freitascorp/browserclaw/pkg/ops"
	"github.com/freitascorp/browserclaw/pkg/relay"
	"github.com/freitascorp/browserclaw/pkg/wire"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func startRouter(t *testing.T, port int) {
	t.Helper()
	log := logger.New(logger.Options{Role: "relay", Dir: t.TempDir()})
	r := relay.NewRouter(relay.RouterConfig{Port: port}, log.Logger)
	if err := r.Bind(); err != nil {
		t.Fatalf("bind: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Serve(ctx)
}

// fakeEndpoint identifies as the endpoint and serves a scripted reaction to
// each command frame.
type fakeEndpoint struct {
	conn    *websocket.Conn
	id      string
	cancels chan string
	// react, when set, decides the milestones for each received command.
	react func(cmd wire.Command, from string) []wire.Milestone
}

func startFakeEndpoint(t *testing.T, port int) *fakeEndpoint {
	t.Helper()
	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/relay", port), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	identify := wire.MustNew(wire.FrameIdentify, "", "", "req-ep", wire.Identify{
		Type: wire.ClientEndpoint, Name: "fake-browser", Version: "test",
	})
	if err := wsjson.Write(ctx, conn, identify); err != nil {
		t.Fatalf("identify: %v", err)
	}
	var ackFrame wire.Frame
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Read(readCtx, conn, &ackFrame); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack wire.IdentifyAck
	if err := ackFrame.Decode(&ack); err != nil || !ack.Accepted {
		t.Fatalf("endpoint rejected: %+v %v", ack, err)
	}

	ep := &fakeEndpoint{conn: conn, id: ack.ID, cancels: make(chan string, 4)}
	go ep.serve(t)
	return ep
}

func (ep *fakeEndpoint) serve(t *testing.T) {
	ctx := context.Background()
	for {
		var frame wire.Frame
		if err := wsjson.Read(ctx, ep.conn, &frame); err != nil {
			return
		}
		if frame.Type == wire.FrameCancel {
			var c wire.Cancel
			if frame.Decode(&c) == nil {
				ep.cancels <- c.OperationID
			}
			continue
		}
		if frame.Type != wire.FrameCommand {
			continue
		}
		var cmd wire.Command
		if err := frame.Decode(&cmd); err != nil {
			continue
		}

		ack := wire.MustNew(wire.FrameCommandAck, "", frame.From, frame.RequestID, wire.CommandAck{
			OperationID: cmd.OperationID,
		})
		wsjson.Write(ctx, ep.conn, ack)

		milestones := []wire.Milestone{
			{OperationID: cmd.OperationID, Name: wire.MilestoneStarted, Timestamp: time.Now()},
			{OperationID: cmd.OperationID, Name: wire.MilestoneResponseCompleted,
				Data: cmd.Params, Timestamp: time.Now()},
		}
		if ep.react != nil {
			milestones = ep.react(cmd, frame.From)
		}
		for _, ms := range milestones {
			frame := wire.MustNew(wire.FrameMilestone, "", frame.From, "", ms)
			wsjson.Write(ctx, ep.conn, frame)
		}
	}
}

func newTestServer(t *testing.T, port int) *Server {
	t.Helper()
	log := logger.New(logger.Options{Role: "tool-server", Dir: t.TempDir()})
	manager := ops.NewManager(ops.ManagerConfig{Dir: t.TempDir()}, nil, log.Logger)
	s := New(Config{
		Port:           port,
		Name:           "test-tools",
		Version:        "test",
		DefaultTimeout: 10 * time.Second,
	}, manager, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for !s.client.Connected() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !s.client.Connected() {
		t.Fatal("tool-server never connected to relay")
	}
	return s
}

func TestDispatchSynchronousCompletes(t *testing.T) {
	port := freePort(t)
	startRouter(t, port)
	startFakeEndpoint(t, port)
	s := newTestServer(t, port)

	result, err := s.Dispatch(context.Background(), "debug_echo", 0,
		map[string]any{"text": "x"}, nil, true)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result["status"] != string(ops.StatusCompleted) {
		t.Fatalf("status = %v, want completed", result["status"])
	}
	inner, ok := result["result"].(map[string]any)
	if !ok || inner["text"] != "x" {
		t.Fatalf("result = %v, want echoed text", result["result"])
	}

	id, _ := result["operationId"].(string)
	if !strings.HasPrefix(id, "op_debug_echo_") {
		t.Fatalf("operation id = %q, want op_debug_echo_ prefix", id)
	}
}

func TestDispatchAsynchronousReturnsQueued(t *testing.T) {
	port := freePort(t)
	startRouter(t, port)
	startFakeEndpoint(t, port)
	s := newTestServer(t, port)

	result, err := s.Dispatch(context.Background(), "send_message", 42,
		map[string]any{"text": "hello"}, nil, false)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result["status"] != string(ops.StatusQueued) {
		t.Fatalf("status = %v, want queued", result["status"])
	}

	// The operation still completes in the background.
	id := result["operationId"].(string)
	op, err := s.Manager().Wait(make(chan struct{}), id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if op.Status != ops.StatusCompleted {
		t.Fatalf("final status = %v, want completed", op.Status)
	}
}

func TestDispatchFailureSurfacesTaxonomyCode(t *testing.T) {
	port := freePort(t)
	startRouter(t, port)
	ep := startFakeEndpoint(t, port)
	ep.react = func(cmd wire.Command, from string) []wire.Milestone {
		return []wire.Milestone{
			{OperationID: cmd.OperationID, Name: wire.MilestoneStarted, Timestamp: time.Now()},
			{OperationID: cmd.OperationID, Name: wire.MilestoneFailed,
				Data: wire.FailureData(wire.ErrResourceMissing, "tab 9 not found"), Timestamp: time.Now()},
		}
	}
	s := newTestServer(t, port)

	_, err := s.Dispatch(context.Background(), "close_tab", 9, nil, nil, true)
	if err == nil {
		t.Fatal("expected failure")
	}
	opErr, ok := err.(*OpError)
	if !ok {
		t.Fatalf("error type = %T, want *OpError", err)
	}
	if opErr.Code != wire.ErrResourceMissing {
		t.Fatalf("code = %q, want resource_missing", opErr.Code)
	}
	if opErr.Message != "tab 9 not found" {
		t.Fatalf("message = %q", opErr.Message)
	}
}

func TestDeadlineSendsBestEffortCancel(t *testing.T) {
	port := freePort(t)
	startRouter(t, port)
	ep := startFakeEndpoint(t, port)

	// Never finish the operation; the deadline must fire and the cancel
	// frame must reach the endpoint.
	ep.react = func(cmd wire.Command, from string) []wire.Milestone {
		return []wire.Milestone{
			{OperationID: cmd.OperationID, Name: wire.MilestoneStarted, Timestamp: time.Now()},
		}
	}

	s := newTestServer(t, port)
	timeout := 100 * time.Millisecond
	_, err := s.Dispatch(context.Background(), "send_message", 42,
		map[string]any{"text": "slow"}, &timeout, true)
	if err == nil {
		t.Fatal("expected timeout")
	}
	opErr, ok := err.(*OpError)
	if !ok || opErr.Code != wire.ErrObserverTimeout {
		t.Fatalf("error = %v, want observer_timeout", err)
	}

	select {
	case <-ep.cancels:
	case <-time.After(5 * time.Second):
		t.Fatal("no cancel frame reached the endpoint after deadline")
	}
}

func TestZeroTimeoutNeverDispatches(t *testing.T) {
	port := freePort(t)
	startRouter(t, port)
	ep := startFakeEndpoint(t, port)

	received := make(chan string, 1)
	ep.react = func(cmd wire.Command, from string) []wire.Milestone {
		received <- cmd.OperationID
		return nil
	}

	s := newTestServer(t, port)
	zero := time.Duration(0)
	_, err := s.Dispatch(context.Background(), "debug_echo", 0,
		map[string]any{"text": "x"}, &zero, true)
	if err == nil {
		t.Fatal("expected immediate timeout")
	}

	select {
	case id := <-received:
		t.Fatalf("command %s dispatched despite zero deadline", id)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDispatchDuringOutageQueuesAndFlushes(t *testing.T) {
	port := freePort(t)

	log := logger.New(logger.Options{Role: "tool-server", Dir: t.TempDir()})
	manager := ops.NewManager(ops.ManagerConfig{Dir: t.TempDir()}, nil, log.Logger)
	s := New(Config{
		Port:           port,
		Name:           "test-tools",
		Version:        "test",
		DefaultTimeout: 30 * time.Second,
	}, manager, nil, log)

	// Nothing is listening yet: the command must wait in the outbound queue
	// rather than vanish.
	result, err := s.Dispatch(context.Background(), "debug_echo", 0,
		map[string]any{"text": "queued"}, nil, false)
	if err != nil {
		t.Fatalf("dispatch during outage: %v", err)
	}
	id := result["operationId"].(string)

	startRouter(t, port)
	startFakeEndpoint(t, port)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	// The queued frame flushes after identify and the operation completes
	// well inside its deadline.
	op, err := s.Manager().Wait(make(chan struct{}), id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if op.Status != ops.StatusCompleted {
		t.Fatalf("final status = %v, want completed", op.Status)
	}
}

func TestHealthReportRoundTrip(t *testing.T) {
	port := freePort(t)
	startRouter(t, port)
	startFakeEndpoint(t, port)
	s := newTestServer(t, port)

	report, err := s.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("health report: %v", err)
	}
	if report.RouterID == "" {
		t.Fatal("report missing router id")
	}
	// The endpoint and this tool-server are both on the roster.
	if len(report.Clients) < 2 {
		t.Fatalf("clients = %d, want at least 2", len(report.Clients))
	}
}
