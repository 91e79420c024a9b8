package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/freitascorp/browserclaw/pkg/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

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

func startRouter(t *testing.T) (*Router, int) {
	t.Helper()
	port := freePort(t)
	r := NewRouter(RouterConfig{Port: port}, testLogger())
	if err := r.Bind(); err != nil {
		t.Fatalf("bind: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Serve(ctx)
	return r, port
}

// dialIdentify opens a raw socket, identifies as the given type, and consumes
// the identify.ack. It returns the connection and the assigned id.
func dialIdentify(t *testing.T, port int, ct wire.ClientType, name string) (*websocket.Conn, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/relay", port), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	conn.SetReadLimit(wire.MaxFrameSize)

	identify := wire.MustNew(wire.FrameIdentify, "", "", "req-identify", wire.Identify{
		Type: ct, Name: name, Version: "test",
	})
	if err := wsjson.Write(ctx, conn, identify); err != nil {
		t.Fatalf("send identify: %v", err)
	}

	ackFrame := readFrame(t, conn)
	if ackFrame.Type != wire.FrameIdentifyAck {
		t.Fatalf("expected identify.ack, got %s", ackFrame.Type)
	}
	var ack wire.IdentifyAck
	if err := ackFrame.Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Accepted {
		t.Fatalf("identify rejected: %s", ack.Reason)
	}
	return conn, ack.ID
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f wire.Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

// readFrameOfType skips roster and relay.ready noise until the wanted type
// arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, want wire.FrameType) wire.Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if f.Type == want {
			return f
		}
	}
	t.Fatalf("never received %s", want)
	return wire.Frame{}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ------------------------------------------------------------------
// Handshake and roster
// ------------------------------------------------------------------

func TestIdentifyHandshake(t *testing.T) {
	r, port := startRouter(t)

	conn, id := dialIdentify(t, port, wire.ClientToolServer, "mcp-test")
	if id == "" {
		t.Fatal("no assigned id")
	}

	ready := readFrameOfType(t, conn, wire.FrameRelayReady)
	var rr wire.RelayReady
	if err := ready.Decode(&rr); err != nil {
		t.Fatalf("decode relay.ready: %v", err)
	}
	if rr.RouterID != r.ID() {
		t.Fatalf("relay.ready router id = %q, want %q", rr.RouterID, r.ID())
	}

	roster := readFrameOfType(t, conn, wire.FrameRosterUpdate)
	var ru wire.RosterUpdate
	if err := roster.Decode(&ru); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(ru.Clients) != 1 || ru.Clients[0].ID != id {
		t.Fatalf("roster = %+v, want just %s", ru.Clients, id)
	}
}

func TestIdentifyDeadline(t *testing.T) {
	port := freePort(t)
	r := NewRouter(RouterConfig{Port: port, IDTimeout: 100 * time.Millisecond}, testLogger())
	if err := r.Bind(); err != nil {
		t.Fatalf("bind: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Serve(ctx)

	dialCtx, dcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dcancel()
	conn, _, err := websocket.Dial(dialCtx, fmt.Sprintf("ws://127.0.0.1:%d/relay", port), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	// Say nothing; the router must close us.
	readCtx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	var f wire.Frame
	if err := wsjson.Read(readCtx, conn, &f); err == nil {
		t.Fatalf("expected close for silent connection, got frame %s", f.Type)
	}
}

func TestSecondEndpointRejected(t *testing.T) {
	_, port := startRouter(t)

	dialIdentify(t, port, wire.ClientEndpoint, "browser-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/relay", port), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	identify := wire.MustNew(wire.FrameIdentify, "", "", "", wire.Identify{
		Type: wire.ClientEndpoint, Name: "browser-2", Version: "test",
	})
	if err := wsjson.Write(ctx, conn, identify); err != nil {
		t.Fatalf("send identify: %v", err)
	}

	ackFrame := readFrame(t, conn)
	var ack wire.IdentifyAck
	if err := ackFrame.Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Accepted {
		t.Fatal("second endpoint was accepted")
	}
	if ack.Reason == "" {
		t.Fatal("rejection carries no reason")
	}
}

func TestRosterOnDisconnect(t *testing.T) {
	_, port := startRouter(t)

	connA, idA := dialIdentify(t, port, wire.ClientToolServer, "a")
	connB, _ := dialIdentify(t, port, wire.ClientToolServer, "b")

	connB.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrameOfType(t, connA, wire.FrameRosterUpdate)
		var ru wire.RosterUpdate
		if err := f.Decode(&ru); err != nil {
			t.Fatalf("decode roster: %v", err)
		}
		if len(ru.Clients) == 1 && ru.Clients[0].ID == idA {
			return
		}
	}
	t.Fatal("roster never shrank after disconnect")
}

// ------------------------------------------------------------------
// Routing
// ------------------------------------------------------------------

func TestRouteByTypeSymbol(t *testing.T) {
	_, port := startRouter(t)

	epConn, epID := dialIdentify(t, port, wire.ClientEndpoint, "browser")
	tsConn, tsID := dialIdentify(t, port, wire.ClientToolServer, "mcp")

	cmd := wire.MustNew(wire.FrameCommand, "", "endpoint", "req-1", wire.Command{
		OperationID: "op_navigate_1_aa", Command: "navigate",
	})
	ctx := context.Background()
	if err := wsjson.Write(ctx, tsConn, cmd); err != nil {
		t.Fatalf("send command: %v", err)
	}

	got := readFrameOfType(t, epConn, wire.FrameCommand)
	if got.From != tsID {
		t.Fatalf("command.from = %q, want %q", got.From, tsID)
	}
	if got.RequestID != "req-1" {
		t.Fatalf("requestId = %q, want req-1", got.RequestID)
	}

	// Reply to the concrete sender id.
	ack := wire.MustNew(wire.FrameCommandAck, "", got.From, got.RequestID, wire.CommandAck{
		OperationID: "op_navigate_1_aa",
	})
	if err := wsjson.Write(ctx, epConn, ack); err != nil {
		t.Fatalf("send ack: %v", err)
	}

	resp := readFrameOfType(t, tsConn, wire.FrameCommandAck)
	if resp.RequestID != "req-1" {
		t.Fatalf("ack requestId = %q, want req-1", resp.RequestID)
	}
	if resp.From != epID {
		t.Fatalf("ack.from = %q, want %q", resp.From, epID)
	}
}

func TestUnknownDestination(t *testing.T) {
	_, port := startRouter(t)
	conn, _ := dialIdentify(t, port, wire.ClientToolServer, "mcp")

	frame := wire.MustNew(wire.FrameCommand, "", "nobody-here", "req-x", wire.Command{Command: "noop"})
	if err := wsjson.Write(context.Background(), conn, frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	errFrame := readFrameOfType(t, conn, wire.FrameRouteError)
	if errFrame.RequestID != "req-x" {
		t.Fatalf("route.error requestId = %q, want req-x", errFrame.RequestID)
	}
	var re wire.RouteError
	if err := errFrame.Decode(&re); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if re.Code != "unknown_destination" {
		t.Fatalf("code = %q, want unknown_destination", re.Code)
	}
}

func TestNoEndpointMember(t *testing.T) {
	_, port := startRouter(t)
	conn, _ := dialIdentify(t, port, wire.ClientToolServer, "mcp")

	frame := wire.MustNew(wire.FrameCommand, "", "endpoint", "req-y", wire.Command{Command: "noop"})
	if err := wsjson.Write(context.Background(), conn, frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	errFrame := readFrameOfType(t, conn, wire.FrameRouteError)
	var re wire.RouteError
	if err := errFrame.Decode(&re); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if re.Code != "no_members" {
		t.Fatalf("code = %q, want no_members", re.Code)
	}
}

func TestSelfRouteRejected(t *testing.T) {
	_, port := startRouter(t)
	conn, id := dialIdentify(t, port, wire.ClientToolServer, "mcp")

	frame := wire.MustNew(wire.FrameCommand, "", id, "req-self", wire.Command{Command: "noop"})
	if err := wsjson.Write(context.Background(), conn, frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	errFrame := readFrameOfType(t, conn, wire.FrameRouteError)
	var re wire.RouteError
	if err := errFrame.Decode(&re); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if re.Code != "self_route" {
		t.Fatalf("code = %q, want self_route", re.Code)
	}
}

func TestAmbiguousTypeSymbol(t *testing.T) {
	_, port := startRouter(t)

	epConn, _ := dialIdentify(t, port, wire.ClientEndpoint, "browser")
	dialIdentify(t, port, wire.ClientToolServer, "mcp-1")
	dialIdentify(t, port, wire.ClientToolServer, "mcp-2")

	frame := wire.MustNew(wire.FrameMilestone, "", "tool-server", "req-amb", wire.Milestone{
		OperationID: "op_x", Name: wire.MilestoneStarted,
	})
	if err := wsjson.Write(context.Background(), epConn, frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	errFrame := readFrameOfType(t, epConn, wire.FrameRouteError)
	var re wire.RouteError
	if err := errFrame.Decode(&re); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if re.Code != "ambiguous_destination" {
		t.Fatalf("code = %q, want ambiguous_destination", re.Code)
	}
}

func TestHealthReportAnswered(t *testing.T) {
	r, port := startRouter(t)
	conn, _ := dialIdentify(t, port, wire.ClientAdmin, "healthcheck")

	req := wire.MustNew(wire.FrameHealthReport, "", "relay", "req-health", nil)
	if err := wsjson.Write(context.Background(), conn, req); err != nil {
		t.Fatalf("send: %v", err)
	}

	resp := readFrameOfType(t, conn, wire.FrameHealthReport)
	if resp.RequestID != "req-health" {
		t.Fatalf("requestId = %q, want req-health", resp.RequestID)
	}
	var report wire.HealthReport
	if err := resp.Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.RouterID != r.ID() {
		t.Fatalf("routerId = %q, want %q", report.RouterID, r.ID())
	}
	if len(report.Clients) != 1 {
		t.Fatalf("clients = %d, want 1", len(report.Clients))
	}
}

// ------------------------------------------------------------------
// Backpressure queue
// ------------------------------------------------------------------

func TestFrameQueueDropsOldestNonResponse(t *testing.T) {
	q := newFrameQueue(3)

	ack := wire.MustNew(wire.FrameCommandAck, "a", "b", "req-1", wire.CommandAck{OperationID: "op_1"})
	cmd1 := wire.MustNew(wire.FrameCommand, "a", "b", "", wire.Command{Command: "one"})
	cmd2 := wire.MustNew(wire.FrameCommand, "a", "b", "", wire.Command{Command: "two"})

	q.Push(ack)
	q.Push(cmd1)
	q.Push(cmd2)

	cmd3 := wire.MustNew(wire.FrameCommand, "a", "b", "", wire.Command{Command: "three"})
	dropped, overflowed := q.Push(cmd3)
	if !overflowed {
		t.Fatal("expected overflow")
	}
	if dropped == nil || dropped.Type != wire.FrameCommand {
		t.Fatalf("dropped = %+v, want oldest command", dropped)
	}
	var dc wire.Command
	if err := dropped.Decode(&dc); err != nil || dc.Command != "one" {
		t.Fatalf("dropped command = %+v, want one", dc)
	}

	// The response survived at the head.
	ctx := context.Background()
	head, ok := q.Pop(ctx, make(chan struct{}))
	if !ok || head.Type != wire.FrameCommandAck {
		t.Fatalf("head = %s, want command.ack", head.Type)
	}
}

func TestFrameQueueOrder(t *testing.T) {
	q := newFrameQueue(16)
	for i := 0; i < 5; i++ {
		q.Push(wire.MustNew(wire.FrameCommand, "a", "b", "", wire.Command{Command: fmt.Sprintf("c%d", i)}))
	}
	drained := q.DrainAll()
	if len(drained) != 5 {
		t.Fatalf("drained %d, want 5", len(drained))
	}
	for i, f := range drained {
		var c wire.Command
		if err := f.Decode(&c); err != nil || c.Command != fmt.Sprintf("c%d", i) {
			t.Fatalf("frame %d = %+v, want c%d", i, c, i)
		}
	}
}

func TestFrameQueuePushFrontPreservesOrder(t *testing.T) {
	q := newFrameQueue(16)
	first := wire.MustNew(wire.FrameMilestone, "a", "b", "", wire.Milestone{OperationID: "op_1", Name: "started"})
	second := wire.MustNew(wire.FrameMilestone, "a", "b", "", wire.Milestone{OperationID: "op_1", Name: "response_completed"})
	q.Push(first)
	q.Push(second)

	// A failed write pops the head, then returns it; anything queued behind
	// it must still replay after it.
	ctx := context.Background()
	popped, _ := q.Pop(ctx, make(chan struct{}))
	q.PushFront(popped)

	var names []string
	for _, f := range q.DrainAll() {
		var ms wire.Milestone
		if err := f.Decode(&ms); err != nil {
			t.Fatalf("decode: %v", err)
		}
		names = append(names, ms.Name)
	}
	if len(names) != 2 || names[0] != "started" || names[1] != "response_completed" {
		t.Fatalf("replay order = %v, want [started response_completed]", names)
	}
}

func TestFrameQueueFullOfResponsesRejectsNewcomer(t *testing.T) {
	q := newFrameQueue(2)
	q.Push(wire.MustNew(wire.FrameMilestone, "a", "b", "", wire.Milestone{OperationID: "op_1", Name: "started"}))
	q.Push(wire.MustNew(wire.FrameMilestone, "a", "b", "", wire.Milestone{OperationID: "op_1", Name: "failed"}))

	// A non-response never displaces a queued response.
	cmd := wire.MustNew(wire.FrameCommand, "a", "b", "", wire.Command{Command: "late"})
	dropped, overflowed := q.Push(cmd)
	if !overflowed || dropped == nil || dropped.Type != wire.FrameCommand {
		t.Fatalf("dropped = %+v (overflowed %v), want the incoming command", dropped, overflowed)
	}
	if q.Len() != 2 {
		t.Fatalf("queue len = %d, want 2", q.Len())
	}

	// Another response still displaces the oldest response.
	dropped, overflowed = q.Push(wire.MustNew(wire.FrameMilestone, "a", "b", "", wire.Milestone{OperationID: "op_2", Name: "started"}))
	if !overflowed || dropped == nil || dropped.Type != wire.FrameMilestone {
		t.Fatalf("dropped = %+v, want oldest milestone", dropped)
	}
	var ms wire.Milestone
	if err := dropped.Decode(&ms); err != nil || ms.OperationID != "op_1" || ms.Name != "started" {
		t.Fatalf("dropped milestone = %+v, want op_1 started", ms)
	}
}

// ------------------------------------------------------------------
// Client
// ------------------------------------------------------------------

func TestClientRequestResponse(t *testing.T) {
	_, port := startRouter(t)
	epConn, _ := dialIdentify(t, port, wire.ClientEndpoint, "browser")

	client := NewClient(ClientConfig{
		Port:     port,
		Identity: wire.Identify{Type: wire.ClientToolServer, Name: "mcp", Version: "test"},
	}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	eventually(t, client.Connected, "client never connected")

	// Fake endpoint: ack the first command that arrives.
	go func() {
		for {
			var f wire.Frame
			if err := wsjson.Read(ctx, epConn, &f); err != nil {
				return
			}
			if f.Type != wire.FrameCommand {
				continue
			}
			ack := wire.MustNew(wire.FrameCommandAck, "", f.From, f.RequestID, wire.CommandAck{
				OperationID: "op_nav_1_bb",
			})
			wsjson.Write(ctx, epConn, ack)
			return
		}
	}()

	cmd := wire.MustNew(wire.FrameCommand, "", "endpoint", "", wire.Command{
		OperationID: "op_nav_1_bb", Command: "navigate",
	})
	resp, err := client.Request(ctx, cmd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.Type != wire.FrameCommandAck {
		t.Fatalf("response type = %s, want command.ack", resp.Type)
	}
}

func TestClientRouteErrorSurfacesAsError(t *testing.T) {
	_, port := startRouter(t)

	client := NewClient(ClientConfig{
		Port:     port,
		Identity: wire.Identify{Type: wire.ClientToolServer, Name: "mcp", Version: "test"},
	}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)
	eventually(t, client.Connected, "client never connected")

	cmd := wire.MustNew(wire.FrameCommand, "", "endpoint", "", wire.Command{Command: "navigate"})
	if _, err := client.Request(ctx, cmd); err == nil {
		t.Fatal("expected route error with no endpoint connected")
	}
}

func TestClientQueuesDuringOutageAndFlushes(t *testing.T) {
	port := freePort(t)

	client := NewClient(ClientConfig{
		Port:     port,
		Identity: wire.Identify{Type: wire.ClientEndpoint, Name: "browser", Version: "test"},
	}, nil, testLogger())

	// Nothing is listening yet; these wait in the outbound queue.
	for i := 0; i < 3; i++ {
		client.Send(wire.MustNew(wire.FrameMilestone, "", "tool-server", "", wire.Milestone{
			OperationID: "op_x", Name: wire.MilestoneStarted,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	// Bring the router up; the client reconnects and flushes in order.
	r := NewRouter(RouterConfig{Port: port}, testLogger())
	eventually(t, func() bool { return r.Bind() == nil }, "router never bound")
	go r.Serve(ctx)

	tsConn, _ := dialIdentify(t, port, wire.ClientToolServer, "mcp")

	for i := 0; i < 3; i++ {
		f := readFrameOfType(t, tsConn, wire.FrameMilestone)
		var m wire.Milestone
		if err := f.Decode(&m); err != nil || m.OperationID != "op_x" {
			t.Fatalf("flushed milestone %d = %+v", i, m)
		}
	}
}

func TestClientDropsStaleQueuedFrames(t *testing.T) {
	port := freePort(t)

	client := NewClient(ClientConfig{
		Port:       port,
		Identity:   wire.Identify{Type: wire.ClientEndpoint, Name: "browser", Version: "test"},
		StaleAfter: 50 * time.Millisecond,
	}, nil, testLogger())

	stale := wire.MustNew(wire.FrameMilestone, "", "tool-server", "", wire.Milestone{
		OperationID: "op_stale", Name: wire.MilestoneStarted,
	})
	client.Send(stale)
	time.Sleep(100 * time.Millisecond)

	fresh := wire.MustNew(wire.FrameMilestone, "", "tool-server", "", wire.Milestone{
		OperationID: "op_fresh", Name: wire.MilestoneStarted,
	})
	client.Send(fresh)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)

	r := NewRouter(RouterConfig{Port: port}, testLogger())
	eventually(t, func() bool { return r.Bind() == nil }, "router never bound")
	go r.Serve(ctx)

	tsConn, _ := dialIdentify(t, port, wire.ClientToolServer, "mcp")

	f := readFrameOfType(t, tsConn, wire.FrameMilestone)
	var m wire.Milestone
	if err := f.Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.OperationID != "op_fresh" {
		t.Fatalf("first delivered milestone = %s, want op_fresh (stale dropped)", m.OperationID)
	}
}

// ------------------------------------------------------------------
// Election
// ------------------------------------------------------------------

func TestElectionSingleWinner(t *testing.T) {
	port := freePort(t)

	a := NewClient(ClientConfig{
		Port:     port,
		Identity: wire.Identify{Type: wire.ClientToolServer, Name: "a", Version: "test"},
		Election: true,
	}, nil, testLogger())
	b := NewClient(ClientConfig{
		Port:     port,
		Identity: wire.Identify{Type: wire.ClientToolServer, Name: "b", Version: "test"},
		Election: true,
	}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)
	go b.Run(ctx)

	eventually(t, func() bool { return a.Connected() && b.Connected() }, "clients never settled")

	winners := 0
	if a.Router() != nil {
		winners++
	}
	if b.Router() != nil {
		winners++
	}
	if winners != 1 {
		t.Fatalf("election produced %d routers, want 1", winners)
	}
}

func TestElectionTakeoverAfterRouterDeath(t *testing.T) {
	port := freePort(t)

	hostCtx, hostCancel := context.WithCancel(context.Background())
	host := NewClient(ClientConfig{
		Port:     port,
		Identity: wire.Identify{Type: wire.ClientToolServer, Name: "host", Version: "test"},
		Election: true,
	}, nil, testLogger())
	go host.Run(hostCtx)
	eventually(t, func() bool { return host.Connected() && host.Router() != nil }, "host never won")

	survivorCtx, survivorCancel := context.WithCancel(context.Background())
	t.Cleanup(survivorCancel)
	survivor := NewClient(ClientConfig{
		Port:     port,
		Identity: wire.Identify{Type: wire.ClientEndpoint, Name: "browser", Version: "test"},
		Election: true,
	}, nil, testLogger())
	go survivor.Run(survivorCtx)
	eventually(t, survivor.Connected, "survivor never connected")
	if survivor.Router() != nil {
		t.Fatal("survivor hosts a router while the port is held")
	}

	// Kill the host; the survivor must rebind and serve.
	hostCancel()
	eventually(t, func() bool { return survivor.Router() != nil && survivor.Connected() },
		"survivor never took over the relay")
}
