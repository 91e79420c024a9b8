// Package relay implements the loopback message fabric that bridges
// tool-server processes to the single browser endpoint.
//
// Exactly one process on the machine holds the well-known port and routes
// frames; everyone else connects as a client. The router carries no business
// logic: it classifies clients by declared type, delivers addressed frames,
// and broadcasts roster changes. If the router dies, the survivors race to
// rebind (see Client.tryElect) and the winner takes over.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/freitascorp/browserclaw/pkg/health"
	"github.com/freitascorp/browserclaw/pkg/wire"
)

// RouterConfig configures the relay router.
type RouterConfig struct {
	Port      int           // well-known loopback port (default wire.DefaultPort)
	QueueSize int           // per-receiver outbound queue (default 256)
	IDTimeout time.Duration // identify deadline (default wire.IdentifyTimeout)
}

func (c *RouterConfig) defaults() {
	if c.Port <= 0 {
		c.Port = wire.DefaultPort
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.IDTimeout <= 0 {
		c.IDTimeout = wire.IdentifyTimeout
	}
}

// Router is the active relay server. Construct with NewRouter, then Bind to
// race for the port and Serve to run.
type Router struct {
	config  RouterConfig
	logger  *slog.Logger
	id      string
	tracker *health.Tracker

	listener net.Listener
	httpSrv  *http.Server

	mu         sync.RWMutex
	clients    map[string]*routerClient
	endpointID string // earliest-connected endpoint; the only addressable one
}

// routerClient is the router's record of one connected participant.
type routerClient struct {
	info    wire.ClientInfo
	conn    *websocket.Conn
	out     *frameQueue
	tracker *health.Tracker
	closed  chan struct{}
}

// ErrPortTaken reports that another process already holds the relay port.
var ErrPortTaken = errors.New("relay port already bound")

// NewRouter creates a router. The id is unique per router lifetime; client
// ids are minted under it.
func NewRouter(config RouterConfig, logger *slog.Logger) *Router {
	config.defaults()
	return &Router{
		config:  config,
		logger:  logger,
		id:      "relay-" + uuid.NewString()[:8],
		tracker: health.NewTracker(),
		clients: make(map[string]*routerClient),
	}
}

// ID returns the router lifetime identifier.
func (r *Router) ID() string { return r.id }

// Bind attempts to take the well-known loopback port. ErrPortTaken means the
// caller lost the election and should connect as a client instead.
func (r *Router) Bind() error {
	addr := fmt.Sprintf("127.0.0.1:%d", r.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return ErrPortTaken
		}
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	r.listener = listener
	r.tracker.Connected()
	r.logger.Info("relay bound", "addr", addr, "router_id", r.id)
	return nil
}

// Serve runs the router until ctx is done. Bind must have succeeded.
func (r *Router) Serve(ctx context.Context) error {
	if r.listener == nil {
		return fmt.Errorf("router not bound")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/relay", r.handleConnect)

	r.httpSrv = &http.Server{
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		r.shutdown()
	}()

	err := r.httpSrv.Serve(r.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (r *Router) shutdown() {
	r.mu.Lock()
	for _, c := range r.clients {
		c.conn.Close(websocket.StatusGoingAway, "relay shutting down")
	}
	r.clients = make(map[string]*routerClient)
	r.mu.Unlock()

	if r.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.httpSrv.Shutdown(shutdownCtx)
	}
}

// ------------------------------------------------------------------
// Connection lifecycle
// ------------------------------------------------------------------

func (r *Router) handleConnect(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.logger.Error("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(wire.MaxFrameSize)

	ctx := req.Context()

	// First frame must identify within the deadline.
	idCtx, cancel := context.WithTimeout(ctx, r.config.IDTimeout)
	var first wire.Frame
	err = wsjson.Read(idCtx, conn, &first)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "identify timeout")
		return
	}
	if first.Type != wire.FrameIdentify {
		conn.Close(websocket.StatusProtocolError, "expected identify")
		return
	}
	var ident wire.Identify
	if err := first.Decode(&ident); err != nil {
		conn.Close(websocket.StatusProtocolError, "malformed identify")
		return
	}
	switch ident.Type {
	case wire.ClientEndpoint, wire.ClientToolServer, wire.ClientAdmin:
	default:
		conn.Close(websocket.StatusProtocolError, "unknown client type")
		return
	}

	client, accepted := r.register(ident, conn)

	ack := wire.MustNew(wire.FrameIdentifyAck, r.id, client.info.ID, first.RequestID, wire.IdentifyAck{
		ID:       client.info.ID,
		Accepted: accepted,
		Reason:   acceptReason(accepted),
	})
	if err := wsjson.Write(ctx, conn, ack); err != nil {
		r.unregister(client)
		return
	}

	if !accepted {
		// A second endpoint is not addressable; close it shortly.
		r.logger.Warn("duplicate endpoint rejected", "id", client.info.ID, "name", ident.Name)
		time.AfterFunc(time.Second, func() {
			conn.Close(websocket.StatusPolicyViolation, "endpoint already connected")
		})
		r.readLoop(ctx, client) // drain until close
		r.unregister(client)
		return
	}

	r.logger.Info("client identified",
		"id", client.info.ID, "type", ident.Type, "name", ident.Name, "pid", ident.PID)

	// Announce the active router to the newcomer, then the roster to all.
	client.out.Push(wire.MustNew(wire.FrameRelayReady, r.id, client.info.ID, "", wire.RelayReady{RouterID: r.id}))
	r.broadcastRoster()

	go r.writeLoop(ctx, client)
	r.readLoop(ctx, client)

	r.unregister(client)
	r.broadcastRoster()
}

func acceptReason(accepted bool) string {
	if accepted {
		return ""
	}
	return "endpoint already connected"
}

func (r *Router) register(ident wire.Identify, conn *websocket.Conn) (*routerClient, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	c := &routerClient{
		info: wire.ClientInfo{
			ID:             fmt.Sprintf("%s-%s", ident.Type, uuid.NewString()[:8]),
			Type:           ident.Type,
			Name:           ident.Name,
			Version:        ident.Version,
			Capabilities:   ident.Capabilities,
			PID:            ident.PID,
			ConnectedAt:    now,
			LastActivityAt: now,
		},
		conn:    conn,
		out:     newFrameQueue(r.config.QueueSize),
		tracker: health.NewTracker(),
		closed:  make(chan struct{}),
	}
	c.tracker.Connected()
	c.tracker.QueueLen = c.out.Len

	accepted := true
	if ident.Type == wire.ClientEndpoint {
		if r.endpointID != "" {
			accepted = false
		} else {
			r.endpointID = c.info.ID
		}
	}
	r.clients[c.info.ID] = c
	return c, accepted
}

func (r *Router) unregister(c *routerClient) {
	r.mu.Lock()
	if current, ok := r.clients[c.info.ID]; ok && current == c {
		delete(r.clients, c.info.ID)
		if r.endpointID == c.info.ID {
			r.endpointID = ""
		}
	}
	r.mu.Unlock()

	close(c.closed)
	c.tracker.Disconnected()
	c.conn.Close(websocket.StatusNormalClosure, "")
	r.logger.Info("client disconnected", "id", c.info.ID, "type", c.info.Type)
}

// ------------------------------------------------------------------
// Frame pumping
// ------------------------------------------------------------------

func (r *Router) readLoop(ctx context.Context, c *routerClient) {
	for {
		var frame wire.Frame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				r.logger.Debug("read error", "id", c.info.ID, "error", err)
			}
			return
		}
		c.tracker.Received()
		r.tracker.Received()
		r.touch(c)
		r.route(c, frame)
	}
}

func (r *Router) writeLoop(ctx context.Context, c *routerClient) {
	for {
		frame, ok := c.out.Pop(ctx, c.closed)
		if !ok {
			return
		}
		if err := wsjson.Write(ctx, c.conn, frame); err != nil {
			r.logger.Debug("write error", "id", c.info.ID, "error", err)
			return
		}
		c.tracker.Sent()
		r.tracker.Sent()
	}
}

func (r *Router) touch(c *routerClient) {
	r.mu.Lock()
	if current, ok := r.clients[c.info.ID]; ok && current == c {
		current.info.LastActivityAt = time.Now()
	}
	r.mu.Unlock()
}

// ------------------------------------------------------------------
// Routing
// ------------------------------------------------------------------

// route delivers one inbound frame. The router never interprets payloads; it
// only resolves the to address.
func (r *Router) route(sender *routerClient, frame wire.Frame) {
	frame.From = sender.info.ID

	switch frame.Type {
	case wire.FrameIdentify:
		// Re-identify after handshake is a protocol error; drop with a notice.
		r.routeError(sender, frame, "already_identified", "connection already identified")
		return
	case wire.FrameHealthReport:
		if frame.To == "" || frame.To == r.id || frame.To == "relay" {
			r.answerHealth(sender, frame)
			return
		}
	}

	target, errCode, errMsg := r.resolve(frame.To, sender.info.ID)
	if target == nil {
		r.routeError(sender, frame, errCode, errMsg)
		return
	}

	if dropped, ok := target.out.Push(frame); ok && dropped != nil {
		r.logger.Warn("receiver queue overflow, dropped oldest frame",
			"receiver", target.info.ID, "dropped_type", dropped.Type)
	}
}

// resolve maps a to-address onto a single client: a concrete id, or a type
// symbol with exactly one member. Frames are never routed back to the sender.
func (r *Router) resolve(to, senderID string) (*routerClient, string, string) {
	if to == "" {
		return nil, "unroutable", "frame has no destination"
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.clients[to]; ok {
		if to == senderID {
			return nil, "self_route", "frame addressed to its origin"
		}
		return c, "", ""
	}

	var members []*routerClient
	switch wire.ClientType(to) {
	case wire.ClientEndpoint:
		if r.endpointID != "" {
			if c, ok := r.clients[r.endpointID]; ok {
				members = append(members, c)
			}
		}
	case wire.ClientToolServer, wire.ClientAdmin:
		for _, c := range r.clients {
			if c.info.Type == wire.ClientType(to) {
				members = append(members, c)
			}
		}
	default:
		return nil, "unknown_destination", fmt.Sprintf("no client %q", to)
	}

	switch len(members) {
	case 0:
		return nil, "no_members", fmt.Sprintf("no connected %q client", to)
	case 1:
		if members[0].info.ID == senderID {
			return nil, "self_route", "frame addressed to its origin"
		}
		return members[0], "", ""
	default:
		return nil, "ambiguous_destination", fmt.Sprintf("%d clients of type %q", len(members), to)
	}
}

func (r *Router) routeError(sender *routerClient, original wire.Frame, code, message string) {
	frame := wire.MustNew(wire.FrameRouteError, r.id, sender.info.ID, original.RequestID, wire.RouteError{
		Code:    code,
		Message: message,
		To:      original.To,
	})
	sender.out.Push(frame)
}

// broadcastRoster sends the full client list to every accepted client.
func (r *Router) broadcastRoster() {
	r.mu.RLock()
	roster := wire.RosterUpdate{Clients: make([]wire.ClientInfo, 0, len(r.clients))}
	targets := make([]*routerClient, 0, len(r.clients))
	for _, c := range r.clients {
		roster.Clients = append(roster.Clients, c.info)
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		c.out.Push(wire.MustNew(wire.FrameRosterUpdate, r.id, c.info.ID, "", roster))
	}
}

// answerHealth responds to an admin health.report request with the router's
// own counters and a per-client snapshot.
func (r *Router) answerHealth(sender *routerClient, request wire.Frame) {
	r.mu.RLock()
	report := wire.HealthReport{
		RouterID: r.id,
		Router:   r.tracker.Snapshot(),
	}
	for _, c := range r.clients {
		report.Clients = append(report.Clients, wire.ClientHealth{
			Client: c.info,
			Health: c.tracker.Snapshot(),
		})
	}
	r.mu.RUnlock()

	sender.out.Push(wire.MustNew(wire.FrameHealthReport, r.id, sender.info.ID, request.RequestID, report))
}

// Roster returns the current client list.
func (r *Router) Roster() []wire.ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c.info)
	}
	return out
}
