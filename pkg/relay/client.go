package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/freitascorp/browserclaw/pkg/health"
	"github.com/freitascorp/browserclaw/pkg/resilience"
	"github.com/freitascorp/browserclaw/pkg/wire"
)

// ClientConfig configures a relay participant.
type ClientConfig struct {
	Port     int           // well-known loopback port
	Identity wire.Identify // sent in the identify handshake
	Election bool          // race to rebind the port when the router dies

	RequestTimeout time.Duration // request/response deadline (default 30s)
	StaleAfter     time.Duration // outage-queued frames older than this are dropped (default 60s)
	QueueSize      int           // outbound queue (default 256)
}

func (c *ClientConfig) defaults() {
	if c.Port <= 0 {
		c.Port = wire.DefaultPort
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// FrameHandler receives frames that are not responses to an in-flight
// Request: commands, milestones, cancels, roster updates, relay.ready.
type FrameHandler func(frame wire.Frame)

// Client connects a process to the relay, reconnecting with exponential
// backoff and participating in the rebind election when configured. Frames
// sent during an outage are queued and flushed in order after re-identify;
// frames older than StaleAfter are dropped with a warning.
type Client struct {
	config  ClientConfig
	logger  *slog.Logger
	tracker *health.Tracker
	outbox  *frameQueue

	onFrame   FrameHandler
	onConnect func(assignedID string)

	mu        sync.RWMutex
	id        string
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan wire.Frame

	router   *Router // non-nil while this participant hosts the relay
	routerMu sync.Mutex

	kick chan struct{} // force-takeover trigger
}

// ErrNotConnected reports a request attempted with no usable transport and
// nothing to wait for.
var ErrNotConnected = errors.New("relay client not connected")

// NewClient creates a relay client. handler may be nil for pure requesters
// (admin tools).
func NewClient(config ClientConfig, handler FrameHandler, logger *slog.Logger) *Client {
	config.defaults()
	c := &Client{
		config:  config,
		logger:  logger,
		tracker: health.NewTracker(),
		outbox:  newFrameQueue(config.QueueSize),
		onFrame: handler,
		pending: make(map[string]chan wire.Frame),
		kick:    make(chan struct{}, 1),
	}
	c.tracker.QueueLen = c.outbox.Len
	return c
}

// OnConnect registers a callback invoked after each successful identify.
func (c *Client) OnConnect(fn func(assignedID string)) { c.onConnect = fn }

// ID returns the router-assigned client id for the current connection.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Connected reports whether the client currently has an identified socket.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Health returns the passive health snapshot for this connection.
func (c *Client) Health() health.Snapshot { return c.tracker.Snapshot() }

// Router returns the embedded router if this participant won the election.
func (c *Client) Router() *Router {
	c.routerMu.Lock()
	defer c.routerMu.Unlock()
	return c.router
}

// ForceTakeover drops the current connection so the next cycle races for the
// port. Best effort: if the active router is alive it still holds the bind.
func (c *Client) ForceTakeover() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		conn.Close(websocket.StatusGoingAway, "takeover requested")
	}
}

// Run connects (electing when configured) and serves until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	backoff := resilience.NewBackoff(resilience.BackoffConfig{})
	firstAttempt := true

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !firstAttempt {
			// Randomized delay breaks ties in the rebind race after a router
			// death (uniform 100-500ms).
			delay := time.Duration(100+rand.Intn(400)) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		firstAttempt = false

		if c.config.Election {
			c.tryElect(ctx)
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("relay connection lost", "error", err)
			if !c.dialable() {
				// Nothing is listening; back off before the next race.
				if serr := backoff.Sleep(ctx); serr != nil {
					return serr
				}
				continue
			}
		}
		backoff.Reset()
	}
}

// tryElect races to bind the well-known port. Winning starts an embedded
// router that outlives this connection attempt.
func (c *Client) tryElect(ctx context.Context) {
	c.routerMu.Lock()
	defer c.routerMu.Unlock()
	if c.router != nil {
		return // already hosting
	}

	router := NewRouter(RouterConfig{Port: c.config.Port}, c.logger.With("component", "relay"))
	if err := router.Bind(); err != nil {
		if !errors.Is(err, ErrPortTaken) {
			c.logger.Warn("relay bind failed", "error", err)
		}
		return
	}

	c.router = router
	go func() {
		if err := router.Serve(ctx); err != nil {
			c.logger.Error("embedded relay exited", "error", err)
		}
		c.routerMu.Lock()
		c.router = nil
		c.routerMu.Unlock()
	}()
	c.logger.Info("won relay election", "router_id", router.ID())
}

// dialable does a cheap probe for a listener without consuming a backoff.
func (c *Client) dialable() bool {
	probeCtx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	conn, _, err := websocket.Dial(probeCtx, c.url(), nil)
	if err != nil {
		return false
	}
	conn.Close(websocket.StatusNormalClosure, "probe")
	return true
}

func (c *Client) url() string {
	return fmt.Sprintf("ws://127.0.0.1:%d/relay", c.config.Port)
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(wire.MaxFrameSize)

	// Identify is always the first frame.
	identify := wire.MustNew(wire.FrameIdentify, "", "", uuid.NewString(), c.config.Identity)
	if err := wsjson.Write(ctx, conn, identify); err != nil {
		conn.Close(websocket.StatusProtocolError, "identify write failed")
		return fmt.Errorf("send identify: %w", err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	var ackFrame wire.Frame
	err = wsjson.Read(ackCtx, conn, &ackFrame)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "no identify ack")
		return fmt.Errorf("read identify ack: %w", err)
	}
	if ackFrame.Type != wire.FrameIdentifyAck {
		conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return fmt.Errorf("expected identify.ack, got %s", ackFrame.Type)
	}
	var ack wire.IdentifyAck
	if err := ackFrame.Decode(&ack); err != nil {
		conn.Close(websocket.StatusProtocolError, "malformed ack")
		return err
	}
	if !ack.Accepted {
		conn.Close(websocket.StatusNormalClosure, "rejected")
		return fmt.Errorf("identify rejected: %s", ack.Reason)
	}

	c.mu.Lock()
	c.id = ack.ID
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.tracker.Connected()

	c.logger.Info("identified with relay", "id", ack.ID)
	if c.onConnect != nil {
		c.onConnect(ack.ID)
	}

	done := make(chan struct{})
	defer close(done)
	go c.writeLoop(ctx, conn, done)

	err = c.readLoop(ctx, conn)

	c.mu.Lock()
	c.connected = false
	c.conn = nil
	pending := c.pending
	c.pending = make(map[string]chan wire.Frame)
	c.mu.Unlock()
	c.tracker.Disconnected()

	// In-flight requests fail with a transport error; their operations stay
	// alive until their own deadlines.
	for _, ch := range pending {
		close(ch)
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame wire.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return err
		}
		c.tracker.Received()

		if frame.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[frame.RequestID]
			if ok {
				delete(c.pending, frame.RequestID)
			}
			c.mu.Unlock()
			if ok {
				ch <- frame
				continue
			}
		}
		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	for {
		frame, ok := c.outbox.Pop(ctx, done)
		if !ok {
			return
		}
		if c.config.StaleAfter > 0 && !frame.Timestamp.IsZero() &&
			time.Since(frame.Timestamp) > c.config.StaleAfter {
			c.logger.Warn("dropping stale queued frame", "type", frame.Type, "age", time.Since(frame.Timestamp))
			continue
		}
		frame.From = c.ID()
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			// Head of the queue, so frames enqueued during the outage
			// replay after it and same-operation order survives.
			c.outbox.PushFront(frame)
			return
		}
		c.tracker.Sent()
	}
}

// Send queues a frame for delivery. During an outage the frame waits in the
// outbound queue and is flushed in order after the next identify.
func (c *Client) Send(frame wire.Frame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	if dropped, overflowed := c.outbox.Push(frame); overflowed && dropped != nil {
		c.logger.Warn("outbound queue overflow, dropped oldest frame", "dropped_type", dropped.Type)
	}
}

// Request sends a frame and waits for the response carrying the same
// requestId. route.error responses surface as errors.
func (c *Client) Request(ctx context.Context, frame wire.Frame) (wire.Frame, error) {
	if frame.RequestID == "" {
		frame.RequestID = uuid.NewString()
	}
	ch := make(chan wire.Frame, 1)
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return wire.Frame{}, ErrNotConnected
	}
	c.pending[frame.RequestID] = ch
	c.mu.Unlock()

	c.Send(frame)

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	select {
	case resp, ok := <-ch:
		if !ok {
			return wire.Frame{}, fmt.Errorf("connection lost awaiting %s: %w", frame.Type, ErrNotConnected)
		}
		if resp.Type == wire.FrameRouteError {
			var re wire.RouteError
			if err := resp.Decode(&re); err == nil {
				return resp, fmt.Errorf("route error %s: %s", re.Code, re.Message)
			}
			return resp, fmt.Errorf("route error")
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, frame.RequestID)
		c.mu.Unlock()
		return wire.Frame{}, fmt.Errorf("awaiting %s response: %w", frame.Type, ctx.Err())
	}
}
