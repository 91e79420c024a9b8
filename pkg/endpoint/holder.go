package endpoint

import (
	"context"
	"log/slog"
	"sync"

	"github.com/freitascorp/browserclaw/pkg/health"
	"github.com/freitascorp/browserclaw/pkg/relay"
	"github.com/freitascorp/browserclaw/pkg/wire"
)

// Holder is the persistent half of the endpoint: it owns the relay
// connection and survives worker evictions. Inbound frames are buffered
// until the worker signals readiness, then replayed in order; afterwards
// they pass straight through.
type Holder struct {
	client *relay.Client
	logger *slog.Logger

	mu      sync.Mutex
	ready   bool
	buffer  []wire.Frame
	limit   int
	deliver func(wire.Frame)
}

// HolderConfig configures the endpoint's relay presence.
type HolderConfig struct {
	Port       int
	Name       string
	Version    string
	BufferSize int // inbound buffer while the worker starts (default 256)
}

// NewHolder creates the holder and its relay client. The endpoint always
// participates in the relay election.
func NewHolder(config HolderConfig, logger *slog.Logger) *Holder {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	h := &Holder{
		logger: logger,
		limit:  config.BufferSize,
	}
	h.client = relay.NewClient(relay.ClientConfig{
		Port: config.Port,
		Identity: wire.Identify{
			Type:    wire.ClientEndpoint,
			Name:    config.Name,
			Version: config.Version,
			Capabilities: []string{
				"tabs", "eval", "dom", "capture", "debugger", "observer",
			},
		},
		Election: true,
	}, h.onFrame, logger.With("component", "holder"))
	return h
}

// Run drives the relay connection until ctx is done.
func (h *Holder) Run(ctx context.Context) error { return h.client.Run(ctx) }

// Client exposes the relay client for health snapshots and requests.
func (h *Holder) Client() *relay.Client { return h.client }

// Health returns the relay connection's passive health.
func (h *Holder) Health() health.Snapshot { return h.client.Health() }

// onFrame buffers or delivers one inbound frame. The buffer applies the same
// backpressure policy as the relay: bounded, oldest non-response dropped.
func (h *Holder) onFrame(frame wire.Frame) {
	h.mu.Lock()
	if h.ready && h.deliver != nil {
		deliver := h.deliver
		h.mu.Unlock()
		deliver(frame)
		return
	}

	if len(h.buffer) >= h.limit {
		idx := 0
		for i := range h.buffer {
			if !h.buffer[i].IsResponse() {
				idx = i
				break
			}
		}
		dropped := h.buffer[idx]
		h.buffer = append(h.buffer[:idx], h.buffer[idx+1:]...)
		h.logger.Warn("worker buffer overflow, dropped oldest frame", "dropped_type", dropped.Type)
	}
	h.buffer = append(h.buffer, frame)
	h.mu.Unlock()
}

// WorkerReady attaches the worker's frame handler and replays everything
// buffered since startup or the last eviction, in arrival order.
func (h *Holder) WorkerReady(deliver func(wire.Frame)) {
	h.mu.Lock()
	h.deliver = deliver
	h.ready = true
	replay := h.buffer
	h.buffer = nil
	h.mu.Unlock()

	if len(replay) > 0 {
		h.logger.Info("replaying buffered frames to worker", "count", len(replay))
	}
	for _, frame := range replay {
		deliver(frame)
	}
}

// WorkerGone resumes buffering after a worker eviction.
func (h *Holder) WorkerGone() {
	h.mu.Lock()
	h.ready = false
	h.deliver = nil
	h.mu.Unlock()
	h.logger.Warn("worker gone, buffering inbound frames")
}

// SendMilestone unicasts a milestone to the operation's originating client.
// During an outage the relay client queues it and replays after reconnect.
func (h *Holder) SendMilestone(to string, ms wire.Milestone) {
	h.client.Send(wire.MustNew(wire.FrameMilestone, "", to, "", ms))
}

// SendAck confirms command dispatch to the sender.
func (h *Holder) SendAck(to, requestID, operationID string) {
	h.client.Send(wire.MustNew(wire.FrameCommandAck, "", to, requestID, wire.CommandAck{
		OperationID: operationID,
	}))
}
