// Package wire defines the frame envelope and payload types carried on the
// browserclaw relay. Frames are UTF-8 JSON objects, one per WebSocket
// message, at most MaxFrameSize bytes.
//
// The frame catalog is closed: anything outside the FrameType constants below
// is a protocol extension and routers drop it with a route.error.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/freitascorp/browserclaw/pkg/health"
)

// DefaultPort is the well-known loopback port the relay election races for.
const DefaultPort = 54321

// MaxFrameSize is the maximum encoded size of a single frame.
const MaxFrameSize = 4 << 20

// IdentifyTimeout is how long the router waits for the first identify frame
// before closing a connection.
const IdentifyTimeout = 5 * time.Second

// ------------------------------------------------------------------
// Frame envelope
// ------------------------------------------------------------------

// FrameType tags the kind of frame on the wire.
type FrameType string

const (
	FrameIdentify     FrameType = "identify"
	FrameIdentifyAck  FrameType = "identify.ack"
	FrameRosterUpdate FrameType = "roster.update"
	FrameCommand      FrameType = "command"
	FrameCommandAck   FrameType = "command.ack"
	FrameMilestone    FrameType = "milestone"
	FrameCancel       FrameType = "cancel"
	FrameHealthReport FrameType = "health.report"
	FrameRouteError   FrameType = "route.error"
	FrameRelayReady   FrameType = "relay.ready"
)

// ClientType classifies relay participants.
type ClientType string

const (
	ClientEndpoint   ClientType = "endpoint"
	ClientToolServer ClientType = "tool-server"
	ClientAdmin      ClientType = "admin"
)

// Frame is the unit of transport on the relay.
type Frame struct {
	Type      FrameType       `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"` // concrete id or a ClientType symbol
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds a frame with the payload marshalled and the timestamp stamped.
func New(t FrameType, from, to, requestID string, payload any) (Frame, error) {
	f := Frame{
		Type:      t,
		From:      from,
		To:        to,
		RequestID: requestID,
		Timestamp: time.Now(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// MustNew is New for payloads that cannot fail to marshal.
func MustNew(t FrameType, from, to, requestID string, payload any) Frame {
	f, err := New(t, from, to, requestID, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// Decode unmarshals the frame payload into v.
func (f *Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// IsResponse reports whether the frame answers an earlier request. The
// backpressure policy never drops response frames.
func (f *Frame) IsResponse() bool {
	switch f.Type {
	case FrameIdentifyAck, FrameCommandAck, FrameMilestone, FrameRouteError, FrameHealthReport:
		return f.RequestID != "" || f.Type == FrameMilestone
	}
	return false
}

// ------------------------------------------------------------------
// Payloads
// ------------------------------------------------------------------

// Identify is the mandatory first frame from every new connection.
type Identify struct {
	Type         ClientType `json:"type"`
	Name         string     `json:"name"`
	Version      string     `json:"version"`
	Capabilities []string   `json:"capabilities,omitempty"`
	PID          int        `json:"pid,omitempty"`
}

// IdentifyAck assigns the router-generated id. Accepted=false means the
// connection will be closed shortly (e.g. a second endpoint).
type IdentifyAck struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ClientInfo is one roster entry.
type ClientInfo struct {
	ID             string     `json:"id"`
	Type           ClientType `json:"type"`
	Name           string     `json:"name"`
	Version        string     `json:"version"`
	Capabilities   []string   `json:"capabilities,omitempty"`
	PID            int        `json:"pid,omitempty"`
	ConnectedAt    time.Time  `json:"connectedAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
}

// RosterUpdate carries the full client list after any membership change.
type RosterUpdate struct {
	Clients []ClientInfo `json:"clients"`
}

// Command asks the endpoint to run a handler. TabID is zero for commands that
// do not target a tab.
type Command struct {
	OperationID string         `json:"operationId"`
	Command     string         `json:"command"`
	TabID       int            `json:"tabId,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// CommandAck confirms the endpoint accepted the command for dispatch.
type CommandAck struct {
	OperationID string `json:"operationId"`
}

// Milestone is a named progress event in an operation's life. Correlation is
// by OperationID, not RequestID.
type Milestone struct {
	OperationID string         `json:"operationId"`
	Name        string         `json:"name"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Cancel requests a best-effort cancel of an in-flight operation.
type Cancel struct {
	OperationID string `json:"operationId"`
}

// RouteError reports a delivery failure back to the sender, echoing the
// original request id.
type RouteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	To      string `json:"to,omitempty"`
}

// RelayReady is broadcast by a router after it wins the bind election.
type RelayReady struct {
	RouterID string `json:"routerId"`
}

// HealthReport answers an on-demand health.report request with the router's
// passive metrics and a per-client snapshot.
type HealthReport struct {
	RouterID string         `json:"routerId"`
	Router   health.Snapshot `json:"router"`
	Clients  []ClientHealth `json:"clients,omitempty"`
}

// ClientHealth pairs a roster entry with its connection health.
type ClientHealth struct {
	Client ClientInfo      `json:"client"`
	Health health.Snapshot `json:"health"`
}

// ------------------------------------------------------------------
// Milestone names
// ------------------------------------------------------------------

const (
	MilestoneStarted           = "started"
	MilestoneDispatched        = "dispatched"
	MilestoneMessageSent       = "message_sent"
	MilestoneResponseStarted   = "response_started"
	MilestoneResponseCompleted = "response_completed"
	MilestoneFailed            = "failed"
	MilestoneTimedOut          = "timed_out"
	MilestoneCancelled         = "cancelled"
	MilestoneCancelRefused     = "cancel_refused"
)

// Terminal reports whether a milestone name ends the operation. Exactly one
// terminal milestone is emitted per operation.
func Terminal(name string) bool {
	switch name {
	case MilestoneResponseCompleted, MilestoneFailed, MilestoneTimedOut, MilestoneCancelled:
		return true
	}
	return false
}

// ------------------------------------------------------------------
// Error taxonomy - carried in milestone data under "error"
// ------------------------------------------------------------------

const (
	ErrValidation      = "validation"
	ErrUnknownCommand  = "unknown_command"
	ErrResourceMissing = "resource_missing"
	ErrResourceBusy    = "resource_busy"
	ErrResourceGone    = "resource_gone"
	ErrLockExpired     = "lock_expired"
	ErrObserverTimeout = "observer_timeout"
	ErrTransport       = "transport"
	ErrCancelled       = "cancelled"
	ErrInternal        = "internal"
	ErrRecoveryTimeout = "recovery_timeout"
)

// FailureData builds the data map for a failed milestone.
func FailureData(code, message string) map[string]any {
	return map[string]any{"error": code, "message": message}
}
