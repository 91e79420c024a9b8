// Package health tracks passive connection health. Nothing here sends pings:
// classification derives entirely from traffic the connection already carries.
package health

import (
	"sync/atomic"
	"time"
)

// State classifies a connection by how recently it moved traffic.
type State string

const (
	StateActive       State = "active"       // traffic within 5s
	StateIdleSeconds  State = "idle-seconds" // traffic within 30s
	StateIdleMinutes  State = "idle-minutes" // quiet for 30s or more
	StateDisconnected State = "disconnected"
)

// Classify maps an idle duration onto a state for a live connection.
func Classify(idle time.Duration) State {
	switch {
	case idle < 5*time.Second:
		return StateActive
	case idle < 30*time.Second:
		return StateIdleSeconds
	default:
		return StateIdleMinutes
	}
}

// Tracker accumulates per-connection counters. All methods are safe for
// concurrent use.
type Tracker struct {
	connected    atomic.Bool
	connectedAt  atomic.Int64 // unix nanos
	lastActivity atomic.Int64 // unix nanos
	framesSent   atomic.Int64
	framesRecv   atomic.Int64
	reconnects   atomic.Int64

	// QueueLen, when set, reports the current outbound queue depth in
	// snapshots. Set once before concurrent use.
	QueueLen func() int
}

// NewTracker returns a tracker in the disconnected state.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Connected records a (re)established connection.
func (t *Tracker) Connected() {
	now := time.Now().UnixNano()
	if !t.connected.Swap(true) {
		t.connectedAt.Store(now)
	} else {
		t.reconnects.Add(1)
	}
	t.lastActivity.Store(now)
}

// Disconnected records connection loss.
func (t *Tracker) Disconnected() {
	t.connected.Swap(false)
}

// Sent records an outbound frame.
func (t *Tracker) Sent() {
	t.framesSent.Add(1)
	t.lastActivity.Store(time.Now().UnixNano())
}

// Received records an inbound frame.
func (t *Tracker) Received() {
	t.framesRecv.Add(1)
	t.lastActivity.Store(time.Now().UnixNano())
}

// Idle returns the time since the last frame in either direction.
func (t *Tracker) Idle() time.Duration {
	last := t.lastActivity.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// Snapshot is a point-in-time view of a tracker, wire-encodable.
type Snapshot struct {
	State          State     `json:"state"`
	ConnectedAt    time.Time `json:"connectedAt,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt,omitempty"`
	IdleSeconds    float64   `json:"idleSeconds"`
	FramesSent     int64     `json:"framesSent"`
	FramesReceived int64     `json:"framesReceived"`
	Reconnects     int64     `json:"reconnects"`
	QueueLen       int       `json:"queueLen,omitempty"`
}

// Snapshot captures the current counters and classification.
func (t *Tracker) Snapshot() Snapshot {
	s := Snapshot{
		FramesSent:     t.framesSent.Load(),
		FramesReceived: t.framesRecv.Load(),
		Reconnects:     t.reconnects.Load(),
	}
	if at := t.connectedAt.Load(); at != 0 {
		s.ConnectedAt = time.Unix(0, at)
	}
	if last := t.lastActivity.Load(); last != 0 {
		s.LastActivityAt = time.Unix(0, last)
	}
	idle := t.Idle()
	s.IdleSeconds = idle.Seconds()
	if t.connected.Load() {
		s.State = Classify(idle)
	} else {
		s.State = StateDisconnected
	}
	if t.QueueLen != nil {
		s.QueueLen = t.QueueLen()
	}
	return s
}
