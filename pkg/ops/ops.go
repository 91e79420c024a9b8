// Package ops tracks the lifecycle of browser operations: id minting, status
// transitions driven by milestones, crash-safe snapshots, startup recovery,
// and purge of finished records.
package ops

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/freitascorp/browserclaw/pkg/wire"
)

// Status is an operation's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusInFlight  Status = "in_flight"
	StatusRecovered Status = "recovered" // restored from snapshot, awaiting proof of life
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// rank orders statuses so transitions only ever move forward.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRecovered:
		return 1
	case StatusInFlight:
		return 2
	default:
		return 3
	}
}

// Operation is one tracked command execution. Milestones are append-only.
type Operation struct {
	ID         string           `json:"id"`
	Command    string           `json:"command"`
	TabID      int              `json:"tabId,omitempty"`
	Params     map[string]any   `json:"params,omitempty"`
	Status     Status           `json:"status"`
	Milestones []wire.Milestone `json:"milestones"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	Deadline   time.Time        `json:"deadline"`
	FinishedAt time.Time        `json:"finishedAt,omitempty"`
	Error      string           `json:"error,omitempty"` // taxonomy code on failure
}

// record pairs an operation with its runtime-only machinery.
type record struct {
	mu       sync.Mutex
	op       Operation
	done     chan struct{} // closed on terminal
	deadline *time.Timer
	grace    *time.Timer // recovery grace, nil unless recovered
}

// snapshotFor copies the operation under its lock.
func (r *record) snapshot() Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := r.op
	op.Milestones = append([]wire.Milestone(nil), r.op.Milestones...)
	return op
}

// ------------------------------------------------------------------
// Manager
// ------------------------------------------------------------------

const (
	// DefaultDeadline bounds an operation when the caller names none.
	DefaultDeadline = 180 * time.Second
	// RecoveryGrace is how long a recovered operation may stay silent before
	// it fails with recovery_timeout.
	RecoveryGrace = 30 * time.Second
	// PurgeAfter is how long terminal operations linger before removal.
	PurgeAfter = 10 * time.Minute
)

// ManagerConfig tunes the lifecycle timers, mainly for tests.
type ManagerConfig struct {
	Dir             string // snapshot directory; empty disables persistence
	DefaultDeadline time.Duration
	RecoveryGrace   time.Duration
	PurgeAfter      time.Duration
}

func (c *ManagerConfig) defaults() {
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = DefaultDeadline
	}
	if c.RecoveryGrace <= 0 {
		c.RecoveryGrace = RecoveryGrace
	}
	if c.PurgeAfter <= 0 {
		c.PurgeAfter = PurgeAfter
	}
}

// Manager owns every live operation record. The archive, when set, receives
// terminal operations for long-term history.
type Manager struct {
	config  ManagerConfig
	logger  *slog.Logger
	archive *Archive // optional

	mu      sync.RWMutex
	records map[string]*record

	// OnTimeout, when set, is called off-lock after a deadline fires, so the
	// owner can emit the timed_out milestone downstream.
	OnTimeout func(op Operation)
}

// NewManager creates an operation manager. archive may be nil.
func NewManager(config ManagerConfig, archive *Archive, logger *slog.Logger) *Manager {
	config.defaults()
	return &Manager{
		config:  config,
		logger:  logger,
		archive: archive,
		records: make(map[string]*record),
	}
}

// ------------------------------------------------------------------
// Creation
// ------------------------------------------------------------------

// CreateRequest describes a new operation. A nil Timeout uses the default
// deadline; an explicit zero times the operation out immediately, before any
// dispatch.
type CreateRequest struct {
	Command string
	TabID   int
	Params  map[string]any
	Timeout *time.Duration
}

// Create mints an operation id, persists the initial snapshot, and arms the
// deadline timer.
func (m *Manager) Create(req CreateRequest) (Operation, error) {
	if req.Command == "" {
		return Operation{}, fmt.Errorf("operation needs a command")
	}

	timeout := m.config.DefaultDeadline
	immediate := false
	if req.Timeout != nil {
		if *req.Timeout <= 0 {
			immediate = true
		} else {
			timeout = *req.Timeout
		}
	}

	now := time.Now()
	rec := &record{
		op: Operation{
			ID:        MintID(req.Command, now),
			Command:   req.Command,
			TabID:     req.TabID,
			Params:    req.Params,
			Status:    StatusQueued,
			CreatedAt: now,
			UpdatedAt: now,
			Deadline:  now.Add(timeout),
		},
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.records[rec.op.ID] = rec
	m.mu.Unlock()

	if immediate {
		rec.op.Deadline = now
		m.finish(rec, StatusTimedOut, wire.ErrObserverTimeout, wire.Milestone{
			OperationID: rec.op.ID,
			Name:        wire.MilestoneTimedOut,
			Data:        wire.FailureData(wire.ErrObserverTimeout, "deadline of zero"),
			Timestamp:   now,
		})
		return rec.snapshot(), nil
	}

	m.persist(rec)
	rec.mu.Lock()
	rec.deadline = time.AfterFunc(timeout, func() { m.timeout(rec.op.ID) })
	rec.mu.Unlock()
	return rec.snapshot(), nil
}

// MintID builds an operation id from the command, the creation time in unix
// milliseconds, and at least 64 bits of randomness.
func MintID(command string, at time.Time) string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("entropy source failed: %v", err))
	}
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, command)
	return fmt.Sprintf("op_%s_%d_%s", safe, at.UnixMilli(), hex.EncodeToString(buf[:]))
}

// ------------------------------------------------------------------
// Milestones and transitions
// ------------------------------------------------------------------

// ApplyMilestone appends a milestone to its operation and advances the status.
// Milestones for unknown operations are dropped with a log line. Replays of a
// milestone already recorded (same name and timestamp) are ignored, as is any
// milestone after the terminal one.
func (m *Manager) ApplyMilestone(ms wire.Milestone) error {
	m.mu.RLock()
	rec, ok := m.records[ms.OperationID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Warn("milestone for unknown operation dropped",
			"operation_id", ms.OperationID, "milestone", ms.Name)
		return fmt.Errorf("unknown operation %s", ms.OperationID)
	}

	rec.mu.Lock()
	if rec.op.Status.Terminal() {
		rec.mu.Unlock()
		m.logger.Debug("milestone after terminal ignored",
			"operation_id", ms.OperationID, "milestone", ms.Name)
		return nil
	}
	for _, have := range rec.op.Milestones {
		if have.Name == ms.Name && have.Timestamp.Equal(ms.Timestamp) {
			rec.mu.Unlock()
			return nil
		}
	}
	rec.op.Milestones = append(rec.op.Milestones, ms)
	rec.op.UpdatedAt = time.Now()

	// A recovered operation proved itself alive; drop the grace timer.
	if rec.grace != nil {
		rec.grace.Stop()
		rec.grace = nil
	}

	if wire.Terminal(ms.Name) {
		status, errCode := terminalStatus(ms)
		rec.mu.Unlock()
		m.finish(rec, status, errCode, wire.Milestone{}) // milestone already appended
		return nil
	}

	next := progressStatus(ms.Name)
	if next != "" && next.rank() > rec.op.Status.rank() {
		rec.op.Status = next
	}
	rec.mu.Unlock()

	m.persist(rec)
	return nil
}

func progressStatus(name string) Status {
	switch name {
	case wire.MilestoneStarted, wire.MilestoneDispatched,
		wire.MilestoneMessageSent, wire.MilestoneResponseStarted:
		return StatusInFlight
	}
	return ""
}

func terminalStatus(ms wire.Milestone) (Status, string) {
	switch ms.Name {
	case wire.MilestoneResponseCompleted:
		return StatusCompleted, ""
	case wire.MilestoneTimedOut:
		return StatusTimedOut, wire.ErrObserverTimeout
	case wire.MilestoneCancelled:
		return StatusCancelled, wire.ErrCancelled
	default:
		code := wire.ErrInternal
		if c, ok := ms.Data["error"].(string); ok && c != "" {
			code = c
		}
		return StatusFailed, code
	}
}

// finish moves a record to a terminal status, persists, archives, and
// schedules the purge. extra, when non-empty, is appended first.
func (m *Manager) finish(rec *record, status Status, errCode string, extra wire.Milestone) {
	rec.mu.Lock()
	if rec.op.Status.Terminal() {
		rec.mu.Unlock()
		return
	}
	if extra.Name != "" {
		rec.op.Milestones = append(rec.op.Milestones, extra)
	}
	now := time.Now()
	rec.op.Status = status
	rec.op.Error = errCode
	rec.op.UpdatedAt = now
	rec.op.FinishedAt = now
	if rec.deadline != nil {
		rec.deadline.Stop()
	}
	if rec.grace != nil {
		rec.grace.Stop()
	}
	id := rec.op.ID
	rec.mu.Unlock()

	close(rec.done)
	m.persist(rec)
	if m.archive != nil {
		if err := m.archive.Insert(rec.snapshot()); err != nil {
			m.logger.Error("archive insert failed", "operation_id", id, "error", err)
		}
	}
	time.AfterFunc(m.config.PurgeAfter, func() { m.purge(id) })
	m.logger.Info("operation finished", "operation_id", id, "status", status, "error", errCode)
}

// timeout fires the deadline for an operation that never finished.
func (m *Manager) timeout(id string) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	rec.mu.Lock()
	if rec.op.Status.Terminal() {
		rec.mu.Unlock()
		return
	}
	rec.mu.Unlock()

	m.finish(rec, StatusTimedOut, wire.ErrObserverTimeout, wire.Milestone{
		OperationID: id,
		Name:        wire.MilestoneTimedOut,
		Data:        wire.FailureData(wire.ErrObserverTimeout, "operation deadline exceeded"),
		Timestamp:   time.Now(),
	})
	if m.OnTimeout != nil {
		m.OnTimeout(rec.snapshot())
	}
}

// Fail finishes an operation from the manager's own side (transport loss,
// teardown) with a failed milestone carrying the taxonomy code.
func (m *Manager) Fail(id, code, message string) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.finish(rec, StatusFailed, code, wire.Milestone{
		OperationID: id,
		Name:        wire.MilestoneFailed,
		Data:        wire.FailureData(code, message),
		Timestamp:   time.Now(),
	})
}

// ------------------------------------------------------------------
// Queries
// ------------------------------------------------------------------

// Get returns a copy of the operation.
func (m *Manager) Get(id string) (Operation, bool) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return Operation{}, false
	}
	return rec.snapshot(), true
}

// List returns copies of every tracked operation, newest first.
func (m *Manager) List() []Operation {
	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	m.mu.RUnlock()

	out := make([]Operation, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.snapshot())
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.After(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Wait blocks until the operation reaches a terminal status or ctx ends.
func (m *Manager) Wait(done <-chan struct{}, id string) (Operation, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return Operation{}, fmt.Errorf("unknown operation %s", id)
	}
	select {
	case <-rec.done:
		return rec.snapshot(), nil
	case <-done:
		return rec.snapshot(), fmt.Errorf("wait for %s interrupted", id)
	}
}

// Done exposes the operation's completion channel.
func (m *Manager) Done(id string) (<-chan struct{}, bool) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rec.done, true
}

// ------------------------------------------------------------------
// Persistence, recovery, purge
// ------------------------------------------------------------------

// persist writes the snapshot with a temp file and an atomic rename, so a
// crash never leaves a torn record.
func (m *Manager) persist(rec *record) {
	if m.config.Dir == "" {
		return
	}
	op := rec.snapshot()
	data, err := json.MarshalIndent(op, "", "  ")
	if err != nil {
		m.logger.Error("snapshot marshal failed", "operation_id", op.ID, "error", err)
		return
	}
	final := filepath.Join(m.config.Dir, op.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		m.logger.Error("snapshot write failed", "operation_id", op.ID, "error", err)
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		m.logger.Error("snapshot rename failed", "operation_id", op.ID, "error", err)
	}
}

// Recover loads snapshots left by a previous process. Non-terminal operations
// come back as recovered with a grace timer; terminal ones are re-scheduled
// for purge.
func (m *Manager) Recover() error {
	if m.config.Dir == "" {
		return nil
	}
	entries, err := os.ReadDir(m.config.Dir)
	if err != nil {
		return fmt.Errorf("read snapshot dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(m.config.Dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			m.logger.Warn("unreadable snapshot skipped", "path", path, "error", err)
			continue
		}
		var op Operation
		if err := json.Unmarshal(data, &op); err != nil || op.ID == "" {
			m.logger.Warn("corrupt snapshot skipped", "path", path, "error", err)
			continue
		}

		rec := &record{op: op, done: make(chan struct{})}
		if op.Status.Terminal() {
			close(rec.done)
			m.mu.Lock()
			m.records[op.ID] = rec
			m.mu.Unlock()
			time.AfterFunc(m.config.PurgeAfter, func() { m.purge(op.ID) })
			continue
		}

		rec.op.Status = StatusRecovered
		rec.op.UpdatedAt = time.Now()
		m.mu.Lock()
		m.records[op.ID] = rec
		m.mu.Unlock()

		id := op.ID
		rec.mu.Lock()
		rec.grace = time.AfterFunc(m.config.RecoveryGrace, func() {
			m.Fail(id, wire.ErrRecoveryTimeout, "no milestone within recovery grace")
		})
		if remaining := time.Until(rec.op.Deadline); remaining > 0 {
			rec.deadline = time.AfterFunc(remaining, func() { m.timeout(id) })
		}
		rec.mu.Unlock()

		m.persist(rec)
		m.logger.Info("operation recovered", "operation_id", id, "command", op.Command)
	}
	return nil
}

// purge drops a terminal record from memory and disk.
func (m *Manager) purge(id string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok {
		rec.mu.Lock()
		terminal := rec.op.Status.Terminal()
		rec.mu.Unlock()
		if !terminal {
			m.mu.Unlock()
			return
		}
		delete(m.records, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if m.config.Dir != "" {
		os.Remove(filepath.Join(m.config.Dir, id+".json"))
	}
	m.logger.Debug("operation purged", "operation_id", id)
}

// Purge removes a terminal operation immediately. Used by the ops CLI.
func (m *Manager) Purge(id string) error {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown operation %s", id)
	}
	rec.mu.Lock()
	terminal := rec.op.Status.Terminal()
	rec.mu.Unlock()
	if !terminal {
		return fmt.Errorf("operation %s is not finished", id)
	}
	m.purge(id)
	return nil
}
