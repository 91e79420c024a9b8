package endpoint

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/freitascorp/browserclaw/pkg/tablock"
	"github.com/freitascorp/browserclaw/pkg/wire"
)

// DefaultCaptureLimit bounds the per-tab network event ring.
const DefaultCaptureLimit = 500

// eventRing is a bounded buffer of captured network events, oldest-evicted.
type eventRing struct {
	mu    sync.Mutex
	items []CapturedEvent
	limit int
}

func newEventRing(limit int) *eventRing {
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}
	return &eventRing{limit: limit}
}

func (r *eventRing) add(e CapturedEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) >= r.limit {
		r.items = r.items[1:]
	}
	r.items = append(r.items, e)
}

// snapshot returns the ring contents oldest-first.
func (r *eventRing) snapshot() []CapturedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CapturedEvent(nil), r.items...)
}

// scriptEntry records an observer injection into a tab.
type scriptEntry struct {
	InjectedAt    time.Time
	ScriptVersion string
	Ready         bool
}

// FailOpFunc fails an in-flight operation with a taxonomy code. Wired to the
// worker so teardown can emit the terminal milestone.
type FailOpFunc func(operationID, code, message string)

// Registry unifies the per-tab resource maps: capture buffers, debug
// sessions, injected scripts, and the lock manager. Callers never reach into
// the underlying maps; DestroyTab encodes the teardown order.
type Registry struct {
	driver Driver
	locks  *tablock.Manager
	logger *slog.Logger
	failOp FailOpFunc

	mu       sync.Mutex
	captures map[int]*capture
	debugged map[int]bool
	scripts  map[int]scriptEntry
	limit    int
}

type capture struct {
	ring *eventRing
	stop func()
}

// NewRegistry creates the resource registry. failOp is set later by the
// worker via SetFailOp, breaking the construction cycle.
func NewRegistry(driver Driver, locks *tablock.Manager, captureLimit int, logger *slog.Logger) *Registry {
	if captureLimit <= 0 {
		captureLimit = DefaultCaptureLimit
	}
	return &Registry{
		driver:   driver,
		locks:    locks,
		logger:   logger,
		captures: make(map[int]*capture),
		debugged: make(map[int]bool),
		scripts:  make(map[int]scriptEntry),
		limit:    captureLimit,
	}
}

// SetFailOp wires the worker's operation-failure path.
func (r *Registry) SetFailOp(fn FailOpFunc) { r.failOp = fn }

// Locks exposes the tab lock manager.
func (r *Registry) Locks() *tablock.Manager { return r.locks }

// ------------------------------------------------------------------
// Capture
// ------------------------------------------------------------------

// StartCapture begins buffering network events for a tab. Starting a capture
// that is already running is a no-op.
func (r *Registry) StartCapture(ctx context.Context, tabID int) error {
	r.mu.Lock()
	if _, running := r.captures[tabID]; running {
		r.mu.Unlock()
		return nil
	}
	ring := newEventRing(r.limit)
	r.mu.Unlock()

	stop, err := r.driver.StartCapture(ctx, tabID, ring.add)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.captures[tabID] = &capture{ring: ring, stop: stop}
	r.mu.Unlock()
	return nil
}

// StopCapture halts the tab's capture, keeping the buffered events readable.
func (r *Registry) StopCapture(tabID int) {
	r.mu.Lock()
	c, ok := r.captures[tabID]
	r.mu.Unlock()
	if ok && c.stop != nil {
		c.stop()
		r.mu.Lock()
		c.stop = nil
		r.mu.Unlock()
	}
}

// CapturedEvents returns the tab's buffered events oldest-first.
func (r *Registry) CapturedEvents(tabID int) []CapturedEvent {
	r.mu.Lock()
	c, ok := r.captures[tabID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return c.ring.snapshot()
}

// CaptureRunning reports whether a capture is active for the tab.
func (r *Registry) CaptureRunning(tabID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.captures[tabID]
	return ok && c.stop != nil
}

// ------------------------------------------------------------------
// Debug sessions
// ------------------------------------------------------------------

// AttachDebugger attaches a debug session and records it.
func (r *Registry) AttachDebugger(ctx context.Context, tabID int) error {
	if err := r.driver.AttachDebugger(ctx, tabID); err != nil {
		return err
	}
	r.mu.Lock()
	r.debugged[tabID] = true
	r.mu.Unlock()
	return nil
}

// DetachDebugger detaches the tab's debug session if one is recorded.
func (r *Registry) DetachDebugger(ctx context.Context, tabID int) error {
	r.mu.Lock()
	attached := r.debugged[tabID]
	delete(r.debugged, tabID)
	r.mu.Unlock()
	if !attached {
		return nil
	}
	return r.driver.DetachDebugger(ctx, tabID)
}

// DebuggerAttached reports whether the tab has a recorded debug session.
func (r *Registry) DebuggerAttached(tabID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.debugged[tabID]
}

// ------------------------------------------------------------------
// Injected scripts
// ------------------------------------------------------------------

// EnsureObserver injects the observer script unless the registry already
// shows it ready for the tab. Returns whether an injection happened.
func (r *Registry) EnsureObserver(ctx context.Context, tabID int, script, version string) (bool, error) {
	r.mu.Lock()
	if entry, ok := r.scripts[tabID]; ok && entry.Ready {
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	if err := r.driver.InjectObserver(ctx, tabID, script); err != nil {
		return false, err
	}
	r.mu.Lock()
	r.scripts[tabID] = scriptEntry{InjectedAt: time.Now(), ScriptVersion: version, Ready: true}
	r.mu.Unlock()
	return true, nil
}

// ObserverReady reports whether the tab has a ready observer.
func (r *Registry) ObserverReady(tabID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.scripts[tabID]
	return ok && entry.Ready
}

// InvalidateObserver drops the tab's script entry (navigation re-injection).
func (r *Registry) InvalidateObserver(tabID int) {
	r.mu.Lock()
	delete(r.scripts, tabID)
	r.mu.Unlock()
}

// ------------------------------------------------------------------
// Teardown
// ------------------------------------------------------------------

// DestroyTab runs the ordered teardown for a closed or fatally-failed tab.
// Intermediate errors are logged, never skipped past:
//  1. stop network capture
//  2. detach debug session
//  3. fail the in-flight operation holding the lock (resource_missing)
//  4. remove the injected-script entry
//  5. release the lock and fail queued waiters (resource_gone)
func (r *Registry) DestroyTab(ctx context.Context, tabID int) {
	r.logger.Info("tearing down tab", "tab", tabID)

	r.StopCapture(tabID)
	r.mu.Lock()
	delete(r.captures, tabID)
	r.mu.Unlock()

	if err := r.DetachDebugger(ctx, tabID); err != nil {
		r.logger.Warn("debugger detach during teardown failed", "tab", tabID, "error", err)
	}

	if owner, ok := r.locks.Owner(tabID); ok && r.failOp != nil {
		r.failOp(owner, wire.ErrResourceMissing, "tab closed during operation")
	}

	r.InvalidateObserver(tabID)

	_, waiters := r.locks.Destroy(tabID)
	if r.failOp != nil {
		for _, opID := range waiters {
			r.failOp(opID, wire.ErrResourceGone, "tab closed while queued for its lock")
		}
	}
}
