// Package tablock serializes operations on shared browser tabs.
//
// Each tab has at most one owning operation; contenders queue FIFO with their
// own wait deadline. Owners that overstay the maximum hold are evicted by a
// periodic sweep and their operation is failed with lock_expired. There is no
// priority preemption.
package tablock

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Outcome is the immediate result of an acquire attempt.
type Outcome string

const (
	Acquired Outcome = "acquired"
	Queued   Outcome = "queued"
	Rejected Outcome = "rejected"
)

// Wait reasons delivered to queued waiters that never acquire.
const (
	ReasonWaitTimeout  = "wait_timeout"
	ReasonResourceGone = "resource_gone"
	ReasonFailed       = "failed"
)

// WaitResult resolves a queued acquire: either the waiter was promoted to
// owner, or it was removed with a reason.
type WaitResult struct {
	Acquired bool
	Reason   string
}

// ExpireFunc is invoked (outside the manager lock) when an owner is evicted
// by the sweep. The operation should be failed with lock_expired.
type ExpireFunc func(tabID int, operationID string)

type waiter struct {
	operationID string
	deadline    time.Time
	ch          chan WaitResult
}

type lock struct {
	ownerOperationID string
	acquiredAt       time.Time
	expiresAt        time.Time
	queue            []*waiter
}

// Manager owns all tab locks for one endpoint.
type Manager struct {
	maxHold  time.Duration
	logger   *slog.Logger
	onExpire ExpireFunc

	mu    sync.Mutex
	locks map[int]*lock
}

// DefaultMaxHold bounds how long a single operation may own a tab.
const DefaultMaxHold = 30 * time.Second

// NewManager creates a lock manager. onExpire may be nil.
func NewManager(maxHold time.Duration, onExpire ExpireFunc, logger *slog.Logger) *Manager {
	if maxHold <= 0 {
		maxHold = DefaultMaxHold
	}
	return &Manager{
		maxHold:  maxHold,
		logger:   logger,
		onExpire: onExpire,
		locks:    make(map[int]*lock),
	}
}

// Run drives the expiry sweep until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(time.Now())
		}
	}
}

// TryAcquire attempts to take the tab lock for operationID.
//
// Returns Acquired with a nil channel, Queued with a channel that resolves
// once (promotion, wait timeout, or failure), or Rejected when maxWait is
// zero and the lock is held. maxWait of zero never queues.
func (m *Manager) TryAcquire(tabID int, operationID string, maxWait time.Duration) (Outcome, <-chan WaitResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[tabID]
	if !ok || l.ownerOperationID == "" {
		now := time.Now()
		m.locks[tabID] = &lock{
			ownerOperationID: operationID,
			acquiredAt:       now,
			expiresAt:        now.Add(m.maxHold),
		}
		return Acquired, nil
	}

	if maxWait <= 0 {
		return Rejected, nil
	}

	w := &waiter{
		operationID: operationID,
		deadline:    time.Now().Add(maxWait),
		ch:          make(chan WaitResult, 1),
	}
	l.queue = append(l.queue, w)
	return Queued, w.ch
}

// Release gives up the lock. Idempotent: releasing a tab the operation does
// not own is a logged no-op. The head of the queue, if any, is promoted.
func (m *Manager) Release(tabID int, operationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[tabID]
	if !ok || l.ownerOperationID != operationID {
		m.logger.Debug("release by non-owner ignored", "tab", tabID, "operation", operationID)
		return
	}
	m.promoteLocked(tabID, l)
}

// Fail removes operationID wherever it stands: a queued waiter is notified
// with reason, an owner is force-released (promoting the next waiter).
func (m *Manager) Fail(operationID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tabID, l := range m.locks {
		if l.ownerOperationID == operationID {
			m.promoteLocked(tabID, l)
			return
		}
		for i, w := range l.queue {
			if w.operationID == operationID {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
				w.ch <- WaitResult{Acquired: false, Reason: reason}
				return
			}
		}
	}
}

// Destroy drops the lock state for a closed tab. Queued waiters are notified
// with resource_gone. Returns the owning operation id, if any, so the caller
// can fail it in teardown order.
func (m *Manager) Destroy(tabID int) (ownerOperationID string, waiters []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[tabID]
	if !ok {
		return "", nil
	}
	ownerOperationID = l.ownerOperationID
	for _, w := range l.queue {
		waiters = append(waiters, w.operationID)
		w.ch <- WaitResult{Acquired: false, Reason: ReasonResourceGone}
	}
	delete(m.locks, tabID)
	return ownerOperationID, waiters
}

// Owner returns the operation currently holding the tab lock.
func (m *Manager) Owner(tabID int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tabID]
	if !ok || l.ownerOperationID == "" {
		return "", false
	}
	return l.ownerOperationID, true
}

// QueueLen returns the number of waiters behind the tab's owner.
func (m *Manager) QueueLen(tabID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[tabID]; ok {
		return len(l.queue)
	}
	return 0
}

// Sweep evicts expired owners and timed-out waiters. Runs every second from
// Run; exposed for tests.
func (m *Manager) Sweep(now time.Time) {
	type eviction struct {
		tabID       int
		operationID string
	}
	var evicted []eviction

	m.mu.Lock()
	for tabID, l := range m.locks {
		// Drop waiters whose deadline elapsed.
		kept := l.queue[:0]
		for _, w := range l.queue {
			if now.After(w.deadline) {
				w.ch <- WaitResult{Acquired: false, Reason: ReasonWaitTimeout}
				continue
			}
			kept = append(kept, w)
		}
		l.queue = kept

		if l.ownerOperationID != "" && now.After(l.expiresAt) {
			evicted = append(evicted, eviction{tabID, l.ownerOperationID})
			m.promoteLocked(tabID, l)
		}
	}
	m.mu.Unlock()

	for _, e := range evicted {
		m.logger.Warn("tab lock expired", "tab", e.tabID, "operation", e.operationID)
		if m.onExpire != nil {
			m.onExpire(e.tabID, e.operationID)
		}
	}
}

// promoteLocked hands the lock to the head of the queue, or clears it.
// Caller holds m.mu.
func (m *Manager) promoteLocked(tabID int, l *lock) {
	now := time.Now()
	for len(l.queue) > 0 {
		head := l.queue[0]
		l.queue = l.queue[1:]
		if now.After(head.deadline) {
			head.ch <- WaitResult{Acquired: false, Reason: ReasonWaitTimeout}
			continue
		}
		l.ownerOperationID = head.operationID
		l.acquiredAt = now
		l.expiresAt = now.Add(m.maxHold)
		head.ch <- WaitResult{Acquired: true}
		return
	}
	if len(l.queue) == 0 {
		delete(m.locks, tabID)
	}
}
