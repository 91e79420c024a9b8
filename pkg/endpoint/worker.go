package endpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freitascorp/browserclaw/pkg/logger"
	"github.com/freitascorp/browserclaw/pkg/resilience"
	"github.com/freitascorp/browserclaw/pkg/tablock"
	"github.com/freitascorp/browserclaw/pkg/wire"
)

// frameSink is what the worker needs from the holder. Tests substitute a
// recorder.
type frameSink interface {
	SendMilestone(to string, ms wire.Milestone)
	SendAck(to, requestID, operationID string)
}

// cmdError is a handler failure carrying a taxonomy code.
type cmdError struct {
	code    string
	message string
}

func (e *cmdError) Error() string { return fmt.Sprintf("%s: %s", e.code, e.message) }

func failf(code, format string, args ...any) *cmdError {
	return &cmdError{code: code, message: fmt.Sprintf(format, args...)}
}

// opContext carries one operation through its handler.
type opContext struct {
	context.Context
	operationID string
	sender      string
	tabID       int
	params      map[string]any
	worker      *Worker
	run         *running
}

// checkCancel is the handler suspension point: it observes a pending cancel
// or an elapsed deadline.
func (oc *opContext) checkCancel() *cmdError {
	if err := oc.Err(); err != nil {
		if oc.run.cancelRequested.Load() {
			return failf(wire.ErrCancelled, "operation cancelled")
		}
		return failf(wire.ErrObserverTimeout, "operation deadline elapsed")
	}
	return nil
}

// running is the worker's record of an in-flight operation.
type running struct {
	sender          string
	tabID           int
	cancel          context.CancelFunc
	cancelRequested atomic.Bool
	terminalSent    atomic.Bool
}

type handlerFunc func(oc *opContext) (map[string]any, *cmdError)

type handlerSpec struct {
	fn        handlerFunc
	needsLock bool // serialize on the command's tabId
}

// WorkerConfig tunes the dispatcher.
type WorkerConfig struct {
	ObserverScript  string // page observer source injected into tabs
	ObserverVersion string
	CompletionURL   string // target-API completion endpoint fragment
	APIBase         string // target-API path prefix for page-context fetches
	LogsDir         string // for get_endpoint_logs
	MaxConcurrent   int    // handler bulkhead (default 8)
	LockMaxWait     time.Duration
	LockMaxHold     time.Duration
}

func (c *WorkerConfig) defaults() {
	if c.ObserverVersion == "" {
		c.ObserverVersion = "1"
	}
	if c.CompletionURL == "" {
		c.CompletionURL = "/conversation"
	}
	if c.APIBase == "" {
		c.APIBase = "/backend-api"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.LockMaxWait <= 0 {
		c.LockMaxWait = 10 * time.Second
	}
}

// Worker dispatches command frames to handlers, serializes tab access, and
// emits milestones through the holder.
type Worker struct {
	config   WorkerConfig
	sink     frameSink
	driver   Driver
	registry *Registry
	bridge   *Bridge
	log      *logger.Logger
	bulkhead *resilience.Bulkhead

	mu       sync.Mutex
	ops      map[string]*running
	handlers map[string]handlerSpec
}

// NewWorker wires the dispatcher. The registry's lock manager gains the
// worker's expiry and failure paths.
func NewWorker(config WorkerConfig, sink frameSink, driver Driver, registry *Registry, log *logger.Logger) *Worker {
	config.defaults()
	w := &Worker{
		config:   config,
		sink:     sink,
		driver:   driver,
		registry: registry,
		log:      log,
		bulkhead: resilience.NewBulkhead("handlers", config.MaxConcurrent),
		ops:      make(map[string]*running),
	}
	w.bridge = NewBridge(w.emitByOp, log.Logger.With("component", "observer"))
	registry.SetFailOp(w.FailOperation)
	w.registerHandlers()
	return w
}

// Run signals readiness to the holder and reacts to tab lifecycle events
// until ctx is done.
func (w *Worker) Run(ctx context.Context, holder *Holder) {
	go w.registry.Locks().Run(ctx)
	holder.WorkerReady(w.HandleFrame)
	defer holder.WorkerGone()

	events := w.driver.TabEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Kind {
			case TabClosed:
				w.registry.DestroyTab(ctx, e.TabID)
			case TabNavigated:
				w.registry.InvalidateObserver(e.TabID)
			}
		}
	}
}

// HandleFrame processes one inbound frame from the holder.
func (w *Worker) HandleFrame(frame wire.Frame) {
	switch frame.Type {
	case wire.FrameCommand:
		var cmd wire.Command
		if err := frame.Decode(&cmd); err != nil {
			w.log.Warn("malformed command frame dropped", "from", frame.From, "error", err)
			return
		}
		go w.execute(frame.From, frame.RequestID, cmd)
	case wire.FrameCancel:
		var c wire.Cancel
		if err := frame.Decode(&c); err != nil {
			return
		}
		w.cancelOperation(frame.From, c.OperationID)
	case wire.FrameRosterUpdate, wire.FrameRelayReady:
		// informational
	default:
		w.log.Debug("unhandled frame", "type", frame.Type, "from", frame.From)
	}
}

// ------------------------------------------------------------------
// Execution
// ------------------------------------------------------------------

func (w *Worker) execute(sender, requestID string, cmd wire.Command) {
	w.sink.SendAck(sender, requestID, cmd.OperationID)
	w.emit(sender, cmd.OperationID, wire.MilestoneStarted, nil)

	spec, known := w.handlers[cmd.Command]
	if !known {
		w.emit(sender, cmd.OperationID, wire.MilestoneFailed,
			wire.FailureData(wire.ErrUnknownCommand, fmt.Sprintf("no handler for %q", cmd.Command)))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if ms, ok := numberParam(cmd.Params, "timeoutMs"); ok && ms > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), time.Duration(ms)*time.Millisecond)
	}
	run := &running{sender: sender, tabID: cmd.TabID, cancel: cancel}
	w.mu.Lock()
	w.ops[cmd.OperationID] = run
	w.mu.Unlock()

	defer func() {
		cancel()
		w.mu.Lock()
		delete(w.ops, cmd.OperationID)
		w.mu.Unlock()
	}()

	oc := &opContext{
		Context:     ctx,
		operationID: cmd.OperationID,
		sender:      sender,
		tabID:       cmd.TabID,
		params:      cmd.Params,
		worker:      w,
		run:         run,
	}

	if spec.needsLock && cmd.TabID != 0 {
		if cerr := w.acquireLock(oc); cerr != nil {
			w.finishWith(run, sender, cmd.OperationID, nil, cerr)
			return
		}
		defer w.registry.Locks().Release(cmd.TabID, cmd.OperationID)
	}

	// dispatched marks the hand-off into page work; pure lookups like
	// debug_echo go straight from started to their terminal milestone.
	if spec.needsLock {
		w.emit(sender, cmd.OperationID, wire.MilestoneDispatched, nil)
	}

	var result map[string]any
	var cerr *cmdError
	err := w.bulkhead.Execute(ctx, func() error {
		defer func() {
			if rec := recover(); rec != nil {
				w.log.Exception("handler "+cmd.Command, rec)
				cerr = failf(wire.ErrInternal, "handler panic")
			}
		}()
		result, cerr = spec.fn(oc)
		return nil
	})
	if err != nil && cerr == nil {
		// The bulkhead only errors when the operation's context ended while
		// waiting for capacity.
		cerr = oc.checkCancel()
		if cerr == nil {
			cerr = failf(wire.ErrInternal, "handler execution: %v", err)
		}
	}

	w.finishWith(run, sender, cmd.OperationID, result, cerr)
}

// acquireLock takes the tab lock, waiting FIFO up to maxWaitMs.
func (w *Worker) acquireLock(oc *opContext) *cmdError {
	maxWait := w.config.LockMaxWait
	if ms, ok := numberParam(oc.params, "maxWaitMs"); ok {
		maxWait = time.Duration(ms) * time.Millisecond
	}

	outcome, waitCh := w.registry.Locks().TryAcquire(oc.tabID, oc.operationID, maxWait)
	switch outcome {
	case tablock.Acquired:
		return nil
	case tablock.Rejected:
		return failf(wire.ErrResourceBusy, "tab %d locked and maxWaitMs is zero", oc.tabID)
	}

	select {
	case res := <-waitCh:
		if res.Acquired {
			return nil
		}
		switch res.Reason {
		case tablock.ReasonResourceGone:
			return failf(wire.ErrResourceGone, "tab %d closed while queued", oc.tabID)
		default:
			return failf(wire.ErrResourceBusy, "tab %d lock not acquired: %s", oc.tabID, res.Reason)
		}
	case <-oc.Done():
		w.registry.Locks().Fail(oc.operationID, tablock.ReasonFailed)
		return oc.checkCancel()
	}
}

// finishWith emits the terminal milestone unless the handler (via the
// observer bridge) already did.
func (w *Worker) finishWith(run *running, sender, operationID string, result map[string]any, cerr *cmdError) {
	if run.terminalSent.Load() {
		return
	}
	if cerr != nil {
		name := wire.MilestoneFailed
		data := wire.FailureData(cerr.code, cerr.message)
		switch cerr.code {
		case wire.ErrCancelled:
			name = wire.MilestoneCancelled
		case wire.ErrObserverTimeout:
			if run.cancelRequested.Load() {
				name = wire.MilestoneCancelled
				data = wire.FailureData(wire.ErrCancelled, "operation cancelled")
			}
		}
		w.emit(sender, operationID, name, data)
		return
	}
	w.emit(sender, operationID, wire.MilestoneResponseCompleted, result)
}

// cancelOperation handles a cancel frame: cooperative, best effort.
func (w *Worker) cancelOperation(sender, operationID string) {
	w.mu.Lock()
	run, ok := w.ops[operationID]
	w.mu.Unlock()

	if !ok || run.terminalSent.Load() {
		// Nothing left to interrupt.
		w.emit(sender, operationID, wire.MilestoneCancelRefused,
			map[string]any{"reason": "operation not in flight"})
		return
	}
	run.cancelRequested.Store(true)
	run.cancel()
	w.log.Info("cancel requested", "operation_id", operationID)
}

// FailOperation force-fails an in-flight operation from outside its handler
// (tab teardown, lock expiry).
func (w *Worker) FailOperation(operationID, code, message string) {
	w.mu.Lock()
	run, ok := w.ops[operationID]
	w.mu.Unlock()
	if !ok {
		return
	}
	w.emit(run.sender, operationID, wire.MilestoneFailed, wire.FailureData(code, message))
	run.cancel()
}

// ------------------------------------------------------------------
// Milestones
// ------------------------------------------------------------------

// emit sends one milestone and records terminality on the operation.
func (w *Worker) emit(to, operationID, name string, data map[string]any) {
	if wire.Terminal(name) {
		w.mu.Lock()
		if run, ok := w.ops[operationID]; ok {
			if run.terminalSent.Swap(true) {
				w.mu.Unlock()
				return // exactly one terminal milestone per operation
			}
		}
		w.mu.Unlock()
	}
	w.sink.SendMilestone(to, wire.Milestone{
		OperationID: operationID,
		Name:        name,
		Data:        data,
		Timestamp:   time.Now(),
	})
}

// emitByOp is the bridge's milestone path: it resolves the operation's
// originating client.
func (w *Worker) emitByOp(operationID, name string, data map[string]any) {
	w.mu.Lock()
	run, ok := w.ops[operationID]
	w.mu.Unlock()
	if !ok {
		w.log.Warn("observer milestone for unknown operation", "operation_id", operationID)
		return
	}
	w.emit(run.sender, operationID, name, data)
}

// ------------------------------------------------------------------
// Param helpers
// ------------------------------------------------------------------

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}

func numberParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}
