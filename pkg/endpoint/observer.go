package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/freitascorp/browserclaw/pkg/wire"
)

// The page-observer protocol splits into two components joined by a typed
// signal channel. The observer watches page activity and holds all detection
// state; the bridge holds the outbound milestone capability. Neither reaches
// into the other.

// signalKind enumerates what an observer can report.
type signalKind string

const (
	signalResponseStarted signalKind = "response_started"
	signalCompleted       signalKind = "completed"
	signalTimeout         signalKind = "timeout"
)

// observerSignal is one typed message from observer to bridge.
type observerSignal struct {
	Kind        signalKind
	OperationID string
	Payload     map[string]any
}

// EmitFunc sends a milestone for an operation. Supplied by the worker.
type EmitFunc func(operationID, name string, data map[string]any)

// Bridge forwards observer signals as milestone frames. One bridge serves
// every concurrent watch.
type Bridge struct {
	emit   EmitFunc
	logger *slog.Logger
}

// NewBridge creates the milestone-emitting side of the observer protocol.
func NewBridge(emit EmitFunc, logger *slog.Logger) *Bridge {
	return &Bridge{emit: emit, logger: logger}
}

// WatchConfig describes one page observation.
type WatchConfig struct {
	TabID       int
	OperationID string
	// CompletionURL is the substring identifying the target application's
	// completion-confirmation endpoint. A response on it is the canonical
	// done signal.
	CompletionURL string
	// PollInterval and StabilityWindow drive the DOM fallback: content that
	// stops growing for StabilityWindow with no stop control visible counts
	// as completion.
	PollInterval    time.Duration
	StabilityWindow time.Duration
}

func (c *WatchConfig) defaults() {
	if c.CompletionURL == "" {
		c.CompletionURL = "/conversation"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = 2 * time.Second
	}
}

// Watch observes a tab until the operation completes, the context ends, or
// the page never signals. It blocks and returns the terminal milestone name
// it emitted. The intermediate response_started milestone is emitted at most
// once.
func (b *Bridge) Watch(ctx context.Context, driver Driver, config WatchConfig) string {
	config.defaults()
	signals := make(chan observerSignal, 16)

	obsCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	obs := &pageObserver{
		driver:  driver,
		config:  config,
		signals: signals,
		logger:  b.logger,
	}
	go obs.run(obsCtx)

	started := false
	for {
		select {
		case sig := <-signals:
			switch sig.Kind {
			case signalResponseStarted:
				if !started {
					started = true
					b.emit(sig.OperationID, wire.MilestoneResponseStarted, sig.Payload)
				}
			case signalCompleted:
				b.emit(sig.OperationID, wire.MilestoneResponseCompleted, sig.Payload)
				return wire.MilestoneResponseCompleted
			case signalTimeout:
				b.emit(sig.OperationID, wire.MilestoneFailed,
					wire.FailureData(wire.ErrObserverTimeout, "page completion signal never arrived"))
				return wire.MilestoneFailed
			}
		case <-ctx.Done():
			// The caller's deadline or cancel wins; it emits the terminal
			// milestone itself.
			return ""
		}
	}
}

// ------------------------------------------------------------------
// Observer component
// ------------------------------------------------------------------

// pageObserver holds all detection state: network capture matching and the
// DOM stability poller. It only ever communicates through its signal channel.
type pageObserver struct {
	driver  Driver
	config  WatchConfig
	signals chan<- observerSignal
	logger  *slog.Logger
}

// domProbe is what the stability poll script returns.
type domProbe struct {
	Length      int  `json:"length"`
	StopVisible bool `json:"stopVisible"`
}

// stabilityProbeScript measures page content growth and whether a stop or
// cancel control is on screen.
const stabilityProbeScript = `() => {
	const stop = document.querySelector('button[aria-label*="Stop" i], button[aria-label*="Cancel" i], [data-testid="stop-button"]');
	return {
		length: document.body ? document.body.innerText.length : 0,
		stopVisible: !!(stop && stop.offsetParent !== null),
	};
}`

func (o *pageObserver) run(ctx context.Context) {
	stop, err := o.driver.StartCapture(ctx, o.config.TabID, o.onNetwork)
	if err != nil {
		o.logger.Warn("observer capture unavailable, DOM fallback only",
			"tab", o.config.TabID, "error", err)
	} else {
		defer stop()
	}
	o.pollStability(ctx)
}

// onNetwork is the canonical detector: a response on the completion endpoint
// finishes the watch.
func (o *pageObserver) onNetwork(e CapturedEvent) {
	if !strings.Contains(e.URL, o.config.CompletionURL) {
		return
	}
	switch e.Kind {
	case "request":
		o.send(observerSignal{
			Kind:        signalResponseStarted,
			OperationID: o.config.OperationID,
		})
	case "response":
		o.send(observerSignal{
			Kind:        signalCompleted,
			OperationID: o.config.OperationID,
			Payload:     map[string]any{"status": e.Status, "url": e.URL},
		})
	}
}

// pollStability is the fallback detector: content stopped growing for the
// stability window and no stop control is visible.
func (o *pageObserver) pollStability(ctx context.Context) {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	var lastLength int
	lastChange := time.Now()
	sawGrowth := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe, err := o.probe(ctx)
			if err != nil {
				o.logger.Debug("stability probe failed", "tab", o.config.TabID, "error", err)
				continue
			}
			if probe.Length != lastLength {
				if probe.Length > lastLength {
					sawGrowth = true
				}
				lastLength = probe.Length
				lastChange = time.Now()
				continue
			}
			if sawGrowth && !probe.StopVisible &&
				time.Since(lastChange) >= o.config.StabilityWindow {
				o.send(observerSignal{
					Kind:        signalCompleted,
					OperationID: o.config.OperationID,
					Payload:     map[string]any{"fallback": true, "contentLength": probe.Length},
				})
				return
			}
		}
	}
}

func (o *pageObserver) probe(ctx context.Context) (domProbe, error) {
	value, err := o.driver.Eval(ctx, o.config.TabID, stabilityProbeScript)
	if err != nil {
		return domProbe{}, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return domProbe{}, fmt.Errorf("re-encode probe: %w", err)
	}
	var probe domProbe
	if err := json.Unmarshal(raw, &probe); err != nil {
		return domProbe{}, fmt.Errorf("decode probe: %w", err)
	}
	return probe, nil
}

func (o *pageObserver) send(sig observerSignal) {
	select {
	case o.signals <- sig:
	default:
		// Bridge is resolving; late signals are irrelevant.
	}
}
