// Package endpoint implements the browser gateway: a persistent relay
// connection holder, an evictable worker that dispatches commands to
// handlers, per-tab serialization, and the page-observer bridge that turns
// page activity into milestones.
package endpoint

import (
	"context"
	"time"
)

// TabInfo describes one browser tab.
type TabInfo struct {
	ID     int    `json:"id"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Active bool   `json:"active"`
}

// CapturedEvent is one structured network event from a tab capture.
type CapturedEvent struct {
	Kind      string    `json:"kind"` // "request" or "response"
	URL       string    `json:"url"`
	Method    string    `json:"method,omitempty"`
	Status    int       `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TabEvent reports a platform-observed tab lifecycle change.
type TabEvent struct {
	TabID int
	Kind  TabEventKind
}

// TabEventKind enumerates the lifecycle changes the gateway reacts to.
type TabEventKind string

const (
	TabClosed    TabEventKind = "closed"
	TabNavigated TabEventKind = "navigated"
)

// Driver abstracts the browser-automation primitives the worker needs. The
// production implementation drives a Chromium over CDP; tests substitute a
// fake.
type Driver interface {
	// CreateTab opens a tab at url and returns its descriptor.
	CreateTab(ctx context.Context, url string) (TabInfo, error)
	// ListTabs returns every open tab.
	ListTabs(ctx context.Context) ([]TabInfo, error)
	// CloseTab closes a tab. force skips beforeunload prompts.
	CloseTab(ctx context.Context, tabID int, force bool) error

	// Eval runs a script in the tab's page context and returns its value.
	Eval(ctx context.Context, tabID int, script string) (any, error)
	// QueryDOM returns the outer HTML of elements matching selector.
	QueryDOM(ctx context.Context, tabID int, selector string) ([]string, error)

	// StartCapture streams network events for the tab into sink until the
	// returned stop function is called.
	StartCapture(ctx context.Context, tabID int, sink func(CapturedEvent)) (stop func(), err error)

	// AttachDebugger and DetachDebugger manage the tab's debug session. At
	// most one session per tab.
	AttachDebugger(ctx context.Context, tabID int) error
	DetachDebugger(ctx context.Context, tabID int) error

	// InjectObserver installs the page observer script. Idempotency is the
	// caller's concern (the script registry), not the driver's.
	InjectObserver(ctx context.Context, tabID int, script string) error

	// FetchJSON performs a fetch from the tab's page context, carrying the
	// page's cookies and headers, and decodes the JSON response.
	FetchJSON(ctx context.Context, tabID int, method, url string, body any) (any, error)

	// Reload restarts the endpoint's browser attachment.
	Reload(ctx context.Context) error

	// TabEvents streams platform tab lifecycle events. The channel closes
	// when the driver shuts down.
	TabEvents() <-chan TabEvent

	// Close releases the browser.
	Close() error
}
