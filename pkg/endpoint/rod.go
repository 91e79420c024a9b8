package endpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/freitascorp/browserclaw/pkg/resilience"
)

// RodConfig configures the CDP-backed driver.
type RodConfig struct {
	// URL of an already-running browser's debug endpoint. Empty launches a
	// managed instance.
	ControlURL string
	Headless   bool
}

// rodDriver drives a Chromium through go-rod. Tab ids are minted locally and
// mapped onto rod pages; the browser's own target ids never leave this type.
type rodDriver struct {
	config   RodConfig
	logger   *slog.Logger
	browser  *rod.Browser
	launcher *launcher.Launcher

	mu     sync.Mutex
	nextID int
	pages  map[int]*rod.Page
	debug  map[int]bool // tabs with an attached debug session

	events chan TabEvent
	stop   context.CancelFunc
}

// NewRodDriver connects to (or launches) a browser.
func NewRodDriver(config RodConfig, logger *slog.Logger) (Driver, error) {
	d := &rodDriver{
		config: config,
		logger: logger,
		nextID: 1,
		pages:  make(map[int]*rod.Page),
		debug:  make(map[int]bool),
		events: make(chan TabEvent, 64),
	}

	controlURL := config.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(config.Headless)
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		d.launcher = l
		controlURL = u
	}

	// A freshly launched browser may not accept CDP connections right away.
	browser := rod.New().ControlURL(controlURL)
	err := resilience.Retry(context.Background(), resilience.RetryConfig{
		MaxAttempts: 3,
		Backoff:     resilience.BackoffConfig{Initial: 500 * time.Millisecond},
	}, func(attempt int) error {
		return browser.Connect()
	})
	if err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	d.browser = browser

	ctx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	go d.watchTargets(ctx)
	return d, nil
}

// watchTargets mirrors browser target destruction into TabEvents.
func (d *rodDriver) watchTargets(ctx context.Context) {
	defer close(d.events)
	events := d.browser.Context(ctx).Event()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			var destroyed proto.TargetTargetDestroyed
			if e.Load(&destroyed) {
				if tabID := d.tabIDForTarget(destroyed.TargetID); tabID != 0 {
					d.forget(tabID)
					d.events <- TabEvent{TabID: tabID, Kind: TabClosed}
				}
			}
		}
	}
}

func (d *rodDriver) tabIDForTarget(target proto.TargetTargetID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, page := range d.pages {
		if page.TargetID == target {
			return id
		}
	}
	return 0
}

func (d *rodDriver) forget(tabID int) {
	d.mu.Lock()
	delete(d.pages, tabID)
	delete(d.debug, tabID)
	d.mu.Unlock()
}

func (d *rodDriver) page(tabID int) (*rod.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	page, ok := d.pages[tabID]
	if !ok {
		return nil, fmt.Errorf("tab %d not found", tabID)
	}
	return page, nil
}

func (d *rodDriver) CreateTab(ctx context.Context, url string) (TabInfo, error) {
	if url == "" {
		url = "about:blank"
	}
	page, err := d.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return TabInfo{}, fmt.Errorf("create tab: %w", err)
	}

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.pages[id] = page
	d.mu.Unlock()

	info, err := page.Context(ctx).Info()
	if err != nil {
		return TabInfo{ID: id, URL: url}, nil
	}
	return TabInfo{ID: id, URL: info.URL, Title: info.Title}, nil
}

func (d *rodDriver) ListTabs(ctx context.Context) ([]TabInfo, error) {
	d.mu.Lock()
	ids := make([]int, 0, len(d.pages))
	pages := make([]*rod.Page, 0, len(d.pages))
	for id, p := range d.pages {
		ids = append(ids, id)
		pages = append(pages, p)
	}
	d.mu.Unlock()

	out := make([]TabInfo, 0, len(ids))
	for i, p := range pages {
		info, err := p.Context(ctx).Info()
		if err != nil {
			continue // tab raced a close
		}
		out = append(out, TabInfo{ID: ids[i], URL: info.URL, Title: info.Title})
	}
	return out, nil
}

func (d *rodDriver) CloseTab(ctx context.Context, tabID int, force bool) error {
	page, err := d.page(tabID)
	if err != nil {
		return err
	}
	if !force {
		// Let beforeunload handlers run.
		_ = proto.PageClose{}.Call(page.Context(ctx))
	} else if err := page.Close(); err != nil {
		return fmt.Errorf("close tab %d: %w", tabID, err)
	}
	d.forget(tabID)
	return nil
}

func (d *rodDriver) Eval(ctx context.Context, tabID int, script string) (any, error) {
	page, err := d.page(tabID)
	if err != nil {
		return nil, err
	}
	res, err := page.Context(ctx).Eval(script)
	if err != nil {
		return nil, fmt.Errorf("eval in tab %d: %w", tabID, err)
	}
	var value any
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &value); err != nil {
		return res.Value.String(), nil
	}
	return value, nil
}

func (d *rodDriver) QueryDOM(ctx context.Context, tabID int, selector string) ([]string, error) {
	page, err := d.page(tabID)
	if err != nil {
		return nil, err
	}
	elements, err := page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("query %q in tab %d: %w", selector, tabID, err)
	}
	out := make([]string, 0, len(elements))
	for _, el := range elements {
		html, err := el.HTML()
		if err != nil {
			continue
		}
		out = append(out, html)
	}
	return out, nil
}

func (d *rodDriver) StartCapture(ctx context.Context, tabID int, sink func(CapturedEvent)) (func(), error) {
	page, err := d.page(tabID)
	if err != nil {
		return nil, err
	}
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("enable network capture: %w", err)
	}

	captureCtx, cancel := context.WithCancel(ctx)
	go page.Context(captureCtx).EachEvent(
		func(e *proto.NetworkRequestWillBeSent) {
			sink(CapturedEvent{
				Kind:      "request",
				URL:       e.Request.URL,
				Method:    e.Request.Method,
				Timestamp: time.Now(),
			})
		},
		func(e *proto.NetworkResponseReceived) {
			sink(CapturedEvent{
				Kind:      "response",
				URL:       e.Response.URL,
				Status:    e.Response.Status,
				Timestamp: time.Now(),
			})
		},
	)()
	return cancel, nil
}

func (d *rodDriver) AttachDebugger(ctx context.Context, tabID int) error {
	page, err := d.page(tabID)
	if err != nil {
		return err
	}
	d.mu.Lock()
	attached := d.debug[tabID]
	d.mu.Unlock()
	if attached {
		return fmt.Errorf("tab %d already has a debug session", tabID)
	}
	if _, err := (proto.DebuggerEnable{}).Call(page.Context(ctx)); err != nil {
		return fmt.Errorf("attach debugger to tab %d: %w", tabID, err)
	}
	d.mu.Lock()
	d.debug[tabID] = true
	d.mu.Unlock()
	return nil
}

func (d *rodDriver) DetachDebugger(ctx context.Context, tabID int) error {
	page, err := d.page(tabID)
	if err != nil {
		return err
	}
	if err := (proto.DebuggerDisable{}).Call(page.Context(ctx)); err != nil {
		return fmt.Errorf("detach debugger from tab %d: %w", tabID, err)
	}
	d.mu.Lock()
	delete(d.debug, tabID)
	d.mu.Unlock()
	return nil
}

func (d *rodDriver) InjectObserver(ctx context.Context, tabID int, script string) error {
	page, err := d.page(tabID)
	if err != nil {
		return err
	}
	if _, err := page.Context(ctx).Eval(script); err != nil {
		return fmt.Errorf("inject observer into tab %d: %w", tabID, err)
	}
	return nil
}

func (d *rodDriver) FetchJSON(ctx context.Context, tabID int, method, url string, body any) (any, error) {
	page, err := d.page(tabID)
	if err != nil {
		return nil, err
	}
	payload := "null"
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal fetch body: %w", err)
		}
		payload = string(raw)
	}
	script := fmt.Sprintf(`async () => {
		const body = %s;
		const res = await fetch(%q, {
			method: %q,
			headers: {'content-type': 'application/json'},
			body: body === null ? undefined : JSON.stringify(body),
			credentials: 'include',
		});
		if (!res.ok) throw new Error('fetch failed: ' + res.status);
		const text = await res.text();
		try { return JSON.parse(text); } catch { return text; }
	}`, payload, url, method)

	res, err := page.Context(ctx).Eval(script)
	if err != nil {
		return nil, fmt.Errorf("page fetch %s %s: %w", method, url, err)
	}
	var value any
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &value); err != nil {
		return res.Value.String(), nil
	}
	return value, nil
}

func (d *rodDriver) Reload(ctx context.Context) error {
	d.mu.Lock()
	pages := make([]*rod.Page, 0, len(d.pages))
	for _, p := range d.pages {
		pages = append(pages, p)
	}
	d.mu.Unlock()

	for _, p := range pages {
		if err := p.Context(ctx).Reload(); err != nil {
			d.logger.Warn("tab reload failed", "error", err)
		}
	}
	return nil
}

func (d *rodDriver) TabEvents() <-chan TabEvent { return d.events }

func (d *rodDriver) Close() error {
	if d.stop != nil {
		d.stop()
	}
	err := d.browser.Close()
	if d.launcher != nil {
		d.launcher.Cleanup()
	}
	return err
}
