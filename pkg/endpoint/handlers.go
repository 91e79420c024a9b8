package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/freitascorp/browserclaw/pkg/logger"
	"github.com/freitascorp/browserclaw/pkg/resilience"
	"github.com/freitascorp/browserclaw/pkg/wire"
)

// defaultObserverScript is the page observer installed when no external
// script is configured. It tags the page so re-injection checks can see it
// and mirrors completion state into a well-known global.
const defaultObserverScript = `(() => {
	if (window.__bcObserver) return;
	window.__bcObserver = { version: '1', installedAt: Date.now() };
})()`

// sendMessageScript types text into the page's composer and submits it.
const sendMessageScript = `(text) => {
	const box = document.querySelector('textarea, [contenteditable="true"]');
	if (!box) throw new Error('no composer found');
	if (box.tagName === 'TEXTAREA') {
		const setter = Object.getOwnPropertyDescriptor(window.HTMLTextAreaElement.prototype, 'value').set;
		setter.call(box, text);
		box.dispatchEvent(new Event('input', { bubbles: true }));
	} else {
		box.textContent = text;
		box.dispatchEvent(new InputEvent('input', { bubbles: true }));
	}
	const send = document.querySelector('button[data-testid="send-button"], button[aria-label*="Send" i], button[type="submit"]');
	if (!send) throw new Error('no send control found');
	send.click();
	return true;
}`

func (w *Worker) registerHandlers() {
	w.handlers = map[string]handlerSpec{
		// System
		"debug_echo":        {fn: w.handleDebugEcho},
		"get_endpoint_logs": {fn: w.handleGetLogs},
		"set_debug_logging": {fn: w.handleSetDebug},
		"reload_endpoint":   {fn: w.handleReload},
		"debug_snapshot":    {fn: w.handleDebugSnapshot},

		// Endpoint control
		"attach_debugger":       {fn: w.handleAttachDebugger, needsLock: true},
		"detach_debugger":       {fn: w.handleDetachDebugger, needsLock: true},
		"execute_script":        {fn: w.handleExecuteScript, needsLock: true},
		"get_dom":               {fn: w.handleGetDOM},
		"start_network_capture": {fn: w.handleStartCapture, needsLock: true},
		"stop_network_capture":  {fn: w.handleStopCapture, needsLock: true},
		"get_captured_events":   {fn: w.handleGetCapturedEvents},

		// Tab-targeted
		"create_tab":          {fn: w.handleCreateTab},
		"list_tabs":           {fn: w.handleListTabs},
		"close_tab":           {fn: w.handleCloseTab, needsLock: true},
		"send_message":        {fn: w.handleSendMessage, needsLock: true},
		"fetch_response":      {fn: w.handleFetchResponse},
		"get_response_status": {fn: w.handleResponseStatus},
		"forward_response":    {fn: w.handleForwardResponse, needsLock: true},
		"extract_elements":    {fn: w.handleExtractElements},
		"export_conversation": {fn: w.handleExportConversation},
		"batch":               {fn: w.handleBatch, needsLock: true},

		// Target API
		"list_conversations":        {fn: w.handleListConversations},
		"search_conversations":      {fn: w.handleSearchConversations},
		"get_conversation_metadata": {fn: w.handleConversationMetadata},
		"delete_conversation":       {fn: w.handleDeleteConversation},
		"get_conversation_url":      {fn: w.handleConversationURL},
	}
}

// ------------------------------------------------------------------
// System
// ------------------------------------------------------------------

func (w *Worker) handleDebugEcho(oc *opContext) (map[string]any, *cmdError) {
	text, _ := stringParam(oc.params, "text")
	return map[string]any{"text": text}, nil
}

func (w *Worker) handleGetLogs(oc *opContext) (map[string]any, *cmdError) {
	maxBytes := int64(64 << 10)
	if n, ok := numberParam(oc.params, "maxBytes"); ok && n > 0 {
		maxBytes = int64(n)
	}
	tail, err := logger.TailFile(w.config.LogsDir, "endpoint", os.Getpid(), maxBytes)
	if err != nil {
		return nil, failf(wire.ErrInternal, "read endpoint log: %v", err)
	}
	return map[string]any{"log": tail}, nil
}

func (w *Worker) handleSetDebug(oc *opContext) (map[string]any, *cmdError) {
	enabled := boolParam(oc.params, "enabled")
	w.log.SetDebug(enabled, slog.LevelInfo)
	w.log.Info("debug logging toggled", "enabled", enabled)
	return map[string]any{"enabled": enabled}, nil
}

func (w *Worker) handleReload(oc *opContext) (map[string]any, *cmdError) {
	if err := w.driver.Reload(oc); err != nil {
		return nil, failf(wire.ErrInternal, "reload: %v", err)
	}
	return map[string]any{"reloaded": true}, nil
}

func (w *Worker) handleDebugSnapshot(oc *opContext) (map[string]any, *cmdError) {
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "debug_snapshot needs tabId")
	}
	owner, _ := w.registry.Locks().Owner(oc.tabID)
	return map[string]any{
		"tabId":            oc.tabID,
		"observerReady":    w.registry.ObserverReady(oc.tabID),
		"captureRunning":   w.registry.CaptureRunning(oc.tabID),
		"debuggerAttached": w.registry.DebuggerAttached(oc.tabID),
		"lockOwner":        owner,
		"lockQueueLen":     w.registry.Locks().QueueLen(oc.tabID),
	}, nil
}

// ------------------------------------------------------------------
// Endpoint control
// ------------------------------------------------------------------

func (w *Worker) handleAttachDebugger(oc *opContext) (map[string]any, *cmdError) {
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "attach_debugger needs tabId")
	}
	if err := w.registry.AttachDebugger(oc, oc.tabID); err != nil {
		return nil, failf(wire.ErrResourceMissing, "attach debugger: %v", err)
	}
	return map[string]any{"attached": true}, nil
}

func (w *Worker) handleDetachDebugger(oc *opContext) (map[string]any, *cmdError) {
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "detach_debugger needs tabId")
	}
	if err := w.registry.DetachDebugger(oc, oc.tabID); err != nil {
		return nil, failf(wire.ErrResourceMissing, "detach debugger: %v", err)
	}
	return map[string]any{"detached": true}, nil
}

func (w *Worker) handleExecuteScript(oc *opContext) (map[string]any, *cmdError) {
	script, ok := stringParam(oc.params, "script")
	if !ok || script == "" {
		return nil, failf(wire.ErrValidation, "execute_script needs script")
	}
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "execute_script needs tabId")
	}
	if cerr := oc.checkCancel(); cerr != nil {
		return nil, cerr
	}
	value, err := w.driver.Eval(oc, oc.tabID, script)
	if err != nil {
		return nil, failf(wire.ErrResourceMissing, "eval: %v", err)
	}
	return map[string]any{"value": value}, nil
}

func (w *Worker) handleGetDOM(oc *opContext) (map[string]any, *cmdError) {
	selector, ok := stringParam(oc.params, "selector")
	if !ok || selector == "" {
		return nil, failf(wire.ErrValidation, "get_dom needs selector")
	}
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "get_dom needs tabId")
	}
	elements, err := w.driver.QueryDOM(oc, oc.tabID, selector)
	if err != nil {
		return nil, failf(wire.ErrResourceMissing, "query dom: %v", err)
	}
	return map[string]any{"elements": elements, "count": len(elements)}, nil
}

func (w *Worker) handleStartCapture(oc *opContext) (map[string]any, *cmdError) {
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "start_network_capture needs tabId")
	}
	if err := w.registry.StartCapture(oc, oc.tabID); err != nil {
		return nil, failf(wire.ErrResourceMissing, "start capture: %v", err)
	}
	return map[string]any{"capturing": true}, nil
}

func (w *Worker) handleStopCapture(oc *opContext) (map[string]any, *cmdError) {
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "stop_network_capture needs tabId")
	}
	w.registry.StopCapture(oc.tabID)
	return map[string]any{"capturing": false}, nil
}

func (w *Worker) handleGetCapturedEvents(oc *opContext) (map[string]any, *cmdError) {
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "get_captured_events needs tabId")
	}
	events := w.registry.CapturedEvents(oc.tabID)
	return map[string]any{"events": events, "count": len(events)}, nil
}

// ------------------------------------------------------------------
// Tab-targeted
// ------------------------------------------------------------------

func (w *Worker) handleCreateTab(oc *opContext) (map[string]any, *cmdError) {
	tabURL, _ := stringParam(oc.params, "url")
	info, err := w.driver.CreateTab(oc, tabURL)
	if err != nil {
		return nil, failf(wire.ErrInternal, "create tab: %v", err)
	}
	result := map[string]any{"tab": info}
	if boolParam(oc.params, "injectObserver") {
		injected, err := w.registry.EnsureObserver(oc, info.ID, w.observerScript(), w.config.ObserverVersion)
		if err != nil {
			return nil, failf(wire.ErrInternal, "inject observer: %v", err)
		}
		result["observerInjected"] = injected
	}
	return result, nil
}

func (w *Worker) handleListTabs(oc *opContext) (map[string]any, *cmdError) {
	tabs, err := w.driver.ListTabs(oc)
	if err != nil {
		return nil, failf(wire.ErrInternal, "list tabs: %v", err)
	}
	return map[string]any{"tabs": tabs, "count": len(tabs)}, nil
}

func (w *Worker) handleCloseTab(oc *opContext) (map[string]any, *cmdError) {
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "close_tab needs tabId")
	}
	force := boolParam(oc.params, "force")
	if err := w.driver.CloseTab(oc, oc.tabID, force); err != nil {
		return nil, failf(wire.ErrResourceMissing, "close tab: %v", err)
	}
	return map[string]any{"closed": true}, nil
}

func (w *Worker) handleSendMessage(oc *opContext) (map[string]any, *cmdError) {
	text, ok := stringParam(oc.params, "text")
	if !ok || text == "" {
		return nil, failf(wire.ErrValidation, "send_message needs text")
	}
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "send_message needs tabId")
	}

	if _, err := w.registry.EnsureObserver(oc, oc.tabID, w.observerScript(), w.config.ObserverVersion); err != nil {
		return nil, failf(wire.ErrResourceMissing, "inject observer: %v", err)
	}
	if cerr := oc.checkCancel(); cerr != nil {
		return nil, cerr
	}

	script := fmt.Sprintf("(%s)(%q)", sendMessageScript, text)
	if _, err := w.driver.Eval(oc, oc.tabID, script); err != nil {
		return nil, failf(wire.ErrResourceMissing, "send message: %v", err)
	}
	w.emit(oc.sender, oc.operationID, wire.MilestoneMessageSent, nil)

	if cerr := oc.checkCancel(); cerr != nil {
		return nil, cerr
	}

	// The bridge emits response_started/response_completed itself; an empty
	// name means our context ended first.
	name := w.bridge.Watch(oc, w.driver, WatchConfig{
		TabID:         oc.tabID,
		OperationID:   oc.operationID,
		CompletionURL: w.config.CompletionURL,
	})
	if name == "" {
		return nil, oc.checkCancel()
	}
	return nil, nil // terminal milestone already emitted
}

func (w *Worker) handleFetchResponse(oc *opContext) (map[string]any, *cmdError) {
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "fetch_response needs tabId")
	}
	selector, ok := stringParam(oc.params, "selector")
	if !ok || selector == "" {
		selector = `[data-message-author-role="assistant"]`
	}
	elements, err := w.driver.QueryDOM(oc, oc.tabID, selector)
	if err != nil {
		return nil, failf(wire.ErrResourceMissing, "fetch response: %v", err)
	}
	if len(elements) == 0 {
		return map[string]any{"response": "", "found": false}, nil
	}
	return map[string]any{"response": elements[len(elements)-1], "found": true}, nil
}

func (w *Worker) handleResponseStatus(oc *opContext) (map[string]any, *cmdError) {
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "get_response_status needs tabId")
	}
	value, err := w.driver.Eval(oc, oc.tabID, stabilityProbeScript)
	if err != nil {
		return nil, failf(wire.ErrResourceMissing, "probe tab: %v", err)
	}
	return map[string]any{"probe": value}, nil
}

func (w *Worker) handleForwardResponse(oc *opContext) (map[string]any, *cmdError) {
	target, ok := numberParam(oc.params, "targetTabId")
	if !ok || int(target) == 0 {
		return nil, failf(wire.ErrValidation, "forward_response needs targetTabId")
	}
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "forward_response needs tabId")
	}

	fetched, cerr := w.handleFetchResponse(oc)
	if cerr != nil {
		return nil, cerr
	}
	text, _ := fetched["response"].(string)
	if text == "" {
		return nil, failf(wire.ErrResourceMissing, "no response to forward from tab %d", oc.tabID)
	}
	if cerr := oc.checkCancel(); cerr != nil {
		return nil, cerr
	}

	script := fmt.Sprintf("(%s)(%q)", sendMessageScript, text)
	if _, err := w.driver.Eval(oc, int(target), script); err != nil {
		return nil, failf(wire.ErrResourceMissing, "forward to tab %d: %v", int(target), err)
	}
	return map[string]any{"forwarded": true, "targetTabId": int(target)}, nil
}

func (w *Worker) handleExtractElements(oc *opContext) (map[string]any, *cmdError) {
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "extract_elements needs tabId")
	}
	selector, ok := stringParam(oc.params, "selector")
	if !ok || selector == "" {
		selector = "[data-message-author-role]"
	}
	elements, err := w.driver.QueryDOM(oc, oc.tabID, selector)
	if err != nil {
		return nil, failf(wire.ErrResourceMissing, "extract elements: %v", err)
	}
	return map[string]any{"elements": elements, "count": len(elements)}, nil
}

func (w *Worker) handleExportConversation(oc *opContext) (map[string]any, *cmdError) {
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "export_conversation needs tabId")
	}
	value, err := w.driver.Eval(oc, oc.tabID,
		`() => ({ title: document.title, url: location.href, text: document.body ? document.body.innerText : '' })`)
	if err != nil {
		return nil, failf(wire.ErrResourceMissing, "export conversation: %v", err)
	}
	return map[string]any{"conversation": value}, nil
}

// handleBatch runs sub-commands sequentially under the batch's operation and
// lock. The terminal milestone carries a per-item result vector.
func (w *Worker) handleBatch(oc *opContext) (map[string]any, *cmdError) {
	items, ok := oc.params["items"].([]any)
	if !ok || len(items) == 0 {
		return nil, failf(wire.ErrValidation, "batch needs a non-empty items list")
	}

	results := make([]map[string]any, 0, len(items))
	for i, raw := range items {
		if cerr := oc.checkCancel(); cerr != nil {
			return nil, cerr
		}
		item, ok := raw.(map[string]any)
		if !ok {
			results = append(results, map[string]any{"index": i, "ok": false, "error": wire.ErrValidation})
			continue
		}
		name, _ := stringParam(item, "command")
		if name == "batch" {
			results = append(results, map[string]any{"index": i, "command": name, "ok": false, "error": wire.ErrValidation})
			continue
		}
		spec, known := w.handlers[name]
		if !known {
			results = append(results, map[string]any{"index": i, "command": name, "ok": false, "error": wire.ErrUnknownCommand})
			continue
		}

		subParams, _ := item["params"].(map[string]any)
		sub := &opContext{
			Context:     oc.Context,
			operationID: oc.operationID,
			sender:      oc.sender,
			tabID:       oc.tabID,
			params:      subParams,
			worker:      w,
			run:         oc.run,
		}
		if t, ok := numberParam(item, "tabId"); ok {
			sub.tabID = int(t)
		}
		// The batch holds only its own tab's lock. A lock-holding sub-command
		// aimed at another tab would bypass that tab's FIFO lock entirely.
		if spec.needsLock && sub.tabID != oc.tabID {
			results = append(results, map[string]any{
				"index": i, "command": name, "ok": false,
				"error":   wire.ErrValidation,
				"message": fmt.Sprintf("lock-holding sub-command must target tab %d", oc.tabID),
			})
			continue
		}
		result, cerr := spec.fn(sub)
		entry := map[string]any{"index": i, "command": name, "ok": cerr == nil}
		if cerr != nil {
			entry["error"] = cerr.code
			entry["message"] = cerr.message
		} else {
			entry["result"] = result
		}
		results = append(results, entry)
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}

// ------------------------------------------------------------------
// Target API (page-context fetches)
// ------------------------------------------------------------------

func (w *Worker) apiCall(oc *opContext, method, path string, body any) (map[string]any, *cmdError) {
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "target-api commands need tabId for page context")
	}
	if cerr := oc.checkCancel(); cerr != nil {
		return nil, cerr
	}
	// Page-context fetches have no deadline of their own; bound them so a
	// hung page cannot pin the handler until the operation deadline.
	var value any
	err := resilience.WithTimeout(oc, 30*time.Second, func(ctx context.Context) error {
		var ferr error
		value, ferr = w.driver.FetchJSON(ctx, oc.tabID, method, w.config.APIBase+path, body)
		return ferr
	})
	if err != nil {
		// Not relay transport trouble: the page either rejected the fetch or
		// is gone, so the failure is final for this operation.
		return nil, failf(wire.ErrResourceMissing, "api %s %s: %v", method, path, err)
	}
	return map[string]any{"data": value}, nil
}

func (w *Worker) handleListConversations(oc *opContext) (map[string]any, *cmdError) {
	limit := 20
	if n, ok := numberParam(oc.params, "limit"); ok && n > 0 {
		limit = int(n)
	}
	return w.apiCall(oc, "GET", fmt.Sprintf("/conversations?limit=%d", limit), nil)
}

func (w *Worker) handleSearchConversations(oc *opContext) (map[string]any, *cmdError) {
	query, ok := stringParam(oc.params, "query")
	if !ok || query == "" {
		return nil, failf(wire.ErrValidation, "search_conversations needs query")
	}
	return w.apiCall(oc, "GET", "/conversations/search?q="+url.QueryEscape(query), nil)
}

func (w *Worker) handleConversationMetadata(oc *opContext) (map[string]any, *cmdError) {
	id, ok := stringParam(oc.params, "conversationId")
	if !ok || id == "" {
		return nil, failf(wire.ErrValidation, "get_conversation_metadata needs conversationId")
	}
	return w.apiCall(oc, "GET", "/conversation/"+url.PathEscape(id), nil)
}

func (w *Worker) handleDeleteConversation(oc *opContext) (map[string]any, *cmdError) {
	id, ok := stringParam(oc.params, "conversationId")
	if !ok || id == "" {
		return nil, failf(wire.ErrValidation, "delete_conversation needs conversationId")
	}
	return w.apiCall(oc, "DELETE", "/conversation/"+url.PathEscape(id), nil)
}

func (w *Worker) handleConversationURL(oc *opContext) (map[string]any, *cmdError) {
	id, ok := stringParam(oc.params, "conversationId")
	if !ok || id == "" {
		return nil, failf(wire.ErrValidation, "get_conversation_url needs conversationId")
	}
	if oc.tabID == 0 {
		return nil, failf(wire.ErrValidation, "get_conversation_url needs tabId")
	}
	origin, err := w.driver.Eval(oc, oc.tabID, `() => location.origin`)
	if err != nil {
		return nil, failf(wire.ErrResourceMissing, "resolve origin: %v", err)
	}
	return map[string]any{"url": fmt.Sprintf("%v/c/%s", origin, url.PathEscape(id))}, nil
}

func (w *Worker) observerScript() string {
	if w.config.ObserverScript != "" {
		return w.config.ObserverScript
	}
	return defaultObserverScript
}
