// Package local implements the Local Engine (C4): it owns the single
// browser-wide CDP connection, discovers every CEF target, attaches to
// each, and drives it through the state machine spec.md §4.4 describes —
// Discovered -> Attaching -> Attached -> Probing -> Titled -> Documented
// -> Steady — evaluating matching patches along the way.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	stdcdp "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/sirupsen/logrus"

	"github.com/cdpskins/injector/pkg/cdp"
	"github.com/cdpskins/injector/pkg/evaluator"
	"github.com/cdpskins/injector/pkg/hostbridge"
	"github.com/cdpskins/injector/pkg/patch"
)

// Snapshot returns the currently active patch set (spec.md §3's
// "PatchSet cell" as seen by a reader).
type Snapshot func() *patch.PatchSet

// Engine is the Local Engine.
type Engine struct {
	// DebuggerBase is the browser's HTTP debugger origin, e.g.
	// "http://127.0.0.1:8080".
	DebuggerBase string
	HTTPClient   *http.Client
	Patches      Snapshot
	// Notify, if set, receives one TargetNotification per
	// targetCreated/targetInfoChanged event, for the Remote Engine.
	Notify chan<- cdp.TargetNotification
	// HostBridge, if set, is injected once a document's <html> attributes
	// carry the settings marker.
	HostBridge hostbridge.Script
	Evaluator  *evaluator.Evaluator
	Log        *logrus.Entry

	mu      sync.Mutex
	targets map[string]*trackedTarget
}

type trackedTarget struct {
	attachment *cdp.Attachment
}

func (e *Engine) log() *logrus.Entry {
	if e.Log != nil {
		return e.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Run connects to the browser-wide debugger endpoint and processes target
// lifecycle events until ctx is canceled or the browser-wide transport
// ends, which is fatal to this engine (spec.md §7: "Transport EOF on the
// browser-wide socket terminates the Local Engine").
func (e *Engine) Run(ctx context.Context) error {
	wsURL, err := cdp.DiscoverBrowserEndpoint(ctx, e.HTTPClient, e.DebuggerBase)
	if err != nil {
		return fmt.Errorf("local: %w", err)
	}
	client, err := cdp.DialBrowser(ctx, wsURL, e.log())
	if err != nil {
		return fmt.Errorf("local: dial browser endpoint: %w", err)
	}
	defer client.Close()

	e.mu.Lock()
	e.targets = make(map[string]*trackedTarget)
	e.mu.Unlock()

	createdCh, unsubCreated := client.SubscribeEvent("Target.targetCreated")
	defer unsubCreated()
	changedCh, unsubChanged := client.SubscribeEvent("Target.targetInfoChanged")
	defer unsubChanged()

	execCtx := stdcdp.WithExecutor(ctx, client)
	if err := target.SetDiscoverTargets(true).Do(execCtx); err != nil {
		return fmt.Errorf("local: Target.setDiscoverTargets: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.Done():
			return fmt.Errorf("local: browser transport ended: %w", client.Err())
		case m, ok := <-createdCh:
			if ok {
				e.handleTargetCreated(ctx, client, m)
			}
		case m, ok := <-changedCh:
			if ok {
				e.handleTargetInfoChanged(ctx, client, m)
			}
		}
	}
}

func (e *Engine) handleTargetCreated(ctx context.Context, client *cdp.Client, m *cdp.Message) {
	var ev target.EventTargetCreated
	if err := json.Unmarshal(m.Params, &ev); err != nil || ev.TargetInfo == nil {
		return
	}
	info := ev.TargetInfo

	e.mu.Lock()
	e.targets[string(info.TargetID)] = &trackedTarget{}
	e.mu.Unlock()

	e.publish(*info)
	go e.attach(ctx, client, string(info.TargetID))
}

func (e *Engine) attach(ctx context.Context, client *cdp.Client, targetID string) {
	attachment, err := client.Attach(ctx, targetID)
	if err != nil {
		e.log().WithError(err).WithField("target_id", targetID).Debug("local: attach failed, target stays unattached")
		return
	}
	e.mu.Lock()
	t, ok := e.targets[targetID]
	if ok {
		t.attachment = attachment
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	go e.probe(ctx, attachment)
}

func (e *Engine) handleTargetInfoChanged(ctx context.Context, client *cdp.Client, m *cdp.Message) {
	var ev target.EventTargetInfoChanged
	if err := json.Unmarshal(m.Params, &ev); err != nil || ev.TargetInfo == nil {
		return
	}
	info := ev.TargetInfo
	e.publish(*info)

	e.mu.Lock()
	t, tracked := e.targets[string(info.TargetID)]
	e.mu.Unlock()
	if !tracked {
		return
	}
	if t.attachment == nil {
		// Not attached on our side: either the in-flight attach goroutine
		// probes this target itself once it succeeds, or attach already
		// failed, in which case change notifications do not attach it again.
		return
	}
	go e.probe(ctx, t.attachment)
}

func (e *Engine) publish(info target.Info) {
	if e.Notify == nil {
		return
	}
	n := cdp.TargetNotification{TargetID: string(info.TargetID), URL: info.URL, Attached: info.Attached}
	select {
	case e.Notify <- n:
	default:
		e.log().Warn("local: notification channel full, dropping target update")
	}
}

// probe drives one attached target through Probing -> Titled ->
// Documented -> Steady (spec.md §4.4).
func (e *Engine) probe(ctx context.Context, a *cdp.Attachment) {
	execCtx := stdcdp.WithExecutor(ctx, a)

	const titleExpr = `document.title`
	result, exceptionDetails, err := runtime.Evaluate(titleExpr).WithReturnByValue(true).Do(execCtx)
	if err != nil {
		e.log().WithError(err).Debug("local: title probe aborted, target stays Attached")
		return
	}
	if exceptionDetails != nil {
		e.log().WithField("exception", exceptionDetails.Text).Debug("local: title probe raised an exception")
		return
	}
	var title string
	if result != nil && len(result.Value) > 0 {
		_ = json.Unmarshal(result.Value, &title)
	}

	e.applyTitlePatches(ctx, a, title)

	node, err := dom.GetDocument().Do(execCtx)
	if err != nil {
		e.log().WithError(err).Debug("local: DOM.getDocument aborted, target stays Titled")
		return
	}
	attrs, ok := htmlAttributes(node)
	if !ok {
		// No selectable attributes is data, not an error (spec.md §4.4
		// edge cases): this document just has nothing for attrs-scoped
		// patches to key on.
		return
	}

	e.applyAttrPatches(ctx, a, attrs)

	if e.HostBridge != nil && patch.HasHostBridgeMarker(attrs) {
		e.injectHostBridge(ctx, a)
	}
}

func (e *Engine) applyTitlePatches(ctx context.Context, a *cdp.Attachment, title string) {
	if e.Patches == nil {
		return
	}
	for _, p := range e.Patches().Match(patch.ContextTitle, title) {
		e.evaluatePatch(ctx, a, p)
	}
}

func (e *Engine) applyAttrPatches(ctx context.Context, a *cdp.Attachment, attrs string) {
	if e.Patches == nil {
		return
	}
	for _, p := range e.Patches().Match(patch.ContextAttrs, attrs) {
		e.evaluatePatch(ctx, a, p)
	}
}

// evaluatePatch applies one patch's CSS before its JS (spec.md §4.4
// ordering invariant).
func (e *Engine) evaluatePatch(ctx context.Context, a *cdp.Attachment, p patch.Patch) {
	if p.HasCSS {
		if _, err := e.Evaluator.EvaluateCSS(ctx, a, p.CSS); err != nil {
			e.log().WithError(err).Debug("local: css evaluation failed")
		}
	}
	if p.HasJS {
		if _, err := e.Evaluator.EvaluateJS(ctx, a, p.JS); err != nil {
			e.log().WithError(err).Debug("local: js evaluation failed")
		}
	}
}

func (e *Engine) injectHostBridge(ctx context.Context, a *cdp.Attachment) {
	source, err := e.HostBridge.Source(ctx)
	if err != nil {
		e.log().WithError(err).Warn("local: host bridge source unavailable")
		return
	}
	if _, err := e.Evaluator.EvaluateJS(ctx, a, source); err != nil {
		e.log().WithError(err).Warn("local: host bridge injection failed")
	}
}

// htmlAttributes resolves an open question left by the original
// implementation, which indexed root.Children[1].Attributes[1] directly:
// that offset is fragile against documents shaped differently than the
// one it was written against, so we scan for the <html> element by name
// first and only fall back to the fixed offset if scanning finds nothing,
// keeping compatibility with documents that do match the original shape.
func htmlAttributes(root *stdcdp.Node) (string, bool) {
	if root == nil {
		return "", false
	}
	for _, child := range root.Children {
		if child != nil && strings.EqualFold(child.NodeName, "HTML") {
			if len(child.Attributes) == 0 {
				return "", false
			}
			return strings.Join(child.Attributes, " "), true
		}
	}
	if len(root.Children) > 1 && len(root.Children[1].Attributes) > 1 {
		return root.Children[1].Attributes[1], true
	}
	return "", false
}
