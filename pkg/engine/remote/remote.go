// Package remote implements the Remote Engine (C5): for every
// notification naming a remote (URL-addressed) target, it dials the
// target's own debugger WebSocket directly, bypasses CSP, reloads, and
// keeps re-evaluating matching patches on every page event other than
// Page.frameResized, bounded by a capped retry loop (spec.md §4.5).
package remote

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	stdcdp "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/cdpskins/injector/pkg/cdp"
	"github.com/cdpskins/injector/pkg/evaluator"
	"github.com/cdpskins/injector/pkg/patch"
)

// maxRetries bounds the retry loop that used to be unbounded in the
// original implementation (spec.md §9 redesign flag: "unbounded retry ->
// capped retry").
const maxRetries = 8

// retryPace limits how fast a worker re-attempts a TypeError so a page
// stuck throwing on every access doesn't spin a CPU core.
const retryPace = 50 * time.Millisecond

// Snapshot returns the currently active patch set.
type Snapshot func() *patch.PatchSet

// Engine is the Remote Engine.
type Engine struct {
	DebuggerBase  string
	HTTPClient    *http.Client
	Patches       Snapshot
	Notifications <-chan cdp.TargetNotification
	Evaluator     *evaluator.Evaluator
	Log           *logrus.Entry

	patched *PatchedSet
}

func (e *Engine) log() *logrus.Entry {
	if e.Log != nil {
		return e.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Run listens for target notifications and spawns a per-target worker
// for every remote target that needs patching, until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	if e.patched == nil {
		e.patched = NewPatchedSet()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-e.Notifications:
			if !ok {
				return fmt.Errorf("remote: notification channel closed")
			}
			e.handleNotification(ctx, n)
		}
	}
}

func (e *Engine) handleNotification(ctx context.Context, n cdp.TargetNotification) {
	if !strings.Contains(n.URL, "http") {
		return // Local-scoped target: the Local Engine already owns it.
	}
	if strings.Contains(n.URL, patch.LoopbackHost) {
		return
	}
	// Re-read live: config_fail can flip between notifications, and a
	// cached snapshot would miss that (spec.md §4 supplement).
	ps := e.currentPatches()
	if ps == nil || !ps.Valid {
		return
	}
	matches := ps.Match(patch.ContextURL, n.URL)
	if len(matches) == 0 {
		return
	}
	if !e.patched.AdmitAndMark(n.TargetID) {
		return
	}
	// PatchedSet admission is keyed on the target alone, so only the first
	// matching patch (in PatchSet order) ever admits this target; a worker
	// is bound to that one (target, patch) pair for its whole lifetime,
	// matching the original implementation's per-pair thread closure
	// (spec.md §4.5 step 1, §3 "PatchedSet"). The worker never re-reads the
	// PatchSet cell once started, so a Reload mid-worker cannot change
	// which patch an in-flight worker applies (spec.md §4.6).
	go e.runWorker(ctx, n.TargetID, matches[0])
}

func (e *Engine) currentPatches() *patch.PatchSet {
	if e.Patches == nil {
		return nil
	}
	return e.Patches()
}

// runWorker re-enumerates /json to find the target's own debugger
// WebSocket, connects to it directly, bypasses CSP, reloads the page, and
// evaluates p, the single patch that admitted this target, immediately
// and again on every subsequent event except Page.frameResized (spec.md
// §4.5). p is fixed for the worker's whole lifetime.
func (e *Engine) runWorker(ctx context.Context, targetID string, p patch.Patch) {
	defer e.patched.Remove(targetID)
	log := e.log().WithField("target_id", targetID)

	wsURL, _, err := e.resolveTarget(ctx, targetID)
	if err != nil {
		log.WithError(err).Debug("remote: target vanished before patching could start")
		return
	}

	client, err := cdp.DialTarget(ctx, wsURL, e.log())
	if err != nil {
		log.WithError(err).Warn("remote: dial target failed")
		return
	}
	defer client.Close()

	execCtx := stdcdp.WithExecutor(ctx, client)
	if err := page.SetBypassCSP(true).Do(execCtx); err != nil {
		log.WithError(err).Warn("remote: Page.setBypassCSP failed")
		return
	}
	if err := page.Enable().Do(execCtx); err != nil {
		log.WithError(err).Warn("remote: Page.enable failed")
		return
	}
	if err := page.Reload().Do(execCtx); err != nil {
		log.WithError(err).Warn("remote: Page.reload failed")
		return
	}

	events, unsub := client.SubscribeAll()
	defer unsub()

	limiter := rate.NewLimiter(rate.Every(retryPace), 1)

	e.evaluateWithRetry(ctx, client, p, log)

	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return
		case m, ok := <-events:
			if !ok {
				return
			}
			if m.Method == "Page.frameResized" {
				continue
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			e.evaluateWithRetry(ctx, client, p, log)
		}
	}
}

// evaluateWithRetry retries a patch while Runtime.evaluate keeps
// classifying it as Transient (a TypeError, typically because the page
// hasn't finished constructing the DOM this script depends on), up to
// maxRetries attempts, spaced at least retryPace apart.
func (e *Engine) evaluateWithRetry(ctx context.Context, client *cdp.Client, p patch.Patch, log *logrus.Entry) {
	limiter := rate.NewLimiter(rate.Every(retryPace), 1)
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		outcome, err := e.evaluateOne(ctx, client, p)
		switch outcome {
		case evaluator.Transient:
			log.WithError(err).Debug("remote: transient evaluation failure, retrying")
			continue
		case evaluator.Permanent:
			log.WithError(err).Debug("remote: permanent evaluation failure, giving up on this patch")
			return
		default:
			return
		}
	}
	log.WithField("retries", maxRetries).Warn("remote: exhausted retries, giving up on this patch")
}

func (e *Engine) evaluateOne(ctx context.Context, client *cdp.Client, p patch.Patch) (evaluator.Outcome, error) {
	if p.HasCSS {
		if outcome, err := e.Evaluator.EvaluateCSS(ctx, client, p.CSS); outcome != evaluator.Success {
			return outcome, err
		}
	}
	if p.HasJS {
		return e.Evaluator.EvaluateJS(ctx, client, p.JS)
	}
	return evaluator.Success, nil
}

func (e *Engine) resolveTarget(ctx context.Context, targetID string) (wsURL, url string, err error) {
	targets, err := cdp.Discover(ctx, e.HTTPClient, e.DebuggerBase)
	if err != nil {
		return "", "", err
	}
	for _, t := range targets {
		if t.TargetID == targetID {
			return t.WebSocketDebuggerURL, t.URL, nil
		}
	}
	return "", "", fmt.Errorf("remote: target %s not found in /json listing", targetID)
}
