package remote

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cdpskins/injector/pkg/cdp"
	"github.com/cdpskins/injector/pkg/evaluator"
	"github.com/cdpskins/injector/pkg/patch"
)

func testLogEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(ioDiscard{})
	return logrus.NewEntry(log)
}

type ioDiscard struct{}

func (ioDiscard) Write(p []byte) (int, error) { return len(p), nil }

// scriptedConn answers every Runtime.evaluate request with the next
// canned exception class name in classNames (empty string means success)
// and anything else with an empty result, so evaluateWithRetry's retry
// counting can be tested without a real browser.
type scriptedConn struct {
	classNames []string
	calls      int
	inbox      chan []byte
	closed     chan struct{}
}

func newScriptedConn(classNames []string) *scriptedConn {
	return &scriptedConn{classNames: classNames, inbox: make(chan []byte, 8), closed: make(chan struct{})}
}

func (c *scriptedConn) Send(ctx context.Context, b []byte) error {
	var req struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return err
	}
	if req.Method != "Runtime.evaluate" {
		c.inbox <- mustMarshal(rawMessage{ID: req.ID, Result: json.RawMessage(`{}`)})
		return nil
	}
	className := ""
	if c.calls < len(c.classNames) {
		className = c.classNames[c.calls]
	}
	c.calls++
	c.inbox <- mustMarshal(rawMessage{ID: req.ID, Result: evaluateResult(className)})
	return nil
}

func (c *scriptedConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.inbox:
		return b, nil
	case <-c.closed:
		return nil, cdp.ErrTransportClosed
	}
}

func (c *scriptedConn) Close() error {
	close(c.closed)
	return nil
}

type rawMessage struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
}

func mustMarshal(v rawMessage) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func evaluateResult(className string) json.RawMessage {
	if className == "" {
		return json.RawMessage(`{"result":{"type":"undefined"}}`)
	}
	return json.RawMessage(`{"exceptionDetails":{"text":"boom","exception":{"type":"object","className":"` + className + `"}}}`)
}

func TestEvaluateWithRetryStopsAtFirstSuccess(t *testing.T) {
	conn := newScriptedConn([]string{"TypeError", "TypeError", ""})
	client := cdp.NewClient(conn, nil)
	defer client.Close()

	e := &Engine{Evaluator: evaluator.New(nil)}
	p := patch.Patch{HasJS: true, JS: "document.body.style.background='red'"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.evaluateWithRetry(ctx, client, p, testLogEntry())

	if conn.calls != 3 {
		t.Errorf("calls = %d, want 3 (TypeError, TypeError, success)", conn.calls)
	}
}

func TestEvaluateWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	classNames := make([]string, maxRetries+5)
	for i := range classNames {
		classNames[i] = "TypeError"
	}
	conn := newScriptedConn(classNames)
	client := cdp.NewClient(conn, nil)
	defer client.Close()

	e := &Engine{Evaluator: evaluator.New(nil)}
	p := patch.Patch{HasJS: true, JS: "document.body.style.background='red'"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.evaluateWithRetry(ctx, client, p, testLogEntry())

	if conn.calls != maxRetries {
		t.Errorf("calls = %d, want %d (capped retry)", conn.calls, maxRetries)
	}
}

func TestEvaluateWithRetryStopsImmediatelyOnPermanentException(t *testing.T) {
	conn := newScriptedConn([]string{"SyntaxError", "TypeError"})
	client := cdp.NewClient(conn, nil)
	defer client.Close()

	e := &Engine{Evaluator: evaluator.New(nil)}
	p := patch.Patch{HasJS: true, JS: "{{{"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.evaluateWithRetry(ctx, client, p, testLogEntry())

	if conn.calls != 1 {
		t.Errorf("calls = %d, want 1 (a non-TypeError exception is permanent, no retry)", conn.calls)
	}
}

func TestHandleNotificationFiltersLocalAndLoopbackURLs(t *testing.T) {
	e := &Engine{
		patched: NewPatchedSet(),
		Patches: func() *patch.PatchSet {
			ps, _ := patch.Parse([]byte(`{"Patches":[{"MatchRegexString":"http://.*","TargetCss":"x"}]}`))
			return ps
		},
	}
	e.handleNotification(context.Background(), cdp.TargetNotification{TargetID: "t1", URL: "steam://localpage"})
	if e.patched.Contains("t1") {
		t.Error("local-scoped URL was admitted into PatchedSet, want filtered out")
	}

	e.handleNotification(context.Background(), cdp.TargetNotification{TargetID: "t2", URL: "http://steamloopback.host/settings"})
	if e.patched.Contains("t2") {
		t.Error("loopback URL was admitted into PatchedSet, want filtered out")
	}
}

// TestURLMatchesKeepPatchSetOrder verifies that when several patches match
// the same URL, PatchSet.Match returns them in PatchSet order, so the
// matches[0] that handleNotification binds a worker to is the first
// matching patch, mirroring should_patch_interface's
// single-admission-per-URL semantics.
func TestURLMatchesKeepPatchSetOrder(t *testing.T) {
	ps, err := patch.Parse([]byte(`{"Patches":[
		{"MatchRegexString":"http://store\\.example\\.com/.*","TargetCss":"first"},
		{"MatchRegexString":"http://store\\.example\\.com/.*","TargetJs":"second"}
	]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	matches := ps.Match(patch.ContextURL, "http://store.example.com/app")
	if len(matches) != 2 {
		t.Fatalf("Match returned %d patches, want 2 (both regexes match)", len(matches))
	}
	if matches[0].CSS != "first" {
		t.Errorf("matches[0].CSS = %q, want %q (the patch that would admit and bind the worker)", matches[0].CSS, "first")
	}
}

// TestHandleNotificationDoesNotReadmitAnAlreadyMarkedTarget verifies that
// once a target is marked in PatchedSet (an in-flight worker owns it),
// handleNotification's own admission check rejects it without touching
// the worker, matching should_patch_interface's "already patched"
// exclusion (spec.md §3 "PatchedSet").
func TestHandleNotificationDoesNotReadmitAnAlreadyMarkedTarget(t *testing.T) {
	ps, err := patch.Parse([]byte(`{"Patches":[{"MatchRegexString":"http://store\\.example\\.com/.*","TargetCss":"x"}]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	e := &Engine{
		patched: NewPatchedSet(),
		Patches: func() *patch.PatchSet { return ps },
	}

	if !e.patched.AdmitAndMark("t1") {
		t.Fatal("AdmitAndMark(t1) = false on first call, want true")
	}

	// handleNotification must see the existing mark and bail out before
	// ever spawning a second worker for t1.
	e.handleNotification(context.Background(), cdp.TargetNotification{TargetID: "t1", URL: "http://store.example.com/app"})

	if !e.patched.Contains("t1") {
		t.Error("t1 no longer marked in PatchedSet; handleNotification should not have touched an already-admitted target")
	}
}
