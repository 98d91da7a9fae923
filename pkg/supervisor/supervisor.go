// Package supervisor implements the Supervisor (C6): it owns the shared
// PatchSet cell both engines read from, restarts either engine if it
// panics or returns, and is the single blocking entry point that starts
// and runs the whole injector (spec.md §4.6).
package supervisor

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cdpskins/injector/pkg/cdp"
	"github.com/cdpskins/injector/pkg/evaluator"
	"github.com/cdpskins/injector/pkg/hostbridge"
	"github.com/cdpskins/injector/pkg/patch"

	"github.com/cdpskins/injector/pkg/engine/local"
	"github.com/cdpskins/injector/pkg/engine/remote"
)

// restartBackoff is how long the Supervisor waits before relaunching an
// engine that returned or panicked, so a persistently failing engine
// doesn't spin a CPU core (spec.md §7 "per-thread panic isolation").
const restartBackoff = 2 * time.Second

// Option configures a Supervisor, following the teacher's functional-
// options pattern (BrowserFlags/UserDataDir in its session package),
// generalized here to this package's own configuration surface.
type Option func(*Supervisor)

// WithDebuggerBase sets the browser's HTTP debugger origin, e.g.
// "http://127.0.0.1:8080". Required.
func WithDebuggerBase(base string) Option {
	return func(s *Supervisor) { s.debuggerBase = base }
}

// WithHTTPClient overrides the HTTP client used for /json discovery.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) { s.httpClient = c }
}

// WithHostBridge installs the settings host-bridge script the Local
// Engine injects once it detects the settings modal root marker.
func WithHostBridge(script hostbridge.Script) Option {
	return func(s *Supervisor) { s.hostBridge = script }
}

// WithLogger overrides the structured logger every engine reports through.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Supervisor) { s.log = log }
}

// Supervisor owns the PatchSet cell and the two engines.
type Supervisor struct {
	debuggerBase string
	httpClient   *http.Client
	hostBridge   hostbridge.Script
	log          *logrus.Entry

	cell atomic.Pointer[patch.PatchSet]
}

// New builds a Supervisor from an initial patch set and options.
func New(initial *patch.PatchSet, opts ...Option) *Supervisor {
	s := &Supervisor{
		httpClient: http.DefaultClient,
		log:        logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	if initial == nil {
		initial = &patch.PatchSet{Valid: false}
	}
	s.cell.Store(initial)
	return s
}

// Reload installs a new patch set for both engines to see on their next
// read. Both the skin-change notification and the raw config-file watcher
// call this same entry point (spec.md §4 supplement: the two reload
// triggers collapse onto one method since the distinction between them is
// irrelevant to the injection engines themselves).
func (s *Supervisor) Reload(ps *patch.PatchSet) {
	if ps == nil {
		ps = &patch.PatchSet{Valid: false}
	}
	s.cell.Store(ps)
}

// Snapshot returns the currently installed patch set. Every read is a
// fresh atomic load: callers must not cache it across their own
// notification boundaries (spec.md §4 supplement: config_fail is read
// live, never snapshotted once).
func (s *Supervisor) Snapshot() *patch.PatchSet {
	return s.cell.Load()
}

// Run starts the Local and Remote Engines and blocks until ctx is
// canceled. Either engine returning (including via panic) triggers a
// restart of that engine alone, after restartBackoff, so a fault in one
// engine never takes down the other or the process (spec.md §7).
func (s *Supervisor) Run(ctx context.Context) error {
	notify := make(chan cdp.TargetNotification, 256)

	le := &local.Engine{
		DebuggerBase: s.debuggerBase,
		HTTPClient:   s.httpClient,
		Patches:      s.Snapshot,
		Notify:       notify,
		HostBridge:   s.hostBridge,
		Evaluator:    evaluator.New(s.log.WithField("engine", "local")),
		Log:          s.log.WithField("engine", "local"),
	}
	re := &remote.Engine{
		DebuggerBase:  s.debuggerBase,
		HTTPClient:    s.httpClient,
		Patches:       s.Snapshot,
		Notifications: notify,
		Evaluator:     evaluator.New(s.log.WithField("engine", "remote")),
		Log:           s.log.WithField("engine", "remote"),
	}

	done := make(chan struct{})
	go s.superviseForever(ctx, "local", le.Run, done)
	go s.superviseForever(ctx, "remote", re.Run, done)

	<-ctx.Done()
	<-done
	<-done
	return ctx.Err()
}

// superviseForever runs fn, catching panics and restarting it with
// backoff, until ctx is canceled. It signals done exactly once, when ctx
// is finally canceled and the last run has exited.
func (s *Supervisor) superviseForever(ctx context.Context, name string, fn func(context.Context) error, done chan<- struct{}) {
	for {
		if ctx.Err() != nil {
			done <- struct{}{}
			return
		}
		s.runOnce(ctx, name, fn)
		if ctx.Err() != nil {
			done <- struct{}{}
			return
		}
		s.log.WithField("engine", name).Warn("supervisor: engine exited, restarting after backoff")
		select {
		case <-ctx.Done():
			done <- struct{}{}
			return
		case <-time.After(restartBackoff):
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("engine", name).WithField("panic", r).Error("supervisor: engine panicked")
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		s.log.WithField("engine", name).WithError(err).Error("supervisor: engine returned an error")
	}
}
