package cdp

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
)

// Attachment is a CDP "Session" as spec.md §3 defines it: an
// attachToTarget result scoped to one target by sessionId. Every command
// issued through it is tagged with that sessionId so the browser routes
// it to the right target.
type Attachment struct {
	client    *Client
	sessionID string
	targetID  string
}

// SessionID returns the sessionId this attachment routes commands under.
func (a *Attachment) SessionID() string { return a.sessionID }

// TargetID returns the target this attachment is bound to.
func (a *Attachment) TargetID() string { return a.targetID }

// Execute implements cdp.Executor, scoped to this attachment's sessionId.
func (a *Attachment) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return a.client.execute(ctx, a.sessionID, method, params, res)
}

// Attach performs Target.attachToTarget for targetID and returns the
// resulting session-scoped Attachment. Flatten mode is requested so
// commands can be routed by sessionId alone, matching how the rest of
// this package issues typed commands.
func (c *Client) Attach(ctx context.Context, targetID string) (*Attachment, error) {
	execCtx := cdp.WithExecutor(ctx, c)
	sessionID, err := target.AttachToTarget(target.ID(targetID)).WithFlatten(true).Do(execCtx)
	if err != nil {
		return nil, err
	}
	return &Attachment{client: c, sessionID: string(sessionID), targetID: targetID}, nil
}

// DialTarget opens a fresh, dedicated connection directly to a target's
// own debugger WebSocket (as opposed to attaching over the browser-wide
// socket), the way the Remote Engine talks to a target it intends to
// patch (spec.md §4.5).
func DialTarget(ctx context.Context, wsURL string, log *logrus.Entry) (*Client, error) {
	conn, err := dialWebSocket(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	return newClient(conn, log), nil
}

// DialBrowser opens the browser-wide CDP connection the Local Engine
// drives (spec.md §4.4).
func DialBrowser(ctx context.Context, wsURL string, log *logrus.Entry) (*Client, error) {
	return DialTarget(ctx, wsURL, log)
}
