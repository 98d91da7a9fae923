package cdp

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/mailru/easyjson"
	"github.com/sirupsen/logrus"
)

// Client owns one CDP connection and demultiplexes it: every in-flight
// request/response pair is correlated by ID the way daabr-chrome-vision's
// Session.responseSubscribers does, and every event is fanned out to
// whichever goroutines subscribed to it the way its eventSubscribers map
// does. A Client is shared browser-wide (sessionId ""); Attachment wraps
// one for a single attached target's sessionId.
type Client struct {
	conn   Conn
	nextID int64
	log    *logrus.Entry

	mu      sync.Mutex
	pending map[int64]chan *Message

	subMu sync.Mutex
	byMethod map[string][]chan *Message
	all      []chan *Message

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

// NewClient wraps an arbitrary Conn in a demultiplexing Client. Most
// callers want DialBrowser/DialTarget instead; NewClient exists so
// alternate or fake transports (tests, a pipe-based embedder) can reuse
// the same demux logic.
func NewClient(conn Conn, log *logrus.Entry) *Client {
	return newClient(conn, log)
}

func newClient(conn Conn, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Client{
		conn:     conn,
		log:      log,
		pending:  make(map[int64]chan *Message),
		byMethod: make(map[string][]chan *Message),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		b, err := c.conn.Receive(context.Background())
		if err != nil {
			c.shutdown(err)
			return
		}
		m := new(Message)
		if err := json.Unmarshal(b, m); err != nil {
			c.log.WithError(err).Warn("cdp: dropping malformed frame")
			continue
		}
		c.dispatch(m)
	}
}

func (c *Client) dispatch(m *Message) {
	if !m.isEvent() {
		c.mu.Lock()
		ch, ok := c.pending[m.ID]
		if ok {
			delete(c.pending, m.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- m
			close(ch)
		}
		return
	}

	c.subMu.Lock()
	subs := append([]chan *Message(nil), c.byMethod[m.Method]...)
	all := append([]chan *Message(nil), c.all...)
	c.subMu.Unlock()

	c.log.WithField("method", m.Method).Trace("cdp: event received")
	for _, ch := range subs {
		select {
		case ch <- m:
		default:
			c.log.WithField("method", m.Method).Warn("cdp: subscriber channel full, dropping event")
		}
	}
	for _, ch := range all {
		select {
		case ch <- m:
		default:
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
	})
}

// Done is closed once the underlying transport has ended, for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the transport ended; only meaningful after Done closes.
func (c *Client) Err() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrTransportClosed
}

// SubscribeEvent returns a channel fed every event of the given CDP
// method (e.g. "Target.targetCreated"), and a function to stop receiving
// them. The channel is buffered; a slow subscriber drops events rather
// than stalling the read loop.
func (c *Client) SubscribeEvent(method string) (<-chan *Message, func()) {
	ch := make(chan *Message, 32)
	c.subMu.Lock()
	c.byMethod[method] = append(c.byMethod[method], ch)
	c.subMu.Unlock()
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		list := c.byMethod[method]
		for i, existing := range list {
			if existing == ch {
				c.byMethod[method] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll returns a channel fed every event regardless of method,
// used by the remote per-target worker loop, which must react to
// anything except Page.frameResized.
func (c *Client) SubscribeAll() (<-chan *Message, func()) {
	ch := make(chan *Message, 32)
	c.subMu.Lock()
	c.all = append(c.all, ch)
	c.subMu.Unlock()
	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, existing := range c.all {
			if existing == ch {
				c.all = append(c.all[:i], c.all[i+1:]...)
				return
			}
		}
	}
}

// send issues one request and blocks until its response arrives, the
// context is canceled, or the transport ends.
func (c *Client) send(ctx context.Context, sessionID, method string, params json.RawMessage) (*Message, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	req := &Message{ID: id, SessionID: sessionID, Method: method, Params: params}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.Send(ctx, b); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.Err()
	case m := <-ch:
		return m, nil
	}
}

// Execute implements github.com/chromedp/cdproto/cdp.Executor for
// browser-wide (no sessionId) commands, so any generated cdproto command's
// Do(ctx) method can run directly over this Client once installed with
// cdp.WithExecutor.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return c.execute(ctx, "", method, params, res)
}

func (c *Client) execute(ctx context.Context, sessionID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var buf []byte
	if params != nil {
		b, err := easyjson.Marshal(params)
		if err != nil {
			return err
		}
		buf = b
	}
	m, err := c.send(ctx, sessionID, method, buf)
	if err != nil {
		return err
	}
	if m.Error != nil {
		return m.Error
	}
	if res != nil && len(m.Result) > 0 {
		return easyjson.Unmarshal(m.Result, res)
	}
	return nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
