package cdp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is the minimal duplex byte-message transport a Client multiplexes
// over. It is satisfied by wsConn (the only implementation shipped here)
// and exists so Client's demux logic can be exercised in tests against a
// fake without opening a real socket.
type Conn interface {
	Send(ctx context.Context, b []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// wsConn is a Conn backed by a raw WebSocket connection dialed with
// gobwas/ws, the library chromedp itself uses to talk to a CEF/Chromium
// debugger endpoint.
type wsConn struct {
	conn net.Conn
	br   *bufio.Reader
}

func dialWebSocket(ctx context.Context, wsURL string) (*wsConn, error) {
	conn, br, _, err := ws.DefaultDialer.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("cdp: dial %s: %w", wsURL, err)
	}
	return &wsConn{conn: conn, br: br}, nil
}

func (c *wsConn) Send(ctx context.Context, b []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	return wsutil.WriteClientText(c.conn, b)
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	}
	b, err := wsutil.ReadServerText(c.br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrTransportClosed
		}
		return nil, err
	}
	return b, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
