// Package transport is a thin adapter over a WebSocket session. It knows
// nothing about the protocol above it; the coordinator opens one session
// per device.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// ErrClosedByPeer reports that the remote side closed the session.
var ErrClosedByPeer = errors.New("session closed by peer")

// Session is one bidirectional frame stream.
type Session interface {
	// Send writes one text frame.
	Send(ctx context.Context, frame []byte) error
	// Recv reads one frame. A peer close surfaces as ErrClosedByPeer;
	// everything else is a transport error.
	Recv(ctx context.Context) ([]byte, error)
	// Close closes the session with a status code and reason.
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens sessions. Tests substitute an in-process implementation.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Session, error)
}

// WSDialer dials WebSocket endpoints.
type WSDialer struct {
	// Options pass through to the underlying dial.
	Options *websocket.DialOptions
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, endpoint string) (Session, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, d.Options)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return NewConn(conn), nil
}

// Conn adapts a *websocket.Conn to Session. Frames are text: every message
// on the wire is one UTF-8 JSON document.
type Conn struct {
	conn *websocket.Conn
}

// NewConn wraps an accepted or dialed connection.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// Send implements Session.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

// Recv implements Session.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return nil, fmt.Errorf("%w: status %v", ErrClosedByPeer, status)
		}
		return nil, fmt.Errorf("transport recv: %w", err)
	}
	return data, nil
}

// Close implements Session.
func (c *Conn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}
