package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the relay.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the relay.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Transport carries whole JSON frames in both directions.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
	Close() error
}

// Dialer opens a Transport to a relay URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials the relay over websocket.
type WebsocketDialer struct {
	Header           http.Header
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSTransport(conn), nil
}

type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	t := &wsTransport{conn: conn, closed: make(chan struct{})}

	conn.SetReadLimit(MaxFrameSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go t.pingLoop()
	return t
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(pongWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetReadDeadline(deadline)

	for {
		messageType, payload, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, fmt.Errorf("relay closed connection: %w", err)
			}
			return nil, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		return payload, nil
	}
}

func (t *wsTransport) WriteFrame(ctx context.Context, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		err = t.conn.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-t.closed:
			return
		}
	}
}
