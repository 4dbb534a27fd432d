package feed

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/logging"
)

// WebSocketOptions configures the WebSocket transport.
type WebSocketOptions struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are sent with the handshake.
	Headers map[string]string

	// Subscribe, if set, is sent as a text message after connecting.
	Subscribe string

	// DialTimeout bounds the handshake.
	DialTimeout time.Duration

	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration
}

// WebSocketDialer dials the feed over WebSocket.
type WebSocketDialer struct {
	opts   WebSocketOptions
	header http.Header
	dialer *websocket.Dialer
}

// NewWebSocketDialer validates opts and creates a dialer. A URL that is not
// ws:// or wss:// is a fatal connection error.
func NewWebSocketDialer(opts WebSocketOptions) (*WebSocketDialer, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, errors.Mark(fmt.Errorf("parse feed url: %w", err), errors.ErrFatalConnection)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Mark(fmt.Errorf("feed url scheme %q: must be ws or wss", u.Scheme), errors.ErrFatalConnection)
	}

	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	header := make(http.Header, len(opts.Headers))
	for k, v := range opts.Headers {
		header.Set(k, v)
	}

	return &WebSocketDialer{
		opts:   opts,
		header: header,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
		},
	}, nil
}

// Dial connects, sends the subscribe message and starts keepalive pings.
// HTTP 401 and 403 handshake responses are fatal.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, d.opts.DialTimeout)
	defer cancel()

	ws, resp, err := d.dialer.DialContext(dctx, d.opts.URL, d.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, errors.Mark(fmt.Errorf("handshake rejected: %s", resp.Status), errors.ErrFatalConnection)
		}
		return nil, errors.Mark(fmt.Errorf("dial %s: %w", d.opts.URL, err), errors.ErrTransientConnection)
	}

	if d.opts.Subscribe != "" {
		ws.SetWriteDeadline(time.Now().Add(d.opts.DialTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, []byte(d.opts.Subscribe)); err != nil {
			ws.Close()
			return nil, errors.Mark(fmt.Errorf("send subscribe: %w", err), errors.ErrTransientConnection)
		}
		ws.SetWriteDeadline(time.Time{})
	}

	c := &wsConn{
		ws:   ws,
		done: make(chan struct{}),
	}
	if d.opts.PingInterval > 0 {
		c.wg.Add(1)
		go c.keepalive(d.opts.PingInterval)
	}
	return c, nil
}

// wsConn adapts a websocket connection to Conn.
type wsConn struct {
	ws   *websocket.Conn
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Next reads one message. Binary and text frames are returned alike.
func (c *wsConn) Next(deadline time.Time) ([]byte, error) {
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return nil, c.classify(err)
	}
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return nil, c.classify(err)
	}
	return msg, nil
}

func (c *wsConn) classify(err error) error {
	select {
	case <-c.done:
		return errors.ErrConnectionClosed
	default:
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Mark(err, errors.ErrIdleTimeout)
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return errors.Mark(err, errors.ErrConnectionClosed)
	}
	return errors.Mark(err, errors.ErrTransientConnection)
}

// keepalive sends a ping every interval until the connection closes.
func (c *wsConn) keepalive(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				logging.Component("feed").Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// Close sends a close frame on a best-effort basis and closes the socket.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
		c.wg.Wait()
	})
	return err
}
