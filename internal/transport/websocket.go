package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pagesync/internal/room"
)

type WebsocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	SendBuffer       int
}

func DefaultWebsocketSettings() *WebsocketSettings {
	return &WebsocketSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      45 * time.Second,
		PingInterval:     15 * time.Second,
		SendBuffer:       256,
	}
}

// TokenSource returns the bearer token presented when joining a room.
type TokenSource func(ctx context.Context, id room.ID) (string, error)

type WebsocketDialer struct {
	baseURL  string
	tokens   TokenSource
	settings *WebsocketSettings
	logger   *slog.Logger
}

func NewWebsocketDialer(baseURL string, tokens TokenSource, settings *WebsocketSettings, logger *slog.Logger) *WebsocketDialer {
	if settings == nil {
		settings = DefaultWebsocketSettings()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketDialer{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		tokens:   tokens,
		settings: settings,
		logger:   logger,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, id room.ID, replica string) (Conn, error) {
	q := url.Values{}
	q.Set("replica", replica)
	target := fmt.Sprintf("%s/rooms/%s?%s", d.baseURL, url.PathEscape(id.String()), q.Encode())

	header := http.Header{}
	if d.tokens != nil {
		token, err := d.tokens(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("room token for %s: %w", id, err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.settings.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", id, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", id, err)
	}
	return newWebsocketConn(ws, d.settings, d.logger.With("room", id.String(), "replica", replica)), nil
}

type websocketConn struct {
	ws       *websocket.Conn
	settings *WebsocketSettings
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send    chan []byte
	receive chan room.Message

	errOnce sync.Once
	errMu   sync.Mutex
	err     error
}

func newWebsocketConn(ws *websocket.Conn, settings *WebsocketSettings, logger *slog.Logger) *websocketConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &websocketConn{
		ws:       ws,
		settings: settings,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, settings.SendBuffer),
		receive:  make(chan room.Message, settings.SendBuffer),
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(settings.ReadTimeout))
	})
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *websocketConn) Send(ctx context.Context, m room.Message) error {
	payload, err := room.Encode(m)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return c.closedErr()
	}
	select {
	case <-c.ctx.Done():
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	case c.send <- payload:
		return nil
	}
}

func (c *websocketConn) Receive() <-chan room.Message {
	return c.receive
}

func (c *websocketConn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *websocketConn) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *websocketConn) fail(err error) {
	c.errOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		c.cancel()
		deadline := time.Now().Add(c.settings.WriteTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.ws.Close()
	})
}

func (c *websocketConn) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (c *websocketConn) writeLoop() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Info("room write failed", "error", err)
				c.fail(fmt.Errorf("write: %w", err))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.settings.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.fail(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (c *websocketConn) readLoop() {
	defer close(c.receive)
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(c.ctx.Err(), context.Canceled) {
				c.fail(ErrClosed)
			} else {
				c.logger.Info("room read failed", "error", err)
				c.fail(fmt.Errorf("read: %w", err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		m, err := room.Decode(payload)
		if err != nil {
			c.logger.Warn("dropping malformed room message", "error", err)
			continue
		}
		select {
		case <-c.ctx.Done():
			return
		case c.receive <- m:
		}
	}
}
