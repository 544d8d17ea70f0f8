package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
)

// Client opens STOMP sessions against one endpoint
type Client struct {
	URL       string
	Dialer    Dialer
	Converter Converter // Defaults to JSONConverter
	Host      string    // CONNECT host header; defaults to the URL host
	Logger    *zap.Logger

	seq atomic.Uint64
}

// New creates a client; a nil dialer means a WebSocketDialer
func New(rawURL string, dialer Dialer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialer == nil {
		dialer = NewWebSocketDialer(logger)
	}

	c := &Client{
		URL:       rawURL,
		Dialer:    dialer,
		Converter: JSONConverter{},
		Logger:    logger,
	}
	if u, err := url.Parse(rawURL); err == nil {
		c.Host = u.Host
	}
	return c
}

// Connect opens a session with a generated session-<n> id
func (c *Client) Connect(ctx context.Context, h Handler) (*Session, error) {
	id := "session-" + strconv.FormatUint(c.seq.Add(1)-1, 10)
	return c.ConnectSession(ctx, id, h)
}

// ConnectSession dials the endpoint for a session named id.
// It returns once the transport is open; CONNECT is sent from the
// transport's open callback and h.AfterConnected fires on CONNECTED.
// On dial failure h.HandleTransportError fires and the error is returned.
func (c *Client) ConnectSession(ctx context.Context, id string, h Handler) (*Session, error) {
	if h == nil {
		h = &HandlerFuncs{}
	}

	s := newSession(id, c.Host, h, c.Converter, c.Logger)

	t, err := c.Dialer.Dial(ctx, c.URL, transportEvents{s: s})
	if err != nil {
		s.failDial(err)
		return nil, fmt.Errorf("failed to connect %s: %w", id, err)
	}
	s.setTransport(t)

	return s, nil
}
