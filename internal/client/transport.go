package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/studiowebux/stompload/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultHandshakeTimeout = 45 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultCloseGrace       = time.Second
)

// Subprotocols advertised during the WebSocket handshake
var STOMPSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// ErrTransportClosed is returned by SendText once Close has been called
var ErrTransportClosed = errors.New("transport closed")

// Transport is the outbound half of a text-frame connection
type Transport interface {
	SendText(data []byte) error
	Close() error
}

// TransportHandler receives connection events.
// Implementations can rely on calls for one connection being serialized:
// OnOpen first, then any number of OnText, an optional OnError, and OnClose
// exactly once.
type TransportHandler interface {
	OnOpen(t Transport)
	OnText(data []byte)
	OnError(err error)
	OnClose()
}

// Dialer opens transports
type Dialer interface {
	Dial(ctx context.Context, url string, h TransportHandler) (Transport, error)
}

// WebSocketDialer dials STOMP endpoints over gorilla/websocket
type WebSocketDialer struct {
	Header           http.Header
	Subprotocols     []string
	TLS              *types.TLSConfig
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	CloseGrace       time.Duration // How long Close waits for the peer's close reply
	Logger           *zap.Logger
}

// NewWebSocketDialer creates a dialer advertising the STOMP subprotocols
func NewWebSocketDialer(logger *zap.Logger) *WebSocketDialer {
	return &WebSocketDialer{
		Subprotocols: STOMPSubprotocols,
		Logger:       logger,
	}
}

// Dial performs the WebSocket handshake and starts the read goroutine.
// h.OnOpen is invoked from that goroutine before the first OnText.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, h TransportHandler) (Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: orDefault(d.HandshakeTimeout, DefaultHandshakeTimeout),
		Subprotocols:     d.Subprotocols,
	}

	if d.TLS != nil && u.Scheme == "wss" {
		tlsClientConfig, err := BuildTLSConfig(d.TLS)
		if err != nil {
			return nil, fmt.Errorf("TLS configuration error: %w", err)
		}
		dialer.TLSClientConfig = tlsClientConfig
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &wsTransport{
		conn:         conn,
		writeTimeout: orDefault(d.WriteTimeout, DefaultWriteTimeout),
		closeGrace:   orDefault(d.CloseGrace, DefaultCloseGrace),
		logger:       logger,
	}
	go t.readLoop(h)

	return t, nil
}

// wsTransport adapts a gorilla connection to Transport
type wsTransport struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeGrace   time.Duration
	closing      atomic.Bool
	logger       *zap.Logger
}

func (t *wsTransport) SendText(data []byte) error {
	if t.closing.Load() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close starts the closing handshake; the socket is torn down when the peer
// answers or after the close grace period.
func (t *wsTransport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}

	t.writeMu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	err := t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	if err != nil {
		return t.conn.Close()
	}
	time.AfterFunc(t.closeGrace, func() {
		_ = t.conn.Close()
	})
	return nil
}

// readLoop delivers messages until the connection ends
func (t *wsTransport) readLoop(h TransportHandler) {
	h.OnOpen(t)

	for {
		messageType, message, err := t.conn.ReadMessage()
		if err != nil {
			if t.isUnexpected(err) {
				h.OnError(err)
			} else {
				t.logger.Debug("connection closed", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			h.OnText(message)
		}
	}

	t.closing.Store(true)
	_ = t.conn.Close()
	h.OnClose()
}

func (t *wsTransport) isUnexpected(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	}
	// Read errors after our own Close are the socket being torn down
	return !t.closing.Load()
}

// BuildTLSConfig creates a TLS configuration for wss:// connections
func BuildTLSConfig(tlsConfig *types.TLSConfig) (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: tlsConfig.InsecureSkipVerify,
	}

	if tlsConfig.CertFile != "" && tlsConfig.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	if tlsConfig.CAFile != "" {
		caCert, err := os.ReadFile(tlsConfig.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	return config, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
