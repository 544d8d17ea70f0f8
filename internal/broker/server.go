package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/studiowebux/stompload/internal/frame"
	"go.uber.org/zap"
)

// supportedVersions in order of preference
var supportedVersions = []string{"1.2", "1.1", "1.0"}

// headers the broker consumes on SEND instead of forwarding
var reservedSendHeaders = map[string]bool{
	frame.Destination:   true,
	frame.Receipt:       true,
	"transaction":       true,
}

// Server is an in-process STOMP fan-out broker over WebSocket
type Server struct {
	config   *Config
	logger   *zap.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
	cancelMon  context.CancelFunc

	mu    sync.RWMutex
	conns map[*conn]struct{}
	subs  map[string]map[subscriber]struct{} // destination -> subscribers
}

type subscriber struct {
	c     *conn
	subID string
}

// NewServer creates a broker; a nil config means DefaultConfig
func NewServer(config *Config, logger *zap.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Server{
		config:  config,
		logger:  logger,
		metrics: NewMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{"v12.stomp", "v11.stomp", "v10.stomp"},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
		subs:  make(map[string]map[subscriber]struct{}),
	}
}

// Metrics returns the broker's counters
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP handler serving the STOMP endpoint and metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	mux.Handle(s.config.MetricsPath, s.metrics.Handler())
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("broker server error", zap.Error(err))
		}
	}()

	if interval := s.config.GetStatsInterval(); interval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelMon = cancel
		go s.metrics.MonitorStats(ctx, interval, s.logger)
	}

	s.logger.Info("broker listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", s.config.Path))
	return nil
}

// Stop shuts the HTTP server down and closes every open connection
func (s *Server) Stop() error {
	if s.cancelMon != nil {
		s.cancelMon()
	}

	s.mu.RLock()
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.RUnlock()
	for _, c := range open {
		c.close()
	}

	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

// GetAddress returns the WebSocket URL of a started server
func (s *Server) GetAddress() string {
	host := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	if s.listener != nil {
		host = s.listener.Addr().String()
	}
	return "ws://" + host + s.config.Path
}

// Sessions returns the number of open connections
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// handleWebSocket runs the read side of one connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newConn(uuid.NewString(), ws, s.config.QueueSize, s.config.GetWriteTimeout(), s.metrics, s.logger)
	s.register(c)
	defer s.unregister(c)

	go c.writeLoop()

	if s.readLoop(c) {
		// Let queued frames drain before the writer closes the socket
		select {
		case <-c.done:
		case <-time.After(s.config.GetWriteTimeout()):
			c.close()
		}
		return
	}
	c.close()
}

// readLoop handles inbound frames until the peer goes away or the broker
// decides to end the session; true means a close is already queued.
func (s *Server) readLoop(c *conn) bool {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", zap.Error(err))
			}
			return false
		}

		frames, err := frame.Decode(data)
		if err != nil {
			c.logger.Warn("malformed frame", zap.Error(err))
			c.sendAndClose(errorFrame("malformed frame", err.Error()))
			return true
		}
		for _, f := range frames {
			s.metrics.countFrame(string(f.Command), DirectionInbound)
			if !s.handleFrame(c, f) {
				return true
			}
		}
	}
}

// handleFrame processes one client frame; false stops reading
func (s *Server) handleFrame(c *conn, f *frame.Frame) bool {
	if !c.connected && f.Command != frame.CONNECT && f.Command != "STOMP" {
		c.sendAndClose(errorFrame("not connected", "CONNECT must be the first frame"))
		return false
	}

	switch f.Command {
	case frame.CONNECT, "STOMP":
		return s.handleConnect(c, f)

	case frame.SUBSCRIBE:
		id, destination := f.Header.Get(frame.ID), f.Header.Get(frame.Destination)
		if id == "" || destination == "" {
			c.send(errorFrame("invalid SUBSCRIBE", "id and destination are required"))
			return true
		}
		s.subscribe(c, id, destination)
		s.sendReceipt(c, f)

	case frame.UNSUBSCRIBE:
		s.unsubscribe(c, f.Header.Get(frame.ID))
		s.sendReceipt(c, f)

	case frame.SEND:
		destination := f.Header.Get(frame.Destination)
		if destination == "" {
			c.send(errorFrame("invalid SEND", "destination is required"))
			return true
		}
		s.broadcast(s.route(destination), f)
		s.sendReceipt(c, f)

	case frame.DISCONNECT:
		var receipt *frame.Frame
		if rid := f.Header.Get(frame.Receipt); rid != "" {
			receipt = frame.New(frame.RECEIPT, frame.ReceiptID, rid)
		}
		c.sendAndClose(receipt)
		return false

	default:
		c.send(errorFrame("unsupported command", string(f.Command)))
	}
	return true
}

func (s *Server) handleConnect(c *conn, f *frame.Frame) bool {
	if c.connected {
		c.send(errorFrame("already connected", ""))
		return true
	}

	version, ok := negotiateVersion(f.Header.Get(frame.AcceptVersion))
	if !ok {
		c.sendAndClose(errorFrame("unsupported protocol version",
			"supported versions are "+strings.Join(supportedVersions, ",")))
		return false
	}

	c.connected = true
	c.send(frame.New(frame.CONNECTED,
		frame.Version, version,
		frame.HeartBeat, "0,0",
		frame.Session, c.id,
		frame.Server, s.config.ServerName,
	))
	return true
}

func (s *Server) sendReceipt(c *conn, f *frame.Frame) {
	if rid := f.Header.Get(frame.Receipt); rid != "" {
		c.send(frame.New(frame.RECEIPT, frame.ReceiptID, rid))
	}
}

// route rewrites application destinations to broker destinations
func (s *Server) route(destination string) string {
	if s.config.AppPrefix != "" && strings.HasPrefix(destination, s.config.AppPrefix) {
		return s.config.BrokerPrefix + strings.TrimPrefix(destination, s.config.AppPrefix)
	}
	return destination
}

// broadcast fans f out to every subscriber of destination.
// Frames are queued from the sender's read goroutine, so messages from one
// sender reach each subscriber in the order sent.
func (s *Server) broadcast(destination string, f *frame.Frame) {
	s.mu.RLock()
	targets := make([]subscriber, 0, len(s.subs[destination]))
	for sub := range s.subs[destination] {
		targets = append(targets, sub)
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		msg := frame.New(frame.MESSAGE,
			frame.Subscription, sub.subID,
			frame.Destination, destination,
			frame.MessageID, uuid.NewString(),
		)
		for i := 0; i < f.Header.Len(); i++ {
			key, value := f.Header.GetAt(i)
			if reservedSendHeaders[key] {
				continue
			}
			msg.Header.Add(key, value)
		}
		msg.Body = f.Body
		sub.c.send(msg)
	}
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.sessions.Inc()
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	for subID, destination := range c.subs {
		s.removeSubscriberLocked(destination, subscriber{c: c, subID: subID})
	}
	delete(s.conns, c)
	s.mu.Unlock()
	s.metrics.sessions.Dec()
}

func (s *Server) subscribe(c *conn, subID, destination string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := c.subs[subID]; ok {
		s.removeSubscriberLocked(old, subscriber{c: c, subID: subID})
	}
	c.subs[subID] = destination

	set, ok := s.subs[destination]
	if !ok {
		set = make(map[subscriber]struct{})
		s.subs[destination] = set
	}
	set[subscriber{c: c, subID: subID}] = struct{}{}
}

func (s *Server) unsubscribe(c *conn, subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	destination, ok := c.subs[subID]
	if !ok {
		return
	}
	delete(c.subs, subID)
	s.removeSubscriberLocked(destination, subscriber{c: c, subID: subID})
}

func (s *Server) removeSubscriberLocked(destination string, sub subscriber) {
	set := s.subs[destination]
	delete(set, sub)
	if len(set) == 0 {
		delete(s.subs, destination)
	}
}

func negotiateVersion(acceptVersion string) (string, bool) {
	if acceptVersion == "" {
		return "1.0", true
	}
	offered := strings.Split(acceptVersion, ",")
	for _, v := range supportedVersions {
		for _, o := range offered {
			if strings.TrimSpace(o) == v {
				return v, true
			}
		}
	}
	return "", false
}

func errorFrame(message, detail string) *frame.Frame {
	f := frame.New(frame.ERROR, frame.Message, message)
	if detail != "" {
		f.Body = []byte(detail)
		f.Header.Add(frame.ContentType, "text/plain")
	}
	return f
}
