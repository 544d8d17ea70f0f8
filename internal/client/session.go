package client

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/studiowebux/stompload/internal/frame"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned when an operation needs a CONNECTED session
	ErrNotConnected = errors.New("session is not connected")

	// ErrDisconnected is returned for operations on a finished session
	ErrDisconnected = errors.New("session is disconnected")

	// ErrDuplicateReceipt is returned when a receipt id is already pending
	ErrDuplicateReceipt = errors.New("receipt id already pending")

	// ErrClosedBeforeConnected is reported when the peer closes the transport
	// before sending CONNECTED
	ErrClosedBeforeConnected = errors.New("connection closed before CONNECTED")
)

// State of a session. Disconnected is terminal.
type State int32

const (
	Connecting State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// AcceptVersion is sent in every CONNECT frame
const AcceptVersion = "1.1,1.2"

type subscription struct {
	id          string
	destination string
	fn          MessageFunc
}

// Session is one STOMP conversation over one transport
type Session struct {
	id        string
	host      string
	handler   Handler
	converter Converter
	logger    *zap.Logger

	state      atomic.Int32
	subSeq     atomic.Uint64
	receiptSeq atomic.Uint64
	failed     atomic.Bool // a transport error has been reported

	// guards the fields below; the read goroutine and callers of Subscribe both touch them
	mu              sync.Mutex
	transport       Transport
	subscriptions   map[string]*subscription
	pendingReceipts map[string]func()

	disconnectOnce sync.Once
	closeOnce      sync.Once
	done           chan struct{}
}

func newSession(id, host string, handler Handler, converter Converter, logger *zap.Logger) *Session {
	if converter == nil {
		converter = JSONConverter{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		id:              id,
		host:            host,
		handler:         handler,
		converter:       converter,
		logger:          logger.With(zap.String("session_id", id)),
		subscriptions:   make(map[string]*subscription),
		pendingReceipts: make(map[string]func()),
		done:            make(chan struct{}),
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// State returns the current state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the transport has closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// NextReceiptID returns a fresh receipt-<n> id, unique within this session
func (s *Session) NextReceiptID() string {
	return "receipt-" + strconv.FormatUint(s.receiptSeq.Add(1)-1, 10)
}

// HasPendingReceipt reports whether receiptID still awaits its RECEIPT
func (s *Session) HasPendingReceipt(receiptID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pendingReceipts[receiptID]
	return ok
}

// Subscriptions returns the number of active subscriptions
func (s *Session) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscriptions)
}

// Subscribe subscribes to destination with messages going to the session handler.
// When receiptID is non-empty a receipt is requested and HandleReceipt fires
// once it arrives.
func (s *Session) Subscribe(destination, receiptID string) (string, error) {
	return s.SubscribeFunc(destination, receiptID, nil)
}

// SubscribeFunc is Subscribe with a dedicated message handler
func (s *Session) SubscribeFunc(destination, receiptID string, fn MessageFunc) (string, error) {
	if err := s.requireConnected(); err != nil {
		return "", err
	}

	subID := "sub-" + strconv.FormatUint(s.subSeq.Add(1)-1, 10)
	f := frame.New(frame.SUBSCRIBE, frame.ID, subID, frame.Destination, destination)

	s.mu.Lock()
	if receiptID != "" {
		if _, exists := s.pendingReceipts[receiptID]; exists {
			s.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrDuplicateReceipt, receiptID)
		}
		s.pendingReceipts[receiptID] = s.receiptNotifier(receiptID)
		f.Header.Add(frame.Receipt, receiptID)
	}
	s.subscriptions[subID] = &subscription{id: subID, destination: destination, fn: fn}
	s.mu.Unlock()

	if err := s.write(f); err != nil {
		s.mu.Lock()
		delete(s.subscriptions, subID)
		if receiptID != "" {
			delete(s.pendingReceipts, receiptID)
		}
		s.mu.Unlock()
		return "", err
	}

	s.logger.Debug("subscribed",
		zap.String("subscription", subID),
		zap.String("destination", destination),
		zap.String("receipt", receiptID))
	return subID, nil
}

// Unsubscribe removes a subscription; later MESSAGE frames for it are dropped
func (s *Session) Unsubscribe(subID string) error {
	if err := s.requireConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	_, ok := s.subscriptions[subID]
	delete(s.subscriptions, subID)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown subscription %q", subID)
	}
	return s.write(frame.New(frame.UNSUBSCRIBE, frame.ID, subID))
}

// Send converts payload with the session converter and sends it to destination
func (s *Session) Send(destination string, payload any) error {
	return s.SendWithHeaders(destination, payload)
}

// SendWithHeaders is Send with extra header key/value pairs
func (s *Session) SendWithHeaders(destination string, payload any, kv ...string) error {
	body, err := s.converter.Marshal(payload)
	if err != nil {
		return err
	}

	f := frame.New(frame.SEND, frame.Destination, destination)
	if ct := s.converter.ContentType(); ct != "" {
		f.Header.Add(frame.ContentType, ct)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Header.Set(kv[i], kv[i+1])
	}
	f.Body = body

	return s.SendFrame(f)
}

// SendFrame sends a pre-built frame on a connected session
func (s *Session) SendFrame(f *frame.Frame) error {
	if err := s.requireConnected(); err != nil {
		return err
	}
	return s.write(f)
}

// Disconnect sends DISCONNECT and closes the transport.
// Repeated calls are no-ops; AfterDisconnected fires once the transport
// reports close.
func (s *Session) Disconnect() error {
	var err error
	s.disconnectOnce.Do(func() {
		prev := State(s.state.Swap(int32(Disconnected)))

		t := s.currentTransport()
		if t == nil {
			return
		}
		if prev == Connected {
			if werr := s.write(frame.New(frame.DISCONNECT)); werr != nil {
				s.logger.Debug("failed to send DISCONNECT", zap.Error(werr))
			}
		}
		err = t.Close()
	})
	return err
}

func (s *Session) requireConnected() error {
	switch s.State() {
	case Connected:
		return nil
	case Disconnected:
		return ErrDisconnected
	default:
		return ErrNotConnected
	}
}

func (s *Session) currentTransport() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

func (s *Session) setTransport(t Transport) {
	s.mu.Lock()
	if s.transport == nil {
		s.transport = t
	}
	s.mu.Unlock()
}

func (s *Session) write(f *frame.Frame) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}

	t := s.currentTransport()
	if t == nil {
		return ErrNotConnected
	}
	if err := t.SendText(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", f.Command, err)
	}
	return nil
}

func (s *Session) receiptNotifier(receiptID string) func() {
	return func() {
		s.handler.HandleReceipt(s, receiptID)
	}
}

// dispatch routes one inbound frame
func (s *Session) dispatch(f *frame.Frame) {
	switch f.Command {
	case frame.CONNECTED:
		if !s.state.CompareAndSwap(int32(Connecting), int32(Connected)) {
			s.logger.Debug("ignoring CONNECTED", zap.Stringer("state", s.State()))
			return
		}
		s.handler.AfterConnected(s, f.Header)

	case frame.RECEIPT:
		receiptID := f.Header.Get(frame.ReceiptID)
		s.mu.Lock()
		fn, ok := s.pendingReceipts[receiptID]
		delete(s.pendingReceipts, receiptID)
		s.mu.Unlock()

		if !ok {
			s.logger.Debug("receipt for unknown id", zap.String("receipt_id", receiptID))
			return
		}
		fn()

	case frame.MESSAGE:
		subID := f.Header.Get(frame.Subscription)
		s.mu.Lock()
		sub, ok := s.subscriptions[subID]
		s.mu.Unlock()

		if !ok {
			s.logger.Debug("message for unknown subscription",
				zap.String("subscription", subID),
				zap.String("destination", f.Header.Get(frame.Destination)))
			return
		}
		if sub.fn != nil {
			sub.fn(s, f)
			return
		}
		s.handler.HandleMessage(s, f)

	case frame.ERROR:
		s.logger.Debug("broker error", zap.String("frame", f.ShortString()))
		s.handler.HandleError(s, f)

	default:
		s.logger.Debug("unhandled frame", zap.String("command", string(f.Command)))
	}
}

// transportEvents feeds transport callbacks into the session
type transportEvents struct {
	s *Session
}

func (e transportEvents) OnOpen(t Transport) {
	s := e.s
	s.setTransport(t)

	if s.State() != Connecting {
		return
	}

	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, AcceptVersion,
		frame.HeartBeat, "0,0",
	)
	if s.host != "" {
		connect.Header.Add(frame.Host, s.host)
	}
	if err := s.write(connect); err != nil {
		s.logger.Warn("failed to send CONNECT", zap.Error(err))
		s.failed.Store(true)
		s.handler.HandleTransportError(s, err)
		s.abort()
	}
}

func (e transportEvents) OnText(data []byte) {
	s := e.s
	frames, err := frame.Decode(data)
	if err != nil {
		// The whole buffer is untrusted once any part of it fails to decode
		s.logger.Warn("failed to decode frame", zap.Error(err), zap.Int("bytes", len(data)))
		s.failed.Store(true)
		s.handler.HandleTransportError(s, fmt.Errorf("failed to decode frame: %w", err))
		s.abort()
		return
	}
	for _, f := range frames {
		s.dispatch(f)
	}
}

func (e transportEvents) OnError(err error) {
	e.s.failed.Store(true)
	e.s.logger.Warn("transport error", zap.Error(err))
	e.s.handler.HandleTransportError(e.s, err)
}

func (e transportEvents) OnClose() {
	s := e.s
	// Disconnect and abort leave Connecting first, so this is the peer's doing
	if State(s.state.Swap(int32(Disconnected))) == Connecting && !s.failed.Load() {
		s.failed.Store(true)
		s.logger.Warn("transport closed before CONNECTED")
		s.handler.HandleTransportError(s, ErrClosedBeforeConnected)
	}
	s.closeOnce.Do(func() {
		close(s.done)
		s.handler.AfterDisconnected(s)
	})
}

// abort closes the transport without a DISCONNECT frame
func (s *Session) abort() {
	s.disconnectOnce.Do(func() {
		s.state.Store(int32(Disconnected))
		if t := s.currentTransport(); t != nil {
			_ = t.Close()
		}
	})
}

// failDial finishes a session whose transport never opened
func (s *Session) failDial(err error) {
	s.state.Store(int32(Disconnected))
	s.disconnectOnce.Do(func() {})
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.logger.Warn("dial failed", zap.Error(err))
	s.handler.HandleTransportError(s, err)
}
