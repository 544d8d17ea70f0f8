package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/studiowebux/stompload/internal/frame"
)

// fakeTransport records outbound frames and closes synchronously
type fakeTransport struct {
	mu      sync.Mutex
	h       TransportHandler
	sent    []*frame.Frame
	closed  bool
	sendErr error
}

func (t *fakeTransport) SendText(data []byte) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	frames, err := frame.Decode(data)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sent = append(t.sent, frames...)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	first := !t.closed
	t.closed = true
	t.mu.Unlock()
	if first {
		t.h.OnClose()
	}
	return nil
}

func (t *fakeTransport) deliver(raw string) {
	t.h.OnText([]byte(raw))
}

func (t *fakeTransport) sentCommands() []frame.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]frame.Command, len(t.sent))
	for i, f := range t.sent {
		out[i] = f.Command
	}
	return out
}

func (t *fakeTransport) last() *frame.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}

type fakeDialer struct {
	t   *fakeTransport
	err error
}

func (d *fakeDialer) Dial(ctx context.Context, url string, h TransportHandler) (Transport, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.t.h = h
	h.OnOpen(d.t)
	return d.t, nil
}

// recordingHandler counts every callback
type recordingHandler struct {
	mu              sync.Mutex
	connected       int
	messages        []*frame.Frame
	receipts        []string
	errors          []*frame.Frame
	transportErrors []error
	disconnected    int
}

func (h *recordingHandler) AfterConnected(s *Session, _ frame.Header) {
	h.mu.Lock()
	h.connected++
	h.mu.Unlock()
}

func (h *recordingHandler) HandleMessage(s *Session, f *frame.Frame) {
	h.mu.Lock()
	h.messages = append(h.messages, f)
	h.mu.Unlock()
}

func (h *recordingHandler) HandleReceipt(s *Session, receiptID string) {
	h.mu.Lock()
	h.receipts = append(h.receipts, receiptID)
	h.mu.Unlock()
}

func (h *recordingHandler) HandleError(s *Session, f *frame.Frame) {
	h.mu.Lock()
	h.errors = append(h.errors, f)
	h.mu.Unlock()
}

func (h *recordingHandler) HandleTransportError(s *Session, err error) {
	h.mu.Lock()
	h.transportErrors = append(h.transportErrors, err)
	h.mu.Unlock()
}

func (h *recordingHandler) AfterDisconnected(s *Session) {
	h.mu.Lock()
	h.disconnected++
	h.mu.Unlock()
}

func newTestSession(t *testing.T) (*Session, *fakeTransport, *recordingHandler) {
	t.Helper()
	ft := &fakeTransport{}
	h := &recordingHandler{}
	c := New("ws://localhost:8080/stomp", &fakeDialer{t: ft}, nil)

	s, err := c.Connect(context.Background(), h)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return s, ft, h
}

func connectTestSession(t *testing.T) (*Session, *fakeTransport, *recordingHandler) {
	t.Helper()
	s, ft, h := newTestSession(t)
	ft.deliver("CONNECTED\nversion:1.2\n\n\x00")
	if s.State() != Connected {
		t.Fatalf("Expected Connected, got %s", s.State())
	}
	return s, ft, h
}

func TestConnect_SendsConnectFrame(t *testing.T) {
	s, ft, h := newTestSession(t)

	if s.ID() != "session-0" {
		t.Errorf("Expected session-0, got %s", s.ID())
	}
	if s.State() != Connecting {
		t.Errorf("Expected Connecting before CONNECTED, got %s", s.State())
	}

	f := ft.last()
	if f == nil || f.Command != frame.CONNECT {
		t.Fatalf("Expected CONNECT to be sent, got %v", ft.sentCommands())
	}
	if got := f.Header.Get(frame.AcceptVersion); got != "1.1,1.2" {
		t.Errorf("Expected accept-version 1.1,1.2, got %q", got)
	}
	if got := f.Header.Get(frame.HeartBeat); got != "0,0" {
		t.Errorf("Expected heart-beat 0,0, got %q", got)
	}
	if got := f.Header.Get(frame.Host); got != "localhost:8080" {
		t.Errorf("Expected host localhost:8080, got %q", got)
	}
	if h.connected != 0 {
		t.Error("AfterConnected must wait for CONNECTED")
	}
}

func TestConnect_ConnectedFiresOnce(t *testing.T) {
	_, ft, h := connectTestSession(t)
	ft.deliver("CONNECTED\nversion:1.2\n\n\x00")

	if h.connected != 1 {
		t.Errorf("Expected AfterConnected once, got %d", h.connected)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	h := &recordingHandler{}
	dialErr := errors.New("connection refused")
	c := New("ws://localhost:1/stomp", &fakeDialer{err: dialErr}, nil)

	s, err := c.Connect(context.Background(), h)
	if err == nil {
		t.Fatal("Expected dial error")
	}
	if !errors.Is(err, dialErr) {
		t.Errorf("Expected wrapped dial error, got %v", err)
	}
	if s != nil {
		t.Error("Expected nil session on dial failure")
	}
	if h.connected != 0 {
		t.Error("AfterConnected must not fire on dial failure")
	}
	if len(h.transportErrors) != 1 {
		t.Errorf("Expected 1 transport error, got %d", len(h.transportErrors))
	}
}

func TestConnect_PeerCloseBeforeConnected(t *testing.T) {
	s, ft, h := newTestSession(t)

	// Peer closes cleanly without ever answering CONNECT
	ft.h.OnClose()

	if len(h.transportErrors) != 1 {
		t.Fatalf("Expected 1 transport error, got %d", len(h.transportErrors))
	}
	if !errors.Is(h.transportErrors[0], ErrClosedBeforeConnected) {
		t.Errorf("Expected ErrClosedBeforeConnected, got %v", h.transportErrors[0])
	}
	if h.connected != 0 {
		t.Error("AfterConnected must not fire")
	}
	if h.disconnected != 1 {
		t.Errorf("Expected AfterDisconnected once, got %d", h.disconnected)
	}
	if s.State() != Disconnected {
		t.Errorf("Expected Disconnected, got %s", s.State())
	}
}

func TestConnect_DisconnectBeforeConnectedIsNotAnError(t *testing.T) {
	s, _, h := newTestSession(t)

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	if len(h.transportErrors) != 0 {
		t.Errorf("Expected no transport error, got %v", h.transportErrors)
	}
	if h.disconnected != 1 {
		t.Errorf("Expected AfterDisconnected once, got %d", h.disconnected)
	}
}

func TestConnect_PeerCloseAfterConnectedIsNotReportedTwice(t *testing.T) {
	_, ft, h := connectTestSession(t)

	ft.h.OnClose()

	if len(h.transportErrors) != 0 {
		t.Errorf("A close after CONNECTED is reported through AfterDisconnected only, got %v", h.transportErrors)
	}
	if h.disconnected != 1 {
		t.Errorf("Expected AfterDisconnected once, got %d", h.disconnected)
	}
}

func TestSubscribe_RequiresConnected(t *testing.T) {
	s, _, _ := newTestSession(t)

	_, err := s.Subscribe("/topic/greeting", "")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestSubscribe_AssignsSequentialIDs(t *testing.T) {
	s, ft, _ := connectTestSession(t)

	id0, err := s.Subscribe("/topic/a", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	id1, err := s.Subscribe("/topic/b", "r1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if id0 != "sub-0" || id1 != "sub-1" {
		t.Errorf("Expected sub-0, sub-1, got %s, %s", id0, id1)
	}

	f := ft.last()
	if f.Command != frame.SUBSCRIBE {
		t.Fatalf("Expected SUBSCRIBE, got %s", f.Command)
	}
	if f.Header.Get(frame.ID) != "sub-1" || f.Header.Get(frame.Destination) != "/topic/b" || f.Header.Get(frame.Receipt) != "r1" {
		t.Errorf("Unexpected SUBSCRIBE headers: %s", f.Header)
	}
}

func TestReceipt_FiresExactlyOnce(t *testing.T) {
	s, ft, h := connectTestSession(t)

	if _, err := s.Subscribe("/topic/greeting", "r1"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if !s.HasPendingReceipt("r1") {
		t.Fatal("Expected r1 to be pending")
	}

	ft.deliver("RECEIPT\nreceipt-id:r1\n\n\x00")
	ft.deliver("RECEIPT\nreceipt-id:r1\n\n\x00")

	if len(h.receipts) != 1 || h.receipts[0] != "r1" {
		t.Errorf("Expected exactly one receipt r1, got %v", h.receipts)
	}
	if s.HasPendingReceipt("r1") {
		t.Error("Expected r1 to be removed after firing")
	}
}

func TestReceipt_UnknownIDIgnored(t *testing.T) {
	_, ft, h := connectTestSession(t)

	ft.deliver("RECEIPT\nreceipt-id:nobody\n\n\x00")

	if len(h.receipts) != 0 {
		t.Errorf("Expected no receipt callback, got %v", h.receipts)
	}
	if len(h.transportErrors) != 0 {
		t.Errorf("Unknown receipt must not be an error, got %v", h.transportErrors)
	}
}

func TestSubscribe_DuplicateReceipt(t *testing.T) {
	s, _, _ := connectTestSession(t)

	if _, err := s.Subscribe("/topic/a", "r1"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	_, err := s.Subscribe("/topic/b", "r1")
	if !errors.Is(err, ErrDuplicateReceipt) {
		t.Errorf("Expected ErrDuplicateReceipt, got %v", err)
	}
	if s.Subscriptions() != 1 {
		t.Errorf("Rejected subscription must not be registered, got %d", s.Subscriptions())
	}
}

func TestMessage_UnknownSubscriptionDropped(t *testing.T) {
	s, ft, h := connectTestSession(t)

	subID, err := s.Subscribe("/topic/greeting", "")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ft.deliver("MESSAGE\nsubscription:sub-99\ndestination:/topic/other\nmessage-id:1\n\nlost\x00")
	ft.deliver("MESSAGE\nsubscription:" + subID + "\ndestination:/topic/greeting\nmessage-id:2\n\nhello\x00")

	if len(h.messages) != 1 {
		t.Fatalf("Expected 1 delivered message, got %d", len(h.messages))
	}
	if string(h.messages[0].Body) != "hello" {
		t.Errorf("Expected hello, got %q", h.messages[0].Body)
	}
	if len(h.transportErrors) != 0 {
		t.Errorf("Unknown subscription must not be an error, got %v", h.transportErrors)
	}
}

func TestSubscribeFunc_RoutesToOwnHandler(t *testing.T) {
	s, ft, h := connectTestSession(t)

	var got []string
	subID, err := s.SubscribeFunc("/topic/prices", "", func(_ *Session, f *frame.Frame) {
		got = append(got, string(f.Body))
	})
	if err != nil {
		t.Fatalf("SubscribeFunc failed: %v", err)
	}

	ft.deliver("MESSAGE\nsubscription:" + subID + "\n\n42\x00")

	if len(got) != 1 || got[0] != "42" {
		t.Errorf("Expected func to receive 42, got %v", got)
	}
	if len(h.messages) != 0 {
		t.Error("Session handler must not see messages routed to a MessageFunc")
	}
}

func TestUnsubscribe(t *testing.T) {
	s, ft, h := connectTestSession(t)

	subID, _ := s.Subscribe("/topic/a", "")
	if err := s.Unsubscribe(subID); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if f := ft.last(); f.Command != frame.UNSUBSCRIBE || f.Header.Get(frame.ID) != subID {
		t.Errorf("Expected UNSUBSCRIBE %s, got %s", subID, f.ShortString())
	}

	ft.deliver("MESSAGE\nsubscription:" + subID + "\n\nlate\x00")
	if len(h.messages) != 0 {
		t.Error("Message after unsubscribe must be dropped")
	}
	if err := s.Unsubscribe(subID); err == nil {
		t.Error("Expected error for unknown subscription")
	}
}

func TestError_DoesNotClose(t *testing.T) {
	s, ft, h := connectTestSession(t)

	ft.deliver("ERROR\nmessage:bad destination\n\ndetails\x00")

	if len(h.errors) != 1 {
		t.Fatalf("Expected 1 error frame, got %d", len(h.errors))
	}
	if h.errors[0].Header.Get(frame.Message) != "bad destination" {
		t.Errorf("Unexpected error header %s", h.errors[0].Header)
	}
	if s.State() != Connected {
		t.Errorf("ERROR must not close the session, state %s", s.State())
	}
	if len(h.transportErrors) != 0 {
		t.Error("ERROR frames are not transport errors")
	}
}

func TestDecodeFailure_IsTransportError(t *testing.T) {
	s, ft, h := connectTestSession(t)

	ft.deliver("MESSAGE\nbroken header\n\n\x00")

	if len(h.transportErrors) != 1 {
		t.Fatalf("Expected 1 transport error, got %d", len(h.transportErrors))
	}
	var perr *frame.ProtocolError
	if !errors.As(h.transportErrors[0], &perr) {
		t.Errorf("Expected wrapped *frame.ProtocolError, got %v", h.transportErrors[0])
	}
	if len(h.errors) != 0 {
		t.Error("Decode failures must not reach HandleError")
	}
	if s.State() != Disconnected {
		t.Errorf("Expected Disconnected after decode failure, got %s", s.State())
	}
	if h.disconnected != 1 {
		t.Errorf("Expected AfterDisconnected once, got %d", h.disconnected)
	}
}

func TestHeartBeat_NoDispatch(t *testing.T) {
	_, ft, h := connectTestSession(t)

	ft.deliver("\n")

	if len(h.messages)+len(h.errors)+len(h.transportErrors)+len(h.receipts) != 0 {
		t.Error("Heart-beat must not produce callbacks")
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	s, ft, h := connectTestSession(t)

	if err := s.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := s.Disconnect(); err != nil {
		t.Fatalf("Second Disconnect failed: %v", err)
	}

	disconnects := 0
	for _, c := range ft.sentCommands() {
		if c == frame.DISCONNECT {
			disconnects++
		}
	}
	if disconnects != 1 {
		t.Errorf("Expected 1 DISCONNECT frame, got %d", disconnects)
	}
	if h.disconnected != 1 {
		t.Errorf("Expected AfterDisconnected once, got %d", h.disconnected)
	}

	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after disconnect")
	}
}

func TestSend_AfterDisconnect(t *testing.T) {
	s, _, _ := connectTestSession(t)
	_ = s.Disconnect()

	if err := s.Send("/topic/a", "x"); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected, got %v", err)
	}
	if _, err := s.Subscribe("/topic/a", ""); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Expected ErrDisconnected, got %v", err)
	}
}

func TestSend_JSONConverter(t *testing.T) {
	s, ft, _ := connectTestSession(t)

	if err := s.Send("/app/greeting", map[string]string{"name": "Joe"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	f := ft.last()
	if f.Command != frame.SEND {
		t.Fatalf("Expected SEND, got %s", f.Command)
	}
	if string(f.Body) != `{"name":"Joe"}` {
		t.Errorf("Expected JSON body, got %q", f.Body)
	}
	if f.Header.Get(frame.ContentType) != "application/json" {
		t.Errorf("Expected application/json, got %q", f.Header.Get(frame.ContentType))
	}
}

func TestSendWithHeaders(t *testing.T) {
	s, ft, _ := connectTestSession(t)

	if err := s.SendWithHeaders("/topic/a", "hi", "x-sent-at", "123"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := ft.last().Header.Get("x-sent-at"); got != "123" {
		t.Errorf("Expected x-sent-at 123, got %q", got)
	}
}

func TestSend_TransportFailureNotRetried(t *testing.T) {
	s, ft, _ := connectTestSession(t)
	before := len(ft.sentCommands())
	ft.sendErr = errors.New("broken pipe")

	err := s.Send("/topic/a", "x")
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("Expected send error, got %v", err)
	}
	if len(ft.sentCommands()) != before {
		t.Error("Failed send must not be retried")
	}
}

func TestNextReceiptID_Monotonic(t *testing.T) {
	s, _, _ := newTestSession(t)
	for i, want := range []string{"receipt-0", "receipt-1", "receipt-2"} {
		if got := s.NextReceiptID(); got != want {
			t.Errorf("Call %d: expected %s, got %s", i, want, got)
		}
	}
}

func TestConverterByName(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		wantErr     bool
	}{
		{"", "application/json", false},
		{"json", "application/json", false},
		{"TEXT", "text/plain", false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		c, err := ConverterByName(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ConverterByName(%q): expected error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("ConverterByName(%q): %v", tt.name, err)
			continue
		}
		if c.ContentType() != tt.contentType {
			t.Errorf("ConverterByName(%q): expected %s, got %s", tt.name, tt.contentType, c.ContentType())
		}
	}
}
