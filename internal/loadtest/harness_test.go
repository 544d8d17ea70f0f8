package loadtest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/studiowebux/stompload/internal/barrier"
	"github.com/studiowebux/stompload/internal/broker"
	"github.com/studiowebux/stompload/internal/frame"
	"github.com/studiowebux/stompload/internal/types"
)

// startBroker serves the in-process broker and returns its base URL
func startBroker(t *testing.T) string {
	t.Helper()
	srv := broker.NewServer(nil, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop()
		hs.Close()
	})
	return hs.URL
}

// stubBroker answers CONNECT and hands every later frame to onFrame
func stubBroker(t *testing.T, onFrame func(conn *websocket.Conn, f *frame.Frame)) string {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames, err := frame.Decode(data)
			if err != nil {
				return
			}
			for _, f := range frames {
				switch f.Command {
				case frame.CONNECT:
					out, _ := frame.Encode(frame.New(frame.CONNECTED, frame.Version, "1.2"))
					if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
						return
					}
				case frame.DISCONNECT:
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				default:
					if onFrame != nil {
						onFrame(conn, f)
					}
				}
			}
		}
	}))
	t.Cleanup(hs.Close)
	return hs.URL
}

// stubConn is one client connection seen by scriptedBroker
type stubConn struct {
	index int // accept order, starting at 0
	mu    sync.Mutex
	ws    *websocket.Conn
}

// write sends frames concatenated in one WebSocket message
func (c *stubConn) write(frames ...*frame.Frame) {
	var buf []byte
	for _, f := range frames {
		out, _ := frame.Encode(f)
		buf = append(buf, out...)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, buf)
}

func (c *stubConn) closeNormal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// scriptedBroker numbers connections in accept order and hands every frame
// but DISCONNECT to onFrame. Returning false closes the connection cleanly.
func scriptedBroker(t *testing.T, onFrame func(c *stubConn, f *frame.Frame) bool) string {
	t.Helper()
	var accepted atomic.Int64
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		index := int(accepted.Add(1) - 1)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		c := &stubConn{index: index, ws: ws}

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frames, err := frame.Decode(data)
			if err != nil {
				return
			}
			for _, f := range frames {
				if f.Command == frame.DISCONNECT || !onFrame(c, f) {
					c.closeNormal()
					return
				}
			}
		}
	}))
	t.Cleanup(hs.Close)
	return hs.URL
}

type stubSubscription struct {
	c  *stubConn
	id string
}

// subscriberSet answers CONNECT and SUBSCRIBE and remembers each
// subscription by the receipt id that requested it
type subscriberSet struct {
	mu        sync.Mutex
	byReceipt map[string]stubSubscription
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{byReceipt: make(map[string]stubSubscription)}
}

func (s *subscriberSet) handle(c *stubConn, f *frame.Frame) bool {
	switch f.Command {
	case frame.CONNECT:
		c.write(frame.New(frame.CONNECTED, frame.Version, "1.2"))
		return true
	case frame.SUBSCRIBE:
		receiptID := f.Header.Get(frame.Receipt)
		s.mu.Lock()
		s.byReceipt[receiptID] = stubSubscription{c: c, id: f.Header.Get(frame.ID)}
		s.mu.Unlock()
		c.write(frame.New(frame.RECEIPT, frame.ReceiptID, receiptID))
		return true
	}
	return false
}

func (s *subscriberSet) get(receiptID string) stubSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byReceipt[receiptID]
}

// messageFor builds the MESSAGE a broker would deliver to sub for send
func messageFor(sub stubSubscription, send *frame.Frame, messageID string) *frame.Frame {
	msg := frame.New(frame.MESSAGE,
		frame.Subscription, sub.id,
		frame.Destination, send.Header.Get(frame.Destination),
		frame.MessageID, messageID)
	for _, key := range []string{frame.ContentType, HeaderSentAt, HeaderProducer, HeaderSequence} {
		if v, ok := send.Header.Contains(key); ok {
			msg.Header.Add(key, v)
		}
	}
	msg.Body = send.Body
	return msg
}

// requireSessionFailure checks that err is a SessionFailure raised in phase
func requireSessionFailure(t *testing.T, err error, phase string) *SessionFailure {
	t.Helper()
	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) {
		t.Fatalf("Expected PhaseError, got %T: %v", err, err)
	}
	if phaseErr.Phase != phase {
		t.Errorf("Expected %s phase, got %s", phase, phaseErr.Phase)
	}
	var failure *SessionFailure
	if !errors.As(err, &failure) {
		t.Fatalf("Expected SessionFailure, got %T: %v", err, err)
	}
	return failure
}

func scenario(url string, users, messages int) types.Scenario {
	return types.Scenario{
		Name:        "test",
		URL:         url,
		Users:       users,
		Messages:    messages,
		Destination: "/topic/greetings",
		Payload:     `{"name":"Joe"}`,
		Timeouts: types.PhaseTimeouts{
			ConnectMs:    5000,
			SubscribeMs:  5000,
			BroadcastMs:  10000,
			DisconnectMs: 5000,
		},
	}
}

func runScenario(t *testing.T, s types.Scenario) (*Result, error) {
	t.Helper()
	h, err := NewHarness(NewConfig(s), nil)
	if err != nil {
		t.Fatalf("NewHarness failed: %v", err)
	}
	return h.Run(context.Background())
}

func TestHarness_BroadcastScenario(t *testing.T) {
	url := startBroker(t) + "/stomp"

	result, err := runScenario(t, scenario(url, 10, 20))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.Success() {
		t.Errorf("Expected status completed, got %s", result.Status)
	}
	if result.Delivered != 200 {
		t.Errorf("Expected 200 deliveries, got %d", result.Delivered)
	}

	names := []string{PhaseConnect, PhaseSubscribe, PhaseBroadcast, PhaseDisconnect}
	if len(result.Phases) != len(names) {
		t.Fatalf("Expected %d phases, got %d", len(names), len(result.Phases))
	}
	for i, name := range names {
		p := result.Phases[i]
		if p.Name != name {
			t.Errorf("Phase %d: expected %s, got %s", i, name, p.Name)
		}
		if p.Completed != p.Expected {
			t.Errorf("Phase %s: completed %d of %d", p.Name, p.Completed, p.Expected)
		}
		if len(p.Missing) != 0 {
			t.Errorf("Phase %s: unexpected missing ids %v", p.Name, p.Missing)
		}
	}
	if got := result.Phase(PhaseBroadcast).Expected; got != 200 {
		t.Errorf("Expected broadcast latch of 200, got %d", got)
	}
}

func TestHarness_MultipleProducersWithWarmup(t *testing.T) {
	base := startBroker(t)
	s := scenario(base+"/stomp", 5, 30)
	s.Producers = 3
	s.WarmupURL = base + "/"
	s.Converter = "text"
	s.Payload = "hello"

	result, err := runScenario(t, s)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Delivered != 5*30*3 {
		t.Errorf("Expected %d deliveries, got %d", 5*30*3, result.Delivered)
	}
	if result.Phases[0].Name != PhaseWarmup {
		t.Errorf("Expected warmup first, got %s", result.Phases[0].Name)
	}
}

func TestHarness_AppPrefixSendDestination(t *testing.T) {
	s := scenario(startBroker(t)+"/stomp", 3, 5)
	s.SendDestination = "/app/greetings"

	result, err := runScenario(t, s)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Delivered != 15 {
		t.Errorf("Expected 15 deliveries, got %d", result.Delivered)
	}
}

func TestHarness_PayloadMismatchAborts(t *testing.T) {
	s := scenario(startBroker(t)+"/stomp", 3, 5)
	s.Expect = &types.Expectation{Fields: map[string]string{"name": "Jane"}}

	result, err := runScenario(t, s)
	if err == nil {
		t.Fatal("Expected mismatch error")
	}

	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected MismatchError, got %T: %v", err, err)
	}
	if !strings.HasPrefix(mismatch.SessionID, "session-") {
		t.Errorf("Expected a consumer session id, got %q", mismatch.SessionID)
	}
	if !strings.Contains(mismatch.Reason, `"Jane"`) || !strings.Contains(mismatch.Reason, `"Joe"`) {
		t.Errorf("Expected reason to name both values, got %q", mismatch.Reason)
	}
	if !errors.Is(err, ErrAborted) {
		t.Error("Expected error to wrap ErrAborted")
	}

	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseBroadcast {
		t.Errorf("Expected broadcast phase error, got %v", err)
	}
	if result.Status != StatusFailed {
		t.Errorf("Expected status failed, got %s", result.Status)
	}
}

func TestHarness_SubscribeTimeoutListsMissingIDs(t *testing.T) {
	// RECEIPT only for receipt-1
	url := stubBroker(t, func(conn *websocket.Conn, f *frame.Frame) {
		if f.Command == frame.SUBSCRIBE && f.Header.Get(frame.Receipt) == "receipt-1" {
			out, _ := frame.Encode(frame.New(frame.RECEIPT, frame.ReceiptID, "receipt-1"))
			_ = conn.WriteMessage(websocket.TextMessage, out)
		}
	})

	s := scenario(url, 4, 1)
	s.Timeouts.SubscribeMs = 200

	result, err := runScenario(t, s)
	if err == nil {
		t.Fatal("Expected timeout error")
	}

	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) {
		t.Fatalf("Expected PhaseError, got %T: %v", err, err)
	}
	if phaseErr.Phase != PhaseSubscribe {
		t.Errorf("Expected subscribe phase, got %s", phaseErr.Phase)
	}

	var ids []string
	for _, m := range phaseErr.Missing() {
		ids = append(ids, m.ID)
	}
	want := []string{"session-0", "session-2", "session-3"}
	if strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("Expected missing %v, got %v", want, ids)
	}
	for _, id := range want {
		if !strings.Contains(err.Error(), id) {
			t.Errorf("Expected error message to name %s: %v", id, err)
		}
	}

	p := result.Phase(PhaseSubscribe)
	if p == nil || p.Completed != 1 || p.Expected != 4 {
		t.Errorf("Expected subscribe phase 1/4, got %+v", p)
	}
	if result.Phase(PhaseBroadcast) != nil {
		t.Error("Broadcast phase must not start after a failed phase")
	}
}

func TestHarness_BrokerErrorAborts(t *testing.T) {
	url := stubBroker(t, func(conn *websocket.Conn, f *frame.Frame) {
		if f.Command == frame.SUBSCRIBE {
			out, _ := frame.Encode(frame.New(frame.ERROR, frame.Message, "access denied"))
			_ = conn.WriteMessage(websocket.TextMessage, out)
		}
	})

	_, err := runScenario(t, scenario(url, 2, 1))

	var failure *SessionFailure
	if !errors.As(err, &failure) {
		t.Fatalf("Expected SessionFailure, got %T: %v", err, err)
	}
	if failure.Kind != "broker error" || !strings.Contains(failure.Detail, "access denied") {
		t.Errorf("Unexpected failure: %+v", failure)
	}
}

func TestHarness_ConnectionRefused(t *testing.T) {
	hs := httptest.NewServer(http.NotFoundHandler())
	url := hs.URL
	hs.Close()

	_, err := runScenario(t, scenario(url, 2, 1))

	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseConnect {
		t.Fatalf("Expected connect phase error, got %v", err)
	}
	var failure *SessionFailure
	if !errors.As(err, &failure) || failure.Kind != "transport error" {
		t.Errorf("Expected transport error, got %v", err)
	}
}

func TestHarness_ConnectTimeoutListsMissingIDs(t *testing.T) {
	// Connections are dialled one at a time, so accept order is session order
	subs := newSubscriberSet()
	url := scriptedBroker(t, func(c *stubConn, f *frame.Frame) bool {
		if f.Command == frame.CONNECT && c.index >= 2 {
			return true
		}
		subs.handle(c, f)
		return true
	})

	s := scenario(url, 4, 1)
	s.DialConcurrency = 1
	s.Timeouts.ConnectMs = 300

	result, err := runScenario(t, s)
	if err == nil {
		t.Fatal("Expected timeout error")
	}

	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseConnect {
		t.Fatalf("Expected connect phase error, got %v", err)
	}
	var timeoutErr *barrier.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected *barrier.TimeoutError, got %T", errors.Unwrap(err))
	}

	var ids []string
	for _, m := range phaseErr.Missing() {
		ids = append(ids, m.ID)
	}
	if strings.Join(ids, ",") != "session-2,session-3" {
		t.Errorf("Expected session-2 and session-3 missing, got %v", ids)
	}
	for _, id := range ids {
		if !strings.Contains(err.Error(), id) {
			t.Errorf("Expected error message to name %s: %v", id, err)
		}
	}

	p := result.Phase(PhaseConnect)
	if p == nil || p.Completed != 2 || p.Expected != 4 {
		t.Errorf("Expected connect phase 2/4, got %+v", p)
	}
	if result.Phase(PhaseSubscribe) != nil {
		t.Error("Subscribe phase must not start after a failed connect")
	}
}

func TestHarness_PeerCloseBeforeConnected(t *testing.T) {
	subs := newSubscriberSet()
	url := scriptedBroker(t, func(c *stubConn, f *frame.Frame) bool {
		if f.Command == frame.CONNECT && c.index == 1 {
			return false
		}
		subs.handle(c, f)
		return true
	})

	s := scenario(url, 3, 1)
	s.DialConcurrency = 1

	_, err := runScenario(t, s)
	failure := requireSessionFailure(t, err, PhaseConnect)
	if failure.SessionID != "session-1" {
		t.Errorf("Expected session-1, got %s", failure.SessionID)
	}
	if failure.Kind != "transport error" || !strings.Contains(failure.Detail, "before CONNECTED") {
		t.Errorf("Unexpected failure: %+v", failure)
	}
}

func TestHarness_PeerCloseDuringSubscribe(t *testing.T) {
	subs := newSubscriberSet()
	url := scriptedBroker(t, func(c *stubConn, f *frame.Frame) bool {
		if f.Command == frame.SUBSCRIBE && f.Header.Get(frame.Receipt) == "receipt-1" {
			return false
		}
		subs.handle(c, f)
		return true
	})

	result, err := runScenario(t, scenario(url, 3, 1))
	failure := requireSessionFailure(t, err, PhaseSubscribe)
	if failure.SessionID != "session-1" {
		t.Errorf("Expected session-1, got %s", failure.SessionID)
	}
	if failure.Kind != "transport error" || failure.Detail != "connection closed by peer" {
		t.Errorf("Unexpected failure: %+v", failure)
	}
	if result.Status != StatusFailed {
		t.Errorf("Expected status failed, got %s", result.Status)
	}
}

func TestHarness_OutOfOrderDeliveryAborts(t *testing.T) {
	subs := newSubscriberSet()
	var held []*frame.Frame // only touched by the producer connection
	url := scriptedBroker(t, func(c *stubConn, f *frame.Frame) bool {
		if subs.handle(c, f) || f.Command != frame.SEND {
			return true
		}
		held = append(held, f)
		if len(held) == 2 {
			sub := subs.get("receipt-0")
			sub.c.write(messageFor(sub, held[1], "m-1"))
			sub.c.write(messageFor(sub, held[0], "m-0"))
		}
		return true
	})

	result, err := runScenario(t, scenario(url, 1, 2))
	failure := requireSessionFailure(t, err, PhaseBroadcast)
	if failure.SessionID != "session-0" {
		t.Errorf("Expected session-0, got %s", failure.SessionID)
	}
	if failure.Kind != "out-of-order delivery" {
		t.Errorf("Expected out-of-order delivery, got %q", failure.Kind)
	}
	if !strings.Contains(failure.Detail, "producer-0") || !strings.Contains(failure.Detail, "seq 0 after 1") {
		t.Errorf("Expected detail to name the producer and sequence, got %q", failure.Detail)
	}
	if result.Delivered != 1 {
		t.Errorf("Expected only the first delivery to count, got %d", result.Delivered)
	}
}

func TestHarness_ExtraDeliveryIsRejected(t *testing.T) {
	// session-0 gets its message plus one more; session-1 gets nothing,
	// so the broadcast is still waiting when the extra arrives
	subs := newSubscriberSet()
	url := scriptedBroker(t, func(c *stubConn, f *frame.Frame) bool {
		if subs.handle(c, f) || f.Command != frame.SEND {
			return true
		}
		sub := subs.get("receipt-0")
		extra := messageFor(sub, f, "m-extra")
		extra.Header.Del(HeaderProducer)
		extra.Header.Del(HeaderSequence)
		sub.c.write(messageFor(sub, f, "m-0"))
		sub.c.write(extra)
		return true
	})

	result, err := runScenario(t, scenario(url, 2, 1))
	failure := requireSessionFailure(t, err, PhaseBroadcast)
	if failure.SessionID != "session-0" {
		t.Errorf("Expected session-0, got %s", failure.SessionID)
	}
	if failure.Kind != "unexpected delivery" || !strings.Contains(failure.Detail, "m-extra") {
		t.Errorf("Unexpected failure: %+v", failure)
	}

	p := result.Phase(PhaseBroadcast)
	if p == nil || p.Completed != 1 || p.Expected != 2 {
		t.Fatalf("Expected broadcast phase 1/2, got %+v", p)
	}
	if len(p.Missing) != 1 || p.Missing[0].ID != "session-1" {
		t.Errorf("Expected session-1 missing, got %v", p.Missing)
	}
}

func TestHarness_WarmupMustReturnOK(t *testing.T) {
	warm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer warm.Close()

	s := scenario(startBroker(t)+"/stomp", 1, 1)
	s.WarmupURL = warm.URL

	result, err := runScenario(t, s)

	var phaseErr *PhaseError
	if !errors.As(err, &phaseErr) || phaseErr.Phase != PhaseWarmup {
		t.Fatalf("Expected warmup phase error, got %v", err)
	}
	if !strings.Contains(err.Error(), "HTTP 503") {
		t.Errorf("Expected status in error, got %v", err)
	}
	if len(result.Phases) != 1 {
		t.Errorf("Expected only the warmup phase, got %d", len(result.Phases))
	}
}

func TestHarness_CancelledContext(t *testing.T) {
	h, err := NewHarness(NewConfig(scenario(startBroker(t)+"/stomp", 1, 1)), nil)
	if err != nil {
		t.Fatalf("NewHarness failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if result.Status != StatusCancelled {
		t.Errorf("Expected status cancelled, got %s", result.Status)
	}
}

func TestHarness_RunsOnce(t *testing.T) {
	h, err := NewHarness(NewConfig(scenario(startBroker(t)+"/stomp", 1, 1)), nil)
	if err != nil {
		t.Fatalf("NewHarness failed: %v", err)
	}
	if _, err := h.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := h.Run(context.Background()); err == nil {
		t.Error("Expected second Run to fail")
	}

	p := h.Progress()
	if !p.Finished || p.Phase != PhaseDisconnect || p.Delivered != 1 {
		t.Errorf("Unexpected final progress: %+v", p)
	}
}

func TestHarness_FullScaleBroadcast(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full-scale load test in short mode")
	}

	s := scenario(startBroker(t)+"/stomp", 750, 100)
	s.Timeouts = types.PhaseTimeouts{
		ConnectMs:    60000,
		SubscribeMs:  30000,
		BroadcastMs:  120000,
		DisconnectMs: 30000,
	}

	start := time.Now()
	result, err := runScenario(t, s)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Delivered != 75000 {
		t.Errorf("Expected 75000 deliveries, got %d", result.Delivered)
	}
	for _, p := range result.Phases {
		t.Logf("%-10s %6dms %d/%d", p.Name, p.DurationMs, p.Completed, p.Expected)
	}
	t.Logf("total %s, %.0f msg/s, p99 %dms", time.Since(start), result.ThroughputPerSec, result.Latency.P99)
}
