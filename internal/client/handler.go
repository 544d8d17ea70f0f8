package client

import "github.com/studiowebux/stompload/internal/frame"

// Handler receives the protocol events of a Session.
// All methods are called from the session's read goroutine, except
// HandleTransportError for a failed dial, which runs on the caller of Connect.
type Handler interface {
	// AfterConnected fires once when the broker's CONNECTED frame arrives
	AfterConnected(s *Session, connected frame.Header)

	// HandleMessage receives MESSAGE frames for subscriptions without their own MessageFunc
	HandleMessage(s *Session, f *frame.Frame)

	// HandleReceipt fires when a RECEIPT answers a pending receipt id
	HandleReceipt(s *Session, receiptID string)

	// HandleError receives broker ERROR frames; the session stays open
	HandleError(s *Session, f *frame.Frame)

	// HandleTransportError reports dial, read and decode failures
	HandleTransportError(s *Session, err error)

	// AfterDisconnected fires once when the transport reports close
	AfterDisconnected(s *Session)
}

// MessageFunc handles MESSAGE frames for one subscription
type MessageFunc func(s *Session, f *frame.Frame)

// HandlerFuncs adapts optional functions to Handler.
// Nil fields are no-ops.
type HandlerFuncs struct {
	OnConnected      func(s *Session, connected frame.Header)
	OnMessage        func(s *Session, f *frame.Frame)
	OnReceipt        func(s *Session, receiptID string)
	OnError          func(s *Session, f *frame.Frame)
	OnTransportError func(s *Session, err error)
	OnDisconnected   func(s *Session)
}

func (h *HandlerFuncs) AfterConnected(s *Session, connected frame.Header) {
	if h.OnConnected != nil {
		h.OnConnected(s, connected)
	}
}

func (h *HandlerFuncs) HandleMessage(s *Session, f *frame.Frame) {
	if h.OnMessage != nil {
		h.OnMessage(s, f)
	}
}

func (h *HandlerFuncs) HandleReceipt(s *Session, receiptID string) {
	if h.OnReceipt != nil {
		h.OnReceipt(s, receiptID)
	}
}

func (h *HandlerFuncs) HandleError(s *Session, f *frame.Frame) {
	if h.OnError != nil {
		h.OnError(s, f)
	}
}

func (h *HandlerFuncs) HandleTransportError(s *Session, err error) {
	if h.OnTransportError != nil {
		h.OnTransportError(s, err)
	}
}

func (h *HandlerFuncs) AfterDisconnected(s *Session) {
	if h.OnDisconnected != nil {
		h.OnDisconnected(s)
	}
}
