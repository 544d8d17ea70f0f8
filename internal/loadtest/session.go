package loadtest

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/studiowebux/stompload/internal/client"
	"github.com/studiowebux/stompload/internal/frame"
)

// Headers stamped on every SEND by producers
const (
	HeaderSentAt   = "x-sent-at"
	HeaderProducer = "x-producer"
	HeaderSequence = "x-seq"
)

type role int

const (
	roleConsumer role = iota
	roleProducer
)

// sessionState is the per-connection bookkeeping for one session.
// lastSeq is only touched from that session's read goroutine.
type sessionState struct {
	id      string
	index   int
	role    role
	session atomic.Pointer[client.Session]
	closing atomic.Bool

	// last sequence seen per producer (consumers only)
	lastSeq map[string]int64
}

func newSessionState(id string, index int, r role) *sessionState {
	st := &sessionState{id: id, index: index, role: r}
	if r == roleConsumer {
		st.lastSeq = make(map[string]int64)
	}
	return st
}

// disconnect marks the close as expected and disconnects
func (st *sessionState) disconnect() error {
	st.closing.Store(true)
	s := st.session.Load()
	if s == nil {
		return nil
	}
	return s.Disconnect()
}

// sessionHandler routes session callbacks into the harness latches
type sessionHandler struct {
	h     *Harness
	state *sessionState
}

func (sh *sessionHandler) AfterConnected(s *client.Session, _ frame.Header) {
	if sh.state.role == roleProducer {
		sh.h.producerLatch.CountDown(s.ID())
		return
	}
	sh.h.connectLatch.CountDown(s.ID())
}

func (sh *sessionHandler) HandleReceipt(s *client.Session, _ string) {
	if sh.state.role == roleConsumer {
		sh.h.subscribeLatch.CountDown(s.ID())
	}
}

func (sh *sessionHandler) HandleMessage(s *client.Session, f *frame.Frame) {
	if sh.state.role != roleConsumer {
		return
	}
	h := sh.h

	if err := h.matcher.Match(f.Body); err != nil {
		h.fail(&MismatchError{
			SessionID: s.ID(),
			MessageID: f.Header.Get(frame.MessageID),
			Reason:    err.Error(),
			Body:      string(f.Body),
		})
		return
	}

	if producer := f.Header.Get(HeaderProducer); producer != "" {
		if seq, err := strconv.ParseInt(f.Header.Get(HeaderSequence), 10, 64); err == nil {
			last, seen := sh.state.lastSeq[producer]
			if seen && seq <= last {
				h.fail(&SessionFailure{
					SessionID: s.ID(),
					Kind:      "out-of-order delivery",
					Detail:    "from " + producer + ": seq " + strconv.FormatInt(seq, 10) + " after " + strconv.FormatInt(last, 10),
				})
				return
			}
			sh.state.lastSeq[producer] = seq
		}
	}

	if !h.deliveryLatch.CountDown(s.ID()) {
		h.fail(&SessionFailure{
			SessionID: s.ID(),
			Kind:      "unexpected delivery",
			Detail:    "message-id " + f.Header.Get(frame.MessageID) + " beyond the expected count",
		})
		return
	}

	h.recordDelivery(latencyMs(f.Header.Get(HeaderSentAt)))
}

func (sh *sessionHandler) HandleError(s *client.Session, f *frame.Frame) {
	detail := f.Header.Get(frame.Message)
	if len(f.Body) > 0 {
		detail += ": " + truncate(string(f.Body), 200)
	}
	sh.h.fail(&SessionFailure{SessionID: s.ID(), Kind: "broker error", Detail: detail})
}

func (sh *sessionHandler) HandleTransportError(s *client.Session, err error) {
	if sh.state.closing.Load() {
		sh.h.logger.Debug("transport error while closing")
		return
	}
	sh.h.fail(&SessionFailure{SessionID: s.ID(), Kind: "transport error", Detail: err.Error()})
}

func (sh *sessionHandler) AfterDisconnected(s *client.Session) {
	if !sh.state.closing.Load() {
		sh.h.fail(&SessionFailure{SessionID: s.ID(), Kind: "transport error", Detail: "connection closed by peer"})
		return
	}
	if sh.state.role == roleConsumer {
		sh.h.disconnectLatch.CountDown(s.ID())
	}
}

// latencyMs converts an x-sent-at value (unix nanoseconds) to elapsed
// milliseconds, or -1 when absent or unparseable
func latencyMs(sentAt string) int64 {
	if sentAt == "" {
		return -1
	}
	ns, err := strconv.ParseInt(sentAt, 10, 64)
	if err != nil {
		return -1
	}
	d := time.Since(time.Unix(0, ns))
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
