package broker

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/studiowebux/stompload/internal/frame"
	"go.uber.org/zap"
)

// outbound is one queued write; closeAfter ends the connection once it is written
type outbound struct {
	data       []byte
	closeAfter bool
}

// conn is one client connection.
// Frames are written by a single goroutine in enqueue order.
type conn struct {
	id           string
	ws           *websocket.Conn
	out          chan outbound
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	metrics      *Metrics
	logger       *zap.Logger

	connected bool              // read goroutine only
	subs      map[string]string // subscription id -> destination, guarded by Server.mu
}

func newConn(id string, ws *websocket.Conn, queueSize int, writeTimeout time.Duration, metrics *Metrics, logger *zap.Logger) *conn {
	return &conn{
		id:           id,
		ws:           ws,
		out:          make(chan outbound, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		metrics:      metrics,
		logger:       logger.With(zap.String("session", id)),
		subs:         make(map[string]string),
	}
}

// send queues f; it blocks while the queue is full and gives up once the connection closes
func (c *conn) send(f *frame.Frame) bool {
	return c.enqueue(f, false)
}

// sendAndClose queues f followed by a close of the connection.
// A nil f closes once everything queued so far has been written.
func (c *conn) sendAndClose(f *frame.Frame) bool {
	return c.enqueue(f, true)
}

func (c *conn) enqueue(f *frame.Frame, closeAfter bool) bool {
	var data []byte
	if f != nil {
		var err error
		if data, err = frame.Encode(f); err != nil {
			c.logger.Error("failed to encode frame", zap.Error(err))
			return false
		}
	}

	select {
	case c.out <- outbound{data: data, closeAfter: closeAfter}:
		if f != nil {
			c.metrics.countFrame(string(f.Command), DirectionOutbound)
		}
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if msg.data != nil {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
				if err := c.ws.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					c.logger.Debug("write failed", zap.Error(err))
					c.close()
					return
				}
			}
			if msg.closeAfter {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(c.writeTimeout))
				c.close()
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
