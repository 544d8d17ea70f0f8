package frame

import (
	"strconv"
	"strings"
)

// Command is the first line of a STOMP frame
type Command string

const (
	CONNECT     Command = "CONNECT"
	CONNECTED   Command = "CONNECTED"
	SUBSCRIBE   Command = "SUBSCRIBE"
	UNSUBSCRIBE Command = "UNSUBSCRIBE"
	SEND        Command = "SEND"
	MESSAGE     Command = "MESSAGE"
	RECEIPT     Command = "RECEIPT"
	DISCONNECT  Command = "DISCONNECT"
	ERROR       Command = "ERROR"
)

// STOMP header names used by the client and the test broker
const (
	AcceptVersion = "accept-version"
	HeartBeat     = "heart-beat"
	Host          = "host"
	Version       = "version"
	Session       = "session"
	Server        = "server"
	ID            = "id"
	Destination   = "destination"
	Receipt       = "receipt"
	ReceiptID     = "receipt-id"
	Subscription  = "subscription"
	MessageID     = "message-id"
	Message       = "message"
	ContentLength = "content-length"
	ContentType   = "content-type"
)

// escapesHeaders reports whether header values of this command are escaped on the wire.
// CONNECT and CONNECTED frames are exempt for compatibility with STOMP 1.0 peers.
func (c Command) escapesHeaders() bool {
	return c != CONNECT && c != CONNECTED
}

// Header is an ordered list of key/value pairs
type Header struct {
	kv []string
}

// NewHeader builds a header from alternating keys and values.
// A trailing key without a value is ignored.
func NewHeader(kv ...string) Header {
	h := Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

// Add appends a key/value pair, even if the key is already present
func (h *Header) Add(key, value string) {
	h.kv = append(h.kv, key, value)
}

// Set replaces the first value for key, or appends it
func (h *Header) Set(key, value string) {
	for i := 0; i < len(h.kv); i += 2 {
		if h.kv[i] == key {
			h.kv[i+1] = value
			return
		}
	}
	h.Add(key, value)
}

// Get returns the first value for key, or the empty string
func (h Header) Get(key string) string {
	v, _ := h.Contains(key)
	return v
}

// Contains returns the first value for key and whether it was present
func (h Header) Contains(key string) (string, bool) {
	for i := 0; i < len(h.kv); i += 2 {
		if h.kv[i] == key {
			return h.kv[i+1], true
		}
	}
	return "", false
}

// Del removes every entry for key
func (h *Header) Del(key string) {
	out := h.kv[:0]
	for i := 0; i < len(h.kv); i += 2 {
		if h.kv[i] != key {
			out = append(out, h.kv[i], h.kv[i+1])
		}
	}
	h.kv = out
}

// Len returns the number of entries
func (h Header) Len() int {
	return len(h.kv) / 2
}

// GetAt returns the entry at index i
func (h Header) GetAt(i int) (key, value string) {
	return h.kv[2*i], h.kv[2*i+1]
}

// Clone returns a copy that shares no storage with h
func (h Header) Clone() Header {
	if len(h.kv) == 0 {
		return Header{}
	}
	kv := make([]string, len(h.kv))
	copy(kv, h.kv)
	return Header{kv: kv}
}

// Equal reports whether both headers hold the same entries in the same order
func (h Header) Equal(other Header) bool {
	if len(h.kv) != len(other.kv) {
		return false
	}
	for i := range h.kv {
		if h.kv[i] != other.kv[i] {
			return false
		}
	}
	return true
}

func (h Header) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i := 0; i < h.Len(); i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		k, v := h.GetAt(i)
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(v)
	}
	sb.WriteByte('}')
	return sb.String()
}

// Frame is a single STOMP frame
type Frame struct {
	Command Command
	Header  Header
	Body    []byte
}

// New creates a frame with the given command and alternating header keys and values
func New(command Command, kv ...string) *Frame {
	return &Frame{Command: command, Header: NewHeader(kv...)}
}

// Clone returns a deep copy of f
func (f *Frame) Clone() *Frame {
	c := &Frame{Command: f.Command, Header: f.Header.Clone()}
	if f.Body != nil {
		c.Body = append([]byte(nil), f.Body...)
	}
	return c
}

// ShortString describes the frame for log lines without dumping large bodies
func (f *Frame) ShortString() string {
	body := string(f.Body)
	if len(body) > 80 {
		body = body[:77] + "..."
	}
	return string(f.Command) + " " + f.Header.String() + " " + strconv.Quote(body)
}
