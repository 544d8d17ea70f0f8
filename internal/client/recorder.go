package client

import (
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/studiowebux/stompload/internal/frame"
)

// Recorder buffers frames so a caller can await them one at a time.
// Frames can be restricted to destinations matching include patterns.
type Recorder struct {
	frames    chan *frame.Frame
	recording atomic.Bool
	dropped   atomic.Int64

	mu       sync.RWMutex
	patterns []string
}

// NewRecorder creates a recorder holding up to capacity frames
func NewRecorder(capacity int, autoStart bool) *Recorder {
	if capacity <= 0 {
		capacity = 100
	}
	r := &Recorder{frames: make(chan *frame.Frame, capacity)}
	r.recording.Store(autoStart)
	return r
}

// Include restricts recording to destinations matching any of patterns
func (r *Recorder) Include(patterns ...string) *Recorder {
	r.mu.Lock()
	r.patterns = append(r.patterns, patterns...)
	r.mu.Unlock()
	return r
}

func (r *Recorder) Start() { r.recording.Store(true) }
func (r *Recorder) Stop()  { r.recording.Store(false) }

// Record buffers f when recording and its destination is included.
// A full buffer drops the frame.
func (r *Recorder) Record(f *frame.Frame) bool {
	if !r.recording.Load() || !r.included(f.Header.Get(frame.Destination)) {
		return false
	}

	select {
	case r.frames <- f:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// HandleMessage records f; it can be passed to Session.SubscribeFunc
func (r *Recorder) HandleMessage(_ *Session, f *frame.Frame) {
	r.Record(f)
}

// Await returns the next recorded frame or false after timeout
func (r *Recorder) Await(timeout time.Duration) (*frame.Frame, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-r.frames:
		return f, true
	case <-timer.C:
		return nil, false
	}
}

// Dropped returns the number of frames lost to a full buffer
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) included(destination string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.patterns) == 0 {
		return true
	}
	for _, p := range r.patterns {
		if MatchDestination(p, destination) {
			return true
		}
	}
	return false
}

// MatchDestination matches a destination against a glob.
// A trailing "/**" matches any depth below the prefix; everything else uses
// path.Match, where "*" stops at "/".
func MatchDestination(pattern, destination string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return destination == prefix || strings.HasPrefix(destination, prefix+"/")
	}
	matched, err := path.Match(pattern, destination)
	return err == nil && matched
}
