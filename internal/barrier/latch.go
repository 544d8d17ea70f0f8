// Package barrier provides the counting latches that load-test phases wait on.
//
// A Latch is created with the exact set of identifiers it expects events from,
// each with an outstanding count. Any goroutine may count down; the count never
// goes below zero and events for unknown or already-satisfied identifiers are
// rejected, so a latch can neither under- nor over-count. When a wait times out
// the error names the identifiers that are still outstanding.
package barrier

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Latch is a countdown keyed by identifier
type Latch struct {
	phase string

	mu          sync.Mutex
	outstanding map[string]int
	remaining   int
	expected    int
	done        chan struct{}
}

// New creates a latch expecting expected[id] events per identifier.
// Identifiers with a non-positive count are ignored.
func New(phase string, expected map[string]int) *Latch {
	l := &Latch{
		phase:       phase,
		outstanding: make(map[string]int, len(expected)),
		done:        make(chan struct{}),
	}
	for id, n := range expected {
		if n <= 0 {
			continue
		}
		l.outstanding[id] = n
		l.remaining += n
	}
	l.expected = l.remaining
	if l.remaining == 0 {
		close(l.done)
	}
	return l
}

// NewIDs creates a latch expecting perID events from each identifier
func NewIDs(phase string, ids []string, perID int) *Latch {
	expected := make(map[string]int, len(ids))
	for _, id := range ids {
		expected[id] += perID
	}
	return New(phase, expected)
}

// Phase returns the phase name the latch was created for
func (l *Latch) Phase() string {
	return l.phase
}

// CountDown records one event for id.
// It returns false when id is unknown or has nothing outstanding.
func (l *Latch) CountDown(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.outstanding[id]
	if !ok || n == 0 {
		return false
	}
	if n == 1 {
		delete(l.outstanding, id)
	} else {
		l.outstanding[id] = n - 1
	}
	l.remaining--
	if l.remaining == 0 {
		close(l.done)
	}
	return true
}

// Expected returns the total number of events the latch was created with
func (l *Latch) Expected() int {
	return l.expected
}

// Remaining returns the number of outstanding events
func (l *Latch) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining
}

// Missing returns the identifiers that still have outstanding events, sorted
func (l *Latch) Missing() []Outstanding {
	l.mu.Lock()
	out := make([]Outstanding, 0, len(l.outstanding))
	for id, n := range l.outstanding {
		out = append(out, Outstanding{ID: id, Count: n})
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return naturalLess(out[i].ID, out[j].ID)
	})
	return out
}

// Done is closed once every expected event has been counted
func (l *Latch) Done() <-chan struct{} {
	return l.done
}

// Wait blocks until the latch reaches zero or timeout elapses
func (l *Latch) Wait(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.done:
		return nil
	case <-timer.C:
		return l.TimeoutError(timeout)
	}
}

// TimeoutError snapshots the outstanding identifiers into an error
func (l *Latch) TimeoutError(timeout time.Duration) *TimeoutError {
	return &TimeoutError{
		Phase:     l.phase,
		Timeout:   timeout,
		Expected:  l.expected,
		Remaining: l.Remaining(),
		Missing:   l.Missing(),
	}
}

// Outstanding is an identifier with events still expected from it
type Outstanding struct {
	ID    string `json:"id" yaml:"id"`
	Count int    `json:"count" yaml:"count"`
}

func (o Outstanding) String() string {
	if o.Count == 1 {
		return o.ID
	}
	return fmt.Sprintf("%s(%d)", o.ID, o.Count)
}

// TimeoutError reports a latch that did not reach zero in time
type TimeoutError struct {
	Phase     string
	Timeout   time.Duration
	Expected  int
	Remaining int
	Missing   []Outstanding
}

// maxListedIDs bounds the identifiers spelled out in the error message
const maxListedIDs = 50

func (e *TimeoutError) Error() string {
	ids := make([]string, 0, len(e.Missing))
	for i, m := range e.Missing {
		if i == maxListedIDs {
			ids = append(ids, fmt.Sprintf("... %d more", len(e.Missing)-maxListedIDs))
			break
		}
		ids = append(ids, m.String())
	}
	return fmt.Sprintf("%s: %d of %d events outstanding after %s, missing: [%s]",
		e.Phase, e.Remaining, e.Expected, e.Timeout, strings.Join(ids, ", "))
}

// naturalLess orders "session-2" before "session-10"
func naturalLess(a, b string) bool {
	pa, na, oka := splitNumericSuffix(a)
	pb, nb, okb := splitNumericSuffix(b)
	if oka && okb && pa == pb {
		return na < nb
	}
	return a < b
}

func splitNumericSuffix(s string) (string, int, bool) {
	i := len(s)
	for i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		i--
	}
	if i == len(s) || len(s)-i > 9 {
		return s, 0, false
	}
	n := 0
	for _, c := range s[i:] {
		n = n*10 + int(c-'0')
	}
	return s[:i], n, true
}
