// Package loadtest drives a STOMP broker with many concurrent sessions and
// verifies fan-out delivery.
//
// A scenario runs strictly sequential phases: an optional HTTP warm-up, then
// connect, subscribe, broadcast and disconnect. Each phase waits on its own
// barrier.Latch with a timeout; a timeout reports the session ids that never
// answered. A payload mismatch, a broker ERROR or a transport error on any
// session aborts the scenario at once. Every session is disconnected before
// Run returns, whatever the outcome.
//
// Manager stores finished runs and their phases in SQLite.
package loadtest
