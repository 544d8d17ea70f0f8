/*
Package broker provides a small in-process STOMP broker over WebSocket.

It exists to give the load harness something real to talk to: the tests
run against it and the serve command exposes it. It is not a general
purpose broker; there are no transactions, acknowledgements or persistence.

# Protocol

  - CONNECT/STOMP: answered with CONNECTED (version, heart-beat 0,0, a uuid session, server)
  - SUBSCRIBE/UNSUBSCRIBE: exact destination match, RECEIPT when requested
  - SEND: fanned out as MESSAGE to every subscriber of the destination, with
    a uuid message-id; user headers are forwarded
  - DISCONNECT: RECEIPT when requested, then the connection is closed
  - anything else: ERROR, the connection stays open

When AppPrefix and BrokerPrefix are set, SEND destinations starting with
AppPrefix are rewritten (for example /app/greeting to /topic/greeting).

# Ordering

Each connection has one outbound queue drained by one writer goroutine.
Messages from a single sender are queued from that sender's read goroutine,
so every subscriber receives them in the order they were sent.

# Metrics

Counters are registered on a private Prometheus registry:

	stomp_frames_total{command,direction}
	stomp_sessions

Handler serves them at MetricsPath; MonitorStats logs them periodically.
*/
package broker
