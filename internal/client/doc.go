/*
Package client implements a STOMP client session carried over WebSocket text messages.

# Overview

A Client dials an endpoint and returns a Session. The Session sends CONNECT
as soon as the transport opens, then correlates everything the broker sends
back to the caller's Handler:

  - CONNECTED fires AfterConnected and moves the session to Connected
  - RECEIPT fires the pending receipt registered by Subscribe
  - MESSAGE goes to the subscription's MessageFunc, or HandleMessage
  - ERROR goes to HandleError; the session stays open
  - anything else is logged at debug level and dropped

RECEIPT and MESSAGE frames that match nothing are dropped with a debug log.

# States

	Connecting -> Connected -> Disconnected

Disconnected is terminal. Subscribe and Send require Connected and return
ErrNotConnected or ErrDisconnected otherwise.

# Transport

The session only sees the Transport and TransportHandler interfaces.
WebSocketDialer provides them over gorilla/websocket: one read goroutine per
connection delivers OnOpen, OnText, OnError and OnClose in order, and writes
are serialized. Decode failures are transport failures: HandleTransportError
fires and the connection is closed.

# Identifiers

Subscription ids (sub-<n>) and receipt ids (receipt-<n>) come from
per-session counters and never repeat within a session.

# Recorder

Recorder buffers MESSAGE frames in a bounded channel so tests and probes can
await them with a timeout, optionally filtered by destination globs.
*/
package client
