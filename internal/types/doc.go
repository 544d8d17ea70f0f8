/*
Package types defines the scenario structures shared by the parser, the
harness and the CLI.

# Scenario

A Scenario is one broadcast load test as written in a scenario file:
  - URL, Destination and optional SendDestination (e.g. /app/ routing)
  - Users (consumer sessions), Messages per producer, Producers
  - Payload sent by every producer, with a "json" or "text" converter
  - WebSocket handshake Headers and TLS settings for wss:// endpoints
  - Per-phase Timeouts in milliseconds
  - Expect, describing what each delivered payload must look like

String fields may hold {{name}} and {{env.NAME}} placeholders; they are
resolved by the parser before the harness sees them.

# Field Tags

All types carry JSON and YAML tags so the same struct is read from .yaml,
.json and .jsonc files. Optional fields use omitempty.

# Example

	name: greetings
	url: ws://localhost:61614/stomp
	users: 750
	messages: 100
	destination: /topic/greetings
	sendDestination: /app/greetings
	payload: '{"name":"Joe"}'
	timeouts:
	  broadcastMs: 90000
	expect:
	  fields:
	    name: Joe
*/
package types
