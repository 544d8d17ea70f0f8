/*
Package frame implements the STOMP frame model and the text codec used to carry
frames inside WebSocket text messages.

# Wire format

	COMMAND\n
	header1:value1\n
	header2:value2\n
	\n
	body\0

A single WebSocket message may contain several frames back to back. Bare
end-of-line sequences between frames are heart-beats and decode to nothing.

# Headers

Headers keep insertion order and are case-sensitive. When a header is repeated
on the wire only the first occurrence is kept. Values are escaped on encode and
unescaped on decode for every command except CONNECT and CONNECTED.

# Errors

Decode reports malformed input with *ProtocolError. There is no resynchronisation
inside a buffer: the caller is expected to drop the connection.
*/
package frame
