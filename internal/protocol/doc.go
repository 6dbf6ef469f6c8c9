// Package protocol owns the workspace sync wire contract.
//
// Ownership boundary:
// - inbound message envelope and variant validation
// - outbound op encoding
// - decode error taxonomy
//
// Frames are JSON text, one message per WebSocket frame:
//
//	{"type":"init","data":{<key>:<value>,...}}
//	{"type":"op","payload":{"key":<string>,"value":<any>,"timestamp":<int>}}
//	{"type":"error","message":<string>}
package protocol
