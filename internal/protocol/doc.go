// Package protocol defines the events exchanged over gateway WebSockets.
//
// Every frame is a JSON Envelope {"type": kind, "payload": {...}}. Each Kind
// maps to exactly one payload struct. DecodeInbound and DecodeOutbound switch
// over the known kinds and return ErrUnknownEvent for anything else, so a
// frame with an unexpected shape is never routed.
//
// Agent payload content is plain text unless Encoding is "zstd+base64".
package protocol
