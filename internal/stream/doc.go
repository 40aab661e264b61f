// Package stream provides the byte-stream abstraction shared by the proxy
// session, the connectors and the relay.
//
// A Stream is a bidirectional byte channel that supports delimiter-based
// reads, exact-length reads, plain reads and writes, idempotent close and
// close notification. Streams returned by New wrap a net.Conn with a
// buffered reader so that protocol framing (request lines, header blocks,
// SOCKS replies) and the raw relay that follows it share one read buffer and
// never lose bytes read ahead of a delimiter.
package stream
