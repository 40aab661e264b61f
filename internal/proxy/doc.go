// Package proxy implements the client-facing side of ruleproxy.
//
// A Server accepts connections and runs one Session per connection. A
// session reads a single HTTP/1.x proxy request, resolves its destination
// through a connector.Connector and then either tunnels (CONNECT) or
// forwards the rewritten request and streams the response back. Each
// session handles exactly one request; "Connection: close" is forced on
// plain requests.
package proxy
