// Package streaming implements the connection manager and HTTP surface of the
// event fan-out service.
//
// # Transports
//
// Clients connect with a WebSocket at the base path (default
// /api/v1/streaming) and send control frames:
//
//	{"type":"subscribe","channel":"timeline:public:local"}
//	{"type":"unsubscribe","stream":"hashtag","tag":"golang"}
//
// Events arrive as {"stream":[channel],"event":type,"payload":body}; denials
// and malformed requests as {"error":message,"status":code}. A single
// unidirectional Server-Sent Events stream can be opened on a channel path
// below the base path (/public/local, /hashtag?tag=x, /list?list=17) or with
// /sse?channel=<name>.
//
// # Authentication
//
// The bearer token may be offered as the WebSocket subprotocol, in the
// Authorization header or as the access_token query parameter. Failed
// authentication is answered with 401 before any stream opens. When the
// deployment allows it, connections without a token may stream public
// channels.
//
// # Lifecycle
//
// Each connection has a reader (control frames), a writer draining its
// bounded queue, and a heartbeat. Every close path funnels through one
// idempotent close that releases the connection's subscriptions exactly once,
// drains queued frames for a bounded time and closes the transport.
// Revocation closes with 1000 and drops undelivered events; queue overflow
// under the disconnect policy closes with 1013; shutdown closes with 1001.
package streaming
