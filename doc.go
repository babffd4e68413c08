// Package peerrpc implements a symmetric request/response protocol between two
// peers connected by a message channel, with a generic, type-safe API on top.
// Any ordered transport that carries whole messages can be used. Adapters for
// in-process pipes, length-prefixed byte streams, websockets and libp2p live in
// the channel subpackage.
//
// A connection has a Client side and a Server side. The Client sends Requests
// and correlates each Response by a message id. The Server hands every Request
// to a Handler on its own goroutine and sends back whatever the handler returns.
// Several exchanges may be in flight at once and responses can arrive in any
// order.
//
// Message bodies are opaque Data, file lists or event streams. Streams are
// carried as numbered events after the message that announced them, so both
// requests and responses can stream. Either side can abort an exchange:
//   - A Client request is aborted by cancelling its context. The cause is
//     returned to the caller and an abort signal is sent to the server.
//   - A Server cancels the handler context when the client aborts and drops
//     the response.
//
// Messages are encoded by a Codec. BinaryCodec is a compact protobuf-wire
// envelope and the default. JSONCodec produces text messages for channels that
// can only carry strings.
//
// On top of the raw peers sits a router. Each service registers its rpcs on a
// Mux and requests are addressed by URL paths of the form:
//
//	/<service-name>/<version>/<rpc>
//
// The version is a semantic version string. A Mux serves requests for the same
// major version and an equal or older minor version. Middlewares can be added
// per rpc.
//
// There are four types of RPCs:
//  1. Request-Response: The client sends a request and waits for a response.
//  2. Request-Stream: The client sends a request and gets a stream of responses.
//  3. Stream-Request: The client sends a stream of requests and gets a response.
//  4. Stream-Stream: The client sends a stream of requests and gets a stream of responses.
//
// Users write the methods with the signature of the rpc type and register them
// with Unary, DownStream, UpStream or BidirStream. Objects are serialized with
// msgpack, so go structs with exported fields can be used. Streams are mapped
// to channels and closing the channel ends the stream. Errors returned by the
// methods are sent back to the client as HandlerError.
//
// Typical workflow on the server side:
//  1. Open a channel.
//  2. Create a mux and register the methods.
//  3. Start a server on the channel with the mux as handler.
//
// On the client side:
//  1. Open a channel.
//  2. Create a client on it.
//  3. Create a request and execute it.
//
// Check examples for more details.
package peerrpc
