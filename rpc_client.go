package peerrpc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-semver/semver"
	"github.com/vmihailenco/msgpack/v5"
)

// Requester issues requests to a remote peer. *Client implements it.
type Requester interface {
	Request(context.Context, *Request) (*Response, error)
}

var _ Requester = (*Client)(nil)

// Header interface provides functionality to add headers to the requests
type Header interface {
	SetHeader(key, value string)
}

// baseRequest provides the common functionality for all the requests
type baseRequest struct {
	r       Requester
	service string
	version *semver.Version
	path    string
	hdrs    Headers
}

func (b *baseRequest) SetHeader(key, value string) {
	if b.hdrs == nil {
		b.hdrs = make(Headers)
	}
	b.hdrs.Set(key, value)
}

func (b *baseRequest) newRequest(body Body) *Request {
	return &Request{
		URL:     BuildURL(b.service, b.version.String(), b.path),
		Method:  http.MethodPost,
		Headers: b.hdrs.Clone(),
		Body:    body,
	}
}

func getPathAndVersion(args []string) (string, *semver.Version) {
	if len(args) == 0 {
		panic("path is required")
	}
	version := semver.New(defaultVersion)
	if len(args) > 1 {
		version = semver.New(args[1])
	}

	return args[0], version
}

func newBaseRequest(r Requester, service string, args []string) *baseRequest {
	path, version := getPathAndVersion(args)
	return &baseRequest{
		r:       r,
		service: service,
		version: version,
		path:    path,
	}
}

func decodeResponse[Resp any](resp *Response) (*Resp, error) {
	data, ok := resp.Body.(Data)
	if !ok {
		return nil, fmt.Errorf("unexpected response body %v", kindOf(resp.Body))
	}
	out := new(Resp)
	if err := msgpack.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed unmarshaling response: %w", err)
	}
	return out, nil
}

// receive turns a streamed response into a channel. The channel is closed at
// the end of the stream, when it fails or when ctx is done.
func receive[Resp any](ctx context.Context, resp *Response) (<-chan *Resp, error) {
	events, err := streamEvents(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unexpected response body %v", kindOf(resp.Body))
	}

	respC := make(chan *Resp)
	go func() {
		defer close(respC)
		if err := readEvents(ctx, events, respC); err != nil || ctx.Err() != nil {
			events.Cancel(context.Cause(ctx))
		}
	}()
	return respC, nil
}

// uploadItems uploads the items of reqC as a stream body.
func uploadItems[Req any](ctx context.Context, reqC <-chan *Req) Body {
	p := NewPipe()
	go func() { _ = writeEvents(ctx, reqC, p) }()
	return StreamBody{Events: p}
}

// UnaryRequest is used to call a unary RPC registered on the server. The client
// is expected to send a single request and wait for a single response. The
// server can send a single response or an error. The client can send headers
// along with the request. The request and response types are expected to be
// same as the ones registered on the server.
type UnaryRequest[Req any, Resp any] interface {
	// Header interface provides functionality to add headers to the requests
	Header
	// Execute performs the unary RPC. The request is tied to a service and a
	// path. The request can be reused.
	Execute(context.Context, *Req) (*Resp, error)
}

// NewUnaryReq initializes a new UnaryRequest. The service and path are required
// to be passed as arguments. The version is optional and defaults to 0.0.0. Path is
// the path of the RPC. The path is the first argument in the args. The version is
// the second argument in the args.
func NewUnaryReq[Req any, Resp any](
	r Requester,
	service string,
	args ...string,
) UnaryRequest[Req, Resp] {
	return &unaryReq[Req, Resp]{baseRequest: newBaseRequest(r, service, args)}
}

type unaryReq[Req any, Resp any] struct {
	*baseRequest
}

func (u *unaryReq[Req, Resp]) Execute(ctx context.Context, req *Req) (*Resp, error) {
	body, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := u.r.Request(ctx, u.newRequest(body))
	if err != nil {
		return nil, err
	}
	return decodeResponse[Resp](resp)
}

// UpStreamRequest is used to call a up-stream RPC registered on the server. The
// client is expected to send a stream of requests and wait for a single response.
// The server can send a single response or an error.
type UpStreamRequest[Req any, Resp any] interface {
	// Header interface provides functionality to add headers to the requests
	Header
	// Execute performs the up-stream RPC. Execute blocks until the server sends
	// a response or an error, so the client is expected to asynchronously pump
	// the requests and close reqC when done.
	Execute(context.Context, <-chan *Req) (*Resp, error)
}

// NewUpStreamReq initializes a new UpStreamRequest. The arguments are the same as
// for NewUnaryReq.
func NewUpStreamReq[Req any, Resp any](
	r Requester,
	service string,
	args ...string,
) UpStreamRequest[Req, Resp] {
	return &upStreamReq[Req, Resp]{baseRequest: newBaseRequest(r, service, args)}
}

type upStreamReq[Req any, Resp any] struct {
	*baseRequest
}

func (u *upStreamReq[Req, Resp]) Execute(ctx context.Context, reqC <-chan *Req) (*Resp, error) {
	resp, err := u.r.Request(ctx, u.newRequest(uploadItems(ctx, reqC)))
	if err != nil {
		return nil, err
	}
	return decodeResponse[Resp](resp)
}

// DownStreamRequest is used to call a down-stream RPC registered on the server. The
// client is expected to send a single request and wait for a stream of responses.
// If the error is non-nil, the client can expect no more responses.
type DownStreamRequest[Req any, Resp any] interface {
	// Header interface provides functionality to add headers to the requests
	Header
	// Execute performs the down-stream RPC. The response channel is closed when
	// the server is done sending responses, when the stream fails or when ctx
	// is done. Cancelling ctx stops the server side handler.
	Execute(context.Context, *Req) (<-chan *Resp, error)
}

// NewDownStreamReq initializes a new DownStreamRequest. The arguments are the same
// as for NewUnaryReq.
func NewDownStreamReq[Req any, Resp any](
	r Requester,
	service string,
	args ...string,
) DownStreamRequest[Req, Resp] {
	return &downStreamReq[Req, Resp]{baseRequest: newBaseRequest(r, service, args)}
}

type downStreamReq[Req any, Resp any] struct {
	*baseRequest
}

func (d *downStreamReq[Req, Resp]) Execute(ctx context.Context, req *Req) (<-chan *Resp, error) {
	body, err := encodeBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := d.r.Request(ctx, d.newRequest(body))
	if err != nil {
		return nil, err
	}
	return receive[Resp](ctx, resp)
}

// BidirStreamRequest is used to call a bidirectional RPC registered on the server.
// The client can send a stream of requests and receive a stream of responses.
type BidirStreamRequest[Req any, Resp any] interface {
	// Header interface provides functionality to add headers to the requests
	Header
	// Execute performs the bidirectional RPC. The client closes the request
	// channel to signal to the server that it is done sending requests. If the
	// server fails on start, the error is returned and the response channel is
	// nil. The response channel is closed when the server is done sending
	// responses.
	Execute(context.Context, <-chan *Req) (<-chan *Resp, error)
}

// NewBidirStreamReq initializes a new BidirStreamRequest
func NewBidirStreamReq[Req any, Resp any](
	r Requester,
	service string,
	args ...string,
) BidirStreamRequest[Req, Resp] {
	return &bidirStreamReq[Req, Resp]{baseRequest: newBaseRequest(r, service, args)}
}

type bidirStreamReq[Req any, Resp any] struct {
	*baseRequest
}

func (b *bidirStreamReq[Req, Resp]) Execute(ctx context.Context, reqC <-chan *Req) (<-chan *Resp, error) {
	resp, err := b.r.Request(ctx, b.newRequest(uploadItems(ctx, reqC)))
	if err != nil {
		return nil, err
	}
	return receive[Resp](ctx, resp)
}
