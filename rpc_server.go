package peerrpc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"
)

func decodeBody[Req any](body Body) (*Req, error) {
	data, ok := body.(Data)
	if !ok {
		return nil, NewHandlerError(http.StatusBadRequest, "expected data body")
	}
	req := new(Req)
	if err := msgpack.Unmarshal(data, req); err != nil {
		return nil, NewHandlerError(http.StatusBadRequest, fmt.Sprintf("failed unmarshaling message: %v", err))
	}
	return req, nil
}

func encodeBody(v any) (Body, error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed marshaling message: %w", err)
	}
	return Data(buf), nil
}

func streamEvents(body Body) (EventIterator, error) {
	sb, ok := body.(StreamBody)
	if !ok || sb.Events == nil {
		return nil, NewHandlerError(http.StatusBadRequest, "expected stream body")
	}
	return sb.Events, nil
}

// readEvents decodes the events of it into out until the final event. The
// final event carries no item. It returns nil once ctx is done.
func readEvents[T any](ctx context.Context, it EventIterator, out chan<- *T) error {
	for {
		ev, last, err := it.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(ev.Data) > 0 {
			item := new(T)
			if err := msgpack.Unmarshal(ev.Data, item); err != nil {
				it.Cancel(err)
				return NewHandlerError(http.StatusBadRequest, fmt.Sprintf("failed unmarshaling message: %v", err))
			}
			select {
			case <-ctx.Done():
				return nil
			case out <- item:
			}
		}
		if last {
			return nil
		}
	}
}

// writeEvents encodes the items of in as events of p and finishes p when in
// is closed. It stops when ctx is done or the consumer cancelled p.
func writeEvents[T any](ctx context.Context, in <-chan *T, p *Pipe) error {
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-p.Canceled():
			return nil
		case item, more := <-in:
			if !more {
				_ = p.Return(Event{})
				return nil
			}
			buf, err := msgpack.Marshal(item)
			if err != nil {
				err = fmt.Errorf("failed marshaling message: %w", err)
				_ = p.Fail(err)
				return err
			}
			if err := p.Send(Event{Data: buf}); err != nil {
				return nil
			}
		}
	}
}

func wrap(h Handler, mws []Middleware) Handler {
	for _, mw := range mws {
		h = mw(h)
	}
	return h
}

// Unary returns a Handler for unary request type APIs. Each API can be wrapped
// with middlewares to provide additional functionality. The middlewares are
// applied in the order they are passed. The Req and Resp types are expected to
// be go structs that can be marshaled and unmarshaled using msgpack. This means
// only exported fields will be sent. The error returned by the handler is sent
// back to the client as an error response.
func Unary[Req any, Resp any](
	handlerFn func(context.Context, *Req) (*Resp, error),
	mws ...Middleware,
) Handler {
	return wrap(HandlerFunc(func(ctx context.Context, r *Request) (*Response, error) {
		req, err := decodeBody[Req](r.Body)
		if err != nil {
			return nil, err
		}

		resp, err := handlerFn(ctx, req)
		if err != nil {
			return nil, err
		}

		body, err := encodeBody(resp)
		if err != nil {
			return nil, err
		}
		return &Response{Status: http.StatusOK, Body: body}, nil
	}), mws)
}

// UpStream returns a Handler for streaming request type APIs. The handler
// function is expected to read from the request channel till it is closed or
// the context is canceled, and to return the response at the end of the
// operation. An error can be returned earlier if the operation fails; the
// client then stops uploading.
func UpStream[Req any, Resp any](
	handlerFn func(context.Context, <-chan *Req) (*Resp, error),
	mws ...Middleware,
) Handler {
	return wrap(HandlerFunc(func(ctx context.Context, r *Request) (*Response, error) {
		events, err := streamEvents(r.Body)
		if err != nil {
			return nil, err
		}

		eg, egCtx := errgroup.WithContext(ctx)
		readCtx, stopReading := context.WithCancel(egCtx)
		defer stopReading()

		reqStr := make(chan *Req)
		eg.Go(func() error {
			defer close(reqStr)
			return readEvents(readCtx, events, reqStr)
		})

		resp, err := handlerFn(egCtx, reqStr)
		stopReading()
		if werr := eg.Wait(); werr != nil {
			return nil, werr
		}
		if err != nil {
			return nil, err
		}

		body, err := encodeBody(resp)
		if err != nil {
			return nil, err
		}
		return &Response{Status: http.StatusOK, Body: body}, nil
	}), mws)
}

// DownStream returns a Handler for streaming response type APIs. The handler
// function is expected to close the response channel when the operation is
// complete. The handler can only return error on start. The response channel
// is no longer read once the client cancels the stream; the handler observes
// this through its context.
func DownStream[Req any, Resp any](
	handlerFn func(context.Context, *Req) (<-chan *Resp, error),
	mws ...Middleware,
) Handler {
	return wrap(HandlerFunc(func(ctx context.Context, r *Request) (*Response, error) {
		req, err := decodeBody[Req](r.Body)
		if err != nil {
			return nil, err
		}

		respCh, err := handlerFn(ctx, req)
		if err != nil {
			return nil, err
		}

		out := NewPipe()
		go func() { _ = writeEvents(ctx, respCh, out) }()

		return &Response{Status: http.StatusOK, Body: StreamBody{Events: out}}, nil
	}), mws)
}

// BidirStream returns a Handler for bidirectional streaming APIs. The handler
// function reads from the request channel until it is closed and closes the
// response channel when the operation is complete. The handler can only
// return error on start. A request that cannot be decoded fails the response
// stream. Unlike a single transport stream, both directions are queued, so a
// side that does not read never blocks the other one.
func BidirStream[Req any, Resp any](
	handlerFn func(context.Context, <-chan *Req) (<-chan *Resp, error),
	mws ...Middleware,
) Handler {
	return wrap(HandlerFunc(func(ctx context.Context, r *Request) (*Response, error) {
		events, err := streamEvents(r.Body)
		if err != nil {
			return nil, err
		}

		eg, egCtx := errgroup.WithContext(ctx)

		reqStr := make(chan *Req)
		eg.Go(func() error {
			defer close(reqStr)
			return readEvents(egCtx, events, reqStr)
		})

		respCh, err := handlerFn(egCtx, reqStr)
		if err != nil {
			return nil, err
		}

		out := NewPipe()
		eg.Go(func() error {
			return writeEvents(egCtx, respCh, out)
		})
		go func() {
			if err := eg.Wait(); err != nil {
				_ = out.Fail(err)
			}
		}()

		return &Response{Status: http.StatusOK, Body: StreamBody{Events: out}}, nil
	}), mws)
}
