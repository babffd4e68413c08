package peerrpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const roleServer = "server"

// Handler serves the requests received by a Server. A handler may return a
// Response whose Body is a StreamBody to stream events back to the caller; the
// stream is cancelled when the caller aborts or the server closes.
type Handler interface {
	ServeRequest(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

func (f HandlerFunc) ServeRequest(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

type exchangeKey struct{}

// ExchangeID returns the correlation id of the exchange served with ctx.
func ExchangeID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(exchangeKey{}).(string)
	return id, ok
}

// SetExchangeID stores the correlation id of an exchange in ctx.
func SetExchangeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, exchangeKey{}, id)
}

// serverExchange is the state a Server keeps while it serves one request.
type serverExchange struct {
	cancel context.CancelCauseFunc
	body   *inboundStream
}

// Server dispatches inbound requests of one channel to a Handler. Every
// request is served on its own goroutine, so a slow or failing handler only
// affects its own exchange.
type Server struct {
	opts options
	send SendFunc

	mu      sync.Mutex
	handler Handler
	closed  bool
	active  map[string]*serverExchange
	early   *earlyEvents

	handlers errgroup.Group
}

// NewServer returns a Server that answers with send. Requests received before
// SetHandler is called get a 404 response.
func NewServer(send SendFunc, opts ...Option) *Server {
	o := newOptions(roleServer, opts)
	return &Server{
		opts:   o,
		send:   send,
		active: make(map[string]*serverExchange),
		early:  newEarlyEvents(o.reorderLimit),
	}
}

// SetHandler sets the handler for subsequent requests.
func (s *Server) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Message handles one inbound message from the channel. Malformed messages
// are dropped and reported as *DecodeError.
func (s *Server) Message(data []byte) error {
	msg, err := s.opts.codec.Decode(data)
	if err != nil {
		s.opts.metrics.decodeFailed(roleServer)
		s.opts.logger.Debug("dropping malformed message", zap.Error(err))
		return err
	}
	s.opts.metrics.received(roleServer, msg.Kind())

	switch p := msg.Payload.(type) {
	case *Request:
		s.handleRequest(msg.ID, p)
	case *StreamEvent:
		s.handleEvent(msg.ID, p)
	case *AbortSignal:
		s.handleAbort(msg.ID, p)
	case *Response:
		s.opts.logger.Debug("dropping response sent to server", zap.String("id", msg.ID))
	}
	return nil
}

func (s *Server) handleRequest(id string, req *Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.active[id]; dup {
		s.mu.Unlock()
		s.opts.logger.Warn("dropping request with duplicate id", zap.String("id", id))
		return
	}

	ctx, cancel := context.WithCancelCause(SetExchangeID(context.Background(), id))
	ex := &serverExchange{cancel: cancel}
	held := s.early.take(id)
	var replayErr error
	if _, ok := req.Body.(StreamBody); ok {
		ex.body = newInboundStream(s.opts.reorderLimit)
		ex.body.pipe.setOnCancel(func(reason error) { s.stopBody(id, reason) })
		req.Body = StreamBody{Events: ex.body.pipe}
		_, replayErr = ex.body.replay(held)
	}
	s.active[id] = ex
	h := s.handler
	s.mu.Unlock()
	s.opts.metrics.inflight(roleServer, 1)
	if replayErr != nil {
		s.notifyAbort(id, replayErr)
	}

	s.handlers.Go(func() error {
		s.serve(ctx, id, ex, h, req)
		return nil
	})
}

func (s *Server) serve(ctx context.Context, id string, ex *serverExchange, h Handler, req *Request) {
	defer s.finish(id, ex)

	resp, err := invoke(ctx, h, req)
	if ctx.Err() != nil {
		cancelBody(resp, context.Cause(ctx))
		return
	}
	if err != nil {
		cancelBody(resp, err)
		s.opts.logger.Debug("handler failed", zap.String("id", id), zap.Error(err))
		data := errorData(err)
		resp = &Response{Status: data.Status, Error: data}
	}

	out := *resp
	sb, streamed := resp.Body.(StreamBody)
	if streamed {
		out.Body = StreamBody{}
	}
	if err := s.sendMessage(ctx, &Message{ID: id, Payload: &out}); err != nil {
		s.opts.logger.Debug("failed sending response", zap.String("id", id), zap.Error(err))
		if streamed && sb.Events != nil {
			sb.Events.Cancel(err)
		}
		return
	}
	if !streamed {
		return
	}

	events := sb.Events
	if events == nil {
		events = emptyStream()
	}
	if err := pumpEvents(ctx, id, events, s.sendMessage); err != nil && ctx.Err() == nil {
		s.opts.logger.Debug("response stream failed", zap.String("id", id), zap.Error(err))
	}
}

func invoke(ctx context.Context, h Handler, req *Request) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, NewHandlerError(http.StatusInternalServerError, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	if h == nil {
		return nil, NewHandlerError(http.StatusNotFound, "no handler")
	}
	resp, err = h.ServeRequest(ctx, req)
	if err == nil && resp == nil {
		resp = &Response{Status: http.StatusOK}
	}
	return resp, err
}

// cancelBody stops the producer of a streamed resp that will not be sent.
func cancelBody(resp *Response, reason error) {
	if resp == nil {
		return
	}
	if sb, ok := resp.Body.(StreamBody); ok && sb.Events != nil {
		sb.Events.Cancel(reason)
	}
}

func emptyStream() EventIterator {
	p := NewPipe()
	_ = p.Return(Event{})
	return p
}

func (s *Server) finish(id string, ex *serverExchange) {
	ex.cancel(errExchangeDone)
	if ex.body != nil {
		ex.body.pipe.teardown(streamCancelled(errExchangeDone))
	}

	s.mu.Lock()
	cur, ok := s.active[id]
	if ok && cur == ex {
		delete(s.active, id)
		s.early.end(id)
	}
	s.mu.Unlock()
	if ok && cur == ex {
		s.opts.metrics.inflight(roleServer, -1)
	}
}

func (s *Server) handleEvent(id string, ev *StreamEvent) {
	s.mu.Lock()
	ex, ok := s.active[id]
	if s.closed || (ok && ex.body == nil) {
		s.mu.Unlock()
		return
	}
	if !ok {
		// the request opening this stream has not arrived yet
		err := s.early.add(id, ev)
		s.mu.Unlock()
		if err != nil {
			s.notifyAbort(id, &DecodeError{Reason: "stream", Err: err})
		}
		return
	}
	_, err := ex.body.deliver(ev)
	if err != nil {
		ex.body.fail(err)
	}
	s.mu.Unlock()

	if err != nil {
		s.notifyAbort(id, err)
	}
}

// handleAbort drops the exchange at once; its handler observes the cancelled
// context.
func (s *Server) handleAbort(id string, sig *AbortSignal) {
	s.mu.Lock()
	ex, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.early.end(id)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.opts.metrics.inflight(roleServer, -1)

	reason := streamCancelled(errors.New(sig.Reason))
	ex.cancel(reason)
	if ex.body != nil {
		ex.body.pipe.teardown(reason)
	}
}

// stopBody tells the client to stop uploading the request body of id.
func (s *Server) stopBody(id string, reason error) {
	s.mu.Lock()
	_, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		s.notifyAbort(id, reason)
	}
}

func (s *Server) notifyAbort(id string, reason error) {
	sig := &AbortSignal{}
	if reason != nil {
		sig.Reason = reason.Error()
	}
	if err := s.sendMessage(context.Background(), &Message{ID: id, Payload: sig}); err != nil {
		s.opts.logger.Debug("failed sending abort", zap.String("id", id), zap.Error(err))
	}
}

func (s *Server) sendMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrPeerClosed
	}

	data, err := s.opts.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.send(ctx, data); err != nil {
		return &ChannelSendError{ID: msg.ID, Err: err}
	}
	s.opts.metrics.sent(roleServer, msg.Kind())
	return nil
}

// Close cancels every running handler and stops all further sends. It is safe
// to call Close more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := s.active
	s.active = make(map[string]*serverExchange)
	s.mu.Unlock()

	for _, ex := range active {
		ex.cancel(ErrPeerClosed)
		if ex.body != nil {
			ex.body.pipe.teardown(ErrPeerClosed)
		}
	}
	s.opts.metrics.inflight(roleServer, -float64(len(active)))
	s.opts.logger.Debug("server closed", zap.Int("active", len(active)))
	return nil
}

// Wait blocks until every handler started so far returned. Call it after
// Close to drain the server.
func (s *Server) Wait() error {
	return s.handlers.Wait()
}
