package peerrpc

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

type peerState int

const (
	stateOpen peerState = iota
	stateClosing
	stateClosed
)

const roleClient = "client"

var errExchangeDone = errors.New("exchange finished")

type exchangeResult struct {
	resp *Response
	err  error
}

// exchange is the pending state of one request issued by a Client.
type exchange struct {
	id       string
	resultC  chan exchangeResult
	resolved bool
	stream   *inboundStream
	upload   context.CancelCauseFunc
	// early holds events that overtook the response opening their stream.
	early []*StreamEvent
}

// Client issues requests over a channel and matches inbound responses to
// them. A Client serves exactly one channel; inbound messages are fed through
// Message and outbound ones leave through the SendFunc.
type Client struct {
	opts options
	send SendFunc
	ids  *SequentialIDGenerator

	mu      sync.Mutex
	state   peerState
	pending map[string]*exchange
}

// NewClient returns an open Client that transmits messages with send.
func NewClient(send SendFunc, opts ...Option) *Client {
	return &Client{
		opts:    newOptions(roleClient, opts),
		send:    send,
		ids:     NewSequentialIDGenerator(),
		pending: make(map[string]*exchange),
	}
}

// Request sends req and waits for its response. ctx cancels the exchange:
// the pending state is dropped at once, the remote side is notified on a best
// effort basis and the cause of the cancellation is returned.
//
// If req.Body is a StreamBody its events are uploaded after the request
// message. If the response body is a StreamBody, its Events must be drained or
// cancelled by the caller; the stream stays bound to ctx.
func (c *Client) Request(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	id := c.ids.Generate()
	ex := &exchange{id: id, resultC: make(chan exchangeResult, 1)}

	out := *req
	var (
		upload    EventIterator
		uploadCtx context.Context
	)
	if sb, ok := req.Body.(StreamBody); ok {
		upload = sb.Events
		out.Body = StreamBody{}
		uploadCtx, ex.upload = context.WithCancelCause(ctx)
	}

	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		if upload != nil {
			ex.upload(ErrPeerClosed)
			upload.Cancel(ErrPeerClosed)
		}
		return nil, ErrPeerClosed
	}
	c.pending[id] = ex
	c.mu.Unlock()
	c.opts.metrics.inflight(roleClient, 1)

	if err := c.sendMessage(ctx, &Message{ID: id, Payload: &out}); err != nil {
		if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		c.forget(id, ex)
		if upload != nil {
			ex.upload(err)
			upload.Cancel(err)
		}
		return nil, err
	}

	if upload != nil {
		go c.uploadBody(uploadCtx, id, upload)
	}

	select {
	case res := <-ex.resultC:
		if res.err != nil {
			return nil, res.err
		}
		if sb, ok := res.resp.Body.(StreamBody); ok {
			if p, ok := sb.Events.(*Pipe); ok && ctx.Done() != nil {
				go bindStream(ctx, p)
			}
		}
		return res.resp, nil
	case <-ctx.Done():
		cause := context.Cause(ctx)
		c.abort(id, cause)
		return nil, cause
	}
}

// bindStream cancels p when ctx ends before the stream does.
func bindStream(ctx context.Context, p *Pipe) {
	select {
	case <-ctx.Done():
		p.Cancel(context.Cause(ctx))
	case <-p.Done():
	}
}

func (c *Client) uploadBody(ctx context.Context, id string, it EventIterator) {
	err := pumpEvents(ctx, id, it, c.sendMessage)
	if err != nil && ctx.Err() == nil {
		c.opts.logger.Debug("request body upload failed", zap.String("id", id), zap.Error(err))
	}
}

// Message handles one inbound message from the channel. Malformed messages
// are dropped and reported as *DecodeError; messages for unknown exchanges
// are dropped silently.
func (c *Client) Message(data []byte) error {
	msg, err := c.opts.codec.Decode(data)
	if err != nil {
		c.opts.metrics.decodeFailed(roleClient)
		c.opts.logger.Debug("dropping malformed message", zap.Error(err))
		return err
	}
	c.opts.metrics.received(roleClient, msg.Kind())

	switch p := msg.Payload.(type) {
	case *Response:
		c.handleResponse(msg.ID, p)
	case *StreamEvent:
		c.handleEvent(msg.ID, p)
	case *AbortSignal:
		c.handleAbort(msg.ID, p)
	case *Request:
		c.opts.logger.Debug("dropping request sent to client", zap.String("id", msg.ID))
	}
	return nil
}

func (c *Client) handleResponse(id string, resp *Response) {
	c.mu.Lock()
	ex, ok := c.pending[id]
	if c.state != stateOpen || !ok || ex.resolved {
		c.mu.Unlock()
		c.opts.logger.Debug("dropping response", zap.String("id", id))
		return
	}
	ex.resolved = true

	var (
		finished = true
		err      error
	)
	_, streamed := resp.Body.(StreamBody)
	if streamed && resp.Error == nil {
		ex.stream = newInboundStream(c.opts.reorderLimit)
		ex.stream.pipe.setOnCancel(func(reason error) { c.abort(id, reason) })
		resp.Body = StreamBody{Events: ex.stream.pipe}
		finished, err = ex.stream.replay(ex.early)
	}
	ex.early = nil
	if finished {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if finished {
		c.opts.metrics.inflight(roleClient, -1)
		if ex.upload != nil {
			ex.upload(errExchangeDone)
		}
	}
	if err != nil {
		c.notifyAbort(id, err)
	}
	if resp.Error != nil {
		ex.resultC <- exchangeResult{err: resp.Error.handlerError()}
		return
	}
	ex.resultC <- exchangeResult{resp: resp}
}

func (c *Client) handleEvent(id string, ev *StreamEvent) {
	c.mu.Lock()
	ex, ok := c.pending[id]
	if c.state != stateOpen || !ok {
		c.mu.Unlock()
		return
	}
	if ex.stream == nil {
		c.holdEvent(id, ex, ev)
		return
	}
	terminal, err := ex.stream.deliver(ev)
	if err != nil {
		ex.stream.fail(err)
	}
	if terminal || err != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if terminal || err != nil {
		c.opts.metrics.inflight(roleClient, -1)
		if ex.upload != nil {
			ex.upload(errExchangeDone)
		}
	}
	if err != nil {
		c.notifyAbort(id, err)
	}
}

// holdEvent keeps ev until the response of ex arrives. It is called with c.mu
// held and releases it. Too many early events fail the exchange.
func (c *Client) holdEvent(id string, ex *exchange, ev *StreamEvent) {
	if len(ex.early) < c.opts.reorderLimit {
		ex.early = append(ex.early, ev)
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	ex.resolved = true
	ex.early = nil
	c.mu.Unlock()

	c.opts.metrics.inflight(roleClient, -1)
	err := &DecodeError{Reason: "stream", Err: errReorderOverflow}
	if ex.upload != nil {
		ex.upload(err)
	}
	ex.resultC <- exchangeResult{err: err}
	c.notifyAbort(id, err)
}

func (c *Client) handleAbort(id string, sig *AbortSignal) {
	c.mu.Lock()
	ex, ok := c.pending[id]
	c.mu.Unlock()
	if ok && ex.upload != nil {
		ex.upload(streamCancelled(errors.New(sig.Reason)))
	}
}

// abort drops the exchange locally and tells the remote side to stop.
func (c *Client) abort(id string, reason error) {
	c.mu.Lock()
	ex, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	open := c.state == stateOpen
	c.mu.Unlock()
	if !ok {
		return
	}
	c.opts.metrics.inflight(roleClient, -1)

	if ex.upload != nil {
		ex.upload(reason)
	}
	if ex.stream != nil {
		ex.stream.pipe.teardown(streamCancelled(reason))
	}
	if open {
		c.notifyAbort(id, reason)
	}
}

func (c *Client) notifyAbort(id string, reason error) {
	sig := &AbortSignal{}
	if reason != nil {
		sig.Reason = reason.Error()
	}
	if err := c.sendMessage(context.Background(), &Message{ID: id, Payload: sig}); err != nil {
		c.opts.logger.Debug("failed sending abort", zap.String("id", id), zap.Error(err))
	}
}

func (c *Client) forget(id string, ex *exchange) {
	c.mu.Lock()
	cur, ok := c.pending[id]
	if ok && cur == ex {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok && cur == ex {
		c.opts.metrics.inflight(roleClient, -1)
	}
}

func (c *Client) sendMessage(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	open := c.state == stateOpen
	c.mu.Unlock()
	if !open {
		return ErrPeerClosed
	}

	data, err := c.opts.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.send(ctx, data); err != nil {
		return &ChannelSendError{ID: msg.ID, Err: err}
	}
	c.opts.metrics.sent(roleClient, msg.Kind())
	return nil
}

// Close rejects every pending request with ErrPeerClosed and tears down open
// response streams. It is safe to call Close more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosing
	pending := c.pending
	c.pending = make(map[string]*exchange)
	c.mu.Unlock()

	for _, ex := range pending {
		if ex.upload != nil {
			ex.upload(ErrPeerClosed)
		}
		if ex.stream != nil {
			ex.stream.pipe.teardown(ErrPeerClosed)
		} else if !ex.resolved {
			ex.resultC <- exchangeResult{err: ErrPeerClosed}
		}
	}
	c.opts.metrics.inflight(roleClient, -float64(len(pending)))
	c.opts.logger.Debug("client closed", zap.Int("pending", len(pending)))

	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	return nil
}
