package peerrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// EventIterator is a pull based sequence of events terminated by a final event
// or an error.
type EventIterator interface {
	// Next blocks until the next event is available. last reports whether ev is
	// the final event of the stream. A non-nil error also terminates the
	// stream.
	Next(ctx context.Context) (ev Event, last bool, err error)
	// Cancel stops the stream. The producer is notified and pending events are
	// discarded. Cancel must be called by consumers that stop reading before
	// the stream terminated.
	Cancel(reason error)
}

type pipeItem struct {
	ev   Event
	last bool
	err  error
}

// Pipe is an in-memory EventIterator. Producers call Send, Return and Fail;
// consumers call Next and Cancel. Sending never blocks: events are queued until
// the consumer reads them.
type Pipe struct {
	mu       sync.Mutex
	items    []pipeItem
	closed   bool
	finished bool
	err      error
	signal   chan struct{}
	canceled chan struct{}
	done     chan struct{}
	onCancel func(reason error)
}

var _ EventIterator = (*Pipe)(nil)

// NewPipe returns an empty, open pipe.
func NewPipe() *Pipe {
	return &Pipe{
		signal:   make(chan struct{}, 1),
		canceled: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *Pipe) push(it pipeItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if p.closed {
		return ErrStreamFinished
	}
	p.items = append(p.items, it)
	if it.last || it.err != nil {
		p.closed = true
		close(p.done)
	}
	select {
	case p.signal <- struct{}{}:
	default:
	}
	return nil
}

// Send queues a continuation event.
func (p *Pipe) Send(ev Event) error {
	return p.push(pipeItem{ev: ev})
}

// Return queues the final event and closes the pipe for producers.
func (p *Pipe) Return(ev Event) error {
	return p.push(pipeItem{ev: ev, last: true})
}

// Fail terminates the stream with err.
func (p *Pipe) Fail(err error) error {
	if err == nil {
		err = errors.New("stream failed")
	}
	return p.push(pipeItem{err: err})
}

// Canceled is closed when the consumer cancelled the stream.
func (p *Pipe) Canceled() <-chan struct{} {
	return p.canceled
}

// Done is closed once the producer terminated the stream or the stream was
// cancelled.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

func (p *Pipe) Next(ctx context.Context) (Event, bool, error) {
	for {
		p.mu.Lock()
		switch {
		case p.err != nil:
			err := p.err
			p.mu.Unlock()
			return Event{}, false, err
		case p.finished:
			p.mu.Unlock()
			return Event{}, false, ErrStreamFinished
		case len(p.items) > 0:
			it := p.items[0]
			p.items[0] = pipeItem{}
			p.items = p.items[1:]
			if it.last || it.err != nil {
				p.finished = true
			}
			p.mu.Unlock()
			return it.ev, it.last, it.err
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, false, context.Cause(ctx)
		case <-p.canceled:
		case <-p.signal:
		}
	}
}

func (p *Pipe) Cancel(reason error) {
	p.mu.Lock()
	if p.err != nil || p.finished {
		p.mu.Unlock()
		return
	}
	p.stop(streamCancelled(reason))
	fn := p.onCancel
	p.mu.Unlock()

	if fn != nil {
		fn(reason)
	}
}

// teardown stops the pipe with err without notifying the producer side.
func (p *Pipe) teardown(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil || p.finished {
		return
	}
	p.stop(err)
}

func (p *Pipe) stop(err error) {
	p.err = err
	p.items = nil
	close(p.canceled)
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

func (p *Pipe) setOnCancel(fn func(error)) {
	p.mu.Lock()
	p.onCancel = fn
	p.mu.Unlock()
}

var errReorderOverflow = errors.New("too many out of order events")

// inboundStream is the receiving state of one streamed body. Events are handed
// to the pipe strictly in Seq order.
type inboundStream struct {
	pipe  *Pipe
	next  uint64
	early map[uint64]*StreamEvent
	limit int
}

func newInboundStream(limit int) *inboundStream {
	return &inboundStream{pipe: NewPipe(), limit: limit}
}

// deliver reports whether the terminal event reached the pipe.
func (s *inboundStream) deliver(ev *StreamEvent) (bool, error) {
	switch {
	case ev.Seq < s.next:
		return false, nil
	case ev.Seq > s.next:
		if _, dup := s.early[ev.Seq]; dup {
			return false, nil
		}
		if len(s.early) >= s.limit {
			return false, errReorderOverflow
		}
		if s.early == nil {
			s.early = make(map[uint64]*StreamEvent)
		}
		s.early[ev.Seq] = ev
		return false, nil
	}

	for {
		s.next++
		if s.push(ev) {
			s.early = nil
			return true, nil
		}
		nxt, ok := s.early[s.next]
		if !ok {
			return false, nil
		}
		delete(s.early, s.next)
		ev = nxt
	}
}

// replay delivers events received before the stream was opened, in arrival
// order. It reports whether the stream ended; a failure also fails the stream.
func (s *inboundStream) replay(evs []*StreamEvent) (bool, error) {
	for _, ev := range evs {
		done, err := s.deliver(ev)
		if err != nil {
			s.fail(err)
			return true, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}

// earlyEvents buffers stream events whose exchange is not known yet. At most
// limit events are held across all ids. The ids of the last limit exchanges
// that ended are remembered so that their late events are not buffered.
type earlyEvents struct {
	limit int
	held  map[string][]*StreamEvent
	count int
	ended map[string]struct{}
	order []string
}

func newEarlyEvents(limit int) *earlyEvents {
	return &earlyEvents{
		limit: limit,
		held:  make(map[string][]*StreamEvent),
		ended: make(map[string]struct{}),
	}
}

// add holds ev for id. Events of ended exchanges are dropped; errReorderOverflow
// is returned when the buffer is full.
func (e *earlyEvents) add(id string, ev *StreamEvent) error {
	if _, ok := e.ended[id]; ok {
		return nil
	}
	if e.count >= e.limit {
		return errReorderOverflow
	}
	e.held[id] = append(e.held[id], ev)
	e.count++
	return nil
}

// take removes and returns the events held for id.
func (e *earlyEvents) take(id string) []*StreamEvent {
	evs := e.held[id]
	delete(e.held, id)
	e.count -= len(evs)
	return evs
}

// end records that the exchange id is over.
func (e *earlyEvents) end(id string) {
	e.take(id)
	if _, ok := e.ended[id]; ok {
		return
	}
	e.ended[id] = struct{}{}
	e.order = append(e.order, id)
	if len(e.order) > e.limit {
		delete(e.ended, e.order[0])
		e.order = e.order[1:]
	}
}

func (s *inboundStream) push(ev *StreamEvent) bool {
	switch ev.Type {
	case EventDone:
		_ = s.pipe.Return(ev.Event)
		return true
	case EventError:
		_ = s.pipe.Fail(ev.Error.handlerError())
		return true
	default:
		_ = s.pipe.Send(ev.Event)
		return false
	}
}

func (s *inboundStream) fail(err error) {
	_ = s.pipe.Fail(&DecodeError{Reason: "stream", Err: err})
}

// pumpEvents drains it and sends every item as a StreamEvent of exchange id.
// When ctx is cancelled the producer is cancelled and nothing more is sent.
func pumpEvents(
	ctx context.Context,
	id string,
	it EventIterator,
	send func(context.Context, *Message) error,
) error {
	for seq := uint64(0); ; seq++ {
		ev, last, err := it.Next(ctx)
		if ctx.Err() != nil {
			it.Cancel(context.Cause(ctx))
			return context.Cause(ctx)
		}

		out := &StreamEvent{Seq: seq, Event: ev}
		switch {
		case err != nil:
			out.Type = EventError
			out.Event = Event{}
			out.Error = errorData(err)
		case last:
			out.Type = EventDone
		default:
			out.Type = EventMessage
		}

		if sendErr := send(ctx, &Message{ID: id, Payload: out}); sendErr != nil {
			if err == nil && !last {
				it.Cancel(sendErr)
			}
			return fmt.Errorf("failed sending event %d: %w", seq, sendErr)
		}
		if err != nil || last {
			return nil
		}
	}
}
