// Package channel connects peerrpc peers to message transports. A Channel
// carries whole messages in order; the adapters in this package provide
// channels over an in-process pipe, length-prefixed byte streams, websockets
// and libp2p streams.
package channel

import (
	"context"
	"errors"
	"sync"

	peerrpc "github.com/plexsysio/go-peerrpc"
)

// ErrClosed is returned by Send once the channel is closed.
var ErrClosed = errors.New("channel closed")

// Channel is a bidirectional, ordered message transport.
type Channel interface {
	// Send transmits one message. The data may be reused by the caller once
	// Send returned.
	Send(ctx context.Context, data []byte) error
	// OnMessage registers the function receiving inbound messages. Messages
	// that arrive before a function is registered are queued and handed to it
	// on registration. Messages are delivered one at a time, in order.
	OnMessage(fn func(data []byte))
	// OnClose registers the function called once the channel closed. err is
	// nil when the channel was closed locally or by an orderly remote close.
	// If the channel is already closed fn is called right away.
	OnClose(fn func(err error))
	Close() error
}

// handlers implements the registration side of a Channel.
type handlers struct {
	deliverMu sync.Mutex

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func(error)
	backlog   [][]byte
	closed    bool
	closeErr  error
}

func (h *handlers) OnMessage(fn func([]byte)) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	h.onMessage = fn
	backlog := h.backlog
	h.backlog = nil
	h.mu.Unlock()

	for _, msg := range backlog {
		fn(msg)
	}
}

func (h *handlers) OnClose(fn func(error)) {
	h.mu.Lock()
	h.onClose = fn
	closed, err := h.closed, h.closeErr
	h.mu.Unlock()

	if closed {
		fn(err)
	}
}

func (h *handlers) deliver(msg []byte) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	fn := h.onMessage
	if fn == nil {
		h.backlog = append(h.backlog, msg)
	}
	h.mu.Unlock()

	if fn != nil {
		fn(msg)
	}
}

// closeWith marks the channel closed and reports err. Only the first call has
// an effect; it returns false for the others.
func (h *handlers) closeWith(err error) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.closed = true
	h.closeErr = err
	fn := h.onClose
	h.mu.Unlock()

	if fn != nil {
		fn(err)
	}
	return true
}

func (h *handlers) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Peer is the side of a Client or Server facing the channel.
type Peer interface {
	Message(data []byte) error
	Close() error
}

// Bind feeds the inbound messages of ch to p and closes p when ch closes.
// Malformed messages are reported by p itself and otherwise ignored here.
func Bind(ch Channel, p Peer) {
	ch.OnClose(func(error) { _ = p.Close() })
	ch.OnMessage(func(data []byte) { _ = p.Message(data) })
}

// textChannel is implemented by channels that can only carry text.
type textChannel interface {
	Binary() bool
}

// peerOptions selects the JSON codec for text only channels. Explicit options
// take precedence.
func peerOptions(ch Channel, opts []peerrpc.Option) []peerrpc.Option {
	if tc, ok := ch.(textChannel); ok && !tc.Binary() {
		return append([]peerrpc.Option{peerrpc.WithCodec(peerrpc.JSONCodec{})}, opts...)
	}
	return opts
}

// NewClient returns a peerrpc.Client sending on ch and bound to its inbound
// messages.
func NewClient(ch Channel, opts ...peerrpc.Option) *peerrpc.Client {
	c := peerrpc.NewClient(ch.Send, peerOptions(ch, opts)...)
	Bind(ch, c)
	return c
}

// NewServer returns a peerrpc.Server serving h on ch.
func NewServer(ch Channel, h peerrpc.Handler, opts ...peerrpc.Option) *peerrpc.Server {
	s := peerrpc.NewServer(ch.Send, peerOptions(ch, opts)...)
	s.SetHandler(h)
	Bind(ch, s)
	return s
}
