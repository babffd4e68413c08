package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-msgio"
)

// streamChannel frames messages over a byte stream with unsigned varint length
// prefixes.
type streamChannel struct {
	handlers

	rwc io.ReadWriteCloser
	r   msgio.ReadCloser
	w   msgio.WriteCloser
}

// NewStream returns a Channel over rwc, for example a net.Conn or a libp2p
// stream. Messages larger than network.MessageSizeMax are rejected by the
// reader. The channel owns rwc and closes it on Close.
func NewStream(rwc io.ReadWriteCloser) Channel {
	s := &streamChannel{
		rwc: rwc,
		r:   msgio.NewVarintReaderSize(rwc, network.MessageSizeMax),
		w:   msgio.NewVarintWriter(rwc),
	}
	go s.readLoop()
	return s
}

func (s *streamChannel) readLoop() {
	for {
		msg, err := s.r.ReadMsg()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			} else {
				err = fmt.Errorf("failed to read msg: %w", err)
			}
			s.closeWith(err)
			_ = s.rwc.Close()
			return
		}
		s.deliver(msg)
	}
}

// Send writes a message to the stream and observes the context. If the context
// is canceled, the function returns with the error. Otherwise it blocks until
// the message is written.
func (s *streamChannel) Send(ctx context.Context, data []byte) error {
	if s.isClosed() {
		return ErrClosed
	}

	buf := bytes.Clone(data)
	errC := make(chan error, 1)
	go func() {
		errC <- s.w.WriteMsg(buf)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errC:
		return err
	}
}

func (s *streamChannel) Close() error {
	if !s.closeWith(nil) {
		return nil
	}
	return s.rwc.Close()
}
