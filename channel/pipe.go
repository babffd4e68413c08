package channel

import (
	"bytes"
	"context"
	"sync"
)

// Pipe returns two connected in-process channels. A message sent on one end is
// received by the other. Closing either end closes both.
func Pipe() (Channel, Channel) {
	var once sync.Once
	a := newPipeEnd(&once)
	b := newPipeEnd(&once)
	a.remote, b.remote = b, a

	go a.run()
	go b.run()
	return a, b
}

type pipeEnd struct {
	handlers

	qmu    sync.Mutex
	queue  [][]byte
	signal chan struct{}
	done   chan struct{}

	closeOnce *sync.Once
	remote    *pipeEnd
}

func newPipeEnd(once *sync.Once) *pipeEnd {
	return &pipeEnd{
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		closeOnce: once,
	}
}

func (e *pipeEnd) run() {
	for {
		select {
		case <-e.done:
			return
		case <-e.signal:
		}

		for {
			e.qmu.Lock()
			if len(e.queue) == 0 {
				e.qmu.Unlock()
				break
			}
			msg := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.qmu.Unlock()

			select {
			case <-e.done:
				return
			default:
			}
			e.deliver(msg)
		}
	}
}

func (e *pipeEnd) enqueue(msg []byte) {
	e.qmu.Lock()
	e.queue = append(e.queue, msg)
	e.qmu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *pipeEnd) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	e.remote.enqueue(bytes.Clone(data))
	return nil
}

func (e *pipeEnd) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		close(e.remote.done)
		e.closeWith(nil)
		e.remote.closeWith(nil)
	})
	return nil
}
