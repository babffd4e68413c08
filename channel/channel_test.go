package channel_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	peerrpc "github.com/plexsysio/go-peerrpc"
	"github.com/plexsysio/go-peerrpc/channel"
)

type testReq struct {
	Arg string
}

type testResp struct {
	Arg string
}

func echo(ctx context.Context, req *testReq) (*testResp, error) {
	return &testResp{Arg: req.Arg}, nil
}

func newEchoMux() *peerrpc.Mux {
	m := peerrpc.New("test")
	m.Handle("echo", peerrpc.Unary(echo))
	return m
}

type collector struct {
	mu   sync.Mutex
	msgs []string
	gotC chan struct{}
}

func newCollector() *collector {
	return &collector{gotC: make(chan struct{}, 100)}
}

func (c *collector) add(data []byte) {
	c.mu.Lock()
	c.msgs = append(c.msgs, string(data))
	c.mu.Unlock()
	c.gotC <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()

	for i := 0; i < n; i++ {
		select {
		case <-c.gotC:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func TestPipe(t *testing.T) {
	t.Parallel()

	t.Run("ordered delivery", func(t *testing.T) {
		t.Parallel()

		a, b := channel.Pipe()
		defer a.Close()

		col := newCollector()
		b.OnMessage(col.add)

		for i := 0; i < 50; i++ {
			if err := a.Send(context.Background(), []byte(fmt.Sprint(i))); err != nil {
				t.Fatal(err)
			}
		}

		msgs := col.wait(t, 50)
		for i, m := range msgs {
			if m != fmt.Sprint(i) {
				t.Fatalf("unexpected message at %d: got %s", i, m)
			}
		}
	})

	t.Run("backlog before handler", func(t *testing.T) {
		t.Parallel()

		a, b := channel.Pipe()
		defer a.Close()

		for _, m := range []string{"first", "second"} {
			if err := a.Send(context.Background(), []byte(m)); err != nil {
				t.Fatal(err)
			}
		}
		// let the messages reach the backlog
		time.Sleep(50 * time.Millisecond)

		col := newCollector()
		b.OnMessage(col.add)

		msgs := col.wait(t, 2)
		if msgs[0] != "first" || msgs[1] != "second" {
			t.Fatalf("unexpected messages: %v", msgs)
		}
	})

	t.Run("close", func(t *testing.T) {
		t.Parallel()

		a, b := channel.Pipe()

		closed := make(chan error, 1)
		b.OnClose(func(err error) { closed <- err })

		if err := a.Close(); err != nil {
			t.Fatal(err)
		}
		select {
		case err := <-closed:
			if err != nil {
				t.Fatalf("unexpected close error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("remote end not closed")
		}

		if err := b.Send(context.Background(), []byte("late")); !errors.Is(err, channel.ErrClosed) {
			t.Fatalf("unexpected send error: got %v want %v", err, channel.ErrClosed)
		}

		lateClose := make(chan error, 1)
		a.OnClose(func(err error) { lateClose <- err })
		select {
		case <-lateClose:
		default:
			t.Fatal("close not reported on late registration")
		}

		if err := b.Close(); err != nil {
			t.Fatal(err)
		}
	})
}

func TestBind(t *testing.T) {
	t.Parallel()

	t.Run("request over pipe", func(t *testing.T) {
		t.Parallel()

		a, b := channel.Pipe()
		defer a.Close()

		m := newEchoMux()
		channel.NewServer(b, m)
		cl := channel.NewClient(a)

		req := peerrpc.NewUnaryReq[testReq, testResp](cl, "test", "echo")
		resp, err := req.Execute(context.Background(), &testReq{Arg: "hello"})
		if err != nil {
			t.Fatal(err)
		}
		if resp.Arg != "hello" {
			t.Fatalf("unexpected response: got %s want hello", resp.Arg)
		}
	})

	t.Run("channel close closes peers", func(t *testing.T) {
		t.Parallel()

		a, b := channel.Pipe()

		block := make(chan struct{})
		defer close(block)

		m := peerrpc.New("test")
		m.Handle("block", peerrpc.HandlerFunc(func(ctx context.Context, req *peerrpc.Request) (*peerrpc.Response, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		}))
		srv := channel.NewServer(b, m)
		cl := channel.NewClient(a)

		errC := make(chan error, 1)
		go func() {
			_, err := cl.Request(context.Background(), &peerrpc.Request{URL: m.URL("block")})
			errC <- err
		}()

		time.Sleep(50 * time.Millisecond)
		_ = a.Close()

		select {
		case err := <-errC:
			if !errors.Is(err, peerrpc.ErrPeerClosed) {
				t.Fatalf("unexpected error: got %v want %v", err, peerrpc.ErrPeerClosed)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("pending request not rejected")
		}

		if err := srv.Wait(); err != nil {
			t.Fatal(err)
		}
	})
}
