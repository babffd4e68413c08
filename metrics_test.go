package peerrpc_test

import (
	"context"
	"net/http"
	"testing"

	peerrpc "github.com/plexsysio/go-peerrpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := peerrpc.NewMetrics(reg)

	m := peerrpc.New("test")
	m.Handle("ok", peerrpc.HandlerFunc(func(ctx context.Context, req *peerrpc.Request) (*peerrpc.Response, error) {
		return &peerrpc.Response{Status: http.StatusOK}, nil
	}))

	cl := newTestPair(t, m, peerrpc.WithMetrics(metrics))
	for i := 0; i < 3; i++ {
		if _, err := cl.Request(context.Background(), &peerrpc.Request{URL: m.URL("ok")}); err != nil {
			t.Fatal(err)
		}
	}
	_ = cl.Message([]byte{0xff})

	if got := testutil.ToFloat64(metrics.MessagesSent.WithLabelValues("client", "request")); got != 3 {
		t.Fatalf("unexpected requests sent: %v", got)
	}
	if got := testutil.ToFloat64(metrics.MessagesReceived.WithLabelValues("client", "response")); got != 3 {
		t.Fatalf("unexpected responses received: %v", got)
	}
	if got := testutil.ToFloat64(metrics.DecodeFailures.WithLabelValues("client")); got != 1 {
		t.Fatalf("unexpected decode failures: %v", got)
	}
	if got := testutil.ToFloat64(metrics.Inflight.WithLabelValues("client")); got != 0 {
		t.Fatalf("unexpected inflight exchanges: %v", got)
	}
	if n := testutil.CollectAndCount(reg); n == 0 {
		t.Fatal("no metrics registered")
	}
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	r := newRemote()
	c := peerrpc.NewClient(r.send, peerrpc.WithMetrics(nil))
	defer c.Close()

	resC := startRequest(c, context.Background(), &peerrpc.Request{URL: "/a"})
	req := r.next(t)
	deliver(t, c, &peerrpc.Message{ID: req.ID, Payload: &peerrpc.Response{Status: http.StatusOK}})
	if res := await(t, resC); res.err != nil {
		t.Fatal(res.err)
	}
}
