package peerrpc_test

import (
	"bytes"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	peerrpc "github.com/plexsysio/go-peerrpc"
	"google.golang.org/protobuf/encoding/protowire"
)

var codecs = map[string]peerrpc.Codec{
	"binary":    peerrpc.BinaryCodec{},
	"zero copy": peerrpc.BinaryCodec{ZeroCopy: true},
	"json":      peerrpc.JSONCodec{},
}

func sampleMessages() []*peerrpc.Message {
	return []*peerrpc.Message{
		{ID: "1", Payload: &peerrpc.Request{
			URL:    "/svc/1.0.0/echo",
			Method: http.MethodPost,
			Headers: peerrpc.Headers{
				"Single": {"one"},
				"Multi":  {"a", "b", "c"},
				"Empty":  {},
			},
			Body: peerrpc.Data("payload"),
		}},
		{ID: "2", Payload: &peerrpc.Request{
			URL: "/upload",
			Body: peerrpc.Files{
				{Name: "a.txt", ContentType: "text/plain", Data: []byte("hello")},
				{Name: "b.bin", ContentType: "application/octet-stream", Data: []byte{0, 1, 2, 255}},
			},
		}},
		{ID: "3", Payload: &peerrpc.Request{URL: "/stream", Body: peerrpc.StreamBody{}}},
		{ID: "4", Payload: &peerrpc.Request{URL: "/nobody"}},
		{ID: "zz", Payload: &peerrpc.Response{
			Status:  http.StatusOK,
			Headers: peerrpc.Headers{"Content-Type": {"application/msgpack"}},
			Body:    peerrpc.Data{1, 2, 3},
		}},
		{ID: "10", Payload: &peerrpc.Response{
			Status: http.StatusNotFound,
			Error: &peerrpc.ErrorData{
				Code:    peerrpc.CodeNotFound,
				Status:  http.StatusNotFound,
				Message: "no route",
				Data:    []byte("detail"),
			},
		}},
		{ID: "11", Payload: &peerrpc.Response{Status: http.StatusOK, Body: peerrpc.StreamBody{}}},
		{ID: "12", Payload: &peerrpc.StreamEvent{
			Seq:  7,
			Type: peerrpc.EventMessage,
			Event: peerrpc.Event{
				Data:     []byte("event data"),
				ID:       "ev-7",
				Retry:    1500 * time.Millisecond,
				Comments: []string{"keepalive", "second"},
			},
		}},
		{ID: "13", Payload: &peerrpc.StreamEvent{Seq: 2, Type: peerrpc.EventDone, Event: peerrpc.Event{Data: []byte("c")}}},
		{ID: "14", Payload: &peerrpc.StreamEvent{
			Seq:  0,
			Type: peerrpc.EventError,
			Error: &peerrpc.ErrorData{
				Code:    peerrpc.CodeInternal,
				Status:  http.StatusInternalServerError,
				Message: "boom",
			},
		}},
		{ID: "15", Payload: &peerrpc.AbortSignal{Reason: "context canceled"}},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	for name, codec := range codecs {
		codec := codec
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			for _, msg := range sampleMessages() {
				buf, err := codec.Encode(msg)
				if err != nil {
					t.Fatalf("%s: failed encoding: %v", msg.ID, err)
				}
				if !codec.Binary() && !utf8.Valid(buf) {
					t.Fatalf("%s: text codec produced invalid utf-8", msg.ID)
				}

				got, err := codec.Decode(buf)
				if err != nil {
					t.Fatalf("%s: failed decoding: %v", msg.ID, err)
				}
				if !reflect.DeepEqual(got, msg) {
					t.Fatalf("%s: round trip mismatch:\ngot  %#v\nwant %#v", msg.ID, got.Payload, msg.Payload)
				}
			}
		})
	}
}

func TestCodecMalformed(t *testing.T) {
	t.Parallel()

	validBinary, err := peerrpc.BinaryCodec{}.Encode(sampleMessages()[0])
	if err != nil {
		t.Fatal(err)
	}

	unknownKind := protowire.AppendTag(nil, 1, protowire.BytesType)
	unknownKind = protowire.AppendString(unknownKind, "1")
	unknownKind = protowire.AppendTag(unknownKind, 2, protowire.VarintType)
	unknownKind = protowire.AppendVarint(unknownKind, 9)
	unknownKind = protowire.AppendTag(unknownKind, 3, protowire.BytesType)
	unknownKind = protowire.AppendBytes(unknownKind, nil)

	cases := []struct {
		name  string
		codec peerrpc.Codec
		input []byte
	}{
		{"binary empty", peerrpc.BinaryCodec{}, nil},
		{"binary garbage", peerrpc.BinaryCodec{}, []byte{0xff, 0xff, 0xff}},
		{"binary truncated", peerrpc.BinaryCodec{}, validBinary[:len(validBinary)-3]},
		{"binary unknown kind", peerrpc.BinaryCodec{}, unknownKind},
		{"binary missing blob", peerrpc.BinaryCodec{}, stripBlobs(t, sampleMessages()[1])},
		{"json garbage", peerrpc.JSONCodec{}, []byte("not json")},
		{"json short", peerrpc.JSONCodec{}, []byte(`["1"]`)},
		{"json missing id", peerrpc.JSONCodec{}, []byte(`["", 0, {}]`)},
		{"json unknown kind", peerrpc.JSONCodec{}, []byte(`["1", 9, {}]`)},
		{"json unknown event", peerrpc.JSONCodec{}, []byte(`["1", 2, {"seq": 0, "event": "bogus"}]`)},
		{"json bad header", peerrpc.JSONCodec{}, []byte(`["1", 0, {"headers": {"a": 5}}]`)},
		{"json missing blob", peerrpc.JSONCodec{}, []byte(`["1", 0, {"body": {"kind": "files", "files": [{"name": "a", "ref": 3}]}}]`)},
		{"json unknown body", peerrpc.JSONCodec{}, []byte(`["1", 1, {"status": 200, "body": {"kind": "video"}}]`)},
	}

	for _, c := range cases {
		_, err := c.codec.Decode(c.input)
		var de *peerrpc.DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%s: expected DecodeError, got %v", c.name, err)
		}
	}
}

// stripBlobs encodes msg and removes the attachment table from the envelope.
func stripBlobs(t *testing.T, msg *peerrpc.Message) []byte {
	t.Helper()

	buf, err := peerrpc.BinaryCodec{}.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}

	var out []byte
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			t.Fatal(protowire.ParseError(n))
		}
		m := protowire.ConsumeFieldValue(num, typ, buf[n:])
		if m < 0 {
			t.Fatal(protowire.ParseError(m))
		}
		if num != 4 {
			out = append(out, buf[:n+m]...)
		}
		buf = buf[n+m:]
	}
	return out
}

func TestBinaryCodec(t *testing.T) {
	t.Parallel()

	t.Run("unknown fields are skipped", func(t *testing.T) {
		t.Parallel()

		msg := sampleMessages()[0]
		buf, err := peerrpc.BinaryCodec{}.Encode(msg)
		if err != nil {
			t.Fatal(err)
		}
		buf = protowire.AppendTag(buf, 15, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 42)

		got, err := peerrpc.BinaryCodec{}.Decode(buf)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, msg) {
			t.Fatalf("unexpected message: %#v", got.Payload)
		}
	})

	t.Run("copy and zero copy", func(t *testing.T) {
		t.Parallel()

		msg := &peerrpc.Message{ID: "1", Payload: &peerrpc.Response{Status: 200, Body: peerrpc.Data("abcdef")}}
		for _, zeroCopy := range []bool{false, true} {
			codec := peerrpc.BinaryCodec{ZeroCopy: zeroCopy}
			buf, err := codec.Encode(msg)
			if err != nil {
				t.Fatal(err)
			}
			got, err := codec.Decode(buf)
			if err != nil {
				t.Fatal(err)
			}

			idx := bytes.Index(buf, []byte("abcdef"))
			buf[idx] = 'X'

			data := got.Payload.(*peerrpc.Response).Body.(peerrpc.Data)
			aliased := data[0] == 'X'
			if aliased != zeroCopy {
				t.Fatalf("zero copy %v: body aliased input: %v", zeroCopy, aliased)
			}
		}
	})

	t.Run("encode rejects incomplete messages", func(t *testing.T) {
		t.Parallel()

		for name, codec := range codecs {
			if _, err := codec.Encode(&peerrpc.Message{Payload: &peerrpc.Request{}}); err == nil {
				t.Fatalf("%s: expected error for missing id", name)
			}
			if _, err := codec.Encode(&peerrpc.Message{ID: "1"}); err == nil {
				t.Fatalf("%s: expected error for missing payload", name)
			}
		}
	})
}

func TestCodecInvalidUTF8(t *testing.T) {
	t.Parallel()

	msgs := []*peerrpc.Message{
		{ID: "1", Payload: &peerrpc.Request{URL: "/a\xff", Method: http.MethodGet}},
		{ID: "2", Payload: &peerrpc.Request{URL: "/a", Headers: peerrpc.Headers{"X-Bin": {"v\xfe"}}}},
		{ID: "3", Payload: &peerrpc.Response{Status: 200, Headers: peerrpc.Headers{"K\xff": {"v"}}}},
		{ID: "4", Payload: &peerrpc.StreamEvent{Type: peerrpc.EventMessage, Event: peerrpc.Event{Comments: []string{"\xc0"}}}},
		{ID: "5", Payload: &peerrpc.AbortSignal{Reason: "bad \xff reason"}},
	}

	for _, msg := range msgs {
		for _, codec := range []peerrpc.Codec{peerrpc.BinaryCodec{}, peerrpc.BinaryCodec{ZeroCopy: true}} {
			buf, err := codec.Encode(msg)
			if err != nil {
				t.Fatalf("%s: failed encoding: %v", msg.ID, err)
			}
			got, err := codec.Decode(buf)
			if err != nil {
				t.Fatalf("%s: failed decoding: %v", msg.ID, err)
			}
			if !reflect.DeepEqual(got, msg) {
				t.Fatalf("%s: round trip mismatch:\ngot  %#v\nwant %#v", msg.ID, got.Payload, msg.Payload)
			}
		}

		if _, err := (peerrpc.JSONCodec{}).Encode(msg); err == nil {
			t.Fatalf("%s: json codec accepted invalid utf-8", msg.ID)
		}
	}
}

func TestJSONCodecHeaders(t *testing.T) {
	t.Parallel()

	buf, err := peerrpc.JSONCodec{}.Encode(&peerrpc.Message{ID: "1", Payload: &peerrpc.Request{
		URL:     "/a",
		Headers: peerrpc.Headers{"single": {"1"}, "multi": {"1", "2"}},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(buf), `"single":"1"`) {
		t.Fatalf("single valued header not a string: %s", buf)
	}
	if !strings.Contains(string(buf), `"multi":["1","2"]`) {
		t.Fatalf("multi valued header not an array: %s", buf)
	}

	in := `["7", 0, {"url": "/b", "headers": {"x": "y", "z": ["1", "2"]}}]`
	id, req, err := peerrpc.DecodeRequest(peerrpc.JSONCodec{}, []byte(in))
	if err != nil {
		t.Fatal(err)
	}
	if id != "7" || req.URL != "/b" {
		t.Fatalf("unexpected request %s: %+v", id, req)
	}
	if req.Headers.Get("x") != "y" || !reflect.DeepEqual(req.Headers.Values("z"), []string{"1", "2"}) {
		t.Fatalf("unexpected headers: %v", req.Headers)
	}
}

func TestCodecHelpers(t *testing.T) {
	t.Parallel()

	for name, codec := range codecs {
		buf, err := peerrpc.EncodeRequest(codec, "5", &peerrpc.Request{URL: "/x", Body: peerrpc.Data("y")})
		if err != nil {
			t.Fatal(err)
		}

		id, req, err := peerrpc.DecodeRequest(codec, buf)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if id != "5" || req.URL != "/x" {
			t.Fatalf("%s: unexpected request %s: %+v", name, id, req)
		}

		var de *peerrpc.DecodeError
		if _, _, err := peerrpc.DecodeResponse(codec, buf); !errors.As(err, &de) {
			t.Fatalf("%s: expected DecodeError for kind mismatch, got %v", name, err)
		}

		buf, err = peerrpc.EncodeResponse(codec, "5", &peerrpc.Response{Status: http.StatusAccepted})
		if err != nil {
			t.Fatal(err)
		}
		id, resp, err := peerrpc.DecodeResponse(codec, buf)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if id != "5" || resp.Status != http.StatusAccepted {
			t.Fatalf("%s: unexpected response %s: %+v", name, id, resp)
		}
	}
}

func TestHeadersClone(t *testing.T) {
	t.Parallel()

	h := peerrpc.Headers{"multi": {"1", "2"}, "empty": {}}
	c := h.Clone()
	if !reflect.DeepEqual(c, h) {
		t.Fatalf("unexpected clone: %v", c)
	}
	c.Add("multi", "3")
	c["empty"] = append(c["empty"], "x")
	if len(h["multi"]) != 2 || len(h["empty"]) != 0 {
		t.Fatalf("clone shares storage with original: %v", h)
	}
	if peerrpc.Headers(nil).Clone() != nil {
		t.Fatal("clone of nil headers not nil")
	}
}
