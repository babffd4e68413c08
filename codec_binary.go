package peerrpc

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary envelope and its nested payloads.
const (
	envID      protowire.Number = 1
	envKind    protowire.Number = 2
	envPayload protowire.Number = 3
	envBlob    protowire.Number = 4

	reqURL     protowire.Number = 1
	reqMethod  protowire.Number = 2
	reqHeader  protowire.Number = 3
	reqBody    protowire.Number = 4
	respStatus protowire.Number = 1
	respHeader protowire.Number = 3
	respBody   protowire.Number = 4
	respError  protowire.Number = 5

	hdrKey   protowire.Number = 1
	hdrValue protowire.Number = 2

	bodyKind protowire.Number = 1
	bodyData protowire.Number = 2
	bodyFile protowire.Number = 3

	fileName protowire.Number = 1
	fileType protowire.Number = 2
	fileBlob protowire.Number = 3

	errCode    protowire.Number = 1
	errStatus  protowire.Number = 2
	errMessage protowire.Number = 3
	errData    protowire.Number = 4

	evSeq     protowire.Number = 1
	evType    protowire.Number = 2
	evData    protowire.Number = 3
	evID      protowire.Number = 4
	evRetry   protowire.Number = 5
	evComment protowire.Number = 6
	evError   protowire.Number = 7

	abortReason protowire.Number = 1
)

var errWireType = errors.New("unexpected wire type")

// BinaryCodec encodes messages as a protobuf-wire envelope. Attachment bytes
// are kept out of the payload in a blob table at the end of the envelope and
// referenced by index.
type BinaryCodec struct {
	// ZeroCopy lets decoded byte slices alias the input buffer. The caller
	// must then not reuse the buffer while the message is in use.
	ZeroCopy bool
}

func (BinaryCodec) Binary() bool { return true }

func (c BinaryCodec) Encode(msg *Message) ([]byte, error) {
	if err := checkEncodable(msg); err != nil {
		return nil, err
	}

	enc := &binaryEncoder{}
	var (
		payload []byte
		err     error
	)
	switch p := msg.Payload.(type) {
	case *Request:
		payload, err = enc.request(p)
	case *Response:
		payload, err = enc.response(p)
	case *StreamEvent:
		payload = enc.event(p)
	case *AbortSignal:
		payload = appendStringField(nil, abortReason, p.Reason)
	default:
		return nil, fmt.Errorf("unsupported payload %T", p)
	}
	if err != nil {
		return nil, err
	}

	b := appendStringField(nil, envID, msg.ID)
	b = protowire.AppendTag(b, envKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(msg.Kind()))
	b = appendBytesField(b, envPayload, payload)
	for _, blob := range enc.blobs {
		b = appendBytesField(b, envBlob, blob)
	}
	return b, nil
}

func (c BinaryCodec) Decode(data []byte) (*Message, error) {
	var (
		id               string
		kind             uint64
		payload          []byte
		hasKind, hasBody bool
		blobs            [][]byte
	)
	err := readFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case envID:
			return wireString(typ, b, &id)
		case envKind:
			hasKind = true
			return wireVarint(typ, b, &kind)
		case envPayload:
			hasBody = true
			return wireBytes(typ, b, &payload)
		case envBlob:
			var blob []byte
			n, err := wireBytes(typ, b, &blob)
			blobs = append(blobs, blob)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, decodeErr("malformed envelope", err)
	}
	if id == "" {
		return nil, decodeErr("missing message id", nil)
	}
	if !hasKind || !hasBody {
		return nil, decodeErr("missing message kind or payload", nil)
	}

	dec := &binaryDecoder{copy: !c.ZeroCopy, blobs: blobs}
	msg := &Message{ID: id}
	switch MessageKind(kind) {
	case KindRequest:
		msg.Payload, err = dec.request(payload)
	case KindResponse:
		msg.Payload, err = dec.response(payload)
	case KindEvent:
		msg.Payload, err = dec.event(payload)
	case KindAbort:
		abort := &AbortSignal{}
		err = readFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			if num == abortReason {
				return wireString(typ, b, &abort.Reason)
			}
			return 0, nil
		})
		msg.Payload = abort
	default:
		return nil, decodeErr(fmt.Sprintf("unknown message kind %d", kind), nil)
	}
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, decodeErr(fmt.Sprintf("malformed %s payload", MessageKind(kind)), err)
	}
	return msg, nil
}

type binaryEncoder struct {
	blobs [][]byte
}

func (e *binaryEncoder) request(r *Request) ([]byte, error) {
	b := appendStringField(nil, reqURL, r.URL)
	b = appendStringField(b, reqMethod, r.Method)
	b = appendHeaders(b, reqHeader, r.Headers)
	return e.body(b, reqBody, r.Body)
}

func (e *binaryEncoder) response(r *Response) ([]byte, error) {
	b := protowire.AppendTag(nil, respStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(r.Status)))
	b = appendHeaders(b, respHeader, r.Headers)
	b, err := e.body(b, respBody, r.Body)
	if err != nil {
		return nil, err
	}
	if r.Error != nil {
		b = appendBytesField(b, respError, appendErrorData(nil, r.Error))
	}
	return b, nil
}

func (e *binaryEncoder) body(b []byte, num protowire.Number, body Body) ([]byte, error) {
	if body == nil {
		return b, nil
	}
	nested := protowire.AppendTag(nil, bodyKind, protowire.VarintType)
	nested = protowire.AppendVarint(nested, uint64(body.Kind()))
	switch v := body.(type) {
	case Data:
		nested = appendBytesField(nested, bodyData, v)
	case Files:
		for _, f := range v {
			file := appendStringField(nil, fileName, f.Name)
			file = appendStringField(file, fileType, f.ContentType)
			file = protowire.AppendTag(file, fileBlob, protowire.VarintType)
			file = protowire.AppendVarint(file, uint64(len(e.blobs)))
			e.blobs = append(e.blobs, f.Data)
			nested = appendBytesField(nested, bodyFile, file)
		}
	case StreamBody:
	default:
		return nil, fmt.Errorf("unsupported body %T", body)
	}
	return appendBytesField(b, num, nested), nil
}

func (e *binaryEncoder) event(ev *StreamEvent) []byte {
	b := protowire.AppendTag(nil, evSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, ev.Seq)
	b = protowire.AppendTag(b, evType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ev.Type))
	if ev.Event.Data != nil {
		b = appendBytesField(b, evData, ev.Event.Data)
	}
	b = appendStringField(b, evID, ev.Event.ID)
	if ev.Event.Retry > 0 {
		b = protowire.AppendTag(b, evRetry, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ev.Event.Retry/time.Millisecond))
	}
	for _, c := range ev.Event.Comments {
		b = protowire.AppendTag(b, evComment, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	if ev.Error != nil {
		b = appendBytesField(b, evError, appendErrorData(nil, ev.Error))
	}
	return b
}

func appendErrorData(b []byte, d *ErrorData) []byte {
	b = appendStringField(b, errCode, d.Code)
	b = protowire.AppendTag(b, errStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(d.Status)))
	b = appendStringField(b, errMessage, d.Message)
	if d.Data != nil {
		b = appendBytesField(b, errData, d.Data)
	}
	return b
}

func appendHeaders(b []byte, num protowire.Number, h Headers) []byte {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		nested := appendStringField(nil, hdrKey, k)
		for _, v := range h[k] {
			nested = protowire.AppendTag(nested, hdrValue, protowire.BytesType)
			nested = protowire.AppendString(nested, v)
		}
		b = appendBytesField(b, num, nested)
	}
	return b
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

type binaryDecoder struct {
	copy  bool
	blobs [][]byte
}

func (d *binaryDecoder) bytes(v []byte) []byte {
	if d.copy {
		return bytes.Clone(v)
	}
	return v
}

func (d *binaryDecoder) request(data []byte) (*Request, error) {
	req := &Request{}
	err := readFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case reqURL:
			return wireString(typ, b, &req.URL)
		case reqMethod:
			return wireString(typ, b, &req.Method)
		case reqHeader:
			return d.header(typ, b, &req.Headers)
		case reqBody:
			return d.body(typ, b, &req.Body)
		}
		return 0, nil
	})
	return req, err
}

func (d *binaryDecoder) response(data []byte) (*Response, error) {
	resp := &Response{}
	err := readFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case respStatus:
			var v uint64
			n, err := wireVarint(typ, b, &v)
			resp.Status = int(int64(v))
			return n, err
		case respHeader:
			return d.header(typ, b, &resp.Headers)
		case respBody:
			return d.body(typ, b, &resp.Body)
		case respError:
			var nested []byte
			n, err := wireBytes(typ, b, &nested)
			if err != nil || n < 0 {
				return n, err
			}
			resp.Error, err = d.errorData(nested)
			return n, err
		}
		return 0, nil
	})
	return resp, err
}

func (d *binaryDecoder) header(typ protowire.Type, b []byte, dst *Headers) (int, error) {
	var nested []byte
	n, err := wireBytes(typ, b, &nested)
	if err != nil || n < 0 {
		return n, err
	}
	var (
		key    string
		values []string
	)
	err = readFields(nested, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case hdrKey:
			return wireString(typ, b, &key)
		case hdrValue:
			var v string
			n, err := wireString(typ, b, &v)
			values = append(values, v)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return 0, err
	}
	if *dst == nil {
		*dst = make(Headers)
	}
	cur := (*dst)[key]
	if cur == nil {
		cur = []string{}
	}
	(*dst)[key] = append(cur, values...)
	return n, nil
}

func (d *binaryDecoder) body(typ protowire.Type, b []byte, dst *Body) (int, error) {
	var nested []byte
	n, err := wireBytes(typ, b, &nested)
	if err != nil || n < 0 {
		return n, err
	}
	var (
		kind  uint64
		data  []byte
		files Files
	)
	err = readFields(nested, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case bodyKind:
			return wireVarint(typ, b, &kind)
		case bodyData:
			return wireBytes(typ, b, &data)
		case bodyFile:
			var raw []byte
			n, err := wireBytes(typ, b, &raw)
			if err != nil || n < 0 {
				return n, err
			}
			f, err := d.file(raw)
			files = append(files, f)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return 0, err
	}

	switch BodyKind(kind) {
	case BodyNone:
		*dst = nil
	case BodyData:
		if data == nil {
			data = []byte{}
		}
		*dst = Data(d.bytes(data))
	case BodyFiles:
		if files == nil {
			files = Files{}
		}
		*dst = files
	case BodyStream:
		*dst = StreamBody{}
	default:
		return 0, decodeErr(fmt.Sprintf("unknown body kind %d", kind), nil)
	}
	return n, nil
}

func (d *binaryDecoder) file(data []byte) (File, error) {
	var (
		f   File
		idx uint64
		ok  bool
	)
	err := readFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fileName:
			return wireString(typ, b, &f.Name)
		case fileType:
			return wireString(typ, b, &f.ContentType)
		case fileBlob:
			ok = true
			return wireVarint(typ, b, &idx)
		}
		return 0, nil
	})
	if err != nil {
		return f, err
	}
	if !ok || idx >= uint64(len(d.blobs)) {
		return f, decodeErr(fmt.Sprintf("attachment %q references missing blob", f.Name), nil)
	}
	f.Data = d.bytes(d.blobs[idx])
	return f, nil
}

func (d *binaryDecoder) event(data []byte) (*StreamEvent, error) {
	ev := &StreamEvent{}
	var typ uint64
	err := readFields(data, func(num protowire.Number, wt protowire.Type, b []byte) (int, error) {
		switch num {
		case evSeq:
			return wireVarint(wt, b, &ev.Seq)
		case evType:
			return wireVarint(wt, b, &typ)
		case evData:
			var v []byte
			n, err := wireBytes(wt, b, &v)
			ev.Event.Data = d.bytes(v)
			return n, err
		case evID:
			return wireString(wt, b, &ev.Event.ID)
		case evRetry:
			var ms uint64
			n, err := wireVarint(wt, b, &ms)
			ev.Event.Retry = time.Duration(ms) * time.Millisecond
			return n, err
		case evComment:
			var c string
			n, err := wireString(wt, b, &c)
			ev.Event.Comments = append(ev.Event.Comments, c)
			return n, err
		case evError:
			var nested []byte
			n, err := wireBytes(wt, b, &nested)
			if err != nil || n < 0 {
				return n, err
			}
			ev.Error, err = d.errorData(nested)
			return n, err
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	if typ > uint64(EventError) {
		return nil, decodeErr(fmt.Sprintf("unknown event type %d", typ), nil)
	}
	ev.Type = EventType(typ)
	return ev, nil
}

func (d *binaryDecoder) errorData(data []byte) (*ErrorData, error) {
	e := &ErrorData{}
	err := readFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case errCode:
			return wireString(typ, b, &e.Code)
		case errStatus:
			var v uint64
			n, err := wireVarint(typ, b, &v)
			e.Status = int(int64(v))
			return n, err
		case errMessage:
			return wireString(typ, b, &e.Message)
		case errData:
			var v []byte
			n, err := wireBytes(typ, b, &v)
			e.Data = d.bytes(v)
			return n, err
		}
		return 0, nil
	})
	return e, err
}

// readFields walks the fields of one protobuf-wire message. fn returns the
// number of bytes it consumed, or 0 to have the field skipped.
func readFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func wireVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func wireBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func wireString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}
