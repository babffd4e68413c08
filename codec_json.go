package peerrpc

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// JSONCodec encodes messages as the JSON array [id, kind, payload, blobs] for
// text channels. Attachment bytes are carried base64 encoded in blobs and
// referenced from the payload by index.
type JSONCodec struct{}

func (JSONCodec) Binary() bool { return false }

type jsonRequest struct {
	URL     string                     `json:"url,omitempty"`
	Method  string                     `json:"method,omitempty"`
	Headers map[string]json.RawMessage `json:"headers,omitempty"`
	Body    *jsonBody                  `json:"body,omitempty"`
}

type jsonResponse struct {
	Status  int                        `json:"status"`
	Headers map[string]json.RawMessage `json:"headers,omitempty"`
	Body    *jsonBody                  `json:"body,omitempty"`
	Error   *jsonError                 `json:"error,omitempty"`
}

type jsonBody struct {
	Kind  string     `json:"kind"`
	Data  []byte     `json:"data,omitempty"`
	Files []jsonFile `json:"files,omitempty"`
}

type jsonFile struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"type,omitempty"`
	Ref         int    `json:"ref"`
}

type jsonError struct {
	Code    string `json:"code,omitempty"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Data    []byte `json:"data,omitempty"`
}

type jsonEvent struct {
	Seq      uint64     `json:"seq"`
	Event    string     `json:"event"`
	Data     *[]byte    `json:"data,omitempty"`
	ID       string     `json:"id,omitempty"`
	Retry    int64      `json:"retry,omitempty"`
	Comments []string   `json:"comments,omitempty"`
	Error    *jsonError `json:"error,omitempty"`
}

type jsonAbort struct {
	Reason string `json:"reason,omitempty"`
}

var bodyKindNames = map[BodyKind]string{
	BodyData:   "data",
	BodyFiles:  "files",
	BodyStream: "stream",
}

func (JSONCodec) Encode(msg *Message) ([]byte, error) {
	if err := checkEncodable(msg); err != nil {
		return nil, err
	}
	if err := checkText(msg); err != nil {
		return nil, err
	}

	var (
		blobs   [][]byte
		payload any
		err     error
	)
	switch p := msg.Payload.(type) {
	case *Request:
		r := &jsonRequest{URL: p.URL, Method: p.Method, Headers: jsonHeaders(p.Headers)}
		r.Body, err = toJSONBody(p.Body, &blobs)
		payload = r
	case *Response:
		r := &jsonResponse{Status: p.Status, Headers: jsonHeaders(p.Headers), Error: toJSONError(p.Error)}
		r.Body, err = toJSONBody(p.Body, &blobs)
		payload = r
	case *StreamEvent:
		ev := &jsonEvent{
			Seq:      p.Seq,
			Event:    p.Type.String(),
			ID:       p.Event.ID,
			Retry:    p.Event.Retry.Milliseconds(),
			Comments: p.Event.Comments,
			Error:    toJSONError(p.Error),
		}
		if p.Event.Data != nil {
			ev.Data = &p.Event.Data
		}
		payload = ev
	case *AbortSignal:
		payload = &jsonAbort{Reason: p.Reason}
	default:
		return nil, fmt.Errorf("unsupported payload %T", p)
	}
	if err != nil {
		return nil, err
	}

	tuple := []any{msg.ID, msg.Kind(), payload}
	if len(blobs) > 0 {
		tuple = append(tuple, blobs)
	}
	return json.Marshal(tuple)
}

func (JSONCodec) Decode(data []byte) (*Message, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return nil, decodeErr("malformed envelope", err)
	}
	if len(tuple) < 3 || len(tuple) > 4 {
		return nil, decodeErr(fmt.Sprintf("envelope has %d elements", len(tuple)), nil)
	}

	var (
		id    string
		kind  MessageKind
		blobs [][]byte
	)
	if err := json.Unmarshal(tuple[0], &id); err != nil || id == "" {
		return nil, decodeErr("missing message id", err)
	}
	if err := json.Unmarshal(tuple[1], &kind); err != nil {
		return nil, decodeErr("invalid message kind", err)
	}
	if len(tuple) == 4 {
		if err := json.Unmarshal(tuple[3], &blobs); err != nil {
			return nil, decodeErr("invalid blob table", err)
		}
	}

	msg := &Message{ID: id}
	raw := tuple[2]
	switch kind {
	case KindRequest:
		var r jsonRequest
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, decodeErr("malformed request payload", err)
		}
		req := &Request{URL: r.URL, Method: r.Method}
		var err error
		if req.Headers, err = fromJSONHeaders(r.Headers); err != nil {
			return nil, err
		}
		if req.Body, err = fromJSONBody(r.Body, blobs); err != nil {
			return nil, err
		}
		msg.Payload = req
	case KindResponse:
		var r jsonResponse
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, decodeErr("malformed response payload", err)
		}
		resp := &Response{Status: r.Status, Error: fromJSONError(r.Error)}
		var err error
		if resp.Headers, err = fromJSONHeaders(r.Headers); err != nil {
			return nil, err
		}
		if resp.Body, err = fromJSONBody(r.Body, blobs); err != nil {
			return nil, err
		}
		msg.Payload = resp
	case KindEvent:
		var e jsonEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, decodeErr("malformed event payload", err)
		}
		ev := &StreamEvent{
			Seq: e.Seq,
			Event: Event{
				ID:       e.ID,
				Retry:    time.Duration(e.Retry) * time.Millisecond,
				Comments: e.Comments,
			},
			Error: fromJSONError(e.Error),
		}
		if e.Data != nil {
			ev.Event.Data = *e.Data
			if ev.Event.Data == nil {
				ev.Event.Data = []byte{}
			}
		}
		switch e.Event {
		case "message":
			ev.Type = EventMessage
		case "done":
			ev.Type = EventDone
		case "error":
			ev.Type = EventError
		default:
			return nil, decodeErr(fmt.Sprintf("unknown event type %q", e.Event), nil)
		}
		msg.Payload = ev
	case KindAbort:
		var a jsonAbort
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, decodeErr("malformed abort payload", err)
		}
		msg.Payload = &AbortSignal{Reason: a.Reason}
	default:
		return nil, decodeErr(fmt.Sprintf("unknown message kind %d", kind), nil)
	}
	return msg, nil
}

// checkText rejects strings that JSON would not carry unchanged.
func checkText(msg *Message) error {
	fields := []string{msg.ID}
	addHeaders := func(h Headers) {
		for k, v := range h {
			fields = append(fields, k)
			fields = append(fields, v...)
		}
	}
	addError := func(d *ErrorData) {
		if d != nil {
			fields = append(fields, d.Code, d.Message)
		}
	}
	switch p := msg.Payload.(type) {
	case *Request:
		fields = append(fields, p.URL, p.Method)
		addHeaders(p.Headers)
		if files, ok := p.Body.(Files); ok {
			for _, f := range files {
				fields = append(fields, f.Name, f.ContentType)
			}
		}
	case *Response:
		addHeaders(p.Headers)
		addError(p.Error)
		if files, ok := p.Body.(Files); ok {
			for _, f := range files {
				fields = append(fields, f.Name, f.ContentType)
			}
		}
	case *StreamEvent:
		fields = append(fields, p.Event.ID)
		fields = append(fields, p.Event.Comments...)
		addError(p.Error)
	case *AbortSignal:
		fields = append(fields, p.Reason)
	}
	for _, f := range fields {
		if !utf8.ValidString(f) {
			return fmt.Errorf("invalid utf-8 in %q", f)
		}
	}
	return nil
}

// jsonHeaders renders single values as strings and multiple values as arrays.
func jsonHeaders(h Headers) map[string]json.RawMessage {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(h))
	for k, v := range h {
		var raw []byte
		if len(v) == 1 {
			raw, _ = json.Marshal(v[0])
		} else {
			if v == nil {
				v = []string{}
			}
			raw, _ = json.Marshal(v)
		}
		out[k] = raw
	}
	return out
}

func fromJSONHeaders(in map[string]json.RawMessage) (Headers, error) {
	if len(in) == 0 {
		return nil, nil
	}
	h := make(Headers, len(in))
	for k, raw := range in {
		var single string
		if err := json.Unmarshal(raw, &single); err == nil {
			h[k] = []string{single}
			continue
		}
		var multi []string
		if err := json.Unmarshal(raw, &multi); err != nil {
			return nil, decodeErr(fmt.Sprintf("invalid value for header %q", k), err)
		}
		h[k] = multi
	}
	return h, nil
}

func toJSONBody(body Body, blobs *[][]byte) (*jsonBody, error) {
	if body == nil {
		return nil, nil
	}
	out := &jsonBody{Kind: bodyKindNames[body.Kind()]}
	switch v := body.(type) {
	case Data:
		out.Data = v
	case Files:
		out.Files = make([]jsonFile, 0, len(v))
		for _, f := range v {
			out.Files = append(out.Files, jsonFile{Name: f.Name, ContentType: f.ContentType, Ref: len(*blobs)})
			*blobs = append(*blobs, f.Data)
		}
	case StreamBody:
	default:
		return nil, fmt.Errorf("unsupported body %T", body)
	}
	return out, nil
}

func fromJSONBody(b *jsonBody, blobs [][]byte) (Body, error) {
	if b == nil {
		return nil, nil
	}
	switch b.Kind {
	case "data":
		if b.Data == nil {
			return Data{}, nil
		}
		return Data(b.Data), nil
	case "files":
		files := make(Files, 0, len(b.Files))
		for _, f := range b.Files {
			if f.Ref < 0 || f.Ref >= len(blobs) {
				return nil, decodeErr(fmt.Sprintf("attachment %q references missing blob", f.Name), nil)
			}
			data := blobs[f.Ref]
			if data == nil {
				data = []byte{}
			}
			files = append(files, File{Name: f.Name, ContentType: f.ContentType, Data: data})
		}
		return files, nil
	case "stream":
		return StreamBody{}, nil
	default:
		return nil, decodeErr(fmt.Sprintf("unknown body kind %q", b.Kind), nil)
	}
}

func toJSONError(d *ErrorData) *jsonError {
	if d == nil {
		return nil
	}
	return &jsonError{Code: d.Code, Status: d.Status, Message: d.Message, Data: d.Data}
}

func fromJSONError(e *jsonError) *ErrorData {
	if e == nil {
		return nil
	}
	return &ErrorData{Code: e.Code, Status: e.Status, Message: e.Message, Data: e.Data}
}
