package peerrpc

import (
	"net/http"
	"time"
)

// MessageKind discriminates the payload carried by a Message on the wire.
type MessageKind uint8

const (
	KindRequest MessageKind = iota
	KindResponse
	KindEvent
	KindAbort
)

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Payload is implemented by *Request, *Response, *StreamEvent and *AbortSignal.
type Payload interface {
	MessageKind() MessageKind
}

// Message is the unit exchanged over a channel. All messages belonging to one
// exchange share the same ID.
type Message struct {
	ID      string
	Payload Payload
}

// Kind returns the kind of the payload.
func (m *Message) Kind() MessageKind {
	return m.Payload.MessageKind()
}

// Headers holds possibly multi-valued header fields. Codecs decode a key
// without values as an empty, non-nil slice.
type Headers map[string][]string

// Get returns the first value associated with key.
func (h Headers) Get(key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns all values associated with key.
func (h Headers) Values(key string) []string {
	return h[key]
}

// Set replaces the values of key with value.
func (h Headers) Set(key, value string) {
	h[key] = []string{value}
}

// Add appends value to the values of key.
func (h Headers) Add(key, value string) {
	h[key] = append(h[key], value)
}

// Clone returns a deep copy of h.
func (h Headers) Clone() Headers {
	return Headers(http.Header(h).Clone())
}

// Request is the logical request of an exchange.
type Request struct {
	URL     string
	Method  string
	Headers Headers
	Body    Body
}

func (*Request) MessageKind() MessageKind { return KindRequest }

// Response is the logical response of an exchange. Error is only set when the
// handler failed, in which case Status mirrors Error.Status.
type Response struct {
	Status  int
	Headers Headers
	Body    Body
	Error   *ErrorData
}

func (*Response) MessageKind() MessageKind { return KindResponse }

// BodyKind identifies the shape of a Body.
type BodyKind uint8

const (
	BodyNone BodyKind = iota
	BodyData
	BodyFiles
	BodyStream
)

func (k BodyKind) String() string {
	switch k {
	case BodyNone:
		return "none"
	case BodyData:
		return "data"
	case BodyFiles:
		return "files"
	case BodyStream:
		return "stream"
	default:
		return "unknown"
	}
}

func kindOf(b Body) BodyKind {
	if b == nil {
		return BodyNone
	}
	return b.Kind()
}

// Body is implemented by Data, Files and StreamBody. A nil Body means the
// payload has no body.
type Body interface {
	Kind() BodyKind
}

// Data is an opaque encoded value.
type Data []byte

func (Data) Kind() BodyKind { return BodyData }

// File is a binary attachment.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Files is a set of binary attachments.
type Files []File

func (Files) Kind() BodyKind { return BodyFiles }

// StreamBody marks a body that is delivered as a sequence of StreamEvent
// messages sharing the exchange ID. Events is nil on a freshly decoded
// message; peers attach the receiving stream before handing the body out.
type StreamBody struct {
	Events EventIterator
}

func (StreamBody) Kind() BodyKind { return BodyStream }

// Event is one item of a streamed body. Retry is carried with millisecond
// precision.
type Event struct {
	Data     []byte
	ID       string
	Retry    time.Duration
	Comments []string
}

// EventType tells continuation, completion and failure events apart.
type EventType uint8

const (
	EventMessage EventType = iota
	EventDone
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent carries one event of a streamed body. Seq starts at 0 for every
// exchange and direction and increases by one per event.
type StreamEvent struct {
	Seq   uint64
	Type  EventType
	Event Event
	Error *ErrorData
}

func (*StreamEvent) MessageKind() MessageKind { return KindEvent }

// AbortSignal asks the remote side to stop working on an exchange.
type AbortSignal struct {
	Reason string
}

func (*AbortSignal) MessageKind() MessageKind { return KindAbort }

// ErrorData is the serialized form of a handler or stream failure.
type ErrorData struct {
	Code    string
	Status  int
	Message string
	Data    []byte
}
