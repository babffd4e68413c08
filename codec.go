package peerrpc

import "fmt"

// Codec converts messages to and from the representation carried by a
// channel.
type Codec interface {
	// Binary reports whether encoded messages are binary. Text codecs produce
	// valid UTF-8.
	Binary() bool
	Encode(msg *Message) ([]byte, error)
	// Decode parses data. Malformed or truncated input yields a *DecodeError.
	Decode(data []byte) (*Message, error)
}

// EncodeRequest encodes a request message for the exchange id.
func EncodeRequest(c Codec, id string, req *Request) ([]byte, error) {
	return c.Encode(&Message{ID: id, Payload: req})
}

// DecodeRequest decodes data that is expected to hold a request message.
func DecodeRequest(c Codec, data []byte) (string, *Request, error) {
	msg, err := c.Decode(data)
	if err != nil {
		return "", nil, err
	}
	req, ok := msg.Payload.(*Request)
	if !ok {
		return "", nil, decodeErr(fmt.Sprintf("expected request, got %s", msg.Kind()), nil)
	}
	return msg.ID, req, nil
}

// EncodeResponse encodes a response message for the exchange id.
func EncodeResponse(c Codec, id string, resp *Response) ([]byte, error) {
	return c.Encode(&Message{ID: id, Payload: resp})
}

// DecodeResponse decodes data that is expected to hold a response message.
func DecodeResponse(c Codec, data []byte) (string, *Response, error) {
	msg, err := c.Decode(data)
	if err != nil {
		return "", nil, err
	}
	resp, ok := msg.Payload.(*Response)
	if !ok {
		return "", nil, decodeErr(fmt.Sprintf("expected response, got %s", msg.Kind()), nil)
	}
	return msg.ID, resp, nil
}

func checkEncodable(msg *Message) error {
	if msg == nil || msg.Payload == nil {
		return fmt.Errorf("message without payload")
	}
	if msg.ID == "" {
		return fmt.Errorf("message without id")
	}
	return nil
}
