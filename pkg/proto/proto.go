package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope kinds carried on the control channel.
const (
	TypeRegister    = "register"
	TypeRegistered  = "registered"
	TypeRequest     = "request"
	TypeResponse    = "response"
	TypeStreamStart = "stream-start"
	TypeStreamChunk = "stream-chunk"
	TypeStreamEnd   = "stream-end"
	TypeStreamError = "stream-error"
)

var ErrUnknownType = errors.New("unknown envelope type")

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func Wrap(t string, v any) (*Envelope, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: t, Payload: b}, nil
}

func Unwrap[T any](e *Envelope, out *T) error { return json.Unmarshal(e.Payload, out) }

// Reply is one of the five agent-to-relay envelopes keyed by request id:
// *Response, *StreamStart, *StreamChunk, *StreamEnd or *StreamError.
type Reply interface {
	ReplyID() string
	replyType() string
}

func (r *Response) ReplyID() string    { return r.RequestID }
func (r *StreamStart) ReplyID() string { return r.RequestID }
func (r *StreamChunk) ReplyID() string { return r.RequestID }
func (r *StreamEnd) ReplyID() string   { return r.RequestID }
func (r *StreamError) ReplyID() string { return r.RequestID }

func (*Response) replyType() string    { return TypeResponse }
func (*StreamStart) replyType() string { return TypeStreamStart }
func (*StreamChunk) replyType() string { return TypeStreamChunk }
func (*StreamEnd) replyType() string   { return TypeStreamEnd }
func (*StreamError) replyType() string { return TypeStreamError }

// WrapReply builds the envelope for a reply using its own kind.
func WrapReply(r Reply) (*Envelope, error) { return Wrap(r.replyType(), r) }

// DecodeReply turns a reply envelope back into its concrete type. Envelopes
// that are not replies yield ErrUnknownType.
func DecodeReply(e *Envelope) (Reply, error) {
	var r Reply
	switch e.Type {
	case TypeResponse:
		r = &Response{}
	case TypeStreamStart:
		r = &StreamStart{}
	case TypeStreamChunk:
		r = &StreamChunk{}
	case TypeStreamEnd:
		r = &StreamEnd{}
	case TypeStreamError:
		r = &StreamError{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if err := json.Unmarshal(e.Payload, r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return r, nil
}
