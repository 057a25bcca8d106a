package proto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"
)

const (
	BodyJSON   = "json"
	BodyText   = "text"
	BodyBase64 = "base64"
)

// IsJSONType reports whether a Content-Type value names a JSON document.
func IsJSONType(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	mt = strings.ToLower(mt)
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// EncodeBody picks the wire form for a buffered body. JSON content that
// parses travels as a JSON value; anything else falls back to text, or to
// base64 when the bytes are not valid UTF-8.
func EncodeBody(contentType string, raw []byte) (json.RawMessage, string) {
	if len(raw) == 0 {
		return nil, ""
	}
	if IsJSONType(contentType) && json.Valid(raw) {
		return json.RawMessage(raw), BodyJSON
	}
	if utf8.Valid(raw) {
		b, _ := json.Marshal(string(raw))
		return b, BodyText
	}
	b, _ := json.Marshal(base64.StdEncoding.EncodeToString(raw))
	return b, BodyBase64
}

// SetBody fills Body and Encoding from raw local-service output.
func (r *Response) SetBody(contentType string, raw []byte) {
	r.Body, r.Encoding = EncodeBody(contentType, raw)
}

// DecodeBody returns the bytes to replay to the public caller.
func (r *Response) DecodeBody() ([]byte, error) {
	if len(r.Body) == 0 {
		return nil, nil
	}
	switch r.Encoding {
	case BodyText:
		var s string
		if err := json.Unmarshal(r.Body, &s); err != nil {
			return nil, err
		}
		return []byte(s), nil
	case BodyBase64:
		var s string
		if err := json.Unmarshal(r.Body, &s); err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(s)
	default:
		return []byte(r.Body), nil
	}
}

// NewStreamChunk wraps data as text when it is valid UTF-8. A chunk that
// splits a multi-byte rune goes out as base64.
func NewStreamChunk(id string, data []byte) *StreamChunk {
	if utf8.Valid(data) {
		return &StreamChunk{RequestID: id, Chunk: string(data)}
	}
	return &StreamChunk{RequestID: id, Chunk: base64.StdEncoding.EncodeToString(data), Encoding: BodyBase64}
}

// Data returns the chunk bytes.
func (c *StreamChunk) Data() ([]byte, error) {
	switch c.Encoding {
	case "", BodyText:
		return []byte(c.Chunk), nil
	case BodyBase64:
		return base64.StdEncoding.DecodeString(c.Chunk)
	default:
		return nil, fmt.Errorf("chunk encoding %q", c.Encoding)
	}
}
