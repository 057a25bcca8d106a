package proto

import "encoding/json"

type Register struct {
	TunnelID string `json:"tunnelId"`
	Name     string `json:"name"`
}

type Registered struct {
	Success bool   `json:"success"`
	Name    string `json:"name,omitempty"`
	Error   string `json:"error,omitempty"`
}

type QueryParam struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Request is a public call forwarded to an agent. Path is the remainder after
// the tunnel name, still percent-encoded as the caller sent it.
type Request struct {
	RequestID string              `json:"requestId"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Query     []QueryParam        `json:"query,omitempty"`
	Header    map[string][]string `json:"headers,omitempty"`
	Body      []byte              `json:"body,omitempty"`
}

// Response is a buffered reply. Body holds a JSON value when Encoding is
// BodyJSON, otherwise a JSON string (plain text or base64).
type Response struct {
	RequestID  string              `json:"requestId"`
	StatusCode int                 `json:"statusCode"`
	Header     map[string][]string `json:"headers,omitempty"`
	Body       json.RawMessage     `json:"body,omitempty"`
	Encoding   string              `json:"encoding,omitempty"`
	Error      string              `json:"error,omitempty"`
}

type StreamStart struct {
	RequestID  string              `json:"requestId"`
	StatusCode int                 `json:"statusCode"`
	Header     map[string][]string `json:"headers,omitempty"`
}

// StreamChunk carries raw text in Chunk, or base64 when Encoding is
// BodyBase64.
type StreamChunk struct {
	RequestID string `json:"requestId"`
	Chunk     string `json:"chunk"`
	Encoding  string `json:"encoding,omitempty"`
}

type StreamEnd struct {
	RequestID string `json:"requestId"`
}

type StreamError struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}
