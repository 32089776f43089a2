// Package transport carries MCP JSON-RPC traffic between HTTP clients and
// per-session MCP servers, keyed by the session registry.
package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
)

const (
	jsonrpcVersion = "2.0"

	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeServerError    = -32000

	methodInitialize = "initialize"

	// HeaderSessionID carries the streamable session id in both directions.
	HeaderSessionID = "Mcp-Session-Id"
)

const (
	msgParseError      = "Parse error"
	msgSessionNotFound = "Session not found"
	msgNoSession       = "Bad Request: No valid session ID provided"
)

// rpcError is the JSON-RPC error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// rpcErrorResponse is a JSON-RPC error reply produced by the router itself,
// before any MCP server sees the message. The id is always null.
type rpcErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   rpcError        `json:"error"`
}

// envelope is the part of a JSON-RPC message the router inspects.
type envelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
}

// inbound is a parsed POST body: a single message or a batch.
type inbound struct {
	batch    bool
	messages []json.RawMessage
	heads    []envelope
}

// parseInbound decodes a POST body. An empty body, invalid JSON, an empty
// batch, or a value that is neither object nor array is a parse failure.
func parseInbound(body []byte) (*inbound, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}

	in := &inbound{}
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &in.messages); err != nil || len(in.messages) == 0 {
			return nil, false
		}
		in.batch = true
	case '{':
		if !json.Valid(trimmed) {
			return nil, false
		}
		in.messages = []json.RawMessage{json.RawMessage(trimmed)}
	default:
		return nil, false
	}

	in.heads = make([]envelope, len(in.messages))
	for i, msg := range in.messages {
		if err := json.Unmarshal(msg, &in.heads[i]); err != nil {
			return nil, false
		}
	}
	return in, true
}

// isInitialize reports whether the body opens a session.
func (in *inbound) isInitialize() bool {
	for _, h := range in.heads {
		if h.Method == methodInitialize {
			return true
		}
	}
	return false
}

func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, rpcErrorResponse{
		JSONRPC: jsonrpcVersion,
		ID:      json.RawMessage("null"),
		Error:   rpcError{Code: code, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
