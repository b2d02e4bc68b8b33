package transport

import (
	"context"
	"encoding/json"
)

// Message is a JSON-RPC 2.0 message, request or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Transport carries MCP messages between the server and its peer.
type Transport interface {
	// Start begins listening for messages and blocks until the context is
	// cancelled or the peer disconnects
	Start(ctx context.Context) error

	// ReadMessage reads the next message
	ReadMessage() (*Message, error)

	// WriteMessage writes a message
	WriteMessage(msg *Message) error

	// Close shuts the transport down
	Close() error
}

// Handler processes an incoming message and returns the response, or nil for
// notifications.
type Handler func(ctx context.Context, msg *Message) (*Message, error)
