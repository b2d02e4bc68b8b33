package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/debug"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/transport"
)

// StdioTransport speaks line-delimited JSON-RPC over stdin/stdout. stdout is
// reserved for protocol messages; all logging goes to stderr.
type StdioTransport struct {
	reader  *bufio.Reader
	writer  io.Writer
	handler transport.Handler
	tracer  *debug.TraceLogger
}

// New creates a stdio transport bound to the process's stdin/stdout.
func New(handler transport.Handler) *StdioTransport {
	return &StdioTransport{
		reader:  bufio.NewReader(os.Stdin),
		writer:  os.Stdout,
		handler: handler,
	}
}

// SetTracer sets the trace logger.
func (t *StdioTransport) SetTracer(tracer *debug.TraceLogger) {
	t.tracer = tracer
}

// Start reads and dispatches messages until EOF or context cancellation.
func (t *StdioTransport) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := t.ReadMessage()
			if err != nil {
				if err == io.EOF {
					return nil
				}
				// Malformed line; keep reading
				continue
			}

			if msg.Method == "" || t.handler == nil {
				continue
			}

			response, err := t.handler(ctx, msg)
			if err != nil {
				// Clients reject responses with a null id
				msgID := msg.ID
				if msgID == nil || string(msgID) == "null" {
					msgID = json.RawMessage("0")
				}

				t.WriteMessage(&transport.Message{
					JSONRPC: "2.0",
					ID:      msgID,
					Error: &transport.Error{
						Code:    -32603,
						Message: err.Error(),
					},
				})
				continue
			}
			if response != nil {
				t.WriteMessage(response)
			}
		}
	}
}

// ReadMessage reads one line-delimited JSON message from stdin.
func (t *StdioTransport) ReadMessage() (*transport.Message, error) {
	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}

	if t.tracer != nil {
		t.tracer.Log("TRANSPORT_IN", "Raw message received", map[string]interface{}{
			"raw":  string(line),
			"size": len(line),
		})
	}

	var msg transport.Message
	if err := json.Unmarshal(line, &msg); err != nil {
		if t.tracer != nil {
			t.tracer.LogError("Failed to unmarshal message", err, map[string]interface{}{
				"raw": string(line),
			})
		}
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return &msg, nil
}

// WriteMessage writes one JSON message plus newline to stdout.
func (t *StdioTransport) WriteMessage(msg *transport.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		if t.tracer != nil {
			t.tracer.LogError("Failed to marshal message", err, msg)
		}
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if t.tracer != nil {
		t.tracer.Log("TRANSPORT_OUT", "Sending message", map[string]interface{}{
			"raw":  string(data),
			"size": len(data),
		})
	}

	if _, err := t.writer.Write(data); err != nil {
		return err
	}
	_, err = t.writer.Write([]byte("\n"))
	return err
}

// Close is a no-op for stdio.
func (t *StdioTransport) Close() error {
	return nil
}
