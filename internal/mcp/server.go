package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/constants"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/transport"
)

// Tool represents an MCP tool
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// ToolHandler executes a tool call and returns text for the result content.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Request represents an incoming MCP request
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      interface{}            `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Server is an MCP server speaking JSON-RPC over a pluggable transport.
type Server struct {
	name            string
	version         string
	protocolVersion string
	tools           map[string]*Tool
	toolOrder       []string // insertion order for tools/list
	handlers        map[string]ToolHandler
	transport       transport.Transport
	ctx             context.Context
	cancel          context.CancelFunc
	mu              sync.RWMutex
	initialized     bool
}

// NewServer creates a new MCP server
func NewServer(name, version string) *Server {
	// The default logger writes to stderr but third-party code may redirect
	// it; discard outright so stdio framing stays clean
	log.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		name:            name,
		version:         version,
		protocolVersion: constants.MCPProtocolVersion,
		tools:           make(map[string]*Tool),
		toolOrder:       make([]string, 0),
		handlers:        make(map[string]ToolHandler),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetProtocolVersion overrides the advertised MCP protocol version.
func (s *Server) SetProtocolVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = version
}

// AddTool registers a tool and its handler.
func (s *Server) AddTool(tool *Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tools[tool.Name]; !exists {
		s.toolOrder = append(s.toolOrder, tool.Name)
	}

	s.tools[tool.Name] = tool
	s.handlers[tool.Name] = handler
}

// RemoveTool unregisters a tool.
func (s *Server) RemoveTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tools, name)
	delete(s.handlers, name)

	for i, toolName := range s.toolOrder {
		if toolName == name {
			s.toolOrder = append(s.toolOrder[:i], s.toolOrder[i+1:]...)
			break
		}
	}
}

// GetTools returns all registered tools in insertion order.
func (s *Server) GetTools() []*Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]*Tool, 0, len(s.tools))
	for _, name := range s.toolOrder {
		if tool, exists := s.tools[name]; exists {
			tools = append(tools, tool)
		}
	}
	return tools
}

// SetTransport sets the transport to serve on.
func (s *Server) SetTransport(t transport.Transport) {
	s.transport = t
}

// Run serves until the transport ends or Stop is called.
func (s *Server) Run() error {
	if s.transport == nil {
		return fmt.Errorf("transport not set")
	}
	return s.transport.Start(s.ctx)
}

// Stop cancels the server context.
func (s *Server) Stop() {
	s.cancel()
}

// HandleMessage processes one incoming JSON-RPC message. The returned message
// is nil for notifications.
func (s *Server) HandleMessage(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	if msg.JSONRPC != "2.0" {
		return s.createErrorResponse(msg.ID, -32600, "Invalid Request", "JSON-RPC version must be 2.0"), nil
	}

	req := &Request{
		JSONRPC: msg.JSONRPC,
		ID:      msg.ID,
		Method:  msg.Method,
		Params:  make(map[string]interface{}),
	}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &req.Params); err != nil {
			return s.createErrorResponse(msg.ID, -32700, "Parse error", err.Error()), nil
		}
	}

	switch req.Method {
	case "initialized", "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		return nil, nil
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return s.createResponse(req.ID, map[string]interface{}{"resources": []interface{}{}})
	case "prompts/list":
		return s.createResponse(req.ID, map[string]interface{}{"prompts": []interface{}{}})
	case "ping":
		return s.createResponse(req.ID, map[string]interface{}{})
	default:
		return s.createErrorResponse(req.ID, -32601, "Method not found", req.Method), nil
	}
}

// normalizeID converts a request id to a raw message, mapping null to 0 for
// clients that reject null ids.
func normalizeID(id interface{}) json.RawMessage {
	switch v := id.(type) {
	case json.RawMessage:
		if len(v) == 0 || string(v) == "null" {
			return json.RawMessage("0")
		}
		return v
	case nil:
		return json.RawMessage("0")
	default:
		raw, _ := json.Marshal(id)
		return raw
	}
}

func (s *Server) createErrorResponse(id interface{}, code int, message, data string) *transport.Message {
	dataBytes, _ := json.Marshal(data)
	return &transport.Message{
		JSONRPC: "2.0",
		ID:      normalizeID(id),
		Error: &transport.Error{
			Code:    code,
			Message: message,
			Data:    dataBytes,
		},
	}
}

func (s *Server) createResponse(id interface{}, result interface{}) (*transport.Message, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	return &transport.Message{
		JSONRPC: "2.0",
		ID:      normalizeID(id),
		Result:  resultBytes,
	}, nil
}

func (s *Server) handleInitialize(req *Request) (*transport.Message, error) {
	result := map[string]interface{}{
		"capabilities": map[string]interface{}{
			"prompts": map[string]interface{}{
				"listChanged": false,
			},
			"resources": map[string]interface{}{
				"listChanged": false,
				"subscribe":   false,
			},
			"tools": map[string]interface{}{
				"listChanged": true,
			},
		},
		"protocolVersion": s.protocolVersion,
		"serverInfo": map[string]interface{}{
			"name":    s.name,
			"version": s.version,
		},
	}

	return s.createResponse(req.ID, result)
}

func (s *Server) handleToolsList(req *Request) (*transport.Message, error) {
	return s.createResponse(req.ID, map[string]interface{}{
		"tools": s.GetTools(),
	})
}

// handleToolsCall executes a tool. Handler failures become results with
// isError set, not protocol errors: the calling model should see the failure
// text and react to it.
func (s *Server) handleToolsCall(ctx context.Context, req *Request) (*transport.Message, error) {
	name, ok := req.Params["name"].(string)
	if !ok {
		return s.createErrorResponse(req.ID, -32602, "Invalid params", "Missing tool name"), nil
	}

	args, ok := req.Params["arguments"].(map[string]interface{})
	if !ok {
		args = make(map[string]interface{})
	}

	s.mu.RLock()
	handler, exists := s.handlers[name]
	s.mu.RUnlock()

	if !exists {
		return s.createErrorResponse(req.ID, -32602, "Invalid params", fmt.Sprintf("Tool not found: %s", name)), nil
	}

	result, err := handler(ctx, args)
	if err != nil {
		return s.createResponse(req.ID, map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": fmt.Sprintf("Tool '%s' failed: %s", name, err.Error()),
				},
			},
			"isError": true,
		})
	}

	return s.createResponse(req.ID, map[string]interface{}{
		"content": []map[string]interface{}{
			{
				"type": "text",
				"text": result,
			},
		},
	})
}

// SendNotification sends a notification through the transport.
func (s *Server) SendNotification(method string, params interface{}) error {
	if s.transport == nil {
		return fmt.Errorf("transport not set")
	}

	paramsBytes, err := json.Marshal(params)
	if err != nil {
		return err
	}

	return s.transport.WriteMessage(&transport.Message{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsBytes,
	})
}
