package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/auth"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/client"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/config"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/constants"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/hint"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/mcp"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/metadata"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/models"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/request"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/transport"
)

// DataverseMCPBridge wires the Dataverse client, metadata resolver, and
// request builder into an MCP tool surface.
type DataverseMCPBridge struct {
	config    *config.Config
	client    *client.DataverseClient
	resolver  *metadata.Resolver
	builder   *request.Builder
	hints     *hint.Manager
	server    *mcp.Server
	tools     map[string]*models.ToolInfo
	toolOrder []string
	startedAt time.Time
}

// NewDataverseMCPBridge creates and initializes a bridge for the configured
// environment.
func NewDataverseMCPBridge(cfg *config.Config) (*DataverseMCPBridge, error) {
	if cfg.EnvironmentURL == "" {
		return nil, fmt.Errorf("environment URL is required")
	}

	provider, err := buildTokenProvider(cfg)
	if err != nil {
		return nil, err
	}

	dvClient := client.NewDataverseClient(cfg.EnvironmentURL, cfg.APIVersion, provider, cfg.Verbose)

	if solution := startupSolutionContext(cfg); solution != "" {
		dvClient.SetSolutionContext(solution)
		if cfg.Verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Solution context: %s\n", solution)
		}
	}

	resolver := metadata.NewResolver(dvClient, cfg.Verbose)

	hints := hint.NewManager()
	if err := hints.LoadFromFile(cfg.HintsFile); err != nil {
		// Bad hints are not fatal
		if cfg.Verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Ignoring hints file: %v\n", err)
		}
	}
	if cfg.Hint != "" {
		hints.SetCLIHint(cfg.Hint)
	}

	b := &DataverseMCPBridge{
		config:    cfg,
		client:    dvClient,
		resolver:  resolver,
		builder:   request.NewBuilder(resolver, dvClient.APIBase()),
		hints:     hints,
		server:    mcp.NewServer(constants.MCPServerName, constants.MCPServerVersion),
		tools:     make(map[string]*models.ToolInfo),
		startedAt: time.Now(),
	}

	b.registerTools()
	return b, nil
}

// buildTokenProvider selects the auth mode: static token, AAD, or none.
func buildTokenProvider(cfg *config.Config) (auth.TokenProvider, error) {
	switch {
	case cfg.HasStaticToken():
		return &auth.StaticTokenProvider{AccessToken: cfg.AccessToken}, nil
	case cfg.HasAADAuth():
		aadConfig := &auth.AADConfig{
			TenantID:      cfg.AADTenant,
			ClientID:      cfg.AADClientID,
			Scopes:        cfg.GetAADScopes(),
			CacheLocation: cfg.AADCache,
		}
		if len(aadConfig.Scopes) == 0 {
			aadConfig.Scopes = aadConfig.GetDefaultScopes(cfg.EnvironmentURL)
		}
		if err := aadConfig.Validate(); err != nil {
			return nil, fmt.Errorf("invalid AAD configuration: %w", err)
		}
		return auth.NewAADAuthProvider(aadConfig, cfg.AADBrowser, cfg.Verbose)
	default:
		if cfg.Verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] No authentication configured, requests will be anonymous\n")
		}
		return &auth.NoneProvider{}, nil
	}
}

// startupSolutionContext returns the configured solution unique name, falling
// back to an optional marker file. The file is read once at startup, never
// watched.
func startupSolutionContext(cfg *config.Config) string {
	if cfg.SolutionUniqueName != "" {
		return cfg.SolutionUniqueName
	}
	if cfg.SolutionFile != "" {
		if data, err := os.ReadFile(cfg.SolutionFile); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

// formatToolName applies the configured prefix or postfix to a base name.
func (b *DataverseMCPBridge) formatToolName(base string) string {
	if b.config.UsePostfix() {
		postfix := b.config.ToolPostfix
		if postfix == "" {
			postfix = "for_" + constants.FormatServiceID(b.config.EnvironmentURL)
		}
		return fmt.Sprintf("%s_%s", base, postfix)
	}
	if b.config.ToolPrefix != "" {
		return fmt.Sprintf("%s_%s", b.config.ToolPrefix, base)
	}
	return base
}

// entityAllowed checks the entity allow-list. Patterns support * wildcards;
// an empty list allows everything.
func (b *DataverseMCPBridge) entityAllowed(entityName string) bool {
	if len(b.config.AllowedEntities) == 0 {
		return true
	}
	for _, pattern := range b.config.AllowedEntities {
		if hint.MatchesPattern(entityName, pattern) {
			return true
		}
	}
	return false
}

func (b *DataverseMCPBridge) requireAllowedEntity(entityName string) error {
	if entityName == "" {
		return nil
	}
	if !b.entityAllowed(entityName) {
		return fmt.Errorf("entity %q is not in the allowed entity list", entityName)
	}
	return nil
}

// addTool registers a tool with the MCP server and records it for trace
// output.
func (b *DataverseMCPBridge) addTool(base, description, operation string, schema map[string]interface{}, handler mcp.ToolHandler) {
	name := b.formatToolName(base)
	b.server.AddTool(&mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}, handler)

	b.tools[name] = &models.ToolInfo{
		Name:        name,
		Description: description,
		Operation:   operation,
	}
	b.toolOrder = append(b.toolOrder, name)
}

// GetServer returns the underlying MCP server.
func (b *DataverseMCPBridge) GetServer() *mcp.Server {
	return b.server
}

// SetTransport sets the MCP transport.
func (b *DataverseMCPBridge) SetTransport(t transport.Transport) {
	b.server.SetTransport(t)
}

// HandleMessage delegates to the MCP server.
func (b *DataverseMCPBridge) HandleMessage(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	return b.server.HandleMessage(ctx, msg)
}

// Run serves MCP until the transport stops.
func (b *DataverseMCPBridge) Run() error {
	return b.server.Run()
}

// Stop shuts the bridge down.
func (b *DataverseMCPBridge) Stop() {
	b.server.Stop()
}

// GetTraceInfo summarizes the bridge state for trace mode.
func (b *DataverseMCPBridge) GetTraceInfo() *models.TraceInfo {
	tools := make([]models.ToolInfo, 0, len(b.toolOrder))
	for _, name := range b.toolOrder {
		if info, ok := b.tools[name]; ok {
			tools = append(tools, *info)
		}
	}

	authMode := "none"
	switch {
	case b.config.HasStaticToken():
		authMode = "static token"
	case b.config.HasAADAuth():
		authMode = "azure ad"
	}

	return &models.TraceInfo{
		EnvironmentURL:  b.config.EnvironmentURL,
		APIVersion:      b.client.APIVersion(),
		MCPName:         constants.MCPServerName,
		ToolPrefix:      b.config.ToolPrefix,
		ToolPostfix:     b.config.ToolPostfix,
		EntityFilter:    b.config.AllowedEntities,
		Authentication:  authMode,
		ReadOnlyMode:    b.config.IsReadOnly(),
		SolutionContext: b.client.GetSolutionContext(),
		RegisteredTools: tools,
		TotalTools:      len(tools),
		StartedAt:       b.startedAt,
	}
}

// toJSON renders a tool result as indented JSON text.
func toJSON(v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize result: %w", err)
	}
	return string(data), nil
}

// limitResponse truncates collection responses to the configured maximum
// item count and byte size, annotating the result so the caller knows data
// was dropped.
func (b *DataverseMCPBridge) limitResponse(result map[string]interface{}) map[string]interface{} {
	values, ok := result["value"].([]interface{})
	if !ok {
		return result
	}

	maxItems := b.config.MaxItems
	if maxItems <= 0 {
		maxItems = constants.DefaultMaxItems
	}
	maxSize := b.config.MaxResponseSize
	if maxSize <= 0 {
		maxSize = constants.DefaultMaxResponseSize
	}

	originalCount := len(values)
	if len(values) > maxItems {
		values = values[:maxItems]
	}

	// Size limit: estimate from the serialized rows and reduce the item
	// count proportionally
	if data, err := json.Marshal(values); err == nil && len(data) > maxSize && len(values) > 0 {
		avgItemSize := len(data) / len(values)
		if avgItemSize > 0 {
			fit := maxSize / avgItemSize
			if fit < 1 {
				fit = 1
			}
			if fit < len(values) {
				values = values[:fit]
			}
		}
	}

	if len(values) == originalCount {
		return result
	}

	limited := make(map[string]interface{}, len(result)+3)
	for k, v := range result {
		limited[k] = v
	}
	limited["value"] = values
	limited["@truncated"] = true
	limited["@original_count"] = originalCount
	limited["@warning"] = fmt.Sprintf("Response truncated from %d to %d items due to response limits (max %d items, %d bytes)",
		originalCount, len(values), maxItems, maxSize)
	return limited
}

// operationError wraps a failed service call, including the request line
// when verbose errors are enabled.
func (b *DataverseMCPBridge) operationError(operation string, spec *request.RequestSpec, err error) error {
	if b.config.VerboseErrors && spec != nil {
		return fmt.Errorf("%s failed (%s %s): %w", operation, spec.Method, spec.Path, err)
	}
	return fmt.Errorf("%s failed: %w", operation, err)
}
