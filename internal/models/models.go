package models

import "time"

// Attribute describes a single column of a Dataverse table.
type Attribute struct {
	LogicalName      string   `json:"logical_name"`
	AttributeType    string   `json:"attribute_type"` // String, Integer, Lookup, ...
	IsValidForCreate bool     `json:"is_valid_for_create"`
	IsValidForUpdate bool     `json:"is_valid_for_update"`
	IsPrimaryId      bool     `json:"is_primary_id"`
	IsPrimaryName    bool     `json:"is_primary_name"`
	RequiredLevel    string   `json:"required_level,omitempty"` // None, ApplicationRequired, SystemRequired, Recommended
	Targets          []string `json:"targets,omitempty"`        // Lookup attributes: candidate target entity logical names
}

// IsRequired reports whether the attribute must be supplied on create.
func (a *Attribute) IsRequired() bool {
	return a.RequiredLevel == "ApplicationRequired" || a.RequiredLevel == "SystemRequired"
}

// EntityInfo is the resolved shape of a Dataverse table. It is rebuilt per
// tool invocation and immutable once built.
type EntityInfo struct {
	LogicalName          string            `json:"logical_name"`
	EntitySetName        string            `json:"entity_set_name"`
	PrimaryIdAttribute   string            `json:"primary_id_attribute"`
	PrimaryNameAttribute string            `json:"primary_name_attribute,omitempty"`
	Attributes           []*Attribute      `json:"attributes"`
	LookupNavMap         map[string]string `json:"lookup_nav_map,omitempty"` // attribute logical name -> navigation property
	Synthesized          bool              `json:"synthesized,omitempty"`    // true when metadata could not be resolved
}

// AttributeByName returns the attribute with the given logical name, or nil.
func (e *EntityInfo) AttributeByName(name string) *Attribute {
	for _, attr := range e.Attributes {
		if attr.LogicalName == name {
			return attr
		}
	}
	return nil
}

// NavigationProperty returns the navigation property to use for binding a
// lookup attribute. Falls back to the attribute name itself when no mapping
// was discovered.
func (e *EntityInfo) NavigationProperty(attributeName string) string {
	if nav, ok := e.LookupNavMap[attributeName]; ok && nav != "" {
		return nav
	}
	return attributeName
}

// ODataError represents a Web API error response body.
type ODataError struct {
	Code       string                 `json:"code,omitempty"`
	Message    string                 `json:"message"`
	Details    []ODataErrorDetail     `json:"details,omitempty"`
	InnerError map[string]interface{} `json:"innererror,omitempty"`
}

// ODataErrorDetail represents detailed error information.
type ODataErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ODataResponse represents a generic Web API response.
type ODataResponse struct {
	Context  string      `json:"@odata.context,omitempty"`
	Count    *int64      `json:"@odata.count,omitempty"`
	NextLink string      `json:"@odata.nextLink,omitempty"`
	Value    interface{} `json:"value,omitempty"`
	Error    *ODataError `json:"error,omitempty"`
}

// WhoAmIResponse is the result of the WhoAmI function.
type WhoAmIResponse struct {
	UserID         string `json:"UserId"`
	BusinessUnitID string `json:"BusinessUnitId"`
	OrganizationID string `json:"OrganizationId"`
}

// ToolInfo represents information about a registered MCP tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Operation   string `json:"operation,omitempty"`
}

// TraceInfo represents startup information for trace mode.
type TraceInfo struct {
	EnvironmentURL  string     `json:"environment_url"`
	APIVersion      string     `json:"api_version"`
	MCPName         string     `json:"mcp_name"`
	ToolPrefix      string     `json:"tool_prefix,omitempty"`
	ToolPostfix     string     `json:"tool_postfix,omitempty"`
	EntityFilter    []string   `json:"entity_filter,omitempty"`
	Authentication  string     `json:"authentication"`
	ReadOnlyMode    bool       `json:"read_only_mode"`
	SolutionContext string     `json:"solution_context,omitempty"`
	RegisteredTools []ToolInfo `json:"registered_tools"`
	TotalTools      int        `json:"total_tools"`
	StartedAt       time.Time  `json:"started_at"`
}
