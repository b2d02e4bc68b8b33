package constants

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Dataverse Web API versioning
const (
	DefaultAPIVersion = "v9.2"
	APIDataPath       = "/api/data/"
)

// Dataverse attribute type names (AttributeType values from EntityDefinitions)
const (
	AttrString   = "String"
	AttrMemo     = "Memo"
	AttrInteger  = "Integer"
	AttrBigInt   = "BigInt"
	AttrDecimal  = "Decimal"
	AttrDouble   = "Double"
	AttrMoney    = "Money"
	AttrBoolean  = "Boolean"
	AttrDateTime = "DateTime"
	AttrLookup   = "Lookup"
	AttrPicklist = "Picklist"
	AttrUniqueID = "Uniqueidentifier"
)

// HTTP methods used by the Web API
const (
	GET    = "GET"
	POST   = "POST"
	PATCH  = "PATCH"
	PUT    = "PUT"
	DELETE = "DELETE"
)

// OData system query options
const (
	QueryFilter  = "$filter"
	QuerySelect  = "$select"
	QueryExpand  = "$expand"
	QueryOrderBy = "$orderby"
	QueryTop     = "$top"
	QuerySkip    = "$skip"
	QueryCount   = "$count"
)

// HTTP headers
const (
	ContentType     = "Content-Type"
	Accept          = "Accept"
	Authorization   = "Authorization"
	UserAgent       = "User-Agent"
	ODataVersion    = "OData-Version"
	ODataMaxVersion = "OData-MaxVersion"
	Prefer          = "Prefer"
	IfMatch         = "If-Match"
	SolutionHeader  = "MSCRM.SolutionUniqueName"
)

// Header values and wire conventions
const (
	ContentTypeJSON      = "application/json"
	ODataVersionValue    = "4.0"
	PreferRepresentation = "return=representation"
	BindSuffix           = "@odata.bind"
	ODataID              = "@odata.id"
	RefSegment           = "$ref"
	MetadataEntityDefs   = "EntityDefinitions"
)

// NilGUID is the placeholder record id used in synthesized sample payloads.
const NilGUID = "00000000-0000-0000-0000-000000000000"

// Tool operation types
const (
	OpRetrieve         = "retrieve"
	OpRetrieveMultiple = "retrieve_multiple"
	OpCreate           = "create"
	OpUpdate           = "update"
	OpDelete           = "delete"
	OpAssociate        = "associate"
	OpDisassociate     = "disassociate"
	OpCallAction       = "call_action"
	OpCallFunction     = "call_function"
	OpDescribe         = "describe"
	OpInfo             = "info"
	OpExamples         = "examples"
)

// Error messages
const (
	ErrRequestFailed       = "HTTP request failed"
	ErrResponseParseFailed = "response parsing failed"
)

// Default values
const (
	DefaultUserAgent       = "Dataverse-MCP/1.0 (Go)"
	DefaultTimeout         = 30 // seconds
	DefaultMaxResponseSize = 5 * 1024 * 1024
	DefaultMaxItems        = 100
)

// MCP-specific constants
const (
	MCPProtocolVersion = "2024-11-05"
	MCPServerName      = "dataverse-mcp"
	MCPServerVersion   = "1.0.0"
)

// JSONSchemaType converts a Dataverse attribute type to a JSON schema type.
func JSONSchemaType(attrType string) string {
	switch attrType {
	case AttrInteger, AttrBigInt:
		return "integer"
	case AttrDecimal, AttrDouble, AttrMoney:
		return "number"
	case AttrBoolean:
		return "boolean"
	default:
		return "string"
	}
}

// IsSimpleAttributeType reports whether an attribute type can carry a plain
// scalar placeholder in a synthesized payload.
func IsSimpleAttributeType(attrType string) bool {
	switch attrType {
	case AttrString, AttrMemo, AttrInteger, AttrBigInt, AttrDecimal,
		AttrDouble, AttrMoney, AttrBoolean, AttrDateTime, AttrPicklist:
		return true
	}
	return false
}

// APIBasePath returns the versioned Web API base path, e.g. /api/data/v9.2.
func APIBasePath(apiVersion string) string {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	return fmt.Sprintf("%s%s", APIDataPath, apiVersion)
}

// FormatServiceID extracts a short environment identifier from an org URL for
// tool naming, e.g. https://contoso.crm.dynamics.com -> contoso.
func FormatServiceID(environmentURL string) string {
	parsed, err := url.Parse(environmentURL)
	if err == nil && parsed.Host != "" {
		host := parsed.Host
		if idx := strings.Index(host, "."); idx > 0 {
			host = host[:idx]
		}
		clean := regexp.MustCompile(`[^a-zA-Z0-9_]`).ReplaceAllString(host, "_")
		clean = strings.Trim(clean, "_")
		if len(clean) > 12 {
			clean = clean[:12]
		}
		if clean != "" {
			return strings.ToLower(clean)
		}
	}

	// Fall back to the last meaningful path segment
	if err == nil && parsed.Path != "" {
		segments := strings.Split(parsed.Path, "/")
		for i := len(segments) - 1; i >= 0; i-- {
			seg := segments[i]
			if seg != "" && seg != "api" && seg != "data" {
				clean := regexp.MustCompile(`[^a-zA-Z0-9_]`).ReplaceAllString(seg, "_")
				clean = strings.Trim(clean, "_")
				if len(clean) > 1 {
					if len(clean) > 12 {
						return clean[:12]
					}
					return clean
				}
			}
		}
	}

	return "dv"
}
