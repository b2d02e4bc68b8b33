package metadata

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/constants"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/models"
)

// Client is the subset of the Dataverse client the resolver needs.
type Client interface {
	GetMetadata(ctx context.Context, endpoint string, query url.Values) (map[string]interface{}, error)
}

// Resolver turns entity logical names into resolved EntityInfo shapes by
// querying EntityDefinitions. Resolution is best-effort: an entity that
// cannot be found degrades to a synthesized EntityInfo instead of failing.
type Resolver struct {
	client  Client
	verbose bool
}

// NewResolver creates a metadata resolver backed by the given client.
func NewResolver(client Client, verbose bool) *Resolver {
	return &Resolver{client: client, verbose: verbose}
}

// Pluralize returns the naive entity-set name for a logical name: names
// already ending in "s" are returned unchanged, everything else gains an "s".
func Pluralize(name string) string {
	if strings.HasSuffix(name, "s") {
		return name
	}
	return name + "s"
}

// Singularize strips a trailing "s" for the already-plural retry.
func Singularize(name string) string {
	if strings.HasSuffix(name, "s") && len(name) > 1 {
		return name[:len(name)-1]
	}
	return name
}

var entitySelectFields = strings.Join([]string{
	"LogicalName", "EntitySetName", "PrimaryIdAttribute", "PrimaryNameAttribute",
}, ",")

var attributeSelectFields = strings.Join([]string{
	"LogicalName", "AttributeType", "IsValidForCreate", "IsValidForUpdate",
	"IsPrimaryId", "IsPrimaryName", "RequiredLevel",
}, ",")

var relationshipSelectFields = strings.Join([]string{
	"ReferencingAttribute", "ReferencingEntityNavigationPropertyName",
}, ",")

// ResolveEntity resolves an entity logical name (or entity-set name) into an
// EntityInfo. Never fails for an unresolvable name: when the definition
// cannot be fetched the result is a synthesized EntityInfo with a naively
// pluralized entity set and no attributes, marked Synthesized.
func (r *Resolver) ResolveEntity(ctx context.Context, name string) *models.EntityInfo {
	logicalName, def := r.fetchEntityDefinition(ctx, name)
	if def == nil {
		if r.verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] No entity definition for %q, synthesizing\n", name)
		}
		return &models.EntityInfo{
			LogicalName:   name,
			EntitySetName: Pluralize(name),
			Synthesized:   true,
		}
	}

	info := &models.EntityInfo{
		LogicalName:          logicalName,
		EntitySetName:        stringField(def, "EntitySetName"),
		PrimaryIdAttribute:   stringField(def, "PrimaryIdAttribute"),
		PrimaryNameAttribute: stringField(def, "PrimaryNameAttribute"),
	}
	if info.EntitySetName == "" {
		info.EntitySetName = Pluralize(logicalName)
	}

	// Enrichment steps are best-effort: a failed attribute or relationship
	// fetch degrades the result, it does not abort the resolution
	info.Attributes = r.fetchAttributes(ctx, logicalName)
	info.LookupNavMap = r.fetchNavigationMap(ctx, logicalName)

	r.markPrimaryAttributes(info)

	return info
}

// ResolveEntitySet returns the entity-set name for a logical name, consulting
// the caller's memoization map first. The map is scoped to a single tool
// invocation; pass nil to skip memoization.
func (r *Resolver) ResolveEntitySet(ctx context.Context, logicalName string, memo map[string]string) string {
	if memo != nil {
		if set, ok := memo[logicalName]; ok {
			return set
		}
	}

	set := Pluralize(logicalName)
	endpoint := fmt.Sprintf("%s(LogicalName='%s')", constants.MetadataEntityDefs, escapeODataString(logicalName))
	query := url.Values{}
	query.Set(constants.QuerySelect, "EntitySetName")
	if def, err := r.client.GetMetadata(ctx, endpoint, query); err == nil {
		if v := stringField(def, "EntitySetName"); v != "" {
			set = v
		}
	}

	if memo != nil {
		memo[logicalName] = set
	}
	return set
}

// fetchEntityDefinition fetches EntityDefinitions(LogicalName='...') with a
// $select, falling back to an unfiltered fetch when the service rejects the
// $select, then retrying with a trailing "s" stripped when the caller passed
// an already-plural name. Returns the logical name that matched.
func (r *Resolver) fetchEntityDefinition(ctx context.Context, name string) (string, map[string]interface{}) {
	candidates := []string{name}
	if singular := Singularize(name); singular != name {
		candidates = append(candidates, singular)
	}

	for _, candidate := range candidates {
		endpoint := fmt.Sprintf("%s(LogicalName='%s')", constants.MetadataEntityDefs, escapeODataString(candidate))

		query := url.Values{}
		query.Set(constants.QuerySelect, entitySelectFields)
		def, err := r.client.GetMetadata(ctx, endpoint, query)
		if err == nil {
			return candidate, def
		}
		if r.verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Entity definition fetch with $select failed for %q: %v\n", candidate, err)
		}

		// Some endpoints reject $select outright; retry unfiltered
		def, err = r.client.GetMetadata(ctx, endpoint, nil)
		if err == nil {
			return candidate, def
		}
		if r.verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Entity definition fetch failed for %q: %v\n", candidate, err)
		}
	}

	return name, nil
}

// fetchAttributes fetches the attribute list, tolerating $select rejection.
// Failures are swallowed and yield an empty list.
func (r *Resolver) fetchAttributes(ctx context.Context, logicalName string) []*models.Attribute {
	endpoint := fmt.Sprintf("%s(LogicalName='%s')/Attributes", constants.MetadataEntityDefs, escapeODataString(logicalName))

	query := url.Values{}
	query.Set(constants.QuerySelect, attributeSelectFields)
	result, err := r.client.GetMetadata(ctx, endpoint, query)
	if err != nil {
		result, err = r.client.GetMetadata(ctx, endpoint, nil)
	}
	if err != nil {
		if r.verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Attribute fetch failed for %q: %v\n", logicalName, err)
		}
		return nil
	}

	rows, ok := result["value"].([]interface{})
	if !ok {
		return nil
	}

	attrs := make([]*models.Attribute, 0, len(rows))
	for _, row := range rows {
		fields, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		attr := &models.Attribute{
			LogicalName:      stringField(fields, "LogicalName"),
			AttributeType:    stringField(fields, "AttributeType"),
			IsValidForCreate: boolField(fields, "IsValidForCreate"),
			IsValidForUpdate: boolField(fields, "IsValidForUpdate"),
			IsPrimaryId:      boolField(fields, "IsPrimaryId"),
			IsPrimaryName:    boolField(fields, "IsPrimaryName"),
			RequiredLevel:    requiredLevel(fields),
			Targets:          stringSliceField(fields, "Targets"),
		}
		if attr.LogicalName == "" {
			continue
		}
		attrs = append(attrs, attr)
	}

	return attrs
}

// fetchNavigationMap builds attribute -> navigation property from the
// entity's many-to-one relationships. The relationship list is authoritative
// for @odata.bind key names; failures are swallowed and yield nil, in which
// case callers fall back to the attribute name.
func (r *Resolver) fetchNavigationMap(ctx context.Context, logicalName string) map[string]string {
	endpoint := fmt.Sprintf("%s(LogicalName='%s')/ManyToOneRelationships", constants.MetadataEntityDefs, escapeODataString(logicalName))

	query := url.Values{}
	query.Set(constants.QuerySelect, relationshipSelectFields)
	result, err := r.client.GetMetadata(ctx, endpoint, query)
	if err != nil {
		result, err = r.client.GetMetadata(ctx, endpoint, nil)
	}
	if err != nil {
		if r.verbose {
			fmt.Fprintf(os.Stderr, "[VERBOSE] Relationship fetch failed for %q: %v\n", logicalName, err)
		}
		return nil
	}

	rows, ok := result["value"].([]interface{})
	if !ok {
		return nil
	}

	navMap := make(map[string]string)
	for _, row := range rows {
		fields, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		attr := stringField(fields, "ReferencingAttribute")
		nav := stringField(fields, "ReferencingEntityNavigationPropertyName")
		if attr == "" || nav == "" {
			continue
		}
		// First relationship wins when an attribute participates in several
		if _, exists := navMap[attr]; !exists {
			navMap[attr] = nav
		}
	}

	if len(navMap) == 0 {
		return nil
	}
	return navMap
}

// markPrimaryAttributes propagates the definition's primary id/name onto the
// attribute flags when the attribute fetch did not carry them.
func (r *Resolver) markPrimaryAttributes(info *models.EntityInfo) {
	for _, attr := range info.Attributes {
		if info.PrimaryIdAttribute != "" && attr.LogicalName == info.PrimaryIdAttribute {
			attr.IsPrimaryId = true
		}
		if info.PrimaryNameAttribute != "" && attr.LogicalName == info.PrimaryNameAttribute {
			attr.IsPrimaryName = true
		}
	}
}

// escapeODataString doubles single quotes for safe embedding in an OData
// string literal.
func escapeODataString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func boolField(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func stringSliceField(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// requiredLevel unwraps the RequiredLevel managed property, which arrives as
// {"Value": "ApplicationRequired", ...} from the Web API.
func requiredLevel(m map[string]interface{}) string {
	switch v := m["RequiredLevel"].(type) {
	case string:
		return v
	case map[string]interface{}:
		return stringField(v, "Value")
	}
	return ""
}
