package request

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/binding"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/constants"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/metadata"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/models"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/utils"
)

// QueryOptions carries OData system query options for list and retrieve
// operations.
type QueryOptions struct {
	Select  []string
	Filter  string
	OrderBy string
	Expand  string
	Top     int
	Skip    int
	Count   bool
}

// Params describes one operation to build a request for.
type Params struct {
	Operation  string
	EntityName string // logical name or entity-set name
	EntityID   string
	Data       map[string]interface{}
	Query      QueryOptions

	// Association parameters
	RelationshipName  string
	RelatedEntityName string
	RelatedEntityID   string

	// Action / function parameters
	Name       string
	Parameters map[string]interface{}
	Bound      bool
}

// RequestSpec is a fully resolved HTTP request: method, path relative to the
// Web API root, query options, headers beyond the client's standard set, and
// an optional JSON body.
type RequestSpec struct {
	Method  string
	Path    string
	Query   url.Values
	Headers map[string]string
	Body    map[string]interface{}

	// Entity is the resolved metadata the request was built against, when
	// the operation needed it.
	Entity *models.EntityInfo
}

// URL renders the absolute request URL against a Web API base such as
// https://org.crm.dynamics.com/api/data/v9.2.
func (r *RequestSpec) URL(apiBase string) string {
	u := strings.TrimSuffix(apiBase, "/") + "/" + r.Path
	if len(r.Query) > 0 {
		u += "?" + strings.ReplaceAll(r.Query.Encode(), "+", "%20")
	}
	return u
}

// ValidationError reports a missing or malformed parameter, raised before any
// network call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Builder turns operation parameters into concrete RequestSpecs, resolving
// entity metadata as needed.
type Builder struct {
	resolver *metadata.Resolver
	apiBase  string // absolute Web API root, used for @odata.id targets
}

// NewBuilder creates a request builder. apiBase must be the absolute Web API
// root including the version segment.
func NewBuilder(resolver *metadata.Resolver, apiBase string) *Builder {
	return &Builder{resolver: resolver, apiBase: strings.TrimSuffix(apiBase, "/")}
}

// Build validates the parameters and produces a RequestSpec. Validation
// failures surface before any metadata or network activity.
func (b *Builder) Build(ctx context.Context, params Params) (*RequestSpec, error) {
	if err := validate(params); err != nil {
		return nil, err
	}

	switch params.Operation {
	case constants.OpRetrieve:
		return b.buildRetrieve(ctx, params)
	case constants.OpRetrieveMultiple:
		return b.buildRetrieveMultiple(ctx, params)
	case constants.OpCreate:
		return b.buildCreate(ctx, params)
	case constants.OpUpdate:
		return b.buildUpdate(ctx, params)
	case constants.OpDelete:
		return b.buildDelete(ctx, params)
	case constants.OpAssociate:
		return b.buildAssociate(ctx, params)
	case constants.OpDisassociate:
		return b.buildDisassociate(ctx, params)
	case constants.OpCallAction:
		return b.buildCallAction(ctx, params)
	case constants.OpCallFunction:
		return b.buildCallFunction(ctx, params)
	}
	return nil, validationErrorf("unknown operation %q", params.Operation)
}

// validate checks identifying parameters before any network call.
func validate(params Params) error {
	switch params.Operation {
	case constants.OpRetrieve:
		if params.EntityName == "" {
			return validationErrorf("entityName is required for retrieve")
		}
		if params.EntityID == "" {
			return validationErrorf("entityId is required for retrieve")
		}
	case constants.OpRetrieveMultiple, constants.OpCreate:
		if params.EntityName == "" {
			return validationErrorf("entityName is required for %s", params.Operation)
		}
	case constants.OpUpdate, constants.OpDelete:
		if params.EntityName == "" {
			return validationErrorf("entityName is required for %s", params.Operation)
		}
		if params.EntityID == "" {
			return validationErrorf("entityId is required for %s", params.Operation)
		}
	case constants.OpAssociate, constants.OpDisassociate:
		if params.EntityName == "" || params.EntityID == "" {
			return validationErrorf("entityName and entityId are required for %s", params.Operation)
		}
		if params.RelationshipName == "" {
			return validationErrorf("relationshipName is required for %s", params.Operation)
		}
		if params.Operation == constants.OpAssociate {
			if params.RelatedEntityName == "" || params.RelatedEntityID == "" {
				return validationErrorf("relatedEntityName and relatedEntityId are required for associate")
			}
		}
	case constants.OpCallAction, constants.OpCallFunction:
		if params.Name == "" {
			return validationErrorf("name is required for %s", params.Operation)
		}
		if params.Bound && (params.EntityName == "" || params.EntityID == "") {
			return validationErrorf("bound invocations require entityName and entityId")
		}
	}
	return nil
}

func (b *Builder) buildRetrieve(ctx context.Context, params Params) (*RequestSpec, error) {
	info := b.resolver.ResolveEntity(ctx, params.EntityName)

	return &RequestSpec{
		Method: constants.GET,
		Path:   keyPath(info.EntitySetName, params.EntityID),
		Query:  buildQuery(params.Query, info),
		Entity: info,
	}, nil
}

func (b *Builder) buildRetrieveMultiple(ctx context.Context, params Params) (*RequestSpec, error) {
	info := b.resolver.ResolveEntity(ctx, params.EntityName)

	return &RequestSpec{
		Method: constants.GET,
		Path:   info.EntitySetName,
		Query:  buildQuery(params.Query, info),
		Entity: info,
	}, nil
}

func (b *Builder) buildCreate(ctx context.Context, params Params) (*RequestSpec, error) {
	info := b.resolver.ResolveEntity(ctx, params.EntityName)

	body := params.Data
	if body == nil {
		body = b.sampleBody(ctx, info, true)
	}
	body = binding.NormalizePayload(body, info)

	return &RequestSpec{
		Method:  constants.POST,
		Path:    info.EntitySetName,
		Headers: map[string]string{constants.Prefer: constants.PreferRepresentation},
		Body:    body,
		Entity:  info,
	}, nil
}

func (b *Builder) buildUpdate(ctx context.Context, params Params) (*RequestSpec, error) {
	info := b.resolver.ResolveEntity(ctx, params.EntityName)

	body := params.Data
	if body == nil {
		body = b.sampleBody(ctx, info, false)
	}
	body = binding.NormalizePayload(body, info)

	return &RequestSpec{
		Method: constants.PATCH,
		Path:   keyPath(info.EntitySetName, params.EntityID),
		Headers: map[string]string{
			constants.Prefer: constants.PreferRepresentation,
			// Fail instead of upserting when the record is gone
			constants.IfMatch: "*",
		},
		Body:   body,
		Entity: info,
	}, nil
}

func (b *Builder) buildDelete(ctx context.Context, params Params) (*RequestSpec, error) {
	info := b.resolver.ResolveEntity(ctx, params.EntityName)

	return &RequestSpec{
		Method: constants.DELETE,
		Path:   keyPath(info.EntitySetName, params.EntityID),
		Entity: info,
	}, nil
}

func (b *Builder) buildAssociate(ctx context.Context, params Params) (*RequestSpec, error) {
	memo := map[string]string{}
	entitySet := b.resolver.ResolveEntitySet(ctx, params.EntityName, memo)
	relatedSet := b.resolver.ResolveEntitySet(ctx, params.RelatedEntityName, memo)

	return &RequestSpec{
		Method: constants.POST,
		Path: fmt.Sprintf("%s/%s/%s",
			keyPath(entitySet, params.EntityID), params.RelationshipName, constants.RefSegment),
		Body: map[string]interface{}{
			constants.ODataID: fmt.Sprintf("%s/%s", b.apiBase, keyPath(relatedSet, params.RelatedEntityID)),
		},
	}, nil
}

func (b *Builder) buildDisassociate(ctx context.Context, params Params) (*RequestSpec, error) {
	entitySet := b.resolver.ResolveEntitySet(ctx, params.EntityName, nil)

	// Collection-valued relationships name the related record inline;
	// single-valued ones address the reference itself
	path := fmt.Sprintf("%s/%s/%s", keyPath(entitySet, params.EntityID), params.RelationshipName, constants.RefSegment)
	if params.RelatedEntityID != "" {
		path = fmt.Sprintf("%s/%s/%s", keyPath(entitySet, params.EntityID),
			keyPath(params.RelationshipName, params.RelatedEntityID), constants.RefSegment)
	}

	return &RequestSpec{
		Method: constants.DELETE,
		Path:   path,
	}, nil
}

func (b *Builder) buildCallAction(ctx context.Context, params Params) (*RequestSpec, error) {
	path := params.Name
	if params.Bound {
		entitySet := b.resolver.ResolveEntitySet(ctx, params.EntityName, nil)
		path = fmt.Sprintf("%s/%s", keyPath(entitySet, params.EntityID), qualifyOperationName(params.Name))
	}

	body := params.Parameters
	if body == nil {
		body = map[string]interface{}{}
	}

	return &RequestSpec{
		Method: constants.POST,
		Path:   path,
		Body:   body,
	}, nil
}

func (b *Builder) buildCallFunction(ctx context.Context, params Params) (*RequestSpec, error) {
	name := params.Name
	if params.Bound {
		name = qualifyOperationName(name)
	}
	invocation := name + "(" + formatFunctionParameters(params.Parameters) + ")"

	path := invocation
	if params.Bound {
		entitySet := b.resolver.ResolveEntitySet(ctx, params.EntityName, nil)
		path = fmt.Sprintf("%s/%s", keyPath(entitySet, params.EntityID), invocation)
	}

	return &RequestSpec{
		Method: constants.GET,
		Path:   path,
	}, nil
}

// sampleBody synthesizes a minimal example payload: the primary name field,
// up to two more simple required (create) or updatable (update) fields with
// type-appropriate placeholders, and up to two lookup bindings pointed at a
// nil GUID.
func (b *Builder) sampleBody(ctx context.Context, info *models.EntityInfo, forCreate bool) map[string]interface{} {
	body := map[string]interface{}{}
	memo := map[string]string{}

	validFor := func(attr *models.Attribute) bool {
		if forCreate {
			return attr.IsValidForCreate
		}
		return attr.IsValidForUpdate
	}

	if info.PrimaryNameAttribute != "" {
		attr := info.AttributeByName(info.PrimaryNameAttribute)
		if attr == nil || validFor(attr) {
			body[info.PrimaryNameAttribute] = "Sample " + info.LogicalName
		}
	}

	simple := 0
	lookups := 0
	for _, attr := range info.Attributes {
		if attr.IsPrimaryId || attr.IsPrimaryName || !validFor(attr) {
			continue
		}

		switch {
		case attr.AttributeType == constants.AttrLookup && lookups < 2:
			if len(attr.Targets) == 0 {
				continue
			}
			targetSet := b.resolver.ResolveEntitySet(ctx, attr.Targets[0], memo)
			nav := info.NavigationProperty(attr.LogicalName)
			body[nav+constants.BindSuffix] = "/" + keyPath(targetSet, constants.NilGUID)
			lookups++
		case constants.IsSimpleAttributeType(attr.AttributeType) && simple < 2:
			if forCreate && !attr.IsRequired() {
				continue
			}
			body[attr.LogicalName] = utils.PlaceholderValue(attr.LogicalName, attr.AttributeType)
			simple++
		}
	}

	return body
}

// buildQuery assembles system query options, defaulting $select to the
// primary id (plus primary name when present) when the caller supplied none.
func buildQuery(opts QueryOptions, info *models.EntityInfo) url.Values {
	query := url.Values{}

	selects := opts.Select
	if len(selects) == 0 && info.PrimaryIdAttribute != "" {
		selects = []string{info.PrimaryIdAttribute}
		if info.PrimaryNameAttribute != "" {
			selects = append(selects, info.PrimaryNameAttribute)
		}
	}
	if len(selects) > 0 {
		query.Set(constants.QuerySelect, strings.Join(selects, ","))
	}

	if opts.Filter != "" {
		query.Set(constants.QueryFilter, opts.Filter)
	}
	if opts.OrderBy != "" {
		query.Set(constants.QueryOrderBy, opts.OrderBy)
	}
	if opts.Expand != "" {
		query.Set(constants.QueryExpand, opts.Expand)
	}
	if opts.Top > 0 {
		query.Set(constants.QueryTop, strconv.Itoa(opts.Top))
	}
	if opts.Skip > 0 {
		query.Set(constants.QuerySkip, strconv.Itoa(opts.Skip))
	}
	if opts.Count {
		query.Set(constants.QueryCount, "true")
	}

	return query
}

// formatFunctionParameters inlines function parameters per OData literal
// rules: strings are single-quoted, everything else is bare. Keys are sorted
// for deterministic output.
func formatFunctionParameters(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+formatODataLiteral(params[key]))
	}
	return strings.Join(parts, ",")
}

// formatODataLiteral renders a single function parameter value.
func formatODataLiteral(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		// JSON numbers decode as float64; render integers without a point
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case []interface{}, map[string]interface{}:
		// Collection and complex parameters are passed as inline JSON
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// qualifyOperationName prefixes the CRM namespace for bound invocations when
// the caller passed a bare name.
func qualifyOperationName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return "Microsoft.Dynamics.CRM." + name
}

// keyPath renders an entity-set key address like accounts(id). GUID keys are
// normalized to bare lowercase; alternate keys pass through untouched.
func keyPath(entitySet, id string) string {
	if utils.IsGUID(id) {
		id = utils.NormalizeGUID(id)
	}
	return fmt.Sprintf("%s(%s)", entitySet, id)
}
