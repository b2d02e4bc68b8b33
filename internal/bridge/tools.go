package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/constants"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/render"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/request"
)

// Schema fragments shared across tools.
func entityNameProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Entity logical name (e.g. account) or entity set name (e.g. accounts)",
	}
}

func entityIDProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Record GUID, with or without braces",
	}
}

func queryProperties() map[string]interface{} {
	return map[string]interface{}{
		"select": map[string]interface{}{
			"type":        "string",
			"description": "Comma-separated column list for $select; defaults to primary id and name",
		},
		"filter": map[string]interface{}{
			"type":        "string",
			"description": "OData $filter expression",
		},
		"orderby": map[string]interface{}{
			"type":        "string",
			"description": "OData $orderby expression",
		},
		"expand": map[string]interface{}{
			"type":        "string",
			"description": "OData $expand expression",
		},
		"top": map[string]interface{}{
			"type":        "integer",
			"description": "Maximum rows to return",
		},
		"skip": map[string]interface{}{
			"type":        "integer",
			"description": "Rows to skip",
		},
		"count": map[string]interface{}{
			"type":        "boolean",
			"description": "Include the total row count",
		},
	}
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// registerTools builds the full tool surface. Modifying tools are skipped in
// read-only mode.
func (b *DataverseMCPBridge) registerTools() {
	b.addTool("dataverse_service_info",
		"Get information about the Dataverse environment, registered tools, solution context, and usage hints",
		constants.OpInfo,
		objectSchema(map[string]interface{}{}),
		b.handleServiceInfo)

	b.addTool("whoami",
		"Call WhoAmI to verify connectivity and return the caller's user, business unit, and organization ids",
		constants.OpInfo,
		objectSchema(map[string]interface{}{}),
		b.handleWhoAmI)

	retrieveProps := map[string]interface{}{
		"entityName": entityNameProperty(),
		"entityId":   entityIDProperty(),
	}
	for k, v := range queryProperties() {
		retrieveProps[k] = v
	}
	b.addTool("retrieve_record",
		"Retrieve a single record by id",
		constants.OpRetrieve,
		objectSchema(retrieveProps, "entityName", "entityId"),
		b.handleRetrieve)

	listProps := map[string]interface{}{
		"entityName": entityNameProperty(),
	}
	for k, v := range queryProperties() {
		listProps[k] = v
	}
	b.addTool("retrieve_multiple",
		"Query records with OData options ($filter, $select, $orderby, $top, $skip, $count)",
		constants.OpRetrieveMultiple,
		objectSchema(listProps, "entityName"),
		b.handleRetrieveMultiple)

	if !b.config.IsReadOnly() {
		b.addTool("create_record",
			"Create a record. Lookup fields accept record references and are rewritten to @odata.bind automatically. Without data, a sample payload is synthesized from metadata",
			constants.OpCreate,
			objectSchema(map[string]interface{}{
				"entityName": entityNameProperty(),
				"data": map[string]interface{}{
					"type":        "object",
					"description": "Column values; omit to synthesize a sample payload",
				},
			}, "entityName"),
			b.handleCreate)

		b.addTool("update_record",
			"Update a record by id. Lookup fields accept record references and are rewritten to @odata.bind automatically",
			constants.OpUpdate,
			objectSchema(map[string]interface{}{
				"entityName": entityNameProperty(),
				"entityId":   entityIDProperty(),
				"data": map[string]interface{}{
					"type":        "object",
					"description": "Column values to change",
				},
			}, "entityName", "entityId"),
			b.handleUpdate)

		b.addTool("delete_record",
			"Delete a record by id",
			constants.OpDelete,
			objectSchema(map[string]interface{}{
				"entityName": entityNameProperty(),
				"entityId":   entityIDProperty(),
			}, "entityName", "entityId"),
			b.handleDelete)

		b.addTool("associate_records",
			"Associate two records through a named relationship",
			constants.OpAssociate,
			objectSchema(map[string]interface{}{
				"entityName":        entityNameProperty(),
				"entityId":          entityIDProperty(),
				"relationshipName":  map[string]interface{}{"type": "string", "description": "Relationship schema name (e.g. account_contacts)"},
				"relatedEntityName": entityNameProperty(),
				"relatedEntityId":   entityIDProperty(),
			}, "entityName", "entityId", "relationshipName", "relatedEntityName", "relatedEntityId"),
			b.handleAssociate)

		b.addTool("disassociate_records",
			"Remove a relationship reference. Pass relatedEntityId for collection-valued relationships, omit it for single-valued ones",
			constants.OpDisassociate,
			objectSchema(map[string]interface{}{
				"entityName":       entityNameProperty(),
				"entityId":         entityIDProperty(),
				"relationshipName": map[string]interface{}{"type": "string", "description": "Relationship or navigation property name"},
				"relatedEntityId":  entityIDProperty(),
			}, "entityName", "entityId", "relationshipName"),
			b.handleDisassociate)

		b.addTool("call_action",
			"Invoke a Web API action, unbound or bound to a record",
			constants.OpCallAction,
			objectSchema(map[string]interface{}{
				"name":       map[string]interface{}{"type": "string", "description": "Action name (e.g. WinOpportunity)"},
				"parameters": map[string]interface{}{"type": "object", "description": "Action parameters"},
				"entityName": entityNameProperty(),
				"entityId":   entityIDProperty(),
				"bound":      map[string]interface{}{"type": "boolean", "description": "Bind the action to entityName(entityId)"},
			}, "name"),
			b.handleCallAction)
	}

	b.addTool("call_function",
		"Invoke a Web API function, unbound or bound to a record. Parameters are inlined per OData literal rules",
		constants.OpCallFunction,
		objectSchema(map[string]interface{}{
			"name":       map[string]interface{}{"type": "string", "description": "Function name (e.g. RetrieveTotalRecordCount)"},
			"parameters": map[string]interface{}{"type": "object", "description": "Function parameters"},
			"entityName": entityNameProperty(),
			"entityId":   entityIDProperty(),
			"bound":      map[string]interface{}{"type": "boolean", "description": "Bind the function to entityName(entityId)"},
		}, "name"),
		b.handleCallFunction)

	b.addTool("describe_entity",
		"Resolve an entity's metadata: entity set name, primary id/name, attributes, and lookup navigation properties",
		constants.OpDescribe,
		objectSchema(map[string]interface{}{
			"entityName": entityNameProperty(),
		}, "entityName"),
		b.handleDescribeEntity)

	b.addTool("generate_examples",
		"Build a request for any operation and render it as curl, fetch, and (for lists) React examples without executing it",
		constants.OpExamples,
		objectSchema(map[string]interface{}{
			"operation": map[string]interface{}{
				"type": "string",
				"enum": []string{
					constants.OpRetrieve, constants.OpRetrieveMultiple,
					constants.OpCreate, constants.OpUpdate, constants.OpDelete,
					constants.OpAssociate, constants.OpDisassociate,
					constants.OpCallAction, constants.OpCallFunction,
				},
				"description": "Operation to render examples for",
			},
			"entityName":        entityNameProperty(),
			"entityId":          entityIDProperty(),
			"data":              map[string]interface{}{"type": "object", "description": "Payload; omit on create/update to synthesize a sample"},
			"select":            map[string]interface{}{"type": "string"},
			"filter":            map[string]interface{}{"type": "string"},
			"orderby":           map[string]interface{}{"type": "string"},
			"expand":            map[string]interface{}{"type": "string"},
			"top":               map[string]interface{}{"type": "integer"},
			"skip":              map[string]interface{}{"type": "integer"},
			"count":             map[string]interface{}{"type": "boolean"},
			"relationshipName":  map[string]interface{}{"type": "string"},
			"relatedEntityName": entityNameProperty(),
			"relatedEntityId":   entityIDProperty(),
			"name":              map[string]interface{}{"type": "string", "description": "Action or function name"},
			"parameters":        map[string]interface{}{"type": "object"},
			"bound":             map[string]interface{}{"type": "boolean"},
		}, "operation"),
		b.handleGenerateExamples)

	if !b.config.IsReadOnly() {
		b.addTool("set_solution_context",
			"Set the active solution; subsequent customizations carry MSCRM.SolutionUniqueName",
			constants.OpInfo,
			objectSchema(map[string]interface{}{
				"solutionUniqueName": map[string]interface{}{"type": "string", "description": "Unique name of an unmanaged solution"},
			}, "solutionUniqueName"),
			b.handleSetSolutionContext)

		b.addTool("clear_solution_context",
			"Clear the active solution context",
			constants.OpInfo,
			objectSchema(map[string]interface{}{}),
			b.handleClearSolutionContext)
	}

	b.addTool("get_solution_context",
		"Get the active solution context, if any",
		constants.OpInfo,
		objectSchema(map[string]interface{}{}),
		b.handleGetSolutionContext)

	b.addTool("get_customization_prefix",
		"Look up the publisher customization prefix of the active solution",
		constants.OpInfo,
		objectSchema(map[string]interface{}{}),
		b.handleGetCustomizationPrefix)
}

// Argument extraction helpers. MCP arguments arrive as generic JSON values.

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func boolArg(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func mapArg(args map[string]interface{}, key string) map[string]interface{} {
	v, _ := args[key].(map[string]interface{})
	return v
}

func selectArg(args map[string]interface{}, key string) []string {
	switch v := args[key].(type) {
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func queryFromArgs(args map[string]interface{}) request.QueryOptions {
	return request.QueryOptions{
		Select:  selectArg(args, "select"),
		Filter:  stringArg(args, "filter"),
		OrderBy: stringArg(args, "orderby"),
		Expand:  stringArg(args, "expand"),
		Top:     intArg(args, "top"),
		Skip:    intArg(args, "skip"),
		Count:   boolArg(args, "count"),
	}
}

func paramsFromArgs(operation string, args map[string]interface{}) request.Params {
	return request.Params{
		Operation:         operation,
		EntityName:        stringArg(args, "entityName"),
		EntityID:          stringArg(args, "entityId"),
		Data:              mapArg(args, "data"),
		Query:             queryFromArgs(args),
		RelationshipName:  stringArg(args, "relationshipName"),
		RelatedEntityName: stringArg(args, "relatedEntityName"),
		RelatedEntityID:   stringArg(args, "relatedEntityId"),
		Name:              stringArg(args, "name"),
		Parameters:        mapArg(args, "parameters"),
		Bound:             boolArg(args, "bound"),
	}
}

// buildAndExecute runs the common path: allow-list check, build, execute,
// limit, serialize.
func (b *DataverseMCPBridge) buildAndExecute(ctx context.Context, operation string, args map[string]interface{}) (interface{}, error) {
	params := paramsFromArgs(operation, args)
	if err := b.requireAllowedEntity(params.EntityName); err != nil {
		return nil, err
	}

	spec, err := b.builder.Build(ctx, params)
	if err != nil {
		return nil, err
	}

	var body interface{}
	if spec.Body != nil {
		body = spec.Body
	}
	result, err := b.client.Execute(ctx, spec.Method, spec.Path, spec.Query, spec.Headers, body)
	if err != nil {
		return nil, b.operationError(operation, spec, err)
	}

	return toJSON(b.limitResponse(result))
}

func (b *DataverseMCPBridge) handleServiceInfo(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	info := map[string]interface{}{
		"environment_url":  b.client.EnvironmentURL(),
		"api_version":      b.client.APIVersion(),
		"api_base":         b.client.APIBase(),
		"read_only":        b.config.IsReadOnly(),
		"solution_context": b.client.GetSolutionContext(),
		"tools":            b.GetTraceInfo().RegisteredTools,
	}
	if len(b.config.AllowedEntities) > 0 {
		info["allowed_entities"] = b.config.AllowedEntities
	}
	if hints := b.hints.GetHints(b.client.EnvironmentURL()); hints != nil {
		info["hints"] = hints
	}

	return toJSON(info)
}

func (b *DataverseMCPBridge) handleWhoAmI(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	who, err := b.client.WhoAmI(ctx)
	if err != nil {
		return nil, err
	}
	return toJSON(who)
}

func (b *DataverseMCPBridge) handleRetrieve(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return b.buildAndExecute(ctx, constants.OpRetrieve, args)
}

func (b *DataverseMCPBridge) handleRetrieveMultiple(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return b.buildAndExecute(ctx, constants.OpRetrieveMultiple, args)
}

func (b *DataverseMCPBridge) handleCreate(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return b.buildAndExecute(ctx, constants.OpCreate, args)
}

func (b *DataverseMCPBridge) handleUpdate(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return b.buildAndExecute(ctx, constants.OpUpdate, args)
}

func (b *DataverseMCPBridge) handleDelete(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	params := paramsFromArgs(constants.OpDelete, args)
	if err := b.requireAllowedEntity(params.EntityName); err != nil {
		return nil, err
	}

	spec, err := b.builder.Build(ctx, params)
	if err != nil {
		return nil, err
	}
	if _, err := b.client.Execute(ctx, spec.Method, spec.Path, nil, nil, nil); err != nil {
		return nil, b.operationError(constants.OpDelete, spec, err)
	}

	return fmt.Sprintf("Deleted %s", spec.Path), nil
}

func (b *DataverseMCPBridge) handleAssociate(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	params := paramsFromArgs(constants.OpAssociate, args)
	if err := b.requireAllowedEntity(params.EntityName); err != nil {
		return nil, err
	}
	if err := b.requireAllowedEntity(params.RelatedEntityName); err != nil {
		return nil, err
	}

	spec, err := b.builder.Build(ctx, params)
	if err != nil {
		return nil, err
	}
	if _, err := b.client.Execute(ctx, spec.Method, spec.Path, nil, nil, spec.Body); err != nil {
		return nil, b.operationError(constants.OpAssociate, spec, err)
	}

	return fmt.Sprintf("Associated via %s", spec.Path), nil
}

func (b *DataverseMCPBridge) handleDisassociate(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	params := paramsFromArgs(constants.OpDisassociate, args)
	if err := b.requireAllowedEntity(params.EntityName); err != nil {
		return nil, err
	}

	spec, err := b.builder.Build(ctx, params)
	if err != nil {
		return nil, err
	}
	if _, err := b.client.Execute(ctx, spec.Method, spec.Path, nil, nil, nil); err != nil {
		return nil, b.operationError(constants.OpDisassociate, spec, err)
	}

	return fmt.Sprintf("Disassociated via %s", spec.Path), nil
}

func (b *DataverseMCPBridge) handleCallAction(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return b.buildAndExecute(ctx, constants.OpCallAction, args)
}

func (b *DataverseMCPBridge) handleCallFunction(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return b.buildAndExecute(ctx, constants.OpCallFunction, args)
}

func (b *DataverseMCPBridge) handleDescribeEntity(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	entityName := stringArg(args, "entityName")
	if entityName == "" {
		return nil, fmt.Errorf("entityName is required for describe")
	}
	if err := b.requireAllowedEntity(entityName); err != nil {
		return nil, err
	}

	info := b.resolver.ResolveEntity(ctx, entityName)
	return toJSON(info)
}

func (b *DataverseMCPBridge) handleGenerateExamples(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	operation := stringArg(args, "operation")
	if operation == "" {
		return nil, fmt.Errorf("operation is required for examples")
	}

	params := paramsFromArgs(operation, args)
	if err := b.requireAllowedEntity(params.EntityName); err != nil {
		return nil, err
	}

	spec, err := b.builder.Build(ctx, params)
	if err != nil {
		return nil, err
	}

	// Rendering only; the request is never executed
	return render.Examples(spec, b.client.APIBase()), nil
}

func (b *DataverseMCPBridge) handleSetSolutionContext(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	name := stringArg(args, "solutionUniqueName")
	if name == "" {
		return nil, fmt.Errorf("solutionUniqueName is required")
	}

	b.client.SetSolutionContext(name)
	return fmt.Sprintf("Solution context set to %q", name), nil
}

func (b *DataverseMCPBridge) handleClearSolutionContext(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	b.client.ClearSolutionContext()
	return "Solution context cleared", nil
}

func (b *DataverseMCPBridge) handleGetSolutionContext(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	solution := b.client.GetSolutionContext()
	if solution == "" {
		return "No solution context set", nil
	}
	return toJSON(map[string]interface{}{"solution_unique_name": solution})
}

func (b *DataverseMCPBridge) handleGetCustomizationPrefix(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	prefix, err := b.client.GetCustomizationPrefix(ctx)
	if err != nil {
		return nil, err
	}
	return toJSON(map[string]interface{}{"customization_prefix": prefix})
}
