package test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/bridge"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/config"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/transport"
)

type recordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Headers  http.Header
	Body     map[string]interface{}
}

// mockDataverse is an httptest-backed Dataverse environment with canned
// account metadata and a request log.
type mockDataverse struct {
	server   *httptest.Server
	requests []recordedRequest
	handler  http.HandlerFunc
}

func newMockDataverse(t *testing.T) *mockDataverse {
	t.Helper()

	m := &mockDataverse{}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Headers:  r.Header.Clone(),
		}
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&rec.Body)
		}
		m.requests = append(m.requests, rec)

		if m.serveMetadata(w, r) {
			return
		}
		if m.handler != nil {
			m.handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockDataverse) serveMetadata(w http.ResponseWriter, r *http.Request) bool {
	path := r.URL.Path
	switch {
	case strings.Contains(path, "EntityDefinitions(LogicalName='account')/Attributes"):
		json.NewEncoder(w).Encode(map[string]interface{}{
			"value": []map[string]interface{}{
				{"LogicalName": "name", "AttributeType": "String", "RequiredLevel": map[string]interface{}{"Value": "ApplicationRequired"}},
				{"LogicalName": "revenue", "AttributeType": "Money"},
				{"LogicalName": "primarycontactid", "AttributeType": "Lookup"},
			},
		})
	case strings.Contains(path, "EntityDefinitions(LogicalName='account')/ManyToOneRelationships"):
		json.NewEncoder(w).Encode(map[string]interface{}{
			"value": []map[string]interface{}{
				{
					"ReferencingAttribute":                    "primarycontactid",
					"ReferencingEntityNavigationPropertyName": "primarycontactid",
					"ReferencedEntity":                        "contact",
				},
			},
		})
	case strings.Contains(path, "EntityDefinitions(LogicalName='account')"):
		json.NewEncoder(w).Encode(map[string]interface{}{
			"LogicalName":          "account",
			"EntitySetName":        "accounts",
			"PrimaryIdAttribute":   "accountid",
			"PrimaryNameAttribute": "name",
		})
	case strings.Contains(path, "EntityDefinitions"):
		http.Error(w, `{"error":{"code":"0x80060888","message":"entity not found"}}`, http.StatusNotFound)
	default:
		return false
	}
	return true
}

// lastDataRequest returns the most recent request outside the metadata
// endpoints.
func (m *mockDataverse) lastDataRequest(t *testing.T) recordedRequest {
	t.Helper()
	for i := len(m.requests) - 1; i >= 0; i-- {
		if !strings.Contains(m.requests[i].Path, "EntityDefinitions") {
			return m.requests[i]
		}
	}
	t.Fatal("no non-metadata request recorded")
	return recordedRequest{}
}

func newTestBridge(t *testing.T, m *mockDataverse, mutate func(*config.Config)) *bridge.DataverseMCPBridge {
	t.Helper()

	cfg := &config.Config{
		EnvironmentURL: m.server.URL,
		AccessToken:    "test-token",
		NoPostfix:      true,
	}
	if mutate != nil {
		mutate(cfg)
	}

	b, err := bridge.NewDataverseMCPBridge(cfg)
	require.NoError(t, err)
	return b
}

func rpc(t *testing.T, b *bridge.DataverseMCPBridge, id int, method string, params interface{}) *transport.Message {
	t.Helper()

	msg := &transport.Message{
		JSONRPC: "2.0",
		ID:      json.RawMessage(fmt.Sprintf("%d", id)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		require.NoError(t, err)
		msg.Params = raw
	}

	resp, err := b.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func callResult(t *testing.T, resp *transport.Message) (string, bool) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected protocol error: %+v", resp.Error)

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.NotEmpty(t, result.Content)
	assert.Equal(t, "text", result.Content[0].Type)
	return result.Content[0].Text, result.IsError
}

func TestMCPHandshakeAndToolsList(t *testing.T) {
	m := newMockDataverse(t)
	b := newTestBridge(t, m, nil)

	resp := rpc(t, b, 1, "initialize", map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]interface{}{"name": "test-client", "version": "1.0"},
	})
	require.Nil(t, resp.Error)

	var initResult map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Result, &initResult))
	assert.Equal(t, "2024-11-05", initResult["protocolVersion"])

	serverInfo := initResult["serverInfo"].(map[string]interface{})
	assert.Equal(t, "dataverse-mcp", serverInfo["name"])

	// Notification produces no response
	note, err := b.HandleMessage(context.Background(), &transport.Message{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	require.NoError(t, err)
	assert.Nil(t, note)

	resp = rpc(t, b, 2, "tools/list", nil)
	require.Nil(t, resp.Error)

	var listResult struct {
		Tools []struct {
			Name        string                 `json:"name"`
			Description string                 `json:"description"`
			InputSchema map[string]interface{} `json:"inputSchema"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &listResult))
	require.NotEmpty(t, listResult.Tools)

	byName := map[string]map[string]interface{}{}
	for _, tool := range listResult.Tools {
		assert.NotEmpty(t, tool.Description, "tool %s has no description", tool.Name)
		byName[tool.Name] = tool.InputSchema
	}

	schema := byName["retrieve_record"]
	require.NotNil(t, schema)
	assert.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]interface{})
	assert.Contains(t, props, "entityName")
	assert.Contains(t, props, "entityId")
	assert.Contains(t, props, "select")
	required := schema["required"].([]interface{})
	assert.Contains(t, required, "entityName")
	assert.Contains(t, required, "entityId")
}

func callToolRPC(t *testing.T, b *bridge.DataverseMCPBridge, name string, args map[string]interface{}) (string, bool) {
	t.Helper()
	resp := rpc(t, b, 10, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	return callResult(t, resp)
}

func TestRetrieveRecordQueryEncoding(t *testing.T) {
	m := newMockDataverse(t)
	m.handler = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accountid": "11111111-1111-1111-1111-111111111111",
			"name":      "Contoso Ltd",
		})
	}
	b := newTestBridge(t, m, nil)

	text, isError := callToolRPC(t, b, "retrieve_record", map[string]interface{}{
		"entityName": "account",
		"entityId":   "{11111111-1111-1111-1111-111111111111}",
		"select":     "name,revenue",
	})
	require.False(t, isError, "tool failed: %s", text)
	assert.Contains(t, text, "Contoso Ltd")

	req := m.lastDataRequest(t)
	assert.Equal(t, http.MethodGet, req.Method)
	// Braces are stripped from the key
	assert.True(t, strings.HasSuffix(req.Path, "/accounts(11111111-1111-1111-1111-111111111111)"), "path was %s", req.Path)
	assert.Contains(t, req.RawQuery, "%24select=name%2Crevenue")
	assert.Equal(t, "4.0", req.Headers.Get("OData-Version"))
	assert.Equal(t, "Bearer test-token", req.Headers.Get("Authorization"))
}

func TestRetrieveMultipleSpaceEncoding(t *testing.T) {
	m := newMockDataverse(t)
	m.handler = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"value": []interface{}{}})
	}
	b := newTestBridge(t, m, nil)

	text, isError := callToolRPC(t, b, "retrieve_multiple", map[string]interface{}{
		"entityName": "account",
		"filter":     "name eq 'Contoso Ltd'",
		"orderby":    "name asc",
		"top":        5,
		"count":      true,
	})
	require.False(t, isError, "tool failed: %s", text)

	req := m.lastDataRequest(t)
	// Spaces must encode as %20, never +
	assert.NotContains(t, req.RawQuery, "+")
	assert.Contains(t, req.RawQuery, "name%20eq%20'Contoso%20Ltd'")
	assert.Contains(t, req.RawQuery, "%24top=5")
	assert.Contains(t, req.RawQuery, "%24count=true")
}

func TestUpdateRecordHeaders(t *testing.T) {
	m := newMockDataverse(t)
	m.handler = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"accountid": "11111111-1111-1111-1111-111111111111",
			"name":      "Renamed",
		})
	}
	b := newTestBridge(t, m, func(cfg *config.Config) {
		cfg.SolutionUniqueName = "my_solution"
	})

	text, isError := callToolRPC(t, b, "update_record", map[string]interface{}{
		"entityName": "account",
		"entityId":   "11111111-1111-1111-1111-111111111111",
		"data":       map[string]interface{}{"name": "Renamed"},
	})
	require.False(t, isError, "tool failed: %s", text)

	req := m.lastDataRequest(t)
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, "*", req.Headers.Get("If-Match"))
	assert.Equal(t, "return=representation", req.Headers.Get("Prefer"))
	assert.Equal(t, "my_solution", req.Headers.Get("MSCRM.SolutionUniqueName"))
	assert.Equal(t, "Renamed", req.Body["name"])
}

func TestAssociateRecordsWireFormat(t *testing.T) {
	m := newMockDataverse(t)
	m.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
	b := newTestBridge(t, m, nil)

	text, isError := callToolRPC(t, b, "associate_records", map[string]interface{}{
		"entityName":        "account",
		"entityId":          "11111111-1111-1111-1111-111111111111",
		"relationshipName":  "account_contacts",
		"relatedEntityName": "contact",
		"relatedEntityId":   "22222222-2222-2222-2222-222222222222",
	})
	require.False(t, isError, "tool failed: %s", text)

	req := m.lastDataRequest(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.True(t, strings.HasSuffix(req.Path,
		"/accounts(11111111-1111-1111-1111-111111111111)/account_contacts/$ref"), "path was %s", req.Path)

	odataID, _ := req.Body["@odata.id"].(string)
	assert.True(t, strings.HasPrefix(odataID, m.server.URL), "@odata.id must be absolute, got %s", odataID)
	assert.True(t, strings.HasSuffix(odataID,
		"/api/data/v9.2/contacts(22222222-2222-2222-2222-222222222222)"), "@odata.id was %s", odataID)
}

func TestDisassociateForms(t *testing.T) {
	m := newMockDataverse(t)
	m.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
	b := newTestBridge(t, m, nil)

	// Collection-valued: related id inline
	text, isError := callToolRPC(t, b, "disassociate_records", map[string]interface{}{
		"entityName":       "account",
		"entityId":         "11111111-1111-1111-1111-111111111111",
		"relationshipName": "account_contacts",
		"relatedEntityId":  "22222222-2222-2222-2222-222222222222",
	})
	require.False(t, isError, "tool failed: %s", text)

	req := m.lastDataRequest(t)
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.True(t, strings.HasSuffix(req.Path,
		"/account_contacts(22222222-2222-2222-2222-222222222222)/$ref"), "path was %s", req.Path)

	// Single-valued: no related id, no $id
	text, isError = callToolRPC(t, b, "disassociate_records", map[string]interface{}{
		"entityName":       "account",
		"entityId":         "11111111-1111-1111-1111-111111111111",
		"relationshipName": "primarycontactid",
	})
	require.False(t, isError, "tool failed: %s", text)

	req = m.lastDataRequest(t)
	assert.True(t, strings.HasSuffix(req.Path, "/primarycontactid/$ref"), "path was %s", req.Path)
	assert.Empty(t, req.RawQuery)
}

func TestCallFunctionLiteralPath(t *testing.T) {
	m := newMockDataverse(t)
	m.handler = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"Count": 42})
	}
	b := newTestBridge(t, m, nil)

	text, isError := callToolRPC(t, b, "call_function", map[string]interface{}{
		"name":       "RetrieveTotalRecordCount",
		"parameters": map[string]interface{}{"EntityNames": []interface{}{"account"}},
	})
	require.False(t, isError, "tool failed: %s", text)
	assert.Contains(t, text, "42")

	req := m.lastDataRequest(t)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Contains(t, req.Path, "RetrieveTotalRecordCount(")
}

func TestCallActionBoundAndUnbound(t *testing.T) {
	m := newMockDataverse(t)
	m.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
	b := newTestBridge(t, m, nil)

	text, isError := callToolRPC(t, b, "call_action", map[string]interface{}{
		"name":       "WinOpportunity",
		"parameters": map[string]interface{}{"Status": float64(3)},
	})
	require.False(t, isError, "tool failed: %s", text)

	req := m.lastDataRequest(t)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.True(t, strings.HasSuffix(req.Path, "/WinOpportunity"), "path was %s", req.Path)

	text, isError = callToolRPC(t, b, "call_action", map[string]interface{}{
		"name":       "Merge",
		"entityName": "account",
		"entityId":   "11111111-1111-1111-1111-111111111111",
		"bound":      true,
		"parameters": map[string]interface{}{},
	})
	require.False(t, isError, "tool failed: %s", text)

	req = m.lastDataRequest(t)
	assert.Contains(t, req.Path, "accounts(11111111-1111-1111-1111-111111111111)/Microsoft.Dynamics.CRM.Merge")
}

func TestThrottledRequestRetries(t *testing.T) {
	attempts := 0
	m := newMockDataverse(t)
	m.handler = func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"value": []interface{}{}})
	}
	b := newTestBridge(t, m, nil)

	text, isError := callToolRPC(t, b, "retrieve_multiple", map[string]interface{}{
		"entityName": "account",
	})
	require.False(t, isError, "tool failed: %s", text)
	assert.Equal(t, 2, attempts)
}

func TestServerErrorSurfacesAsToolError(t *testing.T) {
	m := newMockDataverse(t)
	m.handler = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"0x80040203","message":"Invalid argument"}}`, http.StatusBadRequest)
	}
	b := newTestBridge(t, m, nil)

	text, isError := callToolRPC(t, b, "retrieve_record", map[string]interface{}{
		"entityName": "account",
		"entityId":   "11111111-1111-1111-1111-111111111111",
	})
	assert.True(t, isError)
	assert.Contains(t, text, "Invalid argument")
}

func TestUnknownEntityFallsBackToPluralization(t *testing.T) {
	m := newMockDataverse(t)
	m.handler = func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"value": []interface{}{}})
	}
	b := newTestBridge(t, m, nil)

	// No metadata exists for this entity; the resolver synthesizes it
	text, isError := callToolRPC(t, b, "retrieve_multiple", map[string]interface{}{
		"entityName": "new_widget",
	})
	require.False(t, isError, "tool failed: %s", text)

	req := m.lastDataRequest(t)
	assert.True(t, strings.HasSuffix(req.Path, "/new_widgets"), "path was %s", req.Path)
}
