package request

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/metadata"
)

const apiBase = "https://org.crm.dynamics.com/api/data/v9.2"

// fakeMetadataClient returns canned metadata for account/contact and errors
// for everything else. It counts calls so tests can assert that validation
// happens before any network activity.
type fakeMetadataClient struct {
	calls int
}

func (f *fakeMetadataClient) GetMetadata(ctx context.Context, endpoint string, query url.Values) (map[string]interface{}, error) {
	f.calls++

	switch endpoint {
	case "EntityDefinitions(LogicalName='account')":
		return map[string]interface{}{
			"LogicalName":          "account",
			"EntitySetName":        "accounts",
			"PrimaryIdAttribute":   "accountid",
			"PrimaryNameAttribute": "name",
		}, nil
	case "EntityDefinitions(LogicalName='contact')":
		return map[string]interface{}{
			"LogicalName":          "contact",
			"EntitySetName":        "contacts",
			"PrimaryIdAttribute":   "contactid",
			"PrimaryNameAttribute": "fullname",
		}, nil
	case "EntityDefinitions(LogicalName='account')/Attributes":
		return map[string]interface{}{
			"value": []interface{}{
				map[string]interface{}{
					"LogicalName":   "accountid",
					"AttributeType": "Uniqueidentifier",
					"IsPrimaryId":   true,
				},
				map[string]interface{}{
					"LogicalName":      "name",
					"AttributeType":    "String",
					"IsValidForCreate": true,
					"IsValidForUpdate": true,
					"IsPrimaryName":    true,
					"RequiredLevel":    map[string]interface{}{"Value": "ApplicationRequired"},
				},
				map[string]interface{}{
					"LogicalName":      "primarycontactid",
					"AttributeType":    "Lookup",
					"IsValidForCreate": true,
					"IsValidForUpdate": true,
					"Targets":          []interface{}{"contact"},
				},
			},
		}, nil
	case "EntityDefinitions(LogicalName='account')/ManyToOneRelationships":
		return map[string]interface{}{
			"value": []interface{}{
				map[string]interface{}{
					"ReferencingAttribute":                    "primarycontactid",
					"ReferencingEntityNavigationPropertyName": "primarycontactid",
				},
			},
		}, nil
	}

	return nil, fmt.Errorf("dataverse error 404: not found")
}

func newTestBuilder() (*Builder, *fakeMetadataClient) {
	client := &fakeMetadataClient{}
	resolver := metadata.NewResolver(client, false)
	return NewBuilder(resolver, apiBase), client
}

func TestBuildRetrieveMissingIDFailsBeforeNetwork(t *testing.T) {
	builder, client := newTestBuilder()

	_, err := builder.Build(context.Background(), Params{
		Operation:  "retrieve",
		EntityName: "account",
	})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if client.calls != 0 {
		t.Errorf("metadata calls before validation failure = %d, want 0", client.calls)
	}
}

func TestBuildValidation(t *testing.T) {
	builder, _ := newTestBuilder()

	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"retrieve ok", Params{Operation: "retrieve", EntityName: "account", EntityID: "A"}, false},
		{"update missing id", Params{Operation: "update", EntityName: "account"}, true},
		{"delete missing id", Params{Operation: "delete", EntityName: "account"}, true},
		{"create missing entity", Params{Operation: "create"}, true},
		{"associate missing relationship", Params{Operation: "associate", EntityName: "account", EntityID: "A", RelatedEntityName: "contact", RelatedEntityID: "C"}, true},
		{"action missing name", Params{Operation: "call_action"}, true},
		{"bound function missing entity", Params{Operation: "call_function", Name: "RetrievePrincipalAccess", Bound: true}, true},
		{"unknown operation", Params{Operation: "upsert", EntityName: "account"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := builder.Build(context.Background(), tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("Build() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBuildRetrieveDefaultSelect(t *testing.T) {
	builder, _ := newTestBuilder()

	spec, err := builder.Build(context.Background(), Params{
		Operation:  "retrieve",
		EntityName: "account",
		EntityID:   "11111111-1111-1111-1111-111111111111",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if spec.Method != "GET" {
		t.Errorf("Method = %s", spec.Method)
	}
	if spec.Path != "accounts(11111111-1111-1111-1111-111111111111)" {
		t.Errorf("Path = %s", spec.Path)
	}
	if got := spec.Query.Get("$select"); got != "accountid,name" {
		t.Errorf("$select = %q, want %q", got, "accountid,name")
	}
}

func TestBuildRetrieveMultipleQueryOptions(t *testing.T) {
	builder, _ := newTestBuilder()

	spec, err := builder.Build(context.Background(), Params{
		Operation:  "retrieve_multiple",
		EntityName: "account",
		Query: QueryOptions{
			Select:  []string{"name", "revenue"},
			Filter:  "revenue gt 100000",
			OrderBy: "name asc",
			Top:     10,
			Skip:    20,
			Count:   true,
		},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if spec.Path != "accounts" {
		t.Errorf("Path = %s", spec.Path)
	}
	want := map[string]string{
		"$select":  "name,revenue",
		"$filter":  "revenue gt 100000",
		"$orderby": "name asc",
		"$top":     "10",
		"$skip":    "20",
		"$count":   "true",
	}
	for key, w := range want {
		if got := spec.Query.Get(key); got != w {
			t.Errorf("%s = %q, want %q", key, got, w)
		}
	}

	full := spec.URL(apiBase)
	if strings.Contains(full, "+") {
		t.Errorf("URL %q encodes spaces as +", full)
	}
}

func TestBuildCreateSampleBody(t *testing.T) {
	builder, _ := newTestBuilder()

	spec, err := builder.Build(context.Background(), Params{
		Operation:  "create",
		EntityName: "account",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if spec.Method != "POST" || spec.Path != "accounts" {
		t.Errorf("request = %s %s", spec.Method, spec.Path)
	}
	if got := spec.Body["name"]; got != "Sample account" {
		t.Errorf(`body["name"] = %v, want "Sample account"`, got)
	}
	want := "/contacts(00000000-0000-0000-0000-000000000000)"
	if got := spec.Body["primarycontactid@odata.bind"]; got != want {
		t.Errorf(`body["primarycontactid@odata.bind"] = %v, want %q`, got, want)
	}
	if len(spec.Body) != 2 {
		t.Errorf("body has %d keys, want 2: %v", len(spec.Body), spec.Body)
	}
}

func TestBuildCreateExplicitDataNormalized(t *testing.T) {
	builder, _ := newTestBuilder()

	spec, err := builder.Build(context.Background(), Params{
		Operation:  "create",
		EntityName: "account",
		Data: map[string]interface{}{
			"name":             "Contoso",
			"primarycontactid": "contacts(22222222-2222-2222-2222-222222222222)",
		},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if spec.Body["name"] != "Contoso" {
		t.Errorf("name = %v", spec.Body["name"])
	}
	want := "/contacts(22222222-2222-2222-2222-222222222222)"
	if got := spec.Body["primarycontactid@odata.bind"]; got != want {
		t.Errorf("bind = %v, want %q", got, want)
	}
	if _, exists := spec.Body["primarycontactid"]; exists {
		t.Error("raw lookup key survived normalization")
	}
}

func TestBuildUpdateHeaders(t *testing.T) {
	builder, _ := newTestBuilder()

	spec, err := builder.Build(context.Background(), Params{
		Operation:  "update",
		EntityName: "account",
		EntityID:   "A",
		Data:       map[string]interface{}{"name": "Renamed"},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if spec.Method != "PATCH" || spec.Path != "accounts(A)" {
		t.Errorf("request = %s %s", spec.Method, spec.Path)
	}
	if spec.Headers["If-Match"] != "*" {
		t.Errorf("If-Match = %q", spec.Headers["If-Match"])
	}
}

func TestBuildAssociate(t *testing.T) {
	builder, _ := newTestBuilder()

	spec, err := builder.Build(context.Background(), Params{
		Operation:         "associate",
		EntityName:        "account",
		EntityID:          "A",
		RelationshipName:  "account_contacts",
		RelatedEntityName: "contact",
		RelatedEntityID:   "C",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if spec.Method != "POST" {
		t.Errorf("Method = %s", spec.Method)
	}
	if spec.Path != "accounts(A)/account_contacts/$ref" {
		t.Errorf("Path = %s", spec.Path)
	}
	want := apiBase + "/contacts(C)"
	if got := spec.Body["@odata.id"]; got != want {
		t.Errorf("@odata.id = %v, want %q", got, want)
	}
}

func TestBuildDisassociate(t *testing.T) {
	builder, _ := newTestBuilder()

	// Collection-valued: related id inline
	spec, err := builder.Build(context.Background(), Params{
		Operation:        "disassociate",
		EntityName:       "account",
		EntityID:         "A",
		RelationshipName: "account_contacts",
		RelatedEntityID:  "C",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if spec.Method != "DELETE" || spec.Path != "accounts(A)/account_contacts(C)/$ref" {
		t.Errorf("collection-valued request = %s %s", spec.Method, spec.Path)
	}

	// Single-valued: no related id
	spec, err = builder.Build(context.Background(), Params{
		Operation:        "disassociate",
		EntityName:       "account",
		EntityID:         "A",
		RelationshipName: "primarycontactid",
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if spec.Path != "accounts(A)/primarycontactid/$ref" {
		t.Errorf("single-valued path = %s", spec.Path)
	}
}

func TestBuildCallAction(t *testing.T) {
	builder, _ := newTestBuilder()

	spec, err := builder.Build(context.Background(), Params{
		Operation:  "call_action",
		Name:       "WinOpportunity",
		Parameters: map[string]interface{}{"Status": 3.0},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if spec.Method != "POST" || spec.Path != "WinOpportunity" {
		t.Errorf("request = %s %s", spec.Method, spec.Path)
	}
	if spec.Body["Status"] != 3.0 {
		t.Errorf("body = %v", spec.Body)
	}

	// Bound actions are entity-scoped and namespace-qualified
	spec, err = builder.Build(context.Background(), Params{
		Operation:  "call_action",
		Name:       "Merge",
		EntityName: "account",
		EntityID:   "A",
		Bound:      true,
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if spec.Path != "accounts(A)/Microsoft.Dynamics.CRM.Merge" {
		t.Errorf("bound path = %s", spec.Path)
	}
	if spec.Body == nil {
		t.Error("action body must be at least an empty object")
	}
}

func TestBuildCallFunction(t *testing.T) {
	builder, _ := newTestBuilder()

	spec, err := builder.Build(context.Background(), Params{
		Operation: "call_function",
		Name:      "GetTimeZoneCodeByLocalizedName",
		Parameters: map[string]interface{}{
			"LocalizedStandardName": "Pacific Standard Time",
			"LocaleId":              1033.0,
		},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if spec.Method != "GET" {
		t.Errorf("Method = %s", spec.Method)
	}
	want := "GetTimeZoneCodeByLocalizedName(LocaleId=1033,LocalizedStandardName='Pacific Standard Time')"
	if spec.Path != want {
		t.Errorf("Path = %s\n  want %s", spec.Path, want)
	}
}

func TestFormatODataLiteral(t *testing.T) {
	tests := []struct {
		value interface{}
		want  string
	}{
		{"text", "'text'"},
		{"o'brien", "'o''brien'"},
		{true, "true"},
		{nil, "null"},
		{42.0, "42"},
		{1.5, "1.5"},
		{7, "7"},
	}

	for _, tt := range tests {
		if got := formatODataLiteral(tt.value); got != tt.want {
			t.Errorf("formatODataLiteral(%v) = %q, want %q", tt.value, got, tt.want)
		}
	}
}

func TestKeyPathGUIDNormalization(t *testing.T) {
	if got := keyPath("accounts", "{11111111-1111-1111-1111-111111111111}"); got != "accounts(11111111-1111-1111-1111-111111111111)" {
		t.Errorf("keyPath = %s", got)
	}
	// Alternate keys pass through untouched
	if got := keyPath("accounts", "accountnumber='A-100'"); got != "accounts(accountnumber='A-100')" {
		t.Errorf("keyPath = %s", got)
	}
}
