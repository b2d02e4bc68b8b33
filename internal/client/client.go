package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mwhesse/dataverse-mcp-sub000/internal/auth"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/constants"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/debug"
	"github.com/mwhesse/dataverse-mcp-sub000/internal/models"
)

// DataverseClient handles HTTP communication with a Dataverse environment.
type DataverseClient struct {
	environmentURL string // https://org.crm.dynamics.com, no trailing slash
	apiVersion     string // v9.2
	httpClient     *http.Client
	tokenProvider  auth.TokenProvider
	verbose        bool
	retryConfig    *RetryConfig

	mu           sync.RWMutex // guards solutionName
	solutionName string
}

// encodeQueryParams encodes URL query parameters with proper space encoding.
// The Web API expects spaces as %20, not + (RFC 3986).
func encodeQueryParams(params url.Values) string {
	encoded := params.Encode()
	return strings.ReplaceAll(encoded, "+", "%20")
}

// NewDataverseClient creates a client for the given environment URL.
func NewDataverseClient(environmentURL, apiVersion string, provider auth.TokenProvider, verbose bool) *DataverseClient {
	if apiVersion == "" {
		apiVersion = constants.DefaultAPIVersion
	}

	return &DataverseClient{
		environmentURL: strings.TrimSuffix(environmentURL, "/"),
		apiVersion:     apiVersion,
		httpClient: &http.Client{
			Timeout: time.Duration(constants.DefaultTimeout) * time.Second,
		},
		tokenProvider: provider,
		verbose:       verbose,
		retryConfig:   DefaultRetryConfig(),
	}
}

// SetRetryConfig configures retry behavior for failed requests
func (c *DataverseClient) SetRetryConfig(cfg *RetryConfig) {
	if cfg != nil {
		c.retryConfig = cfg
	}
}

// SetHTTPClient replaces the underlying HTTP client. Used by tests.
func (c *DataverseClient) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.httpClient = hc
	}
}

// EnvironmentURL returns the environment base URL without a trailing slash.
func (c *DataverseClient) EnvironmentURL() string {
	return c.environmentURL
}

// APIVersion returns the Web API version in use.
func (c *DataverseClient) APIVersion() string {
	return c.apiVersion
}

// APIBase returns the absolute Web API root, e.g.
// https://org.crm.dynamics.com/api/data/v9.2.
func (c *DataverseClient) APIBase() string {
	return c.environmentURL + constants.APIBasePath(c.apiVersion)
}

// SetSolutionContext makes subsequent customization requests carry the
// MSCRM.SolutionUniqueName header so changes land in the named solution.
func (c *DataverseClient) SetSolutionContext(solutionUniqueName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.solutionName = solutionUniqueName
}

// GetSolutionContext returns the active solution unique name, if any.
func (c *DataverseClient) GetSolutionContext() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.solutionName
}

// ClearSolutionContext removes the active solution context.
func (c *DataverseClient) ClearSolutionContext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.solutionName = ""
}

// buildRequest creates an HTTP request with standard Dataverse headers and
// bearer authentication. The endpoint is relative to the Web API root.
func (c *DataverseClient) buildRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	fullURL := c.APIBase() + "/" + strings.TrimPrefix(endpoint, "/")

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set(constants.UserAgent, constants.DefaultUserAgent)
	req.Header.Set(constants.Accept, constants.ContentTypeJSON)
	req.Header.Set(constants.ODataVersion, constants.ODataVersionValue)
	req.Header.Set(constants.ODataMaxVersion, constants.ODataVersionValue)
	if body != nil {
		req.Header.Set(constants.ContentType, constants.ContentTypeJSON)
	}

	if c.tokenProvider != nil {
		token, err := c.tokenProvider.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire access token: %w", err)
		}
		if token != "" {
			req.Header.Set(constants.Authorization, "Bearer "+token)
			if c.verbose {
				fmt.Fprintf(os.Stderr, "[VERBOSE] Using bearer token: %s\n", debug.MaskToken(token))
			}
		}
	}

	// Modifying requests carry the solution context so customizations land
	// in the configured unmanaged solution
	if method != constants.GET {
		if solution := c.GetSolutionContext(); solution != "" {
			req.Header.Set(constants.SolutionHeader, solution)
		}
	}

	return req, nil
}

// doRequest executes an HTTP request with retry handling.
func (c *DataverseClient) doRequest(req *http.Request) (*http.Response, error) {
	var bodyBytes []byte
	if req.Body != nil && req.ContentLength > 0 {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	return c.doRequestWithRetry(req, bodyBytes)
}

// doRequestWithRetry executes an HTTP request with exponential backoff,
// honoring Retry-After when the service throttles.
func (c *DataverseClient) doRequestWithRetry(req *http.Request, bodyBytes []byte) (*http.Response, error) {
	var lastErr error
	var lastResp *http.Response
	var lastBody []byte
	var serverDelay time.Duration

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.retryConfig.CalculateBackoff(attempt - 1)
			// A throttled response's Retry-After wins over our own backoff
			if serverDelay > backoff {
				backoff = serverDelay
			}
			if c.verbose {
				fmt.Fprintf(os.Stderr, "[VERBOSE] Retry attempt %d/%d after %v\n",
					attempt, c.retryConfig.MaxRetries, backoff)
			}
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(backoff):
			}
		}
		serverDelay = 0

		if len(bodyBytes) > 0 {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		if c.verbose && attempt == 0 {
			fmt.Fprintf(os.Stderr, "[VERBOSE] %s %s\n", req.Method, debug.MaskURL(req.URL.String()))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", constants.ErrRequestFailed, err)
			if c.verbose {
				fmt.Fprintf(os.Stderr, "[VERBOSE] Request failed: %v\n", err)
			}
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", readErr)
			continue
		}

		lastResp = resp
		lastBody = respBody

		if c.retryConfig.ShouldRetry(resp.StatusCode, attempt) {
			if resp.StatusCode == http.StatusTooManyRequests {
				serverDelay = RetryAfterDelay(resp)
			}
			if c.verbose {
				fmt.Fprintf(os.Stderr, "[VERBOSE] Received status %d, will retry\n", resp.StatusCode)
			}
			continue
		}

		resp.Body = io.NopCloser(bytes.NewReader(respBody))
		return resp, nil
	}

	if lastResp != nil {
		lastResp.Body = io.NopCloser(bytes.NewReader(lastBody))
		return lastResp, nil
	}
	return nil, fmt.Errorf("all %d retries failed: %w", c.retryConfig.MaxRetries, lastErr)
}

// parseResponse decodes a response body into a generic map, surfacing OData
// error payloads as Go errors.
func (c *DataverseClient) parseResponse(resp *http.Response) (map[string]interface{}, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	// 204 No Content from delete, update, associate
	if len(body) == 0 {
		return map[string]interface{}{}, nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%s: %w", constants.ErrResponseParseFailed, err)
	}

	return result, nil
}

// parseErrorResponse extracts the Web API error message from a failure body.
func parseErrorResponse(statusCode int, body []byte) error {
	var envelope struct {
		Error *models.ODataError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		msg := envelope.Error.Message
		if envelope.Error.Code != "" {
			msg = fmt.Sprintf("%s (code %s)", msg, envelope.Error.Code)
		}
		return fmt.Errorf("dataverse error %d: %s", statusCode, msg)
	}

	text := strings.TrimSpace(string(body))
	if len(text) > 500 {
		text = text[:500] + "..."
	}
	if text == "" {
		return fmt.Errorf("dataverse error %d", statusCode)
	}
	return fmt.Errorf("dataverse error %d: %s", statusCode, text)
}

// Get performs a GET against a data endpoint relative to the Web API root.
func (c *DataverseClient) Get(ctx context.Context, endpoint string, query url.Values) (map[string]interface{}, error) {
	if len(query) > 0 {
		endpoint += "?" + encodeQueryParams(query)
	}

	req, err := c.buildRequest(ctx, constants.GET, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	return c.parseResponse(resp)
}

// Post creates a record or invokes an action. Returns the representation when
// the service sends one, an empty map otherwise.
func (c *DataverseClient) Post(ctx context.Context, endpoint string, payload interface{}) (map[string]interface{}, error) {
	return c.send(ctx, constants.POST, endpoint, payload, true)
}

// Patch updates a record.
func (c *DataverseClient) Patch(ctx context.Context, endpoint string, payload interface{}) (map[string]interface{}, error) {
	return c.send(ctx, constants.PATCH, endpoint, payload, true)
}

// Delete removes a record or a relationship reference.
func (c *DataverseClient) Delete(ctx context.Context, endpoint string) error {
	_, err := c.send(ctx, constants.DELETE, endpoint, nil, false)
	return err
}

func (c *DataverseClient) send(ctx context.Context, method, endpoint string, payload interface{}, preferRepresentation bool) (map[string]interface{}, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.buildRequest(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if preferRepresentation && (method == constants.POST || method == constants.PATCH) {
		req.Header.Set(constants.Prefer, constants.PreferRepresentation)
	}

	resp, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	result, err := c.parseResponse(resp)
	if err != nil {
		return nil, err
	}

	// Creates without a representation still expose the new record id in
	// OData-EntityId
	if entityID := resp.Header.Get("OData-EntityId"); entityID != "" {
		if _, exists := result["@odata.id"]; !exists {
			result["@odata.id"] = entityID
		}
	}

	return result, nil
}

// Execute runs an arbitrary resolved request: method, endpoint relative to
// the Web API root, query options, extra headers, and an optional JSON body.
// Returns an empty map for bodyless responses.
func (c *DataverseClient) Execute(ctx context.Context, method, endpoint string, query url.Values, headers map[string]string, payload interface{}) (map[string]interface{}, error) {
	if len(query) > 0 {
		endpoint += "?" + encodeQueryParams(query)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := c.buildRequest(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	result, err := c.parseResponse(resp)
	if err != nil {
		return nil, err
	}

	if entityID := resp.Header.Get("OData-EntityId"); entityID != "" {
		if _, exists := result["@odata.id"]; !exists {
			result["@odata.id"] = entityID
		}
	}

	return result, nil
}

// GetMetadata performs a GET against a schema endpoint such as
// EntityDefinitions(LogicalName='account').
func (c *DataverseClient) GetMetadata(ctx context.Context, endpoint string, query url.Values) (map[string]interface{}, error) {
	if len(query) > 0 {
		endpoint += "?" + encodeQueryParams(query)
	}

	req, err := c.buildRequest(ctx, constants.GET, endpoint, nil)
	if err != nil {
		return nil, err
	}
	// Metadata reads want strong consistency so freshly published
	// customizations are visible
	req.Header.Set("Consistency", "Strong")

	resp, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	return c.parseResponse(resp)
}

// PostMetadata creates a schema object (table, column, relationship).
func (c *DataverseClient) PostMetadata(ctx context.Context, endpoint string, payload interface{}) (map[string]interface{}, error) {
	return c.send(ctx, constants.POST, endpoint, payload, false)
}

// PatchMetadata updates a schema object in place.
func (c *DataverseClient) PatchMetadata(ctx context.Context, endpoint string, payload interface{}) (map[string]interface{}, error) {
	return c.send(ctx, constants.PATCH, endpoint, payload, false)
}

// PutMetadata replaces a schema object. The Web API requires PUT for some
// metadata updates (e.g. option set labels).
func (c *DataverseClient) PutMetadata(ctx context.Context, endpoint string, payload interface{}) (map[string]interface{}, error) {
	return c.send(ctx, constants.PUT, endpoint, payload, false)
}

// DeleteMetadata removes a schema object.
func (c *DataverseClient) DeleteMetadata(ctx context.Context, endpoint string) error {
	_, err := c.send(ctx, constants.DELETE, endpoint, nil, false)
	return err
}

// CallAction invokes a bound or unbound action by endpoint path.
func (c *DataverseClient) CallAction(ctx context.Context, endpoint string, payload interface{}) (map[string]interface{}, error) {
	if payload == nil {
		// Actions without parameters still need an empty JSON object body
		payload = map[string]interface{}{}
	}
	return c.send(ctx, constants.POST, endpoint, payload, false)
}

// WhoAmI calls the WhoAmI function to verify connectivity and identity.
func (c *DataverseClient) WhoAmI(ctx context.Context) (*models.WhoAmIResponse, error) {
	result, err := c.Get(ctx, "WhoAmI", nil)
	if err != nil {
		return nil, err
	}

	who := &models.WhoAmIResponse{}
	if v, ok := result["UserId"].(string); ok {
		who.UserID = v
	}
	if v, ok := result["BusinessUnitId"].(string); ok {
		who.BusinessUnitID = v
	}
	if v, ok := result["OrganizationId"].(string); ok {
		who.OrganizationID = v
	}

	return who, nil
}

// GetCustomizationPrefix looks up the publisher customization prefix of the
// active solution context. Returns an error when no solution context is set.
func (c *DataverseClient) GetCustomizationPrefix(ctx context.Context) (string, error) {
	solution := c.GetSolutionContext()
	if solution == "" {
		return "", fmt.Errorf("no solution context set")
	}

	query := url.Values{}
	query.Set(constants.QueryFilter, fmt.Sprintf("uniquename eq '%s'", strings.ReplaceAll(solution, "'", "''")))
	query.Set(constants.QuerySelect, "solutionid,uniquename")
	query.Set(constants.QueryExpand, "publisherid($select=customizationprefix)")

	result, err := c.Get(ctx, "solutions", query)
	if err != nil {
		return "", fmt.Errorf("failed to look up solution %q: %w", solution, err)
	}

	values, ok := result["value"].([]interface{})
	if !ok || len(values) == 0 {
		return "", fmt.Errorf("solution %q not found", solution)
	}

	row, ok := values[0].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("unexpected solution response shape")
	}
	publisher, ok := row["publisherid"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("solution %q has no publisher", solution)
	}
	prefix, ok := publisher["customizationprefix"].(string)
	if !ok || prefix == "" {
		return "", fmt.Errorf("publisher of solution %q has no customization prefix", solution)
	}

	return prefix, nil
}
