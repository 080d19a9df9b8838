package gqlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Request headers recognized by the backend.
const (
	headerAPIKey        = "x-api-key"
	headerSubscriberKey = "x-subscriber-key"
	headerAuthorization = "Authorization"
)

// Request is one GraphQL operation to execute. Headers carry the
// per-call auth material and are not serialized into the body.
type Request struct {
	Query     string
	Variables map[string]any
	Headers   map[string]string
}

// Transport performs a single GraphQL POST against url and returns the
// parsed envelope. Implementations must honor ctx cancellation and
// must not retry.
type Transport interface {
	Do(ctx context.Context, url string, req Request) (*Envelope, error)
}

// HTTPTransport is the production Transport over net/http.
type HTTPTransport struct {
	httpClient *http.Client
}

// NewHTTPTransport creates a transport with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewHTTPTransport(httpClient *http.Client) *HTTPTransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &HTTPTransport{httpClient: httpClient}
}

// graphqlBody is the wire shape of a GraphQL POST body.
type graphqlBody struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Do sends the operation and decodes the response envelope. A non-200
// response is a transport failure; GraphQL-level errors inside a 200
// body are returned in the envelope for the normalizer to handle.
func (t *HTTPTransport) Do(ctx context.Context, url string, req Request) (*Envelope, error) {
	payload, err := json.Marshal(graphqlBody{Query: req.Query, Variables: req.Variables})
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: sending request to %s: %w", ErrAPIRequest, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response from %s: %w", ErrAPIResponse, url, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d: %s", ErrAPIResponse, url, resp.StatusCode, string(body))
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding response from %s: %w", ErrAPIResponse, url, err)
	}

	return &env, nil
}
