// Package gqlclient maintains an authenticated session against a
// remote GraphQL backend and normalizes its heterogeneous responses
// into one result shape.
//
// The client owns the token lifecycle (expiry-buffered renewal,
// single-flight refresh, invalidation) and wraps every outbound
// operation with auth-retry orchestration: pre-emptive refresh before
// dispatch, detection of authorization failures in the response, and
// at most one refresh-and-retry per call.
package gqlclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// defaultRefreshDocument is the refresh mutation sent when the caller
// does not supply one.
const defaultRefreshDocument = `mutation RefreshSession($refreshToken: String!) {
  response: refreshSession(refreshToken: $refreshToken) {
    status
    data
    errorCode
  }
}`

// Options configures a Client. Either GraphQLURL (static endpoint) or
// DiscoveryURL/Discover (one-time handshake) must be provided.
type Options struct {
	// GraphQLURL pins the endpoint, skipping discovery entirely.
	GraphQLURL string

	// DiscoveryURL is POSTed once to discover the GraphQL endpoint
	// and API key for this subscriber.
	DiscoveryURL string

	// APIKey authenticates public (pre-login) calls. Discovery may
	// override it.
	APIKey string

	// SubscriberKey is attached to every request.
	SubscriberKey string

	// HTTPClient is used by the default transport and the discovery
	// handshake. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Transport overrides the HTTP transport, mainly for tests.
	Transport Transport

	// Logger receives pre-sanitized messages only; token values are
	// never logged. Defaults to slog.Default().
	Logger *slog.Logger

	// RefreshDocument overrides the refresh mutation text.
	RefreshDocument string

	// Discover overrides the discovery handshake, mainly for tests.
	Discover func(ctx context.Context) (*Endpoints, error)
}

// Client is a session-managed GraphQL client. It is safe for
// concurrent use; all callers share one session and one discovery
// handshake.
type Client struct {
	transport  Transport
	httpClient *http.Client
	logger     *slog.Logger
	norm       *normalizer
	session    *Session

	apiKey        string
	subscriberKey string
	discoveryURL  string
	refreshDoc    string
	discover      func(ctx context.Context) (*Endpoints, error)

	// Init coordination: endpoints is nil until the handshake is
	// done; initGroup collapses concurrent first calls into one
	// attempt, and a failed attempt leaves endpoints nil so the next
	// call retries.
	initGroup singleflight.Group
	mu        sync.Mutex
	endpoints *Endpoints
}

// New creates a Client. It performs no I/O; the discovery handshake
// runs lazily on the first call.
func New(opts Options) (*Client, error) {
	if opts.GraphQLURL == "" && opts.DiscoveryURL == "" && opts.Discover == nil {
		return nil, fmt.Errorf("creating client: either GraphQLURL or DiscoveryURL is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	transport := opts.Transport
	if transport == nil {
		transport = NewHTTPTransport(httpClient)
	}

	refreshDoc := opts.RefreshDocument
	if refreshDoc == "" {
		refreshDoc = defaultRefreshDocument
	}

	c := &Client{
		transport:     transport,
		httpClient:    httpClient,
		logger:        logger,
		norm:          &normalizer{logger: logger},
		apiKey:        opts.APIKey,
		subscriberKey: opts.SubscriberKey,
		discoveryURL:  opts.DiscoveryURL,
		refreshDoc:    refreshDoc,
		discover:      opts.Discover,
	}
	if c.discover == nil {
		c.discover = c.discoverHTTP
	}
	if opts.GraphQLURL != "" {
		c.endpoints = &Endpoints{GraphQLURL: opts.GraphQLURL, APIKey: opts.APIKey}
	}

	c.session = newSession(logger, c.refreshGrant)

	return c, nil
}

// Endpoint returns the discovered GraphQL endpoint, or empty string
// while the discovery handshake has not completed. Callers may cache
// it and pass it back as Options.GraphQLURL to skip discovery.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.endpoints == nil {
		return ""
	}

	return c.endpoints.GraphQLURL
}

// Session exposes the token lifecycle owner, e.g. for expiry queries.
func (c *Client) Session() *Session {
	return c.session
}

// RestoreSession installs previously persisted token state, e.g. at
// process start. A structurally invalid access token clears the whole
// session rather than being accepted.
func (c *Client) RestoreSession(cfg TokenConfig) {
	c.session.SetTokens(cfg)
}

// SessionState returns a snapshot of the current token state for the
// caller to persist.
func (c *Client) SessionState() TokenData {
	return c.session.TokenData()
}

// OnSessionInvalid registers an observer called whenever the session
// is invalidated (logout, refresh failure, bad token).
func (c *Client) OnSessionInvalid(fn func()) {
	c.session.OnInvalid(fn)
}

// ensureInit runs the one-time discovery handshake. Concurrent first
// calls share a single attempt; a failed attempt resets so a later
// call can retry; once done the cached result is returned without
// locking in the common path beyond a brief mutex hold.
func (c *Client) ensureInit(ctx context.Context) (Endpoints, error) {
	c.mu.Lock()
	if c.endpoints != nil {
		ep := *c.endpoints
		c.mu.Unlock()

		return ep, nil
	}
	c.mu.Unlock()

	// Detached context: a cancelled first caller must not abort the
	// handshake other callers are waiting on.
	inner := context.WithoutCancel(ctx)

	v, err, _ := c.initGroup.Do("init", func() (any, error) {
		ep, err := c.discover(inner)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
		}
		if ep == nil || ep.GraphQLURL == "" {
			return nil, fmt.Errorf("%w: handshake returned no endpoint", ErrDiscoveryFailed)
		}

		if ep.APIKey == "" {
			ep.APIKey = c.apiKey
		}

		c.mu.Lock()
		c.endpoints = ep
		c.mu.Unlock()

		c.logger.Info("endpoint discovery complete")

		return *ep, nil
	})
	if err != nil {
		return Endpoints{}, err
	}

	return v.(Endpoints), nil
}

// discoverHTTP is the default discovery handshake: a POST to the
// configured discovery URL carrying the subscriber key.
func (c *Client) discoverHTTP(ctx context.Context) (*Endpoints, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating discovery request: %w", err)
	}
	req.Header.Set(headerSubscriberKey, c.subscriberKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending discovery request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery returned status %d", resp.StatusCode)
	}

	var ep Endpoints
	if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil {
		return nil, fmt.Errorf("decoding discovery response: %w", err)
	}

	return &ep, nil
}

// Execute runs one GraphQL operation through the full orchestration:
// init, pre-emptive refresh, dispatch, auth-failure detection, and at
// most one refresh-and-retry. Business and data failures come back as
// a Result; only transport failures and programmer errors return a Go
// error.
func (c *Client) Execute(ctx context.Context, query string, variables map[string]any) (Result, error) {
	return c.execute(ctx, query, variables, false)
}

// ExecutePublic runs one operation with the API key even when a
// session exists, for endpoints that reject bearer tokens.
func (c *Client) ExecutePublic(ctx context.Context, query string, variables map[string]any) (Result, error) {
	return c.execute(ctx, query, variables, true)
}

func (c *Client) execute(ctx context.Context, query string, variables map[string]any, public bool) (Result, error) {
	endpoints, err := c.ensureInit(ctx)
	if err != nil {
		return Result{}, err
	}

	// Pre-emptive refresh: a token about to die mid-flight is renewed
	// before dispatch when a usable refresh token exists.
	if !public &&
		c.session.AccessToken() != "" &&
		c.session.NearExpiry(UrgencyCritical) &&
		c.session.HasRefreshToken() &&
		!c.session.RefreshExpired() {
		if _, err := c.session.Refresh(ctx); err != nil {
			// Session is already cleared; the original call is not
			// attempted with a token known to be dying.
			c.logger.Warn("pre-emptive refresh failed, session invalidated")

			return failure(keyAuth, msgRefreshFailed, CodeUnauthorized), nil
		}
	}

	req := Request{Query: query, Variables: variables}
	req.Headers, err = c.headers(endpoints, public)
	if err != nil {
		return Result{}, err
	}

	env, err := c.transport.Do(ctx, endpoints.GraphQLURL, req)
	if err != nil {
		return Result{}, fmt.Errorf("executing operation: %w", err)
	}

	// Auth-retry: an authorization failure with a usable refresh
	// token gets one refresh and one retry. On refresh failure the
	// session is cleared and the original response flows through
	// normalization unchanged.
	if !public && hasAuthFailure(env.Errors) &&
		c.session.HasRefreshToken() && !c.session.RefreshExpired() {
		if _, refreshErr := c.session.Refresh(ctx); refreshErr != nil {
			c.logger.Warn("refresh after authorization failure failed, session invalidated")
		} else {
			req.Headers, err = c.headers(endpoints, public)
			if err != nil {
				return Result{}, err
			}

			env, err = c.transport.Do(ctx, endpoints.GraphQLURL, req)
			if err != nil {
				return Result{}, fmt.Errorf("retrying operation: %w", err)
			}
		}
	}

	return c.norm.Normalize(env), nil
}

// headers builds the per-call auth headers: bearer token when a
// session exists, API key otherwise (or always, for public calls).
func (c *Client) headers(endpoints Endpoints, public bool) (map[string]string, error) {
	headers := make(map[string]string, 2)
	if c.subscriberKey != "" {
		headers[headerSubscriberKey] = c.subscriberKey
	}

	token := c.session.AccessToken()
	if !public && token != "" {
		headers[headerAuthorization] = "Bearer " + token

		return headers, nil
	}

	apiKey := endpoints.APIKey
	if apiKey == "" {
		apiKey = c.apiKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("building request headers: %w", ErrNoSession)
	}
	headers[headerAPIKey] = apiKey

	return headers, nil
}

// Login executes a login operation as a public call and, on success,
// installs the returned token grant as the session.
func (c *Client) Login(ctx context.Context, query string, variables map[string]any) (Result, error) {
	res, err := c.execute(ctx, query, variables, true)
	if err != nil || !res.Success {
		return res, err
	}

	grant, err := grantFromData(res.Data)
	if err != nil {
		return failure(keyAuth, msgUnknownError, CodeUnauthorized), fmt.Errorf("reading login grant: %w", err)
	}

	c.session.install(grant)
	c.logger.Info("session established")

	return res, nil
}

// Logout clears the session. When a logout document is given it is
// sent first, best-effort: the backend failing to acknowledge does not
// keep the client logged in.
func (c *Client) Logout(ctx context.Context, query string) {
	if query != "" && c.session.AccessToken() != "" {
		if _, err := c.execute(ctx, query, nil, false); err != nil {
			c.logger.Warn("logout call failed, clearing session anyway",
				slog.String("error", err.Error()),
			)
		}
	}

	c.session.Clear()
}

// refreshGrant performs the refresh network call for the session: the
// refresh mutation goes out as a public call and its normalized
// payload is decoded into a grant. A business failure is an error here
// so the session treats it exactly like a network failure.
func (c *Client) refreshGrant(ctx context.Context, refreshToken string) (*tokenGrant, error) {
	endpoints, err := c.ensureInit(ctx)
	if err != nil {
		return nil, err
	}

	headers, err := c.headers(endpoints, true)
	if err != nil {
		return nil, err
	}

	env, err := c.transport.Do(ctx, endpoints.GraphQLURL, Request{
		Query:     c.refreshDoc,
		Variables: map[string]any{"refreshToken": refreshToken},
		Headers:   headers,
	})
	if err != nil {
		return nil, err
	}

	res := c.norm.Normalize(env)
	if !res.Success {
		return nil, fmt.Errorf("refresh rejected by backend: %v", firstError(res.Errors))
	}

	return grantFromData(res.Data)
}

// grantFromData decodes a token grant from a normalized payload.
func grantFromData(data any) (*tokenGrant, error) {
	obj, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("token payload is not an object")
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("re-encoding token payload: %w", err)
	}

	var grant tokenGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return nil, fmt.Errorf("decoding token payload: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, ErrEmptyGrant
	}

	return &grant, nil
}

// firstError renders one representative entry of an error map for
// wrapping into a Go error.
func firstError(errs map[string][]string) string {
	for key, messages := range errs {
		if len(messages) > 0 {
			return key + ": " + messages[0]
		}
	}

	return msgUnknownError
}

// Authorization-failure signatures scanned for in transport-level
// GraphQL errors after a call.
var authSignatures = []string{
	"UNAUTHORIZED",
	"INVALID_TOKEN",
	"NOT_AUTHORIZED_TO_ACCESS",
}

// hasAuthFailure reports whether any transport-level error carries an
// authorization-failure signature, either in its message or as the
// UNAUTHENTICATED extension code.
func hasAuthFailure(errs []GraphQLError) bool {
	for _, gqlErr := range errs {
		message := normalizeErrorMessage(gqlErr.Message)
		for _, sig := range authSignatures {
			if strings.Contains(message, sig) {
				return true
			}
		}

		if code, ok := gqlErr.Extensions["code"].(string); ok && code == "UNAUTHENTICATED" {
			return true
		}
	}

	return false
}
