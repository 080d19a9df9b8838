// Package errors defines the sentinel errors shared across the client.
package errors

import "errors"

// Session errors.
var (
	ErrNoSession      = errors.New("no active session")
	ErrNoRefreshToken = errors.New("no refresh token available")
	ErrEmptyGrant     = errors.New("token grant missing access token")
)

// Initialization/transport errors.
var (
	ErrDiscoveryFailed = errors.New("endpoint discovery failed")
	ErrAPIRequest      = errors.New("API request failed")
	ErrAPIResponse     = errors.New("unexpected API response")
)
