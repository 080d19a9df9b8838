package gqlclient

import "github.com/alexjbarnes/gqlsession/internal/errors"

// Sentinel errors surfaced to callers. These mark programmer-error
// conditions (bad call sequencing, missing setup); business and data
// failures are always recovered into a Result instead.
var (
	ErrNoSession       = errors.ErrNoSession
	ErrNoRefreshToken  = errors.ErrNoRefreshToken
	ErrEmptyGrant      = errors.ErrEmptyGrant
	ErrDiscoveryFailed = errors.ErrDiscoveryFailed
	ErrAPIRequest      = errors.ErrAPIRequest
	ErrAPIResponse     = errors.ErrAPIResponse
)
