package gqlclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Urgency selects the expiry buffer used when deciding whether the
// access token is close enough to expiry to act on.
type Urgency int

const (
	// UrgencyCritical is the last-moment buffer checked immediately
	// before dispatching an authenticated call.
	UrgencyCritical Urgency = iota
	// UrgencyHigh is the buffer under which a refresh actually goes
	// to the network.
	UrgencyHigh
	// UrgencyNormal is the advisory buffer surfaced to callers as
	// "will expire soon".
	UrgencyNormal
)

// buffer returns the wall-clock buffer for the urgency level.
func (u Urgency) buffer() time.Duration {
	switch u {
	case UrgencyCritical:
		return 30 * time.Second
	case UrgencyHigh:
		return 2 * time.Minute
	default:
		return 5 * time.Minute
	}
}

// Default token lifetimes applied when the backend omits TTLs from a
// grant.
const (
	defaultAccessTTL  = 900 * time.Second    // 15 minutes
	defaultRefreshTTL = 604800 * time.Second // 7 days
)

// refreshFunc performs the refresh network call and returns the new
// grant. It is supplied by the Client so the session stays transport
// agnostic.
type refreshFunc func(ctx context.Context, refreshToken string) (*tokenGrant, error)

// Session owns the token quadruple for one authenticated session and
// is the only component that mutates it. All methods are safe for
// concurrent use.
//
// Concurrency model: field access is guarded by mu, and every mutation
// touching more than one field happens under a single lock hold, so a
// concurrent reader never observes partial state. Refresh is
// single-flight: concurrent callers share one in-flight network call
// and all observe its result.
type Session struct {
	logger *slog.Logger

	refresh   refreshFunc
	onInvalid func()

	group singleflight.Group

	// now is the clock; replaced in tests.
	now func() time.Time

	mu               sync.Mutex
	accessToken      string
	refreshToken     string
	accessExpiresAt  int64 // epoch millis, 0 = unset ("never expires")
	refreshExpiresAt int64 // epoch millis, 0 = unset
}

// newSession wires a Session to its refresh call. refresh may be nil
// only in tests that never call Refresh.
func newSession(logger *slog.Logger, refresh refreshFunc) *Session {
	return &Session{
		logger:  logger,
		refresh: refresh,
		now:     time.Now,
	}
}

// OnInvalid registers a callback invoked whenever the session is
// cleared. The host application typically uses it to prompt for a new
// login. Only one callback is held; later calls replace it.
func (s *Session) OnInvalid(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvalid = fn
}

// Valid reports whether the current access token is structurally valid
// and unexpired. False when no session exists.
func (s *Session) Valid() bool {
	s.mu.Lock()
	token := s.accessToken
	s.mu.Unlock()

	return inspectAccessToken(token, s.now())
}

// NearExpiry reports whether the access token is within the urgency
// buffer of its expiry. An unset expiry (0) means the token source did
// not report one; such tokens are treated as never expiring.
func (s *Session) NearExpiry(u Urgency) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.nearExpiryLocked(u)
}

func (s *Session) nearExpiryLocked(u Urgency) bool {
	if s.accessExpiresAt == 0 {
		return false
	}

	return s.now().UnixMilli() >= s.accessExpiresAt-u.buffer().Milliseconds()
}

// RefreshExpired reports whether the refresh token's own expiry has
// passed. False when the expiry was never set.
func (s *Session) RefreshExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refreshExpiresAt == 0 {
		return false
	}

	return s.now().UnixMilli() >= s.refreshExpiresAt
}

// HasRefreshToken reports whether a refresh token is present.
func (s *Session) HasRefreshToken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refreshToken != ""
}

// Refresh renews the access token. Concurrent callers while a refresh
// is in flight share the same pending operation and all receive its
// outcome; exactly one network call is made.
//
// The refresh is a no-op returning current state when the access token
// is not yet near expiry under the high buffer. It fails without
// network I/O when no refresh token exists. On any failure the whole
// session is cleared so callers converge to "logged out" rather than a
// half-dead session.
func (s *Session) Refresh(ctx context.Context) (TokenData, error) {
	// The inner call runs on a detached context: cancelling one
	// waiter must not abort a refresh other waiters are sharing.
	inner := context.WithoutCancel(ctx)

	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.doRefresh(inner)
	})
	if err != nil {
		return TokenData{}, err
	}

	return v.(TokenData), nil
}

func (s *Session) doRefresh(ctx context.Context) (TokenData, error) {
	s.mu.Lock()
	refreshToken := s.refreshToken
	nearExpiry := s.nearExpiryLocked(UrgencyHigh)
	s.mu.Unlock()

	if refreshToken == "" {
		return TokenData{}, ErrNoRefreshToken
	}

	if !nearExpiry {
		// Nothing to do yet; hand back current state without I/O.
		return s.TokenData(), nil
	}

	grant, err := s.refresh(ctx, refreshToken)
	if err != nil {
		s.Clear()
		return TokenData{}, fmt.Errorf("refreshing session: %w", err)
	}

	if grant == nil || grant.AccessToken == "" {
		s.Clear()
		return TokenData{}, fmt.Errorf("refreshing session: %w", ErrEmptyGrant)
	}

	s.install(grant)
	s.logger.Debug("session refreshed",
		slog.Int64("expiresIn", s.TokenData().ExpiresIn/1000),
	)

	return s.TokenData(), nil
}

// install atomically replaces all four token fields from a grant,
// keeping the old refresh token when the grant omits one.
func (s *Session) install(grant *tokenGrant) {
	accessTTL := defaultAccessTTL
	if grant.ExpiresIn > 0 {
		accessTTL = time.Duration(grant.ExpiresIn) * time.Second
	}
	refreshTTL := defaultRefreshTTL
	if grant.RefreshExpiresIn > 0 {
		refreshTTL = time.Duration(grant.RefreshExpiresIn) * time.Second
	}

	now := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.accessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		s.refreshToken = grant.RefreshToken
	}
	s.accessExpiresAt = now + accessTTL.Milliseconds()
	s.refreshExpiresAt = now + refreshTTL.Milliseconds()
}

// SetTokens bulk-assigns the provided token fields, then re-validates
// the access token. A structurally invalid access token clears the
// whole session: a bad token is never accepted silently, and the
// session is never left partially populated.
func (s *Session) SetTokens(cfg TokenConfig) {
	s.mu.Lock()
	if cfg.AccessToken != "" {
		s.accessToken = cfg.AccessToken
	}
	if cfg.RefreshToken != "" {
		s.refreshToken = cfg.RefreshToken
	}
	if cfg.ExpiresAt != 0 {
		s.accessExpiresAt = cfg.ExpiresAt
	}
	if cfg.RefreshExpiresAt != 0 {
		s.refreshExpiresAt = cfg.RefreshExpiresAt
	}
	accessToken := s.accessToken
	s.mu.Unlock()

	if accessToken != "" && !inspectAccessToken(accessToken, s.now()) {
		s.logger.Warn("rejecting structurally invalid access token")
		s.Clear()
	}
}

// Clear zeroes the entire session, forgets any in-flight refresh
// memoization, and notifies the invalidation observer.
func (s *Session) Clear() {
	s.mu.Lock()
	s.accessToken = ""
	s.refreshToken = ""
	s.accessExpiresAt = 0
	s.refreshExpiresAt = 0
	onInvalid := s.onInvalid
	s.mu.Unlock()

	// A later Refresh must start fresh rather than join a completed
	// flight's memoized result.
	s.group.Forget("refresh")

	if onInvalid != nil {
		onInvalid()
	}
}

// AccessToken returns the current raw access token, empty when no
// session exists.
func (s *Session) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accessToken
}

// TokenData returns a read-only snapshot of the session combined with
// derived expiry state.
func (s *Session) TokenData() TokenData {
	s.mu.Lock()
	data := TokenData{
		AccessToken:      s.accessToken,
		RefreshToken:     s.refreshToken,
		ExpiresAt:        s.accessExpiresAt,
		RefreshExpiresAt: s.refreshExpiresAt,
		IsExpired:        s.nearExpiryLocked(UrgencyHigh),
		WillExpireSoon:   s.nearExpiryLocked(UrgencyNormal),
	}
	s.mu.Unlock()

	data.IsValid = inspectAccessToken(data.AccessToken, s.now())
	if data.ExpiresAt != 0 {
		data.ExpiresIn = data.ExpiresAt - s.now().UnixMilli()
	}

	return data
}
