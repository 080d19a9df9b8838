package gqlclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSession creates a Session with a fixed clock and the given
// refresh call.
func newTestSession(refresh refreshFunc) *Session {
	s := newSession(testLogger(), refresh)
	s.now = func() time.Time { return testNow }
	return s
}

// seedSession installs a valid token quadruple expiring at the given
// offsets from testNow without going through SetTokens validation.
func seedSession(t *testing.T, s *Session, accessIn, refreshIn time.Duration) {
	t.Helper()

	s.SetTokens(TokenConfig{
		AccessToken:      testToken(t, validClaims()),
		RefreshToken:     "refresh-token-1",
		ExpiresAt:        testNow.Add(accessIn).UnixMilli(),
		RefreshExpiresAt: testNow.Add(refreshIn).UnixMilli(),
	})
	require.NotEmpty(t, s.AccessToken(), "seed token must survive validation")
}

// --- expiry queries ---

func TestNearExpiry_UnsetExpiryNeverExpires(t *testing.T) {
	s := newTestSession(nil)
	s.SetTokens(TokenConfig{AccessToken: testToken(t, validClaims())})

	for _, u := range []Urgency{UrgencyCritical, UrgencyHigh, UrgencyNormal} {
		assert.False(t, s.NearExpiry(u), "unset expiry must never be near expiry")
	}
}

func TestNearExpiry_Monotonic(t *testing.T) {
	// If near expiry at a small buffer, it must be near expiry at
	// every larger buffer for the same instant.
	offsets := []time.Duration{
		10 * time.Second,
		time.Minute,
		3 * time.Minute,
		10 * time.Minute,
	}

	for _, offset := range offsets {
		s := newTestSession(nil)
		seedSession(t, s, offset, 24*time.Hour)

		critical := s.NearExpiry(UrgencyCritical)
		high := s.NearExpiry(UrgencyHigh)
		normal := s.NearExpiry(UrgencyNormal)

		if critical {
			assert.True(t, high, "critical implies high at offset %v", offset)
		}
		if high {
			assert.True(t, normal, "high implies normal at offset %v", offset)
		}
	}
}

func TestNearExpiry_Buffers(t *testing.T) {
	tests := []struct {
		offset   time.Duration
		critical bool
		high     bool
		normal   bool
	}{
		{10 * time.Second, true, true, true},
		{time.Minute, false, true, true},
		{3 * time.Minute, false, false, true},
		{10 * time.Minute, false, false, false},
	}

	for _, tt := range tests {
		s := newTestSession(nil)
		seedSession(t, s, tt.offset, 24*time.Hour)

		assert.Equal(t, tt.critical, s.NearExpiry(UrgencyCritical), "critical at %v", tt.offset)
		assert.Equal(t, tt.high, s.NearExpiry(UrgencyHigh), "high at %v", tt.offset)
		assert.Equal(t, tt.normal, s.NearExpiry(UrgencyNormal), "normal at %v", tt.offset)
	}
}

func TestRefreshExpired(t *testing.T) {
	s := newTestSession(nil)
	seedSession(t, s, time.Hour, -time.Second)
	assert.True(t, s.RefreshExpired())
}

func TestRefreshExpired_UnsetIsNotExpired(t *testing.T) {
	s := newTestSession(nil)
	s.SetTokens(TokenConfig{
		AccessToken:  testToken(t, validClaims()),
		RefreshToken: "refresh-token-1",
	})
	assert.False(t, s.RefreshExpired())
}

// --- SetTokens ---

func TestSetTokens_InvalidAccessTokenClearsEverything(t *testing.T) {
	s := newTestSession(nil)
	seedSession(t, s, time.Hour, 24*time.Hour)

	s.SetTokens(TokenConfig{AccessToken: "only.two-parts"})

	data := s.TokenData()
	assert.Empty(t, data.AccessToken)
	assert.Empty(t, data.RefreshToken)
	assert.Zero(t, data.ExpiresAt)
	assert.Zero(t, data.RefreshExpiresAt)
}

func TestSetTokens_ExpiredAccessTokenClearsEverything(t *testing.T) {
	claims := validClaims()
	claims["exp"] = testNow.Add(-time.Minute).Unix()

	s := newTestSession(nil)
	s.SetTokens(TokenConfig{
		AccessToken:  testToken(t, claims),
		RefreshToken: "refresh-token-1",
	})

	assert.Empty(t, s.AccessToken())
	assert.False(t, s.HasRefreshToken())
}

func TestSetTokens_PartialUpdateKeepsUnsetFields(t *testing.T) {
	s := newTestSession(nil)
	seedSession(t, s, time.Hour, 24*time.Hour)

	// Only bump the access expiry; everything else stays.
	s.SetTokens(TokenConfig{ExpiresAt: testNow.Add(2 * time.Hour).UnixMilli()})

	data := s.TokenData()
	assert.NotEmpty(t, data.AccessToken)
	assert.Equal(t, "refresh-token-1", data.RefreshToken)
	assert.Equal(t, testNow.Add(2*time.Hour).UnixMilli(), data.ExpiresAt)
}

func TestSetTokens_InvalidTokenFiresInvalidationHook(t *testing.T) {
	s := newTestSession(nil)

	var fired atomic.Int32
	s.OnInvalid(func() { fired.Add(1) })

	s.SetTokens(TokenConfig{AccessToken: "garbage"})
	assert.Equal(t, int32(1), fired.Load())
}

// --- TokenData ---

func TestTokenData_Snapshot(t *testing.T) {
	s := newTestSession(nil)
	seedSession(t, s, time.Minute, 24*time.Hour)

	data := s.TokenData()
	assert.True(t, data.IsValid)
	assert.True(t, data.IsExpired, "one minute left is expired under the high buffer")
	assert.True(t, data.WillExpireSoon)
	assert.Equal(t, time.Minute.Milliseconds(), data.ExpiresIn)
}

func TestTokenData_EmptySession(t *testing.T) {
	s := newTestSession(nil)

	data := s.TokenData()
	assert.False(t, data.IsValid)
	assert.False(t, data.IsExpired)
	assert.Zero(t, data.ExpiresIn)
}

// --- Refresh ---

func TestRefresh_NoRefreshTokenFailsWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	s := newTestSession(func(ctx context.Context, refreshToken string) (*tokenGrant, error) {
		calls.Add(1)
		return nil, nil
	})

	_, err := s.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Zero(t, calls.Load())
}

func TestRefresh_NoopWhenNotNearExpiry(t *testing.T) {
	var calls atomic.Int32
	s := newTestSession(func(ctx context.Context, refreshToken string) (*tokenGrant, error) {
		calls.Add(1)
		return nil, nil
	})
	seedSession(t, s, time.Hour, 24*time.Hour)

	data, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Zero(t, calls.Load(), "refresh must not hit the network when the token is fresh")
	assert.Equal(t, s.TokenData().AccessToken, data.AccessToken)
}

func TestRefresh_InstallsNewGrant(t *testing.T) {
	newAccess := "new-access-token"
	s := newTestSession(func(ctx context.Context, refreshToken string) (*tokenGrant, error) {
		assert.Equal(t, "refresh-token-1", refreshToken)
		return &tokenGrant{
			AccessToken:      newAccess,
			RefreshToken:     "refresh-token-2",
			ExpiresIn:        600,
			RefreshExpiresIn: 7200,
		}, nil
	})
	seedSession(t, s, time.Minute, 24*time.Hour)

	data, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, newAccess, data.AccessToken)
	assert.Equal(t, "refresh-token-2", data.RefreshToken)
	assert.Equal(t, testNow.Add(600*time.Second).UnixMilli(), data.ExpiresAt)
	assert.Equal(t, testNow.Add(7200*time.Second).UnixMilli(), data.RefreshExpiresAt)
}

func TestRefresh_DefaultsTTLsWhenGrantOmitsThem(t *testing.T) {
	s := newTestSession(func(ctx context.Context, refreshToken string) (*tokenGrant, error) {
		return &tokenGrant{AccessToken: "new-access-token"}, nil
	})
	seedSession(t, s, time.Minute, 24*time.Hour)

	data, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(defaultAccessTTL).UnixMilli(), data.ExpiresAt)
	assert.Equal(t, testNow.Add(defaultRefreshTTL).UnixMilli(), data.RefreshExpiresAt)
	// Grant without a rotated refresh token keeps the old one.
	assert.Equal(t, "refresh-token-1", data.RefreshToken)
}

func TestRefresh_FailureClearsSession(t *testing.T) {
	s := newTestSession(func(ctx context.Context, refreshToken string) (*tokenGrant, error) {
		return nil, errors.New("backend said no")
	})
	seedSession(t, s, time.Minute, 24*time.Hour)

	var invalidated atomic.Int32
	s.OnInvalid(func() { invalidated.Add(1) })

	_, err := s.Refresh(context.Background())
	require.Error(t, err)

	data := s.TokenData()
	assert.Empty(t, data.AccessToken)
	assert.Empty(t, data.RefreshToken)
	assert.Zero(t, data.ExpiresAt)
	assert.Equal(t, int32(1), invalidated.Load())
}

func TestRefresh_EmptyGrantClearsSession(t *testing.T) {
	s := newTestSession(func(ctx context.Context, refreshToken string) (*tokenGrant, error) {
		return &tokenGrant{}, nil
	})
	seedSession(t, s, time.Minute, 24*time.Hour)

	_, err := s.Refresh(context.Background())
	require.ErrorIs(t, err, ErrEmptyGrant)
	assert.Empty(t, s.AccessToken())
}

func TestRefresh_RetryAfterFailureStartsFresh(t *testing.T) {
	var calls atomic.Int32
	s := newTestSession(func(ctx context.Context, refreshToken string) (*tokenGrant, error) {
		calls.Add(1)
		return nil, errors.New("transient")
	})
	seedSession(t, s, time.Minute, 24*time.Hour)

	_, err := s.Refresh(context.Background())
	require.Error(t, err)

	// Session is cleared, so the second attempt fails fast on the
	// missing refresh token rather than re-joining a stale flight.
	_, err = s.Refresh(context.Background())
	require.ErrorIs(t, err, ErrNoRefreshToken)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRefresh_SingleFlight(t *testing.T) {
	const waiters = 16

	var calls atomic.Int32
	release := make(chan struct{})

	s := newTestSession(func(ctx context.Context, refreshToken string) (*tokenGrant, error) {
		calls.Add(1)
		<-release
		return &tokenGrant{AccessToken: fmt.Sprintf("grant-%d", calls.Load())}, nil
	})
	seedSession(t, s, time.Minute, 24*time.Hour)

	var wg sync.WaitGroup
	results := make(chan TokenData, waiters)
	errs := make(chan error, waiters)

	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			data, err := s.Refresh(context.Background())
			if err != nil {
				errs <- err
				return
			}
			results <- data
		}()
	}

	// Give every waiter time to join the in-flight refresh, then let
	// it complete.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected refresh error: %v", err)
	}

	assert.Equal(t, int32(1), calls.Load(), "expected exactly one network call")
	for data := range results {
		assert.Equal(t, "grant-1", data.AccessToken, "all waiters must observe the same grant")
	}
}

func TestRefresh_CallerCancellationDoesNotAbortSharedFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	s := newTestSession(func(ctx context.Context, refreshToken string) (*tokenGrant, error) {
		close(started)
		<-release
		// The detached context must survive the first caller's cancel.
		require.NoError(t, ctx.Err())
		return &tokenGrant{AccessToken: "shared-grant"}, nil
	})
	seedSession(t, s, time.Minute, 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Refresh(ctx)
	}()

	<-started
	cancel()
	close(release)
	<-done

	// The refresh completed; the installed grant is observable.
	assert.Equal(t, "shared-grant", s.AccessToken())
}

// --- Clear ---

func TestClear_ZeroesEverythingAndNotifies(t *testing.T) {
	s := newTestSession(nil)
	seedSession(t, s, time.Hour, 24*time.Hour)

	var fired atomic.Int32
	s.OnInvalid(func() { fired.Add(1) })

	s.Clear()

	data := s.TokenData()
	assert.Empty(t, data.AccessToken)
	assert.Empty(t, data.RefreshToken)
	assert.Zero(t, data.ExpiresAt)
	assert.Zero(t, data.RefreshExpiresAt)
	assert.Equal(t, int32(1), fired.Load())
}
