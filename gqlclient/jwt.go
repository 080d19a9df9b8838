package gqlclient

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTypeAccess is the value of the "type" claim that marks a token
// as an access token. Refresh tokens share the same encoding but carry
// a different type.
const tokenTypeAccess = "access"

// inspectAccessToken reports whether token is a structurally valid,
// unexpired access token at the given instant.
//
// This is a client-side sanity check only: the signature is never
// verified (the issuing backend is trusted). It exists to stop the
// client attaching a dead or wrong-kind token to a call. Every failure
// mode degrades to false; nothing here panics or returns an error.
func inspectAccessToken(token string, now time.Time) bool {
	if token == "" {
		return false
	}

	// Exactly three dot-separated segments, decodable claims.
	if strings.Count(token, ".") != 2 {
		return false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return false
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}

	// A refresh token presented as an access token is rejected even
	// when it is otherwise well-formed and unexpired.
	if typ, ok := claims["type"]; ok {
		s, isString := typ.(string)
		if !isString || s != tokenTypeAccess {
			return false
		}
	}

	// Expiry is compared with no buffer; near-expiry policy lives in
	// the session, not here.
	return exp.Time.After(now)
}
