package oidcflow

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtExpiry reads the exp claim out of a JWT-shaped access token
// without verifying it. The token was just received over TLS from the
// provider; the claim is only used as an expiry hint, never for
// authorization decisions.
func jwtExpiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
