package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// ExpiryMargin is how close to expiry a token counts as expiring soon.
const ExpiryMargin = 60 * time.Second

// Claims is the decoded, unverified payload of an access token. The
// client never verifies signatures; it only needs the expiry instant to
// schedule refreshes, so the payload is parsed without a key.
type Claims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
	IssuedAt  time.Time
}

// Decode extracts claims from a raw bearer token without verifying the
// signature.
func Decode(raw string) (*Claims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, errors.Wrap(err, "[token.Decode] parse")
	}

	mapClaims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("[token.Decode] error extracting claims")
	}

	exp, ok := mapClaims["exp"].(float64)
	if !ok {
		return nil, errors.New("[token.Decode] missing exp claim")
	}

	claims := &Claims{ExpiresAt: time.Unix(int64(exp), 0)}
	if iat, ok := mapClaims["iat"].(float64); ok {
		claims.IssuedAt = time.Unix(int64(iat), 0)
	}
	claims.Subject, _ = mapClaims["sub"].(string)
	claims.Email, _ = mapClaims["email"].(string)
	return claims, nil
}

// ExpiredSoon reports whether the token is within ExpiryMargin of its
// expiry (or past it).
func (c *Claims) ExpiredSoon(now time.Time) bool {
	return c.ExpiredWithin(now, ExpiryMargin)
}

// ExpiredWithin reports whether the token expires within the given
// margin of now (or has already expired).
func (c *Claims) ExpiredWithin(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(c.ExpiresAt)
}

// HardExpired reports whether the token's expiry has passed.
func (c *Claims) HardExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
