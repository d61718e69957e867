package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// SignLocal issues an HS256 token accepted by NewShared with the same secret
// and audience. It exists for local runs and load tooling.
func SignLocal(secret []byte, audience, userID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("shared secret must be set")
	}
	if userID == "" {
		return "", errors.New("user id must be set")
	}
	claims := jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
