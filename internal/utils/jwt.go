package utils // package utils provides helpers shared by commands and tests

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// NewAccessToken signs an HS256 token carrying sub, role, exp and iat
// claims.  Services only verify tokens; this is used by the devtoken
// command and by tests to act as a user.
func NewAccessToken(secret, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
