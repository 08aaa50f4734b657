package common

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const execTokenTTL = 2 * time.Minute

// NewExecToken mints a short-lived HS256 token for the exec/file API of one
// environment, signed with that environment's callback secret.
func NewExecToken(secret, resourceName string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": resourceName,
		"iat": now.Unix(),
		"exp": now.Add(execTokenTTL).Unix(),
	})

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign exec token: %w", err)
	}

	return signed, nil
}

// VerifyExecToken validates a token against the secret and returns the
// resource name it was minted for.
func VerifyExecToken(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("invalid exec token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid exec token claims")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("exec token missing subject")
	}

	return sub, nil
}
