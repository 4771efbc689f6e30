package jwt

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

func appendRoleChar(token string, role Role) string {
	switch role {
	case RoleSession:
		return token + "1"
	}
	return token
}

func expectedRoleChar(role Role) string {
	switch role {
	case RoleSession:
		return "1"
	}
	return ""
}

// CreateSessionToken signs a token tying a chat client to its session.
// A zero validUntil applies the default TTL.
func CreateSessionToken(sessionID string, validUntil int64) (string, error) {
	secret, err := secretFor(RoleSession)
	if err != nil {
		return "", err
	}

	if validUntil == 0 {
		validUntil = time.Now().Add(SessionTokenTTL).Unix()
	}

	claims := jwt.MapClaims{
		"sid": sessionID,
		"exp": validUntil,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", err
	}

	return appendRoleChar(tokenString, RoleSession), nil
}

// ParseSessionToken validates a session token and returns the session ID
// it was issued for.
func ParseSessionToken(tokenString string) (string, error) {
	claims, err := parseToken(tokenString, RoleSession)
	if err != nil {
		return "", err
	}
	sessionID, ok := claims["sid"].(string)
	if !ok || sessionID == "" {
		return "", fmt.Errorf("token is missing session claim")
	}
	return sessionID, nil
}

// parseToken validates the role char, signature and expiry.
func parseToken(tokenString string, role Role) (jwt.MapClaims, error) {
	if len(tokenString) == 0 {
		return nil, fmt.Errorf("token string is empty")
	}

	if tokenString[len(tokenString)-1:] != expectedRoleChar(role) {
		return nil, fmt.Errorf("invalid role character in token")
	}
	tokenString = tokenString[:len(tokenString)-1] // Remove role char

	secret, err := secretFor(role)
	if err != nil {
		return nil, err
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(secret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("unauthorized: %v", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid - unauthorized")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("claims of unauthorized type")
	}

	return claims, nil
}
