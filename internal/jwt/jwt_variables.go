package jwt

import (
	"fmt"
	"sync"
	"time"

	"insurance-chat-backend/internal/env"
)

// SessionTokenTTL is how long a chat session token stays valid. Chat
// sessions are long-lived, unlike the 15-minute tokens an operator UI
// would use.
const SessionTokenTTL = 24 * time.Hour

var (
	secretsMu   sync.Mutex
	roleSecrets = map[Role]string{}
)

// SetSecret overrides the signing secret for a role. Used by tests and
// by mains that load configuration before serving.
func SetSecret(role Role, secret string) {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	roleSecrets[role] = secret
}

func secretFor(role Role) (string, error) {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	if secret, ok := roleSecrets[role]; ok && secret != "" {
		return secret, nil
	}
	if role != RoleSession {
		return "", fmt.Errorf("invalid role specified")
	}
	secret := env.Get(env.SessionSecretKey)
	if secret == "" {
		return "", fmt.Errorf("%s is not set", env.SessionSecretKey)
	}
	roleSecrets[role] = secret
	return secret, nil
}
