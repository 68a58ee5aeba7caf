// Package auth implements bearer-token access control for the management
// API. Agents may propose and validate actions; only operators may approve,
// execute, cancel or pull the kill switch, so an agent cannot sign off on
// its own proposal.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opswarden/opswarden/internal/config"
)

// Role defines the access level for API tokens.
type Role string

const (
	RoleAgent    Role = "agent"    // propose, validate, read
	RoleOperator Role = "operator" // also approve, execute, cancel, kill
	RoleAdmin    Role = "admin"    // also change the safety mode
)

// Permissions checked by the API.
const (
	PermRead     = "read"
	PermPropose  = "propose"
	PermValidate = "validate"
	PermApprove  = "approve"
	PermExecute  = "execute"
	PermCancel   = "cancel"
	PermKill     = "kill"
	PermMode     = "mode.set"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Token is an API credential. Static tokens come from configuration and
// never expire; issued tokens carry an expiry.
type Token struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether an issued token has passed its expiry.
func (t Token) IsExpired() bool {
	return !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt)
}

// TokenManager validates bearer tokens. Secrets are kept only as SHA-256
// digests.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[[sha256.Size]byte]Token
	ttl    time.Duration
	logger *slog.Logger
}

// NewTokenManager creates a token manager whose issued tokens live for ttl.
func NewTokenManager(ttl time.Duration, logger *slog.Logger) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		tokens: make(map[[sha256.Size]byte]Token),
		ttl:    ttl,
		logger: logger.With("component", "auth.TokenManager"),
	}
}

// NewFromConfig creates a manager holding the configured static tokens.
func NewFromConfig(cfg config.AuthConfig, logger *slog.Logger) (*TokenManager, error) {
	m := NewTokenManager(0, logger)
	for _, tc := range cfg.Tokens {
		if err := m.AddStatic(tc.Name, tc.Token, Role(tc.Role)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AddStatic registers a non-expiring token.
func (m *TokenManager) AddStatic(name, secret string, role Role) error {
	if name == "" || secret == "" {
		return fmt.Errorf("token name and secret are required")
	}
	if !role.Valid() {
		return fmt.Errorf("token %q: unknown role %q", name, role)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[sha256.Sum256([]byte(secret))] = Token{
		ID:        name,
		Name:      name,
		Role:      role,
		CreatedAt: time.Now(),
	}
	return nil
}

// CreateToken issues a short-lived token and returns its secret.
func (m *TokenManager) CreateToken(name string, role Role) (Token, string, error) {
	if !role.Valid() {
		return Token{}, "", fmt.Errorf("unknown role %q", role)
	}
	secret, err := generateSecret()
	if err != nil {
		return Token{}, "", fmt.Errorf("failed to generate token: %w", err)
	}
	id, err := generateSecret()
	if err != nil {
		return Token{}, "", fmt.Errorf("failed to generate token ID: %w", err)
	}

	now := time.Now()
	token := Token{
		ID:        id[:16],
		Name:      name,
		Role:      role,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}

	m.mu.Lock()
	m.tokens[sha256.Sum256([]byte(secret))] = token
	m.mu.Unlock()

	m.logger.Info("token created", "token_id", token.ID, "name", name, "role", role, "expires_at", token.ExpiresAt)
	return token, secret, nil
}

// ValidateToken returns the token for secret.
func (m *TokenManager) ValidateToken(secret string) (Token, error) {
	digest := sha256.Sum256([]byte(secret))

	m.mu.RLock()
	var (
		token Token
		found bool
	)
	// Compare against every digest so lookup time does not depend on
	// which token matched.
	for d, t := range m.tokens {
		if subtle.ConstantTimeCompare(d[:], digest[:]) == 1 {
			token, found = t, true
		}
	}
	m.mu.RUnlock()

	if !found {
		return Token{}, ErrInvalidToken
	}
	if token.IsExpired() {
		m.mu.Lock()
		delete(m.tokens, digest)
		m.mu.Unlock()
		return Token{}, ErrTokenExpired
	}
	return token, nil
}

// RevokeToken removes a token.
func (m *TokenManager) RevokeToken(secret string) {
	digest := sha256.Sum256([]byte(secret))
	m.mu.Lock()
	if token, ok := m.tokens[digest]; ok {
		m.logger.Info("token revoked", "token_id", token.ID)
		delete(m.tokens, digest)
	}
	m.mu.Unlock()
}

// CleanExpired removes all expired tokens.
func (m *TokenManager) CleanExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for d, token := range m.tokens {
		if token.IsExpired() {
			delete(m.tokens, d)
			count++
		}
	}
	return count
}

// ActiveTokenCount returns the number of unexpired tokens.
func (m *TokenManager) ActiveTokenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, token := range m.tokens {
		if !token.IsExpired() {
			count++
		}
	}
	return count
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleOperator || r == RoleAdmin
}

// HasPermission checks if a role may perform perm.
func HasPermission(role Role, perm string) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleOperator:
		return perm != PermMode
	case RoleAgent:
		return perm == PermRead || perm == PermPropose || perm == PermValidate
	default:
		return false
	}
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
