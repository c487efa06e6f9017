package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// TokenManager issues and verifies session tokens on the backend side. The
// embedded stub server uses it to mint the token it prints at startup;
// tokens are stored hashed so a dumped process image does not leak them.
type TokenManager struct {
	tokens map[string]*TokenInfo
	mu     sync.RWMutex
}

// TokenInfo contains token metadata
type TokenInfo struct {
	Hash      string
	Session   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*TokenInfo),
	}
}

// Issue generates a token for a session. A zero duration means the token
// never expires (the stub backend's default for its own lifetime).
func (tm *TokenManager) Issue(session string, duration time.Duration) (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}

	token := base64.URLEncoding.EncodeToString(tokenBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}

	expires := time.Time{}
	if duration > 0 {
		expires = time.Now().Add(duration)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.tokens[session] = &TokenInfo{
		Hash:      string(hash),
		Session:   session,
		CreatedAt: time.Now(),
		ExpiresAt: expires,
	}

	return token, nil
}

// Register stores a caller-chosen token for a session instead of minting
// one. Used when the operator pins the stub backend's token via config.
func (tm *TokenManager) Register(session, token string, duration time.Duration) error {
	if token == "" {
		return fmt.Errorf("token must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash token: %w", err)
	}

	expires := time.Time{}
	if duration > 0 {
		expires = time.Now().Add(duration)
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.tokens[session] = &TokenInfo{
		Hash:      string(hash),
		Session:   session,
		CreatedAt: time.Now(),
		ExpiresAt: expires,
	}

	return nil
}

// Verify checks a presented token against the stored hash for a session.
func (tm *TokenManager) Verify(session, token string) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	info, ok := tm.tokens[session]
	if !ok {
		return ErrInvalidToken
	}

	if !info.ExpiresAt.IsZero() && time.Now().After(info.ExpiresAt) {
		return ErrTokenExpired
	}

	if err := bcrypt.CompareHashAndPassword([]byte(info.Hash), []byte(token)); err != nil {
		return ErrInvalidToken
	}

	return nil
}

// Revoke drops the token for a session.
func (tm *TokenManager) Revoke(session string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	delete(tm.tokens, session)
}

// Sweep removes expired tokens.
func (tm *TokenManager) Sweep() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for session, info := range tm.tokens {
		if !info.ExpiresAt.IsZero() && now.After(info.ExpiresAt) {
			delete(tm.tokens, session)
		}
	}
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
