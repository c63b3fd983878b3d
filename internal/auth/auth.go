// Package auth validates the API keys clients present to the gateway. Keys
// are configured as SHA-256 hashes; the plaintext never reaches config.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// KeyPrefix marks keys minted by GenerateAPIKey.
const KeyPrefix = "cgw-"

var (
	ErrMissingAPIKey = errors.New("missing API key")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Client is one configured inbound key.
type Client struct {
	KeyHash     string
	Description string
}

// Authenticator validates API keys against configured hashes
type Authenticator struct {
	clients map[string]*Client // keyhash -> client
}

// NewAuthenticator creates an authenticator. Entries with an empty hash are
// skipped.
func NewAuthenticator(clients []Client) *Authenticator {
	a := &Authenticator{
		clients: make(map[string]*Client, len(clients)),
	}
	for i := range clients {
		c := clients[i]
		hash := strings.ToLower(strings.TrimSpace(c.KeyHash))
		if hash == "" {
			continue
		}
		c.KeyHash = hash
		a.clients[hash] = &c
	}
	return a
}

// Len returns the number of configured keys.
func (a *Authenticator) Len() int {
	return len(a.clients)
}

// ValidateAPIKey validates an API key and returns the matching client
func (a *Authenticator) ValidateAPIKey(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	keyHash := HashAPIKey(apiKey)

	c, ok := a.clients[keyHash]
	if !ok {
		return nil, ErrInvalidAPIKey
	}

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(keyHash), []byte(c.KeyHash)) != 1 {
		return nil, ErrInvalidAPIKey
	}
	return c, nil
}

// ExtractAPIKey reads the key from x-api-key, falling back to a Bearer
// Authorization header.
func ExtractAPIKey(r *http.Request) (string, error) {
	if key := strings.TrimSpace(r.Header.Get("x-api-key")); key != "" {
		return key, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingAPIKey
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return "", fmt.Errorf("unsupported authorization scheme %q", parts[0])
	}
	return strings.TrimSpace(parts[1]), nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// GenerateAPIKey mints a random key.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}
