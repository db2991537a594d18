package audit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Keys look like "loom_ak_" followed by 64 hex characters. The prefix makes
// a leaked key greppable and lets the parser reject foreign tokens early.
const (
	keyPrefix      = "loom_ak_"
	keyRandomBytes = 32
	keyLength      = len(keyPrefix) + keyRandomBytes*2

	// Masking keeps the prefix plus four leading and four trailing
	// characters, enough to tell keys apart in a log without exposing them.
	maskKeepPrefix = len(keyPrefix) + 4
	maskKeepSuffix = 4

	// Cost 10 is roughly 60ms per bcrypt comparison on current hardware.
	// Inputs past the bcrypt limit are folded through SHA-256 first.
	keyHashCost    = 10
	bcryptMaxInput = 72
)

// Errors returned by key stores and the key format helpers.
var (
	// ErrKeyNil rejects nil keys passed to store mutations.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrKeyNotFound signals an update or delete against an unknown key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyAlreadyExists signals a duplicate ID or key value on Add.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrClientIDEmpty rejects key generation or listing without a client.
	ErrClientIDEmpty = errors.New("client ID cannot be empty")
	// ErrKeyStringEmpty rejects parsing an empty header value.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat rejects keys without the expected prefix.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength rejects keys of the wrong length.
	ErrInvalidKeyLength = errors.New("invalid API key length")
)

// Key grants a client access to the audit query API. ClientID names the
// holder (a runner deployment, a dashboard, a CI job) and Permissions carry
// the coarse capability names the auth middleware checks.
type Key struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	ClientID    string     `json:"clientId"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Active      bool       `json:"active"`
}

// KeyStore is the lookup and management surface for API keys. The in-memory
// implementation backs tests and single-node development, the persistent one
// backs real deployments.
type KeyStore interface {
	FindByKey(ctx context.Context, key string) (*Key, bool)
	Add(ctx context.Context, apiKey *Key) error
	Update(ctx context.Context, apiKey *Key) error
	Delete(ctx context.Context, keyID string) error
	ListByClient(ctx context.Context, clientID string) ([]*Key, error)
}

// ValidateKey reports whether providedKey matches this key and the key is
// still usable. Inactive and expired keys never validate.
func (k *Key) ValidateKey(providedKey string) bool {
	switch {
	case providedKey == "" || k.Key == "":
		return false
	case !k.Active:
		return false
	case k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt):
		return false
	}

	return SecureCompare(k.Key, providedKey)
}

// HasPermission reports whether the key carries the named permission.
func (k *Key) HasPermission(permission string) bool {
	return slices.Contains(k.Permissions, permission)
}

// SecureCompare compares two strings in constant time. Mismatched lengths
// still pay for one comparison so callers cannot probe key length by timing.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		subtle.ConstantTimeCompare([]byte(a), make([]byte, len(a)))

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey renders a key safe for logs. Well-formed keys keep their prefix
// and last four characters; anything else is starred out entirely.
func MaskKey(key string) string {
	if len(key) != keyLength {
		return strings.Repeat("*", len(key))
	}

	starred := keyLength - maskKeepPrefix - maskKeepSuffix

	return key[:maskKeepPrefix] + strings.Repeat("*", starred) + key[keyLength-maskKeepSuffix:]
}

// GenerateAPIKey mints a key for clientID with 256 bits of entropy. The
// caller must hash it before storage; only the holder sees the plaintext.
func GenerateAPIKey(clientID string) (string, error) {
	if clientID == "" {
		return "", ErrClientIDEmpty
	}

	raw := make([]byte, keyRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return keyPrefix + hex.EncodeToString(raw), nil
}

// ParseAPIKey normalizes a key taken from a request header. An optional
// "Bearer " prefix is stripped; anything that is not a well-formed key of
// the expected length is rejected.
func ParseAPIKey(header string) (string, error) {
	if header == "" {
		return "", ErrKeyStringEmpty
	}

	key := strings.TrimPrefix(header, "Bearer ")

	if !strings.HasPrefix(key, keyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(key) != keyLength {
		return "", ErrInvalidKeyLength
	}

	return key, nil
}

// bcryptInput works around the 72-byte bcrypt input limit. Longer keys are
// folded through SHA-256 so hashing and comparison agree on the input.
func bcryptInput(key string) []byte {
	if len(key) > bcryptMaxInput {
		sum := sha256.Sum256([]byte(key))

		return sum[:]
	}

	return []byte(key)
}

// HashAPIKey derives the bcrypt hash under which a key is persisted. The
// plaintext itself is never stored.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", ErrKeyNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(key), keyHashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash reports whether key matches a stored bcrypt hash. Any
// malformed input compares as false.
func CompareAPIKeyHash(hash, key string) bool {
	if hash == "" || key == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(key)) == nil
}
