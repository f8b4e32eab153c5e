package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/ashita-ai/mitoshi/internal/model"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey hashes an API key using Argon2id. The result is
// base64(salt)$base64(hash).
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash), nil
}

// VerifyAPIKey checks an API key against an Argon2id hash.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	salt64, hash64, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, errors.New("auth: invalid hash format")
	}
	salt, err := base64.StdEncoding.DecodeString(salt64)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	expected, err := base64.StdEncoding.DecodeString(hash64)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}
	computed := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}

// KeyRing maps configured API keys to roles. Only Argon2id hashes are kept.
type KeyRing struct {
	entries []keyEntry
}

type keyEntry struct {
	hash string
	role model.Role
}

// NewKeyRing hashes the non-empty keys. An empty ring rejects every key.
func NewKeyRing(keys map[model.Role]string) (*KeyRing, error) {
	kr := &KeyRing{}
	for _, role := range []model.Role{model.RoleAdmin, model.RoleViewer} {
		key := keys[role]
		if key == "" {
			continue
		}
		h, err := HashAPIKey(key)
		if err != nil {
			return nil, err
		}
		kr.entries = append(kr.entries, keyEntry{hash: h, role: role})
	}
	return kr, nil
}

// Len is the number of configured keys.
func (k *KeyRing) Len() int { return len(k.entries) }

// Lookup returns the role of apiKey. Every entry is checked regardless of
// an early match so timing does not reveal which role a key belongs to.
func (k *KeyRing) Lookup(apiKey string) (model.Role, bool) {
	var (
		found model.Role
		ok    bool
	)
	for _, e := range k.entries {
		match, err := VerifyAPIKey(apiKey, e.hash)
		if err == nil && match && !ok {
			found, ok = e.role, true
		}
	}
	return found, ok
}
