package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/mitoshi/internal/auth"
	"github.com/ashita-ai/mitoshi/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyAPIKey("x", "no-separator")
	assert.Error(t, err)
}

func TestKeyRing(t *testing.T) {
	kr, err := auth.NewKeyRing(map[model.Role]string{
		model.RoleAdmin:  "admin-secret",
		model.RoleViewer: "viewer-secret",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, kr.Len())

	role, ok := kr.Lookup("admin-secret")
	assert.True(t, ok)
	assert.Equal(t, model.RoleAdmin, role)

	role, ok = kr.Lookup("viewer-secret")
	assert.True(t, ok)
	assert.Equal(t, model.RoleViewer, role)

	_, ok = kr.Lookup("guess")
	assert.False(t, ok)

	empty, err := auth.NewKeyRing(map[model.Role]string{model.RoleViewer: ""})
	require.NoError(t, err)
	assert.Zero(t, empty.Len())
	_, ok = empty.Lookup("")
	assert.False(t, ok)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken("sam", model.RoleViewer)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "sam", claims.Subject)
	assert.Equal(t, model.RoleViewer, claims.Role)

	_, _, err = mgr.IssueToken("", model.RoleAdmin)
	assert.Error(t, err)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func TestNewJWTManager_MismatchedKeys(t *testing.T) {
	_, privA, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pubB, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()
	privBytes, err := x509.MarshalPKCS8PrivateKey(privA)
	require.NoError(t, err)
	pubBytes, err := x509.MarshalPKIXPublicKey(pubB)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func registered(issuer, subject string, audience ...string) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		Audience:  audience,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		ID:        uuid.New().String(),
	}
}

func TestValidateToken_Rejections(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	cases := []struct {
		name   string
		claims auth.Claims
		want   string
	}{
		{"wrong issuer", auth.Claims{RegisteredClaims: registered("someone-else", "sam", "mitoshi-api"), Role: model.RoleAdmin}, "invalid issuer"},
		{"wrong audience", auth.Claims{RegisteredClaims: registered("mitoshi", "sam", "other"), Role: model.RoleAdmin}, "invalid audience"},
		{"unknown role", auth.Claims{RegisteredClaims: registered("mitoshi", "sam", "mitoshi-api"), Role: "root"}, "unknown role"},
		{"no subject", auth.Claims{RegisteredClaims: registered("mitoshi", "", "mitoshi-api"), Role: model.RoleViewer}, "no subject"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := mgr.ValidateToken(forgeToken(t, privKey, &tc.claims))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("foreign key", func(t *testing.T) {
		_, other, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		c := auth.Claims{RegisteredClaims: registered("mitoshi", "sam", "mitoshi-api"), Role: model.RoleAdmin}
		_, err = mgr.ValidateToken(forgeToken(t, other, &c))
		assert.Error(t, err)
	})
}
