// Package auth issues and validates the bearer tokens of the query API.
//
// Tokens are Ed25519 (EdDSA) JWTs. Keys are loaded from PEM files or, when
// none are configured, generated per process for development. Callers obtain
// a token by exchanging an API key at POST /auth/token; see KeyRing.
package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/mitoshi/internal/model"
)

const (
	issuer   = "mitoshi"
	audience = "mitoshi-api"
)

// Claims extends jwt.RegisteredClaims with the caller's role. Subject is the
// caller name given at exchange time and is recorded in audit fields.
type Claims struct {
	jwt.RegisteredClaims
	Role model.Role `json:"role"`
}

// JWTManager handles JWT creation and validation using Ed25519.
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	expiration time.Duration
	now        func() time.Time
}

// NewJWTManager creates a JWTManager from PEM key files.
// If paths are empty, generates an ephemeral key pair (for development).
func NewJWTManager(privateKeyPath, publicKeyPath string, expiration time.Duration) (*JWTManager, error) {
	if privateKeyPath == "" || publicKeyPath == "" {
		slog.Warn("auth: no JWT key files configured, generating ephemeral key pair (not for production)")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("auth: generate key pair: %w", err)
		}
		return &JWTManager{privateKey: priv, publicKey: pub, expiration: expiration, now: time.Now}, nil
	}

	edPriv, err := readPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	edPub, err := readPublicKey(publicKeyPath)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(edPriv.Public().(ed25519.PublicKey), edPub) {
		return nil, errors.New("auth: public key does not match private key")
	}
	return &JWTManager{privateKey: edPriv, publicKey: edPub, expiration: expiration, now: time.Now}, nil
}

func readPEM(path, what string) ([]byte, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // path comes from validated config
	if err != nil {
		return nil, fmt.Errorf("auth: read %s key: %w", what, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: decode %s key PEM", what)
	}
	return block.Bytes, nil
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	der, err := readPEM(path, "private")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	ed, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("auth: private key is not Ed25519")
	}
	return ed, nil
}

func readPublicKey(path string) (ed25519.PublicKey, error) {
	der, err := readPEM(path, "public")
	if err != nil {
		return nil, err
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	ed, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not Ed25519")
	}
	return ed, nil
}

// IssueToken creates a signed JWT for subject with role.
func (m *JWTManager) IssueToken(subject string, role model.Role) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("auth: subject is required")
	}
	now := m.now().UTC()
	exp := now.Add(m.expiration)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.New().String(),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.privateKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (m *JWTManager) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: validate token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("auth: invalid token claims")
	}
	if model.RoleRank(claims.Role) == 0 {
		return nil, fmt.Errorf("auth: unknown role %q", claims.Role)
	}
	if claims.Subject == "" {
		return nil, errors.New("auth: token has no subject")
	}
	return claims, nil
}
