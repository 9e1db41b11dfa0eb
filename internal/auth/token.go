// Package auth verifies the credentials presented on a chat websocket
// handshake. Session management proper lives outside this subsystem; the
// dispatcher only depends on the Verifier interface, and StaticVerifier is
// the bundled implementation for deployments that issue per-user API tokens.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	tokenHashIterations = 210000
	tokenHashKeyLength  = 32
)

// ErrInvalidToken is returned when a presented token does not match any
// registered credential for the tenant.
var ErrInvalidToken = errors.New("invalid token")

// Verifier resolves a handshake credential to a user identity within a
// tenant.
type Verifier interface {
	VerifyToken(tenantID, token string) (userID string, err error)
}

// Credential pairs a user with the encoded hash of their API token.
type Credential struct {
	TenantID  string
	UserID    string
	TokenHash string
}

// StaticVerifier authenticates against a fixed in-memory credential set,
// loaded at startup. Token hashes use the pbkdf2$sha256 encoding shared with
// the rest of the platform.
type StaticVerifier struct {
	byTenant map[string][]Credential
}

// NewStaticVerifier indexes the provided credentials by tenant.
func NewStaticVerifier(credentials []Credential) *StaticVerifier {
	byTenant := make(map[string][]Credential)
	for _, credential := range credentials {
		tenantID := strings.TrimSpace(credential.TenantID)
		if tenantID == "" || credential.UserID == "" || credential.TokenHash == "" {
			continue
		}
		byTenant[tenantID] = append(byTenant[tenantID], credential)
	}
	return &StaticVerifier{byTenant: byTenant}
}

// VerifyToken returns the user the token belongs to, or ErrInvalidToken.
func (v *StaticVerifier) VerifyToken(tenantID, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrInvalidToken
	}
	for _, credential := range v.byTenant[strings.TrimSpace(tenantID)] {
		if err := VerifyTokenHash(credential.TokenHash, token); err == nil {
			return credential.UserID, nil
		}
	}
	return "", ErrInvalidToken
}

// HashToken derives the stored representation of a raw token. A nil salt is
// replaced with a fresh random one. Used by provisioning tooling; verification
// lives in VerifyTokenHash.
func HashToken(token string, salt []byte) string {
	if len(salt) == 0 {
		salt = make([]byte, 16)
		_, _ = rand.Read(salt)
	}
	derived := pbkdf2.Key([]byte(token), salt, tokenHashIterations, tokenHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", tokenHashIterations, encodedSalt, encodedKey)
}

// VerifyTokenHash checks a candidate token against its encoded hash in
// constant time.
func VerifyTokenHash(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify token: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify token: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify token: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify token: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify token: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidToken
	}
	return nil
}
