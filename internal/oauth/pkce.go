package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// generateCodeVerifier produces a PKCE verifier per RFC 7636.
func generateCodeVerifier() (string, error) {
	b := make([]byte, 64)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	verifier := base64.RawURLEncoding.EncodeToString(b)
	if len(verifier) < 43 || len(verifier) > 128 {
		return "", errors.New("invalid verifier length")
	}

	return verifier, nil
}

// codeChallengeFromVerifier derives the S256 challenge.
func codeChallengeFromVerifier(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// generateState produces an unguessable state parameter.
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
