// Package agentauth verifies the signed identity an agent presents when it
// opens the relay WebSocket.
package agentauth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Header carries "<agentID>:<base64 signature>".
const Header = "X-Auth-Token"

var (
	ErrMissingToken = errors.New("auth token required")
	ErrMalformed    = errors.New("invalid token format: expected 'AgentID:Signature'")
)

// Verifier checks ED25519 signatures over agent ids.
//
// The operator signs each agent id offline; the relay only holds the public key.
// A nil *Verifier accepts every connection and reports the agent as "anonymous"
// unless the token names one.
type Verifier struct {
	publicKey ed25519.PublicKey
}

// New builds a Verifier from a Base64-encoded public key. An empty key
// returns (nil, nil): agent authentication is disabled.
func New(publicKeyBase64 string) (*Verifier, error) {
	if publicKeyBase64 == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoded public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid ed25519 public key size: expected %d, got %d", ed25519.PublicKeySize, len(raw))
	}
	return &Verifier{publicKey: ed25519.PublicKey(raw)}, nil
}

// Enabled reports whether tokens are checked.
func (v *Verifier) Enabled() bool {
	return v != nil
}

// Verify checks the token and returns the agent id it names.
func (v *Verifier) Verify(token string) (string, error) {
	if !v.Enabled() {
		if id, _, err := parseToken(token); err == nil {
			return id, nil
		}
		return "anonymous", nil
	}
	if token == "" {
		return "", ErrMissingToken
	}

	agentID, signature, err := parseToken(token)
	if err != nil {
		return "", err
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoded signature: %w", err)
	}
	if !ed25519.Verify(v.publicKey, []byte(agentID), sig) {
		return "", fmt.Errorf("signature verification failed for agent %q", agentID)
	}
	return agentID, nil
}

// Sign produces a token for agentID. Used by operators and tests.
func Sign(priv ed25519.PrivateKey, agentID string) string {
	return agentID + ":" + base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(agentID)))
}

func parseToken(token string) (agentID, signature string, err error) {
	i := strings.LastIndex(token, ":")
	if i < 1 || i == len(token)-1 {
		return "", "", ErrMalformed
	}
	return token[:i], token[i+1:], nil
}
