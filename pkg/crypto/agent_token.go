// Package crypto derives the tokens fleet agents present on the control
// channel: hex(HMAC-SHA256(secret, node id)).
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type AgentSigner struct {
	key []byte
}

// NewAgentSigner returns nil for an empty secret; a nil signer rejects every
// token.
func NewAgentSigner(secret string) *AgentSigner {
	key := strings.TrimSpace(secret)
	if key == "" {
		return nil
	}
	return &AgentSigner{key: []byte(key)}
}

func (s *AgentSigner) Token(nodeID string) string {
	nodeID = strings.TrimSpace(nodeID)
	if s == nil || nodeID == "" {
		return ""
	}
	return hex.EncodeToString(s.sum(nodeID))
}

func (s *AgentSigner) Verify(nodeID, token string) bool {
	nodeID = strings.TrimSpace(nodeID)
	if s == nil || nodeID == "" {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(token))
	if err != nil {
		return false
	}
	return hmac.Equal(provided, s.sum(nodeID))
}

func (s *AgentSigner) sum(nodeID string) []byte {
	mac := hmac.New(sha256.New, s.key)
	_, _ = mac.Write([]byte(nodeID))
	return mac.Sum(nil)
}

func AgentToken(nodeID, secret string) string {
	return NewAgentSigner(secret).Token(nodeID)
}
