package hub

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"switchyard/internal/domain"
)

// Auth manages uplink authentication for nodes. Two layers: a shared hub
// token any node may present, and per-node tokens that, once generated,
// replace the shared token for that node. Only hashes are stored.
type Auth struct {
	mu         sync.RWMutex
	sharedHash string            // hex(sha256(shared token)), empty = open mode
	tokens     map[string]string // nodeID -> hex(sha256(token))
}

// NewAuth creates an Auth instance. An empty sharedToken means open mode:
// nodes without a per-node token connect unauthenticated.
func NewAuth(sharedToken string) *Auth {
	a := &Auth{tokens: make(map[string]string)}
	if sharedToken != "" {
		a.sharedHash = hashToken(sharedToken)
	}
	return a
}

// GenerateToken creates a new random token for a node, replacing any existing
// one. Returns the raw token (hex-encoded 32 bytes). Only the hash is stored.
func (a *Auth) GenerateToken(nodeID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)

	a.mu.Lock()
	a.tokens[nodeID] = hashToken(token)
	a.mu.Unlock()

	return token, nil
}

// ValidateToken checks the presented token for a node. A node with a
// per-node token must present exactly that token; the shared token stops
// working for it the moment one is generated. Always computes the candidate
// hash to prevent timing-based nodeID enumeration.
func (a *Auth) ValidateToken(nodeID, token string) error {
	a.mu.RLock()
	perNode, hasPerNode := a.tokens[nodeID]
	shared := a.sharedHash
	a.mu.RUnlock()

	candidate := hashToken(token)

	switch {
	case hasPerNode:
		if subtle.ConstantTimeCompare([]byte(perNode), []byte(candidate)) != 1 {
			return domain.NewDomainError("Auth.ValidateToken", domain.ErrNodeAuth, "invalid credentials")
		}
		return nil

	case shared != "":
		if subtle.ConstantTimeCompare([]byte(shared), []byte(candidate)) != 1 {
			return domain.NewDomainError("Auth.ValidateToken", domain.ErrNodeAuth, "invalid credentials")
		}
		return nil

	default:
		// Open mode. Burn the same comparison time so the configuration is
		// not observable from the outside.
		subtle.ConstantTimeCompare([]byte(candidate), []byte(candidate))
		return nil
	}
}

// RevokeToken removes the stored per-node token. The node falls back to the
// shared token, or to open mode when none is configured.
func (a *Auth) RevokeToken(nodeID string) {
	a.mu.Lock()
	delete(a.tokens, nodeID)
	a.mu.Unlock()
}

// HasToken returns true if a per-node token exists for the given node.
func (a *Auth) HasToken(nodeID string) bool {
	a.mu.RLock()
	_, ok := a.tokens[nodeID]
	a.mu.RUnlock()
	return ok
}

// Open reports whether nodes without a per-node token connect
// unauthenticated.
func (a *Auth) Open() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sharedHash == ""
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

var _ domain.NodeTokenManager = (*Auth)(nil)
