package hub

import (
	"errors"
	"sync"
	"testing"

	"switchyard/internal/domain"
)

func TestGenerateToken(t *testing.T) {
	a := NewAuth("")
	token, err := a.GenerateToken("node-1")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if len(token) != 64 { // 32 bytes hex-encoded
		t.Errorf("token length = %d, want 64", len(token))
	}
}

func TestValidatePerNodeToken(t *testing.T) {
	a := NewAuth("shared")
	token, _ := a.GenerateToken("node-1")

	if err := a.ValidateToken("node-1", token); err != nil {
		t.Errorf("ValidateToken: %v", err)
	}
}

func TestPerNodeTokenDisablesShared(t *testing.T) {
	a := NewAuth("shared")
	a.GenerateToken("node-1")

	err := a.ValidateToken("node-1", "shared")
	if !errors.Is(err, domain.ErrNodeAuth) {
		t.Errorf("shared token must stop working once a per-node token exists, got: %v", err)
	}
}

func TestValidateSharedToken(t *testing.T) {
	a := NewAuth("shared")

	if err := a.ValidateToken("any-node", "shared"); err != nil {
		t.Errorf("ValidateToken: %v", err)
	}
	err := a.ValidateToken("any-node", "wrong")
	if !errors.Is(err, domain.ErrNodeAuth) {
		t.Errorf("expected ErrNodeAuth, got: %v", err)
	}
}

func TestOpenModeAcceptsAnything(t *testing.T) {
	a := NewAuth("")
	if !a.Open() {
		t.Error("Open() = false, want true")
	}
	if err := a.ValidateToken("node-1", ""); err != nil {
		t.Errorf("open mode rejected a node: %v", err)
	}
}

func TestRevokeFallsBackToShared(t *testing.T) {
	a := NewAuth("shared")
	token, _ := a.GenerateToken("node-1")
	a.RevokeToken("node-1")

	if err := a.ValidateToken("node-1", token); !errors.Is(err, domain.ErrNodeAuth) {
		t.Errorf("revoked token still valid: %v", err)
	}
	if err := a.ValidateToken("node-1", "shared"); err != nil {
		t.Errorf("shared token should work after revoke: %v", err)
	}
	if a.HasToken("node-1") {
		t.Error("HasToken = true after revoke")
	}
}

func TestGenerateReplacesToken(t *testing.T) {
	a := NewAuth("")
	first, _ := a.GenerateToken("node-1")
	second, _ := a.GenerateToken("node-1")

	if first == second {
		t.Fatal("regenerated token is identical")
	}
	if err := a.ValidateToken("node-1", first); !errors.Is(err, domain.ErrNodeAuth) {
		t.Errorf("old token still valid: %v", err)
	}
	if err := a.ValidateToken("node-1", second); err != nil {
		t.Errorf("new token rejected: %v", err)
	}
}

func TestAuthConcurrentAccess(t *testing.T) {
	a := NewAuth("shared")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, _ := a.GenerateToken("node-x")
			a.ValidateToken("node-x", token)
			a.HasToken("node-x")
			a.RevokeToken("node-x")
		}()
	}
	wg.Wait()
}
