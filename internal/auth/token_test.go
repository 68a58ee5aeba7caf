package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/opswarden/opswarden/internal/config"
)

func TestTokenManager_CreateAndValidate(t *testing.T) {
	m := NewTokenManager(time.Hour, nil)

	token, secret, err := m.CreateToken("ci", RoleAgent)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if secret == "" || token.ID == "" {
		t.Fatalf("token = %+v secret = %q", token, secret)
	}
	if token.Role != RoleAgent || token.Name != "ci" {
		t.Errorf("token = %+v", token)
	}

	validated, err := m.ValidateToken(secret)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if validated.ID != token.ID {
		t.Errorf("validated ID = %q, want %q", validated.ID, token.ID)
	}
}

func TestTokenManager_InvalidToken(t *testing.T) {
	m := NewTokenManager(time.Hour, nil)
	if _, err := m.ValidateToken("nonexistent"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("error = %v, want ErrInvalidToken", err)
	}
}

func TestTokenManager_ExpiredToken(t *testing.T) {
	m := NewTokenManager(time.Millisecond, nil)
	_, secret, err := m.CreateToken("short", RoleOperator)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, err := m.ValidateToken(secret); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("error = %v, want ErrTokenExpired", err)
	}
	// The expired token is dropped on first use.
	if _, err := m.ValidateToken(secret); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("second validate error = %v, want ErrInvalidToken", err)
	}
}

func TestTokenManager_StaticTokens(t *testing.T) {
	m, err := NewFromConfig(config.AuthConfig{
		Enabled: true,
		Tokens: []config.TokenConfig{
			{Name: "agent", Token: "agent-secret", Role: "agent"},
			{Name: "oncall", Token: "oncall-secret", Role: "operator"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}

	tok, err := m.ValidateToken("oncall-secret")
	if err != nil || tok.Name != "oncall" || tok.Role != RoleOperator || tok.IsExpired() {
		t.Errorf("oncall = %+v, %v", tok, err)
	}
	if m.ActiveTokenCount() != 2 {
		t.Errorf("active = %d, want 2", m.ActiveTokenCount())
	}

	_, err = NewFromConfig(config.AuthConfig{Tokens: []config.TokenConfig{{Name: "x", Token: "y", Role: "root"}}}, nil)
	if err == nil {
		t.Error("unknown role should be rejected")
	}
}

func TestTokenManager_Revoke(t *testing.T) {
	m := NewTokenManager(time.Hour, nil)
	_, secret, _ := m.CreateToken("tmp", RoleAgent)

	m.RevokeToken(secret)
	if _, err := m.ValidateToken(secret); err == nil {
		t.Error("revoked token should not validate")
	}
}

func TestTokenManager_CleanExpired(t *testing.T) {
	m := NewTokenManager(time.Millisecond, nil)
	m.CreateToken("a", RoleAgent)
	m.CreateToken("b", RoleAgent)
	if err := m.AddStatic("static", "s", RoleAdmin); err != nil {
		t.Fatalf("AddStatic: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if n := m.CleanExpired(); n != 2 {
		t.Errorf("cleaned = %d, want 2", n)
	}
	if m.ActiveTokenCount() != 1 {
		t.Errorf("active = %d, want the static token only", m.ActiveTokenCount())
	}
}

func TestTokenManager_DefaultTTL(t *testing.T) {
	m := NewTokenManager(0, nil)
	token, _, _ := m.CreateToken("default", RoleAgent)
	if ttl := token.ExpiresAt.Sub(token.CreatedAt); ttl < 59*time.Minute || ttl > 61*time.Minute {
		t.Errorf("default TTL = %s, want ~1h", ttl)
	}
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm string
		want bool
	}{
		{RoleAdmin, PermMode, true},
		{RoleAdmin, PermApprove, true},
		{RoleOperator, PermApprove, true},
		{RoleOperator, PermExecute, true},
		{RoleOperator, PermKill, true},
		{RoleOperator, PermMode, false},
		{RoleAgent, PermRead, true},
		{RoleAgent, PermPropose, true},
		{RoleAgent, PermValidate, true},
		{RoleAgent, PermApprove, false},
		{RoleAgent, PermExecute, false},
		{RoleAgent, PermKill, false},
		{Role("unknown"), PermRead, false},
	}

	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%q, %q) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}
