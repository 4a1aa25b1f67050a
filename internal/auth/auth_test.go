package auth

import (
	"testing"
	"time"
)

func newTestManager() *Manager {
	m := NewManager("test-secret", time.Hour)
	m.PutRole(&Role{Name: "reader", Permissions: []Permission{{Resource: "public:DEFAULT_GROUP:naming/*", Action: "r"}}})
	m.PutRole(&Role{Name: "admin", Permissions: []Permission{{Resource: "*", Action: "rw"}}})
	m.SetUserRoles("alice", []string{"reader"})
	m.SetUserRoles("bob", []string{"admin"})
	return m
}

func TestIssueAndAuthenticateRoundTrip(t *testing.T) {
	m := newTestManager()
	tok, err := m.IssueToken("alice")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	ctx, err := m.Authenticate(tok)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ctx.Username != "alice" {
		t.Fatalf("Username = %q, want alice", ctx.Username)
	}
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	m := newTestManager()
	if _, err := m.Authenticate(""); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestAuthenticateRejectsGarbageToken(t *testing.T) {
	m := newTestManager()
	if _, err := m.Authenticate("not-a-jwt"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestAuthorizeMatchesResourcePrefix(t *testing.T) {
	m := newTestManager()
	tok, _ := m.IssueToken("alice")
	ctx, _ := m.Authenticate(tok)

	if !m.Authorize(ctx, "public:DEFAULT_GROUP:naming/svc-a", "r") {
		t.Fatal("reader should have read permission on naming/* resources")
	}
	if m.Authorize(ctx, "public:DEFAULT_GROUP:naming/svc-a", "w") {
		t.Fatal("reader should not have write permission")
	}
	if m.Authorize(ctx, "public:DEFAULT_GROUP:cs/app.yaml", "r") {
		t.Fatal("reader's permission is scoped to naming/*, not cs/*")
	}
}

func TestAuthorizeWildcardRoleGrantsEverything(t *testing.T) {
	m := newTestManager()
	tok, _ := m.IssueToken("bob")
	ctx, _ := m.Authenticate(tok)
	if !m.Authorize(ctx, "anything:goes:here", "w") {
		t.Fatal("admin's wildcard role should grant any resource/action")
	}
}

func TestRotateSecretInvalidatesOldTokens(t *testing.T) {
	m := newTestManager()
	tok, err := m.IssueToken("alice")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if _, err := m.Authenticate(tok); err != nil {
		t.Fatalf("Authenticate before rotation: %v", err)
	}

	m.RotateSecret("new-secret")
	if _, err := m.Authenticate(tok); err == nil {
		t.Fatal("token signed under the old secret should fail after rotation")
	}
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter22")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !CheckPassword(hash, "hunter22") {
		t.Fatal("expected matching password to check out")
	}
	if CheckPassword(hash, "wrong-password") {
		t.Fatal("expected mismatched password to be rejected")
	}
}

func TestRemoveUserInvalidatesCachedClaims(t *testing.T) {
	m := newTestManager()
	tok, _ := m.IssueToken("alice")
	if _, err := m.Authenticate(tok); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	m.RemoveUser("alice")
	m.RemoveRole("reader")

	ctx, err := m.Authenticate(tok)
	if err != nil {
		t.Fatalf("token itself is still validly signed: %v", err)
	}
	if m.Authorize(ctx, "public:DEFAULT_GROUP:naming/svc-a", "r") {
		t.Fatal("removed role should no longer grant permission")
	}
}
