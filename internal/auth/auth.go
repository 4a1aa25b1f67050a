// Package auth issues and verifies the JWT tokens the payload dispatcher
// uses to authenticate connections and authorize handler invocations.
// Token handling follows aistore's use of golang-jwt/jwt/v4 for bearer
// tokens; decoded claims sit behind a bounded, TTL-expiring cache rather
// than being re-parsed on every call.
package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/batata-io/batata/internal/berrors"
)

// Requirement classifies how strongly a handler demands authentication.
type Requirement int

const (
	None Requirement = iota
	Authenticated
	Read
	Write
	Internal
)

// Role is a named bundle of resource-action permissions. Resource strings
// follow the "{ns}:{grp}:naming/{svc}" / ".../cs/{dataId}" shape and may
// end in "*" to match a prefix.
type Role struct {
	Name        string
	Permissions []Permission
}

type Permission struct {
	Resource string // may end in "*"
	Action   string // "r", "w", or "rw"
}

type claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

type cacheEntry struct {
	claims  claims
	expires time.Time
}

// Manager issues and validates tokens and answers permission checks. It is
// safe for concurrent use; the decode cache is read-mostly with a bounded
// TTL.
type Manager struct {
	secret []byte
	ttl    time.Duration

	mu    sync.RWMutex
	roles map[string]*Role
	users map[string][]string // username -> role names

	cacheMu sync.RWMutex
	cache   map[string]cacheEntry
}

func NewManager(secret string, ttl time.Duration) *Manager {
	return &Manager{
		secret: []byte(secret),
		ttl:    ttl,
		roles:  make(map[string]*Role),
		users:  make(map[string][]string),
		cache:  make(map[string]cacheEntry),
	}
}

func (m *Manager) PutRole(r *Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[r.Name] = r
}

func (m *Manager) GrantRole(username, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[username] = append(m.users[username], role)
}

// SetUserRoles replaces username's full role list, as applied from a
// committed USER_MUTATION.
func (m *Manager) SetUserRoles(username string, roles []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[username] = append([]string(nil), roles...)
}

// RemoveUser drops username and invalidates any cached claims for it.
func (m *Manager) RemoveUser(username string) {
	m.mu.Lock()
	delete(m.users, username)
	m.mu.Unlock()

	m.cacheMu.Lock()
	for tok, ce := range m.cache {
		if ce.claims.Username == username {
			delete(m.cache, tok)
		}
	}
	m.cacheMu.Unlock()
}

// RemoveRole drops a role definition, as applied from a committed
// ROLE_MUTATION delete.
func (m *Manager) RemoveRole(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roles, name)
}

// HashPassword bcrypt-hashes a plaintext password for storage in a
// UserRecord. Never store or compare plaintext passwords directly.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	return string(hash), nil
}

// CheckPassword reports whether plaintext matches the bcrypt hash.
func CheckPassword(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// IssueToken mints a signed JWT for username, valid for the manager's TTL.
func (m *Manager) IssueToken(username string) (string, error) {
	now := time.Now()
	m.mu.RLock()
	roles := append([]string(nil), m.users[username]...)
	m.mu.RUnlock()

	c := claims{
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// RotateSecret swaps the signing secret and invalidates the decode cache,
// since tokens signed under the old secret would otherwise still decode.
func (m *Manager) RotateSecret(secret string) {
	m.secret = []byte(secret)
	m.cacheMu.Lock()
	m.cache = make(map[string]cacheEntry)
	m.cacheMu.Unlock()
}

// Context is the authenticated identity attached to a connection after a
// successful ConnectionSetupRequest token check.
type Context struct {
	Username string
	Roles    []string
}

// Authenticate verifies token and returns the identity it carries.
func (m *Manager) Authenticate(token string) (*Context, error) {
	if token == "" {
		return nil, berrors.Unauthorized("missing token")
	}

	m.cacheMu.RLock()
	if ce, ok := m.cache[token]; ok && time.Now().Before(ce.expires) {
		m.cacheMu.RUnlock()
		return &Context{Username: ce.claims.Username, Roles: ce.claims.Roles}, nil
	}
	m.cacheMu.RUnlock()

	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, berrors.Unauthorized("invalid or expired token")
	}

	m.cacheMu.Lock()
	m.cache[token] = cacheEntry{claims: c, expires: c.ExpiresAt.Time}
	m.cacheMu.Unlock()

	return &Context{Username: c.Username, Roles: c.Roles}, nil
}

// Authorize answers whether ctx's roles grant action on resource.
func (m *Manager) Authorize(ctx *Context, resource, action string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, roleName := range ctx.Roles {
		role, ok := m.roles[roleName]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if matchResource(p.Resource, resource) && matchAction(p.Action, action) {
				return true
			}
		}
	}
	return false
}

func matchResource(pattern, resource string) bool {
	if pattern == resource {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(resource) >= len(prefix) && resource[:len(prefix)] == prefix
	}
	return false
}

func matchAction(granted, wanted string) bool {
	if granted == "rw" {
		return true
	}
	return granted == wanted
}
