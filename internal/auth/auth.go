// Package auth authenticates admin API callers with scoped bearer tokens.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"strings"
)

// Capabilities checked by the admin API. A ":rw" scope implies ":ro".
const (
	ScopeAll            = "*"
	ScopeSecretsRead    = "secrets:ro"
	ScopeSecretsWrite   = "secrets:rw"
	ScopeSecretsDecrypt = "secrets:decrypt"
	ScopeEventsRead     = "events:ro"
	ScopeJobsRead       = "jobs:ro"
	ScopeCacheRead      = "cache:ro"
	ScopeCacheWrite     = "cache:rw"
	ScopeSchedulerRead  = "scheduler:ro"
	ScopeSchedulerWrite = "scheduler:rw"
)

var ErrUnauthenticated = errors.New("invalid or missing credentials")

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

// User is an authenticated caller.
type User struct {
	Name   string
	Scopes map[string]struct{}
}

// SessionVerifier turns a presented credential into a User.
type SessionVerifier interface {
	VerifySession(ctx context.Context, token string) (*User, error)
}

// Authorizer decides whether a User holds a capability.
type Authorizer interface {
	HasPermission(user *User, capability string) bool
}

// TokenStore implements SessionVerifier and Authorizer over static configured
// tokens. Only SHA-256 digests of the tokens are kept.
type TokenStore struct {
	entries []tokenEntry
}

type tokenEntry struct {
	name   string
	digest [sha256.Size]byte
	scopes map[string]struct{}
}

func NewTokenStore(tokens []TokenConfig) *TokenStore {
	s := &TokenStore{}
	for _, t := range tokens {
		if strings.TrimSpace(t.Token) == "" {
			continue
		}
		name := t.Name
		if name == "" {
			name = "token"
		}
		s.entries = append(s.entries, tokenEntry{
			name:   name,
			digest: sha256.Sum256([]byte(t.Token)),
			scopes: expandScopes(t.Scopes),
		})
	}
	return s
}

// VerifySession compares the digest of token with every configured digest.
// Every entry is checked, so timing does not reveal which one matched.
func (s *TokenStore) VerifySession(_ context.Context, token string) (*User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	presented := sha256.Sum256([]byte(token))
	found := -1
	for i := range s.entries {
		eq := subtle.ConstantTimeCompare(presented[:], s.entries[i].digest[:])
		if eq == 1 && found < 0 {
			found = i
		}
	}
	if found < 0 {
		return nil, ErrUnauthenticated
	}
	e := s.entries[found]
	return &User{Name: e.name, Scopes: e.scopes}, nil
}

func (s *TokenStore) HasPermission(user *User, capability string) bool {
	return HasAnyScope(user, capability)
}

type userKey struct{}

func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey{}).(*User)
	return u, ok && u != nil
}

// ExtractBearerToken reads "Authorization: Bearer <token>". The scheme is
// matched case-insensitively.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	scheme, cred, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid Authorization header format")
	}
	if cred = strings.TrimSpace(cred); cred == "" {
		return "", errors.New("missing API key")
	}
	return cred, nil
}

// expandScopes drops blanks and adds "<resource>:ro" for every "<resource>:rw".
func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, raw := range scopes {
		scope := strings.TrimSpace(raw)
		if scope == "" {
			continue
		}
		out[scope] = struct{}{}
		if resource, ok := strings.CutSuffix(scope, ":rw"); ok {
			out[resource+":ro"] = struct{}{}
		}
	}
	return out
}

// HasAnyScope reports whether u holds "*" or at least one of required. An
// empty required list only needs an authenticated user.
func HasAnyScope(u *User, required ...string) bool {
	if u == nil {
		return false
	}
	if _, ok := u.Scopes[ScopeAll]; ok || len(required) == 0 {
		return true
	}
	return slices.ContainsFunc(required, func(scope string) bool {
		_, ok := u.Scopes[scope]
		return ok
	})
}
