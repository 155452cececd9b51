// Package auth is the coordinator's bootstrap token store. Tokens are
// opaque to the sync kernel, per SPEC_FULL.md section 6: the coordinator
// never authenticates against the external music provider itself, it
// only binds an issued token to a user id for the lifetime of a process.
package auth

import (
	"sync"

	"github.com/google/uuid"

	"pirateradio/internal/domain"
)

// Store issues and resolves bearer tokens in memory. Grounded on the
// teacher's in-memory presence map (internal/core.ChannelState), narrowed
// to a single token->identity projection instead of full session state.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// Identity is the principal a bearer token resolves to.
type Identity struct {
	UserID      string
	DisplayName string
}

func New() *Store {
	return &Store{tokens: make(map[string]Identity)}
}

// Issue mints a fresh opaque token bound to a caller-supplied external
// user id and display name. Re-issuing for the same external id returns
// a new token; the old one keeps working until process restart, matching
// the "bootstrap a session token" wording in SPEC_FULL.md section 6
// rather than a revocation model, which is out of scope for the core.
func (s *Store) Issue(externalUserID, displayName string) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = Identity{UserID: externalUserID, DisplayName: displayName}
	s.mu.Unlock()
	return token
}

// Resolve looks up the identity bound to token.
func (s *Store) Resolve(token string) (Identity, error) {
	s.mu.RLock()
	id, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok {
		return Identity{}, domain.NewError(domain.ErrNotAuthorized, "unknown or expired bearer token", nil)
	}
	return id, nil
}
