package grant

import (
	"context"
	"fmt"
	"math"
	"sync"

	"medgrant.org/internal/registry"
)

// Service defines the access-grant engine operations. Mutating calls
// are all-or-nothing: a business failure leaves no trace in state or
// in the audit trail.
type Service interface {
	Mint(ctx context.Context, caller, ownerID, recipient string, scopes []Scope, duration uint64, terms string) (Token, error)
	Revoke(ctx context.Context, caller string, tokenID int64) error
	Transfer(ctx context.Context, caller string, tokenID int64, newHolder string) error
	LogAccess(ctx context.Context, caller string, tokenID int64, notes string) error

	GetToken(ctx context.Context, tokenID int64) (Token, bool, error)
	GetScopes(ctx context.Context, tokenID int64) ([]Scope, error)
	GetAuditEntry(ctx context.Context, tokenID, seq int64) (AuditEntry, bool, error)
	GetTokenCount(ctx context.Context, ownerID string) (int64, error)
	HasAccess(ctx context.Context, tokenID int64, account string) (bool, error)
	LedgerTime(ctx context.Context) (uint64, error)
}

// InMemory implements Service with in-process concurrency safety.
// Every mutating operation runs as one critical section covering the
// precondition checks, the state mutation, the counter update and the
// audit append, so audit sequence ids can never collide or skip.
// NOTE: Replace with the pg store for durable deployments.
type InMemory struct {
	mu       sync.RWMutex
	reg      registry.Registry
	clock    Clock
	tokens   map[int64]*Token
	trail    map[int64][]AuditEntry
	counters map[string]int64 // owner id -> tokens minted
	lastID   int64
}

// NewInMemory creates a fresh engine over the given registry oracle
// and ledger clock.
func NewInMemory(reg registry.Registry, clock Clock) *InMemory {
	return &InMemory{
		reg:      reg,
		clock:    clock,
		tokens:   make(map[int64]*Token),
		trail:    make(map[int64][]AuditEntry),
		counters: make(map[string]int64),
	}
}

// Mint issues a new token over ownerID's records to recipient. The
// caller must be the registered, verified owner account. Returns the
// minted token with its seq-0 audit entry already recorded.
func (s *InMemory) Mint(ctx context.Context, caller, ownerID, recipient string, scopes []Scope, duration uint64, terms string) (Token, error) {
	profile, ok, err := s.reg.Resolve(ctx, ownerID)
	if err != nil {
		return Token{}, fmt.Errorf("resolve owner: %w", err)
	}
	if !ok {
		return Token{}, ErrInvalidOwner
	}
	if profile.OwnerAccount != caller {
		return Token{}, ErrNotOwner
	}
	verified, err := s.reg.IsVerified(ctx, ownerID)
	if err != nil {
		return Token{}, fmt.Errorf("verify owner: %w", err)
	}
	if !verified {
		return Token{}, ErrInvalidOwner
	}
	if len(scopes) > MaxScopes {
		return Token{}, ErrInvalidScope
	}
	for _, sc := range scopes {
		if !sc.Valid() {
			return Token{}, ErrInvalidScope
		}
	}
	if duration == 0 {
		return Token{}, ErrInvalidDuration
	}
	// Over-long terms reuses the duration error code for backward
	// compatibility with existing callers.
	if len(terms) > MaxTermsLen {
		return Token{}, ErrInvalidDuration
	}
	if recipient == caller {
		return Token{}, ErrInvalidRecipient
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	// Expiry must stay representable: now + duration may not wrap, or
	// the token would be born already expired.
	if duration > math.MaxUint64-now {
		return Token{}, ErrInvalidDuration
	}
	s.lastID++
	tok := &Token{
		ID:        s.lastID,
		OwnerID:   ownerID,
		Holder:    recipient,
		GrantedTo: recipient,
		Scopes:    append([]Scope(nil), scopes...),
		IssuedAt:  now,
		ExpiresAt: now + duration,
		Terms:     terms,
		Active:    true,
	}
	s.tokens[tok.ID] = tok
	s.counters[ownerID]++
	s.appendEntry(tok.ID, ActionMinted, caller, terms)
	s.clock.Advance(1)
	return tok.copy(), nil
}

// Revoke permanently deactivates the token. Either the record owner or
// the current holder may revoke; an expired or already-revoked token
// cannot be revoked again.
func (s *InMemory) Revoke(ctx context.Context, caller string, tokenID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	profile, ok, err := s.reg.Resolve(ctx, tok.OwnerID)
	if err != nil {
		return fmt.Errorf("resolve owner: %w", err)
	}
	if !ok {
		return ErrInvalidOwner
	}
	if caller != profile.OwnerAccount && caller != tok.Holder {
		return ErrUnauthorized
	}
	if !tok.Usable(s.clock.Now()) {
		return ErrTokenExpired
	}

	tok.Active = false
	s.appendEntry(tokenID, ActionRevoked, caller, "")
	s.clock.Advance(1)
	return nil
}

// Transfer hands the token to newHolder. Only the current holder may
// transfer, and never back to the record owner account.
func (s *InMemory) Transfer(ctx context.Context, caller string, tokenID int64, newHolder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	if caller != tok.Holder {
		return ErrNotTokenHolder
	}
	if !tok.Usable(s.clock.Now()) {
		return ErrTokenExpired
	}
	profile, ok, err := s.reg.Resolve(ctx, tok.OwnerID)
	if err != nil {
		return fmt.Errorf("resolve owner: %w", err)
	}
	if !ok {
		return ErrInvalidOwner
	}
	if newHolder == profile.OwnerAccount {
		return ErrInvalidRecipient
	}

	tok.Holder = newHolder
	tok.GrantedTo = newHolder
	s.appendEntry(tokenID, ActionTransferred, caller, newHolder)
	s.clock.Advance(1)
	return nil
}

// LogAccess records that the holder actually read records under this
// token. Record storage calls this before releasing decrypted content
// so that every read is attributable.
func (s *InMemory) LogAccess(ctx context.Context, caller string, tokenID int64, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	if caller != tok.Holder {
		return ErrNotTokenHolder
	}
	if !tok.Usable(s.clock.Now()) {
		return ErrTokenExpired
	}
	if len(notes) > MaxNotesLen {
		return ErrInvalidDuration
	}

	s.appendEntry(tokenID, ActionAccessed, caller, notes)
	s.clock.Advance(1)
	return nil
}

// appendEntry stores the next audit entry for the token. The sequence
// id is the count of entries already stored, computed under the same
// lock as the insert, so ids stay contiguous with no duplicates.
// Callers must hold s.mu.
func (s *InMemory) appendEntry(tokenID int64, action Action, actor, notes string) {
	entries := s.trail[tokenID]
	s.trail[tokenID] = append(entries, AuditEntry{
		TokenID:   tokenID,
		Seq:       int64(len(entries)),
		Action:    action,
		Actor:     actor,
		Timestamp: s.clock.Now(),
		Notes:     notes,
	})
}

// GetToken returns the token and whether it exists. Absent tokens are
// not an error.
func (s *InMemory) GetToken(ctx context.Context, tokenID int64) (Token, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		return Token{}, false, nil
	}
	return tok.copy(), true, nil
}

// GetScopes returns the token's scopes, or ErrTokenNotFound.
func (s *InMemory) GetScopes(ctx context.Context, tokenID int64) ([]Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return append([]Scope(nil), tok.Scopes...), nil
}

// GetAuditEntry returns the entry at (tokenID, seq) and whether it exists.
func (s *InMemory) GetAuditEntry(ctx context.Context, tokenID, seq int64) (AuditEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.trail[tokenID]
	if seq < 0 || seq >= int64(len(entries)) {
		return AuditEntry{}, false, nil
	}
	return entries[seq], true, nil
}

// GetTokenCount returns how many tokens were ever minted for the
// owner, revoked and expired ones included. Zero for unknown owners.
func (s *InMemory) GetTokenCount(ctx context.Context, ownerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[ownerID], nil
}

// HasAccess reports whether account may use the token right now. Never
// fails on business conditions; an absent token simply yields false.
func (s *InMemory) HasAccess(ctx context.Context, tokenID int64, account string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		return false, nil
	}
	return tok.Holder == account && tok.Usable(s.clock.Now()), nil
}

// LedgerTime returns the current ledger time.
func (s *InMemory) LedgerTime(ctx context.Context) (uint64, error) {
	return s.clock.Now(), nil
}

func (t *Token) copy() Token {
	out := *t
	out.Scopes = append([]Scope(nil), t.Scopes...)
	return out
}
