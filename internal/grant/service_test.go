package grant

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"medgrant.org/internal/registry"
)

const (
	ownerRecord  = "patient-rec-1"
	ownerAccount = "acct-patient"
	doctor       = "acct-doctor"
	doctor2      = "acct-doctor-2"
)

func newTestEngine(t *testing.T) (*InMemory, *registry.InMemory, *StepClock) {
	t.Helper()
	reg := registry.NewInMemory()
	if err := reg.Put(ownerRecord, registry.Profile{
		OwnerAccount: ownerAccount,
		Status:       registry.StatusVerified,
	}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	clock := NewStepClock(0)
	return NewInMemory(reg, clock), reg, clock
}

func mintDefault(t *testing.T, s *InMemory) Token {
	t.Helper()
	tok, err := s.Mint(context.Background(), ownerAccount, ownerRecord, doctor,
		[]Scope{ScopeReadLab, ScopeReadConsult}, 100, "Read access")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return tok
}

func TestMintSuccess(t *testing.T) {
	s, _, _ := newTestEngine(t)
	ctx := context.Background()

	tok := mintDefault(t, s)
	if tok.ID != 1 {
		t.Fatalf("expected first token id 1, got %d", tok.ID)
	}
	if tok.ExpiresAt <= tok.IssuedAt {
		t.Fatalf("expiry %d not after issuance %d", tok.ExpiresAt, tok.IssuedAt)
	}
	if tok.Holder != doctor || tok.GrantedTo != doctor {
		t.Fatalf("unexpected holder %q / granted_to %q", tok.Holder, tok.GrantedTo)
	}
	if !tok.Active {
		t.Fatal("minted token must be active")
	}

	entry, ok, err := s.GetAuditEntry(ctx, tok.ID, 0)
	if err != nil || !ok {
		t.Fatalf("audit entry missing: ok=%v err=%v", ok, err)
	}
	if entry.Action != ActionMinted {
		t.Fatalf("expected minted action, got %q", entry.Action)
	}
	if entry.Actor != ownerAccount {
		t.Fatalf("expected actor %q, got %q", ownerAccount, entry.Actor)
	}
	if entry.Notes != "Read access" {
		t.Fatalf("expected terms in notes, got %q", entry.Notes)
	}
}

func TestMintAdvancesLedgerTime(t *testing.T) {
	s, _, clock := newTestEngine(t)
	before := clock.Now()
	mintDefault(t, s)
	if clock.Now() != before+1 {
		t.Fatalf("clock not advanced by one: before=%d after=%d", before, clock.Now())
	}
}

func TestMintPreconditionOrder(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name      string
		caller    string
		ownerID   string
		recipient string
		scopes    []Scope
		duration  uint64
		terms     string
		want      error
	}{
		{"unknown owner", ownerAccount, "no-such-record", doctor, []Scope{ScopeReadLab}, 10, "", ErrInvalidOwner},
		{"caller not owner", doctor, ownerRecord, doctor2, []Scope{ScopeReadLab}, 10, "", ErrNotOwner},
		{"invalid scope", ownerAccount, ownerRecord, doctor, []Scope{"invalid"}, 10, "", ErrInvalidScope},
		{"too many scopes", ownerAccount, ownerRecord, doctor, []Scope{ScopeReadLab, ScopeReadConsult, ScopeWriteConsult, ScopeReadImaging, ScopeEmergencyAccess, ScopeReadLab}, 10, "", ErrInvalidScope},
		{"zero duration", ownerAccount, ownerRecord, doctor, []Scope{ScopeReadLab}, 0, "", ErrInvalidDuration},
		{"terms too long", ownerAccount, ownerRecord, doctor, []Scope{ScopeReadLab}, 10, string(make([]byte, MaxTermsLen+1)), ErrInvalidDuration},
		{"self grant", ownerAccount, ownerRecord, ownerAccount, []Scope{ScopeReadLab}, 10, "", ErrInvalidRecipient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _, _ := newTestEngine(t)
			_, err := s.Mint(ctx, tc.caller, tc.ownerID, tc.recipient, tc.scopes, tc.duration, tc.terms)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if count, _ := s.GetTokenCount(ctx, tc.ownerID); count != 0 {
				t.Fatalf("failed mint must not allocate; count=%d", count)
			}
		})
	}
}

func TestMintRejectsWrappingDuration(t *testing.T) {
	s, _, clock := newTestEngine(t)
	ctx := context.Background()
	clock.Advance(100)

	_, err := s.Mint(ctx, ownerAccount, ownerRecord, doctor,
		[]Scope{ScopeReadLab}, math.MaxUint64, "")
	if !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}

	if _, ok, _ := s.GetToken(ctx, 1); ok {
		t.Fatal("failed mint must not create a token")
	}
	if count, _ := s.GetTokenCount(ctx, ownerRecord); count != 0 {
		t.Fatalf("failed mint must not count; count=%d", count)
	}
	if clock.Now() != 100 {
		t.Fatalf("failed mint must not tick the clock; now=%d", clock.Now())
	}
}

func TestMintUnverifiedOwner(t *testing.T) {
	s, reg, _ := newTestEngine(t)
	if err := reg.SetStatus(ownerRecord, registry.StatusPending); err != nil {
		t.Fatalf("set status: %v", err)
	}
	_, err := s.Mint(context.Background(), ownerAccount, ownerRecord, doctor, []Scope{ScopeReadLab}, 10, "")
	if !errors.Is(err, ErrInvalidOwner) {
		t.Fatalf("expected ErrInvalidOwner for unverified owner, got %v", err)
	}
}

func TestMintTwiceAllocatesIncreasingIDs(t *testing.T) {
	s, _, _ := newTestEngine(t)
	ctx := context.Background()

	tok1 := mintDefault(t, s)
	tok2 := mintDefault(t, s)
	if tok2.ID != tok1.ID+1 {
		t.Fatalf("expected consecutive ids, got %d then %d", tok1.ID, tok2.ID)
	}
	count, err := s.GetTokenCount(ctx, ownerRecord)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected owner count 2, got %d", count)
	}
}

func TestRevokeByOwnerAndByHolder(t *testing.T) {
	ctx := context.Background()
	for _, caller := range []string{ownerAccount, doctor} {
		s, _, _ := newTestEngine(t)
		tok := mintDefault(t, s)
		if err := s.Revoke(ctx, caller, tok.ID); err != nil {
			t.Fatalf("revoke by %q: %v", caller, err)
		}
		got, ok, _ := s.GetToken(ctx, tok.ID)
		if !ok || got.Active {
			t.Fatalf("token still active after revoke by %q", caller)
		}
		if has, _ := s.HasAccess(ctx, tok.ID, doctor); has {
			t.Fatal("revoked token must not grant access")
		}
	}
}

func TestRevokeIsTerminal(t *testing.T) {
	s, _, _ := newTestEngine(t)
	ctx := context.Background()
	tok := mintDefault(t, s)

	if err := s.Revoke(ctx, ownerAccount, tok.ID); err != nil {
		t.Fatal(err)
	}
	// Nothing may reactivate or use a revoked token.
	if err := s.Revoke(ctx, ownerAccount, tok.ID); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("second revoke: expected ErrTokenExpired, got %v", err)
	}
	if err := s.Transfer(ctx, doctor, tok.ID, doctor2); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("transfer after revoke: expected ErrTokenExpired, got %v", err)
	}
	if err := s.LogAccess(ctx, doctor, tok.ID, "read"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("access after revoke: expected ErrTokenExpired, got %v", err)
	}
	got, _, _ := s.GetToken(ctx, tok.ID)
	if got.Active {
		t.Fatal("active flag flipped back on")
	}
}

func TestRevokeErrors(t *testing.T) {
	s, _, _ := newTestEngine(t)
	ctx := context.Background()
	tok := mintDefault(t, s)

	if err := s.Revoke(ctx, ownerAccount, 999); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	if err := s.Revoke(ctx, doctor2, tok.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRevokeExpiredToken(t *testing.T) {
	s, _, clock := newTestEngine(t)
	ctx := context.Background()

	tok, err := s.Mint(ctx, ownerAccount, ownerRecord, doctor, []Scope{ScopeReadLab}, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(100)

	if err := s.Revoke(ctx, doctor, tok.ID); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
	if has, _ := s.HasAccess(ctx, tok.ID, doctor); has {
		t.Fatal("expired token must not grant access")
	}
}

func TestTransfer(t *testing.T) {
	s, _, _ := newTestEngine(t)
	ctx := context.Background()
	tok := mintDefault(t, s)

	if err := s.Transfer(ctx, doctor, tok.ID, doctor2); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	got, _, _ := s.GetToken(ctx, tok.ID)
	if got.Holder != doctor2 || got.GrantedTo != doctor2 {
		t.Fatalf("holder not updated: holder=%q granted_to=%q", got.Holder, got.GrantedTo)
	}
	if has, _ := s.HasAccess(ctx, tok.ID, doctor); has {
		t.Fatal("previous holder retained access")
	}
	if has, _ := s.HasAccess(ctx, tok.ID, doctor2); !has {
		t.Fatal("new holder has no access")
	}

	entry, ok, _ := s.GetAuditEntry(ctx, tok.ID, 1)
	if !ok || entry.Action != ActionTransferred {
		t.Fatalf("expected transferred entry at seq 1, got ok=%v action=%q", ok, entry.Action)
	}
	if entry.Actor != doctor || entry.Notes != doctor2 {
		t.Fatalf("unexpected transfer entry: actor=%q notes=%q", entry.Actor, entry.Notes)
	}
}

func TestTransferErrors(t *testing.T) {
	s, _, _ := newTestEngine(t)
	ctx := context.Background()
	tok := mintDefault(t, s)

	if err := s.Transfer(ctx, doctor2, tok.ID, doctor2); !errors.Is(err, ErrNotTokenHolder) {
		t.Fatalf("expected ErrNotTokenHolder, got %v", err)
	}
	if err := s.Transfer(ctx, doctor, 42, doctor2); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
	// The record owner can never end up holding a grant over their own
	// records, symmetric with the mint self-grant restriction.
	if err := s.Transfer(ctx, doctor, tok.ID, ownerAccount); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected ErrInvalidRecipient, got %v", err)
	}
}

func TestLogAccess(t *testing.T) {
	s, _, _ := newTestEngine(t)
	ctx := context.Background()
	tok := mintDefault(t, s)

	if err := s.LogAccess(ctx, doctor, tok.ID, "viewed lab results"); err != nil {
		t.Fatalf("log access: %v", err)
	}
	entry, ok, _ := s.GetAuditEntry(ctx, tok.ID, 1)
	if !ok || entry.Action != ActionAccessed {
		t.Fatalf("expected accessed entry at seq 1, got ok=%v action=%q", ok, entry.Action)
	}
	if entry.Notes != "viewed lab results" {
		t.Fatalf("unexpected notes %q", entry.Notes)
	}

	// Token state is untouched apart from the trail.
	got, _, _ := s.GetToken(ctx, tok.ID)
	if !got.Active || got.Holder != doctor {
		t.Fatalf("log access mutated token: %+v", got)
	}

	if err := s.LogAccess(ctx, doctor2, tok.ID, ""); !errors.Is(err, ErrNotTokenHolder) {
		t.Fatalf("expected ErrNotTokenHolder, got %v", err)
	}
	if err := s.LogAccess(ctx, doctor, tok.ID, string(make([]byte, MaxNotesLen+1))); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration for oversized notes, got %v", err)
	}

	// Existence and holder checks come before the notes length check.
	long := string(make([]byte, MaxNotesLen+1))
	if err := s.LogAccess(ctx, doctor, tok.ID+1, long); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for missing token, got %v", err)
	}
	if err := s.LogAccess(ctx, doctor2, tok.ID, long); !errors.Is(err, ErrNotTokenHolder) {
		t.Fatalf("expected ErrNotTokenHolder for non-holder, got %v", err)
	}
}

func TestAuditSequenceContiguous(t *testing.T) {
	s, _, _ := newTestEngine(t)
	ctx := context.Background()
	tok := mintDefault(t, s)

	if err := s.LogAccess(ctx, doctor, tok.ID, "first read"); err != nil {
		t.Fatal(err)
	}
	if err := s.Transfer(ctx, doctor, tok.ID, doctor2); err != nil {
		t.Fatal(err)
	}
	if err := s.LogAccess(ctx, doctor2, tok.ID, "second read"); err != nil {
		t.Fatal(err)
	}
	if err := s.Revoke(ctx, ownerAccount, tok.ID); err != nil {
		t.Fatal(err)
	}

	want := []Action{ActionMinted, ActionAccessed, ActionTransferred, ActionAccessed, ActionRevoked}
	for seq, action := range want {
		entry, ok, err := s.GetAuditEntry(ctx, tok.ID, int64(seq))
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("missing audit entry at seq %d", seq)
		}
		if entry.Seq != int64(seq) || entry.Action != action {
			t.Fatalf("seq %d: got seq=%d action=%q, want %q", seq, entry.Seq, entry.Action, action)
		}
	}
	if _, ok, _ := s.GetAuditEntry(ctx, tok.ID, int64(len(want))); ok {
		t.Fatal("unexpected entry past the end of the trail")
	}
}

func TestQueriesOnAbsentToken(t *testing.T) {
	s, _, _ := newTestEngine(t)
	ctx := context.Background()

	if _, ok, err := s.GetToken(ctx, 7); ok || err != nil {
		t.Fatalf("absent token: ok=%v err=%v", ok, err)
	}
	if has, err := s.HasAccess(ctx, 7, doctor); has || err != nil {
		t.Fatalf("absent token access: has=%v err=%v", has, err)
	}
	if _, err := s.GetScopes(ctx, 7); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound from GetScopes, got %v", err)
	}
	if count, err := s.GetTokenCount(ctx, "nobody"); count != 0 || err != nil {
		t.Fatalf("unknown owner count: %d err=%v", count, err)
	}
}

func TestHasAccessTracksExpiry(t *testing.T) {
	s, _, clock := newTestEngine(t)
	ctx := context.Background()

	tok, err := s.Mint(ctx, ownerAccount, ownerRecord, doctor, []Scope{ScopeReadLab}, 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if has, _ := s.HasAccess(ctx, tok.ID, doctor); !has {
		t.Fatal("fresh token must grant access to holder")
	}
	if has, _ := s.HasAccess(ctx, tok.ID, ownerAccount); has {
		t.Fatal("owner account is not the holder")
	}

	// Advance to exactly the expiry boundary: expiry time itself is
	// already outside the usable window.
	clock.Advance(tok.ExpiresAt - clock.Now())
	if has, _ := s.HasAccess(ctx, tok.ID, doctor); has {
		t.Fatal("token usable at expiry boundary")
	}
}

func TestConcurrentLogAccessKeepsTrailContiguous(t *testing.T) {
	s, _, _ := newTestEngine(t)
	ctx := context.Background()
	tok, err := s.Mint(ctx, ownerAccount, ownerRecord, doctor, []Scope{ScopeReadLab}, 10_000, "")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.LogAccess(ctx, doctor, tok.ID, "concurrent read")
		}()
	}
	wg.Wait()

	for seq := int64(0); seq <= int64(N); seq++ {
		entry, ok, err := s.GetAuditEntry(ctx, tok.ID, seq)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("gap in audit trail at seq %d", seq)
		}
		if entry.Seq != seq {
			t.Fatalf("stored seq %d at position %d", entry.Seq, seq)
		}
	}
	if _, ok, _ := s.GetAuditEntry(ctx, tok.ID, int64(N+1)); ok {
		t.Fatal("duplicate audit entries appended")
	}
}

func TestGetScopesReturnsCopy(t *testing.T) {
	s, _, _ := newTestEngine(t)
	ctx := context.Background()
	tok := mintDefault(t, s)

	scopes, err := s.GetScopes(ctx, tok.ID)
	if err != nil {
		t.Fatal(err)
	}
	scopes[0] = "tampered"

	again, _ := s.GetScopes(ctx, tok.ID)
	if again[0] != ScopeReadLab {
		t.Fatalf("internal scope slice mutated: %v", again)
	}
}
