package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"medgrant.org/internal/grant"
)

// Store is the durable grant engine. Every mutating operation runs in
// one SQL transaction that locks the single ledger_state row, so the
// serial execution model holds: checks, mutation, counter update and
// audit append commit together or not at all.
type Store struct {
	db *sql.DB
}

var _ grant.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// lockLedger serializes mutating operations and returns the current
// ledger state. Callers must run inside tx.
func lockLedger(ctx context.Context, tx *sql.Tx) (lastID int64, clock uint64, err error) {
	var rawClock int64
	err = tx.QueryRowContext(ctx,
		`select last_token_id, clock from ledger_state where id = 1 for update`,
	).Scan(&lastID, &rawClock)
	if err != nil {
		return 0, 0, fmt.Errorf("lock ledger state: %w", err)
	}
	return lastID, uint64(rawClock), nil
}

func tickLedger(ctx context.Context, tx *sql.Tx, lastID int64) error {
	_, err := tx.ExecContext(ctx,
		`update ledger_state set last_token_id = $1, clock = clock + 1 where id = 1`, lastID)
	return err
}

func resolveOwner(ctx context.Context, q queryer, ownerID string) (account, status string, found bool, err error) {
	err = q.QueryRowContext(ctx,
		`select owner_account, status from patients where id = $1`, ownerID,
	).Scan(&account, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return account, status, true, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Mint(ctx context.Context, caller, ownerID, recipient string, scopes []grant.Scope, duration uint64, terms string) (grant.Token, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return grant.Token{}, err
	}
	defer func() { _ = tx.Rollback() }()

	lastID, clock, err := lockLedger(ctx, tx)
	if err != nil {
		return grant.Token{}, err
	}

	account, status, found, err := resolveOwner(ctx, tx, ownerID)
	if err != nil {
		return grant.Token{}, fmt.Errorf("resolve owner: %w", err)
	}
	if !found {
		return grant.Token{}, grant.ErrInvalidOwner
	}
	if account != caller {
		return grant.Token{}, grant.ErrNotOwner
	}
	if status != "verified" {
		return grant.Token{}, grant.ErrInvalidOwner
	}
	if len(scopes) > grant.MaxScopes {
		return grant.Token{}, grant.ErrInvalidScope
	}
	for _, sc := range scopes {
		if !sc.Valid() {
			return grant.Token{}, grant.ErrInvalidScope
		}
	}
	if duration == 0 {
		return grant.Token{}, grant.ErrInvalidDuration
	}
	// Over-long terms reuses the duration error code for backward
	// compatibility with existing callers.
	if len(terms) > grant.MaxTermsLen {
		return grant.Token{}, grant.ErrInvalidDuration
	}
	if recipient == caller {
		return grant.Token{}, grant.ErrInvalidRecipient
	}
	// Expiry must stay representable: clock + duration may not wrap, or
	// the token would be born already expired.
	if duration > math.MaxUint64-clock {
		return grant.Token{}, grant.ErrInvalidDuration
	}

	tok := grant.Token{
		ID:        lastID + 1,
		OwnerID:   ownerID,
		Holder:    recipient,
		GrantedTo: recipient,
		Scopes:    append([]grant.Scope(nil), scopes...),
		IssuedAt:  clock,
		ExpiresAt: clock + duration,
		Terms:     terms,
		Active:    true,
	}

	if _, err := tx.ExecContext(ctx, `
		insert into grants(id, owner_id, holder, granted_to, scopes, issued_at, expires_at, terms, active)
		values ($1,$2,$3,$4,$5,$6,$7,$8,true)
	`, tok.ID, tok.OwnerID, tok.Holder, tok.GrantedTo, joinScopes(tok.Scopes),
		int64(tok.IssuedAt), int64(tok.ExpiresAt), tok.Terms); err != nil {
		return grant.Token{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into grant_counters(owner_id, minted) values ($1, 1)
		on conflict (owner_id) do update set minted = grant_counters.minted + 1
	`, ownerID); err != nil {
		return grant.Token{}, err
	}
	if err := appendEntry(ctx, tx, tok.ID, grant.ActionMinted, caller, clock, terms); err != nil {
		return grant.Token{}, err
	}
	if err := tickLedger(ctx, tx, tok.ID); err != nil {
		return grant.Token{}, err
	}
	if err := tx.Commit(); err != nil {
		return grant.Token{}, err
	}
	return tok, nil
}

func (s *Store) Revoke(ctx context.Context, caller string, tokenID int64) error {
	return s.mutateToken(ctx, tokenID, func(tx *sql.Tx, tok grant.Token, clock uint64) error {
		account, _, found, err := resolveOwner(ctx, tx, tok.OwnerID)
		if err != nil {
			return fmt.Errorf("resolve owner: %w", err)
		}
		if !found {
			return grant.ErrInvalidOwner
		}
		if caller != account && caller != tok.Holder {
			return grant.ErrUnauthorized
		}
		if !tok.Usable(clock) {
			return grant.ErrTokenExpired
		}
		if _, err := tx.ExecContext(ctx, `update grants set active = false where id = $1`, tokenID); err != nil {
			return err
		}
		return appendEntry(ctx, tx, tokenID, grant.ActionRevoked, caller, clock, "")
	})
}

func (s *Store) Transfer(ctx context.Context, caller string, tokenID int64, newHolder string) error {
	return s.mutateToken(ctx, tokenID, func(tx *sql.Tx, tok grant.Token, clock uint64) error {
		if caller != tok.Holder {
			return grant.ErrNotTokenHolder
		}
		if !tok.Usable(clock) {
			return grant.ErrTokenExpired
		}
		account, _, found, err := resolveOwner(ctx, tx, tok.OwnerID)
		if err != nil {
			return fmt.Errorf("resolve owner: %w", err)
		}
		if !found {
			return grant.ErrInvalidOwner
		}
		if newHolder == account {
			return grant.ErrInvalidRecipient
		}
		if _, err := tx.ExecContext(ctx,
			`update grants set holder = $1, granted_to = $1 where id = $2`, newHolder, tokenID); err != nil {
			return err
		}
		return appendEntry(ctx, tx, tokenID, grant.ActionTransferred, caller, clock, newHolder)
	})
}

func (s *Store) LogAccess(ctx context.Context, caller string, tokenID int64, notes string) error {
	return s.mutateToken(ctx, tokenID, func(tx *sql.Tx, tok grant.Token, clock uint64) error {
		if caller != tok.Holder {
			return grant.ErrNotTokenHolder
		}
		if !tok.Usable(clock) {
			return grant.ErrTokenExpired
		}
		if len(notes) > grant.MaxNotesLen {
			return grant.ErrInvalidDuration
		}
		return appendEntry(ctx, tx, tokenID, grant.ActionAccessed, caller, clock, notes)
	})
}

// mutateToken wraps the shared transaction skeleton of the non-mint
// mutations: lock ledger state, load and lock the token, apply, tick
// the clock, commit.
func (s *Store) mutateToken(ctx context.Context, tokenID int64, apply func(tx *sql.Tx, tok grant.Token, clock uint64) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	lastID, clock, err := lockLedger(ctx, tx)
	if err != nil {
		return err
	}

	tok, found, err := scanToken(tx.QueryRowContext(ctx, selectTokenSQL+` for update`, tokenID))
	if err != nil {
		return err
	}
	if !found {
		return grant.ErrTokenNotFound
	}

	if err := apply(tx, tok, clock); err != nil {
		return err
	}
	if err := tickLedger(ctx, tx, lastID); err != nil {
		return err
	}
	return tx.Commit()
}

// appendEntry inserts the next audit entry for the token. The sequence
// id is the count of rows already present, read in the same
// transaction as the insert; the ledger_state lock makes the
// count-then-insert pair race-free.
func appendEntry(ctx context.Context, tx *sql.Tx, tokenID int64, action grant.Action, actor string, clock uint64, notes string) error {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`select count(*) from grant_audit where token_id = $1`, tokenID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next audit seq: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		insert into grant_audit(token_id, seq, action, actor, ts, notes)
		values ($1,$2,$3,$4,$5,$6)
	`, tokenID, seq, string(action), actor, int64(clock), notes)
	return err
}

const selectTokenSQL = `
	select id, owner_id, holder, granted_to, scopes, issued_at, expires_at, terms, active
	from grants where id = $1`

func scanToken(row *sql.Row) (grant.Token, bool, error) {
	var (
		tok       grant.Token
		scopesRaw string
		issuedAt  int64
		expiresAt int64
	)
	err := row.Scan(&tok.ID, &tok.OwnerID, &tok.Holder, &tok.GrantedTo,
		&scopesRaw, &issuedAt, &expiresAt, &tok.Terms, &tok.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.Token{}, false, nil
	}
	if err != nil {
		return grant.Token{}, false, err
	}
	tok.Scopes = splitScopes(scopesRaw)
	tok.IssuedAt = uint64(issuedAt)
	tok.ExpiresAt = uint64(expiresAt)
	return tok, true, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID int64) (grant.Token, bool, error) {
	return scanToken(s.db.QueryRowContext(ctx, selectTokenSQL, tokenID))
}

func (s *Store) GetScopes(ctx context.Context, tokenID int64) ([]grant.Scope, error) {
	var scopesRaw string
	err := s.db.QueryRowContext(ctx, `select scopes from grants where id = $1`, tokenID).Scan(&scopesRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, grant.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return splitScopes(scopesRaw), nil
}

func (s *Store) GetAuditEntry(ctx context.Context, tokenID, seq int64) (grant.AuditEntry, bool, error) {
	var (
		entry  grant.AuditEntry
		action string
		ts     int64
	)
	err := s.db.QueryRowContext(ctx, `
		select token_id, seq, action, actor, ts, notes
		from grant_audit where token_id = $1 and seq = $2
	`, tokenID, seq).Scan(&entry.TokenID, &entry.Seq, &action, &entry.Actor, &ts, &entry.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return grant.AuditEntry{}, false, nil
	}
	if err != nil {
		return grant.AuditEntry{}, false, err
	}
	entry.Action = grant.Action(action)
	entry.Timestamp = uint64(ts)
	return entry, true, nil
}

func (s *Store) GetTokenCount(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`select coalesce(minted, 0) from grant_counters where owner_id = $1`, ownerID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) HasAccess(ctx context.Context, tokenID int64, account string) (bool, error) {
	var (
		holder    string
		active    bool
		expiresAt int64
		clock     int64
	)
	err := s.db.QueryRowContext(ctx, `
		select g.holder, g.active, g.expires_at, ls.clock
		from grants g, ledger_state ls
		where g.id = $1 and ls.id = 1
	`, tokenID).Scan(&holder, &active, &expiresAt, &clock)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return holder == account && active && uint64(clock) < uint64(expiresAt), nil
}

func (s *Store) LedgerTime(ctx context.Context) (uint64, error) {
	var clock int64
	if err := s.db.QueryRowContext(ctx, `select clock from ledger_state where id = 1`).Scan(&clock); err != nil {
		return 0, err
	}
	return uint64(clock), nil
}

// Scopes are stored as one comma-joined text column; the catalog
// guarantees no scope contains a comma.
func joinScopes(scopes []grant.Scope) string {
	parts := make([]string, len(scopes))
	for i, sc := range scopes {
		parts[i] = string(sc)
	}
	return strings.Join(parts, ",")
}

func splitScopes(raw string) []grant.Scope {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	scopes := make([]grant.Scope, len(parts))
	for i, p := range parts {
		scopes[i] = grant.Scope(p)
	}
	return scopes
}
