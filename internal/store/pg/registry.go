package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"medgrant.org/internal/registry"
)

var _ registry.Registry = (*Store)(nil)

// Resolve implements the registry oracle over the patients table.
func (s *Store) Resolve(ctx context.Context, ownerID string) (registry.Profile, bool, error) {
	var (
		p           registry.Profile
		displayName sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`select owner_account, status, display_name from patients where id = $1`, ownerID,
	).Scan(&p.OwnerAccount, &p.Status, &displayName)
	if errors.Is(err, sql.ErrNoRows) {
		return registry.Profile{}, false, nil
	}
	if err != nil {
		return registry.Profile{}, false, err
	}
	p.DisplayName = displayName.String
	return p, true, nil
}

// IsVerified reports whether the owner has a verified patient profile.
func (s *Store) IsVerified(ctx context.Context, ownerID string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`select status from patients where id = $1`, ownerID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == registry.StatusVerified, nil
}

// UpsertPatient registers or replaces a patient profile. Verification
// workflows live outside this service; this is the write surface they
// use.
func (s *Store) UpsertPatient(ctx context.Context, ownerID string, p registry.Profile) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return errors.New("pg: owner id is required")
	}
	if strings.TrimSpace(p.OwnerAccount) == "" {
		return errors.New("pg: owner account is required")
	}
	if p.Status == "" {
		p.Status = registry.StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		insert into patients(id, owner_account, status, display_name, created_at)
		values ($1,$2,$3,$4,$5)
		on conflict (id) do update
		set owner_account = excluded.owner_account,
		    status = excluded.status,
		    display_name = excluded.display_name
	`, ownerID, p.OwnerAccount, p.Status, nullable(p.DisplayName), time.Now().UTC())
	return err
}

// SetPatientStatus updates the verification status of an existing profile.
func (s *Store) SetPatientStatus(ctx context.Context, ownerID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`update patients set status = $1 where id = $2`, status, ownerID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func nullable(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
