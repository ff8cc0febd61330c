package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Verification statuses recorded for a patient profile.
const (
	StatusPending  = "pending"
	StatusVerified = "verified"
	StatusRejected = "rejected"
)

var ErrNotFound = errors.New("registry: profile not found")

// Profile is the registry's view of a record owner: the account that
// administers the record and the outcome of identity verification.
type Profile struct {
	OwnerAccount string `json:"owner_account"`
	Status       string `json:"status"`
	DisplayName  string `json:"display_name,omitempty"`
}

// Verified reports whether identity verification completed successfully.
func (p Profile) Verified() bool { return p.Status == StatusVerified }

// Registry resolves opaque record-owner identifiers to verified
// profiles. Implementations must be side-effect free from the caller's
// perspective; the grant engine treats it as a read-only oracle.
type Registry interface {
	// Resolve returns the profile for the owner id. The boolean is
	// false when no profile exists; the error is reserved for
	// infrastructure failures.
	Resolve(ctx context.Context, ownerID string) (Profile, bool, error)

	// IsVerified reports whether the owner id has a verified profile.
	// An unknown owner is simply not verified.
	IsVerified(ctx context.Context, ownerID string) (bool, error)
}

// Admin is the write surface consumed by the verification workflow
// collaborators; the grant engine itself never mutates the registry.
type Admin interface {
	UpsertPatient(ctx context.Context, ownerID string, p Profile) error
	SetPatientStatus(ctx context.Context, ownerID, status string) error
}

// InMemory is a map-backed Registry used by tests and the dev server.
type InMemory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewInMemory creates an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{profiles: make(map[string]Profile)}
}

// Put registers or replaces a profile.
func (r *InMemory) Put(ownerID string, p Profile) error {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return errors.New("registry: owner id is required")
	}
	if strings.TrimSpace(p.OwnerAccount) == "" {
		return errors.New("registry: owner account is required")
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[ownerID] = p
	return nil
}

// SetStatus updates the verification status of an existing profile.
func (r *InMemory) SetStatus(ownerID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[ownerID]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	r.profiles[ownerID] = p
	return nil
}

// UpsertPatient implements Admin.
func (r *InMemory) UpsertPatient(ctx context.Context, ownerID string, p Profile) error {
	return r.Put(ownerID, p)
}

// SetPatientStatus implements Admin.
func (r *InMemory) SetPatientStatus(ctx context.Context, ownerID, status string) error {
	return r.SetStatus(ownerID, status)
}

func (r *InMemory) Resolve(ctx context.Context, ownerID string) (Profile, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[ownerID]
	return p, ok, nil
}

func (r *InMemory) IsVerified(ctx context.Context, ownerID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[ownerID]
	return ok && p.Verified(), nil
}
