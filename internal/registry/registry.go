package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/org/healthpassport/internal/storage"
	"github.com/org/healthpassport/pkg/models"
)

// ErrOwnerExists is returned when an owner identity already holds a
// passport. One passport per identity.
var ErrOwnerExists = errors.New("owner already has a passport")

// Registry mints passports and resolves them by id or owner identity.
type Registry struct {
	store storage.StorageBackend
}

// New creates a registry over the backend.
func New(store storage.StorageBackend) *Registry {
	return &Registry{store: store}
}

// Create mints a passport for ownerIdentity. The identity must be a
// hex-encoded ed25519 public key (64 hex chars).
func (r *Registry) Create(ctx context.Context, ownerIdentity, countryCode string) (*models.Passport, error) {
	if err := validateIdentity(ownerIdentity); err != nil {
		return nil, err
	}
	p := &models.Passport{
		ID:            uuid.NewString(),
		OwnerIdentity: ownerIdentity,
		CountryCode:   countryCode,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.CreatePassport(ctx, p); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, ErrOwnerExists
		}
		return nil, err
	}
	return p, nil
}

// Get returns the passport by id.
func (r *Registry) Get(ctx context.Context, passportID string) (*models.Passport, error) {
	return r.store.GetPassport(ctx, passportID)
}

// Lookup resolves the passport held by ownerIdentity.
func (r *Registry) Lookup(ctx context.Context, ownerIdentity string) (*models.Passport, error) {
	if err := validateIdentity(ownerIdentity); err != nil {
		return nil, err
	}
	return r.store.GetPassportByOwner(ctx, ownerIdentity)
}

// SetAnalyticsOptIn flips the anonymized-analytics consent flag.
func (r *Registry) SetAnalyticsOptIn(ctx context.Context, passportID string, optIn bool) error {
	return r.store.SetAnalyticsOptIn(ctx, passportID, optIn)
}

func validateIdentity(identity string) error {
	raw, err := hex.DecodeString(identity)
	if err != nil {
		return fmt.Errorf("owner identity is not hex: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("owner identity must be a 32-byte public key, got %d bytes", len(raw))
	}
	return nil
}
