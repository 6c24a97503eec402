package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/healthpassport/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrVersionConflict is returned when an entry write carries a stale
// expected version. The caller must re-read and retry.
var ErrVersionConflict = errors.New("version conflict")

// NoVersionCheck disables optimistic concurrency for a PutEntry call.
const NoVersionCheck int64 = -1

// StorageBackend defines the persistence interface for the passport node.
type StorageBackend interface {
	// Passports
	CreatePassport(ctx context.Context, p *models.Passport) error
	GetPassport(ctx context.Context, passportID string) (*models.Passport, error)
	GetPassportByOwner(ctx context.Context, ownerIdentity string) (*models.Passport, error)
	SetAnalyticsOptIn(ctx context.Context, passportID string, optIn bool) error

	// Entry catalog. PutEntry persists the full desired pointer state in
	// one transaction and bumps the version stamp. expectedVersion
	// semantics: NoVersionCheck skips the check, 0 requires the entry to
	// be absent, >0 requires that exact current version.
	GetEntry(ctx context.Context, passportID, dataType string) (*models.EntryPointer, error)
	PutEntry(ctx context.Context, ptr *models.EntryPointer, expectedVersion int64) error
	ListEntryTypes(ctx context.Context, passportID string) ([]string, error)

	// Grants
	PutGrant(ctx context.Context, g *models.Grant) error
	DeleteGrant(ctx context.Context, passportID, dataType, granteeIdentity string) error
	GrantExists(ctx context.Context, passportID, dataType, granteeIdentity string) (bool, error)
	ListGrants(ctx context.Context, passportID string) ([]*models.Grant, error)

	// Audit
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	// Metrics helpers
	CountPassports(ctx context.Context) (int64, error)
	CountEntries(ctx context.Context) (int64, error)

	// Lifecycle
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Path   string
	Since  *time.Time
	Limit  int
	Offset int
}
