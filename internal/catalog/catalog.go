package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/healthpassport/internal/datatype"
	"github.com/org/healthpassport/internal/storage"
	"github.com/org/healthpassport/pkg/models"
)

var (
	// ErrEmptyReference is returned when a write carries no blob reference.
	ErrEmptyReference = errors.New("empty blob reference")
	// ErrDuplicateReference is returned when an append would add a
	// reference the pointer already tracks.
	ErrDuplicateReference = errors.New("duplicate blob reference")
	// ErrAccessDenied is returned when the caller is neither the passport
	// owner nor (for reads) a grantee of the data type.
	ErrAccessDenied = errors.New("access denied")
	// ErrIndexedPointer is returned when an append targets an indexed
	// pointer. The caller must update the descriptor blob and call
	// SetDescriptor instead.
	ErrIndexedPointer = errors.New("pointer is indexed")
)

// Engine implements the entry catalog over a storage backend. It owns
// reference validation, append/replace semantics, and per-caller access
// checks. It never sees record plaintext.
type Engine struct {
	store storage.StorageBackend
}

// NewEngine creates a catalog engine over the backend.
func NewEngine(store storage.StorageBackend) *Engine {
	return &Engine{store: store}
}

// HasEntry reports whether the passport has any entry for the data type.
// It does not require access to the entry contents.
func (e *Engine) HasEntry(ctx context.Context, passportID, dataType string) (bool, error) {
	if err := datatype.Validate(dataType); err != nil {
		return false, err
	}
	_, err := e.store.GetEntry(ctx, passportID, dataType)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetEntry returns the current pointer. The caller must be the passport
// owner or hold a grant for the data type.
func (e *Engine) GetEntry(ctx context.Context, caller, passportID, dataType string) (*models.EntryPointer, error) {
	if err := datatype.Validate(dataType); err != nil {
		return nil, err
	}
	if err := e.authorizeRead(ctx, caller, passportID, dataType); err != nil {
		return nil, err
	}
	return e.store.GetEntry(ctx, passportID, dataType)
}

// ListEntryTypes returns the data types the passport has entries for.
// Owner only: the type list alone reveals what kinds of data exist.
func (e *Engine) ListEntryTypes(ctx context.Context, caller, passportID string) ([]string, error) {
	if err := e.authorizeOwner(ctx, caller, passportID); err != nil {
		return nil, err
	}
	return e.store.ListEntryTypes(ctx, passportID)
}

// WriteEntry records blobRef on the passport's pointer for dataType.
// Append keeps existing references and adds the new one at the end;
// Replace discards them. expectedVersion follows storage.PutEntry
// semantics. Returns the pointer as persisted, version bumped.
func (e *Engine) WriteEntry(ctx context.Context, caller, passportID, dataType, blobRef string, mode models.WriteMode, expectedVersion int64) (*models.EntryPointer, error) {
	if err := datatype.Validate(dataType); err != nil {
		return nil, err
	}
	if blobRef == "" {
		return nil, ErrEmptyReference
	}
	if mode != models.ModeAppend && mode != models.ModeReplace {
		return nil, fmt.Errorf("unknown write mode %q", mode)
	}
	if err := e.authorizeOwner(ctx, caller, passportID); err != nil {
		return nil, err
	}

	ptr := &models.EntryPointer{
		PassportID: passportID,
		DataType:   dataType,
		Kind:       models.KindFlat,
		BlobRefs:   []string{blobRef},
		UpdatedAt:  time.Now().UTC(),
	}

	cur, err := e.store.GetEntry(ctx, passportID, dataType)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// First write for this type; both modes create a fresh pointer.
	case err != nil:
		return nil, err
	case mode == models.ModeAppend:
		if cur.Kind == models.KindIndexed {
			return nil, ErrIndexedPointer
		}
		for _, ref := range cur.BlobRefs {
			if ref == blobRef {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateReference, blobRef)
			}
		}
		ptr.BlobRefs = append(append([]string(nil), cur.BlobRefs...), blobRef)
	}

	if err := e.store.PutEntry(ctx, ptr, expectedVersion); err != nil {
		return nil, err
	}
	return ptr, nil
}

// SetDescriptor converts the pointer to indexed form referencing the
// encrypted descriptor blob at metaRef. Used after compaction or when
// appending to an already-indexed entry.
func (e *Engine) SetDescriptor(ctx context.Context, caller, passportID, dataType, metaRef string, expectedVersion int64) (*models.EntryPointer, error) {
	if err := datatype.Validate(dataType); err != nil {
		return nil, err
	}
	if metaRef == "" {
		return nil, ErrEmptyReference
	}
	if err := e.authorizeOwner(ctx, caller, passportID); err != nil {
		return nil, err
	}

	ptr := &models.EntryPointer{
		PassportID: passportID,
		DataType:   dataType,
		Kind:       models.KindIndexed,
		MetaRef:    metaRef,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := e.store.PutEntry(ctx, ptr, expectedVersion); err != nil {
		return nil, err
	}
	return ptr, nil
}

// Grant allows granteeIdentity to decrypt dataType for this passport.
// Owner only. Granting is idempotent.
func (e *Engine) Grant(ctx context.Context, caller, passportID, dataType, granteeIdentity string) error {
	if err := datatype.Validate(dataType); err != nil {
		return err
	}
	if granteeIdentity == "" {
		return errors.New("grantee identity required")
	}
	if err := e.authorizeOwner(ctx, caller, passportID); err != nil {
		return err
	}
	return e.store.PutGrant(ctx, &models.Grant{
		PassportID:      passportID,
		DataType:        dataType,
		GranteeIdentity: granteeIdentity,
		CreatedAt:       time.Now().UTC(),
	})
}

// Revoke removes a grant. Owner only. Revoking a non-existent grant is
// not an error.
func (e *Engine) Revoke(ctx context.Context, caller, passportID, dataType, granteeIdentity string) error {
	if err := datatype.Validate(dataType); err != nil {
		return err
	}
	if err := e.authorizeOwner(ctx, caller, passportID); err != nil {
		return err
	}
	return e.store.DeleteGrant(ctx, passportID, dataType, granteeIdentity)
}

// ListGrants returns all grants on the passport. Owner only.
func (e *Engine) ListGrants(ctx context.Context, caller, passportID string) ([]*models.Grant, error) {
	if err := e.authorizeOwner(ctx, caller, passportID); err != nil {
		return nil, err
	}
	return e.store.ListGrants(ctx, passportID)
}

// GrantExists reports whether granteeIdentity holds a grant for the data
// type. Consulted by key services through the node's verification path.
func (e *Engine) GrantExists(ctx context.Context, passportID, dataType, granteeIdentity string) (bool, error) {
	return e.store.GrantExists(ctx, passportID, dataType, granteeIdentity)
}

func (e *Engine) authorizeOwner(ctx context.Context, caller, passportID string) error {
	p, err := e.store.GetPassport(ctx, passportID)
	if err != nil {
		return err
	}
	if caller != p.OwnerIdentity {
		return fmt.Errorf("%w: caller is not the passport owner", ErrAccessDenied)
	}
	return nil
}

func (e *Engine) authorizeRead(ctx context.Context, caller, passportID, dataType string) error {
	p, err := e.store.GetPassport(ctx, passportID)
	if err != nil {
		return err
	}
	if caller == p.OwnerIdentity {
		return nil
	}
	ok, err := e.store.GrantExists(ctx, passportID, dataType, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no grant for caller", ErrAccessDenied)
	}
	return nil
}
