package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hengadev/errsx"

	"github.com/org/healthpassport/internal/blobstore"
	"github.com/org/healthpassport/internal/catalog"
	"github.com/org/healthpassport/internal/datatype"
	"github.com/org/healthpassport/internal/gateway"
	"github.com/org/healthpassport/internal/policy"
	"github.com/org/healthpassport/internal/session"
	"github.com/org/healthpassport/internal/storage"
	"github.com/org/healthpassport/pkg/models"
)

// writeAttempts bounds the re-read loop on version conflicts.
const writeAttempts = 3

// Catalog is the entry catalog as the orchestrator sees it. Satisfied by
// catalog.Engine in-process and by the node API client remotely.
type Catalog interface {
	HasEntry(ctx context.Context, passportID, dataType string) (bool, error)
	GetEntry(ctx context.Context, caller, passportID, dataType string) (*models.EntryPointer, error)
	WriteEntry(ctx context.Context, caller, passportID, dataType, blobRef string, mode models.WriteMode, expectedVersion int64) (*models.EntryPointer, error)
	SetDescriptor(ctx context.Context, caller, passportID, dataType, metaRef string, expectedVersion int64) (*models.EntryPointer, error)
}

// Cipher is the threshold encryption surface the orchestrator drives.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte, policyID string, threshold int) (ciphertext, backupKey []byte, err error)
	Decrypt(ctx context.Context, ciphertext []byte, proof *models.AccessProof) ([]byte, error)
	ServiceCount() int
}

// Orchestrator glues policy derivation, threshold encryption, the blob
// store, and the entry catalog into save/load operations. One instance
// serves one caller identity; the session manager holds its capability.
type Orchestrator struct {
	catalog  Catalog
	blobs    blobstore.Store
	cipher   Cipher
	sessions *session.Manager
	caller   string
}

// New creates an orchestrator acting as callerIdentity.
func New(cat Catalog, blobs blobstore.Store, cipher Cipher, sessions *session.Manager, callerIdentity string) *Orchestrator {
	return &Orchestrator{
		catalog:  cat,
		blobs:    blobs,
		cipher:   cipher,
		sessions: sessions,
		caller:   callerIdentity,
	}
}

// SaveResult reports where a save landed. BackupKey is the raw DEK for
// owner escrow; the caller owns scrubbing it.
type SaveResult struct {
	BlobRef   string
	Mode      models.WriteMode
	Version   int64
	BackupKey []byte
}

// Save encrypts plaintext under the passport owner's policy for
// dataType, stores the ciphertext, and records the reference. An empty
// mode selects the data type's documented default.
func (o *Orchestrator) Save(ctx context.Context, p *models.Passport, dataType string, plaintext []byte, mode models.WriteMode) (*SaveResult, error) {
	if err := datatype.Validate(dataType); err != nil {
		return nil, err
	}
	if mode == "" {
		var err error
		mode, err = datatype.DefaultMode(dataType)
		if err != nil {
			return nil, err
		}
	}

	policyID, err := policy.DerivePolicyID(p.OwnerIdentity, dataType)
	if err != nil {
		return nil, err
	}

	threshold := gateway.DefaultThreshold(o.cipher.ServiceCount())
	var ciphertext, backupKey []byte
	err = withRetry(ctx, func() error {
		ciphertext, backupKey, err = o.cipher.Encrypt(ctx, plaintext, policyID, threshold)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("encrypting %s: %w", dataType, err)
	}

	var blobRef string
	err = withRetry(ctx, func() error {
		blobRef, err = o.blobs.Put(ctx, ciphertext)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storing %s blob: %w", dataType, err)
	}

	ptr, err := o.writeRef(ctx, p, dataType, blobRef, mode, policyID)
	if err != nil {
		return nil, err
	}
	return &SaveResult{BlobRef: blobRef, Mode: mode, Version: ptr.Version, BackupKey: backupKey}, nil
}

// writeRef records blobRef on the catalog, re-reading on version
// conflicts. Appends against an indexed pointer go through the
// descriptor instead of the flat reference list.
func (o *Orchestrator) writeRef(ctx context.Context, p *models.Passport, dataType, blobRef string, mode models.WriteMode, policyID string) (*models.EntryPointer, error) {
	for attempt := 0; attempt < writeAttempts; attempt++ {
		cur, err := o.catalog.GetEntry(ctx, o.caller, p.ID, dataType)
		expected := int64(0)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			cur = nil
		case err != nil:
			return nil, err
		default:
			expected = cur.Version
		}

		if cur != nil && mode == models.ModeAppend && cur.Kind == models.KindIndexed {
			ptr, err := o.appendIndexed(ctx, p, dataType, blobRef, policyID, cur)
			if errors.Is(err, storage.ErrVersionConflict) {
				continue
			}
			return ptr, err
		}

		ptr, err := o.catalog.WriteEntry(ctx, o.caller, p.ID, dataType, blobRef, mode, expected)
		if errors.Is(err, storage.ErrVersionConflict) {
			continue
		}
		return ptr, err
	}
	return nil, fmt.Errorf("writing %s entry: %w", dataType, storage.ErrVersionConflict)
}

// appendIndexed rewrites the descriptor blob with the new reference and
// swaps the pointer to it under the expected version.
func (o *Orchestrator) appendIndexed(ctx context.Context, p *models.Passport, dataType, blobRef, policyID string, cur *models.EntryPointer) (*models.EntryPointer, error) {
	desc, err := o.loadDescriptor(ctx, p, dataType, policyID, cur.MetaRef)
	if err != nil {
		return nil, err
	}
	for _, e := range desc.Entries {
		if e.BlobID == blobRef {
			return nil, fmt.Errorf("%w: %s", catalog.ErrDuplicateReference, blobRef)
		}
	}
	desc.Entries = append(desc.Entries, models.DescriptorEntry{BlobID: blobRef, CreatedAt: time.Now().UTC()})

	metaRef, err := o.storeDescriptor(ctx, desc, policyID)
	if err != nil {
		return nil, err
	}
	return o.catalog.SetDescriptor(ctx, o.caller, p.ID, dataType, metaRef, cur.Version)
}

// Load fetches and decrypts every record stored for dataType, in
// insertion order. No entry yet is an empty state: (nil, nil).
func (o *Orchestrator) Load(ctx context.Context, p *models.Passport, dataType string) ([][]byte, error) {
	if err := datatype.Validate(dataType); err != nil {
		return nil, err
	}

	ptr, err := o.catalog.GetEntry(ctx, o.caller, p.ID, dataType)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	policyID, err := policy.DerivePolicyID(p.OwnerIdentity, dataType)
	if err != nil {
		return nil, err
	}

	refs := ptr.BlobRefs
	if ptr.Kind == models.KindIndexed {
		desc, err := o.loadDescriptor(ctx, p, dataType, policyID, ptr.MetaRef)
		if err != nil {
			return nil, err
		}
		refs = make([]string, len(desc.Entries))
		for i, e := range desc.Entries {
			refs[i] = e.BlobID
		}
	}

	records := make([][]byte, 0, len(refs))
	for _, ref := range refs {
		plaintext, err := o.fetchAndDecrypt(ctx, p, dataType, policyID, ref)
		if err != nil {
			return nil, fmt.Errorf("loading %s blob %s: %w", dataType, ref, err)
		}
		records = append(records, plaintext)
	}
	return records, nil
}

// TypeResult is one data type's outcome in a multi-type load.
type TypeResult struct {
	Records [][]byte
}

// LoadAll fans out Load across data types. One type's failure never
// aborts the others; failed types are reported in the returned error
// (an errsx.Map keyed by data type) while successful ones appear in the
// result map. Types with no entry yet appear with zero records.
func (o *Orchestrator) LoadAll(ctx context.Context, p *models.Passport, dataTypes []string) (map[string]TypeResult, error) {
	results := make(map[string]TypeResult, len(dataTypes))
	var errs errsx.Map
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, dt := range dataTypes {
		wg.Add(1)
		go func(dt string) {
			defer wg.Done()
			records, err := o.Load(ctx, p, dt)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs.Set(dt, err)
				return
			}
			results[dt] = TypeResult{Records: records}
		}(dt)
	}
	wg.Wait()
	return results, errs.AsError()
}

// Has reports whether the passport has any entry for dataType.
func (o *Orchestrator) Has(ctx context.Context, p *models.Passport, dataType string) (bool, error) {
	return o.catalog.HasEntry(ctx, p.ID, dataType)
}

// Compact converts a flat append history into indexed form: the
// references move into an encrypted descriptor blob and the pointer
// shrinks to a single descriptor reference. Loads see the same records
// before and after.
func (o *Orchestrator) Compact(ctx context.Context, p *models.Passport, dataType string) error {
	if err := datatype.Validate(dataType); err != nil {
		return err
	}

	ptr, err := o.catalog.GetEntry(ctx, o.caller, p.ID, dataType)
	if err != nil {
		return err
	}
	if ptr.Kind == models.KindIndexed {
		return nil
	}

	policyID, err := policy.DerivePolicyID(p.OwnerIdentity, dataType)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	desc := &models.MetadataDescriptor{SchemaVersion: models.DescriptorSchemaVersion}
	for _, ref := range ptr.BlobRefs {
		desc.Entries = append(desc.Entries, models.DescriptorEntry{BlobID: ref, CreatedAt: now})
	}

	metaRef, err := o.storeDescriptor(ctx, desc, policyID)
	if err != nil {
		return err
	}
	_, err = o.catalog.SetDescriptor(ctx, o.caller, p.ID, dataType, metaRef, ptr.Version)
	return err
}

func (o *Orchestrator) loadDescriptor(ctx context.Context, p *models.Passport, dataType, policyID, metaRef string) (*models.MetadataDescriptor, error) {
	raw, err := o.fetchAndDecrypt(ctx, p, dataType, policyID, metaRef)
	if err != nil {
		return nil, fmt.Errorf("loading %s descriptor: %w", dataType, err)
	}
	var desc models.MetadataDescriptor
	// Unknown fields are ignored so newer descriptor schemas stay readable.
	if err := json.Unmarshal(raw, &desc); err != nil {
		return nil, fmt.Errorf("decoding %s descriptor: %w", dataType, err)
	}
	return &desc, nil
}

func (o *Orchestrator) storeDescriptor(ctx context.Context, desc *models.MetadataDescriptor, policyID string) (string, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encoding descriptor: %w", err)
	}

	threshold := gateway.DefaultThreshold(o.cipher.ServiceCount())
	var ciphertext []byte
	err = withRetry(ctx, func() error {
		var backup []byte
		ciphertext, backup, err = o.cipher.Encrypt(ctx, raw, policyID, threshold)
		zero(backup)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("encrypting descriptor: %w", err)
	}

	var metaRef string
	err = withRetry(ctx, func() error {
		metaRef, err = o.blobs.Put(ctx, ciphertext)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("storing descriptor blob: %w", err)
	}
	return metaRef, nil
}

func (o *Orchestrator) fetchAndDecrypt(ctx context.Context, p *models.Passport, dataType, policyID, ref string) ([]byte, error) {
	var ciphertext []byte
	err := withRetry(ctx, func() error {
		var err error
		ciphertext, err = o.blobs.Get(ctx, ref)
		return err
	})
	if err != nil {
		return nil, err
	}

	proof, err := o.proof(ctx, p.ID, policyID, dataType)
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	err = withRetry(ctx, func() error {
		plaintext, err = o.cipher.Decrypt(ctx, ciphertext, proof)
		return err
	})
	return plaintext, err
}

// proof builds an access proof from the live session, regenerating the
// session once if it expired under us.
func (o *Orchestrator) proof(_ context.Context, passportID, policyID, dataType string) (*models.AccessProof, error) {
	s, err := o.sessions.Current()
	if err != nil {
		return nil, err
	}
	pr, err := session.BuildAccessProof(s, passportID, policyID, dataType)
	if errors.Is(err, session.ErrSessionExpired) || errors.Is(err, session.ErrSessionUnsigned) {
		o.sessions.Invalidate()
		s, err = o.sessions.Current()
		if err != nil {
			return nil, err
		}
		return session.BuildAccessProof(s, passportID, policyID, dataType)
	}
	return pr, err
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
