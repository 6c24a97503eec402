package models

import "time"

// WriteMode controls how a catalog write treats existing references.
type WriteMode string

const (
	// ModeAppend adds a new reference and keeps the existing history.
	ModeAppend WriteMode = "append"
	// ModeReplace swaps the pointer so it references only the new payload.
	// Prior references become orphaned; blobs are not deleted.
	ModeReplace WriteMode = "replace"
)

// PointerKind distinguishes the two shapes an entry pointer can take.
type PointerKind string

const (
	// KindFlat stores blob references directly on the pointer, in
	// insertion order.
	KindFlat PointerKind = "flat"
	// KindIndexed stores a single reference to an encrypted
	// MetadataDescriptor blob that lists the data blobs.
	KindIndexed PointerKind = "indexed"
)

// EntryPointer is the per-(passport, data type) catalog record tracking
// where the current encrypted material lives. Version is a monotonically
// increasing stamp bumped on every write; callers may pass it back as the
// expected version to detect concurrent modification.
type EntryPointer struct {
	PassportID string      `json:"passport_id"`
	DataType   string      `json:"data_type"`
	Kind       PointerKind `json:"kind"`
	BlobRefs   []string    `json:"blob_refs,omitempty"`
	MetaRef    string      `json:"meta_ref,omitempty"`
	Version    int64       `json:"version"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// DescriptorSchemaVersion is the current MetadataDescriptor wire version.
const DescriptorSchemaVersion = 1

// DescriptorEntry is one data-blob reference inside a MetadataDescriptor.
type DescriptorEntry struct {
	BlobID    string    `json:"blob_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MetadataDescriptor is the encrypted off-chain index listing the data
// blobs for one data type. Entries are in insertion order; consumers that
// need chronology must sort by CreatedAt, not rely on position. Unknown
// fields are ignored on decode so older readers survive schema bumps.
type MetadataDescriptor struct {
	SchemaVersion int               `json:"schema_version"`
	Entries       []DescriptorEntry `json:"entries"`
}

// Grant records that a non-owner identity may decrypt one data type of a
// passport. Consulted by the key-holding services when verifying proofs
// from callers other than the owner.
type Grant struct {
	PassportID      string    `json:"passport_id"`
	DataType        string    `json:"data_type"`
	GranteeIdentity string    `json:"grantee_identity"`
	CreatedAt       time.Time `json:"created_at"`
}
