package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/org/healthpassport/pkg/models"
)

// MemoryBackend is an in-memory StorageBackend for tests and single-node
// development. Safe for concurrent use.
type MemoryBackend struct {
	mu        sync.RWMutex
	passports map[string]*models.Passport // by id
	byOwner   map[string]string           // owner identity -> passport id
	entries   map[string]*models.EntryPointer
	grants    map[string]*models.Grant
	audit     []*models.AuditEntry
	auditSeq  int64
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		passports: make(map[string]*models.Passport),
		byOwner:   make(map[string]string),
		entries:   make(map[string]*models.EntryPointer),
		grants:    make(map[string]*models.Grant),
	}
}

func (m *MemoryBackend) Close() {}

func entryKey(passportID, dataType string) string {
	return passportID + "/" + dataType
}

func grantKey(passportID, dataType, grantee string) string {
	return passportID + "/" + dataType + "/" + grantee
}

func copyPassport(p *models.Passport) *models.Passport {
	cp := *p
	return &cp
}

func copyEntry(e *models.EntryPointer) *models.EntryPointer {
	cp := *e
	cp.BlobRefs = append([]string(nil), e.BlobRefs...)
	return &cp
}

// --- Passports ---

func (m *MemoryBackend) CreatePassport(_ context.Context, p *models.Passport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.passports[p.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.byOwner[p.OwnerIdentity]; ok {
		return ErrAlreadyExists
	}
	m.passports[p.ID] = copyPassport(p)
	m.byOwner[p.OwnerIdentity] = p.ID
	return nil
}

func (m *MemoryBackend) GetPassport(_ context.Context, passportID string) (*models.Passport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.passports[passportID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPassport(p), nil
}

func (m *MemoryBackend) GetPassportByOwner(_ context.Context, ownerIdentity string) (*models.Passport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOwner[ownerIdentity]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPassport(m.passports[id]), nil
}

func (m *MemoryBackend) SetAnalyticsOptIn(_ context.Context, passportID string, optIn bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.passports[passportID]
	if !ok {
		return ErrNotFound
	}
	p.AnalyticsOptIn = optIn
	return nil
}

// --- Entry catalog ---

func (m *MemoryBackend) GetEntry(_ context.Context, passportID, dataType string) (*models.EntryPointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[entryKey(passportID, dataType)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (m *MemoryBackend) PutEntry(_ context.Context, ptr *models.EntryPointer, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entryKey(ptr.PassportID, ptr.DataType)
	cur, exists := m.entries[key]
	switch {
	case !exists:
		if expectedVersion > 0 {
			return ErrVersionConflict
		}
		ptr.Version = 1
	default:
		if expectedVersion == 0 {
			return ErrVersionConflict
		}
		if expectedVersion != NoVersionCheck && expectedVersion != cur.Version {
			return ErrVersionConflict
		}
		ptr.Version = cur.Version + 1
	}
	ptr.UpdatedAt = time.Now().UTC()
	m.entries[key] = copyEntry(ptr)
	return nil
}

func (m *MemoryBackend) ListEntryTypes(_ context.Context, passportID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var types []string
	prefix := passportID + "/"
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			types = append(types, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(types)
	return types, nil
}

// --- Grants ---

func (m *MemoryBackend) PutGrant(_ context.Context, g *models.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.grants[grantKey(g.PassportID, g.DataType, g.GranteeIdentity)] = &cp
	return nil
}

func (m *MemoryBackend) DeleteGrant(_ context.Context, passportID, dataType, granteeIdentity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, grantKey(passportID, dataType, granteeIdentity))
	return nil
}

func (m *MemoryBackend) GrantExists(_ context.Context, passportID, dataType, granteeIdentity string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.grants[grantKey(passportID, dataType, granteeIdentity)]
	return ok, nil
}

func (m *MemoryBackend) ListGrants(_ context.Context, passportID string) ([]*models.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var grants []*models.Grant
	for _, g := range m.grants {
		if g.PassportID == passportID {
			cp := *g
			grants = append(grants, &cp)
		}
	}
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].DataType != grants[j].DataType {
			return grants[i].DataType < grants[j].DataType
		}
		return grants[i].GranteeIdentity < grants[j].GranteeIdentity
	})
	return grants, nil
}

// --- Audit ---

func (m *MemoryBackend) WriteAuditEntry(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditSeq++
	cp := *entry
	cp.ID = m.auditSeq
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryBackend) QueryAuditLog(_ context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditEntry
	// Newest first.
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Path != "" && !strings.HasPrefix(e.Path, filter.Path) {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Metrics ---

func (m *MemoryBackend) CountPassports(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.passports)), nil
}

func (m *MemoryBackend) CountEntries(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}
