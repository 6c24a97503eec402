package session

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/org/healthpassport/pkg/models"
)

// Manager lazily creates and signs at most one live session per caller.
// Concurrent callers waiting on a fresh session share a single signing
// round instead of each triggering one.
type Manager struct {
	ownerIdentity  string
	callerIdentity string
	ttl            time.Duration
	signer         SignerFunc

	mu      sync.RWMutex
	current *models.CapabilitySession
	group   singleflight.Group
}

// NewManager creates a Manager for self-access by ownerIdentity.
func NewManager(ownerIdentity string, ttl time.Duration, signer SignerFunc) *Manager {
	return NewDelegatedManager(ownerIdentity, ownerIdentity, ttl, signer)
}

// NewDelegatedManager creates a Manager for a grantee accessing another
// owner's passport.
func NewDelegatedManager(ownerIdentity, callerIdentity string, ttl time.Duration, signer SignerFunc) *Manager {
	return &Manager{
		ownerIdentity:  ownerIdentity,
		callerIdentity: callerIdentity,
		ttl:            ttl,
		signer:         signer,
	}
}

// Current returns the live signed session, creating and signing one if
// none exists or the previous one expired.
func (m *Manager) Current() (*models.CapabilitySession, error) {
	m.mu.RLock()
	s := m.current
	m.mu.RUnlock()
	if s != nil && s.IsSigned() && !s.IsExpired() {
		return s, nil
	}

	v, err, _ := m.group.Do("session", func() (any, error) {
		// Another caller may have refreshed while we waited.
		m.mu.RLock()
		cur := m.current
		m.mu.RUnlock()
		if cur != nil && cur.IsSigned() && !cur.IsExpired() {
			return cur, nil
		}

		fresh, err := New(m.ownerIdentity, m.callerIdentity, m.ttl)
		if err != nil {
			return nil, err
		}
		if err := Sign(fresh, m.signer); err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.current = fresh
		m.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CapabilitySession), nil
}

// Invalidate drops the current session so the next Current call creates a
// new one. Used after the services report it expired.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
}
