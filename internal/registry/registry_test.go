package registry

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/org/healthpassport/internal/storage"
)

func testIdentity(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return hex.EncodeToString(pub)
}

func TestCreateAndLookup(t *testing.T) {
	r := New(storage.NewMemoryBackend())
	ctx := context.Background()
	owner := testIdentity(t)

	p, err := r.Create(ctx, owner, "FR")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.ID == "" {
		t.Error("passport id not assigned")
	}

	got, err := r.Lookup(ctx, owner)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.ID != p.ID || got.CountryCode != "FR" {
		t.Errorf("lookup mismatch: %+v", got)
	}

	byID, err := r.Get(ctx, p.ID)
	if err != nil || byID.OwnerIdentity != owner {
		t.Errorf("Get: %+v, %v", byID, err)
	}
}

func TestCreateOnePassportPerOwner(t *testing.T) {
	r := New(storage.NewMemoryBackend())
	ctx := context.Background()
	owner := testIdentity(t)

	if _, err := r.Create(ctx, owner, "FR"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := r.Create(ctx, owner, "DE"); !errors.Is(err, ErrOwnerExists) {
		t.Errorf("second create: got %v, want ErrOwnerExists", err)
	}
}

func TestCreateRejectsBadIdentity(t *testing.T) {
	r := New(storage.NewMemoryBackend())
	ctx := context.Background()

	for name, identity := range map[string]string{
		"not hex":   "zzzz",
		"too short": "abcd",
		"empty":     "",
	} {
		if _, err := r.Create(ctx, identity, "FR"); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestLookupUnknownOwner(t *testing.T) {
	r := New(storage.NewMemoryBackend())
	if _, err := r.Lookup(context.Background(), testIdentity(t)); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSetAnalyticsOptIn(t *testing.T) {
	r := New(storage.NewMemoryBackend())
	ctx := context.Background()
	p, _ := r.Create(ctx, testIdentity(t), "FR")

	if err := r.SetAnalyticsOptIn(ctx, p.ID, true); err != nil {
		t.Fatalf("SetAnalyticsOptIn: %v", err)
	}
	got, _ := r.Get(ctx, p.ID)
	if !got.AnalyticsOptIn {
		t.Error("opt-in not persisted")
	}
}
