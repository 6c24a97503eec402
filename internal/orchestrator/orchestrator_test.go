package orchestrator

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/org/healthpassport/internal/blobstore"
	"github.com/org/healthpassport/internal/catalog"
	"github.com/org/healthpassport/internal/datatype"
	"github.com/org/healthpassport/internal/gateway"
	"github.com/org/healthpassport/internal/keysvc"
	"github.com/org/healthpassport/internal/session"
	"github.com/org/healthpassport/internal/storage"
	"github.com/org/healthpassport/pkg/models"
)

type fixture struct {
	store     *storage.MemoryBackend
	cat       *catalog.Engine
	blobs     *blobstore.MemoryStore
	cipher    *gateway.Gateway
	passport  *models.Passport
	owner     string
	ownerPriv ed25519.PrivateKey
	signs     atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating owner key: %v", err)
	}
	owner := hex.EncodeToString(pub)

	store := storage.NewMemoryBackend()
	cat := catalog.NewEngine(store)

	p := &models.Passport{
		ID:             "22222222-2222-2222-2222-222222222222",
		OwnerIdentity:  owner,
		CountryCode:    "JP",
		AnalyticsOptIn: true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := store.CreatePassport(context.Background(), p); err != nil {
		t.Fatalf("CreatePassport: %v", err)
	}

	services := make([]gateway.KeyService, 3)
	for i := range services {
		master := bytes.Repeat([]byte{byte(i + 1)}, 32)
		svc, err := keysvc.NewService(string(rune('a'+i))+"-svc", master, cat)
		if err != nil {
			t.Fatalf("NewService: %v", err)
		}
		services[i] = svc
	}
	g, err := gateway.New(services...)
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}

	return &fixture{
		store:     store,
		cat:       cat,
		blobs:     blobstore.NewMemoryStore(),
		cipher:    g,
		passport:  p,
		owner:     owner,
		ownerPriv: priv,
	}
}

func (f *fixture) signer(priv ed25519.PrivateKey) session.SignerFunc {
	return func(challenge []byte) ([]byte, error) {
		f.signs.Add(1)
		return ed25519.Sign(priv, challenge), nil
	}
}

func (f *fixture) ownerOrchestrator(ttl time.Duration) *Orchestrator {
	mgr := session.NewManager(f.owner, ttl, f.signer(f.ownerPriv))
	return New(f.cat, f.blobs, f.cipher, mgr, f.owner)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	f := newFixture(t)
	o := f.ownerOrchestrator(time.Hour)
	ctx := context.Background()

	for _, dt := range datatype.All() {
		payload := []byte(`{"type":"` + dt + `","value":42}`)
		res, err := o.Save(ctx, f.passport, dt, payload, "")
		if err != nil {
			t.Fatalf("Save(%s): %v", dt, err)
		}
		if res.BlobRef == "" || res.Version != 1 {
			t.Errorf("%s: unexpected save result %+v", dt, res)
		}
		if len(res.BackupKey) != 32 {
			t.Errorf("%s: backup key length %d", dt, len(res.BackupKey))
		}

		records, err := o.Load(ctx, f.passport, dt)
		if err != nil {
			t.Fatalf("Load(%s): %v", dt, err)
		}
		if len(records) != 1 || !bytes.Equal(records[0], payload) {
			t.Errorf("%s: round trip mismatch: %q", dt, records)
		}
	}
}

func TestAppendOrderPreserved(t *testing.T) {
	f := newFixture(t)
	o := f.ownerOrchestrator(time.Hour)
	ctx := context.Background()

	m1 := []byte(`{"name":"metformin"}`)
	m2 := []byte(`{"name":"lisinopril"}`)
	if _, err := o.Save(ctx, f.passport, datatype.Medications, m1, ""); err != nil {
		t.Fatalf("save m1: %v", err)
	}
	if _, err := o.Save(ctx, f.passport, datatype.Medications, m2, ""); err != nil {
		t.Fatalf("save m2: %v", err)
	}

	records, err := o.Load(ctx, f.passport, datatype.Medications)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if !bytes.Equal(records[0], m1) || !bytes.Equal(records[1], m2) {
		t.Errorf("order not preserved: %q then %q", records[0], records[1])
	}
}

func TestReplaceKeepsOnlyLatest(t *testing.T) {
	f := newFixture(t)
	o := f.ownerOrchestrator(time.Hour)
	ctx := context.Background()

	// basic_profile defaults to replace.
	o.Save(ctx, f.passport, datatype.BasicProfile, []byte(`{"name":"old"}`), "") //nolint:errcheck
	latest := []byte(`{"name":"new"}`)
	if _, err := o.Save(ctx, f.passport, datatype.BasicProfile, latest, ""); err != nil {
		t.Fatalf("save: %v", err)
	}

	records, err := o.Load(ctx, f.passport, datatype.BasicProfile)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 1 || !bytes.Equal(records[0], latest) {
		t.Errorf("replace semantics violated: %q", records)
	}
}

func TestHasFalseUntilFirstSave(t *testing.T) {
	f := newFixture(t)
	o := f.ownerOrchestrator(time.Hour)
	ctx := context.Background()

	ok, err := o.Has(ctx, f.passport, datatype.BasicProfile)
	if err != nil || ok {
		t.Fatalf("before save: ok=%v err=%v", ok, err)
	}
	if _, err := o.Save(ctx, f.passport, datatype.BasicProfile, []byte(`{}`), ""); err != nil {
		t.Fatalf("save: %v", err)
	}
	ok, err = o.Has(ctx, f.passport, datatype.BasicProfile)
	if err != nil || !ok {
		t.Errorf("after save: ok=%v err=%v", ok, err)
	}
}

func TestLoadEmptyState(t *testing.T) {
	f := newFixture(t)
	o := f.ownerOrchestrator(time.Hour)

	records, err := o.Load(context.Background(), f.passport, datatype.Conditions)
	if err != nil {
		t.Fatalf("Load on empty state: %v", err)
	}
	if records != nil {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestLoadAllPartialFailure(t *testing.T) {
	f := newFixture(t)
	owner := f.ownerOrchestrator(time.Hour)
	ctx := context.Background()

	meds := []byte(`{"name":"aspirin"}`)
	if _, err := owner.Save(ctx, f.passport, datatype.Medications, meds, ""); err != nil {
		t.Fatalf("save medications: %v", err)
	}
	if _, err := owner.Save(ctx, f.passport, datatype.LabResults, []byte(`{"hdl":62}`), ""); err != nil {
		t.Fatalf("save lab_results: %v", err)
	}

	// Grantee may read medications only.
	granteePub, granteePriv, _ := ed25519.GenerateKey(rand.Reader)
	grantee := hex.EncodeToString(granteePub)
	if err := f.cat.Grant(ctx, f.owner, f.passport.ID, datatype.Medications, grantee); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	mgr := session.NewDelegatedManager(f.owner, grantee, time.Hour, f.signer(granteePriv))
	g := New(f.cat, f.blobs, f.cipher, mgr, grantee)

	results, err := g.LoadAll(ctx, f.passport, []string{datatype.Medications, datatype.LabResults})
	if err == nil {
		t.Fatal("expected an aggregated error for the denied type")
	}
	if !strings.Contains(err.Error(), datatype.LabResults) {
		t.Errorf("error does not name the failing type: %v", err)
	}

	got, ok := results[datatype.Medications]
	if !ok || len(got.Records) != 1 || !bytes.Equal(got.Records[0], meds) {
		t.Errorf("accessible type not returned: %+v", results)
	}
	if _, ok := results[datatype.LabResults]; ok {
		t.Error("denied type present in results")
	}
}

func TestLoadAllEmptyTypesSucceed(t *testing.T) {
	f := newFixture(t)
	o := f.ownerOrchestrator(time.Hour)

	results, err := o.LoadAll(context.Background(), f.passport, datatype.All())
	if err != nil {
		t.Fatalf("LoadAll over empty passport: %v", err)
	}
	for dt, res := range results {
		if len(res.Records) != 0 {
			t.Errorf("%s: expected zero records", dt)
		}
	}
}

func TestCompactPreservesRecords(t *testing.T) {
	f := newFixture(t)
	o := f.ownerOrchestrator(time.Hour)
	ctx := context.Background()

	payloads := [][]byte{[]byte(`{"n":1}`), []byte(`{"n":2}`), []byte(`{"n":3}`)}
	for _, pl := range payloads {
		if _, err := o.Save(ctx, f.passport, datatype.SelfMetrics, pl, ""); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	if err := o.Compact(ctx, f.passport, datatype.SelfMetrics); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	ptr, err := f.cat.GetEntry(ctx, f.owner, f.passport.ID, datatype.SelfMetrics)
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if ptr.Kind != models.KindIndexed {
		t.Fatalf("kind = %s, want indexed", ptr.Kind)
	}

	records, err := o.Load(ctx, f.passport, datatype.SelfMetrics)
	if err != nil {
		t.Fatalf("Load after compact: %v", err)
	}
	if len(records) != len(payloads) {
		t.Fatalf("got %d records, want %d", len(records), len(payloads))
	}
	for i := range payloads {
		if !bytes.Equal(records[i], payloads[i]) {
			t.Errorf("record %d mismatch after compaction", i)
		}
	}

	// Appends keep flowing through the descriptor.
	extra := []byte(`{"n":4}`)
	if _, err := o.Save(ctx, f.passport, datatype.SelfMetrics, extra, ""); err != nil {
		t.Fatalf("save after compact: %v", err)
	}
	records, err = o.Load(ctx, f.passport, datatype.SelfMetrics)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 4 || !bytes.Equal(records[3], extra) {
		t.Errorf("appended record missing after compaction: %d records", len(records))
	}

	// Compacting twice is a no-op.
	if err := o.Compact(ctx, f.passport, datatype.SelfMetrics); err != nil {
		t.Errorf("second Compact: %v", err)
	}
}

func TestSessionRegeneratedAfterExpiry(t *testing.T) {
	f := newFixture(t)
	o := f.ownerOrchestrator(150 * time.Millisecond)
	ctx := context.Background()

	payload := []byte(`{"bp":"120/80"}`)
	if _, err := o.Save(ctx, f.passport, datatype.SelfMetrics, payload, ""); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := o.Load(ctx, f.passport, datatype.SelfMetrics); err != nil {
		t.Fatalf("first load: %v", err)
	}
	first := f.signs.Load()

	time.Sleep(200 * time.Millisecond)

	records, err := o.Load(ctx, f.passport, datatype.SelfMetrics)
	if err != nil {
		t.Fatalf("load after expiry: %v", err)
	}
	if len(records) != 1 || !bytes.Equal(records[0], payload) {
		t.Errorf("records after session refresh: %q", records)
	}
	if f.signs.Load() <= first {
		t.Error("expected a second signing round after expiry")
	}
}

func TestSaveRejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	o := f.ownerOrchestrator(time.Hour)

	if _, err := o.Save(context.Background(), f.passport, "genome", []byte(`{}`), ""); err == nil {
		t.Error("unknown data type accepted")
	}
}
