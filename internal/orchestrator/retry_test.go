package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/org/healthpassport/internal/blobstore"
	"github.com/org/healthpassport/internal/datatype"
	"github.com/org/healthpassport/internal/gateway"
	"github.com/org/healthpassport/internal/session"
	"github.com/org/healthpassport/pkg/models"
)

func TestWithRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return gateway.ErrQuorumUnavailable
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestWithRetryExhaustsTransient(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return blobstore.ErrUnavailable
	})
	if !errors.Is(err, blobstore.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
	if calls != retryMax+1 {
		t.Errorf("calls = %d, want %d", calls, retryMax+1)
	}
}

func TestWithRetryPermanentErrorsNotRetried(t *testing.T) {
	for _, sentinel := range []error{
		gateway.ErrAccessDenied,
		gateway.ErrInvalidCiphertext,
	} {
		calls := 0
		err := withRetry(context.Background(), func() error {
			calls++
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Errorf("%v: error = %v", sentinel, err)
		}
		if calls != 1 {
			t.Errorf("%v: calls = %d, want 1", sentinel, calls)
		}
	}
}

// flakyCipher fails the first failFirst Encrypt calls with a quorum
// outage, then delegates.
type flakyCipher struct {
	inner     Cipher
	failFirst int64
	encrypts  atomic.Int64
}

func (f *flakyCipher) Encrypt(ctx context.Context, plaintext []byte, policyID string, threshold int) ([]byte, []byte, error) {
	if f.encrypts.Add(1) <= f.failFirst {
		return nil, nil, gateway.ErrQuorumUnavailable
	}
	return f.inner.Encrypt(ctx, plaintext, policyID, threshold)
}

func (f *flakyCipher) Decrypt(ctx context.Context, ciphertext []byte, proof *models.AccessProof) ([]byte, error) {
	return f.inner.Decrypt(ctx, ciphertext, proof)
}

func (f *flakyCipher) ServiceCount() int { return f.inner.ServiceCount() }

// corruptCipher refuses every Decrypt, counting attempts.
type corruptCipher struct {
	inner    Cipher
	decrypts atomic.Int64
}

func (c *corruptCipher) Encrypt(ctx context.Context, plaintext []byte, policyID string, threshold int) ([]byte, []byte, error) {
	return c.inner.Encrypt(ctx, plaintext, policyID, threshold)
}

func (c *corruptCipher) Decrypt(context.Context, []byte, *models.AccessProof) ([]byte, error) {
	c.decrypts.Add(1)
	return nil, gateway.ErrInvalidCiphertext
}

func (c *corruptCipher) ServiceCount() int { return c.inner.ServiceCount() }

func TestSaveRetriesQuorumOutage(t *testing.T) {
	f := newFixture(t)
	fc := &flakyCipher{inner: f.cipher, failFirst: 2}
	mgr := session.NewManager(f.owner, time.Hour, f.signer(f.ownerPriv))
	o := New(f.cat, f.blobs, fc, mgr, f.owner)
	ctx := context.Background()

	payload := []byte(`{"hdl":58}`)
	if _, err := o.Save(ctx, f.passport, datatype.LabResults, payload, ""); err != nil {
		t.Fatalf("Save through outage: %v", err)
	}
	if got := fc.encrypts.Load(); got != 3 {
		t.Errorf("encrypt attempts = %d, want 3", got)
	}

	records, err := o.Load(ctx, f.passport, datatype.LabResults)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(records) != 1 || !bytes.Equal(records[0], payload) {
		t.Errorf("round trip mismatch: %q", records)
	}
}

func TestLoadDoesNotRetryInvalidCiphertext(t *testing.T) {
	f := newFixture(t)
	o := f.ownerOrchestrator(time.Hour)
	ctx := context.Background()

	if _, err := o.Save(ctx, f.passport, datatype.Medications, []byte(`{"name":"aspirin"}`), ""); err != nil {
		t.Fatalf("save: %v", err)
	}

	cc := &corruptCipher{inner: f.cipher}
	mgr := session.NewManager(f.owner, time.Hour, f.signer(f.ownerPriv))
	bad := New(f.cat, f.blobs, cc, mgr, f.owner)

	_, err := bad.Load(ctx, f.passport, datatype.Medications)
	if !errors.Is(err, gateway.ErrInvalidCiphertext) {
		t.Fatalf("error = %v, want ErrInvalidCiphertext", err)
	}
	if got := cc.decrypts.Load(); got != 1 {
		t.Errorf("decrypt attempts = %d, want 1", got)
	}
}
