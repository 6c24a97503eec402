package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/org/healthpassport/internal/datatype"
	"github.com/org/healthpassport/internal/keysvc"
	"github.com/org/healthpassport/internal/policy"
	"github.com/org/healthpassport/internal/session"
	"github.com/org/healthpassport/pkg/models"
)

func TestDefaultThreshold(t *testing.T) {
	tests := []struct{ n, want int }{
		{0, 1}, {1, 1}, {2, 2}, {3, 2}, {5, 2}, {10, 2},
	}
	for _, tt := range tests {
		if got := DefaultThreshold(tt.n); got != tt.want {
			t.Errorf("DefaultThreshold(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

// downService simulates an unreachable key service.
type downService struct{ id string }

func (d downService) ID() string { return d.id }
func (d downService) Wrap(context.Context, string, []byte) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (d downService) Unwrap(context.Context, string, []byte, *models.AccessProof) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func newIdentity(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	return hex.EncodeToString(pub), priv
}

func newKeyServices(t *testing.T, n int) []KeyService {
	t.Helper()
	services := make([]KeyService, n)
	for i := range n {
		master := bytes.Repeat([]byte{byte(i + 1)}, 32)
		svc, err := keysvc.NewService(string(rune('a'+i))+"-svc", master, keysvc.DenyAll{})
		if err != nil {
			t.Fatalf("NewService: %v", err)
		}
		services[i] = svc
	}
	return services
}

func ownerProof(t *testing.T, owner string, priv ed25519.PrivateKey, dataType string) *models.AccessProof {
	t.Helper()
	policyID, err := policy.DerivePolicyID(owner, dataType)
	if err != nil {
		t.Fatalf("DerivePolicyID: %v", err)
	}
	s, err := session.New(owner, owner, time.Hour)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	err = session.Sign(s, func(c []byte) ([]byte, error) { return ed25519.Sign(priv, c), nil })
	if err != nil {
		t.Fatalf("session.Sign: %v", err)
	}
	proof, err := session.BuildAccessProof(s, "pass-1", policyID, dataType)
	if err != nil {
		t.Fatalf("BuildAccessProof: %v", err)
	}
	return proof
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	owner, priv := newIdentity(t)
	g, err := New(newKeyServices(t, 3)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	policyID, _ := policy.DerivePolicyID(owner, datatype.Medications)
	plaintext := []byte(`[{"name":"metformin","dose_mg":850}]`)

	ciphertext, backupKey, err := g.Encrypt(context.Background(), plaintext, policyID, DefaultThreshold(3))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(backupKey) != 32 {
		t.Errorf("expected 32-byte backup key, got %d", len(backupKey))
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext must not contain the plaintext")
	}

	proof := ownerProof(t, owner, priv, datatype.Medications)
	decrypted, err := g.Decrypt(context.Background(), ciphertext, proof)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted %q != original %q", decrypted, plaintext)
	}
}

func TestDecryptSurvivesOneServiceDown(t *testing.T) {
	owner, priv := newIdentity(t)
	up := newKeyServices(t, 2)

	// Encrypt with all three healthy.
	healthy := newKeyServices(t, 3)
	gEnc, _ := New(healthy...)
	policyID, _ := policy.DerivePolicyID(owner, datatype.LabResults)
	ciphertext, _, err := gEnc.Encrypt(context.Background(), []byte("hdl 62"), policyID, 2)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Decrypt with the third replaced by an unreachable stub.
	gDec, _ := New(up[0], up[1], downService{id: healthy[2].ID()})
	// up[0], up[1] share master keys with healthy[0], healthy[1] by
	// construction (deterministic masters), so their shares unwrap.
	proof := ownerProof(t, owner, priv, datatype.LabResults)
	plaintext, err := gDec.Decrypt(context.Background(), ciphertext, proof)
	if err != nil {
		t.Fatalf("Decrypt with one service down: %v", err)
	}
	if string(plaintext) != "hdl 62" {
		t.Errorf("unexpected plaintext %q", plaintext)
	}
}

func TestDecryptQuorumUnavailable(t *testing.T) {
	owner, priv := newIdentity(t)
	healthy := newKeyServices(t, 3)
	gEnc, _ := New(healthy...)
	policyID, _ := policy.DerivePolicyID(owner, datatype.Conditions)
	ciphertext, _, err := gEnc.Encrypt(context.Background(), []byte("asthma"), policyID, 2)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Two of three down: only one share recoverable, below threshold.
	gDec, _ := New(healthy[0], downService{id: healthy[1].ID()}, downService{id: healthy[2].ID()})
	proof := ownerProof(t, owner, priv, datatype.Conditions)
	if _, err := gDec.Decrypt(context.Background(), ciphertext, proof); !errors.Is(err, ErrQuorumUnavailable) {
		t.Errorf("got %v, want ErrQuorumUnavailable", err)
	}
}

func TestDecryptAccessDenied(t *testing.T) {
	owner, _ := newIdentity(t)
	intruder, intruderPriv := newIdentity(t)

	g, _ := New(newKeyServices(t, 3)...)
	policyID, _ := policy.DerivePolicyID(owner, datatype.Medications)
	ciphertext, _, err := g.Encrypt(context.Background(), []byte("secret"), policyID, 2)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Intruder presents a proof for their own session against the
	// owner's policy.
	s, _ := session.New(intruder, intruder, time.Hour)
	session.Sign(s, func(c []byte) ([]byte, error) { return ed25519.Sign(intruderPriv, c), nil }) //nolint:errcheck
	proof, _ := session.BuildAccessProof(s, "pass-1", policyID, datatype.Medications)

	if _, err := g.Decrypt(context.Background(), ciphertext, proof); !errors.Is(err, ErrAccessDenied) {
		t.Errorf("got %v, want ErrAccessDenied", err)
	}
}

func TestDecryptInvalidCiphertext(t *testing.T) {
	owner, priv := newIdentity(t)
	g, _ := New(newKeyServices(t, 2)...)
	proof := ownerProof(t, owner, priv, datatype.Medications)

	cases := map[string][]byte{
		"not json":        []byte("garbage"),
		"empty object":    []byte(`{}`),
		"bad version":     []byte(`{"v":9,"policy_id":"p","threshold":1,"nonce":"AAA=","payload":"AAA=","shares":[{"service_id":"a-svc","wrapped":"AAA="}]}`),
		"zero threshold":  []byte(`{"v":1,"policy_id":"p","threshold":0,"nonce":"AAA=","payload":"AAA=","shares":[{"service_id":"a-svc","wrapped":"AAA="}]}`),
		"threshold>share": []byte(`{"v":1,"policy_id":"p","threshold":3,"nonce":"AAA=","payload":"AAA=","shares":[{"service_id":"a-svc","wrapped":"AAA="}]}`),
	}
	for name, ct := range cases {
		if _, err := g.Decrypt(context.Background(), ct, proof); !errors.Is(err, ErrInvalidCiphertext) {
			t.Errorf("%s: got %v, want ErrInvalidCiphertext", name, err)
		}
	}
}

func TestEncryptThresholdValidation(t *testing.T) {
	g, _ := New(newKeyServices(t, 2)...)
	if _, _, err := g.Encrypt(context.Background(), []byte("x"), "policy", 0); err == nil {
		t.Error("threshold 0 should fail")
	}
	if _, _, err := g.Encrypt(context.Background(), []byte("x"), "policy", 3); err == nil {
		t.Error("threshold above service count should fail")
	}
}

func TestServiceClientAgainstHTTPService(t *testing.T) {
	owner, priv := newIdentity(t)

	master := bytes.Repeat([]byte{9}, 32)
	svc, err := keysvc.NewService("http-svc", master, keysvc.DenyAll{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ts := httptest.NewServer(keysvc.Router(svc))
	defer ts.Close()

	client := NewServiceClient("http-svc", ts.URL)
	g, err := New(client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	policyID, _ := policy.DerivePolicyID(owner, datatype.SelfMetrics)
	plaintext := []byte(`{"steps":10423}`)
	ciphertext, _, err := g.Encrypt(context.Background(), plaintext, policyID, 1)
	if err != nil {
		t.Fatalf("Encrypt over HTTP: %v", err)
	}

	proof := ownerProof(t, owner, priv, datatype.SelfMetrics)
	got, err := g.Decrypt(context.Background(), ciphertext, proof)
	if err != nil {
		t.Fatalf("Decrypt over HTTP: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip over HTTP: got %q want %q", got, plaintext)
	}
}
