package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/org/healthpassport/internal/crypto"
	"github.com/org/healthpassport/internal/keysvc"
	"github.com/org/healthpassport/pkg/models"
)

var (
	// ErrAccessDenied is returned when the key-holding services answered
	// but refused the proof. Never retried automatically.
	ErrAccessDenied = errors.New("access denied")
	// ErrInvalidCiphertext is returned when the ciphertext envelope fails
	// structural parsing. Not retryable; surfaced as data corruption.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrQuorumUnavailable is returned when fewer than threshold services
	// responded. Transient; retry with backoff.
	ErrQuorumUnavailable = errors.New("quorum unavailable")
)

// KeyService is one independent key-holding service as seen by the
// gateway. Satisfied by keysvc.Service in-process and by ServiceClient
// over HTTP.
type KeyService interface {
	ID() string
	Wrap(ctx context.Context, policyID string, share []byte) ([]byte, error)
	Unwrap(ctx context.Context, policyID string, wrapped []byte, proof *models.AccessProof) ([]byte, error)
}

// DefaultThreshold returns the quorum required for n configured services:
// 2-of-N once at least two services exist, otherwise the single available
// service. The cap at 2 bounds verification latency and tolerates one
// outage; it is a tunable policy, not a hard law.
func DefaultThreshold(n int) int {
	if n >= 2 {
		return 2
	}
	if n < 1 {
		return 1
	}
	return n
}

// envelopeVersion is the ciphertext envelope wire version.
const envelopeVersion = 1

type envelopeShare struct {
	ServiceID string `json:"service_id"`
	Wrapped   []byte `json:"wrapped"`
}

type envelope struct {
	V         int             `json:"v"`
	PolicyID  string          `json:"policy_id"`
	Threshold int             `json:"threshold"`
	Nonce     []byte          `json:"nonce"`
	Payload   []byte          `json:"payload"`
	Shares    []envelopeShare `json:"shares"`
}

// Gateway performs threshold encryption against a set of key-holding
// services. It holds no state beyond its service configuration.
type Gateway struct {
	services []KeyService
}

// New creates a Gateway over the configured services.
func New(services ...KeyService) (*Gateway, error) {
	if len(services) == 0 {
		return nil, errors.New("at least one key service required")
	}
	seen := map[string]bool{}
	for _, svc := range services {
		if seen[svc.ID()] {
			return nil, fmt.Errorf("duplicate key service id %q", svc.ID())
		}
		seen[svc.ID()] = true
	}
	return &Gateway{services: services}, nil
}

// ServiceCount returns how many key services are configured.
func (g *Gateway) ServiceCount() int { return len(g.services) }

// Encrypt encrypts plaintext under the policy identifier. The DEK is
// split into one share per service with the given reconstruction
// threshold; each service wraps its own share. Returns the ciphertext
// envelope and the raw DEK as backup key material for owner escrow —
// the caller owns scrubbing it.
func (g *Gateway) Encrypt(ctx context.Context, plaintext []byte, policyID string, threshold int) ([]byte, []byte, error) {
	if policyID == "" {
		return nil, nil, errors.New("policy id required")
	}
	if threshold < 1 || threshold > len(g.services) {
		return nil, nil, fmt.Errorf("threshold %d out of range [1,%d]", threshold, len(g.services))
	}

	dek, err := crypto.GenerateDEK()
	if err != nil {
		return nil, nil, err
	}

	ciphertext, nonce, err := crypto.EncryptAESGCM(plaintext, dek)
	if err != nil {
		crypto.ZeroBytes(dek)
		return nil, nil, fmt.Errorf("encrypting payload: %w", err)
	}

	shares, err := crypto.SplitKey(dek, len(g.services), threshold)
	if err != nil {
		crypto.ZeroBytes(dek)
		return nil, nil, fmt.Errorf("splitting DEK: %w", err)
	}

	env := envelope{
		V:         envelopeVersion,
		PolicyID:  policyID,
		Threshold: threshold,
		Nonce:     nonce,
		Payload:   ciphertext,
		Shares:    make([]envelopeShare, len(g.services)),
	}
	for i, svc := range g.services {
		wrapped, err := svc.Wrap(ctx, policyID, shares[i])
		crypto.ZeroBytes(shares[i])
		if err != nil {
			crypto.ZeroBytes(dek)
			return nil, nil, fmt.Errorf("%w: wrapping share with %s: %v", ErrQuorumUnavailable, svc.ID(), err)
		}
		env.Shares[i] = envelopeShare{ServiceID: svc.ID(), Wrapped: wrapped}
	}

	out, err := json.Marshal(env)
	if err != nil {
		crypto.ZeroBytes(dek)
		return nil, nil, fmt.Errorf("encoding envelope: %w", err)
	}
	return out, dek, nil
}

// Decrypt parses the ciphertext envelope, presents the proof to the
// services holding its shares, combines at least threshold of them, and
// decrypts the payload.
func (g *Gateway) Decrypt(ctx context.Context, ciphertext []byte, proof *models.AccessProof) ([]byte, error) {
	env, err := parseEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]KeyService, len(g.services))
	for _, svc := range g.services {
		byID[svc.ID()] = svc
	}

	type unwrapResult struct {
		share  []byte
		denied bool
		err    error
	}

	results := make([]unwrapResult, len(env.Shares))
	var wg sync.WaitGroup
	for i, es := range env.Shares {
		svc, ok := byID[es.ServiceID]
		if !ok {
			results[i] = unwrapResult{err: fmt.Errorf("service %q not configured", es.ServiceID)}
			continue
		}
		wg.Add(1)
		go func(i int, svc KeyService, wrapped []byte) {
			defer wg.Done()
			share, err := svc.Unwrap(ctx, env.PolicyID, wrapped, proof)
			if err != nil {
				results[i] = unwrapResult{denied: isDenial(err), err: err}
				return
			}
			results[i] = unwrapResult{share: share}
		}(i, svc, es.Wrapped)
	}
	wg.Wait()

	var shares [][]byte
	denials := 0
	for _, r := range results {
		switch {
		case r.err == nil:
			shares = append(shares, r.share)
		case r.denied:
			denials++
		}
	}

	if len(shares) < env.Threshold {
		if denials > 0 {
			return nil, fmt.Errorf("%w: %d of %d services refused the proof", ErrAccessDenied, denials, len(env.Shares))
		}
		return nil, fmt.Errorf("%w: %d of %d shares recovered, need %d", ErrQuorumUnavailable, len(shares), len(env.Shares), env.Threshold)
	}

	dek, err := crypto.CombineShares(shares[:env.Threshold])
	if err != nil {
		return nil, fmt.Errorf("combining shares: %w", err)
	}
	defer crypto.ZeroBytes(dek)
	for _, s := range shares {
		crypto.ZeroBytes(s)
	}

	plaintext, err := crypto.DecryptAESGCM(env.Payload, env.Nonce, dek)
	if err != nil {
		return nil, fmt.Errorf("%w: payload authentication failed", ErrInvalidCiphertext)
	}
	return plaintext, nil
}

func parseEnvelope(ciphertext []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(ciphertext, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrInvalidCiphertext, env.V)
	}
	if env.PolicyID == "" || len(env.Nonce) == 0 || len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing envelope fields", ErrInvalidCiphertext)
	}
	if env.Threshold < 1 || env.Threshold > len(env.Shares) {
		return nil, fmt.Errorf("%w: threshold %d inconsistent with %d shares", ErrInvalidCiphertext, env.Threshold, len(env.Shares))
	}
	return &env, nil
}

func isDenial(err error) bool {
	return errors.Is(err, ErrAccessDenied) || errors.Is(err, keysvc.ErrProofRejected)
}
