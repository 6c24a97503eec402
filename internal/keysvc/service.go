package keysvc

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/org/healthpassport/internal/crypto"
	"github.com/org/healthpassport/internal/policy"
	"github.com/org/healthpassport/pkg/models"
)

// ErrProofRejected is returned when an access proof fails verification.
// The reason is wrapped; callers treat every variant as an authorization
// failure.
var ErrProofRejected = errors.New("access proof rejected")

// AccessList answers whether a non-owner identity has been granted access
// to one data type of a passport.
type AccessList interface {
	GrantExists(ctx context.Context, passportID, dataType, granteeIdentity string) (bool, error)
}

// DenyAll is an AccessList admitting nobody beyond the owner.
type DenyAll struct{}

func (DenyAll) GrantExists(context.Context, string, string, string) (bool, error) {
	return false, nil
}

// Service is one independent key-holding service. It wraps and unwraps
// threshold key shares under policy identifiers; unwrapping requires a
// valid access proof. No per-call state is retained.
type Service struct {
	id        string
	masterKey []byte
	grants    AccessList
}

// NewService creates a Service. masterKey must be 32 bytes and unique per
// deployed service; grants may be DenyAll{} for owner-only deployments.
func NewService(id string, masterKey []byte, grants AccessList) (*Service, error) {
	if id == "" {
		return nil, errors.New("service id required")
	}
	if len(masterKey) != 32 {
		return nil, errors.New("master key must be 32 bytes")
	}
	if grants == nil {
		grants = DenyAll{}
	}
	return &Service{id: id, masterKey: masterKey, grants: grants}, nil
}

// ID returns the service identifier used in ciphertext envelopes.
func (s *Service) ID() string { return s.id }

// wrapKey derives the per-policy wrap key. Different policies, and
// different services, never share a wrap key.
func (s *Service) wrapKey(policyID string) ([]byte, error) {
	return crypto.DeriveKey(s.masterKey, "hp-share-wrap-v1|"+s.id+"|"+policyID)
}

// Wrap seals a key share under the policy identifier. Wrapping needs no
// authorization; only unwrapping is gated.
func (s *Service) Wrap(ctx context.Context, policyID string, share []byte) ([]byte, error) {
	if policyID == "" {
		return nil, errors.New("policy id required")
	}
	key, err := s.wrapKey(policyID)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)
	return crypto.Seal(share, key)
}

// Unwrap verifies the access proof against the policy identifier and, if
// it holds, returns the unwrapped share.
func (s *Service) Unwrap(ctx context.Context, policyID string, wrapped []byte, proof *models.AccessProof) ([]byte, error) {
	if err := s.VerifyProof(ctx, policyID, proof); err != nil {
		return nil, err
	}
	key, err := s.wrapKey(policyID)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)
	share, err := crypto.Open(wrapped, key)
	if err != nil {
		return nil, fmt.Errorf("unwrapping share: %w", err)
	}
	return share, nil
}

// VerifyProof checks an access proof against the requested policy id:
// session unexpired, caller signature over the session challenge, session
// signature over the proof message, and the policy id re-derived from the
// claimed owner and data type. Non-owner callers must hold a grant.
func (s *Service) VerifyProof(ctx context.Context, policyID string, proof *models.AccessProof) error {
	if proof == nil {
		return fmt.Errorf("%w: missing proof", ErrProofRejected)
	}
	if proof.PolicyID != policyID {
		return fmt.Errorf("%w: proof bound to different policy", ErrProofRejected)
	}
	if time.Now().After(proof.SessionExpiresAt) {
		return fmt.Errorf("%w: session expired", ErrProofRejected)
	}

	callerPub, err := hex.DecodeString(proof.CallerIdentity)
	if err != nil || len(callerPub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed caller identity", ErrProofRejected)
	}
	sessionPub, err := base64.StdEncoding.DecodeString(proof.SessionPublicKey)
	if err != nil || len(sessionPub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed session key", ErrProofRejected)
	}

	challenge := models.SessionChallenge(proof.CallerIdentity, proof.SessionPublicKey, proof.SessionExpiresAt)
	if !ed25519.Verify(ed25519.PublicKey(callerPub), challenge, proof.SessionSignature) {
		return fmt.Errorf("%w: session signature invalid", ErrProofRejected)
	}
	if !ed25519.Verify(ed25519.PublicKey(sessionPub), proof.Message(), proof.ProofSignature) {
		return fmt.Errorf("%w: proof signature invalid", ErrProofRejected)
	}

	// The policy id must be derivable from the claimed owner and data
	// type. This anchors authorization to the ownership fact: nobody can
	// claim a policy they cannot derive.
	derived, err := policy.DerivePolicyID(proof.OwnerIdentity, proof.DataType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProofRejected, err)
	}
	if derived != policyID {
		return fmt.Errorf("%w: policy does not belong to claimed owner", ErrProofRejected)
	}

	if proof.CallerIdentity != proof.OwnerIdentity {
		ok, err := s.grants.GrantExists(ctx, proof.PassportID, proof.DataType, proof.CallerIdentity)
		if err != nil {
			return fmt.Errorf("checking grant: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: caller has no grant", ErrProofRejected)
		}
	}
	return nil
}
