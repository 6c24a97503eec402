package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/org/healthpassport/pkg/models"
)

var (
	// ErrSessionUnsigned is returned when a proof is requested before the
	// session has been signed.
	ErrSessionUnsigned = errors.New("session not signed")
	// ErrSessionExpired is returned when the session has passed its
	// expiry. There is no way back; create a new session.
	ErrSessionExpired = errors.New("session expired")
)

// SignerFunc signs the session challenge with the caller's identity key.
// The signing mechanism (wallet, HSM, key file) stays external.
type SignerFunc func(challenge []byte) ([]byte, error)

// New creates an unsigned capability session for callerIdentity targeting
// ownerIdentity's data, with a fresh ephemeral ed25519 session keypair.
// For self-access pass the owner as both.
func New(ownerIdentity, callerIdentity string, ttl time.Duration) (*models.CapabilitySession, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	now := time.Now().UTC()
	s := &models.CapabilitySession{
		OwnerIdentity:    ownerIdentity,
		CallerIdentity:   callerIdentity,
		SessionPublicKey: base64.StdEncoding.EncodeToString(pub),
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
	}
	s.SetPrivateKey(priv)
	return s, nil
}

// Sign runs the external signer over the session challenge and attaches
// the resulting signature. Signing an expired session fails.
func Sign(s *models.CapabilitySession, signer SignerFunc) error {
	if s.IsExpired() {
		return ErrSessionExpired
	}
	sig, err := signer(s.ChallengeBytes())
	if err != nil {
		return fmt.Errorf("signing session challenge: %w", err)
	}
	s.Signature = sig
	return nil
}

// BuildAccessProof builds a one-shot proof binding the session to one
// (passport, policy, data type) tuple. The proof signature is made with
// the ephemeral session key, so the artifact is useless for any other
// policy identifier.
func BuildAccessProof(s *models.CapabilitySession, passportID, policyID, dataType string) (*models.AccessProof, error) {
	if !s.IsSigned() {
		return nil, ErrSessionUnsigned
	}
	if s.IsExpired() {
		return nil, ErrSessionExpired
	}

	nonce := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating proof nonce: %w", err)
	}

	proof := &models.AccessProof{
		PassportID:       passportID,
		PolicyID:         policyID,
		DataType:         dataType,
		OwnerIdentity:    s.OwnerIdentity,
		CallerIdentity:   s.CallerIdentity,
		SessionPublicKey: s.SessionPublicKey,
		SessionExpiresAt: s.ExpiresAt,
		SessionSignature: s.Signature,
		Nonce:            nonce,
	}
	proof.ProofSignature = ed25519.Sign(ed25519.PrivateKey(s.PrivateKey()), proof.Message())
	return proof, nil
}
