package models

import (
	"encoding/base64"
	"fmt"
	"time"
)

// CapabilitySession is a short-lived credential authorizing decryption
// requests. It is created unsigned with a fresh ephemeral session keypair,
// then signed by the caller's identity key over ChallengeBytes. The private
// half of the session key never leaves the process that created it; a
// session is never persisted and never transitions back out of expiry.
type CapabilitySession struct {
	// OwnerIdentity is the passport owner whose data the session targets.
	OwnerIdentity string `json:"owner_identity"`
	// CallerIdentity is the identity requesting access. Equal to
	// OwnerIdentity for self-access; a grantee otherwise.
	CallerIdentity string `json:"caller_identity"`
	// SessionPublicKey is the base64 ephemeral ed25519 public key.
	SessionPublicKey string `json:"session_public_key"`
	// sessionPrivateKey stays unexported so it is never serialized.
	sessionPrivateKey []byte

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// Signature is the caller's signature over ChallengeBytes. Empty
	// until the session has been signed.
	Signature []byte `json:"signature,omitempty"`
}

// SetPrivateKey attaches the ephemeral private key. Only the session
// constructor should call this.
func (s *CapabilitySession) SetPrivateKey(priv []byte) { s.sessionPrivateKey = priv }

// PrivateKey returns the ephemeral session private key.
func (s *CapabilitySession) PrivateKey() []byte { return s.sessionPrivateKey }

// IsSigned reports whether the owner signature has been attached.
func (s *CapabilitySession) IsSigned() bool { return len(s.Signature) > 0 }

// IsExpired reports whether the session has passed its expiry time.
func (s *CapabilitySession) IsExpired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// ChallengeBytes is the canonical byte string the caller's identity key
// signs. Both the client and the key-holding services derive it the same
// way, so the format is versioned.
func (s *CapabilitySession) ChallengeBytes() []byte {
	return SessionChallenge(s.CallerIdentity, s.SessionPublicKey, s.ExpiresAt)
}

// SessionChallenge builds the canonical session challenge.
func SessionChallenge(callerIdentity, sessionPublicKey string, expiresAt time.Time) []byte {
	return fmt.Appendf(nil, "hp-session-v1|%s|%s|%d",
		callerIdentity, sessionPublicKey, expiresAt.Unix())
}

// AccessProof is a one-shot artifact presented to the key-holding services
// to authorize one decryption. The proof signature is made with the session
// key over the (passport, policy, nonce) tuple, so a proof for one policy
// identifier cannot be replayed against another.
type AccessProof struct {
	PassportID       string    `json:"passport_id"`
	PolicyID         string    `json:"policy_id"`
	DataType         string    `json:"data_type"`
	OwnerIdentity    string    `json:"owner_identity"`
	CallerIdentity   string    `json:"caller_identity"`
	SessionPublicKey string    `json:"session_public_key"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
	SessionSignature []byte    `json:"session_signature"`
	Nonce            []byte    `json:"nonce"`
	ProofSignature   []byte    `json:"proof_signature"`
}

// Message is the canonical byte string signed by the session key.
func (p *AccessProof) Message() []byte {
	return fmt.Appendf(nil, "hp-proof-v1|%s|%s|%s|%s",
		p.PassportID, p.PolicyID, p.DataType, base64.StdEncoding.EncodeToString(p.Nonce))
}
