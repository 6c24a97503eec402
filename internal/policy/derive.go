package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/org/healthpassport/internal/datatype"
)

// policyContext versions the derivation; bumping it would re-key every
// policy identifier in existence, so it never changes within a deployment.
const policyContext = "hp-policy-v1"

// ErrEmptyOwnerIdentity is returned when the owner identity is blank.
var ErrEmptyOwnerIdentity = errors.New("empty owner identity")

// DerivePolicyID derives the deterministic policy identifier binding one
// owner identity to one data type. The same inputs always yield the same
// identifier, and two data types for the same owner never collide, so
// access to one type never implies access to another. Pure function, no
// side effects.
func DerivePolicyID(ownerIdentity, dataType string) (string, error) {
	if ownerIdentity == "" {
		return "", ErrEmptyOwnerIdentity
	}
	if err := datatype.Validate(dataType); err != nil {
		return "", err
	}

	// The owner identity is the HKDF secret and the data type goes in the
	// info string. Lengths are prefixed so no (owner, type) pair can be
	// confused with another by boundary shifting.
	info := fmt.Sprintf("%s|%d|%s|%d|%s",
		policyContext, len(ownerIdentity), ownerIdentity, len(dataType), dataType)

	out := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(ownerIdentity), nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return "", fmt.Errorf("deriving policy id: %w", err)
	}
	return hex.EncodeToString(out), nil
}
