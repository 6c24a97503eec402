package models

import "time"

// Passport is the single per-owner record anchoring all of that owner's
// encrypted health-data references. OwnerIdentity is the hex-encoded
// ed25519 public key of the owner and doubles as the policy seed.
type Passport struct {
	ID             string    `json:"id"`
	OwnerIdentity  string    `json:"owner_identity"`
	CountryCode    string    `json:"country_code"`
	AnalyticsOptIn bool      `json:"analytics_opt_in"`
	CreatedAt      time.Time `json:"created_at"`
}
