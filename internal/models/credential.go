package models

import "time"

// CredentialStatus marks whether a provider credential is usable.
type CredentialStatus string

const (
	CredentialActive CredentialStatus = "active"
	// CredentialUnauthenticated means the refresh token was rejected and a
	// manual re-authorization is required before the provider can be synced.
	CredentialUnauthenticated CredentialStatus = "unauthenticated"
)

// Credential holds the OAuth tokens for one provider.
//
// For providers with refresh-token rotation the RefreshToken is single-use:
// every exchange invalidates the stored value, so the record must always be
// replaced as a whole, never field by field.
type Credential struct {
	Provider     string           `json:"provider"`
	AccessToken  string           `json:"-"`
	RefreshToken string           `json:"-"`
	ExpiresAt    *time.Time       `json:"expires_at,omitempty"`
	ClientID     string           `json:"-"`
	ClientSecret string           `json:"-"`
	Status       CredentialStatus `json:"status"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ExpiresWithin reports whether the access token is missing, expired, or will
// expire inside the given safety margin.
func (c *Credential) ExpiresWithin(margin time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.ExpiresAt == nil {
		return false
	}
	return time.Until(*c.ExpiresAt) <= margin
}
