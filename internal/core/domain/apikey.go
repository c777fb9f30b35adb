package domain

import "time"

// ApiKey authenticates management API calls for one user. Only the SHA-256
// hash of the key material is stored.
type ApiKey struct {
	ID        string     `json:"id"`
	KeyHash   string     `json:"-"`
	Username  string     `json:"username"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
