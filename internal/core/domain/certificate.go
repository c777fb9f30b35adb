package domain

import "time"

// CertificateStatus is the lifecycle state of a certificate order.
type CertificateStatus string

const (
	// CertPending means the certificate row exists but no ACME order has
	// been opened yet.
	CertPending CertificateStatus = "pending"
	// CertChallengesProvisioned means the order is open and the DNS-01
	// challenge records have been written to the record store.
	CertChallengesProvisioned CertificateStatus = "challenges-provisioned"
	// CertVerifying means every challenge was observed in live DNS and the
	// CA is being asked to validate.
	CertVerifying CertificateStatus = "verifying"
	// CertIssued is terminal success.
	CertIssued CertificateStatus = "issued"
	// CertFailed is terminal failure.
	CertFailed CertificateStatus = "failed"
)

// Certificate is one ACME certificate order owned by a user.
type Certificate struct {
	ID             string            `json:"id"`
	Username       string            `json:"username"`
	RootDomain     string            `json:"root_domain"`
	Status         CertificateStatus `json:"status"`
	OrderURL       string            `json:"order_url,omitempty"`
	CertificatePEM string            `json:"certificate_pem,omitempty"`
	// PrivateKeyPEM never leaves the server.
	PrivateKeyPEM string `json:"-"`
	IssuedAt       *time.Time        `json:"issued_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Challenge is a single DNS-01 challenge belonging to a certificate order.
// Domain is the exact FQDN being validated, which may differ from the
// certificate's root domain for wildcard or SAN entries. Rows are retained
// after the certificate reaches a terminal state for audit.
type Challenge struct {
	ID            string    `json:"id"`
	CertificateID string    `json:"certificate_id"`
	Domain        string    `json:"domain"`
	ChallengeKey  string    `json:"challenge_key"`
	ChallengeURL  string    `json:"challenge_url"`
	Verified      bool      `json:"verified"`
	CreatedAt     time.Time `json:"created_at"`
}
