package ports

import (
	"context"
	"time"

	"github.com/poyrazK/dnsforge/internal/core/domain"
)

// RecordRepository is the durable record store. It owns the ground truth
// the reconciler converges the provider toward.
type RecordRepository interface {
	// List returns a user's records. ACME challenge TXT rows are excluded
	// when excludeAcmeChallenge is set (the user-facing default).
	List(ctx context.Context, username string, excludeAcmeChallenge bool) ([]domain.DnsRecord, error)
	// Count returns the user's record count with ACME challenge TXT rows
	// always excluded; it backs the quota check.
	Count(ctx context.Context, username string) (int, error)
	GetByID(ctx context.Context, id string) (*domain.DnsRecord, error)
	Create(ctx context.Context, record *domain.DnsRecord) error
	Update(ctx context.Context, id string, patch domain.RecordPatch, expiresAt time.Time) (*domain.DnsRecord, error)
	Renew(ctx context.Context, id string, expiresAt time.Time) (*domain.DnsRecord, error)
	Delete(ctx context.Context, id string) (*domain.DnsRecord, error)
	// DeleteWhere removes all records matching (username, subdomain, type)
	// and returns how many rows were removed. Used to clean up challenge
	// records, which carry no stable caller-side id.
	DeleteWhere(ctx context.Context, username, subdomain string, rType domain.RecordType) (int, error)
	ListExpired(ctx context.Context, now time.Time) ([]domain.DnsRecord, error)
	// Snapshot returns the full reconciliation projection of every record.
	// The total record count is assumed bounded (low tens of thousands),
	// which is what makes a full-table diff viable.
	Snapshot(ctx context.Context) ([]domain.RecordTuple, error)
}

// CertificateRepository persists certificate orders and their challenges.
type CertificateRepository interface {
	Create(ctx context.Context, cert *domain.Certificate) error
	GetByID(ctx context.Context, id string) (*domain.Certificate, error)
	UpdateStatus(ctx context.Context, id string, status domain.CertificateStatus) error
	SetOrder(ctx context.Context, id string, orderURL string) error
	SetCertificate(ctx context.Context, id string, certPEM, keyPEM string, issuedAt time.Time) error
	CreateChallenges(ctx context.Context, challenges []domain.Challenge) error
	// DeleteChallenges removes every challenge row for a certificate. Used
	// when an order is reopened so rows from an abandoned attempt cannot
	// shadow the live order.
	DeleteChallenges(ctx context.Context, certificateID string) error
	ListChallenges(ctx context.Context, certificateID string) ([]domain.Challenge, error)
	MarkChallengeVerified(ctx context.Context, challengeID string) error
}

// UserGate answers whether a user account has been deactivated. Consulted
// before record mutations and at every issuance stage boundary.
type UserGate interface {
	IsDeactivated(ctx context.Context, username string) (bool, error)
}

// ApiKeyRepository stores management API credentials.
type ApiKeyRepository interface {
	CreateAPIKey(ctx context.Context, key *domain.ApiKey) error
	// GetAPIKeyByHash returns nil when no key matches.
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.ApiKey, error)
}

// ProviderRecord is a record as the external DNS provider reports it.
type ProviderRecord struct {
	ID    string
	Name  string // FQDN
	Type  domain.RecordType
	Value string
}

// DNSProvider is the external authoritative DNS service. Its state is a
// replica, never authoritative; every call may fail transiently and the
// reconciler must tolerate partial application.
type DNSProvider interface {
	ListManagedRecords(ctx context.Context) ([]ProviderRecord, error)
	CreateRecord(ctx context.Context, name string, rType domain.RecordType, value string) error
	UpdateRecord(ctx context.Context, id string, name string, rType domain.RecordType, value string) error
	DeleteRecord(ctx context.Context, id string) error
}

// OrderChallenge is one DNS-01 challenge returned when an ACME order is
// opened. ChallengeKey is the TXT value to publish at
// _acme-challenge.<Domain>.
type OrderChallenge struct {
	Domain       string
	ChallengeURL string
	ChallengeKey string
}

// Order is the result of opening an ACME order.
type Order struct {
	OrderURL   string
	Challenges []OrderChallenge
}

// ACMEClient is the certificate authority boundary.
type ACMEClient interface {
	CreateOrder(ctx context.Context, domains []string) (*Order, error)
	// ValidateChallenge tells the CA to check the challenge. The returned
	// error is classified by the caller into retryable vs terminal.
	ValidateChallenge(ctx context.Context, challengeURL string) error
	// Finalize submits a CSR for a freshly generated key and returns the
	// issued certificate chain and the key, both PEM encoded.
	Finalize(ctx context.Context, orderURL string, domains []string) (certPEM, keyPEM string, err error)
}

// ChallengeVerifier checks live DNS for a DNS-01 TXT record. A record that
// is simply not visible yet yields (false, nil); only lookup infrastructure
// faults yield an error.
type ChallengeVerifier interface {
	Verify(ctx context.Context, fqdn string, challengeKey string) (bool, error)
}

// SyncState is the reconciliation-needed signal, versioned so that a
// mutation landing while a pass is in flight is never lost: Raise bumps the
// version, MarkSynced records the version a completed pass was built from,
// and NeedsSync compares the two.
type SyncState interface {
	Raise(ctx context.Context) error
	Version(ctx context.Context) (int64, error)
	MarkSynced(ctx context.Context, version int64) error
	NeedsSync(ctx context.Context) (bool, error)
}

// Enqueuer hands work to the job queue. Stages never call each other
// in-process; completion of stage N enqueues stage N+1.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskName string, payload any) error
}
