// Package domain contains the core business logic and entities for dnsforge.
package domain

import (
	"strings"
	"time"
)

// RecordType represents the type of a DNS record (e.g., A, AAAA, CNAME).
type RecordType string

const (
	// TypeA represents an IPv4 address record.
	TypeA RecordType = "A"
	// TypeAAAA represents an IPv6 address record.
	TypeAAAA RecordType = "AAAA"
	// TypeCNAME represents a canonical name record.
	TypeCNAME RecordType = "CNAME"
	// TypeMX represents a mail exchange record.
	TypeMX RecordType = "MX"
	// TypeTXT represents a text record.
	TypeTXT RecordType = "TXT"
)

// RecordValidity is the window added to a record's expiry on every
// authorized create, update, or renewal.
const RecordValidityMonths = 6

// AcmeChallengeLabel is the subdomain used for ACME DNS-01 challenge TXT
// records. Records at this label are system-owned: they never show up in
// user-facing listings and are not counted against record quotas.
const AcmeChallengeLabel = "_acme-challenge"

// DnsRecord is a user-owned DNS record. The relational store holding these
// is the ground truth for the whole system; the external provider is a
// replica the reconciler drives toward it.
type DnsRecord struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Subdomain   string     `json:"subdomain"`
	Type        RecordType `json:"type"`
	Value       string     `json:"value"`
	Ports       *string    `json:"ports,omitempty"`
	Course      *string    `json:"course,omitempty"`
	Description *string    `json:"description,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsAcmeChallenge reports whether the record is a DNS-01 challenge TXT row.
func (r *DnsRecord) IsAcmeChallenge() bool {
	return r.Type == TypeTXT && strings.HasPrefix(r.Subdomain, AcmeChallengeLabel)
}

// Expired reports whether the record is past its expiry at the given time.
func (r *DnsRecord) Expired(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

// NextExpiry computes the refreshed expiry for a record mutation.
// The window is fixed: prior expiry never factors in.
func NextExpiry(now time.Time) time.Time {
	return now.AddDate(0, RecordValidityMonths, 0)
}

// RecordTuple is the projection of a record used to diff the store against
// the provider. Regenerated fresh on every reconciliation pass.
type RecordTuple struct {
	Username  string     `json:"username"`
	Subdomain string     `json:"subdomain"`
	Type      RecordType `json:"type"`
	Value     string     `json:"value"`
}

// FQDN returns the provider-facing name for the tuple inside the managed
// zone: <subdomain>.<username>.<zone>.
func (t RecordTuple) FQDN(zone string) string {
	return t.Subdomain + "." + t.Username + "." + strings.TrimSuffix(zone, ".")
}

// RecordPatch carries the mutable fields of a record update. Nil fields are
// left untouched.
type RecordPatch struct {
	Subdomain   *string
	Type        *RecordType
	Value       *string
	Ports       *string
	Course      *string
	Description *string
}
