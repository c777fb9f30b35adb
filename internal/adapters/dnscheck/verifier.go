// Package dnscheck confirms DNS-01 challenge records are visible in live
// DNS before the CA is asked to look for them.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/poyrazK/dnsforge/internal/core/domain"
)

const lookupTimeout = 5 * time.Second

// Verifier implements ports.ChallengeVerifier with TXT lookups against a
// trusted recursive resolver. Querying a fixed recursor rather than the
// host's stub resolver avoids split-horizon surprises and stale local
// caches.
type Verifier struct {
	resolver *net.Resolver
	lookup   func(ctx context.Context, name string) ([]string, error)
}

// NewVerifier builds a verifier against the given recursor ("host:port").
// An empty address falls back to the system resolver.
func NewVerifier(recursorAddr string) *Verifier {
	resolver := net.DefaultResolver
	if recursorAddr != "" {
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{Timeout: lookupTimeout}
				return d.DialContext(ctx, network, recursorAddr)
			},
		}
	}

	v := &Verifier{resolver: resolver}
	v.lookup = func(ctx context.Context, name string) ([]string, error) {
		return v.resolver.LookupTXT(ctx, name)
	}
	return v
}

// Verify reports whether a TXT record carrying the challenge key is
// published at _acme-challenge.<fqdn>. Absence is not an error: the record
// may simply not have propagated yet.
func (v *Verifier) Verify(ctx context.Context, fqdn string, challengeKey string) (bool, error) {
	name := domain.AcmeChallengeLabel + "." + strings.TrimSuffix(strings.ToLower(fqdn), ".")

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	values, err := v.lookup(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return false, nil
		}
		return false, fmt.Errorf("txt lookup for %s failed: %w", name, err)
	}

	for _, val := range values {
		if val == challengeKey {
			return true, nil
		}
	}
	return false, nil
}
