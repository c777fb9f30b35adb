package domain

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var validLabelRegex = regexp.MustCompile(`^[a-zA-Z0-9_]([a-zA-Z0-9_-]{0,61}[a-zA-Z0-9_])?$`)

// NormalizeSubdomain lowercases the subdomain and converts internationalized
// labels to their ASCII (punycode) form so that store and provider always
// compare the same bytes.
func NormalizeSubdomain(subdomain string) (string, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if subdomain == "" {
		return "", fmt.Errorf("%w: subdomain cannot be empty", ErrInvalidRecord)
	}
	ascii, err := idna.ToASCII(subdomain)
	if err != nil {
		return "", fmt.Errorf("%w: subdomain %q is not a valid IDN: %v", ErrInvalidRecord, subdomain, err)
	}
	return ascii, nil
}

// ValidateSubdomain checks the (already normalized) subdomain labels.
// The underscore is allowed so that system labels like _acme-challenge pass.
func ValidateSubdomain(subdomain string) error {
	if subdomain == "" {
		return fmt.Errorf("%w: subdomain cannot be empty", ErrInvalidRecord)
	}
	if len(subdomain) > 253 {
		return fmt.Errorf("%w: subdomain exceeds 253 characters", ErrInvalidRecord)
	}
	for _, label := range strings.Split(subdomain, ".") {
		if label == "" {
			return fmt.Errorf("%w: subdomain contains empty label", ErrInvalidRecord)
		}
		if len(label) > 63 {
			return fmt.Errorf("%w: label '%s' exceeds 63 characters", ErrInvalidRecord, label)
		}
		if !validLabelRegex.MatchString(label) {
			return fmt.Errorf("%w: label '%s' contains invalid characters or format", ErrInvalidRecord, label)
		}
	}
	return nil
}

// ValidateRecordValue checks the record value against its type.
func ValidateRecordValue(rType RecordType, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%w: record value cannot be empty", ErrInvalidRecord)
	}

	switch rType {
	case TypeA:
		ip := net.ParseIP(value)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: '%s' is not a valid IPv4 address", ErrInvalidRecord, value)
		}
	case TypeAAAA:
		ip := net.ParseIP(value)
		if ip == nil || ip.To4() != nil {
			return fmt.Errorf("%w: '%s' is not a valid IPv6 address", ErrInvalidRecord, value)
		}
	case TypeCNAME:
		target := strings.TrimSuffix(value, ".")
		for _, label := range strings.Split(target, ".") {
			if label == "" || len(label) > 63 {
				return fmt.Errorf("%w: '%s' is not a valid CNAME target", ErrInvalidRecord, value)
			}
		}
	case TypeTXT, TypeMX:
		// Free-form; MX priority handling lives at the provider boundary.
	default:
		return fmt.Errorf("%w: unsupported record type '%s'", ErrInvalidRecord, rType)
	}
	return nil
}
