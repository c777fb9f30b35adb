package domain

import "errors"

var (
	// ErrDeactivatedAccount is returned when an operation is attempted on
	// behalf of a deactivated user. Never retried.
	ErrDeactivatedAccount = errors.New("account is deactivated")

	// ErrQuotaExceeded is returned when a user has reached their record
	// quota. ACME challenge TXT rows do not count toward it.
	ErrQuotaExceeded = errors.New("record quota exceeded")

	// ErrDuplicateRecord is returned when a CNAME record with the same
	// (username, subdomain) already exists. Enforced by a store-level
	// unique index, not only the service pre-check.
	ErrDuplicateRecord = errors.New("duplicate CNAME record")

	// ErrNotFound is returned when a record or certificate does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRecord wraps every record validation failure.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrOrderInvalid marks a CA-side failure that no retry can fix, such
	// as a permanently rejected order or revoked domain ownership.
	ErrOrderInvalid = errors.New("acme order is invalid")
)
