package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/poyrazK/dnsforge/internal/core/domain"
	"github.com/poyrazK/dnsforge/internal/core/ports"
)

// RecordService implements user-facing record CRUD on top of the record
// store. Every successful create, update, or delete raises the sync flag so
// the reconciler pushes the change to the provider on its next pass.
type RecordService struct {
	repo  ports.RecordRepository
	gate  ports.UserGate
	sync  ports.SyncState
	quota int // 0 disables the per-user limit
}

// NewRecordService wires the record service. quota <= 0 disables the
// per-user record limit.
func NewRecordService(repo ports.RecordRepository, gate ports.UserGate, sync ports.SyncState, quota int) *RecordService {
	if quota < 0 {
		quota = 0
	}
	return &RecordService{repo: repo, gate: gate, sync: sync, quota: quota}
}

// List returns the user's records with ACME challenge rows filtered out.
func (s *RecordService) List(ctx context.Context, username string) ([]domain.DnsRecord, error) {
	return s.repo.List(ctx, username, true)
}

// Create validates and persists a new record. The expiry is always set to
// now + the fixed validity window.
func (s *RecordService) Create(ctx context.Context, record *domain.DnsRecord) error {
	deactivated, err := s.gate.IsDeactivated(ctx, record.Username)
	if err != nil {
		return fmt.Errorf("failed to check account status: %w", err)
	}
	if deactivated {
		return domain.ErrDeactivatedAccount
	}

	subdomain, err := domain.NormalizeSubdomain(record.Subdomain)
	if err != nil {
		return err
	}
	record.Subdomain = subdomain

	if err := domain.ValidateSubdomain(record.Subdomain); err != nil {
		return err
	}
	if err := domain.ValidateRecordValue(record.Type, record.Value); err != nil {
		return err
	}

	if s.quota > 0 {
		count, err := s.repo.Count(ctx, record.Username)
		if err != nil {
			return fmt.Errorf("failed to count records: %w", err)
		}
		if count >= s.quota {
			return domain.ErrQuotaExceeded
		}
	}

	now := time.Now()
	record.ID = uuid.New().String()
	record.ExpiresAt = domain.NextExpiry(now)
	record.CreatedAt = now
	record.UpdatedAt = now

	// The store's partial unique index on (username, subdomain) for CNAME
	// rows is the real duplicate guard; the repository maps violations to
	// domain.ErrDuplicateRecord. No pre-check: check-then-write races.
	if err := s.repo.Create(ctx, record); err != nil {
		return err
	}

	return s.sync.Raise(ctx)
}

// Update applies a patch to an existing record and refreshes its expiry.
func (s *RecordService) Update(ctx context.Context, id string, patch domain.RecordPatch) (*domain.DnsRecord, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	deactivated, err := s.gate.IsDeactivated(ctx, existing.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to check account status: %w", err)
	}
	if deactivated {
		return nil, domain.ErrDeactivatedAccount
	}

	if patch.Subdomain != nil {
		subdomain, err := domain.NormalizeSubdomain(*patch.Subdomain)
		if err != nil {
			return nil, err
		}
		if err := domain.ValidateSubdomain(subdomain); err != nil {
			return nil, err
		}
		patch.Subdomain = &subdomain
	}
	if patch.Value != nil {
		rType := existing.Type
		if patch.Type != nil {
			rType = *patch.Type
		}
		if err := domain.ValidateRecordValue(rType, *patch.Value); err != nil {
			return nil, err
		}
	}

	updated, err := s.repo.Update(ctx, id, patch, domain.NextExpiry(time.Now()))
	if err != nil {
		return nil, err
	}

	if err := s.sync.Raise(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// Renew extends the record's expiry by the fixed validity window. The
// reconciled tuple is unchanged, so no sync is signalled.
func (s *RecordService) Renew(ctx context.Context, id string) (*domain.DnsRecord, error) {
	return s.repo.Renew(ctx, id, domain.NextExpiry(time.Now()))
}

// Delete removes a record and signals the reconciler.
func (s *RecordService) Delete(ctx context.Context, id string) (*domain.DnsRecord, error) {
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.sync.Raise(ctx); err != nil {
		return nil, err
	}
	return deleted, nil
}

// CreateChallengeRecord writes a DNS-01 challenge TXT row. This is the
// system path used by the issuance pipeline: it bypasses the quota and
// account checks. Several challenge values may coexist at one subdomain
// (a wildcard order validates the base name twice), so stale rows are the
// caller's job to clear via DeleteChallengeRecords before provisioning.
func (s *RecordService) CreateChallengeRecord(ctx context.Context, username, subdomain, value string) error {
	if !strings.HasPrefix(subdomain, domain.AcmeChallengeLabel) {
		return fmt.Errorf("challenge subdomain %q must start with %s", subdomain, domain.AcmeChallengeLabel)
	}

	now := time.Now()
	record := &domain.DnsRecord{
		ID:        uuid.New().String(),
		Username:  username,
		Subdomain: subdomain,
		Type:      domain.TypeTXT,
		Value:     value,
		ExpiresAt: domain.NextExpiry(now),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return err
	}

	return s.sync.Raise(ctx)
}

// DeleteChallengeRecords removes the challenge TXT rows at a subdomain once
// the certificate reaches a terminal state.
func (s *RecordService) DeleteChallengeRecords(ctx context.Context, username, subdomain string) error {
	n, err := s.repo.DeleteWhere(ctx, username, subdomain, domain.TypeTXT)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return s.sync.Raise(ctx)
}
