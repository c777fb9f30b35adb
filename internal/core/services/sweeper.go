package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/poyrazK/dnsforge/internal/core/ports"
	"github.com/poyrazK/dnsforge/internal/infrastructure/metrics"
)

// Sweeper removes records whose validity window lapsed without a renewal.
type Sweeper struct {
	records ports.RecordRepository
	sync    ports.SyncState
	logger  *slog.Logger
}

func NewSweeper(records ports.RecordRepository, sync ports.SyncState, logger *slog.Logger) *Sweeper {
	return &Sweeper{records: records, sync: sync, logger: logger}
}

// Run purges expired records on a fixed interval until the context ends.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.PurgeExpired(ctx); err != nil {
				s.logger.Error("expired record purge failed", "error", err)
			}
		}
	}
}

// PurgeExpired deletes every expired record and, when anything was removed,
// raises the sync flag so the provider copies are cleaned up too. Deletions
// are isolated so one bad row does not block the rest of the sweep.
func (s *Sweeper) PurgeExpired(ctx context.Context) (int, error) {
	expired, err := s.records.ListExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired records: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	purged := 0
	for _, rec := range expired {
		if _, err := s.records.Delete(ctx, rec.ID); err != nil {
			s.logger.Error("failed to purge expired record",
				"record_id", rec.ID, "username", rec.Username, "error", err)
			continue
		}
		purged++
		metrics.RecordsPurged.Inc()
	}

	if purged > 0 {
		if err := s.sync.Raise(ctx); err != nil {
			return purged, fmt.Errorf("failed to raise sync flag after purge: %w", err)
		}
	}

	s.logger.Info("expired record sweep complete", "purged", purged, "expired", len(expired))
	if purged < len(expired) {
		return purged, fmt.Errorf("purged %d of %d expired records", purged, len(expired))
	}
	return purged, nil
}
