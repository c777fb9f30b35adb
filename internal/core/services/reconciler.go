package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/poyrazK/dnsforge/internal/core/domain"
	"github.com/poyrazK/dnsforge/internal/core/ports"
	"github.com/poyrazK/dnsforge/internal/infrastructure/metrics"
)

// MutationOp is a provider mutation kind.
type MutationOp string

const (
	OpCreate MutationOp = "create"
	OpUpdate MutationOp = "update"
	OpDelete MutationOp = "delete"
)

// Mutation is one provider change attempted during a pass. For updates and
// deletes providerID identifies the existing provider-side record.
type Mutation struct {
	Op    MutationOp
	Name  string
	Type  domain.RecordType
	Value string
	Err   error

	providerID string
}

// Reconciler converges the external DNS provider to the record store. It
// never trusts prior diffs: every pass re-fetches both sides, so running it
// twice with no intervening changes is a no-op on the second run.
type Reconciler struct {
	records  ports.RecordRepository
	provider ports.DNSProvider
	sync     ports.SyncState
	zone     string
	logger   *slog.Logger
}

// NewReconciler wires the reconciler for one managed zone.
func NewReconciler(records ports.RecordRepository, provider ports.DNSProvider, sync ports.SyncState, zone string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		records:  records,
		provider: provider,
		sync:     sync,
		zone:     strings.TrimSuffix(strings.ToLower(zone), "."),
		logger:   logger,
	}
}

// Run polls the sync flag on a fixed interval so rapid bursts of record
// mutations coalesce into a single pass.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			needed, err := r.sync.NeedsSync(ctx)
			if err != nil {
				r.logger.Error("failed to read sync state", "error", err)
				continue
			}
			if !needed {
				continue
			}
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error("reconciliation pass failed", "error", err)
			}
		}
	}
}

// Reconcile performs one full pass: snapshot the store, list the provider,
// diff, and apply. Mutation failures are isolated; the flag is only marked
// synced when every mutation succeeded, so outstanding deltas are retried
// on the next pass.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Mutation, error) {
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	// Capture the version before reading the snapshot. A mutation landing
	// mid-pass bumps the version past this one, so marking it synced below
	// cannot swallow the newer signal.
	version, err := r.sync.Version(ctx)
	if err != nil {
		metrics.ReconcilePasses.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to read sync version: %w", err)
	}

	snapshot, err := r.records.Snapshot(ctx)
	if err != nil {
		metrics.ReconcilePasses.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to snapshot record store: %w", err)
	}

	actual, err := r.provider.ListManagedRecords(ctx)
	if err != nil {
		metrics.ReconcilePasses.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list provider records: %w", err)
	}

	mutations := r.diff(snapshot, actual)

	failed := 0
	for i := range mutations {
		if err := r.apply(ctx, &mutations[i]); err != nil {
			mutations[i].Err = err
			failed++
			metrics.ReconcileMutations.WithLabelValues(string(mutations[i].Op), "error").Inc()
			r.logger.Error("provider mutation failed",
				"op", string(mutations[i].Op),
				"name", mutations[i].Name,
				"type", string(mutations[i].Type),
				"error", err)
			continue
		}
		metrics.ReconcileMutations.WithLabelValues(string(mutations[i].Op), "ok").Inc()
	}

	if failed > 0 {
		metrics.ReconcilePasses.WithLabelValues("partial").Inc()
		return mutations, fmt.Errorf("%d of %d provider mutations failed", failed, len(mutations))
	}

	if err := r.sync.MarkSynced(ctx, version); err != nil {
		metrics.ReconcilePasses.WithLabelValues("error").Inc()
		return mutations, fmt.Errorf("failed to mark sync state: %w", err)
	}

	metrics.ReconcilePasses.WithLabelValues("ok").Inc()
	r.logger.Info("reconciliation pass complete",
		"mutations", len(mutations),
		"records", len(snapshot),
		"provider_records", len(actual))
	return mutations, nil
}

type diffKey struct {
	name  string
	rType domain.RecordType
}

func (r *Reconciler) diff(snapshot []domain.RecordTuple, actual []ports.ProviderRecord) []Mutation {
	desired := make(map[diffKey][]string)
	for _, tuple := range snapshot {
		key := diffKey{name: strings.ToLower(tuple.FQDN(r.zone)), rType: tuple.Type}
		desired[key] = append(desired[key], normalizeValue(tuple.Type, tuple.Value))
	}

	current := make(map[diffKey][]ports.ProviderRecord)
	for _, rec := range actual {
		name := strings.ToLower(strings.TrimSuffix(rec.Name, "."))
		if !r.managed(name) {
			continue
		}
		key := diffKey{name: name, rType: rec.Type}
		current[key] = append(current[key], rec)
	}

	var mutations []Mutation

	for key, wantVals := range desired {
		haveRecs := current[key]

		// Single-record drift at the same name+type is an in-place update.
		if len(wantVals) == 1 && len(haveRecs) == 1 {
			if normalizeValue(key.rType, haveRecs[0].Value) != wantVals[0] {
				mutations = append(mutations, Mutation{
					Op: OpUpdate, Name: key.name, Type: key.rType, Value: wantVals[0],
					providerID: haveRecs[0].ID,
				})
			}
			continue
		}

		have := make(map[string]bool, len(haveRecs))
		for _, rec := range haveRecs {
			have[normalizeValue(key.rType, rec.Value)] = true
		}
		want := make(map[string]bool, len(wantVals))
		for _, val := range wantVals {
			// Identical tuples may legally exist as separate store rows;
			// the provider needs exactly one record for the value.
			if want[val] {
				continue
			}
			want[val] = true
			if !have[val] {
				mutations = append(mutations, Mutation{Op: OpCreate, Name: key.name, Type: key.rType, Value: val})
			}
		}
		for _, rec := range haveRecs {
			if !want[normalizeValue(key.rType, rec.Value)] {
				mutations = append(mutations, Mutation{
					Op: OpDelete, Name: key.name, Type: key.rType, Value: rec.Value,
					providerID: rec.ID,
				})
			}
		}
	}

	// Anything at a managed name+type the store no longer knows about gets
	// removed from the provider.
	for key, haveRecs := range current {
		if _, ok := desired[key]; ok {
			continue
		}
		for _, rec := range haveRecs {
			mutations = append(mutations, Mutation{
				Op: OpDelete, Name: key.name, Type: key.rType, Value: rec.Value,
				providerID: rec.ID,
			})
		}
	}

	return mutations
}

func (r *Reconciler) apply(ctx context.Context, m *Mutation) error {
	switch m.Op {
	case OpCreate:
		return r.provider.CreateRecord(ctx, m.Name, m.Type, m.Value)
	case OpUpdate:
		return r.provider.UpdateRecord(ctx, m.providerID, m.Name, m.Type, m.Value)
	case OpDelete:
		return r.provider.DeleteRecord(ctx, m.providerID)
	default:
		return fmt.Errorf("unknown mutation op %q", m.Op)
	}
}

// managed reports whether a provider name belongs to this system: at least
// two labels (subdomain and username) in front of the managed zone. The
// zone apex and bare infrastructure records are never touched.
func (r *Reconciler) managed(name string) bool {
	if !strings.HasSuffix(name, "."+r.zone) {
		return false
	}
	prefix := strings.TrimSuffix(name, "."+r.zone)
	return strings.Count(prefix, ".") >= 1
}

func normalizeValue(rType domain.RecordType, value string) string {
	if rType == domain.TypeCNAME {
		return strings.ToLower(strings.TrimSuffix(value, "."))
	}
	return value
}
