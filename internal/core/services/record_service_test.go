package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/poyrazK/dnsforge/internal/core/domain"
	"github.com/poyrazK/dnsforge/internal/testutil"
)

func newRecordFixture(quota int) (*RecordService, *testutil.FakeRecordStore, *testutil.FakeUserGate, *testutil.FakeSyncState) {
	store := testutil.NewFakeRecordStore()
	gate := &testutil.FakeUserGate{Deactivated: map[string]bool{}}
	sync := &testutil.FakeSyncState{}
	return NewRecordService(store, gate, sync, quota), store, gate, sync
}

func TestCreateRecord(t *testing.T) {
	svc, store, _, sync := newRecordFixture(0)

	rec := &domain.DnsRecord{
		Username:  "jdoe",
		Subdomain: "Blog",
		Type:      domain.TypeA,
		Value:     "192.0.2.10",
	}
	before := time.Now()
	if err := svc.Create(context.Background(), rec); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if rec.ID == "" {
		t.Errorf("Expected UUID to be generated")
	}
	if rec.Subdomain != "blog" {
		t.Errorf("Expected normalized subdomain, got %s", rec.Subdomain)
	}
	wantExpiry := before.AddDate(0, domain.RecordValidityMonths, 0)
	if rec.ExpiresAt.Before(wantExpiry.Add(-time.Minute)) || rec.ExpiresAt.After(wantExpiry.Add(time.Minute)) {
		t.Errorf("Expected expiry ~6 months out, got %v", rec.ExpiresAt)
	}
	if len(store.All()) != 1 {
		t.Errorf("Expected record persisted")
	}
	if sync.Raised() != 1 {
		t.Errorf("Expected sync flag raised once, got %d", sync.Raised())
	}
}

func TestCreateRecordDeactivatedUser(t *testing.T) {
	svc, store, gate, sync := newRecordFixture(0)
	gate.Deactivated["jdoe"] = true

	rec := &domain.DnsRecord{Username: "jdoe", Subdomain: "blog", Type: domain.TypeA, Value: "192.0.2.10"}
	err := svc.Create(context.Background(), rec)
	if !errors.Is(err, domain.ErrDeactivatedAccount) {
		t.Fatalf("Expected ErrDeactivatedAccount, got %v", err)
	}
	if len(store.All()) != 0 {
		t.Errorf("Expected nothing persisted")
	}
	if sync.Raised() != 0 {
		t.Errorf("Expected sync flag untouched")
	}
}

func TestCreateRecordInvalidValue(t *testing.T) {
	svc, _, _, _ := newRecordFixture(0)

	rec := &domain.DnsRecord{Username: "jdoe", Subdomain: "blog", Type: domain.TypeA, Value: "not-an-ip"}
	if err := svc.Create(context.Background(), rec); !errors.Is(err, domain.ErrInvalidRecord) {
		t.Fatalf("Expected ErrInvalidRecord, got %v", err)
	}
}

func TestCreateRecordQuota(t *testing.T) {
	svc, _, _, _ := newRecordFixture(2)
	ctx := context.Background()

	for i, sub := range []string{"one", "two"} {
		rec := &domain.DnsRecord{Username: "jdoe", Subdomain: sub, Type: domain.TypeA, Value: "192.0.2.1"}
		if err := svc.Create(ctx, rec); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	rec := &domain.DnsRecord{Username: "jdoe", Subdomain: "three", Type: domain.TypeA, Value: "192.0.2.1"}
	if err := svc.Create(ctx, rec); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("Expected ErrQuotaExceeded, got %v", err)
	}
}

func TestChallengeRecordsBypassQuota(t *testing.T) {
	svc, store, _, _ := newRecordFixture(1)
	ctx := context.Background()

	rec := &domain.DnsRecord{Username: "jdoe", Subdomain: "www", Type: domain.TypeA, Value: "192.0.2.1"}
	if err := svc.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Quota is full, but the system challenge path must still work.
	if err := svc.CreateChallengeRecord(ctx, "jdoe", "_acme-challenge", "token-value"); err != nil {
		t.Fatalf("CreateChallengeRecord: %v", err)
	}

	// And the challenge row must not count against the quota afterwards.
	count, err := store.Count(ctx, "jdoe")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected challenge row excluded from count, got %d", count)
	}

	listed, err := svc.List(ctx, "jdoe")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("Expected challenge row hidden from listing, got %d rows", len(listed))
	}
}

func TestCreateChallengeRecordRequiresLabel(t *testing.T) {
	svc, _, _, _ := newRecordFixture(0)
	if err := svc.CreateChallengeRecord(context.Background(), "jdoe", "www", "token"); err == nil {
		t.Fatal("Expected error for non-challenge subdomain")
	}
}

func TestCreateDuplicateCNAME(t *testing.T) {
	svc, _, _, _ := newRecordFixture(0)
	ctx := context.Background()

	first := &domain.DnsRecord{Username: "jdoe", Subdomain: "www", Type: domain.TypeCNAME, Value: "a.example.org"}
	if err := svc.Create(ctx, first); err != nil {
		t.Fatalf("first create: %v", err)
	}

	second := &domain.DnsRecord{Username: "jdoe", Subdomain: "www", Type: domain.TypeCNAME, Value: "b.example.org"}
	if err := svc.Create(ctx, second); !errors.Is(err, domain.ErrDuplicateRecord) {
		t.Fatalf("Expected ErrDuplicateRecord, got %v", err)
	}
}

func TestUpdateRefreshesExpiryAndRaisesSync(t *testing.T) {
	svc, _, _, sync := newRecordFixture(0)
	ctx := context.Background()

	rec := &domain.DnsRecord{Username: "jdoe", Subdomain: "blog", Type: domain.TypeA, Value: "192.0.2.10"}
	if err := svc.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	newValue := "192.0.2.20"
	updated, err := svc.Update(ctx, rec.ID, domain.RecordPatch{Value: &newValue})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Value != newValue {
		t.Errorf("Expected value updated, got %s", updated.Value)
	}
	if !updated.ExpiresAt.After(time.Now().AddDate(0, domain.RecordValidityMonths, -1)) {
		t.Errorf("Expected expiry refreshed, got %v", updated.ExpiresAt)
	}
	if sync.Raised() != 2 {
		t.Errorf("Expected sync raised by create and update, got %d", sync.Raised())
	}
}

func TestRenewDoesNotRaiseSync(t *testing.T) {
	svc, _, _, sync := newRecordFixture(0)
	ctx := context.Background()

	rec := &domain.DnsRecord{Username: "jdoe", Subdomain: "blog", Type: domain.TypeA, Value: "192.0.2.10"}
	if err := svc.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	raisedAfterCreate := sync.Raised()

	renewed, err := svc.Renew(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !renewed.ExpiresAt.After(rec.ExpiresAt.Add(-time.Minute)) {
		t.Errorf("Expected expiry extended")
	}
	// The reconciled tuple did not change, so renewal must not trigger a
	// provider pass.
	if sync.Raised() != raisedAfterCreate {
		t.Errorf("Expected no sync raise on renew, got %d", sync.Raised())
	}
}

func TestDeleteRaisesSync(t *testing.T) {
	svc, store, _, sync := newRecordFixture(0)
	ctx := context.Background()

	rec := &domain.DnsRecord{Username: "jdoe", Subdomain: "blog", Type: domain.TypeA, Value: "192.0.2.10"}
	if err := svc.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	deleted, err := svc.Delete(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted.ID != rec.ID {
		t.Errorf("Expected deleted record returned")
	}
	if len(store.All()) != 0 {
		t.Errorf("Expected store empty")
	}
	if sync.Raised() != 2 {
		t.Errorf("Expected sync raised twice, got %d", sync.Raised())
	}
}

func TestDeleteChallengeRecordsNoopWhenAbsent(t *testing.T) {
	svc, _, _, sync := newRecordFixture(0)

	if err := svc.DeleteChallengeRecords(context.Background(), "jdoe", "_acme-challenge"); err != nil {
		t.Fatalf("DeleteChallengeRecords: %v", err)
	}
	if sync.Raised() != 0 {
		t.Errorf("Expected no sync raise when nothing was removed")
	}
}
