// Package provider adapts the external authoritative DNS service behind
// ports.DNSProvider.
package provider

import (
	"context"
	"fmt"

	"github.com/cloudflare/cloudflare-go"
	"github.com/poyrazK/dnsforge/internal/core/domain"
	"github.com/poyrazK/dnsforge/internal/core/ports"
)

// CloudflareProvider implements ports.DNSProvider against the Cloudflare
// API for a single managed zone.
type CloudflareProvider struct {
	api *cloudflare.API
	rc  *cloudflare.ResourceContainer
	ttl int
}

// NewCloudflareProvider authenticates with an API token and resolves the
// zone id once at startup. ttl applies to every record the reconciler
// writes; ttl <= 0 selects Cloudflare's automatic TTL.
func NewCloudflareProvider(apiToken, zone string, ttl int) (*CloudflareProvider, error) {
	if apiToken == "" || zone == "" {
		return nil, fmt.Errorf("cloudflare: api token and zone are required")
	}

	api, err := cloudflare.NewWithAPIToken(apiToken)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: failed to build client: %w", err)
	}

	zoneID, err := api.ZoneIDByName(zone)
	if err != nil {
		return nil, fmt.Errorf("cloudflare: failed to resolve zone %q: %w", zone, err)
	}

	if ttl <= 0 {
		ttl = 1 // automatic
	}
	return &CloudflareProvider{
		api: api,
		rc:  cloudflare.ZoneIdentifier(zoneID),
		ttl: ttl,
	}, nil
}

func (p *CloudflareProvider) ListManagedRecords(ctx context.Context) ([]ports.ProviderRecord, error) {
	var records []ports.ProviderRecord

	params := cloudflare.ListDNSRecordsParams{}
	for {
		page, info, err := p.api.ListDNSRecords(ctx, p.rc, params)
		if err != nil {
			return nil, fmt.Errorf("cloudflare: failed to list records: %w", err)
		}
		for _, rec := range page {
			records = append(records, ports.ProviderRecord{
				ID:    rec.ID,
				Name:  rec.Name,
				Type:  domain.RecordType(rec.Type),
				Value: rec.Content,
			})
		}
		if info == nil || info.Page >= info.TotalPages {
			break
		}
		params.Page = info.Page + 1
	}
	return records, nil
}

func (p *CloudflareProvider) CreateRecord(ctx context.Context, name string, rType domain.RecordType, value string) error {
	_, err := p.api.CreateDNSRecord(ctx, p.rc, cloudflare.CreateDNSRecordParams{
		Type:    string(rType),
		Name:    name,
		Content: value,
		TTL:     p.ttl,
	})
	if err != nil {
		return fmt.Errorf("cloudflare: failed to create %s %s: %w", rType, name, err)
	}
	return nil
}

func (p *CloudflareProvider) UpdateRecord(ctx context.Context, id string, name string, rType domain.RecordType, value string) error {
	_, err := p.api.UpdateDNSRecord(ctx, p.rc, cloudflare.UpdateDNSRecordParams{
		ID:      id,
		Type:    string(rType),
		Name:    name,
		Content: value,
		TTL:     p.ttl,
	})
	if err != nil {
		return fmt.Errorf("cloudflare: failed to update %s %s: %w", rType, name, err)
	}
	return nil
}

func (p *CloudflareProvider) DeleteRecord(ctx context.Context, id string) error {
	if err := p.api.DeleteDNSRecord(ctx, p.rc, id); err != nil {
		return fmt.Errorf("cloudflare: failed to delete record %s: %w", id, err)
	}
	return nil
}
