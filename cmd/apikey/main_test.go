package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/poyrazK/dnsforge/internal/testutil"
)

func TestGenerateKey(t *testing.T) {
	keys := testutil.NewFakeApiKeyStore()
	out := &bytes.Buffer{}

	if err := generateKey(keys, "jdoe", 30, out); err != nil {
		t.Fatalf("generateKey failed: %v", err)
	}

	if !bytes.Contains(out.Bytes(), []byte("API Key Created Successfully!")) {
		t.Errorf("expected success message in output")
	}

	// The printed key must hash to the stored row.
	var rawKey string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(line, "VALUE:") {
			rawKey = strings.TrimSpace(strings.TrimPrefix(line, "VALUE:"))
		}
	}
	if !strings.HasPrefix(rawKey, "dnsf_") {
		t.Fatalf("expected key with dnsf_ prefix, got %q", rawKey)
	}

	hash := sha256.Sum256([]byte(rawKey))
	stored, err := keys.GetAPIKeyByHash(context.Background(), hex.EncodeToString(hash[:]))
	if err != nil || stored == nil {
		t.Fatalf("stored key not found by hash: %v", err)
	}
	if stored.Username != "jdoe" || !stored.Active {
		t.Errorf("unexpected stored key: %+v", stored)
	}
	if stored.ExpiresAt == nil || !stored.ExpiresAt.After(time.Now().AddDate(0, 0, 29)) {
		t.Errorf("expected ~30 day expiry, got %v", stored.ExpiresAt)
	}
}

func TestRunCommand(t *testing.T) {
	keys := testutil.NewFakeApiKeyStore()
	out := &bytes.Buffer{}

	err := run([]string{"apikey"}, out, keys)
	if err == nil || err.Error() != "expected 'create' subcommand" {
		t.Errorf("Expected missing subcommand error, got: %v", err)
	}

	err = run([]string{"apikey", "unknown"}, out, keys)
	if err == nil || err.Error() != "unknown subcommand: unknown" {
		t.Errorf("Expected unknown subcommand error, got: %v", err)
	}

	err = run([]string{"apikey", "create"}, out, keys)
	if err == nil || err.Error() != "-user is required" {
		t.Errorf("Expected missing -user error, got: %v", err)
	}

	err = run([]string{"apikey", "create", "-user", "jdoe", "-days", "30"}, out, keys)
	if err != nil {
		t.Errorf("Unexpected error for create: %v", err)
	}
	if len(keys.Keys) != 1 {
		t.Errorf("Expected one stored key, got %d", len(keys.Keys))
	}
}
