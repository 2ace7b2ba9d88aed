package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "zmesh.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeTempConfig(t, "node:\n  name: gateway-01\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.Device != "fake" {
		t.Errorf("expected default device 'fake', got %q", cfg.Node.Device)
	}
	if cfg.Transfer.ChunkPayloadMax != 120 {
		t.Errorf("expected default chunk_payload_max 120, got %d", cfg.Transfer.ChunkPayloadMax)
	}
	if cfg.Transfer.ChunkTimeout != 30*time.Second {
		t.Errorf("expected default chunk_timeout 30s, got %s", cfg.Transfer.ChunkTimeout)
	}
	if cfg.Transfer.MaxRetries != 5 {
		t.Errorf("expected default max_retries 5, got %d", cfg.Transfer.MaxRetries)
	}
	if cfg.Discovery.Interval != 60*time.Second {
		t.Errorf("expected default discovery_interval 60s, got %s", cfg.Discovery.Interval)
	}
	if cfg.Discovery.NodeActiveWindow != 600*time.Second {
		t.Errorf("expected default node_active_window 600s, got %s", cfg.Discovery.NodeActiveWindow)
	}
	if cfg.Outbound.TXBurst != 3 || cfg.Outbound.TXRateHz != 1 {
		t.Errorf("expected default tx_burst=3 tx_rate_hz=1, got %d/%v", cfg.Outbound.TXBurst, cfg.Outbound.TXRateHz)
	}
	if cfg.Delivery.DownloadsDir == "" {
		t.Error("expected downloads_dir to default to a home-relative path")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("expected default logging info/json, got %s/%s", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadMissingNodeNameFails(t *testing.T) {
	path := writeTempConfig(t, "transfer:\n  chunk_payload_max: 100\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing node.name")
	}
}

func TestLoadRejectsChunkPayloadOutOfRange(t *testing.T) {
	path := writeTempConfig(t, "node:\n  name: gateway-01\ntransfer:\n  chunk_payload_max: 5\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for chunk_payload_max below 16")
	}
}

func TestLoadS3ArchiveRequiresBucket(t *testing.T) {
	path := writeTempConfig(t, "node:\n  name: gateway-01\ndelivery:\n  s3_archive:\n    region: us-east-1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for s3_archive missing bucket")
	}
}

func TestLoadS3ArchiveAccepted(t *testing.T) {
	path := writeTempConfig(t, "node:\n  name: gateway-01\ndelivery:\n  s3_archive:\n    bucket: zmesh-archive\n    region: us-east-1\n    prefix: incoming/\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Delivery.S3Archive == nil || cfg.Delivery.S3Archive.Bucket != "zmesh-archive" {
		t.Fatalf("expected s3_archive.bucket 'zmesh-archive', got %+v", cfg.Delivery.S3Archive)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
