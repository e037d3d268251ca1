// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Port() != 6379 {
		t.Errorf("Port = %d, want 6379", cfg.Port())
	}
	if cfg.Addr() != "127.0.0.1:6379" {
		t.Errorf("Addr = %q, want 127.0.0.1:6379", cfg.Addr())
	}
	if cfg.ReplicaOf() != "" {
		t.Errorf("ReplicaOf = %q, want empty", cfg.ReplicaOf())
	}
	if cfg.MaxMemory() != "0" {
		t.Errorf("MaxMemory = %q, want 0", cfg.MaxMemory())
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := Parse([]string{"--dir", "/tmp/nbkv", "--dbfilename", "snap.rdb", "--port", "7000", "--replicaof", "10.0.0.1 6380"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Dir() != "/tmp/nbkv" {
		t.Errorf("Dir = %q", cfg.Dir())
	}
	if cfg.DBFilename() != "snap.rdb" {
		t.Errorf("DBFilename = %q", cfg.DBFilename())
	}
	if cfg.Port() != 7000 {
		t.Errorf("Port = %d", cfg.Port())
	}
	if cfg.ReplicaOf() != "10.0.0.1 6380" {
		t.Errorf("ReplicaOf = %q", cfg.ReplicaOf())
	}
}

func TestParseRejectsBadReplicaOf(t *testing.T) {
	if _, err := Parse([]string{"--replicaof", "not-valid"}); err == nil {
		t.Fatal("expected error for malformed --replicaof")
	}
}

func TestParseRejectsBadPort(t *testing.T) {
	if _, err := Parse([]string{"--port", "0"}); err == nil {
		t.Fatal("expected error for port 0")
	}
	if _, err := Parse([]string{"--port", "70000"}); err == nil {
		t.Fatal("expected error for port out of range")
	}
}

func TestParseConfigFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nbkv.yaml")
	yamlBody := "logging:\n  level: debug\n  format: text\nexport:\n  cron: \"@every 5m\"\n  s3_bucket: my-bucket\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Parse([]string{"--config", path})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LogLevel() != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel())
	}
	if cfg.LogFormat() != "text" {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat())
	}
	if cfg.Export().Cron != "@every 5m" {
		t.Errorf("Export.Cron = %q", cfg.Export().Cron)
	}
	if cfg.Export().S3Bucket != "my-bucket" {
		t.Errorf("Export.S3Bucket = %q", cfg.Export().S3Bucket)
	}
}

func TestParseFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nbkv.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Parse([]string{"--config", path, "--log-level", "warn"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LogLevel() != "warn" {
		t.Errorf("LogLevel = %q, want warn (flag should win over file)", cfg.LogLevel())
	}
}

func TestParseReplicaRateLimit(t *testing.T) {
	cfg, err := Parse([]string{"--replica-rate-limit", "1048576"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ReplicaRateLimitBytesPerSec() != 1048576 {
		t.Errorf("ReplicaRateLimitBytesPerSec = %d, want 1048576", cfg.ReplicaRateLimitBytesPerSec())
	}
}

func TestParseReplicaRateLimitDefaultUnlimited(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ReplicaRateLimitBytesPerSec() != 0 {
		t.Errorf("ReplicaRateLimitBytesPerSec = %d, want 0", cfg.ReplicaRateLimitBytesPerSec())
	}
}

func TestHostPortToAddr(t *testing.T) {
	addr, err := HostPortToAddr("10.0.0.5 6380")
	if err != nil {
		t.Fatalf("HostPortToAddr: %v", err)
	}
	if addr != "10.0.0.5:6380" {
		t.Errorf("addr = %q, want 10.0.0.5:6380", addr)
	}
}

func TestHostPortToAddrRejectsMalformed(t *testing.T) {
	cases := []string{"10.0.0.5", "10.0.0.5 abc", "10.0.0.5 6380 extra"}
	for _, c := range cases {
		if _, err := HostPortToAddr(c); err == nil {
			t.Errorf("HostPortToAddr(%q) expected error", c)
		}
	}
}
