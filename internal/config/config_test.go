package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Board.PollInterval != 5*time.Second || cfg.Overrides.Redis.TTL != 168*time.Hour {
		t.Fatalf("durations not parsed: %+v", cfg.Board)
	}
	if cfg.Verification.PassThreshold != 80 || cfg.Board.SubjectMaxRunes != 50 {
		t.Fatalf("unexpected defaults: %+v", cfg.Verification)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("verification:\n  pass_threshold: 70\noverrides:\n  backend: redis\n  redis:\n    addr: localhost:6379\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Verification.PassThreshold != 70 || cfg.Overrides.Redis.Addr != "localhost:6379" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Evidence.Bucket != "evidence-photos" || cfg.Overrides.Redis.Prefix != "checkline:override:" {
		t.Fatalf("defaults lost: %+v", cfg.Evidence)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"minio without endpoint": "evidence:\n  backend: minio\n",
		"redis without addr":     "overrides:\n  backend: redis\n",
		"threshold":              "verification:\n  pass_threshold: 120\n",
		"backend":                "evidence:\n  backend: s3\n",
		"log level":              "log:\n  level: loud\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg.Evidence.Backend != "local" {
		t.Fatalf("missing file should give defaults: %+v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "cl init") {
		t.Fatalf("Load should point at cl init, got %v", err)
	}
	if err := os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated config: %v", err)
	}
}
