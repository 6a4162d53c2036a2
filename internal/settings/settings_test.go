package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "settings.json"))
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ModelID != defaultModelID {
		t.Errorf("ModelID = %q", cfg.ModelID)
	}
	if cfg.ListenAddr != "127.0.0.1:8787" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.TurnStallSeconds != defaultTurnStallSeconds || cfg.OutboxRetryMax != defaultOutboxRetryMax {
		t.Errorf("timing defaults = %d, %d", cfg.TurnStallSeconds, cfg.OutboxRetryMax)
	}
}

func TestBackfillOlderFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"remote_base_url":"https://sync.example"}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := NewStore(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RemoteBaseURL != "https://sync.example" {
		t.Errorf("RemoteBaseURL = %q", cfg.RemoteBaseURL)
	}
	if cfg.SchemaVersion != schemaVersion || cfg.ModelID != defaultModelID {
		t.Errorf("backfill missed: %+v", cfg)
	}
}

func TestUpdatePersists(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "settings.json"))
	if _, err := s.Update(func(cfg *Settings) { cfg.ModelID = "gpt-5.2-mini" }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ModelID != "gpt-5.2-mini" {
		t.Errorf("ModelID = %q after update", cfg.ModelID)
	}
}
