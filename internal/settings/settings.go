package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const schemaVersion = 1

const (
	defaultModelID          = "gpt-5.2"
	defaultTurnStallSeconds = 45
	defaultOutboxRetryMax   = 5
)

// Settings is the persisted server configuration. Secrets (API keys, remote
// store tokens) live in the secrets store, never here.
type Settings struct {
	SchemaVersion    int    `json:"schema_version"`
	ModelID          string `json:"model_id,omitempty"`
	RemoteBaseURL    string `json:"remote_base_url,omitempty"`
	ListenAddr       string `json:"listen_addr,omitempty"`
	TurnStallSeconds int    `json:"turn_stall_seconds,omitempty"`
	OutboxRetryMax   int    `json:"outbox_retry_max,omitempty"`
}

type Store struct {
	path string
	mu   sync.Mutex
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultSettings(), nil
		}
		return nil, err
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, err
	}
	backfillSettings(&settings)
	return &settings, nil
}

func (s *Store) Save(settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	backfillSettings(settings)
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

func (s *Store) Update(fn func(*Settings)) (*Settings, error) {
	settings, err := s.Load()
	if err != nil {
		return nil, err
	}
	fn(settings)
	return settings, s.Save(settings)
}

func defaultSettings() *Settings {
	return &Settings{
		SchemaVersion:    schemaVersion,
		ModelID:          defaultModelID,
		ListenAddr:       "127.0.0.1:8787",
		TurnStallSeconds: defaultTurnStallSeconds,
		OutboxRetryMax:   defaultOutboxRetryMax,
	}
}

func backfillSettings(settings *Settings) {
	if settings.SchemaVersion == 0 {
		settings.SchemaVersion = schemaVersion
	}
	if strings.TrimSpace(settings.ModelID) == "" {
		settings.ModelID = defaultModelID
	}
	if strings.TrimSpace(settings.ListenAddr) == "" {
		settings.ListenAddr = "127.0.0.1:8787"
	}
	if settings.TurnStallSeconds <= 0 {
		settings.TurnStallSeconds = defaultTurnStallSeconds
	}
	if settings.OutboxRetryMax <= 0 {
		settings.OutboxRetryMax = defaultOutboxRetryMax
	}
}
