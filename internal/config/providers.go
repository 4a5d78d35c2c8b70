package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/walkingzzzy/office-mcp-sub009/internal/secrets"
)

// ErrProviderNotFound is returned when an operation names an unknown
// provider id.
var ErrProviderNotFound = errors.New("provider not found")

// ProviderRecord is one configured AI provider as persisted on disk.
// APIKey is encrypted at rest and decrypted on load.
type ProviderRecord struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	Type       string `json:"type"`
	APIKey     string `json:"apiKey,omitempty"`
	BaseURL    string `json:"baseUrl,omitempty"`
	Model      string `json:"model,omitempty"`
	Deployment string `json:"deployment,omitempty"`
	APIVersion string `json:"apiVersion,omitempty"`
	IsDefault  bool   `json:"isDefault"`
}

type providersFile struct {
	Version   int              `json:"version"`
	Providers []ProviderRecord `json:"providers"`
}

// ProviderStore persists provider configurations with API keys encrypted
// at rest.
type ProviderStore struct {
	mu      sync.Mutex
	path    string
	secrets *secrets.Store
	logger  *slog.Logger
}

// NewProviderStore creates a store over path (typically
// <data_dir>/providers.json).
func NewProviderStore(path string, secretStore *secrets.Store, logger *slog.Logger) *ProviderStore {
	return &ProviderStore{path: path, secrets: secretStore, logger: logger}
}

// Load reads all providers with API keys decrypted. A missing file is an
// empty store. Decryption failures keep the stored value and are logged by
// the secret store; the provider stays usable for every other field.
func (s *ProviderStore) Load() ([]ProviderRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].APIKey = s.secrets.Decrypt(records[i].APIKey).Value
	}
	return records, nil
}

// Save writes all providers with API keys encrypted. The write is atomic:
// a temp file in the same directory is renamed over the target.
func (s *ProviderStore) Save(records []ProviderRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(records)
}

// SetDefault marks id as the default provider and clears the flag on every
// other record in the same write.
func (s *ProviderStore) SetDefault(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return err
	}

	found := false
	for i := range records {
		if records[i].ID == id {
			records[i].IsDefault = true
			found = true
		} else {
			records[i].IsDefault = false
		}
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}

	return s.writeLocked(records)
}

func (s *ProviderStore) readLocked() ([]ProviderRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading provider store: %w", err)
	}

	var f providersFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing provider store: %w", err)
	}
	return f.Providers, nil
}

func (s *ProviderStore) writeLocked(records []ProviderRecord) error {
	out := make([]ProviderRecord, len(records))
	copy(out, records)
	for i := range out {
		enc, err := s.secrets.Encrypt(out[i].APIKey)
		if err != nil {
			return fmt.Errorf("encrypting api key for %q: %w", out[i].ID, err)
		}
		out[i].APIKey = enc
	}

	data, err := json.MarshalIndent(providersFile{Version: 1, Providers: out}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding provider store: %w", err)
	}
	return atomicWrite(s.path, data)
}

// atomicWrite writes data to path via a same-directory temp file and
// rename, with owner-only permissions.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating store dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing store file: %w", err)
	}
	return nil
}
