package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/walkingzzzy/office-mcp-sub009/internal/supervisor"
)

type serversFile struct {
	MCPServers []supervisor.ServerConfig `json:"mcpServers"`
}

// ServerStore persists tool-server configurations (typically
// <data_dir>/servers.json).
type ServerStore struct {
	mu   sync.Mutex
	path string
}

func NewServerStore(path string) *ServerStore {
	return &ServerStore{path: path}
}

// Load reads all server configs. A missing file is an empty store.
func (s *ServerStore) Load() ([]supervisor.ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading server store: %w", err)
	}

	var f serversFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing server store: %w", err)
	}
	return f.MCPServers, nil
}

// Save atomically writes all server configs.
func (s *ServerStore) Save(configs []supervisor.ServerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(serversFile{MCPServers: configs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding server store: %w", err)
	}
	return atomicWrite(s.path, data)
}

// Upsert adds or replaces one server config by id.
func (s *ServerStore) Upsert(cfg supervisor.ServerConfig) error {
	configs, err := s.Load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range configs {
		if configs[i].ID == cfg.ID {
			configs[i] = cfg
			replaced = true
			break
		}
	}
	if !replaced {
		configs = append(configs, cfg)
	}
	return s.Save(configs)
}

// Remove deletes one server config by id. Removing an unknown id is a no-op.
func (s *ServerStore) Remove(id string) error {
	configs, err := s.Load()
	if err != nil {
		return err
	}
	out := configs[:0]
	for _, c := range configs {
		if c.ID != id {
			out = append(out, c)
		}
	}
	return s.Save(out)
}
