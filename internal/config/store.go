package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/muxhq/mux/pkg/models"
)

// Store owns the config file: it serializes mutations and persists them
// atomically. The engine goes through it for every workspace record
// change.
type Store struct {
	path string

	mu  sync.Mutex
	cfg *Config
}

// Load reads the config file at path. A missing file yields an empty
// config with defaults applied; the first save creates it.
func Load(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fresh install
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		expanded := os.ExpandEnv(string(data))
		if err := json5.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	return &Store{path: path, cfg: cfg}, nil
}

// Snapshot returns a deep copy of the current config.
func (s *Store) Snapshot() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneLocked()
}

func (s *Store) cloneLocked() Config {
	data, _ := json.Marshal(s.cfg)
	var out Config
	_ = json.Unmarshal(data, &out)
	return out
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Update applies fn to the config under the store lock and persists the
// result.
func (s *Store) Update(fn func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.cfg); err != nil {
		return err
	}
	return s.saveLocked()
}

// AddWorkspace records a workspace under its project, creating the
// project entry on first use.
func (s *Store) AddWorkspace(projectPath, projectName string, ws Workspace) error {
	return s.Update(func(cfg *Config) error {
		project := cfg.FindProject(projectPath)
		if project == nil {
			cfg.Projects = append(cfg.Projects, Project{Path: projectPath, Name: projectName})
			project = &cfg.Projects[len(cfg.Projects)-1]
		}
		for _, existing := range project.Workspaces {
			if existing.ID == ws.ID {
				return fmt.Errorf("config: workspace %s already recorded", ws.ID)
			}
		}
		project.Workspaces = append(project.Workspaces, ws)
		return nil
	})
}

// RemoveWorkspace deletes a workspace record by id.
func (s *Store) RemoveWorkspace(workspaceID string) error {
	return s.Update(func(cfg *Config) error {
		for pi := range cfg.Projects {
			wss := cfg.Projects[pi].Workspaces
			for wi := range wss {
				if wss[wi].ID == workspaceID {
					cfg.Projects[pi].Workspaces = append(wss[:wi], wss[wi+1:]...)
					return nil
				}
			}
		}
		return fmt.Errorf("config: workspace %s not found", workspaceID)
	})
}

// RenameWorkspace updates a workspace's name and path.
func (s *Store) RenameWorkspace(workspaceID, newName, newPath string) error {
	return s.Update(func(cfg *Config) error {
		for pi := range cfg.Projects {
			wss := cfg.Projects[pi].Workspaces
			for wi := range wss {
				if wss[wi].ID == workspaceID {
					wss[wi].Name = newName
					wss[wi].Path = newPath
					return nil
				}
			}
		}
		return fmt.Errorf("config: workspace %s not found", workspaceID)
	})
}

// Workspaces flattens every recorded workspace into identities.
func (s *Store) Workspaces() []models.WorkspaceIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.WorkspaceIdentity
	for _, project := range s.cfg.Projects {
		name := project.Name
		if name == "" {
			name = filepath.Base(project.Path)
		}
		for _, ws := range project.Workspaces {
			out = append(out, models.WorkspaceIdentity{
				ID:                 ws.ID,
				Name:               ws.Name,
				Title:              ws.Title,
				ProjectPath:        project.Path,
				ProjectName:        name,
				NamedWorkspacePath: ws.Path,
				CreatedAt:          ws.CreatedAt,
				RuntimeConfig:      ws.Runtime,
			})
		}
	}
	return out
}

// saveLocked writes the config as indented JSON via temp-file rename.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("config: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("config: close: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}
