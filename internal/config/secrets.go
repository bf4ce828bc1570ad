package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// secretsDirName holds per-project secrets files under the mux home,
// separate from the main config so the config can be shared freely.
const secretsDirName = "secrets"

// SecretsStore reads and writes per-project secret environment variables,
// injected into bash tool executions.
type SecretsStore struct {
	dir string
}

// NewSecretsStore creates a store rooted at <home>/secrets.
func NewSecretsStore(homeDir string) *SecretsStore {
	if homeDir == "" {
		homeDir = HomeDir()
	}
	return &SecretsStore{dir: filepath.Join(homeDir, secretsDirName)}
}

// secretsFileName flattens a project path into a stable file name.
func secretsFileName(projectPath string) string {
	flat := strings.NewReplacer("/", "-", "\\", "-", ":", "-").Replace(strings.Trim(projectPath, "/\\"))
	if flat == "" {
		flat = "default"
	}
	return flat + ".json"
}

func (s *SecretsStore) path(projectPath string) string {
	return filepath.Join(s.dir, secretsFileName(projectPath))
}

// Load returns the project's secrets, or an empty map when the file does
// not exist.
func (s *SecretsStore) Load(projectPath string) (map[string]string, error) {
	data, err := os.ReadFile(s.path(projectPath))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("config: read secrets: %w", err)
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("config: parse secrets: %w", err)
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	return secrets, nil
}

// Save replaces the project's secrets file. Mode 0600: secrets never
// become world-readable.
func (s *SecretsStore) Save(projectPath string, secrets map[string]string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("config: create secrets dir: %w", err)
	}
	data, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal secrets: %w", err)
	}
	return os.WriteFile(s.path(projectPath), append(data, '\n'), 0o600)
}
