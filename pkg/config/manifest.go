package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/discernus/discernus-sub006/pkg/chronolog"
)

// ProjectManifest describes one research project. Its presence at a
// directory also marks that directory as the project root for chronolog
// identity canonicalization.
type ProjectManifest struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Framework   string   `yaml:"framework,omitempty" json:"framework,omitempty"`
	Corpus      []string `yaml:"corpus,omitempty" json:"corpus,omitempty"`
}

// LoadManifest reads the project manifest from projectDir.
func LoadManifest(projectDir string) (*ProjectManifest, error) {
	path := filepath.Join(projectDir, chronolog.ManifestName)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", path, err)
	}

	var m ProjectManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	if m.Name == "" {
		m.Name = filepath.Base(projectDir)
	}
	return &m, nil
}

// WriteManifest creates a manifest at projectDir, marking it as a project
// root. Refuses to overwrite an existing manifest.
func WriteManifest(projectDir string, m *ProjectManifest) error {
	path := filepath.Join(projectDir, chronolog.ManifestName)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("manifest already exists at %s", path)
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}
