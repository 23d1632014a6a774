package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/discernus/discernus-sub006/pkg/chronolog"
	"github.com/discernus/discernus-sub006/pkg/config"
)

func TestManifest_WriteThenLoad(t *testing.T) {
	dir := t.TempDir()

	in := &config.ProjectManifest{
		Name:        "attesa",
		Description: "rhetorical framing study",
		Framework:   "caf-10.0",
		Corpus:      []string{"speeches/*.txt"},
	}
	require.NoError(t, config.WriteManifest(dir, in))

	out, err := config.LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// The manifest marks the directory as a project root.
	root, err := chronolog.CanonicalProjectRoot(filepath.Join(dir, "anything.txt"))
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, resolved, root)
}

func TestManifest_RefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, config.WriteManifest(dir, &config.ProjectManifest{Name: "one"}))
	assert.Error(t, config.WriteManifest(dir, &config.ProjectManifest{Name: "two"}))
}

func TestManifest_DefaultsNameFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, chronolog.ManifestName), []byte("description: unnamed\n"), 0o600))

	m, err := config.LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), m.Name)
}

func TestManifest_MissingFile(t *testing.T) {
	_, err := config.LoadManifest(t.TempDir())
	assert.Error(t, err)
}
