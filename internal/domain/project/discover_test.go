package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(content), 0o644))
}

func TestDiscoverPrefersScoredCandidate(t *testing.T) {
	root := t.TempDir()

	// Deeper manifest without scripts loses to web/ with a build script.
	writeManifest(t, filepath.Join(root, "sub", "a"), `{"name":"a"}`)
	writeManifest(t, filepath.Join(root, "web"),
		`{"name":"web","scripts":{"build":"vite build"},"devDependencies":{"vite":"^5"}}`)

	p, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "web"), p.Dir)
	assert.True(t, p.Manifest.HasScript("build"))
}

func TestDiscoverScoring(t *testing.T) {
	m := &Manifest{
		Scripts:         map[string]string{"dev": "vite"},
		DevDependencies: map[string]string{"vite": "^5"},
	}
	// dev script +10, framework +5, conventional name +3, depth 1 -2.
	assert.Equal(t, 16, scoreCandidate(m, "frontend", 1))
	assert.Equal(t, -4, scoreCandidate(&Manifest{}, "misc", 2))
}

func TestDiscoverSkipsDependencyDirs(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "node_modules", "pkg"),
		`{"name":"dep","scripts":{"build":"x"}}`)
	writeManifest(t, filepath.Join(root, "site"), `{"name":"site"}`)

	p, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "site"), p.Dir)
}

func TestDiscoverDepthBound(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c", "d", "e")
	writeManifest(t, deep, `{"name":"deep"}`)

	_, err := Discover(root)
	assert.ErrorIs(t, err, ErrNoProject)
}

func TestDiscoverStaticRootFallback(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<html/>"), 0o644))

	p, err := Discover(root)
	require.NoError(t, err)
	assert.True(t, p.Static)
	assert.Equal(t, root, p.Dir)
	assert.Nil(t, p.Manifest)
}

func TestDiscoverNoProject(t *testing.T) {
	_, err := Discover(t.TempDir())
	assert.ErrorIs(t, err, ErrNoProject)
}

func TestDiscoverCorruptManifestSkipped(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "broken"), `{not json`)
	writeManifest(t, filepath.Join(root, "ok"), `{"name":"ok"}`)

	p, err := Discover(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "ok"), p.Dir)
}

func TestUsesViteByConfigFile(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, `{"name":"x"}`)
	require.NoError(t, os.WriteFile(filepath.Join(root, "vite.config.ts"), []byte("export default {}"), 0o644))

	p, err := Discover(root)
	require.NoError(t, err)
	assert.True(t, p.UsesVite())
}
