package bridge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenstalk/leafpress/engine"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestResolveBundleExplicitFile(t *testing.T) {
	path := writeBundle(t)

	got, err := ResolveBundle(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestResolveBundleDirectoryLocator(t *testing.T) {
	path := writeBundle(t)

	got, err := ResolveBundle(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestResolveBundleWorkingDirectoryFallback(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, engine.ArchiveName), []byte{0}, 0o644))
	chdir(t, dir)

	got, err := ResolveBundle("")
	require.NoError(t, err)
	assert.Equal(t, engine.ArchiveName, got)
}

func TestResolveBundleNotFound(t *testing.T) {
	chdir(t, t.TempDir())

	_, err := ResolveBundle("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), engine.ArchiveName)
	assert.Contains(t, err.Error(), "tried")
}
