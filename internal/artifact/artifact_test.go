package artifact

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCollectOutputEntriesSortedAndHashed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "outputs", "b.txt"), "b")
	writeFile(t, filepath.Join(dir, "outputs", "a.txt"), "a")
	writeFile(t, filepath.Join(dir, "outputs", "nested", "c.txt"), "c")

	m := New()
	entries, err := m.CollectOutputEntries(dir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "outputs/a.txt", entries[0].RelativePath)
	assert.Equal(t, "outputs/b.txt", entries[1].RelativePath)
	assert.Equal(t, "outputs/nested/c.txt", entries[2].RelativePath)
	assert.NotEmpty(t, entries[0].SHA256)
}

func TestCollectOutputEntriesMissingDir(t *testing.T) {
	m := New()
	entries, err := m.CollectOutputEntries(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestBuildBundleProducesManifestAndZip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "outputs", "report.md"), "# hello")
	writeFile(t, filepath.Join(dir, "job", "request.md"), "requirement text")
	writeFile(t, filepath.Join(dir, "job", "execution-plan.json"), `{"schema_version":"1.0.0"}`)

	m := New()
	bundlePath, err := m.BuildBundle(dir, "job-1", "sess-1")
	require.NoError(t, err)
	assert.FileExists(t, bundlePath)
	assert.FileExists(t, filepath.Join(dir, "bundle", "manifest.json"))

	zr, err := zip.OpenReader(bundlePath)
	require.NoError(t, err)
	defer zr.Close()

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["outputs/report.md"])
	assert.True(t, names["job/request.md"])
	assert.True(t, names["job/execution-plan.json"])
	assert.True(t, names["manifest.json"])
}

func TestSizeOf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	writeFile(t, path, "12345")
	size, err := SizeOf(path)
	require.NoError(t, err)
	assert.EqualValues(t, 5, size)
}

func TestSizeOfMissingFile(t *testing.T) {
	_, err := SizeOf(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
