package executor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanArtifacts(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "chart.png"), []byte("png-bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "report.csv"), []byte("a,b\n1,2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, ".hidden"), []byte("secret"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, stagingDir), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(ws, stagingDir, "handler.py"), []byte("x=1"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "out"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "out", "notes.txt"), []byte("hello"), 0o644))

	artifacts, err := ScanArtifacts(ws, time.Time{})
	require.NoError(t, err)
	require.Len(t, artifacts, 3)

	byPath := map[string]string{}
	for _, a := range artifacts {
		byPath[a.Path] = a.Kind
		assert.NotEmpty(t, a.Checksum)
		assert.Positive(t, a.SizeBytes)
	}
	assert.Equal(t, "image", byPath["chart.png"])
	assert.Equal(t, "data", byPath["report.csv"])
	assert.Equal(t, "text", byPath[filepath.Join("out", "notes.txt")])
}

func TestScanArtifactsSinceFilter(t *testing.T) {
	ws := t.TempDir()
	old := filepath.Join(ws, "old.txt")
	require.NoError(t, os.WriteFile(old, []byte("stale"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "fresh.txt"), []byte("new"), 0o644))

	artifacts, err := ScanArtifacts(ws, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "fresh.txt", artifacts[0].Path)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"plot.PNG", "image"},
		{"data.parquet", "data"},
		{"run.log", "text"},
		{"model.bin", "file"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.path), tt.path)
	}
}

func TestChecksumStableAcrossReads(t *testing.T) {
	ws := t.TempDir()
	p := filepath.Join(ws, "f.txt")
	require.NoError(t, os.WriteFile(p, []byte("content"), 0o644))
	assert.Equal(t, checksum(p), checksum(p))
	assert.Len(t, checksum(p), 64)
}
