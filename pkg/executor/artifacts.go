package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// maxArtifactChecksumBytes bounds how much of a file is hashed; larger
// files get a prefix checksum, which is enough for change detection.
const maxArtifactChecksumBytes = 64 << 20

// ScanArtifacts walks the workspace for non-hidden files created or
// modified since the execution started. Hidden files and directories
// (dotfiles, including the staging dir) are skipped entirely.
func ScanArtifacts(workspace string, since time.Time) ([]types.ArtifactMetadata, error) {
	var artifacts []types.ArtifactMetadata
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != workspace {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(since) {
			return nil
		}
		rel, err := filepath.Rel(workspace, path)
		if err != nil {
			return nil
		}
		artifacts = append(artifacts, types.ArtifactMetadata{
			Path:      rel,
			SizeBytes: info.Size(),
			MimeType:  mimeType(path),
			Kind:      classify(path),
			Checksum:  checksum(path),
			CreatedAt: info.ModTime().UTC(),
		})
		return nil
	})
	return artifacts, err
}

func mimeType(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func classify(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp":
		return "image"
	case ".csv", ".json", ".parquet", ".xlsx", ".ndjson":
		return "data"
	case ".txt", ".md", ".log", ".html":
		return "text"
	default:
		return "file"
	}
}

func checksum(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, maxArtifactChecksumBytes)); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
