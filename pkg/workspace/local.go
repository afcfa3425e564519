package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// LocalWorkspaces manages per-session workspace directories on the
// host for the local backend. Each session gets one directory, bind
// mounted into its sandbox, removed with the sandbox.
type LocalWorkspaces struct {
	basePath string
}

// NewLocalWorkspaces prepares the base directory under the data dir.
func NewLocalWorkspaces(dataDir string) (*LocalWorkspaces, error) {
	basePath := filepath.Join(dataDir, "workspaces")
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspaces directory: %w", err)
	}
	return &LocalWorkspaces{basePath: basePath}, nil
}

// Create makes the session's workspace directory and returns its host
// path. Creating an existing workspace is a no-op.
func (w *LocalWorkspaces) Create(sessionID string) (string, error) {
	path := w.Path(sessionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace directory: %w", err)
	}
	// The executor runs as uid 1000 inside the sandbox.
	if err := os.Chown(path, 1000, 1000); err != nil {
		os.Chmod(path, 0o777) //nolint:errcheck
	}
	return path, nil
}

// Remove deletes the session's workspace and everything in it.
// Removing a missing workspace is a no-op.
func (w *LocalWorkspaces) Remove(sessionID string) error {
	path := w.Path(sessionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove workspace directory: %w", err)
	}
	return nil
}

// Path returns the host path for a session's workspace.
func (w *LocalWorkspaces) Path(sessionID string) string {
	return filepath.Join(w.basePath, sessionID)
}
