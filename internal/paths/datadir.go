package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// DataDirEnv overrides the default data directory when set.
const DataDirEnv = "P2P_DRT_DATA_DIR"

// DefaultDataDir returns a per-user directory appropriate for persisting node state.
// The env override wins; otherwise it prefers os.UserConfigDir and falls back
// to the current directory.
func DefaultDataDir() string {
	if v := strings.TrimSpace(os.Getenv(DataDirEnv)); v != "" {
		return filepath.Clean(v)
	}
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "p2p-drt")
	}
	return ".p2p-drt"
}

// EnsureDir makes sure dir exists and returns the cleaned path.
func EnsureDir(dir string) (string, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// NodeDir is the state directory of one named node under base.
func NodeDir(base, name string) string {
	if name == "" {
		name = "default"
	}
	return filepath.Join(base, "nodes", name)
}
