package utils

import (
	"fmt"
	"os"
)

// EnsureDataDir creates the local state directory if it does not exist.
// An empty or "." path means the default ./.quarry.
//
// Everything that persists lands under it unless configured elsewhere:
// the SQLite database, vector snapshots, and the keyword index.
//
// Returns the directory path actually ensured.
func EnsureDataDir(dataDir string) (string, error) {
	if dataDir == "" || dataDir == "." {
		dataDir = ".quarry"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory %q: %w", dataDir, err)
	}
	return dataDir, nil
}
