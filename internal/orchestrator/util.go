package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
)

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func joinWorkspace(workspaceDir, relativePath string) string {
	return filepath.Join(workspaceDir, filepath.FromSlash(relativePath))
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func trimSpace(s string) string {
	return strings.TrimSpace(s)
}
