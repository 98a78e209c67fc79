package skills

import (
	"os"
	"path/filepath"
)

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirHasAnyEntry(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			if dirHasAnyEntry(filepath.Join(dir, e.Name())) {
				return true
			}
			continue
		}
		return true
	}
	return false
}
