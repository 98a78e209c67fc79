// Package artifact builds the downloadable result bundle for a job
// (spec.md §4.9): the manifest of produced files and a zip archive
// containing outputs plus a handful of job-control files.
package artifact

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kraklabs/coderun/internal/workspace"
)

// Entry describes one file the manifest/bundle references.
type Entry struct {
	RelativePath string
	AbsolutePath string
	SizeBytes    int64
	SHA256       string
}

// Manager builds manifests and zip bundles from a job's workspace.
type Manager struct{}

// New returns an artifact Manager.
func New() *Manager { return &Manager{} }

// CollectOutputEntries walks workspaceDir/outputs and hashes every file
// found there, in deterministic relative-path order.
func (m *Manager) CollectOutputEntries(workspaceDir string) ([]Entry, error) {
	outputsRoot := filepath.Join(workspaceDir, "outputs")
	if _, err := os.Stat(outputsRoot); os.IsNotExist(err) {
		return nil, nil
	}

	var entries []Entry
	err := filepath.Walk(outputsRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workspaceDir, path)
		if err != nil {
			return err
		}
		sum, err := workspace.SHA256File(path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			RelativePath: filepath.ToSlash(rel),
			AbsolutePath: path,
			SizeBytes:    info.Size(),
			SHA256:       sum,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelativePath < entries[j].RelativePath })
	return entries, nil
}

type manifestFile struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

type manifest struct {
	JobID       string         `json:"job_id"`
	SessionID   string         `json:"session_id,omitempty"`
	GeneratedAt string         `json:"generated_at"`
	Files       []manifestFile `json:"files"`
}

// BuildManifest assembles the manifest document for jobID, combining
// output entries with any extraEntries (job-control files).
func (m *Manager) BuildManifest(jobID, sessionID, workspaceDir string, extraEntries []Entry) (manifest, error) {
	entries, err := m.CollectOutputEntries(workspaceDir)
	if err != nil {
		return manifest{}, err
	}
	entries = append(entries, extraEntries...)

	files := make([]manifestFile, 0, len(entries))
	for _, e := range entries {
		files = append(files, manifestFile{Path: e.RelativePath, SizeBytes: e.SizeBytes, SHA256: e.SHA256})
	}
	return manifest{
		JobID:       jobID,
		SessionID:   sessionID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Files:       files,
	}, nil
}

var extraArtifactPaths = []string{
	"job/execution-plan.json",
	"job/request.md",
	"logs/opencode-last-message.md",
}

// BuildBundle writes bundle/manifest.json and bundle/result.zip under
// workspaceDir, returning the zip's absolute path.
func (m *Manager) BuildBundle(workspaceDir, jobID, sessionID string) (string, error) {
	bundleDir := filepath.Join(workspaceDir, "bundle")
	if err := os.MkdirAll(bundleDir, 0o755); err != nil {
		return "", err
	}
	bundlePath := filepath.Join(bundleDir, "result.zip")

	var extraFiles []Entry
	for _, rel := range extraArtifactPaths {
		abs := filepath.Join(workspaceDir, rel)
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			continue
		}
		sum, err := workspace.SHA256File(abs)
		if err != nil {
			return "", err
		}
		extraFiles = append(extraFiles, Entry{RelativePath: rel, AbsolutePath: abs, SizeBytes: info.Size(), SHA256: sum})
	}

	mf, err := m.BuildManifest(jobID, sessionID, workspaceDir, extraFiles)
	if err != nil {
		return "", err
	}
	manifestBytes, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return "", err
	}
	manifestBytes = append(manifestBytes, '\n')
	if err := os.WriteFile(filepath.Join(bundleDir, "manifest.json"), manifestBytes, 0o644); err != nil {
		return "", err
	}

	outputs, err := m.CollectOutputEntries(workspaceDir)
	if err != nil {
		return "", err
	}

	zf, err := os.Create(bundlePath)
	if err != nil {
		return "", err
	}
	defer zf.Close()

	zw := zip.NewWriter(zf)
	for _, e := range outputs {
		if err := writeZipEntry(zw, e.AbsolutePath, e.RelativePath); err != nil {
			zw.Close()
			return "", err
		}
	}
	for _, e := range extraFiles {
		if err := writeZipEntry(zw, e.AbsolutePath, e.RelativePath); err != nil {
			zw.Close()
			return "", err
		}
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "manifest.json", Method: zip.Deflate})
	if err != nil {
		zw.Close()
		return "", err
	}
	if _, err := w.Write(manifestBytes); err != nil {
		zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return bundlePath, nil
}

func writeZipEntry(zw *zip.Writer, absolutePath, relativePath string) error {
	src, err := os.Open(absolutePath)
	if err != nil {
		return err
	}
	defer src.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{Name: relativePath, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}

// SizeOf returns the byte size of path, wrapping stat errors with context.
func SizeOf(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.Size(), nil
}
