// Package artifact is the local-filesystem-backed registry of files a
// workflow has uploaded or downloaded: content-addressed ids, one directory
// per workflow, and purge-on-teardown. It is the default backend; clustered
// deployments swap it for artifact/s3store which implements the same
// surface against S3-compatible object storage.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/evalgo/actiondrive/driver"
)

// DefaultRootDir is used when NewManager is given an empty root.
const DefaultRootDir = "/tmp/actiondrive-artifacts"

// hashChunkSize mirrors the 1MiB streaming read used for hashing large
// downloads without holding the whole file in memory.
const hashChunkSize = 1024 * 1024

// Record describes one registered artifact: an uploaded file staged for an
// action, or a file a page download produced.
type Record struct {
	ArtifactID string
	WorkflowID string
	ActionID   string
	Path       string
	Mime       string
	Size       int64
	SHA256     string
}

// Manager registers uploads and downloads under a root directory, one
// subdirectory per workflow, and keeps an in-memory index of records.
type Manager struct {
	root string

	mu      sync.Mutex
	records map[string]Record
}

// NewManager creates the root directory (if needed) and returns a Manager
// rooted there. An empty rootDir falls back to DefaultRootDir.
func NewManager(rootDir string) (*Manager, error) {
	if rootDir == "" {
		rootDir = DefaultRootDir
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create root dir: %w", err)
	}
	return &Manager{root: rootDir, records: make(map[string]Record)}, nil
}

func (m *Manager) workflowDir(workflowID string) (string, error) {
	safe := strings.ReplaceAll(workflowID, "/", "_")
	dir := filepath.Join(m.root, safe)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: create workflow dir: %w", err)
	}
	return dir, nil
}

// RegisterExistingUpload hashes a file already staged on disk (e.g. by a
// driver.CopyToHandle) and records it as an "up_"-prefixed artifact.
func (m *Manager) RegisterExistingUpload(ctx context.Context, workflowID, actionID, sourcePath string) (Record, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return Record{}, fmt.Errorf("artifact: register upload: %w", err)
	}
	if info.IsDir() {
		return Record{}, fmt.Errorf("artifact: register upload: %s is a directory", sourcePath)
	}

	digest, err := sha256File(sourcePath)
	if err != nil {
		return Record{}, fmt.Errorf("artifact: register upload: %w", err)
	}

	record := Record{
		ArtifactID: "up_" + digest[:20],
		WorkflowID: workflowID,
		ActionID:   actionID,
		Path:       sourcePath,
		Mime:       "application/octet-stream",
		Size:       info.Size(),
		SHA256:     digest,
	}

	m.mu.Lock()
	m.records[record.ArtifactID] = record
	m.mu.Unlock()
	return record, nil
}

// SaveDownload saves a triggered page download into the workflow's
// directory and records it as a "dl_"-prefixed artifact.
func (m *Manager) SaveDownload(ctx context.Context, workflowID, actionID string, download driver.Download) (Record, error) {
	dir, err := m.workflowDir(workflowID)
	if err != nil {
		return Record{}, err
	}

	suggested := download.SuggestedFilename()
	if suggested == "" {
		suggested = "download.bin"
	}
	targetPath := filepath.Join(dir, suggested)

	if err := download.SaveAs(ctx, targetPath); err != nil {
		return Record{}, fmt.Errorf("artifact: save download: %w", err)
	}

	info, err := os.Stat(targetPath)
	if err != nil {
		return Record{}, fmt.Errorf("artifact: save download: %w", err)
	}

	digest, err := sha256File(targetPath)
	if err != nil {
		return Record{}, fmt.Errorf("artifact: save download: %w", err)
	}

	record := Record{
		ArtifactID: "dl_" + digest[:20],
		WorkflowID: workflowID,
		ActionID:   actionID,
		Path:       targetPath,
		Mime:       "application/octet-stream",
		Size:       info.Size(),
		SHA256:     digest,
	}

	m.mu.Lock()
	m.records[record.ArtifactID] = record
	m.mu.Unlock()
	return record, nil
}

// GetRecord looks up a previously registered artifact by id.
func (m *Manager) GetRecord(artifactID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[artifactID]
	return r, ok
}

// ListWorkflowRecords returns every artifact registered for workflowID.
func (m *Manager) ListWorkflowRecords(workflowID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	return out
}

// PurgeWorkflow removes the workflow's artifact directory (recursively) and
// drops its records from the index.
func (m *Manager) PurgeWorkflow(workflowID string) error {
	dir, err := m.workflowDir(workflowID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("artifact: purge workflow: %w", err)
	}

	m.mu.Lock()
	for id, r := range m.records {
		if r.WorkflowID == workflowID {
			delete(m.records, id)
		}
	}
	m.mu.Unlock()
	return nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
