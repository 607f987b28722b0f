// Package artifact owns the on-disk layout of a run. All engine writes go
// through the Store so the atomic-write and append-only disciplines hold
// in one place.
package artifact

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yogeelabs/promptchain/internal/types"
)

// Statuses recorded in stage metadata and manifests.
const (
	StatusStarted          = "started"
	StatusCompleted        = "completed"
	StatusCompletedErrors  = "completed_with_errors"
	StatusFailed           = "failed"
	StatusSkipped          = "skipped"
	StatusSubmittedPending = "submitted_pending"
	StatusRunning          = "running"
	StatusBatchPending     = "batch_pending"
	StatusStopped          = "stopped"
)

// Store binds a run directory and serializes log appends.
type Store struct {
	RunID string
	Root  string

	logMu sync.Mutex
}

// NewRun creates a fresh run directory under runsRoot and returns its store.
// Run ids are a UTC timestamp plus a short random suffix.
func NewRun(runsRoot string) (*Store, error) {
	if err := os.MkdirAll(runsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating runs dir: %w", err)
	}
	runID := fmt.Sprintf("%s_%s",
		time.Now().UTC().Format("20060102T150405Z"),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
	)
	dir := filepath.Join(runsRoot, runID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run dir: %w", err)
	}
	if err := updateLatestLink(runsRoot, runID); err != nil {
		return nil, err
	}
	return &Store{RunID: runID, Root: dir}, nil
}

// OpenRun binds an existing run directory for resume.
func OpenRun(dir string) (*Store, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("run directory not found: %s", dir)
	}
	return &Store{RunID: filepath.Base(dir), Root: dir}, nil
}

// updateLatestLink atomically points runs/latest at the newest run.
func updateLatestLink(runsRoot, runID string) error {
	latestPath := filepath.Join(runsRoot, "latest")
	tmpPath := latestPath + ".tmp"
	os.Remove(tmpPath)
	if err := os.Symlink(runID, tmpPath); err != nil {
		// Symlinks may be unavailable (e.g. restricted filesystems); the
		// link is a convenience, not part of the contract.
		return nil
	}
	if err := os.Rename(tmpPath, latestPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("updating latest symlink: %w", err)
	}
	return nil
}

// Path helpers. All returned paths are joined onto the run root (s.Root),
// so they are relative whenever the runs root is.

func (s *Store) StageDir(stageID string) string {
	return filepath.Join(s.Root, "stages", stageID)
}

func (s *Store) ItemDir(stageID, itemID string) string {
	return filepath.Join(s.StageDir(stageID), "items", itemID)
}

func (s *Store) StageMetaPath(stageID string) string {
	return filepath.Join(s.Root, stageID+".meta.json")
}

func (s *Store) SupportStageDir(stageID string) string {
	return filepath.Join(s.Root, "support", "stages", stageID)
}

func (s *Store) LogsStageDir(stageID string) string {
	return filepath.Join(s.Root, "logs", "stages", stageID)
}

func (s *Store) LogsItemDir(stageID, itemID string) string {
	return filepath.Join(s.LogsStageDir(stageID), "items", itemID)
}

func (s *Store) OutputDir() string {
	return filepath.Join(s.Root, "output")
}

func (s *Store) RunMetaPath() string {
	return filepath.Join(s.Root, "run.json")
}

// RelPath returns a run-root-relative rendering of a path for manifests.
func (s *Store) RelPath(path string) string {
	rel, err := filepath.Rel(s.Root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// StageOutputPath returns the canonical completion artifact for a stage:
// the manifest for map stages, output.json when the declared output
// includes JSON, output.md otherwise.
func (s *Store) StageOutputPath(stage *types.Stage) string {
	dir := s.StageDir(stage.ID)
	if stage.IsMap() || stage.HasJSONOutput() {
		return filepath.Join(dir, "output.json")
	}
	return filepath.Join(dir, "output.md")
}

// ItemOutputPath returns the canonical per-item artifact for a map stage.
func (s *Store) ItemOutputPath(stage *types.Stage, itemID string) string {
	dir := s.ItemDir(stage.ID, itemID)
	if stage.HasJSONOutput() {
		return filepath.Join(dir, "output.json")
	}
	return filepath.Join(dir, "output.md")
}

// IsStageCompleted reports whether the canonical output artifact exists.
// For map stages the manifest is written after every item transition, so
// presence alone is not enough: every entry must be terminal and every
// completed entry's output must still exist on disk (deleting an item
// output is the documented way to force recomputation).
func (s *Store) IsStageCompleted(stage *types.Stage) bool {
	path := s.StageOutputPath(stage)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if !stage.IsMap() {
		return true
	}
	var manifest Manifest
	if err := s.ReadJSON(path, &manifest); err != nil {
		return false
	}
	for _, entry := range manifest.Items {
		switch entry.Status {
		case StatusSkipped:
		case StatusCompleted:
			if !s.IsItemCompleted(stage, entry.ItemID) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// IsItemCompleted reports whether an item's canonical artifact exists.
func (s *Store) IsItemCompleted(stage *types.Stage, itemID string) bool {
	_, err := os.Stat(s.ItemOutputPath(stage, itemID))
	return err == nil
}

// WriteText atomically writes content to path, creating parent dirs.
func (s *Store) WriteText(path, content string) error {
	return atomicWrite(path, []byte(content))
}

// WriteJSON atomically writes the indented JSON encoding of payload.
func (s *Store) WriteJSON(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return atomicWrite(path, append(data, '\n'))
}

// ReadJSON decodes a JSON artifact into out.
func (s *Store) ReadJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s contained invalid JSON: %w", path, err)
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}

// AppendEvent appends one timestamped line to run.log.
func (s *Store) AppendEvent(format string, args ...any) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.Root, "run.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "[%s] %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}

// CopyFile copies a completed artifact into the publish tree.
func (s *Store) CopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Now returns the timestamp format used across run artifacts.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
