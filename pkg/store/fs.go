package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/arnavsurve/mendstep/pkg/types"
)

// FSStore keeps one directory per workflow:
//
//	<root>/<workflow_id>/v0001.lua   script text
//	<root>/<workflow_id>/v0001.json  version metadata
//	<root>/<workflow_id>/index.json  current max version
//	<root>/<workflow_id>/.lock       held while a writer commits
//
// Every file is written to a temp file and renamed into place. The index
// rename is the commit point; version files beyond the index are invisible
// and get overwritten by the next SaveNew.
type FSStore struct {
	root           string
	locks          *keyedLocks
	staleLockAfter time.Duration
	now            func() time.Time
}

type fsIndex struct {
	WorkflowID  string    `json:"workflow_id"`
	Latest      int       `json:"latest"`
	Invalidated bool      `json:"invalidated,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type fsMeta struct {
	WorkflowID string    `json:"workflow_id"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	Notes      string    `json:"notes,omitempty"`
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root %q: %w", root, err)
	}
	return &FSStore{root: root, locks: newKeyedLocks(), staleLockAfter: staleLockAfter, now: time.Now}, nil
}

func (s *FSStore) Root() string { return s.root }

func (s *FSStore) SaveNew(ctx context.Context, workflowID, code, notes string) (types.ScriptVersion, error) {
	if err := ValidateWorkflowID(workflowID); err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, err)
	}
	unlock, err := s.lockWorkflow(ctx, workflowID)
	if err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, err)
	}
	defer unlock()

	dir := filepath.Join(s.root, workflowID)
	idx, err := s.readIndex(workflowID)
	if err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, err)
	}

	v := types.ScriptVersion{
		WorkflowID: workflowID,
		Version:    idx.Latest + 1,
		CreatedAt:  s.now().UTC(),
		Code:       code,
		Notes:      notes,
	}
	if err := writeFileAtomic(filepath.Join(dir, versionFile(v.Version, ".lua")), []byte(code)); err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, err)
	}
	meta, err := json.MarshalIndent(fsMeta{WorkflowID: workflowID, Version: v.Version, CreatedAt: v.CreatedAt, Notes: notes}, "", "  ")
	if err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, versionFile(v.Version, ".json")), meta); err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, err)
	}

	// Last chance to abandon the write before it becomes visible.
	if err := ctx.Err(); err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, err)
	}

	idx.WorkflowID = workflowID
	idx.Latest = v.Version
	idx.Invalidated = false
	idx.UpdatedAt = v.CreatedAt
	if err := s.writeIndex(workflowID, idx); err != nil {
		return types.ScriptVersion{}, writeErr(workflowID, err)
	}
	return v, nil
}

func (s *FSStore) GetLatest(ctx context.Context, workflowID string) (types.ScriptVersion, bool, error) {
	if err := ValidateWorkflowID(workflowID); err != nil {
		return types.ScriptVersion{}, false, err
	}
	idx, err := s.readIndex(workflowID)
	if err != nil {
		return types.ScriptVersion{}, false, err
	}
	if idx.Latest == 0 || idx.Invalidated {
		return types.ScriptVersion{}, false, nil
	}
	v, err := s.readVersion(workflowID, idx.Latest)
	if err != nil {
		return types.ScriptVersion{}, false, err
	}
	return v, true, nil
}

func (s *FSStore) ListVersions(ctx context.Context, workflowID string) ([]types.ScriptVersion, error) {
	if err := ValidateWorkflowID(workflowID); err != nil {
		return nil, err
	}
	idx, err := s.readIndex(workflowID)
	if err != nil {
		return nil, err
	}
	versions := make([]types.ScriptVersion, 0, idx.Latest)
	for n := 1; n <= idx.Latest; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := s.readVersion(workflowID, n)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (s *FSStore) Get(ctx context.Context, workflowID string, version int) (types.ScriptVersion, error) {
	if err := ValidateWorkflowID(workflowID); err != nil {
		return types.ScriptVersion{}, err
	}
	idx, err := s.readIndex(workflowID)
	if err != nil {
		return types.ScriptVersion{}, err
	}
	if version < 1 || version > idx.Latest {
		return types.ScriptVersion{}, fmt.Errorf("workflow %q version %d: %w", workflowID, version, ErrNotFound)
	}
	return s.readVersion(workflowID, version)
}

func (s *FSStore) Invalidate(ctx context.Context, workflowID string) error {
	if err := ValidateWorkflowID(workflowID); err != nil {
		return writeErr(workflowID, err)
	}
	unlock, err := s.lockWorkflow(ctx, workflowID)
	if err != nil {
		return writeErr(workflowID, err)
	}
	defer unlock()

	idx, err := s.readIndex(workflowID)
	if err != nil {
		return writeErr(workflowID, err)
	}
	if idx.Latest == 0 || idx.Invalidated {
		return nil
	}
	idx.Invalidated = true
	idx.UpdatedAt = s.now().UTC()
	if err := s.writeIndex(workflowID, idx); err != nil {
		return writeErr(workflowID, err)
	}
	return nil
}

// RecordRun writes <root>/_runs/<run_id>.json. The result must already be redacted.
func (s *FSStore) RecordRun(ctx context.Context, result types.RunResult) error {
	if err := validateRunID(result.RunID); err != nil {
		return err
	}
	dir := filepath.Join(s.root, runsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating runs dir: %w", err)
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", result.RunID, err)
	}
	return writeFileAtomic(filepath.Join(dir, result.RunID+".json"), data)
}

func (s *FSStore) GetRun(ctx context.Context, runID string) (types.RunResult, error) {
	if err := validateRunID(runID); err != nil {
		return types.RunResult{}, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, runsDir, runID+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return types.RunResult{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return types.RunResult{}, fmt.Errorf("reading run %s: %w", runID, err)
	}
	var result types.RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		return types.RunResult{}, fmt.Errorf("decoding run %s: %w", runID, err)
	}
	return result, nil
}

// lockWorkflow serializes writers to one workflow, both goroutines of this
// process and other processes sharing the root.
func (s *FSStore) lockWorkflow(ctx context.Context, workflowID string) (func(), error) {
	unlock, err := s.locks.lock(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, workflowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		unlock()
		return nil, err
	}
	release, err := lockFile(ctx, filepath.Join(dir, lockFileName), s.staleLockAfter)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() { release(); unlock() }, nil
}

func (s *FSStore) readIndex(workflowID string) (fsIndex, error) {
	data, err := os.ReadFile(filepath.Join(s.root, workflowID, "index.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return fsIndex{WorkflowID: workflowID}, nil
	}
	if err != nil {
		return fsIndex{}, fmt.Errorf("reading index for %q: %w", workflowID, err)
	}
	var idx fsIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return fsIndex{}, fmt.Errorf("decoding index for %q: %w", workflowID, err)
	}
	return idx, nil
}

func (s *FSStore) writeIndex(workflowID string, idx fsIndex) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.root, workflowID, "index.json"), data)
}

func (s *FSStore) readVersion(workflowID string, version int) (types.ScriptVersion, error) {
	dir := filepath.Join(s.root, workflowID)
	code, err := os.ReadFile(filepath.Join(dir, versionFile(version, ".lua")))
	if err != nil {
		return types.ScriptVersion{}, fmt.Errorf("reading %q version %d: %w", workflowID, version, err)
	}
	metaData, err := os.ReadFile(filepath.Join(dir, versionFile(version, ".json")))
	if err != nil {
		return types.ScriptVersion{}, fmt.Errorf("reading %q version %d metadata: %w", workflowID, version, err)
	}
	var meta fsMeta
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return types.ScriptVersion{}, fmt.Errorf("decoding %q version %d metadata: %w", workflowID, version, err)
	}
	return types.ScriptVersion{
		WorkflowID: workflowID,
		Version:    version,
		CreatedAt:  meta.CreatedAt,
		Code:       string(code),
		Notes:      meta.Notes,
	}, nil
}

func versionFile(version int, ext string) string {
	return fmt.Sprintf("v%04d%s", version, ext)
}

// writeFileAtomic writes data next to path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
