package git

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// MergeLockFile is the lock path relative to the repo root. Only one
// workcell patch may merge into the shared branch at a time.
const MergeLockFile = ".dk/merge.lock"

// staleLockAge is how old a lock must be before another process may
// take it over. Merges take seconds; an hour-old lock is an orphan.
const staleLockAge = time.Hour

type lockInfo struct {
	PID        int       `json:"pid"`
	WorkcellID string    `json:"workcell_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// MergeLock is an exclusive advisory lock over patch merges, held via
// an O_EXCL-created file in the repo.
type MergeLock struct {
	path string
}

// AcquireMergeLock takes the merge lock for repoPath, retrying until
// timeout. A lock older than an hour is treated as abandoned and
// replaced.
func AcquireMergeLock(repoPath, workcellID string, timeout time.Duration) (*MergeLock, error) {
	path := filepath.Join(repoPath, MergeLockFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock dir: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := tryLock(path, workcellID); err == nil {
			return &MergeLock{path: path}, nil
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to acquire merge lock: %w", err)
		}

		if takeStale(path) {
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for merge lock at %s", path)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func tryLock(path, workcellID string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(lockInfo{
		PID:        os.Getpid(),
		WorkcellID: workcellID,
		AcquiredAt: time.Now().UTC(),
	})
}

// takeStale removes the lock file if its holder looks abandoned.
// Returns true if the caller should retry acquisition immediately.
func takeStale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		// Holder released between our O_EXCL failure and this read.
		return os.IsNotExist(err)
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		// Unreadable lock file: treat as abandoned.
		return os.Remove(path) == nil
	}
	if time.Since(info.AcquiredAt) > staleLockAge {
		return os.Remove(path) == nil
	}
	return false
}

// Release removes the lock file.
func (l *MergeLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release merge lock: %w", err)
	}
	return nil
}
