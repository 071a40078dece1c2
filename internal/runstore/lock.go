package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const (
	batchLockDirName   = ".batch.lock"
	batchLockOwnerFile = "owner.json"
)

// BatchLock keeps two batch runs (a manual run and the daemon, say) from
// driving the same accounts at once.
type BatchLock struct {
	lockDir string
}

type batchLockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

func AcquireBatchLock(stateDir string) (BatchLock, error) {
	target := strings.TrimSpace(stateDir)
	if target == "" {
		return BatchLock{}, fmt.Errorf("state directory is required")
	}
	if err := Mkdir(target); err != nil {
		return BatchLock{}, err
	}

	lockDir := filepath.Join(target, batchLockDirName)
	if err := os.Mkdir(lockDir, 0o755); err != nil {
		if !os.IsExist(err) {
			return BatchLock{}, fmt.Errorf("acquire batch lock for %s: %w", target, err)
		}
		ownerPath := filepath.Join(lockDir, batchLockOwnerFile)
		var owner batchLockOwner
		readErr := ReadJSON(ownerPath, &owner)
		if readErr == nil && owner.PID > 0 && ownerAlive(owner) {
			return BatchLock{}, fmt.Errorf(
				"batch is locked: %s (pid=%d created_at=%s host=%s)",
				target, owner.PID, owner.CreatedAt, owner.Hostname,
			)
		}
		if readErr != nil && owner.PID == 0 {
			// owner file missing or unreadable: another process may be mid-acquire
			if info, statErr := os.Stat(lockDir); statErr == nil && time.Since(info.ModTime()) < time.Minute {
				return BatchLock{}, fmt.Errorf("batch is locked: %s", target)
			}
		}
		_ = os.Remove(ownerPath)
		if err := os.Remove(lockDir); err != nil && !os.IsNotExist(err) {
			return BatchLock{}, fmt.Errorf("remove stale batch lock %s: %w", lockDir, err)
		}
		if err := os.Mkdir(lockDir, 0o755); err != nil {
			return BatchLock{}, fmt.Errorf("batch is locked: %s", target)
		}
	}

	owner := batchLockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	ownerPath := filepath.Join(lockDir, batchLockOwnerFile)
	if err := WriteJSON(ownerPath, owner); err != nil {
		_ = os.Remove(lockDir)
		return BatchLock{}, fmt.Errorf("write batch lock owner for %s: %w", target, err)
	}

	return BatchLock{lockDir: lockDir}, nil
}

func (l BatchLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, batchLockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release batch lock %s: %w", l.lockDir, err)
	}
	return nil
}

// ownerAlive treats a lock from another host as alive; only local owners
// can be checked against the process table.
func ownerAlive(owner batchLockOwner) bool {
	if owner.Hostname != "" && owner.Hostname != hostnameOrUnknown() {
		return true
	}
	if owner.PID == os.Getpid() {
		return true
	}
	alive, err := process.PidExists(int32(owner.PID))
	if err != nil {
		return true
	}
	return alive
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}

// BatchLockHolder returns the pid holding the batch lock in stateDir, or 0
// when no live owner holds it.
func BatchLockHolder(stateDir string) int {
	var owner batchLockOwner
	if err := ReadJSON(filepath.Join(stateDir, batchLockDirName, batchLockOwnerFile), &owner); err != nil {
		return 0
	}
	if owner.PID <= 0 || !ownerAlive(owner) {
		return 0
	}
	return owner.PID
}
