package runstore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireBatchLock_BlocksConcurrentAcquire(t *testing.T) {
	stateDir := t.TempDir()

	lock, err := AcquireBatchLock(stateDir)
	if err != nil {
		t.Fatalf("acquire first lock: %v", err)
	}
	defer func() {
		_ = lock.Release()
	}()

	if _, err := AcquireBatchLock(stateDir); err == nil {
		t.Fatalf("expected second acquire to fail")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release lock: %v", err)
	}

	lock2, err := AcquireBatchLock(stateDir)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := lock2.Release(); err != nil {
		t.Fatalf("release second lock: %v", err)
	}
}

func TestAcquireBatchLock_ReplacesStaleOwner(t *testing.T) {
	stateDir := t.TempDir()
	lockDir := filepath.Join(stateDir, batchLockDirName)
	if err := Mkdir(lockDir); err != nil {
		t.Fatal(err)
	}
	stale := batchLockOwner{
		PID:       99999999,
		CreatedAt: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	if err := WriteJSON(filepath.Join(lockDir, batchLockOwnerFile), stale); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireBatchLock(stateDir)
	if err != nil {
		t.Fatalf("expected stale lock to be replaced: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}
