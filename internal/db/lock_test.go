package db

import (
	"testing"

	"github.com/notestash/relay/internal/errors"
)

// TestLockDataDir verifies only one holder at a time and release on Unlock.
func TestLockDataDir(t *testing.T) {
	dir := t.TempDir()

	first, err := LockDataDir(dir)
	if err != nil {
		t.Fatalf("LockDataDir() failed: %v", err)
	}

	if _, err := LockDataDir(dir); !errors.Is(err, errors.ErrDataDirBusy) {
		t.Fatalf("second LockDataDir() error = %v, want %s", err, errors.ErrDataDirBusy)
	}

	if err := first.Unlock(); err != nil {
		t.Fatalf("Unlock() failed: %v", err)
	}
	if err := first.Unlock(); err != nil {
		t.Errorf("second Unlock() = %v, want nil", err)
	}

	again, err := LockDataDir(dir)
	if err != nil {
		t.Fatalf("LockDataDir() after Unlock failed: %v", err)
	}
	again.Unlock()

	var none *DirLock
	if err := none.Unlock(); err != nil {
		t.Errorf("nil Unlock() = %v", err)
	}
}
