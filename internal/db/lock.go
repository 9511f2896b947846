package db

import (
	"os"
	"path/filepath"

	"github.com/notestash/relay/internal/errors"
)

// LockFileName is the owner lock created inside the data directory.
const LockFileName = "notestash.lock"

// DirLock is an exclusive, process-wide claim on a data directory. The
// holder is the only process that recovers sessions and runs delivery
// passes. The lock is released by the OS if the process dies.
type DirLock struct {
	f *os.File
}

// LockDataDir takes the owner lock of dataDir without waiting. It returns
// an ErrDataDirBusy error when another process holds it.
func LockDataDir(dataDir string) (*DirLock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "create data directory", err)
	}
	path := filepath.Join(dataDir, LockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "open lock file", err)
	}
	held, err := tryLock(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(errors.ErrDatabase, "lock data directory", err)
	}
	if !held {
		f.Close()
		return nil, errors.Newf(errors.ErrDataDirBusy, "data directory %s is in use by another notestash process", dataDir)
	}
	return &DirLock{f: f}, nil
}

// Unlock releases the lock. It is safe to call on a nil lock.
func (l *DirLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlock(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
