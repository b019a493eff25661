package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// DatadirLock guards Config.Datadir against a second process opening
// the same store concurrently, the way erigon's cmd/utils takes an
// exclusive lock on the datadir before opening mdbx.
type DatadirLock struct {
	fl *flock.Flock
}

// LockDatadir creates (if needed) and locks datadir/LOCK. It returns an
// error if another process already holds the lock.
func LockDatadir(datadir string) (*DatadirLock, error) {
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create datadir: %w", err)
	}
	fl := flock.New(filepath.Join(datadir, "LOCK"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("config: lock datadir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("config: datadir %q is locked by another process", datadir)
	}
	return &DatadirLock{fl: fl}, nil
}

func (l *DatadirLock) Unlock() error { return l.fl.Unlock() }
