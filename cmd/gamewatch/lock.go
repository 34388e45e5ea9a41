package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

var errAlreadyRunning = errors.New("another gamewatch instance holds the data directory")

type instanceLock struct {
	lock *flock.Flock
}

// acquireInstanceLock takes an exclusive lock on dataDir so two processes
// never share checkpoints, the store or the dead letter queue
func acquireInstanceLock(dataDir string) (*instanceLock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	f := flock.New(filepath.Join(dataDir, "gamewatch.lock"))
	locked, err := f.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, errAlreadyRunning
	}
	return &instanceLock{lock: f}, nil
}

func (l *instanceLock) Release() error {
	if l == nil || l.lock == nil || !l.lock.Locked() {
		return nil
	}
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock instance lock: %w", err)
	}
	return nil
}
