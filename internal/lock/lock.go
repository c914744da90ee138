// Package lock guards against two processor instances running against the
// same database concurrently, which would double-reconcile and corrupt the
// commit barrier.
package lock

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Instance holds an acquired file lock. Release frees it.
type Instance struct {
	fl *flock.Flock
}

// Acquire takes an exclusive, non-blocking lock on a file named after db
// inside dir. It returns an error immediately if another process already
// holds it, rather than waiting.
func Acquire(dir, db string) (*Instance, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s.lock", db))
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock: %s is held by another instance", path)
	}
	return &Instance{fl: fl}, nil
}

// Release unlocks the file.
func (i *Instance) Release() error {
	return i.fl.Unlock()
}
