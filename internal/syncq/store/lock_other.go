//go:build !unix

package store

import (
	"fmt"
	"os"
)

// DirLock is a no-op on platforms without flock.
type DirLock struct{}

// LockDir only ensures dir exists on this platform.
func LockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &DirLock{}, nil
}

// Unlock is a no-op.
func (l *DirLock) Unlock() error {
	return nil
}
