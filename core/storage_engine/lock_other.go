//go:build !unix

package storageengine

import (
	"fmt"
	"os"
)

// lockDir opens the lock file. Exclusive access is not enforced on this
// platform.
func lockDir(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	return f, nil
}

func unlockDir(f *os.File) error { return f.Close() }
