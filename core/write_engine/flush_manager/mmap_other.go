//go:build !unix

package flushmanager

import (
	"errors"
	"os"
)

var errMmapUnsupported = errors.New("mmap not supported on this platform")

func mapFile(f *os.File, size int64) ([]byte, error) {
	return nil, errMmapUnsupported
}

func unmapFile(data []byte) error {
	return nil
}
