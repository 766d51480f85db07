package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrIO              = errors.New("i/o error")
	ErrFileClosed      = errors.New("file is closed")
	ErrInvalidOffset   = errors.New("invalid file offset")
	ErrInvalidPageSize = errors.New("page size must be a positive multiple of 4096")
)
