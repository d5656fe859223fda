package gofat

import "errors"

// These are the error kinds an operation on a mounted volume may surface.
// Every returned error is additionally wrapped by checkpoint so callers
// can still match on the underlying cause with errors.Is.
var (
	ErrNoSuchFile   = errors.New("no such file")
	ErrIsDir        = errors.New("is a directory")
	ErrOutOfSpace   = errors.New("no free cluster available")
	ErrInvalidMode  = errors.New("invalid mode for this operation")
	ErrBadVolume    = errors.New("not a valid FAT volume")
	ErrCorruptChain = errors.New("cluster chain is corrupt")
	ErrDeviceError  = errors.New("block device I/O failed")
)

// File-specific sentinels, kept alongside the volume-level ones above so
// every error value lives in one place.
var (
	ErrReadFile  = errors.New("could not read file completely")
	ErrSeekFile  = errors.New("could not seek inside of the file")
	ErrWriteFile = errors.New("could not write file completely")
	ErrReadDir   = errors.New("could not read the directory")
)
