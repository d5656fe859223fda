package gofat

import "io"

// BlockDevice is the capability a mounted volume needs from the underlying
// storage medium: byte-offset addressed reads and writes of arbitrary
// length, with no alignment requirements beyond those of the medium
// itself. Any concrete device - a disk image, a raw block device, a card
// behind some transport - backs the filesystem as long as it satisfies
// this pair of methods. *os.File already does.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
}
