package gofat

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/afero"

	"github.com/embedfat/gofat/checkpoint"
)

// fatFileFs provides all methods needed from a fat filesystem for File.
// It mainly exists to be able to mock the Fs in tests.
// Generated mock using mockgen:
//  mockgen -source=file.go -destination=file_mock.go -package gofat
type fatFileFs interface {
	readFileAt(cluster fatEntry, fileSize int64, offset int64, readSize int64) ([]byte, error)
	writeFileAt(cluster fatEntry, offset int64, data []byte) (int, error)
	truncateFile(cluster fatEntry, newSize int64) (int64, error)
	updateEntrySize(loc dirSlotLocator, size int64) error
	readRoot() ([]ExtendedEntryHeader, error)
	readDir(cluster fatEntry) ([]ExtendedEntryHeader, error)
}

type File struct {
	fs   fatFileFs
	path string

	isDirectory bool
	isReadOnly  bool
	isHidden    bool
	isSystem    bool
	writable    bool

	firstCluster fatEntry
	locator      dirSlotLocator
	stat         os.FileInfo
	offset       int64
}

func (f *File) Close() error {
	f.fs = nil
	f.path = ""
	f.isDirectory = false
	f.isReadOnly = false
	f.isHidden = false
	f.isSystem = false
	f.writable = false
	f.firstCluster = 0
	f.locator = dirSlotLocator{}
	f.stat = nil
	f.offset = 0

	return nil
}

func (f *File) Read(p []byte) (n int, err error) {
	if p == nil {
		return 0, nil
	}

	// Reading a file if the size has been already reached, makes no sense.
	if f.stat.Size() <= f.offset {
		return 0, io.EOF
	}

	offset := f.offset
	data, err := f.fs.readFileAt(f.firstCluster, f.stat.Size(), offset, int64(len(p)))

	if data != nil {
		copy(p, data)
	}

	// Seek even if an error occurred, errors from reading are used even if seek also errors.
	_, seekErr := f.Seek(int64(len(data)), io.SeekCurrent)

	if err != nil {
		return len(data), checkpoint.Wrap(err, ErrReadFile)
	}

	if seekErr != nil {
		return len(data), checkpoint.Wrap(seekErr, ErrReadFile)
	}

	return len(data), nil
}

func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	if p == nil {
		return 0, nil
	}

	// Reading over the end makes no sense.
	if f.stat.Size() <= off {
		return 0, io.EOF
	}

	size := len(p)
	data, err := f.fs.readFileAt(f.firstCluster, f.stat.Size(), off, int64(size))

	if data != nil {
		copy(p, data)
	}

	if err != nil {
		return len(data), checkpoint.Wrap(err, ErrReadFile)
	}

	if len(data) < size {
		return len(data), checkpoint.Wrap(io.EOF, ErrReadFile)
	}
	return len(data), nil
}

// Seek jumps to a specific offset in the file. This affects all Read operation except ReadAt.
// May return a syscall.EINVAL error if the whence value is invalid.
// May return an afero.ErrOutOfRange error if the offset is out of range.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = f.stat.Size() + offset
	default:
		return 0, checkpoint.Wrap(ErrSeekFile, fmt.Errorf("%w, offset: %v, whence: %v", syscall.EINVAL, offset, whence))
	}

	if offset < 0 || offset > f.stat.Size() {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v, whence: %v", ErrSeekFile, offset, whence))
	}

	f.offset = offset
	return offset, nil
}

func (f *File) Write(p []byte) (n int, err error) {
	if !f.writable {
		return 0, checkpoint.Wrap(ErrInvalidMode, ErrWriteFile)
	}
	if f.isDirectory {
		return 0, checkpoint.Wrap(ErrIsDir, ErrWriteFile)
	}
	if len(p) == 0 {
		return 0, nil
	}

	written, err := f.fs.writeFileAt(f.firstCluster, f.offset, p)
	if err != nil {
		return written, checkpoint.Wrap(err, ErrWriteFile)
	}

	newSize := f.offset + int64(written)
	if newSize > f.stat.Size() {
		if err := f.fs.updateEntrySize(f.locator, newSize); err != nil {
			return written, checkpoint.Wrap(err, ErrWriteFile)
		}
		f.stat = resizedFileInfo(f.stat, newSize)
	}

	f.offset += int64(written)

	if written < len(p) {
		return written, checkpoint.Wrap(ErrOutOfSpace, ErrWriteFile)
	}

	return written, nil
}

func (f *File) WriteAt(p []byte, off int64) (n int, err error) {
	if !f.writable {
		return 0, checkpoint.Wrap(ErrInvalidMode, ErrWriteFile)
	}
	if f.isDirectory {
		return 0, checkpoint.Wrap(ErrIsDir, ErrWriteFile)
	}
	if len(p) == 0 {
		return 0, nil
	}

	written, err := f.fs.writeFileAt(f.firstCluster, off, p)
	if err != nil {
		return written, checkpoint.Wrap(err, ErrWriteFile)
	}

	newSize := off + int64(written)
	if newSize > f.stat.Size() {
		if err := f.fs.updateEntrySize(f.locator, newSize); err != nil {
			return written, checkpoint.Wrap(err, ErrWriteFile)
		}
		f.stat = resizedFileInfo(f.stat, newSize)
	}

	if written < len(p) {
		return written, checkpoint.Wrap(ErrOutOfSpace, ErrWriteFile)
	}

	return written, nil
}

func (f *File) Name() string {
	return f.stat.Name()
}

// Readdir reads the contents of a directory.
// May return syscall.ENOTDIR if the current File is no directory.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if !f.isDirectory {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}

	var content []ExtendedEntryHeader
	var err error
	if f.path == "" {
		content, err = f.fs.readRoot()
	} else {
		content, err = f.fs.readDir(f.firstCluster)
	}

	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	end := len(content)

	if int64(len(content)) < f.offset+int64(count) {
		count = len(content) - int(f.offset)
		err = io.EOF
	}

	if count >= 0 {
		end = int(f.offset) + count
	}

	content = content[f.offset:end]

	if count > 0 {
		f.offset += int64(count)
	} else if count < 0 {
		f.offset = int64(end)
	}

	result := make([]os.FileInfo, len(content))
	for i := range content {
		result[i] = content[i].FileInfo()
	}

	return result, err
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}

	return names, nil
}

func (f *File) Stat() (os.FileInfo, error) {
	return f.stat, nil
}

// Sync is a no-op: every write already flushes the sector cache before
// returning, so there is never anything left to push to the device.
func (f *File) Sync() error {
	return nil
}

func (f *File) Truncate(size int64) error {
	if !f.writable {
		return checkpoint.Wrap(ErrInvalidMode, ErrWriteFile)
	}

	newSize, err := f.fs.truncateFile(f.firstCluster, size)
	if err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	if err := f.fs.updateEntrySize(f.locator, newSize); err != nil {
		return checkpoint.Wrap(err, ErrWriteFile)
	}

	f.stat = resizedFileInfo(f.stat, newSize)
	if f.offset > newSize {
		f.offset = newSize
	}

	return nil
}

func (f *File) WriteString(s string) (ret int, err error) {
	return f.Write([]byte(s))
}

// resizedFileInfo returns a copy of info reporting a new size, used after
// a write or truncate changes a file's length without re-reading its
// directory entry from disk.
func resizedFileInfo(info os.FileInfo, size int64) os.FileInfo {
	header, ok := info.Sys().(ExtendedEntryHeader)
	if !ok {
		return info
	}
	header.FileSize = uint32(size)
	return header.FileInfo()
}

// --- Fs-side file lifecycle: open/create/unlink ---

// openFile implements the open operation. The caller must already hold
// fs.lock.
func (fs *Fs) openFile(path string, flag int) (*File, error) {
	if path == "." || len(splitPath(path)) == 0 {
		if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE) != 0 {
			return nil, checkpoint.Wrap(fmt.Errorf("the root directory cannot be opened for writing"), ErrInvalidMode)
		}
		return &File{
			fs:           fs,
			path:         "",
			isDirectory:  true,
			firstCluster: fs.info.RootDirCluster,
			stat:         rootDirFileInfo{},
		}, nil
	}

	found, parent, err := fs.resolve(path)
	if err != nil {
		if errors.Is(err, ErrNoSuchFile) && flag&os.O_CREATE != 0 {
			return fs.create(path, parent)
		}
		return nil, err
	}

	isDirectory := found.header.Attribute&AttrDirectory != 0
	isWritable := flag&(os.O_WRONLY|os.O_RDWR) != 0

	if isDirectory && isWritable {
		return nil, checkpoint.Wrap(fmt.Errorf("%q is a directory", path), ErrIsDir)
	}

	firstCluster := fatEntry(uint32(found.header.FirstClusterHI)<<16 | uint32(found.header.FirstClusterLO))

	if flag&os.O_TRUNC != 0 && isWritable && !isDirectory {
		if _, err := fs.truncateChain(firstCluster, 0); err != nil {
			return nil, err
		}
		if err := fs.patchEntrySize(found.locator, 0); err != nil {
			return nil, err
		}
		found.header.FileSize = 0
	}

	f := &File{
		fs:           fs,
		path:         path,
		isDirectory:  isDirectory,
		isReadOnly:   found.header.Attribute&AttrReadOnly != 0,
		isHidden:     found.header.Attribute&AttrHidden != 0,
		isSystem:     found.header.Attribute&AttrSystem != 0,
		writable:     isWritable,
		firstCluster: firstCluster,
		locator:      found.locator,
		stat:         found.header.FileInfo(),
	}

	if flag&os.O_APPEND != 0 {
		f.offset = f.stat.Size()
	}

	return f, nil
}

// create implements the create operation: it allocates one cluster for
// the new file's chain (even for an empty file) and writes a short-form
// directory entry for it into parent. The caller must already hold
// fs.lock.
func (fs *Fs) create(path string, parent fatEntry) (*File, error) {
	if parent == invalidParentDir {
		return nil, checkpoint.Wrap(fmt.Errorf("a directory component of %q does not exist", path), ErrNoSuchFile)
	}

	components := splitPath(path)
	if len(components) == 0 {
		return nil, checkpoint.Wrap(fmt.Errorf("empty path"), ErrNoSuchFile)
	}
	name := components[len(components)-1]

	if n := fragmentCount(name); n > 1 {
		fs.logger.Warn("file name needs multiple long-name fragments, writing the short entry only",
			slog.String("name", name), slog.Int("fragments", n))
	}

	cluster, err := fs.allocateClusters(0)
	if err != nil {
		return nil, err
	}

	shortName := toShortName(name)

	header := EntryHeader{
		Name:           shortName,
		Attribute:      AttrArchive,
		CreateDate:     EncodeDate(epoch1980),
		CreateTime:     EncodeTime(epoch1980),
		WriteDate:      EncodeDate(epoch1980),
		WriteTime:      EncodeTime(epoch1980),
		FirstClusterHI: uint16(uint32(cluster) >> 16),
		FirstClusterLO: uint16(uint32(cluster)),
		FileSize:       0,
	}

	loc, err := fs.addDirEntry(parent, header)
	if err != nil {
		return nil, err
	}

	return &File{
		fs:           fs,
		path:         path,
		writable:     true,
		firstCluster: cluster,
		locator:      loc,
		stat:         ExtendedEntryHeader{EntryHeader: header}.FileInfo(),
	}, nil
}

// unlink implements the unlink operation. The caller must already hold
// fs.lock.
func (fs *Fs) unlink(path string) error {
	found, parent, err := fs.resolve(path)
	if err != nil {
		return err
	}

	if found.header.Attribute&AttrDirectory != 0 {
		return checkpoint.Wrap(fmt.Errorf("%q is a directory", path), ErrIsDir)
	}

	cluster := fatEntry(uint32(found.header.FirstClusterHI)<<16 | uint32(found.header.FirstClusterLO))
	if cluster.IsNextCluster() {
		if err := fs.freeChain(cluster); err != nil {
			return err
		}
	}

	return fs.markPrecedingLFNDeleted(parent, found.locator)
}

// toShortName uppercases and space-pads name into the 11-byte 8.3 form.
// Names that do not fit are truncated; this engine never writes
// long-filename fragments (read-only LFN support).
func toShortName(name string) [11]byte {
	base := name
	ext := ""
	if i := strings.LastIndex(name, "."); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}

	base = strings.ToUpper(base)
	ext = strings.ToUpper(ext)

	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[:8], base)
	copy(out[8:11], ext)
	return out
}

// readFileAt implements the file read operation's data transfer, walking
// the cluster chain directly from cluster - no intermediate cursor state
// is kept on File, so every call resolves its own position from scratch.
func (fs *Fs) readFileAt(cluster fatEntry, fileSize int64, offset int64, readSize int64) ([]byte, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	remaining := readSize
	if offset+remaining > fileSize {
		remaining = fileSize - offset
	}
	if remaining <= 0 {
		return nil, nil
	}

	bytesPerCluster := int64(fs.info.BytesPerCluster)
	cur, offsetInCluster, err := fs.seekChain(cluster, offset)
	if err != nil {
		return nil, err
	}
	if cur == 0 {
		return nil, nil
	}

	result := make([]byte, 0, remaining)

	for remaining > 0 {
		sectorInCluster := uint32(offsetInCluster) / uint32(fs.info.BytesPerSector)
		byteInSector := uint32(offsetInCluster) % uint32(fs.info.BytesPerSector)
		sector := fs.clusterToSector(cur) + sectorInCluster

		chunk := int64(fs.info.BytesPerSector) - int64(byteInSector)
		if chunk > remaining {
			chunk = remaining
		}

		buf := make([]byte, chunk)
		n, err := fs.directReadAt(sector, byteInSector, buf)
		if n > 0 {
			result = append(result, buf[:n]...)
		}
		if err != nil {
			return result, checkpoint.Wrap(err, ErrDeviceError)
		}

		remaining -= int64(n)
		offsetInCluster += int64(n)

		if int64(n) < chunk {
			break
		}

		if offsetInCluster >= bytesPerCluster {
			offsetInCluster = 0
			next, err := fs.entryGetChecked(cur)
			if err != nil {
				return result, err
			}
			if !next.IsNextCluster() {
				break
			}
			cur = next
		}
	}

	return result, nil
}

// writeFileAt implements the file write operation's data transfer,
// allocating and splicing on a new cluster whenever the write crosses the
// end of the existing chain.
func (fs *Fs) writeFileAt(cluster fatEntry, offset int64, data []byte) (int, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if len(data) == 0 {
		return 0, nil
	}

	bytesPerCluster := int64(fs.info.BytesPerCluster)
	cur, offsetInCluster, err := fs.seekOrExtendChain(cluster, offset)
	if err != nil {
		return 0, err
	}

	written := 0
	remaining := int64(len(data))

	for remaining > 0 {
		sectorInCluster := uint32(offsetInCluster) / uint32(fs.info.BytesPerSector)
		byteInSector := uint32(offsetInCluster) % uint32(fs.info.BytesPerSector)
		sector := fs.clusterToSector(cur) + sectorInCluster

		chunk := int64(fs.info.BytesPerSector) - int64(byteInSector)
		if chunk > remaining {
			chunk = remaining
		}

		n, err := fs.directWriteAt(sector, byteInSector, data[written:int64(written)+chunk])
		written += n
		remaining -= int64(n)
		offsetInCluster += int64(n)

		if err != nil {
			return written, checkpoint.Wrap(err, ErrDeviceError)
		}
		if int64(n) < chunk {
			break
		}

		if offsetInCluster >= bytesPerCluster && remaining > 0 {
			offsetInCluster = 0
			next, err := fs.entryGetChecked(cur)
			if err != nil {
				return written, err
			}
			if !next.IsNextCluster() {
				nc, err := fs.allocateClusters(bytesPerCluster)
				if err != nil {
					return written, checkpoint.Wrap(err, ErrOutOfSpace)
				}
				if err := fs.appendChain(cur, nc); err != nil {
					return written, err
				}
				next = nc
			}
			cur = next
		}
	}

	return written, nil
}

// truncateFile implements truncate: it keeps just enough clusters to hold
// newSize bytes (at least one, matching create's minimum allocation) and
// frees the remainder of the chain.
func (fs *Fs) truncateFile(cluster fatEntry, newSize int64) (int64, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.truncateChain(cluster, newSize)
}

// truncateChain is truncateFile's unlocked core, shared with openFile's
// O_TRUNC handling which already holds fs.lock.
func (fs *Fs) truncateChain(cluster fatEntry, newSize int64) (int64, error) {
	if newSize < 0 {
		newSize = 0
	}

	bytesPerCluster := int64(fs.info.BytesPerCluster)
	keepClusters := (newSize + bytesPerCluster - 1) / bytesPerCluster
	if keepClusters < 1 {
		keepClusters = 1
	}

	cur := cluster
	for i := int64(1); i < keepClusters; i++ {
		next, err := fs.entryGetChecked(cur)
		if err != nil {
			return 0, err
		}
		if !next.IsNextCluster() {
			return newSize, nil
		}
		cur = next
	}

	tail, err := fs.entryGetChecked(cur)
	if err != nil {
		return 0, err
	}
	if err := fs.entrySet(cur, clustEOFE); err != nil {
		return 0, err
	}
	if tail.IsNextCluster() {
		if err := fs.freeChain(tail); err != nil {
			return 0, err
		}
	}

	return newSize, nil
}

func (fs *Fs) updateEntrySize(loc dirSlotLocator, size int64) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.patchEntrySize(loc, uint32(size))
}

func (fs *Fs) readRoot() ([]ExtendedEntryHeader, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.listDir(fs.info.RootDirCluster)
}

func (fs *Fs) readDir(cluster fatEntry) ([]ExtendedEntryHeader, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.listDir(cluster)
}

// seekChain walks forward from first by offset bytes' worth of clusters,
// without allocating. It returns the cluster containing offset and the
// remaining byte offset within it, or cluster 0 if the chain is shorter
// than offset.
func (fs *Fs) seekChain(first fatEntry, offset int64) (fatEntry, int64, error) {
	bytesPerCluster := int64(fs.info.BytesPerCluster)
	steps := offset / bytesPerCluster
	cur := first
	for i := int64(0); i < steps; i++ {
		next, err := fs.entryGetChecked(cur)
		if err != nil {
			return 0, 0, err
		}
		if !next.IsNextCluster() {
			return 0, 0, nil
		}
		cur = next
	}
	return cur, offset % bytesPerCluster, nil
}

// seekOrExtendChain is seekChain's write-side counterpart: it allocates
// and splices new clusters onto the chain instead of stopping short.
func (fs *Fs) seekOrExtendChain(first fatEntry, offset int64) (fatEntry, int64, error) {
	bytesPerCluster := int64(fs.info.BytesPerCluster)
	steps := offset / bytesPerCluster
	cur := first
	for i := int64(0); i < steps; i++ {
		next, err := fs.entryGetChecked(cur)
		if err != nil {
			return 0, 0, err
		}
		if !next.IsNextCluster() {
			nc, err := fs.allocateClusters(bytesPerCluster)
			if err != nil {
				return 0, 0, checkpoint.Wrap(err, ErrOutOfSpace)
			}
			if err := fs.appendChain(cur, nc); err != nil {
				return 0, 0, err
			}
			next = nc
		}
		cur = next
	}
	return cur, offset % bytesPerCluster, nil
}

// directReadAt and directWriteAt bypass the sector cache entirely: file
// data must never evict the FAT or directory sector an in-flight
// operation still holds a reference to.
func (fs *Fs) directReadAt(sector uint32, byteOffset uint32, buf []byte) (int, error) {
	off := int64(sector)*int64(fs.info.BytesPerSector) + int64(byteOffset)
	return fs.device.ReadAt(buf, off)
}

func (fs *Fs) directWriteAt(sector uint32, byteOffset uint32, buf []byte) (int, error) {
	off := int64(sector)*int64(fs.info.BytesPerSector) + int64(byteOffset)
	return fs.device.WriteAt(buf, off)
}
