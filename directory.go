package gofat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf16"

	"github.com/embedfat/gofat/checkpoint"
)

// dirSlotLocator pins down exactly where a directory entry's 32 bytes
// live, so a later operation (size update on write, deletion marker on
// unlink) can come back and patch them in place.
type dirSlotLocator struct {
	cluster fatEntry
	sector  uint32
	offset  uint32
}

// dirIter linearly walks the 32-byte slots of a directory, transparently
// following its cluster chain and extending it with one fresh zero-filled
// cluster when the scan overruns the end of an allocated chain.
type dirIter struct {
	fs *Fs

	curCluster    fatEntry
	sector        uint32
	sectorInChunk uint32
	chunkSectors  uint32
	offset        uint32

	isFAT16Root bool
}

func (fs *Fs) newDirIter(dirCluster fatEntry) (*dirIter, error) {
	it := &dirIter{
		fs:          fs,
		curCluster:  dirCluster,
		isFAT16Root: fs.info.FSType == FAT16 && dirCluster == 0,
	}
	it.chunkSectors = fs.dirSectors(dirCluster)
	it.sector = fs.clusterToSector(dirCluster)

	if err := fs.cache.fetch(it.sector); err != nil {
		return nil, err
	}
	return it, nil
}

// next advances the iterator by one 32-byte slot, loading a new sector or
// extending the chain as needed. It returns io.EOF only for the fixed-size
// FAT16 root region, which can never grow.
func (it *dirIter) next() error {
	it.offset += 32
	if it.offset < uint32(it.fs.info.BytesPerSector) {
		return nil
	}

	it.offset = 0
	it.sectorInChunk++

	if it.sectorInChunk < it.chunkSectors {
		it.sector++
		return it.fs.cache.fetch(it.sector)
	}

	if it.isFAT16Root {
		return io.EOF
	}

	next, err := it.fs.entryGetChecked(it.curCluster)
	if err != nil {
		return err
	}

	if !next.IsNextCluster() {
		newCluster, err := it.fs.allocateClusters(int64(it.fs.info.BytesPerCluster))
		if err != nil {
			return err
		}
		if err := it.fs.appendChain(it.curCluster, newCluster); err != nil {
			return err
		}
		if err := it.fs.zeroFillCluster(newCluster); err != nil {
			return err
		}
		next = newCluster
	}

	it.curCluster = next
	it.chunkSectors = it.fs.dirSectors(next)
	it.sectorInChunk = 0
	it.sector = it.fs.clusterToSector(next)
	return it.fs.cache.fetch(it.sector)
}

func (it *dirIter) slotBytes() []byte {
	return it.fs.cache.buffer[it.offset : it.offset+32]
}

func (it *dirIter) entry() (EntryHeader, error) {
	var e EntryHeader
	if err := binary.Read(bytes.NewReader(it.slotBytes()), binary.LittleEndian, &e); err != nil {
		return EntryHeader{}, err
	}
	return e, nil
}

func (it *dirIter) longEntry() (LongFilenameEntry, error) {
	var e LongFilenameEntry
	if err := binary.Read(bytes.NewReader(it.slotBytes()), binary.LittleEndian, &e); err != nil {
		return LongFilenameEntry{}, err
	}
	return e, nil
}

func (it *dirIter) isLast() bool {
	return it.slotBytes()[0] == entryFreeMarker
}

func (it *dirIter) isDeleted() bool {
	return it.slotBytes()[0] == entryDeletedMarker
}

func (it *dirIter) locator() dirSlotLocator {
	return dirSlotLocator{cluster: it.curCluster, sector: it.sector, offset: it.offset}
}

// zeroFillCluster writes zero bytes across every sector of cluster. Used
// when the directory iterator extends a chain: a freshly allocated
// directory cluster must start with an empty-slot marker, which a
// zero-filled buffer already provides (first name byte 0x00).
func (fs *Fs) zeroFillCluster(cluster fatEntry) error {
	zero := make([]byte, fs.info.BytesPerSector)
	first := fs.clusterToSector(cluster)
	for s := uint32(0); s < uint32(fs.info.SectorsPerCluster); s++ {
		if err := fs.cache.fetch(first + s); err != nil {
			return err
		}
		copy(fs.cache.buffer, zero)
		fs.cache.markDirty()
	}
	return fs.cache.flush()
}

// lfnBuilder reassembles the long-filename fragments that may precede a
// short entry into the name they encode.
type lfnBuilder struct {
	units  [20 * 13]uint16
	maxSeq int
	active bool
}

func (b *lfnBuilder) reset() {
	b.maxSeq = 0
	b.active = true
}

func (b *lfnBuilder) add(e LongFilenameEntry) {
	seq := int(e.Sequence & 0x3F)
	last := e.Sequence&0x40 != 0

	if last {
		b.reset()
	}
	if !b.active || seq < 1 || seq > 20 {
		return
	}

	base := (seq - 1) * 13
	copy(b.units[base:base+5], e.First[:])
	copy(b.units[base+5:base+11], e.Second[:])
	copy(b.units[base+11:base+13], e.Third[:])

	if seq > b.maxSeq {
		b.maxSeq = seq
	}
}

// decode reassembles the accumulated fragments into a string, stopping at
// the first 0x0000 terminator.
func (b *lfnBuilder) decode() string {
	total := b.maxSeq * 13
	units := b.units[:total]
	for i, u := range units {
		if u == 0x0000 {
			units = units[:i]
			break
		}
	}
	return string(utf16.Decode(units))
}

func (b *lfnBuilder) clear() {
	b.active = false
	b.maxSeq = 0
}

// shortDisplayName reconstructs the "BASE.EXT" display form of a short
// entry's padded 8.3 name.
func shortDisplayName(name [11]byte) string {
	if name[0] == entryE5LiteralEscape {
		name[0] = entryDeletedMarker
	}

	base := strings.TrimRight(string(name[:8]), " ")
	ext := strings.TrimRight(string(name[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// matchWildcard implements the '*'/'?' case-insensitive matcher described
// for directory search: '*' matches any run including empty, '?' matches
// any single character except '.'.
func matchWildcard(pattern, name string) bool {
	pattern = strings.ToUpper(pattern)
	name = strings.ToUpper(name)
	return wildcardMatch([]rune(pattern), []rune(name))
}

func wildcardMatch(pattern, name []rune) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}

	switch pattern[0] {
	case '*':
		for i := 0; i <= len(name); i++ {
			if wildcardMatch(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(name) == 0 || name[0] == '.' {
			return false
		}
		return wildcardMatch(pattern[1:], name[1:])
	default:
		if len(name) == 0 || pattern[0] != name[0] {
			return false
		}
		return wildcardMatch(pattern[1:], name[1:])
	}
}

// dirEntry is one resolved slot: its reassembled header plus where it
// lives on disk.
type dirEntry struct {
	header  ExtendedEntryHeader
	locator dirSlotLocator
}

// searchDir scans dirCluster for a slot whose short or reassembled long
// name matches pattern, per the name-matching rules in the directory
// component: the '.' and ".." self-entries and the volume-label entry are
// never candidates.
func (fs *Fs) searchDir(dirCluster fatEntry, pattern string) (dirEntry, error) {
	it, err := fs.newDirIter(dirCluster)
	if err != nil {
		return dirEntry{}, err
	}

	var lfn lfnBuilder

	for {
		if it.isLast() {
			return dirEntry{}, checkpoint.Wrap(fmt.Errorf("%q not found", pattern), ErrNoSuchFile)
		}

		if it.isDeleted() {
			lfn.clear()
			if err := it.next(); err != nil {
				return dirEntry{}, checkpoint.Wrap(err, ErrReadDir)
			}
			continue
		}

		raw := it.slotBytes()
		attr := raw[11]

		if attr == AttrLongName {
			le, err := it.longEntry()
			if err != nil {
				return dirEntry{}, err
			}
			lfn.add(le)
			if err := it.next(); err != nil {
				return dirEntry{}, checkpoint.Wrap(err, ErrReadDir)
			}
			continue
		}

		header, err := it.entry()
		if err != nil {
			return dirEntry{}, err
		}

		short := shortDisplayName(header.Name)
		longName := ""
		if lfn.maxSeq > 0 {
			longName = lfn.decode()
		}
		lfn.clear()

		if attr&AttrVolumeID != 0 || short == "." || short == ".." {
			if err := it.next(); err != nil {
				return dirEntry{}, checkpoint.Wrap(err, ErrReadDir)
			}
			continue
		}

		if matchWildcard(pattern, short) || (longName != "" && matchWildcard(pattern, longName)) {
			return dirEntry{
				header:  ExtendedEntryHeader{EntryHeader: header, ExtendedName: longName},
				locator: it.locator(),
			}, nil
		}

		if err := it.next(); err != nil {
			return dirEntry{}, checkpoint.Wrap(err, ErrReadDir)
		}
	}
}

// listDir collects every live (non-deleted, non-volume-label) entry of
// dirCluster, used to serve Readdir.
func (fs *Fs) listDir(dirCluster fatEntry) ([]ExtendedEntryHeader, error) {
	it, err := fs.newDirIter(dirCluster)
	if err != nil {
		return nil, err
	}

	var lfn lfnBuilder
	var result []ExtendedEntryHeader

	for {
		if it.isLast() {
			return result, nil
		}

		if it.isDeleted() {
			lfn.clear()
			if err := it.next(); err != nil {
				if err == io.EOF {
					return result, nil
				}
				return nil, checkpoint.Wrap(err, ErrReadDir)
			}
			continue
		}

		raw := it.slotBytes()
		attr := raw[11]

		if attr == AttrLongName {
			le, err := it.longEntry()
			if err != nil {
				return nil, err
			}
			lfn.add(le)
			if err := it.next(); err != nil {
				if err == io.EOF {
					return result, nil
				}
				return nil, checkpoint.Wrap(err, ErrReadDir)
			}
			continue
		}

		header, err := it.entry()
		if err != nil {
			return nil, err
		}

		short := shortDisplayName(header.Name)
		longName := ""
		if lfn.maxSeq > 0 {
			longName = lfn.decode()
		}
		lfn.clear()

		if attr&AttrVolumeID == 0 && short != "." && short != ".." {
			result = append(result, ExtendedEntryHeader{EntryHeader: header, ExtendedName: longName})
		}

		if err := it.next(); err != nil {
			if err == io.EOF {
				return result, nil
			}
			return nil, checkpoint.Wrap(err, ErrReadDir)
		}
	}
}

// splitPath breaks an absolute, slash-separated path into its non-empty
// components. There is no current-working-directory concept: every path
// is resolved from the root.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// invalidParentDir is the parent-cluster sentinel resolve returns when a
// non-terminal path component couldn't be followed: cluster 1 is reserved
// and never allocated to a real directory, so it can never collide with a
// legitimate parent - including a FAT16 volume's cluster-0 root. create
// refuses whenever its parent argument is this value.
const invalidParentDir fatEntry = 1

// resolve implements the path resolver: it walks path component by
// component from the root directory, returning the matched entry together
// with the cluster of its parent directory and the entry's on-disk
// locator. On a NO_SUCH_FILE failure for the final component, parent is
// the real directory that was searched, so create can proceed there; on a
// missing or non-directory NON-TERMINAL component, parent is invalidated
// to invalidParentDir, so create refuses instead of writing into whatever
// ancestor happened to be searched last.
func (fs *Fs) resolve(path string) (dirEntry, fatEntry, error) {
	components := splitPath(path)
	parent := fs.info.RootDirCluster

	if len(components) == 0 {
		return dirEntry{}, parent, checkpoint.Wrap(fmt.Errorf("the root has no directory entry of its own"), ErrIsDir)
	}

	for i, name := range components {
		found, err := fs.searchDir(parent, name)
		if err != nil {
			if i < len(components)-1 {
				return dirEntry{}, invalidParentDir, err
			}
			return dirEntry{}, parent, err
		}

		if i == len(components)-1 {
			return found, parent, nil
		}

		if found.header.Attribute&AttrDirectory == 0 {
			return dirEntry{}, invalidParentDir, checkpoint.Wrap(fmt.Errorf("%q is not a directory", name), ErrIsDir)
		}

		parent = fatEntry(uint32(found.header.FirstClusterHI)<<16 | uint32(found.header.FirstClusterLO))
	}

	return dirEntry{}, parent, checkpoint.Wrap(fmt.Errorf("empty path"), ErrNoSuchFile)
}

// addDirEntry scans dirCluster for the first free-or-last slot and writes
// a new short entry into it, per the directory component's add operation.
// Long-filename fragments are intentionally never written (read-only LFN
// support); if name needs more than one 13-character fragment the short
// entry alone is still written, and the caller is expected to have logged
// a diagnostic (see fragmentCount).
func (fs *Fs) addDirEntry(dirCluster fatEntry, header EntryHeader) (dirSlotLocator, error) {
	it, err := fs.newDirIter(dirCluster)
	if err != nil {
		return dirSlotLocator{}, err
	}

	for {
		if it.isLast() || it.isDeleted() {
			buf := new(bytes.Buffer)
			if err := binary.Write(buf, binary.LittleEndian, &header); err != nil {
				return dirSlotLocator{}, err
			}
			copy(it.slotBytes(), buf.Bytes())
			fs.cache.markDirty()
			loc := it.locator()
			return loc, fs.cache.flush()
		}

		if err := it.next(); err != nil {
			return dirSlotLocator{}, checkpoint.Wrap(err, ErrReadDir)
		}
	}
}

// markSlotDeleted rewrites the first byte of the slot at loc to the
// deleted marker.
func (fs *Fs) markSlotDeleted(loc dirSlotLocator) error {
	if err := fs.cache.fetch(loc.sector); err != nil {
		return err
	}
	fs.cache.buffer[loc.offset] = entryDeletedMarker
	fs.cache.markDirty()
	return fs.cache.flush()
}

// markPrecedingLFNDeleted re-scans dirCluster looking for the slot at loc
// and marks every long-filename fragment immediately preceding it (in
// on-disk order) as deleted, together with the short slot itself, per the
// unlink operation.
func (fs *Fs) markPrecedingLFNDeleted(dirCluster fatEntry, loc dirSlotLocator) error {
	it, err := fs.newDirIter(dirCluster)
	if err != nil {
		return err
	}

	var pendingLFN []dirSlotLocator

	for {
		if it.isLast() {
			return fs.markSlotDeleted(loc)
		}

		cur := it.locator()
		raw := it.slotBytes()

		if !it.isDeleted() && raw[11] == AttrLongName {
			pendingLFN = append(pendingLFN, cur)
			if err := it.next(); err != nil {
				return checkpoint.Wrap(err, ErrReadDir)
			}
			continue
		}

		if cur == loc {
			for _, l := range pendingLFN {
				if err := fs.markSlotDeleted(l); err != nil {
					return err
				}
			}
			return fs.markSlotDeleted(loc)
		}

		pendingLFN = pendingLFN[:0]
		if err := it.next(); err != nil {
			return checkpoint.Wrap(err, ErrReadDir)
		}
	}
}

// fragmentCount returns how many 32-byte long-filename slots name would
// need, mirroring the original engine's filename-entries helper. Used
// only to decide whether create should log a diagnostic about the
// short-entry-only limitation; the fragments themselves are never written.
func fragmentCount(name string) int {
	n := len([]rune(name))
	if n == 0 {
		return 0
	}
	return (n + 12) / 13
}

// RawSlotInfo is one 32-byte directory slot as found on disk, exposed
// verbatim for diagnostics - including deleted and long-filename fragment
// slots that normal path resolution skips over.
type RawSlotInfo struct {
	Locator   dirSlotLocator
	Deleted   bool
	LongName  bool
	ShortName string
	Attribute byte
}

// DebugDumpDir enumerates every slot of the directory at path, including
// deleted and long-filename fragment slots, for diagnostics. It never
// participates in path resolution.
func (fs *Fs) DebugDumpDir(path string) ([]RawSlotInfo, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	dirCluster := fs.info.RootDirCluster
	if path != "" && path != "/" {
		found, _, err := fs.resolve(path)
		if err != nil {
			return nil, err
		}
		if found.header.Attribute&AttrDirectory == 0 {
			return nil, checkpoint.Wrap(fmt.Errorf("%q is not a directory", path), ErrIsDir)
		}
		dirCluster = fatEntry(uint32(found.header.FirstClusterHI)<<16 | uint32(found.header.FirstClusterLO))
	}

	it, err := fs.newDirIter(dirCluster)
	if err != nil {
		return nil, err
	}

	var result []RawSlotInfo
	for {
		if it.isLast() {
			fs.logger.Debug("directory dump reached the terminating free slot", slog.Int("slots", len(result)))
			return result, nil
		}

		raw := it.slotBytes()
		slot := RawSlotInfo{
			Locator:   it.locator(),
			Deleted:   it.isDeleted(),
			Attribute: raw[11],
			LongName:  raw[11] == AttrLongName,
		}

		if !slot.Deleted && !slot.LongName {
			header, err := it.entry()
			if err != nil {
				return result, err
			}
			slot.ShortName = shortDisplayName(header.Name)
		}

		result = append(result, slot)

		if err := it.next(); err != nil {
			if err == io.EOF {
				return result, nil
			}
			return result, checkpoint.Wrap(err, ErrReadDir)
		}
	}
}

// patchEntrySize rewrites the FileSize field of the short entry at loc,
// used by write and truncate to keep the directory entry's recorded size
// in sync with the file's actual length.
func (fs *Fs) patchEntrySize(loc dirSlotLocator, size uint32) error {
	if err := fs.cache.fetch(loc.sector); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(fs.cache.buffer[loc.offset+28:], size)
	fs.cache.markDirty()
	return fs.cache.flush()
}
