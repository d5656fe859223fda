package gofat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/embedfat/gofat/checkpoint"
)

// fatEntry is a single cluster-chain entry, canonicalized to its 32-bit
// form regardless of whether the mounted volume is FAT16 or FAT32.
type fatEntry uint32

func (e fatEntry) Value() uint32 {
	return uint32(e)
}

// IsFree reports whether the cluster this entry describes is unallocated.
func (e fatEntry) IsFree() bool {
	return e == clustFree
}

// IsReservedTemp reports whether this is cluster 1, which the FAT
// specification reserves and never hands out.
func (e fatEntry) IsReservedTemp() bool {
	return e == 1
}

// IsNextCluster reports whether this entry is a legal pointer to another
// data cluster, i.e. whether a chain walk should follow it.
func (e fatEntry) IsNextCluster() bool {
	return e >= clustFirst && e < clustReservedBand
}

// IsReservedSometimes reports whether this entry falls in the range some
// FAT implementations use for implementation-defined markers.
func (e fatEntry) IsReservedSometimes() bool {
	return e >= clustReservedBand && e < clustRsrvd
}

// IsReserved reports whether this is the single reserved sentinel value.
func (e fatEntry) IsReserved() bool {
	return e == clustRsrvd
}

// IsBad reports whether this entry marks its cluster as bad.
func (e fatEntry) IsBad() bool {
	return e == clustBad
}

// IsEOF reports whether this entry is (or was normalized to) the
// canonical end-of-chain sentinel range.
func (e fatEntry) IsEOF() bool {
	return e >= clustEOFS
}

// ReadAsNextCluster reports whether a chain walker should follow this
// entry as a pointer to another cluster.
func (e fatEntry) ReadAsNextCluster() bool {
	return e.IsNextCluster()
}

// ReadAsEOF reports whether a chain walker should treat this entry as
// end-of-chain - true for the canonical EOF range and, defensively, for
// every value that is not a legal next-cluster pointer (free, reserved or
// bad entries found mid-chain indicate a corrupt FAT rather than a
// deliberate short chain).
func (e fatEntry) ReadAsEOF() bool {
	return !e.IsNextCluster()
}

// Info holds every layout constant derived from the MBR and BPB at mount
// time.
type Info struct {
	FSType            FATType
	BytesPerSector    uint16
	SectorsPerCluster uint8
	BytesPerCluster   uint32
	ReservedSectors   uint16
	NumFATs           uint8
	FirstFATSector    uint32
	NumFATSectors     uint32
	FirstDataSector   uint32
	FirstDirSector    uint32
	RootDirSectors    uint32
	RootDirCluster    fatEntry
	NumClusters       uint32
	PartitionStart    uint32
	Label             string
	VolumeID          uint32
}

// sectorCache is the single-slot write-back cache described by the
// engine's sector cache component: at most one sector is held in memory at
// a time, and switching to a different sector flushes a dirty buffer
// first.
type sectorCache struct {
	device  BlockDevice
	size    uint16
	buffer  []byte
	current uint32
	valid   bool
	dirty   bool
}

func newSectorCache(device BlockDevice, size uint16) *sectorCache {
	return &sectorCache{
		device: device,
		size:   size,
		buffer: make([]byte, size),
	}
}

// fetch loads sector into the cache's buffer, flushing any dirty buffer
// belonging to a different sector first. Calling fetch with the
// already-cached sector is a no-op.
func (c *sectorCache) fetch(sector uint32) error {
	if c.valid && c.current == sector {
		return nil
	}

	if c.dirty {
		if err := c.flush(); err != nil {
			return err
		}
	}

	n, err := c.device.ReadAt(c.buffer, int64(sector)*int64(c.size))
	if err != nil {
		return checkpoint.Wrap(err, ErrDeviceError)
	}
	if n != len(c.buffer) {
		return checkpoint.Wrap(io.ErrUnexpectedEOF, ErrDeviceError)
	}

	c.current = sector
	c.valid = true
	return nil
}

// markDirty flags the currently cached buffer as modified in place by the
// caller; it is pushed to the device on the next flush or fetch of a
// different sector.
func (c *sectorCache) markDirty() {
	c.dirty = true
}

func (c *sectorCache) flush() error {
	if !c.dirty {
		return nil
	}

	_, err := c.device.WriteAt(c.buffer, int64(c.current)*int64(c.size))
	if err != nil {
		return checkpoint.Wrap(err, ErrDeviceError)
	}

	c.dirty = false
	return nil
}

// Fs is a mounted FAT16/FAT32 volume. It implements afero.Fs.
type Fs struct {
	lock sync.Mutex

	device BlockDevice
	info   Info
	cache  *sectorCache
	logger *slog.Logger

	skipChecks bool
}

// Option configures a Fs at construction time.
type Option func(*Fs)

// WithLogger overrides the default slog.Logger used for mount and
// chain-corruption diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(fs *Fs) {
		fs.logger = logger
	}
}

// New mounts a FAT16 or FAT32 volume from device, validating the MBR and
// BPB before accepting it.
func New(device BlockDevice, opts ...Option) (*Fs, error) {
	return newFs(device, false, opts)
}

// NewSkipChecks mounts a volume like New but skips several of the BPB
// sanity checks, which may allow mounting a non-standard but otherwise
// readable volume. Use with caution.
func NewSkipChecks(device BlockDevice, opts ...Option) (*Fs, error) {
	return newFs(device, true, opts)
}

func newFs(device BlockDevice, skipChecks bool, opts []Option) (*Fs, error) {
	fs := &Fs{
		device:     device,
		logger:     slog.Default(),
		skipChecks: skipChecks,
	}
	for _, opt := range opts {
		opt(fs)
	}

	if err := fs.mount(); err != nil {
		return nil, err
	}

	return fs, nil
}

// mount implements the MBR/BPB parse described by the engine's mount
// component.
func (fs *Fs) mount() error {
	mbr := make([]byte, 512)
	n, err := fs.device.ReadAt(mbr, 0)
	if err != nil || n != len(mbr) {
		return checkpoint.Wrap(err, ErrDeviceError)
	}

	// A bare boot sector (no partition table) is refused; only
	// partitioned media is supported.
	if mbr[0] == 0xE9 || mbr[0] == 0xEB {
		return checkpoint.Wrap(fmt.Errorf("sector 0 is a boot sector, not an MBR"), ErrBadVolume)
	}

	var part partRecord
	if err := binary.Read(bytes.NewReader(mbr[446:462]), binary.LittleEndian, &part); err != nil {
		return checkpoint.Wrap(err, ErrBadVolume)
	}

	var fsType FATType
	switch part.Type {
	case partTypeFAT16, partTypeFAT16LBA:
		fsType = FAT16
	case partTypeFAT32, partTypeFAT32LBA:
		fsType = FAT32
	default:
		return checkpoint.Wrap(fmt.Errorf("unrecognized partition type 0x%02X", part.Type), ErrBadVolume)
	}

	partitionStart := part.StartLBA

	bootSector := make([]byte, 512)
	n, err = fs.device.ReadAt(bootSector, int64(partitionStart)*512)
	if err != nil || n != len(bootSector) {
		return checkpoint.Wrap(err, ErrDeviceError)
	}

	var bpb BPB
	if err := binary.Read(bytes.NewReader(bootSector), binary.LittleEndian, &bpb); err != nil {
		return checkpoint.Wrap(err, ErrBadVolume)
	}

	if !fs.skipChecks {
		if !(bpb.BSJumpBoot[0] == 0xEB && bpb.BSJumpBoot[2] == 0x90) && bpb.BSJumpBoot[0] != 0xE9 {
			return checkpoint.Wrap(fmt.Errorf("no valid jump instruction at start of boot sector"), ErrBadVolume)
		}

		switch bpb.BytesPerSector {
		case 512, 1024, 2048, 4096:
		default:
			return checkpoint.Wrap(fmt.Errorf("invalid bytes per sector: %d", bpb.BytesPerSector), ErrBadVolume)
		}

		if bpb.SectorsPerCluster == 0 || (bpb.SectorsPerCluster&(bpb.SectorsPerCluster-1)) != 0 ||
			uint32(bpb.BytesPerSector)*uint32(bpb.SectorsPerCluster) > 32*1024 {
			return checkpoint.Wrap(fmt.Errorf("invalid sectors per cluster: %d", bpb.SectorsPerCluster), ErrBadVolume)
		}

		if bpb.ReservedSectorCount == 0 {
			return checkpoint.Wrap(fmt.Errorf("invalid reserved sector count"), ErrBadVolume)
		}

		if bpb.NumFATs == 0 {
			return checkpoint.Wrap(fmt.Errorf("invalid number of FATs"), ErrBadVolume)
		}
	}

	var numFATSectors uint32
	var rootCluster fatEntry
	var label string
	var volumeID uint32

	if fsType == FAT32 {
		var fat32 FAT32SpecificData
		if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:]), binary.LittleEndian, &fat32); err != nil {
			return checkpoint.Wrap(err, ErrBadVolume)
		}
		numFATSectors = fat32.FatSize
		rootCluster = fat32.RootCluster
		label = trimLabel(fat32.BSVolumeLabel)
		volumeID = fat32.BSVolumeID
	} else {
		var fat16 FAT16SpecificData
		if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:26]), binary.LittleEndian, &fat16); err != nil {
			return checkpoint.Wrap(err, ErrBadVolume)
		}
		numFATSectors = uint32(bpb.FATSize16)
		label = trimLabel(fat16.BSVolumeLabel)
		volumeID = fat16.BSVolumeId
	}

	rootDirSectors := uint32(0)
	if fsType == FAT16 {
		rootDirSectors = (uint32(bpb.RootEntryCount)*32 + uint32(bpb.BytesPerSector) - 1) / uint32(bpb.BytesPerSector)
	}

	firstDataSector := uint32(bpb.ReservedSectorCount) + uint32(bpb.NumFATs)*numFATSectors + rootDirSectors + partitionStart
	firstFATSector := uint32(bpb.ReservedSectorCount) + partitionStart
	firstDirSector := uint32(bpb.ReservedSectorCount) + uint32(bpb.NumFATs)*uint32(bpb.FATSize16) + partitionStart

	totalSectors := uint32(bpb.TotalSectors16)
	if totalSectors == 0 {
		totalSectors = bpb.TotalSectors32
	}

	bytesPerCluster := uint32(bpb.BytesPerSector) * uint32(bpb.SectorsPerCluster)
	if bytesPerCluster == 0 || bpb.BytesPerSector == 0 {
		return checkpoint.Wrap(fmt.Errorf("degenerate cluster size"), ErrBadVolume)
	}

	numClusters := uint32(0)
	if totalSectors > firstDataSector {
		numClusters = (totalSectors - firstDataSector) / uint32(bpb.SectorsPerCluster)
	}

	fs.info = Info{
		FSType:            fsType,
		BytesPerSector:    bpb.BytesPerSector,
		SectorsPerCluster: bpb.SectorsPerCluster,
		BytesPerCluster:   bytesPerCluster,
		ReservedSectors:   bpb.ReservedSectorCount,
		NumFATs:           bpb.NumFATs,
		FirstFATSector:    firstFATSector,
		NumFATSectors:     numFATSectors,
		FirstDataSector:   firstDataSector,
		FirstDirSector:    firstDirSector,
		RootDirSectors:    rootDirSectors,
		RootDirCluster:    rootCluster,
		NumClusters:       numClusters,
		PartitionStart:    partitionStart,
		Label:             label,
		VolumeID:          volumeID,
	}

	fs.cache = newSectorCache(fs.device, bpb.BytesPerSector)

	return nil
}

func trimLabel(raw [11]byte) string {
	end := len(raw)
	for end > 0 && raw[end-1] == ' ' {
		end--
	}
	return string(raw[:end])
}

// Label returns the mounted volume's label.
func (fs *Fs) Label() string {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.info.Label
}

// FSType returns whether the mounted volume is FAT16 or FAT32.
func (fs *Fs) FSType() FATType {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.info.FSType
}

// entryWidth is the on-disk size, in bytes, of one FAT entry.
func (fs *Fs) entryWidth() uint32 {
	if fs.info.FSType == FAT32 {
		return 4
	}
	return 2
}

func (fs *Fs) entryMask() uint32 {
	if fs.info.FSType == FAT32 {
		return fat32Mask
	}
	return fat16Mask
}

// fat16ReservedStart is the first value of FAT16's native 16-bit reserved
// band, which widen/narrow linearly map onto clustReservedBand upward.
const fat16ReservedStart uint32 = 0xFFF0

// widen maps a raw, masked, variant-native FAT value onto its canonical
// 28-bit range so that fatEntry's predicate methods behave the same
// regardless of the mounted variant. FAT32's native range already is the
// canonical one; FAT16's native reserved band ([0xFFF0, 0xFFFF]) is shifted
// up onto clustReservedBand's, preserving its internal offsets.
func widen(fsType FATType, raw uint32) fatEntry {
	if fsType == FAT32 || raw < fat16ReservedStart {
		return fatEntry(raw)
	}
	return clustReservedBand + fatEntry(raw-fat16ReservedStart)
}

// narrow is the inverse of widen: it maps a canonical fatEntry value back
// onto the bit pattern that belongs on disk for the mounted variant.
func narrow(fsType FATType, e fatEntry) uint32 {
	if fsType == FAT32 {
		return uint32(e) & fat32Mask
	}
	if e < clustReservedBand {
		return uint32(e) & fat16Mask
	}
	return fat16ReservedStart + uint32(e-clustReservedBand)
}

// entryGet implements the FAT table's Get entry operation.
func (fs *Fs) entryGet(cluster fatEntry) (fatEntry, error) {
	offset := uint32(cluster) * fs.entryWidth()
	sector := fs.info.FirstFATSector + offset/uint32(fs.info.BytesPerSector)
	byteOffset := offset % uint32(fs.info.BytesPerSector)

	if err := fs.cache.fetch(sector); err != nil {
		return 0, err
	}

	var raw uint32
	if fs.info.FSType == FAT32 {
		raw = binary.LittleEndian.Uint32(fs.cache.buffer[byteOffset:]) & fat32Mask
	} else {
		raw = uint32(binary.LittleEndian.Uint16(fs.cache.buffer[byteOffset:])) & fat16Mask
	}

	return widen(fs.info.FSType, raw), nil
}

// entryGetChecked is the corruption-defensive variant of entryGet: any
// entry that cannot be followed as a next-cluster pointer is normalized to
// the canonical end-of-chain sentinel, and those that are not already an
// end-of-chain marker (free, reserved or bad entries) are also logged.
func (fs *Fs) entryGetChecked(cluster fatEntry) (fatEntry, error) {
	e, err := fs.entryGet(cluster)
	if err != nil {
		return 0, err
	}

	if e.ReadAsEOF() {
		if !e.IsEOF() {
			fs.logger.Warn("fat entry is not a valid next-cluster pointer, treating as end of chain",
				slog.Uint64("cluster", uint64(cluster)), slog.Uint64("value", uint64(e)))
		}
		return clustEOFE, nil
	}

	return e, nil
}

// entrySet implements the FAT table's Set entry operation.
func (fs *Fs) entrySet(cluster fatEntry, value fatEntry) error {
	offset := uint32(cluster) * fs.entryWidth()
	sector := fs.info.FirstFATSector + offset/uint32(fs.info.BytesPerSector)
	byteOffset := offset % uint32(fs.info.BytesPerSector)

	if err := fs.cache.fetch(sector); err != nil {
		return err
	}

	raw := narrow(fs.info.FSType, value)
	if fs.info.FSType == FAT32 {
		binary.LittleEndian.PutUint32(fs.cache.buffer[byteOffset:], raw)
	} else {
		binary.LittleEndian.PutUint16(fs.cache.buffer[byteOffset:], uint16(raw))
	}
	fs.cache.markDirty()

	return nil
}

// findFree implements the FAT table's linear find-free scan, starting at
// start and wrapping never - callers that need to resume scanning pass the
// last allocated cluster plus one.
func (fs *Fs) findFree(start fatEntry) (fatEntry, error) {
	if start < clustFirst {
		start = clustFirst
	}

	for c := start; c < fatEntry(fs.info.NumClusters)+clustFirst; c++ {
		e, err := fs.entryGet(c)
		if err != nil {
			return 0, err
		}
		if e.IsFree() {
			return c, nil
		}
	}

	return 0, nil
}

// appendChain overwrites last's entry with next, extending a chain whose
// final link was previously last. The caller must have already marked
// next end-of-chain.
func (fs *Fs) appendChain(last, next fatEntry) error {
	return fs.entrySet(last, next)
}

// allocateClusters implements the FAT table's allocate-n-clusters
// operation: it allocates enough clusters for size bytes (at least one,
// even for size == 0) and returns the first cluster of the new chain.
func (fs *Fs) allocateClusters(size int64) (fatEntry, error) {
	n := (size + int64(fs.info.BytesPerCluster) - 1) / int64(fs.info.BytesPerCluster)
	if n < 1 {
		n = 1
	}

	var first, prev fatEntry
	search := clustFirst

	for i := int64(0); i < n; i++ {
		free, err := fs.findFree(search)
		if err != nil {
			return 0, err
		}
		if free == 0 {
			return 0, checkpoint.Wrap(fmt.Errorf("FAT exhausted after allocating %d of %d clusters", i, n), ErrOutOfSpace)
		}

		if err := fs.entrySet(free, clustEOFE); err != nil {
			return 0, err
		}

		if prev != 0 {
			if err := fs.appendChain(prev, free); err != nil {
				return 0, err
			}
		} else {
			first = free
		}

		prev = free
		search = free + 1
	}

	return first, nil
}

// freeChain implements the FAT table's free-chain walk: every link from
// start to end-of-chain is cleared to free.
func (fs *Fs) freeChain(start fatEntry) error {
	cur := start
	for cur.IsNextCluster() {
		next, err := fs.entryGetChecked(cur)
		if err != nil {
			return err
		}
		if err := fs.entrySet(cur, clustFree); err != nil {
			return err
		}
		if !next.IsNextCluster() {
			break
		}
		cur = next
	}
	return fs.cache.flush()
}

// clusterToSector implements the cluster-to-sector component. Cluster
// zero denotes the FAT16 root directory region rather than a real
// cluster.
func (fs *Fs) clusterToSector(cluster fatEntry) uint32 {
	if cluster == 0 {
		return fs.info.FirstDirSector
	}
	return fs.info.FirstDataSector + uint32(cluster-clustFirst)*uint32(fs.info.SectorsPerCluster)
}

// dirSectors is the number of sectors occupied by one chunk of a
// directory rooted at cluster.
func (fs *Fs) dirSectors(cluster fatEntry) uint32 {
	if fs.info.FSType == FAT16 && cluster == 0 {
		return fs.info.RootDirSectors
	}
	return uint32(fs.info.SectorsPerCluster)
}

// Stats reports the filesystem-wide cluster accounting described by the
// engine's stats operation, computed with a single linear FAT scan.
type Stats struct {
	TotalClusters   uint32
	FreeClusters    uint32
	AllocClusters   uint32
	BytesPerCluster uint32
}

func (fs *Fs) Stats() (Stats, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	stats := Stats{
		TotalClusters:   fs.info.NumClusters,
		BytesPerCluster: fs.info.BytesPerCluster,
	}

	for c := clustFirst; c < fatEntry(fs.info.NumClusters)+clustFirst; c++ {
		e, err := fs.entryGet(c)
		if err != nil {
			return Stats{}, err
		}
		if e.IsFree() {
			stats.FreeClusters++
		} else {
			stats.AllocClusters++
		}
	}

	return stats, nil
}

// --- afero.Fs ---

func (fs *Fs) Create(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0)
}

func (fs *Fs) Mkdir(name string, perm os.FileMode) error {
	return checkpoint.Wrap(fmt.Errorf("directory creation is not supported"), ErrInvalidMode)
}

func (fs *Fs) MkdirAll(path string, perm os.FileMode) error {
	return checkpoint.Wrap(fmt.Errorf("directory creation is not supported"), ErrInvalidMode)
}

func (fs *Fs) Open(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.openFile(name, flag)
}

func (fs *Fs) Remove(name string) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	return fs.unlink(name)
}

func (fs *Fs) RemoveAll(path string) error {
	return fs.Remove(path)
}

func (fs *Fs) Rename(oldname, newname string) error {
	return checkpoint.Wrap(fmt.Errorf("rename is not supported"), ErrInvalidMode)
}

func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if name == "." || len(splitPath(name)) == 0 {
		return rootDirFileInfo{}, nil
	}

	entry, _, err := fs.resolve(name)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrNoSuchFile)
	}

	return entry.header.FileInfo(), nil
}

func (fs *Fs) Name() string {
	return fs.Label()
}

func (fs *Fs) Chmod(name string, mode os.FileMode) error {
	return checkpoint.Wrap(fmt.Errorf("permission bits are not supported"), syscall.ENOTSUP)
}

func (fs *Fs) Chown(name string, uid, gid int) error {
	return checkpoint.Wrap(fmt.Errorf("ownership is not supported"), syscall.ENOTSUP)
}

func (fs *Fs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return checkpoint.Wrap(fmt.Errorf("explicit timestamps are not supported"), syscall.ENOTSUP)
}
