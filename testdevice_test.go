package gofat

import (
	"encoding/binary"
	"io"
)

// memDevice is a growable, in-memory BlockDevice used by tests instead of a
// real file, so test volumes never touch disk.
type memDevice struct {
	data []byte
}

func newMemDevice(data []byte) *memDevice {
	return &memDevice{data: data}
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(d.data)) {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	n := copy(d.data[off:], p)
	return n, nil
}

// countingDevice wraps a BlockDevice and counts ReadAt calls, used to check
// that the sector cache coalesces repeated fetches of the same sector into
// a single device read.
type countingDevice struct {
	BlockDevice
	reads int
}

func (d *countingDevice) ReadAt(p []byte, off int64) (int, error) {
	d.reads++
	return d.BlockDevice.ReadAt(p, off)
}

// fat16Image describes the layout constants used by buildFAT16Image, kept
// around so tests can compute expected sector/cluster numbers without
// hardcoding them twice.
type fat16Image struct {
	partitionStart    uint32
	reservedSectors   uint16
	numFATs           uint8
	fatSectors        uint16
	rootEntries       uint16
	sectorsPerCluster uint8
	numClusters       uint32
}

var testFAT16Layout = fat16Image{
	partitionStart:    1,
	reservedSectors:   1,
	numFATs:           1,
	fatSectors:        1,
	rootEntries:       16,
	sectorsPerCluster: 1,
	numClusters:       32,
}

// buildFAT16Image constructs a minimal, valid FAT16 volume image in memory:
// one MBR, one boot sector, a single-sector FAT, a one-sector root
// directory and 32 free data clusters.
func buildFAT16Image() []byte {
	l := testFAT16Layout

	rootDirSectors := uint32(l.rootEntries)*32/512
	firstFATSector := uint32(l.reservedSectors) + l.partitionStart
	firstDirSector := uint32(l.reservedSectors) + uint32(l.numFATs)*uint32(l.fatSectors) + l.partitionStart
	firstDataSector := firstDirSector + rootDirSectors
	totalSectors := firstDataSector + l.numClusters*uint32(l.sectorsPerCluster)

	img := make([]byte, int(totalSectors)*512)

	img[446+4] = partTypeFAT16
	binary.LittleEndian.PutUint32(img[446+8:], l.partitionStart)
	binary.LittleEndian.PutUint32(img[446+12:], totalSectors-l.partitionStart)
	img[510] = 0x55
	img[511] = 0xAA

	boot := img[int(l.partitionStart)*512:]
	boot[0], boot[1], boot[2] = 0xEB, 0x3C, 0x90
	copy(boot[3:11], []byte("MSWIN4.1"))
	binary.LittleEndian.PutUint16(boot[11:], 512)
	boot[13] = l.sectorsPerCluster
	binary.LittleEndian.PutUint16(boot[14:], l.reservedSectors)
	boot[16] = l.numFATs
	binary.LittleEndian.PutUint16(boot[17:], l.rootEntries)
	binary.LittleEndian.PutUint16(boot[19:], uint16(totalSectors))
	boot[21] = 0xF8
	binary.LittleEndian.PutUint16(boot[22:], l.fatSectors)
	binary.LittleEndian.PutUint32(boot[28:], l.partitionStart)

	fat16Specific := boot[36:]
	fat16Specific[2] = 0x29
	binary.LittleEndian.PutUint32(fat16Specific[3:], 0x12345678)
	copy(fat16Specific[7:18], []byte("TESTVOL    "))
	copy(fat16Specific[18:26], []byte("FAT16   "))
	boot[510] = 0x55
	boot[511] = 0xAA

	fat := img[firstFATSector*512:]
	binary.LittleEndian.PutUint16(fat[0:], 0xFFF8)
	binary.LittleEndian.PutUint16(fat[2:], 0xFFFF)

	return img
}

// fat32Image mirrors fat16Image for the FAT32 layout buildFAT32Image
// produces: 8-sector clusters, a one-sector FAT, and a single-cluster root
// directory.
type fat32Image struct {
	partitionStart    uint32
	reservedSectors   uint16
	numFATs           uint8
	fatSectors        uint32
	sectorsPerCluster uint8
	numClusters       uint32
	rootCluster       uint32
}

var testFAT32Layout = fat32Image{
	partitionStart:    1,
	reservedSectors:   32,
	numFATs:           1,
	fatSectors:        1,
	sectorsPerCluster: 8,
	numClusters:       40,
	rootCluster:       2,
}

// buildFAT32Image constructs a minimal, valid FAT32 volume image: one MBR,
// one boot sector, a single-sector FAT and a single-cluster root
// directory, matching the layout the golden-path create/write/read
// scenario describes.
func buildFAT32Image() []byte {
	l := testFAT32Layout

	firstFATSector := uint32(l.reservedSectors) + l.partitionStart
	firstDataSector := uint32(l.reservedSectors) + uint32(l.numFATs)*l.fatSectors + l.partitionStart
	totalSectors := firstDataSector + l.numClusters*uint32(l.sectorsPerCluster)

	img := make([]byte, int(totalSectors)*512)

	img[446+4] = partTypeFAT32
	binary.LittleEndian.PutUint32(img[446+8:], l.partitionStart)
	binary.LittleEndian.PutUint32(img[446+12:], totalSectors-l.partitionStart)
	img[510] = 0x55
	img[511] = 0xAA

	boot := img[int(l.partitionStart)*512:]
	boot[0], boot[1], boot[2] = 0xEB, 0x3C, 0x90
	copy(boot[3:11], []byte("MSWIN4.1"))
	binary.LittleEndian.PutUint16(boot[11:], 512)
	boot[13] = l.sectorsPerCluster
	binary.LittleEndian.PutUint16(boot[14:], l.reservedSectors)
	boot[16] = l.numFATs
	binary.LittleEndian.PutUint16(boot[17:], 0)
	binary.LittleEndian.PutUint16(boot[19:], 0)
	boot[21] = 0xF8
	binary.LittleEndian.PutUint16(boot[22:], 0)
	binary.LittleEndian.PutUint32(boot[28:], l.partitionStart)
	binary.LittleEndian.PutUint32(boot[32:], totalSectors)

	fat32Specific := boot[36:]
	binary.LittleEndian.PutUint32(fat32Specific[0:], l.fatSectors)
	binary.LittleEndian.PutUint32(fat32Specific[8:], l.rootCluster)
	fat32Specific[30] = 0x29
	binary.LittleEndian.PutUint32(fat32Specific[31:], 0x87654321)
	copy(fat32Specific[35:46], []byte("TESTVOL32  "))
	copy(fat32Specific[46:54], []byte("FAT32   "))
	boot[510] = 0x55
	boot[511] = 0xAA

	fat := img[firstFATSector*512:]
	binary.LittleEndian.PutUint32(fat[0:], 0x0FFFFFF8)
	binary.LittleEndian.PutUint32(fat[4:], 0x0FFFFFFF)
	binary.LittleEndian.PutUint32(fat[8:], 0x0FFFFFFF) // root cluster (2): end of chain

	return img
}
