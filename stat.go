package gofat

import (
	"os"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

func (h ExtendedEntryHeader) FileInfo() os.FileInfo {
	return entryHeaderFileInfo{h}
}

type entryHeaderFileInfo struct {
	entry ExtendedEntryHeader
}

func (e entryHeaderFileInfo) Name() string {
	if e.entry.ExtendedName != "" {
		return e.entry.ExtendedName
	}

	nameBytes := e.entry.Name
	if nameBytes[0] == entryE5LiteralEscape {
		nameBytes[0] = entryDeletedMarker
	}

	base := strings.TrimRight(decodeOEM(nameBytes[:8]), " ")
	ext := strings.TrimRight(decodeOEM(nameBytes[8:11]), " ")

	if ext == "" {
		return base
	}
	return base + "." + ext
}

// decodeOEM reinterprets a short entry's raw name bytes as IBM codepage
// 437, the encoding the FAT specification assumes for bytes above 0x7F in
// the 8.3 name field. A byte sequence that fails to decode is returned as
// the raw bytes converted directly to a string instead, which is a no-op
// for the plain-ASCII names this engine itself writes.
func decodeOEM(raw []byte) string {
	decoded, err := charmap.CodePage437.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}

func (e entryHeaderFileInfo) Size() int64 {
	return int64(e.entry.FileSize)
}

func (e entryHeaderFileInfo) Mode() os.FileMode {
	if e.IsDir() {
		return os.ModeDir
	}
	return 0
}

func (e entryHeaderFileInfo) ModTime() time.Time {
	writeDate := ParseDate(e.entry.WriteDate)
	writeTime := ParseTime(e.entry.WriteTime)

	// If the date IsZero() it contained any invalid value in which case we return time.Time{}.
	// For writeTime we cannot do that because writeTime.IsZero() is perfectly valid.
	if writeDate.IsZero() {
		return time.Time{}
	}

	return time.Date(writeDate.Year(), writeDate.Month(), writeDate.Day(), writeTime.Hour(), writeTime.Minute(), writeTime.Second(), 0, time.UTC)
}

func (e entryHeaderFileInfo) IsDir() bool {
	return e.entry.Attribute&0x10 == 0x10
}

func (e entryHeaderFileInfo) Sys() interface{} {
	return e.entry
}

// rootDirFileInfo stands in for the volume's root directory, which has no
// 32-byte entry of its own to read a name, size or timestamp from.
type rootDirFileInfo struct{}

func (rootDirFileInfo) Name() string       { return "." }
func (rootDirFileInfo) Size() int64        { return 0 }
func (rootDirFileInfo) Mode() os.FileMode  { return os.ModeDir }
func (rootDirFileInfo) ModTime() time.Time { return time.Time{} }
func (rootDirFileInfo) IsDir() bool        { return true }
func (rootDirFileInfo) Sys() interface{}   { return nil }
