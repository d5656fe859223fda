package gofat

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/golang/mock/gomock"
)

func testHeader(name [11]byte, size uint32, attr byte) ExtendedEntryHeader {
	return ExtendedEntryHeader{EntryHeader: EntryHeader{
		Name:      name,
		Attribute: attr,
		FileSize:  size,
	}}
}

func TestFile_Close(t *testing.T) {
	f := &File{
		fs:           &MockfatFileFs{},
		path:         "/hi.txt",
		writable:     true,
		firstCluster: 2,
		stat:         testHeader([11]byte{'H', 'I', ' ', ' ', ' ', ' ', ' ', ' ', 'T', 'X', 'T'}, 0, 0).FileInfo(),
		offset:       4,
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if f.fs != nil || f.path != "" || f.writable || f.firstCluster != 0 || f.stat != nil || f.offset != 0 {
		t.Errorf("Close() did not reset all fields: %+v", f)
	}
}

func TestFile_Read(t *testing.T) {
	tests := []struct {
		name     string
		fileSize int64
		offset   int64
		bufLen   int
		mockData []byte
		mockErr  error
		wantN    int
		wantErr  error
	}{
		{name: "reads available bytes", fileSize: 5, offset: 0, bufLen: 5, mockData: []byte("hello"), wantN: 5},
		{name: "offset at end returns EOF", fileSize: 5, offset: 5, bufLen: 5, wantN: 0, wantErr: io.EOF},
		{name: "propagates device error", fileSize: 5, offset: 0, bufLen: 5, mockErr: ErrDeviceError, wantErr: ErrReadFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockCtrl := gomock.NewController(t)
			mockFs := NewMockfatFileFs(mockCtrl)

			f := &File{
				fs:           mockFs,
				firstCluster: 2,
				stat:         testHeader([11]byte{}, uint32(tt.fileSize), 0).FileInfo(),
				offset:       tt.offset,
			}

			if tt.offset < tt.fileSize {
				mockFs.EXPECT().
					readFileAt(f.firstCluster, tt.fileSize, tt.offset, int64(tt.bufLen)).
					MaxTimes(1).
					Return(tt.mockData, tt.mockErr)
			}

			buf := make([]byte, tt.bufLen)
			n, err := f.Read(buf)

			if n != tt.wantN {
				t.Errorf("Read() n = %v, want %v", n, tt.wantN)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Read() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFile_ReadAt(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	mockFs := NewMockfatFileFs(mockCtrl)

	f := &File{
		fs:           mockFs,
		firstCluster: 2,
		stat:         testHeader([11]byte{}, 5, 0).FileInfo(),
	}

	mockFs.EXPECT().readFileAt(f.firstCluster, int64(5), int64(1), int64(3)).Return([]byte("ell"), nil)

	buf := make([]byte, 3)
	n, err := f.ReadAt(buf, 1)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != 3 || string(buf) != "ell" {
		t.Errorf("ReadAt() = %q, n=%v, want %q", buf, n, "ell")
	}

	if _, err := f.ReadAt(buf, 5); !errors.Is(err, io.EOF) {
		t.Errorf("ReadAt() past end error = %v, want io.EOF", err)
	}
}

func TestFile_Seek(t *testing.T) {
	f := &File{stat: testHeader([11]byte{}, 10, 0).FileInfo(), offset: 2}

	cases := []struct {
		offset  int64
		whence  int
		want    int64
		wantErr bool
	}{
		{offset: 3, whence: io.SeekStart, want: 3},
		{offset: 2, whence: io.SeekCurrent, want: 5},
		{offset: -1, whence: io.SeekEnd, want: 9},
		{offset: -100, whence: io.SeekStart, wantErr: true},
		{offset: 100, whence: io.SeekStart, wantErr: true},
		{offset: 0, whence: 99, wantErr: true},
	}

	for _, c := range cases {
		got, err := f.Seek(c.offset, c.whence)
		if (err != nil) != c.wantErr {
			t.Errorf("Seek(%v, %v) error = %v, wantErr %v", c.offset, c.whence, err, c.wantErr)
			continue
		}
		if !c.wantErr && got != c.want {
			t.Errorf("Seek(%v, %v) = %v, want %v", c.offset, c.whence, got, c.want)
		}
	}
}

func TestFile_Write(t *testing.T) {
	t.Run("rejects read-only file", func(t *testing.T) {
		f := &File{writable: false, stat: testHeader([11]byte{}, 0, 0).FileInfo()}
		if _, err := f.Write([]byte("x")); !errors.Is(err, ErrInvalidMode) {
			t.Errorf("Write() error = %v, want ErrInvalidMode", err)
		}
	})

	t.Run("rejects directory", func(t *testing.T) {
		f := &File{writable: true, isDirectory: true, stat: testHeader([11]byte{}, 0, 0).FileInfo()}
		if _, err := f.Write([]byte("x")); !errors.Is(err, ErrIsDir) {
			t.Errorf("Write() error = %v, want ErrIsDir", err)
		}
	})

	t.Run("writes and grows size", func(t *testing.T) {
		mockCtrl := gomock.NewController(t)
		mockFs := NewMockfatFileFs(mockCtrl)

		f := &File{
			fs:           mockFs,
			writable:     true,
			firstCluster: 2,
			stat:         testHeader([11]byte{}, 0, 0).FileInfo(),
		}

		mockFs.EXPECT().writeFileAt(f.firstCluster, int64(0), []byte("hi")).Return(2, nil)
		mockFs.EXPECT().updateEntrySize(f.locator, int64(2)).Return(nil)

		n, err := f.Write([]byte("hi"))
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if n != 2 {
			t.Errorf("Write() n = %v, want 2", n)
		}
		if f.offset != 2 {
			t.Errorf("offset after Write() = %v, want 2", f.offset)
		}
		if f.stat.Size() != 2 {
			t.Errorf("stat.Size() after Write() = %v, want 2", f.stat.Size())
		}
	})

	t.Run("short write reports out of space", func(t *testing.T) {
		mockCtrl := gomock.NewController(t)
		mockFs := NewMockfatFileFs(mockCtrl)

		f := &File{fs: mockFs, writable: true, stat: testHeader([11]byte{}, 0, 0).FileInfo()}
		mockFs.EXPECT().writeFileAt(f.firstCluster, int64(0), []byte("hi")).Return(1, nil)
		mockFs.EXPECT().updateEntrySize(f.locator, int64(1)).Return(nil)

		if _, err := f.Write([]byte("hi")); !errors.Is(err, ErrOutOfSpace) {
			t.Errorf("Write() error = %v, want ErrOutOfSpace", err)
		}
	})
}

func TestFile_Truncate(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	mockFs := NewMockfatFileFs(mockCtrl)

	f := &File{
		fs:           mockFs,
		writable:     true,
		firstCluster: 2,
		stat:         testHeader([11]byte{}, 10, 0).FileInfo(),
		offset:       8,
	}

	mockFs.EXPECT().truncateFile(f.firstCluster, int64(3)).Return(int64(3), nil)
	mockFs.EXPECT().updateEntrySize(f.locator, int64(3)).Return(nil)

	if err := f.Truncate(3); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}
	if f.stat.Size() != 3 {
		t.Errorf("stat.Size() after Truncate() = %v, want 3", f.stat.Size())
	}
	if f.offset != 3 {
		t.Errorf("offset after Truncate() past it = %v, want 3", f.offset)
	}
}

func TestFile_WriteString(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	mockFs := NewMockfatFileFs(mockCtrl)

	f := &File{fs: mockFs, writable: true, stat: testHeader([11]byte{}, 0, 0).FileInfo()}
	mockFs.EXPECT().writeFileAt(f.firstCluster, int64(0), []byte("hi")).Return(2, nil)
	mockFs.EXPECT().updateEntrySize(f.locator, int64(2)).Return(nil)

	n, err := f.WriteString("hi")
	if err != nil || n != 2 {
		t.Errorf("WriteString() = %v, %v, want 2, nil", n, err)
	}
}

func TestFile_Readdir(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	mockFs := NewMockfatFileFs(mockCtrl)

	entries := []ExtendedEntryHeader{
		testHeader([11]byte{'A', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, 0, 0),
		testHeader([11]byte{'B', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, 0, 0),
	}

	f := &File{fs: mockFs, isDirectory: true, path: "/sub", firstCluster: 2}
	mockFs.EXPECT().readDir(f.firstCluster).Return(entries, nil)

	infos, err := f.Readdir(-1)
	if err != nil {
		t.Fatalf("Readdir() error = %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("Readdir() len = %v, want 2", len(infos))
	}

	f2 := &File{fs: mockFs, isDirectory: false}
	if _, err := f2.Readdir(-1); err == nil {
		t.Error("Readdir() on a non-directory should fail")
	}
}

func TestFile_Readdirnames(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	mockFs := NewMockfatFileFs(mockCtrl)

	entries := []ExtendedEntryHeader{
		testHeader([11]byte{'A', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}, 0, 0),
	}

	f := &File{fs: mockFs, isDirectory: true, path: "/sub", firstCluster: 2}
	mockFs.EXPECT().readDir(f.firstCluster).Return(entries, nil)

	names, err := f.Readdirnames(-1)
	if err != nil {
		t.Fatalf("Readdirnames() error = %v", err)
	}
	if len(names) != 1 || names[0] != "A" {
		t.Errorf("Readdirnames() = %v, want [A]", names)
	}
}

func TestFile_Readdir_root(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	mockFs := NewMockfatFileFs(mockCtrl)

	mockFs.EXPECT().readRoot().Return(nil, nil)

	f := &File{fs: mockFs, isDirectory: true, path: ""}
	if _, err := f.Readdir(-1); err != nil {
		t.Fatalf("Readdir() on root error = %v", err)
	}
}

func TestFile_Stat(t *testing.T) {
	info := testHeader([11]byte{'H', 'I', ' ', ' ', ' ', ' ', ' ', ' ', 'T', 'X', 'T'}, 0, 0).FileInfo()
	f := &File{stat: info}

	got, err := f.Stat()
	if err != nil || got != info {
		t.Errorf("Stat() = %v, %v", got, err)
	}
}

func TestFile_Sync(t *testing.T) {
	f := &File{}
	if err := f.Sync(); err != nil {
		t.Errorf("Sync() error = %v, want nil", err)
	}
}

func Test_toShortName(t *testing.T) {
	got := toShortName("hi.txt")
	want := [11]byte{'H', 'I', ' ', ' ', ' ', ' ', ' ', ' ', 'T', 'X', 'T'}
	if got != want {
		t.Errorf("toShortName() = %q, want %q", got, want)
	}
}

func TestFs_openFile_create(t *testing.T) {
	fs := testingNew(t, buildFAT32Image())

	f, err := fs.openFile("/new.txt", os.O_CREATE|os.O_RDWR)
	if err != nil {
		t.Fatalf("openFile() error = %v", err)
	}
	if !f.writable {
		t.Error("file created with O_RDWR should be writable")
	}
}
