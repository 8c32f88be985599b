package ringbuf

import (
	"path/filepath"
	"runtime"
	"testing"
)

func TestMemoryRingStorage(t *testing.T) {
	nSubbufs, subbufSize := uint32(4), uint32(4096)
	storage, err := NewMemoryRingStorage(nSubbufs, subbufSize)
	if err != nil {
		t.Fatalf("NewMemoryRingStorage: %v", err)
	}
	defer storage.Close()

	if storage.NSubbufs() != nSubbufs {
		t.Errorf("NSubbufs() = %d, want %d", storage.NSubbufs(), nSubbufs)
	}
	if storage.SubbufSize() != subbufSize {
		t.Errorf("SubbufSize() = %d, want %d", storage.SubbufSize(), subbufSize)
	}
	if got, want := len(storage.Data()), int(nSubbufs)*int(subbufSize); got != want {
		t.Errorf("len(Data()) = %d, want %d", got, want)
	}
	if fd := storage.FileDescriptor(); fd != -1 {
		t.Errorf("FileDescriptor() = %d, want -1", fd)
	}
}

func TestMmapRingStorage(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("memfd_create is linux-only")
	}

	nSubbufs, subbufSize := uint32(4), uint32(4096)
	storage, err := NewMmapRingStorage(nSubbufs, subbufSize)
	if err != nil {
		t.Fatalf("NewMmapRingStorage: %v", err)
	}
	defer storage.Close()

	if storage.NSubbufs() != nSubbufs {
		t.Errorf("NSubbufs() = %d, want %d", storage.NSubbufs(), nSubbufs)
	}
	if got, want := len(storage.Data()), int(nSubbufs)*int(subbufSize); got != want {
		t.Errorf("len(Data()) = %d, want %d", got, want)
	}
	if storage.FileDescriptor() < 0 {
		t.Errorf("FileDescriptor() = %d, want >= 0", storage.FileDescriptor())
	}

	// Writes through the read-write mapping must be visible through a
	// read-only remap of the same fd.
	storage.Data()[0] = 0xAB
	ro, err := MapReadOnly(storage.FileDescriptor(), nSubbufs, subbufSize)
	if err != nil {
		t.Fatalf("MapReadOnly: %v", err)
	}
	if ro[0] != 0xAB {
		t.Errorf("read-only mapping did not observe write: got %x, want 0xab", ro[0])
	}
}

func TestMmapRingStorageRejectsNonPowerOfTwo(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("memfd_create is linux-only")
	}
	if _, err := NewMmapRingStorage(3, 4096); err != ErrInvalidConfig {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
}

// TestFileRingStorageReadOnlyReopenSeesWrites covers the persisted channel
// tree path: a write through a read-write FileRingStorage is visible to a
// separate read-only FileRingStorage instance opened against the same path.
func TestFileRingStorageReadOnlyReopenSeesWrites(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("unix.Mmap semantics assumed here are linux-specific")
	}

	nSubbufs, subbufSize := uint32(4), uint32(4096)
	path := filepath.Join(t.TempDir(), "0")

	rw, err := NewFileRingStorage(path, nSubbufs, subbufSize, false)
	if err != nil {
		t.Fatalf("NewFileRingStorage(readOnly=false): %v", err)
	}
	defer rw.Close()

	if got, want := len(rw.Data()), int(nSubbufs)*int(subbufSize); got != want {
		t.Errorf("len(Data()) = %d, want %d", got, want)
	}
	rw.Data()[0] = 0xCD

	ro, err := NewFileRingStorage(path, nSubbufs, subbufSize, true)
	if err != nil {
		t.Fatalf("NewFileRingStorage(readOnly=true): %v", err)
	}
	defer ro.Close()

	if ro.Data()[0] != 0xCD {
		t.Errorf("read-only reopen did not observe write: got %x, want 0xcd", ro.Data()[0])
	}
}

func TestFileRingStorageRejectsNonPowerOfTwo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "0")
	if _, err := NewFileRingStorage(path, 3, 4096, false); err != ErrInvalidConfig {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
}
