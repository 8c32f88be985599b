package ringbuf

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// RingStorage supplies the backing bytes for a ring buffer and, when the
// storage is a real memory mapping, the file descriptor a kernel-sourced
// writer can target. There is no metadata page: the ring buffer maintains
// its own reserve/commit counters in-process, so the storage is exactly
// n_subbufs * subbuf_size contiguous bytes.
type RingStorage interface {
	// Data returns the raw backing bytes, of length exactly SubbufSize()*NSubbufs().
	Data() []byte
	// NSubbufs returns the number of sub-buffers the storage was sized for.
	NSubbufs() uint32
	// SubbufSize returns the size in bytes of each sub-buffer.
	SubbufSize() uint32
	// Close releases any resources associated with the storage.
	Close() error
	// FileDescriptor returns the backing file descriptor, or -1 if the
	// storage has no kernel-visible fd (e.g. plain heap memory).
	FileDescriptor() int
}

// MemoryRingStorage implements RingStorage with a plain heap allocation.
// Useful for tests and for writers and readers that share a process.
type MemoryRingStorage struct {
	data       []byte
	nSubbufs   uint32
	subbufSize uint32
}

// NewMemoryRingStorage allocates nSubbufs*subbufSize contiguous bytes.
func NewMemoryRingStorage(nSubbufs, subbufSize uint32) (*MemoryRingStorage, error) {
	if !isPowerOfTwo(nSubbufs) || !isPowerOfTwo(subbufSize) {
		return nil, ErrInvalidConfig
	}
	total := uint64(nSubbufs) * uint64(subbufSize)
	if total == 0 || total > uint64(^uint32(0)) {
		return nil, ErrInvalidConfig
	}
	return &MemoryRingStorage{
		data:       make([]byte, total),
		nSubbufs:   nSubbufs,
		subbufSize: subbufSize,
	}, nil
}

func (s *MemoryRingStorage) Data() []byte         { return s.data }
func (s *MemoryRingStorage) NSubbufs() uint32     { return s.nSubbufs }
func (s *MemoryRingStorage) SubbufSize() uint32   { return s.subbufSize }
func (s *MemoryRingStorage) Close() error         { return nil }
func (s *MemoryRingStorage) FileDescriptor() int  { return -1 }

// MmapRingStorage implements RingStorage using an anonymous shared mmap, so
// that a writer process and the consumer daemon can map the same region:
// read-write for the writer side, read-only for the daemon side (enforced
// by mapping with PROT_READ only).
type MmapRingStorage struct {
	data       []byte
	nSubbufs   uint32
	subbufSize uint32
	fd         int
}

// NewMmapRingStorage creates a shared anonymous memory region of
// nSubbufs*subbufSize bytes, backed by a memfd so its descriptor can be
// handed to another process (or registered in an eBPF map, see
// pkg/kernelsource) for read-only mapping.
func NewMmapRingStorage(nSubbufs, subbufSize uint32) (*MmapRingStorage, error) {
	if !isPowerOfTwo(nSubbufs) || !isPowerOfTwo(subbufSize) {
		return nil, ErrInvalidConfig
	}
	totalSize := uint64(nSubbufs) * uint64(subbufSize)
	if totalSize == 0 || totalSize > uint64(^uint32(0)) {
		return nil, ErrInvalidConfig
	}

	fd, err := unix.MemfdCreate("ringtrace-channel", 0)
	if err != nil {
		return nil, fmt.Errorf("memfd_create failed: %w", err)
	}

	success := false
	defer func() {
		if !success {
			unix.Close(fd)
		}
	}()

	if err := unix.Ftruncate(fd, int64(totalSize)); err != nil {
		return nil, fmt.Errorf("ftruncate failed: %w", err)
	}

	data, err := unix.Mmap(fd, 0, int(totalSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	storage := &MmapRingStorage{
		data:       data,
		nSubbufs:   nSubbufs,
		subbufSize: subbufSize,
		fd:         fd,
	}

	runtime.SetFinalizer(storage, (*MmapRingStorage).Close)
	success = true
	return storage, nil
}

func (s *MmapRingStorage) Data() []byte         { return s.data }
func (s *MmapRingStorage) NSubbufs() uint32     { return s.nSubbufs }
func (s *MmapRingStorage) SubbufSize() uint32   { return s.subbufSize }
func (s *MmapRingStorage) FileDescriptor() int  { return s.fd }

// Close unmaps the memory and closes the backing file descriptor.
func (s *MmapRingStorage) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return fmt.Errorf("munmap failed: %w", err)
		}
		s.data = nil
	}
	if s.fd != -1 {
		if err := unix.Close(s.fd); err != nil {
			return fmt.Errorf("close failed: %w", err)
		}
		s.fd = -1
	}
	runtime.SetFinalizer(s, nil)
	return nil
}

// MapReadOnly returns a read-only mapping of an already-open channel file
// descriptor: the consumer side of the read-write/read-only split, with
// writer isolation enforced by page protection rather than convention.
func MapReadOnly(fd int, nSubbufs, subbufSize uint32) ([]byte, error) {
	total := int(nSubbufs) * int(subbufSize)
	data, err := unix.Mmap(fd, 0, total, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("read-only mmap failed: %w", err)
	}
	return data, nil
}

// FileRingStorage implements RingStorage backed by a real named file rather
// than an anonymous memfd, so that the controller (pkg/controller) can
// persist the channel tree (`<root>/<trace>/<channel-name>/<cpu-index>`)
// as literal mmap'd files a separate process can reopen by path, read-write
// on the writer side or read-only on the reader side.
type FileRingStorage struct {
	data       []byte
	nSubbufs   uint32
	subbufSize uint32
	file       *os.File
	readOnly   bool
}

// NewFileRingStorage opens (creating and sizing it first unless readOnly) the
// file at path and maps it MAP_SHARED, so writes through a read-write
// instance are visible to any other process holding a read-only instance of
// the same path, mirroring MmapRingStorage's memfd-based sharing.
func NewFileRingStorage(path string, nSubbufs, subbufSize uint32, readOnly bool) (*FileRingStorage, error) {
	if !isPowerOfTwo(nSubbufs) || !isPowerOfTwo(subbufSize) {
		return nil, ErrInvalidConfig
	}
	totalSize := uint64(nSubbufs) * uint64(subbufSize)
	if totalSize == 0 || totalSize > uint64(^uint32(0)) {
		return nil, ErrInvalidConfig
	}

	var file *os.File
	var err error
	if readOnly {
		file, err = os.Open(path)
	} else {
		file, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("opening channel file %s: %w", path, err)
	}

	success := false
	defer func() {
		if !success {
			file.Close()
		}
	}()

	if !readOnly {
		if err := file.Truncate(int64(totalSize)); err != nil {
			return nil, fmt.Errorf("truncating channel file %s: %w", path, err)
		}
	}

	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(totalSize), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap of %s failed: %w", path, err)
	}

	storage := &FileRingStorage{
		data:       data,
		nSubbufs:   nSubbufs,
		subbufSize: subbufSize,
		file:       file,
		readOnly:   readOnly,
	}
	runtime.SetFinalizer(storage, (*FileRingStorage).Close)
	success = true
	return storage, nil
}

func (s *FileRingStorage) Data() []byte        { return s.data }
func (s *FileRingStorage) NSubbufs() uint32    { return s.nSubbufs }
func (s *FileRingStorage) SubbufSize() uint32  { return s.subbufSize }
func (s *FileRingStorage) FileDescriptor() int { return int(s.file.Fd()) }

// Close unmaps the memory and closes the underlying file.
func (s *FileRingStorage) Close() error {
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil {
			return fmt.Errorf("munmap failed: %w", err)
		}
		s.data = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("close failed: %w", err)
		}
		s.file = nil
	}
	runtime.SetFinalizer(s, nil)
	return nil
}

func isPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}
