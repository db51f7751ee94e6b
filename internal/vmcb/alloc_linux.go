//go:build linux

package vmcb

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapAllocator backs control structures with anonymous, locked mappings so
// they never move or get paged out while hardware may reference them.
type MmapAllocator struct{}

func (MmapAllocator) Alloc(size int) ([]byte, uint64, error) {
	size = (size + pageSize - 1) &^ (pageSize - 1)
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, 0, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	if err := unix.Mlock(mem); err != nil {
		_ = unix.Munmap(mem)
		return nil, 0, fmt.Errorf("mlock %d bytes: %w", size, err)
	}
	return mem, uint64(uintptr(unsafe.Pointer(&mem[0]))), nil
}

func (MmapAllocator) Free(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// DefaultAllocator returns the allocator used when none is configured.
func DefaultAllocator() Allocator { return MmapAllocator{} }

var _ Allocator = MmapAllocator{}
