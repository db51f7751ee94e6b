package vmcb

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrNoMemory is returned when a page allocation fails.
var ErrNoMemory = errors.New("vmcb: out of memory")

const pageSize = 0x1000

// Allocator hands out zeroed, page-aligned, physically contiguous memory.
// phys is the address hardware is given; allocators that cannot know real
// physical addresses report the host virtual address.
type Allocator interface {
	Alloc(size int) (mem []byte, phys uint64, err error)
	Free(mem []byte) error
}

// Pages is one allocation obtained from an Allocator.
type Pages struct {
	Mem  []byte
	Phys uint64
}

func alloc(a Allocator, size int) (Pages, error) {
	mem, phys, err := a.Alloc(size)
	if err != nil {
		return Pages{}, fmt.Errorf("%w: %d bytes: %v", ErrNoMemory, size, err)
	}
	if len(mem) < size {
		_ = a.Free(mem)
		return Pages{}, fmt.Errorf("%w: short allocation %d < %d", ErrNoMemory, len(mem), size)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%pageSize != 0 {
		_ = a.Free(mem)
		return Pages{}, fmt.Errorf("vmcb: allocator returned unaligned memory")
	}
	clear(mem)
	return Pages{Mem: mem, Phys: phys}, nil
}

// AllocVMCB allocates one zeroed control block.
func AllocVMCB(a Allocator) (*VMCB, Pages, error) {
	p, err := alloc(a, Size)
	if err != nil {
		return nil, Pages{}, err
	}
	return (*VMCB)(unsafe.Pointer(&p.Mem[0])), p, nil
}

// AllocMSRPM allocates one MSR permission map with every access intercepted.
func AllocMSRPM(a Allocator) (*MSRPM, Pages, error) {
	p, err := alloc(a, MSRPMSize)
	if err != nil {
		return nil, Pages{}, err
	}
	m := (*MSRPM)(unsafe.Pointer(&p.Mem[0]))
	m.SetAll()
	return m, p, nil
}

// AllocIOPM allocates one I/O permission map with every port intercepted.
func AllocIOPM(a Allocator) (*IOPM, Pages, error) {
	p, err := alloc(a, IOPMSize)
	if err != nil {
		return nil, Pages{}, err
	}
	m := (*IOPM)(unsafe.Pointer(&p.Mem[0]))
	m.SetAll()
	return m, p, nil
}

// Free releases an allocation.
func (p Pages) Free(a Allocator) error {
	if p.Mem == nil {
		return nil
	}
	return a.Free(p.Mem)
}

// HeapAllocator allocates from the Go heap. Alignment is obtained by
// over-allocating; it is used on hosts without mmap and in tests.
type HeapAllocator struct{}

func (HeapAllocator) Alloc(size int) ([]byte, uint64, error) {
	buf := make([]byte, size+pageSize)
	off := int(pageSize-uintptr(unsafe.Pointer(&buf[0]))%pageSize) % pageSize
	mem := buf[off : off+size : off+size]
	return mem, uint64(uintptr(unsafe.Pointer(&mem[0]))), nil
}

func (HeapAllocator) Free([]byte) error { return nil }

var _ Allocator = HeapAllocator{}
