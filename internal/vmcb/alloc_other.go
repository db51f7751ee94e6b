//go:build !linux

package vmcb

// DefaultAllocator returns the allocator used when none is configured.
func DefaultAllocator() Allocator { return HeapAllocator{} }
