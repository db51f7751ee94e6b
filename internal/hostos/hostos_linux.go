//go:build linux

package hostos

import (
	"encoding/binary"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// hostCPUCount is one past the highest CPU the process may run on; CPU
// numbers need not be dense.
func hostCPUCount() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return runtime.NumCPU()
	}
	n := 0
	for cpu := 0; cpu < maxCPUs; cpu++ {
		if set.IsSet(cpu) {
			n = cpu + 1
		}
	}
	if n == 0 {
		return runtime.NumCPU()
	}
	return n
}

const maxCPUs = 1024

// Pin locks the calling goroutine to its OS thread and binds the thread to
// a single CPU until unpin restores the previous affinity. A thread keeps
// the CPU it was first given, so repeated pins do not migrate it.
func (h *Host) Pin() (int, func()) {
	runtime.LockOSThread()
	tid := unix.Gettid()

	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		h.log.Warn("sched_getaffinity failed", "err", err)
		return h.fallbackPin(tid)
	}

	h.mu.Lock()
	cpu, ok := h.pinned[tid]
	h.mu.Unlock()
	if !ok || !old.IsSet(cpu) {
		cpu = h.pickCPU(old.IsSet)
	}

	var one unix.CPUSet
	one.Set(cpu)
	if err := unix.SchedSetaffinity(0, &one); err != nil {
		h.log.Warn("sched_setaffinity failed", "cpu", cpu, "err", err)
		return h.fallbackPin(tid)
	}

	h.mu.Lock()
	h.pinned[tid] = cpu
	h.mu.Unlock()

	return cpu, func() {
		_ = unix.SchedSetaffinity(0, &old)
		runtime.UnlockOSThread()
	}
}

// fallbackPin keeps the thread lock but cannot bind the thread; it reports
// the CPU the thread was last bound to.
func (h *Host) fallbackPin(tid int) (int, func()) {
	h.mu.Lock()
	cpu := h.pinned[tid]
	h.mu.Unlock()
	return cpu, runtime.UnlockOSThread
}

func (h *Host) currentCPU() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pinned[unix.Gettid()]
}

// msrFile is an open /dev/cpu/N/msr.
type msrFile struct {
	fd int
}

func (f *msrFile) close() error { return unix.Close(f.fd) }

func (h *Host) msrDevice(cpu int) (*msrFile, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f, ok := h.msr[cpu]; ok {
		return f, nil
	}
	fd, err := unix.Open(fmt.Sprintf("/dev/cpu/%d/msr", cpu), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("hostos: open msr device for cpu %d: %w", cpu, err)
	}
	f := &msrFile{fd: fd}
	h.msr[cpu] = f
	return f, nil
}

func (h *Host) readMSR(cpu int, msr uint32) (uint64, error) {
	f, err := h.msrDevice(cpu)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	if _, err := unix.Pread(f.fd, buf[:], int64(msr)); err != nil {
		return 0, fmt.Errorf("hostos: rdmsr %#x on cpu %d: %w", msr, cpu, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (h *Host) writeMSR(cpu int, msr uint32, val uint64) error {
	f, err := h.msrDevice(cpu)
	if err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	if _, err := unix.Pwrite(f.fd, buf[:], int64(msr)); err != nil {
		return fmt.Errorf("hostos: wrmsr %#x on cpu %d: %w", msr, cpu, err)
	}
	return nil
}
