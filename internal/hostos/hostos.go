// Package hostos provides the host kernel services the SVM engine needs
// from user space: CPU pinning, model specific registers through the msr
// driver and the time stamp counter.
//
// Interrupt masking and the guest FPU and debug register swap happen in
// the kernel half of the world switch. The Host here only keeps the
// bookkeeping for them.
package hostos

import (
	"log/slog"
	"sync"
)

const (
	msrEFER      = 0xc0000080
	msrVMHSavePA = 0xc0010117

	eferSVME = 1 << 12
)

// Host is the user space host of the engine.
type Host struct {
	log  *slog.Logger
	ncpu int

	mu sync.Mutex
	// pinned maps a locked OS thread to the CPU it is bound to.
	pinned map[int]int
	next   int
	msr    map[int]*msrFile

	fpuOwner map[int]bool
}

// New returns the host for the running process.
func New() *Host {
	return &Host{
		log:      slog.Default().With("component", "hostos"),
		ncpu:     hostCPUCount(),
		pinned:   make(map[int]int),
		msr:      make(map[int]*msrFile),
		fpuOwner: make(map[int]bool),
	}
}

func (h *Host) NumCPUs() int { return h.ncpu }

// pickCPU hands out CPUs round robin, so VCPU workers spread over the
// host.
func (h *Host) pickCPU(allowed func(int) bool) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < h.ncpu; i++ {
		cpu := (h.next + i) % h.ncpu
		if allowed(cpu) {
			h.next = cpu + 1
			return cpu
		}
	}
	return 0
}

// EnableSVM sets EFER.SVME on cpu and points VM_HSAVE_PA at the host save
// area.
func (h *Host) EnableSVM(cpu int, hostSavePhys uint64) error {
	efer, err := h.readMSR(cpu, msrEFER)
	if err != nil {
		return err
	}
	if err := h.writeMSR(cpu, msrEFER, efer|eferSVME); err != nil {
		return err
	}
	return h.writeMSR(cpu, msrVMHSavePA, hostSavePhys)
}

// DisableSVM clears EFER.SVME on cpu.
func (h *Host) DisableSVM(cpu int) error {
	efer, err := h.readMSR(cpu, msrEFER)
	if err != nil {
		return err
	}
	return h.writeMSR(cpu, msrEFER, efer&^eferSVME)
}

// ReadMSR reads msr on the CPU the caller is pinned to. Failures read as
// zero.
func (h *Host) ReadMSR(msr uint32) uint64 {
	val, err := h.readMSR(h.currentCPU(), msr)
	if err != nil {
		h.log.Warn("rdmsr failed", "msr", msr, "err", err)
		return 0
	}
	return val
}

// WriteMSR writes msr on the CPU the caller is pinned to.
func (h *Host) WriteMSR(msr uint32, val uint64) {
	if err := h.writeMSR(h.currentCPU(), msr, val); err != nil {
		h.log.Warn("wrmsr failed", "msr", msr, "err", err)
	}
}

// ReadTSC returns the time stamp counter of the current CPU.
func (h *Host) ReadTSC() uint64 { return readTSC() }

// DisableInterrupts cannot mask interrupts from user space. The kernel
// half of the switch masks them around VMRUN itself.
func (h *Host) DisableInterrupts() (restore func()) {
	return func() {}
}

func (h *Host) LoadGuestFPU(vcpu int) {
	h.mu.Lock()
	h.fpuOwner[vcpu] = true
	h.mu.Unlock()
}

func (h *Host) SaveGuestFPU(vcpu int) {
	h.mu.Lock()
	delete(h.fpuOwner, vcpu)
	h.mu.Unlock()
}

// GuestFPULoaded reports whether vcpu's FPU state is on the CPU.
func (h *Host) GuestFPULoaded(vcpu int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fpuOwner[vcpu]
}

func (h *Host) LoadGuestDebug(dr *[8]uint64) {}
func (h *Host) SaveGuestDebug(dr *[8]uint64) {}

// Close releases the msr driver handles.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var first error
	for cpu, f := range h.msr {
		if err := f.close(); err != nil && first == nil {
			first = err
		}
		delete(h.msr, cpu)
	}
	return first
}
