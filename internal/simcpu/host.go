// Package simcpu is a software model of an AMD-V host: host CPUs that can
// be pinned and armed, a CPU that "executes" VMRUN by replaying a script of
// exits while checking what real hardware would reject or silently get
// wrong, and the platform services around it. Tests and svmctl drive the
// engine through it.
package simcpu

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// tscStep is how far the simulated TSC advances per read.
const tscStep = 1000

// Host simulates the host kernel services the engine uses.
type Host struct {
	n    int
	cpus []sync.Mutex

	mu         sync.Mutex
	next       int
	roundRobin bool
	enabled    []bool
	hsave      []uint64
	enables    int
	msrs       map[uint32]uint64
	fpu        map[int]bool
	debugLoads int

	tsc atomicbitops.Uint64

	// OnDisableInterrupts runs when the engine disables interrupts, just
	// before its last check for host requests.
	OnDisableInterrupts func()
	// FailEnable makes EnableSVM fail.
	FailEnable error
}

// NewHost returns a host with n CPUs. Every Pin lands on CPU 0 until
// Migrate or SetRoundRobin says otherwise.
func NewHost(n int) *Host {
	if n <= 0 {
		n = 1
	}
	return &Host{
		n:       n,
		cpus:    make([]sync.Mutex, n),
		enabled: make([]bool, n),
		hsave:   make([]uint64, n),
		msrs:    make(map[uint32]uint64),
		fpu:     make(map[int]bool),
	}
}

func (h *Host) NumCPUs() int { return h.n }

// Migrate makes the next Pin land on cpu.
func (h *Host) Migrate(cpu int) {
	if cpu < 0 || cpu >= h.n {
		panic(fmt.Sprintf("simcpu: migrate to cpu %d of %d", cpu, h.n))
	}
	h.mu.Lock()
	h.next = cpu
	h.mu.Unlock()
}

// SetRoundRobin moves every Pin to the next CPU, so VCPUs keep migrating.
func (h *Host) SetRoundRobin(on bool) {
	h.mu.Lock()
	h.roundRobin = on
	h.mu.Unlock()
}

// Pin holds the CPU exclusively until unpin, the way disabling preemption
// keeps every other thread off it.
func (h *Host) Pin() (int, func()) {
	h.mu.Lock()
	cpu := h.next
	if h.roundRobin {
		h.next = (h.next + 1) % h.n
	}
	h.mu.Unlock()

	h.cpus[cpu].Lock()
	return cpu, h.cpus[cpu].Unlock
}

func (h *Host) DisableInterrupts() func() {
	if fn := h.OnDisableInterrupts; fn != nil {
		fn()
	}
	return func() {}
}

func (h *Host) EnableSVM(cpu int, hostSavePhys uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailEnable != nil {
		return h.FailEnable
	}
	if cpu < 0 || cpu >= h.n {
		return fmt.Errorf("simcpu: no cpu %d", cpu)
	}
	h.enabled[cpu] = true
	h.hsave[cpu] = hostSavePhys
	h.enables++
	return nil
}

func (h *Host) DisableSVM(cpu int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cpu < 0 || cpu >= h.n {
		return fmt.Errorf("simcpu: no cpu %d", cpu)
	}
	h.enabled[cpu] = false
	h.hsave[cpu] = 0
	return nil
}

// Enabled reports whether SVM is armed on cpu.
func (h *Host) Enabled(cpu int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled[cpu]
}

// Enables counts successful EnableSVM calls.
func (h *Host) Enables() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enables
}

func (h *Host) ReadTSC() uint64 { return h.tsc.Add(tscStep) }

// SetTSC sets the value the next ReadTSC advances from.
func (h *Host) SetTSC(v uint64) { h.tsc.Store(v) }

func (h *Host) ReadMSR(msr uint32) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.msrs[msr]
}

func (h *Host) WriteMSR(msr uint32, val uint64) {
	h.mu.Lock()
	h.msrs[msr] = val
	h.mu.Unlock()
}

func (h *Host) LoadGuestFPU(vcpu int) {
	h.mu.Lock()
	h.fpu[vcpu] = true
	h.mu.Unlock()
}

func (h *Host) SaveGuestFPU(vcpu int) {
	h.mu.Lock()
	delete(h.fpu, vcpu)
	h.mu.Unlock()
}

// FPULoaded reports whether vcpu's FPU state is loaded.
func (h *Host) FPULoaded(vcpu int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fpu[vcpu]
}

func (h *Host) LoadGuestDebug(dr *[8]uint64) {
	h.mu.Lock()
	h.debugLoads++
	h.mu.Unlock()
}

func (h *Host) SaveGuestDebug(dr *[8]uint64) {}

// DebugLoads counts how often guest debug registers were loaded.
func (h *Host) DebugLoads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.debugLoads
}
