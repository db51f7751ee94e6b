package svm

import (
	"fmt"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/vmcb"
)

// HostCPU is the state kept for one physical CPU. It is shared by every
// VCPU that runs there. CurrentASID is only touched by the VCPU pinned to
// the CPU; FlushGeneration may also be bumped by power notifications.
type HostCPU struct {
	ID int

	// CurrentASID is the last ASID handed out on this CPU.
	CurrentASID uint32
	// FlushGeneration advances whenever every ASID issued here becomes
	// stale.
	FlushGeneration atomicbitops.Uint32

	// Counters, updated while pinned.
	ASIDWraps   uint64
	TLBFlushes  uint64
	ASIDsIssued uint64

	enabled  atomicbitops.Bool
	mu       sync.Mutex
	hostSave vmcb.Pages
}

// Enabled reports whether virtualization is currently armed on the CPU.
func (hc *HostCPU) Enabled() bool { return hc.enabled.Load() }

// HostCPUs tracks every physical CPU of the host.
type HostCPUs struct {
	host  Host
	alloc vmcb.Allocator
	caps  hv.Capabilities
	log   *slog.Logger

	cpus []*HostCPU
}

func newHostCPUs(host Host, alloc vmcb.Allocator, caps hv.Capabilities, log *slog.Logger) *HostCPUs {
	hcs := &HostCPUs{
		host:  host,
		alloc: alloc,
		caps:  caps,
		log:   log,
		cpus:  make([]*HostCPU, host.NumCPUs()),
	}
	for i := range hcs.cpus {
		hcs.cpus[i] = &HostCPU{ID: i}
	}
	return hcs
}

// CPU returns the record for cpu.
func (hcs *HostCPUs) CPU(cpu int) *HostCPU {
	if cpu < 0 || cpu >= len(hcs.cpus) {
		return nil
	}
	return hcs.cpus[cpu]
}

// Len returns the number of host CPUs.
func (hcs *HostCPUs) Len() int { return len(hcs.cpus) }

// Enable arms virtualization on cpu.
func (hcs *HostCPUs) Enable(cpu int) error {
	hc := hcs.CPU(cpu)
	if hc == nil {
		return fmt.Errorf("svm: no host cpu %d", cpu)
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hcs.enableLocked(hc)
}

func (hcs *HostCPUs) enableLocked(hc *HostCPU) error {
	if hc.enabled.Load() {
		return nil
	}
	if !hcs.caps.HostManagesEnable {
		if hc.hostSave.Mem == nil {
			p, err := allocPage(hcs.alloc)
			if err != nil {
				return fmt.Errorf("svm: host save area for cpu %d: %w", hc.ID, err)
			}
			hc.hostSave = p
		}
		if err := hcs.host.EnableSVM(hc.ID, hc.hostSave.Phys); err != nil {
			return fmt.Errorf("svm: enable on cpu %d: %w", hc.ID, err)
		}
	}
	// Nothing cached from an earlier arming can be trusted.
	hc.FlushGeneration.Add(1)
	hc.enabled.Store(true)
	hcs.log.Debug("svm enabled", "cpu", hc.ID)
	return nil
}

// Disable disarms virtualization on cpu.
func (hcs *HostCPUs) Disable(cpu int) error {
	hc := hcs.CPU(cpu)
	if hc == nil {
		return fmt.Errorf("svm: no host cpu %d", cpu)
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hcs.disableLocked(hc)
}

func (hcs *HostCPUs) disableLocked(hc *HostCPU) error {
	if !hc.enabled.Load() {
		return nil
	}
	hc.enabled.Store(false)
	if !hcs.caps.HostManagesEnable {
		if err := hcs.host.DisableSVM(hc.ID); err != nil {
			return fmt.Errorf("svm: disable on cpu %d: %w", hc.ID, err)
		}
	}
	hcs.log.Debug("svm disabled", "cpu", hc.ID)
	return nil
}

// EnsureEnabled re-arms cpu if a power event disarmed it. The fast path
// is a single atomic load.
func (hcs *HostCPUs) EnsureEnabled(cpu int) (*HostCPU, error) {
	hc := hcs.CPU(cpu)
	if hc == nil {
		return nil, fmt.Errorf("svm: no host cpu %d", cpu)
	}
	if hc.enabled.Load() {
		return hc, nil
	}
	if err := hcs.Enable(cpu); err != nil {
		return nil, err
	}
	return hc, nil
}

// CPUOffline disarms cpu synchronously and releases its scratch page.
func (hcs *HostCPUs) CPUOffline(cpu int) error {
	hc := hcs.CPU(cpu)
	if hc == nil {
		return fmt.Errorf("svm: no host cpu %d", cpu)
	}
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if err := hcs.disableLocked(hc); err != nil {
		return err
	}
	err := hc.hostSave.Free(hcs.alloc)
	hc.hostSave = vmcb.Pages{}
	return err
}

// Suspend disarms every CPU.
func (hcs *HostCPUs) Suspend() error {
	var first error
	for _, hc := range hcs.cpus {
		hc.mu.Lock()
		if err := hcs.disableLocked(hc); err != nil && first == nil {
			first = err
		}
		hc.mu.Unlock()
	}
	return first
}

// Resume leaves every CPU disarmed; each is re-armed on first use. The
// flush generation is advanced so no VCPU trusts an ASID from before the
// suspend.
func (hcs *HostCPUs) Resume() {
	for _, hc := range hcs.cpus {
		hc.FlushGeneration.Add(1)
	}
}

func (hcs *HostCPUs) close() error {
	var first error
	for _, hc := range hcs.cpus {
		if err := hcs.CPUOffline(hc.ID); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func allocPage(a vmcb.Allocator) (vmcb.Pages, error) {
	_, p, err := vmcb.AllocVMCB(a)
	if err != nil {
		return vmcb.Pages{}, fmt.Errorf("%w: %w", hv.ErrNoMemory, err)
	}
	return p, nil
}
