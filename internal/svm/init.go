package svm

import (
	"errors"
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/vmcb"
)

// MSRs the engine names.
const (
	msrTSC          = 0x10
	msrSysenterCS   = 0x174
	msrSysenterESP  = 0x175
	msrSysenterEIP  = 0x176
	msrDebugCtl     = 0x1d9
	msrPAT          = 0x277
	msrEFER         = 0xc0000080
	msrSTAR         = 0xc0000081
	msrLSTAR        = 0xc0000082
	msrCSTAR        = 0xc0000083
	msrSFMASK       = 0xc0000084
	msrFSBase       = 0xc0000100
	msrGSBase       = 0xc0000101
	msrKernelGSBase = 0xc0000102
	msrTSCAux       = 0xc0000103
	msrVMCR         = 0xc0010114
	msrVMHSavePA    = 0xc0010117
)

// TSCMode selects how guest TSC reads are virtualized.
type TSCMode int

const (
	// TSCAuto offsets when the host TSC is stable and intercepts otherwise.
	TSCAuto TSCMode = iota
	TSCOffset
	TSCIntercept
)

func (m TSCMode) String() string {
	switch m {
	case TSCOffset:
		return "offset"
	case TSCIntercept:
		return "intercept"
	default:
		return "auto"
	}
}

// ParseTSCMode parses the names String returns. The empty string is auto.
func ParseTSCMode(s string) (TSCMode, error) {
	switch s {
	case "", "auto":
		return TSCAuto, nil
	case "offset":
		return TSCOffset, nil
	case "intercept":
		return TSCIntercept, nil
	}
	return TSCAuto, fmt.Errorf("svm: unknown tsc mode %q", s)
}

// VMConfig configures one virtual machine.
type VMConfig struct {
	Name     string
	NumVCPUs int

	// NestedPaging uses hardware nested paging when the CPU has it.
	NestedPaging bool
	NestedCR3    uint64

	// NestedHWVirt exposes SVM to the guest.
	NestedHWVirt bool

	// EmulateSyscallMSRs intercepts the syscall and sysenter MSRs instead
	// of passing them through.
	EmulateSyscallMSRs bool

	// TaskSwitchWorkaround intercepts task switches, for hosts where
	// hardware task switching is unreliable.
	TaskSwitchWorkaround bool

	PauseFilterCount     uint16
	PauseFilterThreshold uint16

	TSCMode      TSCMode
	ExposeRDTSCP bool

	// MaxResumeLoops bounds how many exits RunOnce handles before
	// returning to the caller.
	MaxResumeLoops int

	Switcher    Switcher
	Interpreter Interpreter
	Nested      NestedSVM
	Platform    Platform

	Logger *slog.Logger
}

const defaultMaxResumeLoops = 1024

func (cfg *VMConfig) normalize() error {
	if cfg.NumVCPUs <= 0 {
		cfg.NumVCPUs = 1
	}
	if cfg.MaxResumeLoops <= 0 {
		cfg.MaxResumeLoops = defaultMaxResumeLoops
	}
	if cfg.Name == "" {
		cfg.Name = "vm"
	}
	switch {
	case cfg.Switcher == nil:
		return errors.New("svm: vm config: no switcher")
	case cfg.Interpreter == nil:
		return errors.New("svm: vm config: no interpreter")
	case cfg.Platform == nil:
		return errors.New("svm: vm config: no platform")
	case cfg.NestedHWVirt && cfg.Nested == nil:
		return errors.New("svm: vm config: nested hw-virt without a nested emulator")
	}
	return nil
}

// VM is one virtual machine and its VCPUs.
type VM struct {
	e   *Engine
	cfg VMConfig
	log *slog.Logger

	nestedPaging bool

	iopm      *vmcb.IOPM
	iopmPages vmcb.Pages

	vcpus    []*VCPU
	requests atomicbitops.Uint32
}

// NewVM allocates and initializes the control blocks of a new VM. The only
// failure after configuration validation is running out of memory; nothing
// is left allocated when it happens.
func (e *Engine) NewVM(cfg VMConfig) (*VM, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = e.log
	}

	vm := &VM{
		e:            e,
		cfg:          cfg,
		log:          log.With("vm", cfg.Name),
		nestedPaging: cfg.NestedPaging && e.caps.NestedPaging,
	}
	if cfg.NestedPaging && !e.caps.NestedPaging {
		vm.log.Warn("nested paging requested but not supported, using shadow paging")
	}

	cu := cleanup.Make(func() { vm.free() })
	defer cu.Clean()

	iopm, pages, err := vmcb.AllocIOPM(e.cfg.Allocator)
	if err != nil {
		return nil, fmt.Errorf("svm: %s: iopm: %w: %w", cfg.Name, hv.ErrNoMemory, err)
	}
	vm.iopm, vm.iopmPages = iopm, pages

	for i := 0; i < cfg.NumVCPUs; i++ {
		vc, err := newVCPU(vm, i)
		if err != nil {
			return nil, fmt.Errorf("svm: %s: vcpu %d: %w", cfg.Name, i, err)
		}
		vm.vcpus = append(vm.vcpus, vc)
	}

	tmpl := vm.vcpus[0]
	vm.setupControl(tmpl)
	for _, vc := range vm.vcpus[1:] {
		vc.vmcb.CopyControl(tmpl.vmcb)
		*vc.msrpm = *tmpl.msrpm
		vc.vmcb.SetMSRPM(vc.msrpmPages.Phys)
		vc.vmcb.Ctrl.CleanBits = 0
	}
	for _, vc := range vm.vcpus {
		vc.reset()
	}

	cu.Release()
	vm.log.Info("vm created", "vcpus", cfg.NumVCPUs, "np", vm.nestedPaging, "nested-hwvirt", cfg.NestedHWVirt)
	return vm, nil
}

func newVCPU(vm *VM, id int) (*VCPU, error) {
	alloc := vm.e.cfg.Allocator
	vc := &VCPU{vm: vm, id: id, lastHostCPU: -1}

	v, p, err := vmcb.AllocVMCB(alloc)
	if err != nil {
		return nil, fmt.Errorf("vmcb: %w: %w", hv.ErrNoMemory, err)
	}
	vc.vmcb, vc.vmcbPages = v, p

	m, mp, err := vmcb.AllocMSRPM(alloc)
	if err != nil {
		_ = vc.vmcbPages.Free(alloc)
		return nil, fmt.Errorf("msrpm: %w: %w", hv.ErrNoMemory, err)
	}
	vc.msrpm, vc.msrpmPages = m, mp

	vc.init()
	return vc, nil
}

// mandatory returns the instruction and exception intercepts every control
// block run for this VM must carry, including merged nested ones.
func (vm *VM) mandatory() (ctrl1, ctrl2, ctrl3, xcpt uint32) {
	ctrl1 = vmcb.InterceptINTR | vmcb.InterceptNMI | vmcb.InterceptSMI |
		vmcb.InterceptINIT | vmcb.InterceptRSM | vmcb.InterceptCPUID |
		vmcb.InterceptINVD | vmcb.InterceptHLT | vmcb.InterceptINVLPGA |
		vmcb.InterceptIOIOProt | vmcb.InterceptMSRProt |
		vmcb.InterceptFERRFreeze | vmcb.InterceptShutdown
	ctrl2 = vmcb.InterceptVMRUN | vmcb.InterceptVMMCALL | vmcb.InterceptVMLOAD |
		vmcb.InterceptVMSAVE | vmcb.InterceptSTGI | vmcb.InterceptCLGI |
		vmcb.InterceptSKINIT | vmcb.InterceptWBINVD | vmcb.InterceptMONITOR |
		vmcb.InterceptMWAIT | vmcb.InterceptXSETBV | vmcb.InterceptRDPRU
	ctrl3 = vmcb.InterceptINVLPGB | vmcb.InterceptINVLPGBIllegal |
		vmcb.InterceptMCOMMIT | vmcb.InterceptTLBSYNC

	if vm.cfg.TaskSwitchWorkaround {
		ctrl1 |= vmcb.InterceptTaskSwitch
	}
	if !vm.nestedPaging {
		ctrl1 |= vmcb.InterceptINVLPG
		ctrl3 |= vmcb.InterceptINVPCID
	}

	xcpt = 1<<vmcb.XcptAC | 1<<vmcb.XcptDB
	if !vm.nestedPaging {
		xcpt |= 1 << vmcb.XcptPF
	}
	return ctrl1, ctrl2, ctrl3, xcpt
}

func (vm *VM) applyMandatory(v *vmcb.VMCB) {
	ctrl1, ctrl2, ctrl3, xcpt := vm.mandatory()
	v.SetInterceptCtrl1(ctrl1, true)
	v.SetInterceptCtrl2(ctrl2, true)
	v.SetInterceptCtrl3(ctrl3, true)
	if v.Ctrl.InterceptXcpt&xcpt != xcpt {
		v.Ctrl.InterceptXcpt |= xcpt
		v.MarkDirty(vmcb.CleanIntercepts)
	}
	v.SetIntCtrl(vmcb.IntCtrlVIntrMasking, true)
	v.SetIOPM(vm.iopmPages.Phys)
}

// setupControl fills the template VCPU's control block.
func (vm *VM) setupControl(vc *VCPU) {
	v := vc.vmcb
	caps := vm.e.caps

	vm.applyMandatory(v)

	// Lazy FPU switching starts with #NM intercepted.
	v.SetInterceptXcpt(vmcb.XcptNM, true)

	if !vm.nestedPaging {
		for _, cr := range []int{0, 3, 4} {
			v.SetInterceptReadCR(cr, true)
			v.SetInterceptWriteCR(cr, true)
		}
	} else {
		v.SetNestedPaging(true)
		v.SetNestedCR3(vm.cfg.NestedCR3)
	}

	// Every debug register access traps until the guest's debug state is
	// loaded; DR7 writes always do.
	v.SetInterceptAllDR(true)

	if caps.PauseFilter && vm.cfg.PauseFilterCount > 0 {
		threshold := uint16(0)
		if caps.PauseFilterThreshold {
			threshold = vm.cfg.PauseFilterThreshold
		}
		v.SetInterceptCtrl1(vmcb.InterceptPAUSE, true)
		v.SetPauseFilter(vm.cfg.PauseFilterCount, threshold)
	}

	vc.msrpm.SetAll()
	pass := []uint32{msrFSBase, msrGSBase}
	if !vm.cfg.EmulateSyscallMSRs {
		pass = append(pass, msrSTAR, msrLSTAR, msrCSTAR, msrSFMASK, msrKernelGSBase,
			msrSysenterCS, msrSysenterESP, msrSysenterEIP)
	}
	if vm.nestedPaging {
		pass = append(pass, msrPAT)
	}
	for _, msr := range pass {
		// Every MSR above is inside the mapped ranges.
		_ = vc.msrpm.Set(msr, vmcb.MSRReadWrite, false)
	}
	v.SetMSRPM(vc.msrpmPages.Phys)

	v.SetASID(1)
	v.SetTSCOffset(0)
	if caps.LbrVirt {
		v.SetLBRVirt(vmcb.LBRVirtEnable)
	}

	v.Ctrl.CleanBits = 0
}

// NumVCPUs returns the number of VCPUs.
func (vm *VM) NumVCPUs() int { return len(vm.vcpus) }

// VCPU returns VCPU i.
func (vm *VM) VCPU(i int) *VCPU {
	if i < 0 || i >= len(vm.vcpus) {
		return nil
	}
	return vm.vcpus[i]
}

// Engine returns the engine the VM was created on.
func (vm *VM) Engine() *Engine { return vm.e }

// Config returns the normalized configuration.
func (vm *VM) Config() VMConfig { return vm.cfg }

// Request raises host-level requests for every VCPU of the VM.
func (vm *VM) Request(r Request) { orRequests(&vm.requests, uint32(r&hostRequests)) }

// Ack clears VM-wide requests once the host has processed them.
func (vm *VM) Ack(r Request) { andNotRequests(&vm.requests, uint32(r)) }

// Close frees every control structure of the VM.
func (vm *VM) Close() error {
	return vm.free()
}

func (vm *VM) free() error {
	alloc := vm.e.cfg.Allocator
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, vc := range vm.vcpus {
		keep(vc.free(alloc))
	}
	vm.vcpus = nil
	keep(vm.iopmPages.Free(alloc))
	vm.iopmPages = vmcb.Pages{}
	vm.iopm = nil
	return first
}
