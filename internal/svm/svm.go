// Package svm is the AMD-V execution engine. It builds per-VCPU control
// blocks, runs the world switch through a Switcher, keeps the tagged TLB
// coherent, injects and recovers guest events and dispatches every
// #VMEXIT, including exits that belong to a nested guest hypervisor.
//
// The engine never touches hardware itself. Host, Switcher, Interpreter,
// NestedSVM and Platform are the collaborators that do.
package svm

import (
	"github.com/tinyrange/svm/internal/vmcb"
)

// Switcher executes VMRUN on the pinned host CPU and returns after #VMEXIT.
// A non-nil error means the transition could not be performed at all; a
// guest state rejected by hardware is reported through the exit code.
type Switcher interface {
	Run(hostCPU int, v *vmcb.VMCB, phys uint64, gprs *GPRs) error
}

// Host provides the few host-kernel services a world switch needs.
type Host interface {
	NumCPUs() int

	// Pin disables preemption: the caller stays on the returned CPU until
	// unpin is called.
	Pin() (cpu int, unpin func())

	// DisableInterrupts masks host interrupt delivery on the pinned CPU.
	DisableInterrupts() (restore func())

	// EnableSVM sets EFER.SVME on cpu and programs the host save area.
	EnableSVM(cpu int, hostSavePhys uint64) error
	DisableSVM(cpu int) error

	ReadTSC() uint64
	ReadMSR(msr uint32) uint64
	WriteMSR(msr uint32, val uint64)

	// Guest FPU and debug registers are loaded lazily, the first time
	// the guest needs them, and saved again when the VCPU leaves.
	LoadGuestFPU(vcpu int)
	SaveGuestFPU(vcpu int)
	LoadGuestDebug(dr *[8]uint64)
	SaveGuestDebug(dr *[8]uint64)
}

// EmuStatus says what the caller of the interpreter must do next.
type EmuStatus int

const (
	EmuOK EmuStatus = iota
	EmuHalt
	EmuToHost
	EmuReset
)

func (s EmuStatus) String() string {
	switch s {
	case EmuOK:
		return "ok"
	case EmuHalt:
		return "halt"
	case EmuToHost:
		return "to-host"
	case EmuReset:
		return "reset"
	default:
		return "invalid"
	}
}

// EmuResult is the outcome of emulating one instruction.
type EmuResult struct {
	Status EmuStatus
	// Length is the number of instruction bytes consumed.
	Length int
	// Exception is raised in the guest when non-nil. FaultAddr is the
	// linear address for #PF.
	Exception *vmcb.Event
	FaultAddr uint64
}

// Interpreter decodes and executes one guest instruction at ctx.RIP,
// advancing RIP on success.
type Interpreter interface {
	ExecOne(vcpu int, ctx *GuestContext) (EmuResult, error)
}

// NestedSVM emulates virtualization instructions executed by a guest
// hypervisor and performs synthetic #VMEXITs out of its nested guest.
type NestedSVM interface {
	// Exec emulates VMRUN, VMLOAD, VMSAVE, STGI, CLGI or INVLPGA,
	// including advancing RIP. VMRUN ends with VCPU.EnterNestedGuest.
	Exec(vc *VCPU, code vmcb.ExitCode) (EmuResult, error)
	// VMExit completes a #VMEXIT to the guest hypervisor. The VCPU has
	// already left the nested guest, whose control block holds the exit
	// fields and the intercepts the guest hypervisor programmed.
	VMExit(vc *VCPU, code vmcb.ExitCode, info1, info2 uint64) error
}

// NPFKind classifies a nested page fault.
type NPFKind int

const (
	// NPFResolved means the fault was an accounting or shadow fault and
	// has been fixed up; the guest simply re-executes.
	NPFResolved NPFKind = iota
	// NPFMMIO means the address belongs to an emulated device.
	NPFMMIO
	// NPFGuest means the guest itself must see a #PF.
	NPFGuest
)

// NPFOutcome is the platform's verdict on a page fault.
type NPFOutcome struct {
	Kind      NPFKind
	FaultAddr uint64
	ErrorCode uint32
}

// Platform is the rest of the virtual machine: CPUID policy, MSRs, port
// I/O, the interrupt controller, the timer and guest memory management.
type Platform interface {
	CPUID(vcpu int, leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

	// ReadMSR and WriteMSR return an error when the access must #GP.
	ReadMSR(vcpu int, msr uint32) (uint64, error)
	WriteMSR(vcpu int, msr uint32, val uint64) error

	// IOPort performs a non-string port access. For reads the result is
	// stored in *val.
	IOPort(vcpu int, port uint16, size int, write bool, val *uint32) error

	// PendingInterrupt returns the highest priority interrupt waiting
	// for vcpu without acknowledging it.
	PendingInterrupt(vcpu int) (vector uint8, ok bool, err error)
	AckInterrupt(vcpu int, vector uint8) error

	// PageFault classifies a #PF (shadow paging) or #NPF exit. npf is
	// true for nested page faults, where addr is guest physical.
	PageFault(vcpu int, addr uint64, errCode uint64, npf bool) (NPFOutcome, error)

	// Hypercall handles VMMCALL. ErrFeatureUnsupported makes it #UD.
	Hypercall(vcpu int, ctx *GuestContext) error

	// TSCDeadline returns the host TSC value at which the vcpu's virtual
	// timer fires, if one is armed.
	TSCDeadline(vcpu int) (uint64, bool)

	FERRFreeze(vcpu int)
}
