package svm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/svm/internal/debug"
	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/timeslice"
	"github.com/tinyrange/svm/internal/vmcb"
)

// Request is a bit set of work raised against a VCPU from outside the run
// loop.
type Request uint32

const (
	RequestTimer Request = 1 << iota
	RequestDMA
	RequestPoolFlush
	RequestStop

	// RequestTLBFlush asks for a flush of the VCPU's ASID on next entry.
	RequestTLBFlush
	// RequestInterrupt hints that the interrupt controller may have
	// something for the VCPU.
	RequestInterrupt
	RequestNMI

	// hostRequests make the run loop return to its caller.
	hostRequests = RequestTimer | RequestDMA | RequestPoolFlush | RequestStop
)

var requestNames = [...]string{"timer", "dma", "pool-flush", "stop", "tlb-flush", "interrupt", "nmi"}

func (r Request) String() string {
	if r == 0 {
		return "none"
	}
	var parts []string
	for i, name := range requestNames {
		if r&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

func orRequests(v *atomicbitops.Uint32, bits uint32) {
	for {
		old := v.Load()
		if old&bits == bits || v.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

func andNotRequests(v *atomicbitops.Uint32, bits uint32) {
	for {
		old := v.Load()
		if old&bits == 0 || v.CompareAndSwap(old, old&^bits) {
			return
		}
	}
}

// ExitKind says what the caller of RunOnce must do next.
type ExitKind int

const (
	// ExitContinue means the guest may be resumed immediately.
	ExitContinue ExitKind = iota
	// ExitToHost means host-level work is outstanding or the exit must be
	// completed outside the engine.
	ExitToHost
	// ExitHalt means the guest is idle until an interrupt arrives.
	ExitHalt
	// ExitReset means the VM must be reset, usually after a triple fault.
	ExitReset
	// ExitGuestHang means the guest is stuck in an event loop the CPU
	// would never leave.
	ExitGuestHang
	// ExitInvalidState means the guest could not be entered.
	ExitInvalidState
)

func (k ExitKind) String() string {
	switch k {
	case ExitContinue:
		return "continue"
	case ExitToHost:
		return "to-host"
	case ExitHalt:
		return "halt"
	case ExitReset:
		return "reset"
	case ExitGuestHang:
		return "hang"
	case ExitInvalidState:
		return "invalid-state"
	default:
		return fmt.Sprintf("ExitKind(%d)", int(k))
	}
}

// ExitReason is the result of RunOnce.
type ExitReason struct {
	Kind ExitKind
	// Code is the last hardware exit code handled, if any.
	Code vmcb.ExitCode
	Why  string
	// Requests holds the host requests outstanding for ExitToHost.
	Requests Request
}

func (r ExitReason) String() string {
	s := r.Kind.String()
	if r.Why != "" {
		s += " (" + r.Why + ")"
	}
	if r.Requests != 0 {
		s += " requests=" + r.Requests.String()
	}
	return s
}

// Err maps terminal exit kinds to the matching sentinel error.
func (r ExitReason) Err() error {
	switch r.Kind {
	case ExitReset:
		if r.Why == whyTripleFault {
			return hv.ErrTripleFault
		}
	case ExitGuestHang:
		return hv.ErrGuestHang
	case ExitInvalidState:
		return hv.ErrInvalidGuestState
	}
	return nil
}

var continueReason = ExitReason{Kind: ExitContinue}

const whyTripleFault = "triple fault"

// VCPU is one virtual CPU. All methods must be called from the VCPU's own
// worker except Request.
type VCPU struct {
	vm  *VM
	id  int
	log *slog.Logger

	vmcb       *vmcb.VMCB
	vmcbPages  vmcb.Pages
	msrpm      *vmcb.MSRPM
	msrpmPages vmcb.Pages

	ctx GuestContext
	// extrn is guest state that still only lives in the active control
	// block; dirty is context state not yet exported to it.
	extrn StateMask
	dirty StateMask

	requests atomicbitops.Uint32

	// Tagged TLB.
	asid           uint32
	lastHostCPU    int
	lastGeneration uint32
	lastRunBlock   *vmcb.VMCB
	// asidNested is set while asid tags the nested guest's translations.
	asidNested bool

	// Event engine.
	evState    EventState
	pending    vmcb.Event
	pendingCR2 uint64
	hostTrap   *trap
	// deferred holds interrupts and NMIs taken from the platform but
	// not yet delivered, a latched NMI first.
	deferred   []vmcb.Event
	nmiBlocked bool
	windowOpen bool

	// TSC.
	tscOffset uint64
	tscDirty  bool

	entered     bool
	enabledCPU  int
	fpuLoaded   bool
	debugLoaded bool

	nested NestedState

	stats  Stats
	trace  debug.Debug
	slices *timeslice.Recorder
}

func (vc *VCPU) init() {
	vc.log = vc.vm.log.With("vcpu", vc.id)
	vc.trace = debug.WithSource(fmt.Sprintf("svm/%s/vcpu%d", vc.vm.cfg.Name, vc.id))
	vc.slices = timeslice.NewRecorder(vc.id)
	vc.enabledCPU = -1
	vc.stats.init()
}

// reset puts the VCPU into its power-on state.
func (vc *VCPU) reset() {
	resetContext(&vc.ctx)
	vc.extrn = 0
	vc.dirty = StateAll
	vc.evState = EventIdle
	vc.pending = vmcb.Event{}
	vc.hostTrap = nil
	vc.deferred = nil
	vc.nmiBlocked = false
	vc.windowOpen = false
	vc.tscOffset = 0
	vc.tscDirty = true
	vc.nested.reset()
	vc.vmcb.Ctrl.EventInject = 0
	vc.vmcb.SetInterceptCtrl1(vmcb.InterceptIRET|vmcb.InterceptVINTR, false)
	vc.vmcb.SetIntCtrl(vmcb.IntCtrlVIRQ|vmcb.IntCtrlVIgnTPR, false)
	vc.vmcb.SetInterceptWriteCR(8, false)
	vc.vmcb.MarkDirty(vmcb.CleanAll)
}

// Reset puts the VCPU back into its power-on state, as after INIT or a
// triple fault.
func (vc *VCPU) Reset() {
	vc.reset()
	vc.log.Info("vcpu reset")
}

func (vc *VCPU) free(alloc vmcb.Allocator) error {
	err1 := vc.vmcbPages.Free(alloc)
	err2 := vc.msrpmPages.Free(alloc)
	vc.nested.freeMerged(alloc)
	vc.vmcb, vc.msrpm = nil, nil
	vc.vmcbPages, vc.msrpmPages = vmcb.Pages{}, vmcb.Pages{}
	if err1 != nil {
		return err1
	}
	return err2
}

// ID returns the VCPU number.
func (vc *VCPU) ID() int { return vc.id }

// VM returns the VM the VCPU belongs to.
func (vc *VCPU) VM() *VM { return vc.vm }

// VMCB returns the VCPU's own control block.
func (vc *VCPU) VMCB() *vmcb.VMCB { return vc.vmcb }

// MSRPM returns the VCPU's MSR permission map.
func (vc *VCPU) MSRPM() *vmcb.MSRPM { return vc.msrpm }

// ASID returns the ASID of the last run.
func (vc *VCPU) ASID() uint32 { return vc.asid }

// LastHostCPU returns the host CPU of the last run, or -1.
func (vc *VCPU) LastHostCPU() int { return vc.lastHostCPU }

// current returns the control block the next run uses.
func (vc *VCPU) current() (*vmcb.VMCB, uint64) {
	if vc.nested.InGuest {
		return vc.nested.VMCB, vc.nested.Phys
	}
	return vc.vmcb, vc.vmcbPages.Phys
}

// Context returns the guest context with at least the groups in mask up
// to date.
func (vc *VCPU) Context(mask StateMask) *GuestContext {
	if need := vc.extrn & mask; need != 0 {
		v, _ := vc.current()
		importState(v, &vc.ctx, need)
		vc.extrn &^= need
	}
	return &vc.ctx
}

// MarkDirty records that the groups in mask were changed through Context
// and must be written back before the next run.
func (vc *VCPU) MarkDirty(mask StateMask) {
	vc.Context(mask)
	vc.dirty |= mask
}

// AdvanceRIP skips n bytes of guest code and drops the interrupt shadow
// the skipped instruction may have set up.
func (vc *VCPU) AdvanceRIP(n int) {
	ctx := vc.Context(StateRIP | StateIntShadow)
	ctx.RIP += uint64(n)
	ctx.IntShadow = false
	vc.MarkDirty(StateRIP | StateIntShadow)
}

// Request raises r for this VCPU. It is safe to call from any goroutine.
func (vc *VCPU) Request(r Request) { orRequests(&vc.requests, uint32(r)) }

// Ack clears requests the caller has processed.
func (vc *VCPU) Ack(r Request) { andNotRequests(&vc.requests, uint32(r)) }

// Requests returns the requests outstanding for this VCPU, including
// VM-wide ones.
func (vc *VCPU) Requests() Request {
	return Request(vc.requests.Load() | vc.vm.requests.Load())
}

// EnterContext prepares the VCPU to run on the calling goroutine. With
// per-call enabling it arms SVM on the current host CPU.
func (vc *VCPU) EnterContext() error {
	e := vc.vm.e
	if err := e.checkOpen(); err != nil {
		return err
	}
	if vc.entered {
		return nil
	}
	if e.cfg.PerCallEnable {
		cpu, unpin := e.cfg.Host.Pin()
		_, err := e.cpus.EnsureEnabled(cpu)
		unpin()
		if err != nil {
			return fmt.Errorf("svm: vcpu %d: enter: %w", vc.id, err)
		}
		vc.enabledCPU = cpu
	}
	vc.entered = true
	vc.log.Debug("entered context")
	return nil
}

// LeaveContext saves lazily loaded guest state and, with per-call
// enabling, disarms the CPU armed by EnterContext.
func (vc *VCPU) LeaveContext() error {
	if !vc.entered {
		return ErrNotEntered
	}
	e := vc.vm.e
	host := e.cfg.Host
	if vc.fpuLoaded {
		host.SaveGuestFPU(vc.id)
		vc.fpuLoaded = false
		vc.vmcb.SetInterceptXcpt(vmcb.XcptNM, true)
	}
	if vc.debugLoaded {
		host.SaveGuestDebug(&vc.ctx.DR)
		vc.debugLoaded = false
		vc.vmcb.SetInterceptAllDR(true)
	}
	vc.entered = false
	if e.cfg.PerCallEnable && vc.enabledCPU >= 0 {
		cpu := vc.enabledCPU
		vc.enabledCPU = -1
		if err := e.cpus.Disable(cpu); err != nil {
			return fmt.Errorf("svm: vcpu %d: leave: %w", vc.id, err)
		}
	}
	vc.log.Debug("left context")
	return nil
}

// RunOnce runs the guest until an exit needs the caller's attention or
// MaxResumeLoops exits have been handled in the engine.
func (vc *VCPU) RunOnce(ctx context.Context) (ExitReason, error) {
	if !vc.entered {
		return ExitReason{}, ErrNotEntered
	}
	if err := vc.vm.e.checkOpen(); err != nil {
		return ExitReason{}, err
	}
	for i := 0; i < vc.vm.cfg.MaxResumeLoops; i++ {
		if err := ctx.Err(); err != nil {
			return ExitReason{Kind: ExitToHost, Why: "cancelled"}, err
		}
		reason, err := vc.runIteration()
		if err != nil {
			return reason, err
		}
		if reason.Kind != ExitContinue {
			return reason, nil
		}
	}
	vc.stats.ResumeLimit++
	return ExitReason{Kind: ExitContinue, Why: "resume limit"}, nil
}
