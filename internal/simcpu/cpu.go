package simcpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/svm/internal/svm"
	"github.com/tinyrange/svm/internal/vmcb"
)

// ErrScriptDone is returned by Run when a block has no step left and the
// CPU has no default program.
var ErrScriptDone = errors.New("simcpu: script exhausted")

const eferSVME = 1 << 12

// Exit is what the guest did to leave.
type Exit struct {
	Code  vmcb.ExitCode
	Info1 uint64
	Info2 uint64
	// IntInfo reports an event whose delivery the exit interrupted.
	IntInfo uint64
	// Len is the length of the intercepted instruction. Hardware with
	// next-RIP saving reports RIP+Len.
	Len int
}

// Run is one guest execution as seen by a step.
type Run struct {
	Seq     int
	HostCPU int
	VMCB    *vmcb.VMCB
	Phys    uint64
	GPRs    *svm.GPRs

	Injected    vmcb.Event
	HasInjected bool
}

// Step is one scripted guest run.
type Step struct {
	// Guest runs before the exit is taken and may change guest state.
	Guest func(r *Run)
	Exit  Exit
	// Undelivered reports the injected event back through EXITINTINFO, as
	// if the exit had cut its delivery short.
	Undelivered bool
}

// Program produces the exit for a block without a script.
type Program func(r *Run) Step

// RunRecord describes one VMRUN.
type RunRecord struct {
	Seq      int
	HostCPU  int
	Phys     uint64
	ASID     uint32
	Flush    vmcb.TLBFlush
	Clean    vmcb.CleanBits
	Injected uint64
	Exit     vmcb.ExitCode
}

// CPU executes VMRUN in software. It implements svm.Switcher.
//
// Besides replaying scripts it checks what hardware would do with the
// block: it fails entry on state VMRUN refuses, it reports clean bits set
// over fields that changed since the block was cached on that CPU, TLB
// entries that could leak between address spaces through a reused ASID,
// and exits taken for events that were not intercepted.
type CPU struct {
	mu      sync.Mutex
	maxASID uint32
	seq     int

	scripts map[*vmcb.VMCB][]Step
	Default Program

	// cached is what each host CPU last loaded for each block.
	cached []map[uint64]*vmcb.VMCB
	// owner maps each ASID with live translations on a host CPU to the
	// block that created them.
	owner []map[uint32]uint64

	runs       []RunRecord
	delivered  []vmcb.Event
	violations []string

	// KeepRuns bounds the run log. Zero keeps everything.
	KeepRuns int
}

// NewCPU returns a CPU model for ncpu host CPUs with the given ASID limit.
func NewCPU(ncpu int, maxASID uint32) *CPU {
	c := &CPU{
		maxASID: maxASID,
		scripts: make(map[*vmcb.VMCB][]Step),
		cached:  make([]map[uint64]*vmcb.VMCB, ncpu),
		owner:   make([]map[uint32]uint64, ncpu),
	}
	for i := range c.cached {
		c.cached[i] = make(map[uint64]*vmcb.VMCB)
		c.owner[i] = make(map[uint32]uint64)
	}
	return c
}

// Script queues steps for runs of block v.
func (c *CPU) Script(v *vmcb.VMCB, steps ...Step) {
	c.mu.Lock()
	c.scripts[v] = append(c.scripts[v], steps...)
	c.mu.Unlock()
}

// Pending returns the number of steps still queued for v.
func (c *CPU) Pending(v *vmcb.VMCB) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scripts[v])
}

// Runs returns the run log.
func (c *CPU) Runs() []RunRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RunRecord(nil), c.runs...)
}

// Delivered returns every injected event that reached the guest, in order.
func (c *CPU) Delivered() []vmcb.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]vmcb.Event(nil), c.delivered...)
}

// Violations returns every hardware rule the engine broke.
func (c *CPU) Violations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.violations...)
}

func (c *CPU) violate(format string, args ...any) {
	c.violations = append(c.violations, fmt.Sprintf(format, args...))
}

// Run implements svm.Switcher.
func (c *CPU) Run(hostCPU int, v *vmcb.VMCB, phys uint64, gprs *svm.GPRs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hostCPU < 0 || hostCPU >= len(c.cached) {
		return fmt.Errorf("simcpu: vmrun on cpu %d of %d", hostCPU, len(c.cached))
	}
	c.seq++

	if why := c.checkEntry(v); why != "" {
		c.violate("run %d: vmrun refused: %s", c.seq, why)
		v.Ctrl.ExitCode = uint64(vmcb.ExitInvalidState)
		v.Ctrl.ExitInfo1, v.Ctrl.ExitInfo2, v.Ctrl.ExitIntInfo = 0, 0, 0
		c.record(hostCPU, v, phys)
		return nil
	}
	c.checkClean(hostCPU, v, phys)
	c.checkTLB(hostCPU, v, phys)

	r := &Run{Seq: c.seq, HostCPU: hostCPU, VMCB: v, Phys: phys, GPRs: gprs}
	r.Injected, r.HasInjected = vmcb.DecodeEvent(v.Ctrl.EventInject)

	var step Step
	if q := c.scripts[v]; len(q) > 0 {
		step = q[0]
		c.scripts[v] = q[1:]
	} else if c.Default != nil {
		step = c.Default(r)
	} else {
		return fmt.Errorf("%w: block %#x", ErrScriptDone, phys)
	}

	// The guest runs without the lock, as it may call back into the
	// host model.
	if step.Guest != nil {
		c.mu.Unlock()
		step.Guest(r)
		c.mu.Lock()
	}

	ex := step.Exit
	if !Intercepted(v, ex.Code) {
		c.violate("run %d: exit %s taken without its intercept", c.seq, ex.Code)
	}
	ctl := &v.Ctrl
	ctl.ExitCode = uint64(ex.Code)
	ctl.ExitInfo1 = ex.Info1
	ctl.ExitInfo2 = ex.Info2
	ctl.ExitIntInfo = ex.IntInfo
	ctl.NextRIP = 0
	if ex.Len > 0 {
		ctl.NextRIP = v.State.RIP + uint64(ex.Len)
	}
	if r.HasInjected {
		if step.Undelivered {
			ctl.ExitIntInfo = r.Injected.Encode()
		} else {
			c.delivered = append(c.delivered, r.Injected)
		}
	}

	c.record(hostCPU, v, phys)
	// The block as it stands now is what this CPU has cached.
	snap := *v
	c.cached[hostCPU][phys] = &snap
	return nil
}

func (c *CPU) record(hostCPU int, v *vmcb.VMCB, phys uint64) {
	if c.KeepRuns > 0 && len(c.runs) >= c.KeepRuns {
		c.runs = c.runs[1:]
	}
	c.runs = append(c.runs, RunRecord{
		Seq:      c.seq,
		HostCPU:  hostCPU,
		Phys:     phys,
		ASID:     v.Ctrl.TLBCtrl.ASID,
		Flush:    v.Ctrl.TLBCtrl.Flush,
		Clean:    v.Clean(),
		Injected: v.Ctrl.EventInject,
		Exit:     vmcb.ExitCode(v.Ctrl.ExitCode),
	})
}

// checkEntry returns why VMRUN would fail the consistency checks.
func (c *CPU) checkEntry(v *vmcb.VMCB) string {
	s := &v.State
	ctl := &v.Ctrl
	switch {
	case s.EFER&eferSVME == 0:
		return "EFER.SVME clear"
	case s.CR0&(1<<30) == 0 && s.CR0&(1<<29) != 0:
		return "CR0.NW without CR0.CD"
	case s.CR0>>32 != 0:
		return "CR0 reserved bits"
	case ctl.InterceptCtrl2&vmcb.InterceptVMRUN == 0:
		return "VMRUN not intercepted"
	case ctl.TLBCtrl.ASID == 0:
		return "ASID 0"
	case c.maxASID != 0 && ctl.TLBCtrl.ASID >= c.maxASID:
		return fmt.Sprintf("ASID %d beyond %d", ctl.TLBCtrl.ASID, c.maxASID)
	}
	switch ctl.TLBCtrl.Flush {
	case vmcb.TLBFlushNothing, vmcb.TLBFlushEntire, vmcb.TLBFlushSingleContext, vmcb.TLBFlushSingleNonGlobal:
	default:
		return fmt.Sprintf("TLB control %#x", uint8(ctl.TLBCtrl.Flush))
	}
	if ev, ok := vmcb.DecodeEvent(ctl.EventInject); ok {
		switch ev.Type {
		case vmcb.EventExtInt, vmcb.EventNMI, vmcb.EventSoftInt:
		case vmcb.EventException:
			if ev.Vector > 31 || ev.Vector == vmcb.XcptNMI {
				return fmt.Sprintf("exception vector %d", ev.Vector)
			}
			if ev.HasErrorCode != vmcb.XcptHasErrorCode(ev.Vector) {
				return fmt.Sprintf("error code mismatch for %s", ev)
			}
		default:
			return fmt.Sprintf("event type %s", ev.Type)
		}
	}
	return ""
}

// cleanArea compares the fields one clean bit covers.
type cleanArea struct {
	bit   vmcb.CleanBits
	equal func(a, b *vmcb.VMCB) bool
}

var cleanAreas = []cleanArea{
	{vmcb.CleanIntercepts, func(a, b *vmcb.VMCB) bool {
		x, y := &a.Ctrl, &b.Ctrl
		return x.InterceptReadCR == y.InterceptReadCR && x.InterceptWriteCR == y.InterceptWriteCR &&
			x.InterceptReadDR == y.InterceptReadDR && x.InterceptWriteDR == y.InterceptWriteDR &&
			x.InterceptXcpt == y.InterceptXcpt && x.InterceptCtrl1 == y.InterceptCtrl1 &&
			x.InterceptCtrl2 == y.InterceptCtrl2 && x.InterceptCtrl3 == y.InterceptCtrl3 &&
			x.PauseFilterCount == y.PauseFilterCount && x.PauseFilterThreshold == y.PauseFilterThreshold &&
			x.TSCOffset == y.TSCOffset
	}},
	{vmcb.CleanIOPMMSRPM, func(a, b *vmcb.VMCB) bool {
		return a.Ctrl.IOPMPhysAddr == b.Ctrl.IOPMPhysAddr && a.Ctrl.MSRPMPhysAddr == b.Ctrl.MSRPMPhysAddr
	}},
	{vmcb.CleanASID, func(a, b *vmcb.VMCB) bool { return a.Ctrl.TLBCtrl.ASID == b.Ctrl.TLBCtrl.ASID }},
	{vmcb.CleanTPR, func(a, b *vmcb.VMCB) bool { return a.Ctrl.IntCtrl == b.Ctrl.IntCtrl }},
	{vmcb.CleanNP, func(a, b *vmcb.VMCB) bool {
		return a.Ctrl.NestedCtrl == b.Ctrl.NestedCtrl && a.Ctrl.NestedCR3 == b.Ctrl.NestedCR3 &&
			a.State.PAT == b.State.PAT
	}},
	{vmcb.CleanCRX, func(a, b *vmcb.VMCB) bool {
		x, y := &a.State, &b.State
		return x.CR0 == y.CR0 && x.CR3 == y.CR3 && x.CR4 == y.CR4 && x.EFER == y.EFER
	}},
	{vmcb.CleanDRX, func(a, b *vmcb.VMCB) bool { return a.State.DR6 == b.State.DR6 && a.State.DR7 == b.State.DR7 }},
	{vmcb.CleanDT, func(a, b *vmcb.VMCB) bool { return a.State.GDTR == b.State.GDTR && a.State.IDTR == b.State.IDTR }},
	{vmcb.CleanSeg, func(a, b *vmcb.VMCB) bool {
		x, y := &a.State, &b.State
		return x.CS == y.CS && x.DS == y.DS && x.SS == y.SS && x.ES == y.ES && x.CPL == y.CPL
	}},
	{vmcb.CleanCR2, func(a, b *vmcb.VMCB) bool { return a.State.CR2 == b.State.CR2 }},
	{vmcb.CleanLBR, func(a, b *vmcb.VMCB) bool { return a.State.DebugCtl == b.State.DebugCtl }},
	{vmcb.CleanAVIC, func(a, b *vmcb.VMCB) bool {
		return a.Ctrl.AVICBackingPage == b.Ctrl.AVICBackingPage &&
			a.Ctrl.AVICLogicalTable == b.Ctrl.AVICLogicalTable &&
			a.Ctrl.AVICPhysicalTable == b.Ctrl.AVICPhysicalTable
	}},
}

// checkClean reports areas marked clean whose contents differ from what
// hostCPU cached for the block. Hardware would run with the stale copy.
func (c *CPU) checkClean(hostCPU int, v *vmcb.VMCB, phys uint64) {
	clean := v.Clean()
	if clean == 0 {
		return
	}
	old, ok := c.cached[hostCPU][phys]
	if !ok {
		// Nothing cached: hardware ignores the clean bits.
		return
	}
	for _, area := range cleanAreas {
		if clean&area.bit != 0 && !area.equal(old, v) {
			c.violate("run %d: cpu %d block %#x: %s marked clean but changed", c.seq, hostCPU, phys, area.bit)
		}
	}
}

// checkTLB applies the flush and reports an ASID whose translations were
// created by another block.
func (c *CPU) checkTLB(hostCPU int, v *vmcb.VMCB, phys uint64) {
	owners := c.owner[hostCPU]
	asid := v.Ctrl.TLBCtrl.ASID
	switch v.Ctrl.TLBCtrl.Flush {
	case vmcb.TLBFlushEntire:
		clear(owners)
	case vmcb.TLBFlushSingleContext, vmcb.TLBFlushSingleNonGlobal:
		delete(owners, asid)
	}
	if prev, ok := owners[asid]; ok && prev != phys {
		c.violate("run %d: cpu %d asid %d reused by block %#x without a flush (translations of %#x)",
			c.seq, hostCPU, asid, phys, prev)
	}
	owners[asid] = phys
}

// Intercepted reports whether v intercepts the event behind code.
func Intercepted(v *vmcb.VMCB, code vmcb.ExitCode) bool {
	ctl := &v.Ctrl
	switch {
	case code <= vmcb.ExitReadCR15:
		return ctl.InterceptReadCR&(1<<(code-vmcb.ExitReadCR0)) != 0
	case code <= vmcb.ExitWriteCR15:
		return ctl.InterceptWriteCR&(1<<(code-vmcb.ExitWriteCR0)) != 0
	case code <= vmcb.ExitReadDR15:
		return ctl.InterceptReadDR&(1<<(code-vmcb.ExitReadDR0)) != 0
	case code <= vmcb.ExitWriteDR15:
		return ctl.InterceptWriteDR&(1<<(code-vmcb.ExitWriteDR0)) != 0
	case code <= vmcb.ExitXcpt31:
		return ctl.InterceptXcpt&(1<<(code-vmcb.ExitXcpt0)) != 0
	case code <= vmcb.ExitShutdown:
		return ctl.InterceptCtrl1&(1<<(code-vmcb.ExitINTR)) != 0
	case code <= vmcb.ExitCR15WriteTrap:
		return ctl.InterceptCtrl2&(1<<(code-vmcb.ExitVMRUN)) != 0
	case code <= vmcb.ExitTLBSYNC:
		return ctl.InterceptCtrl3&(1<<(code-vmcb.ExitINVLPGB)) != 0
	case code == vmcb.ExitNPF:
		return ctl.NestedCtrl&vmcb.NestedCtrlNP != 0
	}
	return true
}

var _ svm.Switcher = &CPU{}
