package svm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/vmcb"
)

// NestedState tracks a guest hypervisor and the nested guest it runs.
type NestedState struct {
	// InGuest is true while the nested guest's control block is the one
	// being run.
	InGuest bool
	// GIF is the guest hypervisor's global interrupt flag.
	GIF bool

	// VMCB is the nested guest's control block, as set up by the nested
	// SVM emulator. While InGuest its intercepts are merged with the
	// engine's own.
	VMCB *vmcb.VMCB
	Phys uint64
	// MSRPM and IOPM are the guest hypervisor's permission maps, or nil
	// if it intercepts every access.
	MSRPM *vmcb.MSRPM
	IOPM  *vmcb.IOPM

	cache  nestedCache
	merged bool

	mergedMSRPM *vmcb.MSRPM
	mergedPages vmcb.Pages
}

// nestedCache holds what the guest hypervisor programmed into the fields
// the merge overwrites.
type nestedCache struct {
	crRead, crWrite uint16
	drRead, drWrite uint16
	xcpt            uint32
	ctrl1           uint32
	ctrl2           uint32
	ctrl3           uint32

	pauseCount     uint16
	pauseThreshold uint16
	tscOffset      uint64
	iopmPA         uint64
	msrpmPA        uint64
	nestedCtrl     uint64
	nestedCR3      uint64
	lbrVirt        uint64
	intCtrl        uint64
}

// intCtrlMerged are the interrupt control bits the merge may change.
const intCtrlMerged = vmcb.IntCtrlVIRQ | vmcb.IntCtrlVIgnTPR | vmcb.IntCtrlVIntrMasking |
	vmcb.IntCtrlVIntrPrioMask | vmcb.IntCtrlVIntrVecMask

func (c *nestedCache) capture(v *vmcb.VMCB) {
	ctl := &v.Ctrl
	*c = nestedCache{
		crRead:         ctl.InterceptReadCR,
		crWrite:        ctl.InterceptWriteCR,
		drRead:         ctl.InterceptReadDR,
		drWrite:        ctl.InterceptWriteDR,
		xcpt:           ctl.InterceptXcpt,
		ctrl1:          ctl.InterceptCtrl1,
		ctrl2:          ctl.InterceptCtrl2,
		ctrl3:          ctl.InterceptCtrl3,
		pauseCount:     ctl.PauseFilterCount,
		pauseThreshold: ctl.PauseFilterThreshold,
		tscOffset:      ctl.TSCOffset,
		iopmPA:         ctl.IOPMPhysAddr,
		msrpmPA:        ctl.MSRPMPhysAddr,
		nestedCtrl:     ctl.NestedCtrl,
		nestedCR3:      ctl.NestedCR3,
		lbrVirt:        ctl.LBRVirtCtrl,
		intCtrl:        ctl.IntCtrl & intCtrlMerged,
	}
}

// restore puts the guest hypervisor's own values back into v.
func (c *nestedCache) restore(v *vmcb.VMCB) {
	ctl := &v.Ctrl
	ctl.InterceptReadCR = c.crRead
	ctl.InterceptWriteCR = c.crWrite
	ctl.InterceptReadDR = c.drRead
	ctl.InterceptWriteDR = c.drWrite
	ctl.InterceptXcpt = c.xcpt
	ctl.InterceptCtrl1 = c.ctrl1
	ctl.InterceptCtrl2 = c.ctrl2
	ctl.InterceptCtrl3 = c.ctrl3
	ctl.PauseFilterCount = c.pauseCount
	ctl.PauseFilterThreshold = c.pauseThreshold
	ctl.TSCOffset = c.tscOffset
	ctl.IOPMPhysAddr = c.iopmPA
	ctl.MSRPMPhysAddr = c.msrpmPA
	ctl.NestedCtrl = c.nestedCtrl
	ctl.NestedCR3 = c.nestedCR3
	ctl.LBRVirtCtrl = c.lbrVirt
	ctl.IntCtrl = ctl.IntCtrl&^intCtrlMerged | c.intCtrl
	ctl.CleanBits = 0
}

func (n *NestedState) reset() {
	n.InGuest = false
	n.GIF = true
	n.VMCB = nil
	n.Phys = 0
	n.MSRPM = nil
	n.IOPM = nil
	n.cache = nestedCache{}
	n.merged = false
}

func (n *NestedState) freeMerged(alloc vmcb.Allocator) {
	if n.mergedMSRPM == nil {
		return
	}
	_ = n.mergedPages.Free(alloc)
	n.mergedMSRPM = nil
	n.mergedPages = vmcb.Pages{}
}

func (n *NestedState) innerCtrl1(bits uint32) bool {
	return n.InGuest && n.cache.ctrl1&bits != 0
}

func (n *NestedState) innerCtrl2(bits uint32) bool {
	return n.InGuest && n.cache.ctrl2&bits != 0
}

func (n *NestedState) innerCtrl3(bits uint32) bool {
	return n.InGuest && n.cache.ctrl3&bits != 0
}

func (n *NestedState) innerXcpt(vector uint8) bool {
	return n.InGuest && n.cache.xcpt&(1<<vector) != 0
}

func (n *NestedState) innerReadsCR(cr int) bool {
	return n.InGuest && n.cache.crRead&(1<<cr) != 0
}

func (n *NestedState) innerWritesCR(cr int) bool {
	return n.InGuest && n.cache.crWrite&(1<<cr) != 0
}

// reapplyDR sets the debug register intercepts of the guest hypervisor
// again after the engine dropped its own.
func (n *NestedState) reapplyDR(v *vmcb.VMCB) {
	ctl := &v.Ctrl
	if ctl.InterceptReadDR&n.cache.drRead == n.cache.drRead &&
		ctl.InterceptWriteDR&n.cache.drWrite == n.cache.drWrite {
		return
	}
	ctl.InterceptReadDR |= n.cache.drRead
	ctl.InterceptWriteDR |= n.cache.drWrite
	v.MarkDirty(vmcb.CleanIntercepts)
}

// InNestedGuest reports whether the nested guest is the one running.
func (vc *VCPU) InNestedGuest() bool { return vc.nested.InGuest }

// Nested returns the nested SVM state for the emulator.
func (vc *VCPU) Nested() *NestedState { return &vc.nested }

// SetGIF sets the guest hypervisor's global interrupt flag, as STGI and
// CLGI do.
func (vc *VCPU) SetGIF(on bool) {
	vc.nested.GIF = on
	if on {
		// Interrupts held back while GIF was clear may be taken now.
		vc.Request(RequestInterrupt)
	}
}

var errNestedState = errors.New("svm: nested guest state")

// EnterNestedGuest makes block, the nested guest's control block, the one
// the VCPU runs. The nested SVM emulator calls it to complete VMRUN, after
// it has advanced the guest hypervisor past the instruction. msrpm and
// iopm may be nil.
func (vc *VCPU) EnterNestedGuest(block *vmcb.VMCB, phys uint64, msrpm *vmcb.MSRPM, iopm *vmcb.IOPM) error {
	n := &vc.nested
	switch {
	case !vc.vm.cfg.NestedHWVirt:
		return fmt.Errorf("%w: vcpu %d: %w", errNestedState, vc.id, hv.ErrFeatureUnsupported)
	case n.InGuest:
		return fmt.Errorf("%w: vcpu %d: already in the nested guest", errNestedState, vc.id)
	case block == nil:
		return fmt.Errorf("%w: vcpu %d: no control block", errNestedState, vc.id)
	}
	if n.mergedMSRPM == nil {
		m, pages, err := vmcb.AllocMSRPM(vc.vm.e.cfg.Allocator)
		if err != nil {
			return fmt.Errorf("svm: vcpu %d: merged msrpm: %w: %w", vc.id, hv.ErrNoMemory, err)
		}
		n.mergedMSRPM, n.mergedPages = m, pages
	}

	vc.switchBlock(func() {
		vc.closeWindow(vc.vmcb)
		n.InGuest = true
		n.VMCB, n.Phys = block, phys
		n.MSRPM, n.IOPM = msrpm, iopm
		n.cache.capture(block)
		n.merged = false
	})
	vc.tscDirty = true
	vc.stats.NestedEntries++
	vc.log.Debug("entered nested guest", "vmcb", fmt.Sprintf("%#x", phys))
	return nil
}

// LeaveNestedGuest switches back to the guest hypervisor's control block.
// The nested guest's block keeps the guest state as of the exit, with the
// guest hypervisor's own intercepts restored.
func (vc *VCPU) LeaveNestedGuest() error {
	n := &vc.nested
	if !n.InGuest {
		return fmt.Errorf("%w: vcpu %d: not in the nested guest", errNestedState, vc.id)
	}
	vc.switchBlock(func() {
		vc.closeWindow(n.VMCB)
		if n.merged {
			n.cache.restore(n.VMCB)
			n.merged = false
		}
		n.InGuest = false
		n.VMCB, n.Phys = nil, 0
		n.MSRPM, n.IOPM = nil, nil
	})
	vc.tscDirty = true
	vc.stats.NestedExits++
	vc.log.Debug("left nested guest")
	return nil
}

// switchBlock changes the control block the VCPU runs. Context state not
// yet written back goes to the old block first, and afterwards every
// group is read from the new one on demand.
func (vc *VCPU) switchBlock(change func()) {
	old, _ := vc.current()
	if vc.dirty != 0 {
		exportState(old, &vc.ctx, vc.dirty)
		vc.dirty = 0
	}
	// Fields outside the block stay in the context.
	change()
	cur, _ := vc.current()
	vc.extrn = StateAll
	if vc.nmiBlocked {
		cur.SetInterceptCtrl1(vmcb.InterceptIRET, true)
	}
}

// mergeNested combines the guest hypervisor's intercepts with the
// engine's so that every exit either side wants is taken. It runs once per
// nested entry; the intercepts the engine adjusts per run are set on top
// afterwards.
func (vc *VCPU) mergeNested() {
	n := &vc.nested
	if n.merged {
		return
	}
	vm := vc.vm
	v := n.VMCB
	outer := &vc.vmcb.Ctrl
	c := &n.cache
	ctl := &v.Ctrl

	// Window, NMI and TPR intercepts of the outer block follow the guest
	// hypervisor's own event state, not the nested guest's.
	ctl.InterceptReadCR = c.crRead | outer.InterceptReadCR
	ctl.InterceptWriteCR = c.crWrite | outer.InterceptWriteCR&^(1<<8)
	ctl.InterceptReadDR = c.drRead | outer.InterceptReadDR
	ctl.InterceptWriteDR = c.drWrite | outer.InterceptWriteDR
	ctl.InterceptXcpt = c.xcpt | outer.InterceptXcpt
	ctl.InterceptCtrl1 = c.ctrl1 | outer.InterceptCtrl1&^(vmcb.InterceptVINTR|vmcb.InterceptIRET)
	ctl.InterceptCtrl2 = c.ctrl2 | outer.InterceptCtrl2
	ctl.InterceptCtrl3 = c.ctrl3 | outer.InterceptCtrl3
	if vc.nmiBlocked {
		ctl.InterceptCtrl1 |= vmcb.InterceptIRET
	}

	// The tighter pause filter wins.
	count, threshold := outer.PauseFilterCount, outer.PauseFilterThreshold
	if c.ctrl1&vmcb.InterceptPAUSE != 0 {
		if outer.InterceptCtrl1&vmcb.InterceptPAUSE == 0 || c.pauseCount < count {
			count = c.pauseCount
		}
		if outer.InterceptCtrl1&vmcb.InterceptPAUSE == 0 || c.pauseThreshold < threshold {
			threshold = c.pauseThreshold
		}
	}
	ctl.PauseFilterCount, ctl.PauseFilterThreshold = count, threshold

	// Port accesses are all intercepted by the engine; MSRs by whichever
	// side asks for them.
	*n.mergedMSRPM = *vc.msrpm
	if n.MSRPM != nil {
		n.mergedMSRPM.Merge(n.MSRPM)
	} else {
		n.mergedMSRPM.SetAll()
	}
	ctl.MSRPMPhysAddr = n.mergedPages.Phys

	// The nested guest runs on the engine's paging.
	ctl.NestedCtrl = outer.NestedCtrl
	ctl.NestedCR3 = outer.NestedCR3
	ctl.LBRVirtCtrl = outer.LBRVirtCtrl

	ctl.IntCtrl &^= vmcb.IntCtrlVIRQ | vmcb.IntCtrlVIgnTPR
	vm.applyMandatory(v)
	ctl.CleanBits = 0
	n.merged = true
}

// wants reports whether the guest hypervisor intercepts the exit.
func (n *NestedState) wants(vc *VCPU, t *transient) bool {
	c := &n.cache
	code := t.exitCode
	switch {
	case code <= vmcb.ExitReadCR15:
		return n.innerReadsCR(int(code - vmcb.ExitReadCR0))
	case code <= vmcb.ExitWriteCR15:
		return n.innerWritesCR(int(code - vmcb.ExitWriteCR0))
	case code <= vmcb.ExitReadDR15:
		return c.drRead&(1<<(code-vmcb.ExitReadDR0)) != 0
	case code <= vmcb.ExitWriteDR15:
		return c.drWrite&(1<<(code-vmcb.ExitWriteDR0)) != 0
	case code <= vmcb.ExitXcpt31:
		return n.innerXcpt(uint8(code - vmcb.ExitXcpt0))
	case code == vmcb.ExitIOIO:
		if c.ctrl1&vmcb.InterceptIOIOProt == 0 {
			return false
		}
		if n.IOPM == nil {
			return true
		}
		return n.IOPM.Intercepts(uint16(t.exitInfo1>>ioioPortS), ioioSize(t.exitInfo1))
	case code == vmcb.ExitMSR:
		if c.ctrl1&vmcb.InterceptMSRProt == 0 {
			return false
		}
		if n.MSRPM == nil {
			return true
		}
		access := vmcb.MSRRead
		if t.exitInfo1 != 0 {
			access = vmcb.MSRWrite
		}
		msr := uint32(vc.Context(StateRAX).GPR[RCX])
		return n.MSRPM.Intercepts(msr, access)
	case code <= vmcb.ExitShutdown:
		return c.ctrl1&(1<<(code-vmcb.ExitINTR)) != 0
	case code >= vmcb.ExitCR0WriteTrap && code <= vmcb.ExitCR15WriteTrap:
		return c.ctrl2&(vmcb.InterceptCR0WriteTrap<<(code-vmcb.ExitCR0WriteTrap)) != 0
	case code <= vmcb.ExitEFERWriteTrap:
		return c.ctrl2&(1<<(code-vmcb.ExitVMRUN)) != 0
	case code <= vmcb.ExitTLBSYNC:
		return c.ctrl3&(1<<(code-vmcb.ExitINVLPGB)) != 0
	}
	return false
}
