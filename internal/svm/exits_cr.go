package svm

import (
	"github.com/tinyrange/svm/internal/vmcb"
)

// cr4Known are the CR4 bits a guest may set.
const cr4Known = 0xfff | 1<<16 | 1<<17 | 1<<18 | 1<<20 | 1<<21 | 1<<22 | 1<<23

func crOf(code vmcb.ExitCode) int {
	if code >= vmcb.ExitWriteCR0 {
		return int(code - vmcb.ExitWriteCR0)
	}
	return int(code - vmcb.ExitReadCR0)
}

func (vc *VCPU) readCR(cr int) uint64 {
	ctx := vc.Context(StateCRs | StateTPR)
	switch cr {
	case 0:
		return ctx.CR0
	case 2:
		return ctx.CR2
	case 3:
		return ctx.CR3
	case 4:
		return ctx.CR4
	case 8:
		return ctx.CR8
	}
	return 0
}

func exitReadCR(vc *VCPU, t *transient) (ExitReason, error) {
	gpr, ok := vc.decodedGPR(t)
	if !ok {
		return vc.interpret(t)
	}
	vc.setGPR(gpr, vc.operand(vc.readCR(crOf(t.exitCode))))
	vc.advance(t, 3)
	return continueReason, nil
}

func exitWriteCR(vc *VCPU, t *transient) (ExitReason, error) {
	gpr, ok := vc.decodedGPR(t)
	if !ok {
		reason, err := vc.interpret(t)
		if err == nil {
			vc.crChanged(t, crOf(t.exitCode))
		}
		return reason, err
	}
	val := vc.operand(vc.gpr(gpr))
	if fault := vc.writeCR(crOf(t.exitCode), val); fault {
		return vc.raise(t, exception(vmcb.XcptGP, 0), 0)
	}
	vc.advance(t, 3)
	return continueReason, nil
}

// writeCR applies a guest write to a control register. It reports true
// when the write must #GP instead.
func (vc *VCPU) writeCR(cr int, val uint64) bool {
	ctx := vc.Context(StateCRs | StateTPR)
	switch cr {
	case 0:
		switch {
		case val>>32 != 0,
			val&cr0PG != 0 && val&cr0PE == 0,
			val&cr0NW != 0 && val&cr0CD == 0:
			return true
		}
		old := ctx.CR0
		// ET is hardwired.
		ctx.CR0 = val | 0x10
		vc.MarkDirty(StateCR0)
		if (old^val)&(cr0PG|cr0WP|cr0PE) != 0 {
			vc.pagingChanged()
		}
	case 3:
		ctx.CR3 = val
		vc.MarkDirty(StateCR3)
		vc.pagingChanged()
	case 4:
		if val&^cr4Known != 0 {
			return true
		}
		old := ctx.CR4
		ctx.CR4 = val
		vc.MarkDirty(StateCR4)
		if (old^val)&(cr4PAE|cr4PGE|cr4PCIDE) != 0 {
			vc.pagingChanged()
		}
	case 8:
		if val > 0xf {
			return true
		}
		ctx.CR8 = val
		vc.MarkDirty(StateTPR)
		// A lower priority may unmask a waiting interrupt.
		vc.Request(RequestInterrupt)
	}
	return false
}

// crChanged runs the side effects of a control register write completed
// by the interpreter.
func (vc *VCPU) crChanged(t *transient, cr int) {
	switch cr {
	case 0, 3, 4:
		vc.pagingChanged()
	case 8:
		vc.Request(RequestInterrupt)
	}
}

// pagingChanged flushes the guest's translations after a paging control
// change. With nested paging hardware tracks this itself.
func (vc *VCPU) pagingChanged() {
	if !vc.vm.nestedPaging {
		vc.Request(RequestTLBFlush)
	}
}

func drOf(code vmcb.ExitCode) (dr int, write bool) {
	if code >= vmcb.ExitWriteDR0 {
		return int(code - vmcb.ExitWriteDR0), true
	}
	return int(code - vmcb.ExitReadDR0), false
}

// exitDR handles debug register accesses. The first access loads the
// guest's debug registers and lets the instruction run again natively;
// only DR7 writes keep exiting after that.
func exitDR(vc *VCPU, t *transient) (ExitReason, error) {
	dr, write := drOf(t.exitCode)
	ctx := vc.Context(StateCR4 | StateDR6 | StateDR7)
	if dr == 4 || dr == 5 {
		if ctx.CR4&cr4DE != 0 {
			return vc.raise(t, exception(vmcb.XcptUD, 0), 0)
		}
		dr += 2
	}
	if !(write && dr == 7) {
		if !vc.debugLoaded {
			vc.loadGuestDebug(t.vmcb)
			return continueReason, nil
		}
		// Still intercepted for the nested guest's hypervisor, or the
		// access raced with a reload: emulate.
		return vc.interpret(t)
	}

	gpr, ok := vc.decodedGPR(t)
	if !ok {
		reason, err := vc.interpret(t)
		if err == nil {
			vc.dr7Changed(t)
		}
		return reason, err
	}
	val := vc.operand(vc.gpr(gpr))
	if val>>32 != 0 {
		return vc.raise(t, exception(vmcb.XcptGP, 0), 0)
	}
	ctx.DR[7] = val | dr7Init
	vc.MarkDirty(StateDR7)
	vc.dr7Changed(t)
	vc.advance(t, 3)
	return continueReason, nil
}

func (vc *VCPU) dr7Changed(t *transient) {
	if !vc.debugLoaded && vc.Context(StateDR7).DR[7]&dr7Enabled != 0 {
		vc.loadGuestDebug(t.vmcb)
	}
}
