package svm

import (
	"fmt"

	"github.com/tinyrange/svm/internal/vmcb"
)

// IOIO exit information.
const (
	ioioIn    = 1 << 0
	ioioStr   = 1 << 2
	ioioRep   = 1 << 3
	ioioSz8   = 1 << 4
	ioioSz16  = 1 << 5
	ioioSz32  = 1 << 6
	ioioPortS = 16
)

func ioioSize(info1 uint64) int {
	switch {
	case info1&ioioSz32 != 0:
		return 4
	case info1&ioioSz16 != 0:
		return 2
	}
	return 1
}

// exitIOIO performs port I/O. String and REP forms go through the
// interpreter; the rest are decoded from the exit information alone.
func exitIOIO(vc *VCPU, t *transient) (ExitReason, error) {
	info := t.exitInfo1
	if info&(ioioStr|ioioRep) != 0 {
		return vc.interpret(t)
	}
	port := uint16(info >> ioioPortS)
	size := ioioSize(info)
	mask := uint64(1)<<(8*size) - 1

	ctx := vc.Context(StateRAX | StateRIP | StateIntShadow)
	plat := vc.vm.cfg.Platform
	if info&ioioIn != 0 {
		var val uint32
		if err := plat.IOPort(vc.id, port, size, false, &val); err != nil {
			return ExitReason{}, fmt.Errorf("svm: vcpu %d: in %#x: %w", vc.id, port, err)
		}
		ctx.GPR[RAX] = ctx.GPR[RAX]&^mask | uint64(val)&mask
		if size == 4 {
			// 32-bit results zero the upper half.
			ctx.GPR[RAX] &= 0xffff_ffff
		}
		vc.MarkDirty(StateRAX)
	} else {
		val := uint32(ctx.GPR[RAX] & mask)
		if err := plat.IOPort(vc.id, port, size, true, &val); err != nil {
			return ExitReason{}, fmt.Errorf("svm: vcpu %d: out %#x: %w", vc.id, port, err)
		}
	}
	// info2 always holds the address of the next instruction.
	ctx.RIP = t.exitInfo2
	ctx.IntShadow = false
	vc.MarkDirty(StateRIP | StateIntShadow)
	return continueReason, nil
}

const (
	eferLMSLE   = 1 << 13
	eferFFXSR   = 1 << 14
	eferTCE     = 1 << 15
	eferAllowed = eferSCE | eferLME | eferLMA | eferNXE | eferSVME | eferLMSLE | eferFFXSR | eferTCE
)

func exitMSR(vc *VCPU, t *transient) (ExitReason, error) {
	ctx := vc.Context(StateRAX)
	msr := uint32(ctx.GPR[RCX])
	if t.exitInfo1 == 0 {
		val, ok := vc.readMSR(t, msr)
		if !ok {
			return vc.raise(t, exception(vmcb.XcptGP, 0), 0)
		}
		ctx.GPR[RAX] = val & 0xffff_ffff
		ctx.GPR[RDX] = val >> 32
		vc.MarkDirty(StateRAX)
	} else {
		val := ctx.GPR[RDX]<<32 | ctx.GPR[RAX]&0xffff_ffff
		if !vc.writeMSR(t, msr, val) {
			return vc.raise(t, exception(vmcb.XcptGP, 0), 0)
		}
	}
	vc.advance(t, 2)
	return continueReason, nil
}

func (vc *VCPU) readMSR(t *transient, msr uint32) (uint64, bool) {
	switch msr {
	case msrEFER:
		return vc.Context(StateEFER).EFER, true
	case msrTSC:
		return vc.guestTSC(), true
	case msrTSCAux:
		return vc.ctx.TSCAux, true
	case msrPAT:
		return vc.Context(StatePAT).PAT, true
	case msrSTAR:
		return vc.Context(StateSyscallMSRs).STAR, true
	case msrLSTAR:
		return vc.Context(StateSyscallMSRs).LSTAR, true
	case msrCSTAR:
		return vc.Context(StateSyscallMSRs).CSTAR, true
	case msrSFMASK:
		return vc.Context(StateSyscallMSRs).SFMASK, true
	case msrKernelGSBase:
		return vc.Context(StateSyscallMSRs).KernelGSBase, true
	case msrSysenterCS:
		return vc.Context(StateSysenterMSRs).SysenterCS, true
	case msrSysenterESP:
		return vc.Context(StateSysenterMSRs).SysenterESP, true
	case msrSysenterEIP:
		return vc.Context(StateSysenterMSRs).SysenterEIP, true
	case msrDebugCtl:
		if vc.vm.e.caps.LbrVirt {
			return t.vmcb.State.DebugCtl, true
		}
	}
	val, err := vc.vm.cfg.Platform.ReadMSR(vc.id, msr)
	if err != nil {
		vc.log.Debug("rdmsr refused", "msr", fmt.Sprintf("%#x", msr), "err", err)
		return 0, false
	}
	return val, true
}

func (vc *VCPU) writeMSR(t *transient, msr uint32, val uint64) bool {
	switch msr {
	case msrEFER:
		return vc.writeEFER(val)
	case msrTSC:
		vc.setGuestTSC(val)
		return true
	case msrTSCAux:
		if val>>32 != 0 {
			return false
		}
		vc.ctx.TSCAux = val
		return true
	case msrPAT:
		if !validPAT(val) {
			return false
		}
		vc.Context(StatePAT).PAT = val
		vc.MarkDirty(StatePAT)
		return true
	case msrSTAR, msrLSTAR, msrCSTAR, msrSFMASK, msrKernelGSBase:
		ctx := vc.Context(StateSyscallMSRs)
		switch msr {
		case msrSTAR:
			ctx.STAR = val
		case msrLSTAR:
			ctx.LSTAR = val
		case msrCSTAR:
			ctx.CSTAR = val
		case msrSFMASK:
			ctx.SFMASK = val
		case msrKernelGSBase:
			ctx.KernelGSBase = val
		}
		vc.MarkDirty(StateSyscallMSRs)
		return true
	case msrSysenterCS, msrSysenterESP, msrSysenterEIP:
		ctx := vc.Context(StateSysenterMSRs)
		switch msr {
		case msrSysenterCS:
			ctx.SysenterCS = val
		case msrSysenterESP:
			ctx.SysenterESP = val
		case msrSysenterEIP:
			ctx.SysenterEIP = val
		}
		vc.MarkDirty(StateSysenterMSRs)
		return true
	case msrDebugCtl:
		if vc.vm.e.caps.LbrVirt {
			t.vmcb.SetDebugCtl(val)
			return true
		}
	}
	if err := vc.vm.cfg.Platform.WriteMSR(vc.id, msr, val); err != nil {
		vc.log.Debug("wrmsr refused", "msr", fmt.Sprintf("%#x", msr), "val", val, "err", err)
		return false
	}
	return true
}

func (vc *VCPU) writeEFER(val uint64) bool {
	if val&^eferAllowed != 0 {
		return false
	}
	if val&eferSVME != 0 && !vc.vm.cfg.NestedHWVirt {
		return false
	}
	ctx := vc.Context(StateEFER)
	old := ctx.EFER
	// LMA is owned by the CPU.
	ctx.EFER = val&^eferLMA | old&eferLMA
	vc.MarkDirty(StateEFER)
	if (old^val)&(eferLME|eferNXE) != 0 {
		vc.pagingChanged()
	}
	return true
}

// validPAT reports whether every entry of a PAT value is a defined memory
// type.
func validPAT(pat uint64) bool {
	for i := 0; i < 8; i++ {
		switch (pat >> (8 * i)) & 0xff {
		case 0, 1, 4, 5, 6, 7:
		default:
			return false
		}
	}
	return true
}
