package svm

import "github.com/tinyrange/svm/internal/vmcb"

// exportState writes the selected groups into the control block. Fields
// covered by a clean bit go through the vmcb setters, which only dirty the
// area when the value really changed.
func exportState(v *vmcb.VMCB, ctx *GuestContext, mask StateMask) {
	s := &v.State
	if mask&StateRIP != 0 {
		s.RIP = ctx.RIP
	}
	if mask&StateRSP != 0 {
		s.RSP = ctx.GPR[RSP]
	}
	if mask&StateRAX != 0 {
		s.RAX = ctx.GPR[RAX]
	}
	if mask&StateRFLAGS != 0 {
		s.RFLAGS = ctx.RFLAGS | rflagsFix
	}
	if mask&StateCR0 != 0 {
		v.SetCR0(ctx.CR0)
	}
	if mask&StateCR2 != 0 {
		v.SetCR2(ctx.CR2)
	}
	if mask&StateCR3 != 0 {
		v.SetCR3(ctx.CR3)
	}
	if mask&StateCR4 != 0 {
		v.SetCR4(ctx.CR4)
	}
	if mask&StateEFER != 0 {
		v.SetEFER(ctx.EFER | eferSVME)
	}
	if mask&StateDR6 != 0 {
		v.SetDR6(ctx.DR[6])
	}
	if mask&StateDR7 != 0 {
		v.SetDR7(ctx.DR[7])
	}
	if mask&StateSegs != 0 {
		v.SetSegment(vmcb.SegES, ctx.ES)
		v.SetSegment(vmcb.SegCS, ctx.CS)
		v.SetSegment(vmcb.SegSS, ctx.SS)
		v.SetSegment(vmcb.SegDS, ctx.DS)
		v.SetCPL(ctx.CPL)
	}
	if mask&StateFSGS != 0 {
		s.FS, s.GS, s.LDTR, s.TR = ctx.FS, ctx.GS, ctx.LDTR, ctx.TR
	}
	if mask&StateDT != 0 {
		v.SetGDTR(ctx.GDTR.Base, ctx.GDTR.Limit)
		v.SetIDTR(ctx.IDTR.Base, ctx.IDTR.Limit)
	}
	if mask&StateSyscallMSRs != 0 {
		s.STAR, s.LSTAR, s.CSTAR, s.SFMASK = ctx.STAR, ctx.LSTAR, ctx.CSTAR, ctx.SFMASK
		s.KernelGSBase = ctx.KernelGSBase
	}
	if mask&StateSysenterMSRs != 0 {
		s.SysenterCS, s.SysenterESP, s.SysenterEIP = ctx.SysenterCS, ctx.SysenterESP, ctx.SysenterEIP
	}
	if mask&StatePAT != 0 {
		v.SetPAT(ctx.PAT)
	}
	if mask&StateIntShadow != 0 {
		if ctx.IntShadow {
			v.Ctrl.IntShadow |= vmcb.IntShadowActive
		} else {
			v.Ctrl.IntShadow &^= vmcb.IntShadowActive
		}
	}
	if mask&StateTPR != 0 {
		v.SetVTPR(uint8(ctx.CR8))
	}
}

// resetContext puts ctx into the architectural power-on state.
func resetContext(ctx *GuestContext) {
	*ctx = GuestContext{
		RIP:    0xfff0,
		RFLAGS: rflagsFix,
		CR0:    cr0CD | cr0NW | 0x10,
		PAT:    defaultPAT,
		XCR0:   xcr0X87,
	}
	ctx.GPR[RDX] = 0x600
	ctx.DR[6] = dr6Init
	ctx.DR[7] = dr7Init

	ctx.CS = vmcb.Segment{Selector: 0xf000, Base: 0xffff0000, Limit: 0xffff, Attr: 0x9b}
	data := vmcb.Segment{Limit: 0xffff, Attr: 0x93}
	ctx.DS, ctx.ES, ctx.SS, ctx.FS, ctx.GS = data, data, data, data, data
	ctx.GDTR = vmcb.Segment{Limit: 0xffff}
	ctx.IDTR = vmcb.Segment{Limit: 0xffff}
	ctx.LDTR = vmcb.Segment{Limit: 0xffff, Attr: 0x82}
	ctx.TR = vmcb.Segment{Limit: 0xffff, Attr: 0x8b}
}
