package svm

import (
	"strings"

	"github.com/tinyrange/svm/internal/vmcb"
)

// GPR numbers in instruction encoding order, as reported by decode assists.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// GPRs is the general purpose register file. RAX and RSP live in the
// control block while the guest runs; the rest are swapped by the Switcher.
type GPRs [16]uint64

// Architectural bits the engine looks at.
const (
	rflagsTF  = 1 << 8
	rflagsIF  = 1 << 9
	rflagsRF  = 1 << 16
	rflagsFix = 1 << 1

	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0TS = 1 << 3
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0NW = 1 << 29
	cr0CD = 1 << 30
	cr0PG = 1 << 31

	cr4DE     = 1 << 3
	cr4PAE    = 1 << 5
	cr4PGE    = 1 << 7
	cr4PCIDE  = 1 << 17
	cr4OSXSAV = 1 << 18

	eferSCE  = 1 << 0
	eferLME  = 1 << 8
	eferLMA  = 1 << 10
	eferNXE  = 1 << 11
	eferSVME = 1 << 12

	dr6Init      = 0xffff0ff0
	dr7Init      = 0x400
	dr7Enabled   = 0xff
	defaultPAT   = 0x0007040600070406
	xcr0X87      = 1 << 0
	xcr0SSE      = 1 << 1
	xcr0AVX      = 1 << 2
	xcr0Reserved = ^uint64(xcr0X87 | xcr0SSE | xcr0AVX)
)

// GuestContext is the engine's view of guest register state.
type GuestContext struct {
	GPR    GPRs
	RIP    uint64
	RFLAGS uint64

	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	XCR0                    uint64

	// DR holds DR0-DR3 at 0-3, DR6 at 6 and DR7 at 7.
	DR [8]uint64

	ES, CS, SS, DS, FS, GS vmcb.Segment
	LDTR, TR, GDTR, IDTR   vmcb.Segment
	CPL                    uint8

	STAR, LSTAR, CSTAR, SFMASK, KernelGSBase uint64
	SysenterCS, SysenterESP, SysenterEIP     uint64
	PAT                                      uint64
	TSCAux                                   uint64

	IntShadow bool
}

// StateMask selects groups of guest state for import and export.
type StateMask uint32

const (
	StateRIP StateMask = 1 << iota
	StateRSP
	StateRAX
	StateRFLAGS
	StateCR0
	StateCR2
	StateCR3
	StateCR4
	StateEFER
	StateDR6
	StateDR7
	StateSegs // ES, CS, SS, DS and CPL
	StateFSGS // FS, GS, LDTR, TR
	StateDT   // GDTR, IDTR
	StateSyscallMSRs
	StateSysenterMSRs
	StatePAT
	StateIntShadow
	StateTPR

	StateAll StateMask = 1<<19 - 1

	// stateMinimal is what post-run always imports.
	stateMinimal = StateRIP | StateRSP | StateRAX | StateRFLAGS | StateIntShadow | StateTPR | StateSegs
	StateCRs     = StateCR0 | StateCR2 | StateCR3 | StateCR4 | StateEFER
)

var stateNames = [...]string{
	"rip", "rsp", "rax", "rflags", "cr0", "cr2", "cr3", "cr4", "efer",
	"dr6", "dr7", "segs", "fsgs", "dt", "syscall", "sysenter", "pat",
	"shadow", "tpr",
}

func (m StateMask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for i, name := range stateNames {
		if m&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "|")
}

// importState copies the selected groups out of the control block.
func importState(v *vmcb.VMCB, ctx *GuestContext, mask StateMask) {
	s := &v.State
	if mask&StateRIP != 0 {
		ctx.RIP = s.RIP
	}
	if mask&StateRSP != 0 {
		ctx.GPR[RSP] = s.RSP
	}
	if mask&StateRAX != 0 {
		ctx.GPR[RAX] = s.RAX
	}
	if mask&StateRFLAGS != 0 {
		ctx.RFLAGS = s.RFLAGS
	}
	if mask&StateCR0 != 0 {
		ctx.CR0 = s.CR0
	}
	if mask&StateCR2 != 0 {
		ctx.CR2 = s.CR2
	}
	if mask&StateCR3 != 0 {
		ctx.CR3 = s.CR3
	}
	if mask&StateCR4 != 0 {
		ctx.CR4 = s.CR4
	}
	if mask&StateEFER != 0 {
		// SVME is forced on in guest mode and hidden from the guest.
		ctx.EFER = s.EFER &^ eferSVME | ctx.EFER&eferSVME
	}
	if mask&StateDR6 != 0 {
		ctx.DR[6] = s.DR6
	}
	if mask&StateDR7 != 0 {
		ctx.DR[7] = s.DR7
	}
	if mask&StateSegs != 0 {
		ctx.ES, ctx.CS, ctx.SS, ctx.DS = s.ES, s.CS, s.SS, s.DS
		ctx.CPL = s.CPL
	}
	if mask&StateFSGS != 0 {
		ctx.FS, ctx.GS, ctx.LDTR, ctx.TR = s.FS, s.GS, s.LDTR, s.TR
	}
	if mask&StateDT != 0 {
		ctx.GDTR, ctx.IDTR = s.GDTR, s.IDTR
	}
	if mask&StateSyscallMSRs != 0 {
		ctx.STAR, ctx.LSTAR, ctx.CSTAR, ctx.SFMASK = s.STAR, s.LSTAR, s.CSTAR, s.SFMASK
		ctx.KernelGSBase = s.KernelGSBase
	}
	if mask&StateSysenterMSRs != 0 {
		ctx.SysenterCS, ctx.SysenterESP, ctx.SysenterEIP = s.SysenterCS, s.SysenterESP, s.SysenterEIP
	}
	if mask&StatePAT != 0 {
		ctx.PAT = s.PAT
	}
	if mask&StateIntShadow != 0 {
		ctx.IntShadow = v.Ctrl.IntShadow&vmcb.IntShadowActive != 0
	}
	if mask&StateTPR != 0 {
		ctx.CR8 = uint64(v.VTPR())
	}
}
