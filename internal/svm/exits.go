package svm

import (
	"errors"
	"fmt"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/vmcb"
)

// handlerKind says how an exit is completed.
type handlerKind int

const (
	// handlerTyped exits are handled from the exit information alone,
	// possibly falling back to the interpreter.
	handlerTyped handlerKind = iota
	// handlerInterpreter exits always go to the interpreter.
	handlerInterpreter
	// handlerUD exits raise #UD: the instruction is not offered to the
	// guest.
	handlerUD
	// handlerUnexpected exits cannot happen with the intercepts this
	// engine programs.
	handlerUnexpected
	handlerInvalid
)

func (k handlerKind) String() string {
	switch k {
	case handlerTyped:
		return "typed"
	case handlerInterpreter:
		return "interpreter"
	case handlerUD:
		return "ud"
	case handlerUnexpected:
		return "unexpected"
	case handlerInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("handlerKind(%d)", int(k))
	}
}

type exitFunc func(vc *VCPU, t *transient) (ExitReason, error)

type exitHandler struct {
	kind handlerKind
	fn   exitFunc
}

// exitTable maps every architectural exit code to its handler.
var exitTable = buildExitTable()

func buildExitTable() map[vmcb.ExitCode]exitHandler {
	tbl := make(map[vmcb.ExitCode]exitHandler, 256)
	typed := func(fn exitFunc, codes ...vmcb.ExitCode) {
		for _, c := range codes {
			tbl[c] = exitHandler{kind: handlerTyped, fn: fn}
		}
	}
	interp := func(codes ...vmcb.ExitCode) {
		for _, c := range codes {
			tbl[c] = exitHandler{kind: handlerInterpreter, fn: exitInterpret}
		}
	}
	ud := func(codes ...vmcb.ExitCode) {
		for _, c := range codes {
			tbl[c] = exitHandler{kind: handlerUD, fn: exitUD}
		}
	}
	unexpected := func(codes ...vmcb.ExitCode) {
		for _, c := range codes {
			tbl[c] = exitHandler{kind: handlerUnexpected, fn: exitUnexpected}
		}
	}
	rangeOf := func(from, to vmcb.ExitCode) []vmcb.ExitCode {
		var codes []vmcb.ExitCode
		for c := from; c <= to; c++ {
			codes = append(codes, c)
		}
		return codes
	}

	// Control and debug registers. Only CR0, CR3, CR4 and CR8 are ever
	// intercepted here; the rest can only come from a nested guest whose
	// hypervisor asked for them, and those are forwarded before this
	// table is consulted.
	unexpected(rangeOf(vmcb.ExitReadCR0, vmcb.ExitWriteCR15)...)
	for _, cr := range []int{0, 3, 4, 8} {
		typed(exitReadCR, vmcb.ExitReadCR0+vmcb.ExitCode(cr))
		typed(exitWriteCR, vmcb.ExitWriteCR0+vmcb.ExitCode(cr))
	}
	unexpected(rangeOf(vmcb.ExitReadDR0, vmcb.ExitWriteDR15)...)
	typed(exitDR, rangeOf(vmcb.ExitReadDR0, vmcb.ExitReadDR0+7)...)
	typed(exitDR, rangeOf(vmcb.ExitWriteDR0, vmcb.ExitWriteDR0+7)...)

	typed(exitXcptGeneric, rangeOf(vmcb.ExitXcpt0, vmcb.ExitXcpt31)...)
	typed(exitXcptPF, vmcb.ExitXcptPF)
	typed(exitXcptNM, vmcb.ExitXcptNM)
	typed(exitXcptMF, vmcb.ExitXcptMF)
	interp(vmcb.ExitXcptUD)

	typed(exitPhysicalEvent, vmcb.ExitINTR, vmcb.ExitNMI, vmcb.ExitSMI)
	typed(exitINIT, vmcb.ExitINIT)
	typed(exitVINTR, vmcb.ExitVINTR)
	typed(exitIRET, vmcb.ExitIRET)
	interp(vmcb.ExitCR0SelWrite,
		vmcb.ExitIDTRRead, vmcb.ExitGDTRRead, vmcb.ExitLDTRRead, vmcb.ExitTRRead,
		vmcb.ExitIDTRWrite, vmcb.ExitGDTRWrite, vmcb.ExitLDTRWrite, vmcb.ExitTRWrite,
		vmcb.ExitRDPMC, vmcb.ExitPUSHF, vmcb.ExitPOPF, vmcb.ExitSWINT, vmcb.ExitTaskSwitch)
	typed(exitRDTSC, vmcb.ExitRDTSC)
	typed(exitRDTSCP, vmcb.ExitRDTSCP)
	typed(exitCPUID, vmcb.ExitCPUID)
	ud(vmcb.ExitRSM)
	typed(exitCacheFlush, vmcb.ExitINVD, vmcb.ExitWBINVD)
	typed(exitPAUSE, vmcb.ExitPAUSE)
	typed(exitHLT, vmcb.ExitHLT)
	typed(exitINVLPG, vmcb.ExitINVLPG)
	typed(exitIOIO, vmcb.ExitIOIO)
	typed(exitMSR, vmcb.ExitMSR)
	typed(exitFERRFreeze, vmcb.ExitFERRFreeze)
	typed(exitShutdown, vmcb.ExitShutdown)

	typed(exitSVMInstr, vmcb.ExitVMRUN, vmcb.ExitVMLOAD, vmcb.ExitVMSAVE,
		vmcb.ExitSTGI, vmcb.ExitCLGI, vmcb.ExitINVLPGA)
	typed(exitVMMCALL, vmcb.ExitVMMCALL)
	ud(vmcb.ExitSKINIT, vmcb.ExitRDPRU)
	typed(exitICEBP, vmcb.ExitICEBP)
	typed(exitMONITOR, vmcb.ExitMONITOR)
	typed(exitMWAIT, vmcb.ExitMWAIT, vmcb.ExitMWAITArmed)
	typed(exitXSETBV, vmcb.ExitXSETBV)
	unexpected(vmcb.ExitEFERWriteTrap)
	unexpected(rangeOf(vmcb.ExitCR0WriteTrap, vmcb.ExitCR15WriteTrap)...)
	ud(vmcb.ExitINVLPGB, vmcb.ExitINVLPGBIllegal, vmcb.ExitMCOMMIT, vmcb.ExitTLBSYNC)
	typed(exitINVPCID, vmcb.ExitINVPCID)

	typed(exitNPF, vmcb.ExitNPF)
	unexpected(vmcb.ExitAVICIPI, vmcb.ExitAVICNoAccel, vmcb.ExitVMGEXIT, vmcb.ExitBusy)
	tbl[vmcb.ExitInvalidState] = exitHandler{kind: handlerInvalid, fn: exitInvalid}
	return tbl
}

// handleExit routes an exit. In a nested guest the guest hypervisor has
// the first claim, with an event cut short still in EXITINTINFO; it
// decides what becomes of that event. Only exits the engine keeps go
// through vectoring recovery.
func (vc *VCPU) handleExit(t *transient) (ExitReason, error) {
	if t.nested {
		if reason, forwarded, err := vc.dispatchNested(t); forwarded || err != nil {
			return reason, err
		}
	}
	reason, done, err := vc.recoverVectoring(t)
	if err != nil || done {
		return reason, err
	}
	return vc.dispatch(t)
}

// dispatch runs the engine's handler for the exit.
func (vc *VCPU) dispatch(t *transient) (ExitReason, error) {
	h, ok := exitTable[t.exitCode]
	if !ok {
		return ExitReason{}, unexpectedExit(vc, t.exitCode, "not an architectural exit code")
	}
	return h.fn(vc, t)
}

func exitUnexpected(vc *VCPU, t *transient) (ExitReason, error) {
	vc.log.Error("unexpected exit", "exit", t.exitCode.String(), "info1", t.exitInfo1, "info2", t.exitInfo2)
	return ExitReason{}, unexpectedExit(vc, t.exitCode, "not intercepted")
}

func exitInvalid(vc *VCPU, t *transient) (ExitReason, error) {
	return ExitReason{Kind: ExitInvalidState, Code: t.exitCode},
		&InvalidStateError{VCPU: vc.id, HostCPU: t.hostCPU, Code: t.exitCode, Block: *t.vmcb}
}

func exitUD(vc *VCPU, t *transient) (ExitReason, error) {
	return vc.raise(t, exception(vmcb.XcptUD, 0), 0)
}

func exitInterpret(vc *VCPU, t *transient) (ExitReason, error) {
	return vc.interpret(t)
}

// interpret runs the interpreter on the instruction at RIP.
func (vc *VCPU) interpret(t *transient) (ExitReason, error) {
	ctx := vc.Context(StateAll)
	res, err := vc.vm.cfg.Interpreter.ExecOne(vc.id, ctx)
	if err != nil {
		return ExitReason{}, fmt.Errorf("svm: vcpu %d: interpret after %s: %w", vc.id, t.exitCode, err)
	}
	vc.MarkDirty(StateAll)
	return vc.applyEmuResult(t, res)
}

func (vc *VCPU) applyEmuResult(t *transient, res EmuResult) (ExitReason, error) {
	if res.Exception != nil {
		reason, err := vc.raise(t, *res.Exception, res.FaultAddr)
		if err != nil || reason.Kind != ExitContinue {
			return reason, err
		}
	}
	switch res.Status {
	case EmuHalt:
		return ExitReason{Kind: ExitHalt, Code: t.exitCode}, nil
	case EmuToHost:
		return ExitReason{Kind: ExitToHost, Code: t.exitCode, Why: "interpreter"}, nil
	case EmuReset:
		return ExitReason{Kind: ExitReset, Code: t.exitCode, Why: "interpreter"}, nil
	}
	return continueReason, nil
}

// advance skips the intercepted instruction. The length comes from the
// next RIP saved by hardware, or is the instruction's architectural
// length when the CPU does not save it.
func (vc *VCPU) advance(t *transient, fallback int) {
	vc.AdvanceRIP(vc.instrLen(t, fallback))
}

func (vc *VCPU) instrLen(t *transient, fallback int) int {
	if n, ok := vc.nripLen(t); ok {
		return n
	}
	return fallback
}

// nripLen is the length of the intercepted instruction as reported by
// hardware.
func (vc *VCPU) nripLen(t *transient) (int, bool) {
	if !vc.vm.e.caps.NRIPSave || t.nextRIP == 0 {
		return 0, false
	}
	rip := vc.Context(StateRIP).RIP
	n := t.nextRIP - rip
	if n == 0 || n > 15 {
		return 0, false
	}
	return int(n), true
}

// decodedGPR returns the register operand of a MOV CR/DR that hardware
// decoded. It needs the next RIP as well, to skip the instruction.
func (vc *VCPU) decodedGPR(t *transient) (int, bool) {
	caps := vc.vm.e.caps
	if !caps.DecodeAssists || t.exitInfo1&vmcb.ExitInfo1MovCRxValid == 0 {
		return 0, false
	}
	if _, ok := vc.nripLen(t); !ok {
		return 0, false
	}
	return int(t.exitInfo1 & vmcb.ExitInfo1MovCRxGPR), true
}

func (vc *VCPU) gpr(n int) uint64 {
	return vc.Context(StateRAX | StateRSP).GPR[n]
}

func (vc *VCPU) setGPR(n int, val uint64) {
	ctx := vc.Context(StateRAX | StateRSP)
	ctx.GPR[n] = val
	switch n {
	case RAX:
		vc.MarkDirty(StateRAX)
	case RSP:
		vc.MarkDirty(StateRSP)
	}
}

// longMode reports whether the guest executes 64-bit code.
func (vc *VCPU) longMode() bool {
	ctx := vc.Context(StateEFER | StateSegs)
	return ctx.EFER&eferLMA != 0 && ctx.CS.Attr&segAttrL != 0
}

// operand truncates a register operand to the current operand size of
// MOV CR/DR.
func (vc *VCPU) operand(val uint64) uint64 {
	if vc.longMode() {
		return val
	}
	return val & 0xffff_ffff
}

const segAttrL = 1 << 9

func exitPhysicalEvent(vc *VCPU, t *transient) (ExitReason, error) {
	// The host took the interrupt as soon as interrupts were enabled
	// again; the event evaluation on the next entry picks up whatever it
	// raised.
	return continueReason, nil
}

func exitINIT(vc *VCPU, t *transient) (ExitReason, error) {
	return ExitReason{Kind: ExitToHost, Code: t.exitCode, Why: "init"}, nil
}

func exitShutdown(vc *VCPU, t *transient) (ExitReason, error) {
	vc.log.Warn("guest shutdown")
	return ExitReason{Kind: ExitReset, Code: t.exitCode, Why: "shutdown"}, nil
}

func exitFERRFreeze(vc *VCPU, t *transient) (ExitReason, error) {
	vc.vm.cfg.Platform.FERRFreeze(vc.id)
	return continueReason, nil
}

func exitVINTR(vc *VCPU, t *transient) (ExitReason, error) {
	// The window is open: the next evaluation injects what was waiting.
	vc.closeWindow(t.vmcb)
	vc.Request(RequestInterrupt)
	return continueReason, nil
}

func exitIRET(vc *VCPU, t *transient) (ExitReason, error) {
	vc.nmiBlocked = false
	t.vmcb.SetInterceptCtrl1(vmcb.InterceptIRET, vc.nested.innerCtrl1(vmcb.InterceptIRET))
	return continueReason, nil
}

func exitVMMCALL(vc *VCPU, t *transient) (ExitReason, error) {
	if vc.nested.InGuest {
		// Not intercepted by the nested guest's hypervisor.
		return vc.raise(t, exception(vmcb.XcptUD, 0), 0)
	}
	ctx := vc.Context(StateAll)
	err := vc.vm.cfg.Platform.Hypercall(vc.id, ctx)
	switch {
	case errors.Is(err, hv.ErrFeatureUnsupported):
		return vc.raise(t, exception(vmcb.XcptUD, 0), 0)
	case err != nil:
		return ExitReason{}, fmt.Errorf("svm: vcpu %d: hypercall: %w", vc.id, err)
	}
	vc.MarkDirty(StateRAX | StateRSP)
	vc.advance(t, 3)
	return continueReason, nil
}
