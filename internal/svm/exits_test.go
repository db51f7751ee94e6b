package svm

import (
	"testing"

	"github.com/tinyrange/svm/internal/vmcb"
)

func TestExitTableComplete(t *testing.T) {
	distinct := make(map[vmcb.ExitCode]bool)
	for _, code := range vmcb.AllExitCodes() {
		distinct[code] = true
		h, ok := exitTable[code]
		if !ok {
			t.Errorf("no handler for %s", code)
			continue
		}
		if h.fn == nil {
			t.Errorf("%s: %s handler without a function", code, h.kind)
		}
	}
	if len(exitTable) != len(distinct) {
		t.Errorf("table has %d entries for %d exit codes", len(exitTable), len(distinct))
	}
}

func TestExitTableKinds(t *testing.T) {
	for _, tt := range []struct {
		code vmcb.ExitCode
		kind handlerKind
	}{
		{vmcb.ExitCPUID, handlerTyped},
		{vmcb.ExitXcptUD, handlerInterpreter},
		{vmcb.ExitTaskSwitch, handlerInterpreter},
		{vmcb.ExitSKINIT, handlerUD},
		{vmcb.ExitRSM, handlerUD},
		{vmcb.ExitReadCR0 + 2, handlerUnexpected},
		{vmcb.ExitWriteCR0 + 8, handlerTyped},
		{vmcb.ExitAVICIPI, handlerUnexpected},
		{vmcb.ExitInvalidState, handlerInvalid},
	} {
		if got := exitTable[tt.code].kind; got != tt.kind {
			t.Errorf("%s: %s, want %s", tt.code, got, tt.kind)
		}
	}
}

func TestStateMaskString(t *testing.T) {
	if got := (StateRIP | StateCR3).String(); got != "rip|cr3" {
		t.Errorf("String() = %q", got)
	}
	if got := StateMask(0).String(); got != "none" {
		t.Errorf("String() = %q", got)
	}
}

func TestContextRoundTrip(t *testing.T) {
	var ctx GuestContext
	resetContext(&ctx)
	ctx.GPR[RAX] = 1
	ctx.GPR[RSP] = 2
	ctx.EFER = eferLME
	ctx.CR3 = 0x3000

	var v vmcb.VMCB
	exportState(&v, &ctx, StateAll)
	if v.State.EFER&eferSVME == 0 {
		t.Fatal("exported EFER without SVME")
	}
	var back GuestContext
	importState(&v, &back, StateAll)
	if back.EFER != eferLME {
		t.Errorf("EFER %#x, SVME not hidden", back.EFER)
	}
	if back.GPR[RAX] != 1 || back.GPR[RSP] != 2 || back.RIP != 0xfff0 || back.CR3 != 0x3000 {
		t.Errorf("imported %+v", back)
	}
	if back.CS != ctx.CS || back.DR[7] != dr7Init {
		t.Errorf("segments or debug state lost: cs %+v dr7 %#x", back.CS, back.DR[7])
	}
}

func TestNestedWantsWriteTraps(t *testing.T) {
	n := NestedState{InGuest: true}
	n.cache.ctrl2 = vmcb.InterceptVMRUN | vmcb.InterceptEFERWriteTrap | vmcb.InterceptCR0WriteTrap<<4
	n.cache.crWrite = 1 << 3
	for _, tt := range []struct {
		code vmcb.ExitCode
		want bool
	}{
		{vmcb.ExitVMRUN, true},
		{vmcb.ExitRDTSCP, false},
		{vmcb.ExitEFERWriteTrap, true},
		{vmcb.ExitCR0WriteTrap + 4, true},
		{vmcb.ExitCR0WriteTrap, false},
		// The write intercept of CR3 does not ask for its trap.
		{vmcb.ExitCR0WriteTrap + 3, false},
		{vmcb.ExitWriteCR0 + 3, true},
		{vmcb.ExitCR15WriteTrap, false},
	} {
		if got := n.wants(nil, &transient{exitCode: tt.code}); got != tt.want {
			t.Errorf("wants(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
