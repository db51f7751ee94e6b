package svm

import (
	"log/slog"
	"testing"

	"github.com/tinyrange/svm/internal/vmcb"
)

func TestClassifyVectoring(t *testing.T) {
	xcpt := func(v uint8) vmcb.Event { return vmcb.Event{Vector: v, Type: vmcb.EventException} }
	for _, tt := range []struct {
		name   string
		prior  vmcb.Event
		vector uint8
		class  vectoringClass
		flag   vectoringFlag
	}{
		{"pf during extint", vmcb.Event{Vector: 0x30, Type: vmcb.EventExtInt}, vmcb.XcptPF, vectoringReinject, vectoringPF},
		{"pf during nmi", vmcb.Event{Vector: 2, Type: vmcb.EventNMI}, vmcb.XcptPF, vectoringReinject, vectoringDoublePF},
		{"gp during extint", vmcb.Event{Vector: 0x30, Type: vmcb.EventExtInt}, vmcb.XcptGP, vectoringReflect, vectoringNone},
		{"pf during pf", xcpt(vmcb.XcptPF), vmcb.XcptPF, vectoringDoubleFault, vectoringDoublePF},
		{"gp during pf", xcpt(vmcb.XcptPF), vmcb.XcptGP, vectoringDoubleFault, vectoringNone},
		{"gp during de", xcpt(vmcb.XcptDE), vmcb.XcptGP, vectoringDoubleFault, vectoringNone},
		{"pf during gp", xcpt(vmcb.XcptGP), vmcb.XcptPF, vectoringReflect, vectoringNone},
		{"pf during df", xcpt(vmcb.XcptDF), vmcb.XcptPF, vectoringTripleFault, vectoringNone},
		{"np during df", xcpt(vmcb.XcptDF), vmcb.XcptNP, vectoringTripleFault, vectoringNone},
		{"ud during df", xcpt(vmcb.XcptDF), vmcb.XcptUD, vectoringReflect, vectoringNone},
		{"ac during ac", xcpt(vmcb.XcptAC), vmcb.XcptAC, vectoringHang, vectoringNone},
		{"db during bp", xcpt(vmcb.XcptBP), vmcb.XcptDB, vectoringReflect, vectoringNone},
	} {
		t.Run(tt.name, func(t *testing.T) {
			class, flag := classifyVectoring(tt.prior, tt.vector)
			if class != tt.class || flag != tt.flag {
				t.Errorf("classifyVectoring(%s, %d) = %s, %d; want %s, %d",
					tt.prior, tt.vector, class, flag, tt.class, tt.flag)
			}
		})
	}
}

// TestClassifyVectoringTotal walks every prior/new vector pair and checks
// the rules that must hold across the whole table.
func TestClassifyVectoringTotal(t *testing.T) {
	for p := 0; p < 256; p++ {
		for v := 0; v < 256; v++ {
			prior := vmcb.Event{Vector: uint8(p), Type: vmcb.EventException}
			class, flag := classifyVectoring(prior, uint8(v))
			switch class {
			case vectoringReflect, vectoringReinject, vectoringDoubleFault, vectoringTripleFault, vectoringHang:
			default:
				t.Fatalf("(%d, %d): class %d out of range", p, v, class)
			}
			if (class == vectoringHang) != (p == int(vmcb.XcptAC) && v == int(vmcb.XcptAC)) {
				t.Errorf("(%d, %d): hang = %v", p, v, class == vectoringHang)
			}
			triple := p == int(vmcb.XcptDF) && (contributory(uint8(v)) || v == int(vmcb.XcptPF))
			if (class == vectoringTripleFault) != triple {
				t.Errorf("(%d, %d): triple fault = %v", p, v, class == vectoringTripleFault)
			}
			pf := func(x int) bool { return x == int(vmcb.XcptPF) }
			double := contributory(uint8(p)) && contributory(uint8(v)) ||
				pf(p) && (contributory(uint8(v)) || pf(v))
			if (class == vectoringDoubleFault) != double {
				t.Errorf("(%d, %d): double fault = %v, want %v", p, v, class == vectoringDoubleFault, double)
			}
			if !double && !triple && class != vectoringHang && (class != vectoringReflect || flag != vectoringNone) {
				t.Errorf("(%d, %d) = %s, %d; benign pairs deliver serially", p, v, class, flag)
			}
			if flag == vectoringDoublePF && v != int(vmcb.XcptPF) {
				t.Errorf("(%d, %d): double #PF flag for a non-#PF", p, v)
			}
			if class == vectoringReinject {
				t.Errorf("(%d, %d): exception prior reinjected", p, v)
			}
		}
	}
	for _, typ := range []vmcb.EventType{vmcb.EventExtInt, vmcb.EventNMI, vmcb.EventSoftInt} {
		for v := 0; v < 256; v++ {
			class, _ := classifyVectoring(vmcb.Event{Vector: 0x40, Type: typ}, uint8(v))
			want := vectoringReflect
			if v == int(vmcb.XcptPF) {
				want = vectoringReinject
			}
			if class != want {
				t.Errorf("(%s, %d) = %s, want %s", typ, v, class, want)
			}
		}
	}
}

func TestRecoverVectoring(t *testing.T) {
	for _, tt := range []struct {
		name    string
		prior   vmcb.Event
		vector  uint8
		pending vmcb.Event
		done    bool
	}{
		// The interrupted event goes back into the slot; the handler of
		// the new exception decides what is delivered first.
		{"db during bp", exception(vmcb.XcptBP, 0), vmcb.XcptDB, exception(vmcb.XcptBP, 0), false},
		{"ud during extint", vmcb.Event{Vector: 0x30, Type: vmcb.EventExtInt}, vmcb.XcptUD,
			vmcb.Event{Vector: 0x30, Type: vmcb.EventExtInt}, false},
		{"gp during np", exception(vmcb.XcptNP, 0x10), vmcb.XcptGP, exception(vmcb.XcptDF, 0), true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			vc := &VCPU{log: slog.New(slog.DiscardHandler)}
			tr := &transient{
				exitCode:    vmcb.ExitXcpt0 + vmcb.ExitCode(tt.vector),
				exitIntInfo: tt.prior.Encode(),
			}
			reason, done, err := vc.recoverVectoring(tr)
			if err != nil {
				t.Fatal(err)
			}
			if reason.Kind != ExitContinue || done != tt.done {
				t.Errorf("recoverVectoring() = %s, done %v; want continue, done %v", reason, done, tt.done)
			}
			if got, ok := vc.PendingEvent(); !ok || got != tt.pending {
				t.Errorf("pending %v (%v), want %v", got, ok, tt.pending)
			}
		})
	}
}
