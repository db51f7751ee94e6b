package simcpu

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/tinyrange/svm/internal/svm"
	"github.com/tinyrange/svm/internal/vmcb"
)

var errNoMSR = errors.New("simcpu: msr not implemented")

// IOAccess is one port access the platform performed.
type IOAccess struct {
	VCPU  int
	Port  uint16
	Size  int
	Write bool
	Value uint32
}

// Platform is a small virtual machine around the engine: a CPUID table,
// MSRs, ports, a per-VCPU interrupt controller and a timer.
type Platform struct {
	mu sync.Mutex

	CPUIDFunc     func(vcpu int, leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
	PageFaultFunc func(vcpu int, addr, errCode uint64, npf bool) (svm.NPFOutcome, error)
	HypercallFunc func(vcpu int, ctx *svm.GuestContext) error

	msrs     map[int]map[uint32]uint64
	ports    map[uint16]uint32
	irqs     map[int][]uint8
	deadline map[int]uint64
	io       []IOAccess
	freezes  int
	calls    int
}

// NewPlatform returns an empty platform.
func NewPlatform() *Platform {
	return &Platform{
		msrs:     make(map[int]map[uint32]uint64),
		ports:    make(map[uint16]uint32),
		irqs:     make(map[int][]uint8),
		deadline: make(map[int]uint64),
	}
}

func (p *Platform) CPUID(vcpu int, leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
	if fn := p.CPUIDFunc; fn != nil {
		return fn(vcpu, leaf, subleaf)
	}
	switch leaf {
	case 0:
		// "AuthenticAMD"
		return 0x10, 0x68747541, 0x444d4163, 0x69746e65
	case 1:
		return 0x00a20f10, uint32(vcpu) << 24, 0, 0
	}
	return 0, 0, 0, 0
}

// SetMSR gives vcpu an MSR the guest can read and write.
func (p *Platform) SetMSR(vcpu int, msr uint32, val uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.msrs[vcpu] == nil {
		p.msrs[vcpu] = make(map[uint32]uint64)
	}
	p.msrs[vcpu][msr] = val
}

// MSR returns the value of an MSR.
func (p *Platform) MSR(vcpu int, msr uint32) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.msrs[vcpu][msr]
	return v, ok
}

func (p *Platform) ReadMSR(vcpu int, msr uint32) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.msrs[vcpu][msr]
	if !ok {
		return 0, fmt.Errorf("%w: %#x", errNoMSR, msr)
	}
	return v, nil
}

func (p *Platform) WriteMSR(vcpu int, msr uint32, val uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.msrs[vcpu][msr]; !ok {
		return fmt.Errorf("%w: %#x", errNoMSR, msr)
	}
	p.msrs[vcpu][msr] = val
	return nil
}

// SetPort sets what reads of port return.
func (p *Platform) SetPort(port uint16, val uint32) {
	p.mu.Lock()
	p.ports[port] = val
	p.mu.Unlock()
}

func (p *Platform) IOPort(vcpu int, port uint16, size int, write bool, val *uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if write {
		p.ports[port] = *val
	} else if v, ok := p.ports[port]; ok {
		*val = v
	} else {
		*val = 0xffff_ffff
	}
	p.io = append(p.io, IOAccess{VCPU: vcpu, Port: port, Size: size, Write: write, Value: *val})
	return nil
}

// IO returns the port accesses so far.
func (p *Platform) IO() []IOAccess {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.io)
}

// RaiseIRQ makes vector pending for vcpu. The caller also raises
// svm.RequestInterrupt on the VCPU.
func (p *Platform) RaiseIRQ(vcpu int, vector uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.irqs[vcpu]
	if !slices.Contains(q, vector) {
		q = append(q, vector)
		slices.Sort(q)
		p.irqs[vcpu] = q
	}
}

// PendingIRQs returns the vectors not yet acknowledged.
func (p *Platform) PendingIRQs(vcpu int) []uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.irqs[vcpu])
}

func (p *Platform) PendingInterrupt(vcpu int) (uint8, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.irqs[vcpu]
	if len(q) == 0 {
		return 0, false, nil
	}
	return q[len(q)-1], true, nil
}

func (p *Platform) AckInterrupt(vcpu int, vector uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.irqs[vcpu]
	i := slices.Index(q, vector)
	if i < 0 {
		return fmt.Errorf("simcpu: vcpu %d: vector %d not pending", vcpu, vector)
	}
	p.irqs[vcpu] = slices.Delete(q, i, i+1)
	return nil
}

func (p *Platform) PageFault(vcpu int, addr, errCode uint64, npf bool) (svm.NPFOutcome, error) {
	if fn := p.PageFaultFunc; fn != nil {
		return fn(vcpu, addr, errCode, npf)
	}
	return svm.NPFOutcome{Kind: svm.NPFResolved}, nil
}

func (p *Platform) Hypercall(vcpu int, ctx *svm.GuestContext) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if fn := p.HypercallFunc; fn != nil {
		return fn(vcpu, ctx)
	}
	ctx.GPR[svm.RAX] = 0
	return nil
}

// Hypercalls counts VMMCALLs handled.
func (p *Platform) Hypercalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// ArmTimer sets vcpu's timer deadline in host TSC ticks.
func (p *Platform) ArmTimer(vcpu int, tsc uint64) {
	p.mu.Lock()
	p.deadline[vcpu] = tsc
	p.mu.Unlock()
}

func (p *Platform) TSCDeadline(vcpu int) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.deadline[vcpu]
	return d, ok
}

func (p *Platform) FERRFreeze(vcpu int) {
	p.mu.Lock()
	p.freezes++
	p.mu.Unlock()
}

// Interpreter stands in for the instruction emulator.
type Interpreter struct {
	mu    sync.Mutex
	calls int

	// Func emulates one instruction. Without it every instruction is
	// taken to be one byte long and to do nothing.
	Func func(vcpu int, ctx *svm.GuestContext) (svm.EmuResult, error)
}

func (in *Interpreter) ExecOne(vcpu int, ctx *svm.GuestContext) (svm.EmuResult, error) {
	in.mu.Lock()
	in.calls++
	in.mu.Unlock()
	if in.Func != nil {
		return in.Func(vcpu, ctx)
	}
	ctx.RIP++
	return svm.EmuResult{Length: 1}, nil
}

// Calls counts emulated instructions.
func (in *Interpreter) Calls() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.calls
}

// NestedExit is a #VMEXIT delivered to the guest hypervisor.
type NestedExit struct {
	Code    vmcb.ExitCode
	Info1   uint64
	Info2   uint64
	IntInfo uint64
	NextRIP uint64
}

// Nested emulates a guest hypervisor's view of SVM with a single nested
// guest whose control block the test programs directly.
type Nested struct {
	mu sync.Mutex

	// Guest is the nested guest's control block. Its intercepts are the
	// ones the guest hypervisor asked for.
	Guest     *vmcb.VMCB
	GuestPhys uint64
	MSRPM     *vmcb.MSRPM
	IOPM      *vmcb.IOPM

	pages vmcb.Pages
	exits []NestedExit
	execs []vmcb.ExitCode
}

// NewNested allocates the nested guest's block. It starts out valid for
// VMRUN and intercepts nothing else.
func NewNested(alloc vmcb.Allocator) (*Nested, error) {
	v, pages, err := vmcb.AllocVMCB(alloc)
	if err != nil {
		return nil, err
	}
	v.Ctrl.InterceptCtrl2 = vmcb.InterceptVMRUN
	v.Ctrl.TLBCtrl.ASID = 1
	v.State.EFER = eferSVME
	v.State.CR0 = 1 << 4
	return &Nested{Guest: v, GuestPhys: pages.Phys, pages: pages}, nil
}

// Free releases the nested guest's block.
func (n *Nested) Free(alloc vmcb.Allocator) error { return n.pages.Free(alloc) }

func (n *Nested) Exec(vc *svm.VCPU, code vmcb.ExitCode) (svm.EmuResult, error) {
	n.mu.Lock()
	n.execs = append(n.execs, code)
	n.mu.Unlock()

	vc.AdvanceRIP(3)
	switch code {
	case vmcb.ExitVMRUN:
		n.Guest.State.EFER |= eferSVME
		n.Guest.Ctrl.InterceptCtrl2 |= vmcb.InterceptVMRUN
		if err := vc.EnterNestedGuest(n.Guest, n.GuestPhys, n.MSRPM, n.IOPM); err != nil {
			return svm.EmuResult{}, err
		}
		// VMRUN sets GIF.
		vc.SetGIF(true)
	case vmcb.ExitSTGI:
		vc.SetGIF(true)
	case vmcb.ExitCLGI:
		vc.SetGIF(false)
	}
	return svm.EmuResult{Length: 3}, nil
}

func (n *Nested) VMExit(vc *svm.VCPU, code vmcb.ExitCode, info1, info2 uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.exits = append(n.exits, NestedExit{
		Code:    code,
		Info1:   info1,
		Info2:   info2,
		IntInfo: n.Guest.Ctrl.ExitIntInfo,
		NextRIP: n.Guest.Ctrl.NextRIP,
	})
	return nil
}

// Exits returns the #VMEXITs delivered so far.
func (n *Nested) Exits() []NestedExit {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.exits)
}

// Execs returns the virtualization instructions emulated so far.
func (n *Nested) Execs() []vmcb.ExitCode {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.execs)
}

var (
	_ svm.Platform    = &Platform{}
	_ svm.Interpreter = &Interpreter{}
	_ svm.NestedSVM   = &Nested{}
	_ svm.Host        = &Host{}
)
