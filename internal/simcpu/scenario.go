package simcpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/svm"
	"github.com/tinyrange/svm/internal/vmcb"
)

// Scenario is a scripted guest run loaded from YAML.
type Scenario struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Caps        []string `yaml:"caps"`
	MaxASID     uint32   `yaml:"max_asid"`
	HostCPUs    int      `yaml:"host_cpus"`
	Timeout     Duration `yaml:"timeout"`

	NestedPaging bool              `yaml:"nested_paging"`
	NestedHWVirt bool              `yaml:"nested_hw_virt"`
	TSCMode      string            `yaml:"tsc_mode"`
	MSRs         map[uint32]uint64 `yaml:"msrs"`
	Nested       *NestedSpec       `yaml:"nested,omitempty"`
	// PageFault says how the platform resolves page faults: resolve,
	// guest or mmio.
	PageFault string `yaml:"page_fault"`

	Steps  []StepSpec  `yaml:"steps"`
	Expect Expectation `yaml:"expect"`
}

// StepSpec is one guest run of the scenario's only VCPU.
type StepSpec struct {
	Exit      string            `yaml:"exit"`
	Info1     uint64            `yaml:"info1"`
	Info2     uint64            `yaml:"info2"`
	Len       int               `yaml:"len"`
	Vectoring *EventSpec        `yaml:"vectoring,omitempty"`
	Regs      map[string]uint64 `yaml:"regs"`
	// Undelivered reports the injected event back as cut short.
	Undelivered bool `yaml:"undelivered"`
	// Migrate moves the VCPU to another host CPU before its next entry.
	Migrate *int `yaml:"migrate,omitempty"`
	// IRQ raises an external interrupt while the guest runs.
	IRQ *uint8 `yaml:"irq,omitempty"`
	NMI bool   `yaml:"nmi"`
	// Nested queues the step for the nested guest instead.
	Nested bool `yaml:"nested"`
}

// NestedSpec describes the nested guest's intercepts.
type NestedSpec struct {
	Ctrl1 []string `yaml:"intercept"`
	Xcpt  []uint8  `yaml:"exceptions"`
}

// EventSpec names an event, e.g. {type: xcpt, vector: 14, error_code: 2}.
type EventSpec struct {
	Type      string  `yaml:"type"`
	Vector    uint8   `yaml:"vector"`
	ErrorCode *uint32 `yaml:"error_code,omitempty"`
}

// Event decodes e into a hardware event.
func (e EventSpec) Event() (vmcb.Event, error) {
	var ev vmcb.Event
	switch e.Type {
	case "extint", "":
		ev.Type = vmcb.EventExtInt
	case "nmi":
		ev.Type = vmcb.EventNMI
		ev.Vector = vmcb.XcptNMI
	case "xcpt":
		ev.Type = vmcb.EventException
	case "softint":
		ev.Type = vmcb.EventSoftInt
	default:
		return ev, fmt.Errorf("unknown event type %q", e.Type)
	}
	if ev.Type != vmcb.EventNMI {
		ev.Vector = e.Vector
	}
	if e.ErrorCode != nil {
		ev.HasErrorCode = true
		ev.ErrorCode = *e.ErrorCode
	}
	return ev, nil
}

// Expectation is checked after the scenario ran.
type Expectation struct {
	// Exit is the kind RunOnce finally returned: halt, to-host, reset,
	// hang or invalid-state.
	Exit     string            `yaml:"exit"`
	Code     string            `yaml:"code"`
	Injected []EventSpec       `yaml:"injected"`
	Regs     map[string]uint64 `yaml:"regs"`
	// NestedExits lists the exit codes forwarded to the guest hypervisor.
	NestedExits []string `yaml:"nested_exits"`
	// NestedIntInfo lists the events reported in EXITINTINFO of those
	// exits, skipping exits that carry none.
	NestedIntInfo []EventSpec `yaml:"nested_int_info"`
	// Flushes lists the TLB control of each entry, when given.
	Flushes []string `yaml:"flushes"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// LoadScenario loads a scenario from a YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if s.MaxASID == 0 {
		s.MaxASID = 16
	}
	if s.HostCPUs <= 0 {
		s.HostCPUs = 1
	}
	if s.Timeout == 0 {
		s.Timeout = Duration(10 * time.Second)
	}
	for i, st := range s.Steps {
		if _, ok := vmcb.ParseExitCode(st.Exit); !ok {
			return nil, fmt.Errorf("scenario %s: step %d: unknown exit %q", s.Name, i, st.Exit)
		}
		if st.Migrate != nil && (*st.Migrate < 0 || *st.Migrate >= s.HostCPUs) {
			return nil, fmt.Errorf("scenario %s: step %d: no host cpu %d", s.Name, i, *st.Migrate)
		}
		if st.Nested && !s.NestedHWVirt {
			return nil, fmt.Errorf("scenario %s: step %d: nested step without nested_hw_virt", s.Name, i)
		}
	}
	return &s, nil
}

// Result is what a scenario run produced.
type Result struct {
	Reason      svm.ExitReason
	Err         error
	Regs        svm.GuestContext
	Delivered   []vmcb.Event
	Runs        []RunRecord
	NestedExits []NestedExit
	Violations  []string
	Stats       svm.Stats
}

// Machine is the simulated machine a scenario runs on. Tests build one
// directly when a script is easier to write in Go.
type Machine struct {
	Host     *Host
	CPU      *CPU
	Platform *Platform
	Interp   *Interpreter
	Nested   *Nested

	Engine *svm.Engine
	VM     *svm.VM
}

// MachineConfig configures NewMachine.
type MachineConfig struct {
	Caps     hv.Capabilities
	HostCPUs int
	VM       svm.VMConfig
	Logger   *slog.Logger
}

// NewMachine builds an engine and a VM on simulated hardware.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.HostCPUs <= 0 {
		cfg.HostCPUs = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Caps.Vendor == "" {
		cfg.Caps.Vendor = "AuthenticAMD"
	}
	alloc := vmcb.HeapAllocator{}
	m := &Machine{
		Host:     NewHost(cfg.HostCPUs),
		CPU:      NewCPU(cfg.HostCPUs, cfg.Caps.MaxASID),
		Platform: NewPlatform(),
		Interp:   &Interpreter{},
	}
	e, err := svm.Open(cfg.Caps, svm.EngineConfig{
		Host:      m.Host,
		Allocator: alloc,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	m.Engine = e

	vmc := cfg.VM
	vmc.Switcher = m.CPU
	vmc.Interpreter = m.Interp
	vmc.Platform = m.Platform
	vmc.Logger = cfg.Logger
	if vmc.NestedHWVirt {
		n, err := NewNested(alloc)
		if err != nil {
			e.Close()
			return nil, err
		}
		m.Nested = n
		vmc.Nested = n
	}
	vm, err := e.NewVM(vmc)
	if err != nil {
		e.Close()
		return nil, err
	}
	m.VM = vm
	return m, nil
}

// Close tears the machine down.
func (m *Machine) Close() error {
	return errors.Join(m.VM.Close(), m.Engine.Close())
}

// Build creates the machine for the scenario and queues its steps.
func (s *Scenario) Build(log *slog.Logger) (*Machine, error) {
	caps := hv.Capabilities{MaxASID: s.MaxASID}
	for _, name := range s.Caps {
		if err := caps.SetFeature(name, true); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
		}
	}
	vmc := svm.VMConfig{
		Name:         s.Name,
		NestedPaging: s.NestedPaging,
		NestedHWVirt: s.NestedHWVirt,
	}
	mode, err := svm.ParseTSCMode(s.TSCMode)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
	}
	vmc.TSCMode = mode
	m, err := NewMachine(MachineConfig{Caps: caps, HostCPUs: s.HostCPUs, VM: vmc, Logger: log})
	if err != nil {
		return nil, err
	}
	switch s.PageFault {
	case "", "resolve":
	case "guest", "mmio":
		kind := svm.NPFGuest
		if s.PageFault == "mmio" {
			kind = svm.NPFMMIO
		}
		m.Platform.PageFaultFunc = func(vcpu int, addr, errCode uint64, npf bool) (svm.NPFOutcome, error) {
			return svm.NPFOutcome{Kind: kind, FaultAddr: addr, ErrorCode: uint32(errCode)}, nil
		}
	default:
		m.Close()
		return nil, fmt.Errorf("scenario %s: unknown page fault outcome %q", s.Name, s.PageFault)
	}
	vc := m.VM.VCPU(0)
	for msr, val := range s.MSRs {
		m.Platform.SetMSR(0, msr, val)
	}
	if m.Nested != nil && s.Nested != nil {
		g := m.Nested.Guest
		for _, name := range s.Nested.Ctrl1 {
			code, ok := vmcb.ParseExitCode(name)
			if !ok || !setIntercept(g, code) {
				m.Close()
				return nil, fmt.Errorf("scenario %s: cannot intercept %q", s.Name, name)
			}
		}
		for _, vec := range s.Nested.Xcpt {
			g.SetInterceptXcpt(vec, true)
		}
	}

	for i, st := range s.Steps {
		step, err := s.step(m, vc, st)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("scenario %s: step %d: %w", s.Name, i, err)
		}
		block := vc.VMCB()
		if st.Nested {
			block = m.Nested.Guest
		}
		m.CPU.Script(block, step)
	}
	return m, nil
}

// setIntercept sets the intercept that produces code.
func setIntercept(v *vmcb.VMCB, code vmcb.ExitCode) bool {
	switch {
	case code <= vmcb.ExitReadCR15:
		v.SetInterceptReadCR(int(code-vmcb.ExitReadCR0), true)
	case code <= vmcb.ExitWriteCR15:
		v.SetInterceptWriteCR(int(code-vmcb.ExitWriteCR0), true)
	case code <= vmcb.ExitReadDR15:
		v.SetInterceptReadDR(int(code-vmcb.ExitReadDR0), true)
	case code <= vmcb.ExitWriteDR15:
		v.SetInterceptWriteDR(int(code-vmcb.ExitWriteDR0), true)
	case code <= vmcb.ExitXcpt31:
		v.SetInterceptXcpt(uint8(code-vmcb.ExitXcpt0), true)
	case code <= vmcb.ExitShutdown:
		v.SetInterceptCtrl1(1<<(code-vmcb.ExitINTR), true)
	case code <= vmcb.ExitCR15WriteTrap:
		v.SetInterceptCtrl2(1<<(code-vmcb.ExitVMRUN), true)
	case code <= vmcb.ExitTLBSYNC:
		v.SetInterceptCtrl3(1<<(code-vmcb.ExitINVLPGB), true)
	default:
		return false
	}
	return true
}

func (s *Scenario) step(m *Machine, vc *svm.VCPU, st StepSpec) (Step, error) {
	code, _ := vmcb.ParseExitCode(st.Exit)
	ex := Exit{Code: code, Info1: st.Info1, Info2: st.Info2, Len: st.Len}
	if st.Vectoring != nil {
		ev, err := st.Vectoring.Event()
		if err != nil {
			return Step{}, err
		}
		ex.IntInfo = ev.Encode()
	}
	for name := range st.Regs {
		if _, ok := regSetters[name]; !ok {
			return Step{}, fmt.Errorf("unknown register %q", name)
		}
	}
	guest := func(r *Run) {
		for name, val := range st.Regs {
			regSetters[name](r, val)
		}
		if st.Migrate != nil {
			m.Host.Migrate(*st.Migrate)
		}
		if st.IRQ != nil {
			m.Platform.RaiseIRQ(vc.ID(), *st.IRQ)
			vc.Request(svm.RequestInterrupt)
		}
		if st.NMI {
			vc.Request(svm.RequestNMI)
		}
	}
	return Step{Guest: guest, Exit: ex, Undelivered: st.Undelivered}, nil
}

var gprNames = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

// regSetters change guest registers the way the guest itself would while
// running: RAX, RSP and the block state in the block, the rest in the
// register file.
var regSetters = func() map[string]func(r *Run, val uint64) {
	set := map[string]func(r *Run, val uint64){
		"rax":    func(r *Run, val uint64) { r.VMCB.State.RAX = val },
		"rsp":    func(r *Run, val uint64) { r.VMCB.State.RSP = val },
		"rip":    func(r *Run, val uint64) { r.VMCB.State.RIP = val },
		"rflags": func(r *Run, val uint64) { r.VMCB.State.RFLAGS = val },
		"cr2":    func(r *Run, val uint64) { r.VMCB.State.CR2 = val },
	}
	for i, name := range gprNames {
		if _, ok := set[name]; !ok {
			set[name] = func(r *Run, val uint64) { r.GPRs[i] = val }
		}
	}
	return set
}()

func regValue(ctx *svm.GuestContext, name string) (uint64, bool) {
	for i, n := range gprNames {
		if n == name {
			return ctx.GPR[i], true
		}
	}
	switch name {
	case "rip":
		return ctx.RIP, true
	case "rflags":
		return ctx.RFLAGS, true
	case "cr0":
		return ctx.CR0, true
	case "cr2":
		return ctx.CR2, true
	case "cr3":
		return ctx.CR3, true
	case "cr4":
		return ctx.CR4, true
	case "efer":
		return ctx.EFER, true
	}
	return 0, false
}

// Run executes the scenario until RunOnce returns something other than
// ExitContinue.
func (s *Scenario) Run(ctx context.Context, log *slog.Logger) (*Result, error) {
	m, err := s.Build(log)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(ctx, s.Timeout.Duration())
	defer cancel()

	vc := m.VM.VCPU(0)
	if err := vc.EnterContext(); err != nil {
		return nil, err
	}
	defer vc.LeaveContext()

	res := &Result{}
	for {
		reason, err := vc.RunOnce(ctx)
		res.Reason = reason
		if err != nil {
			// A refused entry is an outcome the scenario can expect.
			if reason.Kind != svm.ExitInvalidState {
				return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
			}
			res.Err = err
			break
		}
		if reason.Kind != svm.ExitContinue {
			break
		}
	}
	res.Regs = *vc.Context(svm.StateAll)
	res.Delivered = m.CPU.Delivered()
	res.Runs = m.CPU.Runs()
	res.Violations = m.CPU.Violations()
	res.Stats = vc.Stats()
	if m.Nested != nil {
		res.NestedExits = m.Nested.Exits()
	}
	return res, nil
}

// Check compares res against the scenario's expectation and the hardware
// rules the CPU model enforces.
func (s *Scenario) Check(res *Result) error {
	var errs []error
	failf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	exp := s.Expect
	for _, v := range res.Violations {
		failf("hardware rule broken: %s", v)
	}
	if exp.Exit != "" && res.Reason.Kind.String() != exp.Exit {
		failf("exit %s, want %s", res.Reason, exp.Exit)
	}
	if exp.Code != "" && res.Reason.Code.String() != exp.Code {
		failf("exit code %s, want %s", res.Reason.Code, exp.Code)
	}
	if exp.Injected != nil {
		var want []string
		for _, e := range exp.Injected {
			ev, err := e.Event()
			if err != nil {
				failf("expectation: %v", err)
				continue
			}
			want = append(want, ev.String())
		}
		var got []string
		for _, ev := range res.Delivered {
			got = append(got, ev.String())
		}
		if strings.Join(got, " ") != strings.Join(want, " ") {
			failf("injected [%s], want [%s]", strings.Join(got, " "), strings.Join(want, " "))
		}
	}
	for name, want := range exp.Regs {
		got, ok := regValue(&res.Regs, name)
		if !ok {
			failf("expectation: unknown register %q", name)
		} else if got != want {
			failf("%s = %#x, want %#x", name, got, want)
		}
	}
	if exp.NestedExits != nil {
		var got []string
		for _, ne := range res.NestedExits {
			got = append(got, ne.Code.String())
		}
		if strings.Join(got, " ") != strings.Join(exp.NestedExits, " ") {
			failf("nested exits [%s], want [%s]", strings.Join(got, " "), strings.Join(exp.NestedExits, " "))
		}
	}
	if exp.NestedIntInfo != nil {
		var want, got []string
		for _, e := range exp.NestedIntInfo {
			ev, err := e.Event()
			if err != nil {
				failf("expectation: %v", err)
				continue
			}
			want = append(want, ev.String())
		}
		for _, ne := range res.NestedExits {
			if ev, ok := vmcb.DecodeEvent(ne.IntInfo); ok {
				got = append(got, ev.String())
			}
		}
		if strings.Join(got, " ") != strings.Join(want, " ") {
			failf("nested exit events [%s], want [%s]", strings.Join(got, " "), strings.Join(want, " "))
		}
	}
	if exp.Flushes != nil {
		var got []string
		for _, r := range res.Runs {
			got = append(got, r.Flush.String())
		}
		if strings.Join(got, " ") != strings.Join(exp.Flushes, " ") {
			failf("flushes [%s], want [%s]", strings.Join(got, " "), strings.Join(exp.Flushes, " "))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("scenario %s: %w", s.Name, errors.Join(errs...))
	}
	return nil
}
