package hv

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrNoMemory              = errors.New("out of memory")
	ErrInvalidGuestState     = errors.New("invalid guest state")
	ErrTripleFault           = errors.New("guest triple fault")
	ErrGuestHang             = errors.New("guest cpu hang")
	ErrUnexpectedExit        = errors.New("unexpected vm exit")
	ErrFeatureUnsupported    = errors.New("feature unsupported")
)

// Kind is the hardware virtualization extension an Ops drives.
type Kind int

const (
	KindNone Kind = iota
	KindVMX
	KindSVM
)

func (k Kind) String() string {
	switch k {
	case KindVMX:
		return "vmx"
	case KindSVM:
		return "svm"
	default:
		return "none"
	}
}

// Capabilities is the immutable result of probing the host CPU.
type Capabilities struct {
	Vendor   string
	Family   uint8
	Model    uint8
	Stepping uint8

	// Revision is the SVM revision from CPUID 0x8000000A EAX.
	Revision uint32
	// MaxASID is the number of ASIDs reported by CPUID 0x8000000A EBX.
	// Valid guest ASIDs are 1 through MaxASID-1.
	MaxASID uint32

	NestedPaging         bool
	LbrVirt              bool
	SVMLock              bool
	NRIPSave             bool
	TSCRateMSR           bool
	VMCBClean            bool
	FlushByASID          bool
	DecodeAssists        bool
	PauseFilter          bool
	PauseFilterThreshold bool
	AVIC                 bool
	VMSAVEVirt           bool
	VGIF                 bool

	// AlwaysFlushTLB is set on parts affected by erratum 170, where
	// ASIDs cannot be trusted and every entry must flush the whole TLB.
	AlwaysFlushTLB bool

	// HostManagesEnable means the host kernel keeps EFER.SVME set and owns
	// the host save area, so no per-CPU scratch page is allocated here.
	HostManagesEnable bool

	// StableTSC means the TSC runs at a constant rate across host CPUs.
	StableTSC bool
}

type feature struct {
	name string
	on   *bool
}

func (c *Capabilities) features() []feature {
	return []feature{
		{"np", &c.NestedPaging},
		{"lbrv", &c.LbrVirt},
		{"svml", &c.SVMLock},
		{"nrips", &c.NRIPSave},
		{"tsc-rate", &c.TSCRateMSR},
		{"vmcb-clean", &c.VMCBClean},
		{"flush-by-asid", &c.FlushByASID},
		{"decode-assists", &c.DecodeAssists},
		{"pause-filter", &c.PauseFilter},
		{"pause-filter-threshold", &c.PauseFilterThreshold},
		{"avic", &c.AVIC},
		{"vmsave-virt", &c.VMSAVEVirt},
		{"vgif", &c.VGIF},
		{"always-flush-tlb", &c.AlwaysFlushTLB},
		{"host-manages-enable", &c.HostManagesEnable},
		{"stable-tsc", &c.StableTSC},
	}
}

// Features lists the names of the optional features that are present.
func (c Capabilities) Features() []string {
	var out []string
	for _, f := range c.features() {
		if *f.on {
			out = append(out, f.name)
		}
	}
	return out
}

// SetFeature turns the named feature on or off.
func (c *Capabilities) SetFeature(name string, on bool) error {
	for _, f := range c.features() {
		if f.name == name {
			*f.on = on
			return nil
		}
	}
	return fmt.Errorf("hv: unknown feature %q", name)
}

// FeatureNames lists every feature name SetFeature accepts.
func FeatureNames() []string {
	var c Capabilities
	var out []string
	for _, f := range c.features() {
		out = append(out, f.name)
	}
	return out
}

func (c Capabilities) String() string {
	return fmt.Sprintf("%s family=%#x model=%#x rev=%d asids=%d [%s]",
		c.Vendor, c.Family, c.Model, c.Revision, c.MaxASID, strings.Join(c.Features(), " "))
}

// Ops is the process-wide virtualization backend selected once at startup.
type Ops interface {
	io.Closer

	Kind() Kind
	Capabilities() Capabilities

	// CPUOffline disarms virtualization on cpu before it goes away.
	CPUOffline(cpu int) error
	// Suspend disarms virtualization on every CPU.
	Suspend() error
	// Resume marks every CPU for lazy re-arming. No state is assumed to
	// have survived the suspend.
	Resume() error
}

// Unsupported is the Ops installed when no usable engine exists on the
// host: either the CPU has no virtualization extension, SVM is disabled by
// firmware, or the extension is one this module does not drive.
type Unsupported struct {
	Extension Kind
	Reason    string
}

func (u *Unsupported) Close() error               { return nil }
func (u *Unsupported) Kind() Kind                 { return u.Extension }
func (u *Unsupported) Capabilities() Capabilities { return Capabilities{} }
func (u *Unsupported) CPUOffline(int) error       { return nil }
func (u *Unsupported) Suspend() error             { return nil }
func (u *Unsupported) Resume() error              { return nil }

// Err describes why the host cannot run guests.
func (u *Unsupported) Err() error {
	if u.Reason == "" {
		return fmt.Errorf("%w: %s", ErrHypervisorUnsupported, u.Extension)
	}
	return fmt.Errorf("%w: %s: %s", ErrHypervisorUnsupported, u.Extension, u.Reason)
}

var _ Ops = &Unsupported{}
