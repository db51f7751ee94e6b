package factory

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/simcpu"
	"github.com/tinyrange/svm/internal/svm"
)

func TestDecodeSVMLeaf(t *testing.T) {
	var caps hv.Capabilities
	decodeSVMLeaf(0x1, 0x8000, svmFeatureNP|svmFeatureNRIPS|svmFeatureVMCBClean|svmFeatureFlushByASID, &caps)
	if caps.Revision != 1 || caps.MaxASID != 0x8000 {
		t.Fatalf("revision=%d asids=%d", caps.Revision, caps.MaxASID)
	}
	if !caps.NestedPaging || !caps.NRIPSave || !caps.VMCBClean || !caps.FlushByASID {
		t.Fatalf("missing features: %v", caps.Features())
	}
	if caps.DecodeAssists || caps.AVIC || caps.VGIF {
		t.Fatalf("unexpected features: %v", caps.Features())
	}
}

func TestParseCPUInfoFlags(t *testing.T) {
	const cpuinfo = `processor	: 0
vendor_id	: AuthenticAMD
flags		: fpu vme constant_tsc nonstop_tsc svm npt lbrv nrip_save flushbyasid decodeassists pausefilter pfthreshold vgif
`
	var caps hv.Capabilities
	if !parseCPUInfoFlags(strings.NewReader(cpuinfo), &caps) {
		t.Fatalf("svm flag not found")
	}
	if caps.MaxASID != fallbackMaxASID {
		t.Fatalf("MaxASID = %d, want %d", caps.MaxASID, fallbackMaxASID)
	}
	if !caps.StableTSC || !caps.PauseFilterThreshold || caps.VMCBClean {
		t.Fatalf("features: %v", caps.Features())
	}

	if parseCPUInfoFlags(strings.NewReader("flags\t: fpu vmx\n"), &hv.Capabilities{}) {
		t.Fatalf("host without svm accepted")
	}
}

func TestErratum170(t *testing.T) {
	for _, tt := range []struct {
		family, model, stepping uint8
		want                    bool
	}{
		{0x0f, 0x41, 0, true},
		{0x0f, 0x68, 0, true},
		{0x0f, 0x68, 1, false},
		{0x0f, 0x6f, 2, false},
		{0x10, 0x02, 0, false},
		{0x19, 0x01, 1, false},
	} {
		if got := erratum170(tt.family, tt.model, tt.stepping); got != tt.want {
			t.Errorf("erratum170(%#x, %#x, %d) = %v, want %v", tt.family, tt.model, tt.stepping, got, tt.want)
		}
	}
}

func TestFromHost(t *testing.T) {
	cfg := svm.EngineConfig{Host: simcpu.NewHost(2)}

	ops, err := FromHost(HostInfo{Extension: hv.KindVMX}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if u, ok := ops.(*hv.Unsupported); !ok || u.Kind() != hv.KindVMX {
		t.Fatalf("intel host got %T", ops)
	}

	ops, err = FromHost(HostInfo{Extension: hv.KindSVM, Disabled: "SVMDIS"}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if u, ok := ops.(*hv.Unsupported); !ok || !errors.Is(u.Err(), hv.ErrHypervisorUnsupported) {
		t.Fatalf("disabled host got %T", ops)
	}

	ops, err = FromHost(HostInfo{
		Extension: hv.KindSVM,
		Caps:      hv.Capabilities{Vendor: "AuthenticAMD", MaxASID: 16, NestedPaging: true},
	}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer ops.Close()
	if ops.Kind() != hv.KindSVM {
		t.Fatalf("Kind() = %v, want svm", ops.Kind())
	}
	if _, ok := ops.(*svm.Engine); !ok {
		t.Fatalf("svm host got %T", ops)
	}
}

func TestProbeOnce(t *testing.T) {
	defer Reset()

	cfg := svm.EngineConfig{Host: simcpu.NewHost(1)}
	first, err := Probe(cfg)
	if err != nil {
		t.Skipf("probe failed on this host: %v", err)
	}
	second, err := Probe(svm.EngineConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("second Probe returned a different backend")
	}

	if err := Reset(); err != nil {
		t.Fatal(err)
	}
	third, err := Probe(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if third == nil {
		t.Fatalf("Probe after Reset returned nil")
	}
}
