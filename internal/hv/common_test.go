package hv

import (
	"errors"
	"strings"
	"testing"
)

func TestFingerprintStable(t *testing.T) {
	a := Capabilities{Vendor: "AuthenticAMD", Family: 0x19, MaxASID: 32768, NestedPaging: true}
	b := a
	if ComputeFingerprint(a) != ComputeFingerprint(b) {
		t.Fatalf("equal capabilities hash differently")
	}
	b.FlushByASID = true
	if ComputeFingerprint(a) == ComputeFingerprint(b) {
		t.Fatalf("feature change not reflected in fingerprint")
	}
	if got := len(ComputeFingerprint(a).Short()); got != 12 {
		t.Fatalf("Short() has %d digits", got)
	}
}

func TestCapabilitiesString(t *testing.T) {
	c := Capabilities{Vendor: "AuthenticAMD", MaxASID: 16, NestedPaging: true, VMCBClean: true}
	s := c.String()
	for _, want := range []string{"asids=16", "np", "vmcb-clean"} {
		if !strings.Contains(s, want) {
			t.Errorf("%q missing %q", s, want)
		}
	}
}

func TestUnsupported(t *testing.T) {
	var ops Ops = &Unsupported{Extension: KindVMX, Reason: "vt-x engine not built"}
	if ops.Kind() != KindVMX {
		t.Fatalf("Kind() = %v", ops.Kind())
	}
	err := ops.(*Unsupported).Err()
	if !errors.Is(err, ErrHypervisorUnsupported) {
		t.Fatalf("Err() = %v, want ErrHypervisorUnsupported", err)
	}
	if err := ops.Suspend(); err != nil {
		t.Fatalf("Suspend() = %v", err)
	}
}

func TestSetFeature(t *testing.T) {
	var c Capabilities
	for _, name := range FeatureNames() {
		if err := c.SetFeature(name, true); err != nil {
			t.Fatalf("SetFeature(%q): %v", name, err)
		}
	}
	if got, want := len(c.Features()), len(FeatureNames()); got != want {
		t.Fatalf("%d features on, want %d", got, want)
	}
	if err := c.SetFeature("np", false); err != nil || c.NestedPaging {
		t.Fatalf("np still on: %v", err)
	}
	if err := c.SetFeature("warp-drive", true); err == nil {
		t.Fatalf("unknown feature accepted")
	}
}
