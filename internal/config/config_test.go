package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/svm"
)

func TestLoadMissingIsDefault(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), Filename))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("Load() (-want +got):\n%s", diff)
	}
	if c.Version != SchemaVersion || !c.VM.NestedPaging || c.VM.VCPUs != 1 {
		t.Errorf("Default() = %+v", c)
	}
}

func TestWriteLoad(t *testing.T) {
	off := false
	want := Default()
	want.Engine = EngineConfig{
		PerCallEnable:  true,
		MaxASID:        64,
		AlwaysFlushTLB: &off,
		Features:       map[string]bool{"avic": false, "nrips": true},
	}
	want.VM.VCPUs = 4
	want.VM.TSCMode = "intercept"
	want.VM.PauseFilter = PauseFilter{Count: 3000, Threshold: 40}
	want.Trace.Exits = "exits.bin"

	path := filepath.Join(t.TempDir(), "sub", Filename)
	if err := Write(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestParseNormalizes(t *testing.T) {
	c, err := Parse([]byte("version: v1.0.0\nvm:\n  pauseFilter: {count: 1000}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.VM.Name != "vm" || c.VM.TSCMode != "auto" || c.VM.PauseFilter.Threshold != 128 {
		t.Errorf("Parse() = %+v", c.VM)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		yaml string
		want string
	}{
		{"bad version", "version: one\n", "invalid version"},
		{"old major", "version: v0.9.0\n", "not supported"},
		{"newer", "version: v1.9.0\n", "newer"},
		{"tsc", "vm: {tscMode: sometimes}\n", "unknown tsc mode"},
		{"asid", "engine: {maxASID: 1}\n", "no guest ASIDs"},
		{"feature", "engine: {features: {warp: true}}\n", `unknown feature "warp"`},
		{"syntax", "vm: [\n", "parse"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Parse() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestApplyCaps(t *testing.T) {
	on := true
	c := Default()
	c.Engine.Features = map[string]bool{"np": false, "vgif": true}
	c.Engine.AlwaysFlushTLB = &on

	caps := hv.Capabilities{NestedPaging: true, MaxASID: 16}
	if err := c.ApplyCaps(&caps); err != nil {
		t.Fatal(err)
	}
	if caps.NestedPaging || !caps.VGIF || !caps.AlwaysFlushTLB {
		t.Errorf("ApplyCaps() = %s", caps)
	}
}

func TestVMOptions(t *testing.T) {
	c := Default()
	c.VM.TSCMode = "offset"
	c.VM.VCPUs = 2
	vmc, err := c.VMOptions()
	if err != nil {
		t.Fatal(err)
	}
	if vmc.TSCMode != svm.TSCOffset || vmc.NumVCPUs != 2 || !vmc.NestedPaging {
		t.Errorf("VMOptions() = %+v", vmc)
	}
	c.Engine.MaxASID = 8
	if got := c.EngineOptions().MaxASID; got != 8 {
		t.Errorf("EngineOptions().MaxASID = %d", got)
	}
}
