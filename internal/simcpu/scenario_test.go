package simcpu

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestScenarios(t *testing.T) {
	files, err := filepath.Glob("testdata/*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) == 0 {
		t.Fatal("no scenarios in testdata")
	}
	for _, file := range files {
		t.Run(strings.TrimSuffix(filepath.Base(file), ".yaml"), func(t *testing.T) {
			s, err := LoadScenario(file)
			if err != nil {
				t.Fatal(err)
			}
			res, err := s.Run(context.Background(), slog.New(slog.DiscardHandler))
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Check(res); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestParseScenarioErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		yaml string
		want string
	}{
		{"unknown exit", "name: x\nsteps:\n  - exit: nope\n", `unknown exit "nope"`},
		{"bad cpu", "name: x\nhost_cpus: 2\nsteps:\n  - {exit: hlt, migrate: 2}\n", "no host cpu 2"},
		{"nested off", "name: x\nsteps:\n  - {exit: hlt, nested: true}\n", "without nested_hw_virt"},
		{"bad duration", "name: x\ntimeout: soon\n", "invalid duration"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("ParseScenario() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestScenarioDefaults(t *testing.T) {
	s, err := ParseScenario([]byte("name: x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if s.MaxASID != 16 || s.HostCPUs != 1 || s.Timeout.Duration() == 0 {
		t.Fatalf("defaults not applied: %+v", s)
	}
}

func TestCheckReportsMismatch(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: mismatch
caps: [nrips]
steps:
  - {exit: hlt, len: 1}
expect:
  exit: reset
  regs: {rip: 0x1234}
`))
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Check(res)
	if err == nil {
		t.Fatal("Check() passed a wrong expectation")
	}
	for _, want := range []string{"want reset", "rip = 0xfff1"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Check() = %v, missing %q", err, want)
		}
	}
}

func TestBuildUnknownCapability(t *testing.T) {
	s, err := ParseScenario([]byte("name: x\ncaps: [warp-drive]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Build(nil); err == nil {
		t.Fatal("Build() accepted an unknown capability")
	}
}
