// Package config loads the engine's YAML configuration file.
package config

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/svm"
)

const (
	Filename = "svm.yaml"

	// SchemaVersion is written into new files. Files with another major
	// version are rejected.
	SchemaVersion = "v1.1.0"
)

// Config is the contents of a configuration file.
type Config struct {
	Version string `yaml:"version"`

	Engine EngineConfig `yaml:"engine"`
	VM     VMConfig     `yaml:"vm"`
	Trace  TraceConfig  `yaml:"trace,omitempty"`
}

type EngineConfig struct {
	// PerCallEnable arms SVM per EnterContext instead of on every CPU at
	// startup.
	PerCallEnable bool   `yaml:"perCallEnable,omitempty"`
	MaxASID       uint32 `yaml:"maxASID,omitempty"`

	// AlwaysFlushTLB overrides the erratum 170 detection.
	AlwaysFlushTLB *bool `yaml:"alwaysFlushTLB,omitempty"`

	// Features forces capability bits on or off, by name.
	Features map[string]bool `yaml:"features,omitempty"`
}

type VMConfig struct {
	Name  string `yaml:"name"`
	VCPUs int    `yaml:"vcpus,omitempty"`

	NestedPaging         bool `yaml:"nestedPaging"`
	NestedHWVirt         bool `yaml:"nestedHWVirt,omitempty"`
	EmulateSyscallMSRs   bool `yaml:"emulateSyscallMSRs,omitempty"`
	TaskSwitchWorkaround bool `yaml:"taskSwitchWorkaround,omitempty"`

	PauseFilter PauseFilter `yaml:"pauseFilter,omitempty"`

	TSCMode        string `yaml:"tscMode,omitempty"`
	ExposeRDTSCP   bool   `yaml:"exposeRDTSCP,omitempty"`
	MaxResumeLoops int    `yaml:"maxResumeLoops,omitempty"`
}

type PauseFilter struct {
	Count     uint16 `yaml:"count,omitempty"`
	Threshold uint16 `yaml:"threshold,omitempty"`
}

type TraceConfig struct {
	// Exits is the binary exit log; empty disables it.
	Exits string `yaml:"exits,omitempty"`
	// Timeslice records how long each stage of the switch took.
	Timeslice string `yaml:"timeslice,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	c := Config{VM: VMConfig{NestedPaging: true}}
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == "" {
		c.Version = SchemaVersion
	}
	if c.VM.Name == "" {
		c.VM.Name = "vm"
	}
	if c.VM.VCPUs == 0 {
		c.VM.VCPUs = 1
	}
	if c.VM.TSCMode == "" {
		c.VM.TSCMode = svm.TSCAuto.String()
	}
	if c.VM.PauseFilter.Count != 0 && c.VM.PauseFilter.Threshold == 0 {
		c.VM.PauseFilter.Threshold = 128
	}
}

// Validate reports the first setting the engine cannot use.
func (c Config) Validate() error {
	if !semver.IsValid(c.Version) {
		return fmt.Errorf("config: invalid version %q", c.Version)
	}
	if semver.Major(c.Version) != semver.Major(SchemaVersion) {
		return fmt.Errorf("config: version %s not supported, want %s", c.Version, semver.Major(SchemaVersion))
	}
	if semver.Compare(c.Version, SchemaVersion) > 0 {
		return fmt.Errorf("config: version %s is newer than %s", c.Version, SchemaVersion)
	}
	if c.VM.VCPUs < 0 {
		return fmt.Errorf("config: vcpus = %d", c.VM.VCPUs)
	}
	if _, err := svm.ParseTSCMode(c.VM.TSCMode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Engine.MaxASID == 1 {
		return fmt.Errorf("config: maxASID 1 leaves no guest ASIDs")
	}
	names := make(map[string]bool)
	for _, n := range hv.FeatureNames() {
		names[n] = true
	}
	for _, n := range c.featureNames() {
		if !names[n] {
			return fmt.Errorf("config: unknown feature %q", n)
		}
	}
	return nil
}

func (c Config) featureNames() []string {
	return slices.Sorted(maps.Keys(c.Engine.Features))
}

// Parse decodes, normalizes and validates a configuration.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads path. A missing file yields Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Write stores c at path, creating its directory.
func Write(path string, c Config) error {
	c.normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", path, err)
	}
	return nil
}

// ApplyCaps applies the feature overrides to probed capabilities.
func (c Config) ApplyCaps(caps *hv.Capabilities) error {
	for _, n := range c.featureNames() {
		if err := caps.SetFeature(n, c.Engine.Features[n]); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if c.Engine.AlwaysFlushTLB != nil {
		caps.AlwaysFlushTLB = *c.Engine.AlwaysFlushTLB
	}
	return nil
}

// EngineOptions returns the engine settings. The host, allocator and
// logger are left for the caller.
func (c Config) EngineOptions() svm.EngineConfig {
	return svm.EngineConfig{
		PerCallEnable: c.Engine.PerCallEnable,
		MaxASID:       c.Engine.MaxASID,
	}
}

// VMOptions returns the VM settings. The collaborators are left for the
// caller.
func (c Config) VMOptions() (svm.VMConfig, error) {
	mode, err := svm.ParseTSCMode(c.VM.TSCMode)
	if err != nil {
		return svm.VMConfig{}, fmt.Errorf("config: %w", err)
	}
	return svm.VMConfig{
		Name:                 c.VM.Name,
		NumVCPUs:             c.VM.VCPUs,
		NestedPaging:         c.VM.NestedPaging,
		NestedHWVirt:         c.VM.NestedHWVirt,
		EmulateSyscallMSRs:   c.VM.EmulateSyscallMSRs,
		TaskSwitchWorkaround: c.VM.TaskSwitchWorkaround,
		PauseFilterCount:     c.VM.PauseFilter.Count,
		PauseFilterThreshold: c.VM.PauseFilter.Threshold,
		TSCMode:              mode,
		ExposeRDTSCP:         c.VM.ExposeRDTSCP,
		MaxResumeLoops:       c.VM.MaxResumeLoops,
	}, nil
}
