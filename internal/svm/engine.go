package svm

import (
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/svm/internal/hostos"
	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/vmcb"
)

// EngineConfig holds the host-wide settings of an Engine.
type EngineConfig struct {
	Host      Host
	Allocator vmcb.Allocator
	Logger    *slog.Logger

	// PerCallEnable arms SVM in EnterContext and disarms it again in
	// LeaveContext instead of leaving every CPU armed.
	PerCallEnable bool

	// MaxASID caps the ASID space below what the CPU reports. Zero uses
	// the reported value.
	MaxASID uint32
}

// Engine is the SVM implementation of hv.Ops. There is one per process.
type Engine struct {
	caps hv.Capabilities
	cfg  EngineConfig
	log  *slog.Logger
	cpus *HostCPUs

	maxASID uint32
	closed  atomicbitops.Bool
}

// Open builds the engine for a host with the given capabilities.
func Open(caps hv.Capabilities, cfg EngineConfig) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Allocator == nil {
		cfg.Allocator = vmcb.DefaultAllocator()
	}
	if cfg.Host == nil {
		cfg.Host = hostos.New()
	}

	maxASID := caps.MaxASID
	if cfg.MaxASID != 0 && cfg.MaxASID < maxASID {
		maxASID = cfg.MaxASID
	}
	// ASID 0 belongs to the host, so at least one more is needed.
	if maxASID < 2 {
		return nil, fmt.Errorf("svm: %w: cpu reports %d ASIDs", hv.ErrFeatureUnsupported, caps.MaxASID)
	}

	e := &Engine{
		caps:    caps,
		cfg:     cfg,
		log:     cfg.Logger.With("component", "svm"),
		maxASID: maxASID,
	}
	e.cpus = newHostCPUs(cfg.Host, cfg.Allocator, caps, e.log)

	if !cfg.PerCallEnable {
		for i := 0; i < e.cpus.Len(); i++ {
			if err := e.cpus.Enable(i); err != nil {
				e.cpus.close()
				return nil, err
			}
		}
	}
	return e, nil
}

func (e *Engine) Kind() hv.Kind                 { return hv.KindSVM }
func (e *Engine) Capabilities() hv.Capabilities { return e.caps }

// HostCPUs exposes the per-CPU records.
func (e *Engine) HostCPUs() *HostCPUs { return e.cpus }

// MaxASID returns the exclusive upper bound of guest ASIDs.
func (e *Engine) MaxASID() uint32 { return e.maxASID }

func (e *Engine) CPUOffline(cpu int) error { return e.cpus.CPUOffline(cpu) }
func (e *Engine) Suspend() error           { return e.cpus.Suspend() }

func (e *Engine) Resume() error {
	e.cpus.Resume()
	return nil
}

func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.cpus.close()
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrAlreadyClosed
	}
	return nil
}

var _ hv.Ops = &Engine{}
