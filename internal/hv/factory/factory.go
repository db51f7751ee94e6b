// Package factory probes the host once and installs the process-wide
// virtualization backend.
package factory

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/svm"
)

// HostInfo is the raw result of probing the host CPU.
type HostInfo struct {
	Extension hv.Kind
	Caps      hv.Capabilities

	// Disabled is non-empty when the extension exists but cannot be used.
	Disabled string
}

var (
	mu         sync.Mutex
	once       = new(sync.Once)
	installed  hv.Ops
	installErr error
)

// Probe detects the host's virtualization extension and installs the
// matching backend. Only the first call probes; later calls return the same
// Ops and ignore cfg.
func Probe(cfg svm.EngineConfig) (hv.Ops, error) {
	mu.Lock()
	o := once
	mu.Unlock()

	o.Do(func() {
		ops, err := open(cfg)

		mu.Lock()
		installed, installErr = ops, err
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()
	return installed, installErr
}

// Reset closes the installed backend so the next Probe starts over.
func Reset() error {
	mu.Lock()
	defer mu.Unlock()

	var err error
	if installed != nil {
		err = installed.Close()
	}
	once = new(sync.Once)
	installed, installErr = nil, nil
	return err
}

func open(cfg svm.EngineConfig) (hv.Ops, error) {
	info, err := probeHost()
	if err != nil {
		return nil, err
	}
	return FromHost(info, cfg)
}

// FromHost selects the backend for an already probed host.
func FromHost(info HostInfo, cfg svm.EngineConfig) (hv.Ops, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	switch info.Extension {
	case hv.KindSVM:
		if info.Disabled != "" {
			log.Warn("svm present but unusable", "reason", info.Disabled)
			return &hv.Unsupported{Extension: hv.KindSVM, Reason: info.Disabled}, nil
		}
		log.Info("svm backend installed", "caps", info.Caps.String())
		return svm.Open(info.Caps, cfg)
	case hv.KindVMX:
		return &hv.Unsupported{Extension: hv.KindVMX, Reason: "vt-x is driven by a separate engine"}, nil
	default:
		reason := info.Disabled
		if reason == "" {
			reason = "no hardware virtualization extension"
		}
		return &hv.Unsupported{Extension: hv.KindNone, Reason: reason}, nil
	}
}
