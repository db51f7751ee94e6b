//go:build !linux

package hostos

import (
	"errors"
	"runtime"
)

var errNoMSR = errors.New("hostos: msr access needs linux")

func hostCPUCount() int { return runtime.NumCPU() }

// Pin only locks the OS thread; the host offers no affinity control.
func (h *Host) Pin() (int, func()) {
	runtime.LockOSThread()
	return 0, runtime.UnlockOSThread
}

func (h *Host) currentCPU() int { return 0 }

type msrFile struct{}

func (f *msrFile) close() error { return nil }

func (h *Host) readMSR(cpu int, msr uint32) (uint64, error) { return 0, errNoMSR }

func (h *Host) writeMSR(cpu int, msr uint32, val uint64) error { return errNoMSR }
