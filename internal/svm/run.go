package svm

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ExitFunc completes exits RunOnce hands back to the host. It runs on the
// VCPU's own worker. Returning false stops that VCPU.
type ExitFunc func(ctx context.Context, vc *VCPU, reason ExitReason) (bool, error)

// Run runs every VCPU on its own locked OS thread until ctx is done, a VCPU
// fails, onExit stops all of them or RequestStop is raised. A nil onExit
// stops a VCPU at its first exit to the host.
//
// Requests raised on a single VCPU are acknowledged once onExit returned;
// VM-wide ones other than RequestStop must be acknowledged with VM.Ack.
func (vm *VM) Run(ctx context.Context, onExit ExitFunc) error {
	if err := vm.e.checkOpen(); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, vc := range vm.vcpus {
		g.Go(func() error {
			return vc.loop(ctx, onExit)
		})
	}
	err := g.Wait()
	vm.Ack(RequestStop)
	return err
}

// Stop asks every VCPU to return from Run.
func (vm *VM) Stop() { vm.Request(RequestStop) }

func (vc *VCPU) loop(ctx context.Context, onExit ExitFunc) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := vc.EnterContext(); err != nil {
		return err
	}
	defer func() {
		if lerr := vc.LeaveContext(); lerr != nil && err == nil {
			err = lerr
		}
	}()

	for {
		reason, err := vc.RunOnce(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil
			}
			return fmt.Errorf("svm: vcpu %d: %w", vc.id, err)
		}
		if reason.Kind == ExitContinue {
			continue
		}
		if reason.Requests&RequestStop != 0 {
			vc.Ack(RequestStop)
			return nil
		}
		if onExit == nil {
			return reason.Err()
		}
		more, err := onExit(ctx, vc, reason)
		if err != nil {
			return fmt.Errorf("svm: vcpu %d: %s: %w", vc.id, reason, err)
		}
		vc.Ack(reason.Requests)
		if !more {
			return nil
		}
	}
}
