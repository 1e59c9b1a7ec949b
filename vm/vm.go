// Package vm acquires and releases the process-wide guest VM.
//
// The first module to start creates the VM; later modules attach to the one
// that already exists. The VM is torn down by whoever drops the reference
// count to zero.
package vm

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/modhost/guest"
	"github.com/caffeineduck/modhost/vmopts"
	"go.uber.org/zap"
)

var (
	ErrNoVM    = errors.New("vm: no VM")
	ErrNoEnv   = errors.New("vm: no env")
	ErrAcquire = errors.New("vm: acquire failed")
)

// Handle is a reference to the shared VM obtained by Acquire.
type Handle struct {
	vm      guest.VM
	env     guest.Env
	version guest.Version
	created bool
}

func (h *Handle) VM() guest.VM           { return h.vm }
func (h *Handle) Env() guest.Env         { return h.env }
func (h *Handle) Version() guest.Version { return h.version }

// Created reports whether Acquire created the VM rather than attaching to
// an existing one.
func (h *Handle) Created() bool { return h.created }

// Acquire creates the VM from opts, or attaches to the VM the launcher
// already runs. The built option strings are released before it returns.
func Acquire(l guest.Launcher, opts *vmopts.Options, buildOpts ...vmopts.BuildOption) (*Handle, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: nil launcher", ErrAcquire)
	}

	built, err := vmopts.Build(opts, l, buildOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAcquire, err)
	}
	defer built.Release()

	version := built.Args.Version
	vm, env, err := l.CreateVM(&built.Args)
	switch {
	case errors.Is(err, guest.ErrVMExists):
		return attachExisting(l, version)
	case err != nil:
		Logger().Error("failed to create VM", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrAcquire, err)
	case vm == nil || env == nil:
		Logger().Error("VM creation returned no env")
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrNoEnv)
	}

	Logger().Info("created VM",
		zap.Int32("version", int32(version)),
		zap.Int("options", len(built.Args.Options)))
	return &Handle{vm: vm, env: env, version: version, created: true}, nil
}

func attachExisting(l guest.Launcher, version guest.Version) (*Handle, error) {
	vms, err := l.CreatedVMs()
	if err != nil {
		Logger().Error("failed to list VMs", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrAcquire, err)
	}
	if len(vms) == 0 || vms[0] == nil {
		Logger().Error("VM reported as existing but none found")
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrNoVM)
	}
	vm := vms[0]
	env, err := vm.GetEnv(version)
	if err != nil {
		Logger().Error("failed to get env from existing VM", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrAcquire, err)
	}
	if env == nil {
		return nil, fmt.Errorf("%w: %w", ErrAcquire, ErrNoEnv)
	}
	Logger().Debug("attached to existing VM", zap.Int32("version", int32(version)))
	return &Handle{vm: vm, env: env, version: version}, nil
}

// Release destroys the VM behind h. The caller must already know no module
// still uses it.
func Release(h *Handle) error {
	if h == nil || h.vm == nil {
		return ErrNoVM
	}
	// Destroy is called from an attached thread; a failed attach is not fatal.
	env, err := h.vm.Attach()
	if err != nil {
		Logger().Warn("attach before destroy failed", zap.Error(err))
	}
	// A destroyed VM has no threads left to detach; detach only if it survives.
	if err := h.vm.Destroy(); err != nil {
		Logger().Error("failed to destroy VM", zap.Error(err))
		if env != nil {
			if derr := h.vm.Detach(env); derr != nil {
				Logger().Warn("detach after failed destroy", zap.Error(derr))
			}
		}
		return err
	}
	Logger().Info("destroyed VM")
	return nil
}
