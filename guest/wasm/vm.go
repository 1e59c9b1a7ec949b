package wasm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/modhost/guest"
	"github.com/caffeineduck/modhost/internal/addr"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// VM is a running wazero runtime plus the classes loaded into it.
type VM struct {
	launcher *Launcher
	ctx      context.Context
	version  guest.Version
	cfg      vmConfig
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	refs     *addr.Table

	hostClasses map[string]*hostClass

	mu      sync.RWMutex
	classes map[string]*wasmClass

	destroyed atomic.Bool
	closeOnce sync.Once
}

var _ guest.VM = (*VM)(nil)

func (vm *VM) newEnv() *env {
	return &env{vm: vm}
}

func (vm *VM) Attach() (guest.Env, error) {
	if vm.destroyed.Load() {
		return nil, guest.Errorf("Attach", guest.KindDestroyed, "", nil)
	}
	return vm.newEnv(), nil
}

func (vm *VM) Detach(e guest.Env) error {
	ev, ok := e.(*env)
	if !ok || ev.vm != vm {
		return guest.Errorf("Detach", guest.KindInvalidArgs, "foreign env", nil)
	}
	if vm.destroyed.Load() {
		return guest.Errorf("Detach", guest.KindDestroyed, "", nil)
	}
	ev.detached.Store(true)
	return nil
}

func (vm *VM) GetEnv(v guest.Version) (guest.Env, error) {
	if vm.destroyed.Load() {
		return nil, guest.Errorf("GetEnv", guest.KindDestroyed, "", nil)
	}
	if !v.Supported() || v > vm.version {
		return nil, guest.Errorf("GetEnv", guest.KindInvalidArgs, fmt.Sprintf("version %#x not available", int32(v)), nil)
	}
	return vm.newEnv(), nil
}

// Destroy closes the runtime and every instance in it.
func (vm *VM) Destroy() error {
	if !vm.destroyed.CompareAndSwap(false, true) {
		return guest.Errorf("DestroyVM", guest.KindDestroyed, "already destroyed", nil)
	}
	err := vm.close()
	vm.launcher.release(vm)
	Logger().Info("VM destroyed")
	return err
}

func (vm *VM) close() error {
	var errs []error
	vm.closeOnce.Do(func() {
		if err := vm.runtime.Close(vm.ctx); err != nil {
			errs = append(errs, err)
		}
		if vm.cache != nil {
			if err := vm.cache.Close(vm.ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// loadClass returns a compiled wasm class, compiling it on first use.
func (vm *VM) loadClass(name string) (*wasmClass, error) {
	vm.mu.RLock()
	if c, ok := vm.classes[name]; ok {
		vm.mu.RUnlock()
		return c, nil
	}
	vm.mu.RUnlock()

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if c, ok := vm.classes[name]; ok {
		return c, nil
	}

	bin, source, err := vm.launcher.classSource(name, vm.cfg.classPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, guest.Errorf("FindClass", guest.KindClassNotFound, name, nil)
		}
		return nil, guest.Errorf("FindClass", guest.KindClassNotFound, name, err)
	}

	compiled, err := vm.runtime.CompileModule(vm.ctx, bin)
	if err != nil {
		return nil, guest.Errorf("FindClass", guest.KindClassNotFound, "compile "+name, err)
	}

	c := &wasmClass{name: name, source: source, digest: Digest(bin), compiled: compiled}
	vm.classes[name] = c

	if vm.cfg.verbose {
		Logger().Info("loaded class",
			zap.String("class", name),
			zap.String("source", source),
			zap.String("blake3", c.digest))
	}
	return c, nil
}

// Digest returns the hex blake3 digest of a class binary.
func Digest(bin []byte) string {
	sum := blake3.Sum256(bin)
	return fmt.Sprintf("%x", sum[:])
}

func (vm *VM) register(v any) (uint32, error) {
	id := vm.refs.Register(v)
	if id > math.MaxUint32 {
		vm.refs.Remove(id)
		return 0, guest.Errorf("NewObject", guest.KindAllocation, "reference table exhausted", nil)
	}
	return uint32(id), nil
}

func (vm *VM) lookupRef(ref uint32) (any, bool) {
	return vm.refs.Lookup(int64(ref))
}

// instantiate creates a new instance of c.
func (vm *VM) instantiate(c *wasmClass) (*instance, error) {
	mc := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize").
		WithStdout(vm.launcher.cfg.stdout).
		WithStderr(vm.launcher.cfg.stderr)
	for _, k := range vm.cfg.propertyKeys() {
		mc = mc.WithEnv(k, vm.cfg.properties[k])
	}
	if len(vm.cfg.libraryPath) > 0 {
		fs := wazero.NewFSConfig()
		for _, dir := range vm.cfg.libraryPath {
			fs = fs.WithReadOnlyDirMount(dir, dir)
		}
		mc = mc.WithFSConfig(fs)
	}

	mod, err := vm.runtime.InstantiateModule(vm.ctx, c.compiled, mc)
	if err != nil {
		return nil, err
	}
	inst := &instance{class: c, mod: mod}
	ref, err := vm.register(inst)
	if err != nil {
		mod.Close(vm.ctx)
		return nil, err
	}
	inst.ref = ref
	return inst, nil
}

// release closes inst and forgets its reference.
func (vm *VM) release(inst *instance) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.closed {
		return
	}
	inst.closed = true
	vm.refs.Remove(int64(inst.ref))
	if err := inst.mod.Close(vm.ctx); err != nil {
		Logger().Warn("close instance", zap.String("class", inst.class.name), zap.Error(err))
	}
}

// call invokes export fn on inst with params lowered from args. The instance
// lock is held for the duration of the call.
func (vm *VM) call(inst *instance, export string, desc guest.Signature, args []any) ([]uint64, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.closed {
		return nil, guest.Errorf("Call", guest.KindDestroyed, "instance closed", nil)
	}
	fn := inst.mod.ExportedFunction(export)
	if fn == nil {
		return nil, guest.Errorf("Call", guest.KindNoSuchMethod, inst.class.name+"."+export, nil)
	}

	var copies [][2]uint32
	defer func() {
		free := inst.mod.ExportedFunction(ExportFree)
		if free == nil {
			return
		}
		for i := len(copies) - 1; i >= 0; i-- {
			if _, err := free.Call(vm.ctx, uint64(copies[i][0]), uint64(copies[i][1])); err != nil {
				Logger().Warn("guest free failed", zap.String("class", inst.class.name), zap.Error(err))
				return
			}
		}
	}()

	params := make([]uint64, 0, len(args)+2)
	for i, p := range desc.Params {
		switch {
		case p.Kind == guest.TypeLong:
			params = append(params, uint64(args[i].(int64)))
		case p.Kind == guest.TypeBoolean:
			params = append(params, boolParam(args[i].(bool)))
		case p.Kind == guest.TypeObject || p.Kind == guest.TypeArray:
			if p.IsByteArray() || p.IsString() {
				data := objectBytes(args[i])
				ptr, err := vm.copyIn(inst, data)
				if err != nil {
					return nil, err
				}
				copies = append(copies, [2]uint32{ptr, uint32(len(data))})
				params = append(params, uint64(ptr), uint64(len(data)))
				continue
			}
			params = append(params, uint64(objectRef(args[i])))
		default:
			params = append(params, api.EncodeI32(args[i].(int32)))
		}
	}

	return fn.Call(vm.ctx, params...)
}

func boolParam(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// copyIn allocates len(data) bytes in the instance and copies data there.
func (vm *VM) copyIn(inst *instance, data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, nil
	}
	alloc := inst.mod.ExportedFunction(ExportAlloc)
	if alloc == nil {
		return 0, guest.Errorf("Call", guest.KindAllocation, inst.class.name+" does not export "+ExportAlloc, nil)
	}
	res, err := alloc.Call(vm.ctx, uint64(len(data)))
	if err != nil {
		return 0, guest.Errorf("Call", guest.KindAllocation, "guest alloc", err)
	}
	ptr := api.DecodeU32(res[0])
	if !inst.mod.Memory().Write(ptr, data) {
		return 0, guest.Errorf("Call", guest.KindOutOfBounds, fmt.Sprintf("write %d bytes at %d", len(data), ptr), nil)
	}
	return ptr, nil
}

func objectBytes(v any) []byte {
	switch o := v.(type) {
	case *byteArray:
		if o == nil {
			return nil
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.data
	case *stringObject:
		if o == nil {
			return nil
		}
		return []byte(o.s)
	}
	return nil
}

func objectRef(v any) uint32 {
	switch o := v.(type) {
	case *hostObject:
		if o != nil {
			return o.ref
		}
	case *instance:
		if o != nil {
			return o.ref
		}
	}
	return 0
}
