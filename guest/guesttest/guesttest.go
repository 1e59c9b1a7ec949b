// Package guesttest provides an in-memory guest runtime for tests.
//
// Classes are defined in Go. Module classes wrap a Module value built by a
// ModuleFactory; the bus class records its native address and dispatches
// publishMessage to whatever native the host registered. Every Env operation
// can be made to fail through Inject, either with an error result, a pending
// exception, or both.
package guesttest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/modhost/guest"
)

// Op names an injectable operation.
type Op string

const (
	OpCreateVM           Op = "CreateVM"
	OpDestroyVM          Op = "DestroyVM"
	OpAttach             Op = "Attach"
	OpDetach             Op = "Detach"
	OpGetEnv             Op = "GetEnv"
	OpFindClass          Op = "FindClass"
	OpGetObjectClass     Op = "GetObjectClass"
	OpGetMethodID        Op = "GetMethodID"
	OpNewObject          Op = "NewObject"
	OpCallVoidMethod     Op = "CallVoidMethod"
	OpNewStringUTF       Op = "NewStringUTF"
	OpNewByteArray       Op = "NewByteArray"
	OpSetByteArrayRegion Op = "SetByteArrayRegion"
	OpGetByteArrayRegion Op = "GetByteArrayRegion"
	OpNewGlobalRef       Op = "NewGlobalRef"
	OpRegisterNatives    Op = "RegisterNatives"
)

// Fault describes an injected failure.
type Fault struct {
	// Err makes the operation return an error result.
	Err bool
	// Exception leaves a pending exception on the Env.
	Exception bool
	// Match restricts the fault to calls whose class or method name equals it.
	Match string
	// Times limits how often the fault fires. 0 means always.
	Times int
}

// Stats is a snapshot of runtime counters.
type Stats struct {
	VMsCreated   int64
	VMsDestroyed int64
	Attaches     int64
	Detaches     int64
	GlobalRefs   int64
	NativeCalls  int64
	Described    int64
}

// Launcher is an in-memory guest.Launcher. The zero value is not usable;
// call New.
type Launcher struct {
	mu       sync.Mutex
	classes  map[string]*Class
	vm       *VM
	faults   map[Op][]*Fault
	lastArgs *guest.InitArgs

	vmsCreated   atomic.Int64
	vmsDestroyed atomic.Int64
	attaches     atomic.Int64
	detaches     atomic.Int64
	globalRefs   atomic.Int64
	nativeCalls  atomic.Int64
	described    atomic.Int64
}

var _ guest.Launcher = (*Launcher)(nil)

// New returns a Launcher with the bus class already defined.
func New() *Launcher {
	l := &Launcher{
		classes: make(map[string]*Class),
		faults:  make(map[Op][]*Fault),
	}
	l.defineBus()
	return l
}

// Inject adds a fault for op.
func (l *Launcher) Inject(op Op, f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fc := f
	l.faults[op] = append(l.faults[op], &fc)
}

// ClearFaults removes every injected fault.
func (l *Launcher) ClearFaults() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults = make(map[Op][]*Fault)
}

// Stats returns the current counters.
func (l *Launcher) Stats() Stats {
	return Stats{
		VMsCreated:   l.vmsCreated.Load(),
		VMsDestroyed: l.vmsDestroyed.Load(),
		Attaches:     l.attaches.Load(),
		Detaches:     l.detaches.Load(),
		GlobalRefs:   l.globalRefs.Load(),
		NativeCalls:  l.nativeCalls.Load(),
		Described:    l.described.Load(),
	}
}

// LastInitArgs returns a copy of the args passed to the last CreateVM call.
func (l *Launcher) LastInitArgs() *guest.InitArgs {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastArgs == nil {
		return nil
	}
	cp := *l.lastArgs
	cp.Options = append([]string(nil), l.lastArgs.Options...)
	return &cp
}

// Live reports whether a VM is currently running.
func (l *Launcher) Live() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.vm != nil
}

// fault returns the first matching fault for op and consumes one use of it.
func (l *Launcher) fault(op Op, name string) *Fault {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.faults[op] {
		if f.Match != "" && f.Match != name {
			continue
		}
		if f.Times < 0 {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				f.Times = -1
			}
		}
		return f
	}
	return nil
}

func (l *Launcher) CreateVM(args *guest.InitArgs) (guest.VM, guest.Env, error) {
	if args == nil {
		return nil, nil, guest.Errorf("CreateVM", guest.KindInvalidArgs, "nil init args", nil)
	}
	if !args.Version.Supported() {
		return nil, nil, guest.Errorf("CreateVM", guest.KindInvalidArgs, fmt.Sprintf("unsupported version %#x", int32(args.Version)), nil)
	}
	if f := l.fault(OpCreateVM, ""); f != nil {
		return nil, nil, guest.Errorf("CreateVM", guest.KindAllocation, "injected", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.vm != nil {
		return nil, nil, guest.ErrVMExists
	}
	cp := *args
	cp.Options = append([]string(nil), args.Options...)
	l.lastArgs = &cp

	vm := &VM{launcher: l, version: args.Version}
	l.vm = vm
	l.vmsCreated.Add(1)
	return vm, vm.newEnv(), nil
}

func (l *Launcher) CreatedVMs() ([]guest.VM, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.vm == nil {
		return nil, nil
	}
	return []guest.VM{l.vm}, nil
}

func (l *Launcher) DefaultInitArgs(args *guest.InitArgs) error {
	if args == nil {
		return guest.Errorf("DefaultInitArgs", guest.KindInvalidArgs, "nil init args", nil)
	}
	if !args.Version.Supported() {
		return guest.Errorf("DefaultInitArgs", guest.KindInvalidArgs, "unsupported version", nil)
	}
	args.Options = nil
	args.IgnoreUnrecognized = false
	return nil
}

// VM is the in-memory guest.VM.
type VM struct {
	launcher  *Launcher
	version   guest.Version
	destroyed atomic.Bool
}

func (vm *VM) newEnv() *env {
	return &env{vm: vm, l: vm.launcher}
}

func (vm *VM) Attach() (guest.Env, error) {
	if vm.destroyed.Load() {
		return nil, guest.Errorf("Attach", guest.KindDestroyed, "", nil)
	}
	if f := vm.launcher.fault(OpAttach, ""); f != nil {
		return nil, guest.Errorf("Attach", guest.KindDetached, "injected", nil)
	}
	vm.launcher.attaches.Add(1)
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
	if f := vm.launcher.fault(OpDetach, ""); f != nil {
		return guest.Errorf("Detach", guest.KindDetached, "injected", nil)
	}
	ev.detached.Store(true)
	vm.launcher.detaches.Add(1)
	return nil
}

func (vm *VM) GetEnv(v guest.Version) (guest.Env, error) {
	if vm.destroyed.Load() {
		return nil, guest.Errorf("GetEnv", guest.KindDestroyed, "", nil)
	}
	if !v.Supported() {
		return nil, guest.Errorf("GetEnv", guest.KindInvalidArgs, "unsupported version", nil)
	}
	if f := vm.launcher.fault(OpGetEnv, ""); f != nil {
		return nil, guest.Errorf("GetEnv", guest.KindDetached, "injected", nil)
	}
	return vm.newEnv(), nil
}

func (vm *VM) Destroy() error {
	if f := vm.launcher.fault(OpDestroyVM, ""); f != nil {
		return guest.Errorf("DestroyVM", guest.KindInvocation, "injected", nil)
	}
	if !vm.destroyed.CompareAndSwap(false, true) {
		return guest.Errorf("DestroyVM", guest.KindDestroyed, "already destroyed", nil)
	}
	l := vm.launcher
	l.mu.Lock()
	if l.vm == vm {
		l.vm = nil
	}
	l.mu.Unlock()
	l.vmsDestroyed.Add(1)
	return nil
}

// Destroyed reports whether Destroy has run.
func (vm *VM) Destroyed() bool {
	return vm.destroyed.Load()
}
