package host

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/modhost/gateway"
	"github.com/caffeineduck/modhost/guest"
	"github.com/caffeineduck/modhost/message"
	"github.com/caffeineduck/modhost/refcount"
	"github.com/caffeineduck/modhost/vm"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is the lifecycle stage of a module.
type State int32

const (
	Uninitialized State = iota
	Constructing
	Live
	Destroying
	Gone
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Constructing:
		return "constructing"
	case Live:
		return "live"
	case Destroying:
		return "destroying"
	case Gone:
		return "gone"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Module is one guest module object plus the host resources it holds.
type Module struct {
	id        uuid.UUID
	host      *Host
	bus       gateway.Bus
	className string
	log       *zap.Logger

	state atomic.Int32

	// rt is read by the publish native without mu.
	rt atomic.Pointer[vm.Handle]

	// mu serializes Receive and Destroy on this module.
	mu      sync.Mutex
	addr    int64
	busAddr int64
	manager *refcount.Manager
	counted bool
	obj     guest.Object
	receive guest.Method
}

func (m *Module) ID() uuid.UUID { return m.id }

func (m *Module) ClassName() string { return m.className }

// Address is the native module address handed to the guest constructor.
func (m *Module) Address() int64 { return m.addr }

// runtime is the VM handle of m, nil once m has been rolled back.
func (m *Module) runtime() *vm.Handle {
	return m.rt.Load()
}

func (m *Module) State() State {
	if m == nil {
		return Gone
	}
	return State(m.state.Load())
}

// Receive delivers msg to the guest module. It does nothing unless m is
// live. Failures are logged.
func (m *Module) Receive(msg *message.Message) {
	if m == nil || msg == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != Live {
		m.log.Debug("receive on module that is not live", zap.Stringer("state", m.State()))
		return
	}

	data, err := m.host.codec().Serialize(msg)
	if err != nil {
		m.log.Error("failed to serialize message", zap.Error(err))
		return
	}

	env, err := m.runtime().VM().Attach()
	if err != nil {
		m.log.Error("failed to attach to VM", zap.Error(err))
		return
	}
	defer m.detach(env)

	arr, err := env.NewByteArray(len(data))
	if err := m.check(env, "create byte array", err, arr == nil); err != nil {
		m.log.Error("receive failed", zap.Error(err))
		return
	}
	defer env.DeleteLocalRef(arr)

	err = env.SetByteArrayRegion(arr, 0, data)
	if err := m.check(env, "copy message", err, false); err != nil {
		m.log.Error("receive failed", zap.Error(err))
		return
	}

	method, err := m.receiveMethod(env)
	if err != nil {
		m.log.Error("receive failed", zap.Error(err))
		return
	}
	err = env.CallVoidMethod(m.obj, method, arr)
	if err := m.check(env, "call receive", err, false); err != nil {
		m.log.Error("receive failed", zap.Error(err))
	}
}

// receiveMethod resolves receive([B)V once and caches it.
func (m *Module) receiveMethod(env guest.Env) (guest.Method, error) {
	if m.receive != nil {
		return m.receive, nil
	}
	cls, err := env.GetObjectClass(m.obj)
	if err := m.check(env, "find module class", err, cls == nil); err != nil {
		return nil, err
	}
	method, err := env.GetMethodID(cls, guest.ReceiveMethod, guest.ReceiveSig)
	if err := m.check(env, "find receive method", err, method == nil); err != nil {
		return nil, err
	}
	m.receive = method
	return method, nil
}

// Destroy calls the guest destroy method, releases the module object and
// drops the module's VM reference, destroying the VM if this was the last
// module. Destroying a module that is not live does nothing.
func (m *Module) Destroy() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.CompareAndSwap(int32(Live), int32(Destroying)) {
		m.log.Debug("destroy on module that is not live", zap.Stringer("state", m.State()))
		return
	}

	if env, err := m.runtime().VM().Attach(); err != nil {
		m.log.Error("failed to attach to VM, skipping guest destroy", zap.Error(err))
	} else {
		m.destroyGuest(env)
		m.detach(env)
	}

	m.host.rollback(m)
	m.log.Info("module destroyed")
}

func (m *Module) destroyGuest(env guest.Env) {
	defer env.DeleteGlobalRef(m.obj)

	cls, err := env.GetObjectClass(m.obj)
	if err := m.check(env, "find module class", err, cls == nil); err != nil {
		m.log.Error("guest destroy skipped", zap.Error(err))
		return
	}
	method, err := env.GetMethodID(cls, guest.DestroyMethod, guest.DestroySig)
	if err := m.check(env, "find destroy method", err, method == nil); err != nil {
		m.log.Error("guest destroy skipped", zap.Error(err))
		return
	}
	err = env.CallVoidMethod(m.obj, method)
	if err := m.check(env, "call destroy", err, false); err != nil {
		m.log.Error("guest destroy failed", zap.Error(err))
	}
}

func (m *Module) detach(env guest.Env) {
	if err := m.runtime().VM().Detach(env); err != nil {
		m.log.Warn("failed to detach from VM", zap.Error(err))
	}
}

// check turns the outcome of a guest call into an error. A pending guest
// exception is logged, described and cleared; it fails the step even when
// the call itself reported success.
func (m *Module) check(env guest.Env, step string, err error, isNil bool) error {
	exc := env.ExceptionOccurred()
	if exc != nil {
		m.log.Error("guest exception",
			zap.String("step", step),
			zap.String("exception", exc.Class),
			zap.String("message", exc.Message))
		env.ExceptionDescribe()
		env.ExceptionClear()
	}
	switch {
	case err != nil:
		return fmt.Errorf("%s: %w", step, err)
	case exc != nil:
		return fmt.Errorf("%s: %w: %w", step, ErrGuestFailure, exc)
	case isNil:
		return fmt.Errorf("%s: %w", step, ErrNilResult)
	}
	return nil
}
