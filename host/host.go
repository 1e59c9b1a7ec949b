// Package host runs message bus modules implemented as guest classes.
//
// Every module created by a Host shares one guest VM. The first module to be
// created starts it, later modules attach to it, and the VM is destroyed
// when the last module goes away. A module is a guest object constructed
// with its native address, a bus proxy object and a configuration string;
// messages reach it through receive([B)V and it publishes back through the
// bus proxy's native publishMessage(JJ[B)I.
package host

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/modhost/gateway"
	"github.com/caffeineduck/modhost/guest"
	"github.com/caffeineduck/modhost/message"
	"github.com/caffeineduck/modhost/refcount"
	"github.com/caffeineduck/modhost/vm"
	"github.com/caffeineduck/modhost/vmopts"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNilBus       = errors.New("host: nil bus")
	ErrNilConfig    = errors.New("host: nil module config")
	ErrNoClassName  = errors.New("host: module config has no class name")
	ErrNilResult    = errors.New("host: guest call returned nothing")
	ErrRefcount     = errors.New("host: refcount manager unavailable")
	ErrGuestFailure = errors.New("host: guest exception")
)

// Config is the input to Host.Create.
type Config struct {
	// ClassName is the guest class implementing the module, e.g.
	// "examples/Echo". Required.
	ClassName string
	// Configuration is passed verbatim to the guest constructor.
	Configuration string
	// VMOptions configures the VM if this module is the one creating it. nil
	// selects the runtime defaults.
	VMOptions *vmopts.Options
}

// Host creates, drives and destroys modules. Hosts sharing a launcher share
// its module addresses and its lifecycle lock, and must share a refcount
// holder as well.
type Host struct {
	cfg    hostConfig
	shared *domain
}

func New(opts ...Option) *Host {
	cfg := defaultHostConfig()
	for _, o := range opts {
		o(&cfg)
	}
	cfg.resolve()
	return &Host{cfg: cfg, shared: domainFor(cfg.launcher)}
}

// Refcount returns the holder tracking modules of this host.
func (h *Host) Refcount() *refcount.Holder {
	return h.cfg.refs
}

// Create constructs a module from cfg and attaches it to bus. Invalid input
// fails before anything is acquired. Any later failure rolls back
// everything acquired so far.
func (h *Host) Create(bus gateway.Bus, cfg *Config) (*Module, error) {
	switch {
	case bus == nil:
		h.cfg.logger.Error("create module: bus is nil")
		return nil, ErrNilBus
	case cfg == nil:
		h.cfg.logger.Error("create module: config is nil")
		return nil, ErrNilConfig
	case cfg.ClassName == "":
		h.cfg.logger.Error("create module: class name is empty")
		return nil, ErrNoClassName
	}

	id := uuid.New()
	m := &Module{
		id:        id,
		host:      h,
		bus:       bus,
		className: cfg.ClassName,
		log: h.cfg.logger.With(
			zap.String("module_id", id.String()),
			zap.String("class", cfg.ClassName)),
	}
	m.state.Store(int32(Constructing))

	if err := h.acquire(m, cfg.VMOptions); err != nil {
		m.log.Error("failed to acquire VM", zap.Error(err))
		h.rollback(m)
		return nil, err
	}
	if err := h.construct(m, cfg.Configuration); err != nil {
		m.log.Error("failed to construct module", zap.Error(err))
		h.rollback(m)
		return nil, err
	}

	m.state.Store(int32(Live))
	m.log.Info("module created", zap.Bool("vm_created", m.runtime().Created()))
	return m, nil
}

// acquire takes the refcount manager, gets the VM and counts m in.
func (h *Host) acquire(m *Module, opts *vmopts.Options) error {
	h.shared.lifecycle.Lock()
	defer h.shared.lifecycle.Unlock()

	m.manager = h.cfg.refs.Create()
	if m.manager == nil {
		return ErrRefcount
	}
	rt, err := vm.Acquire(h.cfg.launcher, opts, h.cfg.buildOpts...)
	if err != nil {
		return err
	}
	m.rt.Store(rt)
	if err := m.manager.Add(); err != nil {
		return fmt.Errorf("%w: %w", ErrRefcount, err)
	}
	m.counted = true
	return nil
}

// construct builds the bus proxy and the guest module object and pins the
// latter with a global reference.
func (h *Host) construct(m *Module, configuration string) error {
	env := m.runtime().Env()

	m.addr = h.shared.addrs.Register(m)
	m.busAddr = h.shared.addrs.Register(m.bus)

	busClass, err := env.FindClass(guest.BusClassName)
	if err := m.check(env, "find bus class", err, busClass == nil); err != nil {
		return err
	}
	err = env.RegisterNatives(busClass, []guest.NativeMethod{{
		Name:      guest.PublishMethod,
		Signature: guest.PublishSig,
		Fn:        h.publishMessage,
	}})
	if err := m.check(env, "register publish native", err, false); err != nil {
		return err
	}
	busCtor, err := env.GetMethodID(busClass, guest.ConstructorName, guest.BusConstructorSig)
	if err := m.check(env, "find bus constructor", err, busCtor == nil); err != nil {
		return err
	}
	busObj, err := env.NewObject(busClass, busCtor, m.busAddr)
	if err := m.check(env, "construct bus", err, busObj == nil); err != nil {
		return err
	}

	cls, err := env.FindClass(m.className)
	if err := m.check(env, "find module class", err, cls == nil); err != nil {
		return err
	}
	ctor, err := env.GetMethodID(cls, guest.ConstructorName, guest.ModuleConstructorSig)
	if err := m.check(env, "find module constructor", err, ctor == nil); err != nil {
		return err
	}
	cfgStr, err := env.NewStringUTF(configuration)
	if err := m.check(env, "create configuration string", err, cfgStr == nil); err != nil {
		return err
	}
	obj, err := env.NewObject(cls, ctor, m.addr, busObj, cfgStr)
	if err := m.check(env, "construct module", err, obj == nil); err != nil {
		if obj != nil {
			env.DeleteLocalRef(obj)
		}
		return err
	}
	ref, err := env.NewGlobalRef(obj)
	if err := m.check(env, "pin module object", err, ref == nil); err != nil {
		if ref != nil {
			env.DeleteGlobalRef(ref)
		}
		env.DeleteLocalRef(obj)
		return err
	}
	m.obj = ref
	return nil
}

// rollback undoes acquire and frees m's addresses. It runs after a failed
// create and at the end of every destroy.
func (h *Host) rollback(m *Module) {
	h.shared.lifecycle.Lock()
	defer h.shared.lifecycle.Unlock()

	if m.counted {
		if err := m.manager.Remove(); err != nil {
			m.log.Error("failed to remove module from refcount", zap.Error(err))
		}
		m.counted = false
	}
	rt := m.rt.Swap(nil)
	if rt != nil && m.manager.Size() == 0 {
		if err := vm.Release(rt); err != nil {
			m.log.Error("failed to release VM", zap.Error(err))
		} else {
			m.log.Info("last module gone, VM destroyed")
		}
	}
	if m.manager != nil {
		h.cfg.refs.Destroy(m.manager)
	}
	m.obj = nil
	m.receive = nil

	if m.addr != 0 {
		h.shared.addrs.Remove(m.addr)
		h.shared.addrs.Remove(m.busAddr)
	}
	m.state.Store(int32(Gone))
}

// lookup resolves the module and bus behind addresses handed to the guest.
func (h *Host) lookup(moduleAddr, busAddr int64) (*Module, gateway.Bus, bool) {
	mv, ok := h.shared.addrs.Lookup(moduleAddr)
	if !ok {
		return nil, nil, false
	}
	m, ok := mv.(*Module)
	if !ok {
		return nil, nil, false
	}
	bv, ok := h.shared.addrs.Lookup(busAddr)
	if !ok {
		return nil, nil, false
	}
	bus, ok := bv.(gateway.Bus)
	return m, bus, ok
}

// codec is the message codec of h.
func (h *Host) codec() message.Codec {
	return h.cfg.codec
}
