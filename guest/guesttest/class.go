package guesttest

import (
	"fmt"
	"sync"

	"github.com/caffeineduck/modhost/guest"
)

// MethodImpl implements a guest method in Go. For constructors the returned
// value becomes the object's Value.
type MethodImpl func(env guest.Env, this *Object, args []any) (any, error)

// MethodSpec declares a method of a class. Native methods have no Impl; the
// host supplies them through RegisterNatives.
type MethodSpec struct {
	Name      string
	Signature string
	Native    bool
	Impl      MethodImpl
}

// Class is a Go-defined guest class.
type Class struct {
	name    string
	mu      sync.RWMutex
	methods map[string]*method
}

func (c *Class) Name() string { return c.name }

type method struct {
	class *Class
	spec  MethodSpec
	sig   guest.Signature
	// native is set by RegisterNatives.
	native guest.NativeFunc
}

func (m *method) Name() string      { return m.spec.Name }
func (m *method) Signature() string { return m.spec.Signature }

func methodKey(name, sig string) string {
	return name + ":" + sig
}

func (c *Class) lookup(name, sig string) *method {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.methods[methodKey(name, sig)]
}

// Object is an instance of a Class.
type Object struct {
	class *Class
	mu    sync.Mutex
	value any
}

// Value returns the Go value backing the object: the constructor result for
// user classes, []byte for byte arrays, string for strings.
func (o *Object) Value() any {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

// ClassName returns the object's class name.
func (o *Object) ClassName() string {
	return o.class.name
}

var (
	byteArrayClass = &Class{name: "[B", methods: map[string]*method{}}
	stringClass    = &Class{name: guest.StringClass, methods: map[string]*method{}}
)

// DefineClass adds a class. The constructor spec has Name set to
// guest.ConstructorName automatically.
func (l *Launcher) DefineClass(name string, ctor MethodSpec, methods ...MethodSpec) error {
	c := &Class{name: name, methods: make(map[string]*method)}
	ctor.Name = guest.ConstructorName
	for _, spec := range append([]MethodSpec{ctor}, methods...) {
		sig, err := guest.ParseSignature(spec.Signature)
		if err != nil {
			return fmt.Errorf("define %s.%s: %w", name, spec.Name, err)
		}
		c.methods[methodKey(spec.Name, spec.Signature)] = &method{class: c, spec: spec, sig: sig}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.classes[name]; ok {
		return fmt.Errorf("define %s: class already defined", name)
	}
	l.classes[name] = c
	return nil
}

func (l *Launcher) class(name string) *Class {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.classes[name]
}

func (l *Launcher) defineBus() {
	ctor := MethodSpec{
		Signature: guest.BusConstructorSig,
		Impl: func(_ guest.Env, _ *Object, args []any) (any, error) {
			return args[0].(int64), nil
		},
	}
	publish := MethodSpec{Name: guest.PublishMethod, Signature: guest.PublishSig, Native: true}
	if err := l.DefineClass(guest.BusClassName, ctor, publish); err != nil {
		panic(err)
	}
}

// Module is the Go stand-in for a guest module object.
type Module interface {
	Receive(env guest.Env, data []byte) error
	Destroy(env guest.Env) error
}

// ModuleFactory constructs a Module from the module constructor arguments.
type ModuleFactory func(env guest.Env, moduleAddr int64, bus *Object, config string) (Module, error)

// DefineModule adds a module class implementing the module contract.
func (l *Launcher) DefineModule(name string, factory ModuleFactory) error {
	ctor := MethodSpec{
		Signature: guest.ModuleConstructorSig,
		Impl: func(env guest.Env, _ *Object, args []any) (any, error) {
			bus, _ := args[1].(*Object)
			cfg := ""
			if s, ok := args[2].(*Object); ok && s != nil {
				cfg, _ = s.Value().(string)
			}
			return factory(env, args[0].(int64), bus, cfg)
		},
	}
	receive := MethodSpec{
		Name:      guest.ReceiveMethod,
		Signature: guest.ReceiveSig,
		Impl: func(env guest.Env, this *Object, args []any) (any, error) {
			arr, _ := args[0].(*Object)
			var data []byte
			if arr != nil {
				data = append([]byte(nil), arr.Value().([]byte)...)
			}
			return nil, this.Value().(Module).Receive(env, data)
		},
	}
	destroy := MethodSpec{
		Name:      guest.DestroyMethod,
		Signature: guest.DestroySig,
		Impl: func(env guest.Env, this *Object, _ []any) (any, error) {
			return nil, this.Value().(Module).Destroy(env)
		},
	}
	return l.DefineClass(name, ctor, receive, destroy)
}

// BusAddress returns the native address a bus object was constructed with.
func BusAddress(bus *Object) int64 {
	if bus == nil {
		return 0
	}
	addr, _ := bus.Value().(int64)
	return addr
}

// Publish does what guest module code does to publish: it calls the bus
// object's native publishMessage with the module address, the bus address
// and a byte array holding data.
func Publish(e guest.Env, bus *Object, moduleAddr int64, data []byte) (int32, error) {
	ev, ok := e.(*env)
	if !ok {
		return 0, fmt.Errorf("publish: foreign env %T", e)
	}
	if bus == nil {
		return 0, fmt.Errorf("publish: nil bus")
	}
	m := bus.class.lookup(guest.PublishMethod, guest.PublishSig)
	if m == nil {
		return 0, fmt.Errorf("publish: %s has no %s", bus.class.name, guest.PublishMethod)
	}
	m.class.mu.RLock()
	fn := m.native
	m.class.mu.RUnlock()
	if fn == nil {
		return 0, guest.Errorf("publish", guest.KindNoSuchMethod, "native not registered", nil)
	}

	arr := &Object{class: byteArrayClass, value: append([]byte(nil), data...)}
	ev.l.nativeCalls.Add(1)
	ret, err := fn(e, bus, moduleAddr, BusAddress(bus), arr)
	if err != nil {
		return 0, err
	}
	code, _ := ret.(int32)
	return code, nil
}
