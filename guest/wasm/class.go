package wasm

import (
	"sync"

	"github.com/caffeineduck/modhost/guest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Export names a wasm class provides for the module contract and for
// argument marshalling.
const (
	ExportInit    = "init"
	ExportAlloc   = "alloc"
	ExportFree    = "free"
	ExportMemory  = "memory"
	ExportReceive = guest.ReceiveMethod
	ExportDestroy = guest.DestroyMethod
)

// exportName maps a guest method name to the wasm export implementing it.
func exportName(method string) string {
	if method == guest.ConstructorName {
		return ExportInit
	}
	return method
}

// NativeDecl declares a method of a host class that is implemented through
// RegisterNatives.
type NativeDecl struct {
	Name      string
	Signature string
}

// HostClass describes a class implemented on the host side. Its objects are
// records of their constructor arguments.
type HostClass struct {
	Name           string
	ConstructorSig string
	Natives        []NativeDecl
}

// BusClass is the host class guest modules publish through.
var BusClass = HostClass{
	Name:           guest.BusClassName,
	ConstructorSig: guest.BusConstructorSig,
	Natives:        []NativeDecl{{Name: guest.PublishMethod, Signature: guest.PublishSig}},
}

type hostClass struct {
	name    string
	ctor    *hostMethod
	mu      sync.RWMutex
	natives map[string]*hostMethod
}

func (c *hostClass) Name() string { return c.name }

type hostMethod struct {
	class *hostClass
	name  string
	sig   string
	desc  guest.Signature
	fn    guest.NativeFunc
}

func (m *hostMethod) Name() string      { return m.name }
func (m *hostMethod) Signature() string { return m.sig }

func methodKey(name, sig string) string {
	return name + ":" + sig
}

func newHostClass(hc HostClass) (*hostClass, error) {
	c := &hostClass{name: hc.Name, natives: make(map[string]*hostMethod)}
	desc, err := guest.ParseSignature(hc.ConstructorSig)
	if err != nil {
		return nil, err
	}
	c.ctor = &hostMethod{class: c, name: guest.ConstructorName, sig: hc.ConstructorSig, desc: desc}
	for _, n := range hc.Natives {
		desc, err := guest.ParseSignature(n.Signature)
		if err != nil {
			return nil, err
		}
		c.natives[methodKey(n.Name, n.Signature)] = &hostMethod{class: c, name: n.Name, sig: n.Signature, desc: desc}
	}
	return c, nil
}

func (c *hostClass) lookup(name, sig string) *hostMethod {
	if name == guest.ConstructorName {
		if sig == c.ctor.sig {
			return c.ctor
		}
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.natives[methodKey(name, sig)]
}

func (c *hostClass) native(m *hostMethod) guest.NativeFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return m.fn
}

// hostObject is an instance of a host class.
type hostObject struct {
	class *hostClass
	ref   uint32
	args  []any
}

// wasmClass is a compiled guest module. Each object is its own instance.
type wasmClass struct {
	name     string
	source   string
	digest   string
	compiled wazero.CompiledModule
}

func (c *wasmClass) Name() string { return c.name }

type wasmMethod struct {
	class  *wasmClass
	name   string
	sig    string
	desc   guest.Signature
	export string
}

func (m *wasmMethod) Name() string      { return m.name }
func (m *wasmMethod) Signature() string { return m.sig }

// wasmParams returns the wasm parameter types a descriptor lowers to.
func wasmParams(desc guest.Signature) []api.ValueType {
	var out []api.ValueType
	for _, p := range desc.Params {
		switch {
		case p.Kind == guest.TypeLong:
			out = append(out, api.ValueTypeI64)
		case p.IsByteArray(), p.IsString():
			out = append(out, api.ValueTypeI32, api.ValueTypeI32)
		default:
			out = append(out, api.ValueTypeI32)
		}
	}
	return out
}

func wasmResults(desc guest.Signature) []api.ValueType {
	switch desc.Return.Kind {
	case guest.TypeVoid:
		return nil
	case guest.TypeLong:
		return []api.ValueType{api.ValueTypeI64}
	default:
		return []api.ValueType{api.ValueTypeI32}
	}
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// instance is an object of a wasm class.
type instance struct {
	class *wasmClass
	ref   uint32

	mu         sync.Mutex
	mod        api.Module
	globalRefs int
	closed     bool
}

// byteArray and stringObject are guest values created by the host.
type byteArray struct {
	mu   sync.Mutex
	data []byte
}

type stringObject struct {
	s string
}

// builtinClass is the class of byte arrays and strings.
type builtinClass string

func (c builtinClass) Name() string { return string(c) }

const (
	byteArrayClass builtinClass = "[B"
	stringClass    builtinClass = guest.StringClass
)
