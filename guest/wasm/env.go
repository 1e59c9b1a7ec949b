package wasm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/modhost/guest"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Exception classes raised by the runtime.
const (
	ExcNoClassDef       = "java/lang/NoClassDefFoundError"
	ExcNoSuchMethod     = "java/lang/NoSuchMethodError"
	ExcInstantiation    = "java/lang/InstantiationException"
	ExcUnsatisfiedLink  = "java/lang/UnsatisfiedLinkError"
	ExcIndexOutOfBounds = "java/lang/ArrayIndexOutOfBoundsException"
	ExcTrap             = "wasm/Trap"
)

type env struct {
	vm       *VM
	detached atomic.Bool

	mu      sync.Mutex
	pending *guest.Exception
}

var _ guest.Env = (*env)(nil)

func (e *env) check(op string) error {
	if e.vm.destroyed.Load() {
		return guest.Errorf(op, guest.KindDestroyed, "", nil)
	}
	if e.detached.Load() {
		return guest.Errorf(op, guest.KindDetached, "", nil)
	}
	return nil
}

func (e *env) throw(class, msg string, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == nil {
		e.pending = &guest.Exception{Class: class, Message: msg, Cause: cause}
	}
}

func (e *env) FindClass(name string) (guest.Class, error) {
	if err := e.check("FindClass"); err != nil {
		return nil, err
	}
	switch name {
	case string(byteArrayClass):
		return byteArrayClass, nil
	case string(stringClass):
		return stringClass, nil
	}
	if c, ok := e.vm.hostClasses[name]; ok {
		return c, nil
	}
	c, err := e.vm.loadClass(name)
	if err != nil {
		e.throw(ExcNoClassDef, name, err)
		return nil, err
	}
	return c, nil
}

func (e *env) GetObjectClass(obj guest.Object) (guest.Class, error) {
	if err := e.check("GetObjectClass"); err != nil {
		return nil, err
	}
	switch o := obj.(type) {
	case *instance:
		if o != nil {
			return o.class, nil
		}
	case *hostObject:
		if o != nil {
			return o.class, nil
		}
	case *byteArray:
		return byteArrayClass, nil
	case *stringObject:
		return stringClass, nil
	}
	return nil, guest.Errorf("GetObjectClass", guest.KindInvalidArgs, fmt.Sprintf("not an object: %T", obj), nil)
}

func (e *env) GetMethodID(cls guest.Class, name, sig string) (guest.Method, error) {
	if err := e.check("GetMethodID"); err != nil {
		return nil, err
	}
	switch c := cls.(type) {
	case *hostClass:
		if m := c.lookup(name, sig); m != nil {
			return m, nil
		}
		e.throw(ExcNoSuchMethod, name+sig, nil)
		return nil, guest.Errorf("GetMethodID", guest.KindNoSuchMethod, c.name+"."+name+sig, nil)
	case *wasmClass:
		return e.wasmMethod(c, name, sig)
	}
	return nil, guest.Errorf("GetMethodID", guest.KindInvalidArgs, fmt.Sprintf("not a class: %T", cls), nil)
}

func (e *env) wasmMethod(c *wasmClass, name, sig string) (guest.Method, error) {
	fail := func(detail string, cause error) (guest.Method, error) {
		e.throw(ExcNoSuchMethod, name+sig, cause)
		return nil, guest.Errorf("GetMethodID", guest.KindNoSuchMethod, c.name+"."+name+sig+": "+detail, cause)
	}

	desc, err := guest.ParseSignature(sig)
	if err != nil {
		return fail("bad descriptor", err)
	}
	export := exportName(name)
	def, ok := c.compiled.ExportedFunctions()[export]
	if !ok {
		return fail("no export "+export, nil)
	}
	if !sameTypes(def.ParamTypes(), wasmParams(desc)) {
		return fail("export "+export+" parameter types do not match", nil)
	}
	if name != guest.ConstructorName && !sameTypes(def.ResultTypes(), wasmResults(desc)) {
		return fail("export "+export+" result types do not match", nil)
	}
	return &wasmMethod{class: c, name: name, sig: sig, desc: desc, export: export}, nil
}

func (e *env) NewObject(cls guest.Class, ctor guest.Method, args ...any) (guest.Object, error) {
	if err := e.check("NewObject"); err != nil {
		return nil, err
	}
	switch c := cls.(type) {
	case *hostClass:
		m, ok := ctor.(*hostMethod)
		if !ok || m != c.ctor {
			return nil, guest.Errorf("NewObject", guest.KindInvalidArgs, "not a constructor of "+c.name, nil)
		}
		if err := checkArgs(m.desc, args); err != nil {
			return nil, guest.Errorf("NewObject", guest.KindTypeMismatch, err.Error(), nil)
		}
		obj := &hostObject{class: c, args: append([]any(nil), args...)}
		ref, err := e.vm.register(obj)
		if err != nil {
			return nil, err
		}
		obj.ref = ref
		return obj, nil

	case *wasmClass:
		m, ok := ctor.(*wasmMethod)
		if !ok || m.class != c || m.name != guest.ConstructorName {
			return nil, guest.Errorf("NewObject", guest.KindInvalidArgs, "not a constructor of "+c.name, nil)
		}
		if err := checkArgs(m.desc, args); err != nil {
			return nil, guest.Errorf("NewObject", guest.KindTypeMismatch, err.Error(), nil)
		}
		inst, err := e.vm.instantiate(c)
		if err != nil {
			e.throw(ExcInstantiation, c.name, err)
			return nil, guest.Errorf("NewObject", guest.KindInstantiation, c.name, err)
		}
		if _, err := e.vm.call(inst, m.export, m.desc, args); err != nil {
			e.vm.release(inst)
			// A trapping constructor yields no object and a pending exception.
			e.throwCallError(err)
			return nil, nil
		}
		return inst, nil
	}
	return nil, guest.Errorf("NewObject", guest.KindInvalidArgs, fmt.Sprintf("not a class: %T", cls), nil)
}

// throwCallError turns a failed guest call into a pending exception.
func (e *env) throwCallError(err error) {
	e.throw(ExcTrap, err.Error(), err)
}

func (e *env) CallVoidMethod(obj guest.Object, m guest.Method, args ...any) error {
	if err := e.check("CallVoidMethod"); err != nil {
		return err
	}
	switch o := obj.(type) {
	case *instance:
		meth, ok := m.(*wasmMethod)
		if !ok || meth.class != o.class {
			return guest.Errorf("CallVoidMethod", guest.KindTypeMismatch, "method does not belong to "+o.class.name, nil)
		}
		if meth.desc.Return.Kind != guest.TypeVoid {
			return guest.Errorf("CallVoidMethod", guest.KindTypeMismatch, meth.name+" is not void", nil)
		}
		if err := checkArgs(meth.desc, args); err != nil {
			return guest.Errorf("CallVoidMethod", guest.KindTypeMismatch, err.Error(), nil)
		}
		if _, err := e.vm.call(o, meth.export, meth.desc, args); err != nil {
			e.throwCallError(err)
		}
		return nil

	case *hostObject:
		meth, ok := m.(*hostMethod)
		if !ok || meth.class != o.class || meth == o.class.ctor {
			return guest.Errorf("CallVoidMethod", guest.KindTypeMismatch, "method does not belong to "+o.class.name, nil)
		}
		if meth.desc.Return.Kind != guest.TypeVoid {
			return guest.Errorf("CallVoidMethod", guest.KindTypeMismatch, meth.name+" is not void", nil)
		}
		if err := checkArgs(meth.desc, args); err != nil {
			return guest.Errorf("CallVoidMethod", guest.KindTypeMismatch, err.Error(), nil)
		}
		fn := o.class.native(meth)
		if fn == nil {
			e.throw(ExcUnsatisfiedLink, o.class.name+"."+meth.name, nil)
			return nil
		}
		if _, err := fn(e, o, args...); err != nil {
			e.throw("java/lang/RuntimeException", err.Error(), err)
		}
		return nil
	}
	return guest.Errorf("CallVoidMethod", guest.KindInvalidArgs, fmt.Sprintf("not an object: %T", obj), nil)
}

func checkArgs(desc guest.Signature, args []any) error {
	if len(args) != len(desc.Params) {
		return fmt.Errorf("%s: want %d args, got %d", desc, len(desc.Params), len(args))
	}
	for i, p := range desc.Params {
		ok := true
		switch {
		case p.Kind == guest.TypeLong:
			_, ok = args[i].(int64)
		case p.Kind == guest.TypeBoolean:
			_, ok = args[i].(bool)
		case p.IsByteArray():
			_, ok = args[i].(*byteArray)
			ok = ok || args[i] == nil
		case p.IsString():
			_, ok = args[i].(*stringObject)
			ok = ok || args[i] == nil
		case p.Kind == guest.TypeObject || p.Kind == guest.TypeArray:
			switch args[i].(type) {
			case *hostObject, *instance, nil:
			default:
				ok = false
			}
		default:
			_, ok = args[i].(int32)
		}
		if !ok {
			return fmt.Errorf("%s: arg %d: %T does not match %s", desc, i, args[i], p)
		}
	}
	return nil
}

func (e *env) NewStringUTF(s string) (guest.Object, error) {
	if err := e.check("NewStringUTF"); err != nil {
		return nil, err
	}
	return &stringObject{s: s}, nil
}

func (e *env) NewByteArray(n int) (guest.Object, error) {
	if err := e.check("NewByteArray"); err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, guest.Errorf("NewByteArray", guest.KindInvalidArgs, "negative size", nil)
	}
	return &byteArray{data: make([]byte, n)}, nil
}

func (e *env) byteArray(op string, arr guest.Object) (*byteArray, error) {
	if err := e.check(op); err != nil {
		return nil, err
	}
	a, ok := arr.(*byteArray)
	if !ok || a == nil {
		return nil, guest.Errorf(op, guest.KindTypeMismatch, fmt.Sprintf("not a byte array: %T", arr), nil)
	}
	return a, nil
}

func (e *env) SetByteArrayRegion(arr guest.Object, start int, data []byte) error {
	a, err := e.byteArray("SetByteArrayRegion", arr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if start < 0 || start+len(data) > len(a.data) {
		e.throw(ExcIndexOutOfBounds, fmt.Sprintf("%d+%d > %d", start, len(data), len(a.data)), nil)
		return nil
	}
	copy(a.data[start:], data)
	return nil
}

func (e *env) GetArrayLength(arr guest.Object) (int, error) {
	a, err := e.byteArray("GetArrayLength", arr)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.data), nil
}

func (e *env) GetByteArrayRegion(arr guest.Object, start int, buf []byte) error {
	a, err := e.byteArray("GetByteArrayRegion", arr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if start < 0 || start+len(buf) > len(a.data) {
		e.throw(ExcIndexOutOfBounds, fmt.Sprintf("%d+%d > %d", start, len(buf), len(a.data)), nil)
		return nil
	}
	copy(buf, a.data[start:])
	return nil
}

// NewGlobalRef pins a wasm instance until the matching DeleteGlobalRef.
// Other objects need no pinning.
func (e *env) NewGlobalRef(obj guest.Object) (guest.Object, error) {
	if err := e.check("NewGlobalRef"); err != nil {
		return nil, err
	}
	if inst, ok := obj.(*instance); ok && inst != nil {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		if inst.closed {
			return nil, guest.Errorf("NewGlobalRef", guest.KindDestroyed, "instance closed", nil)
		}
		inst.globalRefs++
	}
	return obj, nil
}

// DeleteGlobalRef closes a wasm instance when its last global reference goes.
func (e *env) DeleteGlobalRef(obj guest.Object) {
	inst, ok := obj.(*instance)
	if !ok || inst == nil {
		return
	}
	inst.mu.Lock()
	inst.globalRefs--
	last := inst.globalRefs <= 0
	inst.mu.Unlock()
	if last && !e.vm.destroyed.Load() {
		e.vm.release(inst)
	}
}

// DeleteLocalRef closes a wasm instance no global reference pins.
func (e *env) DeleteLocalRef(obj guest.Object) {
	switch o := obj.(type) {
	case *instance:
		if o == nil {
			return
		}
		o.mu.Lock()
		unpinned := o.globalRefs == 0
		o.mu.Unlock()
		if unpinned && !e.vm.destroyed.Load() {
			e.vm.release(o)
		}
	}
}

func (e *env) RegisterNatives(cls guest.Class, methods []guest.NativeMethod) error {
	if err := e.check("RegisterNatives"); err != nil {
		return err
	}
	c, ok := cls.(*hostClass)
	if !ok {
		return guest.Errorf("RegisterNatives", guest.KindInvalidArgs, fmt.Sprintf("%T has no native methods", cls), nil)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, nm := range methods {
		m := c.natives[methodKey(nm.Name, nm.Signature)]
		if m == nil {
			e.throw(ExcNoSuchMethod, nm.Name+nm.Signature, nil)
			return guest.Errorf("RegisterNatives", guest.KindNoSuchMethod, c.name+"."+nm.Name+nm.Signature, nil)
		}
		m.fn = nm.Fn
	}
	return nil
}

func (e *env) ExceptionOccurred() *guest.Exception {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

func (e *env) ExceptionDescribe() {
	e.mu.Lock()
	exc := e.pending
	e.mu.Unlock()
	if exc == nil {
		return
	}
	fields := []zap.Field{zap.String("exception", exc.Class), zap.String("message", exc.Message)}
	if exc.Cause != nil {
		fields = append(fields, zap.Error(exc.Cause))
	}
	Logger().Error("guest exception", fields...)
}

func (e *env) ExceptionClear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
}

// readGuest copies len bytes at ptr out of the module's memory.
func readGuest(mod api.Module, ptr, n uint32) ([]byte, bool) {
	mem := mod.Memory()
	if mem == nil {
		return nil, false
	}
	buf, ok := mem.Read(ptr, n)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), buf...), true
}
