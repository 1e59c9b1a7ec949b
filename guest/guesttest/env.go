package guesttest

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/modhost/guest"
)

type env struct {
	vm       *VM
	l        *Launcher
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

// inject applies a fault for op. It reports whether the operation should
// return an error result.
func (e *env) inject(op Op, name string) bool {
	f := e.l.fault(op, name)
	if f == nil {
		return false
	}
	if f.Exception {
		e.throw("java/lang/RuntimeException", "injected "+string(op), nil)
	}
	return f.Err
}

func injected(op Op) error {
	return guest.Errorf(string(op), guest.KindInvocation, "injected", nil)
}

func (e *env) FindClass(name string) (guest.Class, error) {
	if err := e.check("FindClass"); err != nil {
		return nil, err
	}
	if e.inject(OpFindClass, name) {
		return nil, injected(OpFindClass)
	}
	c := e.l.class(name)
	if c == nil {
		e.throw("java/lang/NoClassDefFoundError", name, nil)
		return nil, guest.Errorf("FindClass", guest.KindClassNotFound, name, nil)
	}
	return c, nil
}

func (e *env) GetObjectClass(obj guest.Object) (guest.Class, error) {
	if err := e.check("GetObjectClass"); err != nil {
		return nil, err
	}
	o, ok := obj.(*Object)
	if !ok || o == nil {
		return nil, guest.Errorf("GetObjectClass", guest.KindInvalidArgs, "not an object", nil)
	}
	if e.inject(OpGetObjectClass, o.class.name) {
		return nil, injected(OpGetObjectClass)
	}
	return o.class, nil
}

func (e *env) GetMethodID(cls guest.Class, name, sig string) (guest.Method, error) {
	if err := e.check("GetMethodID"); err != nil {
		return nil, err
	}
	c, ok := cls.(*Class)
	if !ok || c == nil {
		return nil, guest.Errorf("GetMethodID", guest.KindInvalidArgs, "not a class", nil)
	}
	if e.inject(OpGetMethodID, name) {
		return nil, injected(OpGetMethodID)
	}
	m := c.lookup(name, sig)
	if m == nil {
		e.throw("java/lang/NoSuchMethodError", name+sig, nil)
		return nil, guest.Errorf("GetMethodID", guest.KindNoSuchMethod, c.name+"."+name+sig, nil)
	}
	return m, nil
}

func (e *env) NewObject(cls guest.Class, ctor guest.Method, args ...any) (guest.Object, error) {
	if err := e.check("NewObject"); err != nil {
		return nil, err
	}
	c, ok := cls.(*Class)
	if !ok || c == nil {
		return nil, guest.Errorf("NewObject", guest.KindInvalidArgs, "not a class", nil)
	}
	m, ok := ctor.(*method)
	if !ok || m == nil || m.class != c || m.spec.Name != guest.ConstructorName {
		return nil, guest.Errorf("NewObject", guest.KindInvalidArgs, "not a constructor of "+c.name, nil)
	}
	if e.inject(OpNewObject, c.name) {
		return nil, injected(OpNewObject)
	}
	if err := checkArgs(m, args); err != nil {
		return nil, guest.Errorf("NewObject", guest.KindTypeMismatch, err.Error(), nil)
	}

	obj := &Object{class: c}
	if m.spec.Impl != nil {
		v, err := m.spec.Impl(e, obj, args)
		if err != nil {
			// A throwing constructor yields no object and a pending exception.
			e.throw("java/lang/RuntimeException", err.Error(), err)
			return nil, nil
		}
		obj.value = v
	}
	return obj, nil
}

func (e *env) CallVoidMethod(obj guest.Object, m guest.Method, args ...any) error {
	if err := e.check("CallVoidMethod"); err != nil {
		return err
	}
	o, ok := obj.(*Object)
	if !ok || o == nil {
		return guest.Errorf("CallVoidMethod", guest.KindInvalidArgs, "not an object", nil)
	}
	meth, ok := m.(*method)
	if !ok || meth == nil {
		return guest.Errorf("CallVoidMethod", guest.KindInvalidArgs, "not a method", nil)
	}
	if meth.class != o.class {
		return guest.Errorf("CallVoidMethod", guest.KindTypeMismatch, "method of "+meth.class.name+" on "+o.class.name, nil)
	}
	if meth.sig.Return.Kind != guest.TypeVoid {
		return guest.Errorf("CallVoidMethod", guest.KindTypeMismatch, "non-void method "+meth.spec.Name, nil)
	}
	if e.inject(OpCallVoidMethod, meth.spec.Name) {
		return injected(OpCallVoidMethod)
	}
	if err := checkArgs(meth, args); err != nil {
		return guest.Errorf("CallVoidMethod", guest.KindTypeMismatch, err.Error(), nil)
	}

	impl := meth.spec.Impl
	if meth.spec.Native {
		meth.class.mu.RLock()
		fn := meth.native
		meth.class.mu.RUnlock()
		if fn == nil {
			e.throw("java/lang/UnsatisfiedLinkError", meth.spec.Name, nil)
			return nil
		}
		e.l.nativeCalls.Add(1)
		impl = func(env guest.Env, this *Object, args []any) (any, error) {
			return fn(env, this, args...)
		}
	}
	if impl == nil {
		return nil
	}
	if _, err := impl(e, o, args); err != nil {
		e.throw("java/lang/RuntimeException", err.Error(), err)
	}
	return nil
}

func checkArgs(m *method, args []any) error {
	if len(args) != len(m.sig.Params) {
		return fmt.Errorf("%s%s: want %d args, got %d", m.spec.Name, m.spec.Signature, len(m.sig.Params), len(args))
	}
	for i, p := range m.sig.Params {
		ok := true
		switch p.Kind {
		case guest.TypeLong:
			_, ok = args[i].(int64)
		case guest.TypeInt:
			_, ok = args[i].(int32)
		case guest.TypeBoolean:
			_, ok = args[i].(bool)
		case guest.TypeObject, guest.TypeArray:
			if args[i] != nil {
				var o *Object
				o, ok = args[i].(*Object)
				if ok && o != nil && p.Kind == guest.TypeObject && o.class.name != p.Class {
					ok = false
				}
			}
		}
		if !ok {
			return fmt.Errorf("%s%s: arg %d: %T does not match %s", m.spec.Name, m.spec.Signature, i, args[i], p)
		}
	}
	return nil
}

func (e *env) NewStringUTF(s string) (guest.Object, error) {
	if err := e.check("NewStringUTF"); err != nil {
		return nil, err
	}
	if e.inject(OpNewStringUTF, "") {
		return nil, injected(OpNewStringUTF)
	}
	return &Object{class: stringClass, value: s}, nil
}

func (e *env) NewByteArray(n int) (guest.Object, error) {
	if err := e.check("NewByteArray"); err != nil {
		return nil, err
	}
	if n < 0 {
		e.throw("java/lang/NegativeArraySizeException", fmt.Sprint(n), nil)
		return nil, guest.Errorf("NewByteArray", guest.KindInvalidArgs, "negative size", nil)
	}
	if e.inject(OpNewByteArray, "") {
		return nil, injected(OpNewByteArray)
	}
	return &Object{class: byteArrayClass, value: make([]byte, n)}, nil
}

func (e *env) byteArray(op string, arr guest.Object) (*Object, error) {
	if err := e.check(op); err != nil {
		return nil, err
	}
	o, ok := arr.(*Object)
	if !ok || o == nil || o.class != byteArrayClass {
		return nil, guest.Errorf(op, guest.KindTypeMismatch, "not a byte array", nil)
	}
	return o, nil
}

func (e *env) SetByteArrayRegion(arr guest.Object, start int, data []byte) error {
	o, err := e.byteArray("SetByteArrayRegion", arr)
	if err != nil {
		return err
	}
	if e.inject(OpSetByteArrayRegion, "") {
		return injected(OpSetByteArrayRegion)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	buf := o.value.([]byte)
	if start < 0 || start+len(data) > len(buf) {
		e.throw("java/lang/ArrayIndexOutOfBoundsException", fmt.Sprint(start), nil)
		return nil
	}
	copy(buf[start:], data)
	return nil
}

func (e *env) GetArrayLength(arr guest.Object) (int, error) {
	o, err := e.byteArray("GetArrayLength", arr)
	if err != nil {
		return 0, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.value.([]byte)), nil
}

func (e *env) GetByteArrayRegion(arr guest.Object, start int, buf []byte) error {
	o, err := e.byteArray("GetByteArrayRegion", arr)
	if err != nil {
		return err
	}
	if e.inject(OpGetByteArrayRegion, "") {
		return injected(OpGetByteArrayRegion)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	src := o.value.([]byte)
	if start < 0 || start+len(buf) > len(src) {
		e.throw("java/lang/ArrayIndexOutOfBoundsException", fmt.Sprint(start), nil)
		return nil
	}
	copy(buf, src[start:])
	return nil
}

func (e *env) NewGlobalRef(obj guest.Object) (guest.Object, error) {
	if err := e.check("NewGlobalRef"); err != nil {
		return nil, err
	}
	o, ok := obj.(*Object)
	if !ok || o == nil {
		return nil, guest.Errorf("NewGlobalRef", guest.KindInvalidArgs, "not an object", nil)
	}
	if e.inject(OpNewGlobalRef, o.class.name) {
		return nil, injected(OpNewGlobalRef)
	}
	e.l.globalRefs.Add(1)
	return o, nil
}

func (e *env) DeleteGlobalRef(obj guest.Object) {
	if o, ok := obj.(*Object); ok && o != nil {
		e.l.globalRefs.Add(-1)
	}
}

func (e *env) DeleteLocalRef(guest.Object) {}

func (e *env) RegisterNatives(cls guest.Class, methods []guest.NativeMethod) error {
	if err := e.check("RegisterNatives"); err != nil {
		return err
	}
	c, ok := cls.(*Class)
	if !ok || c == nil {
		return guest.Errorf("RegisterNatives", guest.KindInvalidArgs, "not a class", nil)
	}
	if e.inject(OpRegisterNatives, c.name) {
		return injected(OpRegisterNatives)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, nm := range methods {
		m := c.methods[methodKey(nm.Name, nm.Signature)]
		if m == nil || !m.spec.Native {
			e.throw("java/lang/NoSuchMethodError", nm.Name+nm.Signature, nil)
			return guest.Errorf("RegisterNatives", guest.KindNoSuchMethod, c.name+"."+nm.Name+nm.Signature, nil)
		}
		m.native = nm.Fn
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
	defer e.mu.Unlock()
	if e.pending != nil {
		e.l.described.Add(1)
	}
}

func (e *env) ExceptionClear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
}
