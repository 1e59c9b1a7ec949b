// Package guest defines the embedding contract between the module host and a
// guest runtime VM.
//
// The contract follows the shape of classic VM embedding APIs: a Launcher
// creates (or finds) the single VM, a VM attaches callers and hands out an
// Env, and an Env resolves classes and methods, constructs objects, invokes
// methods and reports failures.
//
// A guest failure can surface as an error result, as a pending exception on
// the Env, or as both. Callers must check both and clear the exception before
// making further calls on the same Env.
package guest

// Version selects the embedding protocol revision requested from the VM.
type Version int32

const (
	Version1_1 Version = 0x00010001
	Version1_2 Version = 0x00010002
	Version1_4 Version = 0x00010004
	Version1_6 Version = 0x00010006
	Version1_8 Version = 0x00010008

	// LatestVersion is the newest revision the host knows about.
	LatestVersion = Version1_8
)

// Supported reports whether v is a known revision.
func (v Version) Supported() bool {
	switch v {
	case Version1_1, Version1_2, Version1_4, Version1_6, Version1_8:
		return true
	}
	return false
}

// InitArgs is the flat startup description handed to Launcher.CreateVM.
type InitArgs struct {
	Version            Version
	Options            []string
	IgnoreUnrecognized bool
}

// Well-known names shared with guest code.
const (
	ConstructorName = "<init>"

	BusClassName = "modhost/core/MessageBus"
	StringClass  = "java/lang/String"

	BusConstructorSig    = "(J)V"
	ModuleConstructorSig = "(JL" + BusClassName + ";L" + StringClass + ";)V"

	ReceiveMethod = "receive"
	ReceiveSig    = "([B)V"
	DestroyMethod = "destroy"
	DestroySig    = "()V"
	PublishMethod = "publishMessage"
	PublishSig    = "(JJ[B)I"
)

// Object is an opaque reference to a guest value. Its concrete type belongs
// to the runtime that produced it.
type Object any

// Class is a resolved guest type.
type Class interface {
	Name() string
}

// Method is a resolved method of a Class. Method handles stay valid for the
// lifetime of the VM and may be cached.
type Method interface {
	Name() string
	Signature() string
}

// NativeFunc implements a guest-declared native method in Go. args follow
// the method descriptor: int64 for J, int32 for I, bool for Z and Object for
// reference types.
type NativeFunc func(env Env, this Object, args ...any) (any, error)

// NativeMethod binds a NativeFunc to a method name and descriptor.
type NativeMethod struct {
	Name      string
	Signature string
	Fn        NativeFunc
}

// Launcher creates the process VM or returns ErrVMExists when one is
// already running.
type Launcher interface {
	CreateVM(args *InitArgs) (VM, Env, error)
	CreatedVMs() ([]VM, error)
	DefaultInitArgs(args *InitArgs) error
}

// VM is a running guest VM shared by every module of the process.
type VM interface {
	// Attach binds the caller to the VM and returns an Env for it.
	Attach() (Env, error)
	// Detach releases an Env obtained from Attach.
	Detach(env Env) error
	// GetEnv returns an Env for the caller at the requested version.
	GetEnv(v Version) (Env, error)
	// Destroy shuts the VM down. Outstanding objects become invalid.
	Destroy() error
}

// Env is the per-caller view of a VM.
type Env interface {
	FindClass(name string) (Class, error)
	GetObjectClass(obj Object) (Class, error)
	GetMethodID(cls Class, name, sig string) (Method, error)

	NewObject(cls Class, ctor Method, args ...any) (Object, error)
	CallVoidMethod(obj Object, m Method, args ...any) error

	NewStringUTF(s string) (Object, error)
	NewByteArray(n int) (Object, error)
	SetByteArrayRegion(arr Object, start int, data []byte) error
	GetArrayLength(arr Object) (int, error)
	GetByteArrayRegion(arr Object, start int, buf []byte) error

	NewGlobalRef(obj Object) (Object, error)
	DeleteGlobalRef(obj Object)
	DeleteLocalRef(obj Object)

	RegisterNatives(cls Class, methods []NativeMethod) error

	// ExceptionOccurred returns the pending exception or nil.
	ExceptionOccurred() *Exception
	// ExceptionDescribe reports the pending exception to the runtime's log.
	ExceptionDescribe()
	ExceptionClear()
}
