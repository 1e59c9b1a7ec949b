package wasmasm

// Function indices shared by the module classes below. Imports come first.
const (
	fnPublish uint32 = iota
	fnLog
	fnAlloc
	fnInit
	fnReceive
	fnDestroy
	fnFree
)

const (
	globalHeap uint32 = iota
	globalModule
	globalBus
)

const heapBase = 1024

// Echo is a module class that republishes every message it receives on its
// bus and logs its configuration at construction.
func Echo() []byte {
	return moduleClass(Code(
		GlobalGet(globalBus),
		GlobalGet(globalModule),
		LocalGet(0),
		LocalGet(1),
		Call(fnPublish),
		Drop,
	)).Encode()
}

// Sink is a module class that accepts and discards every message.
func Sink() []byte {
	return moduleClass(nil).Encode()
}

// Trap is a module class whose receive always traps.
func Trap() []byte {
	return moduleClass(Unreachable).Encode()
}

// moduleClass builds a module class around the given receive body.
//
// Exports: memory, alloc(size) ptr, free(ptr, len), init(module, bus,
// cfg_ptr, cfg_len), receive(ptr, len), destroy(). alloc is a bump allocator
// that grows memory on demand; free resets it.
func moduleClass(receive []byte) *Module {
	return &Module{
		Types: []FuncType{
			{Params: []ValType{I32, I64, I32, I32}, Results: []ValType{I32}}, // 0 publish_message
			{Params: []ValType{I32}, Results: []ValType{I32}},                // 1 alloc
			{Params: []ValType{I64, I32, I32, I32}},                          // 2 init
			{Params: []ValType{I32, I32}},                                    // 3 receive, free
			{},                                                               // 4 destroy
			{Params: []ValType{I32, I32, I32}},                               // 5 log
		},
		Imports: []Import{
			{Module: "host", Name: "publish_message", Type: 0},
			{Module: "host", Name: "log", Type: 5},
		},
		Funcs: []Func{
			{Type: 1, Locals: []ValType{I32, I32}, Body: allocBody()},
			{Type: 2, Body: Code(
				LocalGet(0), GlobalSet(globalModule),
				LocalGet(1), GlobalSet(globalBus),
				I32Const(1), LocalGet(2), LocalGet(3), Call(fnLog),
			)},
			{Type: 3, Body: receive},
			{Type: 4},
			{Type: 3, Body: Code(I32Const(heapBase), GlobalSet(globalHeap))},
		},
		MemoryPages: 1,
		Globals: []Global{
			{Type: I32, Mutable: true, Init: heapBase},
			{Type: I64, Mutable: true},
			{Type: I32, Mutable: true},
		},
		Exports: []Export{
			{Name: "memory", Kind: ExportMemory, Index: 0},
			{Name: "alloc", Kind: ExportFunc, Index: fnAlloc},
			{Name: "init", Kind: ExportFunc, Index: fnInit},
			{Name: "receive", Kind: ExportFunc, Index: fnReceive},
			{Name: "destroy", Kind: ExportFunc, Index: fnDestroy},
			{Name: "free", Kind: ExportFunc, Index: fnFree},
		},
	}
}

// allocBody: ptr = heap; heap += size; grow memory until heap fits; return ptr.
func allocBody() []byte {
	const size, ptr, end = 0, 1, 2
	pageBytes := func() []byte { return Code(MemorySize, I32Const(16), I32Shl) }
	return Code(
		GlobalGet(globalHeap), LocalTee(ptr),
		LocalGet(size), I32Add, LocalTee(end),
		GlobalSet(globalHeap),
		Block,
		LocalGet(end), pageBytes(), I32LeU, BrIf(0),
		LocalGet(end), pageBytes(), I32Sub,
		I32Const(16), I32ShrU, I32Const(1), I32Add,
		MemoryGrow, Drop,
		End,
		LocalGet(ptr),
	)
}
