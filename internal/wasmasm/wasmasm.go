// Package wasmasm encodes small WebAssembly modules from Go values. It covers
// the handful of sections needed for guest classes built in tests and by the
// scaffold command.
package wasmasm

// ValType is a wasm value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

// ExportKind is the kind of an exported item.
type ExportKind byte

const (
	ExportFunc   ExportKind = 0x00
	ExportMemory ExportKind = 0x02
	ExportGlobal ExportKind = 0x03
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionCode     = 10

	opEnd      = 0x0b
	opI32Const = 0x41
	opI64Const = 0x42
)

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Import is an imported function.
type Import struct {
	Module string
	Name   string
	Type   uint32
}

// Func is a defined function. Body excludes the trailing end opcode.
type Func struct {
	Type   uint32
	Locals []ValType
	Body   []byte
}

// Global is a defined global initialised with a constant.
type Global struct {
	Type    ValType
	Mutable bool
	Init    int64
}

// Export exports an item by index.
type Export struct {
	Name  string
	Kind  ExportKind
	Index uint32
}

// Module is an encodable wasm module. Function indices count imports first.
type Module struct {
	Types   []FuncType
	Imports []Import
	Funcs   []Func
	// MemoryPages is the minimum size of memory 0. Zero means no memory.
	MemoryPages uint32
	Globals     []Global
	Exports     []Export
}

// Encode returns the binary form of m.
func (m *Module) Encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(m.Types) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.Types)))
		for _, t := range m.Types {
			b = append(b, 0x60)
			b = appendValTypes(b, t.Params)
			b = appendValTypes(b, t.Results)
		}
		out = appendSection(out, sectionType, b)
	}

	if len(m.Imports) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.Imports)))
		for _, im := range m.Imports {
			b = appendName(b, im.Module)
			b = appendName(b, im.Name)
			b = append(b, 0x00)
			b = appendU32(b, im.Type)
		}
		out = appendSection(out, sectionImport, b)
	}

	if len(m.Funcs) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.Funcs)))
		for _, f := range m.Funcs {
			b = appendU32(b, f.Type)
		}
		out = appendSection(out, sectionFunction, b)
	}

	if m.MemoryPages > 0 {
		b := []byte{1, 0x00}
		b = appendU32(b, m.MemoryPages)
		out = appendSection(out, sectionMemory, b)
	}

	if len(m.Globals) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.Globals)))
		for _, g := range m.Globals {
			b = append(b, byte(g.Type))
			if g.Mutable {
				b = append(b, 1)
			} else {
				b = append(b, 0)
			}
			if g.Type == I64 {
				b = append(b, opI64Const)
			} else {
				b = append(b, opI32Const)
			}
			b = appendS64(b, g.Init)
			b = append(b, opEnd)
		}
		out = appendSection(out, sectionGlobal, b)
	}

	if len(m.Exports) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.Exports)))
		for _, e := range m.Exports {
			b = appendName(b, e.Name)
			b = append(b, byte(e.Kind))
			b = appendU32(b, e.Index)
		}
		out = appendSection(out, sectionExport, b)
	}

	if len(m.Funcs) > 0 {
		var b []byte
		b = appendU32(b, uint32(len(m.Funcs)))
		for _, f := range m.Funcs {
			var body []byte
			body = appendU32(body, uint32(len(f.Locals)))
			for _, l := range f.Locals {
				body = append(body, 1, byte(l))
			}
			body = append(body, f.Body...)
			body = append(body, opEnd)
			b = appendU32(b, uint32(len(body)))
			b = append(b, body...)
		}
		out = appendSection(out, sectionCode, b)
	}

	return out
}

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(payload)))
	return append(out, payload...)
}

func appendValTypes(b []byte, ts []ValType) []byte {
	b = appendU32(b, uint32(len(ts)))
	for _, t := range ts {
		b = append(b, byte(t))
	}
	return b
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

func appendS64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if done {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
