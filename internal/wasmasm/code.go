package wasmasm

// Code concatenates instruction encodings.
func Code(ins ...[]byte) []byte {
	var out []byte
	for _, in := range ins {
		out = append(out, in...)
	}
	return out
}

func LocalGet(i uint32) []byte  { return appendU32([]byte{0x20}, i) }
func LocalSet(i uint32) []byte  { return appendU32([]byte{0x21}, i) }
func LocalTee(i uint32) []byte  { return appendU32([]byte{0x22}, i) }
func GlobalGet(i uint32) []byte { return appendU32([]byte{0x23}, i) }
func GlobalSet(i uint32) []byte { return appendU32([]byte{0x24}, i) }
func Call(i uint32) []byte      { return appendU32([]byte{0x10}, i) }
func BrIf(depth uint32) []byte  { return appendU32([]byte{0x0d}, depth) }
func I32Const(v int32) []byte   { return appendS64([]byte{opI32Const}, int64(v)) }
func I64Const(v int64) []byte   { return appendS64([]byte{opI64Const}, v) }

// Single-byte instructions.
var (
	Unreachable = []byte{0x00}
	Block       = []byte{0x02, 0x40}
	End         = []byte{opEnd}
	Drop        = []byte{0x1a}
	MemorySize  = []byte{0x3f, 0x00}
	MemoryGrow  = []byte{0x40, 0x00}
	I32Add      = []byte{0x6a}
	I32Sub      = []byte{0x6b}
	I32Shl      = []byte{0x74}
	I32ShrU     = []byte{0x76}
	I32LeU      = []byte{0x4d}
)
