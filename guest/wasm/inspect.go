package wasm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/caffeineduck/modhost/guest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// FuncInfo describes an exported or imported function.
type FuncInfo struct {
	Module  string   `json:"module,omitempty"`
	Name    string   `json:"name"`
	Params  []string `json:"params"`
	Results []string `json:"results"`
}

func (f FuncInfo) String() string {
	name := f.Name
	if f.Module != "" {
		name = f.Module + "." + name
	}
	return fmt.Sprintf("%s(%s) -> (%s)", name, strings.Join(f.Params, ", "), strings.Join(f.Results, ", "))
}

// Report summarises a wasm class binary.
type Report struct {
	Digest  string     `json:"digest"`
	Size    int        `json:"size"`
	Exports []FuncInfo `json:"exports"`
	Imports []FuncInfo `json:"imports"`
	// Problems lists every way the binary fails the module contract.
	Problems []string `json:"problems,omitempty"`
}

// Conforms reports whether the binary implements the module contract.
func (r *Report) Conforms() bool {
	return len(r.Problems) == 0
}

// contract lists the exports a module class needs, keyed by guest method.
var contract = []struct {
	method string
	sig    string
}{
	{guest.ConstructorName, guest.ModuleConstructorSig},
	{guest.ReceiveMethod, guest.ReceiveSig},
	{guest.DestroyMethod, guest.DestroySig},
}

// Inspect compiles bin and checks it against the module contract.
func Inspect(ctx context.Context, bin []byte) (*Report, error) {
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	r := &Report{Digest: Digest(bin), Size: len(bin)}

	exports := compiled.ExportedFunctions()
	names := make([]string, 0, len(exports))
	for name := range exports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.Exports = append(r.Exports, funcInfo("", name, exports[name]))
	}
	for _, def := range compiled.ImportedFunctions() {
		mod, name, _ := def.Import()
		r.Imports = append(r.Imports, funcInfo(mod, name, def))
		if mod == HostModule && name != "publish_message" && name != "log" {
			r.Problems = append(r.Problems, "unknown host import "+name)
		}
	}

	for _, c := range contract {
		desc, _ := guest.ParseSignature(c.sig)
		export := exportName(c.method)
		def, ok := exports[export]
		if !ok {
			r.Problems = append(r.Problems, "missing export "+export)
			continue
		}
		if !sameTypes(def.ParamTypes(), wasmParams(desc)) {
			r.Problems = append(r.Problems, fmt.Sprintf("export %s: want params (%s)", export, typeNames(wasmParams(desc))))
		}
		if c.method != guest.ConstructorName && !sameTypes(def.ResultTypes(), wasmResults(desc)) {
			r.Problems = append(r.Problems, fmt.Sprintf("export %s: want results (%s)", export, typeNames(wasmResults(desc))))
		}
	}
	if def, ok := exports[ExportAlloc]; !ok {
		r.Problems = append(r.Problems, "missing export "+ExportAlloc)
	} else if !sameTypes(def.ParamTypes(), []api.ValueType{api.ValueTypeI32}) ||
		!sameTypes(def.ResultTypes(), []api.ValueType{api.ValueTypeI32}) {
		r.Problems = append(r.Problems, "export alloc: want (i32) -> (i32)")
	}
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		r.Problems = append(r.Problems, "missing memory export")
	}
	return r, nil
}

func funcInfo(mod, name string, def api.FunctionDefinition) FuncInfo {
	return FuncInfo{
		Module:  mod,
		Name:    name,
		Params:  typeList(def.ParamTypes()),
		Results: typeList(def.ResultTypes()),
	}
}

func typeList(ts []api.ValueType) []string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = api.ValueTypeName(t)
	}
	return names
}

func typeNames(ts []api.ValueType) string {
	return strings.Join(typeList(ts), ", ")
}
