// Package wasmtest assembles small WebAssembly modules for tests.
package wasmtest

import "github.com/caffeineduck/js2wasm/wasm"

// Common instruction bytes.
const (
	OpEnd       byte = 0x0b
	OpCall      byte = 0x10
	OpDrop      byte = 0x1a
	OpLocalGet  byte = 0x20
	OpGlobalGet byte = 0x23
	OpGlobalSet byte = 0x24
	OpI32Load   byte = 0x28
	OpI32Store  byte = 0x36
	OpI32Store8 byte = 0x3a
	OpI32Const  byte = 0x41
	OpI64Const  byte = 0x42
)

type funcType struct {
	params, results []byte
}

type function struct {
	typ    uint32
	locals []byte
	body   []byte
}

// Builder accumulates module contents. Function imports must be added before
// any defined function so indices stay stable.
type Builder struct {
	types   []funcType
	imports []wasm.Import
	funcs   []function
	memory  *wasm.Limits
	globals []wasm.Global
	exports []wasm.Export
	start   *uint32
	data    []wasm.DataSegment
	customs []wasm.Section
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{}
}

// Type adds a function type and returns its index.
func (b *Builder) Type(params, results []byte) uint32 {
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// ImportFunc adds a function import and returns its function index.
func (b *Builder) ImportFunc(module, name string, typ uint32) uint32 {
	b.imports = append(b.imports, wasm.Import{Module: module, Name: name, Kind: wasm.ExternFunc, TypeIndex: typ})
	return uint32(len(b.imports) - 1)
}

// ImportGlobal adds a global import.
func (b *Builder) ImportGlobal(module, name string, gt wasm.GlobalType) {
	b.imports = append(b.imports, wasm.Import{Module: module, Name: name, Kind: wasm.ExternGlobal, Global: gt})
}

// Func adds a function whose body is code without the trailing end opcode.
func (b *Builder) Func(typ uint32, locals []byte, code ...byte) uint32 {
	b.funcs = append(b.funcs, function{typ: typ, locals: locals, body: code})
	return uint32(b.importedFuncs() + len(b.funcs) - 1)
}

// Memory defines the module's single memory.
func (b *Builder) Memory(l wasm.Limits) {
	b.memory = &l
}

// Global adds a global initialized by init (including its end opcode).
func (b *Builder) Global(valType byte, mutable bool, init []byte) uint32 {
	b.globals = append(b.globals, wasm.Global{
		Type: wasm.GlobalType{ValType: valType, Mutable: mutable},
		Init: init,
	})
	return uint32(len(b.globals) - 1)
}

// Export adds an export.
func (b *Builder) Export(name string, kind wasm.ExternKind, index uint32) {
	b.exports = append(b.exports, wasm.Export{Name: name, Kind: kind, Index: index})
}

// Start sets the start function.
func (b *Builder) Start(fn uint32) {
	b.start = &fn
}

// Data adds an active segment for memory 0.
func (b *Builder) Data(offset uint32, init []byte) {
	b.data = append(b.data, wasm.DataSegment{Offset: wasm.I32Offset(offset), Init: init})
}

// PassiveData adds a passive segment.
func (b *Builder) PassiveData(init []byte) {
	b.data = append(b.data, wasm.DataSegment{Passive: true, Init: init})
}

// Custom appends a custom section.
func (b *Builder) Custom(name string, content []byte) {
	payload := wasm.AppendName(nil, name)
	b.customs = append(b.customs, wasm.Section{ID: wasm.SectionCustom, Payload: append(payload, content...)})
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	m := &wasm.Module{}

	if len(b.types) > 0 {
		p := wasm.AppendU32(nil, uint32(len(b.types)))
		for _, t := range b.types {
			p = append(p, 0x60)
			p = wasm.AppendU32(p, uint32(len(t.params)))
			p = append(p, t.params...)
			p = wasm.AppendU32(p, uint32(len(t.results)))
			p = append(p, t.results...)
		}
		m.SetSection(wasm.SectionType, p)
	}

	if len(b.imports) > 0 {
		p := wasm.AppendU32(nil, uint32(len(b.imports)))
		for _, imp := range b.imports {
			p = wasm.AppendName(p, imp.Module)
			p = wasm.AppendName(p, imp.Name)
			p = append(p, byte(imp.Kind))
			switch imp.Kind {
			case wasm.ExternFunc:
				p = wasm.AppendU32(p, imp.TypeIndex)
			case wasm.ExternGlobal:
				mut := byte(0)
				if imp.Global.Mutable {
					mut = 1
				}
				p = append(p, imp.Global.ValType, mut)
			}
		}
		m.SetSection(wasm.SectionImport, p)
	}

	if len(b.funcs) > 0 {
		p := wasm.AppendU32(nil, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			p = wasm.AppendU32(p, f.typ)
		}
		m.SetSection(wasm.SectionFunction, p)
	}

	if b.memory != nil {
		m.SetSection(wasm.SectionMemory, wasm.EncodeMemories([]wasm.Limits{*b.memory}))
	}
	if len(b.globals) > 0 {
		m.SetSection(wasm.SectionGlobal, wasm.EncodeGlobals(b.globals))
	}
	if len(b.exports) > 0 {
		m.SetSection(wasm.SectionExport, wasm.EncodeExports(b.exports))
	}
	if b.start != nil {
		m.SetSection(wasm.SectionStart, wasm.AppendU32(nil, *b.start))
	}

	if len(b.funcs) > 0 {
		p := wasm.AppendU32(nil, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			body := wasm.AppendU32(nil, uint32(len(f.locals)))
			for _, l := range f.locals {
				body = append(body, 0x01, l)
			}
			body = append(body, f.body...)
			body = append(body, OpEnd)
			p = wasm.AppendU32(p, uint32(len(body)))
			p = append(p, body...)
		}
		m.SetSection(wasm.SectionCode, p)
	}

	if len(b.data) > 0 {
		for _, d := range b.data {
			if d.Passive {
				m.SetSection(wasm.SectionDataCount, wasm.EncodeDataCount(uint32(len(b.data))))
				break
			}
		}
		m.SetSection(wasm.SectionData, wasm.EncodeDataSegments(b.data))
	}

	m.Sections = append(m.Sections, b.customs...)
	return m.Encode()
}

func (b *Builder) importedFuncs() int {
	n := 0
	for _, imp := range b.imports {
		if imp.Kind == wasm.ExternFunc {
			n++
		}
	}
	return n
}

// I32 returns the instruction `i32.const v`.
func I32(v int32) []byte {
	return wasm.AppendI32([]byte{OpI32Const}, v)
}

// Concat joins instruction fragments.
func Concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
