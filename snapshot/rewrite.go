package snapshot

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/caffeineduck/js2wasm/wasm"
	"github.com/tetratelabs/wazero/api"
)

const (
	memoryExport       = "__js2wasm_snapshot_memory"
	globalExportPrefix = "__js2wasm_snapshot_global_"

	// Zero runs shorter than this stay inside a data segment instead of
	// splitting it.
	maxZeroGap = 16
)

var (
	ErrPassiveData     = errors.New("passive data segments are not supported")
	ErrMultipleMemory  = errors.New("modules with more than one memory are not supported")
	ErrImportedState   = errors.New("imported memories and globals are not supported")
	ErrMissingInitFunc = errors.New("runtime image does not export the initialization function")
)

// layout is the part of a module's structure that pre-initialization reads
// and rewrites.
type layout struct {
	globals  []wasm.Global
	memories []wasm.Limits
	exports  []wasm.Export
}

// state is what initialization left behind.
type state struct {
	memory  []byte
	globals map[int]uint64
}

func analyze(mod *wasm.Module, initFunc string) (*layout, error) {
	imports, err := mod.Imports()
	if err != nil {
		return nil, fmt.Errorf("read imports: %w", err)
	}
	for _, imp := range imports {
		if imp.Kind == wasm.ExternMemory || imp.Kind == wasm.ExternGlobal {
			return nil, fmt.Errorf("%w: %s.%s", ErrImportedState, imp.Module, imp.Name)
		}
	}

	lay := &layout{}
	if lay.memories, err = mod.Memories(); err != nil {
		return nil, fmt.Errorf("read memories: %w", err)
	}
	if len(lay.memories) > 1 {
		return nil, ErrMultipleMemory
	}

	if lay.globals, err = mod.Globals(); err != nil {
		return nil, fmt.Errorf("read globals: %w", err)
	}
	for i, g := range lay.globals {
		if !g.Type.Mutable {
			continue
		}
		switch g.Type.ValType {
		case wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF32, wasm.ValueTypeF64:
		default:
			return nil, fmt.Errorf("mutable global %d has unsupported type %#x", i, g.Type.ValType)
		}
	}

	segs, err := mod.DataSegments()
	if err != nil {
		return nil, fmt.Errorf("read data segments: %w", err)
	}
	for _, seg := range segs {
		if seg.Passive {
			return nil, ErrPassiveData
		}
	}

	if lay.exports, err = mod.Exports(); err != nil {
		return nil, fmt.Errorf("read exports: %w", err)
	}
	found := false
	for _, e := range lay.exports {
		if e.Name == initFunc && e.Kind == wasm.ExternFunc {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrMissingInitFunc, initFunc)
	}

	return lay, nil
}

// instrument returns a copy of mod that also exports its memory and every
// mutable global, so their contents can be read after initialization.
func instrument(mod *wasm.Module, lay *layout) []byte {
	exports := append([]wasm.Export(nil), lay.exports...)
	for i, g := range lay.globals {
		if g.Type.Mutable {
			exports = append(exports, wasm.Export{Name: globalExport(i), Kind: wasm.ExternGlobal, Index: uint32(i)})
		}
	}
	if len(lay.memories) == 1 {
		exports = append(exports, wasm.Export{Name: memoryExport, Kind: wasm.ExternMemory, Index: 0})
	}

	out := mod.Clone()
	out.SetSection(wasm.SectionExport, wasm.EncodeExports(exports))
	return out.Encode()
}

func capture(inst api.Module, lay *layout) (*state, error) {
	st := &state{globals: make(map[int]uint64)}

	for i, g := range lay.globals {
		if !g.Type.Mutable {
			continue
		}
		global := inst.ExportedGlobal(globalExport(i))
		if global == nil {
			return nil, fmt.Errorf("global %d not reachable after initialization", i)
		}
		st.globals[i] = global.Get()
	}

	if len(lay.memories) == 1 {
		mem := inst.ExportedMemory(memoryExport)
		if mem == nil {
			return nil, errors.New("memory not reachable after initialization")
		}
		view, ok := mem.Read(0, mem.Size())
		if !ok {
			return nil, errors.New("read memory after initialization")
		}
		st.memory = bytes.Clone(view)
	}

	return st, nil
}

// rewrite bakes st into mod. The initialization export and the start
// function are removed since their effects are now part of the module.
func rewrite(mod *wasm.Module, lay *layout, st *state, initFunc string) ([]byte, error) {
	out := mod.Clone()

	if len(lay.globals) > 0 {
		globals := make([]wasm.Global, len(lay.globals))
		for i, g := range lay.globals {
			globals[i] = g
			if !g.Type.Mutable {
				continue
			}
			init, err := wasm.ConstExpr(g.Type.ValType, st.globals[i])
			if err != nil {
				return nil, fmt.Errorf("global %d: %w", i, err)
			}
			globals[i].Init = init
		}
		out.SetSection(wasm.SectionGlobal, wasm.EncodeGlobals(globals))
	}

	if len(lay.memories) == 1 {
		mem := lay.memories[0]
		if pages := uint32(len(st.memory) / wasm.PageSize); pages > mem.Min {
			mem.Min = pages
		}
		out.SetSection(wasm.SectionMemory, wasm.EncodeMemories([]wasm.Limits{mem}))
	}

	segs := dataSegments(st.memory)
	if len(segs) > 0 {
		out.SetSection(wasm.SectionData, wasm.EncodeDataSegments(segs))
	} else {
		out.RemoveSection(wasm.SectionData)
	}
	if _, ok := out.Section(wasm.SectionDataCount); ok {
		out.SetSection(wasm.SectionDataCount, wasm.EncodeDataCount(uint32(len(segs))))
	}

	exports := make([]wasm.Export, 0, len(lay.exports))
	for _, e := range lay.exports {
		if e.Name != initFunc {
			exports = append(exports, e)
		}
	}
	out.SetSection(wasm.SectionExport, wasm.EncodeExports(exports))
	out.RemoveSection(wasm.SectionStart)

	return out.Encode(), nil
}

// dataSegments covers every non-zero byte of mem with active segments.
func dataSegments(mem []byte) []wasm.DataSegment {
	var segs []wasm.DataSegment

	i := 0
	for i < len(mem) {
		for i < len(mem) && mem[i] == 0 {
			i++
		}
		if i == len(mem) {
			break
		}

		start, end := i, i
		for i < len(mem) {
			if mem[i] != 0 {
				i++
				end = i
				continue
			}
			j := i
			for j < len(mem) && mem[j] == 0 && j-end < maxZeroGap {
				j++
			}
			if j == len(mem) || mem[j] == 0 || j-end >= maxZeroGap {
				break
			}
			i = j
		}

		segs = append(segs, wasm.DataSegment{
			Offset: wasm.I32Offset(uint32(start)),
			Init:   mem[start:end],
		})
		i = end
	}

	return segs
}

func globalExport(i int) string {
	return fmt.Sprintf("%s%d", globalExportPrefix, i)
}
