package wasm

import (
	"encoding/binary"
	"fmt"
)

// ExternKind identifies what an import or export refers to.
type ExternKind byte

const (
	ExternFunc   ExternKind = 0x00
	ExternTable  ExternKind = 0x01
	ExternMemory ExternKind = 0x02
	ExternGlobal ExternKind = 0x03
)

func (k ExternKind) String() string {
	switch k {
	case ExternFunc:
		return "func"
	case ExternTable:
		return "table"
	case ExternMemory:
		return "memory"
	case ExternGlobal:
		return "global"
	default:
		return fmt.Sprintf("kind(%#x)", byte(k))
	}
}

// Value types.
const (
	ValueTypeI32       byte = 0x7f
	ValueTypeI64       byte = 0x7e
	ValueTypeF32       byte = 0x7d
	ValueTypeF64       byte = 0x7c
	ValueTypeV128      byte = 0x7b
	ValueTypeFuncref   byte = 0x70
	ValueTypeExternref byte = 0x6f
)

// Limits describes a memory's page bounds.
type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
	Shared bool
}

// Import is a single import entry. Only the fields for its Kind are set.
type Import struct {
	Module string
	Name   string
	Kind   ExternKind

	TypeIndex uint32
	Memory    Limits
	Global    GlobalType
}

// GlobalType is a global's value type and mutability.
type GlobalType struct {
	ValType byte
	Mutable bool
}

// Global is a defined global with its raw constant initializer, including the
// trailing end opcode.
type Global struct {
	Type GlobalType
	Init []byte
}

// Export is a single export entry.
type Export struct {
	Name  string
	Kind  ExternKind
	Index uint32
}

// DataSegment is a data segment. Offset is the raw constant expression of an
// active segment and is nil for passive ones.
type DataSegment struct {
	Passive bool
	Memory  uint32
	Offset  []byte
	Init    []byte
}

// Imports decodes the import section.
func (m *Module) Imports() ([]Import, error) {
	payload, ok := m.Section(SectionImport)
	if !ok {
		return nil, nil
	}
	r := newReader(payload)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}

	imports := make([]Import, 0, n)
	for i := uint32(0); i < n; i++ {
		var imp Import
		if imp.Module, err = r.name(); err != nil {
			return nil, fmt.Errorf("import %d: %w", i, err)
		}
		if imp.Name, err = r.name(); err != nil {
			return nil, fmt.Errorf("import %d: %w", i, err)
		}
		kind, err := r.byte()
		if err != nil {
			return nil, fmt.Errorf("import %d: %w", i, err)
		}
		imp.Kind = ExternKind(kind)

		switch imp.Kind {
		case ExternFunc:
			imp.TypeIndex, err = r.u32()
		case ExternTable:
			if _, err = r.byte(); err == nil {
				_, err = r.limits()
			}
		case ExternMemory:
			imp.Memory, err = r.limits()
		case ExternGlobal:
			imp.Global, err = r.globalType()
		default:
			err = fmt.Errorf("unsupported import kind %s", imp.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("import %s.%s: %w", imp.Module, imp.Name, err)
		}
		imports = append(imports, imp)
	}
	return imports, nil
}

// Memories decodes the memory section.
func (m *Module) Memories() ([]Limits, error) {
	payload, ok := m.Section(SectionMemory)
	if !ok {
		return nil, nil
	}
	r := newReader(payload)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	mems := make([]Limits, 0, n)
	for i := uint32(0); i < n; i++ {
		l, err := r.limits()
		if err != nil {
			return nil, fmt.Errorf("memory %d: %w", i, err)
		}
		mems = append(mems, l)
	}
	return mems, nil
}

// EncodeMemories builds a memory section payload.
func EncodeMemories(mems []Limits) []byte {
	b := AppendU32(nil, uint32(len(mems)))
	for _, l := range mems {
		var flags byte
		if l.HasMax {
			flags |= 0x01
		}
		if l.Shared {
			flags |= 0x02
		}
		b = append(b, flags)
		b = AppendU32(b, l.Min)
		if l.HasMax {
			b = AppendU32(b, l.Max)
		}
	}
	return b
}

// Globals decodes the global section.
func (m *Module) Globals() ([]Global, error) {
	payload, ok := m.Section(SectionGlobal)
	if !ok {
		return nil, nil
	}
	r := newReader(payload)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	globals := make([]Global, 0, n)
	for i := uint32(0); i < n; i++ {
		gt, err := r.globalType()
		if err != nil {
			return nil, fmt.Errorf("global %d: %w", i, err)
		}
		init, err := r.constExpr()
		if err != nil {
			return nil, fmt.Errorf("global %d: %w", i, err)
		}
		globals = append(globals, Global{Type: gt, Init: init})
	}
	return globals, nil
}

// EncodeGlobals builds a global section payload.
func EncodeGlobals(globals []Global) []byte {
	b := AppendU32(nil, uint32(len(globals)))
	for _, g := range globals {
		b = append(b, g.Type.ValType)
		if g.Type.Mutable {
			b = append(b, 0x01)
		} else {
			b = append(b, 0x00)
		}
		b = append(b, g.Init...)
	}
	return b
}

// ConstExpr returns the constant initializer producing the raw value bits of
// a numeric global, as read back from a running instance.
func ConstExpr(valType byte, bits uint64) ([]byte, error) {
	switch valType {
	case ValueTypeI32:
		return append(AppendI32([]byte{0x41}, int32(uint32(bits))), 0x0b), nil
	case ValueTypeI64:
		return append(AppendI64([]byte{0x42}, int64(bits)), 0x0b), nil
	case ValueTypeF32:
		b := binary.LittleEndian.AppendUint32([]byte{0x43}, uint32(bits))
		return append(b, 0x0b), nil
	case ValueTypeF64:
		b := binary.LittleEndian.AppendUint64([]byte{0x44}, bits)
		return append(b, 0x0b), nil
	default:
		return nil, fmt.Errorf("no constant encoding for value type %#x", valType)
	}
}

// Exports decodes the export section.
func (m *Module) Exports() ([]Export, error) {
	payload, ok := m.Section(SectionExport)
	if !ok {
		return nil, nil
	}
	r := newReader(payload)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	exports := make([]Export, 0, n)
	for i := uint32(0); i < n; i++ {
		var e Export
		if e.Name, err = r.name(); err != nil {
			return nil, fmt.Errorf("export %d: %w", i, err)
		}
		kind, err := r.byte()
		if err != nil {
			return nil, fmt.Errorf("export %q: %w", e.Name, err)
		}
		e.Kind = ExternKind(kind)
		if e.Index, err = r.u32(); err != nil {
			return nil, fmt.Errorf("export %q: %w", e.Name, err)
		}
		exports = append(exports, e)
	}
	return exports, nil
}

// EncodeExports builds an export section payload.
func EncodeExports(exports []Export) []byte {
	b := AppendU32(nil, uint32(len(exports)))
	for _, e := range exports {
		b = AppendName(b, e.Name)
		b = append(b, byte(e.Kind))
		b = AppendU32(b, e.Index)
	}
	return b
}

// DataSegments decodes the data section.
func (m *Module) DataSegments() ([]DataSegment, error) {
	payload, ok := m.Section(SectionData)
	if !ok {
		return nil, nil
	}
	r := newReader(payload)
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	segs := make([]DataSegment, 0, n)
	for i := uint32(0); i < n; i++ {
		flags, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("data %d: %w", i, err)
		}
		var seg DataSegment
		switch flags {
		case 0:
			seg.Offset, err = r.constExpr()
		case 1:
			seg.Passive = true
		case 2:
			if seg.Memory, err = r.u32(); err == nil {
				seg.Offset, err = r.constExpr()
			}
		default:
			err = fmt.Errorf("invalid data segment flags %d", flags)
		}
		if err != nil {
			return nil, fmt.Errorf("data %d: %w", i, err)
		}
		size, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("data %d: %w", i, err)
		}
		if seg.Init, err = r.bytes(size); err != nil {
			return nil, fmt.Errorf("data %d: %w", i, err)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// EncodeDataSegments builds a data section payload.
func EncodeDataSegments(segs []DataSegment) []byte {
	b := AppendU32(nil, uint32(len(segs)))
	for _, s := range segs {
		switch {
		case s.Passive:
			b = append(b, 0x01)
		case s.Memory == 0:
			b = append(b, 0x00)
			b = append(b, s.Offset...)
		default:
			b = append(b, 0x02)
			b = AppendU32(b, s.Memory)
			b = append(b, s.Offset...)
		}
		b = AppendU32(b, uint32(len(s.Init)))
		b = append(b, s.Init...)
	}
	return b
}

// I32Offset returns the constant expression `i32.const off; end`.
func I32Offset(off uint32) []byte {
	return append(AppendI32([]byte{0x41}, int32(off)), 0x0b)
}

// EncodeDataCount builds a data count section payload.
func EncodeDataCount(n uint32) []byte {
	return AppendU32(nil, n)
}

func (r *reader) limits() (Limits, error) {
	flags, err := r.byte()
	if err != nil {
		return Limits{}, err
	}
	if flags > 0x03 {
		return Limits{}, fmt.Errorf("unsupported limits flags %#x", flags)
	}
	var l Limits
	if l.Min, err = r.u32(); err != nil {
		return Limits{}, err
	}
	if flags&0x01 != 0 {
		l.HasMax = true
		if l.Max, err = r.u32(); err != nil {
			return Limits{}, err
		}
	}
	l.Shared = flags&0x02 != 0
	return l, nil
}

func (r *reader) globalType() (GlobalType, error) {
	vt, err := r.byte()
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.byte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid mutability %#x", mut)
	}
	return GlobalType{ValType: vt, Mutable: mut == 1}, nil
}

// constExpr returns the raw bytes of a constant expression up to and
// including its end opcode.
func (r *reader) constExpr() ([]byte, error) {
	start := r.off
	for {
		op, err := r.byte()
		if err != nil {
			return nil, err
		}
		switch op {
		case 0x0b: // end
			return r.b[start:r.off], nil
		case 0x41: // i32.const
			_, err = r.i32()
		case 0x42: // i64.const
			_, err = r.i64()
		case 0x43: // f32.const
			_, err = r.bytes(4)
		case 0x44: // f64.const
			_, err = r.bytes(8)
		case 0x23, 0xd2: // global.get, ref.func
			_, err = r.u32()
		case 0xd0: // ref.null
			_, err = r.byte()
		case 0x6a, 0x6b, 0x6c, 0x7c, 0x7d, 0x7e: // extended-const arithmetic
		case 0xfd: // v128.const
			var sub uint32
			if sub, err = r.u32(); err == nil {
				if sub != 12 {
					err = fmt.Errorf("unsupported vector opcode %d in constant expression", sub)
				} else {
					_, err = r.bytes(16)
				}
			}
		default:
			return nil, fmt.Errorf("unsupported opcode %#x in constant expression", op)
		}
		if err != nil {
			return nil, err
		}
	}
}
