package wasm

import (
	"bytes"
	"errors"
	"fmt"
)

// Section IDs.
const (
	SectionCustom    byte = 0
	SectionType      byte = 1
	SectionImport    byte = 2
	SectionFunction  byte = 3
	SectionTable     byte = 4
	SectionMemory    byte = 5
	SectionGlobal    byte = 6
	SectionExport    byte = 7
	SectionStart     byte = 8
	SectionElement   byte = 9
	SectionCode      byte = 10
	SectionData      byte = 11
	SectionDataCount byte = 12
)

// PageSize is the size of a linear memory page in bytes.
const PageSize = 65536

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// ErrNotModule is returned when the input lacks the wasm magic and version.
var ErrNotModule = errors.New("not a WebAssembly binary module")

// Section is a single top-level section. Payload excludes the ID and size.
type Section struct {
	ID      byte
	Payload []byte
}

// CustomName returns the name of a custom section.
func (s Section) CustomName() (string, bool) {
	if s.ID != SectionCustom {
		return "", false
	}
	name, err := newReader(s.Payload).name()
	if err != nil {
		return "", false
	}
	return name, true
}

// Module is a binary module split into its sections, in file order.
type Module struct {
	Sections []Section
}

// Parse splits bin into sections. Section payloads alias bin.
func Parse(bin []byte) (*Module, error) {
	if len(bin) < len(header) || !bytes.Equal(bin[:len(header)], header) {
		return nil, ErrNotModule
	}

	r := newReader(bin)
	r.off = len(header)

	m := &Module{}
	lastRank := 0
	for !r.done() {
		id, err := r.byte()
		if err != nil {
			return nil, err
		}
		size, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("section %d size: %w", id, err)
		}
		payload, err := r.bytes(size)
		if err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}

		if id != SectionCustom {
			rank := sectionRank(id)
			if rank == 0 {
				return nil, fmt.Errorf("unknown section id %d", id)
			}
			if rank <= lastRank {
				return nil, fmt.Errorf("section %d out of order", id)
			}
			lastRank = rank
		}

		m.Sections = append(m.Sections, Section{ID: id, Payload: payload})
	}
	return m, nil
}

// Encode serializes the module.
func (m *Module) Encode() []byte {
	size := len(header)
	for _, s := range m.Sections {
		size += 1 + 5 + len(s.Payload)
	}

	out := make([]byte, 0, size)
	out = append(out, header...)
	for _, s := range m.Sections {
		out = append(out, s.ID)
		out = AppendU32(out, uint32(len(s.Payload)))
		out = append(out, s.Payload...)
	}
	return out
}

// Clone returns a copy whose section list can be edited independently.
func (m *Module) Clone() *Module {
	sections := make([]Section, len(m.Sections))
	copy(sections, m.Sections)
	return &Module{Sections: sections}
}

// Section returns the payload of the first non-custom section with the given ID.
func (m *Module) Section(id byte) ([]byte, bool) {
	for _, s := range m.Sections {
		if s.ID == id && id != SectionCustom {
			return s.Payload, true
		}
	}
	return nil, false
}

// SetSection replaces the section with the given ID, or inserts it at the
// position the binary format requires.
func (m *Module) SetSection(id byte, payload []byte) {
	for i, s := range m.Sections {
		if s.ID == id {
			m.Sections[i].Payload = payload
			return
		}
	}

	rank := sectionRank(id)
	at := len(m.Sections)
	for i, s := range m.Sections {
		if s.ID != SectionCustom && sectionRank(s.ID) > rank {
			at = i
			break
		}
	}

	m.Sections = append(m.Sections, Section{})
	copy(m.Sections[at+1:], m.Sections[at:])
	m.Sections[at] = Section{ID: id, Payload: payload}
}

// RemoveSection drops the non-custom section with the given ID.
func (m *Module) RemoveSection(id byte) {
	m.filter(func(s Section) bool { return s.ID != id })
}

// RemoveCustom drops every custom section whose name matches and reports how
// many were removed.
func (m *Module) RemoveCustom(match func(name string) bool) int {
	before := len(m.Sections)
	m.filter(func(s Section) bool {
		name, ok := s.CustomName()
		return !ok || !match(name)
	})
	return before - len(m.Sections)
}

func (m *Module) filter(keep func(Section) bool) {
	kept := m.Sections[:0:0]
	for _, s := range m.Sections {
		if keep(s) {
			kept = append(kept, s)
		}
	}
	m.Sections = kept
}

// sectionRank orders non-custom sections. The data count section sits
// between element and code.
func sectionRank(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionGlobal:
		return 6
	case SectionExport:
		return 7
	case SectionStart:
		return 8
	case SectionElement:
		return 9
	case SectionDataCount:
		return 10
	case SectionCode:
		return 11
	case SectionData:
		return 12
	default:
		return 0
	}
}
