package wasm

import (
	"bytes"
	"errors"

	"github.com/tetratelabs/wabin/leb128"
)

var errUnexpectedEOF = errors.New("unexpected end of section")

// reader decodes the primitive encodings used inside section payloads.
type reader struct {
	b   []byte
	off int
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) done() bool {
	return r.off >= len(r.b)
}

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.b) {
		return 0, errUnexpectedEOF
	}
	b := r.b[r.off]
	r.off++
	return b, nil
}

func (r *reader) bytes(n uint32) ([]byte, error) {
	if uint64(r.off)+uint64(n) > uint64(len(r.b)) {
		return nil, errUnexpectedEOF
	}
	b := r.b[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

func (r *reader) u32() (uint32, error) {
	v, n, err := leb128.DecodeUint32(bytes.NewReader(r.b[r.off:]))
	if err != nil {
		return 0, err
	}
	r.off += int(n)
	return v, nil
}

func (r *reader) i32() (int32, error) {
	v, n, err := leb128.DecodeInt32(bytes.NewReader(r.b[r.off:]))
	if err != nil {
		return 0, err
	}
	r.off += int(n)
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, n, err := leb128.DecodeInt64(bytes.NewReader(r.b[r.off:]))
	if err != nil {
		return 0, err
	}
	r.off += int(n)
	return v, nil
}

func (r *reader) name() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AppendU32 appends v as unsigned LEB128.
func AppendU32(b []byte, v uint32) []byte {
	return append(b, leb128.EncodeUint32(v)...)
}

// AppendI32 appends v as signed LEB128.
func AppendI32(b []byte, v int32) []byte {
	return append(b, leb128.EncodeInt32(v)...)
}

// AppendI64 appends v as signed LEB128.
func AppendI64(b []byte, v int64) []byte {
	return append(b, leb128.EncodeInt64(v)...)
}

// AppendName appends a length-prefixed UTF-8 name.
func AppendName(b []byte, s string) []byte {
	b = AppendU32(b, uint32(len(s)))
	return append(b, s...)
}
