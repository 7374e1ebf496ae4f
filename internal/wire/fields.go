package wire

import (
	"encoding/binary"

	"github.com/velosd/velosd/internal/verrors"
)

// Writer appends typed fields to an in-progress payload buffer. The zero
// value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with its internal buffer preallocated.
func NewWriter(capHint int) *Writer {
	return &Writer{buf: make([]byte, 0, capHint)}
}

func (w *Writer) PutU8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) PutBool(v bool) {
	if v {
		w.PutU8(1)
	} else {
		w.PutU8(0)
	}
}

func (w *Writer) PutU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *Writer) PutI32(v int32) { w.PutU32(uint32(v)) }
func (w *Writer) PutU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}
func (w *Writer) PutString(s string) {
	w.PutU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf }

// Len reports the number of bytes written so far, letting callers chain
// writers the way requires of encoders.
func (w *Writer) Len() int { return len(w.buf) }

// Reader consumes typed fields from a payload slice in order, tracking a
// cursor. Reads past the end of the slice report verrors.ErrTruncated.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential field decoding.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Remaining reports how many bytes are left to consume.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Done reports whether the reader has consumed the entire buffer.
func (r *Reader) Done() bool { return r.pos >= len(r.buf) }

func (r *Reader) U8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, verrors.ErrTruncated
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	return v != 0, err
}

func (r *Reader) U32() (uint32, error) {
	if r.Remaining() < 4 {
		return 0, verrors.ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func (r *Reader) U64() (uint64, error) {
	if r.Remaining() < 8 {
		return 0, verrors.ErrTruncated
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *Reader) String() (string, error) {
	n, err := r.U32()
	if err != nil {
		return "", err
	}
	if r.Remaining() < int(n) {
		return "", verrors.ErrTruncated
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// U32Default reads a u32 field, substituting def if the buffer is
// exhausted before the field, so trailing fields absent from an
// older-format payload default rather than error — forward/backward
// protocol compatibility.
func (r *Reader) U32Default(def uint32) uint32 {
	if r.Remaining() < 4 {
		return def
	}
	v, _ := r.U32()
	return v
}

// I32Default is U32Default's signed counterpart.
func (r *Reader) I32Default(def int32) int32 {
	if r.Remaining() < 4 {
		return def
	}
	v, _ := r.I32()
	return v
}

// U64Default is U32Default's 64-bit counterpart.
func (r *Reader) U64Default(def uint64) uint64 {
	if r.Remaining() < 8 {
		return def
	}
	v, _ := r.U64()
	return v
}

// BoolDefault is U32Default's boolean counterpart.
func (r *Reader) BoolDefault(def bool) bool {
	if r.Remaining() < 1 {
		return def
	}
	v, _ := r.Bool()
	return v
}

// StringDefault is U32Default's string counterpart.
func (r *Reader) StringDefault(def string) string {
	if r.Remaining() < 4 {
		return def
	}
	save := r.pos
	s, err := r.String()
	if err != nil {
		r.pos = save
		return def
	}
	return s
}
