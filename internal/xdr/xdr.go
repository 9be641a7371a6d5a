// Package xdr implements the subset of RFC 4506 External Data Representation
// used by ONC RPC and VXI-11: fixed-width integers, booleans, IEEE-754
// floats, and length-prefixed opaque/string data padded to a 4-byte
// boundary.
//
// Grounded on the pack's ONC-RPC/NFS reference code (dittofs's portmap
// server and absnfs's portmapper), which hand-roll the same primitives
// with encoding/binary rather than pulling in a generic XDR library —
// VXI-11's wire shapes are few and fixed, so a small bespoke codec matches
// the teacher corpus better than a reflection-based one.
package xdr

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrTruncated is returned when a decode reads past the end of the buffer.
var ErrTruncated = errors.New("xdr: truncated input")

// ErrConversion is returned when a decoded value fails a type-specific
// sanity check (e.g. a boolean tag that is neither 0 nor 1).
var ErrConversion = errors.New("xdr: invalid conversion")

// Encoder appends XDR-encoded values to an in-memory buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with a pre-sized backing buffer.
func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, sizeHint)}
}

// Bytes returns the accumulated encoding.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *Encoder) PutInt32(v int32) { e.PutUint32(uint32(v)) }

func (e *Encoder) PutBool(v bool) {
	if v {
		e.PutUint32(1)
	} else {
		e.PutUint32(0)
	}
}

// PutUint64 encodes the high word then the low word, per RFC 4506 §4.5.
func (e *Encoder) PutUint64(v uint64) {
	e.PutUint32(uint32(v >> 32))
	e.PutUint32(uint32(v))
}

func (e *Encoder) PutFloat32(v float32) { e.PutUint32(math.Float32bits(v)) }
func (e *Encoder) PutFloat64(v float64) { e.PutUint64(math.Float64bits(v)) }

// PutOpaque encodes length-prefixed opaque data, zero-padded to a multiple
// of four bytes.
func (e *Encoder) PutOpaque(p []byte) {
	e.PutUint32(uint32(len(p)))
	e.buf = append(e.buf, p...)
	if pad := padLen(len(p)); pad > 0 {
		e.buf = append(e.buf, make([]byte, pad)...)
	}
}

// PutString encodes a string identically to opaque data.
func (e *Encoder) PutString(s string) { e.PutOpaque([]byte(s)) }

func padLen(n int) int {
	if r := n % 4; r != 0 {
		return 4 - r
	}
	return 0
}

// Decoder consumes XDR-encoded values from a fixed buffer.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(buf []byte) *Decoder { return &Decoder{buf: buf} }

// Remaining reports how many bytes are left unconsumed.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) GetUint32() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, ErrTruncated
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v, nil
}

func (d *Decoder) GetInt32() (int32, error) {
	v, err := d.GetUint32()
	return int32(v), err
}

func (d *Decoder) GetBool() (bool, error) {
	v, err := d.GetUint32()
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrConversion
	}
}

func (d *Decoder) GetUint64() (uint64, error) {
	hi, err := d.GetUint32()
	if err != nil {
		return 0, err
	}
	lo, err := d.GetUint32()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

func (d *Decoder) GetFloat32() (float32, error) {
	v, err := d.GetUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (d *Decoder) GetFloat64() (float64, error) {
	v, err := d.GetUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// GetOpaque decodes length-prefixed opaque data and skips its padding.
func (d *Decoder) GetOpaque() ([]byte, error) {
	n, err := d.GetUint32()
	if err != nil {
		return nil, err
	}
	end := d.pos + int(n)
	if n > uint32(len(d.buf)) || end > len(d.buf) || end < d.pos {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:end])
	d.pos = end

	pad := padLen(int(n))
	if d.pos+pad > len(d.buf) {
		return nil, ErrTruncated
	}
	d.pos += pad
	return out, nil
}

func (d *Decoder) GetString() (string, error) {
	b, err := d.GetOpaque()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
