// Package ebml decodes the pieces of the EBML framing used by Matroska that a
// live relay needs: variable-length integers, element headers and the names of
// well-known element IDs. It never recurses into master elements.
package ebml

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
)

// MaxLength is the widest VInt this package accepts.
const MaxLength = 8

// ErrMalformed is returned when the first byte of a VInt carries no length
// marker (more than 7 leading zero bits).
var ErrMalformed = errors.New("ebml: malformed variable-length integer")

// VInt is a variable-length integer exactly as it was read from a stream.
// The encoded bytes are kept so the value can be re-emitted verbatim and
// compared as an element ID.
type VInt struct {
	b []byte
}

// NewVInt wraps raw bytes as a VInt. It validates that the length marker in
// the first byte agrees with len(b).
func NewVInt(b []byte) (VInt, error) {
	if len(b) == 0 {
		return VInt{}, ErrMalformed
	}
	extra, err := DecodeLength(b[0])
	if err != nil {
		return VInt{}, err
	}
	if len(b) != extra+1 {
		return VInt{}, fmt.Errorf("%w: marker says %d bytes, got %d", ErrMalformed, extra+1, len(b))
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return VInt{b: cp}, nil
}

// DecodeLength returns how many bytes follow first in the same VInt, i.e. the
// number of leading zero bits of first. A zero byte is malformed.
func DecodeLength(first byte) (int, error) {
	zeros := bits.LeadingZeros8(first)
	if zeros >= MaxLength {
		return 0, ErrMalformed
	}
	return zeros, nil
}

// ReadVInt reads one VInt from r.
func ReadVInt(r io.Reader) (VInt, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		return VInt{}, err
	}
	extra, err := DecodeLength(first[0])
	if err != nil {
		return VInt{}, fmt.Errorf("%w: first byte 0x%02X", err, first[0])
	}
	b := make([]byte, extra+1)
	b[0] = first[0]
	if extra > 0 {
		if _, err := io.ReadFull(r, b[1:]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return VInt{}, err
		}
	}
	return VInt{b: b}, nil
}

// Len is the encoded width in bytes.
func (v VInt) Len() int { return len(v.b) }

// Bytes returns the encoded bytes. Callers must not modify the result.
func (v VInt) Bytes() []byte { return v.b }

// Unsigned strips the length marker and returns the big-endian value of the
// remaining bits.
func (v VInt) Unsigned() uint64 {
	if len(v.b) == 0 {
		return 0
	}
	width := uint(len(v.b))
	value := uint64(v.b[0] & (0xFF >> width))
	for _, c := range v.b[1:] {
		value = value<<8 | uint64(c)
	}
	return value
}

// IsUnknownSize reports whether every value bit is set, which Matroska uses
// to mark a master element of unknown size.
func IsUnknownSize(v VInt) bool {
	if len(v.b) == 0 {
		return false
	}
	return v.Unsigned() == 1<<(7*uint(len(v.b)))-1
}

// Name returns the canonical element name for an ID, or the bytes rendered as
// bracketed uppercase hex when the ID is not known.
func (v VInt) Name() string {
	return NameOf(v.b)
}

func (v VInt) String() string {
	return fmt.Sprintf("%s(%d)", v.Name(), v.Unsigned())
}
