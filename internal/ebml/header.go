package ebml

import (
	"fmt"
	"io"
)

// Header is the (ID, size) pair that starts every element.
type Header struct {
	ID   VInt
	Size VInt
}

// ReadHeader reads an element ID followed by its size. A stream that ends
// cleanly before the ID yields io.EOF; ending anywhere later yields
// io.ErrUnexpectedEOF.
func ReadHeader(r io.Reader) (Header, error) {
	id, err := ReadVInt(r)
	if err != nil {
		return Header{}, err
	}
	size, err := ReadVInt(r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Header{}, fmt.Errorf("reading size of %s: %w", id.Name(), err)
	}
	return Header{ID: id, Size: size}, nil
}

// Name is the element name of the ID.
func (h Header) Name() string { return h.ID.Name() }

// PayloadSize is the number of payload bytes that follow the header.
func (h Header) PayloadSize() uint64 { return h.Size.Unsigned() }

// Len is the encoded width of the header.
func (h Header) Len() int { return h.ID.Len() + h.Size.Len() }

// AppendTo appends the encoded ID and size to dst.
func (h Header) AppendTo(dst []byte) []byte {
	dst = append(dst, h.ID.Bytes()...)
	return append(dst, h.Size.Bytes()...)
}

func (h Header) String() string {
	return fmt.Sprintf("%s size=%d", h.Name(), h.PayloadSize())
}
