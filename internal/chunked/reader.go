// Package chunked turns an HTTP request body into a flat byte stream,
// reassembling chunked transfer encoding when the producer declared it.
package chunked

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMaxChunkSize bounds a single chunk when no limit is configured.
const DefaultMaxChunkSize = 64 << 20

var (
	// ErrInvalidChunkHeader is returned for a chunk-size line that is not
	// hex digits optionally followed by a ;-extension.
	ErrInvalidChunkHeader = errors.New("chunked: invalid chunk header")

	// ErrBadTerminator is returned when chunk data is not followed by CRLF.
	ErrBadTerminator = errors.New("chunked: chunk not terminated by CRLF")

	// ErrChunkTooLarge is returned when a chunk exceeds the reader's limit.
	ErrChunkTooLarge = errors.New("chunked: chunk too large")
)

var chunkHeader = regexp.MustCompile(`\A([0-9A-Fa-f]+)(;.*)?\z`)

// Reader decodes chunked transfer encoding. It returns io.EOF once the
// zero-size chunk and its trailer have been consumed.
type Reader struct {
	r       *bufio.Reader
	buf     []byte
	max     int
	trailer []string
	done    bool
}

// NewReader returns a Reader over r that accepts chunks up to maxChunk bytes.
// A non-positive maxChunk selects DefaultMaxChunkSize.
func NewReader(r *bufio.Reader, maxChunk int) *Reader {
	if maxChunk <= 0 {
		maxChunk = DefaultMaxChunkSize
	}
	return &Reader{r: r, max: maxChunk}
}

// NewBody picks the decoder matching a normalized Transfer-Encoding value:
// chunked input gets a Reader, anything else is read through unchanged.
func NewBody(r *bufio.Reader, transferEncoding string, maxChunk int) io.Reader {
	if transferEncoding == "chunked" {
		return NewReader(r, maxChunk)
	}
	return r
}

// Read implements io.Reader. Use io.ReadFull for exactly-n semantics.
func (c *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(c.buf) == 0 {
		if c.done {
			return 0, io.EOF
		}
		if err := c.nextChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

// Trailer returns the trailer lines seen after the last chunk.
func (c *Reader) Trailer() []string {
	return c.trailer
}

func (c *Reader) nextChunk() error {
	line, err := c.readLine()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("reading chunk header: %w", err)
	}
	m := chunkHeader.FindStringSubmatch(line)
	if m == nil {
		return fmt.Errorf("%w: %q", ErrInvalidChunkHeader, line)
	}
	size, err := strconv.ParseInt(m[1], 16, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidChunkHeader, line)
	}

	if size == 0 {
		c.done = true
		return c.drainTrailer()
	}
	if size > int64(c.max) {
		return fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(c.r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	var crlf [2]byte
	if _, err := io.ReadFull(c.r, crlf[:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	if crlf != [2]byte{'\r', '\n'} {
		return fmt.Errorf("%w: got %q", ErrBadTerminator, crlf[:])
	}
	c.buf = data
	return nil
}

// drainTrailer consumes trailer lines up to and including the empty line.
// A producer that hangs up right after the zero chunk still ends cleanly.
func (c *Reader) drainTrailer() error {
	for {
		line, err := c.readLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if line == "" {
			return nil
		}
		c.trailer = append(c.trailer, line)
	}
}

func (c *Reader) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
