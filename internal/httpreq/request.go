// Package httpreq reads the single HTTP/1.0-style request a relay connection
// carries and writes minimal response heads back. The request body is left
// unread in the buffered reader so the caller can decode it itself.
package httpreq

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxHeaderLines bounds the number of header lines in one request.
	MaxHeaderLines = 100

	pathLenMin = 1
	pathLenMax = 256
)

// ErrBadRequest is returned for a malformed request line or header line.
var ErrBadRequest = errors.New("bad request")

var (
	requestLine = regexp.MustCompile(`\A([A-Z]+) (\S+) (\S+)\r\n\z`)
	headerLine  = regexp.MustCompile(`\A([^:]+):\s*(.+)\r\n\z`)
)

// Header maps normalized header names to their (merged) values.
type Header map[string]string

// Get returns the value for name, normalizing it first.
func (h Header) Get(name string) string {
	return h[NormalizeHeaderName(name)]
}

// Add stores value under the normalized name, merging repeats with ", ".
func (h Header) Add(name, value string) {
	key := NormalizeHeaderName(name)
	if prev, ok := h[key]; ok {
		h[key] = prev + ", " + value
		return
	}
	h[key] = value
}

// Request is a parsed request head plus the reader positioned at the body.
type Request struct {
	Method  string
	Path    string
	Query   string
	Version string
	Header  Header

	// Body is the buffered connection reader, positioned after the head.
	Body *bufio.Reader
}

// NormalizeHeaderName capitalizes each hyphen-delimited word:
// "content-type" becomes "Content-Type".
func NormalizeHeaderName(name string) string {
	words := strings.Split(name, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, "-")
}

// ReadRequest reads a request line and header block from br.
// Malformed input yields an error wrapping ErrBadRequest.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	m := requestLine.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("%w: invalid request line %q", ErrBadRequest, line)
	}

	req := &Request{
		Method:  m[1],
		Version: m[3],
		Header:  make(Header),
		Body:    br,
	}
	req.Path, req.Query, _ = strings.Cut(m[2], "?")

	for n := 0; ; n++ {
		if n > MaxHeaderLines {
			return nil, fmt.Errorf("%w: too many header lines", ErrBadRequest)
		}
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if line == "\r\n" {
			break
		}
		h := headerLine.FindStringSubmatch(line)
		if h == nil {
			return nil, fmt.Errorf("%w: invalid header line %q", ErrBadRequest, line)
		}
		req.Header.Add(h[1], h[2])
	}
	return req, nil
}

// ValidatePath checks that a channel path is valid UTF-8 and of sane length.
func ValidatePath(path string) error {
	if !utf8.ValidString(path) {
		return fmt.Errorf("%w: path must be valid UTF-8", ErrBadRequest)
	}
	n := utf8.RuneCountInString(path)
	if n < pathLenMin || n > pathLenMax {
		return fmt.Errorf("%w: path length must be %d-%d characters", ErrBadRequest, pathLenMin, pathLenMax)
	}
	return nil
}
