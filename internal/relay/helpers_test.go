package relay

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var (
	idEBML    = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idSegment = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo    = []byte{0x15, 0x49, 0xA9, 0x66}
	idTracks  = []byte{0x16, 0x54, 0xAE, 0x6B}
	idCluster = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTags    = []byte{0x12, 0x54, 0xC3, 0x67}

	unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// element encodes one EBML element with a minimal-width size.
func element(id, payload []byte) []byte {
	out := append([]byte{}, id...)
	n := len(payload)
	switch {
	case n < 0x7F:
		out = append(out, 0x80|byte(n))
	case n < 0x3FFF:
		out = append(out, 0x40|byte(n>>8), byte(n))
	default:
		out = append(out, 0x20|byte(n>>16), byte(n>>8), byte(n))
	}
	return append(out, payload...)
}

func cluster(fill byte, n int) []byte {
	return element(idCluster, bytes.Repeat([]byte{fill}, n))
}

// containerHeader is the EBML header, an unknown-size Segment header and two
// top-level segment children.
func containerHeader() []byte {
	var b []byte
	b = append(b, element(idEBML, []byte{0x42, 0x86, 0x81, 0x01})...)
	b = append(b, idSegment...)
	b = append(b, unknownSize...)
	b = append(b, element(idInfo, []byte("info"))...)
	b = append(b, element(idTracks, []byte("tracks"))...)
	return b
}

func concat(parts ...[]byte) []byte {
	var b []byte
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBrokenPipe = errors.New("broken pipe")

// recordingSubscriber keeps every write. err makes writes fail; short
// makes them report one byte less than asked.
type recordingSubscriber struct {
	name  string
	err   error
	short bool

	mu     sync.Mutex
	writes [][]byte
	closed int
}

func newRecorder(name string) *recordingSubscriber {
	return &recordingSubscriber{name: name}
}

func (s *recordingSubscriber) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.writes = append(s.writes, append([]byte{}, p...))
	if s.short && len(p) > 0 {
		return len(p) - 1, nil
	}
	return len(p), nil
}

func (s *recordingSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSubscriber) RemoteAddr() string { return s.name }

func (s *recordingSubscriber) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte{}, s.writes...)
}

func (s *recordingSubscriber) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordingSubscriber) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func newTestPoint(opts Options) *PublishingPoint {
	return newPublishingPoint("/live", opts, testLogger(), nil)
}

// readyPoint returns a point whose header is frozen without ingesting.
func readyPoint(t *testing.T) *PublishingPoint {
	t.Helper()
	p := newTestPoint(DefaultOptions())
	if err := p.freezeHeader(containerHeader()); err != nil {
		t.Fatalf("freezeHeader: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}
