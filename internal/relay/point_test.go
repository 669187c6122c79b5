package relay

import (
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"mkv-relay/internal/ebml"
)

func TestPublishingPoint_Ingest(t *testing.T) {
	p := newTestPoint(DefaultOptions())
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- p.Ingest(pr, nil) }()

	first, second := cluster(0xAA, 10), cluster(0xBB, 300)
	if _, err := pw.Write(concat(containerHeader(), first)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "first cluster", func() bool { return p.Info().Packets == 1 })

	if !bytes.Equal(p.Header(), containerHeader()) {
		t.Errorf("header = % X, want % X", p.Header(), containerHeader())
	}
	if p.State() != StateStreaming {
		t.Errorf("state = %s, want streaming", p.State())
	}

	// A viewer joining now starts at the live edge: header, then the next cluster.
	sub := newRecorder("viewer")
	if err := p.AddSubscriber(sub); err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	if _, err := pw.Write(second); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "second cluster", func() bool { return len(sub.Writes()) == 2 })
	pw.Close()

	err := <-done
	if !IsEndOfStream(err) {
		t.Errorf("Ingest returned %v, want end of stream", err)
	}
	writes := sub.Writes()
	if !bytes.Equal(writes[0], containerHeader()) {
		t.Errorf("first write is not the container header")
	}
	if !bytes.Equal(writes[1], second) {
		t.Errorf("second write = %d bytes, want the second cluster", len(writes[1]))
	}
	want := int64(len(containerHeader()) + len(first) + len(second))
	if got := p.Info().BytesIngested; got != want {
		t.Errorf("bytes ingested = %d, want %d", got, want)
	}
}

func TestPublishingPoint_header_states(t *testing.T) {
	p := newTestPoint(DefaultOptions())
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() { done <- p.Ingest(pr, nil) }()
	defer func() {
		pw.Close()
		<-done
	}()

	if p.State() != StateAwaitingPreamble {
		t.Errorf("initial state = %s", p.State())
	}

	pw.Write(element(idEBML, []byte{0x42, 0x86, 0x81, 0x01}))
	pw.Write(concat(idSegment, unknownSize))
	waitFor(t, "segment", func() bool { return p.State() == StateAwaitingSegmentChildren })

	pw.Write(element(idInfo, []byte("info")))
	if p.Ready() {
		t.Fatal("point ready before the first cluster")
	}
	if err := p.AddSubscriber(newRecorder("early")); !errors.Is(err, ErrNotReady) {
		t.Errorf("AddSubscriber before ready = %v, want ErrNotReady", err)
	}

	pw.Write(idCluster)
	pw.Write([]byte{0x81})
	waitFor(t, "ready", p.Ready)
	if p.State() != StateStreaming {
		t.Errorf("state = %s, want streaming", p.State())
	}
	if n := len(p.Header()); n == 0 {
		t.Error("empty header")
	}
}

func TestPublishingPoint_Ingest_segment_without_children(t *testing.T) {
	p := newTestPoint(DefaultOptions())
	pre := concat(element(idEBML, nil), idSegment, unknownSize)
	err := p.Ingest(bytes.NewReader(concat(pre, cluster(1, 4))), nil)

	if !errors.Is(err, io.EOF) {
		t.Errorf("Ingest = %v, want io.EOF", err)
	}
	if !bytes.Equal(p.Header(), pre) {
		t.Errorf("header = % X, want % X", p.Header(), pre)
	}
}

func TestPublishingPoint_Ingest_non_cluster_is_broadcast(t *testing.T) {
	p := newTestPoint(DefaultOptions())
	stream := concat(containerHeader(), cluster(1, 4), element(idTags, []byte("t")), cluster(2, 4))

	err := p.Ingest(bytes.NewReader(stream), nil)
	if !errors.Is(err, io.EOF) {
		t.Errorf("Ingest = %v, want io.EOF", err)
	}
	if got := p.Info().Packets; got != 3 {
		t.Errorf("packets = %d, want 3", got)
	}
}

func TestPublishingPoint_Ingest_errors(t *testing.T) {
	small := DefaultOptions()
	small.MaxElementSize = 16

	tests := []struct {
		name   string
		opts   Options
		stream []byte
		want   error
		eos    bool
	}{
		{"empty", DefaultOptions(), nil, io.EOF, true},
		{"malformed vint", DefaultOptions(), concat(containerHeader(), []byte{0x00}), ebml.ErrMalformed, false},
		{"truncated payload", DefaultOptions(), concat(containerHeader(), cluster(1, 20)[:10]), io.ErrUnexpectedEOF, true},
		{"truncated size", DefaultOptions(), concat(containerHeader(), idCluster), io.ErrUnexpectedEOF, true},
		{"element too large", small, concat(containerHeader(), cluster(1, 100)), ErrElementTooLarge, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPoint(tt.opts)
			err := p.Ingest(bytes.NewReader(tt.stream), nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("Ingest = %v, want %v", err, tt.want)
			}
			if IsEndOfStream(err) != tt.eos {
				t.Errorf("IsEndOfStream(%v) = %v, want %v", err, !tt.eos, tt.eos)
			}
		})
	}
}

func TestPublishingPoint_Ingest_timeout(t *testing.T) {
	opts := DefaultOptions()
	opts.ReadTimeout = 50 * time.Millisecond
	p := newTestPoint(opts)

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write(element(idEBML, nil))

	start := time.Now()
	err := p.Ingest(server, server)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Ingest = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("Ingest = %v, want it to wrap os.ErrDeadlineExceeded", err)
	}
	if IsEndOfStream(err) {
		t.Error("a timeout is not an end of stream")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestPublishingPoint_Ingest_closed(t *testing.T) {
	p := newTestPoint(DefaultOptions())
	p.Close()

	err := p.Ingest(bytes.NewReader(concat(containerHeader(), cluster(1, 4))), nil)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Ingest on closed point = %v, want ErrClosed", err)
	}
	if p.Ready() {
		t.Error("closed point became ready")
	}
}

func TestPublishingPoint_AddSubscriber(t *testing.T) {
	p := readyPoint(t)
	sub := newRecorder("viewer")

	if err := p.AddSubscriber(sub); err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	writes := sub.Writes()
	if len(writes) != 1 || !bytes.Equal(writes[0], containerHeader()) {
		t.Errorf("subscriber did not receive exactly the header: %d writes", len(writes))
	}

	broken := newRecorder("broken")
	broken.fail(errBrokenPipe)
	if err := p.AddSubscriber(broken); !errors.Is(err, errBrokenPipe) {
		t.Errorf("AddSubscriber on failing viewer = %v", err)
	}
	if subs := p.Info().Subscribers; len(subs) != 1 || subs[0] != "viewer" {
		t.Errorf("subscribers = %v, want [viewer]", subs)
	}
}

func TestPublishingPoint_AddSubscriber_closed(t *testing.T) {
	p := readyPoint(t)
	p.Close()
	if err := p.AddSubscriber(newRecorder("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("AddSubscriber after Close = %v, want ErrClosed", err)
	}
}

func TestPublishingPoint_RemoveSubscriber(t *testing.T) {
	p := readyPoint(t)
	sub := newRecorder("viewer")
	p.AddSubscriber(sub)

	if !p.RemoveSubscriber(sub) {
		t.Error("RemoveSubscriber returned false for an attached viewer")
	}
	if p.RemoveSubscriber(sub) {
		t.Error("RemoveSubscriber returned true twice")
	}
	if sub.Closed() != 1 {
		t.Errorf("viewer closed %d times, want 1", sub.Closed())
	}
	p.Broadcast(cluster(1, 4))
	if n := len(sub.Writes()); n != 1 {
		t.Errorf("removed viewer got %d writes, want only the header", n)
	}
}

func TestPublishingPoint_Broadcast_drops_failed_subscriber(t *testing.T) {
	p := readyPoint(t)
	good, bad, short := newRecorder("good"), newRecorder("bad"), newRecorder("short")
	for _, s := range []*recordingSubscriber{good, bad, short} {
		if err := p.AddSubscriber(s); err != nil {
			t.Fatalf("AddSubscriber(%s): %v", s.name, err)
		}
	}
	bad.fail(errBrokenPipe)
	short.short = true

	packet := cluster(7, 32)
	if err := p.Broadcast(packet); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	if w := good.Writes(); len(w) != 2 || !bytes.Equal(w[1], packet) {
		t.Errorf("good subscriber writes = %d, want header and packet", len(w))
	}
	if bad.Closed() != 1 {
		t.Errorf("failed subscriber closed %d times, want 1", bad.Closed())
	}
	subs := p.Info().Subscribers
	if len(subs) != 2 || subs[0] != "good" || subs[1] != "short" {
		t.Errorf("subscribers = %v, want [good short]", subs)
	}

	p.Broadcast(packet)
	if n := len(good.Writes()); n != 3 {
		t.Errorf("good subscriber writes = %d after second broadcast, want 3", n)
	}
}

func TestPublishingPoint_Broadcast_stalled_subscriber(t *testing.T) {
	p := readyPoint(t)

	server, client := net.Pipe()
	defer client.Close()
	stalled := NewConnSubscriber(server, 50*time.Millisecond)

	// The stalled viewer reads the header and nothing else.
	gotHeader := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(client, make([]byte, len(containerHeader())))
		gotHeader <- err
	}()
	if err := p.AddSubscriber(stalled); err != nil {
		t.Fatalf("AddSubscriber: %v", err)
	}
	if err := <-gotHeader; err != nil {
		t.Fatalf("reading header: %v", err)
	}

	fast := newRecorder("fast")
	p.AddSubscriber(fast)

	start := time.Now()
	p.Broadcast(cluster(3, 64))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("broadcast blocked for %s on a stalled viewer", elapsed)
	}
	if n := len(fast.Writes()); n != 2 {
		t.Errorf("fast subscriber writes = %d, want 2", n)
	}
	if subs := p.Info().Subscribers; len(subs) != 1 || subs[0] != "fast" {
		t.Errorf("subscribers = %v, want [fast]", subs)
	}
}

func TestPublishingPoint_Close(t *testing.T) {
	p := readyPoint(t)
	a, b := newRecorder("a"), newRecorder("b")
	p.AddSubscriber(a)
	p.AddSubscriber(b)

	p.Close()
	p.Close()

	if a.Closed() != 1 || b.Closed() != 1 {
		t.Errorf("subscribers closed %d/%d times, want 1/1", a.Closed(), b.Closed())
	}
	if !p.Closed() || p.State() != StateClosed {
		t.Errorf("closed=%v state=%s", p.Closed(), p.State())
	}
	if err := p.Broadcast(cluster(1, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Broadcast after Close = %v, want ErrClosed", err)
	}
	if subs := p.Info().Subscribers; len(subs) != 0 {
		t.Errorf("subscribers after Close = %v", subs)
	}
}

func TestIsEndOfStream(t *testing.T) {
	for _, err := range []error{io.EOF, io.ErrUnexpectedEOF, net.ErrClosed, ErrClosed} {
		if !IsEndOfStream(err) {
			t.Errorf("IsEndOfStream(%v) = false", err)
		}
	}
	for _, err := range []error{ErrTimeout, ErrElementTooLarge, ebml.ErrMalformed, errBrokenPipe} {
		if IsEndOfStream(err) {
			t.Errorf("IsEndOfStream(%v) = true", err)
		}
	}
}

func TestState_String(t *testing.T) {
	if got := StateAwaitingSegmentChildren.String(); got != "awaiting-segment-children" {
		t.Errorf("got %q", got)
	}
	if got := State(9).String(); got != "State(9)" {
		t.Errorf("got %q", got)
	}
}
