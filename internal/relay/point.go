package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"mkv-relay/internal/ebml"
	"mkv-relay/internal/platform/metrics"

	gometrics "github.com/rcrowley/go-metrics"
)

var (
	// ErrNotReady is returned when a viewer joins before the container
	// header has been assembled.
	ErrNotReady = errors.New("publishing point not ready")

	// ErrClosed is returned by operations on a closed publishing point.
	ErrClosed = errors.New("publishing point closed")

	// ErrTimeout marks a publisher read that exceeded its deadline.
	ErrTimeout = errors.New("publisher read timed out")

	// ErrElementTooLarge is returned for an element whose payload exceeds
	// Options.MaxElementSize.
	ErrElementTooLarge = errors.New("element too large")
)

// State is the position of a publishing point in its lifecycle.
type State int

const (
	StateAwaitingPreamble State = iota
	StateAwaitingSegmentChildren
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingPreamble:
		return "awaiting-preamble"
	case StateAwaitingSegmentChildren:
		return "awaiting-segment-children"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ReadDeadliner is implemented by publisher connections whose reads can be
// bounded in time.
type ReadDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// PublishingPoint is one live channel: the container header of the stream
// being published and the viewers it is fanned out to. Every exported method
// is serialized by the point's mutex.
type PublishingPoint struct {
	path    string
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
	created time.Time
	meter   gometrics.Meter

	mu          sync.Mutex
	state       State
	header      []byte
	subscribers map[Subscriber]struct{}
	closed      bool
	bytesIn     int64
	packets     int64
}

func newPublishingPoint(path string, opts Options, log *slog.Logger, m *metrics.Metrics) *PublishingPoint {
	return &PublishingPoint{
		path:        path,
		opts:        opts.withDefaults(),
		log:         log.With(slog.String("point", path)),
		metrics:     m,
		created:     time.Now(),
		meter:       gometrics.NewMeter(),
		subscribers: make(map[Subscriber]struct{}),
	}
}

// Path is the request path the point is published on.
func (p *PublishingPoint) Path() string { return p.path }

// Ready reports whether the container header is available to viewers.
func (p *PublishingPoint) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header != nil
}

// Header returns the frozen container header, or nil before the point is
// ready. Callers must not modify it.
func (p *PublishingPoint) Header() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.header
}

// State returns the current lifecycle state.
func (p *PublishingPoint) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Closed reports whether Close has been called.
func (p *PublishingPoint) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// AddSubscriber sends the container header to s and adds it to the viewers
// of the point. Only elements broadcast after this call reach s.
func (p *PublishingPoint) AddSubscriber(s Subscriber) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.header == nil {
		return ErrNotReady
	}
	if _, err := s.Write(p.header); err != nil {
		return fmt.Errorf("sending header: %w", err)
	}
	p.subscribers[s] = struct{}{}
	p.metrics.AddSubscribers(1)
	p.log.Info("subscriber added",
		slog.String("subscriber", s.RemoteAddr()),
		slog.Int("subscribers", len(p.subscribers)))
	return nil
}

// RemoveSubscriber detaches and closes s. It reports whether s was attached.
func (p *PublishingPoint) RemoveSubscriber(s Subscriber) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.subscribers[s]; !ok {
		return false
	}
	delete(p.subscribers, s)
	p.metrics.AddSubscribers(-1)
	if err := s.Close(); err != nil {
		p.log.Debug("closing subscriber", slog.String("subscriber", s.RemoteAddr()), slog.String("error", err.Error()))
	}
	p.log.Info("subscriber left", slog.String("subscriber", s.RemoteAddr()))
	return true
}

// Broadcast writes packet to every subscriber. A subscriber whose write
// fails or times out is removed and closed once all subscribers have been
// tried; a short write is only logged.
func (p *PublishingPoint) Broadcast(packet []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.packets++
	p.metrics.IncBroadcastPackets()

	var dropped []Subscriber
	for s := range p.subscribers {
		n, err := s.Write(packet)
		switch {
		case err == nil && n == len(packet):
		case errors.Is(err, io.ErrShortWrite) || (err == nil && n < len(packet)):
			p.log.Warn("short write to subscriber",
				slog.String("subscriber", s.RemoteAddr()),
				slog.Int("written", n),
				slog.Int("size", len(packet)))
		default:
			p.log.Info("subscriber disconnected",
				slog.String("subscriber", s.RemoteAddr()),
				slog.String("error", err.Error()))
			dropped = append(dropped, s)
		}
	}

	for _, s := range dropped {
		delete(p.subscribers, s)
		if err := s.Close(); err != nil {
			p.log.Debug("closing subscriber", slog.String("subscriber", s.RemoteAddr()), slog.String("error", err.Error()))
		}
	}
	if len(dropped) > 0 {
		p.metrics.AddSubscribers(-len(dropped))
		for range dropped {
			p.metrics.IncDroppedSubscribers()
		}
	}
	return nil
}

// Close closes every subscriber and marks the point closed. Closing an
// already closed point does nothing.
func (p *PublishingPoint) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	for s := range p.subscribers {
		if err := s.Close(); err != nil {
			p.log.Warn("error closing subscriber",
				slog.String("subscriber", s.RemoteAddr()),
				slog.String("error", err.Error()))
		}
	}
	p.metrics.AddSubscribers(-len(p.subscribers))
	p.subscribers = make(map[Subscriber]struct{})
	p.closed = true
	p.state = StateClosed
	p.meter.Stop()
}

// PointInfo is a point-in-time description of a publishing point.
type PointInfo struct {
	Path          string    `json:"path"`
	State         string    `json:"state"`
	Ready         bool      `json:"ready"`
	HeaderBytes   int       `json:"header_bytes"`
	Subscribers   []string  `json:"subscribers"`
	BytesIngested int64     `json:"bytes_ingested"`
	Packets       int64     `json:"packets"`
	IngestRate    float64   `json:"ingest_rate_1m"`
	CreatedAt     time.Time `json:"created_at"`
}

// Info describes the point for the stats endpoints.
func (p *PublishingPoint) Info() PointInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := make([]string, 0, len(p.subscribers))
	for s := range p.subscribers {
		subs = append(subs, s.RemoteAddr())
	}
	sort.Strings(subs)

	return PointInfo{
		Path:          p.path,
		State:         p.state.String(),
		Ready:         p.header != nil,
		HeaderBytes:   len(p.header),
		Subscribers:   subs,
		BytesIngested: p.bytesIn,
		Packets:       p.packets,
		IngestRate:    p.meter.Rate1(),
		CreatedAt:     p.created,
	}
}

// Ingest reads a Matroska stream from r, assembles the container header and
// then broadcasts each following element until r fails. When d is non-nil
// every phase is bounded by Options.ReadTimeout. Ingest always returns a
// non-nil error; IsEndOfStream tells a finished stream from a failure.
func (p *PublishingPoint) Ingest(r io.Reader, d ReadDeadliner) error {
	if err := p.extendDeadline(d); err != nil {
		return err
	}
	pending, err := p.assembleHeader(r)
	if err != nil {
		return err
	}

	for {
		if err := p.extendDeadline(d); err != nil {
			return err
		}
		var h ebml.Header
		if pending != nil {
			h, pending = *pending, nil
		} else if h, err = p.readHeader(r, "cluster"); err != nil {
			return err
		}
		if h.Name() != ebml.NameCluster {
			p.log.Warn("cluster expected", slog.String("element", h.Name()))
		}
		packet, err := p.readElement(r, h, "cluster")
		if err != nil {
			return err
		}
		if err := p.Broadcast(packet); err != nil {
			return err
		}
	}
}

// assembleHeader collects every element up to the first Cluster. It
// returns the already consumed Cluster header.
func (p *PublishingPoint) assembleHeader(r io.Reader) (*ebml.Header, error) {
	var header []byte

	for {
		h, err := p.readHeader(r, "preamble")
		if err != nil {
			return nil, err
		}
		p.log.Debug("header element", slog.String("element", h.Name()), slog.Uint64("size", h.PayloadSize()))
		if h.Name() == ebml.NameSegment {
			header = h.AppendTo(header)
			break
		}
		elem, err := p.readElement(r, h, "preamble")
		if err != nil {
			return nil, err
		}
		header = append(header, elem...)
	}
	p.setState(StateAwaitingSegmentChildren)

	for {
		h, err := p.readHeader(r, "segment")
		if err != nil {
			return nil, err
		}
		p.log.Debug("header element", slog.String("element", h.Name()), slog.Uint64("size", h.PayloadSize()))
		if h.Name() == ebml.NameCluster {
			if err := p.freezeHeader(header); err != nil {
				return nil, err
			}
			return &h, nil
		}
		elem, err := p.readElement(r, h, "segment")
		if err != nil {
			return nil, err
		}
		header = append(header, elem...)
	}
}

func (p *PublishingPoint) freezeHeader(header []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if header == nil {
		header = []byte{}
	}
	p.header = header
	p.state = StateStreaming
	p.log.Info("publishing point ready", slog.Int("header_bytes", len(header)))
	return nil
}

func (p *PublishingPoint) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.state = s
	}
}

func (p *PublishingPoint) readHeader(r io.Reader, phase string) (ebml.Header, error) {
	h, err := ebml.ReadHeader(r)
	if err != nil {
		return h, p.readError(phase, err)
	}
	p.countIn(h.Len())
	return h, nil
}

// readElement reads the payload announced by h and returns the whole
// element, header included.
func (p *PublishingPoint) readElement(r io.Reader, h ebml.Header, phase string) ([]byte, error) {
	size := h.PayloadSize()
	if size > uint64(p.opts.MaxElementSize) {
		return nil, fmt.Errorf("%w: %s of %d bytes (limit %d)", ErrElementTooLarge, h.Name(), size, p.opts.MaxElementSize)
	}
	buf := make([]byte, h.Len()+int(size))
	h.AppendTo(buf[:0])
	if _, err := io.ReadFull(r, buf[h.Len():]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, p.readError(phase, fmt.Errorf("reading %s payload: %w", h.Name(), err))
	}
	p.countIn(int(size))
	return buf, nil
}

func (p *PublishingPoint) countIn(n int) {
	p.mu.Lock()
	p.bytesIn += int64(n)
	p.mu.Unlock()
	p.meter.Mark(int64(n))
	p.metrics.AddIngestedBytes(n)
}

func (p *PublishingPoint) readError(phase string, err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w during %s: %w", ErrTimeout, phase, err)
	}
	return err
}

func (p *PublishingPoint) extendDeadline(d ReadDeadliner) error {
	if d == nil {
		return nil
	}
	return d.SetReadDeadline(time.Now().Add(p.opts.ReadTimeout))
}

// IsEndOfStream reports whether err ends a publish session normally: the
// producer finished or hung up, or the point was closed under it.
func IsEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrClosed)
}
