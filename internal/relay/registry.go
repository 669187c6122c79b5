package relay

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"mkv-relay/internal/platform/metrics"
)

// ErrAlreadyPublishing is returned by Open when another publisher holds the path.
var ErrAlreadyPublishing = errors.New("publishing point already active")

// Registry maps request paths to publishing points. A path has at most one
// publisher at a time, and its entry lives exactly as long as that
// publisher's session.
type Registry struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	points map[string]*PublishingPoint
}

// NewRegistry returns an empty registry whose points use opts.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewRegistry(opts Options, log *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		opts:    opts.withDefaults(),
		log:     log,
		metrics: m,
		points:  make(map[string]*PublishingPoint),
	}
}

// Open creates a publishing point at path and runs session with it. The
// point is closed and removed when session returns, fails or panics.
// If path is already being published, Open returns ErrAlreadyPublishing
// without calling session.
func (r *Registry) Open(path string, session func(*PublishingPoint) error) error {
	p, err := r.claim(path)
	if err != nil {
		return err
	}
	defer func() {
		p.Close()
		r.remove(path, p)
	}()
	return session(p)
}

func (r *Registry) claim(path string) (*PublishingPoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.points[path]; ok {
		return nil, ErrAlreadyPublishing
	}
	p := newPublishingPoint(path, r.opts, r.log, r.metrics)
	r.points[path] = p
	r.metrics.SetActivePoints(len(r.points))
	r.log.Info("publishing point created", slog.String("point", path), slog.Int("points", len(r.points)))
	return p, nil
}

func (r *Registry) remove(path string, p *PublishingPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.points[path]; !ok || cur != p {
		r.log.Error("publishing point does not exist", slog.String("point", path))
		return
	}
	delete(r.points, path)
	r.metrics.SetActivePoints(len(r.points))
	r.log.Info("publishing point removed", slog.String("point", path), slog.Int("points", len(r.points)))
}

// Lookup returns the point published at path.
func (r *Registry) Lookup(path string) (*PublishingPoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.points[path]
	return p, ok
}

// Snapshot returns the current points ordered by path.
func (r *Registry) Snapshot() []*PublishingPoint {
	r.mu.Lock()
	points := make([]*PublishingPoint, 0, len(r.points))
	for _, p := range r.points {
		points = append(points, p)
	}
	r.mu.Unlock()

	sort.Slice(points, func(i, j int) bool { return points[i].Path() < points[j].Path() })
	return points
}

// Len returns the number of registered points.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.points)
}

// CloseAll closes every registered point, releasing their viewers. Entries
// are removed by their own sessions as those unwind.
func (r *Registry) CloseAll() {
	points := r.Snapshot()
	if len(points) > 0 {
		r.log.Info("closing publishing points", slog.Int("points", len(points)))
	}
	for _, p := range points {
		p.Close()
	}
}
