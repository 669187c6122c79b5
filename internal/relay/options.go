package relay

import (
	"time"

	"mkv-relay/internal/chunked"
	"mkv-relay/internal/platform/config"
)

// Options bounds the I/O of relay connections.
type Options struct {
	// RequestTimeout bounds reading the request line and headers.
	RequestTimeout time.Duration
	// ReadTimeout bounds header assembly, and each streamed element after it.
	ReadTimeout time.Duration
	// WriteTimeout bounds each write to a subscriber.
	WriteTimeout time.Duration
	// MaxElementSize is the largest element payload accepted from a publisher.
	MaxElementSize int
	// MaxChunkSize is the largest chunk accepted in a chunked request body.
	MaxChunkSize int
}

// DefaultOptions returns the timeouts and limits used when none are configured.
func DefaultOptions() Options {
	return Options{
		RequestTimeout: 30 * time.Second,
		ReadTimeout:    20 * time.Second,
		WriteTimeout:   2 * time.Second,
		MaxElementSize: 64 << 20,
		MaxChunkSize:   chunked.DefaultMaxChunkSize,
	}
}

// OptionsFromConfig copies the relay settings out of the process config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		RequestTimeout: cfg.RequestTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		MaxElementSize: cfg.MaxElementSize,
		MaxChunkSize:   cfg.MaxChunkSize,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.MaxElementSize <= 0 {
		o.MaxElementSize = d.MaxElementSize
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = d.MaxChunkSize
	}
	return o
}
