package relay

import (
	"errors"
	"net"
	"time"

	"github.com/soheilhy/cmux"
)

// SharedListener splits one listener between the relay protocol and the
// admin router, by request prefix.
type SharedListener struct {
	mux   cmux.CMux
	Relay net.Listener
	Admin net.Listener
}

// Share wraps ln so admin requests (see AdminPrefixes) and relay requests
// can be accepted separately. Connections that send nothing within
// sniffTimeout are dropped. Call Serve to start dispatching.
func Share(ln net.Listener, sniffTimeout time.Duration) *SharedListener {
	m := cmux.New(ln)
	if sniffTimeout > 0 {
		m.SetReadTimeout(sniffTimeout)
	}
	admin := m.Match(cmux.PrefixMatcher(AdminPrefixes...))
	relay := m.Match(cmux.Any())
	return &SharedListener{mux: m, Relay: relay, Admin: admin}
}

// Serve dispatches connections until the underlying listener is closed.
func (s *SharedListener) Serve() error {
	return s.mux.Serve()
}

// Close closes the underlying listener.
func (s *SharedListener) Close() {
	s.mux.Close()
}

// IsListenerClosed reports whether err is the result of accepting on a
// closed listener, shared or not.
func IsListenerClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, cmux.ErrListenerClosed)
}
