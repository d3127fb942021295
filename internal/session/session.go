// Package session owns the paired inbound/outbound connections of one
// proxied stream and their shared teardown, replacing the cyclic
// back-pointers a C-style reactor would use with a single struct that
// closes both sides exactly once.
package session

import (
	"net"
	"sync"
	"time"
)

// Session pairs the client-facing inbound connection with the
// server-facing outbound connection for one proxied stream.
type Session struct {
	Inbound  net.Conn
	Outbound net.Conn

	idleTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Pair builds a Session from an already-accepted inbound connection and an
// already-dialed outbound connection. idleTimeout, if positive, is applied
// to both sides' deadlines each time Touch is called.
func Pair(inbound, outbound net.Conn, idleTimeout time.Duration) *Session {
	return &Session{Inbound: inbound, Outbound: outbound, idleTimeout: idleTimeout}
}

// Touch refreshes both connections' deadlines. The relay calls it before
// each Read from the outbound (upstream) side only, so only upstream
// activity keeps the session alive; no-op if idleTimeout is zero (no timeout).
func (s *Session) Touch() {
	if s.idleTimeout <= 0 {
		return
	}
	deadline := time.Now().Add(s.idleTimeout)
	_ = s.Inbound.SetDeadline(deadline)
	_ = s.Outbound.SetDeadline(deadline)
}

// Close tears down both connections exactly once, regardless of how many
// goroutines observe the session ending concurrently. It returns the first
// non-nil error encountered closing either side.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		errIn := s.Inbound.Close()
		errOut := s.Outbound.Close()
		if errIn != nil {
			s.closeErr = errIn
		} else {
			s.closeErr = errOut
		}
	})
	return s.closeErr
}
