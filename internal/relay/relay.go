// Package relay dials the chosen upstream and pumps bytes between the
// inbound and outbound halves of a session, applying the cipher collaborator
// in each direction. The reactor/watcher bitmask a C proxy tracks manually
// is replaced here with two goroutines doing blocking net.Conn I/O, the same
// structure the teacher's std.Pipe uses for its bidirectional copy.
package relay

import (
	"context"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/xtaci/ss-local/internal/cipher"
	"github.com/xtaci/ss-local/internal/config"
	"github.com/xtaci/ss-local/internal/session"
)

const bufSize = 4096

// PickUpstream selects one relay at random from the configured list. A
// single relay always wins deterministically; more than one spreads load
// the way a round-robin would, without needing any shared counter state.
func PickUpstream(relays []config.Relay) config.Relay {
	if len(relays) == 1 {
		return relays[0]
	}
	return relays[rand.Intn(len(relays))]
}

// DialUpstream opens a TCP connection to relay, applying TCP Fast Open when
// fastOpen is true and the platform supports it, and binding to iface (if
// non-empty and the platform supports it). A kernel that rejects the TFO
// socket option permanently disables it for the rest of the process,
// mirroring the original implementation's runtime fallback.
func DialUpstream(ctx context.Context, relay config.Relay, fastOpen bool, iface string) (net.Conn, error) {
	addr := net.JoinHostPort(relay.Host, strconv.Itoa(relay.Port))
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if (fastOpen && tfoSupported.Load()) || iface != "" {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			if iface != "" {
				if err := bindToDevice(c, iface); err != nil {
					return err
				}
			}
			if fastOpen && tfoSupported.Load() {
				return controlTFO(network, address, c)
			}
			return nil
		}
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "relay: dial %s", addr)
	}
	return conn, nil
}

// DialDirect opens a plain TCP connection to addr, binding to iface (if
// non-empty and supported) the same way DialUpstream does.
func DialDirect(ctx context.Context, addr string, iface string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if iface != "" {
		dialer.Control = func(network, address string, c syscall.RawConn) error {
			return bindToDevice(c, iface)
		}
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "relay: dial direct %s", addr)
	}
	return conn, nil
}

// Run pumps both directions of sess until either side closes or errors,
// applying enc/dec in the upstream direction and their inverse on the way
// back. preface (the shadowsocks address header, possibly followed by
// handshake-trailing application bytes already buffered from the client)
// is run through enc the same as every later chunk and written to the
// outbound connection before any pumping begins, so the IV this encrypt
// context lazily generates prefixes the very first bytes placed on the
// wire rather than leaving the header sent in the clear.
func Run(sess *session.Session, enc, dec *cipher.Context, preface []byte) error {
	if len(preface) > 0 {
		out := make([]byte, len(preface)+64) // headroom for the cipher context's IV prefix
		chunk, err := enc.Transform(out, preface)
		if err != nil {
			return errors.Wrap(err, "relay: cipher transform preface")
		}
		if _, err := sess.Outbound.Write(chunk); err != nil {
			return errors.Wrap(err, "relay: write preface")
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	var errUp, errDown error
	go func() {
		defer wg.Done()
		errUp = pump(sess, sess.Outbound, sess.Inbound, enc, false)
	}()
	go func() {
		defer wg.Done()
		errDown = pump(sess, sess.Inbound, sess.Outbound, dec, true)
	}()

	wg.Wait()
	sess.Close()

	if errUp != nil && errUp != io.EOF {
		return errUp
	}
	if errDown != nil && errDown != io.EOF {
		return errDown
	}
	return nil
}

// pump copies from src to dst, running every chunk through xform before
// writing it out, until src is exhausted or errors. It closes nothing
// itself; the caller's session-wide Close tears down both sides once both
// pumps have finished. touch is true only for the upstream->inbound pump:
// the idle deadline is reset on every successful receive from upstream,
// never on a receive from the client side.
func pump(sess *session.Session, dst io.Writer, src io.Reader, xform *cipher.Context, touch bool) error {
	in := make([]byte, bufSize)
	out := make([]byte, bufSize+64) // headroom for a cipher context's first-call IV prefix
	for {
		if touch {
			sess.Touch()
		}
		n, rerr := src.Read(in)
		if n > 0 {
			chunk, xerr := xform.Transform(out, in[:n])
			if xerr != nil {
				return errors.Wrap(xerr, "relay: cipher transform")
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			return rerr
		}
	}
}
