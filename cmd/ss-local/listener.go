package main

import (
	"context"
	"io"
	"log"
	"net"
	"time"

	"github.com/xtaci/ss-local/internal/acl"
	"github.com/xtaci/ss-local/internal/cipher"
	"github.com/xtaci/ss-local/internal/config"
	"github.com/xtaci/ss-local/internal/registry"
	"github.com/xtaci/ss-local/internal/relay"
	"github.com/xtaci/ss-local/internal/session"
	"github.com/xtaci/ss-local/internal/socks5"
)

// server owns the accept loop and the per-connection dependencies every
// handled session needs.
type server struct {
	cfg    *config.Config
	method cipher.Method
	key    []byte
	acl    *acl.List
	reg    *registry.Registry
}

// serve accepts connections until listener is closed (by a signal handler
// tearing the process down), handling each one in its own goroutine.
func (s *server) serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			log.Println("accept:", err)
			continue
		}
		go s.handle(conn)
	}
}

func (s *server) handle(conn net.Conn) {
	defer conn.Close()

	result, err := socks5.Handshake(conn, s.cfg.UDPRelay)
	if err != nil {
		if err != io.EOF {
			log.Println("handshake:", err)
		}
		return
	}
	if result.Cmd == socks5.CmdUDPAssociate {
		// Acknowledged on the wire already; nothing left to relay over TCP.
		return
	}

	dest := result.Dest
	direct := s.acl != nil && isDirect(s.acl, dest)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var outbound net.Conn
	var preface []byte
	if direct {
		outbound, err = relay.DialDirect(ctx, dest.HostPort(), s.cfg.Iface)
		preface = result.Trailing
	} else {
		up := relay.PickUpstream(s.cfg.Relays)
		outbound, err = relay.DialUpstream(ctx, up, s.cfg.FastOpen, s.cfg.Iface)
		if err == nil {
			preface = append(dest.Header(), result.Trailing...)
		}
	}
	if err != nil {
		log.Println("dial upstream:", err)
		return
	}

	if s.cfg.Verbose {
		log.Println("session:", conn.RemoteAddr(), "->", dest.HostPort(), "direct:", direct)
	}

	sess := session.Pair(conn, outbound, time.Duration(s.cfg.Timeout)*time.Second)
	s.reg.Add(sess)
	defer s.reg.Remove(sess)

	var enc, dec *cipher.Context
	if direct {
		none, _ := cipher.NewMethod(cipher.None)
		enc, _ = none.NewContext(nil, cipher.Encrypt)
		dec, _ = none.NewContext(nil, cipher.Decrypt)
	} else {
		enc, err = s.method.NewContext(s.key, cipher.Encrypt)
		if err != nil {
			log.Println("cipher context:", err)
			return
		}
		dec, err = s.method.NewContext(s.key, cipher.Decrypt)
		if err != nil {
			log.Println("cipher context:", err)
			return
		}
	}

	if err := relay.Run(sess, enc, dec, preface); err != nil {
		logRelayError(err)
	}
}

func isDirect(list *acl.List, dest socks5.Address) bool {
	if dest.Type == socks5.ATYPDomain {
		return list.ContainsDomain(dest.Name)
	}
	return list.ContainsIP(dest.IP.String())
}

func logRelayError(err error) {
	if err == nil || err == io.EOF {
		return
	}
	log.Println("relay:", err)
}

func isClosedErr(err error) bool {
	ne, ok := err.(*net.OpError)
	return ok && ne.Err.Error() == "use of closed network connection"
}
