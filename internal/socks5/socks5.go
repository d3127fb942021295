// Package socks5 implements the inbound handshake state machine of a
// reduced RFC 1928 dialect: method negotiation is collapsed to
// unconditional no-auth and the CONNECT reply is synthesized optimistically,
// before any upstream connection exists.
package socks5

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

const version = 0x05

// Stage names the three states of the handshake. Kept as an explicit
// tagged value rather than branching on a raw int — even though a blocking
// Handshake call runs stages 0 and 1 to completion in one go,
// HandshakeResult reports the stage reached. A rejected request returns no
// result at all; CONNECT and UDP_ASSOCIATE both reach Relay, and the Cmd
// field tells them apart.
type Stage int

const (
	AwaitGreeting Stage = iota
	AwaitRequest
	Relay
)

// SOCKS5 commands this dialect accepts.
const (
	CmdConnect      = 0x01
	CmdUDPAssociate = 0x03
)

// Address type octets.
const (
	ATYPIPv4   = 0x01
	ATYPDomain = 0x03
	ATYPIPv6   = 0x04
)

// Reply codes used by the synthesized replies.
const (
	RepSuccess          = 0x00
	RepCommandNotSupported  = 0x07
	RepAddrTypeNotSupported = 0x08
)

// Errors classified as protocol violations: fatal to the session, never to
// the process.
var (
	ErrUnsupportedVersion = errors.New("socks5: unsupported protocol version")
	ErrUnsupportedCommand = errors.New("socks5: unsupported command")
	ErrUnsupportedAddrType = errors.New("socks5: unsupported address type")
)

// Address is the parsed SOCKS5 destination, reused verbatim to build the
// shadowsocks address header sent upstream.
type Address struct {
	Type byte
	IP   net.IP
	Name string
	Port uint16
}

// Header builds the shadowsocks wire header atyp||addr||port.
func (a Address) Header() []byte {
	switch a.Type {
	case ATYPIPv4:
		buf := make([]byte, 1+4+2)
		buf[0] = ATYPIPv4
		copy(buf[1:5], a.IP.To4())
		binary.BigEndian.PutUint16(buf[5:7], a.Port)
		return buf
	case ATYPIPv6:
		buf := make([]byte, 1+16+2)
		buf[0] = ATYPIPv6
		copy(buf[1:17], a.IP.To16())
		binary.BigEndian.PutUint16(buf[17:19], a.Port)
		return buf
	case ATYPDomain:
		buf := make([]byte, 1+1+len(a.Name)+2)
		buf[0] = ATYPDomain
		buf[1] = byte(len(a.Name))
		copy(buf[2:2+len(a.Name)], a.Name)
		binary.BigEndian.PutUint16(buf[2+len(a.Name):], a.Port)
		return buf
	}
	return nil
}

// HostPort returns the dialable "host:port" form of the address.
func (a Address) HostPort() string {
	host := a.Name
	if a.Type != ATYPDomain {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

// HandshakeResult is what a completed Handshake call produced.
type HandshakeResult struct {
	StageReached Stage
	Cmd          byte
	Dest         Address
	Trailing     []byte // request bytes that followed the address in the same read
	Bound        net.Addr
}

// Handshake drives stages AwaitGreeting and AwaitRequest to completion on
// conn, writing the greeting reply, then either rejecting the request,
// answering a UDP_ASSOCIATE, or returning a parsed CONNECT destination with
// the synthesized success reply already on the wire.
//
// Reads use io.ReadFull against a buffered reader, so a greeting or request
// fragmented across TCP segments is reassembled transparently.
func Handshake(conn net.Conn, udpEnabled bool) (*HandshakeResult, error) {
	br := bufio.NewReader(conn)

	if err := readGreeting(br); err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte{version, 0x00}); err != nil {
		return nil, errors.Wrap(err, "socks5: write method-select reply")
	}

	result, err := readRequest(conn, br, udpEnabled)
	if err != nil {
		return nil, err
	}

	switch result.Cmd {
	case CmdUDPAssociate:
		bound := conn.LocalAddr()
		if err := writeBoundReply(conn, bound); err != nil {
			return nil, err
		}
		result.Bound = bound
		result.StageReached = Relay
		return result, io.EOF // signal "tear down, no further relay"
	case CmdConnect:
		if err := writeSuccessReply(conn); err != nil {
			return nil, err
		}
		result.StageReached = Relay
		return result, nil
	}
	return nil, ErrUnsupportedCommand
}

func readGreeting(br *bufio.Reader) error {
	var hdr [2]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return errors.Wrap(err, "socks5: read greeting header")
	}
	if hdr[0] != version {
		return ErrUnsupportedVersion
	}
	nmethods := int(hdr[1])
	if nmethods > 0 {
		methods := make([]byte, nmethods)
		if _, err := io.ReadFull(br, methods); err != nil {
			return errors.Wrap(err, "socks5: read greeting methods")
		}
	}
	return nil
}

// readRequest reads and parses the request header following the greeting.
// An unsupported command or address type is a protocol violation: the
// appropriate rejection reply is written to conn before the error is
// returned, so the caller can tear the session down without needing to
// classify the error to pick a wire reply itself.
func readRequest(conn net.Conn, br *bufio.Reader, udpEnabled bool) (*HandshakeResult, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, errors.Wrap(err, "socks5: read request header")
	}
	if hdr[0] != version {
		return nil, ErrUnsupportedVersion
	}
	cmd := hdr[1]
	atyp := hdr[3]

	if cmd != CmdConnect && !(cmd == CmdUDPAssociate && udpEnabled) {
		_ = writeCommandNotSupported(conn)
		return nil, errors.Wrapf(ErrUnsupportedCommand, "cmd=0x%02x", cmd)
	}

	var addr Address
	addr.Type = atyp
	switch atyp {
	case ATYPIPv4:
		var b [4]byte
		if _, err := io.ReadFull(br, b[:]); err != nil {
			return nil, errors.Wrap(err, "socks5: read ipv4 address")
		}
		addr.IP = net.IP(b[:])
	case ATYPIPv6:
		var b [16]byte
		if _, err := io.ReadFull(br, b[:]); err != nil {
			return nil, errors.Wrap(err, "socks5: read ipv6 address")
		}
		addr.IP = net.IP(b[:])
	case ATYPDomain:
		var l [1]byte
		if _, err := io.ReadFull(br, l[:]); err != nil {
			return nil, errors.Wrap(err, "socks5: read domain length")
		}
		name := make([]byte, l[0])
		if _, err := io.ReadFull(br, name); err != nil {
			return nil, errors.Wrap(err, "socks5: read domain name")
		}
		addr.Name = string(name)
	default:
		_ = WriteAddrTypeNotSupported(conn)
		return nil, errors.Wrapf(ErrUnsupportedAddrType, "atyp=0x%02x", atyp)
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(br, portBuf[:]); err != nil {
		return nil, errors.Wrap(err, "socks5: read port")
	}
	addr.Port = binary.BigEndian.Uint16(portBuf[:])

	var trailing []byte
	if n := br.Buffered(); n > 0 {
		trailing = make([]byte, n)
		_, _ = io.ReadFull(br, trailing)
	}

	return &HandshakeResult{Cmd: cmd, Dest: addr, Trailing: trailing}, nil
}

// writeSuccessReply sends the constant synthesized CONNECT reply
// "05 00 00 01 00 00 00 00 00 00". The bind address is never disclosed.
func writeSuccessReply(conn net.Conn) error {
	reply := [10]byte{version, RepSuccess, 0x00, ATYPIPv4, 0, 0, 0, 0, 0, 0}
	n, err := conn.Write(reply[:])
	if err != nil {
		return errors.Wrap(err, "socks5: write success reply")
	}
	if n != len(reply) {
		return errors.New("socks5: short write of success reply")
	}
	return nil
}

// writeBoundReply answers UDP_ASSOCIATE with the inbound socket's own
// bound address and port.
func writeBoundReply(conn net.Conn, bound net.Addr) error {
	tcpAddr, ok := bound.(*net.TCPAddr)
	if !ok {
		return writeCommandNotSupported(conn)
	}
	reply := make([]byte, 0, 22)
	reply = append(reply, version, RepSuccess, 0x00)
	if v4 := tcpAddr.IP.To4(); v4 != nil {
		reply = append(reply, ATYPIPv4)
		reply = append(reply, v4...)
	} else {
		reply = append(reply, ATYPIPv6)
		reply = append(reply, tcpAddr.IP.To16()...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(tcpAddr.Port))
	reply = append(reply, portBuf[:]...)
	_, err := conn.Write(reply)
	return errors.Wrap(err, "socks5: write udp-associate reply")
}

// WriteCommandNotSupported sends the rejection reply for an unsupported
// SOCKS5 command.
func WriteCommandNotSupported(conn net.Conn) error {
	return writeCommandNotSupported(conn)
}

func writeCommandNotSupported(conn net.Conn) error {
	_, err := conn.Write([]byte{version, RepCommandNotSupported, 0x00, ATYPIPv4})
	return errors.Wrap(err, "socks5: write command-not-supported reply")
}

// WriteAddrTypeNotSupported sends the rejection reply for an unsupported
// SOCKS5 address type.
func WriteAddrTypeNotSupported(conn net.Conn) error {
	_, err := conn.Write([]byte{version, RepAddrTypeNotSupported, 0x00, ATYPIPv4})
	return errors.Wrap(err, "socks5: write addr-type-not-supported reply")
}
