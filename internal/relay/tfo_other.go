//go:build !linux

package relay

import (
	"sync/atomic"
	"syscall"
)

// tfoSupported is always false outside Linux: no other build target wires
// a TCP_FASTOPEN_CONNECT equivalent here.
var tfoSupported atomic.Bool

func controlTFO(network, address string, c syscall.RawConn) error {
	return nil
}

// bindToDevice is a no-op outside Linux: no portable way to bind a dial
// socket to an interface by name exists in net.Dialer.Control.
func bindToDevice(c syscall.RawConn, iface string) error {
	return nil
}
