//go:build linux

package relay

import (
	"log"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// tfoSupported starts optimistic and is permanently cleared process-wide the
// first time the kernel rejects the TCP_FASTOPEN_CONNECT socket option,
// mirroring the original implementation's "fast_open = 0" fallback.
var tfoSupported atomic.Bool

func init() {
	tfoSupported.Store(true)
}

// bindToDevice binds the dialing socket to a network interface by name,
// the Go equivalent of setinterface's SO_BINDTODEVICE call.
func bindToDevice(c syscall.RawConn, iface string) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		sysErr = unix.BindToDevice(int(fd), iface)
	})
	if err != nil {
		return err
	}
	return sysErr
}

func controlTFO(network, address string, c syscall.RawConn) error {
	var sysErr error
	err := c.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_FASTOPEN_CONNECT, 1); e != nil {
			sysErr = e
		}
	})
	if err != nil {
		return err
	}
	if sysErr != nil {
		log.Println("relay: TCP_FASTOPEN_CONNECT rejected by kernel, disabling fast open:", sysErr)
		tfoSupported.Store(false)
		return nil // fall through to a normal connect on this dial
	}
	return nil
}
