package main

import (
	"log"
	"net"
	"os"

	"github.com/xtaci/ss-local/internal/registry"
)

// installSignalHandlers starts the goroutine that closes listener and
// sweeps reg on an interrupt or termination request.
func installSignalHandlers(listener net.Listener, reg *registry.Registry) {
	ch := make(chan os.Signal, 1)
	notifyShutdown(ch)
	go func() {
		sig := <-ch
		log.Println("received signal, shutting down:", sig)
		listener.Close()
		reg.Sweep()
	}()
}
