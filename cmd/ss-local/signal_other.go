//go:build !linux && !darwin && !freebsd

package main

import (
	"os"
	"os/signal"
)

// notifyShutdown registers the portable interrupt signal on ch; this
// platform has no os.Signal spelling for SIGTERM/SIGPIPE to wire up.
func notifyShutdown(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt)
}
