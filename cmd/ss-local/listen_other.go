//go:build !linux

package main

import "net"

// listenConfig is the platform default elsewhere: no SO_REUSEADDR tuning.
var listenConfig net.ListenConfig
