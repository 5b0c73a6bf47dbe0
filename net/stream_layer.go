package net

import (
	"net"
	"time"
)

// StreamLayer is the connection layer under NetworkTransport: a listener for
// inbound sync sessions plus a dialer for outbound ones.
type StreamLayer interface {
	net.Listener

	// Dial opens a connection to another federation's sync endpoint.
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr returns the address other federations should dial.
	AdvertiseAddr() string
}
