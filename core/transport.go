package core

import (
	"net"
	"time"

	"github.com/benbjohnson/clock"
)

// ProtocolICMP is the IANA protocol number of ICMP for IPv4.
const ProtocolICMP = 1

// Transport opens handles on a raw protocol channel shared with other consumers.
type Transport interface {
	Open(protocol int) (Handle, error)
}

// Handle is one consumer of a raw protocol channel.
type Handle interface {
	// Bind binds the handle to a local address, net.IPv4zero for any.
	Bind(local net.IP) error

	// OnReceive registers the function offered every inbound datagram, IPv4 header included.
	// The function returns true when it consumed the datagram.
	OnReceive(fn func(pkt []byte) bool)

	// SendTo transmits pkt to dst. The handle owns pkt afterwards.
	SendTo(pkt []byte, dst net.IP) error

	// Close releases the handle, no further datagrams are delivered.
	Close() error
}

// Scheduler runs a function once after a delay.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a pending single-shot call.
type Timer interface {
	Stop() bool
}

type clockScheduler struct {
	clock clock.Clock
}

// NewClockScheduler returns a Scheduler backed by the timers of c.
func NewClockScheduler(c clock.Clock) Scheduler {
	return &clockScheduler{clock: c}
}

func (s *clockScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return s.clock.AfterFunc(d, fn)
}
