// Package transport provides the reconnecting OpenFlow message channel
// abstraction (spec §6 "Transport"), a unix-socket implementation dialing
// a bridge's management socket, and a fake for tests.
package transport

import (
	"encoding"
	"time"
)

// Channel is the transport abstraction injected into the top-level
// driver at init: a reconnecting, bidirectional OpenFlow message channel.
type Channel interface {
	// Connect (re)dials target, a no-op if already connected to it.
	Connect(target string) error
	// Send queues msg for transmission.
	Send(msg encoding.BinaryMarshaler) error
	// Recv returns the next received message, or ok=false if none is
	// currently available.
	Recv() (msg []byte, ok bool)
	// IsConnected reports current liveness.
	IsConnected() bool
	// Version returns the negotiated OpenFlow wire version, or 0 if not
	// yet negotiated.
	Version() int
	// ConnectionSeqno increments every time the channel establishes a
	// new underlying connection (used to detect reconnects).
	ConnectionSeqno() uint64
	// TxInFlight returns the number of messages queued but not yet
	// acknowledged as sent by the OS (the batching gate of spec §9's
	// second open question).
	TxInFlight() int
	// SetProbeInterval configures the inactivity probe (ofctrl_set_probe_interval).
	SetProbeInterval(d time.Duration)
}
