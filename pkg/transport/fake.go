package transport

import (
	"encoding"
	"time"
)

// Fake is a transport.Channel used by tests. It records every sent
// message's marshaled bytes and lets the test inject received messages
// and simulate reconnects, the same shape as
// pkg/network/node/testing/fake_iptables.go's fakes-implementing-the-
// real-interface pattern.
type Fake struct {
	Connected bool
	SeqNo     uint64
	Ver       int
	Probe     time.Duration

	Sent    [][]byte
	SendErr error

	pending  [][]byte
	inFlight int
}

// NewFake constructs a connected fake with protocol version negotiated.
func NewFake() *Fake {
	return &Fake{Connected: true, SeqNo: 1, Ver: 4}
}

func (f *Fake) Connect(target string) error {
	f.Connected = true
	return nil
}

func (f *Fake) Send(msg encoding.BinaryMarshaler) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	buf, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	f.Sent = append(f.Sent, buf)
	return nil
}

func (f *Fake) Recv() ([]byte, bool) {
	if len(f.pending) == 0 {
		return nil, false
	}
	msg := f.pending[0]
	f.pending = f.pending[1:]
	return msg, true
}

// Inject queues msg to be returned by the next Recv call.
func (f *Fake) Inject(msg []byte) {
	f.pending = append(f.pending, msg)
}

func (f *Fake) IsConnected() bool { return f.Connected }
func (f *Fake) Version() int      { return f.Ver }

func (f *Fake) ConnectionSeqno() uint64 { return f.SeqNo }

// Reconnect simulates a transport-level reconnect: seqno advances and any
// not-yet-received messages are dropped. The protocol version is left as
// it was.
func (f *Fake) Reconnect() {
	f.SeqNo++
	f.pending = nil
}

func (f *Fake) TxInFlight() int { return f.inFlight }

// SetInFlight lets a test simulate a busy tx counter.
func (f *Fake) SetInFlight(n int) { f.inFlight = n }

func (f *Fake) SetProbeInterval(d time.Duration) { f.Probe = d }
