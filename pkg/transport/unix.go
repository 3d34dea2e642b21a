package transport

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// reconnectBackoff mirrors pkg/util/ovs/ovs.go's ovsBackoff: bounded
// exponential backoff for a local socket that's expected to reappear
// quickly once ovs-vswitchd restarts.
var reconnectBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   1.25,
	Steps:    10,
}

// UnixChannel dials a bridge's `<rundir>/<bridge>.mgmt` unix domain
// socket, matching the target format OVS's ovs-vswitchd exposes for an
// in-band OpenFlow controller (see healthcheck_ovs.go for the analogous
// OVSDB dial pattern this is grounded on).
type UnixChannel struct {
	mu sync.Mutex

	conn   net.Conn
	target string
	seqno  uint64
	probe  time.Duration

	txInFlight int
	recvBuf    []byte
}

// NewUnixChannel constructs a channel with no active connection.
func NewUnixChannel() *UnixChannel {
	return &UnixChannel{probe: 5 * time.Second}
}

func (c *UnixChannel) Connect(target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.target == target {
		return nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.target = target

	var conn net.Conn
	err := wait.ExponentialBackoff(reconnectBackoff, func() (bool, error) {
		var dialErr error
		conn, dialErr = net.DialTimeout("unix", target, time.Second)
		if dialErr != nil {
			klog.V(4).Infof("dial %s failed, retrying: %v", target, dialErr)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target, err)
	}

	c.conn = conn
	c.seqno++
	c.txInFlight = 0
	klog.Infof("connected to %s (seqno=%d)", target, c.seqno)
	return nil
}

func (c *UnixChannel) Send(msg encoding.BinaryMarshaler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	buf, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	c.txInFlight++
	_, err = c.conn.Write(buf)
	c.txInFlight--
	return err
}

func (c *UnixChannel) Recv() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, false
	}
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	var hdr [8]byte
	n, err := c.conn.Read(hdr[:])
	if err != nil || n < 8 {
		return nil, false
	}
	length := binary.BigEndian.Uint16(hdr[2:4])
	body := make([]byte, int(length)-8)
	if len(body) > 0 {
		if _, err := c.conn.Read(body); err != nil {
			return nil, false
		}
	}
	return append(hdr[:], body...), true
}

func (c *UnixChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *UnixChannel) Version() int {
	return 4 // OFP13_VERSION
}

func (c *UnixChannel) ConnectionSeqno() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqno
}

func (c *UnixChannel) TxInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txInFlight
}

func (c *UnixChannel) SetProbeInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probe = d
}
