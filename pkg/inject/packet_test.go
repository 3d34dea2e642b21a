package inject

import (
	"testing"

	"github.com/hkwi/gopenflow/ofp4"

	externaltesting "github.com/ovn-org/ovn-controller-agent/pkg/external/testing"
	"github.com/ovn-org/ovn-controller-agent/pkg/transport"
)

type fakeFlow struct {
	ifaceID string
	packet  []byte
}

func (f fakeFlow) IngressIfaceID() string { return f.ifaceID }
func (f fakeFlow) Compose() []byte        { return f.packet }

func fixed64() []byte { return make([]byte, 64) }

func TestInjectSendsPacketOutOnResolvedPort(t *testing.T) {
	ch := transport.NewFake()
	bridge := externaltesting.FakeBridgeRecord{"lsp1": 7}
	flow := fakeFlow{ifaceID: "lsp1", packet: fixed64()}

	if err := Inject(ch, 42, flow, bridge); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.Sent) != 1 {
		t.Fatalf("expected exactly one message sent, got %d", len(ch.Sent))
	}

	var msg ofp4.Message
	if err := msg.UnmarshalBinary(ch.Sent[0]); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if msg.Type != ofp4.OFPT_PACKET_OUT {
		t.Fatalf("expected packet-out, got type %d", msg.Type)
	}
	if msg.Xid != 42 {
		t.Fatalf("expected xid 42, got %d", msg.Xid)
	}
	po := msg.Body.(*ofp4.PacketOut)
	if po.InPort != 7 {
		t.Fatalf("expected resolved in_port 7, got %d", po.InPort)
	}
	if po.BufferId != ofp4.OFP_NO_BUFFER {
		t.Fatalf("expected OFP_NO_BUFFER, got %d", po.BufferId)
	}
	if len(po.Data) != 64 {
		t.Fatalf("expected 64-byte packet, got %d", len(po.Data))
	}
}

func TestInjectFailsOnUnresolvedPort(t *testing.T) {
	ch := transport.NewFake()
	bridge := externaltesting.FakeBridgeRecord{}
	flow := fakeFlow{ifaceID: "missing", packet: fixed64()}

	if err := Inject(ch, 1, flow, bridge); err == nil {
		t.Fatalf("expected an error for an unresolvable ingress port")
	}
	if len(ch.Sent) != 0 {
		t.Fatalf("expected no message sent on failure, got %d", len(ch.Sent))
	}
}

func TestInjectFailsWhenChannelNotReady(t *testing.T) {
	ch := transport.NewFake()
	ch.Ver = 0
	bridge := externaltesting.FakeBridgeRecord{"lsp1": 7}
	flow := fakeFlow{ifaceID: "lsp1", packet: fixed64()}

	if err := Inject(ch, 1, flow, bridge); err == nil {
		t.Fatalf("expected an error when the channel has no negotiated version")
	}
}

func TestInjectRejectsWrongSizedPacket(t *testing.T) {
	ch := transport.NewFake()
	bridge := externaltesting.FakeBridgeRecord{"lsp1": 7}
	flow := fakeFlow{ifaceID: "lsp1", packet: make([]byte, 42)}

	if err := Inject(ch, 1, flow, bridge); err == nil {
		t.Fatalf("expected an error for a malformed packet size")
	}
}
