// Package inject implements the packet injector (C8): composing and
// sending a packet-out built from an already-parsed microflow
// description, mirroring ofctrl_inject_pkt.
package inject

import (
	"encoding/binary"
	"fmt"

	"github.com/hkwi/gopenflow/ofp4"

	"github.com/ovn-org/ovn-controller-agent/pkg/external"
	"github.com/ovn-org/ovn-controller-agent/pkg/transport"
)

// Nicira vendor id and the resubmit-with-explicit-table-id action
// subtype. Resubmit is itself a Nicira extension action, not part of
// vanilla OpenFlow 1.3, the same vendor used by package reconcile's
// conntrack-zone flush experimenter.
const (
	nxVendorID         = 0x00002320
	nxastResubmitTable = 14
)

// Flow is a fully-parsed microflow description, produced by the
// out-of-scope expression parser: the human-readable microflow syntax,
// symbol table, address-set and port-group lookups that feed it are all
// handled before a Flow ever reaches this package. IngressIfaceID names
// the logical ingress port (the OVN `inport` register, bound to the
// external `iface-id` attribute) to resolve against the bridge's
// interface list; Compose renders every other field of the flow into a
// wire-ready packet.
type Flow interface {
	IngressIfaceID() string
	// Compose returns the packet bytes matching the flow, padded to
	// exactly 64 bytes (flow_compose's fixed size).
	Compose() []byte
}

// Inject resolves flow's logical ingress port to a physical OpenFlow
// port, composes its packet, and sends a packet-out whose only action
// resubmits the packet to table 0 on its own ingress port.
func Inject(ch transport.Channel, xid uint32, flow Flow, bridge external.BridgeRecord) error {
	if ch.Version() == 0 {
		return fmt.Errorf("inject: OpenFlow channel not ready")
	}

	port, ok := bridge.ResolvePort(flow.IngressIfaceID())
	if !ok || port == 0 {
		return fmt.Errorf("inject: ingress port %q not found on hypervisor", flow.IngressIfaceID())
	}

	packet := flow.Compose()
	if len(packet) != 64 {
		return fmt.Errorf("inject: composed packet is %d bytes, want 64", len(packet))
	}

	msg := ofp4.Message{
		Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_PACKET_OUT, Xid: xid},
		Body: &ofp4.PacketOut{
			BufferId: ofp4.OFP_NO_BUFFER,
			InPort:   port,
			Actions:  []ofp4.Action{resubmitToTable0()},
			Data:     packet,
		},
	}
	return ch.Send(msg)
}

// resubmitToTable0 builds the Nicira resubmit action matching
// ofpact_put_RESUBMIT's use of OFPP_IN_PORT and table 0: reprocess the
// packet from table 0, as if it had just arrived on its own ingress
// port.
func resubmitToTable0() *ofp4.ActionExperimenter {
	data := make([]byte, 8)
	binary.BigEndian.PutUint16(data[0:2], nxastResubmitTable)
	binary.BigEndian.PutUint16(data[2:4], uint16(ofp4.OFPP_IN_PORT))
	data[4] = 0
	return &ofp4.ActionExperimenter{Experimenter: nxVendorID, Data: data}
}
