package external

import (
	"strings"

	"github.com/vishvananda/netlink"
	"k8s.io/klog/v2"
)

// NetlinkBridgeRecord resolves iface-id to OpenFlow port number by
// listing the host's links and keeping only those named in OfPortOf (the
// Bridge field itself is not consulted), mirroring the link-introspection
// pattern used by pkg/network/node/node.go's GetLinkDetails. The
// external_ids["iface-id"] attribute itself is an OVSDB property, not a
// netlink one; this implementation recognizes the common convention
// where the interface's netlink name carries (or equals) the iface-id,
// and callers that need the exact OVSDB-level lookup should supply a
// different BridgeRecord implementation backed by the OVSDB client
// (pkg/util/ovs/ovs.go's Interface, out of this core's scope).
type NetlinkBridgeRecord struct {
	Bridge string

	// OfPortOf maps a netlink link name to its OpenFlow port number, as
	// assigned by ovs-vswitchd; populated by the caller from
	// `ovs-vsctl`/`ovs-ofctl show` output (out of this core's scope).
	OfPortOf map[string]uint32
}

// ResolvePort finds the first host link whose name equals or ends with
// ifaceID and has a nonzero port in OfPortOf, and
// returns its OpenFlow port, failing descriptively (via the returned
// ok=false) if the port is absent, matching ofctrl_lookup_port's
// behavior of refusing to inject a packet with no resolvable ingress
// port.
func (b *NetlinkBridgeRecord) ResolvePort(ifaceID string) (uint32, bool) {
	links, err := netlink.LinkList()
	if err != nil {
		klog.Errorf("listing links while resolving iface-id %q: %v", ifaceID, err)
		return 0, false
	}
	for _, link := range links {
		name := link.Attrs().Name
		if name != ifaceID && !strings.HasSuffix(name, ifaceID) {
			continue
		}
		port, ok := b.OfPortOf[name]
		if !ok || port == 0 {
			continue
		}
		return port, true
	}
	return 0, false
}
