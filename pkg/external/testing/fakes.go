// Package testing provides fakes for the external collaborator
// interfaces, following pkg/network/node/testing/fake_iptables.go's
// pattern of a fake-implementing-the-real-interface living in its own
// subpackage.
package testing

import "github.com/ovn-org/ovn-controller-agent/pkg/external"

// FakeMeterCatalog is a map-backed external.MeterCatalog.
type FakeMeterCatalog map[string]external.MeterSpec

func (f FakeMeterCatalog) Lookup(name string) (external.MeterSpec, bool) {
	spec, ok := f[name]
	return spec, ok
}

// FakeBridgeRecord is a map-backed external.BridgeRecord.
type FakeBridgeRecord map[string]uint32

func (f FakeBridgeRecord) ResolvePort(ifaceID string) (uint32, bool) {
	port, ok := f[ifaceID]
	return port, ok
}
