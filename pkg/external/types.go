// Package external defines the collaborator interfaces the core consumes
// but does not implement (spec §6 "External collaborators consumed"):
// the meter catalog and the bridge record. The logical-record-to-
// desired-flow translator is not modeled as an interface here — it is
// the caller of flow.DesiredTable's own methods, not a callee.
package external

// MeterBand is one band of a meter: its type ("drop", "dscp_remark"),
// rate, and burst size, mirroring OVN's sbrec_meter_band shape.
type MeterBand struct {
	Type      string
	Rate      uint32
	BurstSize uint32
}

// MeterSpec is what the meter catalog returns for a meter name: its
// rate unit ("pktps" or "kbps") and bands.
type MeterSpec struct {
	Unit  string
	Bands []MeterBand
}

// MeterCatalog resolves a meter name (as referenced from a flow action)
// to its specification, indexed the way sbrec_meter_table is.
type MeterCatalog interface {
	Lookup(name string) (MeterSpec, bool)
}

// BridgeRecord resolves the external iface-id attribute attached to a
// bridge port to the physical OpenFlow port number backing it, per
// spec §6 ("list of ports -> interfaces -> (external_ids["iface-id"],
// ofport[0])").
type BridgeRecord interface {
	ResolvePort(ifaceID string) (ofPort uint32, ok bool)
}
