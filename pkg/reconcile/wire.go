package reconcile

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/hkwi/gopenflow/ofp4"

	"github.com/ovn-org/ovn-controller-agent/pkg/extend"
	"github.com/ovn-org/ovn-controller-agent/pkg/external"
	"github.com/ovn-org/ovn-controller-agent/pkg/ofpkey"
)

// Nicira vendor id shared with package connection; OVS's per-zone conntrack
// flush is itself a Nicira experimenter extension, not part of vanilla
// OpenFlow 1.3.
const (
	nxVendorID     = 0x00002320
	nxtCTFlushZone = 37
)

// sentinelPrefix marks a meter name whose band spec is inlined rather than
// resolved against the external meter catalog (spec §4.6 step 2, design
// note on sentinel meter names).
const (
	sentinelPrefix = "__string: "
	sentinelOffset = 52
)

// rawBody is a pre-encoded message body, used for group-mod bucket lists:
// bucket-action encoding is an out-of-scope parser product (spec §1 non-
// goals on action-expression parsing), so extend.Entry.Name for groups is
// already the wire-ready bucket-list byte string and is passed straight
// through rather than decoded into ofp4.Bucket values.
type rawBody []byte

func (r rawBody) MarshalBinary() ([]byte, error) { return []byte(r), nil }

func toWireMatch(m ofpkey.Match) ofp4.Match {
	var oxm []byte
	if m != nil {
		oxm, _ = m.MarshalBinary()
	}
	return ofp4.Match{Type: ofp4.OFPMT_OXM, OxmFields: oxm}
}

func buildFlowMod(command uint8, key ofpkey.Key, value ofpkey.Value, xid uint32) ofp4.Message {
	return ofp4.Message{
		Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_FLOW_MOD, Xid: xid},
		Body: &ofp4.FlowMod{
			Cookie:       value.Cookie,
			TableId:      key.TableID,
			Command:      command,
			Priority:     key.Priority,
			OutPort:      ofp4.OFPP_ANY,
			OutGroup:     ofp4.OFPG_ANY,
			Match:        toWireMatch(key.Match),
			Instructions: instructionsOf(value.Actions),
		},
	}
}

func instructionsOf(a ofpkey.Actions) []ofp4.Instruction {
	if a == nil {
		return nil
	}
	return []ofp4.Instruction{a}
}

func buildCTFlushZone(zone uint16, xid uint32) ofp4.Message {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, zone)
	return ofp4.Message{
		Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_EXPERIMENTER, Xid: xid},
		Body:   &ofp4.Experimenter{Experimenter: nxVendorID, ExpType: nxtCTFlushZone, Data: data},
	}
}

func buildGroupAdd(e extend.Entry, xid uint32) ofp4.Message {
	return buildGroupMod(ofp4.OFPGC_ADD, e, xid)
}

func buildGroupDelete(e extend.Entry, xid uint32) ofp4.Message {
	return buildGroupMod(ofp4.OFPGC_DELETE, e, xid)
}

func buildGroupMod(command uint16, e extend.Entry, xid uint32) ofp4.Message {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint16(buf[0:2], command)
	buf[2] = ofp4.OFPGT_ALL
	binary.BigEndian.PutUint32(buf[4:8], e.TableID)
	if command == ofp4.OFPGC_ADD {
		buf = append(buf, []byte(e.Name)...)
	}
	return ofp4.Message{
		Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_GROUP_MOD, Xid: xid},
		Body:   rawBody(buf),
	}
}

func buildMeterDelete(e extend.Entry, xid uint32) ofp4.Message {
	return ofp4.Message{
		Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_METER_MOD, Xid: xid},
		Body:   &ofp4.MeterMod{Command: ofp4.OFPMC_DELETE, MeterId: e.TableID},
	}
}

// buildMeterAdd resolves e's bands either from its inline sentinel spec or
// from catalog, per spec §4.6 step 2, and builds the add message.
func buildMeterAdd(e extend.Entry, catalog external.MeterCatalog, xid uint32) (ofp4.Message, error) {
	var unit string
	var bands []external.MeterBand

	if strings.HasPrefix(e.Name, sentinelPrefix) {
		if len(e.Name) < sentinelOffset {
			return ofp4.Message{}, fmt.Errorf("inline meter spec %q too short for offset %d", e.Name, sentinelOffset)
		}
		u, b, err := parseInlineMeterSpec(e.Name[sentinelOffset:])
		if err != nil {
			return ofp4.Message{}, err
		}
		unit, bands = u, b
	} else {
		spec, ok := catalog.Lookup(e.Name)
		if !ok {
			return ofp4.Message{}, fmt.Errorf("meter %q not found in catalog", e.Name)
		}
		unit, bands = spec.Unit, spec.Bands
	}

	var flags uint16
	switch unit {
	case "pktps":
		flags = ofp4.OFPMF_PKTPS
	default:
		flags = ofp4.OFPMF_KBPS
	}

	return ofp4.Message{
		Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_METER_MOD, Xid: xid},
		Body: &ofp4.MeterMod{
			Command: ofp4.OFPMC_ADD,
			Flags:   flags,
			MeterId: e.TableID,
			Bands:   buildBands(bands),
		},
	}, nil
}

func buildBands(bands []external.MeterBand) []ofp4.Band {
	out := make([]ofp4.Band, 0, len(bands))
	for _, b := range bands {
		switch b.Type {
		case "dscp_remark":
			out = append(out, ofp4.MeterBandDscpRemark{Rate: b.Rate, BurstSize: b.BurstSize})
		default:
			out = append(out, ofp4.MeterBandDrop{Rate: b.Rate, BurstSize: b.BurstSize})
		}
	}
	return out
}

// parseInlineMeterSpec parses the inline band spec following the
// "__string: " sentinel and its 52-byte header offset (ofctrl.c's
// add_meter_string). The grammar implemented here is a deliberate
// simplification of ovs-ofctl's full meter-mod syntax — "/" separates
// bands, "," separates a band's key=value fields — documented as such
// since full grammar parsing is out of this core's scope.
func parseInlineMeterSpec(spec string) (unit string, bands []external.MeterBand, err error) {
	parts := strings.SplitN(spec, ",bands=", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("malformed inline meter spec %q", spec)
	}
	unit = parts[0]
	for _, bspec := range strings.Split(parts[1], "/") {
		var b external.MeterBand
		for _, kv := range strings.Split(bspec, ",") {
			kvParts := strings.SplitN(kv, "=", 2)
			if len(kvParts) != 2 {
				continue
			}
			switch kvParts[0] {
			case "type":
				b.Type = kvParts[1]
			case "rate":
				if n, e := strconv.ParseUint(kvParts[1], 10, 32); e == nil {
					b.Rate = uint32(n)
				}
			case "burst_size":
				if n, e := strconv.ParseUint(kvParts[1], 10, 32); e == nil {
					b.BurstSize = uint32(n)
				}
			}
		}
		bands = append(bands, b)
	}
	return unit, bands, nil
}
