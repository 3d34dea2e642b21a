// Package connection implements the five-state connection negotiation
// and clearing FSM (C5): it negotiates a tunnel-metadata option, clears
// stale switch state on (re)connect, and gates the reconciliation engine.
package connection

import (
	"encoding/binary"

	"github.com/hkwi/gopenflow/ofp4"

	"github.com/ovn-org/ovn-controller-agent/pkg/ratelimit"
	"github.com/ovn-org/ovn-controller-agent/pkg/transport"
)

// State is one of the five negotiation/clearing states.
type State int

const (
	New State = iota
	TLVTableRequested
	TLVTableModSent
	Clear
	Update
)

func (s State) String() string {
	switch s {
	case New:
		return "S_NEW"
	case TLVTableRequested:
		return "S_TLV_TABLE_REQUESTED"
	case TLVTableModSent:
		return "S_TLV_TABLE_MOD_SENT"
	case Clear:
		return "S_CLEAR_FLOWS"
	case Update:
		return "S_UPDATE_FLOWS"
	default:
		return "S_UNKNOWN"
	}
}

// Nicira experimenter vendor id and the TLV-table-option subtypes used to
// negotiate the Geneve tunnel-metadata field, as OVN actually encodes
// them over OFPT_EXPERIMENTER.
const (
	nxVendorID          = 0x00002320
	nxtTLVTableRequest  = 51
	nxtTLVTableReply    = 52
	nxtTLVTableMod      = 53
	nxtTLVTableModReply = 54
)

// OVN Geneve option triple being negotiated (spec §6): class 0x0102,
// type 0x80, 32-byte length, with 64 available metadata slots.
const (
	geneveClass  = 0x0102
	geneveType   = 0x80
	geneveLength = 32
	numTLVSlots  = 64
)

// errCode mirrors the two OpenFlow error codes that signal a negotiation
// race with a peer controller rather than a hard failure.
type errCode int

const (
	errOther errCode = iota
	errAlreadyMapped
	errDupEntry
)

// FSM is the connection state machine. It owns no transport connection
// itself; Tick and Dispatch operate against whatever Channel the driver
// passes in, matching the original's separation between rconn and
// ofctrl's own state.
type FSM struct {
	state State

	tlvReqXid    uint32
	tlvModXid    uint32
	tlvModBarXid uint32

	mffTunMetadataIdx int // 0 if the option is disabled/unnegotiated

	needReinstall bool

	nextXid uint32

	errLimiter     *ratelimit.Limiter
	genericLimiter *ratelimit.Limiter
}

// NewFSM constructs an FSM in S_NEW with the forced-reinstall flag clear.
func NewFSM() *FSM {
	return &FSM{
		state:          New,
		errLimiter:     ratelimit.New(1, 30),
		genericLimiter: ratelimit.New(1, 30),
	}
}

// State returns the current state.
func (f *FSM) State() State { return f.state }

// NeedReinstall reports whether the forced full-reinstall flag is set
// (P6: set on entering S_CLEAR, cleared after the first successful put).
func (f *FSM) NeedReinstall() bool { return f.needReinstall }

// ClearReinstallFlag is called by the reconciliation engine after a
// successful put.
func (f *FSM) ClearReinstallFlag() { f.needReinstall = false }

// MFFTunMetadataFieldID returns the negotiated field id
// (MFF_TUN_METADATA0 + index), or 0 if the option is disabled or the
// connection isn't yet in S_CLEAR/S_UPDATE.
func (f *FSM) MFFTunMetadataFieldID() int {
	if f.state != Clear && f.state != Update {
		return 0
	}
	return f.mffTunMetadataIdx
}

func (f *FSM) allocXid() uint32 {
	f.nextXid++
	return f.nextXid
}

// AllocXid hands out the next transaction id from the connection's shared
// counter, for use by the reconciliation engine's own messages (put runs
// only in S_UPDATE_FLOWS, sharing the same xid space as the FSM's own
// negotiation messages).
func (f *FSM) AllocXid() uint32 { return f.allocXid() }

// ResetToNew forces the machine back to S_NEW, called by the driver on
// transport reconnect.
func (f *FSM) ResetToNew() {
	f.state = New
}

// ForceState overrides the current state directly, for driver-level
// recovery paths and for tests that need to exercise S_UPDATE_FLOWS
// without replaying the whole negotiation handshake.
func (f *FSM) ForceState(s State) {
	f.state = s
}

// Tick performs the current state's on-tick action, per the state table
// in spec §4.5. It returns immediately for states with no tick action.
func (f *FSM) Tick(ch transport.Channel) error {
	switch f.state {
	case New:
		return f.runNew(ch)
	case Clear:
		return f.runClear(ch)
	default:
		return nil
	}
}

func (f *FSM) runNew(ch transport.Channel) error {
	xid := f.allocXid()
	f.tlvReqXid = xid
	payload := make([]byte, 0)
	msg := ofp4.Message{
		Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_EXPERIMENTER, Xid: xid},
		Body:   &ofp4.Experimenter{Experimenter: nxVendorID, ExpType: nxtTLVTableRequest, Data: payload},
	}
	if err := ch.Send(msg); err != nil {
		return err
	}
	f.state = TLVTableRequested
	return nil
}

func (f *FSM) runClear(ch transport.Channel) error {
	xid := f.allocXid()
	flowDel := ofp4.Message{
		Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_FLOW_MOD, Xid: xid},
		Body: &ofp4.FlowMod{
			Command:  ofp4.OFPFC_DELETE,
			TableId:  0xff, // OFPTT_ALL
			OutPort:  ofp4.OFPP_ANY,
			OutGroup: ofp4.OFPG_ANY,
		},
	}
	groupDel := ofp4.Message{
		Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_GROUP_MOD, Xid: f.allocXid()},
		Body:   &ofp4.GroupMod{Command: ofp4.OFPGC_DELETE, Type: ofp4.OFPGT_ALL, GroupId: ofp4.OFPG_ALL},
	}
	meterDel := ofp4.Message{
		Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_METER_MOD, Xid: f.allocXid()},
		Body:   &ofp4.MeterMod{Command: ofp4.OFPMC_DELETE, MeterId: ofp4.OFPM_ALL},
	}
	for _, m := range []ofp4.Message{flowDel, groupDel, meterDel} {
		if err := ch.Send(m); err != nil {
			return err
		}
	}
	f.needReinstall = true
	f.state = Update
	return nil
}

// Dispatch handles one received message, routing TLV negotiation replies
// to their state-specific handler and everything else to the generic
// handler (echo/error/other), per spec §4.5's "Generic message handling"
// row.
func (f *FSM) Dispatch(ch transport.Channel, raw []byte) error {
	var msg ofp4.Message
	if err := msg.UnmarshalBinary(raw); err != nil {
		f.genericLimiter.Warningf("decode failure on received message, discarding: %v", err)
		return nil
	}

	switch f.state {
	case TLVTableRequested:
		if handled, err := f.dispatchTLVRequested(ch, msg); handled {
			return err
		}
	case TLVTableModSent:
		if handled, err := f.dispatchTLVModSent(ch, msg); handled {
			return err
		}
	}

	return f.dispatchGeneric(ch, msg)
}

func (f *FSM) dispatchTLVRequested(ch transport.Channel, msg ofp4.Message) (bool, error) {
	if msg.Xid != f.tlvReqXid {
		return false, nil
	}
	if msg.Type == ofp4.OFPT_ERROR {
		f.disableOption()
		f.state = Clear
		return true, nil
	}
	exp, ok := msg.Body.(*ofp4.Experimenter)
	if !ok || exp.ExpType != nxtTLVTableReply {
		return false, nil
	}

	idx, ok := parseTLVReply(exp.Data)
	if ok {
		f.mffTunMetadataIdx = idx
		f.state = Clear
		return true, nil
	}

	freeIdx, any := firstFreeTLVSlot(exp.Data)
	if !any {
		f.disableOption()
		f.state = Clear
		return true, nil
	}

	modXid := f.allocXid()
	f.tlvModXid = modXid
	mod := ofp4.Message{
		Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_EXPERIMENTER, Xid: modXid},
		Body:   &ofp4.Experimenter{Experimenter: nxVendorID, ExpType: nxtTLVTableMod, Data: encodeTLVMod(freeIdx)},
	}
	if err := ch.Send(mod); err != nil {
		return true, err
	}
	barXid := f.allocXid()
	f.tlvModBarXid = barXid
	bar := ofp4.Message{Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_BARRIER_REQUEST, Xid: barXid}}
	if err := ch.Send(bar); err != nil {
		return true, err
	}
	f.mffTunMetadataIdx = freeIdx
	f.state = TLVTableModSent
	return true, nil
}

func (f *FSM) dispatchTLVModSent(ch transport.Channel, msg ofp4.Message) (bool, error) {
	if msg.Type == ofp4.OFPT_BARRIER_REPLY && msg.Xid == f.tlvModBarXid {
		f.state = Clear
		return true, nil
	}
	if msg.Type == ofp4.OFPT_ERROR && msg.Xid == f.tlvModXid {
		if err, ok := msg.Body.(*ofp4.Error); ok {
			switch classifyTLVModError(err) {
			case errAlreadyMapped, errDupEntry:
				f.state = New
				return true, nil
			}
		}
		f.disableOption()
		f.state = Clear
		return true, nil
	}
	return false, nil
}

func (f *FSM) dispatchGeneric(ch transport.Channel, msg ofp4.Message) error {
	switch msg.Type {
	case ofp4.OFPT_ECHO_REQUEST:
		reply := ofp4.Message{
			Header: ofp4.Header{Version: 4, Type: ofp4.OFPT_ECHO_REPLY, Xid: msg.Xid},
			Body:   msg.Body,
		}
		return ch.Send(reply)
	case ofp4.OFPT_ERROR:
		f.errLimiter.Warningf("error reported by switch: xid=%d", msg.Xid)
		return nil
	default:
		f.genericLimiter.Infof("unhandled message type %d xid=%d", msg.Type, msg.Xid)
		return nil
	}
}

func (f *FSM) disableOption() {
	f.mffTunMetadataIdx = 0
}

// classifyTLVModError distinguishes the two races with a peer controller
// from a hard failure. The real wire codes are Nicira NXTTMFC_* error
// subtypes; here we look at the error's raw data payload, whose first
// two bytes carry the subtype in the same encoding OVS uses.
func classifyTLVModError(e *ofp4.Error) errCode {
	if len(e.Data) < 2 {
		return errOther
	}
	switch binary.BigEndian.Uint16(e.Data[0:2]) {
	case 3: // NXTTMFC_ALREADY_MAPPED
		return errAlreadyMapped
	case 4: // NXTTMFC_DUP_ENTRY
		return errDupEntry
	default:
		return errOther
	}
}

// parseTLVReply reports whether our (class, type, len) triple is already
// mapped at a usable index in the table-reply payload. The payload is the
// 8-byte used-slot bitmap read by firstFreeTLVSlot, followed by a
// sequence of 8-byte entries (option_class uint16, option_type uint8,
// option_len uint8, pad uint16, index uint16).
func parseTLVReply(data []byte) (idx int, ok bool) {
	for cur := 8; cur+8 <= len(data); cur += 8 {
		class := binary.BigEndian.Uint16(data[cur : cur+2])
		typ := data[cur+2]
		length := data[cur+3]
		index := binary.BigEndian.Uint16(data[cur+6 : cur+8])
		if class == geneveClass && typ == geneveType && length == geneveLength {
			return int(index), true
		}
	}
	return 0, false
}

// firstFreeTLVSlot finds the lowest unused index among the 64 available
// tunnel-metadata slots, given the reply's used-slot bitmap (8 bytes
// preceding the per-option entries, one bit per slot).
func firstFreeTLVSlot(data []byte) (idx int, ok bool) {
	if len(data) < 8 {
		return 0, false
	}
	used := binary.BigEndian.Uint64(data[0:8])
	for i := 0; i < numTLVSlots; i++ {
		if used&(1<<uint(i)) == 0 {
			return i, true
		}
	}
	return 0, false
}

func encodeTLVMod(idx int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint16(buf[0:2], geneveClass)
	buf[2] = geneveType
	buf[3] = geneveLength
	binary.BigEndian.PutUint16(buf[6:8], uint16(idx))
	return buf
}
