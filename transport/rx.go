package transport

import (
	"errors"
	"time"
	"unsafe"
)

// Metadata identifies the logical transfer a reassembled payload belongs to.
type Metadata struct {
	Priority TransferPriority
	Kind     TxKind
	Port     PortID
	Remote   NodeID // NodeIDInvalid for anonymous senders
	TID      TID
}

// Transfer is one fully reassembled application-level message or service call.
type Transfer struct {
	Metadata  Metadata
	Timestamp time.Time
	Payload   []byte
}

// Sub is a subscription to one (TxKind, PortID) pair. CRCWidth must match what the
// data type's signature specifies for that port, since the receiver needs it to
// know how many CRC-prefix bytes to strip from multi-frame transfers.
type Sub struct {
	// Must be first field due to use of unsafe.
	base treeNode

	Port       PortID
	Extent     int
	TIDTimeout time.Duration
	CRCWidth   uint8

	sessions [256]*rxSession
}

func subOf(n *treeNode) *Sub { return (*Sub)(unsafe.Pointer(n)) }

func subPredicateOnPort(userRef any, node *treeNode) int8 {
	sought := userRef.(PortID)
	other := subOf(node).Port
	if sought == other {
		return 0
	}
	return bsign(sought > other)
}

func subPredicateOnStruct(userRef any, node *treeNode) int8 {
	return subPredicateOnPort(userRef.(*Sub).Port, node)
}

func subFactory(userRef any) *treeNode {
	sub, ok := userRef.(*Sub)
	if !ok {
		panic("transport: subFactory given non-*Sub")
	}
	return &sub.base
}

type rxSession struct {
	active           bool
	hasLastCompleted bool
	lastCompletedTID TID

	txTimestamp time.Time
	payload     []byte // reassembled application payload, capped at the subscription's extent

	crcWidth       uint8
	crcPrefixWant  int    // remaining CRC-prefix bytes still expected off the wire
	crcPrefixBuf   [6]byte
	crcPrefixGot   int
	crc16          CRC16
	crc32          CRC32
	crc48          CRC48

	tid    TID
	toggle bool
}

func crcPrefixLenFor(width uint8) int {
	switch width {
	case 32:
		return 4
	case 48:
		return 6
	default:
		return 2
	}
}

func (s *rxSession) startNew(tid TID, now time.Time, crcWidth uint8) {
	s.active = true
	s.txTimestamp = now
	s.payload = s.payload[:0]
	s.crcWidth = crcWidth
	s.crcPrefixWant = crcPrefixLenFor(crcWidth)
	s.crcPrefixGot = 0
	s.crc16 = NewCRC16()
	s.crc32 = NewCRC32()
	s.crc48 = NewCRC48()
	s.tid = tid
	s.toggle = true // expected toggle of the second frame of this transfer
}

// consume splits a multi-frame chunk into its CRC-prefix bytes (skipped from the
// running digest) and application bytes (fed into it), so the receiver never has
// to hold the full transfer in memory to check its integrity.
func (s *rxSession) consume(extent int, chunk []byte) {
	if s.crcPrefixWant > 0 {
		take := s.crcPrefixWant
		if take > len(chunk) {
			take = len(chunk)
		}
		copy(s.crcPrefixBuf[s.crcPrefixGot:], chunk[:take])
		s.crcPrefixGot += take
		s.crcPrefixWant -= take
		chunk = chunk[take:]
	}
	for _, b := range chunk {
		switch s.crcWidth {
		case 32:
			s.crc32 = s.crc32.AddByte(b)
		case 48:
			s.crc48 = s.crc48.AddByte(b)
		default:
			s.crc16 = s.crc16.AddByte(b)
		}
	}
	s.writePayload(extent, chunk)
}

func (s *rxSession) crcDigest() uint64 {
	switch s.crcWidth {
	case 32:
		return uint64(s.crc32.Get())
	case 48:
		return s.crc48.Finish().Get()
	default:
		return uint64(s.crc16.Get())
	}
}

func (s *rxSession) crcExpected() uint64 {
	var v uint64
	for i := 0; i < len(s.crcPrefixBuf); i++ {
		v |= uint64(s.crcPrefixBuf[i]) << (8 * i)
	}
	return v
}

// writePayload appends data to the session buffer, truncating at extent. Bytes
// beyond extent are dropped from storage but still pass through the running CRC,
// since the digest must cover the whole transfer regardless of the subscriber's
// declared interest.
func (s *rxSession) writePayload(extent int, data []byte) {
	room := extent - len(s.payload)
	if room <= 0 {
		return
	}
	n := len(data)
	if n > room {
		n = room
	}
	s.payload = append(s.payload, data[:n]...)
}

// Instance is one node's receive pipeline: it owns the set of active
// subscriptions and dispatches incoming frames to the matching one.
type Instance struct {
	cfg    Config
	NodeID NodeID
	Perf   *PerfCounter

	rxSub [numTxKinds]*treeNode
}

func NewInstance(cfg Config) *Instance {
	if !cfg.validate() {
		panic("transport: invalid Config")
	}
	return &Instance{cfg: cfg, NodeID: NodeIDInvalid, Perf: &PerfCounter{}}
}

func (ins *Instance) Subscribe(kind TxKind, port PortID, extent int, tidTimeout time.Duration, crcWidth uint8, out *Sub) error {
	if kind >= numTxKinds {
		return ErrTransferKind
	}
	_ = ins.Unsubscribe(kind, port)
	out.Port = port
	out.Extent = extent
	out.TIDTimeout = tidTimeout
	out.CRCWidth = crcWidth
	out.sessions = [256]*rxSession{}
	got, err := avlSearch(&ins.rxSub[kind], out, subPredicateOnStruct, subFactory)
	if err != nil {
		return err
	}
	if subOf(got) != out {
		panic("transport: subscribe returned a different node than expected")
	}
	return nil
}

func (ins *Instance) Unsubscribe(kind TxKind, port PortID) error {
	if kind >= numTxKinds {
		return ErrTransferKind
	}
	got, err := avlSearch(&ins.rxSub[kind], port, subPredicateOnPort, nil)
	if errors.Is(err, ErrAVLNilRoot) || errors.Is(err, ErrAVLNodeNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	sub := subOf(got)
	avlRemove(&ins.rxSub[kind], &sub.base)
	return nil
}

func (ins *Instance) GetSubs(kind TxKind) []*Sub {
	if kind >= numTxKinds {
		return nil
	}
	var subs []*Sub
	ins.rxSub[kind].traverse(func(n *treeNode) {
		subs = append(subs, subOf(n))
	})
	return subs
}

// Accept parses a raw CAN frame and, if it completes a transfer, fills out with
// the reassembled result and returns complete=true. Frames belonging to an
// in-progress multi-frame transfer return complete=false with a nil error.
func (ins *Instance) Accept(now time.Time, can *CANFrame, out *Transfer) (sub *Sub, complete bool, err error) {
	if out == nil || can == nil {
		return nil, false, ErrInvalidArgument
	}
	var f Frame
	if !f.Parse(ins.cfg, can) {
		ins.Perf.addError()
		return nil, false, errInvalidFrame
	}
	if !f.Dst.IsBroadcast() && ins.NodeID != f.Dst {
		return nil, false, ErrBadDstAddr
	}

	got, err := avlSearch(&ins.rxSub[f.Kind], f.DataTypeID, subPredicateOnPort, nil)
	if errors.Is(err, ErrAVLNilRoot) || errors.Is(err, ErrAVLNodeNotFound) {
		return nil, false, ErrNoMatchingSub
	}
	if err != nil {
		return nil, false, err
	}
	sub = subOf(got)

	complete, err = ins.acceptFrame(sub, &f, now, out)
	if err == nil && complete {
		ins.Perf.addRxTransfer()
	}
	return sub, complete, err
}

func (ins *Instance) acceptFrame(sub *Sub, f *Frame, now time.Time, out *Transfer) (bool, error) {
	if !f.Src.IsUnicast(ins.cfg) {
		return true, ins.finishAnonymous(sub, f, now, out)
	}

	sess := sub.sessions[f.Src]
	if sess == nil {
		sess = &rxSession{}
		sub.sessions[f.Src] = sess
	}

	if f.Start {
		if sess.active && sess.tid == f.TID {
			return false, nil // retransmitted start-of-transfer for the one in progress
		}
		if sess.hasLastCompleted && sess.lastCompletedTID == f.TID {
			return false, nil // retransmission of an already-delivered transfer
		}
		// sess.toggle now holds the expected toggle of frame 2, per startNew.
		sess.startNew(f.TID, now, sub.CRCWidth)
	} else {
		timedOut := sub.TIDTimeout > 0 && now.Sub(sess.txTimestamp) > sub.TIDTimeout
		if !sess.active || timedOut || f.TID != sess.tid || f.Toggle != sess.toggle {
			return false, ErrProtocolViolation
		}
		// Accepted: advance the expectation to the frame after this one.
		sess.toggle = !sess.toggle
	}

	singleFrame := f.Start && f.End
	if singleFrame {
		sess.writePayload(sub.Extent, f.Payload())
	} else {
		sess.consume(sub.Extent, f.Payload())
	}

	if !f.End {
		return false, nil
	}

	if !singleFrame && sess.crcDigest() != sess.crcExpected() {
		sess.active = false
		return false, ErrProtocolViolation
	}

	out.Metadata = Metadata{Priority: f.Priority, Kind: f.Kind, Port: f.DataTypeID, Remote: f.Src, TID: f.TID}
	out.Timestamp = sess.txTimestamp
	out.Payload = append([]byte(nil), sess.payload...)

	sess.active = false
	sess.hasLastCompleted = true
	sess.lastCompletedTID = f.TID
	return true, nil
}

func (ins *Instance) finishAnonymous(sub *Sub, f *Frame, now time.Time, out *Transfer) error {
	payload := f.Payload()
	if sub.Extent < len(payload) {
		payload = payload[:sub.Extent]
	}
	out.Metadata = Metadata{Priority: f.Priority, Kind: f.Kind, Port: f.DataTypeID, Remote: NodeIDInvalid, TID: f.TID}
	out.Timestamp = now
	out.Payload = append([]byte(nil), payload...)
	return nil
}
