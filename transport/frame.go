package transport

// CANFrame is the transport-agnostic CAN frame shape a driver adapter produces and
// consumes. It mirrors the classical 29-bit-extended CAN frame: an identifier plus
// up to 8 data bytes. A real socketcan/canbus binding is expected to convert to and
// from this type at the driver boundary.
type CANFrame struct {
	ID   uint32 // 29-bit extended identifier
	Data [PayloadCapacity]byte
	Len  uint8 // number of valid bytes in Data, 0..8
}

// Frame is one CAN-frame-sized protocol unit: a fixed 8-byte payload plus the
// decoded session-specifier fields and tail-byte flags.
type Frame struct {
	Priority    TransferPriority
	Kind        TxKind
	DataTypeID  PortID
	Src         NodeID
	Dst         NodeID
	TID         TID
	Start       bool
	End         bool
	Toggle      bool
	CRCWidth    uint8 // 16, 32, or 48
	payload     [PayloadCapacity]byte
	payloadSize int

	// AutoIncTID, when set, causes every frame after the first emitted for a
	// multi-frame transfer to carry an incremented transfer ID, starting from
	// BaseTID, instead of repeating a single TID for the whole transfer.
	AutoIncTID bool
	BaseTID    TID
}

// SetPayload copies up to GuaranteedPayloadLenPerFrame (7) bytes into the frame's
// buffer, returning the number actually written. One byte of the frame's 8-byte
// capacity is always reserved for the tail byte.
func (f *Frame) SetPayload(data []byte) int {
	n := len(data)
	if n > GuaranteedPayloadLenPerFrame {
		n = GuaranteedPayloadLenPerFrame
	}
	copy(f.payload[:], data[:n])
	f.payloadSize = n
	return n
}

func (f *Frame) Payload() []byte { return f.payload[:f.payloadSize] }

func (f *Frame) PayloadSize() int { return f.payloadSize }

// IsValid checks the invariants from the data model: transfer-type/destination
// correspondence, source/destination distinctness, and start/end/toggle
// consistency.
func (f *Frame) IsValid(cfg Config) bool {
	if (f.Kind == KindMessageBroadcast) != f.Dst.IsBroadcast() {
		return false
	}
	if f.Src.IsUnicast(cfg) && f.Src == f.Dst {
		return false
	}
	if f.Start && f.End && f.Toggle {
		return false
	}
	return true
}

// Compile renders the frame to its wire form: the session-specifier extended CAN
// ID, the payload bytes, and the tail byte.
func (f *Frame) Compile(cfg Config, out *CANFrame) bool {
	if out == nil || !f.IsValid(cfg) {
		return false
	}
	var id uint32
	switch f.Kind {
	case KindMessageBroadcast:
		src := uint32(f.Src)
		if !f.Src.IsUnicast(cfg) {
			// Anonymous: no real unicast node ever claims source ID 0, so it
			// doubles as the anonymous marker without a dedicated flag bit.
			src = uint32(NodeIDBroadcast)
		}
		id = uint32(f.DataTypeID)<<offsetSubjectID | src
	case KindServiceRequest, KindServiceResponse:
		id = flagServiceNotMessage | uint32(f.DataTypeID)<<offsetServiceID |
			uint32(f.Dst)<<offsetDstNodeID | uint32(f.Src)
		if f.Kind == KindServiceRequest {
			id |= flagRequestNotResponse
		}
	default:
		return false
	}
	id |= uint32(f.Priority) << offsetPriority

	out.ID = id
	n := copy(out.Data[:], f.payload[:f.payloadSize])
	out.Data[n] = f.tailByte()
	out.Len = uint8(n + 1)
	return true
}

func (f *Frame) tailByte() byte {
	var b byte
	b = byte(f.TID) & tidMask
	if f.Toggle {
		b |= tailToggle
	}
	if f.End {
		b |= tailEndOfTransfer
	}
	if f.Start {
		b |= tailStartOfTransfer
	}
	return b
}

const tidMask = 0x1F // 5-bit transfer ID field in the tail byte, fixed by the wire format

// Parse decodes a received CANFrame into Frame fields, validating the session
// specifier and tail byte per the invariants in the data model.
func (f *Frame) Parse(cfg Config, can *CANFrame) bool {
	if can == nil || can.Len == 0 {
		return false
	}
	id := can.ID
	f.Priority = TransferPriority(id>>offsetPriority) & TransferPriority((1<<cfg.PriorityBitLen)-1)
	f.Src = NodeID(id) & f.Src.max(cfg)

	valid := true
	if id&flagServiceNotMessage == 0 {
		f.Kind = KindMessageBroadcast
		f.DataTypeID = PortID(id>>offsetSubjectID) & SubjectIDMax
		if f.Src == NodeIDBroadcast {
			f.Src.Unset()
		}
		f.Dst = NodeIDBroadcast
	} else {
		if id&flagRequestNotResponse != 0 {
			f.Kind = KindServiceRequest
		} else {
			f.Kind = KindServiceResponse
		}
		f.DataTypeID = PortID(id>>offsetServiceID) & ServiceIDMax
		f.Dst = NodeID(id>>offsetDstNodeID) & f.Dst.max(cfg)
		valid = f.Src != f.Dst
	}

	payloadSize := int(can.Len) - 1
	if payloadSize < 0 {
		return false
	}
	f.payloadSize = payloadSize
	copy(f.payload[:], can.Data[:payloadSize])

	tail := can.Data[payloadSize]
	f.TID = TID(tail & tidMask)
	f.Start = tail&tailStartOfTransfer != 0
	f.End = tail&tailEndOfTransfer != 0
	f.Toggle = tail&tailToggle != 0

	valid = valid && (!f.Start || !f.Toggle)
	valid = valid && ((f.Start && f.End) || f.Src.IsUnicast(cfg))
	valid = valid && (payloadSize >= mftNonLastFramePayloadMin || f.End)
	valid = valid && (payloadSize > 0 || (f.Start && f.End))
	return valid
}
