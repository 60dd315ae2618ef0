package transport

/// Parameter ranges are inclusive; the lower bound is zero for all. See the Cyphal/CAN
/// specification for background on the session-specifier bit layout this core assumes.
const (
	DefaultPriorityBitLen = 5
	DefaultTransferIDLen  = 5
	DefaultNodeIDLen      = 7

	SubjectIDMax = 8191 // fits the 16-bit message-type field at bits 23..8
	ServiceIDMax = 255  // fits the 8-bit service-type sub-field once dst(7)+reqresp(1) share bits 23..8 with it

	PayloadCapacity = 8 // CAN classic data bytes per frame; redefined if CAN FD is ever wired in.

	GuaranteedPayloadLenPerFrame = 7 // guaranteed single-frame capacity once the tail byte is subtracted
)

// flagServiceNotMessage is the lone Service/Message flag at bit 7 of the 29-bit
// extended CAN identifier. Message frames clear it, service frames set it; every
// other bit of the identifier belongs to priority, the transfer-type-specific
// field, or the source node ID, so no reserved bits remain to validate on parse.
// flagRequestNotResponse lives inside the transfer-type-specific field (bit 15)
// and only has meaning once flagServiceNotMessage is set.
const (
	flagServiceNotMessage  = 1 << 7
	flagRequestNotResponse = 1 << 15
)

// TxKind distinguishes the three transfer kinds carried on the bus.
type TxKind uint8

const (
	KindServiceResponse  TxKind = 0
	KindServiceRequest   TxKind = 1
	KindMessageBroadcast TxKind = 2

	numTxKinds = 3
)

func (k TxKind) String() string {
	switch k {
	case KindServiceResponse:
		return "ServiceResponse"
	case KindServiceRequest:
		return "ServiceRequest"
	case KindMessageBroadcast:
		return "MessageBroadcast"
	default:
		return "InvalidTxKind"
	}
}

const (
	tailStartOfTransfer = 0x80
	tailEndOfTransfer   = 0x40
	tailToggle          = 0x20

	mftNonLastFramePayloadMin = 7
)

// Priority level mnemonics per the recommendations given in the Cyphal specification.
const (
	PriorityExceptional = iota
	PriorityImmediate
	PriorityFast
	PriorityHigh
	PriorityNominal // default priority
	PriorityLow
	PrioritySlow
	PriorityOptional
)

// Extended CAN identifier layout, bit-exact per the session-specifier table:
// priority at bits 28..24, the transfer-type-specific field at bits 23..8
// (message-type ID for broadcasts; service-type ID, request/response flag and
// destination node ID for services), the Service/Message flag at bit 7, and the
// source node ID at bits 6..0. Config.validate bounds PriorityBitLen and
// NodeIDBitLen so no field can spill past its fixed neighbor.
const (
	offsetPriority  = 24
	offsetSubjectID = 8
	offsetServiceID = 16
	offsetDstNodeID = 8
)
