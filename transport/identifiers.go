package transport

// Config carries the identifier bit-widths for one dispatcher instance. The source
// material mutates process-wide bit-width constants for TransferID, TransferPriority
// and NodeID; that races with every subscriber and encoder sharing the process, so
// here the widths are an immutable value threaded through construction instead.
type Config struct {
	PriorityBitLen   uint8
	TransferIDBitLen uint8
	NodeIDBitLen     uint8
}

// DefaultConfig returns the widths recommended by the Cyphal/CAN specification.
func DefaultConfig() Config {
	return Config{
		PriorityBitLen:   DefaultPriorityBitLen,
		TransferIDBitLen: DefaultTransferIDLen,
		NodeIDBitLen:     DefaultNodeIDLen,
	}
}

// validate bounds each width against the bit budget actually available to it in
// the fixed wire layout: 5 bits for Priority (bits 28..24 of the CAN ID), 7 bits
// for NodeID (the source field occupies bits 6..0, and the destination sub-field
// packed into the service session-specifier is sized to match), and 5 bits for
// TransferID (the tail byte's TID field is a fixed 5-bit mask). A wider value
// would silently overflow into its neighboring field instead of being rejected.
func (c Config) validate() bool {
	return c.PriorityBitLen > 0 && c.PriorityBitLen <= 5 &&
		c.TransferIDBitLen > 0 && c.TransferIDBitLen <= 5 &&
		c.NodeIDBitLen > 0 && c.NodeIDBitLen <= 7
}

// TransferPriority is a small unsigned integer; numerically smaller means higher
// priority on the bus.
type TransferPriority uint8

func (p TransferPriority) IsValid(cfg Config) bool {
	return uint(p) < (uint(1) << cfg.PriorityBitLen)
}

// DefaultPriority returns the mid-range priority value for the given bit-width.
func DefaultPriority(cfg Config) TransferPriority {
	return TransferPriority(uint(1) << cfg.PriorityBitLen / 2)
}

// TID is the modular transfer-ID counter. Named TID (not TransferID) to match the
// teacher's tail-byte and queue code, which spells it that way throughout.
type TID uint8

func (t TID) max(cfg Config) TID {
	return TID((uint(1) << cfg.TransferIDBitLen) - 1)
}

// Increment advances the counter, wrapping modulo 2^BitLen.
func (t TID) Increment(cfg Config) TID {
	return (t + 1) & t.max(cfg)
}

// ComputeForwardDistance returns (rhs - t) mod 2^BitLen, i.e. the number of
// Increment() calls needed to reach rhs starting from t.
func (t TID) ComputeForwardDistance(cfg Config, rhs TID) TID {
	d := int(rhs) - int(t)
	if d < 0 {
		d += int(uint(1) << cfg.TransferIDBitLen)
	}
	return TID(d) & t.max(cfg)
}

// NodeID is a small unsigned node identifier. 0 is the broadcast address; 0xFF is
// the reserved "invalid" / unassigned sentinel regardless of configured bit-width.
type NodeID uint8

const (
	NodeIDBroadcast NodeID = 0
	NodeIDInvalid   NodeID = 0xFF
)

func (n NodeID) max(cfg Config) NodeID {
	return NodeID((uint(1) << cfg.NodeIDBitLen) - 1)
}

// MaxRecommendedForRegularNodes excludes the top two node IDs, conventionally
// reserved for diagnostic/bootloader tooling.
func (n NodeID) MaxRecommendedForRegularNodes(cfg Config) NodeID {
	return n.max(cfg) - 2
}

//go:inline
func (n NodeID) IsUnset() bool { return n == NodeIDInvalid }

//go:inline
func (n *NodeID) Unset() { *n = NodeIDInvalid }

// IsValid reports whether n is either the broadcast address or a representable
// unicast address for cfg; it does not admit NodeIDInvalid.
func (n NodeID) IsValid(cfg Config) bool { return n <= n.max(cfg) }

func (n NodeID) IsBroadcast() bool { return n == NodeIDBroadcast }

func (n NodeID) IsUnicast(cfg Config) bool {
	return n.IsValid(cfg) && !n.IsBroadcast()
}

// PortID identifies a subject (message) or service within its respective namespace.
type PortID uint32
