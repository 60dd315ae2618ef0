package transport

import (
	"time"
	"unsafe"
)

// MinEntryLifetime is the protocol-mandated floor on how long an outgoing-transfer
// registry entry is kept alive past its last use, regardless of the transfer
// interval observed for that key.
const MinEntryLifetime = 2 * time.Second

// RegistryKey identifies one outgoing-transfer registry entry: the destination
// (DataTypeID, TxKind, NodeID) triple that a TID sequence is tracked for.
type RegistryKey struct {
	DataTypeID PortID
	Kind       TxKind
	Node       NodeID
}

type registryEntry struct {
	// Must be first field due to use of unsafe.
	base     treeNode
	key      RegistryKey
	next     TID
	deadline time.Time
}

// OutgoingTransferRegistry maps (DataTypeID, TxKind, NodeID) to the next transfer
// ID to use for that destination, expiring entries opportunistically on access.
// There is no background sweeper: expiry is checked only when an entry is looked
// up or created, since the registry is small (bounded by the number of distinct
// destinations actually in use).
type OutgoingTransferRegistry struct {
	root *treeNode
}

func registryPredicate(userRef any, node *treeNode) int8 {
	key := userRef.(RegistryKey)
	e := registryEntryOf(node)
	switch {
	case key.DataTypeID != e.key.DataTypeID:
		return bsign(key.DataTypeID > e.key.DataTypeID)
	case key.Kind != e.key.Kind:
		return bsign(key.Kind > e.key.Kind)
	case key.Node != e.key.Node:
		return bsign(key.Node > e.key.Node)
	default:
		return 0
	}
}

func registryEntryOf(n *treeNode) *registryEntry {
	// base is the first field, matching the teacher's convention of embedding
	// treeNode as the head of the indexed struct so the two pointers alias.
	return (*registryEntry)(unsafe.Pointer(n))
}

// AccessOrCreate returns the TID to use next for key, creating a fresh entry
// (starting at TID 0) if none exists or the existing one has expired. now is the
// current monotonic time; deadline is the new expiry to record when (re)creating
// the entry, normally now + max(2*maxTransferInterval, MinEntryLifetime).
func (r *OutgoingTransferRegistry) AccessOrCreate(key RegistryKey, now, deadline time.Time) *TID {
	got, err := avlSearch(&r.root, key, registryPredicate, func(ref any) *treeNode {
		e := &registryEntry{key: ref.(RegistryKey)}
		return &e.base
	})
	if err != nil {
		return nil
	}
	e := registryEntryOf(got)
	if now.After(e.deadline) {
		e.next = 0
	}
	e.deadline = deadline
	return &e.next
}

// GC removes every entry whose deadline has passed as of now. The registry has no
// background sweeper; call this periodically from the host's timer loop if bounded
// memory matters more than the opportunistic expiry already performed by
// AccessOrCreate.
func (r *OutgoingTransferRegistry) GC(now time.Time) {
	var expired []*registryEntry
	r.root.traverse(func(n *treeNode) {
		e := registryEntryOf(n)
		if now.After(e.deadline) {
			expired = append(expired, e)
		}
	})
	for _, e := range expired {
		avlRemove(&r.root, &e.base)
	}
}

// Len reports the number of live entries, for tests and diagnostics.
func (r *OutgoingTransferRegistry) Len() int {
	n := 0
	r.root.traverse(func(*treeNode) { n++ })
	return n
}
