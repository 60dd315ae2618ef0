package alloc

import "github.com/google/uuid"

// UniqueID is the 128-bit identity a node advertises during allocation. It is
// opaque to the protocol beyond byte-equality; NewUniqueID seeds one from a
// random UUIDv4 for hosts that don't derive an identity from hardware.
type UniqueID [16]byte

func NewUniqueID() UniqueID {
	return UniqueID(uuid.New())
}

func (id UniqueID) String() string {
	return uuid.UUID(id).String()
}
