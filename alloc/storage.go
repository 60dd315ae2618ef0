// Package alloc implements the dynamic node-ID allocation server: a small Raft
// cluster of nodes agreeing on unique-ID-to-node-ID assignments, replicated to a
// key-value storage backend.
package alloc

import (
	"encoding/hex"
	"strconv"
)

// StorageBackend is the key-value abstraction the Raft persistent state and log
// are built on. Keys and values are restricted to [A-Za-z0-9_], at most 32 bytes.
// Get returns "" on miss; Set with an empty value deletes the entry. Callers are
// expected to keep both operations well under 50ms, though the interface itself
// cannot enforce timing.
type StorageBackend interface {
	Get(key string) string
	Set(key, value string)
}

// MarshallingStorage decorates a StorageBackend with typed accessors: unsigned
// integers as lowercase hex with no leading zeros, and 128-bit unique IDs as
// 32-character lowercase hex. Every write is verified by reading back the value
// it just wrote.
type MarshallingStorage struct {
	Backend StorageBackend
}

func NewMarshallingStorage(backend StorageBackend) *MarshallingStorage {
	return &MarshallingStorage{Backend: backend}
}

// SetAndGetBack writes value under key and confirms the read-back matches,
// forcing the caller to treat any storage-layer corruption or truncation as a
// failed write rather than silently trusting it.
func (m *MarshallingStorage) SetAndGetBack(key, value string) bool {
	m.Backend.Set(key, value)
	return m.Backend.Get(key) == value
}

func (m *MarshallingStorage) GetUint(key string) (uint64, bool) {
	raw := m.Backend.Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (m *MarshallingStorage) SetUint(key string, v uint64) bool {
	return m.SetAndGetBack(key, strconv.FormatUint(v, 16))
}

func (m *MarshallingStorage) GetDecimal(key string) (uint64, bool) {
	raw := m.Backend.Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (m *MarshallingStorage) SetDecimal(key string, v uint64) bool {
	return m.SetAndGetBack(key, strconv.FormatUint(v, 10))
}

func (m *MarshallingStorage) GetUniqueID(key string) (UniqueID, bool) {
	raw := m.Backend.Get(key)
	if len(raw) != 32 {
		return UniqueID{}, false
	}
	var id UniqueID
	n, err := hex.Decode(id[:], []byte(raw))
	if err != nil || n != len(id) {
		return UniqueID{}, false
	}
	return id, true
}

func (m *MarshallingStorage) SetUniqueID(key string, id UniqueID) bool {
	return m.SetAndGetBack(key, hex.EncodeToString(id[:]))
}
