package alloc

import (
	"strconv"

	"github.com/canshim/cyphal/transport"
)

// LogEntry is one committed (or provisional) unique-ID-to-node-ID assignment.
type LogEntry struct {
	Term     uint64
	UniqueID UniqueID
	NodeID   transport.NodeID
}

// Log is the Raft replicated log of allocation entries. Capacity is bounded by
// the number of representable node IDs plus one: index 0 is a sentinel empty
// entry, never assigned to, so getEntryAtIndex(0) always returns it and
// traversal starting from index 1 never sees a false match.
type Log struct {
	storage  *MarshallingStorage
	entries  []LogEntry
	maxIndex int
}

// capacityFor sizes the log at NodeID.Max+1, per the original design: at most
// one log entry can ever be committed per representable node ID.
func capacityFor(cfg transport.Config) int {
	return 1 << cfg.NodeIDBitLen
}

// NewLog constructs a Log over storage, sized for cfg's node-ID space. Callers
// must call Init before using the log.
func NewLog(storage *MarshallingStorage, cfg transport.Config) *Log {
	return &Log{
		storage: storage,
		entries: make([]LogEntry, capacityFor(cfg)),
	}
}

func logKey(prefix string, index int) string {
	return prefix + strconv.Itoa(index)
}

// Init reconstructs the log from storage: log_last_index, then for each index
// in [1, last_index] the term/unique_id/node_id triple.
func (l *Log) Init() {
	last, ok := l.storage.GetDecimal("log_last_index")
	if !ok {
		l.maxIndex = 0
		return
	}
	l.maxIndex = 0
	for i := 1; i <= int(last) && i < len(l.entries); i++ {
		term, ok1 := l.storage.GetUint(logKey("log_term", i))
		id, ok2 := l.storage.GetUniqueID(logKey("log_unique_id", i))
		node, ok3 := l.storage.GetDecimal(logKey("log_node_id", i))
		if !ok1 || !ok2 || !ok3 {
			break
		}
		l.entries[i] = LogEntry{Term: term, UniqueID: id, NodeID: transport.NodeID(node)}
		l.maxIndex = i
	}
}

// Append writes entry at maxIndex+1 and advances log_last_index. If any
// sub-write fails its read-back check, maxIndex is left unchanged and the
// entry is not considered part of the log.
func (l *Log) Append(entry LogEntry) bool {
	next := l.maxIndex + 1
	if next >= len(l.entries) {
		return false
	}
	ok := l.storage.SetUint(logKey("log_term", next), entry.Term) &&
		l.storage.SetUniqueID(logKey("log_unique_id", next), entry.UniqueID) &&
		l.storage.SetDecimal(logKey("log_node_id", next), uint64(entry.NodeID)) &&
		l.storage.SetDecimal("log_last_index", uint64(next))
	if !ok {
		return false
	}
	l.entries[next] = entry
	l.maxIndex = next
	return true
}

// RemoveEntriesWhereIndexGreaterOrEqual truncates the log so entries at index
// i and beyond are logically absent, even though their storage slots may
// still be readable until overwritten by a future Append.
func (l *Log) RemoveEntriesWhereIndexGreaterOrEqual(i int) {
	if i <= 0 {
		i = 1
	}
	l.maxIndex = i - 1
	l.storage.SetDecimal("log_last_index", uint64(l.maxIndex))
}

// GetEntryAtIndex returns the sentinel empty entry for index 0, the stored
// entry for 1 <= index <= MaxIndex, and false beyond the current log length.
func (l *Log) GetEntryAtIndex(i int) (LogEntry, bool) {
	if i == 0 {
		return LogEntry{}, true
	}
	if i < 0 || i > l.maxIndex {
		return LogEntry{}, false
	}
	return l.entries[i], true
}

func (l *Log) MaxIndex() int { return l.maxIndex }

func (l *Log) LastTerm() uint64 {
	if l.maxIndex == 0 {
		return 0
	}
	return l.entries[l.maxIndex].Term
}

// IsOtherLogUpToDate implements Raft's up-to-date comparison: a candidate's
// log is at least as up-to-date as ours if its last term is strictly greater,
// or the terms are equal and its last index is at least ours.
func (l *Log) IsOtherLogUpToDate(otherLastIndex int, otherLastTerm uint64) bool {
	localTerm := l.LastTerm()
	if otherLastTerm != localTerm {
		return otherLastTerm > localTerm
	}
	return otherLastIndex >= l.maxIndex
}
