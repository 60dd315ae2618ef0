package cyphal

import (
	"encoding/binary"

	"github.com/canshim/cyphal/alloc"
	"github.com/canshim/cyphal/transport"
)

// Wire encoding for the Raft RPCs and the allocation/status broadcasts this
// package carries over Cyphal. None of these are DSDL: the allocation server
// is built from scratch (the source material never shipped a Raft transport
// binding), so the layout here is this package's own, little-endian and
// length-prefixed in the same spirit as the teacher's CRC-prefixed multi-frame
// payloads. A node on both ends of a link must run the same version.

func encodeNodeIDs(ids []transport.NodeID) []byte {
	buf := make([]byte, 1, 1+len(ids))
	buf[0] = byte(len(ids))
	for _, id := range ids {
		buf = append(buf, byte(id))
	}
	return buf
}

func decodeNodeIDs(b []byte) []transport.NodeID {
	if len(b) == 0 {
		return nil
	}
	n := int(b[0])
	b = b[1:]
	if n > len(b) {
		n = len(b)
	}
	ids := make([]transport.NodeID, n)
	for i := 0; i < n; i++ {
		ids[i] = transport.NodeID(b[i])
	}
	return ids
}

func encodeDiscovery(d alloc.Discovery) []byte {
	return encodeNodeIDs(d.KnownNodes)
}

func decodeDiscovery(b []byte) alloc.Discovery {
	return alloc.Discovery{KnownNodes: decodeNodeIDs(b)}
}

func encodeRequestVoteRequest(r alloc.RequestVoteRequest) []byte {
	buf := make([]byte, 0, 8+1+8+8)
	buf = binary.LittleEndian.AppendUint64(buf, r.Term)
	buf = append(buf, byte(r.CandidateID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.LastLogIndex))
	buf = binary.LittleEndian.AppendUint64(buf, r.LastLogTerm)
	return buf
}

func decodeRequestVoteRequest(b []byte) alloc.RequestVoteRequest {
	if len(b) < 25 {
		return alloc.RequestVoteRequest{}
	}
	return alloc.RequestVoteRequest{
		Term:         binary.LittleEndian.Uint64(b[0:8]),
		CandidateID:  transport.NodeID(b[8]),
		LastLogIndex: int(binary.LittleEndian.Uint64(b[9:17])),
		LastLogTerm:  binary.LittleEndian.Uint64(b[17:25]),
	}
}

func encodeRequestVoteResponse(r alloc.RequestVoteResponse) []byte {
	buf := make([]byte, 0, 9)
	buf = binary.LittleEndian.AppendUint64(buf, r.Term)
	if r.VoteGranted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeRequestVoteResponse(b []byte) alloc.RequestVoteResponse {
	if len(b) < 9 {
		return alloc.RequestVoteResponse{}
	}
	return alloc.RequestVoteResponse{
		Term:        binary.LittleEndian.Uint64(b[0:8]),
		VoteGranted: b[8] != 0,
	}
}

func encodeLogEntry(e alloc.LogEntry) []byte {
	buf := make([]byte, 0, 8+16+1)
	buf = binary.LittleEndian.AppendUint64(buf, e.Term)
	buf = append(buf, e.UniqueID[:]...)
	buf = append(buf, byte(e.NodeID))
	return buf
}

const logEntrySize = 8 + 16 + 1

func decodeLogEntry(b []byte) alloc.LogEntry {
	var e alloc.LogEntry
	if len(b) < logEntrySize {
		return e
	}
	e.Term = binary.LittleEndian.Uint64(b[0:8])
	copy(e.UniqueID[:], b[8:24])
	e.NodeID = transport.NodeID(b[24])
	return e
}

func encodeAppendEntriesRequest(r alloc.AppendEntriesRequest) []byte {
	buf := make([]byte, 0, 8+1+8+8+8+2+len(r.Entries)*logEntrySize)
	buf = binary.LittleEndian.AppendUint64(buf, r.Term)
	buf = append(buf, byte(r.LeaderID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.PrevLogIndex))
	buf = binary.LittleEndian.AppendUint64(buf, r.PrevLogTerm)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.LeaderCommit))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Entries)))
	for _, e := range r.Entries {
		buf = append(buf, encodeLogEntry(e)...)
	}
	return buf
}

func decodeAppendEntriesRequest(b []byte) alloc.AppendEntriesRequest {
	var r alloc.AppendEntriesRequest
	if len(b) < 35 {
		return r
	}
	r.Term = binary.LittleEndian.Uint64(b[0:8])
	r.LeaderID = transport.NodeID(b[8])
	r.PrevLogIndex = int(binary.LittleEndian.Uint64(b[9:17]))
	r.PrevLogTerm = binary.LittleEndian.Uint64(b[17:25])
	r.LeaderCommit = int(binary.LittleEndian.Uint64(b[25:33]))
	n := int(binary.LittleEndian.Uint16(b[33:35]))
	rest := b[35:]
	for i := 0; i < n && len(rest) >= logEntrySize; i++ {
		r.Entries = append(r.Entries, decodeLogEntry(rest[:logEntrySize]))
		rest = rest[logEntrySize:]
	}
	return r
}

func encodeAppendEntriesResponse(r alloc.AppendEntriesResponse) []byte {
	buf := make([]byte, 0, 9)
	buf = binary.LittleEndian.AppendUint64(buf, r.Term)
	if r.Success {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func decodeAppendEntriesResponse(b []byte) alloc.AppendEntriesResponse {
	if len(b) < 9 {
		return alloc.AppendEntriesResponse{}
	}
	return alloc.AppendEntriesResponse{
		Term:    binary.LittleEndian.Uint64(b[0:8]),
		Success: b[8] != 0,
	}
}

// The Allocation broadcast has two wire shapes, chosen by who's sending it.
// A requester's frame is anonymous (unset CAN source address), which caps it
// at GuaranteedPayloadLenPerFrame bytes in transport.Sender.Send; so the
// request shape carries only a flags byte and the fragment, never the source
// or assigned-node-ID fields (both implicit: source is "anonymous", assigned
// ID is always still unknown). A leader's reply is unicast-sourced and may
// span multiple frames, so it adds the assigned node ID. Either way, Source
// is never carried on the wire: the dispatcher derives it from the CAN
// frame's actual source address (NodeIDInvalid means anonymous, i.e.
// Source=NodeIDBroadcast in the alloc package's convention).

func encodeAllocationRequest(firstStage bool, fragment []byte) []byte {
	var flags byte
	if firstStage {
		flags |= 1
	}
	buf := make([]byte, 0, 1+len(fragment))
	buf = append(buf, flags)
	buf = append(buf, fragment...)
	return buf
}

func decodeAllocationRequest(b []byte) alloc.Allocation {
	if len(b) < 1 {
		return alloc.Allocation{}
	}
	return alloc.Allocation{
		FirstStage:       b[0]&1 != 0,
		AssignedNodeID:   transport.NodeIDInvalid,
		Source:           transport.NodeIDBroadcast,
		UniqueIDFragment: append([]byte(nil), b[1:]...),
	}
}

func encodeAllocationReply(firstStage bool, assignedNodeID transport.NodeID, fragment []byte) []byte {
	var flags byte
	if firstStage {
		flags |= 1
	}
	buf := make([]byte, 0, 2+len(fragment))
	buf = append(buf, flags, byte(assignedNodeID))
	buf = append(buf, fragment...)
	return buf
}

func decodeAllocationReply(b []byte, source transport.NodeID) alloc.Allocation {
	if len(b) < 2 {
		return alloc.Allocation{Source: source}
	}
	return alloc.Allocation{
		FirstStage:       b[0]&1 != 0,
		AssignedNodeID:   transport.NodeID(b[1]),
		Source:           source,
		UniqueIDFragment: append([]byte(nil), b[2:]...),
	}
}

// healthOK is uavcan.protocol.NodeStatus.HEALTH_OK: the node is operating
// normally with no known faults.
const healthOK = 0

// nodeStatus mirrors the handful of uavcan.protocol.NodeStatus fields this
// package actually consumes: just enough to know a node is alive, which is
// what triggers a GetNodeInfo round trip during collision detection.
type nodeStatus struct {
	UptimeSec uint32
	Health    uint8
	Mode      uint8
}

func encodeNodeStatus(s nodeStatus) []byte {
	buf := make([]byte, 0, 6)
	buf = binary.LittleEndian.AppendUint32(buf, s.UptimeSec)
	buf = append(buf, s.Health, s.Mode)
	return buf
}

func decodeNodeStatus(b []byte) nodeStatus {
	if len(b) < 6 {
		return nodeStatus{}
	}
	return nodeStatus{
		UptimeSec: binary.LittleEndian.Uint32(b[0:4]),
		Health:    b[4],
		Mode:      b[5],
	}
}

// getNodeInfoResponse carries just the unique ID field GetNodeInfo responses
// provide; the full DSDL type also carries software/hardware version and a
// name string, neither of which the collision detector needs.
type getNodeInfoResponse struct {
	UniqueID alloc.UniqueID
}

func encodeGetNodeInfoResponse(r getNodeInfoResponse) []byte {
	return append([]byte(nil), r.UniqueID[:]...)
}

func decodeGetNodeInfoResponse(b []byte) getNodeInfoResponse {
	var r getNodeInfoResponse
	if len(b) < 16 {
		return r
	}
	copy(r.UniqueID[:], b[:16])
	return r
}
