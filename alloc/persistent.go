package alloc

import "github.com/canshim/cyphal/transport"

// PersistentState wraps the fields Raft must survive a restart with:
// current_term, voted_for, and the log. Setters write through to storage with
// the read-back check baked into MarshallingStorage; a failed write is
// reported to the caller rather than silently accepted.
type PersistentState struct {
	storage     *MarshallingStorage
	log         *Log
	currentTerm uint64
	votedFor    transport.NodeID
}

func NewPersistentState(storage *MarshallingStorage, cfg transport.Config) *PersistentState {
	return &PersistentState{
		storage:  storage,
		log:      NewLog(storage, cfg),
		votedFor: transport.NodeIDInvalid,
	}
}

// Init recovers current_term, voted_for and the log from storage. Any missing
// or unparsable field is treated as the initial state for that field, per the
// storage layer's corruption-tolerance policy.
func (p *PersistentState) Init() {
	if term, ok := p.storage.GetUint("current_term"); ok {
		p.currentTerm = term
	} else {
		p.currentTerm = 0
	}
	if voted, ok := p.storage.GetUint("voted_for"); ok {
		p.votedFor = transport.NodeID(voted)
	} else {
		p.votedFor = transport.NodeIDInvalid
	}
	p.log.Init()
}

func (p *PersistentState) CurrentTerm() uint64 { return p.currentTerm }

func (p *PersistentState) VotedFor() transport.NodeID { return p.votedFor }

func (p *PersistentState) Log() *Log { return p.log }

// SetCurrentTerm write-throughs the new term. On storage failure the in-memory
// value is left unchanged; the caller retries on the next heartbeat/timeout,
// matching the StorageFailure policy (never fatal, idempotent retry).
func (p *PersistentState) SetCurrentTerm(term uint64) bool {
	if !p.storage.SetUint("current_term", term) {
		return false
	}
	p.currentTerm = term
	return true
}

func (p *PersistentState) SetVotedFor(node transport.NodeID) bool {
	if !p.storage.SetUint("voted_for", uint64(node)) {
		return false
	}
	p.votedFor = node
	return true
}
