package alloc

import (
	"math/rand"
	"time"

	"github.com/canshim/cyphal/transport"
)

// ServerState is the Raft server role, encoded as a tagged variant rather than
// nested conditionals so transitions are explicit and traceable in tests.
type ServerState uint8

const (
	StateFollower ServerState = iota
	StateCandidate
	StateLeader
)

func (s ServerState) String() string {
	switch s {
	case StateFollower:
		return "Follower"
	case StateCandidate:
		return "Candidate"
	case StateLeader:
		return "Leader"
	default:
		return "InvalidServerState"
	}
}

type pendingAppend struct {
	prevLogIndex int
	numEntries   int
}

// RaftCore implements the consensus state machine described in the Raft
// paper, specialized to the allocation server's needs: log entries are
// unique-ID-to-node-ID assignments, and the only client of commit
// notifications is the allocation handshake in server.go.
type RaftCore struct {
	self       transport.NodeID
	persistent *PersistentState
	cluster    *ClusterManager
	bus        Transport
	rng        *rand.Rand

	state       ServerState
	commitIndex int

	electionTimeoutMin time.Duration
	electionTimeoutMax time.Duration
	electionDeadline   time.Time
	heartbeatInterval  time.Duration
	lastHeartbeatSent  time.Time

	// activeMode starts false: a freshly started server listens for an
	// established cluster before taking initiative. Once it decides no
	// leader is reachable it activates permanently.
	activeMode       bool
	passiveTimeout   time.Duration
	lastPeerActivity time.Time

	votesReceived map[transport.NodeID]bool
	pending       map[transport.NodeID]pendingAppend
}

// NewRaftCore constructs a Follower with an unstarted election timer; call
// Init before Tick to seed lastPeerActivity/electionDeadline against a real
// clock reading.
func NewRaftCore(self transport.NodeID, persistent *PersistentState, cluster *ClusterManager, bus Transport, electionTimeout, heartbeatInterval time.Duration) *RaftCore {
	return &RaftCore{
		self:               self,
		persistent:         persistent,
		cluster:            cluster,
		bus:                bus,
		rng:                rand.New(rand.NewSource(int64(self) + 1)),
		state:              StateFollower,
		electionTimeoutMin: electionTimeout,
		electionTimeoutMax: electionTimeout * 2,
		heartbeatInterval:  heartbeatInterval,
		passiveTimeout:     electionTimeout * 4,
		pending:            make(map[transport.NodeID]pendingAppend),
	}
}

func (r *RaftCore) Init(now time.Time) {
	r.lastPeerActivity = now
	r.resetElectionDeadline(now)
}

func (r *RaftCore) State() ServerState { return r.state }

func (r *RaftCore) CommitIndex() int { return r.commitIndex }

func (r *RaftCore) IsLeader() bool { return r.state == StateLeader }

func (r *RaftCore) Self() transport.NodeID { return r.self }

func (r *RaftCore) Log() *Log { return r.persistent.Log() }

// Cluster exposes the known-servers set so a host node can publish and consume
// Discovery broadcasts without reaching into RaftCore's other internals.
func (r *RaftCore) Cluster() *ClusterManager { return r.cluster }

func (r *RaftCore) resetElectionDeadline(now time.Time) {
	span := r.electionTimeoutMax - r.electionTimeoutMin
	jitter := time.Duration(0)
	if span > 0 {
		jitter = time.Duration(r.rng.Int63n(int64(span)))
	}
	r.electionDeadline = now.Add(r.electionTimeoutMin + jitter)
}

// RecordPeerActivity is fed by the host whenever any Raft RPC or Discovery
// message from a peer is observed, regardless of outcome. It governs the
// active/passive mode transition, which is one-way: once activated, a server
// keeps starting elections even if peers reappear.
func (r *RaftCore) RecordPeerActivity(now time.Time) {
	r.lastPeerActivity = now
}

// Tick drives timer-based transitions: election timeout in Follower/Candidate,
// heartbeat interval in Leader. The host calls this from its event loop with
// a monotonic clock reading; there is no internal timer goroutine, matching
// the single-threaded cooperative scheduler model.
func (r *RaftCore) Tick(now time.Time) {
	if !r.activeMode && now.Sub(r.lastPeerActivity) > r.passiveTimeout {
		r.activeMode = true
	}
	switch r.state {
	case StateFollower:
		if r.activeMode && now.After(r.electionDeadline) {
			r.startElection(now)
		}
	case StateCandidate:
		if now.After(r.electionDeadline) {
			r.startElection(now)
		}
	case StateLeader:
		if now.Sub(r.lastHeartbeatSent) >= r.heartbeatInterval {
			r.sendHeartbeats(now)
		}
	}
}

func (r *RaftCore) transitionTo(next ServerState, now time.Time) {
	r.onExit(r.state)
	r.state = next
	r.onEnter(next, now)
}

func (r *RaftCore) onExit(s ServerState) {
	switch s {
	case StateLeader:
		r.pending = make(map[transport.NodeID]pendingAppend)
	}
}

func (r *RaftCore) onEnter(s ServerState, now time.Time) {
	switch s {
	case StateFollower:
		r.resetElectionDeadline(now)
	case StateCandidate:
		r.votesReceived = map[transport.NodeID]bool{r.self: true}
		r.resetElectionDeadline(now)
	case StateLeader:
		r.cluster.ResetAllServerIndices(r.persistent.Log().MaxIndex())
	}
}

func (r *RaftCore) startElection(now time.Time) {
	r.persistent.SetCurrentTerm(r.persistent.CurrentTerm() + 1)
	r.persistent.SetVotedFor(r.self)
	r.transitionTo(StateCandidate, now)

	req := RequestVoteRequest{
		Term:         r.persistent.CurrentTerm(),
		CandidateID:  r.self,
		LastLogIndex: r.persistent.Log().MaxIndex(),
		LastLogTerm:  r.persistent.Log().LastTerm(),
	}
	for _, s := range r.cluster.Servers() {
		r.bus.SendRequestVote(s.NodeID, req)
	}
	if r.state == StateCandidate && len(r.votesReceived) >= r.cluster.GetQuorumSize() {
		// Single-node cluster: the candidate's own vote already satisfies
		// quorum, and there are no peers left to respond.
		r.transitionTo(StateLeader, now)
		r.sendHeartbeats(now)
	}
}

func (r *RaftCore) stepDown(term uint64, now time.Time) {
	r.persistent.SetCurrentTerm(term)
	r.persistent.SetVotedFor(transport.NodeIDInvalid)
	if r.state != StateFollower {
		r.transitionTo(StateFollower, now)
	}
}

// HandleRequestVote applies the RequestVote.grant rule from the spec: term
// admissible, vote not already committed elsewhere this term, and the
// candidate's log at least as up-to-date as ours.
func (r *RaftCore) HandleRequestVote(now time.Time, req RequestVoteRequest) RequestVoteResponse {
	r.RecordPeerActivity(now)
	if req.Term > r.persistent.CurrentTerm() {
		r.stepDown(req.Term, now)
	}
	current := r.persistent.CurrentTerm()
	if req.Term < current {
		return RequestVoteResponse{Term: current, VoteGranted: false}
	}
	votedFor := r.persistent.VotedFor()
	eligible := votedFor == transport.NodeIDInvalid || votedFor == req.CandidateID
	upToDate := r.persistent.Log().IsOtherLogUpToDate(req.LastLogIndex, req.LastLogTerm)
	grant := eligible && upToDate
	if grant {
		r.persistent.SetVotedFor(req.CandidateID)
		r.resetElectionDeadline(now) // reset timeout on granting a vote
	}
	return RequestVoteResponse{Term: r.persistent.CurrentTerm(), VoteGranted: grant}
}

func (r *RaftCore) HandleRequestVoteResponse(now time.Time, from transport.NodeID, resp RequestVoteResponse) {
	if resp.Term > r.persistent.CurrentTerm() {
		r.stepDown(resp.Term, now)
		return
	}
	if r.state != StateCandidate || resp.Term < r.persistent.CurrentTerm() || !resp.VoteGranted {
		return
	}
	r.votesReceived[from] = true
	if len(r.votesReceived) >= r.cluster.GetQuorumSize() {
		r.transitionTo(StateLeader, now)
		r.sendHeartbeats(now)
	}
}

func (r *RaftCore) sendHeartbeats(now time.Time) {
	r.lastHeartbeatSent = now
	for _, s := range r.cluster.Servers() {
		r.sendAppendEntriesTo(s.NodeID)
	}
}

func (r *RaftCore) sendAppendEntriesTo(peer transport.NodeID) {
	next := r.cluster.GetServerNextIndex(peer)
	if next < 1 {
		next = r.persistent.Log().MaxIndex() + 1
		r.cluster.SetServerNextIndex(peer, next)
	}
	prevIndex := next - 1
	prevEntry, _ := r.persistent.Log().GetEntryAtIndex(prevIndex)

	var entries []LogEntry
	for i := next; i <= r.persistent.Log().MaxIndex(); i++ {
		e, _ := r.persistent.Log().GetEntryAtIndex(i)
		entries = append(entries, e)
	}
	r.pending[peer] = pendingAppend{prevLogIndex: prevIndex, numEntries: len(entries)}
	r.bus.SendAppendEntries(peer, AppendEntriesRequest{
		Term:         r.persistent.CurrentTerm(),
		LeaderID:     r.self,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevEntry.Term,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	})
}

// HandleAppendEntries applies the AppendEntries.success rule: term match
// after step-down, prev-log consistency check with truncate-on-mismatch, then
// append and commit-index advancement.
func (r *RaftCore) HandleAppendEntries(now time.Time, req AppendEntriesRequest) AppendEntriesResponse {
	r.RecordPeerActivity(now)
	if req.Term > r.persistent.CurrentTerm() {
		r.stepDown(req.Term, now)
	} else if req.Term >= r.persistent.CurrentTerm() && r.state == StateCandidate {
		r.transitionTo(StateFollower, now)
	}
	current := r.persistent.CurrentTerm()
	if req.Term < current {
		return AppendEntriesResponse{Term: current, Success: false}
	}
	r.resetElectionDeadline(now)

	log := r.persistent.Log()
	if req.PrevLogIndex > 0 {
		entry, ok := log.GetEntryAtIndex(req.PrevLogIndex)
		if !ok || entry.Term != req.PrevLogTerm {
			return AppendEntriesResponse{Term: current, Success: false}
		}
	}
	if len(req.Entries) > 0 {
		log.RemoveEntriesWhereIndexGreaterOrEqual(req.PrevLogIndex + 1)
		for _, e := range req.Entries {
			log.Append(e)
		}
	}
	if req.LeaderCommit > r.commitIndex {
		r.commitIndex = req.LeaderCommit
		if log.MaxIndex() < r.commitIndex {
			r.commitIndex = log.MaxIndex()
		}
	}
	return AppendEntriesResponse{Term: current, Success: true}
}

func (r *RaftCore) HandleAppendEntriesResponse(now time.Time, from transport.NodeID, resp AppendEntriesResponse) {
	if resp.Term > r.persistent.CurrentTerm() {
		r.stepDown(resp.Term, now)
		return
	}
	if r.state != StateLeader {
		return
	}
	sent, ok := r.pending[from]
	if !ok {
		return
	}
	if resp.Success {
		match := sent.prevLogIndex + sent.numEntries
		r.cluster.SetServerMatchIndex(from, match)
		r.cluster.SetServerNextIndex(from, match+1)
		r.advanceCommitIndex()
	} else {
		r.cluster.DecrementServerNextIndex(from)
	}
}

// advanceCommitIndex finds the greatest N > commitIndex backed by a quorum of
// match_index >= N whose entry was appended during the current term (Raft
// never commits an older-term entry solely by counting replicas).
func (r *RaftCore) advanceCommitIndex() {
	log := r.persistent.Log()
	quorum := r.cluster.GetQuorumSize()
	current := r.persistent.CurrentTerm()
	for n := log.MaxIndex(); n > r.commitIndex; n-- {
		entry, ok := log.GetEntryAtIndex(n)
		if !ok || entry.Term != current {
			continue
		}
		count := 1 // self
		for _, s := range r.cluster.Servers() {
			if s.MatchIndex >= n {
				count++
			}
		}
		if count >= quorum {
			r.commitIndex = n
			return
		}
	}
}

// AppendLocal appends a new entry as leader and returns its index. The caller
// (the allocation server) waits for CommitIndex to reach that index before
// treating the assignment as durable.
func (r *RaftCore) AppendLocal(entry LogEntry) (int, bool) {
	entry.Term = r.persistent.CurrentTerm()
	if !r.persistent.Log().Append(entry) {
		return 0, false
	}
	index := r.persistent.Log().MaxIndex()
	if r.cluster.GetQuorumSize() <= 1 {
		r.advanceCommitIndex()
	}
	return index, true
}

// TraverseLogFromEndUntil walks log entries, committed or not, from the highest
// index down to 1 (0 is the sentinel, always skipped), returning the first entry for
// which predicate holds. The source material's equivalent loop,
// `for (int index = maxIndex; index--; index >= 0)`, evaluates its
// post-decrement condition against the pre-decrement value and never
// terminates on underflow as intended; this is a plain bounded loop instead.
func (r *RaftCore) TraverseLogFromEndUntil(predicate func(int, LogEntry) bool) (int, LogEntry, bool) {
	log := r.persistent.Log()
	for index := log.MaxIndex(); index >= 1; index-- {
		entry, ok := log.GetEntryAtIndex(index)
		if !ok {
			continue
		}
		if predicate(index, entry) {
			return index, entry, true
		}
	}
	return 0, LogEntry{}, false
}
