// Package cluster holds the node's shared, non-local view of itself and its
// peers (spec §3 "Data Model" and §4.6 "Cluster State"): the peer table, the
// per-peer load cache, the coordinator identity, the node's own state
// machine, and the in_flight/processed_total load signal.
package cluster

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/imgcluster/node/internal/config"
	"github.com/imgcluster/node/internal/logx"
)

// Timing constants fixed per spec §9: TTL = 2*T_hb, T_fail = 4*T_hb. These
// are the single coherent set the design settles on, exposed here as named
// constants rather than hard-coded throughout the control plane.
const (
	HeartbeatInterval = 5 * time.Second
	CacheTTL          = 10 * time.Second
	FailureTimeout    = 20 * time.Second
)

// NodeState is the tagged state of spec §3: only Active nodes answer
// requests, send heartbeats, or participate in elections.
type NodeState int

const (
	Active NodeState = iota
	Failed
	Recovering
)

func (s NodeState) String() string {
	switch s {
	case Active:
		return "Active"
	case Failed:
		return "Failed"
	case Recovering:
		return "Recovering"
	default:
		return "Unknown"
	}
}

// CachedLoadInfo is the tuple spec §3 describes, populated exclusively by
// heartbeats received from the identified peer.
type CachedLoadInfo struct {
	Load           float64
	ProcessedCount int64
	ReceivedAt     time.Time
}

// State is the per-node cluster view. All fields are shared across
// goroutines; the load cache and coordinator are guarded by mu, while
// in_flight/processed_total use atomics (spec §5).
type State struct {
	localID int
	peers   config.PeerTable
	log     logx.Logger

	mu          sync.RWMutex
	loadCache   map[int]CachedLoadInfo
	coordinator int
	nodeState   NodeState
	markedFailed map[int]bool

	inFlight       int64
	processedTotal int64
}

// New builds cluster State for localID with the given immutable peer table
// (spec invariant I1). The local node starts as its own coordinator and
// Active, matching a freshly started process with no election yet run.
func New(localID int, peers config.PeerTable, log logx.Logger) *State {
	return &State{
		localID:      localID,
		peers:        peers,
		log:          log,
		loadCache:    make(map[int]CachedLoadInfo),
		coordinator:  localID,
		nodeState:    Active,
		markedFailed: make(map[int]bool),
	}
}

// LocalID returns this node's id.
func (s *State) LocalID() int { return s.localID }

// PeerEndpoint returns the UDP endpoint for a peer id (spec §3 PeerTable).
func (s *State) PeerEndpoint(id int) (string, bool) {
	ep, ok := s.peers[id]
	return ep, ok
}

// PeerIDs returns every configured peer id, excluding the local node
// (invariant I1).
func (s *State) PeerIDs() []int {
	ids := make([]int, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// NodeState returns the local node's own state-machine value.
func (s *State) NodeState() NodeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeState
}

// SetNodeState transitions the local state machine (spec §4.6).
func (s *State) SetNodeState(state NodeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodeState != state {
		s.log.Info("node state %s -> %s", s.nodeState, state)
	}
	s.nodeState = state
}

// Coordinator returns the currently held coordinator id.
func (s *State) Coordinator() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.coordinator
}

// SetCoordinator updates the coordinator id. It refuses to set a peer
// already marked Failed by this node's own detector (invariant I2).
func (s *State) SetCoordinator(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.localID && s.markedFailed[id] {
		s.log.Warn("refusing to set coordinator to %d: locally marked Failed", id)
		return false
	}
	if s.coordinator != id {
		s.log.Info("coordinator %d -> %d", s.coordinator, id)
	}
	s.coordinator = id
	return true
}

// RecordHeartbeat writes a peer's self-reported load into the cache
// (invariant I5: never called for the local node's own id by callers).
func (s *State) RecordHeartbeat(from int, load float64, processed int64) {
	if from == s.localID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadCache[from] = CachedLoadInfo{Load: load, ProcessedCount: processed, ReceivedAt: time.Now()}
	// A heartbeat is proof of life: clear any local Failed marking.
	if s.markedFailed[from] {
		delete(s.markedFailed, from)
		s.log.Info("peer %d reachable again, clearing local Failed mark", from)
	}
}

// Fresh reports whether peer id's most recent heartbeat is within the cache
// TTL (spec §4.6, used for load-balancing candidacy).
func (s *State) Fresh(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.loadCache[id]
	if !ok {
		return false
	}
	return time.Since(info.ReceivedAt) <= CacheTTL
}

// Alive reports whether peer id's most recent heartbeat is within the
// failure timeout (spec §4.6, used for failure detection and elections).
func (s *State) Alive(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.loadCache[id]
	if !ok {
		return false
	}
	return time.Since(info.ReceivedAt) <= FailureTimeout
}

// LoadInfo returns the cached load tuple for a peer, if any (absent if
// never heard from).
func (s *State) LoadInfo(id int) (CachedLoadInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.loadCache[id]
	return info, ok
}

// MarkedFailed reports whether this node's own failure detector currently
// considers peer id Failed.
func (s *State) MarkedFailed(id int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markedFailed[id]
}

// DetectFailures scans the load cache for peers whose last heartbeat is
// older than FailureTimeout and marks them locally Failed (spec §4.7). It
// returns the ids newly marked this call, so the caller can trigger an
// election if the coordinator just became one of them.
func (s *State) DetectFailures() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var newlyFailed []int
	now := time.Now()
	for _, id := range s.peerIDsLocked() {
		info, ok := s.loadCache[id]
		stale := !ok || now.Sub(info.ReceivedAt) > FailureTimeout
		if stale && !s.markedFailed[id] {
			s.markedFailed[id] = true
			newlyFailed = append(newlyFailed, id)
			s.log.Warn("peer %d marked Failed locally (no heartbeat within %s)", id, FailureTimeout)
		}
	}
	return newlyFailed
}

func (s *State) peerIDsLocked() []int {
	ids := make([]int, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

// InFlight returns the current in-flight request count (spec §3 LoadSignal).
func (s *State) InFlight() int64 { return atomic.LoadInt64(&s.inFlight) }

// Load returns the self-reported load: in_flight as a float (spec §3).
func (s *State) Load() float64 { return float64(atomic.LoadInt64(&s.inFlight)) }

// ProcessedTotal returns the lifetime completed-request count.
func (s *State) ProcessedTotal() int64 { return atomic.LoadInt64(&s.processedTotal) }

// BeginRequest increments in_flight before C5 runs (spec §4.4 step 1,
// invariant I4). Callers must call EndRequest exactly once per BeginRequest,
// on every exit path.
func (s *State) BeginRequest() {
	atomic.AddInt64(&s.inFlight, 1)
}

// EndRequest decrements in_flight on completion, success or failure (spec
// §4.4 step 5, invariant I4).
func (s *State) EndRequest(succeeded bool) {
	atomic.AddInt64(&s.inFlight, -1)
	if succeeded {
		atomic.AddInt64(&s.processedTotal, 1)
	}
}
