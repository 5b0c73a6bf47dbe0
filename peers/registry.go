package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/meshworks/fedsync/common"
)

// PeerState is the directory record for a known remote federation. Records
// are never deleted, only marked unreachable.
type PeerState struct {
	Peer

	LastCheckpointID string
	LastEpoch        uint64
	Reachable        bool
	LastSeen         time.Time
	// LatencyMs is an exponentially weighted moving average of round-trip
	// times to the peer.
	LatencyMs float64
	// Trust is the peer's trust score in [0,1].
	Trust float64
	// QuorumExcluded is set when the peer was caught equivocating; its
	// signatures no longer count towards checkpoint quorums.
	QuorumExcluded bool
}

// Registry is the single owned container for peer-federation state. Only the
// peer directory and the trust ledger mutate it; sync sessions and the
// reconciler receive it explicitly and read through snapshots.
type Registry struct {
	mtx   sync.RWMutex
	peers map[string]*PeerState // pubKeyHex => state
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[string]*PeerState),
	}
}

// Upsert adds a peer to the registry, or refreshes its address and moniker if
// it is already known. New peers start with a neutral trust score.
func (r *Registry) Upsert(peer *Peer) *PeerState {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	state, ok := r.peers[peer.PubKeyHex]
	if !ok {
		state = &PeerState{
			Peer:      *peer,
			Reachable: true,
			Trust:     0.5,
			LastSeen:  time.Now(),
		}
		r.peers[peer.PubKeyHex] = state
		return state
	}

	state.NetAddr = peer.NetAddr
	if peer.Moniker != "" {
		state.Moniker = peer.Moniker
	}
	return state
}

// Get returns a copy of a peer's state.
func (r *Registry) Get(pubKeyHex string) (PeerState, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	state, ok := r.peers[pubKeyHex]
	if !ok {
		return PeerState{}, common.NewStoreErr("Registry", common.UnknownFederation, pubKeyHex)
	}
	return *state, nil
}

// Snapshot returns copies of all peer states, sorted by public key for
// deterministic iteration.
func (r *Registry) Snapshot() []PeerState {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	res := make([]PeerState, 0, len(r.peers))
	for _, state := range r.peers {
		res = append(res, *state)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].PubKeyHex < res[j].PubKeyHex
	})
	return res
}

// Reachable returns the reachable subset of the registry.
func (r *Registry) Reachable() []PeerState {
	res := []PeerState{}
	for _, state := range r.Snapshot() {
		if state.Reachable {
			res = append(res, state)
		}
	}
	return res
}

// SetReachable updates a peer's reachability and, when reachable, folds the
// observed round-trip time into the latency average.
func (r *Registry) SetReachable(pubKeyHex string, reachable bool, rtt time.Duration) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	state, ok := r.peers[pubKeyHex]
	if !ok {
		return
	}

	state.Reachable = reachable
	if reachable {
		state.LastSeen = time.Now()
		ms := float64(rtt.Milliseconds())
		if state.LatencyMs == 0 {
			state.LatencyMs = ms
		} else {
			state.LatencyMs = 0.8*state.LatencyMs + 0.2*ms
		}
	}
}

// SetCheckpoint records the peer's last known checkpoint.
func (r *Registry) SetCheckpoint(pubKeyHex, checkpointID string, epoch uint64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	state, ok := r.peers[pubKeyHex]
	if !ok {
		return
	}
	state.LastCheckpointID = checkpointID
	state.LastEpoch = epoch
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.peers)
}

// withPeer runs fn against the live record for pubKeyHex while holding the
// write lock. It is the trust ledger's mutation entry point.
func (r *Registry) withPeer(pubKeyHex string, fn func(*PeerState)) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if state, ok := r.peers[pubKeyHex]; ok {
		fn(state)
	}
}
